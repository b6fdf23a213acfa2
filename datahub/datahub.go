// Package datahub turns a consumed payload into the fixed set of image
// outputs exposed to the engine graph.
package datahub

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pithecene-io/bridge/exr"
	"github.com/pithecene-io/bridge/extract"
	"github.com/pithecene-io/bridge/log"
	"github.com/pithecene-io/bridge/types"
)

// Default raster size used when no image output could be produced.
const (
	DefaultWidth  = 512
	DefaultHeight = 512
)

// MaskObjectKey is an optional metadata key naming a Cryptomatte object to mask.
const MaskObjectKey = "mask_object"

// Outputs holds one plane per name in extract.OutputNames, always populated.
type Outputs struct {
	Width  int
	Height int
	Planes map[string]*types.Image
	// Extracted lists the names that came from real data rather than zero fill.
	Extracted []string
	// Mask is set when the payload asked for a Cryptomatte object mask and it
	// could be built.
	Mask *extract.Mask
}

// Image returns the main image plane.
func (o Outputs) Image() *types.Image { return o.Planes["image"] }

// Ordered returns planes in extract.OutputNames order.
func (o Outputs) Ordered() []*types.Image {
	out := make([]*types.Image, len(extract.OutputNames))
	for i, n := range extract.OutputNames {
		out[i] = o.Planes[n]
	}
	return out
}

// Hub processes payloads.
type Hub struct {
	extractor *extract.Extractor
	logger    *log.Logger
}

// New creates a hub.
func New(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Hub{
		extractor: extract.New(logger.Named("extract")),
		logger:    logger,
	}
}

// Process builds all outputs for p. Missing planes are zero-filled at the
// size of the image plane (or the default size when there is none).
func (h *Hub) Process(p types.Payload) Outputs {
	processed := map[string]*types.Image{}
	var mask *extract.Mask

	main, ok := p.MainFile()
	switch {
	case !ok:
		h.logger.Warn("payload carries no file", nil)
	case main.Kind == types.FileKindMultilayer:
		if strings.EqualFold(filepath.Ext(main.Path), ".exr") {
			processed = h.extractor.Extract(main.Path, p.Metadata).Planes
			mask = h.mask(main.Path, p.Metadata)
		} else {
			h.logger.Error("multilayer payload is not an .exr file", map[string]any{"path": main.Path})
		}
	default:
		if main.Kind == types.FileKindUnknown {
			h.logger.Info("unknown render type, loading as standard image", map[string]any{
				"render_type": main.RenderType,
			})
		}
		if img, err := LoadStandard(main.Path); err != nil {
			h.logger.Warn("failed to load standard image", map[string]any{"path": main.Path, "error": err.Error()})
		} else {
			processed["image"] = img
		}
	}

	w, hgt := DefaultWidth, DefaultHeight
	if img := processed["image"]; img != nil {
		w, hgt = img.Width, img.Height
	}

	out := Outputs{Width: w, Height: hgt, Planes: make(map[string]*types.Image, len(extract.OutputNames)), Mask: mask}
	for _, name := range extract.OutputNames {
		if img, ok := processed[name]; ok {
			out.Planes[name] = img
			out.Extracted = append(out.Extracted, name)
			continue
		}
		if ok && main.Kind == types.FileKindMultilayer {
			h.logger.Warn("output not extracted, emitting black plane", map[string]any{
				"output": name,
				"width":  w,
				"height": hgt,
			})
		}
		out.Planes[name] = types.NewImage(w, hgt)
	}
	return out
}

func (h *Hub) mask(path string, metadata map[string]any) *extract.Mask {
	object, _ := metadata[MaskObjectKey].(string)
	if object == "" {
		return nil
	}
	m, err := extract.CryptomatteMask(path, object)
	if err != nil {
		h.logger.Warn("cryptomatte mask unavailable", map[string]any{"object": object, "error": err.Error()})
		return nil
	}
	return m
}

// LoadStandard decodes a PNG or JPEG into a 3-channel plane in [0, 1].
// Alpha is dropped without premultiplication.
func LoadStandard(path string) (*types.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if int64(cfg.Width)*int64(cfg.Height) > exr.MaxPixels {
		return nil, fmt.Errorf("decode %s: %dx%d exceeds %d pixels", path, cfg.Width, cfg.Height, exr.MaxPixels)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return FromImage(src), nil
}

// FromImage converts any image.Image into a 3-channel plane.
func FromImage(src image.Image) *types.Image {
	b := src.Bounds()
	out := types.NewImage(b.Dx(), b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBA64Model.Convert(src.At(x, y)).(color.NRGBA64)
			out.Set(x-b.Min.X, y-b.Min.Y,
				float32(c.R)/0xffff,
				float32(c.G)/0xffff,
				float32(c.B)/0xffff,
			)
		}
	}
	return out
}
