// Package extract demultiplexes a multilayer OpenEXR render into named
// 3-channel image planes.
//
// The producer sends a channel map {output name → base channel name}; the
// fixed component table supplies the per-output channel suffixes. An output
// is produced only when every required channel exists; there are no partial
// planes.
package extract

import (
	"errors"
	"fmt"
	"sort"

	"github.com/pithecene-io/bridge/exr"
	"github.com/pithecene-io/bridge/log"
	"github.com/pithecene-io/bridge/types"
)

// ErrNotFound marks a missing file, channel or manifest entry.
var ErrNotFound = errors.New("not found")

// MetadataKey is the payload metadata key holding the channel map.
const MetadataKey = "channel_map"

// Components maps each known output to its ordered channel suffixes.
var Components = map[string][]string{
	"image":             {".R", ".G", ".B"},
	"depth":             {".Z"},
	"mist":              {".Z"},
	"normal":            {".X", ".Y", ".Z"},
	"position":          {".X", ".Y", ".Z"},
	"vector":            {".X", ".Y", ".Z", ".W"},
	"diffuse_direct":    {".R", ".G", ".B"},
	"diffuse_color":     {".R", ".G", ".B"},
	"glossy_direct":     {".R", ".G", ".B"},
	"glossy_color":      {".R", ".G", ".B"},
	"volume_direct":     {".R", ".G", ".B"},
	"emission":          {".R", ".G", ".B"},
	"environment":       {".R", ".G", ".B"},
	"shadow":            {".R", ".G", ".B"},
	"ambient_occlusion": {".R", ".G", ".B"},
}

// OutputNames lists the outputs in their downstream slot order.
var OutputNames = []string{
	"image", "depth", "mist", "normal", "position", "vector",
	"diffuse_direct", "diffuse_color", "glossy_direct", "glossy_color",
	"volume_direct", "emission", "environment", "shadow", "ambient_occlusion",
}

// ChannelMap maps output names to base channel names, e.g. "image" → "View Layer.Combined".
type ChannelMap map[string]string

// ChannelMapFromMetadata reads the channel map from payload metadata.
// Non-string values are skipped.
func ChannelMapFromMetadata(metadata map[string]any) (ChannelMap, bool) {
	switch v := metadata[MetadataKey].(type) {
	case map[string]any:
		cm := make(ChannelMap, len(v))
		for k, base := range v {
			if s, ok := base.(string); ok {
				cm[k] = s
			}
		}
		return cm, len(cm) > 0
	case map[string]string:
		cm := make(ChannelMap, len(v))
		for k, base := range v {
			cm[k] = base
		}
		return cm, len(cm) > 0
	default:
		return nil, false
	}
}

// Normalize returns a copy where "combined" is renamed to "image" unless
// "image" is already mapped.
func (m ChannelMap) Normalize() ChannelMap {
	out := make(ChannelMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	if base, ok := out["combined"]; ok {
		if _, has := out["image"]; !has {
			out["image"] = base
			delete(out, "combined")
		}
	}
	return out
}

// RequiredChannels returns the fully-qualified channels for output, or nil
// if output is not in the component table. Vector passes use three channels.
func RequiredChannels(output, base string) []string {
	suffixes, ok := Components[output]
	if !ok {
		return nil
	}
	if len(suffixes) == 4 {
		suffixes = suffixes[:3]
	}
	names := make([]string, len(suffixes))
	for i, s := range suffixes {
		names[i] = base + s
	}
	return names
}

// Result holds extracted planes and the data-window size they share.
type Result struct {
	Width  int
	Height int
	Planes map[string]*types.Image
}

// Names returns the extracted output names, sorted.
func (r Result) Names() []string {
	names := make([]string, 0, len(r.Planes))
	for n := range r.Planes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Extractor decodes containers into planes. Failures degrade to partial or
// empty results and are logged.
type Extractor struct {
	logger *log.Logger
}

// New creates an extractor.
func New(logger *log.Logger) *Extractor {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Extractor{logger: logger}
}

// Extract decodes the planes named by metadata's channel map from path.
// It never fails: errors are logged and yield an empty or partial result.
func (e *Extractor) Extract(path string, metadata map[string]any) Result {
	empty := Result{Planes: map[string]*types.Image{}}

	cm, ok := ChannelMapFromMetadata(metadata)
	if !ok {
		e.logger.Warn("multilayer payload has no channel_map, nothing to extract", map[string]any{"path": path})
		return empty
	}

	f, err := exr.Open(path)
	if err != nil {
		e.logger.Error("failed to open container", map[string]any{"path": path, "error": err.Error()})
		return empty
	}

	res := Result{
		Width:  f.DataWindow().Width(),
		Height: f.DataWindow().Height(),
		Planes: map[string]*types.Image{},
	}

	cm = cm.Normalize()
	outputs := make([]string, 0, len(cm))
	for k := range cm {
		outputs = append(outputs, k)
	}
	sort.Strings(outputs)

	for _, output := range outputs {
		required := RequiredChannels(output, cm[output])
		if required == nil {
			continue
		}
		missing := false
		for _, name := range required {
			if !f.HasChannel(name) {
				missing = true
				break
			}
		}
		if missing {
			e.logger.Warn("required channels not found for output", map[string]any{
				"output": output,
				"sought": required,
			})
			continue
		}

		img, err := assemble(f, required, res.Width, res.Height)
		if err != nil {
			e.logger.Error("failed to read channels", map[string]any{
				"output": output,
				"error":  err.Error(),
			})
			continue
		}
		res.Planes[output] = img
	}

	if len(res.Planes) > 0 {
		e.logger.Info("extracted planes", map[string]any{"path": path, "outputs": res.Names()})
	}
	return res
}

// assemble stacks the channels into a 3-channel image, broadcasting a single
// channel to all three, and clamps to [0, 1].
func assemble(f *exr.File, channels []string, width, height int) (*types.Image, error) {
	planes := make([][]float32, 3)
	for i := range planes {
		src := channels[0]
		if len(channels) > 1 {
			src = channels[i]
		}
		data, err := f.Channel(src)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", src, err)
		}
		planes[i] = data
	}

	img := types.NewImage(width, height)
	for p := 0; p < width*height; p++ {
		for c := 0; c < 3; c++ {
			img.Pix[p*3+c] = clamp01(planes[c][p])
		}
	}
	return img, nil
}

func clamp01(v float32) float32 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
