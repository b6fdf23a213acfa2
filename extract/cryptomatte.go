package extract

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/pithecene-io/bridge/exr"
)

// Mask is a single-channel 0/1 coverage raster.
type Mask struct {
	Width  int
	Height int
	Pix    []float32
}

// Coverage returns the fraction of pixels set in the mask.
func (m *Mask) Coverage() float64 {
	if len(m.Pix) == 0 {
		return 0
	}
	n := 0
	for _, v := range m.Pix {
		if v > 0 {
			n++
		}
	}
	return float64(n) / float64(len(m.Pix))
}

// cryptoLayer is a located Cryptomatte layer.
type cryptoLayer struct {
	prefix   string
	manifest map[string]string
}

// findCryptoLayer locates the first Cryptomatte manifest in the header.
// Standard layers use cryptomatte/<id>/manifest with the channel prefix in
// cryptomatte/<id>/name. Keys ending in ".manifest" use the key stem as prefix.
func findCryptoLayer(f *exr.File) (*cryptoLayer, error) {
	names := f.AttributeNames()
	sort.Strings(names)
	for _, key := range names {
		var prefix string
		switch {
		case strings.HasPrefix(key, "cryptomatte/") && strings.HasSuffix(key, "/manifest"):
			id := strings.TrimSuffix(key, "/manifest")
			name, ok := f.StringAttribute(id + "/name")
			if !ok {
				continue
			}
			prefix = name
		case strings.HasSuffix(key, ".manifest"):
			prefix = strings.TrimSuffix(key, "manifest")
		default:
			continue
		}

		raw, ok := f.StringAttribute(key)
		if !ok {
			continue
		}
		var manifest map[string]string
		if err := json.Unmarshal([]byte(raw), &manifest); err != nil {
			return nil, fmt.Errorf("decode manifest %s: %w", key, err)
		}
		return &cryptoLayer{prefix: prefix, manifest: manifest}, nil
	}
	return nil, fmt.Errorf("cryptomatte manifest: %w", ErrNotFound)
}

// hashToFloat converts an 8-digit hex object hash to its float32 id.
func hashToFloat(h string) (float32, error) {
	b, err := hex.DecodeString(h)
	if err != nil || len(b) != 4 {
		return 0, fmt.Errorf("invalid cryptomatte hash %q", h)
	}
	return math.Float32frombits(binary.BigEndian.Uint32(b)), nil
}

// isClose mirrors numpy.isclose with default tolerances.
func isClose(a, b float32) bool {
	const rtol, atol = 1e-5, 1e-8
	return math.Abs(float64(a)-float64(b)) <= atol+rtol*math.Abs(float64(b))
}

// CryptomatteMask builds a coverage mask for objectName from the first
// Cryptomatte layer in path. Only the rank-0 id channel is consulted.
func CryptomatteMask(path, objectName string) (*Mask, error) {
	f, err := exr.Open(path)
	if err != nil {
		return nil, err
	}

	layer, err := findCryptoLayer(f)
	if err != nil {
		return nil, err
	}

	h, ok := layer.manifest[objectName]
	if !ok {
		known := make([]string, 0, len(layer.manifest))
		for k := range layer.manifest {
			known = append(known, k)
		}
		sort.Strings(known)
		return nil, fmt.Errorf("object %q in manifest (have %v): %w", objectName, known, ErrNotFound)
	}
	target, err := hashToFloat(h)
	if err != nil {
		return nil, err
	}

	idChannel := layer.prefix + "00.R"
	if !f.HasChannel(idChannel) {
		return nil, fmt.Errorf("cryptomatte channel %q: %w", idChannel, ErrNotFound)
	}
	ids, err := f.Channel(idChannel)
	if err != nil {
		return nil, err
	}

	dw := f.DataWindow()
	mask := &Mask{Width: dw.Width(), Height: dw.Height(), Pix: make([]float32, len(ids))}
	for i, id := range ids {
		if isClose(id, target) {
			mask.Pix[i] = 1
		}
	}
	return mask, nil
}
