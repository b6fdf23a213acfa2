package exr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/klauspost/compress/zlib"
	"github.com/x448/float16"
)

// Image is an in-memory multi-channel raster for writing.
type Image struct {
	Width  int
	Height int
	// Channels maps channel names to Height×Width row-major samples.
	Channels map[string][]float32
	// Strings holds extra string header attributes (e.g. cryptomatte metadata).
	Strings map[string]string
}

// WriteOptions controls encoding.
type WriteOptions struct {
	Compression Compression
	PixelType   PixelType
}

// WriteFile encodes img to path.
func WriteFile(path string, img *Image, opts WriteOptions) error {
	var buf bytes.Buffer
	if err := Write(&buf, img, opts); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// Write encodes img as a single-part scanline file.
// Only NONE, ZIPS and ZIP compression are supported for writing.
func Write(w io.Writer, img *Image, opts WriteOptions) error {
	switch opts.Compression {
	case CompressionNone, CompressionZIPS, CompressionZIP:
	default:
		return fmt.Errorf("%w: writing %s compression", ErrUnsupported, opts.Compression)
	}
	if opts.PixelType != PixelHalf && opts.PixelType != PixelFloat {
		return fmt.Errorf("%w: writing %s samples", ErrUnsupported, opts.PixelType)
	}
	if img.Width <= 0 || img.Height <= 0 {
		return fmt.Errorf("invalid image size %dx%d", img.Width, img.Height)
	}

	names := make([]string, 0, len(img.Channels))
	for name, samples := range img.Channels {
		if len(samples) != img.Width*img.Height {
			return fmt.Errorf("channel %q has %d samples, want %d", name, len(samples), img.Width*img.Height)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var hdr bytes.Buffer
	binary.Write(&hdr, binary.LittleEndian, int32(magic)) //nolint:errcheck // bytes.Buffer writes do not fail
	binary.Write(&hdr, binary.LittleEndian, uint32(2))    //nolint:errcheck

	var chlist bytes.Buffer
	for _, name := range names {
		chlist.WriteString(name)
		chlist.WriteByte(0)
		binary.Write(&chlist, binary.LittleEndian, int32(opts.PixelType)) //nolint:errcheck
		chlist.Write([]byte{0, 0, 0, 0})
		binary.Write(&chlist, binary.LittleEndian, [2]int32{1, 1}) //nolint:errcheck
	}
	chlist.WriteByte(0)

	box := func(b Box2i) []byte {
		out := make([]byte, 16)
		binary.LittleEndian.PutUint32(out[0:], uint32(b.XMin))
		binary.LittleEndian.PutUint32(out[4:], uint32(b.YMin))
		binary.LittleEndian.PutUint32(out[8:], uint32(b.XMax))
		binary.LittleEndian.PutUint32(out[12:], uint32(b.YMax))
		return out
	}
	f32 := func(v float32) []byte {
		out := make([]byte, 4)
		binary.LittleEndian.PutUint32(out, math.Float32bits(v))
		return out
	}
	window := Box2i{XMax: int32(img.Width - 1), YMax: int32(img.Height - 1)}

	writeAttr(&hdr, "channels", "chlist", chlist.Bytes())
	writeAttr(&hdr, "compression", "compression", []byte{byte(opts.Compression)})
	writeAttr(&hdr, "dataWindow", "box2i", box(window))
	writeAttr(&hdr, "displayWindow", "box2i", box(window))
	writeAttr(&hdr, "lineOrder", "lineOrder", []byte{0})
	writeAttr(&hdr, "pixelAspectRatio", "float", f32(1))
	writeAttr(&hdr, "screenWindowCenter", "v2f", append(f32(0), f32(0)...))
	writeAttr(&hdr, "screenWindowWidth", "float", f32(1))

	extra := make([]string, 0, len(img.Strings))
	for k := range img.Strings {
		extra = append(extra, k)
	}
	sort.Strings(extra)
	for _, k := range extra {
		writeAttr(&hdr, k, "string", []byte(img.Strings[k]))
	}
	hdr.WriteByte(0)

	lpc := opts.Compression.linesPerChunk()
	var chunks [][]byte
	for y := 0; y < img.Height; y += lpc {
		lines := min(lpc, img.Height-y)
		raw := packLines(img, names, y, lines, opts.PixelType)
		data, err := compress(raw, opts.Compression)
		if err != nil {
			return err
		}
		chunk := make([]byte, 8+len(data))
		binary.LittleEndian.PutUint32(chunk[0:], uint32(int32(y)))
		binary.LittleEndian.PutUint32(chunk[4:], uint32(len(data)))
		copy(chunk[8:], data)
		chunks = append(chunks, chunk)
	}

	offset := uint64(hdr.Len() + 8*len(chunks))
	for _, c := range chunks {
		binary.Write(&hdr, binary.LittleEndian, offset) //nolint:errcheck
		offset += uint64(len(c))
	}
	for _, c := range chunks {
		hdr.Write(c)
	}

	_, err := w.Write(hdr.Bytes())
	return err
}

func writeAttr(b *bytes.Buffer, name, typ string, data []byte) {
	b.WriteString(name)
	b.WriteByte(0)
	b.WriteString(typ)
	b.WriteByte(0)
	binary.Write(b, binary.LittleEndian, int32(len(data))) //nolint:errcheck
	b.Write(data)
}

func packLines(img *Image, names []string, y, lines int, t PixelType) []byte {
	out := make([]byte, 0, lines*len(names)*img.Width*t.Size())
	for l := 0; l < lines; l++ {
		row := (y + l) * img.Width
		for _, name := range names {
			for _, v := range img.Channels[name][row : row+img.Width] {
				if t == PixelHalf {
					out = binary.LittleEndian.AppendUint16(out, float16.Fromfloat32(v).Bits())
				} else {
					out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
				}
			}
		}
	}
	return out
}

func compress(raw []byte, c Compression) ([]byte, error) {
	if c == CompressionNone {
		return raw, nil
	}
	tmp := interleave(raw)
	predictorEncode(tmp)

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(tmp); err != nil {
		return nil, fmt.Errorf("zlib: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("zlib: %w", err)
	}
	if buf.Len() >= len(raw) {
		return raw, nil
	}
	return buf.Bytes(), nil
}

// interleave splits even and odd bytes into two halves.
func interleave(src []byte) []byte {
	n := len(src)
	out := make([]byte, n)
	half := (n + 1) / 2
	for i, b := range src {
		if i%2 == 0 {
			out[i/2] = b
		} else {
			out[half+i/2] = b
		}
	}
	return out
}

// predictorEncode replaces each byte with its delta from the previous one.
func predictorEncode(t []byte) {
	for i := len(t) - 1; i > 0; i-- {
		t[i] = byte(int(t[i]) - int(t[i-1]) + 128)
	}
}
