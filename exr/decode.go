package exr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zlib"
	"github.com/x448/float16"
)

// reader is a bounds-checked little-endian cursor.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = fmt.Errorf("%w: truncated at offset %d", ErrCorrupt, r.off)
		return false
	}
	return true
}

func (r *reader) bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) i32() int32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(b))
}

func (r *reader) u64() uint64 {
	b := r.bytes(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) cstring() string {
	if r.err != nil {
		return ""
	}
	i := bytes.IndexByte(r.buf[r.off:], 0)
	if i < 0 {
		r.err = fmt.Errorf("%w: unterminated string at offset %d", ErrCorrupt, r.off)
		return ""
	}
	s := string(r.buf[r.off : r.off+i])
	r.off += i + 1
	return s
}

// Decode parses an in-memory OpenEXR file. Pixel data is decoded lazily.
func Decode(data []byte) (*File, error) {
	r := &reader{buf: data}
	if r.i32() != magic {
		if r.err != nil {
			return nil, r.err
		}
		return nil, fmt.Errorf("%w: bad magic number", ErrCorrupt)
	}
	version := uint32(r.i32())
	if r.err != nil {
		return nil, r.err
	}
	if version&0xff != 2 {
		return nil, fmt.Errorf("%w: file format version %d", ErrUnsupported, version&0xff)
	}
	switch {
	case version&flagTiled != 0:
		return nil, fmt.Errorf("%w: tiled images", ErrUnsupported)
	case version&flagNonImage != 0:
		return nil, fmt.Errorf("%w: deep data", ErrUnsupported)
	case version&flagMultipart != 0:
		return nil, fmt.Errorf("%w: multipart files", ErrUnsupported)
	}

	f := &File{attrs: make(map[string]Attribute), raw: data}
	for {
		name := r.cstring()
		if r.err != nil {
			return nil, r.err
		}
		if name == "" {
			break
		}
		typ := r.cstring()
		size := r.i32()
		val := r.bytes(int(size))
		if r.err != nil {
			return nil, r.err
		}
		f.attrs[name] = Attribute{Name: name, Type: typ, Data: val}
	}

	if err := f.parseRequired(); err != nil {
		return nil, err
	}

	chunks := (f.dataWindow.Height() + f.compression.linesPerChunk() - 1) / f.compression.linesPerChunk()
	if chunks > (len(data)-r.off)/8 {
		return nil, fmt.Errorf("%w: offset table needs %d entries, file holds %d bytes after header", ErrCorrupt, chunks, len(data)-r.off)
	}
	f.offsets = make([]uint64, chunks)
	for i := range f.offsets {
		f.offsets[i] = r.u64()
	}
	if r.err != nil {
		return nil, fmt.Errorf("offset table: %w", r.err)
	}
	return f, nil
}

func (f *File) parseRequired() error {
	ch, ok := f.attrs["channels"]
	if !ok {
		return fmt.Errorf("%w: missing channels attribute", ErrCorrupt)
	}
	channels, err := parseChannels(ch.Data)
	if err != nil {
		return err
	}
	f.channels = channels

	comp, ok := f.attrs["compression"]
	if !ok || len(comp.Data) != 1 {
		return fmt.Errorf("%w: missing compression attribute", ErrCorrupt)
	}
	f.compression = Compression(comp.Data[0])
	switch f.compression {
	case CompressionNone, CompressionRLE, CompressionZIPS, CompressionZIP:
	default:
		return fmt.Errorf("%w: %s compression", ErrUnsupported, f.compression)
	}

	dw, ok := f.attrs["dataWindow"]
	if !ok || len(dw.Data) != 16 {
		return fmt.Errorf("%w: missing dataWindow attribute", ErrCorrupt)
	}
	br := &reader{buf: dw.Data}
	f.dataWindow = Box2i{XMin: br.i32(), YMin: br.i32(), XMax: br.i32(), YMax: br.i32()}
	w, h := int64(f.dataWindow.Width()), int64(f.dataWindow.Height())
	switch {
	case w <= 0 || h <= 0:
		return fmt.Errorf("%w: empty data window %+v", ErrCorrupt, f.dataWindow)
	case w*h > MaxPixels:
		return fmt.Errorf("%w: data window %dx%d exceeds %d pixels", ErrCorrupt, w, h, MaxPixels)
	case w*h*int64(len(f.channels)) > maxSamples:
		return fmt.Errorf("%w: %d channels of %dx%d exceed %d samples", ErrCorrupt, len(f.channels), w, h, maxSamples)
	}
	return nil
}

func parseChannels(data []byte) ([]Channel, error) {
	r := &reader{buf: data}
	var out []Channel
	for {
		name := r.cstring()
		if r.err != nil {
			return nil, r.err
		}
		if name == "" {
			break
		}
		c := Channel{Name: name}
		c.Type = PixelType(r.i32())
		c.PLinear = r.u8() != 0
		r.bytes(3)
		c.XSampling = r.i32()
		c.YSampling = r.i32()
		if r.err != nil {
			return nil, r.err
		}
		if c.Type < PixelUint || c.Type > PixelFloat {
			return nil, fmt.Errorf("%w: channel %q has pixel type %d", ErrCorrupt, name, c.Type)
		}
		if c.XSampling != 1 || c.YSampling != 1 {
			return nil, fmt.Errorf("%w: subsampled channel %q", ErrUnsupported, name)
		}
		out = append(out, c)
	}
	return out, nil
}

// lineBytes is the unpacked size of one scanline across all channels.
func (f *File) lineBytes() int {
	n := 0
	for _, c := range f.channels {
		n += f.dataWindow.Width() * c.Type.Size()
	}
	return n
}

func (f *File) decodePixels() (map[string][]float32, error) {
	width := f.dataWindow.Width()
	height := f.dataWindow.Height()
	planes := make(map[string][]float32, len(f.channels))
	for _, c := range f.channels {
		planes[c.Name] = make([]float32, width*height)
	}

	lineBytes := f.lineBytes()
	for i, off := range f.offsets {
		r := &reader{buf: f.raw, off: int(off)}
		if off > uint64(len(f.raw)) {
			return nil, fmt.Errorf("%w: chunk %d offset %d out of range", ErrCorrupt, i, off)
		}
		y := r.i32()
		packed := r.bytes(int(r.i32()))
		if r.err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, r.err)
		}
		if y < f.dataWindow.YMin || y > f.dataWindow.YMax {
			return nil, fmt.Errorf("%w: chunk %d starts at line %d outside data window", ErrCorrupt, i, y)
		}

		lines := min(f.compression.linesPerChunk(), int(f.dataWindow.YMax-y)+1)
		unpacked, err := f.unpack(packed, lines*lineBytes)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}

		pos := 0
		for l := 0; l < lines; l++ {
			row := int(y-f.dataWindow.YMin) + l
			for _, c := range f.channels {
				dst := planes[c.Name][row*width : (row+1)*width]
				pos = readSamples(dst, unpacked, pos, c.Type)
			}
		}
	}
	return planes, nil
}

func readSamples(dst []float32, src []byte, pos int, t PixelType) int {
	for x := range dst {
		switch t {
		case PixelHalf:
			dst[x] = float16.Frombits(binary.LittleEndian.Uint16(src[pos:])).Float32()
			pos += 2
		case PixelFloat:
			dst[x] = math.Float32frombits(binary.LittleEndian.Uint32(src[pos:]))
			pos += 4
		case PixelUint:
			dst[x] = float32(binary.LittleEndian.Uint32(src[pos:]))
			pos += 4
		}
	}
	return pos
}

// unpack returns exactly expected bytes of chunk data.
// Chunks whose compressed form would not be smaller are stored raw.
func (f *File) unpack(packed []byte, expected int) ([]byte, error) {
	if f.compression == CompressionNone || len(packed) >= expected {
		if len(packed) != expected {
			return nil, fmt.Errorf("%w: chunk holds %d bytes, want %d", ErrCorrupt, len(packed), expected)
		}
		return packed, nil
	}

	var tmp []byte
	switch f.compression {
	case CompressionZIPS, CompressionZIP:
		zr, err := zlib.NewReader(bytes.NewReader(packed))
		if err != nil {
			return nil, fmt.Errorf("%w: zlib: %v", ErrCorrupt, err)
		}
		defer func() { _ = zr.Close() }()
		tmp = make([]byte, expected)
		if _, err := io.ReadFull(zr, tmp); err != nil {
			return nil, fmt.Errorf("%w: zlib: %v", ErrCorrupt, err)
		}
	case CompressionRLE:
		var err error
		if tmp, err = rleDecode(packed, expected); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %s compression", ErrUnsupported, f.compression)
	}

	predictorDecode(tmp)
	return deinterleave(tmp), nil
}

func rleDecode(src []byte, expected int) ([]byte, error) {
	out := make([]byte, 0, expected)
	for len(src) > 0 {
		n := int(int8(src[0]))
		src = src[1:]
		if n < 0 {
			count := -n
			if count > len(src) {
				return nil, fmt.Errorf("%w: rle literal overruns input", ErrCorrupt)
			}
			out = append(out, src[:count]...)
			src = src[count:]
		} else {
			if len(src) == 0 {
				return nil, fmt.Errorf("%w: rle run missing value", ErrCorrupt)
			}
			for i := 0; i < n+1; i++ {
				out = append(out, src[0])
			}
			src = src[1:]
		}
		if len(out) > expected {
			return nil, fmt.Errorf("%w: rle output exceeds %d bytes", ErrCorrupt, expected)
		}
	}
	if len(out) != expected {
		return nil, fmt.Errorf("%w: rle output %d bytes, want %d", ErrCorrupt, len(out), expected)
	}
	return out, nil
}

// predictorDecode undoes the byte-delta predictor in place.
func predictorDecode(t []byte) {
	for i := 1; i < len(t); i++ {
		t[i] = byte(int(t[i-1]) + int(t[i]) - 128)
	}
}

// deinterleave merges the two half-buffers written by the encoder.
func deinterleave(t []byte) []byte {
	n := len(t)
	out := make([]byte, n)
	t1, t2 := 0, (n+1)/2
	for s := 0; s < n; {
		out[s] = t[t1]
		s++
		t1++
		if s < n {
			out[s] = t[t2]
			s++
			t2++
		}
	}
	return out
}
