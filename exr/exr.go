// Package exr reads and writes single-part scanline OpenEXR files.
//
// Supported: NONE, RLE, ZIPS and ZIP compression; HALF, FLOAT and UINT
// channels. Tiled, deep, multipart and subsampled files are rejected with
// ErrUnsupported.
package exr

import (
	"errors"
	"fmt"
	"os"
	"sort"
)

// magic is the little-endian OpenEXR magic number (76 2f 31 01).
const magic = 20000630

// Version field flags.
const (
	flagTiled     = 0x200
	flagLongNames = 0x400
	flagNonImage  = 0x800
	flagMultipart = 0x1000
)

// MaxPixels bounds the data window area Decode accepts (8192 x 8192).
const MaxPixels = 1 << 26

// maxSamples bounds pixels times channels, the float32 count decodePixels allocates.
const maxSamples = 1 << 29

var (
	// ErrUnsupported is returned for valid files using features this package does not decode.
	ErrUnsupported = errors.New("unsupported exr feature")
	// ErrCorrupt is returned for structurally invalid files.
	ErrCorrupt = errors.New("corrupt exr file")
)

// PixelType is a channel sample type.
type PixelType int32

const (
	PixelUint  PixelType = 0
	PixelHalf  PixelType = 1
	PixelFloat PixelType = 2
)

// Size returns the sample size in bytes.
func (p PixelType) Size() int {
	if p == PixelHalf {
		return 2
	}
	return 4
}

func (p PixelType) String() string {
	switch p {
	case PixelUint:
		return "uint"
	case PixelHalf:
		return "half"
	case PixelFloat:
		return "float"
	default:
		return fmt.Sprintf("pixel(%d)", int32(p))
	}
}

// Compression is the chunk compression method.
type Compression uint8

const (
	CompressionNone  Compression = 0
	CompressionRLE   Compression = 1
	CompressionZIPS  Compression = 2
	CompressionZIP   Compression = 3
	CompressionPIZ   Compression = 4
	CompressionPXR24 Compression = 5
	CompressionB44   Compression = 6
	CompressionB44A  Compression = 7
	CompressionDWAA  Compression = 8
	CompressionDWAB  Compression = 9
)

var compressionNames = map[Compression]string{
	CompressionNone:  "none",
	CompressionRLE:   "rle",
	CompressionZIPS:  "zips",
	CompressionZIP:   "zip",
	CompressionPIZ:   "piz",
	CompressionPXR24: "pxr24",
	CompressionB44:   "b44",
	CompressionB44A:  "b44a",
	CompressionDWAA:  "dwaa",
	CompressionDWAB:  "dwab",
}

func (c Compression) String() string {
	if s, ok := compressionNames[c]; ok {
		return s
	}
	return fmt.Sprintf("compression(%d)", uint8(c))
}

// linesPerChunk is the scanline block height for c.
func (c Compression) linesPerChunk() int {
	switch c {
	case CompressionZIP, CompressionPXR24:
		return 16
	case CompressionPIZ, CompressionB44, CompressionB44A, CompressionDWAA:
		return 32
	case CompressionDWAB:
		return 256
	default:
		return 1
	}
}

// Channel describes one named channel.
type Channel struct {
	Name      string
	Type      PixelType
	PLinear   bool
	XSampling int32
	YSampling int32
}

// Box2i is an inclusive integer rectangle.
type Box2i struct {
	XMin, YMin, XMax, YMax int32
}

// Width returns the box width in pixels.
func (b Box2i) Width() int { return int(int64(b.XMax)-int64(b.XMin)) + 1 }

// Height returns the box height in pixels.
func (b Box2i) Height() int { return int(int64(b.YMax)-int64(b.YMin)) + 1 }

// Attribute is a raw header attribute.
type Attribute struct {
	Name string
	Type string
	Data []byte
}

// File is a decoded OpenEXR file. Pixel data is decoded on first access.
type File struct {
	channels    []Channel
	attrs       map[string]Attribute
	dataWindow  Box2i
	compression Compression

	raw     []byte
	offsets []uint64
	planes  map[string][]float32
}

// Open reads and parses the file at path.
func Open(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Channels returns the channel list in file order (sorted by name).
func (f *File) Channels() []Channel {
	return append([]Channel(nil), f.channels...)
}

// ChannelNames returns the channel names in file order.
func (f *File) ChannelNames() []string {
	names := make([]string, len(f.channels))
	for i, c := range f.channels {
		names[i] = c.Name
	}
	return names
}

// HasChannel reports whether name is in the channel list.
func (f *File) HasChannel(name string) bool {
	for _, c := range f.channels {
		if c.Name == name {
			return true
		}
	}
	return false
}

// DataWindow returns the declared data window.
func (f *File) DataWindow() Box2i { return f.dataWindow }

// Compression returns the file compression.
func (f *File) Compression() Compression { return f.compression }

// Attribute returns a raw header attribute.
func (f *File) Attribute(name string) (Attribute, bool) {
	a, ok := f.attrs[name]
	return a, ok
}

// StringAttribute returns the value of a string-typed attribute.
func (f *File) StringAttribute(name string) (string, bool) {
	a, ok := f.attrs[name]
	if !ok || a.Type != "string" {
		return "", false
	}
	return string(a.Data), true
}

// AttributeNames returns all header attribute names, sorted.
func (f *File) AttributeNames() []string {
	names := make([]string, 0, len(f.attrs))
	for n := range f.attrs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Channel returns the samples of the named channel as float32 in row-major
// order (Height × Width). The returned slice is shared; do not modify it.
func (f *File) Channel(name string) ([]float32, error) {
	if !f.HasChannel(name) {
		return nil, fmt.Errorf("channel %q not found", name)
	}
	if f.planes == nil {
		planes, err := f.decodePixels()
		if err != nil {
			return nil, err
		}
		f.planes = planes
	}
	return f.planes[name], nil
}
