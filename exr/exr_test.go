package exr

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"path/filepath"
	"testing"
)

// gradient returns w*h samples ramping from 0 to just under max.
func gradient(w, h int, max float32) []float32 {
	out := make([]float32, w*h)
	for i := range out {
		out[i] = max * float32(i) / float32(len(out))
	}
	return out
}

func testImage(w, h int) *Image {
	return &Image{
		Width:  w,
		Height: h,
		Channels: map[string][]float32{
			"View Layer.Combined.R": gradient(w, h, 1),
			"View Layer.Combined.G": gradient(w, h, 0.5),
			"View Layer.Combined.B": gradient(w, h, 0.25),
			"View Layer.Depth.Z":    gradient(w, h, 100),
		},
		Strings: map[string]string{"renderer": "cycles"},
	}
}

func encode(t *testing.T, img *Image, opts WriteOptions) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := Write(&buf, img, opts); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return buf.Bytes()
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		opts WriteOptions
		tol  float64
	}{
		{"none float", WriteOptions{Compression: CompressionNone, PixelType: PixelFloat}, 0},
		{"zips float", WriteOptions{Compression: CompressionZIPS, PixelType: PixelFloat}, 0},
		{"zip float", WriteOptions{Compression: CompressionZIP, PixelType: PixelFloat}, 0},
		{"zip half", WriteOptions{Compression: CompressionZIP, PixelType: PixelHalf}, 0.07},
		{"none half", WriteOptions{Compression: CompressionNone, PixelType: PixelHalf}, 0.07},
	}

	// 37 rows exercise a partial final ZIP block.
	img := testImage(23, 37)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Decode(encode(t, img, tt.opts))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}

			dw := f.DataWindow()
			if dw.Width() != 23 || dw.Height() != 37 {
				t.Fatalf("data window = %+v", dw)
			}
			if f.Compression() != tt.opts.Compression {
				t.Errorf("Compression = %s, want %s", f.Compression(), tt.opts.Compression)
			}

			names := f.ChannelNames()
			want := []string{"View Layer.Combined.B", "View Layer.Combined.G", "View Layer.Combined.R", "View Layer.Depth.Z"}
			if len(names) != len(want) {
				t.Fatalf("channels = %v", names)
			}
			for i := range want {
				if names[i] != want[i] {
					t.Errorf("channel[%d] = %q, want %q", i, names[i], want[i])
				}
			}

			for name, src := range img.Channels {
				got, err := f.Channel(name)
				if err != nil {
					t.Fatalf("Channel(%q): %v", name, err)
				}
				for i := range src {
					// Half precision error scales with magnitude.
					limit := tt.tol * math.Max(1, math.Abs(float64(src[i])))
					if d := math.Abs(float64(got[i] - src[i])); d > limit {
						t.Fatalf("%s[%d] = %v, want %v", name, i, got[i], src[i])
					}
				}
			}

			if v, ok := f.StringAttribute("renderer"); !ok || v != "cycles" {
				t.Errorf("renderer attribute = %q, %v", v, ok)
			}
		})
	}
}

func TestWriteFile_Open(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.exr")
	if err := WriteFile(path, testImage(4, 4), WriteOptions{Compression: CompressionZIPS, PixelType: PixelFloat}); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !f.HasChannel("View Layer.Depth.Z") {
		t.Error("missing depth channel")
	}
	if _, err := f.Channel("nope"); err == nil {
		t.Error("expected error for unknown channel")
	}
}

func TestOpen_Missing(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "missing.exr")); err == nil {
		t.Fatal("expected error")
	}
}

func TestDecode_Rejects(t *testing.T) {
	valid := encode(t, testImage(2, 2), WriteOptions{PixelType: PixelFloat})

	withVersion := func(flags uint32) []byte {
		b := append([]byte(nil), valid...)
		binary.LittleEndian.PutUint32(b[4:], 2|flags)
		return b
	}

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrCorrupt},
		{"bad magic", []byte("PNG\x00\x00\x00\x00\x00"), ErrCorrupt},
		{"truncated header", valid[:20], ErrCorrupt},
		{"tiled", withVersion(flagTiled), ErrUnsupported},
		{"deep", withVersion(flagNonImage), ErrUnsupported},
		{"multipart", withVersion(flagMultipart), ErrUnsupported},
		{"overflowing window", withWindow(t, valid, Box2i{XMin: 0, YMin: -10, XMax: 1, YMax: math.MaxInt32}), ErrCorrupt},
		{"inverted window", withWindow(t, valid, Box2i{XMin: 5, YMin: 0, XMax: 1, YMax: 1}), ErrCorrupt},
		{"wide single line", withWindow(t, valid, Box2i{XMin: 0, YMin: 0, XMax: 1 << 30, YMax: 0}), ErrCorrupt},
		{"offset table past end", withWindow(t, valid, Box2i{XMin: 0, YMin: 0, XMax: 1, YMax: 4000}), ErrCorrupt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

// withWindow returns a copy of data with its dataWindow attribute replaced.
func withWindow(t *testing.T, data []byte, box Box2i) []byte {
	t.Helper()
	key := []byte("dataWindow\x00box2i\x00")
	i := bytes.Index(data, key)
	if i < 0 {
		t.Fatal("dataWindow attribute not found")
	}
	b := append([]byte(nil), data...)
	off := i + len(key) + 4
	for j, v := range []int32{box.XMin, box.YMin, box.XMax, box.YMax} {
		binary.LittleEndian.PutUint32(b[off+4*j:], uint32(v))
	}
	return b
}

func TestBox2i_SizeDoesNotWrap(t *testing.T) {
	b := Box2i{XMin: math.MinInt32, YMin: -10, XMax: math.MaxInt32, YMax: math.MaxInt32}
	if b.Width() <= 0 || b.Height() <= 0 {
		t.Errorf("Width=%d Height=%d, want positive", b.Width(), b.Height())
	}
}

func TestDecode_TruncatedPixels(t *testing.T) {
	valid := encode(t, testImage(8, 8), WriteOptions{PixelType: PixelFloat})
	f, err := Decode(valid[:len(valid)-10])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, err := f.Channel("View Layer.Depth.Z"); !errors.Is(err, ErrCorrupt) {
		t.Errorf("err = %v, want ErrCorrupt", err)
	}
}

func TestWrite_Rejects(t *testing.T) {
	img := testImage(2, 2)
	if err := Write(&bytes.Buffer{}, img, WriteOptions{Compression: CompressionPIZ, PixelType: PixelFloat}); !errors.Is(err, ErrUnsupported) {
		t.Errorf("PIZ: err = %v", err)
	}
	if err := Write(&bytes.Buffer{}, img, WriteOptions{PixelType: PixelUint}); !errors.Is(err, ErrUnsupported) {
		t.Errorf("uint: err = %v", err)
	}
	bad := &Image{Width: 2, Height: 2, Channels: map[string][]float32{"R": {1}}}
	if err := Write(&bytes.Buffer{}, bad, WriteOptions{PixelType: PixelFloat}); err == nil {
		t.Error("expected error for short channel")
	}
}

func TestRLEDecode(t *testing.T) {
	// run of 4 x 0x07, literal [1 2 3], run of 1 x 0xff
	src := []byte{3, 0x07, 0xfd, 1, 2, 3, 0, 0xff}
	got, err := rleDecode(src, 8)
	if err != nil {
		t.Fatalf("rleDecode: %v", err)
	}
	want := []byte{7, 7, 7, 7, 1, 2, 3, 0xff}
	if !bytes.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	if _, err := rleDecode(src, 9); !errors.Is(err, ErrCorrupt) {
		t.Errorf("short output: err = %v", err)
	}
	if _, err := rleDecode([]byte{0xfd, 1}, 3); !errors.Is(err, ErrCorrupt) {
		t.Errorf("overrun literal: err = %v", err)
	}
}

func TestPredictorInterleaveInverse(t *testing.T) {
	for _, n := range []int{0, 1, 2, 7, 64, 255} {
		src := make([]byte, n)
		for i := range src {
			src[i] = byte(i*37 + 11)
		}
		tmp := interleave(src)
		predictorEncode(tmp)
		predictorDecode(tmp)
		got := deinterleave(tmp)
		if !bytes.Equal(got, src) {
			t.Errorf("n=%d: round trip mismatch", n)
		}
	}
}

func TestCompressionString(t *testing.T) {
	if CompressionZIPS.String() != "zips" {
		t.Errorf("ZIPS = %s", CompressionZIPS)
	}
	if Compression(42).String() != "compression(42)" {
		t.Errorf("unknown = %s", Compression(42))
	}
	if PixelHalf.String() != "half" {
		t.Errorf("half = %s", PixelHalf)
	}
}
