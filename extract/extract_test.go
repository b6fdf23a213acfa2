package extract

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/pithecene-io/bridge/exr"
	"github.com/pithecene-io/bridge/log"
)

const (
	testW = 4
	testH = 3
)

func fill(v float32) []float32 {
	s := make([]float32, testW*testH)
	for i := range s {
		s[i] = v
	}
	return s
}

func ramp(scale float32) []float32 {
	s := make([]float32, testW*testH)
	for i := range s {
		s[i] = float32(i) * scale
	}
	return s
}

func writeContainer(t *testing.T, channels map[string][]float32, strs map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "render.exr")
	img := &exr.Image{Width: testW, Height: testH, Channels: channels, Strings: strs}
	if err := exr.WriteFile(path, img, exr.WriteOptions{Compression: exr.CompressionZIP, PixelType: exr.PixelFloat}); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func meta(cm map[string]any) map[string]any {
	return map[string]any{MetadataKey: cm}
}

func TestExtract_ViewLayerRGB(t *testing.T) {
	path := writeContainer(t, map[string][]float32{
		"View Layer.Combined.R": fill(0.25),
		"View Layer.Combined.G": fill(0.5),
		"View Layer.Combined.B": fill(0.75),
		"View Layer.Combined.A": fill(1),
	}, nil)

	res := New(log.NewNop()).Extract(path, meta(map[string]any{"image": "View Layer.Combined"}))

	if res.Width != testW || res.Height != testH {
		t.Fatalf("size = %dx%d, want %dx%d", res.Width, res.Height, testW, testH)
	}
	img, ok := res.Planes["image"]
	if !ok {
		t.Fatalf("image plane missing, got %v", res.Names())
	}
	if h, w, c := img.Shape(); h != testH || w != testW || c != 3 {
		t.Errorf("shape = (%d,%d,%d)", h, w, c)
	}
	r, g, b := img.At(3, 2)
	if r != 0.25 || g != 0.5 || b != 0.75 {
		t.Errorf("pixel = (%v,%v,%v), want (0.25,0.5,0.75)", r, g, b)
	}
}

func TestExtract_CombinedRenamedToImage(t *testing.T) {
	path := writeContainer(t, map[string][]float32{
		"RL.Combined.R": fill(0.1),
		"RL.Combined.G": fill(0.2),
		"RL.Combined.B": fill(0.3),
	}, nil)

	res := New(nil).Extract(path, meta(map[string]any{"combined": "RL.Combined"}))

	if _, ok := res.Planes["image"]; !ok {
		t.Errorf("expected combined to be extracted as image, got %v", res.Names())
	}
	if _, ok := res.Planes["combined"]; ok {
		t.Error("combined should not appear as its own output")
	}
}

func TestExtract_MissingChannelOmitsOutput(t *testing.T) {
	path := writeContainer(t, map[string][]float32{
		"RL.Combined.R": fill(0.1),
		"RL.Combined.G": fill(0.2),
		"RL.Combined.B": fill(0.3),
		"RL.Normal.X":   fill(0.5),
		"RL.Normal.Y":   fill(0.5),
		// RL.Normal.Z absent
	}, nil)

	res := New(nil).Extract(path, meta(map[string]any{
		"image":  "RL.Combined",
		"normal": "RL.Normal",
		"shadow": "RL.Shadow",
	}))

	if _, ok := res.Planes["normal"]; ok {
		t.Error("normal should be omitted when a component is missing")
	}
	if _, ok := res.Planes["shadow"]; ok {
		t.Error("shadow should be omitted when its base is absent")
	}
	if _, ok := res.Planes["image"]; !ok {
		t.Error("image should still be extracted")
	}
}

func TestExtract_DepthBroadcastAndClamp(t *testing.T) {
	path := writeContainer(t, map[string][]float32{
		"RL.Depth.Z": ramp(0.2), // 0 .. 2.2
		"RL.Mist.Z":  fill(-3),
	}, nil)

	res := New(nil).Extract(path, meta(map[string]any{"depth": "RL.Depth", "mist": "RL.Mist"}))

	depth, ok := res.Planes["depth"]
	if !ok {
		t.Fatalf("depth missing, got %v", res.Names())
	}
	r, g, b := depth.At(2, 0) // sample 2 → 0.4
	if r != g || g != b {
		t.Errorf("depth not broadcast: (%v,%v,%v)", r, g, b)
	}
	if r < 0.39 || r > 0.41 {
		t.Errorf("depth sample = %v, want ~0.4", r)
	}
	for _, v := range depth.Pix {
		if v < 0 || v > 1 {
			t.Fatalf("depth value %v outside [0,1]", v)
		}
	}
	if r, _, _ := depth.At(testW-1, testH-1); r != 1 {
		t.Errorf("depth max = %v, want clamped to 1", r)
	}
	if r, _, _ := res.Planes["mist"].At(0, 0); r != 0 {
		t.Errorf("mist = %v, want clamped to 0", r)
	}
}

func TestExtract_VectorUsesThreeChannels(t *testing.T) {
	path := writeContainer(t, map[string][]float32{
		"RL.Vector.X": fill(0.1),
		"RL.Vector.Y": fill(0.2),
		"RL.Vector.Z": fill(0.3),
		// .W deliberately absent: only three are required
	}, nil)

	res := New(nil).Extract(path, meta(map[string]any{"vector": "RL.Vector"}))

	v, ok := res.Planes["vector"]
	if !ok {
		t.Fatalf("vector missing, got %v", res.Names())
	}
	if r, g, b := v.At(0, 0); r != 0.1 || g != 0.2 || b != 0.3 {
		t.Errorf("vector = (%v,%v,%v)", r, g, b)
	}
}

func TestExtract_UnknownOutputSkipped(t *testing.T) {
	path := writeContainer(t, map[string][]float32{"RL.Foo.R": fill(1)}, nil)

	res := New(nil).Extract(path, meta(map[string]any{"foo": "RL.Foo"}))

	if len(res.Planes) != 0 {
		t.Errorf("expected no planes, got %v", res.Names())
	}
}

func TestExtract_NoChannelMap(t *testing.T) {
	path := writeContainer(t, map[string][]float32{"RL.Combined.R": fill(1)}, nil)

	res := New(nil).Extract(path, map[string]any{"frame": 1})

	if res.Planes == nil || len(res.Planes) != 0 {
		t.Errorf("expected empty non-nil planes, got %v", res.Planes)
	}
}

func TestExtract_MissingFile(t *testing.T) {
	res := New(nil).Extract(filepath.Join(t.TempDir(), "nope.exr"), meta(map[string]any{"image": "RL.Combined"}))
	if len(res.Planes) != 0 {
		t.Errorf("expected empty result, got %v", res.Names())
	}
}

func TestExtract_OverflowingDataWindowDegrades(t *testing.T) {
	path := writeContainer(t, map[string][]float32{
		"View Layer.Combined.R": fill(1),
		"View Layer.Combined.G": fill(1),
		"View Layer.Combined.B": fill(1),
	}, nil)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	key := []byte("dataWindow\x00box2i\x00")
	i := bytes.Index(data, key)
	if i < 0 {
		t.Fatal("dataWindow attribute not found")
	}
	off := i + len(key) + 4
	binary.LittleEndian.PutUint32(data[off+4:], uint32(0xfffffff6)) // YMin = -10
	binary.LittleEndian.PutUint32(data[off+12:], math.MaxInt32)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	res := New(nil).Extract(path, meta(map[string]any{"image": "View Layer"}))
	if len(res.Planes) != 0 {
		t.Errorf("expected empty result, got %v", res.Names())
	}
}

func TestChannelMapFromMetadata(t *testing.T) {
	cm, ok := ChannelMapFromMetadata(map[string]any{
		MetadataKey: map[string]any{"image": "A", "bad": 3},
	})
	if !ok || cm["image"] != "A" {
		t.Errorf("got %v, %v", cm, ok)
	}
	if _, has := cm["bad"]; has {
		t.Error("non-string value should be skipped")
	}

	if _, ok := ChannelMapFromMetadata(map[string]any{MetadataKey: "x"}); ok {
		t.Error("string channel_map should be rejected")
	}
	if _, ok := ChannelMapFromMetadata(nil); ok {
		t.Error("nil metadata should yield no map")
	}
}

func TestNormalize_KeepsExplicitImage(t *testing.T) {
	cm := ChannelMap{"image": "A", "combined": "B"}.Normalize()
	if cm["image"] != "A" || cm["combined"] != "B" {
		t.Errorf("Normalize = %v", cm)
	}
}

func TestRequiredChannels(t *testing.T) {
	got := RequiredChannels("normal", "L.Normal")
	want := []string{"L.Normal.X", "L.Normal.Y", "L.Normal.Z"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if RequiredChannels("nope", "x") != nil {
		t.Error("unknown output should yield nil")
	}
}

func TestOutputNamesCoverComponents(t *testing.T) {
	if len(OutputNames) != len(Components) {
		t.Fatalf("%d output names, %d components", len(OutputNames), len(Components))
	}
	for _, n := range OutputNames {
		if _, ok := Components[n]; !ok {
			t.Errorf("%q has no component entry", n)
		}
	}
}

func TestCryptomatteMask_StandardLayer(t *testing.T) {
	ids := fill(0)
	ids[0], ids[5] = 0.5, 0.5 // 0x3f000000
	path := writeContainer(t, map[string][]float32{
		"CryptoObject00.R": ids,
		"CryptoObject00.G": fill(1),
	}, map[string]string{
		"cryptomatte/abc1234/name":     "CryptoObject",
		"cryptomatte/abc1234/manifest": `{"Cube":"3f000000","Sphere":"40000000"}`,
	})

	mask, err := CryptomatteMask(path, "Cube")
	if err != nil {
		t.Fatalf("CryptomatteMask: %v", err)
	}
	if mask.Width != testW || mask.Height != testH {
		t.Errorf("size = %dx%d", mask.Width, mask.Height)
	}
	if mask.Pix[0] != 1 || mask.Pix[5] != 1 || mask.Pix[1] != 0 {
		t.Errorf("mask = %v", mask.Pix)
	}
	if got, want := mask.Coverage(), 2.0/float64(testW*testH); got != want {
		t.Errorf("Coverage = %v, want %v", got, want)
	}
}

func TestCryptomatteMask_LegacyManifestKey(t *testing.T) {
	ids := fill(2) // 0x40000000
	path := writeContainer(t, map[string][]float32{"Layer.Crypto00.R": ids}, map[string]string{
		"Layer.Crypto.manifest": `{"Sphere":"40000000"}`,
	})

	mask, err := CryptomatteMask(path, "Sphere")
	if err != nil {
		t.Fatalf("CryptomatteMask: %v", err)
	}
	if mask.Coverage() != 1 {
		t.Errorf("Coverage = %v, want 1", mask.Coverage())
	}
}

func TestCryptomatteMask_NotFound(t *testing.T) {
	path := writeContainer(t, map[string][]float32{"C00.R": fill(0)}, map[string]string{
		"cryptomatte/x/name":     "C",
		"cryptomatte/x/manifest": `{"Cube":"3f000000"}`,
	})
	if _, err := CryptomatteMask(path, "Torus"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown object: err = %v, want ErrNotFound", err)
	}

	plain := writeContainer(t, map[string][]float32{"R": fill(0)}, nil)
	if _, err := CryptomatteMask(plain, "Cube"); !errors.Is(err, ErrNotFound) {
		t.Errorf("no manifest: err = %v, want ErrNotFound", err)
	}

	noChan := writeContainer(t, map[string][]float32{"R": fill(0)}, map[string]string{
		"cryptomatte/x/name":     "C",
		"cryptomatte/x/manifest": `{"Cube":"3f000000"}`,
	})
	if _, err := CryptomatteMask(noChan, "Cube"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing id channel: err = %v, want ErrNotFound", err)
	}
}

func TestHashToFloat(t *testing.T) {
	if v, err := hashToFloat("3f800000"); err != nil || v != 1 {
		t.Errorf("hashToFloat = %v, %v", v, err)
	}
	if _, err := hashToFloat("zz"); err == nil {
		t.Error("expected error for bad hex")
	}
}
