package types

import (
	"image"
	"image/color"
)

// Image is a 3-channel float32 raster in row-major H×W×3 order.
// Values are expected in [0, 1].
type Image struct {
	Width  int
	Height int
	Pix    []float32
}

// NewImage allocates a zero-filled (black) image.
func NewImage(width, height int) *Image {
	return &Image{
		Width:  width,
		Height: height,
		Pix:    make([]float32, width*height*3),
	}
}

// At returns the RGB triple at (x, y).
func (m *Image) At(x, y int) (r, g, b float32) {
	i := (y*m.Width + x) * 3
	return m.Pix[i], m.Pix[i+1], m.Pix[i+2]
}

// Set writes the RGB triple at (x, y).
func (m *Image) Set(x, y int, r, g, b float32) {
	i := (y*m.Width + x) * 3
	m.Pix[i], m.Pix[i+1], m.Pix[i+2] = r, g, b
}

// Shape returns (height, width, channels).
func (m *Image) Shape() (int, int, int) {
	return m.Height, m.Width, 3
}

// NRGBA converts the plane to an opaque 8-bit image. Samples are clamped
// to [0, 1] and truncated.
func (m *Image) NRGBA() *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, m.Width, m.Height))
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			r, g, b := m.At(x, y)
			out.SetNRGBA(x, y, color.NRGBA{R: to8(r), G: to8(g), B: to8(b), A: 0xff})
		}
	}
	return out
}

func to8(v float32) uint8 {
	switch {
	case v != v || v <= 0:
		return 0
	case v >= 1:
		return 0xff
	default:
		return uint8(v * 255)
	}
}
