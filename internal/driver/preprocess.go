package driver

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/nfnt/resize"

	"github.com/born-ml/detbridge/internal/parallel"
)

// CenterCrop returns the largest centred square of img.
func CenterCrop(img image.Image) image.Image {
	b := img.Bounds()
	side := min(b.Dx(), b.Dy())
	x0 := b.Min.X + (b.Dx()-side)/2
	y0 := b.Min.Y + (b.Dy()-side)/2
	rect := image.Rect(x0, y0, x0+side, y0+side)

	if sub, ok := img.(interface {
		SubImage(r image.Rectangle) image.Image
	}); ok {
		return sub.SubImage(rect)
	}
	dst := image.NewNRGBA(image.Rect(0, 0, side, side))
	draw.Draw(dst, dst.Bounds(), img, rect.Min, draw.Src)
	return dst
}

// ToInput converts img to a height x width NHWC RGB tensor of values in
// [0, 255]. The image is centre-cropped to a square first, then scaled.
// Alpha is dropped.
func ToInput(img image.Image, height, width int) []float32 {
	scaled := resize.Resize(uint(width), uint(height), CenterCrop(img), resize.Bilinear) //nolint:gosec // positive sizes
	b := scaled.Bounds()

	data := make([]float32, height*width*3)
	parallel.Range(height, parallel.DefaultConfig(), func(lo, hi int) {
		for y := lo; y < hi; y++ {
			row := data[y*width*3 : (y+1)*width*3]
			for x := 0; x < width; x++ {
				c := color.NRGBAModel.Convert(scaled.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
				row[3*x], row[3*x+1], row[3*x+2] = float32(c.R), float32(c.G), float32(c.B)
			}
		}
	})
	return data
}
