package embedding

import (
	"image"

	"golang.org/x/image/draw"
)

// Default normalization constants for vision transformer backends.
var (
	DefaultMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	DefaultStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// Preprocess resizes img so its short side is size, center-crops it to
// size x size and returns the pixels as normalized CHW floats.
func Preprocess(img image.Image, size int, mean, std [3]float32) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 || size <= 0 {
		return make([]float32, 3*size*size)
	}
	rw, rh := size, size
	if w < h {
		rh = (h*size + w/2) / w
	} else {
		rw = (w*size + h/2) / h
	}
	resized := image.NewRGBA(image.Rect(0, 0, rw, rh))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, b, draw.Src, nil)

	x0 := (rw - size) / 2
	y0 := (rh - size) / 2
	plane := size * size
	out := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			o := resized.PixOffset(x0+x, y0+y)
			p := y*size + x
			for c := 0; c < 3; c++ {
				v := float32(resized.Pix[o+c]) / 255
				out[c*plane+p] = (v - mean[c]) / std[c]
			}
		}
	}
	return out
}
