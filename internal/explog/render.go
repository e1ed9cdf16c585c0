package explog

import (
	"image"
	"image/color"
	"image/png"
	"os"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// palette assigns a color per class label; label 0 (background) stays
// transparent so the underlying image shows through.
var palette = []color.RGBA{
	{},
	{R: 230, G: 57, B: 70, A: 255},
	{R: 69, G: 123, B: 157, A: 255},
	{R: 244, G: 162, B: 97, A: 255},
	{R: 42, G: 157, B: 143, A: 255},
	{R: 233, G: 196, B: 106, A: 255},
	{R: 144, G: 190, B: 109, A: 255},
	{R: 109, G: 104, B: 117, A: 255},
}

const overlayAlpha = 0.55

func chwToImage(data []float32, channels, height, width int) (*image.RGBA, error) {
	if channels != 1 && channels != 3 {
		return nil, errors.Errorf("explog: cannot render %d-channel image", channels)
	}
	if len(data) != channels*height*width {
		return nil, errors.Errorf("explog: image has %d values, want %d", len(data), channels*height*width)
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	plane := height * width
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := y*width + x
			var r, g, b float32
			if channels == 1 {
				r, g, b = data[i], data[i], data[i]
			} else {
				r, g, b = data[i], data[plane+i], data[2*plane+i]
			}
			img.SetRGBA(x, y, color.RGBA{R: clamp8(r), G: clamp8(g), B: clamp8(b), A: 255})
		}
	}
	return img, nil
}

// renderOverlay blends the class palette over base wherever the mask is
// non-background and writes the result as a PNG.
func (r *Run) renderOverlay(base *image.RGBA, mask *tensor.Dense, path string) error {
	labels, ok := mask.Data().([]int64)
	if !ok {
		return errors.Errorf("explog: mask must hold int64 labels, got %v", mask.Dtype())
	}
	if mask.Dims() != 2 {
		return errors.Errorf("explog: mask has rank %d, want 2", mask.Dims())
	}
	h, w := mask.Shape()[0], mask.Shape()[1]
	if base.Bounds().Dx() != w || base.Bounds().Dy() != h {
		return errors.Errorf("explog: mask is %dx%d, image is %dx%d", w, h, base.Bounds().Dx(), base.Bounds().Dy())
	}

	out := image.NewRGBA(base.Bounds())
	copy(out.Pix, base.Pix)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			label := labels[y*w+x]
			if label == 0 {
				continue
			}
			c := palette[int(label)%len(palette)]
			under := out.RGBAAt(x, y)
			out.SetRGBA(x, y, color.RGBA{
				R: blend(under.R, c.R),
				G: blend(under.G, c.G),
				B: blend(under.B, c.B),
				A: 255,
			})
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "explog: create overlay")
	}
	defer f.Close()
	return errors.Wrap(png.Encode(f, out), "explog: encode overlay")
}

func blend(under, over uint8) uint8 {
	v := (1-overlayAlpha)*float64(under) + overlayAlpha*float64(over)
	return uint8(v + 0.5)
}

func clamp8(v float32) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v*255 + 0.5)
}
