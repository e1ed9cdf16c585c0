package dataset

import (
	"image"
	"image/png"
	"os"

	"github.com/pkg/errors"
)

// Ref points at the on-disk source of one sample.
type Ref struct {
	ImagePath string
	MaskPath  string
	Filename  string
	Team      string
	Crop      string
}

// Sample is one decoded image with its label mask. Image holds CHW float32
// values in [0, 1]; Mask holds one int64 class label per pixel (empty for
// test samples).
type Sample struct {
	Image    []float32
	Mask     []int64
	Channels int
	Height   int
	Width    int
	Filename string
	Team     string
	Crop     string
}

// DecodeSample reads and decodes the image (and mask, when present) behind
// ref.
func DecodeSample(ref Ref) (Sample, error) {
	img, err := decodePNG(ref.ImagePath)
	if err != nil {
		return Sample{}, errors.Wrapf(err, "decode image %s", ref.ImagePath)
	}
	s := Sample{
		Channels: 3,
		Height:   img.Bounds().Dy(),
		Width:    img.Bounds().Dx(),
		Filename: ref.Filename,
		Team:     ref.Team,
		Crop:     ref.Crop,
	}
	if s.Height == 0 || s.Width == 0 {
		return Sample{}, errors.Errorf("empty image %s", ref.ImagePath)
	}
	s.Image = imageToCHW(img)

	if ref.MaskPath != "" {
		mask, err := decodePNG(ref.MaskPath)
		if err != nil {
			return Sample{}, errors.Wrapf(err, "decode mask %s", ref.MaskPath)
		}
		if mask.Bounds().Dx() != s.Width || mask.Bounds().Dy() != s.Height {
			return Sample{}, errors.Errorf("mask %s is %dx%d, image is %dx%d",
				ref.MaskPath, mask.Bounds().Dx(), mask.Bounds().Dy(), s.Width, s.Height)
		}
		s.Mask = maskToLabels(mask)
	}
	return s, nil
}

func decodePNG(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return png.Decode(f)
}

// imageToCHW converts an image to channel-major float32 planes scaled to
// [0, 1].
func imageToCHW(img image.Image) []float32 {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	out := make([]float32, 3*h*w)
	plane := h * w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			i := y*w + x
			out[i] = float32(r) / 65535.0
			out[plane+i] = float32(g) / 65535.0
			out[2*plane+i] = float32(b) / 65535.0
		}
	}
	return out
}

// maskToLabels reads per-pixel class labels from a grayscale mask image.
func maskToLabels(img image.Image) []int64 {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	out := make([]int64, h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, _, _, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			out[y*w+x] = int64(r >> 8)
		}
	}
	return out
}
