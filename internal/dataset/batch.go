package dataset

import (
	"github.com/pkg/errors"
	"github.com/sugarme/gotch/ts"
)

// TrainBatch is a collated minibatch for training or validation: an image
// tensor of shape [B, C, H, W] (float32) and a mask tensor of shape
// [B, H, W] (int64).
type TrainBatch struct {
	Image *ts.Tensor
	Mask  *ts.Tensor
	Size  int
}

// Drop releases the batch tensors.
func (b *TrainBatch) Drop() {
	if b == nil {
		return
	}
	if b.Image != nil {
		b.Image.MustDrop()
	}
	if b.Mask != nil {
		b.Mask.MustDrop()
	}
}

// TestBatch is a collated test minibatch: an image tensor [B, C, H, W] plus
// parallel metadata slices.
type TestBatch struct {
	Image     *ts.Tensor
	Filenames []string
	Teams     []string
	Crops     []string
}

// Drop releases the batch tensor.
func (b *TestBatch) Drop() {
	if b == nil {
		return
	}
	if b.Image != nil {
		b.Image.MustDrop()
	}
}

// CollateTrain stacks samples into a TrainBatch. All samples must share
// dimensions and carry masks.
func CollateTrain(samples []Sample) (*TrainBatch, error) {
	if err := checkUniform(samples); err != nil {
		return nil, err
	}
	c, h, w := samples[0].Channels, samples[0].Height, samples[0].Width
	b := len(samples)

	images := make([]float32, 0, b*c*h*w)
	masks := make([]int64, 0, b*h*w)
	for _, s := range samples {
		if len(s.Mask) == 0 {
			return nil, errors.Errorf("dataset: sample %s has no mask", s.Filename)
		}
		images = append(images, s.Image...)
		masks = append(masks, s.Mask...)
	}

	imageTs := ts.MustOfSlice(images).MustView([]int64{int64(b), int64(c), int64(h), int64(w)}, true)
	maskTs := ts.MustOfSlice(masks).MustView([]int64{int64(b), int64(h), int64(w)}, true)
	return &TrainBatch{Image: imageTs, Mask: maskTs, Size: b}, nil
}

// CollateTest stacks samples into a TestBatch.
func CollateTest(samples []Sample) (*TestBatch, error) {
	if err := checkUniform(samples); err != nil {
		return nil, err
	}
	c, h, w := samples[0].Channels, samples[0].Height, samples[0].Width
	b := len(samples)

	images := make([]float32, 0, b*c*h*w)
	batch := &TestBatch{
		Filenames: make([]string, 0, b),
		Teams:     make([]string, 0, b),
		Crops:     make([]string, 0, b),
	}
	for _, s := range samples {
		images = append(images, s.Image...)
		batch.Filenames = append(batch.Filenames, s.Filename)
		batch.Teams = append(batch.Teams, s.Team)
		batch.Crops = append(batch.Crops, s.Crop)
	}
	batch.Image = ts.MustOfSlice(images).MustView([]int64{int64(b), int64(c), int64(h), int64(w)}, true)
	return batch, nil
}

func checkUniform(samples []Sample) error {
	if len(samples) == 0 {
		return errors.New("dataset: cannot collate an empty batch")
	}
	c, h, w := samples[0].Channels, samples[0].Height, samples[0].Width
	for _, s := range samples {
		if s.Channels != c || s.Height != h || s.Width != w {
			return errors.Errorf("dataset: sample %s is %dx%dx%d, batch is %dx%dx%d",
				s.Filename, s.Channels, s.Height, s.Width, c, h, w)
		}
		if len(s.Image) != c*h*w {
			return errors.Errorf("dataset: sample %s image has %d values, want %d",
				s.Filename, len(s.Image), c*h*w)
		}
	}
	return nil
}
