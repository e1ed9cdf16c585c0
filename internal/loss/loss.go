// Package loss defines the loss surface consumed by the segmentation
// module.
package loss

import (
	"github.com/sugarme/gotch/ts"
)

// Loss scores logits against integer class targets and returns a scalar
// tensor attached to the autograd graph.
type Loss interface {
	Compute(logits, target *ts.Tensor) *ts.Tensor
}

// CrossEntropy is the default loss: softmax cross-entropy over the class
// dimension. Segmentation logits [B, C, H, W] with targets [B, H, W] are
// flattened to per-pixel rows before scoring.
type CrossEntropy struct{}

// Compute implements Loss.
func (CrossEntropy) Compute(logits, target *ts.Tensor) *ts.Tensor {
	size := logits.MustSize()
	if len(size) != 4 {
		return logits.CrossEntropyForLogits(target)
	}
	classes := size[1]
	flat := logits.MustPermute([]int64{0, 2, 3, 1}, false).
		MustContiguous(true).
		MustView([]int64{-1, classes}, true)
	flatTarget := target.MustView([]int64{-1}, false)
	out := flat.CrossEntropyForLogits(flatTarget)
	flat.MustDrop()
	flatTarget.MustDrop()
	return out
}
