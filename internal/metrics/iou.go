package metrics

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// IoU computes the mean intersection-over-union between predicted and target
// label slices. Classes absent from both prediction and target are skipped,
// as is ignoreIndex. Returns a value in [0, 1].
func IoU(pred, target []int64, numClasses int, ignoreIndex int64) (float64, error) {
	if len(pred) != len(target) {
		return 0, errors.Errorf("metrics: pred has %d elements, target has %d", len(pred), len(target))
	}
	if numClasses <= 0 {
		return 0, errors.Errorf("metrics: numClasses must be > 0 (got %d)", numClasses)
	}

	intersection := make([]int64, numClasses)
	union := make([]int64, numClasses)
	for i := range pred {
		p, t := pred[i], target[i]
		if p < 0 || p >= int64(numClasses) {
			return 0, errors.Errorf("metrics: predicted label %d out of range [0, %d)", p, numClasses)
		}
		if t < 0 || t >= int64(numClasses) {
			return 0, errors.Errorf("metrics: target label %d out of range [0, %d)", t, numClasses)
		}
		if p == t {
			intersection[p]++
			union[p]++
			continue
		}
		union[p]++
		union[t]++
	}

	var sum float64
	var present int
	for c := 0; c < numClasses; c++ {
		if int64(c) == ignoreIndex {
			continue
		}
		if union[c] == 0 {
			continue
		}
		sum += float64(intersection[c]) / float64(union[c])
		present++
	}
	if present == 0 {
		return 0, nil
	}
	return sum / float64(present), nil
}

// MaskIoU is IoU over two dense label matrices of identical shape.
func MaskIoU(pred, target *tensor.Dense, numClasses int, ignoreIndex int64) (float64, error) {
	if !pred.Shape().Eq(target.Shape()) {
		return 0, errors.Errorf("metrics: mask shapes differ: %v vs %v", pred.Shape(), target.Shape())
	}
	p, ok := pred.Data().([]int64)
	if !ok {
		return 0, errors.Errorf("metrics: pred mask must hold int64 labels, got %v", pred.Dtype())
	}
	t, ok := target.Data().([]int64)
	if !ok {
		return 0, errors.Errorf("metrics: target mask must hold int64 labels, got %v", target.Dtype())
	}
	return IoU(p, t, numClasses, ignoreIndex)
}
