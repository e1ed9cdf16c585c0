// Package submission shapes per-sample test predictions into the record
// format expected by the challenge scorer.
package submission

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ClassLabels maps mask label values to their class names. Index 0 is
// background and is ignored by the IoU metric.
var ClassLabels = map[int64]string{
	0: "background",
	1: "field",
	2: "crop",
}

// Record is the prediction for a single test image.
type Record struct {
	Filename string
	Team     string
	Crop     string
	Mask     *tensor.Dense
}

// Set maps a test filename to its prediction record.
type Set map[string]Record

// FromSample builds a Record from one predicted mask and its metadata. The
// mask must be a rank-2 int64 label matrix.
func FromSample(filename, team, crop string, mask *tensor.Dense) (Record, error) {
	if filename == "" {
		return Record{}, errors.New("submission: empty filename")
	}
	if mask == nil {
		return Record{}, errors.Errorf("submission: nil mask for %s", filename)
	}
	if mask.Dims() != 2 {
		return Record{}, errors.Errorf("submission: mask for %s has rank %d, want 2", filename, mask.Dims())
	}
	if _, ok := mask.Data().([]int64); !ok {
		return Record{}, errors.Errorf("submission: mask for %s must hold int64 labels, got %v", filename, mask.Dtype())
	}
	return Record{Filename: filename, Team: team, Crop: crop, Mask: mask}, nil
}

// Collate merges per-step records into a Set keyed by filename. When the
// same filename appears more than once the earliest record wins.
func Collate(records []Record) Set {
	set := make(Set, len(records))
	for _, rec := range records {
		if _, seen := set[rec.Filename]; seen {
			continue
		}
		set[rec.Filename] = rec
	}
	return set
}
