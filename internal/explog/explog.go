// Package explog records experiment runs: scalar series, predicted vs.
// ground-truth mask overlays, and metric curves, all under a per-run
// directory.
package explog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gorgonia.org/tensor"
)

// Run is one experiment run. A nil *Run is a no-op on every method, so
// callers can thread an optional logger without nil checks.
type Run struct {
	mu      sync.Mutex
	dir     string
	id      string
	scalars *os.File
	enc     *json.Encoder
	history map[string]plotter.XYs
	closed  bool
}

type scalarRecord struct {
	Step   int                `json:"step"`
	Values map[string]float64 `json:"values"`
}

// NewRun creates a run directory under baseDir named by a fresh uuid and
// opens the scalar log. labels maps mask values to class names; the table is
// written as media/labels.json so every overlay under media/ can be read
// against it.
func NewRun(baseDir string, labels map[int64]string) (*Run, error) {
	id := uuid.NewString()
	dir := filepath.Join(baseDir, id)
	for _, sub := range []string{"media", "curves"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, errors.Wrap(err, "explog: create run dir")
		}
	}
	if len(labels) > 0 {
		if err := writeLabels(filepath.Join(dir, "media", "labels.json"), labels); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(filepath.Join(dir, "scalars.jsonl"))
	if err != nil {
		return nil, errors.Wrap(err, "explog: create scalar log")
	}
	return &Run{
		dir:     dir,
		id:      id,
		scalars: f,
		enc:     json.NewEncoder(f),
		history: make(map[string]plotter.XYs),
	}, nil
}

// ID returns the uuid of the run.
func (r *Run) ID() string {
	if r == nil {
		return ""
	}
	return r.id
}

// Dir returns the run directory.
func (r *Run) Dir() string {
	if r == nil {
		return ""
	}
	return r.dir
}

// LogScalars appends one key/value record at the given step.
func (r *Run) LogScalars(step int, values map[string]float64) error {
	if r == nil || len(values) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("explog: run is closed")
	}
	if err := r.enc.Encode(scalarRecord{Step: step, Values: values}); err != nil {
		return errors.Wrap(err, "explog: write scalars")
	}
	for key, v := range values {
		r.history[key] = append(r.history[key], plotter.XY{X: float64(step), Y: v})
	}
	return nil
}

// LogMasks renders the sample image overlaid with the predicted mask and,
// when gt is non-nil, the ground-truth mask, under media/. The image is CHW
// float32 in [0, 1]; masks are rank-2 int64 label matrices of the same
// height and width.
func (r *Run) LogMasks(step int, section string, sampleIndex int, img []float32, channels, height, width int, pred, gt *tensor.Dense) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("explog: run is closed")
	}

	base, err := chwToImage(img, channels, height, width)
	if err != nil {
		return err
	}
	prefix := fmt.Sprintf("%s_step%06d_sample%02d", section, step, sampleIndex)

	if err := r.renderOverlay(base, pred, filepath.Join(r.dir, "media", prefix+"_pred.png")); err != nil {
		return err
	}
	if gt != nil {
		if err := r.renderOverlay(base, gt, filepath.Join(r.dir, "media", prefix+"_gt.png")); err != nil {
			return err
		}
	}
	return nil
}

// Close renders one curve per scalar key and releases the scalar log.
func (r *Run) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	keys := make([]string, 0, len(r.history))
	for key := range r.history {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := r.renderCurve(key, r.history[key]); err != nil {
			r.scalars.Close()
			return err
		}
	}
	return errors.Wrap(r.scalars.Close(), "explog: close scalar log")
}

func (r *Run) renderCurve(key string, pts plotter.XYs) error {
	sort.Slice(pts, func(i, j int) bool { return pts[i].X < pts[j].X })
	p, err := plot.New()
	if err != nil {
		return errors.Wrap(err, "explog: new plot")
	}
	p.Title.Text = key
	p.X.Label.Text = "step"
	p.Y.Label.Text = key
	line, err := plotter.NewLine(pts)
	if err != nil {
		return errors.Wrapf(err, "explog: curve %s", key)
	}
	p.Add(line)
	name := sanitize(key) + ".png"
	if err := p.Save(6*vg.Inch, 4*vg.Inch, filepath.Join(r.dir, "curves", name)); err != nil {
		return errors.Wrapf(err, "explog: save curve %s", key)
	}
	return nil
}

// writeLabels records the class-value to class-name table.
func writeLabels(path string, labels map[int64]string) error {
	data, err := json.MarshalIndent(labels, "", "  ")
	if err != nil {
		return errors.Wrap(err, "explog: encode labels")
	}
	return errors.Wrap(os.WriteFile(path, data, 0o644), "explog: write labels")
}

func sanitize(key string) string {
	out := []rune(key)
	for i, c := range out {
		if c == '/' || c == ' ' {
			out[i] = '_'
		}
	}
	return string(out)
}
