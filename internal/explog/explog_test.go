package explog

import (
	"bufio"
	"encoding/json"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func labels() map[int64]string {
	return map[int64]string{0: "background", 1: "field", 2: "crop"}
}

func TestNilRunIsNoOp(t *testing.T) {
	var r *Run
	require.NoError(t, r.LogScalars(1, map[string]float64{"x": 1}))
	require.NoError(t, r.LogMasks(1, "training", 0, nil, 3, 0, 0, nil, nil))
	require.NoError(t, r.Close())
	require.Empty(t, r.ID())
}

func TestLogScalars(t *testing.T) {
	run, err := NewRun(t.TempDir(), labels())
	require.NoError(t, err)
	require.NotEmpty(t, run.ID())

	require.NoError(t, run.LogScalars(1, map[string]float64{"training/loss": 1.5}))
	require.NoError(t, run.LogScalars(2, map[string]float64{"training/loss": 1.2, "validation/iou": 0.4}))
	require.NoError(t, run.Close())

	f, err := os.Open(filepath.Join(run.Dir(), "scalars.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var steps []int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec struct {
			Step   int                `json:"step"`
			Values map[string]float64 `json:"values"`
		}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		steps = append(steps, rec.Step)
	}
	require.Equal(t, []int{1, 2}, steps)

	// one curve per scalar key
	for _, name := range []string{"training_loss.png", "validation_iou.png"} {
		_, err := os.Stat(filepath.Join(run.Dir(), "curves", name))
		require.NoError(t, err)
	}
}

func TestLogMasks(t *testing.T) {
	run, err := NewRun(t.TempDir(), labels())
	require.NoError(t, err)

	h, w := 4, 6
	img := make([]float32, 3*h*w)
	for i := range img {
		img[i] = 0.5
	}
	pred := tensor.New(tensor.WithShape(h, w), tensor.WithBacking(make([]int64, h*w)))
	gtBacking := make([]int64, h*w)
	gtBacking[0] = 1
	gt := tensor.New(tensor.WithShape(h, w), tensor.WithBacking(gtBacking))

	require.NoError(t, run.LogMasks(50, "training", 0, img, 3, h, w, pred, gt))
	require.NoError(t, run.Close())

	for _, name := range []string{
		"training_step000050_sample00_pred.png",
		"training_step000050_sample00_gt.png",
	} {
		f, err := os.Open(filepath.Join(run.Dir(), "media", name))
		require.NoError(t, err)
		decoded, err := png.Decode(f)
		f.Close()
		require.NoError(t, err)
		require.Equal(t, w, decoded.Bounds().Dx())
		require.Equal(t, h, decoded.Bounds().Dy())
	}
}

func TestNewRunWritesClassLabels(t *testing.T) {
	run, err := NewRun(t.TempDir(), labels())
	require.NoError(t, err)
	defer run.Close()

	data, err := os.ReadFile(filepath.Join(run.Dir(), "media", "labels.json"))
	require.NoError(t, err)
	var got map[int64]string
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, labels(), got)
}

func TestLogMasksShapeMismatch(t *testing.T) {
	run, err := NewRun(t.TempDir(), labels())
	require.NoError(t, err)
	defer run.Close()

	img := make([]float32, 3*4*4)
	pred := tensor.New(tensor.WithShape(2, 2), tensor.WithBacking(make([]int64, 4)))
	require.Error(t, run.LogMasks(0, "training", 0, img, 3, 4, 4, pred, nil))
}

func TestClosedRunRejectsWrites(t *testing.T) {
	run, err := NewRun(t.TempDir(), labels())
	require.NoError(t, err)
	require.NoError(t, run.Close())
	require.Error(t, run.LogScalars(1, map[string]float64{"x": 1}))
	// double close is fine
	require.NoError(t, run.Close())
}
