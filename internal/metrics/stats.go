package metrics

import (
	"math"
	"time"
)

// Window accumulates per-step training stats between log points.
type Window struct {
	samples  int
	data     time.Duration
	compute  time.Duration
	steps    int
	lossSum  float64
	lastLoss float64
	iouSum   float64
	iouN     int
}

// Record adds the measurements of one step to the window. Pass NaN for iou
// on steps that do not compute it.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, loss, iou float64) {
	w.samples += batchSize
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	w.lossSum += loss
	w.lastLoss = loss
	if !math.IsNaN(iou) {
		w.iouSum += iou
		w.iouN++
	}
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{MeanIoU: math.NaN()}
	total := w.data + w.compute
	if total > 0 {
		snap.ImagesPerSec = float64(w.samples) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
		snap.MeanLoss = w.lossSum / float64(w.steps)
	}
	if w.iouN > 0 {
		snap.MeanIoU = w.iouSum / float64(w.iouN)
	}
	snap.LastLoss = w.lastLoss

	*w = Window{}
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	ImagesPerSec float64
	AvgDataMS    float64
	AvgComputeMS float64
	MeanLoss     float64
	LastLoss     float64
	MeanIoU      float64
}
