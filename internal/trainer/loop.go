// Package trainer drives a segmentation module through training,
// validation and test passes.
package trainer

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sugarme/gotch/ts"

	"cropseg/internal/dataset"
	"cropseg/internal/metrics"
	"cropseg/internal/segmod"
	"cropseg/internal/submission"
)

// Module is the step surface the loop drives.
type Module interface {
	TrainingStep(batch *dataset.TrainBatch, batchIndex int) (segmod.TrainResult, error)
	ValidationStep(batch *dataset.TrainBatch, batchIndex int) (segmod.ValResult, error)
	TestStep(batch *dataset.TestBatch, batchIndex int) (submission.Record, error)
	TestEpochEnd(records []submission.Record) submission.Set
}

// Optimizer is the slice of the framework optimizer the loop needs.
type Optimizer interface {
	BackwardStep(loss *ts.Tensor)
}

// Scheduler advances the learning-rate schedule once per epoch.
type Scheduler interface {
	Step()
}

// Options captures the knobs of the fit loop.
type Options struct {
	Epochs   int
	LogEvery int
}

// Fitter runs the epoch loop for one module/optimizer pair.
type Fitter struct {
	module Module
	opt    Optimizer
	sched  Scheduler
	opts   Options

	collateTrain func([]dataset.Sample) (*dataset.TrainBatch, error)
	collateTest  func([]dataset.Sample) (*dataset.TestBatch, error)
}

// NewFitter validates the wiring and builds a Fitter. The optimizer may be
// nil for a Fitter that only runs test passes.
func NewFitter(module Module, opt Optimizer, sched Scheduler, opts Options) (*Fitter, error) {
	if module == nil {
		return nil, errors.New("trainer: nil module")
	}
	if opts.Epochs <= 0 {
		return nil, errors.Errorf("trainer: epochs must be > 0 (got %d)", opts.Epochs)
	}
	if opts.LogEvery <= 0 {
		opts.LogEvery = 50
	}
	return &Fitter{
		module:       module,
		opt:          opt,
		sched:        sched,
		opts:         opts,
		collateTrain: dataset.CollateTrain,
		collateTest:  dataset.CollateTest,
	}, nil
}

// Fit runs the training loop: one training pass and one validation pass per
// epoch, stepping the scheduler between epochs.
func (f *Fitter) Fit(ctx context.Context, train, val *dataset.Loader) error {
	if train == nil {
		return errors.New("trainer: nil train loader")
	}
	if f.opt == nil {
		return errors.New("trainer: fitting needs an optimizer")
	}
	for epoch := 1; epoch <= f.opts.Epochs; epoch++ {
		if err := f.trainEpoch(ctx, epoch, train); err != nil {
			return err
		}
		if val != nil {
			res, err := f.validateEpoch(ctx, val)
			if err != nil {
				return err
			}
			log.Info().
				Int("epoch", epoch).
				Float64("val_loss", res.Loss).
				Float64("iou", res.IoU).
				Msg("validation")
		}
		if f.sched != nil {
			f.sched.Step()
		}
	}
	return nil
}

func (f *Fitter) trainEpoch(ctx context.Context, epoch int, loader *dataset.Loader) error {
	// returning early must cancel the epoch pipeline or the loader's
	// goroutines stay blocked on delivery for the life of the parent context
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	batches, errCh := loader.Epoch(ctx)
	var window metrics.Window
	batchIndex := 0
	lastWake := time.Now()

	for samples := range batches {
		dataTime := time.Since(lastWake)
		startCompute := time.Now()

		batch, err := f.collateTrain(samples)
		if err != nil {
			return err
		}
		res, err := f.module.TrainingStep(batch, batchIndex)
		if err != nil {
			batch.Drop()
			return err
		}
		f.opt.BackwardStep(res.LossT)
		res.Drop()
		batch.Drop()

		window.Record(len(samples), dataTime, time.Since(startCompute), res.Loss, math.NaN())
		batchIndex++
		if batchIndex%f.opts.LogEvery == 0 {
			snap := window.Snapshot()
			log.Info().
				Int("epoch", epoch).
				Int("step", batchIndex).
				Float64("train_loss", snap.LastLoss).
				Float64("images_per_sec", snap.ImagesPerSec).
				Float64("data_ms", snap.AvgDataMS).
				Float64("compute_ms", snap.AvgComputeMS).
				Msg("train")
		}
		lastWake = time.Now()
	}

	if err := <-errCh; err != nil {
		return errors.Wrap(err, "trainer: load train batch")
	}
	return ctx.Err()
}

func (f *Fitter) validateEpoch(ctx context.Context, loader *dataset.Loader) (segmod.ValResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	batches, errCh := loader.Epoch(ctx)
	var agg segmod.ValResult
	batchIndex := 0

	for samples := range batches {
		batch, err := f.collateTrain(samples)
		if err != nil {
			return segmod.ValResult{}, err
		}
		res, err := f.module.ValidationStep(batch, batchIndex)
		batch.Drop()
		if err != nil {
			return segmod.ValResult{}, err
		}
		agg.Loss += res.Loss
		agg.IoU += res.IoU
		batchIndex++
	}

	if err := <-errCh; err != nil {
		return segmod.ValResult{}, errors.Wrap(err, "trainer: load validation batch")
	}
	if err := ctx.Err(); err != nil {
		return segmod.ValResult{}, err
	}
	if batchIndex > 0 {
		agg.Loss /= float64(batchIndex)
		agg.IoU /= float64(batchIndex)
	}
	return agg, nil
}

// Test runs a test pass and returns the collated submission set. The test
// loader must yield single-sample batches.
func (f *Fitter) Test(ctx context.Context, loader *dataset.Loader) (submission.Set, error) {
	if loader == nil {
		return nil, errors.New("trainer: nil test loader")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	batches, errCh := loader.Epoch(ctx)
	var records []submission.Record
	batchIndex := 0

	for samples := range batches {
		if len(samples) != 1 {
			return nil, errors.Errorf("trainer: test batches must hold one sample (got %d)", len(samples))
		}
		batch, err := f.collateTest(samples)
		if err != nil {
			return nil, err
		}
		rec, err := f.module.TestStep(batch, batchIndex)
		batch.Drop()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
		batchIndex++
	}

	if err := <-errCh; err != nil {
		return nil, errors.Wrap(err, "trainer: load test batch")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	set := f.module.TestEpochEnd(records)
	log.Info().Int("predictions", len(set)).Msg("test pass complete")
	return set, nil
}
