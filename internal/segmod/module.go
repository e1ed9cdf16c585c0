// Package segmod couples a segmentation backbone to training, validation
// and test steps: forward pass, loss and IoU computation, experiment
// logging, and collation of test predictions into a submission set.
package segmod

import (
	"github.com/pkg/errors"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
	"gorgonia.org/tensor"

	"cropseg/internal/backbone"
	"cropseg/internal/dataset"
	"cropseg/internal/explog"
	"cropseg/internal/loss"
	"cropseg/internal/metrics"
	"cropseg/internal/submission"
)

// Mask overlays go to the experiment logger every maskLogEvery training
// batches, and on the first validation batch of each epoch.
const maskLogEvery = 50

// ignoreIndex excludes the background class from IoU.
const ignoreIndex int64 = 0

// Network is the forward surface a segmentation backbone must provide.
type Network interface {
	ForwardT(x *ts.Tensor, train bool) *ts.Tensor
}

// Params configures a Module.
type Params struct {
	NumClasses   int
	LearningRate float64
	TMax         int
	Loss         loss.Loss
	Device       gotch.Device
	Run          *explog.Run
}

func (p *Params) fillDefaults() {
	if p.LearningRate == 0 {
		p.LearningRate = 1e-3
	}
	if p.TMax == 0 {
		p.TMax = 10
	}
	if p.Loss == nil {
		p.Loss = loss.CrossEntropy{}
	}
}

// Module drives a segmentation network through the train/val/test steps.
type Module struct {
	net    Network
	vs     *nn.VarStore
	params Params
	step   int

	submission submission.Set
}

// New builds a Module around an already-registered network.
func New(vs *nn.VarStore, net Network, p Params) (*Module, error) {
	if vs == nil {
		return nil, errors.New("segmod: nil var store")
	}
	if net == nil {
		return nil, errors.New("segmod: nil network")
	}
	p.fillDefaults()
	if p.NumClasses < 2 {
		return nil, errors.Errorf("segmod: num classes must be >= 2 (got %d)", p.NumClasses)
	}
	return &Module{net: net, vs: vs, params: p}, nil
}

// NewUNet builds the U-Net variant of the module, registering the backbone
// parameters in vs.
func NewUNet(vs *nn.VarStore, cfg backbone.Config, p Params) (*Module, error) {
	if p.NumClasses == 0 {
		p.NumClasses = int(cfg.NumClasses)
	}
	if int64(p.NumClasses) != cfg.NumClasses {
		return nil, errors.Errorf("segmod: params want %d classes, backbone has %d", p.NumClasses, cfg.NumClasses)
	}
	net, err := backbone.NewUNet(vs.Root(), cfg)
	if err != nil {
		return nil, err
	}
	return New(vs, net, p)
}

// Forward runs an inference-mode forward pass.
func (m *Module) Forward(x *ts.Tensor) *ts.Tensor {
	return m.net.ForwardT(x, false)
}

// ConfigureOptimizers pairs an Adam optimizer over the module parameters
// with a cosine-annealing learning-rate schedule of period TMax.
func (m *Module) ConfigureOptimizers() (*nn.Optimizer, *Scheduler, error) {
	opt, err := nn.DefaultAdamConfig().Build(m.vs, m.params.LearningRate)
	if err != nil {
		return nil, nil, errors.Wrap(err, "segmod: build optimizer")
	}
	return opt, newCosineScheduler(opt, m.params.TMax), nil
}

// TrainResult carries the loss of one training step: the scalar for
// logging and the graph-attached tensor for the backward pass.
type TrainResult struct {
	Loss  float64
	LossT *ts.Tensor
}

// Drop releases the loss tensor.
func (r TrainResult) Drop() {
	if r.LossT != nil {
		r.LossT.MustDrop()
	}
}

// TrainingStep runs the forward pass and loss for one training batch and
// emits training scalars (plus mask overlays every maskLogEvery batches) to
// the experiment logger.
func (m *Module) TrainingStep(batch *dataset.TrainBatch, batchIndex int) (TrainResult, error) {
	m.step++

	img := batch.Image.MustTotype(gotch.Float, false).MustTo(m.params.Device, true)
	mask := batch.Mask.MustTotype(gotch.Int64, false).MustTo(m.params.Device, true)
	out := m.net.ForwardT(img, true)
	img.MustDrop()

	lossT := m.params.Loss.Compute(out, mask)
	mask.MustDrop()
	res := TrainResult{Loss: lossT.Float64Values()[0], LossT: lossT}

	if err := m.params.Run.LogScalars(m.step, map[string]float64{"training/loss": res.Loss}); err != nil {
		out.MustDrop()
		res.Drop()
		return TrainResult{}, err
	}
	if batchIndex%maskLogEvery == 0 {
		if err := m.logBatchOverlays("training", batch, out, true); err != nil {
			out.MustDrop()
			res.Drop()
			return TrainResult{}, err
		}
	}
	out.MustDrop()
	return res, nil
}

// ValResult aggregates one validation step.
type ValResult struct {
	Loss float64
	IoU  float64
}

// ValidationStep computes loss and batch-mean IoU for one validation batch
// without touching gradients. Overlays are emitted for the first batch of
// each validation pass.
func (m *Module) ValidationStep(batch *dataset.TrainBatch, batchIndex int) (ValResult, error) {
	var res ValResult
	var err error
	ts.NoGrad(func() {
		res, err = m.validate(batch, batchIndex)
	})
	return res, err
}

func (m *Module) validate(batch *dataset.TrainBatch, batchIndex int) (ValResult, error) {
	img := batch.Image.MustTotype(gotch.Float, false).MustTo(m.params.Device, true)
	mask := batch.Mask.MustTotype(gotch.Int64, false).MustTo(m.params.Device, true)
	out := m.net.ForwardT(img, false)
	img.MustDrop()

	lossT := m.params.Loss.Compute(out, mask)
	mask.MustDrop()
	res := ValResult{Loss: lossT.Float64Values()[0]}
	lossT.MustDrop()

	iou, err := m.batchIoU(batch, out)
	if err != nil {
		out.MustDrop()
		return ValResult{}, err
	}
	res.IoU = iou

	if err := m.params.Run.LogScalars(m.step, map[string]float64{
		"validation/loss": res.Loss,
		"validation/iou":  res.IoU,
	}); err != nil {
		out.MustDrop()
		return ValResult{}, err
	}
	if batchIndex == 0 {
		if err := m.logBatchOverlays("validation", batch, out, true); err != nil {
			out.MustDrop()
			return ValResult{}, err
		}
	}
	out.MustDrop()
	return res, nil
}

// batchIoU averages per-sample IoU of the argmax predictions against the
// batch masks.
func (m *Module) batchIoU(batch *dataset.TrainBatch, out *ts.Tensor) (float64, error) {
	pred := out.MustArgmax([]int64{1}, false, false).MustTo(gotch.CPU, true)
	predVals := pred.Int64Values()
	pred.MustDrop()
	maskVals := batch.Mask.Int64Values()
	if len(predVals) != len(maskVals) {
		return 0, errors.Errorf("segmod: %d predicted labels vs %d targets", len(predVals), len(maskVals))
	}

	perSample := len(predVals) / batch.Size
	var sum float64
	for i := 0; i < batch.Size; i++ {
		score, err := metrics.IoU(
			predVals[i*perSample:(i+1)*perSample],
			maskVals[i*perSample:(i+1)*perSample],
			m.params.NumClasses,
			ignoreIndex,
		)
		if err != nil {
			return 0, err
		}
		sum += score
	}
	return sum / float64(batch.Size), nil
}

// TestStep predicts the mask of a single test sample and shapes it into a
// submission record. Test batches carry one sample each.
func (m *Module) TestStep(batch *dataset.TestBatch, batchIndex int) (submission.Record, error) {
	if len(batch.Filenames) == 0 {
		return submission.Record{}, errors.New("segmod: test batch has no samples")
	}
	var rec submission.Record
	var err error
	ts.NoGrad(func() {
		rec, err = m.predictOne(batch)
	})
	return rec, err
}

func (m *Module) predictOne(batch *dataset.TestBatch) (submission.Record, error) {
	img := batch.Image.MustTotype(gotch.Float, false).MustTo(m.params.Device, true)
	out := m.net.ForwardT(img, false)
	img.MustDrop()

	pred := out.MustArgmax([]int64{1}, false, true).MustTo(gotch.CPU, true)
	size := pred.MustSize()
	vals := pred.Int64Values()
	pred.MustDrop()
	if len(size) != 3 {
		return submission.Record{}, errors.Errorf("segmod: prediction has rank %d, want 3", len(size))
	}

	h, w := int(size[1]), int(size[2])
	mask := tensor.New(tensor.WithShape(h, w), tensor.WithBacking(vals[:h*w]))
	return submission.FromSample(batch.Filenames[0], batch.Teams[0], batch.Crops[0], mask)
}

// TestEpochEnd collates the per-step records into the submission set and
// retains it on the module.
func (m *Module) TestEpochEnd(records []submission.Record) submission.Set {
	m.submission = submission.Collate(records)
	return m.submission
}

// Submission returns the set built by the last test pass, or nil.
func (m *Module) Submission() submission.Set {
	return m.submission
}

// logBatchOverlays renders every sample of the batch with its predicted
// (and optionally ground-truth) mask.
func (m *Module) logBatchOverlays(section string, batch *dataset.TrainBatch, out *ts.Tensor, withGT bool) error {
	if m.params.Run == nil {
		return nil
	}
	pred := out.MustArgmax([]int64{1}, false, false).MustTo(gotch.CPU, true)
	predVals := pred.Int64Values()
	pred.MustDrop()

	size := batch.Image.MustSize()
	b, c, h, w := int(size[0]), int(size[1]), int(size[2]), int(size[3])
	imgVals := batch.Image.Float64Values()
	var maskVals []int64
	if withGT {
		maskVals = batch.Mask.Int64Values()
	}

	plane := c * h * w
	hw := h * w
	for i := 0; i < b; i++ {
		imgF := make([]float32, plane)
		for j := range imgF {
			imgF[j] = float32(imgVals[i*plane+j])
		}
		predMask := tensor.New(tensor.WithShape(h, w),
			tensor.WithBacking(append([]int64(nil), predVals[i*hw:(i+1)*hw]...)))
		var gtMask *tensor.Dense
		if withGT {
			gtMask = tensor.New(tensor.WithShape(h, w),
				tensor.WithBacking(append([]int64(nil), maskVals[i*hw:(i+1)*hw]...)))
		}
		if err := m.params.Run.LogMasks(m.step, section, i, imgF, c, h, w, predMask, gtMask); err != nil {
			return err
		}
	}
	return nil
}
