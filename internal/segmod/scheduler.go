package segmod

import (
	"github.com/sugarme/gotch/nn"
)

// Scheduler anneals the optimizer learning rate from the configured rate
// down to zero over tMax epochs, following the framework's cosine-annealing
// schedule. Step is called once per epoch.
type Scheduler struct {
	inner *nn.LRScheduler
}

func newCosineScheduler(opt *nn.Optimizer, tMax int) *Scheduler {
	if tMax <= 0 {
		tMax = 1
	}
	return &Scheduler{inner: nn.NewCosineAnnealingLR(opt, tMax, 0.0).Build()}
}

// Step advances the schedule by one epoch.
func (s *Scheduler) Step() {
	s.inner.Step()
}
