package segmod

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSchedulerStepsThroughPeriod(t *testing.T) {
	m := newTestModule(t, 3)
	_, sched, err := m.ConfigureOptimizers()
	require.NoError(t, err)
	require.NotNil(t, sched)

	// one step per epoch over the full annealing period
	for i := 0; i < m.params.TMax; i++ {
		sched.Step()
	}
}

func TestSchedulerGuardsZeroPeriod(t *testing.T) {
	m := newTestModule(t, 3)
	opt, _, err := m.ConfigureOptimizers()
	require.NoError(t, err)

	s := newCosineScheduler(opt, 0)
	require.NotNil(t, s)
	s.Step()
}
