package dataset

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func makeRefs(n int) []Ref {
	refs := make([]Ref, n)
	for i := range refs {
		refs[i] = Ref{Filename: fmt.Sprintf("img_%03d.png", i)}
	}
	return refs
}

func TestSplitRefs(t *testing.T) {
	train, val := SplitRefs(makeRefs(10), 0.2, 1)
	require.Len(t, val, 2)
	require.Len(t, train, 8)

	seen := map[string]bool{}
	for _, r := range append(train, val...) {
		require.False(t, seen[r.Filename], "duplicate %s", r.Filename)
		seen[r.Filename] = true
	}
	require.Len(t, seen, 10)
}

func TestSplitRefsDeterministic(t *testing.T) {
	a, _ := SplitRefs(makeRefs(10), 0.3, 7)
	b, _ := SplitRefs(makeRefs(10), 0.3, 7)
	require.Equal(t, a, b)
}

func TestSplitRefsSmallSets(t *testing.T) {
	// a tiny set still keeps at least one training sample
	train, val := SplitRefs(makeRefs(2), 0.9, 1)
	require.Len(t, train, 1)
	require.Len(t, val, 1)

	train, val = SplitRefs(makeRefs(1), 0.5, 1)
	require.Len(t, train, 1)
	require.Empty(t, val)

	train, val = SplitRefs(makeRefs(3), 0, 1)
	require.Len(t, train, 3)
	require.Empty(t, val)
}
