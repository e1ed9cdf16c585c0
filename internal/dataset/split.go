package dataset

import "math/rand"

// SplitRefs shuffles refs with the given seed and carves off a validation
// slice of the given fraction (at least one sample when the fraction is
// non-zero and refs allow it).
func SplitRefs(refs []Ref, valFraction float64, seed int64) (train, val []Ref) {
	shuffled := append([]Ref(nil), refs...)
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	n := int(float64(len(shuffled)) * valFraction)
	if n == 0 && valFraction > 0 && len(shuffled) > 1 {
		n = 1
	}
	if n >= len(shuffled) {
		n = len(shuffled) - 1
	}
	if n < 0 {
		n = 0
	}
	return shuffled[n:], shuffled[:n]
}
