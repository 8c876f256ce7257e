package mathx

import "golang.org/x/exp/constraints"

// Clamp limits v to [lo, hi]. Thresholds and setpoints arrive from the
// wire unchecked; swapped bounds are tolerated rather than rejected.
func Clamp[T constraints.Ordered](v, lo, hi T) T {
	if hi < lo {
		lo, hi = hi, lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
