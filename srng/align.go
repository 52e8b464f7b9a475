package srng

import "golang.org/x/exp/constraints"

// Aligned is an address moved up to an alignment boundary together with the
// number of bytes that were skipped to get there.
type Aligned[T constraints.Unsigned] struct {
	Addr  T
	Slack T
}

// AlignUp rounds base up to the next multiple of align, which must be a
// power of two.
func AlignUp[T constraints.Unsigned](base, align T) Aligned[T] {
	addr := (base + align - 1) &^ (align - 1)
	return Aligned[T]{Addr: addr, Slack: addr - base}
}

// IsPowerOfTwo reports whether v is a positive power of two.
func IsPowerOfTwo[T constraints.Integer](v T) bool {
	return v > 0 && v&(v-1) == 0
}

// NextPowerOfTwo returns the smallest power of two that is >= v.
func NextPowerOfTwo(v int) int {
	if v <= 1 {
		return 1
	}
	n := 1
	for n < v {
		n <<= 1
	}
	return n
}
