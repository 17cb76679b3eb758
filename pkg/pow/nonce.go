package pow

import (
	"fmt"
	"math"
)

// NonceRange is an inclusive range of signed 64-bit nonces.
type NonceRange struct {
	First int64
	Last  int64
}

// FullRange covers every int64 nonce.
var FullRange = NonceRange{First: math.MinInt64, Last: math.MaxInt64}

// Validate checks First <= Last
func (r NonceRange) Validate() error {
	if r.First > r.Last {
		return fmt.Errorf("invalid nonce range [%d, %d]", r.First, r.Last)
	}
	return nil
}

// span returns Last-First, i.e. the count minus one, which always fits in uint64.
func (r NonceRange) span() uint64 {
	return uint64(r.Last) - uint64(r.First)
}

// Contains reports whether nonce lies in the range
func (r NonceRange) Contains(nonce int64) bool {
	return nonce >= r.First && nonce <= r.Last
}

// Split partitions the range into at most parts disjoint, contiguous,
// ascending sub-ranges that together cover it exactly.
func (r NonceRange) Split(parts int) []NonceRange {
	if parts < 1 {
		parts = 1
	}
	span := r.span()
	if span < uint64(parts-1) {
		parts = int(span) + 1
	}

	size := span/uint64(parts) + 1
	out := make([]NonceRange, 0, parts)
	for i := 0; i < parts; i++ {
		offset := uint64(i) * size
		if offset > span {
			break
		}
		end := span
		if size-1 < span-offset {
			end = offset + size - 1
		}
		out = append(out, NonceRange{
			First: int64(uint64(r.First) + offset),
			Last:  int64(uint64(r.First) + end),
		})
	}
	return out
}

// String returns a string representation of the range
func (r NonceRange) String() string {
	return fmt.Sprintf("[%d, %d]", r.First, r.Last)
}
