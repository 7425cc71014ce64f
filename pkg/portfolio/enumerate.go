package portfolio

import (
	"iter"

	"github.com/pkg/errors"
)

// ErrInvariant is a fatal internal error: a composition whose parts do not
// add up to the budget.
var ErrInvariant = errors.New("invariant violation")

// Compositions yields every ordered tuple of slots non-negative integers that
// sums to total, in lexicographic order, each exactly once. Every part but
// the last is bounded by the budget left after the parts before it; the last
// part takes whatever remains, so the walk is O(total^(slots-1)). Each
// yielded slice is owned by the caller.
func Compositions(total, slots int) iter.Seq[[]int] {
	return func(yield func([]int) bool) {
		if total < 0 || slots < 1 {
			return
		}
		cur := make([]int, slots)
		var walk func(pos, remaining int) bool
		walk = func(pos, remaining int) bool {
			if pos == slots-1 {
				cur[pos] = remaining
				out := make([]int, slots)
				copy(out, cur)
				return yield(out)
			}
			for v := 0; v <= remaining; v++ {
				cur[pos] = v
				if !walk(pos+1, remaining-v) {
					return false
				}
			}
			return true
		}
		walk(0, total)
	}
}

// CountCompositions returns C(total+slots-1, slots-1).
func CountCompositions(total, slots int) int {
	if total < 0 || slots < 1 {
		return 0
	}
	n, k := total+slots-1, slots-1
	c := 1
	for i := 1; i <= k; i++ {
		c = c * (n - k + i) / i
	}
	return c
}

func checkBudget(parts []int, total int) error {
	sum := 0
	for _, p := range parts {
		if p < 0 || p > total {
			return errors.Wrapf(ErrInvariant, "part %d outside [0, %d] in %v", p, total, parts)
		}
		sum += p
	}
	if sum != total {
		return errors.Wrapf(ErrInvariant, "parts %v sum to %d, want %d", parts, sum, total)
	}
	return nil
}
