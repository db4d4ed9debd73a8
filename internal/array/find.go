package array

import "github.com/stratadb/strata/internal/bitpack"

// Find scans [start,end) for the first element satisfying op against
// target (spec.md §4.3 `find`).
func (a *Array) Find(op bitpack.CompareOp, target int64, start, end int) (pos int, ok bool, err error) {
	return a.payload().Find(op, target, start, end)
}

// Sum, Min, Max are the range aggregates spec.md §4.3 requires over a
// leaf's packed stream.
func (a *Array) Sum(start, end int) (int64, error) {
	return a.payload().Sum(start, end)
}

func (a *Array) Min(start, end int) (int64, bool, error) {
	return a.payload().Min(start, end)
}

func (a *Array) Max(start, end int) (int64, bool, error) {
	return a.payload().Max(start, end)
}

// Count returns how many elements in [start,end) satisfy op against target.
func (a *Array) Count(op bitpack.CompareOp, target int64, start, end int) (int, error) {
	return a.payload().Count(op, target, start, end)
}
