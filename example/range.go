// Package example shows the annotations dbc understands. Plain builds
// ignore them; build with the overlay written by `dbc gen` to enforce them.
package example

// Range is a closed interval of integers.
//
// @invariant self.Min <= self.Max, "inverted range"
type Range struct {
	Min, Max int
}

// NewRange returns [min, max]. Single-point ranges are built with Point.
//
// @pre min < max
func NewRange(min, max int) Range {
	return Range{Min: min, Max: max}
}

// Point returns the range holding only v.
func Point(v int) Range {
	return Range{Min: v, Max: v}
}

// Merge returns the smallest range covering both r and other.
//
// @post ret.Min == min(r.Min, other.Min)
// @post ret.Max == max(r.Max, other.Max)
func (r Range) Merge(other Range) Range {
	return Range{Min: min(r.Min, other.Min), Max: max(r.Max, other.Max)}
}

// Contains reports whether v lies in r.
//
// @post ret -> r.Min <= v && v <= r.Max
func (r Range) Contains(v int) bool {
	return r.Min <= v && v <= r.Max
}

// Len is the number of integers in r.
//
// @post ret >= 1
func (r Range) Len() int {
	return r.Max - r.Min + 1
}
