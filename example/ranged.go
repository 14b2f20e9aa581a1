package example

// RangedInt is an integer confined to a range.
//
// @invariant self.Bounds.Contains(self.Value), "value out of bounds"
type RangedInt struct {
	Bounds Range
	Value  int
}

// @pre bounds.Contains(v)
func NewRangedInt(bounds Range, v int) *RangedInt {
	return &RangedInt{Bounds: bounds, Value: v}
}

// Add moves the value by d.
//
// @pre n.Bounds.Contains(n.Value + d), "step leaves the range"
// @post n.Value == old(n.Value) + d
func (n *RangedInt) Add(d int) {
	n.Value += d
}

// Clamp stores v, saturating at the bounds. It reports whether v had to be
// adjusted.
//
// @post !ret -> n.Value == v
// @post ret -> n.Value == n.Bounds.Min || n.Value == n.Bounds.Max
func (n *RangedInt) Clamp(v int) bool {
	switch {
	case v < n.Bounds.Min:
		n.Value = n.Bounds.Min
	case v > n.Bounds.Max:
		n.Value = n.Bounds.Max
	default:
		n.Value = v
		return false
	}
	return true
}

// History records every value a RangedInt took.
type History struct {
	values []int
}

// Record appends v.
//
// @post len(h.values) == len(old(h.values)) + 1
// @debug_post h.values[len(h.values)-1] == v
func (h *History) Record(v int) {
	h.values = append(h.values, v)
}

// Values returns the recorded values, oldest first.
func (h *History) Values() []int {
	return h.values
}
