package selection

import (
	"cmp"
	"slices"
)

// SeatState is the selection state of one seat: the current selection and
// every live device bound to the seat. It lives in the seat's user state and
// is only touched with the broker lock held.
type SeatState struct {
	name    string
	current Selection
	serial  uint64 // bumped on every change of current
	devices map[Ref]struct{}
}

func newSeatState(name string) func() *SeatState {
	return func() *SeatState {
		return &SeatState{name: name, devices: make(map[Ref]struct{})}
	}
}

// set replaces the current selection and reports the previous one. changed
// is false when sel equals the current selection.
func (st *SeatState) set(sel Selection) (prev Selection, changed bool) {
	prev = st.current
	if prev == sel {
		return prev, false
	}
	st.current = sel
	st.serial++
	return prev, true
}

// sortedDevices returns the seat's devices in a stable order.
func (st *SeatState) sortedDevices() []Ref {
	out := make([]Ref, 0, len(st.devices))
	for r := range st.devices {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b Ref) int {
		if c := cmp.Compare(a.Client, b.Client); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}
