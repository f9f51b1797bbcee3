package uidl

// slotState tags a list slot.
type slotState uint8

const (
	slotLive slotState = iota
	slotRemoved
)

type slot struct {
	state slotState
	uid   *UID
}

// List is an ordered sequence of records. Removing a single slot leaves a
// tombstone so indices stay stable until RemoveIndices compacts the list.
type List struct {
	slots    []slot
	modified bool
}

// NewList returns an empty list.
func NewList() *List {
	return &List{}
}

// Len returns the number of slots, tombstones included.
func (l *List) Len() int {
	return len(l.slots)
}

// At returns the record in slot i. It reports false for removed or out of
// range slots.
func (l *List) At(i int) (*UID, bool) {
	if i < 0 || i >= len(l.slots) || l.slots[i].state != slotLive {
		return nil, false
	}
	return l.slots[i].uid, true
}

// Last returns the record in the last slot.
func (l *List) Last() (*UID, bool) {
	return l.At(len(l.slots) - 1)
}

func (l *List) matches(i int, uid string) bool {
	s := l.slots[i]
	return s.state == slotLive && s.uid.uid == uid
}

// Index returns the first slot holding uid, or -1.
func (l *List) Index(uid string) int {
	for i := range l.slots {
		if l.matches(i, uid) {
			return i
		}
	}
	return -1
}

// localityWindow is how far IndexFrom looks backward from its hint first.
const localityWindow = 10

// IndexFrom is Index optimized for lookups near hint: it checks hint, the
// slots before it, then the slots after it and finally the rest of the head.
func (l *List) IndexFrom(uid string, hint int) int {
	n := len(l.slots)
	if n == 0 {
		return -1
	}
	hint = max(0, min(hint, n-1))

	if l.matches(hint, uid) {
		return hint
	}
	low := max(0, hint-localityWindow)
	for i := hint - 1; i >= low; i-- {
		if l.matches(i, uid) {
			return i
		}
	}
	for i := hint + 1; i < n; i++ {
		if l.matches(i, uid) {
			return i
		}
	}
	for i := 0; i < low; i++ {
		if l.matches(i, uid) {
			return i
		}
	}
	return -1
}

// Add appends a record.
func (l *List) Add(u *UID) {
	l.slots = append(l.slots, slot{state: slotLive, uid: u})
	l.modified = true
}

// Remove tombstones slot i and hands its record to the caller. It returns
// nil if the slot is already removed.
func (l *List) Remove(i int) *UID {
	u, ok := l.At(i)
	if !ok {
		return nil
	}
	l.slots[i] = slot{state: slotRemoved}
	l.modified = true
	return u
}

// RemoveIndices removes the given slots and compacts the list, shifting every
// following slot down.
func (l *List) RemoveIndices(indices []int) {
	if len(indices) == 0 {
		return
	}
	for _, i := range indices {
		if i >= 0 && i < len(l.slots) {
			l.slots[i] = slot{state: slotRemoved}
		}
	}
	l.compact()
	l.modified = true
}

func (l *List) compact() {
	kept := l.slots[:0]
	for _, s := range l.slots {
		if s.state == slotLive {
			kept = append(kept, s)
		}
	}
	for i := len(kept); i < len(l.slots); i++ {
		l.slots[i] = slot{}
	}
	l.slots = kept
}

// IsModified reports whether the list has unsaved changes.
func (l *List) IsModified() bool {
	return l.modified
}

// SetModified forces the dirty state.
func (l *List) SetModified(modified bool) {
	l.modified = modified
}

// UIDs returns the UID strings of the live slots.
func (l *List) UIDs() []string {
	out := make([]string, 0, len(l.slots))
	for _, s := range l.slots {
		if s.state == slotLive {
			out = append(out, s.uid.uid)
		}
	}
	return out
}
