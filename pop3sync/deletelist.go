package pop3sync

import (
	"sort"

	"github.com/migadu/popsync/store"
)

// deleteEntry is the pending deletion of one server message. Ptr refers to
// the local copy to delete along with it, if any.
type deleteEntry struct {
	MarkServer bool
	Ptr        store.MessagePtr
}

// deleteList collects deletions by server index during a pass and executes
// them in one sweep at its end.
type deleteList struct {
	entries map[int]*deleteEntry
}

func newDeleteList() *deleteList {
	return &deleteList{entries: make(map[int]*deleteEntry)}
}

// add records a deletion of index. Entries for the same index merge.
func (d *deleteList) add(index int, markServer bool, ptr store.MessagePtr) {
	e, ok := d.entries[index]
	if !ok {
		e = &deleteEntry{}
		d.entries[index] = e
	}
	e.MarkServer = e.MarkServer || markServer
	if e.Ptr.IsZero() {
		e.Ptr = ptr
	}
}

func (d *deleteList) len() int {
	return len(d.entries)
}

// indices returns the recorded indices in ascending order.
func (d *deleteList) indices() []int {
	out := make([]int, 0, len(d.entries))
	for i := range d.entries {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

func (d *deleteList) get(index int) *deleteEntry {
	return d.entries[index]
}
