package sched

import "sort"

// deadlineList is ordered by ascending absolute deadline and holds only
// tasks with a nonzero deadline (§3). It is independent of ready-queue
// membership: a task can be on the deadline list while blocked.
type deadlineList struct {
	items []TaskIndex // kept sorted by owning scheduler's task deadlines
}

func newDeadlineList() *deadlineList { return &deadlineList{} }

func (d *deadlineList) insert(idx TaskIndex, deadline uint64, deadlineOf func(TaskIndex) uint64) {
	pos := sort.Search(len(d.items), func(i int) bool {
		return deadlineOf(d.items[i]) >= deadline
	})
	d.items = append(d.items, NoTask)
	copy(d.items[pos+1:], d.items[pos:])
	d.items[pos] = idx
}

func (d *deadlineList) remove(idx TaskIndex) bool {
	for i, v := range d.items {
		if v == idx {
			d.items = append(d.items[:i], d.items[i+1:]...)
			return true
		}
	}
	return false
}

func (d *deadlineList) len() int { return len(d.items) }
