package sched

// readyQueue is 32 FIFO buckets, one per priority level. Picking the head
// is picking the lowest occupied bucket; ties within a bucket are FIFO,
// satisfying "ordered by ascending effective priority; ties broken FIFO"
// (§3) in O(1) amortized time instead of a sorted list.
type readyQueue struct {
	buckets [MinPriority + 1][]TaskIndex
	count   int
}

func newReadyQueue() *readyQueue {
	return &readyQueue{}
}

func (q *readyQueue) push(idx TaskIndex, priority uint8) {
	q.buckets[priority] = append(q.buckets[priority], idx)
	q.count++
}

// remove deletes idx from whatever bucket it currently sits in. Used when
// a task's effective priority changes (inheritance) or it is scheduled.
func (q *readyQueue) remove(idx TaskIndex, priority uint8) bool {
	b := q.buckets[priority]
	for i, v := range b {
		if v == idx {
			q.buckets[priority] = append(b[:i], b[i+1:]...)
			q.count--
			return true
		}
	}
	return false
}

// popHead returns and removes the task at the front of the lowest
// occupied bucket, or NoTask if the queue is empty.
func (q *readyQueue) popHead() TaskIndex {
	for p := 0; p <= MinPriority; p++ {
		if len(q.buckets[p]) > 0 {
			idx := q.buckets[p][0]
			q.buckets[p] = q.buckets[p][1:]
			q.count--
			return idx
		}
	}
	return NoTask
}

// peekHeadPriority returns the priority of the lowest occupied bucket, or
// MinPriority+1 (lower urgency than any valid priority) if empty.
func (q *readyQueue) peekHeadPriority() int {
	for p := 0; p <= MinPriority; p++ {
		if len(q.buckets[p]) > 0 {
			return p
		}
	}
	return MinPriority + 1
}

func (q *readyQueue) len() int { return q.count }
