package sched

// deadlineWalkLocked implements the §4.1 deadline policy: before every
// scheduling decision, walk the deadline list earliest-first. A deadline
// already in the past is logged once and cleared; a deadline within
// deadlineBoostWindow ticks is boosted to priority 0 and reinserted into
// the ready queue under the new priority.
func (s *Scheduler) deadlineWalkLocked() {
	// Copy the current ordering since boosting mutates the list we're
	// walking (a missed deadline is cleared and removed; a near deadline
	// stays but its task moves ready-queue buckets, not deadline-list
	// position).
	items := append([]TaskIndex(nil), s.deadline.items...)
	for _, idx := range items {
		t := &s.tasks[idx]
		if !t.inUse || !t.inDeadlineList {
			continue
		}
		switch {
		case t.Deadline <= s.tick && t.Deadline != 0:
			// Deadline has passed: log once, clear it, task continues
			// running at whatever priority it already has (§7 deadline
			// miss: logged, deadline cleared, task continues).
			s.logger.Warnf("task %q (idx=%d) missed deadline %d at tick %d", t.Name, idx, t.Deadline, s.tick)
			s.metrics.DeadlineMisses.Add(1)
			s.deadline.remove(idx)
			t.inDeadlineList = false
			t.Deadline = 0
		case t.Deadline-s.tick <= deadlineBoostWindow:
			if t.EffPriority != 0 {
				s.logger.Debugf("boosting task %q (idx=%d) to priority 0 for deadline %d", t.Name, idx, t.Deadline)
				s.metrics.DeadlineBoosts.Add(1)
				s.moveReadyPriority(t, 0)
			}
		}
	}
}

// moveReadyPriority changes t's effective priority, re-sorting it in the
// ready queue if it is currently ready.
func (s *Scheduler) moveReadyPriority(t *Task, newPriority uint8) {
	if t.EffPriority == newPriority {
		return
	}
	if t.State == StateReady {
		s.ready.remove(t.index, t.EffPriority)
		t.EffPriority = newPriority
		s.ready.push(t.index, newPriority)
		return
	}
	t.EffPriority = newPriority
}

// reschedule picks a new current task. If requeueCurrent is true the
// previously-running task (if still ready to run, i.e. not blocked or
// dead) is pushed to the tail of its priority bucket before the pick.
func (s *Scheduler) reschedule(requeueCurrent bool) {
	s.deadlineWalkLocked()

	prev := s.current
	if prev != NoTask {
		t := &s.tasks[prev]
		if requeueCurrent && t.inUse && t.State == StateRunning {
			t.State = StateReady
			s.ready.push(prev, t.EffPriority)
		}
	}

	next := s.ready.popHead()
	if next == NoTask {
		s.current = NoTask
		return
	}
	nt := &s.tasks[next]
	nt.State = StateRunning
	nt.quantum = defaultQuantum
	if s.current != next {
		s.metrics.ContextSwitches.Add(1)
	}
	s.current = next
}

// maybePreemptLocked re-checks whether a higher-priority task is ready
// and, if so, reschedules. Called when re-enabling preemption after a
// deferred preemption request.
func (s *Scheduler) maybePreemptLocked() {
	if s.current == NoTask {
		s.reschedule(false)
		return
	}
	cur := &s.tasks[s.current]
	if s.ready.peekHeadPriority() < int(cur.EffPriority) {
		s.reschedule(true)
	}
}

// Tick drives the scheduler from the periodic timer (nominal 100Hz per
// §4.1). It decrements the running task's quantum, applies the deadline
// walk, and preempts or round-robins as policy dictates.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tick++

	if s.current == NoTask {
		s.deadlineWalkLocked()
		if s.preemptionEnabled() {
			s.reschedule(false)
		}
		return
	}

	cur := &s.tasks[s.current]
	if cur.quantum > 0 {
		cur.quantum--
	}

	s.deadlineWalkLocked()

	headPriority := s.ready.peekHeadPriority()

	switch {
	case headPriority < int(cur.EffPriority):
		// A strictly higher-priority task is ready.
		if s.preemptionEnabled() {
			s.reschedule(true)
		} else {
			s.pendingPreempt = true
		}
	case cur.quantum == 0 && headPriority == int(cur.EffPriority):
		// Quantum expired and an equal-priority task is waiting: round robin.
		if s.preemptionEnabled() {
			s.reschedule(true)
		} else {
			s.pendingPreempt = true
		}
	case cur.quantum == 0:
		// Quantum expired but nothing else at this priority is ready:
		// keep running with a fresh quantum.
		cur.quantum = defaultQuantum
	}
}

// AddWaiter implements blocking with priority inheritance (§4.1): waiter
// blocks on a resource held by holder. If waiter's effective priority is
// higher (numerically lower) than holder's, holder inherits it.
func (s *Scheduler) AddWaiter(holder, waiter TaskIndex) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := &s.tasks[holder]
	w := &s.tasks[waiter]
	if !h.inUse || !w.inUse {
		return
	}

	if w.State == StateReady {
		s.ready.remove(waiter, w.EffPriority)
	}
	w.State = StateBlocked
	w.BlockedOn = holder
	h.Waiters = append(h.Waiters, waiter)

	if w.EffPriority < h.EffPriority {
		s.logger.Debugf("priority inheritance: holder %q (idx=%d) %d -> %d via waiter %q",
			h.Name, holder, h.EffPriority, w.EffPriority, w.Name)
		s.metrics.PriorityInversions.Add(1)
		s.moveReadyPriority(h, w.EffPriority)
		if h.State == StateRunning {
			// Already running at the boosted priority; nothing to preempt.
			return
		}
		if s.current != NoTask && int(h.EffPriority) < int(s.tasks[s.current].EffPriority) {
			if s.preemptionEnabled() {
				s.reschedule(true)
			} else {
				s.pendingPreempt = true
			}
		}
	}

	if s.current == waiter {
		// The running task has just blocked; hand the CPU to the next
		// ready task.
		s.reschedule(false)
	}
}

// RemoveWaiter unblocks waiter (moving it back to ready at its own
// priority) and restores holder's priority to the maximum of its base
// priority and the effective priorities of its remaining waiters.
func (s *Scheduler) RemoveWaiter(holder, waiter TaskIndex) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := &s.tasks[holder]
	w := &s.tasks[waiter]
	if !h.inUse || !w.inUse {
		return
	}

	for i, idx := range h.Waiters {
		if idx == waiter {
			h.Waiters = append(h.Waiters[:i], h.Waiters[i+1:]...)
			break
		}
	}

	w.State = StateReady
	w.BlockedOn = NoTask
	s.ready.push(waiter, w.EffPriority)

	// "Maximum" priority is the numerically smallest value: restore to
	// the most urgent of (base priority, remaining waiters' priorities).
	restored := h.BasePriority
	for _, idx := range h.Waiters {
		if p := s.tasks[idx].EffPriority; p < restored {
			restored = p
		}
	}
	if restored != h.EffPriority {
		s.moveReadyPriority(h, restored)
	}

	if s.current != NoTask && s.ready.peekHeadPriority() < int(s.tasks[s.current].EffPriority) {
		if s.preemptionEnabled() {
			s.reschedule(true)
		} else {
			s.pendingPreempt = true
		}
	}
}

// ReadyLen and DeadlineLen expose queue depths for the scheduler
// statistics surface (SPEC_FULL.md §5).
func (s *Scheduler) ReadyLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready.len()
}

func (s *Scheduler) DeadlineLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline.len()
}
