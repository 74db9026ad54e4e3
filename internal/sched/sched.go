// Package sched implements the preemptive, priority-based, deadline-aware
// task scheduler with a priority-inheritance protocol described in
// spec.md §4.1. It is the one subsystem with no dependencies of its own
// (the leaves-first build order in spec.md §2 starts here).
package sched

import (
	"sync"

	"github.com/embodios/embodios-core/internal/errs"
	"github.com/embodios/embodios-core/internal/logging"
	"github.com/embodios/embodios-core/internal/metrics"
)

const defaultStackSize = 64 * 1024

// Scheduler owns the task arena, ready queue, and deadline list. All
// mutation goes through its exported operations, which take the internal
// mutex for the duration of the critical section — the hosted stand-in
// for "protected by disabling preemption around the critical region"
// (§5), since this model runs on a real OS thread pool rather than bare
// metal.
type Scheduler struct {
	mu sync.Mutex

	tasks     [MaxTasks]Task
	freeSlots []TaskIndex // dead/never-used slots available for Create

	ready    *readyQueue
	deadline *deadlineList

	current TaskIndex

	preemptDisableCount int
	pendingPreempt      bool

	tick uint64

	logger  logging.Sub
	metrics *metrics.SchedMetrics
}

// New creates an empty scheduler with all MaxTasks slots free.
func New() *Scheduler {
	s := &Scheduler{
		ready:    newReadyQueue(),
		deadline: newDeadlineList(),
		current:  NoTask,
		logger:   logging.Default().For(logging.SubsystemSched),
		metrics:  metrics.NewSchedMetrics(),
	}
	s.freeSlots = make([]TaskIndex, MaxTasks)
	for i := range s.tasks {
		s.tasks[i].reset(TaskIndex(i))
		s.freeSlots[i] = TaskIndex(i)
	}
	return s
}

// Metrics exposes the scheduler's atomic counters.
func (s *Scheduler) Metrics() *metrics.SchedMetrics { return s.metrics }

func clampPriority(p int) uint8 {
	if p < 0 {
		return 0
	}
	if p > MinPriority {
		return MinPriority
	}
	return uint8(p)
}

// Create allocates a task control block and stack, and places it on the
// ready queue. Priorities above MinPriority are clamped, never rejected
// (§4.1). Create fails if the pool is exhausted or the stack cannot be
// allocated, and leaves no partial state behind in either case.
func (s *Scheduler) Create(name string, entry func(), priority int) (TaskIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.freeSlots) == 0 {
		return NoTask, errs.New("sched.Create", errs.KindResourceExhausted, "task pool exhausted")
	}

	stack := make([]byte, defaultStackSize)
	if stack == nil { // unreachable with make(), kept for parity with the C allocator's failure path
		return NoTask, errs.New("sched.Create", errs.KindResourceExhausted, "stack allocation failed")
	}

	idx := s.freeSlots[len(s.freeSlots)-1]
	s.freeSlots = s.freeSlots[:len(s.freeSlots)-1]

	p := clampPriority(priority)
	t := &s.tasks[idx]
	t.reset(idx)
	t.inUse = true
	t.Name = name
	t.Entry = entry
	t.Stack = stack
	t.StackTop = len(stack)
	t.BasePriority = p
	t.EffPriority = p
	t.State = StateReady
	t.quantum = defaultQuantum

	s.ready.push(idx, p)
	s.logger.Debugf("created task %q idx=%d prio=%d", name, idx, p)

	if s.current == NoTask {
		s.reschedule(false)
	} else if p < s.tasks[s.current].EffPriority {
		if s.preemptionEnabled() {
			s.reschedule(true)
		} else {
			s.pendingPreempt = true
		}
	}
	return idx, nil
}

// CurrentTask returns the index of the running task, or NoTask if the CPU
// is idle.
func (s *Scheduler) CurrentTask() TaskIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Task returns a copy of the task's public fields by index. Ok is false
// for an out-of-range or dead slot.
func (s *Scheduler) Task(idx TaskIndex) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || int(idx) >= MaxTasks || !s.tasks[idx].inUse {
		return Task{}, false
	}
	return s.tasks[idx], true
}

// Yield moves the running task back to ready and schedules the new head
// of the ready queue.
func (s *Scheduler) Yield() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reschedule(true)
}

// Exit removes a task from the ready queue and deadline list and marks it
// dead; its slot becomes reusable by a future Create.
func (s *Scheduler) Exit(idx TaskIndex) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &s.tasks[idx]
	if !t.inUse {
		return
	}
	if t.State == StateReady {
		s.ready.remove(idx, t.EffPriority)
	}
	if t.inDeadlineList {
		s.deadline.remove(idx)
		t.inDeadlineList = false
	}
	t.State = StateDead
	t.inUse = false
	s.freeSlots = append(s.freeSlots, idx)

	if s.current == idx {
		s.current = NoTask
		s.reschedule(false)
	}
}

// SetPriority changes a task's base priority (and, absent an active
// inheritance boost, its effective priority), clamping values above
// MinPriority (§8 round-trip law).
func (s *Scheduler) SetPriority(idx TaskIndex, priority int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &s.tasks[idx]
	if !t.inUse {
		return
	}
	p := clampPriority(priority)
	boosted := t.EffPriority != t.BasePriority
	t.BasePriority = p
	// Only raise/lower the effective priority directly when the task is
	// not currently boosted above its base by a waiter.
	if !boosted || p < t.EffPriority {
		s.moveReadyPriority(t, p)
	}
}

// GetPriority returns the task's current effective priority.
func (s *Scheduler) GetPriority(idx TaskIndex) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.tasks[idx].EffPriority)
}

// SetDeadline sets (or, with 0, clears) a task's absolute-tick deadline.
func (s *Scheduler) SetDeadline(idx TaskIndex, deadline uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &s.tasks[idx]
	if !t.inUse {
		return
	}
	if t.inDeadlineList {
		s.deadline.remove(idx)
		t.inDeadlineList = false
	}
	t.Deadline = deadline
	if deadline != 0 {
		s.deadline.insert(idx, deadline, func(i TaskIndex) uint64 { return s.tasks[i].Deadline })
		t.inDeadlineList = true
	}
}

// GetDeadline returns the task's absolute-tick deadline, 0 if none.
func (s *Scheduler) GetDeadline(idx TaskIndex) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[idx].Deadline
}

// PinToCPU records a CPU affinity hint. The core runs a single logical
// scheduling domain (§5); affinity is informational bookkeeping for a
// multi-CPU host, not an isolation guarantee.
func (s *Scheduler) PinToCPU(idx TaskIndex, cpu int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[idx].cpu = cpu
}

// DisablePreemption increments the nestable preemption-disable counter.
// Disabling is cheap: it never touches the ready queue.
func (s *Scheduler) DisablePreemption() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preemptDisableCount++
}

// EnablePreemption decrements the counter; at the outermost level it runs
// any reschedule deferred while preemption was disabled. Enabling without
// a matching disable is reported and is otherwise a no-op.
func (s *Scheduler) EnablePreemption() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preemptDisableCount == 0 {
		s.logger.Warn("EnablePreemption without matching DisablePreemption")
		return errs.New("sched.EnablePreemption", errs.KindInvalidArgument, "unbalanced enable")
	}
	s.preemptDisableCount--
	if s.preemptDisableCount == 0 && s.pendingPreempt {
		s.pendingPreempt = false
		s.maybePreemptLocked()
	}
	return nil
}

func (s *Scheduler) preemptionEnabled() bool { return s.preemptDisableCount == 0 }
