package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreate_ClampsPriority(t *testing.T) {
	s := New()
	idx, err := s.Create("t", nil, 255)
	require.NoError(t, err)
	assert.Equal(t, MinPriority, s.GetPriority(idx))
}

func TestCreate_PoolExhausted(t *testing.T) {
	s := New()
	for i := 0; i < MaxTasks; i++ {
		_, err := s.Create("t", nil, 10)
		require.NoError(t, err)
	}
	_, err := s.Create("overflow", nil, 10)
	require.Error(t, err)
}

// Scenario 1 (§8): basic preemption. Three tasks at priorities 5, 15, 25;
// the lowest-numbered (highest-urgency) priority 5 task ends up running.
func TestScenario_BasicPreemption(t *testing.T) {
	s := New()
	_, err := s.Create("low", nil, 25)
	require.NoError(t, err)
	_, err = s.Create("mid", nil, 15)
	require.NoError(t, err)
	hi, err := s.Create("hi", nil, 5)
	require.NoError(t, err)

	s.Tick()
	s.Tick()

	assert.Equal(t, hi, s.CurrentTask())
	cur, ok := s.Task(s.CurrentTask())
	require.True(t, ok)
	assert.Equal(t, 5, int(cur.EffPriority))
	assert.GreaterOrEqual(t, s.Metrics().Snapshot().ContextSwitches, uint64(2))
}

// Scenario 2 (§8): priority inheritance protocol.
func TestScenario_PriorityInheritance(t *testing.T) {
	s := New()
	a, err := s.Create("A", nil, 5)
	require.NoError(t, err)
	b, err := s.Create("B", nil, 20)
	require.NoError(t, err)

	s.AddWaiter(b, a)
	assert.Equal(t, 5, s.GetPriority(b))

	s.RemoveWaiter(b, a)
	assert.Equal(t, 20, s.GetPriority(b))

	assert.Equal(t, uint64(1), s.Metrics().Snapshot().PriorityInversions)
}

func TestReadyQueue_FIFOWithinPriority(t *testing.T) {
	s := New()
	first, err := s.Create("first", nil, 10)
	require.NoError(t, err)
	second, err := s.Create("second", nil, 10)
	require.NoError(t, err)

	// first is already running (scheduled on creation); requeue it and
	// confirm second (FIFO) comes before first on the next pick.
	s.Yield()
	assert.Equal(t, second, s.CurrentTask())
	s.Yield()
	assert.Equal(t, first, s.CurrentTask())
}

func TestSetPriority_RoundTrip(t *testing.T) {
	s := New()
	idx, _ := s.Create("t", nil, 10)
	s.SetPriority(idx, 7)
	assert.Equal(t, 7, s.GetPriority(idx))
	s.SetPriority(idx, 255)
	assert.Equal(t, MinPriority, s.GetPriority(idx))
}

func TestDeadline_SetAndBoost(t *testing.T) {
	s := New()
	idx, _ := s.Create("t", nil, 20)
	other, _ := s.Create("other", nil, 3)
	s.SetDeadline(idx, 5) // within the boost window from tick 0
	assert.Equal(t, uint64(5), s.GetDeadline(idx))

	s.Tick()

	task, ok := s.Task(idx)
	require.True(t, ok)
	assert.Equal(t, 0, int(task.EffPriority))
	_ = other
}

func TestExit_RemovesFromQueuesAndFreesSlot(t *testing.T) {
	s := New()
	idx, _ := s.Create("t", nil, 10)
	s.SetDeadline(idx, 1000)
	s.Exit(idx)

	task, ok := s.Task(idx)
	assert.False(t, ok)
	_ = task
	assert.Equal(t, 0, s.DeadlineLen())

	idx2, err := s.Create("reuse", nil, 10)
	require.NoError(t, err)
	assert.Equal(t, idx, idx2)
}

func TestDisableEnablePreemption_Nesting(t *testing.T) {
	s := New()
	s.DisablePreemption()
	s.DisablePreemption()
	require.NoError(t, s.EnablePreemption())
	require.NoError(t, s.EnablePreemption())
	assert.Error(t, s.EnablePreemption())
}
