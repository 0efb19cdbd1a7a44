package schedule_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tolelom/bikerush/schedule"
)

func newScheduler(t *testing.T) *schedule.Scheduler {
	t.Helper()
	s, err := schedule.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func TestAfterRunsOnce(t *testing.T) {
	s := newScheduler(t)
	var runs atomic.Int32
	_, err := s.After(20*time.Millisecond, func() { runs.Add(1) })
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return runs.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
}

// TestCancelledTaskNeverRuns verifies that cancelling before the deadline
// drops the task.
func TestCancelledTaskNeverRuns(t *testing.T) {
	s := newScheduler(t)
	var ran atomic.Bool
	task, err := s.After(100*time.Millisecond, func() { ran.Store(true) })
	require.NoError(t, err)
	assert.Equal(t, 1, s.Pending())

	task.Cancel()
	assert.Zero(t, s.Pending())
	time.Sleep(200 * time.Millisecond)
	assert.False(t, ran.Load())

	task.Cancel()
	var nilTask *schedule.Task
	nilTask.Cancel()
}

func TestEveryStartsImmediately(t *testing.T) {
	s := newScheduler(t)
	var runs atomic.Int32
	task, err := s.Every(time.Hour, true, func() { runs.Add(1) })
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return runs.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	task.Cancel()
}

func TestShutdownDropsPendingTasks(t *testing.T) {
	s, err := schedule.New()
	require.NoError(t, err)
	var ran atomic.Bool
	_, err = s.After(100*time.Millisecond, func() { ran.Store(true) })
	require.NoError(t, err)

	require.NoError(t, s.Shutdown())
	time.Sleep(200 * time.Millisecond)
	assert.False(t, ran.Load())
}
