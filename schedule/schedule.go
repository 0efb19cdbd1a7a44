// Package schedule wraps gocron with cancellable one-shot and periodic
// tasks. Shutting the scheduler down cancels every pending task.
package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Scheduler runs delayed and periodic tasks.
type Scheduler struct {
	s   gocron.Scheduler
	log logrus.FieldLogger
}

// New creates and starts a Scheduler.
func New() (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	s.Start()
	return &Scheduler{s: s, log: logrus.WithField("component", "schedule")}, nil
}

// Task is a handle to a scheduled job.
type Task struct {
	s  *Scheduler
	id uuid.UUID
}

// ID returns the underlying job id.
func (t *Task) ID() uuid.UUID { return t.id }

// Cancel removes the task. Cancelling a task that already ran is a no-op.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	if err := t.s.s.RemoveJob(t.id); err != nil && !errors.Is(err, gocron.ErrJobNotFound) {
		t.s.log.WithError(err).WithField("job", t.id).Warn("cancel task")
	}
}

// After runs fn once after d.
func (s *Scheduler) After(d time.Duration, fn func()) (*Task, error) {
	start := gocron.OneTimeJobStartImmediately()
	if d >= time.Millisecond {
		start = gocron.OneTimeJobStartDateTime(time.Now().Add(d))
	}
	return s.add(gocron.OneTimeJob(start), fn)
}

// Every runs fn every d, skipping a run while the previous one is still in
// progress. The first run happens immediately when now is true.
func (s *Scheduler) Every(d time.Duration, now bool, fn func()) (*Task, error) {
	opts := []gocron.JobOption{gocron.WithSingletonMode(gocron.LimitModeReschedule)}
	if now {
		opts = append(opts, gocron.WithStartAt(gocron.WithStartImmediately()))
	}
	return s.add(gocron.DurationJob(d), fn, opts...)
}

func (s *Scheduler) add(def gocron.JobDefinition, fn func(), opts ...gocron.JobOption) (*Task, error) {
	job, err := s.s.NewJob(def, gocron.NewTask(fn), opts...)
	if err != nil {
		return nil, fmt.Errorf("schedule job: %w", err)
	}
	return &Task{s: s, id: job.ID()}, nil
}

// Pending returns the number of jobs still registered.
func (s *Scheduler) Pending() int {
	return len(s.s.Jobs())
}

// Shutdown stops the scheduler and drops every pending task.
func (s *Scheduler) Shutdown() error {
	return s.s.Shutdown()
}
