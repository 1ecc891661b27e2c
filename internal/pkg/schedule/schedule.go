// Package schedule runs periodic jobs and keyed one-shot tasks on a gocron scheduler.
package schedule

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Scheduler wraps a gocron scheduler. One-shot tasks are keyed so that
// scheduling the same key again replaces the pending task.
type Scheduler struct {
	cron gocron.Scheduler

	mu      sync.Mutex
	pending map[string]uuid.UUID
}

// New creates a scheduler. Call Start to begin running jobs.
func New() (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return &Scheduler{
		cron:    s,
		pending: make(map[string]uuid.UUID),
	}, nil
}

// Start begins running scheduled jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Shutdown stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Shutdown() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown scheduler: %w", err)
	}
	return nil
}

// Every runs fn at a fixed interval. A run that overlaps the previous one is skipped.
func (s *Scheduler) Every(name string, interval time.Duration, fn func()) error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(s.guard(name, fn)),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}
	log.Info().Str("job", name).Dur("interval", interval).Msg("Periodic job scheduled")
	return nil
}

// After runs fn once after delay. A pending task under the same key is replaced.
func (s *Scheduler) After(key string, delay time.Duration, fn func()) {
	start := gocron.OneTimeJobStartImmediately()
	if delay > 10*time.Millisecond {
		start = gocron.OneTimeJobStartDateTime(time.Now().Add(delay))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.pending[key]; ok {
		_ = s.cron.RemoveJob(id)
		delete(s.pending, key)
	}

	var id uuid.UUID
	task := func() {
		s.mu.Lock()
		if cur, ok := s.pending[key]; ok && cur == id {
			delete(s.pending, key)
		}
		s.mu.Unlock()
		s.guard(key, fn)()
	}

	job, err := s.cron.NewJob(
		gocron.OneTimeJob(start),
		gocron.NewTask(task),
		gocron.WithName(key),
	)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("Failed to schedule task")
		return
	}
	id = job.ID()
	s.pending[key] = id
}

// Cancel removes the pending task under key. Cancelling an unknown or
// already-run key is a no-op.
func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.pending[key]; ok {
		_ = s.cron.RemoveJob(id)
		delete(s.pending, key)
	}
}

// Pending reports the number of one-shot tasks not yet run.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Scheduler) guard(name string, fn func()) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("job", name).Msg("Scheduled job panicked")
			}
		}()
		fn()
	}
}
