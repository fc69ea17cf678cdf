// Package schedule submits analyze tasks for a fixed URL on a cron schedule.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"scenereel/fetch"
	"scenereel/task"
)

const checkInterval = 15 * time.Second

// Submitter queues a task; task.Manager implements it.
type Submitter interface {
	Submit(ctx context.Context, src task.Source) (task.Task, error)
}

// Job analyses URL whenever CronExpr fires.
type Job struct {
	Name     string
	CronExpr string
	URL      string
}

type entry struct {
	job      Job
	schedule cron.Schedule
	next     time.Time
}

// Scheduler fires cron jobs from a polling loop.
type Scheduler struct {
	submitter Submitter
	logger    zerolog.Logger
	entries   []*entry
	interval  time.Duration
	now       func() time.Time
}

// New parses every job up front; an invalid expression or URL fails here
// rather than at the first firing.
func New(submitter Submitter, logger zerolog.Logger, jobs ...Job) (*Scheduler, error) {
	return newScheduler(submitter, logger, time.Now, jobs...)
}

func newScheduler(submitter Submitter, logger zerolog.Logger, now func() time.Time, jobs ...Job) (*Scheduler, error) {
	s := &Scheduler{
		submitter: submitter,
		logger:    logger.With().Str("component", "scheduler").Logger(),
		interval:  checkInterval,
		now:       now,
	}
	for _, job := range jobs {
		schedule, err := cron.ParseStandard(job.CronExpr)
		if err != nil {
			return nil, fmt.Errorf("parse cron %q for job %q: %w", job.CronExpr, job.Name, err)
		}
		if err := fetch.ValidateURL(job.URL); err != nil {
			return nil, fmt.Errorf("job %q: %w", job.Name, err)
		}
		s.entries = append(s.entries, &entry{job: job, schedule: schedule, next: schedule.Next(s.now())})
	}
	return s, nil
}

// Run is the polling loop. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for _, e := range s.entries {
		s.logger.Info().Str("job", e.job.Name).Time("next_run", e.next).Msg("job scheduled")
	}

	// Run once immediately before waiting for the first tick.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick submits every due job once, however many firings it missed, and moves
// it to its next time after now.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	for _, e := range s.entries {
		if now.Before(e.next) {
			continue
		}
		e.next = e.schedule.Next(now)

		t, err := s.submitter.Submit(ctx, task.Source{URL: e.job.URL})
		if err != nil {
			s.logger.Error().Err(err).Str("job", e.job.Name).Msg("scheduled submission failed")
			continue
		}
		s.logger.Info().
			Str("job", e.job.Name).
			Str("task", t.ID).
			Time("next_run", e.next).
			Msg("scheduled task submitted")
	}
}
