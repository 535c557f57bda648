package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// TickFunc is invoked on every firing with the calendar date of the firing in the scheduler's timezone.
type TickFunc func(ctx context.Context, date time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Name         string
	Cron         string
	Location     *time.Location
	StartupDelay time.Duration
	WeekdaysOnly bool
}

// Scheduler drives cron-timed execution of the daily jobs.
type Scheduler struct {
	opts     Options
	schedule cron.Schedule
	now      func() time.Time
	logger   zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) (*Scheduler, error) {
	schedule, err := cron.ParseStandard(opts.Cron)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", opts.Cron, err)
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Name == "" {
		opts.Name = "daily"
	}
	return &Scheduler{
		opts:     opts,
		schedule: schedule,
		now:      time.Now,
		logger:   logger.With().Str("component", "scheduler").Str("job", opts.Name).Logger(),
	}, nil
}

// Run blocks, invoking the tick function at each cron firing until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	for {
		next := s.Next(s.now())
		timer := time.NewTimer(time.Until(next))
		s.logger.Info().Time("next_run", next).Msg("waiting for next run")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		date := CalendarDate(next, s.opts.Location)
		s.logger.Info().Str("date", date.Format(time.DateOnly)).Msg("executing scheduled run")

		if err := tick(ctx, date); err != nil {
			s.logger.Error().Err(err).Str("date", date.Format(time.DateOnly)).Msg("scheduled run failed")
		}
	}
}

// Next returns the next firing strictly after now. With WeekdaysOnly set, firings
// whose calendar date falls on a weekend are passed over.
func (s *Scheduler) Next(now time.Time) time.Time {
	next := s.schedule.Next(now.In(s.opts.Location))
	if !s.opts.WeekdaysOnly {
		return next
	}
	for i := 0; i < 14; i++ {
		switch next.Weekday() {
		case time.Saturday, time.Sunday:
			next = s.schedule.Next(next)
		default:
			return next
		}
	}
	return next
}

// CalendarDate returns midnight UTC of t's calendar day as observed in loc.
func CalendarDate(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
