// Package reminderscheduler drives due reminders out of the reminder
// store into the adherence coordinator (spec §4.3). It is a single
// long-running loop, deliberately not parallelized, so that claim_due
// stays the one serialization point that rules out double-firing;
// consuming the handoff queue is left to the caller (cmd/kiloguardian
// drains it in one goroutine that calls the coordinator's HandleFired).
package reminderscheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/kiloguardian/kiloguardian/internal/clock"
	"github.com/kiloguardian/kiloguardian/internal/reminder"
	"github.com/kiloguardian/kiloguardian/internal/schedule"
)

// Config tunes the poll loop (spec §6).
type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	return c
}

// Scheduler is the single dedicated poll-loop task.
type Scheduler struct {
	cfg    Config
	store  *reminder.Store
	clk    clock.Clock
	logger *slog.Logger

	out chan *reminder.Reminder

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Scheduler. queueCapacity bounds the handoff channel
// (spec §4.3, "bounded-capacity work queue"); when it is saturated the
// loop defers the next claim rather than dropping work, leaving rows in
// state scheduled.
func New(cfg Config, store *reminder.Store, clk clock.Clock, logger *slog.Logger, queueCapacity int) *Scheduler {
	if queueCapacity <= 0 {
		queueCapacity = 256
	}
	return &Scheduler{
		cfg:    cfg.withDefaults(),
		store:  store,
		clk:    clk,
		logger: logger,
		out:    make(chan *reminder.Reminder, queueCapacity),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Out returns the channel of just-fired reminders. In cmd/kiloguardian a
// single goroutine is its sole consumer, handing each reminder to the
// adherence coordinator's HandleFired.
func (s *Scheduler) Out() <-chan *reminder.Reminder { return s.out }

// Start reconciles stale fired rows (spec §4.9) and launches the poll
// loop in the background.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.reconcileOnStartup(ctx); err != nil {
		return err
	}
	go s.loop(ctx)
	return nil
}

// Stop halts the poll loop and waits for it to exit.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// reconcileOnStartup transitions any fired reminder whose grace deadline
// already passed into missed before the loop begins (spec §4.9). Rows
// still within their grace window are left for the adherence
// coordinator's own restart reconciliation to re-arm in its heap.
func (s *Scheduler) reconcileOnStartup(ctx context.Context) error {
	now := s.clk.Now()
	stale, err := s.store.ListFiredBeforeDeadline(ctx, now)
	if err != nil {
		return err
	}
	for _, r := range stale {
		if _, err := s.store.MarkMissed(ctx, r.ID); err != nil {
			s.logger.Error("startup reconciliation: mark_missed failed", "reminder_id", r.ID, "error", err)
			continue
		}
		s.logger.Info("startup reconciliation: marked stale fired reminder as missed", "reminder_id", r.ID)
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)
	for {
		timer := s.clk.NewTimer(s.cfg.PollInterval)
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}

		s.pollOnce(ctx)
	}
}

// pollOnce implements spec §4.3 steps 3-5: claim what fits in the
// remaining queue capacity, hand claimed rows to the coordinator, and
// advance each recurring chain's next scheduled row.
func (s *Scheduler) pollOnce(ctx context.Context) {
	for {
		free := cap(s.out) - len(s.out)
		if free <= 0 {
			return // queue saturated: defer the claim, never drop (spec §4.3 step 4)
		}
		limit := s.cfg.BatchSize
		if free < limit {
			limit = free
		}

		claimed, err := s.store.ClaimDue(ctx, s.clk.Now(), limit)
		if err != nil {
			s.logger.Error("claim_due failed", "error", err)
			return
		}
		if len(claimed) == 0 {
			return
		}

		for _, r := range claimed {
			select {
			case s.out <- r:
			case <-s.stopCh:
				return
			}
			s.advanceRecurrence(ctx, r)
		}

		if len(claimed) < limit {
			return
		}
	}
}

// advanceRecurrence inserts the next scheduled row for a recurring chain
// immediately after firing — the sole place recurring chains advance
// (spec §4.3 step 5). Ad-hoc (non-recurring) reminders have nothing to
// advance.
func (s *Scheduler) advanceRecurrence(ctx context.Context, fired *reminder.Reminder) {
	if fired.Recurrence == reminder.RecurrenceNone || fired.CadenceRaw == "" {
		return
	}
	cadence := schedule.Parse(fired.CadenceRaw, fired.Timezone)
	next, err := cadence.NextAfter(fired.FiringTime)
	if err != nil {
		s.logger.Error("could not compute next firing for recurring chain", "reminder_id", fired.ID, "error", err)
		return
	}
	_, err = s.store.Create(ctx, reminder.Spec{
		MedID:              fired.MedID,
		HabitID:            fired.HabitID,
		FiringTime:         next,
		Timezone:           fired.Timezone,
		Recurrence:         fired.Recurrence,
		CadenceRaw:         fired.CadenceRaw,
		GraceWindowMinutes: fired.GraceWindowMinutes,
	}, s.clk.Now())
	if err != nil {
		s.logger.Error("failed to insert next reminder in recurring chain", "reminder_id", fired.ID, "error", err)
	}
}
