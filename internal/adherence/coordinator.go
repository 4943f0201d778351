// Package adherence is the state machine tying reminders, medications,
// and habits together (spec §4.5) — the heart of the system. It owns
// every reminder-state transition after creation, the grace-deadline
// worker, and the adherence-event ledger.
package adherence

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kiloguardian/kiloguardian/internal/clock"
	"github.com/kiloguardian/kiloguardian/internal/eventbus"
	"github.com/kiloguardian/kiloguardian/internal/habit"
	"github.com/kiloguardian/kiloguardian/internal/kgerrors"
	"github.com/kiloguardian/kiloguardian/internal/reminder"
)

// MedicationUpdater is the narrow in-process interface the coordinator
// uses to apply a confirmed dose to its owning medication, without
// reading the medication registry's tables directly (spec §3, "Cross-
// component reads go through the gateway or via the event bus;
// components never read each other's tables directly").
type MedicationUpdater interface {
	ApplyDoseTaken(ctx context.Context, medID int64) (quantityRemaining int, lowQuantity bool, err error)
}

// Config tunes the state machine's timing knobs (spec §4.5, §6).
type Config struct {
	SnoozeMinutes   int
	MaxSnoozes      int
	PreConfirmGrace time.Duration // how early a confirm may precede the canonical firing time
}

func (c Config) withDefaults() Config {
	if c.SnoozeMinutes <= 0 {
		c.SnoozeMinutes = 15
	}
	if c.MaxSnoozes <= 0 {
		c.MaxSnoozes = 3
	}
	if c.PreConfirmGrace <= 0 {
		c.PreConfirmGrace = 15 * time.Minute
	}
	return c
}

// Coordinator is the sole mutator of reminder state after creation.
type Coordinator struct {
	cfg    Config
	rem    *reminder.Store
	habits *habit.Store
	events *EventStore
	meds   MedicationUpdater
	bus    *eventbus.Bus
	clk    clock.Clock
	logger *slog.Logger

	heapMu sync.Mutex
	pq     graceHeap
	wake   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Coordinator. Call Start to launch the grace-deadline
// worker before any reminders are fired.
func New(cfg Config, rem *reminder.Store, habits *habit.Store, events *EventStore, meds MedicationUpdater, bus *eventbus.Bus, clk clock.Clock, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		cfg:    cfg.withDefaults(),
		rem:    rem,
		habits: habits,
		events: events,
		meds:   meds,
		bus:    bus,
		clk:    clk,
		logger: logger,
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start re-arms the grace-deadline heap with every fired reminder still
// within its grace window (spec §4.9) and launches the single dedicated
// grace-deadline worker task (spec §9).
func (c *Coordinator) Start(ctx context.Context) error {
	withinGrace, err := c.rem.ListFiredStillWithinGrace(ctx, c.clk.Now())
	if err != nil {
		return fmt.Errorf("list fired-within-grace on startup: %w", err)
	}
	for _, r := range withinGrace {
		deadline := r.FiredAt.Add(time.Duration(r.GraceWindowMinutes) * time.Minute)
		c.armGraceDeadline(r.ID, deadline)
	}
	go c.graceWorker(ctx)
	return nil
}

// Stop halts the grace-deadline worker.
func (c *Coordinator) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

// HandleFired is called by the reminder scheduler for every row it just
// claimed (spec §4.5, "fire is invoked by the scheduler exactly for rows
// it just claimed"). The scheduler already set fired_at and transitioned
// the row to fired via claim_due; HandleFired emits the event and arms
// the grace deadline.
func (c *Coordinator) HandleFired(ctx context.Context, r *reminder.Reminder) error {
	c.bus.Publish(eventbus.Event{
		Topic: eventbus.TopicReminderFired,
		Data: map[string]any{
			"reminder_id": r.ID,
			"med_id":      r.MedID,
			"fired_at":    r.FiredAt,
		},
	})
	if r.FiredAt == nil {
		return fmt.Errorf("reminder %d has no fired_at set", r.ID)
	}
	deadline := r.FiredAt.Add(time.Duration(r.GraceWindowMinutes) * time.Minute)
	c.armGraceDeadline(r.ID, deadline)
	return nil
}

// Confirm is invoked by the gateway in response to user action (spec
// §4.5 "confirm"). Precondition: current state in {fired, missed}.
func (c *Coordinator) Confirm(ctx context.Context, reminderID int64, at time.Time) error {
	r, err := c.rem.Get(ctx, reminderID)
	if err != nil {
		return err
	}
	if r.State == reminder.StateConfirmed {
		return nil // idempotent re-invocation
	}
	if r.State != reminder.StateFired && r.State != reminder.StateMissed {
		return kgerrors.Conflict{Kind: "reminder", ID: fmt.Sprint(reminderID), CurrentState: string(r.State), Reason: "confirm requires fired or missed"}
	}

	minutesLate := int(at.Sub(r.FiringTime).Minutes())
	if -minutesLate > int(c.cfg.PreConfirmGrace.Minutes()) {
		return kgerrors.Validation{Field: "confirmed_at", Reason: "more than 15 minutes early"}
	}

	wasMissed := r.State == reminder.StateMissed
	c.cancelGraceDeadline(reminderID)

	if _, err := c.rem.MarkConfirmed(ctx, reminderID, at); err != nil {
		return err
	}

	kind := EventTaken
	if wasMissed {
		kind = EventLate
	}

	var quantityRemaining int
	var lowQuantity bool
	if r.MedID != nil {
		quantityRemaining, lowQuantity, err = c.meds.ApplyDoseTaken(ctx, *r.MedID)
		if err != nil {
			c.logger.Error("failed to apply dose to medication quantity", "reminder_id", reminderID, "med_id", *r.MedID, "error", err)
		}
	}

	if r.HabitID != nil {
		date := at.Format("2006-01-02")
		if err := c.habits.RecordCompletion(ctx, *r.HabitID, date, &reminderID, at); err != nil {
			c.logger.Error("failed to record habit completion", "reminder_id", reminderID, "habit_id", *r.HabitID, "error", err)
		}
	}

	tx, err := c.events.DB().BeginTx(ctx, nil)
	if err == nil {
		ml := minutesLate
		_, appendErr := AppendTx(ctx, tx, Event{
			MedID: r.MedID, ReminderID: reminderID, Kind: kind,
			ScheduledAt: r.FiringTime, ActualAt: &at, MinutesLate: &ml,
		}, at)
		if appendErr != nil {
			tx.Rollback()
			c.logger.Error("failed to append adherence event", "reminder_id", reminderID, "error", appendErr)
		} else if err := tx.Commit(); err != nil {
			c.logger.Error("failed to commit adherence event", "reminder_id", reminderID, "error", err)
		}
	}

	topic := eventbus.TopicDoseTaken
	if kind == EventLate {
		topic = eventbus.TopicDoseLate
	}
	c.bus.Publish(eventbus.Event{Topic: topic, Data: map[string]any{
		"reminder_id": reminderID, "med_id": r.MedID, "minutes_late": minutesLate,
	}})
	if r.HabitID != nil {
		c.bus.Publish(eventbus.Event{Topic: eventbus.TopicHabitCompleted, Data: map[string]any{
			"habit_id": *r.HabitID, "reminder_id": reminderID,
		}})
	}
	if lowQuantity && r.MedID != nil {
		c.bus.Publish(eventbus.Event{Topic: eventbus.TopicQuantityLow, Data: map[string]any{
			"med_id": *r.MedID, "quantity_remaining": quantityRemaining,
		}})
	}
	return nil
}

// Snooze is invoked by user action (spec §4.5 "snooze"). Precondition:
// current state = fired and snooze_count < MaxSnoozes.
func (c *Coordinator) Snooze(ctx context.Context, reminderID int64) error {
	r, err := c.rem.Get(ctx, reminderID)
	if err != nil {
		return err
	}
	if r.State != reminder.StateFired {
		return kgerrors.Conflict{Kind: "reminder", ID: fmt.Sprint(reminderID), CurrentState: string(r.State), Reason: "snooze requires fired"}
	}
	if r.SnoozeCount >= c.cfg.MaxSnoozes {
		return kgerrors.Validation{Field: "snooze_count", Reason: "maximum snoozes reached"}
	}

	c.cancelGraceDeadline(reminderID)
	newTime := c.clk.Now().Add(time.Duration(c.cfg.SnoozeMinutes) * time.Minute)
	if _, err := c.rem.Snooze(ctx, reminderID, newTime); err != nil {
		return err
	}
	c.bus.Publish(eventbus.Event{Topic: eventbus.TopicReminderSnoozed, Data: map[string]any{
		"reminder_id": reminderID, "next_firing": newTime,
	}})
	return nil
}

// graceElapsed is invoked by the grace-deadline worker when a fired
// reminder's grace window passes without confirmation (spec §4.5
// "grace-elapsed"). Idempotent: already-missed or already-confirmed is
// a no-op.
func (c *Coordinator) graceElapsed(ctx context.Context, reminderID int64) {
	r, err := c.rem.Get(ctx, reminderID)
	if err != nil {
		c.logger.Error("grace-elapsed: failed to load reminder", "reminder_id", reminderID, "error", err)
		return
	}
	if r.State != reminder.StateFired {
		return
	}
	if _, err := c.rem.MarkMissed(ctx, reminderID); err != nil {
		c.logger.Error("grace-elapsed: mark_missed failed", "reminder_id", reminderID, "error", err)
		return
	}

	tx, err := c.events.DB().BeginTx(ctx, nil)
	if err == nil {
		now := c.clk.Now()
		_, appendErr := AppendTx(ctx, tx, Event{
			MedID: r.MedID, ReminderID: reminderID, Kind: EventMissed, ScheduledAt: r.FiringTime,
		}, now)
		if appendErr != nil {
			tx.Rollback()
		} else {
			tx.Commit()
		}
	}

	if r.HabitID != nil {
		if err := c.habits.BreakStreak(ctx, *r.HabitID); err != nil {
			c.logger.Error("grace-elapsed: break_streak failed", "habit_id", *r.HabitID, "error", err)
		}
	}

	c.bus.Publish(eventbus.Event{Topic: eventbus.TopicDoseMissed, Data: map[string]any{
		"reminder_id": reminderID, "med_id": r.MedID,
	}})
}

// graceHeapItem pairs a grace deadline with the reminder it belongs to.
type graceHeapItem struct {
	deadline   time.Time
	reminderID int64
	index      int
}

type graceHeap []*graceHeapItem

func (h graceHeap) Len() int            { return len(h) }
func (h graceHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h graceHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *graceHeap) Push(x any) {
	item := x.(*graceHeapItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *graceHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// armGraceDeadline inserts or replaces the heap entry for reminderID and
// wakes the worker so it can re-evaluate its sleep.
func (c *Coordinator) armGraceDeadline(reminderID int64, deadline time.Time) {
	c.heapMu.Lock()
	c.removeFromHeapLocked(reminderID)
	heap.Push(&c.pq, &graceHeapItem{deadline: deadline, reminderID: reminderID})
	c.heapMu.Unlock()
	c.signalWake()
}

// cancelGraceDeadline removes reminderID's heap entry, if present (spec
// §4.5: "the original grace deadline is cancelled" on snooze, and
// confirm must not let a stale deadline fire afterward).
func (c *Coordinator) cancelGraceDeadline(reminderID int64) {
	c.heapMu.Lock()
	c.removeFromHeapLocked(reminderID)
	c.heapMu.Unlock()
	c.signalWake()
}

func (c *Coordinator) removeFromHeapLocked(reminderID int64) {
	for i, item := range c.pq {
		if item.reminderID == reminderID {
			heap.Remove(&c.pq, i)
			return
		}
	}
}

func (c *Coordinator) signalWake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// graceWorker is the single dedicated task maintaining the grace-
// deadline min-heap (spec §9, "Coroutine control flow for the grace
// deadline"): it sleeps until the next deadline and wakes early on
// inserts/cancels via c.wake.
func (c *Coordinator) graceWorker(ctx context.Context) {
	defer close(c.doneCh)
	for {
		c.heapMu.Lock()
		var sleep time.Duration
		hasNext := len(c.pq) > 0
		if hasNext {
			sleep = c.pq[0].deadline.Sub(c.clk.Now())
			if sleep < 0 {
				sleep = 0
			}
		}
		c.heapMu.Unlock()

		var timerC <-chan time.Time
		var timer clock.Timer
		if hasNext {
			timer = c.clk.NewTimer(sleep)
			timerC = timer.C()
		}

		select {
		case <-c.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-c.wake:
			if timer != nil {
				timer.Stop()
			}
			continue
		case <-waitOrBlock(timerC):
			c.fireDueDeadlines(ctx)
		}
	}
}

// waitOrBlock returns ch if non-nil, or a channel that never fires —
// used so the select above can omit the timer case entirely when the
// heap is empty without a second select statement.
func waitOrBlock(ch <-chan time.Time) <-chan time.Time {
	if ch != nil {
		return ch
	}
	return make(chan time.Time)
}

func (c *Coordinator) fireDueDeadlines(ctx context.Context) {
	now := c.clk.Now()
	for {
		c.heapMu.Lock()
		if len(c.pq) == 0 || c.pq[0].deadline.After(now) {
			c.heapMu.Unlock()
			return
		}
		item := heap.Pop(&c.pq).(*graceHeapItem)
		c.heapMu.Unlock()
		c.graceElapsed(ctx, item.reminderID)
	}
}
