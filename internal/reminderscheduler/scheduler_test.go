package reminderscheduler

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/kiloguardian/kiloguardian/internal/clock"
	"github.com/kiloguardian/kiloguardian/internal/reminder"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, nil))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestScheduler(t *testing.T, start time.Time) (*Scheduler, *reminder.Store, *clock.Virtual) {
	t.Helper()
	dir := t.TempDir()
	store, err := reminder.Open(filepath.Join(dir, "reminders.db"))
	if err != nil {
		t.Fatalf("reminder.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	vc := clock.NewVirtual(start)
	sched := New(Config{PollInterval: time.Second, BatchSize: 10}, store, vc, discardLogger(), 16)
	return sched, store, vc
}

func TestPollOnce_ClaimsDueReminderAndPublishesToOut(t *testing.T) {
	start := time.Date(2026, 7, 31, 7, 59, 0, 0, time.UTC)
	sched, store, vc := newTestScheduler(t, start)
	ctx := context.Background()

	store.Create(ctx, reminder.Spec{
		FiringTime: time.Date(2026, 7, 31, 8, 0, 0, 0, time.UTC),
		Timezone:   "UTC", Recurrence: reminder.RecurrenceDaily, CadenceRaw: "daily at 08:00",
	}, start)

	vc.Set(time.Date(2026, 7, 31, 8, 0, 0, 0, time.UTC))
	sched.pollOnce(ctx)

	select {
	case r := <-sched.Out():
		if r.State != reminder.StateFired {
			t.Errorf("State = %q, want fired", r.State)
		}
	default:
		t.Fatal("expected a reminder on Out()")
	}
}

func TestPollOnce_AdvancesRecurringChain(t *testing.T) {
	start := time.Date(2026, 7, 31, 7, 59, 0, 0, time.UTC)
	sched, store, vc := newTestScheduler(t, start)
	ctx := context.Background()

	store.Create(ctx, reminder.Spec{
		FiringTime: time.Date(2026, 7, 31, 8, 0, 0, 0, time.UTC),
		Timezone:   "UTC", Recurrence: reminder.RecurrenceDaily, CadenceRaw: "daily at 08:00",
	}, start)

	vc.Set(time.Date(2026, 7, 31, 8, 0, 0, 0, time.UTC))
	sched.pollOnce(ctx)
	<-sched.Out()

	due, err := store.ClaimDue(ctx, time.Date(2026, 8, 1, 8, 0, 0, 0, time.UTC), 10)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected the chain's next row to be claimable the following day, got %d", len(due))
	}
}

func TestPollOnce_DeferredWhenQueueSaturated(t *testing.T) {
	start := time.Date(2026, 7, 31, 7, 59, 0, 0, time.UTC)
	dir := t.TempDir()
	store, err := reminder.Open(filepath.Join(dir, "reminders.db"))
	if err != nil {
		t.Fatalf("reminder.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	vc := clock.NewVirtual(start)
	sched := New(Config{PollInterval: time.Second, BatchSize: 10}, store, vc, discardLogger(), 1)
	ctx := context.Background()

	store.Create(ctx, reminder.Spec{
		FiringTime: time.Date(2026, 7, 31, 8, 0, 0, 0, time.UTC),
		Timezone:   "UTC", Recurrence: reminder.RecurrenceNone,
	}, start)
	store.Create(ctx, reminder.Spec{
		FiringTime: time.Date(2026, 7, 31, 8, 1, 0, 0, time.UTC),
		Timezone:   "UTC", Recurrence: reminder.RecurrenceNone,
	}, start)

	vc.Set(time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC))
	sched.pollOnce(ctx)

	// Queue capacity 1: only one of the two due reminders should have been
	// claimed; the other must remain scheduled (never dropped).
	<-sched.Out()
	remaining, err := store.ClaimDue(ctx, time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC), 10)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected the deferred reminder to still be claimable, got %d", len(remaining))
	}
}
