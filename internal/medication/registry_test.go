package medication

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/kiloguardian/kiloguardian/internal/clock"
	"github.com/kiloguardian/kiloguardian/internal/eventbus"
	"github.com/kiloguardian/kiloguardian/internal/habit"
	"github.com/kiloguardian/kiloguardian/internal/reminder"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestRegistry(t *testing.T, start time.Time) (*Registry, *reminder.Store, *habit.Store, *clock.Virtual) {
	t.Helper()
	dir := t.TempDir()

	store, err := Open(filepath.Join(dir, "meds.db"))
	if err != nil {
		t.Fatalf("Open medication store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	rem, err := reminder.Open(filepath.Join(dir, "reminders.db"))
	if err != nil {
		t.Fatalf("reminder.Open: %v", err)
	}
	t.Cleanup(func() { rem.Close() })

	habits, err := habit.Open(filepath.Join(dir, "habits.db"))
	if err != nil {
		t.Fatalf("habit.Open: %v", err)
	}
	t.Cleanup(func() { habits.Close() })

	vc := clock.NewVirtual(start)
	bus := eventbus.New(eventbus.Config{}, discardLogger(), vc)

	return NewRegistry(store, rem, habits, bus, vc), rem, habits, vc
}

func TestCreate_ProvisionsHabitAndInitialReminder(t *testing.T) {
	start := time.Date(2026, 7, 31, 7, 0, 0, 0, time.UTC)
	reg, rem, habits, _ := newTestRegistry(t, start)
	ctx := context.Background()

	id, err := reg.Create(ctx, CreateInput{
		Name: "Lisinopril", Dosage: "10mg", QuantityRemaining: 30,
		ScheduleRaw: "daily at 8am", Timezone: "UTC",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	h, err := habits.GetForMed(ctx, id)
	if err != nil {
		t.Fatalf("GetForMed: %v", err)
	}
	if h == nil {
		t.Fatal("expected a habit to be provisioned")
	}

	scheduled, err := rem.ListScheduledForMed(ctx, id)
	if err != nil {
		t.Fatalf("ListScheduledForMed: %v", err)
	}
	if len(scheduled) != 1 {
		t.Fatalf("scheduled reminders = %d, want 1", len(scheduled))
	}
	want := time.Date(2026, 7, 31, 8, 0, 0, 0, time.UTC)
	if !scheduled[0].FiringTime.Equal(want) {
		t.Errorf("FiringTime = %v, want %v", scheduled[0].FiringTime, want)
	}
	if scheduled[0].Recurrence != reminder.RecurrenceDaily {
		t.Errorf("Recurrence = %q, want daily", scheduled[0].Recurrence)
	}
}

func TestCreate_UnparseableScheduleFallsBackWithDiagnostics(t *testing.T) {
	start := time.Date(2026, 7, 31, 7, 0, 0, 0, time.UTC)
	reg, _, _, _ := newTestRegistry(t, start)
	ctx := context.Background()

	id, err := reg.Create(ctx, CreateInput{Name: "X", ScheduleRaw: "whenever I feel like it", Timezone: "UTC"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	m, err := reg.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(m.ScheduleDiagnostics) == 0 {
		t.Error("expected non-empty ScheduleDiagnostics for an unparseable schedule")
	}
}

func TestUpdate_ScheduleChangeCancelsAndReprovisions(t *testing.T) {
	start := time.Date(2026, 7, 31, 7, 0, 0, 0, time.UTC)
	reg, rem, _, _ := newTestRegistry(t, start)
	ctx := context.Background()

	id, err := reg.Create(ctx, CreateInput{Name: "X", ScheduleRaw: "daily at 8am", Timezone: "UTC"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := reg.Update(ctx, id, UpdateInput{Name: "X", ScheduleRaw: "daily at 9pm", Timezone: "UTC"}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	scheduled, err := rem.ListScheduledForMed(ctx, id)
	if err != nil {
		t.Fatalf("ListScheduledForMed: %v", err)
	}
	if len(scheduled) != 1 {
		t.Fatalf("scheduled reminders after update = %d, want 1", len(scheduled))
	}
	want := time.Date(2026, 7, 31, 21, 0, 0, 0, time.UTC)
	if !scheduled[0].FiringTime.Equal(want) {
		t.Errorf("FiringTime after update = %v, want %v", scheduled[0].FiringTime, want)
	}
}

func TestDecommission_CascadesReminderAndHabit(t *testing.T) {
	start := time.Date(2026, 7, 31, 7, 0, 0, 0, time.UTC)
	reg, rem, habits, _ := newTestRegistry(t, start)
	ctx := context.Background()

	id, _ := reg.Create(ctx, CreateInput{Name: "X", ScheduleRaw: "daily at 8am", Timezone: "UTC"})

	if err := reg.Decommission(ctx, id); err != nil {
		t.Fatalf("Decommission: %v", err)
	}

	if _, err := reg.Get(ctx, id); err == nil {
		t.Error("Get after Decommission: expected not-found")
	}
	scheduled, _ := rem.ListScheduledForMed(ctx, id)
	if len(scheduled) != 0 {
		t.Errorf("scheduled reminders after decommission = %d, want 0", len(scheduled))
	}
	h, err := habits.GetForMed(ctx, id)
	if err != nil {
		t.Fatalf("GetForMed: %v", err)
	}
	if h != nil {
		t.Error("expected habit to be deleted on decommission")
	}
}

func TestApplyDoseTaken_ThroughRegistry(t *testing.T) {
	start := time.Date(2026, 7, 31, 7, 0, 0, 0, time.UTC)
	reg, _, _, _ := newTestRegistry(t, start)
	ctx := context.Background()

	id, _ := reg.Create(ctx, CreateInput{Name: "X", QuantityRemaining: 5, ScheduleRaw: "daily at 8am", Timezone: "UTC"})

	remaining, _, err := reg.ApplyDoseTaken(ctx, id)
	if err != nil {
		t.Fatalf("ApplyDoseTaken: %v", err)
	}
	if remaining != 4 {
		t.Errorf("remaining = %d, want 4", remaining)
	}
}
