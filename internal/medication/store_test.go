package medication

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "medication.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsert_AndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	id, err := s.insert(ctx, insertFields{
		name: "Lisinopril", dosage: "10mg", quantity: 30, lowQuantityDays: 7, dosesPerDay: 1,
		scheduleRaw: "daily at 8am", timezone: "UTC", diagnostics: "",
	}, now)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	m, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if m.Name != "Lisinopril" || m.QuantityRemaining != 30 {
		t.Errorf("Get = %+v, want Lisinopril/30", m)
	}
}

func TestApplyDoseTaken_DecrementsAndFlagsLow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	id, _ := s.insert(ctx, insertFields{
		name: "Lisinopril", quantity: 2, lowQuantityDays: 7, dosesPerDay: 1, scheduleRaw: "daily at 8am", timezone: "UTC",
	}, now)

	remaining, low, err := s.ApplyDoseTaken(ctx, id, now)
	if err != nil {
		t.Fatalf("ApplyDoseTaken: %v", err)
	}
	if remaining != 1 {
		t.Errorf("remaining = %d, want 1", remaining)
	}
	if !low {
		t.Error("low = false, want true (1 <= 7*1)")
	}

	m, _ := s.Get(ctx, id)
	if m.LastTakenAt == nil || !m.LastTakenAt.Equal(now) {
		t.Errorf("LastTakenAt = %v, want %v", m.LastTakenAt, now)
	}
}

func TestApplyDoseTaken_FloorsAtZero(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	id, _ := s.insert(ctx, insertFields{name: "X", quantity: 0, dosesPerDay: 1, scheduleRaw: "daily at 8am", timezone: "UTC"}, now)
	remaining, _, err := s.ApplyDoseTaken(ctx, id, now)
	if err != nil {
		t.Fatalf("ApplyDoseTaken: %v", err)
	}
	if remaining != 0 {
		t.Errorf("remaining = %d, want 0", remaining)
	}
}

func TestDiagnostics_RoundTripThroughJoinSplit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	diags := []string{"unrecognized schedule string", "defaulted to daily at 09:00"}
	id, _ := s.insert(ctx, insertFields{
		name: "X", dosesPerDay: 1, scheduleRaw: "bogus", timezone: "UTC", diagnostics: joinDiagnostics(diags),
	}, now)

	m, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(m.ScheduleDiagnostics) != 2 || m.ScheduleDiagnostics[0] != diags[0] || m.ScheduleDiagnostics[1] != diags[1] {
		t.Errorf("ScheduleDiagnostics = %v, want %v", m.ScheduleDiagnostics, diags)
	}
}

func TestDelete_RemovesRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	id, _ := s.insert(ctx, insertFields{name: "X", dosesPerDay: 1, scheduleRaw: "daily at 8am", timezone: "UTC"}, now)
	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, id); err == nil {
		t.Error("Get after Delete: expected not-found error")
	}
}
