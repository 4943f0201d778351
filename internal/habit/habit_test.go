package habit

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "habit.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreate_AndGetForMed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	medID := int64(7)
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	id, err := s.Create(ctx, "Lisinopril", FrequencyDaily, &medID, now)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	h, err := s.GetForMed(ctx, medID)
	if err != nil {
		t.Fatalf("GetForMed: %v", err)
	}
	if h == nil || h.ID != id {
		t.Fatalf("GetForMed = %+v, want habit %d", h, id)
	}
}

func TestGetForMed_NoneLinked(t *testing.T) {
	s := newTestStore(t)
	h, err := s.GetForMed(context.Background(), 999)
	if err != nil {
		t.Fatalf("GetForMed: %v", err)
	}
	if h != nil {
		t.Errorf("expected nil habit, got %+v", h)
	}
}

func TestRecordCompletion_SameDayIncrementsCountNotRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	id, _ := s.Create(ctx, "Lisinopril", FrequencyDaily, nil, now)

	if err := s.RecordCompletion(ctx, id, "2026-07-31", nil, now); err != nil {
		t.Fatalf("RecordCompletion (1st): %v", err)
	}
	if err := s.RecordCompletion(ctx, id, "2026-07-31", nil, now); err != nil {
		t.Fatalf("RecordCompletion (2nd): %v", err)
	}

	completions, err := s.ListCompletions(ctx, id, "2026-07-31", "2026-07-31")
	if err != nil {
		t.Fatalf("ListCompletions: %v", err)
	}
	if len(completions) != 1 {
		t.Fatalf("completions = %d rows, want 1", len(completions))
	}
	if completions[0].Count != 2 {
		t.Errorf("Count = %d, want 2", completions[0].Count)
	}

	h, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if h.TotalCompletions != 1 {
		t.Errorf("TotalCompletions = %d, want 1 (only the first day counts toward the total)", h.TotalCompletions)
	}
	if h.CurrentStreak != 1 {
		t.Errorf("CurrentStreak = %d, want 1", h.CurrentStreak)
	}
}

func TestRecordCompletion_DifferentDaysAccumulateStreak(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	id, _ := s.Create(ctx, "Lisinopril", FrequencyDaily, nil, now)

	s.RecordCompletion(ctx, id, "2026-07-30", nil, now)
	s.RecordCompletion(ctx, id, "2026-07-31", nil, now)

	h, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if h.CurrentStreak != 2 {
		t.Errorf("CurrentStreak = %d, want 2", h.CurrentStreak)
	}
	if h.LongestStreak != 2 {
		t.Errorf("LongestStreak = %d, want 2", h.LongestStreak)
	}
}

func TestRecordCompletion_GapResetsStreakToOne(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	id, _ := s.Create(ctx, "Walk", FrequencyDaily, nil, now)

	s.RecordCompletion(ctx, id, "2026-07-01", nil, now)
	s.RecordCompletion(ctx, id, "2026-07-30", nil, now) // 29-day gap, no linked medication to break it

	h, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if h.CurrentStreak != 1 {
		t.Errorf("CurrentStreak = %d, want 1 after a gap", h.CurrentStreak)
	}
	if h.LongestStreak != 1 {
		t.Errorf("LongestStreak = %d, want 1", h.LongestStreak)
	}
	if h.TotalCompletions != 2 {
		t.Errorf("TotalCompletions = %d, want 2", h.TotalCompletions)
	}
}

func TestBreakStreak_ResetsCurrentOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	id, _ := s.Create(ctx, "Lisinopril", FrequencyDaily, nil, now)
	s.RecordCompletion(ctx, id, "2026-07-31", nil, now)

	if err := s.BreakStreak(ctx, id); err != nil {
		t.Fatalf("BreakStreak: %v", err)
	}
	h, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if h.CurrentStreak != 0 {
		t.Errorf("CurrentStreak = %d, want 0", h.CurrentStreak)
	}
	if h.LongestStreak != 1 {
		t.Errorf("LongestStreak = %d, want 1 (unaffected by BreakStreak)", h.LongestStreak)
	}
}
