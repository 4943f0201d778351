package coaching

import (
	"testing"
	"time"
)

func TestDetectWeekdayPatterns_LateOnWeekday(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC) // a Friday
	var samples []sample
	for i := 0; i < 5; i++ {
		samples = append(samples, sample{
			kind:        sampleLate,
			occurredAt:  now.AddDate(0, 0, -7*i), // every preceding Friday
			minutesLate: 20,
		})
	}

	got := detectWeekdayPatterns(1, samples, now)
	var found bool
	for _, p := range got {
		if p.Kind == PatternLateOnWeekday && p.Weekday != nil && *p.Weekday == time.Friday {
			found = true
			if p.MeanMinutesLate != 20 {
				t.Errorf("MeanMinutesLate = %v, want 20", p.MeanMinutesLate)
			}
		}
	}
	if !found {
		t.Error("expected a late_on_weekday pattern for Friday")
	}
}

func TestDetectWeekdayPatterns_BelowThreshold(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	samples := []sample{
		{kind: sampleLate, occurredAt: now.AddDate(0, 0, -7), minutesLate: 20},
		{kind: sampleLate, occurredAt: now.AddDate(0, 0, -14), minutesLate: 20},
	}
	got := detectWeekdayPatterns(1, samples, now)
	for _, p := range got {
		if p.Kind == PatternLateOnWeekday {
			t.Error("expected no late_on_weekday pattern with only 2 samples")
		}
	}
}

func TestDetectWeekdayPatterns_MissOnWeekday(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	var samples []sample
	for i := 0; i < 4; i++ {
		samples = append(samples, sample{kind: sampleMissed, occurredAt: now.AddDate(0, 0, -7*i)})
	}

	got := detectWeekdayPatterns(1, samples, now)
	var found bool
	for _, p := range got {
		if p.Kind == PatternMissOnWeekday {
			found = true
			if p.MissRate != 100 {
				t.Errorf("MissRate = %v, want 100", p.MissRate)
			}
		}
	}
	if !found {
		t.Error("expected a miss_on_weekday pattern")
	}
}

func TestDetectTrend_RequiresThreeWeeks(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	samples := []sample{
		{kind: sampleTaken, occurredAt: now.AddDate(0, 0, -1)},
		{kind: sampleTaken, occurredAt: now.AddDate(0, 0, -8)},
	}
	if p := detectTrend(1, samples, now); p != nil {
		t.Errorf("expected nil with only 2 weeks of data, got %+v", p)
	}
}

func TestDetectTrend_Improving(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	var samples []sample
	// Oldest weeks mostly missed, most recent weeks mostly taken.
	weeks := []struct {
		offsetDays int
		taken      bool
	}{
		{35, false}, {35, false}, {35, false},
		{28, false}, {28, false}, {28, true},
		{21, false}, {21, true}, {21, true},
		{14, true}, {14, true}, {14, false},
		{7, true}, {7, true}, {7, true},
		{1, true}, {1, true}, {1, true},
	}
	for _, w := range weeks {
		kind := sampleMissed
		if w.taken {
			kind = sampleTaken
		}
		samples = append(samples, sample{kind: kind, occurredAt: now.AddDate(0, 0, -w.offsetDays)})
	}

	p := detectTrend(1, samples, now)
	if p == nil {
		t.Fatal("expected an adherence trend pattern")
	}
	if p.Kind != PatternAdherenceTrendUp {
		t.Errorf("Kind = %v, want adherence_trend_up", p.Kind)
	}
}

func TestLinearRegressionSlope_Constant(t *testing.T) {
	if slope := linearRegressionSlope([]float64{0.5, 0.5, 0.5, 0.5}); slope != 0 {
		t.Errorf("slope of constant series = %v, want 0", slope)
	}
}

func TestRing_WrapsAndPreservesOrder(t *testing.T) {
	r := newRing(3)
	for i := 0; i < 5; i++ {
		r.push(sample{minutesLate: i})
	}
	items := r.items()
	if len(items) != 3 {
		t.Fatalf("len(items) = %d, want 3", len(items))
	}
	want := []int{2, 3, 4}
	for i, it := range items {
		if it.minutesLate != want[i] {
			t.Errorf("items[%d].minutesLate = %d, want %d", i, it.minutesLate, want[i])
		}
	}
}
