package coaching

import (
	"fmt"
	"math"
	"time"
)

// PatternKind enumerates the deterministic, rule-based detectors spec
// §4.6 names. Every kind is closed-set; the engine never invents new
// kinds at runtime.
type PatternKind string

const (
	PatternLateOnWeekday      PatternKind = "late_on_weekday"
	PatternMissOnWeekday      PatternKind = "miss_on_weekday"
	PatternAdherenceTrendUp   PatternKind = "adherence_trend_up"
	PatternAdherenceTrendDown PatternKind = "adherence_trend_down"
	PatternQuantityLow        PatternKind = "quantity_low"
)

// Pattern is a detected behavioral signal for one medication (spec §3,
// "Pattern"). Weekday is only populated for the two weekday-keyed
// kinds. Pattern writes are superseding: a new row for the same
// (MedID, Kind, Weekday) replaces the prior one.
type Pattern struct {
	ID          int64
	MedID       int64
	Kind        PatternKind
	Weekday     *time.Weekday
	Confidence  float64
	WindowStart time.Time
	WindowEnd   time.Time
	Description string

	// MeanMinutesLate and MissRate are the numeric values behind
	// late_on_weekday and miss_on_weekday's Description, kept
	// separately so message templating doesn't need to re-derive them
	// from prose.
	MeanMinutesLate float64
	MissRate        float64
}

// weekdayWindow is how far back late_on_weekday and miss_on_weekday
// look (spec §4.6, "over last 4 weeks").
const weekdayWindow = 28 * 24 * time.Hour

// minSamples is the minimum sample count either weekday detector
// requires before it will fire (spec §4.6, "over ≥ 4 samples").
const minSamples = 4

// detectWeekdayPatterns implements late_on_weekday and miss_on_weekday
// (spec §4.6) over one medication's rolling window.
func detectWeekdayPatterns(medID int64, samples []sample, now time.Time) []Pattern {
	cutoff := now.Add(-weekdayWindow)

	type bucket struct {
		lateMinutesSum int
		lateCount      int
		missCount      int
		total          int
	}
	buckets := make(map[time.Weekday]*bucket)
	for _, s := range samples {
		if s.occurredAt.Before(cutoff) {
			continue
		}
		wd := s.occurredAt.Weekday()
		b := buckets[wd]
		if b == nil {
			b = &bucket{}
			buckets[wd] = b
		}
		b.total++
		switch s.kind {
		case sampleTaken, sampleLate:
			b.lateMinutesSum += s.minutesLate
			b.lateCount++
		case sampleMissed:
			b.missCount++
		}
	}

	var out []Pattern
	for wd, b := range buckets {
		w := wd
		if b.lateCount >= minSamples {
			mean := float64(b.lateMinutesSum) / float64(b.lateCount)
			if mean >= 15 {
				out = append(out, Pattern{
					MedID: medID, Kind: PatternLateOnWeekday, Weekday: &w,
					Confidence:  math.Min(1.0, float64(b.lateCount)/10),
					WindowStart: cutoff, WindowEnd: now,
					Description:     fmt.Sprintf("tends to run about %.0f minutes late on %ss", mean, wd),
					MeanMinutesLate: mean,
				})
			}
		}
		if b.total >= minSamples {
			rate := float64(b.missCount) / float64(b.total)
			if rate >= 0.30 {
				out = append(out, Pattern{
					MedID: medID, Kind: PatternMissOnWeekday, Weekday: &w,
					Confidence:  math.Min(1.0, float64(b.total)/10),
					WindowStart: cutoff, WindowEnd: now,
					Description: fmt.Sprintf("misses doses on %ss about %.0f%% of the time", wd, rate*100),
					MissRate:    rate * 100,
				})
			}
		}
	}
	return out
}

// trendWeeks is how many trailing weeks detectTrend considers (spec
// §4.6 requires at least 3; we keep up to 6 for a steadier slope).
const trendWeeks = 6

// detectTrend implements adherence_trend_up/down: the slope of a
// per-week adherence rate (taken / (taken+missed)) fit by ordinary
// least squares over the weeks that have any samples. Returns nil when
// fewer than 3 such weeks exist or the slope doesn't clear ±0.05.
func detectTrend(medID int64, samples []sample, now time.Time) *Pattern {
	rates := weeklyAdherenceRates(samples, now, trendWeeks)
	if len(rates) < 3 {
		return nil
	}
	slope := linearRegressionSlope(rates)

	switch {
	case slope >= 0.05:
		return &Pattern{
			MedID: medID, Kind: PatternAdherenceTrendUp, Confidence: math.Min(1.0, slope*4),
			WindowStart: now.Add(-time.Duration(trendWeeks) * 7 * 24 * time.Hour), WindowEnd: now,
			Description: "adherence has been improving over the last several weeks",
		}
	case slope <= -0.05:
		return &Pattern{
			MedID: medID, Kind: PatternAdherenceTrendDown, Confidence: math.Min(1.0, -slope*4),
			WindowStart: now.Add(-time.Duration(trendWeeks) * 7 * 24 * time.Hour), WindowEnd: now,
			Description: "adherence has been slipping over the last several weeks",
		}
	default:
		return nil
	}
}

// weeklyAdherenceRates buckets samples into `weeks` trailing 7-day
// windows counted back from now (bucket 0 = the most recent) and returns the taken-rate for
// every week that has at least one sample, oldest first.
func weeklyAdherenceRates(samples []sample, now time.Time, weeks int) []float64 {
	type wk struct{ taken, missed int }
	buckets := make([]wk, weeks)
	for _, s := range samples {
		if s.kind != sampleTaken && s.kind != sampleLate && s.kind != sampleMissed {
			continue
		}
		age := now.Sub(s.occurredAt)
		idx := int(age / (7 * 24 * time.Hour))
		if idx < 0 || idx >= weeks {
			continue
		}
		if s.kind == sampleMissed {
			buckets[idx].missed++
		} else {
			buckets[idx].taken++
		}
	}

	var out []float64
	for i := weeks - 1; i >= 0; i-- {
		total := buckets[i].taken + buckets[i].missed
		if total == 0 {
			continue
		}
		out = append(out, float64(buckets[i].taken)/float64(total))
	}
	return out
}

// linearRegressionSlope fits y against evenly spaced x = 0..len(y)-1
// via ordinary least squares and returns the slope.
func linearRegressionSlope(y []float64) float64 {
	n := float64(len(y))
	var sumX, sumY, sumXY, sumXX float64
	for i, v := range y {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}
