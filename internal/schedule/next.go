package schedule

import (
	"fmt"
	"time"
)

// NextAfter computes the next firing time strictly after `after`, for the
// given Cadence. For cadences with multiple daily firings it returns the
// earliest one that is still in the future. Cron-like cadences use a
// minimal five-field evaluator (minute hour dom mon dow) that understands
// literals, "*" and comma lists; other syntax is not expanded (each
// comma entry contributes only its leading integer, or 0 if it has none).
func (c Cadence) NextAfter(after time.Time) (time.Time, error) {
	if len(c.Firings) == 0 {
		return time.Time{}, fmt.Errorf("cadence has no firings")
	}

	switch c.Firings[0].Recurrence {
	case KindHourly:
		return nextHourly(c, after)
	case KindWeekly:
		return nextWeekly(c.Firings[0], after)
	case KindCron:
		return nextCron(c.CronExpr, after)
	default:
		return nextFromDailySet(c.Firings, after)
	}
}

func loc(tz string) *time.Location {
	l, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return l
}

func nextFromDailySet(firings []Firing, after time.Time) (time.Time, error) {
	l := loc(firings[0].Timezone)
	local := after.In(l)

	var best time.Time
	for _, f := range firings {
		hh, mm, err := splitHHMM(f.WallTime)
		if err != nil {
			continue
		}
		candidate := time.Date(local.Year(), local.Month(), local.Day(), hh, mm, 0, 0, l)
		if !candidate.After(local) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		if best.IsZero() || candidate.Before(best) {
			best = candidate
		}
	}
	if best.IsZero() {
		return time.Time{}, fmt.Errorf("no valid wall_time in firing set")
	}
	return best, nil
}

func nextHourly(c Cadence, after time.Time) (time.Time, error) {
	l := loc(c.Firings[0].Timezone)
	local := after.In(l)
	n := c.HourlyEvery
	if n < 1 {
		n = 6
	}
	anchor := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, l)
	next := anchor
	for !next.After(local) {
		next = next.Add(time.Duration(n) * time.Hour)
	}
	return next, nil
}

func nextWeekly(f Firing, after time.Time) (time.Time, error) {
	l := loc(f.Timezone)
	local := after.In(l)
	hh, mm, err := splitHHMM(f.WallTime)
	if err != nil {
		return time.Time{}, err
	}
	candidate := time.Date(local.Year(), local.Month(), local.Day(), hh, mm, 0, 0, l)
	for candidate.Weekday() != f.Weekday || !candidate.After(local) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate, nil
}

func splitHHMM(s string) (hour, minute int, err error) {
	_, err = fmt.Sscanf(s, "%d:%d", &hour, &minute)
	return hour, minute, err
}

// nextCron evaluates a minimal 5-field cron expression (minute hour dom
// mon dow), scanning forward minute-by-minute up to 366 days. This is the
// escape hatch for power users (spec §4.1) and is deliberately not a full
// cron implementation: the supported fields are literal numbers, "*", and
// comma lists.
func nextCron(expr string, after time.Time) (time.Time, error) {
	fields := splitFields(expr)
	if len(fields) != 5 {
		return time.Time{}, fmt.Errorf("cron expression %q must have 5 fields", expr)
	}
	minutes := parseCronField(fields[0], 0, 59)
	hours := parseCronField(fields[1], 0, 23)
	doms := parseCronField(fields[2], 1, 31)
	months := parseCronField(fields[3], 1, 12)
	dows := parseCronField(fields[4], 0, 6)

	t := after.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(1, 0, 0)
	for t.Before(limit) {
		if minutes[t.Minute()] && hours[t.Hour()] && doms[t.Day()] &&
			months[int(t.Month())] && dows[int(t.Weekday())] {
			return t, nil
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("cron expression %q has no firing within a year", expr)
}

func splitFields(expr string) []string {
	var fields []string
	cur := ""
	for _, r := range expr {
		if r == ' ' || r == '\t' {
			if cur != "" {
				fields = append(fields, cur)
				cur = ""
			}
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		fields = append(fields, cur)
	}
	return fields
}

func parseCronField(field string, min, max int) map[int]bool {
	set := make(map[int]bool)
	if field == "*" {
		for i := min; i <= max; i++ {
			set[i] = true
		}
		return set
	}
	start := 0
	for i := 0; i <= len(field); i++ {
		if i == len(field) || field[i] == ',' {
			var v int
			fmt.Sscanf(field[start:i], "%d", &v)
			set[v] = true
			start = i + 1
		}
	}
	return set
}
