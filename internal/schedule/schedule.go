// Package schedule parses free-form medication schedule strings into a
// canonical, closed set of firing specifications (spec §4.1). It never
// fails: an unrecognized string degrades to a once-daily fallback plus a
// diagnostic the medication registry surfaces to the user.
package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind identifies a firing's recurrence shape.
type Kind string

const (
	KindDaily           Kind = "daily"
	KindWeekly          Kind = "weekly"
	KindHourly          Kind = "hourly-N"
	KindCron            Kind = "cron-like"
	KindParsedFallback  Kind = "parsed-fallback"
)

// Firing is one canonical firing time within a cadence.
type Firing struct {
	WallTime   string // "HH:MM", 24-hour, local to Timezone
	Recurrence Kind
	Timezone   string
	Weekday    time.Weekday // valid only when Recurrence == KindWeekly
}

// Cadence is the full parse result: the ordered firings plus enough
// information to compute the next firing from any base timestamp.
type Cadence struct {
	Raw         string
	Firings     []Firing
	HourlyEvery int // valid only when Kind == KindHourly; 2..24
	CronExpr    string
	Diagnostics []string
}

var (
	reDailyAt   = regexp.MustCompile(`^daily\s+at\s+(.+)$`)
	reNTimes    = regexp.MustCompile(`^(\d+|once|twice|three times|four times)\s+(?:times\s+)?daily\s+at\s+(.+)$`)
	reEveryN    = regexp.MustCompile(`^every\s+(\d+)\s*h(?:ours?)?$`)
	reWeekly    = regexp.MustCompile(`^weekly\s+on\s+(\w+)\s+at\s+(.+)$`)
	reCron      = regexp.MustCompile(`^cron:\s*(.+)$`)
	reClockTime = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
)

var wordCounts = map[string]int{
	"once":         1,
	"twice":        2,
	"three times":  3,
	"four times":   4,
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday, "tues": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday, "thurs": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// Parse converts a free-form schedule string into a Cadence. It never
// returns an error; unparseable input yields a fallback Cadence with a
// diagnostic explaining why (spec §4.1, "Errors").
func Parse(raw, timezone string) Cadence {
	if timezone == "" {
		timezone = "UTC"
	}
	s := strings.ToLower(strings.TrimSpace(raw))

	if m := reDailyAt.FindStringSubmatch(s); m != nil {
		times, diags := splitClockTimes(m[1])
		if len(times) == 0 {
			return fallback(raw, timezone, diags)
		}
		return Cadence{Raw: raw, Firings: dailyFirings(times, timezone), Diagnostics: diags}
	}

	if m := reNTimes.FindStringSubmatch(s); m != nil {
		want := parseCount(m[1])
		times, diags := splitClockTimes(m[2])
		if len(times) == 0 {
			return fallback(raw, timezone, diags)
		}
		if want > 0 && want != len(times) {
			diags = append(diags, fmt.Sprintf("schedule says %d times but %d clock times were given; using the times given", want, len(times)))
		}
		return Cadence{Raw: raw, Firings: dailyFirings(times, timezone), Diagnostics: diags}
	}

	if m := reEveryN.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 2 || n > 24 {
			return fallback(raw, timezone, []string{fmt.Sprintf("'every %s hours' is out of the supported 2-24 range", m[1])})
		}
		return Cadence{
			Raw:         raw,
			Firings:     []Firing{{WallTime: "00:00", Recurrence: KindHourly, Timezone: timezone}},
			HourlyEvery: n,
		}
	}

	if m := reWeekly.FindStringSubmatch(s); m != nil {
		wd, ok := weekdays[m[1]]
		if !ok {
			return fallback(raw, timezone, []string{fmt.Sprintf("unrecognized weekday %q", m[1])})
		}
		clock, diag := parseClockTime(m[2])
		if diag != "" {
			return fallback(raw, timezone, []string{diag})
		}
		return Cadence{
			Raw:     raw,
			Firings: []Firing{{WallTime: clock, Recurrence: KindWeekly, Timezone: timezone, Weekday: wd}},
		}
	}

	if m := reCron.FindStringSubmatch(s); m != nil {
		fields := strings.Fields(m[1])
		if len(fields) != 5 {
			return fallback(raw, timezone, []string{"cron expression must have exactly 5 fields (minute hour dom mon dow)"})
		}
		return Cadence{
			Raw:      raw,
			Firings:  []Firing{{WallTime: "", Recurrence: KindCron, Timezone: timezone}},
			CronExpr: m[1],
		}
	}

	return fallback(raw, timezone, []string{fmt.Sprintf("schedule string %q did not match any recognized grammar", raw)})
}

func fallback(raw, timezone string, diags []string) Cadence {
	return Cadence{
		Raw:         raw,
		Firings:     []Firing{{WallTime: "09:00", Recurrence: KindParsedFallback, Timezone: timezone}},
		Diagnostics: diags,
	}
}

func dailyFirings(times []string, timezone string) []Firing {
	out := make([]Firing, 0, len(times))
	for _, t := range times {
		out = append(out, Firing{WallTime: t, Recurrence: KindDaily, Timezone: timezone})
	}
	return out
}

func parseCount(word string) int {
	if n, ok := wordCounts[word]; ok {
		return n
	}
	n, err := strconv.Atoi(word)
	if err != nil {
		return 0
	}
	return n
}

// splitClockTimes splits a "8am and 8pm" / "8:00, 14:00, 20:00" list into
// canonical "HH:MM" strings, collecting a diagnostic for any entry that
// fails to parse (the entry is dropped, not fatal).
func splitClockTimes(s string) (times []string, diags []string) {
	s = strings.ReplaceAll(s, " and ", ",")
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		clock, diag := parseClockTime(part)
		if diag != "" {
			diags = append(diags, diag)
			continue
		}
		times = append(times, clock)
	}
	return times, diags
}

// parseClockTime parses "8am", "8:30pm", "14:00" into canonical "HH:MM".
func parseClockTime(s string) (clock string, diag string) {
	s = strings.TrimSpace(s)
	m := reClockTime.FindStringSubmatch(s)
	if m == nil {
		return "", fmt.Sprintf("could not parse clock time %q", s)
	}
	hour, _ := strconv.Atoi(m[1])
	minute := 0
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	switch m[3] {
	case "am":
		if hour == 12 {
			hour = 0
		}
	case "pm":
		if hour != 12 {
			hour += 12
		}
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return "", fmt.Sprintf("clock time %q out of range", s)
	}
	return fmt.Sprintf("%02d:%02d", hour, minute), ""
}
