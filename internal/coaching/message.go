package coaching

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/yuin/goldmark"
)

// CoachingMessage is a generated nudge for one user, optionally scoped
// to a single medication (spec §3, "CoachingMessage").
type CoachingMessage struct {
	ID           int64
	User         string
	MedID        *int64
	Kind         MessageKind
	BodyMarkdown string
	BodyHTML     string
	GeneratedAt  time.Time
	NotBefore    time.Time
	DeliveredAt  *time.Time
	ReadAt       *time.Time
	Feedback     *Feedback
}

// MessageKind enumerates the closed set of coaching message kinds (spec
// §4.6). This is a separate enum from PatternKind: missed_dose is
// emitted straight off a dose.missed event with no pattern behind it,
// and the pattern-triggered kinds are named for what the message says
// rather than for the detector that found it.
type MessageKind string

const (
	MessageMissedDose         MessageKind = "missed_dose"
	MessageLatePattern        MessageKind = "late_pattern"
	MessageMissPattern        MessageKind = "miss_pattern"
	MessageAdherenceTrendUp   MessageKind = "adherence_trend_up"
	MessageAdherenceTrendDown MessageKind = "adherence_trend_down"
	MessageQuantityLow        MessageKind = "quantity_low"
)

// patternMessageKind maps a detected pattern to the message kind it
// generates (spec §4.6, §8 S5: a Pattern{kind=late_on_weekday} queues a
// message of kind late_pattern).
func patternMessageKind(k PatternKind) MessageKind {
	switch k {
	case PatternLateOnWeekday:
		return MessageLatePattern
	case PatternMissOnWeekday:
		return MessageMissPattern
	case PatternAdherenceTrendUp:
		return MessageAdherenceTrendUp
	case PatternAdherenceTrendDown:
		return MessageAdherenceTrendDown
	case PatternQuantityLow:
		return MessageQuantityLow
	default:
		return MessageKind(k)
	}
}

// Feedback is the closed set of reactions a message can receive (spec
// §4.6, "Learning loop").
type Feedback string

const (
	FeedbackHelpful    Feedback = "helpful"
	FeedbackNotHelpful Feedback = "not_helpful"
	FeedbackDismissed  Feedback = "dismissed"
)

// messageParams is the pure input to template rendering. Rendering a
// given set of params is idempotent — no clock, no randomness, no
// store lookups (spec §4.6, "templating is a pure function of pattern
// parameters and medication attributes").
type messageParams struct {
	MedName     string
	Weekday     string
	MeanMinutes float64
	MissRate    float64
	SinceFirst  time.Time
	Now         time.Time
}

var templateFuncs = template.FuncMap{
	"humanize": func(since, now time.Time) string { return humanize.RelTime(since, now, "ago", "from now") },
}

func mustTemplate(name, body string) *template.Template {
	return template.Must(template.New(name).Funcs(templateFuncs).Parse(body))
}

var templates = map[MessageKind]*template.Template{
	MessageMissedDose: mustTemplate("missed_dose",
		"Looks like you missed **{{.MedName}}** ({{humanize .SinceFirst .Now}}). Confirm it if you took it late, or let us know if you need to adjust the schedule."),
	MessageLatePattern: mustTemplate("late_pattern",
		"You've been taking **{{.MedName}}** about {{printf \"%.0f\" .MeanMinutes}} minutes late on {{.Weekday}}s "+
			"for a while now ({{humanize .SinceFirst .Now}}). Want to try moving the reminder later on {{.Weekday}}s?"),
	MessageMissPattern: mustTemplate("miss_pattern",
		"You miss **{{.MedName}}** on {{.Weekday}}s about {{printf \"%.0f\" .MissRate}}% of the time. "+
			"Something about {{.Weekday}}s makes this one harder — worth a different reminder time?"),
	MessageAdherenceTrendUp: mustTemplate("adherence_trend_up",
		"Good momentum on **{{.MedName}}** — your adherence has been climbing over the last few weeks. Keep it up."),
	MessageAdherenceTrendDown: mustTemplate("adherence_trend_down",
		"Your adherence on **{{.MedName}}** has been slipping over the last few weeks. "+
			"If something changed, it might help to adjust the reminder schedule."),
	MessageQuantityLow: mustTemplate("quantity_low",
		"You're running low on **{{.MedName}}** — it's time to arrange a refill."),
}

// render executes kind's template against params and converts the
// resulting markdown to both forms stored on a CoachingMessage.
func render(kind MessageKind, params messageParams) (markdown, html string, err error) {
	t, ok := templates[kind]
	if !ok {
		return "", "", fmt.Errorf("coaching: no template registered for kind %q", kind)
	}
	var mdBuf bytes.Buffer
	if err := t.Execute(&mdBuf, params); err != nil {
		return "", "", fmt.Errorf("render coaching message: %w", err)
	}
	markdown = mdBuf.String()

	var htmlBuf bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &htmlBuf); err != nil {
		return markdown, "", fmt.Errorf("render coaching message html: %w", err)
	}
	return markdown, htmlBuf.String(), nil
}
