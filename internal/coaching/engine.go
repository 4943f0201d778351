// Package coaching is the pattern-detection and proactive-nudging layer
// (spec §4.6). It subscribes to the adherence core's event fan-out,
// keeps a bounded per-medication rolling window of recent dose events,
// runs deterministic pattern detectors over that window, and turns
// fresh detections into cooldown- and quiet-hours-gated messages a
// client pulls on demand.
package coaching

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kiloguardian/kiloguardian/internal/clock"
	"github.com/kiloguardian/kiloguardian/internal/eventbus"
)

// defaultUser is the identifier attached to every coaching message.
// Kilo Guardian is a single-person assistant (spec §1); multi-tenant
// user accounts are out of scope, but CoachingMessage still carries a
// user field end to end so a future multi-user build doesn't need a
// schema change.
const defaultUser = "default"

// MedNameResolver is the narrow in-process interface the engine uses
// to look up a medication's display name for message templating,
// without reading the medication registry's table directly (spec §3,
// "components never read each other's tables directly").
type MedNameResolver interface {
	Name(ctx context.Context, medID int64) (string, error)
}

// Config tunes the engine's timing knobs (spec §4.6).
type Config struct {
	RingCapacity        int
	DefaultCooldown     time.Duration // cooldown for every kind except quantity_low
	QuantityLowCooldown time.Duration
	MaxCooldown         time.Duration // cap on cooldown*multiplier after repeated negative feedback
	QuietHoursStart     int           // local hour, 0-23, inclusive
	QuietHoursEnd       int           // local hour, 0-23, exclusive
	Location            *time.Location
}

func (c Config) withDefaults() Config {
	if c.RingCapacity <= 0 {
		c.RingCapacity = 60
	}
	if c.DefaultCooldown <= 0 {
		c.DefaultCooldown = 4 * time.Hour
	}
	if c.QuantityLowCooldown <= 0 {
		c.QuantityLowCooldown = 24 * time.Hour
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = 7 * 24 * time.Hour
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.QuietHoursStart == 0 && c.QuietHoursEnd == 0 {
		c.QuietHoursStart = 22
		c.QuietHoursEnd = 7
	}
	return c
}

func (c Config) baseCooldown(kind MessageKind) time.Duration {
	if kind == MessageQuantityLow {
		return c.QuantityLowCooldown
	}
	return c.DefaultCooldown
}

// medState is a medication's in-memory rolling window.
type medState struct {
	ring *ring
}

// Engine implements eventbus.Subscriber, turning the adherence event
// stream into detected patterns and, subject to cooldown and quiet
// hours, coaching messages.
type Engine struct {
	cfg    Config
	store  *Store
	meds   MedNameResolver
	clk    clock.Clock
	logger *slog.Logger

	mu     sync.Mutex
	states map[int64]*medState
}

func NewEngine(cfg Config, store *Store, meds MedNameResolver, clk clock.Clock, logger *slog.Logger) *Engine {
	return &Engine{
		cfg: cfg.withDefaults(), store: store, meds: meds, clk: clk, logger: logger,
		states: make(map[int64]*medState),
	}
}

// Topics lists the topics the engine should be subscribed to (spec
// §4.6, "Inputs").
func Topics() []string {
	return []string{
		eventbus.TopicDoseTaken, eventbus.TopicDoseMissed, eventbus.TopicDoseLate,
		eventbus.TopicQuantityLow, eventbus.TopicMedicationAdded,
	}
}

// Handle implements eventbus.Subscriber.
func (e *Engine) Handle(ctx context.Context, ev eventbus.Event) error {
	switch ev.Topic {
	case eventbus.TopicDoseTaken:
		return e.onDoseSample(ctx, ev, sampleTaken)
	case eventbus.TopicDoseLate:
		return e.onDoseSample(ctx, ev, sampleLate)
	case eventbus.TopicDoseMissed:
		return e.onDoseSample(ctx, ev, sampleMissed)
	case eventbus.TopicQuantityLow:
		return e.onQuantityLow(ctx, ev)
	case eventbus.TopicMedicationAdded:
		medID, ok := eventMedID(ev)
		if ok {
			e.stateFor(medID)
		}
		return nil
	default:
		return nil
	}
}

func (e *Engine) stateFor(medID int64) *medState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[medID]
	if !ok {
		st = &medState{ring: newRing(e.cfg.RingCapacity)}
		e.states[medID] = st
	}
	return st
}

func (e *Engine) onDoseSample(ctx context.Context, ev eventbus.Event, kind sampleKind) error {
	medID, ok := eventMedID(ev)
	if !ok {
		return nil
	}
	minutesLate, _ := eventInt(ev, "minutes_late")

	st := e.stateFor(medID)
	e.mu.Lock()
	st.ring.push(sample{kind: kind, occurredAt: ev.OccurredAt, minutesLate: minutesLate})
	samples := st.ring.items()
	e.mu.Unlock()

	now := e.clk.Now()

	if kind == sampleMissed {
		// Every dose.missed is independently considered for a
		// missed_dose message, regardless of whether it also
		// contributes to a weekday/trend pattern (spec §4.6, "on each
		// pattern fire and on each dose.missed, decide whether to emit
		// a message").
		if err := e.maybeEmit(ctx, medID, MessageMissedDose, messageParams{Now: now, SinceFirst: ev.OccurredAt}); err != nil {
			e.logger.Error("coaching: failed to emit missed_dose message", "med_id", medID, "error", err)
		}
	}

	var detected []Pattern
	detected = append(detected, detectWeekdayPatterns(medID, samples, now)...)
	if trend := detectTrend(medID, samples, now); trend != nil {
		detected = append(detected, *trend)
	}

	for _, p := range detected {
		if _, err := e.store.UpsertPattern(ctx, p); err != nil {
			e.logger.Error("coaching: failed to persist pattern", "med_id", medID, "kind", p.Kind, "error", err)
			continue
		}
		if err := e.maybeEmitPattern(ctx, medID, p); err != nil {
			e.logger.Error("coaching: failed to emit message", "med_id", medID, "kind", p.Kind, "error", err)
		}
	}

	return nil
}

func (e *Engine) onQuantityLow(ctx context.Context, ev eventbus.Event) error {
	medID, ok := eventMedID(ev)
	if !ok {
		return nil
	}
	now := e.clk.Now()
	p := Pattern{
		MedID: medID, Kind: PatternQuantityLow, Confidence: 1.0,
		WindowStart: now, WindowEnd: now, Description: "running low on quantity",
	}
	if _, err := e.store.UpsertPattern(ctx, p); err != nil {
		return fmt.Errorf("persist quantity_low pattern: %w", err)
	}
	return e.maybeEmitPattern(ctx, medID, p)
}

// maybeEmitPattern renders the params for a detected pattern and
// defers to maybeEmit under the message kind the pattern maps to
// (spec §8 S5: Pattern{kind=late_on_weekday} queues a message of kind
// late_pattern, not late_on_weekday).
func (e *Engine) maybeEmitPattern(ctx context.Context, medID int64, p Pattern) error {
	params := messageParams{SinceFirst: p.WindowStart, MeanMinutes: p.MeanMinutesLate, MissRate: p.MissRate}
	if p.Weekday != nil {
		params.Weekday = p.Weekday.String()
	}
	return e.maybeEmit(ctx, medID, patternMessageKind(p.Kind), params)
}

// maybeEmit applies the cooldown rule and, if clear, renders and
// queues a message, gated by quiet hours (spec §4.6).
func (e *Engine) maybeEmit(ctx context.Context, medID int64, kind MessageKind, params messageParams) error {
	now := e.clk.Now()

	multiplier, err := e.store.CooldownMultiplier(ctx, defaultUser, kind)
	if err != nil {
		return err
	}
	cooldown := time.Duration(float64(e.cfg.baseCooldown(kind)) * multiplier)
	if cooldown > e.cfg.MaxCooldown {
		cooldown = e.cfg.MaxCooldown
	}

	last, err := e.store.LastMessageAt(ctx, defaultUser, kind, &medID)
	if err != nil {
		return err
	}
	if !last.IsZero() && now.Sub(last) < cooldown {
		return nil
	}

	name := fmt.Sprintf("medication %d", medID)
	if e.meds != nil {
		if n, err := e.meds.Name(ctx, medID); err == nil && n != "" {
			name = n
		}
	}

	params.MedName = name
	params.Now = now

	md, html, err := render(kind, params)
	if err != nil {
		return err
	}

	notBefore := now
	if inQuietHours(now, e.cfg.Location, e.cfg.QuietHoursStart, e.cfg.QuietHoursEnd) {
		notBefore = nextQuietHoursEnd(now, e.cfg.Location, e.cfg.QuietHoursEnd)
	}

	mid := medID
	_, err = e.store.InsertMessage(ctx, CoachingMessage{
		User: defaultUser, MedID: &mid, Kind: kind,
		BodyMarkdown: md, BodyHTML: html, GeneratedAt: now, NotBefore: notBefore,
	})
	return err
}

// Ping reports whether the underlying coaching store is reachable,
// used by the gateway's /admin/status fan-out (spec §4.9).
func (e *Engine) Ping(ctx context.Context) error { return e.store.Ping(ctx) }

// PatternsForMed returns every currently detected pattern for a
// medication, for the gateway's `GET /meds/{id}/patterns` (spec §6).
func (e *Engine) PatternsForMed(ctx context.Context, medID int64) ([]Pattern, error) {
	return e.store.ListPatternsForMed(ctx, medID)
}

// Pull returns user's undelivered, due messages and marks them
// delivered (spec §4.6, "Delivery").
func (e *Engine) Pull(ctx context.Context, user string) ([]CoachingMessage, error) {
	now := e.clk.Now()
	msgs, err := e.store.Undelivered(ctx, user, now)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		if err := e.store.MarkDelivered(ctx, msgs[i].ID, now); err != nil {
			return nil, err
		}
		msgs[i].DeliveredAt = &now
	}
	return msgs, nil
}

// Feedback records a user reaction to a delivered message. The
// message's kind is recovered from the store rather than required from
// the caller, so a client only needs the message id it was handed by
// Pull.
func (e *Engine) Feedback(ctx context.Context, messageID int64, fb Feedback) error {
	msg, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	return e.store.RecordFeedback(ctx, messageID, defaultUser, msg.Kind, fb)
}

// inQuietHours reports whether t's wall-clock hour in loc falls inside
// [start, end) on a wraparound (e.g. 22:00-07:00) or plain window.
func inQuietHours(t time.Time, loc *time.Location, start, end int) bool {
	hour := t.In(loc).Hour()
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// nextQuietHoursEnd returns the next wall-clock instant at hour `end`
// in loc strictly after t.
func nextQuietHoursEnd(t time.Time, loc *time.Location, end int) time.Time {
	local := t.In(loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), end, 0, 0, 0, loc)
	if !candidate.After(local) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

// eventMedID extracts a medication id from an event payload. The
// adherence coordinator publishes it as *int64 on dose.taken/missed/
// late and plain int64 on quantity.low; accept both.
func eventMedID(ev eventbus.Event) (int64, bool) {
	v, ok := ev.Data["med_id"]
	if !ok {
		return 0, false
	}
	switch id := v.(type) {
	case int64:
		return id, true
	case *int64:
		if id == nil {
			return 0, false
		}
		return *id, true
	default:
		return 0, false
	}
}

func eventInt(ev eventbus.Event, key string) (int, bool) {
	v, ok := ev.Data[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
