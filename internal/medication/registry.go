package medication

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/kiloguardian/kiloguardian/internal/clock"
	"github.com/kiloguardian/kiloguardian/internal/eventbus"
	"github.com/kiloguardian/kiloguardian/internal/habit"
	"github.com/kiloguardian/kiloguardian/internal/kgerrors"
	"github.com/kiloguardian/kiloguardian/internal/reminder"
	"github.com/kiloguardian/kiloguardian/internal/schedule"
)

// Registry is the medication CRUD surface plus the create/update/delete
// side effects spec §4.7 assigns to it: provisioning reminders (and the
// habit backing them) through the schedule expander, and cascading their
// removal on delete.
type Registry struct {
	store  *Store
	rem    *reminder.Store
	habits *habit.Store
	bus    *eventbus.Bus
	clk    clock.Clock
}

func NewRegistry(store *Store, rem *reminder.Store, habits *habit.Store, bus *eventbus.Bus, clk clock.Clock) *Registry {
	return &Registry{store: store, rem: rem, habits: habits, bus: bus, clk: clk}
}

// recurrenceFor maps the schedule package's closed Kind set onto the
// reminder store's Recurrence set. parsed-fallback degrades to a plain
// daily chain; the diagnostic that explains why is carried on the
// medication row itself, not lost.
func recurrenceFor(k schedule.Kind) reminder.Recurrence {
	switch k {
	case schedule.KindDaily, schedule.KindParsedFallback:
		return reminder.RecurrenceDaily
	case schedule.KindWeekly:
		return reminder.RecurrenceWeekly
	case schedule.KindHourly:
		return reminder.RecurrenceHourlyN
	case schedule.KindCron:
		return reminder.RecurrenceCron
	default:
		return reminder.RecurrenceDaily
	}
}

func dosesPerDay(c schedule.Cadence) int {
	switch c.Firings[0].Recurrence {
	case schedule.KindHourly:
		if c.HourlyEvery <= 0 {
			return 1
		}
		n := 24 / c.HourlyEvery
		if n < 1 {
			n = 1
		}
		return n
	case schedule.KindWeekly:
		return 1 // dose/week; low-quantity math in Store.ApplyDoseTaken treats LowQuantityDays*DosesPerDay as a dose count
	default:
		return len(c.Firings)
	}
}

// Create inserts a medication, expands its schedule, and provisions its
// habit and initial reminder (spec §4.7).
func (r *Registry) Create(ctx context.Context, in CreateInput) (int64, error) {
	if in.Name == "" {
		return 0, kgerrors.Validation{Field: "name", Reason: "required"}
	}
	if in.Timezone == "" {
		in.Timezone = "UTC"
	}
	if in.LowQuantityDays <= 0 {
		in.LowQuantityDays = 7
	}

	cadence := schedule.Parse(in.ScheduleRaw, in.Timezone)
	now := r.clk.Now()

	id, err := r.store.insert(ctx, insertFields{
		name: in.Name, dosage: in.Dosage, quantity: in.QuantityRemaining,
		lowQuantityDays: in.LowQuantityDays, dosesPerDay: dosesPerDay(cadence),
		scheduleRaw: in.ScheduleRaw, timezone: in.Timezone, prescriber: in.Prescriber,
		instructions: in.Instructions, diagnostics: joinDiagnostics(cadence.Diagnostics),
	}, now)
	if err != nil {
		return 0, err
	}

	if err := r.provisionReminders(ctx, id, cadence, in.Timezone, now); err != nil {
		return id, fmt.Errorf("provision reminders for medication %d: %w", id, err)
	}

	r.bus.Publish(eventbus.Event{Topic: eventbus.TopicMedicationAdded, Data: map[string]any{"med_id": id}})
	return id, nil
}

// Update edits a medication's fields. When ScheduleRaw or Timezone
// differs from what's stored, the pending scheduled reminder is
// cancelled and a new one is provisioned from the new cadence, leaving
// fired/confirmed/missed history untouched.
func (r *Registry) Update(ctx context.Context, id int64, in UpdateInput) error {
	existing, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if in.Timezone == "" {
		in.Timezone = existing.Timezone
	}
	if in.LowQuantityDays <= 0 {
		in.LowQuantityDays = existing.LowQuantityDays
	}

	scheduleChanged := in.ScheduleRaw != "" && (in.ScheduleRaw != existing.ScheduleRaw || in.Timezone != existing.Timezone)
	scheduleRaw := existing.ScheduleRaw
	if in.ScheduleRaw != "" {
		scheduleRaw = in.ScheduleRaw
	}

	cadence := schedule.Parse(scheduleRaw, in.Timezone)
	if err := r.store.updateFields(ctx, id, insertFields{
		name: in.Name, dosage: in.Dosage, lowQuantityDays: in.LowQuantityDays,
		dosesPerDay: dosesPerDay(cadence), scheduleRaw: scheduleRaw, timezone: in.Timezone,
		prescriber: in.Prescriber, instructions: in.Instructions, diagnostics: joinDiagnostics(cadence.Diagnostics),
	}); err != nil {
		return err
	}

	if scheduleChanged {
		if err := r.rem.CancelScheduledForMed(ctx, id); err != nil {
			return fmt.Errorf("cancel stale scheduled reminder for medication %d: %w", id, err)
		}
		if err := r.provisionReminders(ctx, id, cadence, in.Timezone, r.clk.Now()); err != nil {
			return fmt.Errorf("reprovision reminders for medication %d: %w", id, err)
		}
	}

	r.bus.Publish(eventbus.Event{Topic: eventbus.TopicMedicationUpdated, Data: map[string]any{"med_id": id}})
	return nil
}

// provisionReminders implements spec §4.7's contract: (a) creates a
// habit if none is linked, (b) populates the initial "next" scheduled
// reminder from the cadence.
func (r *Registry) provisionReminders(ctx context.Context, medID int64, cadence schedule.Cadence, timezone string, now time.Time) error {
	h, err := r.habits.GetForMed(ctx, medID)
	if err != nil {
		return fmt.Errorf("lookup habit for medication: %w", err)
	}
	var habitID int64
	if h == nil {
		m, err := r.store.Get(ctx, medID)
		if err != nil {
			return err
		}
		habitID, err = r.habits.Create(ctx, m.Name, habit.FrequencyDaily, &medID, now)
		if err != nil {
			return fmt.Errorf("create habit: %w", err)
		}
	} else {
		habitID = h.ID
	}

	next, err := cadence.NextAfter(now)
	if err != nil {
		return fmt.Errorf("compute next firing: %w", err)
	}

	_, err = r.rem.Create(ctx, reminder.Spec{
		MedID:      &medID,
		HabitID:    &habitID,
		FiringTime: next,
		Timezone:   timezone,
		Recurrence: recurrenceFor(cadence.Firings[0].Recurrence),
		CadenceRaw: cadence.Raw,
	}, now)
	if err != nil {
		return fmt.Errorf("create scheduled reminder: %w", err)
	}
	return nil
}

// Decommission deletes a medication and cascades per spec §4.7: all of
// its reminders, and its habit if the habit is medication-owned (a habit
// the user created standalone and later linked is left alone — but
// provisionReminders only ever creates medication-owned habits, so in
// practice every habit reached here is owned).
func (r *Registry) Decommission(ctx context.Context, medID int64) error {
	if _, err := r.store.Get(ctx, medID); err != nil {
		return err
	}
	if err := r.rem.CascadeDeleteForMed(ctx, medID); err != nil {
		return fmt.Errorf("cascade delete reminders for medication %d: %w", medID, err)
	}
	if h, err := r.habits.GetForMed(ctx, medID); err == nil && h != nil {
		if err := r.habits.Delete(ctx, h.ID); err != nil {
			return fmt.Errorf("delete habit for medication %d: %w", medID, err)
		}
	}
	if err := r.store.Delete(ctx, medID); err != nil {
		return err
	}
	r.bus.Publish(eventbus.Event{Topic: eventbus.TopicMedicationDeleted, Data: map[string]any{"med_id": medID}})
	return nil
}

// ApplyDoseTaken implements adherence.MedicationUpdater.
func (r *Registry) ApplyDoseTaken(ctx context.Context, medID int64) (int, bool, error) {
	return r.store.ApplyDoseTaken(ctx, medID, r.clk.Now())
}

// Ping reports whether the underlying medication store is reachable,
// used by the gateway's /admin/status fan-out (spec §4.9).
func (r *Registry) Ping(ctx context.Context) error { return r.store.Ping(ctx) }

// Get and List expose the plain read surface (spec §6's /v1/meds routes).
func (r *Registry) Get(ctx context.Context, id int64) (*Medication, error) { return r.store.Get(ctx, id) }
func (r *Registry) List(ctx context.Context) ([]*Medication, error)       { return r.store.List(ctx) }

// Name implements coaching.MedNameResolver, giving the coaching engine
// a display name for message templating without letting it read the
// medication table directly.
func (r *Registry) Name(ctx context.Context, medID int64) (string, error) {
	m, err := r.store.Get(ctx, medID)
	if err != nil {
		return "", err
	}
	return m.Name, nil
}

// ExtractAndCreate drives the prescription-OCR path (spec §4.7). On a
// successful extraction it persists the draft as a new medication,
// flagging any low-confidence fields the collaborator identified, and
// returns the new medication's ID alongside the draft. On failure it
// returns the zero ID, whatever partial draft was decoded before the
// failure, and the wrapped error — the caller surfaces the draft as a
// form the user completes manually rather than losing the upload.
func (r *Registry) ExtractAndCreate(ctx context.Context, extractor *Extractor, filename string, file io.Reader, timezone string) (int64, Draft, error) {
	draft, err := extractor.Extract(ctx, filename, file)
	if err != nil {
		return 0, draft, err
	}

	id, err := r.Create(ctx, CreateInput{
		Name: draft.Name, Dosage: draft.Dosage, ScheduleRaw: draft.ScheduleRaw,
		Prescriber: draft.Prescriber, Instructions: draft.Instructions, Timezone: timezone,
	})
	if err != nil {
		return 0, draft, fmt.Errorf("persist extracted medication: %w", err)
	}
	return id, draft, nil
}
