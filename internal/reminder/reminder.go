// Package reminder is the durable record of scheduled medication
// firings (spec §4.2). Every state transition goes through the store so
// that claim_due remains the single serialization point the scheduler
// relies on to avoid double-firing.
package reminder

import (
	"time"
)

// State is a Reminder's position in its one-way lifecycle, with the
// single exception fired -> scheduled on snooze (spec §4.5). Store.Snooze
// makes that move directly; no store method sets StateSnoozed.
type State string

const (
	StateScheduled State = "scheduled"
	StateFired     State = "fired"
	StateConfirmed State = "confirmed"
	StateMissed    State = "missed"
	StateSnoozed   State = "snoozed"
)

// Recurrence mirrors the cadence kinds the schedule package produces.
type Recurrence string

const (
	RecurrenceNone    Recurrence = "none"
	RecurrenceDaily   Recurrence = "daily"
	RecurrenceWeekly  Recurrence = "weekly"
	RecurrenceHourlyN Recurrence = "hourly-N"
	RecurrenceCron    Recurrence = "cron-like"
)

// Reminder is one scheduled or historical firing (spec §3, "Reminder").
// Title and Description are set for ad-hoc reminders created directly
// through the frontend schema (spec §6, `POST /reminders`); medication-
// provisioned reminders leave them blank and are labeled from the
// medication they belong to.
type Reminder struct {
	ID                 int64
	MedID              *int64 // nil for ad-hoc reminders
	HabitID            *int64
	Title              string
	Description        string
	FiringTime         time.Time // canonical wall-clock firing moment
	Timezone           string
	Recurrence         Recurrence
	CadenceRaw         string // serialized cadence, used to compute the next firing on fire
	State              State
	FiredAt            *time.Time
	ConfirmedAt        *time.Time
	SnoozeCount        int
	GraceWindowMinutes int
	CreatedAt          time.Time
}

// DefaultGraceWindowMinutes is applied when a reminder's spec omits one
// (spec §3).
const DefaultGraceWindowMinutes = 30
