// Package medication is the medication registry (spec §4.7): CRUD over
// medications plus the two operations that tie a medication to the rest
// of the system, provisioning its reminders on create/update and
// cascade-deleting them on removal.
package medication

import "time"

// Medication is one tracked prescription or supplement (spec §3
// "Medication").
type Medication struct {
	ID                  int64
	Name                string
	Dosage              string
	QuantityRemaining   int
	LowQuantityDays     int // threshold, in days of supply, for a quantity.low event
	DosesPerDay         int // derived from ScheduleRaw at create/update time
	ScheduleRaw         string
	Timezone            string
	Prescriber          string
	Instructions        string
	ScheduleDiagnostics []string // non-empty when the schedule parser fell back
	CreatedAt           time.Time
	LastTakenAt         *time.Time
}

// CreateInput is what the gateway/extractor supply to add a medication.
type CreateInput struct {
	Name            string
	Dosage          string
	QuantityRemaining int
	LowQuantityDays int
	ScheduleRaw     string
	Timezone        string
	Prescriber      string
	Instructions    string
}

// UpdateInput edits an existing medication. Zero-value ScheduleRaw means
// "leave the schedule unchanged" — Registry.Update only reprovisions
// reminders when it differs from the stored schedule.
type UpdateInput struct {
	Name              string
	Dosage            string
	QuantityRemaining int
	LowQuantityDays   int
	ScheduleRaw       string
	Timezone          string
	Prescriber        string
	Instructions      string
}
