package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kiloguardian/kiloguardian/internal/reminder"
	"github.com/kiloguardian/kiloguardian/internal/schedule"
)

type reminderResponse struct {
	ID                 int64   `json:"id"`
	MedID               *int64  `json:"med_id,omitempty"`
	HabitID             *int64  `json:"habit_id,omitempty"`
	Title               string  `json:"title,omitempty"`
	Description         string  `json:"description,omitempty"`
	FiringTime          string  `json:"firing_time"`
	Timezone            string  `json:"timezone"`
	Recurrence          string  `json:"recurrence"`
	State               string  `json:"state"`
	FiredAt             *string `json:"fired_at,omitempty"`
	ConfirmedAt         *string `json:"confirmed_at,omitempty"`
	SnoozeCount         int     `json:"snooze_count"`
}

func reminderToResponse(r *reminder.Reminder) reminderResponse {
	resp := reminderResponse{
		ID: r.ID, MedID: r.MedID, HabitID: r.HabitID, Title: r.Title, Description: r.Description,
		FiringTime: r.FiringTime.Format(timeFormatRFC3339), Timezone: r.Timezone,
		Recurrence: string(r.Recurrence), State: string(r.State), SnoozeCount: r.SnoozeCount,
	}
	if r.FiredAt != nil {
		v := r.FiredAt.Format(timeFormatRFC3339)
		resp.FiredAt = &v
	}
	if r.ConfirmedAt != nil {
		v := r.ConfirmedAt.Format(timeFormatRFC3339)
		resp.ConfirmedAt = &v
	}
	return resp
}

func (s *Server) handleListReminders(w http.ResponseWriter, r *http.Request) {
	reminders, err := s.reminders.List(r.Context())
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	out := make([]reminderResponse, len(reminders))
	for i, rem := range reminders {
		out[i] = reminderToResponse(rem)
	}
	writeJSON(w, out, s.logger)
}

// createReminderRequest is the ad-hoc reminder creation schema (spec
// §6, `POST /reminders`): a reminder with no owning medication, created
// directly by the user. ReminderTime is an absolute RFC3339 instant,
// not a cadence string — medication-provisioned reminders already go
// through the schedule expander via the medication registry.
type createReminderRequest struct {
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	ReminderTime time.Time `json:"reminder_time"`
	Recurring    bool      `json:"recurring"`
}

func (s *Server) handleCreateReminder(w http.ResponseWriter, r *http.Request) {
	var req createReminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, r, "body", "invalid JSON")
		return
	}
	if req.Title == "" {
		s.badRequest(w, r, "title", "required")
		return
	}
	if req.ReminderTime.IsZero() {
		s.badRequest(w, r, "reminder_time", "required")
		return
	}

	spec := reminder.Spec{
		Title: req.Title, Description: req.Description,
		FiringTime: req.ReminderTime, Timezone: "UTC",
		Recurrence: reminder.RecurrenceNone,
	}
	if req.Recurring {
		// Synthesize a "daily at HH:MM" cadence anchored to the
		// requested firing's wall-clock time so the reminder scheduler
		// advances this chain the same way it advances a medication's
		// (spec §4.3 step 5): reusing the schedule expander here keeps
		// ad-hoc and medication-provisioned recurrence on one code path.
		local := req.ReminderTime.UTC()
		raw := fmt.Sprintf("daily at %02d:%02d", local.Hour(), local.Minute())
		spec.Recurrence = reminder.RecurrenceDaily
		spec.CadenceRaw = schedule.Parse(raw, spec.Timezone).Raw
	}

	id, err := s.reminders.Create(r.Context(), spec, time.Now())
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}

	rem, err := s.reminders.Get(r.Context(), id)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, reminderToResponse(rem), s.logger)
}

func (s *Server) handleDeleteReminder(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.reminders.Delete(r.Context(), id); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConfirmReminder(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.coordinator.Confirm(r.Context(), id, time.Now()); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	rem, err := s.reminders.Get(r.Context(), id)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	writeJSON(w, reminderToResponse(rem), s.logger)
}

func (s *Server) handleSnoozeReminder(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.coordinator.Snooze(r.Context(), id); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	rem, err := s.reminders.Get(r.Context(), id)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	writeJSON(w, reminderToResponse(rem), s.logger)
}
