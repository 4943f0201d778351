package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/kiloguardian/kiloguardian/internal/habit"
)

type habitResponse struct {
	ID               int64   `json:"id"`
	Name             string  `json:"name"`
	Frequency        string  `json:"frequency"`
	MedID            *int64  `json:"med_id,omitempty"`
	CurrentStreak    int     `json:"current_streak"`
	LongestStreak    int     `json:"longest_streak"`
	TotalCompletions int     `json:"total_completions"`
	CreatedAt        string  `json:"created_at"`
}

func habitToResponse(h *habit.Habit) habitResponse {
	return habitResponse{
		ID: h.ID, Name: h.Name, Frequency: string(h.Frequency), MedID: h.MedID,
		CurrentStreak: h.CurrentStreak, LongestStreak: h.LongestStreak,
		TotalCompletions: h.TotalCompletions, CreatedAt: h.CreatedAt.Format(timeFormatRFC3339),
	}
}

func (s *Server) handleListHabits(w http.ResponseWriter, r *http.Request) {
	habits, err := s.habits.List(r.Context())
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	out := make([]habitResponse, len(habits))
	for i, h := range habits {
		out[i] = habitToResponse(h)
	}
	writeJSON(w, out, s.logger)
}

type createHabitRequest struct {
	Name      string `json:"name"`
	Frequency string `json:"frequency"`
}

func (s *Server) handleCreateHabit(w http.ResponseWriter, r *http.Request) {
	var req createHabitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, r, "body", "invalid JSON")
		return
	}
	if req.Name == "" {
		s.badRequest(w, r, "name", "required")
		return
	}
	freq := habit.Frequency(req.Frequency)
	if freq == "" {
		freq = habit.FrequencyDaily
	}

	id, err := s.habits.Create(r.Context(), req.Name, freq, nil, time.Now())
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	h, err := s.habits.Get(r.Context(), id)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, habitToResponse(h), s.logger)
}

type updateHabitRequest struct {
	Name      string `json:"name"`
	Frequency string `json:"frequency"`
}

func (s *Server) handleUpdateHabit(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req updateHabitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, r, "body", "invalid JSON")
		return
	}
	if err := s.habits.Update(r.Context(), id, req.Name, habit.Frequency(req.Frequency)); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	h, err := s.habits.Get(r.Context(), id)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	writeJSON(w, habitToResponse(h), s.logger)
}

func (s *Server) handleDeleteHabit(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.habits.Get(r.Context(), id); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	if err := s.habits.Delete(r.Context(), id); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCompleteHabit records a manual completion not tied to any
// reminder (spec §6, `POST /habits/complete/{id}`) — e.g. a standalone
// habit with no medication behind it.
func (s *Server) handleCompleteHabit(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	now := time.Now()
	if err := s.habits.RecordCompletion(r.Context(), id, now.Format("2006-01-02"), nil, now); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	h, err := s.habits.Get(r.Context(), id)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	writeJSON(w, habitToResponse(h), s.logger)
}

func (s *Server) handleHabitStreak(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	h, err := s.habits.Get(r.Context(), id)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	writeJSON(w, map[string]any{
		"habit_id":          h.ID,
		"current_streak":    h.CurrentStreak,
		"longest_streak":    h.LongestStreak,
		"total_completions": h.TotalCompletions,
	}, s.logger)
}
