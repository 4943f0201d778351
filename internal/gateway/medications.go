package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/kiloguardian/kiloguardian/internal/kgerrors"
	"github.com/kiloguardian/kiloguardian/internal/medication"
)

type medicationResponse struct {
	ID                  int64    `json:"id"`
	Name                string   `json:"name"`
	Dosage              string   `json:"dosage"`
	QuantityRemaining   int      `json:"quantity_remaining"`
	LowQuantityDays     int      `json:"low_quantity_days"`
	DosesPerDay         int      `json:"doses_per_day"`
	ScheduleRaw         string   `json:"schedule"`
	Timezone            string   `json:"timezone"`
	Prescriber          string   `json:"prescriber,omitempty"`
	Instructions        string   `json:"instructions,omitempty"`
	ScheduleDiagnostics []string `json:"schedule_diagnostics,omitempty"`
	CreatedAt           string   `json:"created_at"`
	LastTakenAt         *string  `json:"last_taken_at,omitempty"`
}

func medToResponse(m *medication.Medication) medicationResponse {
	resp := medicationResponse{
		ID: m.ID, Name: m.Name, Dosage: m.Dosage, QuantityRemaining: m.QuantityRemaining,
		LowQuantityDays: m.LowQuantityDays, DosesPerDay: m.DosesPerDay, ScheduleRaw: m.ScheduleRaw,
		Timezone: m.Timezone, Prescriber: m.Prescriber, Instructions: m.Instructions,
		ScheduleDiagnostics: m.ScheduleDiagnostics, CreatedAt: m.CreatedAt.Format(timeFormatRFC3339),
	}
	if m.LastTakenAt != nil {
		v := m.LastTakenAt.Format(timeFormatRFC3339)
		resp.LastTakenAt = &v
	}
	return resp
}

func (s *Server) handleListMeds(w http.ResponseWriter, r *http.Request) {
	meds, err := s.meds.List(r.Context())
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	out := make([]medicationResponse, len(meds))
	for i, m := range meds {
		out[i] = medToResponse(m)
	}
	writeJSON(w, out, s.logger)
}

type createMedRequest struct {
	Name              string `json:"name"`
	Dosage            string `json:"dosage"`
	QuantityRemaining int    `json:"quantity_remaining"`
	LowQuantityDays   int    `json:"low_quantity_days"`
	Schedule          string `json:"schedule"`
	Timezone          string `json:"timezone"`
	Prescriber        string `json:"prescriber"`
	Instructions      string `json:"instructions"`
}

func (s *Server) handleCreateMed(w http.ResponseWriter, r *http.Request) {
	var req createMedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, r, "body", "invalid JSON")
		return
	}

	id, err := s.meds.Create(r.Context(), medication.CreateInput{
		Name: req.Name, Dosage: req.Dosage, QuantityRemaining: req.QuantityRemaining,
		LowQuantityDays: req.LowQuantityDays, ScheduleRaw: req.Schedule, Timezone: req.Timezone,
		Prescriber: req.Prescriber, Instructions: req.Instructions,
	})
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}

	m, err := s.meds.Get(r.Context(), id)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, medToResponse(m), s.logger)
}

type updateMedRequest struct {
	Name              string `json:"name"`
	Dosage            string `json:"dosage"`
	QuantityRemaining int    `json:"quantity_remaining"`
	LowQuantityDays   int    `json:"low_quantity_days"`
	Schedule          string `json:"schedule"`
	Timezone          string `json:"timezone"`
	Prescriber        string `json:"prescriber"`
	Instructions      string `json:"instructions"`
}

func (s *Server) handleUpdateMed(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req updateMedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, r, "body", "invalid JSON")
		return
	}

	if err := s.meds.Update(r.Context(), id, medication.UpdateInput{
		Name: req.Name, Dosage: req.Dosage, QuantityRemaining: req.QuantityRemaining,
		LowQuantityDays: req.LowQuantityDays, ScheduleRaw: req.Schedule, Timezone: req.Timezone,
		Prescriber: req.Prescriber, Instructions: req.Instructions,
	}); err != nil {
		s.errorResponse(w, r, err)
		return
	}

	m, err := s.meds.Get(r.Context(), id)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	writeJSON(w, medToResponse(m), s.logger)
}

func (s *Server) handleDeleteMed(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.meds.Decommission(r.Context(), id); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTakeMed records a manual dose not tied to a specific reminder —
// e.g. the user takes a dose before the reminder fires. It goes through
// the medication registry directly rather than the coordinator, since
// there is no fired reminder row to transition, and only decrements the
// quantity: no habit completion, adherence event or bus event is
// recorded.
func (s *Server) handleTakeMed(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.meds.Get(r.Context(), id); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	remaining, low, err := s.meds.ApplyDoseTaken(r.Context(), id)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	writeJSON(w, map[string]any{
		"quantity_remaining": remaining,
		"low_quantity":       low,
	}, s.logger)
}

// handleExtractMed drives the prescription-photo intake path (spec
// §4.7). Because the extractor component lives in-process as
// *medication.Extractor, there is nothing to proxy byte-for-byte:
// r.FormFile parses the multipart upload (up to 32 MB held in memory,
// the rest spilled to a temporary file), and Extract then builds the
// whole outbound multipart body in memory before posting it to the
// external collaborator. Neither step streams the upload through.
func (s *Server) handleExtractMed(w http.ResponseWriter, r *http.Request) {
	if s.extractor == nil {
		s.errorResponse(w, r, kgerrors.Upstream{Backend: "extractor", Cause: errExtractorNotConfigured})
		return
	}

	file, header, err := r.FormFile("prescription")
	if err != nil {
		s.badRequest(w, r, "prescription", "missing multipart file field")
		return
	}
	defer file.Close()

	timezone := r.FormValue("timezone")
	if timezone == "" {
		timezone = "UTC"
	}

	id, draft, err := s.meds.ExtractAndCreate(r.Context(), s.extractor, header.Filename, file, timezone)
	if err != nil {
		w.WriteHeader(http.StatusBadGateway)
		writeJSON(w, map[string]any{
			"error": map[string]any{"message": err.Error(), "type": "upstream_error", "code": http.StatusBadGateway},
			"draft": draft,
		}, s.logger)
		return
	}

	m, err := s.meds.Get(r.Context(), id)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]any{
		"medication":            medToResponse(m),
		"low_confidence_fields": draft.LowConfidenceFields,
	}, s.logger)
}

// handleMedAdherence computes the taken/scheduled adherence rate over
// the last 7 and 30 days from the adherence-event ledger, counting
// taken and late events as taken and taken+late+missed events as
// scheduled.
func (s *Server) handleMedAdherence(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	events, err := s.events.ListForMed(r.Context(), id, 5000)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	writeJSON(w, map[string]any{
		"med_id":         id,
		"rate_7_days":    adherenceRate(events, 7),
		"rate_30_days":   adherenceRate(events, 30),
		"sample_count":   len(events),
	}, s.logger)
}

func (s *Server) handleMedPatterns(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	patterns, err := s.coach.PatternsForMed(r.Context(), id)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	writeJSON(w, patterns, s.logger)
}

// pathID extracts and parses the {id} path value shared by nearly every
// route in this package.
func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.badRequest(w, r, "id", "must be an integer")
		return 0, false
	}
	return id, true
}
