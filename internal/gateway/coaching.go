package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/kiloguardian/kiloguardian/internal/coaching"
)

const coachingUser = "default"

type coachingMessageResponse struct {
	ID           int64  `json:"id"`
	MedID        *int64 `json:"med_id,omitempty"`
	Kind         string `json:"kind"`
	BodyMarkdown string `json:"body_markdown"`
	BodyHTML     string `json:"body_html"`
	GeneratedAt  string `json:"generated_at"`
}

func (s *Server) handleCoachingMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.coach.Pull(r.Context(), coachingUser)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	out := make([]coachingMessageResponse, len(msgs))
	for i, m := range msgs {
		out[i] = coachingMessageResponse{
			ID: m.ID, MedID: m.MedID, Kind: string(m.Kind),
			BodyMarkdown: m.BodyMarkdown, BodyHTML: m.BodyHTML,
			GeneratedAt: m.GeneratedAt.Format(timeFormatRFC3339),
		}
	}
	writeJSON(w, out, s.logger)
}

// coachingFeedbackRequest only needs the message id and the reaction;
// the engine recovers the message's kind from its own store so
// the client never needs to echo it back.
type coachingFeedbackRequest struct {
	MessageID int64  `json:"message_id"`
	Feedback  string `json:"feedback"`
}

func (s *Server) handleCoachingFeedback(w http.ResponseWriter, r *http.Request) {
	var req coachingFeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, r, "body", "invalid JSON")
		return
	}
	fb := coaching.Feedback(req.Feedback)
	switch fb {
	case coaching.FeedbackHelpful, coaching.FeedbackNotHelpful, coaching.FeedbackDismissed:
	default:
		s.badRequest(w, r, "feedback", "must be one of helpful, not_helpful, dismissed")
		return
	}

	if err := s.coach.Feedback(r.Context(), req.MessageID, fb); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
