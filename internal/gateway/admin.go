package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/kiloguardian/kiloguardian/internal/admin"
)

type tokenResponse struct {
	ID         int64     `json:"id"`
	Label      string    `json:"label"`
	Scopes     []string  `json:"scopes"`
	CreatedAt  time.Time `json:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

func tokenToResponse(t admin.Token) tokenResponse {
	scopes := make([]string, len(t.Scopes))
	for i, sc := range t.Scopes {
		scopes[i] = string(sc)
	}
	return tokenResponse{
		ID: t.ID, Label: t.Label, Scopes: scopes, CreatedAt: t.CreatedAt,
		RevokedAt: t.RevokedAt, LastUsedAt: t.LastUsedAt,
	}
}

type issueTokenRequest struct {
	Label  string   `json:"label"`
	Scopes []string `json:"scopes"`
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, r, "body", "invalid JSON")
		return
	}
	if req.Label == "" {
		s.badRequest(w, r, "label", "required")
		return
	}
	scopes := make([]admin.Scope, len(req.Scopes))
	for i, sc := range req.Scopes {
		scopes[i] = admin.Scope(sc)
	}
	if len(scopes) == 0 {
		scopes = []admin.Scope{admin.ScopeRead}
	}

	tok, plaintext, err := s.tokens.Issue(r.Context(), req.Label, scopes, time.Now())
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}

	qr, err := admin.BootstrapQR(plaintext)
	if err != nil {
		s.logger.Warn("failed to render token QR code", "token_id", tok.ID, "error", err)
	}

	resp := map[string]any{
		"token": tokenToResponse(tok),
		"secret": plaintext,
	}
	if qr != nil {
		resp["qr_png_base64"] = encodeBase64(qr)
	}
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.tokens.List(r.Context())
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	out := make([]tokenResponse, len(tokens))
	for i, t := range tokens {
		out[i] = tokenToResponse(t)
	}
	writeJSON(w, out, s.logger)
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.tokens.Revoke(r.Context(), id, time.Now()); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type validateTokenRequest struct {
	Token string `json:"token"`
}

// handleValidateToken is deliberately unauthenticated by requireScope:
// its whole purpose is letting a client check whether a token it holds
// is still good, which it cannot do by presenting that same token as
// proof (spec §6, `POST /admin/validate`).
func (s *Server) handleValidateToken(w http.ResponseWriter, r *http.Request) {
	var req validateTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, r, "body", "invalid JSON")
		return
	}
	tok, err := s.tokens.Validate(r.Context(), req.Token, time.Now())
	if err != nil {
		writeJSON(w, map[string]any{"valid": false}, s.logger)
		return
	}
	writeJSON(w, map[string]any{"valid": true, "token": tokenToResponse(tok)}, s.logger)
}

// backendPing is one component's reachability result for /admin/status.
type backendPing struct {
	Name string `json:"name"`
	OK   bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// handleAdminStatus fans out a reachability check to every backend
// store concurrently, each bounded by the configured fan-out timeout
// (spec §4.9, "fan out GET /health to every registered backend with 2s
// timeout"). Since every backend here is an in-process component, its
// health check is simply whether its own database connection answers
// a ping, not a real HTTP round trip.
func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	type pinger struct {
		name string
		ping func(context.Context) error
	}
	backends := []pinger{
		{"medications", s.meds.Ping},
		{"reminders", s.reminders.Ping},
		{"habits", s.habits.Ping},
		{"coaching", s.coach.Ping},
		{"admin_tokens", s.tokens.Ping},
		{"adherence_events", s.events.Ping},
	}

	results := make([]backendPing, len(backends))
	var wg sync.WaitGroup
	for i, b := range backends {
		wg.Add(1)
		go func(i int, b pinger) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), s.cfg.StatusFanoutTimeout)
			defer cancel()
			err := b.ping(ctx)
			results[i] = backendPing{Name: b.name, OK: err == nil}
			if err != nil {
				results[i].Error = err.Error()
			}
		}(i, b)
	}
	wg.Wait()

	healthy := true
	for _, res := range results {
		if !res.OK {
			healthy = false
			break
		}
	}

	writeJSON(w, map[string]any{
		"healthy":  healthy,
		"backends": results,
	}, s.logger)
}
