package gateway

import (
	"net/http"
	"time"

	"github.com/kiloguardian/kiloguardian/internal/admin"
)

// authHeader is the header a client presents its admin token in (spec
// §4.9, §6 "Auth").
const authHeader = "x-admin-token"

// requireScope wraps next so that a request without a valid token
// carrying scope never reaches it — and never reaches any backend
// either, since the check happens before the handler is invoked (spec
// §4.9, "401 without contacting the backend if absent").
func (s *Server) requireScope(scope admin.Scope, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get(authHeader)
		if presented == "" {
			s.errorResponse(w, r, admin.ErrInvalidToken)
			return
		}

		tok, err := s.tokens.Validate(r.Context(), presented, time.Now())
		if err != nil {
			s.errorResponse(w, r, err)
			return
		}
		if !tok.HasScope(scope) {
			s.errorResponse(w, r, admin.ErrInvalidToken)
			return
		}

		next(w, r)
	}
}
