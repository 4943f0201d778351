package kgerrors

import (
	"errors"
	"net/http"
)

// StatusFor maps an error kind to the HTTP status the gateway should
// surface, per spec §7. Unrecognized errors map to 500 — the
// component's own bug, not a modeled failure kind.
func StatusFor(err error) int {
	var (
		validation  Validation
		notFound    NotFound
		conflict    Conflict
		upstream    Upstream
		persistence Persistence
		fatal       Fatal
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &upstream):
		return http.StatusBadGateway
	case errors.As(err, &persistence):
		return http.StatusInternalServerError
	case errors.As(err, &fatal):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
