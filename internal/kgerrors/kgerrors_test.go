package kgerrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", Validation{Field: "quantity", Reason: "must be >= 0"}, http.StatusBadRequest},
		{"not found", NotFound{Kind: "medication", ID: "42"}, http.StatusNotFound},
		{"conflict", Conflict{Kind: "reminder", ID: "7", CurrentState: "missed"}, http.StatusConflict},
		{"upstream", Upstream{Backend: "extractor", Cause: errors.New("timeout")}, http.StatusBadGateway},
		{"persistence", Persistence{Op: "confirm", Cause: errors.New("disk full")}, http.StatusInternalServerError},
		{"unmodeled", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := StatusFor(c.err); got != c.want {
				t.Errorf("StatusFor(%v) = %d, want %d", c.err, got, c.want)
			}
		})
	}
}

func TestUpstream_WrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Upstream{Backend: "vision", Cause: cause}
	wrapped := fmt.Errorf("extract: %w", err)

	var target Upstream
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As failed to unwrap Upstream through fmt.Errorf wrapping")
	}
	if !errors.Is(wrapped, cause) {
		t.Error("errors.Is did not find the original cause")
	}
}
