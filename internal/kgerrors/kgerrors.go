// Package kgerrors defines the error-kind taxonomy shared across Kilo
// Guardian's components (spec §7). Each kind is a distinct Go type so
// callers can distinguish them with errors.As instead of string
// matching.
package kgerrors

import "fmt"

// Validation represents a malformed request: unknown enum, out-of-range
// numeric, missing required field. Never retried automatically.
type Validation struct {
	Field  string
	Reason string
}

func (e Validation) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NotFound represents a reference to a missing entity.
type NotFound struct {
	Kind string
	ID   string
}

func (e NotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// Conflict represents an illegal state transition or a constraint
// violation. CurrentState is surfaced to the caller so it can decide
// whether to retry with different input.
type Conflict struct {
	Kind         string
	ID           string
	CurrentState string
	Reason       string
}

func (e Conflict) Error() string {
	return fmt.Sprintf("%s %s conflict (state=%s): %s", e.Kind, e.ID, e.CurrentState, e.Reason)
}

// Upstream represents a failure returned by, or a timeout talking to, a
// downstream component or external collaborator.
type Upstream struct {
	Backend string
	Cause   error
}

func (e Upstream) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Backend, e.Cause)
}

func (e Upstream) Unwrap() error { return e.Cause }

// Persistence represents a write that could not commit. The caller's
// whole domain action fails; no events are emitted.
type Persistence struct {
	Op    string
	Cause error
}

func (e Persistence) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Cause)
}

func (e Persistence) Unwrap() error { return e.Cause }

// Fatal represents a startup-time failure (missing config, failed
// migration, schema mismatch) that should stop the component from
// accepting traffic.
type Fatal struct {
	Component string
	Cause     error
}

func (e Fatal) Error() string {
	return fmt.Sprintf("%s: fatal: %v", e.Component, e.Cause)
}

func (e Fatal) Unwrap() error { return e.Cause }
