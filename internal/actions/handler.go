// Package actions defines the handler contract for executable action kinds
// and the registry that maps kinds to handlers.
package actions

import (
	"context"
	"fmt"

	"github.com/basket/actiond/internal/persistence"
)

// Handler executes one step of an action. Handlers must be idempotent with
// respect to re-invocation: a crashed worker means the same record can be
// offered to a handler again.
//
// Returning an error marks the action FAILED with the error message recorded
// in the error document. Returning normally applies the Changes: a terminal
// phase finishes the action, RUNNING means the handler made progress and
// wants to be invoked again on a later cycle.
type Handler interface {
	Invoke(ctx context.Context, record *persistence.ActionRecord) (Changes, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, record *persistence.ActionRecord) (Changes, error)

// Invoke calls f.
func (f HandlerFunc) Invoke(ctx context.Context, record *persistence.ActionRecord) (Changes, error) {
	return f(ctx, record)
}

// Changes is the outcome of a handler invocation: the next phase plus
// tri-state updates to the payload and error documents. Each document is
// either left untouched, cleared, or replaced.
type Changes struct {
	phase   persistence.Phase
	payload *string
	errDoc  *string
}

// To starts a change set moving the action into the given phase. The
// documents default to untouched.
func To(phase persistence.Phase) Changes {
	return Changes{phase: phase}
}

// WithPayload replaces the payload document.
func (c Changes) WithPayload(doc string) Changes {
	c.payload = &doc
	return c
}

// ClearPayload removes the payload document.
func (c Changes) ClearPayload() Changes {
	empty := ""
	c.payload = &empty
	return c
}

// WithError replaces the error document.
func (c Changes) WithError(doc string) Changes {
	c.errDoc = &doc
	return c
}

// ClearError removes the error document.
func (c Changes) ClearError() Changes {
	empty := ""
	c.errDoc = &empty
	return c
}

// Phase returns the phase the action should move to.
func (c Changes) Phase() persistence.Phase { return c.phase }

// PayloadChange returns the payload update: nil for untouched, empty string
// for cleared, anything else replaces the document.
func (c Changes) PayloadChange() *string { return c.payload }

// ErrorChange returns the error document update with the same tri-state
// semantics as PayloadChange.
func (c Changes) ErrorChange() *string { return c.errDoc }

// UnknownKindError reports a record whose kind has no registered handler.
// This is a data error, not a process error: the executor fails the record
// and keeps going.
type UnknownKindError struct {
	Kind string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("no handler registered for action kind %q", e.Kind)
}
