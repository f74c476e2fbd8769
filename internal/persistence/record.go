package persistence

import (
	"encoding/json"
	"fmt"
	"time"
)

// Phase is the lifecycle phase of an action execution.
type Phase string

const (
	// PhaseNew marks an action that has not begun executing yet.
	PhaseNew Phase = "NEW"
	// PhaseRunning marks an action whose handler is progressing towards a final phase.
	PhaseRunning Phase = "RUNNING"
	// PhaseDone marks an action that completed successfully.
	PhaseDone Phase = "DONE"
	// PhaseFailed marks an action that encountered an error and won't progress further.
	PhaseFailed Phase = "FAILED"
)

// Terminal reports whether the phase is final.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// Valid reports whether the phase is one of the known lifecycle phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseNew, PhaseRunning, PhaseDone, PhaseFailed:
		return true
	}
	return false
}

var allowedTransitions = map[Phase]map[Phase]struct{}{
	PhaseNew: {
		PhaseRunning: {},
	},
	PhaseRunning: {
		PhaseRunning: {}, // Progress report.
		PhaseDone:    {},
		PhaseFailed:  {},
		PhaseNew:     {}, // Lease-expiry or startup requeue.
	},
}

func canTransition(from, to Phase) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// ActionState is the execution-owned portion of an action record.
type ActionState struct {
	// Phase is the current lifecycle phase.
	Phase Phase `json:"phase"`

	// Payload is a scratch pad for handlers to track how they are progressing.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Error holds loosely structured details of any execution error.
	Error json.RawMessage `json:"error,omitempty"`
}

// ActionRecord is the durable representation of one unit of asynchronous work.
//
// Records are created by submitters in phase NEW and from then on mutated only
// by the executor (phase transitions, payload, error, finished time) and the
// retention cleaner (deletion of aged-out terminal records).
type ActionRecord struct {
	// ID is the unique identifier of the action execution, assigned at creation.
	ID string `json:"id"`

	// Kind identifies the registered handler implementation for this action.
	Kind string `json:"kind"`

	// Args are passed to the handler when the action executes. Immutable after creation.
	Args json.RawMessage `json:"args"`

	// Metadata holds unstructured caller-supplied tags. Immutable after creation.
	Metadata json.RawMessage `json:"metadata"`

	// CreatedTime is when the action was first created, possibly by an
	// external system that later handed the action to this agent.
	CreatedTime time.Time `json:"created_time"`

	// ScheduledTime is the earliest time the action is eligible to execute.
	ScheduledTime time.Time `json:"scheduled_time"`

	// FinishedTime is set exactly once, on the transition into a terminal phase.
	FinishedTime *time.Time `json:"finished_time,omitempty"`

	// State is the current execution state.
	State ActionState `json:"state"`
}

// ActionSummary is the short form of a record returned by queue and finished listings.
type ActionSummary struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Phase Phase  `json:"phase"`
}

const emptyDoc = "{}"

// Validate checks required fields and applies defaults for optional documents.
func (r *ActionRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("action record requires an id")
	}
	if r.Kind == "" {
		return fmt.Errorf("action record requires a kind")
	}
	if r.CreatedTime.IsZero() {
		return fmt.Errorf("action record requires a created time")
	}
	if r.ScheduledTime.IsZero() {
		return fmt.Errorf("action record requires a scheduled time")
	}
	if !r.State.Phase.Valid() {
		return fmt.Errorf("action record has unknown phase %q", r.State.Phase)
	}
	if r.FinishedTime != nil && !r.State.Phase.Terminal() {
		return fmt.Errorf("finished time set on non-terminal phase %q", r.State.Phase)
	}
	if r.FinishedTime == nil && r.State.Phase.Terminal() {
		return fmt.Errorf("terminal phase %q requires a finished time", r.State.Phase)
	}
	if len(r.Args) == 0 {
		r.Args = json.RawMessage(emptyDoc)
	}
	if len(r.Metadata) == 0 {
		r.Metadata = json.RawMessage(emptyDoc)
	}
	return nil
}

// NewActionRecord builds a record in phase NEW scheduled at the given time.
func NewActionRecord(id, kind string, args, metadata json.RawMessage, created, scheduled time.Time) ActionRecord {
	record := ActionRecord{
		ID:            id,
		Kind:          kind,
		Args:          args,
		Metadata:      metadata,
		CreatedTime:   created.UTC(),
		ScheduledTime: scheduled.UTC(),
		State:         ActionState{Phase: PhaseNew},
	}
	if len(record.Args) == 0 {
		record.Args = json.RawMessage(emptyDoc)
	}
	if len(record.Metadata) == 0 {
		record.Metadata = json.RawMessage(emptyDoc)
	}
	return record
}
