package bus

import "time"

// Action lifecycle event topics.
const (
	TopicActionScheduled    = "action.scheduled"
	TopicActionStateChanged = "action.state_changed"
	TopicActionFinished     = "action.finished"
)

// Cleanup event topic, published after each retention pass that removed rows.
const (
	TopicActionsPurged = "actions.purged"
)

// ActionScheduledEvent is published when a new action record is persisted.
type ActionScheduledEvent struct {
	ActionID      string    // Action ID
	Kind          string    // Action kind, e.g. "test.actiond.io/success"
	ScheduledTime time.Time // When the action becomes eligible to run
}

// ActionStateChangedEvent is published on every phase transition, including
// RUNNING -> RUNNING progress reports.
type ActionStateChangedEvent struct {
	ActionID string // Action ID
	OldPhase string // Previous phase (e.g. NEW)
	NewPhase string // New phase (e.g. RUNNING)
}

// ActionFinishedEvent is published when an action reaches a terminal phase.
type ActionFinishedEvent struct {
	ActionID string // Action ID
	Phase    string // Terminal phase: DONE or FAILED
}

// ActionsPurgedEvent is published after retention cleanup removed records.
type ActionsPurgedEvent struct {
	Purged int64     // Number of records deleted
	Cutoff time.Time // Records finished before this instant were removed
}
