// Package model holds the shared wire and state types for the valuation
// pipeline: request/group statuses, stream record shapes, datastore key
// layout, and the error envelope.
package model

// Request statuses as stored in state:request:<id> and published on the
// lifecycle stream.
const (
	StatusAccepted  = "accepted"
	StatusPending   = "pending"
	StatusReceived  = "received"
	StatusStarted   = "started"
	StatusSucceeded = "succeeded"
	StatusCompleted = "completed" // legacy synonym for succeeded, accepted on read
	StatusFailed    = "failed"
)

// Group-scoped lifecycle statuses.
const (
	StatusGroupStarted   = "group_started"
	StatusGroupCompleted = "group_completed"
)

// Group statuses as stored in state:request:<id>:group:<g>.
const (
	GroupRunning   = "running"
	GroupCompleted = "completed"
	GroupFailed    = "failed"
)

// Task update statuses.
const (
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// IsTerminal reports whether a request status is terminal.
func IsTerminal(status string) bool {
	return status == StatusSucceeded || status == StatusCompleted || status == StatusFailed
}

// IsTerminalSuccess reports whether a request status is a terminal success.
func IsTerminalSuccess(status string) bool {
	return status == StatusSucceeded || status == StatusCompleted
}

// Stream names.
const (
	IngestStream    = "stream:request:ingest"
	LifecycleStream = "stream:request:lifecycle"
	DispatchStream  = "stream:task:dispatch"
	UpdatesStream   = "stream:task:updates"
)

// Shared consumer group names.
const (
	IngestGroup = "front-orchestrators"
	WorkerGroup = "task-workers"
)

// RequestGroup returns the per-request consumer group name on the task-update
// stream.
func RequestGroup(requestID string) string {
	return "req::" + requestID
}
