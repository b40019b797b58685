package model

import (
	"strconv"
	"time"
)

// RequestEnvelope is the ingress handoff record from the HTTP front edge to
// the background pipeline. It is consumed at most once per accepted request.
type RequestEnvelope struct {
	RequestID   string
	XMLKey      string
	ResponseKey string
	MetadataKey string
	GroupCount  int
	SubmittedAt time.Time
}

// StreamValues renders the envelope as a stringly-typed stream record.
func (e RequestEnvelope) StreamValues() map[string]any {
	v := map[string]any{
		"requestId":   e.RequestID,
		"xmlKey":      e.XMLKey,
		"responseKey": e.ResponseKey,
		"groupCount":  strconv.Itoa(e.GroupCount),
		"submittedAt": e.SubmittedAt.UTC().Format(time.RFC3339Nano),
	}
	if e.MetadataKey != "" {
		v["metadataKey"] = e.MetadataKey
	}
	return v
}

// EnvelopeFromValues parses a stream record back into a RequestEnvelope.
func EnvelopeFromValues(values map[string]any) RequestEnvelope {
	e := RequestEnvelope{
		RequestID:   str(values, "requestId"),
		XMLKey:      str(values, "xmlKey"),
		ResponseKey: str(values, "responseKey"),
		MetadataKey: str(values, "metadataKey"),
		GroupCount:  num(values, "groupCount"),
	}
	if at := str(values, "submittedAt"); at != "" {
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			e.SubmittedAt = t
		}
	}
	return e
}

// RequestState is the normalized view of the state:request:<id> mapping.
type RequestState struct {
	RequestID    string `json:"requestId"`
	Status       string `json:"status"`
	XMLKey       string `json:"-"`
	ResponseKey  string `json:"-"`
	MetadataKey  string `json:"-"`
	GroupCount   int    `json:"groupCount"`
	CurrentGroup int    `json:"currentGroup"`
	RetryCount   int    `json:"retryCount"`
	ReceivedAt   string `json:"receivedAt,omitempty"`
	SubmittedAt  string `json:"-"`
	CompletedAt  string `json:"completedAt,omitempty"`
}

// StateFromHash parses the raw hash fields of a request-state mapping.
func StateFromHash(requestID string, fields map[string]string) RequestState {
	s := RequestState{
		RequestID:   requestID,
		Status:      fields["status"],
		XMLKey:      fields["xmlKey"],
		ResponseKey: fields["responseKey"],
		MetadataKey: fields["metadataKey"],
		ReceivedAt:  fields["receivedAt"],
		SubmittedAt: fields["submittedAt"],
		CompletedAt: fields["completedAt"],
	}
	s.GroupCount, _ = strconv.Atoi(fields["groupCount"])
	s.CurrentGroup, _ = strconv.Atoi(fields["currentGroup"])
	s.RetryCount, _ = strconv.Atoi(fields["retryCount"])
	return s
}

// GroupState is the normalized view of a state:request:<id>:group:<g>
// mapping. Counters are maintained with atomic increments by the owning
// orchestrator.
type GroupState struct {
	Expected  int
	Completed int
	Failed    int
	Status    string
}

// GroupStateFromHash parses the raw hash fields of a group-state mapping.
func GroupStateFromHash(fields map[string]string) GroupState {
	g := GroupState{Status: fields["status"]}
	g.Expected, _ = strconv.Atoi(fields["expected"])
	g.Completed, _ = strconv.Atoi(fields["completed"])
	g.Failed, _ = strconv.Atoi(fields["failed"])
	return g
}

// LifecycleEvent is a status-transition record on the shared lifecycle
// stream. Readers filter by RequestID from the tail; there is no consumer
// group.
type LifecycleEvent struct {
	RequestID string
	Status    string
	At        time.Time
	GroupIdx  int // meaningful for group_started / group_completed
	XMLKey    string
	Detail    string
}

// StreamValues renders the event as a stringly-typed stream record.
func (e LifecycleEvent) StreamValues() map[string]any {
	v := map[string]any{
		"requestId": e.RequestID,
		"status":    e.Status,
		"at":        e.At.UTC().Format(time.RFC3339Nano),
	}
	if e.Status == StatusGroupStarted || e.Status == StatusGroupCompleted {
		v["groupIdx"] = strconv.Itoa(e.GroupIdx)
	}
	if e.XMLKey != "" {
		v["xmlKey"] = e.XMLKey
	}
	if e.Detail != "" {
		v["detail"] = e.Detail
	}
	return v
}

// LifecycleFromValues parses a stream record back into a LifecycleEvent.
func LifecycleFromValues(values map[string]any) LifecycleEvent {
	e := LifecycleEvent{
		RequestID: str(values, "requestId"),
		Status:    str(values, "status"),
		GroupIdx:  num(values, "groupIdx"),
		XMLKey:    str(values, "xmlKey"),
		Detail:    str(values, "detail"),
	}
	if at := str(values, "at"); at != "" {
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			e.At = t
		}
	}
	return e
}

// TaskDispatch is a work order on the task-dispatch stream, consumed by the
// shared task-workers group. Attempt is 1-based and monotonic across
// re-dispatches of the same task.
type TaskDispatch struct {
	RequestID  string
	GroupIdx   int
	TaskID     string
	PayloadKey string
	ResultKey  string
	Attempt    int
}

// StreamValues renders the dispatch as a stringly-typed stream record.
func (d TaskDispatch) StreamValues() map[string]any {
	return map[string]any{
		"requestId":  d.RequestID,
		"groupIdx":   strconv.Itoa(d.GroupIdx),
		"taskId":     d.TaskID,
		"payloadKey": d.PayloadKey,
		"resultKey":  d.ResultKey,
		"attempt":    strconv.Itoa(d.Attempt),
	}
}

// DispatchFromValues parses a stream record back into a TaskDispatch.
func DispatchFromValues(values map[string]any) TaskDispatch {
	return TaskDispatch{
		RequestID:  str(values, "requestId"),
		GroupIdx:   num(values, "groupIdx"),
		TaskID:     str(values, "taskId"),
		PayloadKey: str(values, "payloadKey"),
		ResultKey:  str(values, "resultKey"),
		Attempt:    num(values, "attempt"),
	}
}

// TaskUpdate is a completion record on the task-update stream, consumed by
// the per-request consumer group of the owning orchestrator.
type TaskUpdate struct {
	RequestID  string
	GroupIdx   int
	TaskID     string
	Status     string // completed | failed
	ResultKey  string
	Error      string
	Attempt    int
	DurationMs int64
}

// StreamValues renders the update as a stringly-typed stream record.
func (u TaskUpdate) StreamValues() map[string]any {
	v := map[string]any{
		"requestId": u.RequestID,
		"groupIdx":  strconv.Itoa(u.GroupIdx),
		"taskId":    u.TaskID,
		"status":    u.Status,
		"attempt":   strconv.Itoa(u.Attempt),
	}
	if u.ResultKey != "" {
		v["resultKey"] = u.ResultKey
	}
	if u.Error != "" {
		v["error"] = u.Error
	}
	if u.DurationMs > 0 {
		v["durationMs"] = strconv.FormatInt(u.DurationMs, 10)
	}
	return v
}

// UpdateFromValues parses a stream record back into a TaskUpdate.
func UpdateFromValues(values map[string]any) TaskUpdate {
	u := TaskUpdate{
		RequestID: str(values, "requestId"),
		GroupIdx:  num(values, "groupIdx"),
		TaskID:    str(values, "taskId"),
		Status:    str(values, "status"),
		ResultKey: str(values, "resultKey"),
		Error:     str(values, "error"),
		Attempt:   num(values, "attempt"),
	}
	if ms := str(values, "durationMs"); ms != "" {
		u.DurationMs, _ = strconv.ParseInt(ms, 10, 64)
	}
	return u
}

// FailureDetail is the JSON document written to cache:request:<id>:failure
// when a request fails terminally.
type FailureDetail struct {
	RequestID string `json:"requestId"`
	Reason    string `json:"reason"`
	TaskID    string `json:"taskId,omitempty"`
	GroupIdx  int    `json:"groupIdx"`
	Attempt   int    `json:"attempt,omitempty"`
	Error     string `json:"error,omitempty"`
	At        string `json:"at"`
}

func str(values map[string]any, key string) string {
	if v, ok := values[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func num(values map[string]any, key string) int {
	n, _ := strconv.Atoi(str(values, key))
	return n
}
