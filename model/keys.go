package model

import "fmt"

// Datastore key layout. All request-scoped keys are TTL-capped on terminal
// transition.

// RequestXMLKey returns the key holding the submitted request XML.
func RequestXMLKey(requestID string) string {
	return fmt.Sprintf("cache:request:%s:xml", requestID)
}

// ResponseKey returns the key holding the assembled response XML.
func ResponseKey(requestID string) string {
	return fmt.Sprintf("cache:request:%s:response", requestID)
}

// MetadataKey returns the key holding the submission metadata mapping.
func MetadataKey(requestID string) string {
	return fmt.Sprintf("cache:request:%s:metadata", requestID)
}

// FailureKey returns the key holding the failure detail JSON.
func FailureKey(requestID string) string {
	return fmt.Sprintf("cache:request:%s:failure", requestID)
}

// TaskXMLKey returns the key holding a task's hydrated payload.
func TaskXMLKey(requestID string, groupIdx int, taskID string) string {
	return fmt.Sprintf("cache:task:%s:%d:%s:xml", requestID, groupIdx, taskID)
}

// TaskResultKey returns the key holding a task's latest successful result.
func TaskResultKey(requestID string, groupIdx int, taskID string) string {
	return fmt.Sprintf("cache:task:%s:%d:%s:result", requestID, groupIdx, taskID)
}

// TaskResultAttemptKey returns the attempt-versioned result key. Workers
// write here unconditionally; the bare result key only ever advances to a
// higher attempt.
func TaskResultAttemptKey(requestID string, groupIdx int, taskID string, attempt int) string {
	return fmt.Sprintf("cache:task:%s:%d:%s:result:%d", requestID, groupIdx, taskID, attempt)
}

// TaskResultMarkerKey returns the key recording the highest attempt whose
// result is reflected by the bare result key.
func TaskResultMarkerKey(requestID string, groupIdx int, taskID string) string {
	return fmt.Sprintf("cache:task:%s:%d:%s:resultAttempt", requestID, groupIdx, taskID)
}

// RequestStateKey returns the key of the request-state mapping.
func RequestStateKey(requestID string) string {
	return fmt.Sprintf("state:request:%s", requestID)
}

// GroupStateKey returns the key of a group-state mapping.
func GroupStateKey(requestID string, groupIdx int) string {
	return fmt.Sprintf("state:request:%s:group:%d", requestID, groupIdx)
}

// IdempotencyKey returns the key mapping a submitter idempotency key to its
// requestId.
func IdempotencyKey(key string) string {
	return "idempotency:" + key
}

// IdempotencyHashKey returns the key holding the input hash recorded for an
// idempotency key, used to reject reuse with a different payload.
func IdempotencyHashKey(key string) string {
	return "idempotency:" + key + ":hash"
}
