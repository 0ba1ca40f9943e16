package domain

import (
	"encoding/json"
	"time"
)

// EventKind classifies job events.
type EventKind string

const (
	EventStatus        EventKind = "status"
	EventThinking      EventKind = "thinking"
	EventToolStarted   EventKind = "tool_started"
	EventToolCompleted EventKind = "tool_completed"
	EventStreamChunk   EventKind = "stream_chunk"
	EventResult        EventKind = "result"
	EventError         EventKind = "error"
)

// JobEvent is one append-only record in a job's event stream. Seq is
// strictly increasing per job.
type JobEvent struct {
	JobID     JobID           `json:"job_id"`
	Seq       uint64          `json:"seq"`
	Kind      EventKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// StatusPayload is the payload of EventStatus.
type StatusPayload struct {
	State   JobState `json:"state"`
	Message string   `json:"message,omitempty"`
	Step    int      `json:"step,omitempty"`
}

// ToolEventPayload is the payload of EventToolStarted and EventToolCompleted.
type ToolEventPayload struct {
	CallID     string      `json:"call_id"`
	Tool       string      `json:"tool"`
	OK         bool        `json:"ok"`
	ErrorKind  ErrorKind   `json:"error_kind,omitempty"`
	Verdict    VerdictKind `json:"verdict,omitempty"`
	DurationMS int64       `json:"duration_ms,omitempty"`
}

// ThinkingPayload is the payload of EventThinking, one per iteration.
type ThinkingPayload struct {
	Step    int    `json:"step"`
	Thought string `json:"thought,omitempty"`
	Calls   int    `json:"calls"`
}

// StreamChunkPayload is the payload of EventStreamChunk.
// Reset tells consumers to drop the text streamed so far for the current
// step; the model call is being retried.
type StreamChunkPayload struct {
	Text  string `json:"text"`
	Reset bool   `json:"reset,omitempty"`
}

// ResultPayload is the payload of EventResult.
type ResultPayload struct {
	Answer string `json:"answer"`
	Steps  int    `json:"steps"`
	// StopReason is "final", "utility" or "max_steps".
	StopReason string `json:"stop_reason"`
}
