// Package a2a defines the agent-to-agent wire protocol types and the
// JSON-RPC/REST handlers that expose them.
package a2a

import "encoding/json"

// Task lifecycle states
const (
	TaskStateSubmitted     = "submitted"
	TaskStateWorking       = "working"
	TaskStateInputRequired = "input-required"
	TaskStateCompleted     = "completed"
	TaskStateCanceled      = "canceled"
	TaskStateFailed        = "failed"
)

// Part is one segment of a message. Exactly one of Text, File, or Data is
// set, discriminated by Kind.
type Part struct {
	Kind string          `json:"kind"`
	Text string          `json:"text,omitempty"`
	File *FilePart       `json:"file,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// FilePart carries file content inline (base64 bytes) or by reference (URI)
type FilePart struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Bytes    string `json:"bytes,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// Message is a single user or agent message
type Message struct {
	Kind      string                 `json:"kind,omitempty"`
	MessageID string                 `json:"messageId"`
	Role      string                 `json:"role"`
	Parts     []Part                 `json:"parts"`
	ContextID string                 `json:"contextId,omitempty"`
	TaskID    string                 `json:"taskId,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// TaskStatus is the current state of a task plus an optional agent message
type TaskStatus struct {
	State     string   `json:"state"`
	Timestamp string   `json:"timestamp,omitempty"`
	Message   *Message `json:"message,omitempty"`
}

// Artifact is a named output produced by a task
type Artifact struct {
	ArtifactID string `json:"artifactId,omitempty"`
	Name       string `json:"name,omitempty"`
	Parts      []Part `json:"parts"`
}

// Task is the durable record of one unit of work
type Task struct {
	ID        string                 `json:"id"`
	Kind      string                 `json:"kind,omitempty"`
	ContextID string                 `json:"contextId"`
	Status    TaskStatus             `json:"status"`
	Artifacts []Artifact             `json:"artifacts,omitempty"`
	History   []Message              `json:"history,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// MessageSendParams is the params shape of message/send
type MessageSendParams struct {
	Message       Message            `json:"message"`
	Configuration *SendConfiguration `json:"configuration,omitempty"`
}

// SendConfiguration carries caller hints for message/send
type SendConfiguration struct {
	Blocking bool `json:"blocking,omitempty"`
}

// TaskQueryParams is the params shape of tasks/get and tasks/cancel
type TaskQueryParams struct {
	ID string `json:"id"`
}
