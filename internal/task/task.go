// Package task implements the deferred-work layer: durable task records, a
// Redis-backed dispatch queue with a bounded worker pool, and a
// direct-execution fallback used when the durable store is unreachable.
package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the task lifecycle position. Only the worker pool (or the
// fallback executor) moves a task past pending.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Type keys the handler that executes a task.
type Type string

const (
	TypeVoiceASR       Type = "voice_asr"
	TypeTextExtract    Type = "text_extract"
	TypeImageRecognize Type = "image_recognize"
)

// Task is one unit of deferred work. Callers hold only the ID; the store
// owns the record until it expires.
type Task struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Status    Status          `json:"status"`
	Payload   json.RawMessage `json:"payload"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func newTask(t Type, payload json.RawMessage) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:        uuid.NewString(),
		Type:      t,
		Status:    StatusPending,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
