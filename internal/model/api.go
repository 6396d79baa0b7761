package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ─────────────────────────────────────────────
// HTTP Request / Response
// ─────────────────────────────────────────────

// UserRef identifies the worker behind a frontend. The API client comes from
// the API key in the middleware.
type UserRef struct {
	ID          string `json:"id" binding:"required,max=128"`
	AuthMethod  string `json:"auth_method" binding:"required,max=64"`
	DisplayName string `json:"display_name" binding:"max=256"`
}

// TaskRequest is request_task: an empty Type means any type the tree
// manager finds work for.
type TaskRequest struct {
	Type TaskType `json:"type"`
	Lang string   `json:"lang" binding:"required,max=32"`
	User *UserRef `json:"user"`
}

// TaskResponse carries an issued task to the frontend.
type TaskResponse struct {
	ID              uuid.UUID      `json:"id"`
	Type            TaskType       `json:"type"`
	Payload         datatypes.JSON `json:"payload"`
	MessageTreeID   *uuid.UUID     `json:"message_tree_id,omitempty"`
	ParentMessageID *uuid.UUID     `json:"parent_message_id,omitempty"`
	ExpiryDate      time.Time      `json:"expiry_date"`
}

// NewTaskResponse projects t for the wire.
func NewTaskResponse(t *Task) TaskResponse {
	return TaskResponse{
		ID:              t.ID,
		Type:            t.Type,
		Payload:         t.Payload,
		MessageTreeID:   t.MessageTreeID,
		ParentMessageID: t.ParentMessageID,
		ExpiryDate:      t.ExpiryDate,
	}
}

// AckRequest binds the frontend's handle to an issued task.
type AckRequest struct {
	Handle string `json:"handle" binding:"required,max=128"`
}

// SubmitRequest is submit(handle, payload).
type SubmitRequest struct {
	Type    SubmissionKind  `json:"type" binding:"required"`
	Handle  string          `json:"handle" binding:"required,max=128"`
	User    *UserRef        `json:"user"`
	Payload json.RawMessage `json:"payload" binding:"required"`
}

// SubmitResponse reports an accepted submission.
type SubmitResponse struct {
	Accepted  bool       `json:"accepted"`
	TaskID    uuid.UUID  `json:"task_id"`
	MessageID *uuid.UUID `json:"message_id,omitempty"`
}

// ScoreCallback is attach_score(message_id, model_name, result).
type ScoreCallback struct {
	MessageID uuid.UUID `json:"message_id"`
	Kind      ScoreKind `json:"kind" binding:"required,oneof=toxicity embedding"`
	Model     string    `json:"model" binding:"required,max=256"`
	Score     float64   `json:"score"`
	Label     string    `json:"label" binding:"max=64"`
	Embedding []float64 `json:"embedding"`
}

// EnabledRequest toggles a user.
type EnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}
