package model

import (
	"time"

	"github.com/google/uuid"
)

// ─────────────────────────────────────────────
// Scoring Jobs
// ─────────────────────────────────────────────

type ScoreKind string

const (
	ScoreKindToxicity  ScoreKind = "toxicity"
	ScoreKindEmbedding ScoreKind = "embedding"
)

type ScoreJobStatus string

const (
	ScoreJobPending    ScoreJobStatus = "PENDING"
	ScoreJobProcessing ScoreJobStatus = "PROCESSING"
	ScoreJobCompleted  ScoreJobStatus = "COMPLETED"
)

// ScoreJob asks a scoring worker to run one model over one message.
type ScoreJob struct {
	JobID     string         `json:"job_id"`
	MessageID uuid.UUID      `json:"message_id"`
	Kind      ScoreKind      `json:"kind"`
	Model     string         `json:"model"`
	Text      string         `json:"text"`
	Status    ScoreJobStatus `json:"status"`
	NodeID    string         `json:"node_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// JobKey builds the job state key: "score:job:{JobID}"
func JobKey(jobID string) string {
	return "score:job:" + jobID
}

// CollapsingKey builds the request collapsing key: "score:inflight:{MessageID}:{Kind}"
func CollapsingKey(messageID uuid.UUID, kind ScoreKind) string {
	return "score:inflight:" + messageID.String() + ":" + string(kind)
}

// PendingQueueKey is the Redis list holding pending job IDs.
const PendingQueueKey = "score:queue:pending"

// ─────────────────────────────────────────────
// WebSocket Protocol Messages
// ─────────────────────────────────────────────

type MsgType string

const (
	// Server → Worker
	MsgTypeScoreAnnouncement MsgType = "SCORE_ANNOUNCEMENT"

	// Worker → Server
	MsgTypeFetchJob  MsgType = "FETCH_JOB"
	MsgTypeJobResult MsgType = "JOB_RESULT"

	// Server → Worker (response to FETCH)
	MsgTypeJobAssigned MsgType = "JOB_ASSIGNED"
	MsgTypeJobGone     MsgType = "JOB_GONE" // already claimed by another worker
)

// Envelope is the top-level WebSocket frame.
type Envelope struct {
	Type    MsgType     `json:"type"`
	Payload interface{} `json:"payload"`
}

// ScoreAnnouncement is broadcast to all workers when a job is available.
type ScoreAnnouncement struct {
	JobID    string    `json:"job_id"`
	Kind     ScoreKind `json:"kind"`
	QueueLen int       `json:"queue_len"` // informational
}

// FetchJobRequest is sent by a worker to claim a job.
type FetchJobRequest struct {
	JobID  string `json:"job_id"`
	NodeID string `json:"node_id"`
}

// JobAssignment is the response when a worker successfully claims a job.
type JobAssignment struct {
	JobID     string    `json:"job_id"`
	MessageID uuid.UUID `json:"message_id"`
	Kind      ScoreKind `json:"kind"`
	Model     string    `json:"model"`
	Text      string    `json:"text"`
}

// JobResult is submitted by a worker after scoring.
type JobResult struct {
	JobID     string    `json:"job_id"`
	NodeID    string    `json:"node_id"`
	Success   bool      `json:"success"`
	Score     float64   `json:"score,omitempty"`
	Label     string    `json:"label,omitempty"`
	Embedding []float64 `json:"embedding,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// ─────────────────────────────────────────────
// SQL Persistence Models (async write)
// ─────────────────────────────────────────────

// ScoreJobLog records every scoring job lifecycle (one record per job).
type ScoreJobLog struct {
	JobID      string         `gorm:"primaryKey" json:"job_id"`
	MessageID  uuid.UUID      `gorm:"type:uuid;index" json:"message_id"`
	Kind       ScoreKind      `gorm:"type:varchar(32)" json:"kind"`
	Model      string         `json:"model"`
	NodeID     string         `json:"node_id"`
	Status     ScoreJobStatus `gorm:"type:varchar(32)" json:"status"`
	Success    bool           `json:"success"`
	Error      string         `gorm:"type:text" json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}
