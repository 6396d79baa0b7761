package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Role string

const (
	RolePrompter  Role = "prompter"
	RoleAssistant Role = "assistant"
)

// ReplyRole returns the role a child of a message with role r must have.
func (r Role) ReplyRole() Role {
	if r == RolePrompter {
		return RoleAssistant
	}
	return RolePrompter
}

// Message is a node of a conversation tree. Root messages have no parent and
// their ID equals MessageTreeID.
type Message struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ParentID      *uuid.UUID `gorm:"type:uuid;index" json:"parent_id,omitempty"`
	MessageTreeID uuid.UUID  `gorm:"type:uuid;not null;index" json:"message_tree_id"`
	TaskID        *uuid.UUID `gorm:"type:uuid;index" json:"task_id,omitempty"`
	UserID        *uuid.UUID `gorm:"type:uuid;index" json:"user_id,omitempty"`
	APIClientID   uuid.UUID  `gorm:"type:uuid;not null" json:"api_client_id"`

	Role  Role   `gorm:"type:varchar(32);not null" json:"role"`
	Text  string `gorm:"type:text;not null" json:"text"`
	Lang  string `gorm:"type:varchar(32);not null;index" json:"lang"`
	Depth int    `gorm:"not null" json:"depth"`

	ChildrenCount int      `gorm:"not null" json:"children_count"`
	ReviewCount   int      `gorm:"not null" json:"review_count"`
	ReviewResult  *bool    `json:"review_result,omitempty"` // nil until the review quorum is reached
	RankingCount  int      `gorm:"not null" json:"ranking_count"`
	RankScore     *float64 `json:"rank_score,omitempty"`

	Deleted   bool      `gorm:"not null;index" json:"deleted"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	Toxicity   []MessageToxicity  `gorm:"foreignKey:MessageID" json:"toxicity,omitempty"`
	Embeddings []MessageEmbedding `gorm:"foreignKey:MessageID" json:"-"`
}

// IsRoot reports whether m starts a tree.
func (m *Message) IsRoot() bool { return m.ParentID == nil }

// Rejected reports whether the review quorum rejected m.
func (m *Message) Rejected() bool { return m.ReviewResult != nil && !*m.ReviewResult }

// Accepted reports whether the review quorum accepted m.
func (m *Message) Accepted() bool { return m.ReviewResult != nil && *m.ReviewResult }

// NormalizeText folds case and collapses whitespace for duplicate detection.
func NormalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// TextLabels records one labels submission.
type TextLabels struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	MessageID uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:ux_text_labels_message_user,priority:1" json:"message_id"`
	UserID    uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:ux_text_labels_message_user,priority:2" json:"user_id"`
	TaskID    uuid.UUID      `gorm:"type:uuid;not null;index" json:"task_id"`
	Labels    datatypes.JSON `gorm:"not null" json:"labels"`
	Text      string         `gorm:"type:text" json:"text,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// MessageLabel is one (labeler, dimension) value.
type MessageLabel struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	MessageID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:ux_message_label,priority:1" json:"message_id"`
	UserID    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:ux_message_label,priority:2" json:"user_id"`
	Dimension string    `gorm:"type:varchar(64);not null;uniqueIndex:ux_message_label,priority:3" json:"dimension"`
	Value     float64   `gorm:"not null" json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageRanking is one worker's ordering of the children of a parent.
type MessageRanking struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ParentMessageID uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:ux_ranking_parent_user,priority:1" json:"parent_message_id"`
	UserID          uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:ux_ranking_parent_user,priority:2" json:"user_id"`
	MessageTreeID   uuid.UUID      `gorm:"type:uuid;not null;index" json:"message_tree_id"`
	TaskID          uuid.UUID      `gorm:"type:uuid;not null;index" json:"task_id"`
	Ranking         datatypes.JSON `gorm:"not null" json:"ranking"` // ordered child message ids, best first
	CreatedAt       time.Time      `json:"created_at"`
}

// MessageToxicity is an upserted scoring attachment keyed by (message, model).
type MessageToxicity struct {
	MessageID uuid.UUID `gorm:"type:uuid;primaryKey" json:"message_id"`
	Model     string    `gorm:"type:varchar(256);primaryKey" json:"model"`
	Score     float64   `gorm:"not null" json:"score"`
	Label     string    `gorm:"type:varchar(64)" json:"label"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageEmbedding is an upserted scoring attachment keyed by (message, model).
type MessageEmbedding struct {
	MessageID uuid.UUID      `gorm:"type:uuid;primaryKey" json:"message_id"`
	Model     string         `gorm:"type:varchar(256);primaryKey" json:"model"`
	Embedding datatypes.JSON `gorm:"not null" json:"embedding"`
	UpdatedAt time.Time      `json:"updated_at"`
}
