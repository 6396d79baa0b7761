package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ─────────────────────────────────────────────
// Task Catalog
// ─────────────────────────────────────────────

type TaskType string

const (
	TaskTypeInitialPrompt        TaskType = "initial_prompt"
	TaskTypePrompterReply        TaskType = "prompter_reply"
	TaskTypeAssistantReply       TaskType = "assistant_reply"
	TaskTypeLabelInitialPrompt   TaskType = "label_initial_prompt"
	TaskTypeLabelPrompterReply   TaskType = "label_prompter_reply"
	TaskTypeLabelAssistantReply  TaskType = "label_assistant_reply"
	TaskTypeRankPrompterReplies  TaskType = "rank_prompter_replies"
	TaskTypeRankAssistantReplies TaskType = "rank_assistant_replies"
)

// TaskTypes lists the catalog in the order task selection prefers.
var TaskTypes = []TaskType{
	TaskTypeRankAssistantReplies,
	TaskTypeRankPrompterReplies,
	TaskTypeLabelInitialPrompt,
	TaskTypeLabelAssistantReply,
	TaskTypeLabelPrompterReply,
	TaskTypeAssistantReply,
	TaskTypePrompterReply,
	TaskTypeInitialPrompt,
}

// Valid reports whether t is in the catalog.
func (t TaskType) Valid() bool {
	for _, c := range TaskTypes {
		if c == t {
			return true
		}
	}
	return false
}

// Submission returns the submission kind that completes a task of type t.
func (t TaskType) Submission() SubmissionKind {
	switch t {
	case TaskTypeInitialPrompt, TaskTypePrompterReply, TaskTypeAssistantReply:
		return SubmissionTextReply
	case TaskTypeLabelInitialPrompt, TaskTypeLabelPrompterReply, TaskTypeLabelAssistantReply:
		return SubmissionTextLabels
	default:
		return SubmissionRanking
	}
}

// ReplyRole returns the role of the message a reply task produces.
func (t TaskType) ReplyRole() Role {
	if t == TaskTypeAssistantReply {
		return RoleAssistant
	}
	return RolePrompter
}

// Task is an issued unit of work.
type Task struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Type            TaskType       `gorm:"type:varchar(64);not null;index" json:"type"`
	Payload         datatypes.JSON `gorm:"not null" json:"payload"`
	MessageTreeID   *uuid.UUID     `gorm:"type:uuid;index" json:"message_tree_id,omitempty"`
	ParentMessageID *uuid.UUID     `gorm:"type:uuid;index" json:"parent_message_id,omitempty"`
	APIClientID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"api_client_id"`
	UserID          *uuid.UUID     `gorm:"type:uuid;index" json:"user_id,omitempty"`

	Handle   *string `gorm:"type:varchar(128);uniqueIndex" json:"handle,omitempty"`
	DedupKey *string `gorm:"type:varchar(160);uniqueIndex" json:"-"` // NULL once the task stops being outstanding

	CreatedAt  time.Time  `json:"created_at"`
	ExpiryDate time.Time  `gorm:"not null;index" json:"expiry_date"`
	Done       bool       `gorm:"not null;index" json:"done"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
	Expired    bool       `gorm:"not null" json:"expired"`
	Cancelled  bool       `gorm:"not null" json:"cancelled"`
}

// Outstanding reports whether t still holds its claim at now.
func (t *Task) Outstanding(now time.Time) bool {
	return !t.Done && !t.Expired && !t.Cancelled && now.Before(t.ExpiryDate)
}

// DedupKey builds the uniqueness key "{tree}:{parent}:{type}". Tasks without
// a tree (new initial prompts) are not deduplicated and get no key.
func DedupKey(treeID, parentID *uuid.UUID, t TaskType) *string {
	if treeID == nil {
		return nil
	}
	parent := "-"
	if parentID != nil {
		parent = parentID.String()
	}
	key := strings.Join([]string{treeID.String(), parent, string(t)}, ":")
	return &key
}
