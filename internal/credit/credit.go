package credit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/taskmgr818/treeforge/internal/model"
	"gorm.io/gorm"
)

// ─────────────────────────────────────────────
// Contribution Credit
//
// Every consumed task earns its worker points exactly once; manual grants
// come from operators.
// ─────────────────────────────────────────────

// Account represents a user's point balance.
type Account struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	UserID    uuid.UUID `json:"user_id" gorm:"type:uuid;uniqueIndex"`
	Points    int64     `json:"points"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Account) TableName() string { return "credit_accounts" }

// EntryType categorises ledger entries.
type EntryType string

const (
	EntryTask  EntryType = "TASK"  // consumed task reward
	EntryGrant EntryType = "GRANT" // operator grant or correction
)

// Entry is an immutable ledger entry. TaskID is unique, so a task can be
// credited at most once.
type Entry struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	UserID    uuid.UUID      `json:"user_id" gorm:"type:uuid;index"`
	Type      EntryType      `json:"type" gorm:"type:varchar(16)"`
	TaskID    *uuid.UUID     `json:"task_id,omitempty" gorm:"type:uuid;uniqueIndex"`
	TaskType  model.TaskType `json:"task_type,omitempty" gorm:"type:varchar(64)"`
	Points    int64          `json:"points"`
	Balance   int64          `json:"balance_after"`
	Remark    string         `json:"remark,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func (Entry) TableName() string { return "credit_entries" }

// points awarded per consumed task type.
var points = map[model.TaskType]int64{
	model.TaskTypeInitialPrompt:        10,
	model.TaskTypeAssistantReply:       10,
	model.TaskTypePrompterReply:        5,
	model.TaskTypeLabelInitialPrompt:   2,
	model.TaskTypeLabelAssistantReply:  2,
	model.TaskTypeLabelPrompterReply:   2,
	model.TaskTypeRankAssistantReplies: 3,
	model.TaskTypeRankPrompterReplies:  3,
}

// PointsFor returns the reward for consuming a task of type t.
func PointsFor(t model.TaskType) int64 { return points[t] }

// ─────────────────────────────────────────────
// Service defines the credit ledger interface.
// ─────────────────────────────────────────────

type Service interface {
	// WithDB returns a Service bound to db, usually an open transaction.
	WithDB(db *gorm.DB) Service

	// GetAccount returns the user's balance, creating a zero account if needed.
	GetAccount(ctx context.Context, userID uuid.UUID) (*Account, error)

	// Award credits a consumed task. A second call for the same task returns
	// the original entry and leaves the balance untouched.
	Award(ctx context.Context, userID, taskID uuid.UUID, taskType model.TaskType) (*Entry, error)

	// Grant adds (or with a negative amount removes) points.
	Grant(ctx context.Context, userID uuid.UUID, amount int64, remark string) (*Account, error)
}
