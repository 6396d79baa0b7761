package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/taskmgr818/treeforge/internal/model"
	"gorm.io/gorm"
)

// ─────────────────────────────────────────────
// APIClient is a frontend (web, bot, automation) allowed to call the API.
// ─────────────────────────────────────────────

type APIClient struct {
	ID           uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	APIKey       string    `json:"-" gorm:"type:varchar(512);uniqueIndex;not null"`
	Description  string    `json:"description"`
	FrontendType string    `json:"frontend_type" gorm:"type:varchar(64)"`
	Trusted      bool      `json:"trusted" gorm:"not null"`
	Enabled      bool      `json:"enabled" gorm:"not null"`
	CreatedAt    time.Time `json:"created_at"`
}

// ─────────────────────────────────────────────
// User is a worker as seen through one API client.
// ─────────────────────────────────────────────

type User struct {
	ID          uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	APIClientID uuid.UUID `json:"api_client_id" gorm:"type:uuid;not null;uniqueIndex:ux_user_identity,priority:1"`
	Username    string    `json:"username" gorm:"type:varchar(128);not null;uniqueIndex:ux_user_identity,priority:2"`
	AuthMethod  string    `json:"auth_method" gorm:"type:varchar(64);not null;uniqueIndex:ux_user_identity,priority:3"`
	DisplayName string    `json:"display_name"`
	Enabled     bool      `json:"enabled" gorm:"not null;index"`
	Deleted     bool      `json:"deleted" gorm:"not null"`

	LastActivityDate  *time.Time `json:"last_activity_date,omitempty"`
	StreakDays        int        `json:"streak_days" gorm:"not null"`
	StreakLastDayDate *time.Time `json:"streak_last_day_date,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ─────────────────────────────────────────────
// UserService – worker identities and streak bookkeeping.
// ─────────────────────────────────────────────

type UserService interface {
	// WithDB returns a UserService bound to db, usually an open transaction.
	WithDB(db *gorm.DB) UserService

	// LookupOrCreate resolves the worker identity behind a frontend request,
	// creating an enabled user on first sight.
	LookupOrCreate(ctx context.Context, clientID uuid.UUID, ref model.UserRef) (*User, error)

	// GetByID retrieves a user by their internal ID.
	GetByID(ctx context.Context, userID uuid.UUID) (*User, error)

	// SetEnabled toggles whether the user may hold tasks.
	SetEnabled(ctx context.Context, userID uuid.UUID, enabled bool) error

	// MarkActivity stamps the last time the user completed a task.
	MarkActivity(ctx context.Context, userID uuid.UUID, now time.Time) error

	// UpdateStreaks runs the daily streak pass relative to startedAt, the
	// process start time. It returns the number of users updated.
	UpdateStreaks(ctx context.Context, now, startedAt time.Time) (int64, error)
}

// ─────────────────────────────────────────────
// ClientService – API key lookup (used by middleware).
// ─────────────────────────────────────────────

type ClientService interface {
	// GetByAPIKey looks up an enabled client by API key.
	GetByAPIKey(ctx context.Context, apiKey string) (*APIClient, error)

	// EnsureClient returns the client for apiKey, creating it when missing.
	// An empty apiKey generates a fresh one.
	EnsureClient(ctx context.Context, apiKey, description, frontendType string, trusted bool) (*APIClient, error)
}
