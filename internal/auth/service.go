package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/taskmgr818/treeforge/internal/model"
	"gorm.io/gorm"
)

// ─────────────────────────────────────────────
// Errors
// ─────────────────────────────────────────────

var (
	ErrUserNotFound  = errors.New("user not found")
	ErrUserDisabled  = errors.New("user disabled")
	ErrInvalidAPIKey = errors.New("invalid api key")
)

const day = 24 * time.Hour

// ─────────────────────────────────────────────
// userService implements UserService
// ─────────────────────────────────────────────

type userService struct {
	db *gorm.DB
}

// NewUserService creates a new UserService backed by the given DB.
func NewUserService(db *gorm.DB) UserService {
	return &userService{db: db}
}

func (s *userService) WithDB(db *gorm.DB) UserService {
	return &userService{db: db}
}

// LookupOrCreate resolves (client, username, auth method) to a user.
func (s *userService) LookupOrCreate(ctx context.Context, clientID uuid.UUID, ref model.UserRef) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).
		Where("api_client_id = ? AND username = ? AND auth_method = ?", clientID, ref.ID, ref.AuthMethod).
		First(&user).Error
	if err == nil {
		if ref.DisplayName != "" && ref.DisplayName != user.DisplayName {
			user.DisplayName = ref.DisplayName
			if err := s.db.WithContext(ctx).Model(&user).Update("display_name", ref.DisplayName).Error; err != nil {
				return nil, err
			}
		}
		return &user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	user = User{
		ID:                uuid.New(),
		APIClientID:       clientID,
		Username:          ref.ID,
		AuthMethod:        ref.AuthMethod,
		DisplayName:       ref.DisplayName,
		Enabled:           true,
		StreakLastDayDate: &now,
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		// Handle race condition: another request might have created it
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, err
		}
		if err2 := s.db.WithContext(ctx).
			Where("api_client_id = ? AND username = ? AND auth_method = ?", clientID, ref.ID, ref.AuthMethod).
			First(&user).Error; err2 != nil {
			return nil, err2
		}
	}
	return &user, nil
}

// GetByID retrieves a user by ID.
func (s *userService) GetByID(ctx context.Context, userID uuid.UUID) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// SetEnabled sets the enabled flag.
func (s *userService) SetEnabled(ctx context.Context, userID uuid.UUID, enabled bool) error {
	result := s.db.WithContext(ctx).Model(&User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"enabled":    enabled,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// MarkActivity updates the user's last activity timestamp.
func (s *userService) MarkActivity(ctx context.Context, userID uuid.UUID, now time.Time) error {
	result := s.db.WithContext(ctx).Model(&User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"last_activity_date": now,
			"updated_at":         now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// UpdateStreaks advances or resets consecutive-day streaks. Nothing happens
// until the process has been up for a full day.
func (s *userService) UpdateStreaks(ctx context.Context, now, startedAt time.Time) (int64, error) {
	if now.Sub(startedAt) < day {
		return 0, nil
	}

	var users []User
	if err := s.db.WithContext(ctx).Where("deleted = ?", false).Find(&users).Error; err != nil {
		return 0, err
	}

	var updated int64
	for i := range users {
		u := &users[i]
		if !advanceStreak(u, now) {
			continue
		}
		if err := s.db.WithContext(ctx).Model(u).Updates(map[string]interface{}{
			"streak_days":          u.StreakDays,
			"streak_last_day_date": u.StreakLastDayDate,
		}).Error; err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}

// advanceStreak applies one streak step to u and reports whether it changed.
// Two idle days reset the streak; a full day since the anchor extends it.
func advanceStreak(u *User, now time.Time) bool {
	if u.LastActivityDate != nil && now.Sub(*u.LastActivityDate) >= 2*day {
		u.StreakDays = 0
		u.StreakLastDayDate = &now
		return true
	}
	if u.LastActivityDate != nil && u.StreakLastDayDate != nil && now.Sub(*u.StreakLastDayDate) >= day {
		u.StreakDays++
		u.StreakLastDayDate = &now
		return true
	}
	return false
}

// ─────────────────────────────────────────────
// clientService implements ClientService
// ─────────────────────────────────────────────

type clientService struct {
	db *gorm.DB
}

// NewClientService creates a new ClientService backed by the given DB.
func NewClientService(db *gorm.DB) ClientService {
	return &clientService{db: db}
}

// GetByAPIKey looks up a client by API key.
func (s *clientService) GetByAPIKey(ctx context.Context, apiKey string) (*APIClient, error) {
	var client APIClient
	if err := s.db.WithContext(ctx).Where("api_key = ? AND enabled = ?", apiKey, true).First(&client).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidAPIKey
		}
		return nil, err
	}
	return &client, nil
}

// EnsureClient creates the client for apiKey unless it exists.
func (s *clientService) EnsureClient(ctx context.Context, apiKey, description, frontendType string, trusted bool) (*APIClient, error) {
	if apiKey == "" {
		key, err := generateAPIKey()
		if err != nil {
			return nil, err
		}
		apiKey = key
	}

	var client APIClient
	err := s.db.WithContext(ctx).Where("api_key = ?", apiKey).First(&client).Error
	if err == nil {
		return &client, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	client = APIClient{
		ID:           uuid.New(),
		APIKey:       apiKey,
		Description:  description,
		FrontendType: frontendType,
		Trusted:      trusted,
		Enabled:      true,
	}
	if err := s.db.WithContext(ctx).Create(&client).Error; err != nil {
		return nil, err
	}
	return &client, nil
}

// ─────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────

// generateAPIKey creates a new API key with "sk-" prefix.
func generateAPIKey() (string, error) {
	bytes := make([]byte, 24)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "sk-" + hex.EncodeToString(bytes), nil
}
