package credit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/taskmgr818/treeforge/internal/model"
	"gorm.io/gorm"
)

// ─────────────────────────────────────────────
// service implements Service
// ─────────────────────────────────────────────

type service struct {
	db *gorm.DB
}

// NewService creates a new Service backed by the given DB.
func NewService(db *gorm.DB) Service {
	return &service{db: db}
}

func (s *service) WithDB(db *gorm.DB) Service {
	return &service{db: db}
}

// GetAccount returns the user's account, creating one if not exists.
func (s *service) GetAccount(ctx context.Context, userID uuid.UUID) (*Account, error) {
	return getOrCreateAccountTx(s.db.WithContext(ctx), userID)
}

// Award records the reward for a consumed task exactly once.
func (s *service) Award(ctx context.Context, userID, taskID uuid.UUID, taskType model.TaskType) (*Entry, error) {
	var existing Entry
	err := s.db.WithContext(ctx).Where("task_id = ?", taskID).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var entry *Entry
	err = s.withTx(ctx, func(tx *gorm.DB) error {
		acc, err := getOrCreateAccountTx(tx, userID)
		if err != nil {
			return err
		}
		amount := PointsFor(taskType)
		entry = &Entry{
			UserID:    userID,
			Type:      EntryTask,
			TaskID:    &taskID,
			TaskType:  taskType,
			Points:    amount,
			Balance:   acc.Points + amount,
			CreatedAt: time.Now().UTC(),
		}
		if err := tx.Create(entry).Error; err != nil {
			return err
		}
		return tx.Model(acc).Updates(map[string]interface{}{
			"points":     gorm.Expr("points + ?", amount),
			"updated_at": time.Now().UTC(),
		}).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Handle race condition: a concurrent Award won
		if err2 := s.db.WithContext(ctx).Where("task_id = ?", taskID).First(&existing).Error; err2 == nil {
			return &existing, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Grant adds points to a user's balance.
func (s *service) Grant(ctx context.Context, userID uuid.UUID, amount int64, remark string) (*Account, error) {
	var acc *Account
	err := s.withTx(ctx, func(tx *gorm.DB) error {
		var err error
		acc, err = getOrCreateAccountTx(tx, userID)
		if err != nil {
			return err
		}
		acc.Points += amount
		acc.UpdatedAt = time.Now().UTC()
		if err := tx.Save(acc).Error; err != nil {
			return err
		}
		return tx.Create(&Entry{
			UserID:    userID,
			Type:      EntryGrant,
			Points:    amount,
			Balance:   acc.Points,
			Remark:    remark,
			CreatedAt: time.Now().UTC(),
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

// ─────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────

// withTx runs fn in a transaction, or in a savepoint when s.db already is one.
func (s *service) withTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

func getOrCreateAccountTx(tx *gorm.DB, userID uuid.UUID) (*Account, error) {
	var acc Account
	err := tx.Where("user_id = ?", userID).First(&acc).Error
	if err == nil {
		return &acc, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	acc = Account{
		UserID:    userID,
		UpdatedAt: time.Now().UTC(),
	}
	if err := tx.Create(&acc).Error; err != nil {
		return nil, err
	}
	return &acc, nil
}
