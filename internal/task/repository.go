// Package task is the task ledger: it issues bounded-lifetime claims, binds
// frontend handles, consumes claims exactly once and releases stale ones.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/taskmgr818/treeforge/internal/auth"
	"github.com/taskmgr818/treeforge/internal/metrics"
	"github.com/taskmgr818/treeforge/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ─────────────────────────────────────────────
// Errors
// ─────────────────────────────────────────────

var (
	ErrConflict            = errors.New("an outstanding task already holds this key")
	ErrTaskNotFound        = errors.New("task not found")
	ErrTaskExpired         = errors.New("task expired")
	ErrTaskAlreadyConsumed = errors.New("task already consumed")
	ErrAlreadyBound        = errors.New("task handle already bound")
)

// IssueRequest describes a task to ledger. TreeID is nil only for new
// initial prompts.
type IssueRequest struct {
	TreeID   *uuid.UUID
	ParentID *uuid.UUID
	Type     model.TaskType
	ClientID uuid.UUID
	UserID   *uuid.UUID
	Payload  model.TaskPayload
	TTL      time.Duration
}

// Repository owns the Task lifecycle. It works on whatever *gorm.DB it holds,
// which may be an open transaction (see WithDB).
type Repository struct {
	db  *gorm.DB
	log *zap.Logger
	now func() time.Time
}

// NewRepository creates a Repository backed by db.
func NewRepository(db *gorm.DB, log *zap.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.Named("task"),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// WithDB returns a copy bound to db, usually the caller's transaction.
func (r *Repository) WithDB(db *gorm.DB) *Repository {
	c := *r
	c.db = db
	return &c
}

// WithClock returns a copy that reads time from now.
func (r *Repository) WithClock(now func() time.Time) *Repository {
	c := *r
	c.now = now
	return &c
}

// Issue ledgers a new task with expiry = now + TTL. It fails with ErrConflict
// while another unconsumed, unexpired task holds the same (tree, parent,
// type) key. A holder that is past expiry but not yet swept is expired in the
// same transaction so the slot is immediately issuable.
func (r *Repository) Issue(ctx context.Context, req IssueRequest) (*model.Task, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown task type %q", model.ErrInvalidPayload, req.Type)
	}
	if req.TTL <= 0 {
		return nil, fmt.Errorf("issue %s: ttl must be positive", req.Type)
	}
	if req.TreeID == nil && req.Type != model.TaskTypeInitialPrompt {
		return nil, fmt.Errorf("%w: %s requires a tree", model.ErrInvalidPayload, req.Type)
	}
	payload, err := model.EncodePayload(req.Type, req.Payload)
	if err != nil {
		return nil, err
	}

	now := r.now()
	t := &model.Task{
		ID:              uuid.New(),
		Type:            req.Type,
		Payload:         payload,
		MessageTreeID:   req.TreeID,
		ParentMessageID: req.ParentID,
		APIClientID:     req.ClientID,
		UserID:          req.UserID,
		DedupKey:        model.DedupKey(req.TreeID, req.ParentID, req.Type),
		CreatedAt:       now,
		ExpiryDate:      now.Add(req.TTL),
	}

	// A savepoint when r.db is already a transaction: a unique violation must
	// not poison the caller's transaction.
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if t.DedupKey != nil {
			if _, err := expireStale(tx.Where("dedup_key = ?", *t.DedupKey), now); err != nil {
				return err
			}
		}
		return tx.Create(t).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		metrics.TaskConflicts.WithLabelValues(string(req.Type)).Inc()
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("issue %s: %w", req.Type, err)
	}

	metrics.TasksIssued.WithLabelValues(string(t.Type)).Inc()
	r.log.Debug("task issued",
		zap.String("task_id", t.ID.String()),
		zap.String("type", string(t.Type)),
		zap.Time("expiry", t.ExpiryDate),
	)
	return t, nil
}

// Get loads a task by ID.
func (r *Repository) Get(ctx context.Context, taskID uuid.UUID) (*model.Task, error) {
	var t model.Task
	if err := r.db.WithContext(ctx).Where("id = ?", taskID).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return &t, nil
}

// GetByHandle loads the task bound to handle.
func (r *Repository) GetByHandle(ctx context.Context, handle string) (*model.Task, error) {
	var t model.Task
	if err := r.db.WithContext(ctx).Where("handle = ?", handle).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return &t, nil
}

// BindHandle attaches the frontend's opaque handle to a task, exactly once.
func (r *Repository) BindHandle(ctx context.Context, taskID uuid.UUID, handle string) error {
	if handle == "" {
		return fmt.Errorf("%w: empty handle", model.ErrInvalidPayload)
	}
	var result *gorm.DB
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result = tx.Model(&model.Task{}).
			Where("id = ? AND handle IS NULL", taskID).
			Update("handle", handle)
		return result.Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: handle is bound to another task", ErrAlreadyBound)
	}
	if err != nil {
		return err
	}
	if result.RowsAffected == 1 {
		return nil
	}
	if _, err := r.Get(ctx, taskID); err != nil {
		return err
	}
	return ErrAlreadyBound
}

// Consume marks an outstanding task done and returns it. It must run in the
// transaction that records the submission so both commit together. Exactly
// one of any number of concurrent callers succeeds; the rest get
// ErrTaskAlreadyConsumed.
func (r *Repository) Consume(ctx context.Context, taskID uuid.UUID) (*model.Task, error) {
	db := r.db.WithContext(ctx)
	now := r.now()

	var t model.Task
	err := db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", taskID).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	switch {
	case t.Done:
		return nil, ErrTaskAlreadyConsumed
	case t.Expired, t.Cancelled, !now.Before(t.ExpiryDate):
		return nil, ErrTaskExpired
	}

	result := db.Model(&model.Task{}).
		Where("id = ? AND done = ? AND expired = ? AND cancelled = ?", taskID, false, false, false).
		Updates(map[string]interface{}{
			"done":        true,
			"consumed_at": now,
			"dedup_key":   nil,
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrTaskAlreadyConsumed
	}

	t.Done = true
	t.ConsumedAt = &now
	t.DedupKey = nil
	metrics.TasksConsumed.WithLabelValues(string(t.Type)).Inc()
	return &t, nil
}

// ConsumeByHandle resolves handle and consumes its task.
func (r *Repository) ConsumeByHandle(ctx context.Context, handle string) (*model.Task, error) {
	t, err := r.GetByHandle(ctx, handle)
	if err != nil {
		return nil, err
	}
	return r.Consume(ctx, t.ID)
}

// ExpireStale marks every unconsumed task past its expiry as expired and
// frees its dedup key. Idempotent.
func (r *Repository) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	n, err := expireStale(r.db.WithContext(ctx), now)
	if err != nil {
		return 0, fmt.Errorf("expire stale tasks: %w", err)
	}
	if n > 0 {
		metrics.TasksReleased.WithLabelValues("expired").Add(float64(n))
		r.log.Info("expired stale tasks", zap.Int64("count", n))
	}
	return n, nil
}

// HaltTasksForDisabledUsers cancels outstanding tasks issued to disabled
// users and frees their dedup keys.
func (r *Repository) HaltTasksForDisabledUsers(ctx context.Context) (int64, error) {
	db := r.db.WithContext(ctx)
	disabled := db.Model(&auth.User{}).Select("id").Where("enabled = ?", false)
	n, err := cancel(db.Where("user_id IN (?)", disabled))
	if err != nil {
		return 0, fmt.Errorf("halt tasks for disabled users: %w", err)
	}
	if n > 0 {
		metrics.TasksReleased.WithLabelValues("disabled_user").Add(float64(n))
		r.log.Info("cancelled tasks of disabled users", zap.Int64("count", n))
	}
	return n, nil
}

// CancelForTree cancels outstanding tasks of a tree that left the active
// states.
func (r *Repository) CancelForTree(ctx context.Context, treeID uuid.UUID) (int64, error) {
	n, err := cancel(r.db.WithContext(ctx).Where("message_tree_id = ?", treeID))
	if err != nil {
		return 0, fmt.Errorf("cancel tasks of tree %s: %w", treeID, err)
	}
	if n > 0 {
		metrics.TasksReleased.WithLabelValues("tree_closed").Add(float64(n))
	}
	return n, nil
}

// CountOutstanding counts unexpired, unconsumed tasks of the given types for
// a parent message.
func (r *Repository) CountOutstanding(ctx context.Context, parentID uuid.UUID, types ...model.TaskType) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Task{}).
		Where("parent_message_id = ? AND type IN ?", parentID, types).
		Where("done = ? AND expired = ? AND cancelled = ? AND expiry_date > ?", false, false, false, r.now()).
		Count(&n).Error
	return n, err
}

// ─────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────

// expireStale applies the expiry predicate to the rows selected by scope.
// Issue and ExpireStale share it.
func expireStale(scope *gorm.DB, now time.Time) (int64, error) {
	result := scope.Model(&model.Task{}).
		Where("done = ? AND expired = ? AND cancelled = ? AND expiry_date <= ?", false, false, false, now).
		Updates(map[string]interface{}{
			"expired":   true,
			"dedup_key": nil,
		})
	return result.RowsAffected, result.Error
}

func cancel(scope *gorm.DB) (int64, error) {
	result := scope.Model(&model.Task{}).
		Where("done = ? AND expired = ? AND cancelled = ?", false, false, false).
		Updates(map[string]interface{}{
			"cancelled": true,
			"dedup_key": nil,
		})
	return result.RowsAffected, result.Error
}
