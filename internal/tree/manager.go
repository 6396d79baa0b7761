// Package tree is the message-tree lifecycle state machine. It decides which
// tree needs which task next, evaluates transition predicates and recovers
// trees whose scoring failed.
package tree

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/taskmgr818/treeforge/internal/config"
	"github.com/taskmgr818/treeforge/internal/metrics"
	"github.com/taskmgr818/treeforge/internal/model"
	"github.com/taskmgr818/treeforge/internal/prompt"
	"github.com/taskmgr818/treeforge/internal/task"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrTransitionInvariantViolation = errors.New("transition invariant violation")
	ErrTreeNotFound                 = errors.New("message tree not found")
	ErrNoTaskAvailable              = errors.New("no task available")
)

// Manager owns every MessageTreeState transition.
type Manager struct {
	db      *gorm.DB
	tasks   *task.Repository
	prompts *prompt.Repository
	cfg     config.TreeManagerConfig
	scorer  Scorer
	log     *zap.Logger
	now     func() time.Time
}

// NewManager creates a Manager. A nil scorer selects BordaScorer.
func NewManager(db *gorm.DB, tasks *task.Repository, prompts *prompt.Repository,
	cfg config.TreeManagerConfig, scorer Scorer, log *zap.Logger) *Manager {
	if scorer == nil {
		scorer = BordaScorer{}
	}
	return &Manager{
		db:      db,
		tasks:   tasks,
		prompts: prompts,
		cfg:     cfg,
		scorer:  scorer,
		log:     log.Named("tree"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithDB returns a copy bound to db, along with its repositories.
func (m *Manager) WithDB(db *gorm.DB) *Manager {
	c := *m
	c.db = db
	c.tasks = m.tasks.WithDB(db)
	c.prompts = m.prompts.WithDB(db)
	return &c
}

// WithClock returns a copy that reads time from now.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	c := *m
	c.now = now
	c.tasks = m.tasks.WithClock(now)
	return &c
}

// Config returns the tuning the manager runs with.
func (m *Manager) Config() config.TreeManagerConfig { return m.cfg }

// GetState loads the state row of a tree.
func (m *Manager) GetState(ctx context.Context, treeID uuid.UUID) (*model.MessageTreeState, error) {
	var st model.MessageTreeState
	if err := m.db.WithContext(ctx).Where("message_tree_id = ?", treeID).First(&st).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTreeNotFound
		}
		return nil, err
	}
	return &st, nil
}

// OnInitialPrompt creates the state row for a newly stored root prompt.
func (m *Manager) OnInitialPrompt(ctx context.Context, root *model.Message) (*model.MessageTreeState, error) {
	if !root.IsRoot() {
		return nil, fmt.Errorf("message %s is not a root", root.ID)
	}
	st := &model.MessageTreeState{
		MessageTreeID: root.ID,
		State:         model.TreeStateInitialPromptReview,
		Lang:          root.Lang,
	}
	if err := m.db.WithContext(ctx).Create(st).Error; err != nil {
		return nil, fmt.Errorf("create tree state %s: %w", root.ID, err)
	}
	m.log.Info("tree created", zap.String("tree_id", root.ID.String()), zap.String("lang", root.Lang))
	return st, nil
}

// OnMessageLabeled re-evaluates whatever a new label on msg may have
// completed: the prompt lottery for a root, the review verdict (and with it
// the ranking predicate) for a reply.
func (m *Manager) OnMessageLabeled(ctx context.Context, msg *model.Message) error {
	if msg.IsRoot() {
		_, err := m.CheckConditionForPromptLottery(ctx, msg.MessageTreeID)
		return err
	}
	if err := m.checkReplyReview(ctx, msg.ID); err != nil {
		return err
	}
	_, err := m.CheckConditionForRankingState(ctx, msg.MessageTreeID)
	return err
}

// ─────────────────────────────────────────────
// Locking & transitions
// ─────────────────────────────────────────────

// withTreeLock runs fn holding the row lock on the tree's state row for the
// whole read-evaluate-write, and saves the row when fn succeeds.
func (m *Manager) withTreeLock(ctx context.Context, treeID uuid.UUID,
	fn func(mm *Manager, st *model.MessageTreeState) error) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var st model.MessageTreeState
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("message_tree_id = ?", treeID).First(&st).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrTreeNotFound
		}
		if err != nil {
			return err
		}
		before := st
		if err := fn(m.WithDB(tx), &st); err != nil {
			return err
		}
		if st == before {
			return nil
		}
		st.UpdatedAt = m.now()
		return tx.Save(&st).Error
	})
}

func (m *Manager) transition(st *model.MessageTreeState, to model.TreeState) error {
	if !model.CanTransition(st.State, to, st.FailedFromState) {
		m.log.Error("refused transition",
			zap.String("tree_id", st.MessageTreeID.String()),
			zap.String("from", string(st.State)),
			zap.String("to", string(to)),
		)
		return fmt.Errorf("%w: tree %s %s -> %s", ErrTransitionInvariantViolation, st.MessageTreeID, st.State, to)
	}
	from := st.State
	st.State = to
	metrics.TreeTransitions.WithLabelValues(string(from), string(to)).Inc()
	m.log.Info("tree transition",
		zap.String("tree_id", st.MessageTreeID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return nil
}

// halt moves a tree to HALTED and releases its outstanding tasks.
func (m *Manager) halt(ctx context.Context, st *model.MessageTreeState, reason string) error {
	if err := m.transition(st, model.TreeStateHalted); err != nil {
		return err
	}
	st.Active = false
	st.HaltReason = reason
	_, err := m.tasks.CancelForTree(ctx, st.MessageTreeID)
	return err
}

// recount guards a stored counter: a fresh count below it means the
// predicate would be evaluated against inconsistent data.
func recount(st *model.MessageTreeState, name string, stored *int, fresh int) error {
	if fresh < *stored {
		return fmt.Errorf("%w: tree %s %s recount %d below stored %d",
			ErrTransitionInvariantViolation, st.MessageTreeID, name, fresh, *stored)
	}
	*stored = fresh
	return nil
}

// accepts applies the review verdict to mean label values: every rejection
// label below its threshold, and the acceptance label (when present) at or
// above its threshold.
func (m *Manager) accepts(means map[string]float64) bool {
	for _, l := range m.cfg.RejectionLabels {
		if v, ok := means[l]; ok && v >= m.cfg.RejectionThreshold {
			return false
		}
	}
	if v, ok := means[m.cfg.AcceptanceLabel]; ok {
		return v >= m.cfg.AcceptanceThreshold
	}
	return true
}
