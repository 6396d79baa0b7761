package tree

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/taskmgr818/treeforge/internal/auth"
	"github.com/taskmgr818/treeforge/internal/metrics"
	"github.com/taskmgr818/treeforge/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CheckConditionForPromptLottery promotes a reviewed root prompt to GROWING
// or halts it as low grade once the review quorum is met. It reports whether
// a transition fired; calling it when none is due is a no-op.
func (m *Manager) CheckConditionForPromptLottery(ctx context.Context, treeID uuid.UUID) (bool, error) {
	fired := false
	err := m.withTreeLock(ctx, treeID, func(mm *Manager, st *model.MessageTreeState) error {
		if st.State != model.TreeStateInitialPromptReview {
			return nil
		}
		reviews, err := mm.prompts.CountReviews(ctx, treeID)
		if err != nil {
			return err
		}
		if err := recount(st, "review_count", &st.ReviewCount, int(reviews)); err != nil {
			return err
		}
		if st.ReviewCount < mm.cfg.NumReviewsInitialPrompt {
			return nil
		}

		means, err := mm.prompts.LabelMeans(ctx, treeID)
		if err != nil {
			return err
		}
		accepted := mm.accepts(means)
		if err := mm.prompts.SetReviewResult(ctx, treeID, accepted); err != nil {
			return err
		}
		fired = true
		if !accepted {
			return mm.halt(ctx, st, model.HaltReasonLowGrade)
		}
		if err := mm.transition(st, model.TreeStateGrowing); err != nil {
			return err
		}
		now := mm.now()
		st.Active = true
		st.WonPromptLotteryDate = &now
		return nil
	})
	return fired, err
}

// checkReplyReview sets a reply's verdict once its review quorum is met.
func (m *Manager) checkReplyReview(ctx context.Context, messageID uuid.UUID) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		mm := m.WithDB(tx)
		var msg model.Message
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", messageID).First(&msg).Error; err != nil {
			return err
		}
		if msg.ReviewResult != nil || msg.ReviewCount < mm.cfg.NumReviewsReply {
			return nil
		}
		means, err := mm.prompts.LabelMeans(ctx, messageID)
		if err != nil {
			return err
		}
		accepted := mm.accepts(means)
		mm.log.Debug("reply reviewed", zap.String("message_id", messageID.String()), zap.Bool("accepted", accepted))
		return mm.prompts.SetReviewResult(ctx, messageID, accepted)
	})
}

// CheckConditionForRankingState moves a GROWING tree to RANKING once every
// open node has its breadth target of non-rejected replies (or the tree
// reached its size goal) and every reply has a review verdict. A tree with
// nothing to compare is halted right away.
func (m *Manager) CheckConditionForRankingState(ctx context.Context, treeID uuid.UUID) (bool, error) {
	fired := false
	err := m.withTreeLock(ctx, treeID, func(mm *Manager, st *model.MessageTreeState) error {
		if st.State != model.TreeStateGrowing {
			return nil
		}
		msgs, err := mm.prompts.FetchTree(ctx, treeID)
		if err != nil {
			return err
		}
		if err := recount(st, "reply_count", &st.ReplyCount, len(msgs)-1); err != nil {
			return err
		}
		if !mm.readyForRanking(msgs) {
			return nil
		}
		if err := mm.transition(st, model.TreeStateRanking); err != nil {
			return err
		}
		fired = true
		if _, err := mm.tasks.CancelForTree(ctx, treeID); err != nil {
			return err
		}
		_, err = mm.evaluateScoring(ctx, st, msgs)
		return err
	})
	return fired, err
}

// CheckConditionForScoring moves a RANKING tree to SCORED once every
// comparison set has its rankings and aggregation succeeds. Aggregation
// failure is recorded as SCORING_FAILED, not returned.
func (m *Manager) CheckConditionForScoring(ctx context.Context, treeID uuid.UUID) (bool, error) {
	fired := false
	err := m.withTreeLock(ctx, treeID, func(mm *Manager, st *model.MessageTreeState) error {
		if st.State != model.TreeStateRanking {
			return nil
		}
		msgs, err := mm.prompts.FetchTree(ctx, treeID)
		if err != nil {
			return err
		}
		fired, err = mm.evaluateScoring(ctx, st, msgs)
		return err
	})
	return fired, err
}

func (m *Manager) readyForRanking(msgs []model.Message) bool {
	if len(msgs) == 0 {
		return false
	}
	replies := make(map[uuid.UUID]int, len(msgs))
	for _, msg := range msgs {
		if msg.ParentID == nil {
			continue
		}
		if msg.ReviewResult == nil {
			return false
		}
		if !msg.Rejected() {
			replies[*msg.ParentID]++
		}
	}
	if len(msgs) >= m.cfg.GoalTreeSize {
		return true
	}
	for _, msg := range msgs {
		if msg.Depth >= m.cfg.MaxTreeDepth || msg.Rejected() {
			continue
		}
		if replies[msg.ID] < m.cfg.MaxChildrenCount {
			return false
		}
	}
	return true
}

// evaluateScoring runs the RANKING → SCORED predicate under the tree lock.
func (m *Manager) evaluateScoring(ctx context.Context, st *model.MessageTreeState, msgs []model.Message) (bool, error) {
	sets := comparisonSets(msgs)
	if len(sets) == 0 {
		return true, m.halt(ctx, st, model.HaltReasonNoRankableReplies)
	}

	rows, err := m.treeRankings(ctx, st.MessageTreeID)
	if err != nil {
		return false, err
	}
	if err := recount(st, "ranking_count", &st.RankingCount, len(rows)); err != nil {
		return false, err
	}
	short, err := attachRankings(sets, rows, m.cfg.NumRequiredRankings)
	if err != nil {
		return false, err
	}
	if short > 0 {
		return false, nil
	}

	scores, err := m.aggregate(ctx, st.MessageTreeID, sets)
	if err != nil {
		return true, m.markScoringFailed(st, err)
	}
	return true, m.finishScoring(ctx, st, scores)
}

// aggregate calls the scorer up to ScoringAttempts times.
func (m *Manager) aggregate(ctx context.Context, treeID uuid.UUID, sets []ComparisonSet) (map[uuid.UUID]float64, error) {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.ScoringAttempts; attempt++ {
		scores, err := m.scorer.Score(ctx, sets)
		if err == nil {
			return scores, nil
		}
		lastErr = err
		m.log.Warn("aggregation attempt failed",
			zap.String("tree_id", treeID.String()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return nil, lastErr
}

func (m *Manager) markScoringFailed(st *model.MessageTreeState, cause error) error {
	failedFrom := st.State
	if err := m.transition(st, model.TreeStateScoringFailed); err != nil {
		return err
	}
	st.FailedFromState = failedFrom
	st.ScoringError = cause.Error()
	metrics.ScoringFailures.Inc()
	return nil
}

func (m *Manager) finishScoring(ctx context.Context, st *model.MessageTreeState, scores map[uuid.UUID]float64) error {
	if err := m.prompts.SetRankScores(ctx, scores); err != nil {
		return err
	}
	if err := m.transition(st, model.TreeStateScored); err != nil {
		return err
	}
	st.Active = false
	st.FailedFromState = ""
	st.ScoringError = ""
	_, err := m.tasks.CancelForTree(ctx, st.MessageTreeID)
	return err
}

func (m *Manager) treeRankings(ctx context.Context, treeID uuid.UUID) ([]model.MessageRanking, error) {
	var rows []model.MessageRanking
	err := m.db.WithContext(ctx).Where("message_tree_id = ?", treeID).Order("created_at ASC").Find(&rows).Error
	return rows, err
}

// RetryScoringFailedMessageTrees re-runs aggregation for every SCORING_FAILED
// tree that has not been escalated. A success returns the tree to the state
// it left and resumes the normal path; a failure counts against the retry
// budget, past which the tree is escalated and stays put. Each tree is its
// own unit of work. It returns the number of recovered trees.
func (m *Manager) RetryScoringFailedMessageTrees(ctx context.Context) (int, error) {
	var ids []uuid.UUID
	if err := m.db.WithContext(ctx).Model(&model.MessageTreeState{}).
		Where("state = ? AND escalated = ?", model.TreeStateScoringFailed, false).
		Pluck("message_tree_id", &ids).Error; err != nil {
		return 0, fmt.Errorf("list scoring failed trees: %w", err)
	}

	recovered := 0
	for _, id := range ids {
		ok, err := m.retryScoring(ctx, id)
		if err != nil {
			m.log.Error("retry scoring", zap.String("tree_id", id.String()), zap.Error(err))
			continue
		}
		if ok {
			recovered++
		}
	}
	return recovered, nil
}

func (m *Manager) retryScoring(ctx context.Context, treeID uuid.UUID) (bool, error) {
	recovered := false
	err := m.withTreeLock(ctx, treeID, func(mm *Manager, st *model.MessageTreeState) error {
		if st.State != model.TreeStateScoringFailed || st.Escalated {
			return nil
		}
		msgs, err := mm.prompts.FetchTree(ctx, treeID)
		if err != nil {
			return err
		}
		sets := comparisonSets(msgs)
		rows, err := mm.treeRankings(ctx, treeID)
		if err != nil {
			return err
		}
		if _, err := attachRankings(sets, rows, mm.cfg.NumRequiredRankings); err != nil {
			return err
		}

		scores, err := mm.aggregate(ctx, treeID, sets)
		if err != nil {
			st.ScoringRetries++
			st.ScoringError = err.Error()
			if st.ScoringRetries >= mm.cfg.ScoringRetryBudget {
				st.Escalated = true
				mm.log.Error("scoring escalated",
					zap.String("tree_id", treeID.String()),
					zap.Int("retries", st.ScoringRetries),
					zap.Error(err),
				)
			}
			return nil
		}

		if err := mm.transition(st, st.FailedFromState); err != nil {
			return err
		}
		recovered = true
		if st.State != model.TreeStateRanking {
			st.FailedFromState = ""
			st.ScoringError = ""
			return nil
		}
		return mm.finishScoring(ctx, st, scores)
	})
	return recovered, err
}

// EnsureTreeStates creates the missing state row of every root message,
// inferring its state from existing data, then lets the transition checks
// catch it up. It returns the number of rows created.
func (m *Manager) EnsureTreeStates(ctx context.Context) (int, error) {
	var roots []model.Message
	err := m.db.WithContext(ctx).Model(&model.Message{}).
		Joins("LEFT JOIN message_tree_states ON message_tree_states.message_tree_id = messages.id").
		Where("messages.parent_id IS NULL AND messages.deleted = ? AND message_tree_states.message_tree_id IS NULL", false).
		Find(&roots).Error
	if err != nil {
		return 0, fmt.Errorf("find roots without state: %w", err)
	}

	for i := range roots {
		root := &roots[i]
		st := model.MessageTreeState{
			MessageTreeID: root.ID,
			State:         model.TreeStateInitialPromptReview,
			Lang:          root.Lang,
		}
		switch {
		case root.Rejected():
			st.State = model.TreeStateHalted
			st.HaltReason = model.HaltReasonLowGrade
		case root.Accepted() || root.ChildrenCount > 0:
			now := m.now()
			st.State = model.TreeStateGrowing
			st.Active = true
			st.WonPromptLotteryDate = &now
		}
		if err := m.db.WithContext(ctx).Create(&st).Error; err != nil {
			return i, fmt.Errorf("create tree state %s: %w", root.ID, err)
		}
		m.log.Info("tree state restored",
			zap.String("tree_id", root.ID.String()),
			zap.String("state", string(st.State)),
		)

		if _, err := m.CheckConditionForPromptLottery(ctx, root.ID); err != nil {
			return i + 1, err
		}
		if _, err := m.CheckConditionForRankingState(ctx, root.ID); err != nil {
			return i + 1, err
		}
	}
	return len(roots), nil
}

// HaltPromptsOfDisabledUsers halts trees still in initial review whose root
// was written by a disabled user.
func (m *Manager) HaltPromptsOfDisabledUsers(ctx context.Context) (int, error) {
	var ids []uuid.UUID
	err := m.db.WithContext(ctx).Model(&model.MessageTreeState{}).
		Joins("JOIN messages ON messages.id = message_tree_states.message_tree_id").
		Joins("JOIN users ON users.id = messages.user_id").
		Where("message_tree_states.state = ? AND users.enabled = ?", model.TreeStateInitialPromptReview, false).
		Pluck("message_tree_states.message_tree_id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("find prompts of disabled users: %w", err)
	}

	halted := 0
	for _, id := range ids {
		fired := false
		err := m.withTreeLock(ctx, id, func(mm *Manager, st *model.MessageTreeState) error {
			if st.State != model.TreeStateInitialPromptReview {
				return nil
			}
			fired = true
			return mm.halt(ctx, st, model.HaltReasonDisabledUser)
		})
		if err != nil {
			return halted, err
		}
		if fired {
			halted++
		}
	}
	return halted, nil
}

// Halt stops a tree on operator request.
func (m *Manager) Halt(ctx context.Context, treeID uuid.UUID) error {
	return m.withTreeLock(ctx, treeID, func(mm *Manager, st *model.MessageTreeState) error {
		if st.State.Terminal() {
			return fmt.Errorf("%w: tree %s already %s", ErrTransitionInvariantViolation, treeID, st.State)
		}
		return mm.halt(ctx, st, model.HaltReasonModerator)
	})
}

// disabled reports whether userID belongs to a disabled user.
func (m *Manager) disabled(ctx context.Context, userID *uuid.UUID) (bool, error) {
	if userID == nil {
		return false, nil
	}
	var u auth.User
	err := m.db.WithContext(ctx).Select("enabled").Where("id = ?", *userID).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !u.Enabled, nil
}
