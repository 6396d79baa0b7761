// Package prompt records worker submissions against open tasks and owns the
// Message, label, ranking and scoring-attachment rows.
package prompt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/taskmgr818/treeforge/internal/model"
	"github.com/taskmgr818/treeforge/internal/task"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrDuplicateContent = errors.New("duplicate content")
	ErrMessageNotFound  = errors.New("message not found")
	ErrWrongTaskType    = errors.New("submission does not match task type")
)

// LabelPolicy restricts label submissions.
type LabelPolicy struct {
	Valid     []string
	Mandatory []string
}

// TextReply is a text submission for an initial_prompt or *_reply task.
type TextReply struct {
	Handle         string
	Text           string
	Lang           string
	UserID         *uuid.UUID
	CheckDuplicate bool
}

// Labels is a submission for a label_* task.
type Labels struct {
	Handle    string
	MessageID uuid.UUID
	Labels    map[string]float64
	Text      string
	Lang      string
	UserID    uuid.UUID
}

// Ranking is a submission for a rank_* task.
type Ranking struct {
	Handle  string
	Ranking []uuid.UUID
	UserID  uuid.UUID
}

// Repository persists submissions. Each Store* call consumes the task and
// writes its rows in one transaction (a savepoint when r.db already is one).
type Repository struct {
	db     *gorm.DB
	tasks  *task.Repository
	policy LabelPolicy
	log    *zap.Logger
	now    func() time.Time
}

// NewRepository creates a Repository backed by db.
func NewRepository(db *gorm.DB, tasks *task.Repository, policy LabelPolicy, log *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		tasks:  tasks,
		policy: policy,
		log:    log.Named("prompt"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithDB returns a copy bound to db, along with its task repository.
func (r *Repository) WithDB(db *gorm.DB) *Repository {
	c := *r
	c.db = db
	c.tasks = r.tasks.WithDB(db)
	return &c
}

// StoreTextReply consumes the task bound to reply.Handle and inserts the
// resulting Message: a new tree root for initial_prompt, otherwise a child of
// the task's parent with the alternating role.
func (r *Repository) StoreTextReply(ctx context.Context, reply TextReply) (*model.Message, *model.Task, error) {
	var (
		msg *model.Message
		t   *model.Task
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		t, err = r.tasks.WithDB(tx).ConsumeByHandle(ctx, reply.Handle)
		if err != nil {
			return err
		}
		if t.Type.Submission() != model.SubmissionTextReply {
			return fmt.Errorf("%w: %s", ErrWrongTaskType, t.Type)
		}
		if err := checkOwner(t, reply.UserID); err != nil {
			return err
		}

		msg = &model.Message{
			ID:          uuid.New(),
			TaskID:      &t.ID,
			UserID:      reply.UserID,
			APIClientID: t.APIClientID,
			Text:        reply.Text,
			Lang:        reply.Lang,
			CreatedAt:   r.now(),
		}

		if t.Type == model.TaskTypeInitialPrompt {
			msg.MessageTreeID = msg.ID
			msg.Role = model.RolePrompter
			return tx.Create(msg).Error
		}

		if t.ParentMessageID == nil || t.MessageTreeID == nil {
			return fmt.Errorf("%w: reply task %s has no parent", model.ErrInvalidPayload, t.ID)
		}
		var parent model.Message
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", *t.ParentMessageID).First(&parent).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrMessageNotFound
			}
			return err
		}
		if parent.MessageTreeID != *t.MessageTreeID {
			return fmt.Errorf("parent %s belongs to tree %s, task targets %s",
				parent.ID, parent.MessageTreeID, *t.MessageTreeID)
		}
		if want := parent.Role.ReplyRole(); want != t.Type.ReplyRole() {
			return fmt.Errorf("%w: %s under a %s message", ErrWrongTaskType, t.Type, parent.Role)
		}

		if reply.CheckDuplicate {
			dup, err := hasDuplicateSibling(tx, parent.ID, reply.Text)
			if err != nil {
				return err
			}
			if dup {
				return ErrDuplicateContent
			}
		}

		msg.ParentID = &parent.ID
		msg.MessageTreeID = parent.MessageTreeID
		msg.Role = t.Type.ReplyRole()
		msg.Depth = parent.Depth + 1
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		return tx.Model(&model.Message{}).Where("id = ?", parent.ID).
			Update("children_count", gorm.Expr("children_count + ?", 1)).Error
	})
	if err != nil {
		return nil, nil, err
	}

	r.log.Info("text reply stored",
		zap.String("message_id", msg.ID.String()),
		zap.String("tree_id", msg.MessageTreeID.String()),
		zap.String("task_type", string(t.Type)),
		zap.Int("depth", msg.Depth),
	)
	return msg, t, nil
}

// StoreTextLabels consumes the task bound to labels.Handle and records one
// row per (labeler, dimension). The returned Message carries the updated
// review count.
func (r *Repository) StoreTextLabels(ctx context.Context, labels Labels) (*model.Task, *model.Message, error) {
	if err := r.checkLabels(labels.Labels); err != nil {
		return nil, nil, err
	}

	var (
		t   *model.Task
		msg model.Message
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		t, err = r.tasks.WithDB(tx).ConsumeByHandle(ctx, labels.Handle)
		if err != nil {
			return err
		}
		if t.Type.Submission() != model.SubmissionTextLabels {
			return fmt.Errorf("%w: %s", ErrWrongTaskType, t.Type)
		}
		if err := checkOwner(t, &labels.UserID); err != nil {
			return err
		}
		if t.ParentMessageID == nil || *t.ParentMessageID != labels.MessageID {
			return fmt.Errorf("%w: labels target %s, task targets another message", model.ErrInvalidPayload, labels.MessageID)
		}

		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", labels.MessageID).First(&msg).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrMessageNotFound
			}
			return err
		}

		raw, err := json.Marshal(labels.Labels)
		if err != nil {
			return err
		}
		now := r.now()
		row := model.TextLabels{
			ID:        uuid.New(),
			MessageID: msg.ID,
			UserID:    labels.UserID,
			TaskID:    t.ID,
			Labels:    datatypes.JSON(raw),
			Text:      labels.Text,
			CreatedAt: now,
		}
		if err := tx.Create(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: message already labeled by this user", ErrDuplicateContent)
			}
			return err
		}

		dims := make([]model.MessageLabel, 0, len(labels.Labels))
		for dim, v := range labels.Labels {
			dims = append(dims, model.MessageLabel{
				MessageID: msg.ID,
				UserID:    labels.UserID,
				Dimension: dim,
				Value:     v,
				CreatedAt: now,
			})
		}
		if err := tx.Create(&dims).Error; err != nil {
			return err
		}

		msg.ReviewCount++
		return tx.Model(&model.Message{}).Where("id = ?", msg.ID).
			Update("review_count", gorm.Expr("review_count + ?", 1)).Error
	})
	if err != nil {
		return nil, nil, err
	}
	return t, &msg, nil
}

// StoreRanking consumes the task bound to ranking.Handle and records the
// ordering. The ranking must be a permutation of the replies the task showed.
// The returned Message is the ranked parent.
func (r *Repository) StoreRanking(ctx context.Context, ranking Ranking) (*model.Task, *model.Message, error) {
	var (
		t      *model.Task
		parent model.Message
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		t, err = r.tasks.WithDB(tx).ConsumeByHandle(ctx, ranking.Handle)
		if err != nil {
			return err
		}
		if t.Type.Submission() != model.SubmissionRanking {
			return fmt.Errorf("%w: %s", ErrWrongTaskType, t.Type)
		}
		if err := checkOwner(t, &ranking.UserID); err != nil {
			return err
		}
		if t.ParentMessageID == nil {
			return fmt.Errorf("%w: ranking task %s has no parent", model.ErrInvalidPayload, t.ID)
		}
		p, err := model.DecodePayload(t.Type, t.Payload)
		if err != nil {
			return err
		}
		if err := checkPermutation(p.(*model.RankPayload).Replies, ranking.Ranking); err != nil {
			return err
		}

		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", *t.ParentMessageID).First(&parent).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrMessageNotFound
			}
			return err
		}

		raw, err := json.Marshal(ranking.Ranking)
		if err != nil {
			return err
		}
		row := model.MessageRanking{
			ID:              uuid.New(),
			ParentMessageID: parent.ID,
			UserID:          ranking.UserID,
			MessageTreeID:   parent.MessageTreeID,
			TaskID:          t.ID,
			Ranking:         datatypes.JSON(raw),
			CreatedAt:       r.now(),
		}
		if err := tx.Create(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: replies already ranked by this user", ErrDuplicateContent)
			}
			return err
		}

		parent.RankingCount++
		return tx.Model(&model.Message{}).Where("id = ?", parent.ID).
			Update("ranking_count", gorm.Expr("ranking_count + ?", 1)).Error
	})
	if err != nil {
		return nil, nil, err
	}
	return t, &parent, nil
}

// InsertToxicity upserts the toxicity result keyed by (message, model); the
// latest call wins.
func (r *Repository) InsertToxicity(ctx context.Context, messageID uuid.UUID, modelName string, score float64, label string) error {
	if err := r.ensureMessage(ctx, messageID); err != nil {
		return err
	}
	row := model.MessageToxicity{
		MessageID: messageID,
		Model:     modelName,
		Score:     score,
		Label:     label,
		UpdatedAt: r.now(),
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}, {Name: "model"}},
		DoUpdates: clause.AssignmentColumns([]string{"score", "label", "updated_at"}),
	}).Create(&row).Error
}

// InsertMessageEmbedding upserts the embedding keyed by (message, model).
func (r *Repository) InsertMessageEmbedding(ctx context.Context, messageID uuid.UUID, modelName string, embedding []float64) error {
	if len(embedding) == 0 {
		return fmt.Errorf("%w: empty embedding", model.ErrInvalidPayload)
	}
	if err := r.ensureMessage(ctx, messageID); err != nil {
		return err
	}
	raw, err := json.Marshal(embedding)
	if err != nil {
		return err
	}
	row := model.MessageEmbedding{
		MessageID: messageID,
		Model:     modelName,
		Embedding: datatypes.JSON(raw),
		UpdatedAt: r.now(),
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}, {Name: "model"}},
		DoUpdates: clause.AssignmentColumns([]string{"embedding", "updated_at"}),
	}).Create(&row).Error
}

// FetchMessage loads a message with its toxicity attachments.
func (r *Repository) FetchMessage(ctx context.Context, id uuid.UUID) (*model.Message, error) {
	var m model.Message
	if err := r.db.WithContext(ctx).Preload("Toxicity").Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return &m, nil
}

// FetchMessageConversation returns the root-to-msg path, oldest first.
func (r *Repository) FetchMessageConversation(ctx context.Context, msg *model.Message) ([]model.Message, error) {
	tree, err := r.FetchTree(ctx, msg.MessageTreeID)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]model.Message, len(tree))
	for _, m := range tree {
		byID[m.ID] = m
	}

	path := []model.Message{*msg}
	cur := *msg
	for cur.ParentID != nil {
		p, ok := byID[*cur.ParentID]
		if !ok {
			return nil, fmt.Errorf("conversation of %s: %w: parent %s", msg.ID, ErrMessageNotFound, *cur.ParentID)
		}
		if len(path) > len(tree) {
			return nil, fmt.Errorf("conversation of %s: parent cycle", msg.ID)
		}
		path = append(path, p)
		cur = p
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// FetchTree returns every non-deleted message of a tree by depth, then age.
func (r *Repository) FetchTree(ctx context.Context, treeID uuid.UUID) ([]model.Message, error) {
	var msgs []model.Message
	err := r.db.WithContext(ctx).
		Where("message_tree_id = ? AND deleted = ?", treeID, false).
		Order("depth ASC, created_at ASC").
		Find(&msgs).Error
	return msgs, err
}

// LabelMeans averages each dimension over labelers of a message.
func (r *Repository) LabelMeans(ctx context.Context, messageID uuid.UUID) (map[string]float64, error) {
	var rows []struct {
		Dimension string
		Mean      float64
	}
	err := r.db.WithContext(ctx).Model(&model.MessageLabel{}).
		Select("dimension, AVG(value) AS mean").
		Where("message_id = ?", messageID).
		Group("dimension").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	means := make(map[string]float64, len(rows))
	for _, row := range rows {
		means[row.Dimension] = row.Mean
	}
	return means, nil
}

// CountReviews counts distinct labelers of a message.
func (r *Repository) CountReviews(ctx context.Context, messageID uuid.UUID) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.TextLabels{}).Where("message_id = ?", messageID).Count(&n).Error
	return n, err
}

// SetReviewResult attaches the review verdict to a message.
func (r *Repository) SetReviewResult(ctx context.Context, messageID uuid.UUID, accepted bool) error {
	return r.db.WithContext(ctx).Model(&model.Message{}).Where("id = ?", messageID).
		Update("review_result", accepted).Error
}

// Rankings returns every ranking submitted for the children of parentID.
func (r *Repository) Rankings(ctx context.Context, parentID uuid.UUID) ([]model.MessageRanking, error) {
	var rows []model.MessageRanking
	err := r.db.WithContext(ctx).Where("parent_message_id = ?", parentID).Order("created_at ASC").Find(&rows).Error
	return rows, err
}

// SetRankScores stores aggregated rank scores.
func (r *Repository) SetRankScores(ctx context.Context, scores map[uuid.UUID]float64) error {
	for id, score := range scores {
		if err := r.db.WithContext(ctx).Model(&model.Message{}).Where("id = ?", id).
			Update("rank_score", score).Error; err != nil {
			return err
		}
	}
	return nil
}

// ─────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────

// Conversation projects messages for a task payload.
func Conversation(msgs []model.Message) []model.ConversationMessage {
	out := make([]model.ConversationMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, model.ConversationMessage{ID: m.ID, Role: m.Role, Text: m.Text, Lang: m.Lang})
	}
	return out
}

func (r *Repository) ensureMessage(ctx context.Context, id uuid.UUID) error {
	var n int64
	if err := r.db.WithContext(ctx).Model(&model.Message{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func (r *Repository) checkLabels(labels map[string]float64) error {
	if len(labels) == 0 {
		return fmt.Errorf("%w: no labels", model.ErrInvalidPayload)
	}
	valid := make(map[string]bool, len(r.policy.Valid))
	for _, l := range r.policy.Valid {
		valid[l] = true
	}
	for name, v := range labels {
		if len(valid) > 0 && !valid[name] {
			return fmt.Errorf("%w: unknown label %q", model.ErrInvalidPayload, name)
		}
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: label %q out of range", model.ErrInvalidPayload, name)
		}
	}
	for _, name := range r.policy.Mandatory {
		if _, ok := labels[name]; !ok {
			return fmt.Errorf("%w: mandatory label %q missing", model.ErrInvalidPayload, name)
		}
	}
	return nil
}

// checkOwner rejects a submission by someone other than the user the task
// was issued to.
func checkOwner(t *model.Task, userID *uuid.UUID) error {
	if t.UserID == nil || userID == nil || *t.UserID == *userID {
		return nil
	}
	return task.ErrTaskNotFound
}

func hasDuplicateSibling(tx *gorm.DB, parentID uuid.UUID, text string) (bool, error) {
	var siblings []string
	if err := tx.Model(&model.Message{}).
		Where("parent_id = ? AND deleted = ?", parentID, false).
		Pluck("text", &siblings).Error; err != nil {
		return false, err
	}
	norm := model.NormalizeText(text)
	for _, s := range siblings {
		if model.NormalizeText(s) == norm {
			return true, nil
		}
	}
	return false, nil
}

func checkPermutation(replies []model.ConversationMessage, ranking []uuid.UUID) error {
	if len(replies) != len(ranking) {
		return fmt.Errorf("%w: ranking has %d entries, task shows %d replies", model.ErrInvalidPayload, len(ranking), len(replies))
	}
	want := make(map[uuid.UUID]bool, len(replies))
	for _, m := range replies {
		want[m.ID] = true
	}
	for _, id := range ranking {
		if !want[id] {
			return fmt.Errorf("%w: ranking is not a permutation of the shown replies", model.ErrInvalidPayload)
		}
		delete(want, id)
	}
	return nil
}
