package tree

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/taskmgr818/treeforge/internal/auth"
	"github.com/taskmgr818/treeforge/internal/model"
	"github.com/taskmgr818/treeforge/internal/prompt"
	"github.com/taskmgr818/treeforge/internal/task"
	"go.uber.org/zap"
)

// TaskRequest is request_task as seen by the tree manager. An empty Type
// accepts any task type; a zero TTL uses the configured task TTL.
type TaskRequest struct {
	Type     model.TaskType
	Lang     string
	ClientID uuid.UUID
	UserID   *uuid.UUID
	TTL      time.Duration
}

type candidate struct {
	typ     model.TaskType
	tree    *uuid.UUID
	parent  *uuid.UUID
	payload model.TaskPayload
}

// QueryPromptsNeedReview returns root prompts in initial review, in lang
// (any language when empty), still short of the review quorum. A nil and an
// empty result both mean there is nothing to do.
func (m *Manager) QueryPromptsNeedReview(ctx context.Context, lang string) ([]model.Message, error) {
	var msgs []model.Message
	q := m.db.WithContext(ctx).Model(&model.Message{}).
		Joins("JOIN message_tree_states ON message_tree_states.message_tree_id = messages.id").
		Where("message_tree_states.state = ? AND messages.parent_id IS NULL AND messages.deleted = ?",
			model.TreeStateInitialPromptReview, false).
		Where("messages.review_count < ?", m.cfg.NumReviewsInitialPrompt)
	if lang != "" {
		q = q.Where("messages.lang = ?", lang)
	}
	if err := q.Order("messages.created_at ASC").Limit(m.cfg.CandidateLimit).Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("query prompts need review: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs, nil
}

// NextTask selects the most useful piece of work for req and issues it.
// Work that finishes trees is preferred: rankings, then reviews, then
// replies, then new prompts. A candidate whose key is already claimed is
// skipped. ErrNoTaskAvailable means nothing matched.
func (m *Manager) NextTask(ctx context.Context, req TaskRequest) (*model.Task, error) {
	if req.Type != "" && !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown task type %q", model.ErrInvalidPayload, req.Type)
	}
	off, err := m.disabled(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if off {
		return nil, auth.ErrUserDisabled
	}

	generators := []func(context.Context, TaskRequest) ([]candidate, error){
		m.rankCandidates,
		m.labelPromptCandidates,
		m.labelReplyCandidates,
		m.replyCandidates,
		m.initialPromptCandidates,
	}
	for _, gen := range generators {
		cands, err := gen(ctx, req)
		if err != nil {
			return nil, err
		}
		for _, c := range cands {
			if req.Type != "" && c.typ != req.Type {
				continue
			}
			t, err := m.tasks.Issue(ctx, task.IssueRequest{
				TreeID:   c.tree,
				ParentID: c.parent,
				Type:     c.typ,
				ClientID: req.ClientID,
				UserID:   req.UserID,
				Payload:  c.payload,
				TTL:      m.ttl(req.TTL),
			})
			if errors.Is(err, task.ErrConflict) {
				continue
			}
			if err != nil {
				return nil, err
			}
			return t, nil
		}
	}
	m.log.Debug("no task available", zap.String("type", string(req.Type)), zap.String("lang", req.Lang))
	return nil, ErrNoTaskAvailable
}

// IssueLabelTask issues a label task aimed at target itself rather than one
// picked by NextTask. Automated labelers use it. ErrNoTaskAvailable means
// req.UserID may not label target.
func (m *Manager) IssueLabelTask(ctx context.Context, req TaskRequest, target *model.Message) (*model.Task, error) {
	ok, err := m.mayLabel(ctx, target, req.UserID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoTaskAvailable
	}
	conv, err := m.prompts.FetchMessageConversation(ctx, target)
	if err != nil {
		return nil, err
	}
	typ := model.TaskTypeLabelInitialPrompt
	switch {
	case target.IsRoot():
	case target.Role == model.RoleAssistant:
		typ = model.TaskTypeLabelAssistantReply
	default:
		typ = model.TaskTypeLabelPrompterReply
	}
	c := m.labelCandidate(typ, conv)
	return m.tasks.Issue(ctx, task.IssueRequest{
		TreeID:   c.tree,
		ParentID: c.parent,
		Type:     c.typ,
		ClientID: req.ClientID,
		UserID:   req.UserID,
		Payload:  c.payload,
		TTL:      m.ttl(req.TTL),
	})
}

func (m *Manager) ttl(override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return m.cfg.TaskTTL
}

func (m *Manager) wants(req TaskRequest, types ...model.TaskType) bool {
	if req.Type == "" {
		return true
	}
	for _, t := range types {
		if t == req.Type {
			return true
		}
	}
	return false
}

func (m *Manager) treesIn(ctx context.Context, state model.TreeState, lang string) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	q := m.db.WithContext(ctx).Model(&model.MessageTreeState{}).Where("state = ?", state)
	if lang != "" {
		q = q.Where("lang = ?", lang)
	}
	err := q.Order("updated_at ASC").Limit(m.cfg.CandidateLimit).Pluck("message_tree_id", &ids).Error
	return ids, err
}

func (m *Manager) rankCandidates(ctx context.Context, req TaskRequest) ([]candidate, error) {
	if !m.wants(req, model.TaskTypeRankAssistantReplies, model.TaskTypeRankPrompterReplies) {
		return nil, nil
	}
	trees, err := m.treesIn(ctx, model.TreeStateRanking, req.Lang)
	if err != nil {
		return nil, err
	}
	var out []candidate
	for _, treeID := range trees {
		msgs, err := m.prompts.FetchTree(ctx, treeID)
		if err != nil {
			return nil, err
		}
		rows, err := m.treeRankings(ctx, treeID)
		if err != nil {
			return nil, err
		}
		sets := comparisonSets(msgs)
		if _, err := attachRankings(sets, rows, m.cfg.NumRequiredRankings); err != nil {
			return nil, err
		}
		byID := indexMessages(msgs)
		for _, set := range sets {
			if len(set.Rankings) >= m.cfg.NumRequiredRankings || rankedBy(rows, set.Parent, req.UserID) {
				continue
			}
			parent := byID[set.Parent]
			conv, err := m.prompts.FetchMessageConversation(ctx, &parent)
			if err != nil {
				return nil, err
			}
			replies := make([]model.Message, 0, len(set.Children))
			for _, id := range set.Children {
				replies = append(replies, byID[id])
			}
			typ := model.TaskTypeRankPrompterReplies
			if parent.Role.ReplyRole() == model.RoleAssistant {
				typ = model.TaskTypeRankAssistantReplies
			}
			tree, p := treeID, set.Parent
			out = append(out, candidate{
				typ:    typ,
				tree:   &tree,
				parent: &p,
				payload: &model.RankPayload{
					Conversation: prompt.Conversation(conv),
					Replies:      prompt.Conversation(replies),
				},
			})
		}
	}
	return out, nil
}

func (m *Manager) labelPromptCandidates(ctx context.Context, req TaskRequest) ([]candidate, error) {
	if !m.wants(req, model.TaskTypeLabelInitialPrompt) {
		return nil, nil
	}
	roots, err := m.QueryPromptsNeedReview(ctx, req.Lang)
	if err != nil || roots == nil {
		return nil, err
	}
	var out []candidate
	for i := range roots {
		root := roots[i]
		ok, err := m.mayLabel(ctx, &root, req.UserID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, m.labelCandidate(model.TaskTypeLabelInitialPrompt, []model.Message{root}))
	}
	return out, nil
}

func (m *Manager) labelReplyCandidates(ctx context.Context, req TaskRequest) ([]candidate, error) {
	if !m.wants(req, model.TaskTypeLabelAssistantReply, model.TaskTypeLabelPrompterReply) {
		return nil, nil
	}
	var msgs []model.Message
	q := m.db.WithContext(ctx).Model(&model.Message{}).
		Joins("JOIN message_tree_states ON message_tree_states.message_tree_id = messages.message_tree_id").
		Where("message_tree_states.state = ? AND messages.parent_id IS NOT NULL AND messages.deleted = ?",
			model.TreeStateGrowing, false).
		Where("messages.review_result IS NULL AND messages.review_count < ?", m.cfg.NumReviewsReply)
	if req.Lang != "" {
		q = q.Where("messages.lang = ?", req.Lang)
	}
	if err := q.Order("messages.created_at ASC").Limit(m.cfg.CandidateLimit).Find(&msgs).Error; err != nil {
		return nil, err
	}

	var out []candidate
	for i := range msgs {
		msg := msgs[i]
		ok, err := m.mayLabel(ctx, &msg, req.UserID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		conv, err := m.prompts.FetchMessageConversation(ctx, &msg)
		if err != nil {
			return nil, err
		}
		typ := model.TaskTypeLabelPrompterReply
		if msg.Role == model.RoleAssistant {
			typ = model.TaskTypeLabelAssistantReply
		}
		out = append(out, m.labelCandidate(typ, conv))
	}
	return out, nil
}

// labelCandidate targets the last message of conv.
func (m *Manager) labelCandidate(typ model.TaskType, conv []model.Message) candidate {
	target := conv[len(conv)-1]
	tree, id := target.MessageTreeID, target.ID
	return candidate{
		typ:    typ,
		tree:   &tree,
		parent: &id,
		payload: &model.LabelPayload{
			MessageID:       id,
			Conversation:    prompt.Conversation(conv),
			ValidLabels:     m.cfg.ValidLabels,
			MandatoryLabels: m.cfg.MandatoryLabels,
		},
	}
}

func (m *Manager) replyCandidates(ctx context.Context, req TaskRequest) ([]candidate, error) {
	if !m.wants(req, model.TaskTypeAssistantReply, model.TaskTypePrompterReply) {
		return nil, nil
	}
	trees, err := m.treesIn(ctx, model.TreeStateGrowing, req.Lang)
	if err != nil {
		return nil, err
	}

	var out []candidate
	for _, treeID := range trees {
		msgs, err := m.prompts.FetchTree(ctx, treeID)
		if err != nil {
			return nil, err
		}
		if len(msgs) >= m.cfg.GoalTreeSize {
			continue
		}
		replies := make(map[uuid.UUID]int, len(msgs))
		for _, msg := range msgs {
			if msg.ParentID != nil && !msg.Rejected() {
				replies[*msg.ParentID]++
			}
		}

		var open []model.Message
		for _, msg := range msgs {
			if msg.Depth >= m.cfg.MaxTreeDepth || !(msg.IsRoot() || msg.Accepted()) {
				continue
			}
			if replies[msg.ID] >= m.cfg.MaxChildrenCount || ownedBy(&msg, req.UserID) {
				continue
			}
			pending, err := m.tasks.CountOutstanding(ctx, msg.ID, model.TaskTypeAssistantReply, model.TaskTypePrompterReply)
			if err != nil {
				return nil, err
			}
			if replies[msg.ID]+int(pending) >= m.cfg.MaxChildrenCount {
				continue
			}
			open = append(open, msg)
		}
		sort.SliceStable(open, func(i, j int) bool {
			if replies[open[i].ID] != replies[open[j].ID] {
				return replies[open[i].ID] < replies[open[j].ID]
			}
			return open[i].Depth < open[j].Depth
		})

		byID := indexMessages(msgs)
		for _, msg := range open {
			conv := pathTo(byID, msg)
			typ := model.TaskTypePrompterReply
			if msg.Role.ReplyRole() == model.RoleAssistant {
				typ = model.TaskTypeAssistantReply
			}
			tree, parent := treeID, msg.ID
			out = append(out, candidate{
				typ:     typ,
				tree:    &tree,
				parent:  &parent,
				payload: &model.ReplyPayload{Conversation: prompt.Conversation(conv)},
			})
		}
	}
	return out, nil
}

func (m *Manager) initialPromptCandidates(_ context.Context, req TaskRequest) ([]candidate, error) {
	if !m.wants(req, model.TaskTypeInitialPrompt) {
		return nil, nil
	}
	return []candidate{{typ: model.TaskTypeInitialPrompt, payload: &model.InitialPromptPayload{}}}, nil
}

// mayLabel excludes a user's own messages and messages they already labeled.
func (m *Manager) mayLabel(ctx context.Context, msg *model.Message, userID *uuid.UUID) (bool, error) {
	if userID == nil {
		return true, nil
	}
	if ownedBy(msg, userID) {
		return false, nil
	}
	var n int64
	err := m.db.WithContext(ctx).Model(&model.TextLabels{}).
		Where("message_id = ? AND user_id = ?", msg.ID, *userID).Count(&n).Error
	return n == 0, err
}

func ownedBy(msg *model.Message, userID *uuid.UUID) bool {
	return userID != nil && msg.UserID != nil && *msg.UserID == *userID
}

func rankedBy(rows []model.MessageRanking, parent uuid.UUID, userID *uuid.UUID) bool {
	if userID == nil {
		return false
	}
	for _, r := range rows {
		if r.ParentMessageID == parent && r.UserID == *userID {
			return true
		}
	}
	return false
}

func indexMessages(msgs []model.Message) map[uuid.UUID]model.Message {
	byID := make(map[uuid.UUID]model.Message, len(msgs))
	for _, msg := range msgs {
		byID[msg.ID] = msg
	}
	return byID
}

// pathTo walks parent links from msg to the root, returned oldest first.
func pathTo(byID map[uuid.UUID]model.Message, msg model.Message) []model.Message {
	path := []model.Message{msg}
	for cur := msg; cur.ParentID != nil; {
		p, ok := byID[*cur.ParentID]
		if !ok || len(path) > len(byID) {
			break
		}
		path = append(path, p)
		cur = p
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
