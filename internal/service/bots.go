package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/taskmgr818/treeforge/internal/auth"
	"github.com/taskmgr818/treeforge/internal/model"
	"github.com/taskmgr818/treeforge/internal/tree"
	"go.uber.org/zap"
)

// BotTaskTTL bounds tasks claimed by automated workers, so a failed run
// frees its slot quickly.
const BotTaskTTL = 5 * time.Minute

// Composer writes the text of a reply to conv.
type Composer interface {
	Compose(ctx context.Context, conv []model.ConversationMessage) (string, error)
}

// PromptsNeedReview lists initial prompts in lang that still need reviews.
func (w *Workflow) PromptsNeedReview(ctx context.Context, lang string) ([]model.Message, error) {
	return w.trees.QueryPromptsNeedReview(ctx, lang)
}

// LabelAs labels target on behalf of bot through the normal
// issue → bind → submit path.
func (w *Workflow) LabelAs(ctx context.Context, client *auth.APIClient, bot model.UserRef, target *model.Message, labels map[string]float64) (*model.SubmitResponse, error) {
	user, err := w.resolveUser(ctx, client, &bot)
	if err != nil {
		return nil, err
	}
	t, err := w.trees.IssueLabelTask(ctx, tree.TaskRequest{
		ClientID: client.ID,
		UserID:   &user.ID,
		TTL:      BotTaskTTL,
	}, target)
	if err != nil {
		return nil, err
	}
	return w.submitAs(ctx, client, bot, t, model.SubmissionTextLabels, model.LabelsSubmission{
		MessageID: target.ID,
		Labels:    labels,
		Lang:      target.Lang,
	}, true)
}

// ReplyAs claims an assistant reply task in lang for bot, asks composer
// for the text and stores it. Duplicate sibling text is allowed.
func (w *Workflow) ReplyAs(ctx context.Context, client *auth.APIClient, bot model.UserRef, lang string, composer Composer) (*model.SubmitResponse, error) {
	user, err := w.resolveUser(ctx, client, &bot)
	if err != nil {
		return nil, err
	}
	t, err := w.trees.NextTask(ctx, tree.TaskRequest{
		Type:     model.TaskTypeAssistantReply,
		Lang:     lang,
		ClientID: client.ID,
		UserID:   &user.ID,
		TTL:      BotTaskTTL,
	})
	if err != nil {
		return nil, err
	}
	p, err := model.DecodePayload(t.Type, t.Payload)
	if err != nil {
		return nil, err
	}
	payload, ok := p.(*model.ReplyPayload)
	if !ok {
		return nil, fmt.Errorf("%w: %s carries %T", model.ErrInvalidPayload, t.Type, p)
	}
	text, err := composer.Compose(ctx, payload.Conversation)
	if err != nil {
		return nil, fmt.Errorf("compose reply for task %s: %w", t.ID, err)
	}
	return w.submitAs(ctx, client, bot, t, model.SubmissionTextReply, model.TextReplySubmission{
		Text: text,
		Lang: lang,
	}, false)
}

func (w *Workflow) submitAs(ctx context.Context, client *auth.APIClient, bot model.UserRef, t *model.Task,
	kind model.SubmissionKind, payload interface{}, checkDuplicate bool) (*model.SubmitResponse, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	handle := "bot-" + uuid.NewString()
	if err := w.tasks.BindHandle(ctx, t.ID, handle); err != nil {
		return nil, err
	}
	resp, err := w.submit(ctx, client, model.SubmitRequest{
		Type:    kind,
		Handle:  handle,
		User:    &bot,
		Payload: raw,
	}, checkDuplicate)
	if err != nil {
		return nil, err
	}
	w.log.Info("bot submission stored",
		zap.String("bot", bot.ID),
		zap.String("task_id", t.ID.String()),
		zap.String("type", string(t.Type)),
	)
	return resp, nil
}
