package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/taskmgr818/treeforge/internal/auth"
	"github.com/taskmgr818/treeforge/internal/credit"
	"github.com/taskmgr818/treeforge/internal/model"
	"github.com/taskmgr818/treeforge/internal/prompt"
	"github.com/taskmgr818/treeforge/internal/store"
	"github.com/taskmgr818/treeforge/internal/task"
	"github.com/taskmgr818/treeforge/internal/tree"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrUserRequired is returned for label and ranking submissions without a
// worker identity; those rows are keyed by user.
var ErrUserRequired = errors.New("submission requires a user")

// Publisher queues scoring jobs. ws.Hub implements it.
type Publisher interface {
	Publish(ctx context.Context, job model.ScoreJob) (string, error)
}

// ScoringModels names the models new messages are scored with. An empty
// name skips that kind.
type ScoringModels struct {
	Toxicity  string
	Embedding string
}

// Workflow orchestrates the request → ack → submit lifecycle:
//
//	resolve user → select & issue task → bind handle →
//	consume & persist → re-evaluate tree → credit → (after commit) score
type Workflow struct {
	store   *store.Store
	users   auth.UserService
	credit  credit.Service
	tasks   *task.Repository
	prompts *prompt.Repository
	trees   *tree.Manager
	scoring Publisher
	models  ScoringModels
	log     *zap.Logger
	now     func() time.Time
}

// NewWorkflow creates the service. A nil scoring publisher disables scoring.
func NewWorkflow(
	st *store.Store,
	users auth.UserService,
	creditSvc credit.Service,
	tasks *task.Repository,
	prompts *prompt.Repository,
	trees *tree.Manager,
	scoring Publisher,
	models ScoringModels,
	log *zap.Logger,
) *Workflow {
	return &Workflow{
		store:   st,
		users:   users,
		credit:  creditSvc,
		tasks:   tasks,
		prompts: prompts,
		trees:   trees,
		scoring: scoring,
		models:  models,
		log:     log.Named("workflow"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RequestTask resolves the worker and issues the most useful task for them.
func (w *Workflow) RequestTask(ctx context.Context, client *auth.APIClient, req model.TaskRequest) (*model.Task, error) {
	user, err := w.resolveUser(ctx, client, req.User)
	if err != nil {
		return nil, err
	}
	tr := tree.TaskRequest{Type: req.Type, Lang: req.Lang, ClientID: client.ID}
	if user != nil {
		tr.UserID = &user.ID
	}
	t, err := w.trees.NextTask(ctx, tr)
	if err != nil {
		return nil, err
	}
	w.log.Info("task issued",
		zap.String("task_id", t.ID.String()),
		zap.String("type", string(t.Type)),
		zap.String("client_id", client.ID.String()),
	)
	return t, nil
}

// AckTask binds the frontend's handle to a task the client was issued.
func (w *Workflow) AckTask(ctx context.Context, client *auth.APIClient, taskID uuid.UUID, handle string) error {
	t, err := w.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.APIClientID != client.ID {
		return task.ErrTaskNotFound
	}
	return w.tasks.BindHandle(ctx, taskID, handle)
}

// Submit records a submission against the task bound to req.Handle. The
// task is consumed, the rows written, the owning tree re-evaluated and the
// worker credited in one transaction; scoring jobs for new text are queued
// after it commits.
func (w *Workflow) Submit(ctx context.Context, client *auth.APIClient, req model.SubmitRequest) (*model.SubmitResponse, error) {
	return w.submit(ctx, client, req, true)
}

func (w *Workflow) submit(ctx context.Context, client *auth.APIClient, req model.SubmitRequest, checkDuplicate bool) (*model.SubmitResponse, error) {
	sub, err := model.DecodeSubmission(req.Type, req.Payload)
	if err != nil {
		return nil, err
	}
	pending, err := w.tasks.GetByHandle(ctx, req.Handle)
	if err != nil {
		return nil, err
	}
	if pending.APIClientID != client.ID {
		return nil, task.ErrTaskNotFound
	}
	if pending.Type.Submission() != req.Type {
		return nil, fmt.Errorf("%w: %s does not complete a %s task", prompt.ErrWrongTaskType, req.Type, pending.Type)
	}
	user, err := w.resolveUser(ctx, client, req.User)
	if err != nil {
		return nil, err
	}

	var (
		resp    = &model.SubmitResponse{Accepted: true}
		created *model.Message
	)
	err = w.store.Tx(ctx, func(tx *gorm.DB) error {
		prompts := w.prompts.WithDB(tx)
		trees := w.trees.WithDB(tx)
		var consumed *model.Task

		switch s := sub.(type) {
		case *model.TextReplySubmission:
			reply := prompt.TextReply{Handle: req.Handle, Text: s.Text, Lang: s.Lang, CheckDuplicate: checkDuplicate}
			if user != nil {
				reply.UserID = &user.ID
			}
			msg, t, err := prompts.StoreTextReply(ctx, reply)
			if err != nil {
				return err
			}
			if t.Type == model.TaskTypeInitialPrompt {
				if _, err := trees.OnInitialPrompt(ctx, msg); err != nil {
					return err
				}
			} else if _, err := trees.CheckConditionForRankingState(ctx, msg.MessageTreeID); err != nil {
				return err
			}
			consumed, created = t, msg
			resp.MessageID = &msg.ID

		case *model.LabelsSubmission:
			if user == nil {
				return ErrUserRequired
			}
			target := s.MessageID
			if target == uuid.Nil && pending.ParentMessageID != nil {
				target = *pending.ParentMessageID
			}
			t, msg, err := prompts.StoreTextLabels(ctx, prompt.Labels{
				Handle: req.Handle, MessageID: target, Labels: s.Labels,
				Text: s.Text, Lang: s.Lang, UserID: user.ID,
			})
			if err != nil {
				return err
			}
			if err := trees.OnMessageLabeled(ctx, msg); err != nil {
				return err
			}
			consumed = t
			resp.MessageID = &msg.ID

		case *model.RankingSubmission:
			if user == nil {
				return ErrUserRequired
			}
			t, parent, err := prompts.StoreRanking(ctx, prompt.Ranking{
				Handle: req.Handle, Ranking: s.Ranking, UserID: user.ID,
			})
			if err != nil {
				return err
			}
			if _, err := trees.CheckConditionForScoring(ctx, parent.MessageTreeID); err != nil {
				return err
			}
			consumed = t
			resp.MessageID = &parent.ID
		}

		resp.TaskID = consumed.ID
		if user == nil {
			return nil
		}
		if _, err := w.credit.WithDB(tx).Award(ctx, user.ID, consumed.ID, consumed.Type); err != nil {
			return fmt.Errorf("award credit: %w", err)
		}
		return w.users.WithDB(tx).MarkActivity(ctx, user.ID, w.now())
	})
	if err != nil {
		return nil, err
	}

	if created != nil {
		w.requestScoring(ctx, created)
	}
	return resp, nil
}

// AttachScore upserts a scoring result reported over HTTP.
func (w *Workflow) AttachScore(ctx context.Context, cb model.ScoreCallback) error {
	switch cb.Kind {
	case model.ScoreKindToxicity:
		return w.prompts.InsertToxicity(ctx, cb.MessageID, cb.Model, cb.Score, cb.Label)
	case model.ScoreKindEmbedding:
		return w.prompts.InsertMessageEmbedding(ctx, cb.MessageID, cb.Model, cb.Embedding)
	}
	return fmt.Errorf("%w: unknown score kind %q", model.ErrInvalidPayload, cb.Kind)
}

// Message returns one message with its toxicity results.
func (w *Workflow) Message(ctx context.Context, id uuid.UUID) (*model.Message, error) {
	return w.prompts.FetchMessage(ctx, id)
}

// Conversation returns the path from the root to the message, oldest first.
func (w *Workflow) Conversation(ctx context.Context, id uuid.UUID) ([]model.Message, error) {
	msg, err := w.prompts.FetchMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	return w.prompts.FetchMessageConversation(ctx, msg)
}

// SetUserEnabled toggles a worker. Disabling also releases their
// outstanding tasks.
func (w *Workflow) SetUserEnabled(ctx context.Context, userID uuid.UUID, enabled bool) error {
	return w.store.Tx(ctx, func(tx *gorm.DB) error {
		if err := w.users.WithDB(tx).SetEnabled(ctx, userID, enabled); err != nil {
			return err
		}
		if enabled {
			return nil
		}
		n, err := w.tasks.WithDB(tx).HaltTasksForDisabledUsers(ctx)
		if err != nil {
			return err
		}
		w.log.Info("user disabled", zap.String("user_id", userID.String()), zap.Int64("tasks_released", n))
		return nil
	})
}

// RetryScoring re-runs aggregation for trees whose scoring failed.
func (w *Workflow) RetryScoring(ctx context.Context) (int, error) {
	return w.trees.RetryScoringFailedMessageTrees(ctx)
}

func (w *Workflow) resolveUser(ctx context.Context, client *auth.APIClient, ref *model.UserRef) (*auth.User, error) {
	if ref == nil {
		return nil, nil
	}
	user, err := w.users.LookupOrCreate(ctx, client.ID, *ref)
	if err != nil {
		return nil, fmt.Errorf("resolve user: %w", err)
	}
	if !user.Enabled || user.Deleted {
		return nil, auth.ErrUserDisabled
	}
	return user, nil
}

// requestScoring queues toxicity and embedding jobs for msg. Failures are
// logged; the submission already committed.
func (w *Workflow) requestScoring(ctx context.Context, msg *model.Message) {
	if w.scoring == nil {
		return
	}
	for kind, modelName := range map[model.ScoreKind]string{
		model.ScoreKindToxicity:  w.models.Toxicity,
		model.ScoreKindEmbedding: w.models.Embedding,
	} {
		if modelName == "" {
			continue
		}
		_, err := w.scoring.Publish(ctx, model.ScoreJob{
			MessageID: msg.ID,
			Kind:      kind,
			Model:     modelName,
			Text:      msg.Text,
			CreatedAt: w.now(),
		})
		if err != nil {
			w.log.Warn("queue scoring job",
				zap.String("message_id", msg.ID.String()),
				zap.String("kind", string(kind)),
				zap.Error(err),
			)
		}
	}
}

// HaltTree stops a tree on operator request.
func (w *Workflow) HaltTree(ctx context.Context, treeID uuid.UUID) error {
	return w.trees.Halt(ctx, treeID)
}
