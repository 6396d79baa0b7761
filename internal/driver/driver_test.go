package driver

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskmgr818/treeforge/internal/auth"
	"github.com/taskmgr818/treeforge/internal/config"
	"github.com/taskmgr818/treeforge/internal/credit"
	"github.com/taskmgr818/treeforge/internal/model"
	"github.com/taskmgr818/treeforge/internal/prompt"
	"github.com/taskmgr818/treeforge/internal/service"
	"github.com/taskmgr818/treeforge/internal/store"
	"github.com/taskmgr818/treeforge/internal/store/storetest"
	"github.com/taskmgr818/treeforge/internal/task"
	"github.com/taskmgr818/treeforge/internal/tree"
	"go.uber.org/zap"
)

type fixture struct {
	st     *store.Store
	cfg    config.TreeManagerConfig
	tasks  *task.Repository
	trees  *tree.Manager
	users  auth.UserService
	wf     *service.Workflow
	client *auth.APIClient
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := storetest.Open(t)
	log := zap.NewNop()

	cfg := config.Default().TreeManager
	cfg.NumReviewsInitialPrompt = 1
	cfg.MaxChildrenCount = 1
	cfg.MaxTreeDepth = 1

	tasks := task.NewRepository(st.DB(), log)
	prompts := prompt.NewRepository(st.DB(), tasks, prompt.LabelPolicy{Valid: cfg.ValidLabels, Mandatory: cfg.MandatoryLabels}, log)
	trees := tree.NewManager(st.DB(), tasks, prompts, cfg, nil, log)
	users := auth.NewUserService(st.DB())

	client, err := auth.NewClientService(st.DB()).EnsureClient(context.Background(), "", "official", "web", true)
	require.NoError(t, err)

	wf := service.NewWorkflow(st, users, credit.NewService(st.DB()), tasks, prompts, trees, nil, service.ScoringModels{}, log)
	return &fixture{st: st, cfg: cfg, tasks: tasks, trees: trees, users: users, wf: wf, client: client}
}

func (f *fixture) prompt(t *testing.T, text string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	alice := &model.UserRef{ID: "alice", AuthMethod: "local"}
	tk, err := f.wf.RequestTask(ctx, f.client, model.TaskRequest{Type: model.TaskTypeInitialPrompt, Lang: "en", User: alice})
	require.NoError(t, err)
	handle := uuid.NewString()
	require.NoError(t, f.wf.AckTask(ctx, f.client, tk.ID, handle))
	payload, err := json.Marshal(model.TextReplySubmission{Text: text, Lang: "en"})
	require.NoError(t, err)
	resp, err := f.wf.Submit(ctx, f.client, model.SubmitRequest{
		Type: model.SubmissionTextReply, Handle: handle, User: alice, Payload: payload,
	})
	require.NoError(t, err)
	return *resp.MessageID
}

type cannedComposer struct {
	text  string
	calls int
}

func (c *cannedComposer) Compose(_ context.Context, conv []model.ConversationMessage) (string, error) {
	c.calls++
	if len(conv) == 0 {
		return "", errors.New("empty conversation")
	}
	return c.text, nil
}

func TestRunOnceRecoversPanics(t *testing.T) {
	r := NewRunner(zap.NewNop())
	n, err := r.RunOnce(context.Background(), Job{Name: "boom", Run: func(context.Context) (int, error) {
		panic("bad run")
	}})
	assert.NoError(t, err)
	assert.Zero(t, n)

	n, err = r.RunOnce(context.Background(), Job{Name: "count", Run: func(context.Context) (int, error) {
		return 3, nil
	}})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRunnerLoopsUntilCancelled(t *testing.T) {
	r := NewRunner(zap.NewNop())
	var runs int32
	r.Add(Job{Name: "disabled", Run: func(context.Context) (int, error) {
		t.Error("disabled job ran")
		return 0, nil
	}})
	r.Add(Job{Name: "tick", Interval: 5 * time.Millisecond, RunAtStart: true, Run: func(context.Context) (int, error) {
		atomic.AddInt32(&runs, 1)
		return 0, nil
	}})
	assert.Equal(t, []string{"tick"}, r.Jobs())

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	r.Wait()
}

func TestMaintenanceExpiresStaleTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	stale, err := f.tasks.WithClock(func() time.Time { return past }).Issue(ctx, task.IssueRequest{
		Type:     model.TaskTypeInitialPrompt,
		ClientID: f.client.ID,
		Payload:  &model.InitialPromptPayload{},
		TTL:      time.Minute,
	})
	require.NoError(t, err)

	job := Maintenance(f.st, f.tasks, f.trees, time.Hour)
	n, err := NewRunner(zap.NewNop()).RunOnce(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.tasks.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.True(t, got.Expired)

	n, err = job.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAutoLabelPromotesPromptsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rootID := f.prompt(t, "Explain photosynthesis simply.")

	job := AutoLabel(f.wf, f.client, "en", BotLabels(f.cfg), time.Minute, zap.NewNop())
	n, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, err := f.trees.GetState(ctx, rootID)
	require.NoError(t, err)
	assert.Equal(t, model.TreeStateGrowing, st.State)

	n, err = job.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAutoLabelSkipsOtherLanguages(t *testing.T) {
	f := newFixture(t)
	f.prompt(t, "Explain photosynthesis simply.")

	n, err := AutoLabel(f.wf, f.client, "ko", BotLabels(f.cfg), time.Minute, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAutoReplyFillsOpenSlots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rootID := f.prompt(t, "What is a prime number?")
	_, err := AutoLabel(f.wf, f.client, "en", BotLabels(f.cfg), time.Minute, zap.NewNop()).Run(ctx)
	require.NoError(t, err)

	composer := &cannedComposer{text: "A number with exactly two divisors."}
	job := AutoReply(f.wf, f.client, composer, "en", 5, time.Minute)
	n, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, composer.calls)

	conv, err := f.wf.Conversation(ctx, rootID)
	require.NoError(t, err)
	require.Len(t, conv, 1)
	root, err := f.wf.Message(ctx, rootID)
	require.NoError(t, err)
	assert.Equal(t, 1, root.ChildrenCount)

	n, err = job.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBotLabels(t *testing.T) {
	cfg := config.Default().TreeManager
	labels := BotLabels(cfg)
	assert.Len(t, labels, len(cfg.ValidLabels))
	assert.Equal(t, 1.0, labels[cfg.AcceptanceLabel])
	assert.Zero(t, labels["spam"])
}
