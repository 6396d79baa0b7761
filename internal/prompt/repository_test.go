package prompt

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskmgr818/treeforge/internal/model"
	"github.com/taskmgr818/treeforge/internal/store"
	"github.com/taskmgr818/treeforge/internal/store/storetest"
	"github.com/taskmgr818/treeforge/internal/task"
	"go.uber.org/zap"
)

type fixture struct {
	t      *testing.T
	store  *store.Store
	tasks  *task.Repository
	repo   *Repository
	now    time.Time
	client uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		t:      t,
		store:  storetest.Open(t),
		now:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		client: uuid.New(),
	}
	clock := func() time.Time { return f.now }
	f.tasks = newTaskRepo(f.store, clock)
	f.repo = NewRepository(f.store.DB(), f.tasks, LabelPolicy{
		Valid:     []string{"spam", "quality", "toxicity"},
		Mandatory: []string{"spam"},
	}, zap.NewNop())
	f.repo.now = clock
	return f
}

func newTaskRepo(s *store.Store, clock func() time.Time) *task.Repository {
	return task.NewRepository(s.DB(), zap.NewNop()).WithClock(clock)
}

// issue ledgers a task and binds a fresh handle to it.
func (f *fixture) issue(typ model.TaskType, tree, parent *uuid.UUID, payload model.TaskPayload) string {
	f.t.Helper()
	tk, err := f.tasks.Issue(context.Background(), task.IssueRequest{
		TreeID:   tree,
		ParentID: parent,
		Type:     typ,
		ClientID: f.client,
		Payload:  payload,
		TTL:      time.Hour,
	})
	require.NoError(f.t, err)
	handle := uuid.NewString()
	require.NoError(f.t, f.tasks.BindHandle(context.Background(), tk.ID, handle))
	return handle
}

func (f *fixture) root(text string) *model.Message {
	f.t.Helper()
	h := f.issue(model.TaskTypeInitialPrompt, nil, nil, &model.InitialPromptPayload{})
	msg, _, err := f.repo.StoreTextReply(context.Background(), TextReply{Handle: h, Text: text, Lang: "en"})
	require.NoError(f.t, err)
	return msg
}

func (f *fixture) reply(parent *model.Message, typ model.TaskType, text string, checkDup bool) (*model.Message, error) {
	f.t.Helper()
	h := f.issue(typ, &parent.MessageTreeID, &parent.ID, replyPayload(parent))
	msg, _, err := f.repo.StoreTextReply(context.Background(), TextReply{
		Handle: h, Text: text, Lang: "en", CheckDuplicate: checkDup,
	})
	return msg, err
}

func replyPayload(parent *model.Message) *model.ReplyPayload {
	return &model.ReplyPayload{Conversation: Conversation([]model.Message{*parent})}
}

func TestStoreTextReplyRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root := f.root("Explain tail calls.")
	got, err := f.repo.FetchMessage(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, "Explain tail calls.", got.Text)
	assert.Equal(t, "en", got.Lang)
	assert.Nil(t, got.ParentID)
	assert.Equal(t, root.ID, got.MessageTreeID)
	assert.Equal(t, model.RolePrompter, got.Role)

	child, err := f.reply(root, model.TaskTypeAssistantReply, "A call in tail position.", true)
	require.NoError(t, err)

	got, err = f.repo.FetchMessage(ctx, child.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ParentID)
	assert.Equal(t, root.ID, *got.ParentID)
	assert.Equal(t, root.ID, got.MessageTreeID)
	assert.Equal(t, model.RoleAssistant, got.Role)
	assert.Equal(t, 1, got.Depth)

	parent, err := f.repo.FetchMessage(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, parent.ChildrenCount)
}

func TestStoreTextReplyRejectsRoleMismatch(t *testing.T) {
	f := newFixture(t)
	root := f.root("Hello")

	_, err := f.reply(root, model.TaskTypePrompterReply, "Hi again", true)
	assert.ErrorIs(t, err, ErrWrongTaskType)
}

func TestStoreTextReplyDuplicateContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.root("Name a prime.")

	_, err := f.reply(root, model.TaskTypeAssistantReply, "Seven is prime.", true)
	require.NoError(t, err)

	h := f.issue(model.TaskTypeAssistantReply, &root.MessageTreeID, &root.ID, replyPayload(root))
	_, _, err = f.repo.StoreTextReply(ctx, TextReply{Handle: h, Text: "  seven IS\tprime. ", Lang: "en", CheckDuplicate: true})
	require.ErrorIs(t, err, ErrDuplicateContent)

	tk, err := f.tasks.GetByHandle(ctx, h)
	require.NoError(t, err)
	assert.False(t, tk.Done, "a rejected submission leaves the task outstanding")

	msg, _, err := f.repo.StoreTextReply(ctx, TextReply{Handle: h, Text: "seven is prime.", Lang: "en", CheckDuplicate: false})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, msg.ID)
}

func TestStoreTextReplyOnExpiredTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.root("Why is the sky blue?")

	h := f.issue(model.TaskTypeAssistantReply, &root.MessageTreeID, &root.ID, replyPayload(root))
	f.now = f.now.Add(2 * time.Hour)

	for i := 0; i < 2; i++ {
		_, _, err := f.repo.StoreTextReply(ctx, TextReply{Handle: h, Text: "Rayleigh scattering.", Lang: "en"})
		assert.ErrorIs(t, err, task.ErrTaskExpired)
	}

	tree, err := f.repo.FetchTree(ctx, root.MessageTreeID)
	require.NoError(t, err)
	assert.Len(t, tree, 1, "no message created for an expired task")
}

func TestInsertToxicityIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.root("Some text")

	require.NoError(t, f.repo.InsertToxicity(ctx, root.ID, "roberta", 0.2, "non-toxic"))
	require.NoError(t, f.repo.InsertToxicity(ctx, root.ID, "roberta", 0.9, "toxic"))
	require.NoError(t, f.repo.InsertToxicity(ctx, root.ID, "other-model", 0.1, "non-toxic"))

	var rows []model.MessageToxicity
	require.NoError(t, f.store.DB().Where("message_id = ? AND model = ?", root.ID, "roberta").Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, 0.9, rows[0].Score)
	assert.Equal(t, "toxic", rows[0].Label)

	got, err := f.repo.FetchMessage(ctx, root.ID)
	require.NoError(t, err)
	assert.Len(t, got.Toxicity, 2)

	assert.ErrorIs(t, f.repo.InsertToxicity(ctx, uuid.New(), "roberta", 0.5, "x"), ErrMessageNotFound)
}

func TestInsertMessageEmbeddingUpserts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.root("Embed me")

	require.NoError(t, f.repo.InsertMessageEmbedding(ctx, root.ID, "minilm", []float64{0.1, 0.2}))
	require.NoError(t, f.repo.InsertMessageEmbedding(ctx, root.ID, "minilm", []float64{0.3, 0.4, 0.5}))

	var rows []model.MessageEmbedding
	require.NoError(t, f.store.DB().Where("message_id = ?", root.ID).Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.JSONEq(t, `[0.3,0.4,0.5]`, string(rows[0].Embedding))

	assert.ErrorIs(t, f.repo.InsertMessageEmbedding(ctx, root.ID, "minilm", nil), model.ErrInvalidPayload)
}

func TestFetchMessageConversationOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root := f.root("Q1")
	a1, err := f.reply(root, model.TaskTypeAssistantReply, "A1", true)
	require.NoError(t, err)
	_, err = f.reply(root, model.TaskTypeAssistantReply, "A1 alt", true)
	require.NoError(t, err)
	p2, err := f.reply(a1, model.TaskTypePrompterReply, "Q2", true)
	require.NoError(t, err)

	conv, err := f.repo.FetchMessageConversation(ctx, p2)
	require.NoError(t, err)
	require.Len(t, conv, 3)
	assert.Equal(t, []uuid.UUID{root.ID, a1.ID, p2.ID}, []uuid.UUID{conv[0].ID, conv[1].ID, conv[2].ID})

	conv, err = f.repo.FetchMessageConversation(ctx, root)
	require.NoError(t, err)
	assert.Len(t, conv, 1)
}

func TestStoreTextLabels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.root("Label me")

	labelTask := func() string {
		return f.issue(model.TaskTypeLabelInitialPrompt, &root.MessageTreeID, &root.ID, &model.LabelPayload{
			MessageID:    root.ID,
			Conversation: Conversation([]model.Message{*root}),
			ValidLabels:  []string{"spam", "quality"},
		})
	}
	alice, bob := uuid.New(), uuid.New()

	h := labelTask()
	_, _, err := f.repo.StoreTextLabels(ctx, Labels{Handle: h, MessageID: root.ID, UserID: alice,
		Labels: map[string]float64{"quality": 1}})
	assert.ErrorIs(t, err, model.ErrInvalidPayload, "spam is mandatory")

	_, _, err = f.repo.StoreTextLabels(ctx, Labels{Handle: h, MessageID: root.ID, UserID: alice,
		Labels: map[string]float64{"spam": 0, "bogus": 1}})
	assert.ErrorIs(t, err, model.ErrInvalidPayload)

	tk, msg, err := f.repo.StoreTextLabels(ctx, Labels{Handle: h, MessageID: root.ID, UserID: alice,
		Labels: map[string]float64{"spam": 0, "quality": 1}})
	require.NoError(t, err)
	assert.True(t, tk.Done)
	assert.Equal(t, 1, msg.ReviewCount)

	_, msg, err = f.repo.StoreTextLabels(ctx, Labels{Handle: labelTask(), MessageID: root.ID, UserID: bob,
		Labels: map[string]float64{"spam": 0, "quality": 0.5}})
	require.NoError(t, err)
	assert.Equal(t, 2, msg.ReviewCount)

	_, _, err = f.repo.StoreTextLabels(ctx, Labels{Handle: labelTask(), MessageID: root.ID, UserID: bob,
		Labels: map[string]float64{"spam": 0}})
	assert.ErrorIs(t, err, ErrDuplicateContent)

	means, err := f.repo.LabelMeans(ctx, root.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, means["quality"], 1e-9)
	assert.InDelta(t, 0, means["spam"], 1e-9)

	n, err := f.repo.CountReviews(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	var rows int64
	require.NoError(t, f.store.DB().Model(&model.MessageLabel{}).Where("message_id = ?", root.ID).Count(&rows).Error)
	assert.Equal(t, int64(4), rows, "one row per (labeler, dimension)")
}

func TestStoreTextLabelsWrongTaskType(t *testing.T) {
	f := newFixture(t)
	root := f.root("Hello")

	h := f.issue(model.TaskTypeAssistantReply, &root.MessageTreeID, &root.ID, replyPayload(root))
	_, _, err := f.repo.StoreTextLabels(context.Background(), Labels{Handle: h, MessageID: root.ID,
		UserID: uuid.New(), Labels: map[string]float64{"spam": 0}})
	assert.ErrorIs(t, err, ErrWrongTaskType)
}

func TestStoreRanking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.root("Pick the best")
	a, err := f.reply(root, model.TaskTypeAssistantReply, "first", true)
	require.NoError(t, err)
	b, err := f.reply(root, model.TaskTypeAssistantReply, "second", true)
	require.NoError(t, err)

	rankTask := func() string {
		return f.issue(model.TaskTypeRankAssistantReplies, &root.MessageTreeID, &root.ID, &model.RankPayload{
			Conversation: Conversation([]model.Message{*root}),
			Replies:      Conversation([]model.Message{*a, *b}),
		})
	}

	h := rankTask()
	_, _, err = f.repo.StoreRanking(ctx, Ranking{Handle: h, UserID: uuid.New(), Ranking: []uuid.UUID{a.ID, uuid.New()}})
	assert.ErrorIs(t, err, model.ErrInvalidPayload)

	user := uuid.New()
	_, parent, err := f.repo.StoreRanking(ctx, Ranking{Handle: h, UserID: user, Ranking: []uuid.UUID{b.ID, a.ID}})
	require.NoError(t, err)
	assert.Equal(t, root.ID, parent.ID)
	assert.Equal(t, 1, parent.RankingCount)

	_, _, err = f.repo.StoreRanking(ctx, Ranking{Handle: rankTask(), UserID: user, Ranking: []uuid.UUID{a.ID, b.ID}})
	assert.ErrorIs(t, err, ErrDuplicateContent)

	rankings, err := f.repo.Rankings(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, rankings, 1)
	assert.JSONEq(t, `["`+b.ID.String()+`","`+a.ID.String()+`"]`, string(rankings[0].Ranking))
}
