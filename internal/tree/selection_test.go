package tree

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskmgr818/treeforge/internal/auth"
	"github.com/taskmgr818/treeforge/internal/model"
)

func TestNextTaskOnEmptyTreeOffersInitialPrompt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	prompts, err := f.mgr.QueryPromptsNeedReview(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, prompts)

	tk, err := f.mgr.NextTask(ctx, TaskRequest{ClientID: f.client})
	require.NoError(t, err)
	assert.Equal(t, model.TaskTypeInitialPrompt, tk.Type)
	assert.Nil(t, tk.MessageTreeID)
}

func TestNextTaskPrefersReviewAndSkipsClaimedKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.root("Name three prime numbers.", nil)

	prompts, err := f.mgr.QueryPromptsNeedReview(ctx, "en")
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	assert.Equal(t, root.ID, prompts[0].ID)

	none, err := f.mgr.QueryPromptsNeedReview(ctx, "de")
	require.NoError(t, err)
	assert.Nil(t, none)

	first, err := f.mgr.NextTask(ctx, TaskRequest{ClientID: f.client, Lang: "en"})
	require.NoError(t, err)
	assert.Equal(t, model.TaskTypeLabelInitialPrompt, first.Type)
	require.NotNil(t, first.ParentMessageID)
	assert.Equal(t, root.ID, *first.ParentMessageID)

	p, err := model.DecodePayload(first.Type, first.Payload)
	require.NoError(t, err)
	label := p.(*model.LabelPayload)
	assert.Equal(t, root.ID, label.MessageID)
	assert.Equal(t, f.mgr.Config().ValidLabels, label.ValidLabels)

	// The review slot is held by first, so the next request falls through.
	second, err := f.mgr.NextTask(ctx, TaskRequest{ClientID: f.client, Lang: "en"})
	require.NoError(t, err)
	assert.Equal(t, model.TaskTypeInitialPrompt, second.Type)

	_, err = f.mgr.NextTask(ctx, TaskRequest{ClientID: f.client, Type: model.TaskTypeLabelInitialPrompt})
	assert.ErrorIs(t, err, ErrNoTaskAvailable)
}

func TestNextTaskExcludesOwnMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	author := auth.User{ID: uuid.New(), APIClientID: f.client, Username: "ada", AuthMethod: "local", Enabled: true}
	require.NoError(t, f.store.DB().Create(&author).Error)
	f.root("Is P equal to NP?", &author.ID)

	_, err := f.mgr.NextTask(ctx, TaskRequest{
		ClientID: f.client, UserID: &author.ID, Type: model.TaskTypeLabelInitialPrompt,
	})
	assert.ErrorIs(t, err, ErrNoTaskAvailable)

	other := uuid.New()
	tk, err := f.mgr.NextTask(ctx, TaskRequest{
		ClientID: f.client, UserID: &other, Type: model.TaskTypeLabelInitialPrompt,
	})
	require.NoError(t, err)
	assert.Equal(t, model.TaskTypeLabelInitialPrompt, tk.Type)
	require.NotNil(t, tk.UserID)
	assert.Equal(t, other, *tk.UserID)
}

func TestNextTaskOffersRepliesInGrowingTree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.root("Explain recursion.", nil)
	f.label(root, good)
	f.label(root, good)

	tk, err := f.mgr.NextTask(ctx, TaskRequest{ClientID: f.client, Type: model.TaskTypeAssistantReply})
	require.NoError(t, err)
	require.NotNil(t, tk.ParentMessageID)
	assert.Equal(t, root.ID, *tk.ParentMessageID)

	p, err := model.DecodePayload(tk.Type, tk.Payload)
	require.NoError(t, err)
	conv := p.(*model.ReplyPayload).Conversation
	require.Len(t, conv, 1)
	assert.Equal(t, "Explain recursion.", conv[0].Text)

	// Only one reply task per parent may be outstanding.
	_, err = f.mgr.NextTask(ctx, TaskRequest{ClientID: f.client, Type: model.TaskTypeAssistantReply})
	assert.ErrorIs(t, err, ErrNoTaskAvailable)
}

func TestNextTaskOffersRankingFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root, a, b := f.rankingTree()
	f.root("A fresh prompt awaiting review.", nil)

	tk, err := f.mgr.NextTask(ctx, TaskRequest{ClientID: f.client})
	require.NoError(t, err)
	assert.Equal(t, model.TaskTypeRankAssistantReplies, tk.Type)
	require.NotNil(t, tk.ParentMessageID)
	assert.Equal(t, root.ID, *tk.ParentMessageID)

	p, err := model.DecodePayload(tk.Type, tk.Payload)
	require.NoError(t, err)
	var shown []uuid.UUID
	for _, r := range p.(*model.RankPayload).Replies {
		shown = append(shown, r.ID)
	}
	assert.ElementsMatch(t, []uuid.UUID{a.ID, b.ID}, shown)
}

func TestNextTaskRejectsDisabledUserAndUnknownType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user := auth.User{ID: uuid.New(), APIClientID: f.client, Username: "eve", AuthMethod: "local"}
	require.NoError(t, f.store.DB().Create(&user).Error)

	_, err := f.mgr.NextTask(ctx, TaskRequest{ClientID: f.client, UserID: &user.ID})
	assert.ErrorIs(t, err, auth.ErrUserDisabled)

	_, err = f.mgr.NextTask(ctx, TaskRequest{ClientID: f.client, Type: "write_poem"})
	assert.ErrorIs(t, err, model.ErrInvalidPayload)
}

func TestBordaScorer(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	set := ComparisonSet{
		Parent:   uuid.New(),
		Children: []uuid.UUID{a, b, c},
		Rankings: [][]uuid.UUID{{a, b, c}, {b, a, c}},
	}
	scores, err := BordaScorer{}.Score(context.Background(), []ComparisonSet{set})
	require.NoError(t, err)
	assert.InDelta(t, 0.75, scores[a], 1e-9)
	assert.InDelta(t, 0.75, scores[b], 1e-9)
	assert.InDelta(t, 0.0, scores[c], 1e-9)

	set.Rankings = [][]uuid.UUID{{a, uuid.New(), c}}
	_, err = BordaScorer{}.Score(context.Background(), []ComparisonSet{set})
	assert.Error(t, err)

	set.Rankings = nil
	_, err = BordaScorer{}.Score(context.Background(), []ComparisonSet{set})
	assert.Error(t, err)
}
