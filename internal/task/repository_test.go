package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskmgr818/treeforge/internal/auth"
	"github.com/taskmgr818/treeforge/internal/model"
	"github.com/taskmgr818/treeforge/internal/store"
	"github.com/taskmgr818/treeforge/internal/store/storetest"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	store  *store.Store
	repo   *Repository
	now    time.Time
	tree   uuid.UUID
	parent uuid.UUID
	client uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		store:  storetest.Open(t),
		now:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		tree:   uuid.New(),
		parent: uuid.New(),
		client: uuid.New(),
	}
	f.repo = NewRepository(f.store.DB(), zap.NewNop()).WithClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) replyRequest(ttl time.Duration) IssueRequest {
	return IssueRequest{
		TreeID:   &f.tree,
		ParentID: &f.parent,
		Type:     model.TaskTypeAssistantReply,
		ClientID: f.client,
		Payload: &model.ReplyPayload{Conversation: []model.ConversationMessage{
			{ID: f.parent, Role: model.RolePrompter, Text: "What is a trie?"},
		}},
		TTL: ttl,
	}
}

func TestIssueConflictsUntilConsumed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.repo.Issue(ctx, f.replyRequest(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, f.now.Add(time.Hour), first.ExpiryDate)
	assert.False(t, first.Done)

	_, err = f.repo.Issue(ctx, f.replyRequest(time.Hour))
	assert.ErrorIs(t, err, ErrConflict)

	other := f.replyRequest(time.Hour)
	other.Type = model.TaskTypePrompterReply
	other.Payload = &model.ReplyPayload{Conversation: []model.ConversationMessage{
		{ID: f.parent, Role: model.RoleAssistant, Text: "A prefix tree."},
	}}
	_, err = f.repo.Issue(ctx, other)
	assert.NoError(t, err, "a different type is a different key")

	_, err = f.repo.Consume(ctx, first.ID)
	require.NoError(t, err)

	_, err = f.repo.Issue(ctx, f.replyRequest(time.Hour))
	assert.NoError(t, err, "consumed task frees the key")
}

func TestIssueConcurrentSameKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		issued    int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.repo.Issue(ctx, f.replyRequest(time.Hour))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				issued++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, issued)
	assert.Equal(t, workers-1, conflicts)
}

func TestInitialPromptTasksAreNotDeduplicated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := IssueRequest{
		Type:     model.TaskTypeInitialPrompt,
		ClientID: f.client,
		Payload:  &model.InitialPromptPayload{},
		TTL:      time.Hour,
	}
	a, err := f.repo.Issue(ctx, req)
	require.NoError(t, err)
	b, err := f.repo.Issue(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Nil(t, a.DedupKey)
}

func TestIssueRejectsInvalidRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.replyRequest(time.Hour)
	req.TreeID = nil
	_, err := f.repo.Issue(ctx, req)
	assert.ErrorIs(t, err, model.ErrInvalidPayload)

	req = f.replyRequest(time.Hour)
	req.Payload = &model.RankPayload{}
	_, err = f.repo.Issue(ctx, req)
	assert.ErrorIs(t, err, model.ErrInvalidPayload)

	_, err = f.repo.Issue(ctx, f.replyRequest(0))
	assert.Error(t, err)
}

func TestConsumeExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.repo.Issue(ctx, f.replyRequest(time.Hour))
	require.NoError(t, err)

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		consumed int
		already  int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.store.Tx(ctx, func(tx *gorm.DB) error {
				_, err := f.repo.WithDB(tx).Consume(ctx, issued.ID)
				return err
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				consumed++
			case errors.Is(err, ErrTaskAlreadyConsumed):
				already++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, consumed)
	assert.Equal(t, workers-1, already)

	stored, err := f.repo.Get(ctx, issued.ID)
	require.NoError(t, err)
	assert.True(t, stored.Done)
	assert.NotNil(t, stored.ConsumedAt)
	assert.Nil(t, stored.DedupKey)
}

func TestConsumeRolledBackWithCallerTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.repo.Issue(ctx, f.replyRequest(time.Hour))
	require.NoError(t, err)

	boom := errors.New("message insert failed")
	err = f.store.Tx(ctx, func(tx *gorm.DB) error {
		if _, err := f.repo.WithDB(tx).Consume(ctx, issued.ID); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	stored, err := f.repo.Get(ctx, issued.ID)
	require.NoError(t, err)
	assert.False(t, stored.Done, "consumption must not outlive a rolled back submission")
}

func TestExpireStaleFreesKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.repo.Issue(ctx, f.replyRequest(10*time.Second))
	require.NoError(t, err)

	_, err = f.repo.Issue(ctx, f.replyRequest(10*time.Second))
	require.ErrorIs(t, err, ErrConflict)

	f.now = f.now.Add(11 * time.Second)
	n, err := f.repo.ExpireStale(ctx, f.now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = f.repo.ExpireStale(ctx, f.now)
	require.NoError(t, err)
	assert.Zero(t, n, "expire_stale is idempotent")

	_, err = f.repo.Issue(ctx, f.replyRequest(10*time.Second))
	assert.NoError(t, err)
}

func TestIssueReplacesUnsweptExpiredHolder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale, err := f.repo.Issue(ctx, f.replyRequest(10*time.Second))
	require.NoError(t, err)

	f.now = f.now.Add(10 * time.Second)
	fresh, err := f.repo.Issue(ctx, f.replyRequest(10*time.Second))
	require.NoError(t, err)
	assert.NotEqual(t, stale.ID, fresh.ID)

	old, err := f.repo.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.True(t, old.Expired)
}

func TestConsumeExpiredTaskTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.repo.Issue(ctx, f.replyRequest(10*time.Second))
	require.NoError(t, err)

	f.now = f.now.Add(time.Minute)
	for i := 0; i < 2; i++ {
		_, err = f.repo.Consume(ctx, issued.ID)
		assert.ErrorIs(t, err, ErrTaskExpired)
	}

	_, err = f.repo.ExpireStale(ctx, f.now)
	require.NoError(t, err)
	_, err = f.repo.Consume(ctx, issued.ID)
	assert.ErrorIs(t, err, ErrTaskExpired)

	_, err = f.repo.Consume(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestBindHandle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.repo.Issue(ctx, f.replyRequest(time.Hour))
	require.NoError(t, err)

	require.NoError(t, f.repo.BindHandle(ctx, a.ID, "frontend-1"))
	assert.ErrorIs(t, f.repo.BindHandle(ctx, a.ID, "frontend-2"), ErrAlreadyBound)
	assert.ErrorIs(t, f.repo.BindHandle(ctx, uuid.New(), "frontend-3"), ErrTaskNotFound)

	b, err := f.repo.Issue(ctx, IssueRequest{
		Type:     model.TaskTypeInitialPrompt,
		ClientID: f.client,
		Payload:  &model.InitialPromptPayload{},
		TTL:      time.Hour,
	})
	require.NoError(t, err)
	assert.ErrorIs(t, f.repo.BindHandle(ctx, b.ID, "frontend-1"), ErrAlreadyBound, "handles are unique")

	got, err := f.repo.ConsumeByHandle(ctx, "frontend-1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	_, err = f.repo.ConsumeByHandle(ctx, "frontend-1")
	assert.ErrorIs(t, err, ErrTaskAlreadyConsumed)
	_, err = f.repo.ConsumeByHandle(ctx, "unknown")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestHaltTasksForDisabledUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	users := auth.NewUserService(f.store.DB())
	alice, err := users.LookupOrCreate(ctx, f.client, model.UserRef{ID: "alice", AuthMethod: "local"})
	require.NoError(t, err)
	bob, err := users.LookupOrCreate(ctx, f.client, model.UserRef{ID: "bob", AuthMethod: "local"})
	require.NoError(t, err)

	req := f.replyRequest(time.Hour)
	req.UserID = &alice.ID
	aliceTask, err := f.repo.Issue(ctx, req)
	require.NoError(t, err)

	req = IssueRequest{
		Type:     model.TaskTypeInitialPrompt,
		ClientID: f.client,
		UserID:   &bob.ID,
		Payload:  &model.InitialPromptPayload{},
		TTL:      time.Hour,
	}
	bobTask, err := f.repo.Issue(ctx, req)
	require.NoError(t, err)

	require.NoError(t, users.SetEnabled(ctx, alice.ID, false))

	n, err := f.repo.HaltTasksForDisabledUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = f.repo.Consume(ctx, aliceTask.ID)
	assert.ErrorIs(t, err, ErrTaskExpired)
	_, err = f.repo.Consume(ctx, bobTask.ID)
	assert.NoError(t, err)

	_, err = f.repo.Issue(ctx, f.replyRequest(time.Hour))
	assert.NoError(t, err, "cancelling frees the dedup key")

	n, err = f.repo.HaltTasksForDisabledUsers(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCountOutstandingAndCancelForTree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.repo.Issue(ctx, f.replyRequest(time.Hour))
	require.NoError(t, err)

	n, err := f.repo.CountOutstanding(ctx, f.parent, model.TaskTypeAssistantReply)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	cancelled, err := f.repo.CancelForTree(ctx, f.tree)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cancelled)

	n, err = f.repo.CountOutstanding(ctx, f.parent, model.TaskTypeAssistantReply)
	require.NoError(t, err)
	assert.Zero(t, n)
}
