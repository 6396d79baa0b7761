package credit_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskmgr818/treeforge/internal/credit"
	"github.com/taskmgr818/treeforge/internal/model"
	"github.com/taskmgr818/treeforge/internal/store/storetest"
	"gorm.io/gorm"
)

func TestAwardIsIdempotentPerTask(t *testing.T) {
	st := storetest.Open(t)
	svc := credit.NewService(st.DB())
	ctx := context.Background()
	user, taskID := uuid.New(), uuid.New()

	first, err := svc.Award(ctx, user, taskID, model.TaskTypeAssistantReply)
	require.NoError(t, err)
	assert.Equal(t, credit.PointsFor(model.TaskTypeAssistantReply), first.Points)
	assert.Equal(t, first.Points, first.Balance)

	again, err := svc.Award(ctx, user, taskID, model.TaskTypeAssistantReply)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	acc, err := svc.GetAccount(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, credit.PointsFor(model.TaskTypeAssistantReply), acc.Points)

	_, err = svc.Award(ctx, user, uuid.New(), model.TaskTypeLabelAssistantReply)
	require.NoError(t, err)
	acc, err = svc.GetAccount(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, credit.PointsFor(model.TaskTypeAssistantReply)+credit.PointsFor(model.TaskTypeLabelAssistantReply), acc.Points)
}

func TestAwardRollsBackWithCallerTransaction(t *testing.T) {
	st := storetest.Open(t)
	svc := credit.NewService(st.DB())
	ctx := context.Background()
	user := uuid.New()
	boom := errors.New("submission failed")

	err := st.Tx(ctx, func(tx *gorm.DB) error {
		if _, err := svc.WithDB(tx).Award(ctx, user, uuid.New(), model.TaskTypeInitialPrompt); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	acc, err := svc.GetAccount(ctx, user)
	require.NoError(t, err)
	assert.Zero(t, acc.Points)
}

func TestGrant(t *testing.T) {
	st := storetest.Open(t)
	svc := credit.NewService(st.DB())
	ctx := context.Background()
	user := uuid.New()

	acc, err := svc.Grant(ctx, user, 25, "event bonus")
	require.NoError(t, err)
	assert.EqualValues(t, 25, acc.Points)

	acc, err = svc.Grant(ctx, user, -5, "correction")
	require.NoError(t, err)
	assert.EqualValues(t, 20, acc.Points)

	var entries []credit.Entry
	require.NoError(t, st.DB().Where("user_id = ?", user).Order("id").Find(&entries).Error)
	require.Len(t, entries, 2)
	assert.Equal(t, credit.EntryGrant, entries[1].Type)
	assert.EqualValues(t, 20, entries[1].Balance)
	assert.Equal(t, "correction", entries[1].Remark)
}

func TestPointsFor(t *testing.T) {
	assert.Positive(t, credit.PointsFor(model.TaskTypeInitialPrompt))
	assert.Zero(t, credit.PointsFor(model.TaskType("unknown")))
}
