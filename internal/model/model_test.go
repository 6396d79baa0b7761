package model

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to, failedFrom TreeState
		want                 bool
	}{
		{TreeStateInitialPromptReview, TreeStateGrowing, "", true},
		{TreeStateGrowing, TreeStateRanking, "", true},
		{TreeStateRanking, TreeStateScored, "", true},
		{TreeStateInitialPromptReview, TreeStateRanking, "", false},
		{TreeStateRanking, TreeStateGrowing, "", false},
		{TreeStateGrowing, TreeStateHalted, "", true},
		{TreeStateRanking, TreeStateScoringFailed, "", true},
		{TreeStateScoringFailed, TreeStateRanking, TreeStateRanking, true},
		{TreeStateScoringFailed, TreeStateGrowing, TreeStateRanking, false},
		{TreeStateScoringFailed, TreeStateScored, TreeStateRanking, false},
		{TreeStateScoringFailed, TreeStateHalted, TreeStateRanking, true},
		{TreeStateScored, TreeStateHalted, "", false},
		{TreeStateHalted, TreeStateGrowing, "", false},
		{TreeStateGrowing, TreeStateGrowing, "", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to, tt.failedFrom), "%s -> %s", tt.from, tt.to)
	}
}

func TestDedupKey(t *testing.T) {
	tree, parent := uuid.New(), uuid.New()

	assert.Nil(t, DedupKey(nil, nil, TaskTypeInitialPrompt))

	k1 := DedupKey(&tree, &parent, TaskTypeAssistantReply)
	k2 := DedupKey(&tree, &parent, TaskTypeAssistantReply)
	k3 := DedupKey(&tree, &parent, TaskTypeLabelAssistantReply)
	k4 := DedupKey(&tree, nil, TaskTypeAssistantReply)
	require.NotNil(t, k1)
	assert.Equal(t, *k1, *k2)
	assert.NotEqual(t, *k1, *k3)
	assert.NotEqual(t, *k1, *k4)
}

func TestEncodePayloadRejectsMismatchedVariant(t *testing.T) {
	_, err := EncodePayload(TaskTypeAssistantReply, &RankPayload{})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = EncodePayload(TaskTypeAssistantReply, &ReplyPayload{})
	assert.ErrorIs(t, err, ErrInvalidPayload, "empty conversation fails validation")

	raw, err := EncodePayload(TaskTypeAssistantReply, &ReplyPayload{
		Conversation: []ConversationMessage{{ID: uuid.New(), Role: RolePrompter, Text: "hi"}},
	})
	require.NoError(t, err)

	p, err := DecodePayload(TaskTypeAssistantReply, raw)
	require.NoError(t, err)
	reply, ok := p.(*ReplyPayload)
	require.True(t, ok)
	assert.Equal(t, "hi", reply.Conversation[0].Text)
}

func TestDecodeSubmission(t *testing.T) {
	v, err := DecodeSubmission(SubmissionTextReply, []byte(`{"text":"hello","lang":"en"}`))
	require.NoError(t, err)
	assert.Equal(t, "hello", v.(*TextReplySubmission).Text)

	_, err = DecodeSubmission(SubmissionTextReply, []byte(`{"text":"","lang":"en"}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = DecodeSubmission(SubmissionTextLabels, []byte(`{"labels":{"spam":1.5}}`))
	assert.ErrorIs(t, err, ErrInvalidPayload, "label value above 1")

	raw, _ := json.Marshal(RankingSubmission{Ranking: []uuid.UUID{uuid.New()}})
	_, err = DecodeSubmission(SubmissionRanking, raw)
	assert.ErrorIs(t, err, ErrInvalidPayload, "ranking needs two entries")

	_, err = DecodeSubmission("bogus", []byte(`{}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "hello world", NormalizeText("  Hello \n\tWORLD "))
}
