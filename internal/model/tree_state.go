package model

import (
	"time"

	"github.com/google/uuid"
)

// ─────────────────────────────────────────────
// Message Tree State Machine
// ─────────────────────────────────────────────

type TreeState string

const (
	TreeStateInitialPromptReview TreeState = "initial_prompt_review"
	TreeStateGrowing             TreeState = "growing"
	TreeStateRanking             TreeState = "ranking"
	TreeStateScoringFailed       TreeState = "scoring_failed"
	TreeStateScored              TreeState = "scored"
	TreeStateHalted              TreeState = "halted"
)

// Halt reasons recorded on MessageTreeState.HaltReason.
const (
	HaltReasonLowGrade          = "low_grade"
	HaltReasonDisabledUser      = "disabled_user"
	HaltReasonNoRankableReplies = "no_rankable_replies"
	HaltReasonModerator         = "moderator"
)

// phase orders the forward path; SCORING_FAILED and HALTED are off-path.
var phase = map[TreeState]int{
	TreeStateInitialPromptReview: 0,
	TreeStateGrowing:             1,
	TreeStateRanking:             2,
	TreeStateScored:              3,
}

// Terminal reports whether no further transition may leave s.
func (s TreeState) Terminal() bool {
	return s == TreeStateScored || s == TreeStateHalted
}

// Valid reports whether s is a known state.
func (s TreeState) Valid() bool {
	_, onPath := phase[s]
	return onPath || s == TreeStateScoringFailed || s == TreeStateHalted
}

// CanTransition reports whether from → to is an edge of the state graph.
// failedFrom is the state a SCORING_FAILED tree left; it is the only state
// a SCORING_FAILED tree may return to.
func CanTransition(from, to, failedFrom TreeState) bool {
	if from.Terminal() || from == to || !to.Valid() {
		return false
	}
	switch to {
	case TreeStateHalted:
		return true
	case TreeStateScoringFailed:
		return from != TreeStateScoringFailed
	}
	if from == TreeStateScoringFailed {
		return to == failedFrom
	}
	return phase[to] == phase[from]+1
}

// MessageTreeState is the per-tree lifecycle row. The tree identity is the
// root message identity.
type MessageTreeState struct {
	MessageTreeID        uuid.UUID  `gorm:"type:uuid;primaryKey" json:"message_tree_id"`
	State                TreeState  `gorm:"type:varchar(32);not null;index" json:"state"`
	Active               bool       `gorm:"not null;index" json:"active"`
	Lang                 string     `gorm:"type:varchar(32);index" json:"lang"`
	WonPromptLotteryDate *time.Time `json:"won_prompt_lottery_date,omitempty"`

	ReviewCount  int `gorm:"not null" json:"review_count"`
	ReplyCount   int `gorm:"not null" json:"reply_count"`
	RankingCount int `gorm:"not null" json:"ranking_count"`

	HaltReason      string    `gorm:"type:varchar(64)" json:"halt_reason,omitempty"`
	FailedFromState TreeState `gorm:"type:varchar(32)" json:"failed_from_state,omitempty"`
	ScoringError    string    `gorm:"type:text" json:"scoring_error,omitempty"`
	ScoringRetries  int       `gorm:"not null" json:"scoring_retries"`
	Escalated       bool      `gorm:"not null" json:"escalated"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
