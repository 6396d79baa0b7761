package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ErrInvalidPayload reports a task payload or submission that failed
// decoding or validation.
var ErrInvalidPayload = errors.New("invalid payload")

// MaxTextBytes bounds a single submitted text.
const MaxTextBytes = 32 * 1024

var payloadValidate *validator.Validate

func init() {
	payloadValidate = validator.New()
	_ = payloadValidate.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return len(s) <= MaxTextBytes && utf8.ValidString(s)
	})
}

// ─────────────────────────────────────────────
// Task Payloads (tagged by Task.Type)
// ─────────────────────────────────────────────

// TaskPayload is the type-specific body handed to a worker.
type TaskPayload interface {
	taskPayload()
}

// ConversationMessage is one step of the context shown to a worker.
type ConversationMessage struct {
	ID   uuid.UUID `json:"id"`
	Role Role      `json:"role" validate:"oneof=prompter assistant"`
	Text string    `json:"text" validate:"required"`
	Lang string    `json:"lang,omitempty"`
}

// InitialPromptPayload asks for a new root prompt.
type InitialPromptPayload struct {
	Hint string `json:"hint,omitempty"`
}

// ReplyPayload asks for the next message of a conversation.
type ReplyPayload struct {
	Conversation []ConversationMessage `json:"conversation" validate:"required,min=1,dive"`
}

// LabelPayload asks for labels on the last message of a conversation.
type LabelPayload struct {
	MessageID       uuid.UUID             `json:"message_id"`
	Conversation    []ConversationMessage `json:"conversation" validate:"required,min=1,dive"`
	ValidLabels     []string              `json:"valid_labels" validate:"required,min=1"`
	MandatoryLabels []string              `json:"mandatory_labels,omitempty"`
}

// RankPayload asks for an ordering of sibling replies.
type RankPayload struct {
	Conversation []ConversationMessage `json:"conversation" validate:"required,min=1,dive"`
	Replies      []ConversationMessage `json:"replies" validate:"required,min=2,dive"`
}

func (InitialPromptPayload) taskPayload() {}
func (ReplyPayload) taskPayload()         {}
func (LabelPayload) taskPayload()         {}
func (RankPayload) taskPayload()          {}

// payloadFor returns an empty payload of the variant tagged by t.
func payloadFor(t TaskType) (TaskPayload, error) {
	switch t {
	case TaskTypeInitialPrompt:
		return &InitialPromptPayload{}, nil
	case TaskTypePrompterReply, TaskTypeAssistantReply:
		return &ReplyPayload{}, nil
	case TaskTypeLabelInitialPrompt, TaskTypeLabelPrompterReply, TaskTypeLabelAssistantReply:
		return &LabelPayload{}, nil
	case TaskTypeRankPrompterReplies, TaskTypeRankAssistantReplies:
		return &RankPayload{}, nil
	}
	return nil, fmt.Errorf("%w: unknown task type %q", ErrInvalidPayload, t)
}

// EncodePayload validates p against the variant tagged by t and serializes it.
func EncodePayload(t TaskType, p TaskPayload) (datatypes.JSON, error) {
	if !payloadMatches(t, p) {
		return nil, fmt.Errorf("%w: %T does not match task type %q", ErrInvalidPayload, p, t)
	}
	if err := payloadValidate.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return datatypes.JSON(raw), nil
}

func payloadMatches(t TaskType, p TaskPayload) bool {
	switch p.(type) {
	case InitialPromptPayload, *InitialPromptPayload:
		return t == TaskTypeInitialPrompt
	case ReplyPayload, *ReplyPayload:
		return t == TaskTypePrompterReply || t == TaskTypeAssistantReply
	case LabelPayload, *LabelPayload:
		return t.Submission() == SubmissionTextLabels
	case RankPayload, *RankPayload:
		return t == TaskTypeRankPrompterReplies || t == TaskTypeRankAssistantReplies
	}
	return false
}

// DecodePayload parses raw into the variant tagged by t.
func DecodePayload(t TaskType, raw []byte) (TaskPayload, error) {
	p, err := payloadFor(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p, nil
}

// ─────────────────────────────────────────────
// Submissions
// ─────────────────────────────────────────────

type SubmissionKind string

const (
	SubmissionTextReply  SubmissionKind = "text_reply_to_message"
	SubmissionTextLabels SubmissionKind = "text_labels"
	SubmissionRanking    SubmissionKind = "message_ranking"
)

// TextReplySubmission answers initial_prompt and *_reply tasks.
type TextReplySubmission struct {
	Text string `json:"text" validate:"required,maxbytes"`
	Lang string `json:"lang" validate:"required,max=32"`
}

// LabelsSubmission answers label_* tasks. Values lie in [0, 1].
type LabelsSubmission struct {
	MessageID uuid.UUID          `json:"message_id"`
	Labels    map[string]float64 `json:"labels" validate:"required,min=1,dive,keys,required,max=64,endkeys,gte=0,lte=1"`
	Text      string             `json:"text,omitempty" validate:"maxbytes"`
	Lang      string             `json:"lang,omitempty" validate:"max=32"`
}

// RankingSubmission answers rank_* tasks: child ids, best first.
type RankingSubmission struct {
	Ranking []uuid.UUID `json:"ranking" validate:"required,min=2"`
}

// DecodeSubmission parses and validates the payload of a submission of the
// given kind. The result is one of *TextReplySubmission, *LabelsSubmission or
// *RankingSubmission.
func DecodeSubmission(kind SubmissionKind, raw []byte) (interface{}, error) {
	var v interface{}
	switch kind {
	case SubmissionTextReply:
		v = &TextReplySubmission{}
	case SubmissionTextLabels:
		v = &LabelsSubmission{}
	case SubmissionRanking:
		v = &RankingSubmission{}
	default:
		return nil, fmt.Errorf("%w: unknown submission type %q", ErrInvalidPayload, kind)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := payloadValidate.Struct(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return v, nil
}
