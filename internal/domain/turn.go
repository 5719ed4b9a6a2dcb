package domain

import (
	"time"
)

// TurnRole identifies the author of a turn.
type TurnRole string

const (
	// RoleAI marks turns produced by the question generator.
	RoleAI TurnRole = "ai"
	// RoleUser marks turns written by the user.
	RoleUser TurnRole = "user"
)

// TurnType categorizes the conversational intent of a turn.
type TurnType string

const (
	TurnInitialQuestion    TurnType = "initial_question"
	TurnFollowUpQuestion   TurnType = "follow_up_question"
	TurnClarifyingQuestion TurnType = "clarifying_question"
	TurnDeepeningQuestion  TurnType = "deepening_question"
	TurnChallengeQuestion  TurnType = "challenge_question"
	TurnReflectiveQuestion TurnType = "reflective_question"
	TurnUserResponse       TurnType = "user_response"
	TurnUserQuestion       TurnType = "user_question"
	TurnInsightSummary     TurnType = "insight_summary"
	TurnTransition         TurnType = "transition"
	TurnEncouragement      TurnType = "encouragement"
)

// IsQuestion returns true for AI turn types that open or continue a round.
func (t TurnType) IsQuestion() bool {
	switch t {
	case TurnInitialQuestion, TurnFollowUpQuestion, TurnClarifyingQuestion,
		TurnDeepeningQuestion, TurnChallengeQuestion, TurnReflectiveQuestion:
		return true
	default:
		return false
	}
}

// FollowUpOption is a suggested reply the client may render under an AI turn.
type FollowUpOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Kind  string `json:"kind"`
}

// Turn is a single message in a session's transcript. Turns are immutable
// once appended; "regenerate" supersedes the old turn and appends a new one
// with a fresh sequence number.
type Turn struct {
	ID              string           `json:"id"`
	SessionID       string           `json:"session_id"`
	Round           int              `json:"round"`
	Role            TurnRole         `json:"role"`
	Seq             int              `json:"seq"`
	Content         string           `json:"content"`
	Type            TurnType         `json:"type"`
	DepthLevel      int              `json:"depth_level,omitempty"`
	IsFollowUp      bool             `json:"is_follow_up,omitempty"`
	FollowUpOptions []FollowUpOption `json:"follow_up_options,omitempty"`
	Superseded      bool             `json:"superseded,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// MaxUserContentLength is the longest user response accepted, in characters.
// Longer content is rejected outright, never truncated.
const MaxUserContentLength = 2000
