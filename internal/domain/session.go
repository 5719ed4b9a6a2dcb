// Package domain contains core domain types for the dialogue engine.
package domain

import (
	"time"
)

// SessionStatus represents the lifecycle state of a dialogue session.
type SessionStatus string

const (
	// StatusInProgress means the dialogue is active and accepting turns.
	StatusInProgress SessionStatus = "in_progress"
	// StatusCompleted means the dialogue concluded and is awaiting insight synthesis.
	StatusCompleted SessionStatus = "completed"
	// StatusAbandoned means the user walked away; no further turns or synthesis.
	StatusAbandoned SessionStatus = "abandoned"
	// StatusInsightGenerated means synthesis succeeded; the session is read-only.
	StatusInsightGenerated SessionStatus = "insight_generated"
)

// IsTerminal returns true if no further state transitions are possible.
// A completed session is not terminal: it can still move to insight_generated.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusAbandoned || s == StatusInsightGenerated
}

// DefaultMaxRound is the number of question/answer rounds a session
// allows unless configured otherwise.
const DefaultMaxRound = 5

// DialogueSession is one bounded guided-questioning exchange tied to a topic.
//
// CurrentRound counts AI questions issued: each question opens a round, so a
// freshly started session (first question appended) reads CurrentRound = 1.
type DialogueSession struct {
	ID                string        `json:"id"`
	TopicID           string        `json:"topic_id"`
	Status            SessionStatus `json:"status"`
	CurrentRound      int           `json:"current_round"`
	MaxRound          int           `json:"max_round"`
	SatisfactionScore *int          `json:"satisfaction_score,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	LastTurnAt        time.Time     `json:"last_turn_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// IsActive returns true if the session can still accept turns.
func (s *DialogueSession) IsActive() bool {
	return s.Status == StatusInProgress
}

// RoundsExhausted returns true once the final round's question has been issued.
func (s *DialogueSession) RoundsExhausted() bool {
	return s.CurrentRound >= s.MaxRound
}
