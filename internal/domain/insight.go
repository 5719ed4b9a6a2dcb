package domain

import (
	"time"
)

// ThinkingStage describes one step of the user's thinking evolution across
// the dialogue. Stages are numbered contiguously from 1.
type ThinkingStage struct {
	Stage        int    `json:"stage"`
	Description  string `json:"description"`
	UserThinking string `json:"user_thinking"`
	AIGuidance   string `json:"ai_guidance"`
}

// TurningPoint marks a round where the user's position shifted.
type TurningPoint struct {
	Round       int    `json:"round"`
	Description string `json:"description"`
	BeforeAfter string `json:"before_after"`
}

// RoundStats aggregates ledger statistics for a session.
type RoundStats struct {
	TotalRounds        int   `json:"total_rounds"`
	AvgResponseLength  int   `json:"avg_response_length"`
	DepthDistribution  []int `json:"depth_distribution"`
	ThinkingDepthScore int   `json:"thinking_depth_score"`
}

// Insight is the structured synthesis artifact produced at most once per
// session when the dialogue concludes.
type Insight struct {
	SessionID            string          `json:"session_id"`
	CoreInsight          string          `json:"core_insight"`
	ThinkingEvolution    []ThinkingStage `json:"thinking_evolution"`
	TurningPoints        []TurningPoint  `json:"turning_points"`
	UnresolvedQuestions  []string        `json:"unresolved_questions"`
	ReflectionSuggestion string          `json:"reflection_suggestion"`
	RoundStats           RoundStats      `json:"round_stats"`
	GeneratedAt          time.Time       `json:"generated_at"`
}
