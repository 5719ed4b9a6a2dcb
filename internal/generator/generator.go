// Package generator adapts external AI generation capabilities for the
// dialogue engine: producing the next Socratic question from a transcript,
// and synthesizing a structured insight once a dialogue concludes.
package generator

import (
	"context"
	"fmt"

	"github.com/ashureev/dialogos/internal/domain"
)

// Question is the generator's answer to "what should the AI ask next".
type Question struct {
	Content         string                  `json:"content"`
	Type            domain.TurnType         `json:"type"`
	DepthLevel      int                     `json:"depth_level"`
	IsFollowUp      bool                    `json:"is_follow_up"`
	FollowUpOptions []domain.FollowUpOption `json:"follow_up_options,omitempty"`
}

// InsightDraft is the raw synthesis output before validation and persistence.
type InsightDraft struct {
	CoreInsight          string                 `json:"core_insight"`
	ThinkingEvolution    []domain.ThinkingStage `json:"thinking_evolution"`
	TurningPoints        []domain.TurningPoint  `json:"turning_points"`
	UnresolvedQuestions  []string               `json:"unresolved_questions"`
	ReflectionSuggestion string                 `json:"reflection_suggestion"`
}

// QuestionGenerator produces the next AI question for a session.
// Implementations must honor ctx cancellation and deadlines.
type QuestionGenerator interface {
	Generate(ctx context.Context, topicID string, transcript []*domain.Turn, round int) (*Question, error)
}

// InsightGenerator synthesizes the final insight from a finished transcript.
type InsightGenerator interface {
	Synthesize(ctx context.Context, topicID string, transcript []*domain.Turn, stats domain.RoundStats) (*InsightDraft, error)
}

// Validate checks the structural shape required before a question may be
// appended to the ledger.
func (q *Question) Validate() error {
	if q.Content == "" {
		return fmt.Errorf("empty question content: %w", domain.ErrGeneration)
	}
	if q.DepthLevel < 1 || q.DepthLevel > 5 {
		return fmt.Errorf("depth level %d out of range 1..5: %w", q.DepthLevel, domain.ErrGeneration)
	}
	if !q.Type.IsQuestion() {
		return fmt.Errorf("turn type %q is not a question type: %w", q.Type, domain.ErrGeneration)
	}
	return nil
}

// Validate checks the structural shape required before a draft may be
// persisted as an insight: non-empty core insight, and thinking-evolution
// stage numbers forming a contiguous increasing sequence starting at 1.
func (d *InsightDraft) Validate() error {
	if d.CoreInsight == "" {
		return fmt.Errorf("empty core insight: %w", domain.ErrSynthesis)
	}
	for i, stage := range d.ThinkingEvolution {
		if stage.Stage != i+1 {
			return fmt.Errorf("thinking evolution stage %d at position %d breaks the 1..n sequence: %w",
				stage.Stage, i, domain.ErrSynthesis)
		}
	}
	return nil
}
