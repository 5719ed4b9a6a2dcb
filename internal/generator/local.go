package generator

import (
	"context"
	"fmt"

	"github.com/ashureev/dialogos/internal/domain"
)

// Local is a deterministic rule-based generator used when no API key is
// configured, and by tests. Round N always yields the same question kind and
// depth, so dialogue behavior is reproducible without network access.
type Local struct{}

var (
	_ QuestionGenerator = Local{}
	_ InsightGenerator  = Local{}
)

// roundPlaybook maps a round number to the question kind and depth the local
// generator issues. Rounds past the table reuse the last entry.
var roundPlaybook = []struct {
	turnType domain.TurnType
	depth    int
	template string
}{
	{domain.TurnInitialQuestion, 1, "What draws you to %s, and what do you currently believe about it?"},
	{domain.TurnClarifyingQuestion, 2, "You mentioned: %q. What exactly do you mean by that?"},
	{domain.TurnDeepeningQuestion, 3, "What assumption underlies %q? How would you defend it?"},
	{domain.TurnChallengeQuestion, 4, "Suppose the opposite of %q were true. What would change?"},
	{domain.TurnReflectiveQuestion, 5, "Looking back at the whole exchange, how has your view of %s shifted?"},
}

// Generate produces the scripted question for the given round.
func (Local) Generate(ctx context.Context, topicID string, transcript []*domain.Turn, round int) (*Question, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("local generate: %w", err)
	}

	entry := roundPlaybook[len(roundPlaybook)-1]
	if round >= 1 && round <= len(roundPlaybook) {
		entry = roundPlaybook[round-1]
	}

	subject := topicID
	if last := lastUserResponse(transcript); last != "" {
		subject = snippet(last, 60)
	}

	question := &Question{
		Content:    fmt.Sprintf(entry.template, subject),
		Type:       entry.turnType,
		DepthLevel: entry.depth,
		IsFollowUp: round > 1,
	}
	if entry.turnType == domain.TurnChallengeQuestion {
		question.FollowUpOptions = []domain.FollowUpOption{
			{ID: "opt-1", Label: "My view would hold anyway", Kind: "disagree"},
			{ID: "opt-2", Label: "I would have to rethink it", Kind: "agree"},
		}
	}
	return question, nil
}

// Synthesize builds an insight draft directly from the transcript.
func (Local) Synthesize(ctx context.Context, topicID string, transcript []*domain.Turn, stats domain.RoundStats) (*InsightDraft, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("local synthesize: %w", err)
	}

	draft := &InsightDraft{
		CoreInsight: fmt.Sprintf(
			"Across %d rounds on %s, the user moved from stating a position to examining the assumptions beneath it.",
			stats.TotalRounds, topicID),
		ReflectionSuggestion: "Write down the strongest objection to your current view and answer it in one paragraph.",
	}

	stage := 0
	for _, turn := range transcript {
		if turn.Role != domain.RoleUser {
			continue
		}
		stage++
		guidance := ""
		if q := questionBefore(transcript, turn.Seq); q != nil {
			guidance = snippet(q.Content, 120)
		}
		draft.ThinkingEvolution = append(draft.ThinkingEvolution, domain.ThinkingStage{
			Stage:        stage,
			Description:  fmt.Sprintf("Round %d response", turn.Round),
			UserThinking: snippet(turn.Content, 120),
			AIGuidance:   guidance,
		})
	}

	for _, turn := range transcript {
		if turn.Role == domain.RoleAI && turn.Type == domain.TurnChallengeQuestion {
			draft.TurningPoints = append(draft.TurningPoints, domain.TurningPoint{
				Round:       turn.Round,
				Description: "The position was stress-tested against its opposite.",
				BeforeAfter: snippet(turn.Content, 120),
			})
		}
	}

	if stats.TotalRounds < domain.DefaultMaxRound {
		draft.UnresolvedQuestions = append(draft.UnresolvedQuestions,
			"The dialogue ended before every angle was explored; which thread felt unfinished?")
	}

	return draft, nil
}

func lastUserResponse(transcript []*domain.Turn) string {
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == domain.RoleUser {
			return transcript[i].Content
		}
	}
	return ""
}

func questionBefore(transcript []*domain.Turn, seq int) *domain.Turn {
	var question *domain.Turn
	for _, turn := range transcript {
		if turn.Seq >= seq {
			break
		}
		if turn.Role == domain.RoleAI {
			question = turn
		}
	}
	return question
}

func snippet(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
