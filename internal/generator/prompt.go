package generator

import (
	"fmt"
	"strings"

	"github.com/ashureev/dialogos/internal/domain"
)

const questionSystemPrompt = `You are a Socratic tutor guiding a user to examine
their own thinking about a topic. You never lecture. You ask exactly one
probing question per turn, matched to how deep the conversation already is.
Respond with a single JSON object:
{
  "content": "the question text",
  "type": "one of: initial_question, follow_up_question, clarifying_question, deepening_question, challenge_question, reflective_question",
  "depth_level": 1-5,
  "is_follow_up": true|false,
  "follow_up_options": [{"id": "opt-1", "label": "short reply the user could pick", "kind": "agree|disagree|explore"}]
}
follow_up_options is optional and holds at most three entries.`

const insightSystemPrompt = `You are summarizing a finished Socratic dialogue.
Produce a structured insight as a single JSON object:
{
  "core_insight": "the central realization the user reached",
  "thinking_evolution": [{"stage": 1, "description": "...", "user_thinking": "...", "ai_guidance": "..."}],
  "turning_points": [{"round": 2, "description": "...", "before_after": "..."}],
  "unresolved_questions": ["..."],
  "reflection_suggestion": "one concrete next step for the user"
}
thinking_evolution stages must be numbered contiguously starting at 1.`

// renderTranscript flattens the ledger into a plain-text conversation log the
// model can read. Superseded turns never reach this point.
func renderTranscript(transcript []*domain.Turn) string {
	var b strings.Builder
	for _, turn := range transcript {
		switch turn.Role {
		case domain.RoleAI:
			fmt.Fprintf(&b, "[round %d] AI (%s, depth %d): %s\n",
				turn.Round, turn.Type, turn.DepthLevel, turn.Content)
		case domain.RoleUser:
			fmt.Fprintf(&b, "[round %d] USER: %s\n", turn.Round, turn.Content)
		}
	}
	return b.String()
}

func questionPrompt(topicID string, transcript []*domain.Turn, round int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", topicID)
	if len(transcript) == 0 {
		fmt.Fprintf(&b, "This is round 1 of a new dialogue. Ask the opening question (type initial_question, depth_level 1).\n")
		return b.String()
	}
	fmt.Fprintf(&b, "Transcript so far:\n%s\n", renderTranscript(transcript))
	fmt.Fprintf(&b, "Ask the question for round %d. Go deeper than the previous question when the user's answer supports it.\n", round)
	return b.String()
}

func insightPrompt(topicID string, transcript []*domain.Turn, stats domain.RoundStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", topicID)
	fmt.Fprintf(&b, "Rounds completed: %d, average response length: %d, depth levels reached: %v\n",
		stats.TotalRounds, stats.AvgResponseLength, stats.DepthDistribution)
	fmt.Fprintf(&b, "Full transcript:\n%s", renderTranscript(transcript))
	return b.String()
}
