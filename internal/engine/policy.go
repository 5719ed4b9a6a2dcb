package engine

import (
	"unicode/utf8"

	"github.com/ashureev/dialogos/internal/domain"
)

// Policy holds the pure depth and continuation decision logic. It reads the
// session and ledger and performs no I/O, so every decision is reproducible
// from a transcript.
type Policy struct {
	// MinResponseLength is the early-stop threshold in runes: when the last
	// two user responses are both shorter than this, the dialogue is
	// considered exhausted. Zero disables the heuristic.
	MinResponseLength int
}

// CanContinue reports whether another AI question may still be issued for
// the session. It is false once the final round's question has been issued
// (CurrentRound >= MaxRound), once the session leaves in_progress, or when
// the early-stop heuristic fires.
func (p Policy) CanContinue(session *domain.DialogueSession, transcript []*domain.Turn) bool {
	if !session.IsActive() || session.RoundsExhausted() {
		return false
	}
	return !p.earlyStop(transcript)
}

// earlyStop is deterministic: the last two user responses both under the
// minimum length signal a user who has run out of things to say.
func (p Policy) earlyStop(transcript []*domain.Turn) bool {
	if p.MinResponseLength <= 0 {
		return false
	}

	short := 0
	seen := 0
	for i := len(transcript) - 1; i >= 0 && seen < 2; i-- {
		turn := transcript[i]
		if turn.Role != domain.RoleUser {
			continue
		}
		seen++
		if utf8.RuneCountInString(turn.Content) < p.MinResponseLength {
			short++
		}
	}
	return seen == 2 && short == 2
}

// ComputeRoundStats aggregates the ledger into the statistics carried by the
// insight artifact.
func (p Policy) ComputeRoundStats(session *domain.DialogueSession, transcript []*domain.Turn) domain.RoundStats {
	stats := domain.RoundStats{
		TotalRounds: session.CurrentRound,
	}

	maxDepth := 0
	responses := 0
	totalLength := 0
	completedRounds := 0
	for _, turn := range transcript {
		switch turn.Role {
		case domain.RoleAI:
			if turn.Type.IsQuestion() {
				stats.DepthDistribution = append(stats.DepthDistribution, turn.DepthLevel)
				if turn.DepthLevel > maxDepth {
					maxDepth = turn.DepthLevel
				}
			}
		case domain.RoleUser:
			if turn.Type == domain.TurnUserResponse {
				responses++
				totalLength += utf8.RuneCountInString(turn.Content)
				completedRounds++
			}
		}
	}

	if responses > 0 {
		stats.AvgResponseLength = totalLength / responses
	}

	// Score is monotonic in both depth and round count: adding a round or
	// reaching a deeper question never lowers it. Five completed rounds at
	// depth five saturate the 0..10 scale.
	score := maxDepth + completedRounds
	if score > 10 {
		score = 10
	}
	stats.ThinkingDepthScore = score

	return stats
}
