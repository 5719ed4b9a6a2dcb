// Package engine implements the guided dialogue orchestrator: session
// registry, state machine, continuation policy, and the insight synthesis
// adapter. All mutation of sessions and their ledgers goes through here.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ashureev/dialogos/internal/domain"
	"github.com/ashureev/dialogos/internal/generator"
	"github.com/ashureev/dialogos/internal/metrics"
	"github.com/ashureev/dialogos/internal/store"
	"github.com/google/uuid"
)

// Notifier receives engine events for live transcript streaming. Methods
// must not block; the engine calls them while holding the session lock.
type Notifier interface {
	TurnAppended(sessionID string, turn *domain.Turn)
	StatusChanged(sessionID string, status domain.SessionStatus)
}

// Config holds engine tuning knobs.
type Config struct {
	MaxRound          int
	MinResponseLength int
	GenerationTimeout time.Duration
	SynthesisTimeout  time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxRound:          domain.DefaultMaxRound,
		MinResponseLength: 20,
		GenerationTimeout: 30 * time.Second,
		SynthesisTimeout:  60 * time.Second,
	}
}

// Engine owns dialogue sessions. Every public operation runs to completion
// under a per-session lock, so ledger appends and state transitions for one
// session are linearized.
type Engine struct {
	repo      store.Repository
	questions generator.QuestionGenerator
	insights  generator.InsightGenerator
	policy    Policy
	cfg       Config
	locks     *sessionLocks
	notifier  Notifier
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New creates an Engine. notifier may be nil when no live streaming is wired.
func New(repo store.Repository, questions generator.QuestionGenerator, insights generator.InsightGenerator,
	cfg Config, m *metrics.Metrics, notifier Notifier, logger *slog.Logger) *Engine {
	if cfg.MaxRound < 1 {
		cfg.MaxRound = domain.DefaultMaxRound
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = DefaultConfig().GenerationTimeout
	}
	if cfg.SynthesisTimeout <= 0 {
		cfg.SynthesisTimeout = DefaultConfig().SynthesisTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		repo:      repo,
		questions: questions,
		insights:  insights,
		policy:    Policy{MinResponseLength: cfg.MinResponseLength},
		cfg:       cfg,
		locks:     newSessionLocks(),
		notifier:  notifier,
		metrics:   m,
		logger:    logger,
	}
}

// TurnResult is the outcome of an operation that appended a turn.
type TurnResult struct {
	Session     *domain.DialogueSession `json:"session"`
	Turn        *domain.Turn            `json:"turn"`
	CanContinue bool                    `json:"can_continue"`
}

// CanStart reports whether a new dialogue may be started for the topic:
// true iff no in_progress session exists, regardless of session history.
func (e *Engine) CanStart(ctx context.Context, topicID string) (bool, error) {
	if topicID == "" {
		return false, fmt.Errorf("empty topic id: %w", domain.ErrValidation)
	}
	active, err := e.repo.GetActiveSessionByTopic(ctx, topicID)
	if err != nil {
		return false, fmt.Errorf("lookup active session: %w", err)
	}
	return active == nil, nil
}

// GetActive returns the single in_progress session for a topic.
func (e *Engine) GetActive(ctx context.Context, topicID string) (*domain.DialogueSession, error) {
	if topicID == "" {
		return nil, fmt.Errorf("empty topic id: %w", domain.ErrValidation)
	}
	active, err := e.repo.GetActiveSessionByTopic(ctx, topicID)
	if err != nil {
		return nil, fmt.Errorf("lookup active session: %w", err)
	}
	if active == nil {
		return nil, fmt.Errorf("no active session for topic %s: %w", topicID, domain.ErrNotFound)
	}
	return active, nil
}

// Start creates a session for the topic and synchronously requests the first
// AI question (round 1). The duplicate-active check is atomic with creation:
// two concurrent Start calls yield one session and one domain.ErrConflict.
//
// If the first question cannot be generated the session stays in_progress at
// round 0 and the error is returned; RequestNextTurn recovers it by issuing
// the round-1 question.
func (e *Engine) Start(ctx context.Context, topicID, initialPrompt string) (*TurnResult, error) {
	if topicID == "" {
		return nil, fmt.Errorf("empty topic id: %w", domain.ErrValidation)
	}

	now := time.Now()
	session := &domain.DialogueSession{
		ID:           uuid.NewString(),
		TopicID:      topicID,
		Status:       domain.StatusInProgress,
		CurrentRound: 0,
		MaxRound:     e.cfg.MaxRound,
		CreatedAt:    now,
		LastTurnAt:   now,
		UpdatedAt:    now,
	}
	if err := e.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	e.metrics.SessionsStarted.Inc()
	e.logger.Info("dialogue session started", "session_id", session.ID, "topic_id", topicID)

	release := e.locks.acquire(session.ID)
	defer release()

	turn, err := e.appendQuestion(ctx, session, nil, 1, startSubject(topicID, initialPrompt))
	if err != nil {
		e.logger.Warn("first question failed, session recoverable via next-turn",
			"session_id", session.ID, "error", err)
		return nil, err
	}

	return &TurnResult{Session: session, Turn: turn, CanContinue: false}, nil
}

// startSubject folds the optional initial prompt into the subject line the
// generator sees for round 1.
func startSubject(topicID, initialPrompt string) string {
	if initialPrompt == "" {
		return topicID
	}
	return topicID + ": " + initialPrompt
}

// RecordUserTurn appends the user's answer to the open round. It never
// fetches the next AI question; that is RequestNextTurn, so callers can
// distinguish "message accepted" from "AI is producing output". A rejected
// turn never consumes a round.
func (e *Engine) RecordUserTurn(ctx context.Context, sessionID, content string) (*TurnResult, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("empty turn content: %w", domain.ErrValidation)
	}
	if n := utf8.RuneCountInString(content); n > domain.MaxUserContentLength {
		return nil, fmt.Errorf("turn content length %d exceeds %d: %w",
			n, domain.MaxUserContentLength, domain.ErrValidation)
	}

	release := e.locks.acquire(sessionID)
	defer release()

	session, err := e.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != domain.StatusInProgress {
		return nil, fmt.Errorf("session %s is %s: %w", sessionID, session.Status, domain.ErrInvalidState)
	}

	transcript, err := e.repo.ListTurns(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	if session.CurrentRound == 0 {
		return nil, fmt.Errorf("session %s has no question yet: %w", sessionID, domain.ErrInvalidState)
	}
	if answeredRounds(transcript) >= session.CurrentRound {
		return nil, fmt.Errorf("round %d already answered: %w", session.CurrentRound, domain.ErrInvalidState)
	}

	turn, err := e.repo.AppendTurn(ctx, &domain.Turn{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Round:     session.CurrentRound,
		Role:      domain.RoleUser,
		Type:      domain.TurnUserResponse,
		Content:   content,
	})
	if err != nil {
		return nil, err
	}
	session.LastTurnAt = turn.CreatedAt
	e.metrics.TurnsTotal.WithLabelValues(string(domain.RoleUser)).Inc()
	e.notifyTurn(sessionID, turn)

	transcript = append(transcript, turn)
	canContinue := e.policy.CanContinue(session, transcript)
	e.logger.Info("user turn recorded",
		"session_id", sessionID, "round", turn.Round, "seq", turn.Seq, "can_continue", canContinue)

	return &TurnResult{Session: session, Turn: turn, CanContinue: canContinue}, nil
}

// RequestNextTurn asks the question generator for the next round's question
// and appends it. On generator failure nothing is appended and the session
// stays in_progress at the same round, so the caller may retry.
func (e *Engine) RequestNextTurn(ctx context.Context, sessionID string) (*TurnResult, error) {
	release := e.locks.acquire(sessionID)
	defer release()

	session, err := e.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != domain.StatusInProgress {
		return nil, fmt.Errorf("session %s is %s: %w", sessionID, session.Status, domain.ErrInvalidState)
	}

	transcript, err := e.repo.ListTurns(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	if answeredRounds(transcript) < session.CurrentRound {
		return nil, fmt.Errorf("round %d awaits the user's answer: %w", session.CurrentRound, domain.ErrInvalidState)
	}
	if !e.policy.CanContinue(session, transcript) {
		return nil, fmt.Errorf("dialogue is ready to finalize: %w", domain.ErrInvalidState)
	}

	turn, err := e.appendQuestion(ctx, session, transcript, session.CurrentRound+1, session.TopicID)
	if err != nil {
		return nil, err
	}

	transcript = append(transcript, turn)
	return &TurnResult{Session: session, Turn: turn, CanContinue: e.policy.CanContinue(session, transcript)}, nil
}

// appendQuestion calls the question generator under the configured timeout,
// then appends the AI turn and advances CurrentRound in one store
// transaction; the write refuses sessions no longer in_progress, so a
// session terminated while generation was in flight stays terminated. The
// caller must hold the session lock. Nothing is persisted on failure.
func (e *Engine) appendQuestion(ctx context.Context, session *domain.DialogueSession,
	transcript []*domain.Turn, round int, subject string) (*domain.Turn, error) {
	genCtx, cancel := context.WithTimeout(ctx, e.cfg.GenerationTimeout)
	defer cancel()

	started := time.Now()
	question, err := e.questions.Generate(genCtx, subject, transcript, round)
	e.metrics.GenerationDuration.WithLabelValues("question").Observe(time.Since(started).Seconds())
	if err != nil {
		e.metrics.GenerationFailures.WithLabelValues("question").Inc()
		return nil, classifyGenerationError(err)
	}
	if err := question.Validate(); err != nil {
		e.metrics.GenerationFailures.WithLabelValues("question").Inc()
		return nil, err
	}

	turnType := question.Type
	if round == 1 {
		turnType = domain.TurnInitialQuestion
	}
	turn, err := e.repo.AppendQuestion(ctx, &domain.Turn{
		ID:              uuid.NewString(),
		SessionID:       session.ID,
		Round:           round,
		Role:            domain.RoleAI,
		Type:            turnType,
		Content:         question.Content,
		DepthLevel:      question.DepthLevel,
		IsFollowUp:      question.IsFollowUp,
		FollowUpOptions: question.FollowUpOptions,
	}, round)
	if err != nil {
		return nil, err
	}

	session.CurrentRound = round
	session.LastTurnAt = turn.CreatedAt

	e.metrics.TurnsTotal.WithLabelValues(string(domain.RoleAI)).Inc()
	e.notifyTurn(session.ID, turn)
	e.logger.Info("question appended",
		"session_id", session.ID, "round", round, "type", turn.Type, "depth", turn.DepthLevel)
	return turn, nil
}

// RegenerateLastTurn replaces the most recent AI question with a fresh one.
// The superseded turn keeps its sequence number as a tombstone; the
// replacement gets a new one, so transcript replay stays gap-free and
// readers never see two current AI turns for one round.
func (e *Engine) RegenerateLastTurn(ctx context.Context, sessionID string) (*TurnResult, error) {
	release := e.locks.acquire(sessionID)
	defer release()

	session, err := e.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != domain.StatusInProgress {
		return nil, fmt.Errorf("session %s is %s: %w", sessionID, session.Status, domain.ErrInvalidState)
	}

	transcript, err := e.repo.ListTurns(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	if len(transcript) == 0 {
		return nil, fmt.Errorf("session %s has no turns: %w", sessionID, domain.ErrNotFound)
	}
	last := transcript[len(transcript)-1]
	if last.Role != domain.RoleAI {
		return nil, fmt.Errorf("round %d already answered, cannot regenerate its question: %w",
			last.Round, domain.ErrInvalidState)
	}

	genCtx, cancel := context.WithTimeout(ctx, e.cfg.GenerationTimeout)
	defer cancel()

	started := time.Now()
	question, err := e.questions.Generate(genCtx, session.TopicID, transcript[:len(transcript)-1], last.Round)
	e.metrics.GenerationDuration.WithLabelValues("question").Observe(time.Since(started).Seconds())
	if err != nil {
		e.metrics.GenerationFailures.WithLabelValues("question").Inc()
		return nil, classifyGenerationError(err)
	}
	if err := question.Validate(); err != nil {
		e.metrics.GenerationFailures.WithLabelValues("question").Inc()
		return nil, err
	}

	turnType := question.Type
	if last.Round == 1 {
		turnType = domain.TurnInitialQuestion
	}
	turn, err := e.repo.ReplaceLastAITurn(ctx, sessionID, &domain.Turn{
		ID:              uuid.NewString(),
		SessionID:       sessionID,
		Role:            domain.RoleAI,
		Type:            turnType,
		Content:         question.Content,
		DepthLevel:      question.DepthLevel,
		IsFollowUp:      question.IsFollowUp,
		FollowUpOptions: question.FollowUpOptions,
	})
	if err != nil {
		return nil, err
	}
	session.LastTurnAt = turn.CreatedAt

	e.notifyTurn(sessionID, turn)
	e.logger.Info("question regenerated", "session_id", sessionID, "round", turn.Round, "seq", turn.Seq)

	transcript[len(transcript)-1] = turn
	return &TurnResult{Session: session, Turn: turn, CanContinue: e.policy.CanContinue(session, transcript)}, nil
}

// Abandon terminates an in_progress session. No further turns or synthesis
// are permitted afterwards.
func (e *Engine) Abandon(ctx context.Context, sessionID string) (*domain.DialogueSession, error) {
	release := e.locks.acquire(sessionID)
	defer release()

	session, err := e.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != domain.StatusInProgress {
		return nil, fmt.Errorf("session %s is %s: %w", sessionID, session.Status, domain.ErrInvalidState)
	}

	session.Status = domain.StatusAbandoned
	if err := e.repo.UpdateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("abandon session: %w", err)
	}
	e.metrics.SessionsAbandoned.Inc()
	e.notifyStatus(sessionID, session.Status)
	e.logger.Info("session abandoned", "session_id", sessionID, "round", session.CurrentRound)
	return session, nil
}

// Finalize concludes the dialogue and synthesizes the insight. It is
// idempotent: once an insight exists, every later call returns the stored
// artifact without re-invoking the generator. On synthesis failure the
// session stays in completed, and Finalize may be retried.
func (e *Engine) Finalize(ctx context.Context, sessionID string, satisfactionScore *int) (*domain.Insight, error) {
	if satisfactionScore != nil && (*satisfactionScore < 1 || *satisfactionScore > 5) {
		return nil, fmt.Errorf("satisfaction score %d out of range 1..5: %w",
			*satisfactionScore, domain.ErrValidation)
	}

	release := e.locks.acquire(sessionID)
	defer release()

	session, err := e.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	switch session.Status {
	case domain.StatusInsightGenerated:
		insight, err := e.repo.GetInsight(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("load insight: %w", err)
		}
		if insight == nil {
			return nil, fmt.Errorf("session %s marked insight_generated but insight missing: %w",
				sessionID, domain.ErrNotFound)
		}
		return insight, nil
	case domain.StatusAbandoned:
		return nil, fmt.Errorf("session %s is abandoned: %w", sessionID, domain.ErrInvalidState)
	case domain.StatusInProgress, domain.StatusCompleted:
		// proceed
	default:
		return nil, fmt.Errorf("session %s has unknown status %s: %w",
			sessionID, session.Status, domain.ErrInvalidState)
	}

	transcript, err := e.repo.ListTurns(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	if answeredRounds(transcript) == 0 {
		return nil, fmt.Errorf("session %s has no user responses to synthesize: %w",
			sessionID, domain.ErrInvalidState)
	}

	if satisfactionScore != nil {
		session.SatisfactionScore = satisfactionScore
	}

	// The persisted completed status is the "ready to finalize" point: no
	// further AI turn will be issued even if synthesis has to be retried.
	// The satisfaction score is persisted in the same write, before the
	// synthesizer runs, so a failed synthesis attempt cannot drop it.
	switch {
	case session.Status == domain.StatusInProgress:
		session.Status = domain.StatusCompleted
		if err := e.repo.UpdateSession(ctx, session); err != nil {
			return nil, fmt.Errorf("complete session: %w", err)
		}
		e.notifyStatus(sessionID, session.Status)
	case satisfactionScore != nil:
		if err := e.repo.UpdateSession(ctx, session); err != nil {
			return nil, fmt.Errorf("record satisfaction score: %w", err)
		}
	}

	// A previous attempt may have persisted the insight but crashed before
	// flipping the status; re-use it instead of synthesizing twice.
	if existing, err := e.repo.GetInsight(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("load insight: %w", err)
	} else if existing != nil {
		return e.markInsightGenerated(ctx, session, existing)
	}

	stats := e.policy.ComputeRoundStats(session, transcript)

	synthCtx, cancel := context.WithTimeout(ctx, e.cfg.SynthesisTimeout)
	defer cancel()

	started := time.Now()
	draft, err := e.insights.Synthesize(synthCtx, session.TopicID, transcript, stats)
	e.metrics.GenerationDuration.WithLabelValues("insight").Observe(time.Since(started).Seconds())
	if err != nil {
		e.metrics.GenerationFailures.WithLabelValues("insight").Inc()
		return nil, classifySynthesisError(err)
	}
	if err := draft.Validate(); err != nil {
		e.metrics.GenerationFailures.WithLabelValues("insight").Inc()
		return nil, err
	}

	insight := &domain.Insight{
		SessionID:            sessionID,
		CoreInsight:          draft.CoreInsight,
		ThinkingEvolution:    draft.ThinkingEvolution,
		TurningPoints:        draft.TurningPoints,
		UnresolvedQuestions:  draft.UnresolvedQuestions,
		ReflectionSuggestion: draft.ReflectionSuggestion,
		RoundStats:           stats,
		GeneratedAt:          time.Now(),
	}
	if err := e.repo.SaveInsight(ctx, insight); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			stored, loadErr := e.repo.GetInsight(ctx, sessionID)
			if loadErr == nil && stored != nil {
				return e.markInsightGenerated(ctx, session, stored)
			}
		}
		return nil, err
	}

	return e.markInsightGenerated(ctx, session, insight)
}

func (e *Engine) markInsightGenerated(ctx context.Context, session *domain.DialogueSession,
	insight *domain.Insight) (*domain.Insight, error) {
	if session.Status != domain.StatusInsightGenerated {
		session.Status = domain.StatusInsightGenerated
		if err := e.repo.UpdateSession(ctx, session); err != nil {
			return nil, fmt.Errorf("mark insight generated: %w", err)
		}
		e.metrics.InsightsGenerated.Inc()
		e.notifyStatus(session.ID, session.Status)
		e.logger.Info("insight generated",
			"session_id", session.ID, "rounds", insight.RoundStats.TotalRounds,
			"depth_score", insight.RoundStats.ThinkingDepthScore)
	}
	return insight, nil
}

// Transcript returns the session's full transcript in sequence order.
func (e *Engine) Transcript(ctx context.Context, sessionID string) ([]*domain.Turn, error) {
	if _, err := e.repo.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.repo.ListTurns(ctx, sessionID)
}

// Insight returns the stored insight for a session.
func (e *Engine) Insight(ctx context.Context, sessionID string) (*domain.Insight, error) {
	if _, err := e.repo.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	insight, err := e.repo.GetInsight(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load insight: %w", err)
	}
	if insight == nil {
		return nil, fmt.Errorf("no insight for session %s: %w", sessionID, domain.ErrNotFound)
	}
	return insight, nil
}

// Session returns the session record by id.
func (e *Engine) Session(ctx context.Context, sessionID string) (*domain.DialogueSession, error) {
	return e.repo.GetSession(ctx, sessionID)
}

func (e *Engine) notifyTurn(sessionID string, turn *domain.Turn) {
	if e.notifier != nil {
		e.notifier.TurnAppended(sessionID, turn)
	}
}

func (e *Engine) notifyStatus(sessionID string, status domain.SessionStatus) {
	if e.notifier != nil {
		e.notifier.StatusChanged(sessionID, status)
	}
}

// answeredRounds counts user responses; each closes one round.
func answeredRounds(transcript []*domain.Turn) int {
	count := 0
	for _, turn := range transcript {
		if turn.Role == domain.RoleUser && turn.Type == domain.TurnUserResponse {
			count++
		}
	}
	return count
}

// classifyGenerationError keeps taxonomy errors as-is and tags everything
// else as a generation failure.
func classifyGenerationError(err error) error {
	if errors.Is(err, domain.ErrUpstreamTimeout) || errors.Is(err, domain.ErrGeneration) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%v: %w", err, domain.ErrUpstreamTimeout)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%v: %w", err, domain.ErrGeneration)
}

func classifySynthesisError(err error) error {
	if errors.Is(err, domain.ErrUpstreamTimeout) || errors.Is(err, domain.ErrSynthesis) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%v: %w", err, domain.ErrUpstreamTimeout)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%v: %w", err, domain.ErrSynthesis)
}
