// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/dialogos/internal/domain"
)

// Repository defines the interface for persisting dialogue sessions, turns,
// and insights. Lookups that model "may legitimately be absent" (active
// session for a topic, last AI turn, insight) return (nil, nil) when nothing
// exists; lookups by primary key return domain.ErrNotFound.
type Repository interface {
	// CreateSession inserts a new session. Returns domain.ErrConflict if the
	// topic already has an in_progress session; the check and the insert are
	// atomic (enforced by a partial unique index).
	CreateSession(ctx context.Context, session *domain.DialogueSession) error

	// GetSession retrieves a session by id. Returns domain.ErrNotFound if
	// the id is unknown.
	GetSession(ctx context.Context, sessionID string) (*domain.DialogueSession, error)

	// GetActiveSessionByTopic retrieves the single in_progress session for a
	// topic, or (nil, nil) if the topic has none.
	GetActiveSessionByTopic(ctx context.Context, topicID string) (*domain.DialogueSession, error)

	// UpdateSession persists the mutable session fields (status, round,
	// satisfaction score, timestamps).
	UpdateSession(ctx context.Context, session *domain.DialogueSession) error

	// AppendTurn assigns the next sequence number for the turn's session and
	// inserts the turn in one transaction. Returns domain.ErrValidation if
	// the turn's round is lower than the last appended turn's round. The
	// session's last_turn_at is advanced in the same transaction.
	AppendTurn(ctx context.Context, turn *domain.Turn) (*domain.Turn, error)

	// AppendQuestion appends an AI question turn and advances the session's
	// current_round to round in the same transaction. The round advance is
	// conditional on the session still being in_progress; if it was
	// terminated out-of-band, nothing is written and domain.ErrInvalidState
	// is returned.
	AppendQuestion(ctx context.Context, turn *domain.Turn, round int) (*domain.Turn, error)

	// ListTurns returns the full transcript in sequence order, superseded
	// turns excluded.
	ListTurns(ctx context.Context, sessionID string) ([]*domain.Turn, error)

	// LastAITurn returns the newest non-superseded AI turn for a session, or
	// (nil, nil) if the session has no AI turns.
	LastAITurn(ctx context.Context, sessionID string) (*domain.Turn, error)

	// ReplaceLastAITurn marks the newest non-superseded AI turn superseded
	// and appends the replacement with a fresh sequence number, atomically.
	// Returns domain.ErrNotFound if the session has no AI turn to replace.
	ReplaceLastAITurn(ctx context.Context, sessionID string, replacement *domain.Turn) (*domain.Turn, error)

	// SaveInsight persists the insight for a session. Returns
	// domain.ErrConflict if one already exists.
	SaveInsight(ctx context.Context, insight *domain.Insight) error

	// GetInsight retrieves the insight for a session, or (nil, nil) if none
	// has been generated.
	GetInsight(ctx context.Context, sessionID string) (*domain.Insight, error)

	// ListIdleSessionIDs returns the ids of in_progress sessions with no
	// turn activity for longer than ttl. The caller decides their fate; the
	// store never transitions session state on its own.
	ListIdleSessionIDs(ctx context.Context, ttl time.Duration) ([]string, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
