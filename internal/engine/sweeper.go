package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/dialogos/internal/domain"
)

const sweepInterval = 5 * time.Minute

// SweepIdleSessions abandons in_progress sessions with no turn activity for
// longer than ttl. Each candidate is re-checked and flipped under its
// session lock, so the sweep shares the mutual-exclusion domain of every
// other session transition and never interleaves with an in-flight
// operation. Returns how many sessions were abandoned.
func (e *Engine) SweepIdleSessions(ctx context.Context, ttl time.Duration) (int, error) {
	ids, err := e.repo.ListIdleSessionIDs(ctx, ttl)
	if err != nil {
		return 0, fmt.Errorf("list idle sessions: %w", err)
	}

	swept := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		if e.abandonIdle(ctx, id, ttl) {
			swept++
		}
	}
	return swept, nil
}

// abandonIdle flips one idle session to abandoned under its lock. The idle
// check is repeated once the lock is held: a turn may have arrived between
// listing and locking.
func (e *Engine) abandonIdle(ctx context.Context, sessionID string, ttl time.Duration) bool {
	release := e.locks.acquire(sessionID)
	defer release()

	session, err := e.repo.GetSession(ctx, sessionID)
	if err != nil {
		e.logger.Warn("idle sweep lookup failed", "session_id", sessionID, "error", err)
		return false
	}
	if session.Status != domain.StatusInProgress || time.Since(session.LastTurnAt) < ttl {
		return false
	}

	session.Status = domain.StatusAbandoned
	if err := e.repo.UpdateSession(ctx, session); err != nil {
		e.logger.Warn("idle sweep update failed", "session_id", sessionID, "error", err)
		return false
	}
	e.metrics.SessionsAbandoned.Inc()
	e.notifyStatus(sessionID, session.Status)
	e.logger.Info("idle session abandoned", "session_id", sessionID, "round", session.CurrentRound)
	return true
}

// StartIdleSweeper runs a background goroutine that periodically abandons
// idle sessions so stale dialogues stop blocking new sessions for their
// topics.
func StartIdleSweeper(ctx context.Context, eng *Engine, ttl time.Duration) {
	ticker := time.NewTicker(sweepInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("idle sweeper started", "interval", sweepInterval, "ttl", ttl)

		for {
			select {
			case <-ctx.Done():
				slog.Info("idle sweeper stopped")
				return
			case <-ticker.C:
				sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				swept, err := eng.SweepIdleSessions(sweepCtx, ttl)
				cancel()
				if err != nil {
					slog.Error("idle sweep failed", "error", err)
					continue
				}
				if swept > 0 {
					slog.Info("idle sessions abandoned", "count", swept)
				}
			}
		}
	}()
}
