package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/dialogos/internal/domain"
	"github.com/ashureev/dialogos/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	turnMu sync.Mutex // Serializes turn append/replace transactions to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		topic_id TEXT NOT NULL,
		status TEXT NOT NULL,
		current_round INTEGER NOT NULL DEFAULT 0,
		max_round INTEGER NOT NULL,
		satisfaction_score INTEGER,
		created_at INTEGER NOT NULL,
		last_turn_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_active_topic
		ON sessions(topic_id) WHERE status = 'in_progress';
	CREATE INDEX IF NOT EXISTS idx_sessions_idle
		ON sessions(last_turn_at) WHERE status = 'in_progress';

	CREATE TABLE IF NOT EXISTS turns (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		round INTEGER NOT NULL,
		role TEXT NOT NULL,
		seq INTEGER NOT NULL,
		content TEXT NOT NULL,
		type TEXT NOT NULL,
		depth_level INTEGER NOT NULL DEFAULT 0,
		is_follow_up INTEGER NOT NULL DEFAULT 0,
		follow_up_options TEXT,
		superseded INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		UNIQUE(session_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session_seq ON turns(session_id, seq);

	CREATE TABLE IF NOT EXISTS insights (
		session_id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		generated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateSession inserts a new session. The partial unique index on
// (topic_id WHERE status='in_progress') makes the duplicate-active check
// atomic with the insert.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.DialogueSession) error {
	query := `
	INSERT INTO sessions (id, topic_id, status, current_round, max_round,
		satisfaction_score, created_at, last_turn_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		session.ID, session.TopicID, string(session.Status),
		session.CurrentRound, session.MaxRound, satisfactionArg(session),
		session.CreatedAt.Unix(), session.LastTurnAt.Unix(), session.UpdatedAt.Unix(),
	)
	if err != nil {
		if shared.IsSQLiteConstraintError(err) {
			return fmt.Errorf("topic %s: %w", session.TopicID, domain.ErrConflict)
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

const sessionColumns = `id, topic_id, status, current_round, max_round,
	satisfaction_score, created_at, last_turn_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*domain.DialogueSession, error) {
	var session domain.DialogueSession
	var status string
	var score sql.NullInt64
	var createdAt, lastTurnAt, updatedAt int64

	err := row.Scan(
		&session.ID, &session.TopicID, &status, &session.CurrentRound,
		&session.MaxRound, &score, &createdAt, &lastTurnAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	session.Status = domain.SessionStatus(status)
	if score.Valid {
		v := int(score.Int64)
		session.SatisfactionScore = &v
	}
	session.CreatedAt = time.Unix(createdAt, 0)
	session.LastTurnAt = time.Unix(lastTurnAt, 0)
	session.UpdatedAt = time.Unix(updatedAt, 0)
	return &session, nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.DialogueSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`
	session, err := scanSession(s.db.QueryRowContext(ctx, query, sessionID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return session, nil
}

// GetActiveSessionByTopic retrieves the in_progress session for a topic.
func (s *SQLiteStore) GetActiveSessionByTopic(ctx context.Context, topicID string) (*domain.DialogueSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE topic_id = ? AND status = ?`
	session, err := scanSession(s.db.QueryRowContext(ctx, query, topicID, string(domain.StatusInProgress)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan active session row: %w", err)
	}
	return session, nil
}

// UpdateSession persists the mutable session fields.
func (s *SQLiteStore) UpdateSession(ctx context.Context, session *domain.DialogueSession) error {
	query := `
	UPDATE sessions SET status = ?, current_round = ?, satisfaction_score = ?,
		last_turn_at = ?, updated_at = ?
	WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query,
		string(session.Status), session.CurrentRound, satisfactionArg(session),
		session.LastTurnAt.Unix(), time.Now().Unix(), session.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s: %w", session.ID, domain.ErrNotFound)
	}
	return nil
}

const (
	busyRetries = 3
	busyBackoff = 50 * time.Millisecond
)

// runTurnTx runs fn inside one transaction under turnMu.
func (s *SQLiteStore) runTurnTx(ctx context.Context, fn func(*sql.Tx) (*domain.Turn, error)) (*domain.Turn, error) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin turn transaction: %w", err)
	}
	defer rollback(tx)

	turn, err := fn(tx)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit turn transaction: %w", err)
	}
	return turn, nil
}

// withTurnTx retries runTurnTx when SQLite reports SQLITE_BUSY or "database
// is locked", which WAL mode can still surface under concurrent writers.
// Other errors are returned as-is.
func (s *SQLiteStore) withTurnTx(ctx context.Context, fn func(*sql.Tx) (*domain.Turn, error)) (*domain.Turn, error) {
	var lastErr error
	for attempt := 0; attempt <= busyRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * busyBackoff):
			}
		}
		turn, err := s.runTurnTx(ctx, fn)
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return turn, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("turn transaction retries exhausted: %w", lastErr)
}

// AppendTurn assigns the next sequence number and inserts the turn atomically.
func (s *SQLiteStore) AppendTurn(ctx context.Context, turn *domain.Turn) (*domain.Turn, error) {
	return s.withTurnTx(ctx, func(tx *sql.Tx) (*domain.Turn, error) {
		return appendTurnTx(ctx, tx, turn)
	})
}

// AppendQuestion appends the AI turn and advances current_round in one
// transaction. The session update is guarded on status so a session
// terminated by another writer is never brought back to in_progress.
func (s *SQLiteStore) AppendQuestion(ctx context.Context, turn *domain.Turn, round int) (*domain.Turn, error) {
	return s.withTurnTx(ctx, func(tx *sql.Tx) (*domain.Turn, error) {
		result, err := tx.ExecContext(ctx,
			`UPDATE sessions SET current_round = ?, updated_at = ? WHERE id = ? AND status = ?`,
			round, time.Now().Unix(), turn.SessionID, string(domain.StatusInProgress),
		)
		if err != nil {
			return nil, fmt.Errorf("advance round: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return nil, fmt.Errorf("session %s is not in_progress: %w",
				turn.SessionID, domain.ErrInvalidState)
		}

		question := *turn
		question.Round = round
		return appendTurnTx(ctx, tx, &question)
	})
}

// appendTurnTx performs the sequence assignment, round check, insert, and
// last_turn_at bump inside an open transaction.
func appendTurnTx(ctx context.Context, tx *sql.Tx, turn *domain.Turn) (*domain.Turn, error) {
	var lastSeq int
	var lastRound sql.NullInt64
	row := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0), MAX(round) FROM turns WHERE session_id = ?`,
		turn.SessionID,
	)
	if err := row.Scan(&lastSeq, &lastRound); err != nil {
		return nil, fmt.Errorf("query last sequence: %w", err)
	}

	if lastRound.Valid && turn.Round < int(lastRound.Int64) {
		return nil, fmt.Errorf("turn round %d below last round %d: %w",
			turn.Round, lastRound.Int64, domain.ErrValidation)
	}

	appended := *turn
	appended.Seq = lastSeq + 1
	if appended.CreatedAt.IsZero() {
		appended.CreatedAt = time.Now()
	}

	optionsJSON, err := marshalOptions(appended.FollowUpOptions)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO turns (id, session_id, round, role, seq, content, type,
			depth_level, is_follow_up, follow_up_options, superseded, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		appended.ID, appended.SessionID, appended.Round, string(appended.Role),
		appended.Seq, appended.Content, string(appended.Type),
		appended.DepthLevel, appended.IsFollowUp, optionsJSON,
		appended.CreatedAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert turn: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET last_turn_at = ?, updated_at = ? WHERE id = ?`,
		appended.CreatedAt.Unix(), time.Now().Unix(), appended.SessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("bump last_turn_at: %w", err)
	}

	return &appended, nil
}

const turnColumns = `id, session_id, round, role, seq, content, type,
	depth_level, is_follow_up, follow_up_options, superseded, created_at`

func scanTurn(row interface{ Scan(...any) error }) (*domain.Turn, error) {
	var turn domain.Turn
	var role, turnType string
	var optionsJSON sql.NullString
	var createdAt int64

	err := row.Scan(
		&turn.ID, &turn.SessionID, &turn.Round, &role, &turn.Seq,
		&turn.Content, &turnType, &turn.DepthLevel, &turn.IsFollowUp,
		&optionsJSON, &turn.Superseded, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	turn.Role = domain.TurnRole(role)
	turn.Type = domain.TurnType(turnType)
	turn.CreatedAt = time.Unix(createdAt, 0)
	if optionsJSON.Valid && optionsJSON.String != "" {
		if err := json.Unmarshal([]byte(optionsJSON.String), &turn.FollowUpOptions); err != nil {
			return nil, fmt.Errorf("unmarshal follow-up options: %w", err)
		}
	}
	return &turn, nil
}

// ListTurns returns the transcript in sequence order, superseded turns excluded.
func (s *SQLiteStore) ListTurns(ctx context.Context, sessionID string) ([]*domain.Turn, error) {
	query := `SELECT ` + turnColumns + ` FROM turns
		WHERE session_id = ? AND superseded = 0 ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close turns rows", "error", closeErr)
		}
	}()

	var turns []*domain.Turn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return turns, nil
}

// LastAITurn returns the newest non-superseded AI turn for a session.
func (s *SQLiteStore) LastAITurn(ctx context.Context, sessionID string) (*domain.Turn, error) {
	query := `SELECT ` + turnColumns + ` FROM turns
		WHERE session_id = ? AND role = ? AND superseded = 0
		ORDER BY seq DESC LIMIT 1`

	turn, err := scanTurn(s.db.QueryRowContext(ctx, query, sessionID, string(domain.RoleAI)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan last AI turn: %w", err)
	}
	return turn, nil
}

// ReplaceLastAITurn supersedes the newest AI turn and appends the replacement
// in one transaction, so readers never observe two current AI turns for the
// same round.
func (s *SQLiteStore) ReplaceLastAITurn(ctx context.Context, sessionID string, replacement *domain.Turn) (*domain.Turn, error) {
	return s.withTurnTx(ctx, func(tx *sql.Tx) (*domain.Turn, error) {
		query := `SELECT ` + turnColumns + ` FROM turns
			WHERE session_id = ? AND role = ? AND superseded = 0
			ORDER BY seq DESC LIMIT 1`
		old, err := scanTurn(tx.QueryRowContext(ctx, query, sessionID, string(domain.RoleAI)))
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("no AI turn to replace for session %s: %w", sessionID, domain.ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("scan turn to replace: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE turns SET superseded = 1 WHERE id = ?`, old.ID,
		); err != nil {
			return nil, fmt.Errorf("supersede turn: %w", err)
		}

		appended := *replacement
		appended.Round = old.Round
		return appendTurnTx(ctx, tx, &appended)
	})
}

// SaveInsight persists the insight payload as JSON, one row per session.
func (s *SQLiteStore) SaveInsight(ctx context.Context, insight *domain.Insight) error {
	payload, err := json.Marshal(insight)
	if err != nil {
		return fmt.Errorf("marshal insight: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO insights (session_id, payload, generated_at) VALUES (?, ?, ?)`,
		insight.SessionID, string(payload), insight.GeneratedAt.Unix(),
	)
	if err != nil {
		if shared.IsSQLiteConstraintError(err) {
			return fmt.Errorf("insight for session %s: %w", insight.SessionID, domain.ErrConflict)
		}
		return fmt.Errorf("insert insight: %w", err)
	}
	return nil
}

// GetInsight retrieves the insight for a session.
func (s *SQLiteStore) GetInsight(ctx context.Context, sessionID string) (*domain.Insight, error) {
	var payload string
	row := s.db.QueryRowContext(ctx,
		`SELECT payload FROM insights WHERE session_id = ?`, sessionID)
	err := row.Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan insight row: %w", err)
	}

	var insight domain.Insight
	if err := json.Unmarshal([]byte(payload), &insight); err != nil {
		return nil, fmt.Errorf("unmarshal insight: %w", err)
	}
	return &insight, nil
}

// ListIdleSessionIDs returns in_progress sessions with no turn activity
// since the TTL. State transitions are the engine's job, so only ids are
// returned here.
func (s *SQLiteStore) ListIdleSessionIDs(ctx context.Context, ttl time.Duration) ([]string, error) {
	threshold := time.Now().Add(-ttl).Unix()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sessions WHERE status = ? AND last_turn_at < ?`,
		string(domain.StatusInProgress), threshold,
	)
	if err != nil {
		return nil, fmt.Errorf("query idle sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close idle sessions rows", "error", closeErr)
		}
	}()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan idle session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate idle sessions: %w", err)
	}
	return ids, nil
}

func satisfactionArg(session *domain.DialogueSession) interface{} {
	if session.SatisfactionScore != nil {
		return *session.SatisfactionScore
	}
	return nil
}

func marshalOptions(options []domain.FollowUpOption) (interface{}, error) {
	if len(options) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(options)
	if err != nil {
		return nil, fmt.Errorf("marshal follow-up options: %w", err)
	}
	return string(data), nil
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		slog.Warn("failed to roll back transaction", "error", err)
	}
}
