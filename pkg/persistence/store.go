package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"parley/pkg/proto"
)

// Store failure taxonomy. Callers branch on these with errors.Is: an
// unavailable store is retryable, a corrupt one is not.
var (
	// ErrStoreUnavailable indicates an I/O-level failure talking to the
	// database. The snapshot that failed to commit is still in memory, so
	// the write can be retried.
	ErrStoreUnavailable = errors.New("checkpoint store unavailable")

	// ErrStoreCorrupt indicates a committed checkpoint that no longer
	// deserializes into a valid session. Resume must fail loudly rather
	// than continue from partial state.
	ErrStoreCorrupt = errors.New("checkpoint store corrupt")

	// ErrCheckpointNotFound indicates a point-in-time load for a sequence
	// number the session never reached.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// CheckpointStore is the persistence boundary the conversation machine
// drives. Append assigns the sequence number; LoadLatest returns nil when
// the session has no committed checkpoint yet.
type CheckpointStore interface {
	Append(ctx context.Context, sessionID string, cp proto.Checkpoint) (int64, error)
	LoadLatest(ctx context.Context, sessionID string) (*proto.Checkpoint, error)
	LoadAt(ctx context.Context, sessionID string, seq int64) (*proto.Checkpoint, error)
	History(ctx context.Context, sessionID string) ([]CheckpointInfo, error)
}

// CheckpointInfo is a checkpoint listing entry without the message payload.
type CheckpointInfo struct {
	CreatedAt    time.Time   `json:"created_at"`
	SessionID    string      `json:"session_id"`
	Phase        proto.Phase `json:"phase"`
	Seq          int64       `json:"seq"`
	MessageCount int         `json:"message_count"`
}

// SessionInfo is one row of the sessions summary table.
type SessionInfo struct {
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	SessionID    string      `json:"session_id"`
	Phase        proto.Phase `json:"phase"`
	LatestSeq    int64       `json:"latest_seq"`
	MessageCount int         `json:"message_count"`
}

// SQLiteStore implements CheckpointStore on a SQLite database. The
// connection is expected to be configured for a single writer (see
// Initialize), which makes the MAX(seq)+1 assignment in Append safe.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store on an existing database connection.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Append commits a checkpoint and returns its assigned sequence number.
// The checkpoint row and the sessions summary row commit in one
// transaction; a crash between them cannot leave the summary ahead of
// the log.
func (s *SQLiteStore) Append(ctx context.Context, sessionID string, cp proto.Checkpoint) (int64, error) {
	if err := prepareForAppend(sessionID, &cp); err != nil {
		return 0, err
	}

	messagesJSON, err := json.Marshal(cp.Messages)
	if err != nil {
		return 0, fmt.Errorf("failed to serialize checkpoint history: %w", err)
	}
	createdAt := cp.CreatedAt.UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin append: %v", ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM checkpoints WHERE session_id = ?
	`, sessionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("%w: assign sequence: %v", ErrStoreUnavailable, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, seq, phase, message_count, messages_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sessionID, seq, string(cp.Phase), len(cp.Messages), string(messagesJSON), createdAt)
	if err != nil {
		return 0, fmt.Errorf("%w: insert checkpoint %d: %v", ErrStoreUnavailable, seq, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (session_id, phase, latest_seq, message_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			phase = excluded.phase,
			latest_seq = excluded.latest_seq,
			message_count = excluded.message_count,
			updated_at = excluded.updated_at
	`, sessionID, string(cp.Phase), seq, len(cp.Messages), createdAt, createdAt)
	if err != nil {
		return 0, fmt.Errorf("%w: update session summary: %v", ErrStoreUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit checkpoint %d: %v", ErrStoreUnavailable, seq, err)
	}
	return seq, nil
}

// LoadLatest returns the most recent checkpoint for a session.
// Returns nil, nil if the session has no checkpoints (this is not an
// error condition: a fresh session starts the same way).
//
//nolint:nilnil // Absence of a checkpoint is a valid (non-error) outcome
func (s *SQLiteStore) LoadLatest(ctx context.Context, sessionID string) (*proto.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, seq, phase, messages_json, created_at
		FROM checkpoints
		WHERE session_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, sessionID)

	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// LoadAt returns the checkpoint with the given sequence number, for
// point-in-time recovery. Returns ErrCheckpointNotFound if the session
// never committed that sequence.
func (s *SQLiteStore) LoadAt(ctx context.Context, sessionID string, seq int64) (*proto.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, seq, phase, messages_json, created_at
		FROM checkpoints
		WHERE session_id = ? AND seq = ?
	`, sessionID, seq)

	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %s seq %d", ErrCheckpointNotFound, sessionID, seq)
	}
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// History lists a session's checkpoints in ascending sequence order,
// without loading message payloads.
func (s *SQLiteStore) History(ctx context.Context, sessionID string) ([]CheckpointInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, seq, phase, message_count, created_at
		FROM checkpoints
		WHERE session_id = ?
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: query history: %v", ErrStoreUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var infos []CheckpointInfo
	for rows.Next() {
		var info CheckpointInfo
		var phase, createdAt string
		if err := rows.Scan(&info.SessionID, &info.Seq, &phase, &info.MessageCount, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: scan history row: %v", ErrStoreUnavailable, err)
		}
		p, ok := proto.ValidatePhase(phase)
		if !ok {
			return nil, fmt.Errorf("%w: checkpoint %d has unknown phase %q", ErrStoreCorrupt, info.Seq, phase)
		}
		info.Phase = p
		info.CreatedAt = parseStoredTime(createdAt)
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate history: %v", ErrStoreUnavailable, err)
	}
	return infos, nil
}

// Sessions lists all known sessions, most recently updated first.
func (s *SQLiteStore) Sessions(ctx context.Context) ([]SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, phase, latest_seq, message_count, created_at, updated_at
		FROM sessions
		ORDER BY updated_at DESC, session_id
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: query sessions: %v", ErrStoreUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var infos []SessionInfo
	for rows.Next() {
		var info SessionInfo
		var phase, createdAt, updatedAt string
		if err := rows.Scan(&info.SessionID, &phase, &info.LatestSeq, &info.MessageCount, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan session row: %v", ErrStoreUnavailable, err)
		}
		p, ok := proto.ValidatePhase(phase)
		if !ok {
			return nil, fmt.Errorf("%w: session %s has unknown phase %q", ErrStoreCorrupt, info.SessionID, phase)
		}
		info.Phase = p
		info.CreatedAt = parseStoredTime(createdAt)
		info.UpdatedAt = parseStoredTime(updatedAt)
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate sessions: %v", ErrStoreUnavailable, err)
	}
	return infos, nil
}

// MostRecentSession returns the session with the newest checkpoint.
// Returns nil, nil if the store holds no sessions at all.
//
//nolint:nilnil // An empty store is a valid (non-error) outcome
func (s *SQLiteStore) MostRecentSession(ctx context.Context) (*SessionInfo, error) {
	infos, err := s.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, nil
	}
	return &infos[0], nil
}

// prepareForAppend normalizes and validates a checkpoint before a store
// accepts it. Both store implementations share this path.
func prepareForAppend(sessionID string, cp *proto.Checkpoint) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}
	if cp.SessionID == "" {
		cp.SessionID = sessionID
	} else if cp.SessionID != sessionID {
		return fmt.Errorf("checkpoint belongs to session %s, not %s", cp.SessionID, sessionID)
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if err := cp.Validate(); err != nil {
		return fmt.Errorf("invalid checkpoint: %w", err)
	}
	return nil
}

// scanCheckpoint scans a full checkpoint row. Any failure to reconstruct
// a valid checkpoint from committed bytes is reported as ErrStoreCorrupt;
// sql.ErrNoRows passes through for the caller to interpret.
func scanCheckpoint(row *sql.Row) (*proto.Checkpoint, error) {
	var cp proto.Checkpoint
	var phase, messagesJSON, createdAt string
	err := row.Scan(&cp.SessionID, &cp.Seq, &phase, &messagesJSON, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan checkpoint: %v", ErrStoreUnavailable, err)
	}

	p, ok := proto.ValidatePhase(phase)
	if !ok {
		return nil, fmt.Errorf("%w: checkpoint %d has unknown phase %q", ErrStoreCorrupt, cp.Seq, phase)
	}
	cp.Phase = p

	if err := json.Unmarshal([]byte(messagesJSON), &cp.Messages); err != nil {
		return nil, fmt.Errorf("%w: checkpoint %d history does not parse: %v", ErrStoreCorrupt, cp.Seq, err)
	}
	cp.CreatedAt = parseStoredTime(createdAt)

	// A committed history that no longer passes validation means the
	// store was modified out from under us. Do not hand it back.
	if err := cp.Validate(); err != nil {
		return nil, fmt.Errorf("%w: checkpoint %d: %v", ErrStoreCorrupt, cp.Seq, err)
	}
	return &cp, nil
}

// parseStoredTime parses a timestamp column. Both the Go write path and
// the strftime default produce RFC3339 with subsecond precision; rows
// predating either convention fall back to the zero time rather than
// failing a load over metadata.
func parseStoredTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
