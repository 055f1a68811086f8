package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrCommandNotFound mirrors the external CommandModel's findById("no such id") contract.
var ErrCommandNotFound = errors.New("command not found")

// CommandSpec is the input to Enqueue: everything the router knows about a command before
// a record exists for it.
type CommandSpec struct {
	ID             string
	NodeID         string
	FQN            string
	Type           string
	Payload        string
	IdempotencyKey string // already scoped "<type>:<key>"; empty means none
}

// CommandRecord is the persisted command lifecycle row.
type CommandRecord struct {
	ID             string
	NodeID         string
	FQN            string
	Type           string
	Payload        string
	IdempotencyKey string
	State          string
	Error          string
	RetryCount     int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	SentAt         *time.Time
	CompletedAt    *time.Time
}

// CommandStore is the external CommandModel contract CommandRouter depends on: it owns
// idempotency-key deduplication and the command lifecycle FSM.
type CommandStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewCommandStore(db *sql.DB, logger *zap.Logger) *CommandStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandStore{db: db, logger: logger}
}

// Enqueue inserts spec as a new queued command, unless a record with the same scoped
// idempotency key already exists, in which case that record is returned unchanged. Records
// do not expire: a key stays bound to its first record for as long as that row exists.
// The store is the sole authority on idempotency.
func (s *CommandStore) Enqueue(ctx context.Context, spec CommandSpec) (CommandRecord, error) {
	if spec.IdempotencyKey != "" {
		existing, err := s.findByIdempotencyKey(ctx, spec.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrCommandNotFound) {
			return CommandRecord{}, fmt.Errorf("enqueue: lookup idempotency key: %w", err)
		}
	}

	now := time.Now().UTC()
	record := CommandRecord{
		ID:             spec.ID,
		NodeID:         spec.NodeID,
		FQN:            spec.FQN,
		Type:           spec.Type,
		Payload:        spec.Payload,
		IdempotencyKey: spec.IdempotencyKey,
		State:          CommandStateQueued,
		RetryCount:     0,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commands (id, node_id, fqn, type, payload, idempotency_key, state, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.ID, record.NodeID, nullableString(record.FQN), record.Type, record.Payload,
		nullableString(record.IdempotencyKey), record.State, record.RetryCount,
		formatTime(record.CreatedAt), formatTime(record.UpdatedAt),
	)
	if err != nil {
		// A concurrent enqueue may have raced us to the unique idempotency-key index; treat
		// that as a hit rather than an error, matching "the store is responsible for
		// idempotency" — not a transport/timer race, so a direct re-read suffices.
		if spec.IdempotencyKey != "" {
			if existing, findErr := s.findByIdempotencyKey(ctx, spec.IdempotencyKey); findErr == nil {
				return existing, nil
			}
		}
		return CommandRecord{}, fmt.Errorf("enqueue command %s: %w", spec.ID, err)
	}

	return record, nil
}

// MarkSent atomically transitions queued->sent, sets sentAt and increments retryCount.
func (s *CommandStore) MarkSent(ctx context.Context, id string) error {
	now := formatTime(time.Now().UTC())
	res, err := s.db.ExecContext(ctx, `
		UPDATE commands
		SET state = ?, sent_at = ?, updated_at = ?, retry_count = retry_count + 1
		WHERE id = ? AND state = ?
	`, CommandStateSent, now, now, id, CommandStateQueued)
	if err != nil {
		return fmt.Errorf("mark sent %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark sent %s: %w", id, ErrCommandNotFound)
	}
	return nil
}

// MarkAcknowledged sets the terminal success state.
func (s *CommandStore) MarkAcknowledged(ctx context.Context, id string) error {
	return s.markTerminal(ctx, id, CommandStateAcknowledged, "")
}

// MarkFailed sets the terminal failure state with reason.
func (s *CommandStore) MarkFailed(ctx context.Context, id string, reason string) error {
	return s.markTerminal(ctx, id, CommandStateFailed, reason)
}

// MarkTimedOut sets the terminal timeout state with reason.
func (s *CommandStore) MarkTimedOut(ctx context.Context, id string, reason string) error {
	return s.markTerminal(ctx, id, CommandStateTimedOut, reason)
}

func (s *CommandStore) markTerminal(ctx context.Context, id, state, reason string) error {
	now := formatTime(time.Now().UTC())
	_, err := s.db.ExecContext(ctx, `
		UPDATE commands
		SET state = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`, state, nullableString(reason), now, now, id)
	if err != nil {
		return fmt.Errorf("mark %s %s: %w", state, id, err)
	}
	return nil
}

// FindByID returns the command record, or ErrCommandNotFound.
func (s *CommandStore) FindByID(ctx context.Context, id string) (CommandRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, node_id, fqn, type, payload, idempotency_key, state, error, retry_count,
		       created_at, updated_at, sent_at, completed_at
		FROM commands WHERE id = ?
	`, id)
	return scanCommandRow(row)
}

func (s *CommandStore) findByIdempotencyKey(ctx context.Context, key string) (CommandRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, node_id, fqn, type, payload, idempotency_key, state, error, retry_count,
		       created_at, updated_at, sent_at, completed_at
		FROM commands WHERE idempotency_key = ?
	`, key)
	return scanCommandRow(row)
}

// ReconcileStaleInFlight promotes every `sent` command older than olderThan into `timed_out`
// and returns the count affected. Intended to be invoked exactly once on startup.
func (s *CommandStore) ReconcileStaleInFlight(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := formatTime(time.Now().UTC().Add(-olderThan))
	now := formatTime(time.Now().UTC())

	res, err := s.db.ExecContext(ctx, `
		UPDATE commands
		SET state = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE state = ? AND sent_at IS NOT NULL AND sent_at < ?
	`, CommandStateTimedOut, "reconciled: abandoned in-flight command", now, now, CommandStateSent, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reconcile stale in-flight commands: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reconcile stale in-flight commands: %w", err)
	}
	s.logger.Info("reconciled stale in-flight commands", zap.Int64("count", n))
	return int(n), nil
}

func scanCommandRow(row *sql.Row) (CommandRecord, error) {
	var (
		rec                         CommandRecord
		fqn, idemKey, errMsg        sql.NullString
		createdAt, updatedAt        string
		sentAt, completedAt         sql.NullString
	)

	err := row.Scan(
		&rec.ID, &rec.NodeID, &fqn, &rec.Type, &rec.Payload, &idemKey, &rec.State, &errMsg,
		&rec.RetryCount, &createdAt, &updatedAt, &sentAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CommandRecord{}, ErrCommandNotFound
		}
		return CommandRecord{}, fmt.Errorf("scan command row: %w", err)
	}

	rec.FQN = fqn.String
	rec.IdempotencyKey = idemKey.String
	rec.Error = errMsg.String

	if rec.CreatedAt, err = parseSQLiteTimestamp(createdAt); err != nil {
		return CommandRecord{}, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = parseSQLiteTimestamp(updatedAt); err != nil {
		return CommandRecord{}, fmt.Errorf("parse updated_at: %w", err)
	}
	if sentAt.Valid {
		t, err := parseSQLiteTimestamp(sentAt.String)
		if err != nil {
			return CommandRecord{}, fmt.Errorf("parse sent_at: %w", err)
		}
		rec.SentAt = &t
	}
	if completedAt.Valid {
		t, err := parseSQLiteTimestamp(completedAt.String)
		if err != nil {
			return CommandRecord{}, fmt.Errorf("parse completed_at: %w", err)
		}
		rec.CompletedAt = &t
	}

	return rec, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
