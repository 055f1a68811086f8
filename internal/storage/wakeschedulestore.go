package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WakeSchedule is a due-or-not row WakeScheduleWorker polls and materializes into a routed
// wake command.
type WakeSchedule struct {
	ID     string
	HostFQN string
}

// WakeScheduleStore is a reference implementation of the external WakeScheduleModel
// contract WakeScheduleWorker depends on.
type WakeScheduleStore struct {
	db *sql.DB
}

func NewWakeScheduleStore(db *sql.DB) *WakeScheduleStore {
	return &WakeScheduleStore{db: db}
}

// ListDue returns up to batchSize enabled schedules whose next_run_at has elapsed.
func (s *WakeScheduleStore) ListDue(ctx context.Context, batchSize int) ([]WakeSchedule, error) {
	now := formatTime(time.Now().UTC())

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, host_fqn FROM wake_schedules
		WHERE enabled = 1 AND next_run_at <= ?
		ORDER BY next_run_at ASC
		LIMIT ?
	`, now, batchSize)
	if err != nil {
		return nil, fmt.Errorf("list due wake schedules: %w", err)
	}
	defer rows.Close()

	var due []WakeSchedule
	for rows.Next() {
		var ws WakeSchedule
		if err := rows.Scan(&ws.ID, &ws.HostFQN); err != nil {
			return nil, fmt.Errorf("scan wake schedule row: %w", err)
		}
		due = append(due, ws)
	}
	return due, rows.Err()
}

// RecordExecutionAttempt stamps last_attempted_at, called exactly once per schedule per tick
// regardless of whether routeWake succeeded or failed.
func (s *WakeScheduleStore) RecordExecutionAttempt(ctx context.Context, scheduleID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE wake_schedules SET last_attempted_at = ?, updated_at = ? WHERE id = ?
	`, formatTime(at), formatTime(at), scheduleID)
	if err != nil {
		return fmt.Errorf("record execution attempt for schedule %s: %w", scheduleID, err)
	}
	return nil
}

// Create inserts a new wake schedule for the host at fqn, due at nextRunAt. Exposed for
// tests and for a future HTTP layer to wire schedule creation into.
func (s *WakeScheduleStore) Create(ctx context.Context, hostFQN string, nextRunAt time.Time) (string, error) {
	id := uuid.New().String()
	now := formatTime(time.Now().UTC())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wake_schedules (id, host_fqn, enabled, next_run_at, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?, ?)
	`, id, hostFQN, formatTime(nextRunAt), now, now)
	if err != nil {
		return "", fmt.Errorf("create wake schedule for %s: %w", hostFQN, err)
	}
	return id, nil
}
