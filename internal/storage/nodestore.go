package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrNodeRecordNotFound = errors.New("node record not found")

const (
	NodeRecordStatusOnline  = "online"
	NodeRecordStatusOffline = "offline"
)

// NodeStore is the external NodeModel contract NodeManager depends on for registration
// persistence and heartbeat-timeout sweeps. Same in-memory-mirrored-into-sqlite shape as an
// in-memory map mirrored into sqlite via upsert, reused here for the node-session record.
type NodeStore struct {
	db     *sql.DB
	logger *zap.Logger

	mu    sync.RWMutex
	nodes map[string]Node
}

func NewNodeStore(db *sql.DB, logger *zap.Logger) *NodeStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NodeStore{db: db, logger: logger, nodes: make(map[string]Node)}
}

// Upsert persists node as online with a fresh connectedAt/lastHeartbeatAt.
func (s *NodeStore) Upsert(ctx context.Context, id, location, protocolVersion string) error {
	now := formatTime(time.Now().UTC())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (id, location, status, protocol_version, last_heartbeat_at, connected_at, disconnected_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(id) DO UPDATE SET
			location = excluded.location,
			status = excluded.status,
			protocol_version = excluded.protocol_version,
			last_heartbeat_at = excluded.last_heartbeat_at,
			connected_at = excluded.connected_at,
			disconnected_at = NULL
	`, id, location, NodeRecordStatusOnline, nullableString(protocolVersion), now, now)
	if err != nil {
		return fmt.Errorf("upsert node %s: %w", id, err)
	}

	s.mu.Lock()
	s.nodes[id] = Node{ID: id, Location: location, Status: NodeRecordStatusOnline}
	s.mu.Unlock()
	return nil
}

// TouchHeartbeat updates lastHeartbeatAt for a live session.
func (s *NodeStore) TouchHeartbeat(ctx context.Context, id string) error {
	now := formatTime(time.Now().UTC())
	_, err := s.db.ExecContext(ctx, `UPDATE nodes SET last_heartbeat_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return fmt.Errorf("touch heartbeat %s: %w", id, err)
	}
	return nil
}

// MarkOffline marks a single node offline (session close).
func (s *NodeStore) MarkOffline(ctx context.Context, id string) error {
	now := formatTime(time.Now().UTC())
	_, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET status = ?, disconnected_at = ? WHERE id = ?
	`, NodeRecordStatusOffline, now, id)
	if err != nil {
		return fmt.Errorf("mark node offline %s: %w", id, err)
	}

	s.mu.Lock()
	delete(s.nodes, id)
	s.mu.Unlock()
	return nil
}

// GetStatus returns the persisted status for id, or ErrNodeRecordNotFound.
func (s *NodeStore) GetStatus(ctx context.Context, id string) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM nodes WHERE id = ?`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNodeRecordNotFound
		}
		return "", fmt.Errorf("get node status %s: %w", id, err)
	}
	return status, nil
}

// MarkStaleOffline marks every node whose last_heartbeat_at is older than olderThan as
// offline and returns the ids that were newly offlined. Called once per heartbeat
// supervisor tick.
func (s *NodeStore) MarkStaleOffline(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := formatTime(time.Now().UTC().Add(-olderThan))

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM nodes
		WHERE status = ? AND last_heartbeat_at IS NOT NULL AND last_heartbeat_at < ?
	`, NodeRecordStatusOnline, cutoff)
	if err != nil {
		return nil, fmt.Errorf("find stale nodes: %w", err)
	}
	defer rows.Close()

	var staleIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale node id: %w", err)
		}
		staleIDs = append(staleIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale nodes: %w", err)
	}

	for _, id := range staleIDs {
		if err := s.MarkOffline(ctx, id); err != nil {
			s.logger.Warn("mark stale node offline failed", zap.String("node_id", id), zap.Error(err))
		}
	}

	return staleIDs, nil
}
