package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrHostRecordNotFound mirrors the external HostAggregator's "no such FQN" contract.
var ErrHostRecordNotFound = errors.New("host record not found")

// HostStore is a reference implementation of the external HostAggregator contract: a
// read/write store of denormalized host records keyed by FQN. A production deployment may
// own this store elsewhere; this implementation exists so CommandRouter's routes are
// independently testable and runnable.
type HostStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewHostStore(db *sql.DB, logger *zap.Logger) *HostStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HostStore{db: db, logger: logger}
}

// GetByFQN returns the host record for fqn, or ErrHostRecordNotFound.
func (s *HostStore) GetByFQN(ctx context.Context, fqn string) (Host, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, node_id, hostname, location, mac_address, ip_address, status, notes, tags, discovered_at, updated_at
		FROM hosts WHERE id = ?
	`, fqn)

	var h Host
	err := row.Scan(
		&h.ID, &h.NodeID, &h.Hostname, &h.Location, &h.MacAddress, &h.IPAddress,
		&h.Status, &h.Notes, &h.Tags, &h.DiscoveredAt, &h.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Host{}, ErrHostRecordNotFound
		}
		return Host{}, fmt.Errorf("get host %s: %w", fqn, err)
	}
	return h, nil
}

// Upsert records a discovered/updated host, keyed by FQN (`hostname@<percent-encoded location>`).
func (s *HostStore) Upsert(ctx context.Context, h Host) error {
	now := formatTime(time.Now().UTC())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hosts (id, node_id, hostname, location, mac_address, ip_address, status, notes, tags, discovered_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			node_id = excluded.node_id,
			hostname = excluded.hostname,
			location = excluded.location,
			mac_address = excluded.mac_address,
			ip_address = excluded.ip_address,
			status = excluded.status,
			notes = excluded.notes,
			tags = excluded.tags,
			updated_at = excluded.updated_at
	`, h.ID, h.NodeID, h.Hostname, h.Location, h.MacAddress, h.IPAddress, h.Status, h.Notes, h.Tags, now, now)
	if err != nil {
		return fmt.Errorf("upsert host %s: %w", h.ID, err)
	}
	return nil
}

// OnHostRemoved deletes the host record by hostname scoped to nodeID — called by
// CommandRouter.routeDeleteHost only when the delete command result reports success.
func (s *HostStore) OnHostRemoved(ctx context.Context, nodeID, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM hosts WHERE node_id = ? AND hostname = ?`, nodeID, name)
	if err != nil {
		return fmt.Errorf("remove host %s for node %s: %w", name, nodeID, err)
	}
	return nil
}

// MarkNodeHostsUnreachable flags every host owned by nodeID as unreachable — called on
// session termination and on heartbeat-timeout eviction.
func (s *HostStore) MarkNodeHostsUnreachable(ctx context.Context, nodeID string) error {
	now := formatTime(time.Now().UTC())
	_, err := s.db.ExecContext(ctx, `
		UPDATE hosts SET status = 'unreachable', updated_at = ? WHERE node_id = ?
	`, now, nodeID)
	if err != nil {
		return fmt.Errorf("mark hosts unreachable for node %s: %w", nodeID, err)
	}
	return nil
}
