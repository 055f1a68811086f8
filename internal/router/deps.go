package router

import (
	"context"
	"time"

	"github.com/kaonis/woly-cnc/internal/shared"
	"github.com/kaonis/woly-cnc/internal/storage"
)

// nodeManager is the slice of NodeManager's contract CommandRouter depends on: dispatching a
// validated outbound command to a live session and reading a node's persisted status.
type nodeManager interface {
	SendCommand(nodeID string, msgType shared.MessageType, commandID string, data interface{}) error
	GetNodeStatus(ctx context.Context, nodeID string) (string, error)
}

// hostAggregator is the slice of the external HostAggregator contract the host-scoped routes
// depend on.
type hostAggregator interface {
	GetByFQN(ctx context.Context, fqn string) (storage.Host, error)
	OnHostRemoved(ctx context.Context, nodeID, name string) error
}

// commandModel is the external CommandModel contract executeCommand depends on for the
// idempotent-enqueue/lifecycle-FSM persistence layer.
type commandModel interface {
	Enqueue(ctx context.Context, spec storage.CommandSpec) (storage.CommandRecord, error)
	MarkSent(ctx context.Context, id string) error
	MarkAcknowledged(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, reason string) error
	MarkTimedOut(ctx context.Context, id string, reason string) error
	FindByID(ctx context.Context, id string) (storage.CommandRecord, error)
	ReconcileStaleInFlight(ctx context.Context, olderThan time.Duration) (int, error)
}
