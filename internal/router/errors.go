package router

import (
	"fmt"

	"github.com/kaonis/woly-cnc/internal/shared"
)

// NodeOfflineError is returned by every route method when the target node has no live
// session, before any command is ever enqueued.
type NodeOfflineError struct {
	NodeID string
}

func (e *NodeOfflineError) Error() string {
	return fmt.Sprintf("Node %s is offline", e.NodeID)
}

func (e *NodeOfflineError) Unwrap() error {
	return shared.ErrNodeOffline
}
