package router

import (
	"time"

	"github.com/kaonis/woly-cnc/internal/shared"
)

// WakeResult is RouteWake's return value.
type WakeResult struct {
	CommandID     string    `json:"commandId"`
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Message       string    `json:"message,omitempty"`
	NodeID        string    `json:"nodeId,omitempty"`
	Location      string    `json:"location,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// PingHostResult is RoutePingHost's return value.
type PingHostResult struct {
	CommandID     string    `json:"commandId"`
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Reachable     bool      `json:"reachable"`
	LatencyMs     int64     `json:"latencyMs"`
	Target        string    `json:"target,omitempty"`
	CheckedAt     time.Time `json:"checkedAt"`
	Status        string    `json:"status,omitempty"`
	Source        string    `json:"source,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// ScanResult is RouteScan's return value.
type ScanResult struct {
	CommandID     string    `json:"commandId"`
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// ScanHostPortsResult is RouteScanHostPorts's return value.
type ScanHostPortsResult struct {
	CommandID     string    `json:"commandId"`
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	OpenPorts     []int     `json:"openPorts,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// UpdateHostResult is RouteUpdateHost's return value.
type UpdateHostResult struct {
	CommandID     string    `json:"commandId"`
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// DeleteHostResult is RouteDeleteHost's return value.
type DeleteHostResult struct {
	CommandID     string    `json:"commandId"`
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// UpdateHostParams bundles RouteUpdateHost's mutable fields. Notes/Tags are tri-state: nil
// means "caller didn't mention this field" (inherit the stored value), a Tristate with
// Clear=true means explicit clear, and a Tristate wrapping a value passes through unchanged.
type UpdateHostParams struct {
	Name   string
	Mac    string
	IP     string
	Status string
	Notes  *shared.Tristate
	Tags   *shared.Tristate
}
