package router

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kaonis/woly-cnc/internal/shared"
	"github.com/kaonis/woly-cnc/internal/storage"
)

// hostPingPayload is the shape of CommandResultPayload.HostPing for a ping-host command.
type hostPingPayload struct {
	Reachable bool  `json:"reachable"`
	LatencyMs int64 `json:"latencyMs"`
}

// hostPortScanPayload is the shape of CommandResultPayload.HostPortScan for a
// scan-host-ports command.
type hostPortScanPayload struct {
	OpenPorts []int `json:"openPorts"`
}

// resolveHost parses fqnRaw and looks the host up in the HostAggregator, translating a
// storage miss into shared.ErrHostNotFound and confirming the owning node is online before
// any command is enqueued against it. It also returns the decoded location carried by the
// FQN, since callers that post-process a success (RouteWake) need it and resolveHost is the
// only place that parses the FQN.
func (r *Router) resolveHost(ctx context.Context, fqnRaw string) (storage.Host, string, error) {
	parsed, err := parseFQN(fqnRaw)
	if err != nil {
		return storage.Host{}, "", err
	}

	host, err := r.hosts.GetByFQN(ctx, buildFQN(parsed.Hostname, parsed.Location))
	if err != nil {
		if errors.Is(err, storage.ErrHostRecordNotFound) {
			return storage.Host{}, "", fmt.Errorf("%w: %s", shared.ErrHostNotFound, fqnRaw)
		}
		return storage.Host{}, "", err
	}

	status, err := r.nodes.GetNodeStatus(ctx, host.NodeID)
	if err != nil {
		return storage.Host{}, "", err
	}
	if status != "online" {
		return storage.Host{}, "", &NodeOfflineError{NodeID: host.NodeID}
	}
	return host, parsed.Location, nil
}

// resolveTristate turns "caller didn't mention this field" (param == nil) into "forward the
// currently-stored value", so the node agent stays in sync with the last known state.
// Explicit clears and explicit values pass through unchanged.
func resolveTristate(param *shared.Tristate, stored sql.NullString) *shared.Tristate {
	if param != nil {
		return param
	}
	if !stored.Valid || stored.String == "" {
		return nil
	}
	value := stored.String
	return &shared.Tristate{Value: &value}
}

// RouteWake dispatches a wake command to the node owning the host identified by fqn.
func (r *Router) RouteWake(ctx context.Context, fqn string, opts RouteOptions) (WakeResult, error) {
	host, location, err := r.resolveHost(ctx, fqn)
	if err != nil {
		return WakeResult{}, err
	}
	if !host.MacAddress.Valid || host.MacAddress.String == "" {
		return WakeResult{}, fmt.Errorf("%w: host %s has no known mac address", shared.ErrInvalidOutboundCommand, fqn)
	}

	data := shared.WakeCommandData{HostName: host.Hostname, Mac: host.MacAddress.String}
	res, err := r.executeCommand(ctx, host.NodeID, fqn, shared.MessageTypeWake, data, opts.IdempotencyKey, opts.CorrelationID)
	if err != nil {
		return WakeResult{}, err
	}
	out := WakeResult{CommandID: res.ID, Success: res.Success, Error: res.Error, Timestamp: res.Timestamp, CorrelationID: res.CorrelationID}
	if res.Success {
		out.Message = "Wake-on-LAN packet sent to " + fqn
		out.NodeID = host.NodeID
		out.Location = location
	}
	return out, nil
}

// RoutePingHost dispatches a ping-host command and decodes the node's reachability report.
func (r *Router) RoutePingHost(ctx context.Context, fqn string, opts RouteOptions) (PingHostResult, error) {
	host, _, err := r.resolveHost(ctx, fqn)
	if err != nil {
		return PingHostResult{}, err
	}

	data := shared.PingHostCommandData{HostName: host.Hostname, Mac: host.MacAddress.String, IP: host.IPAddress.String}
	res, err := r.executeCommand(ctx, host.NodeID, fqn, shared.MessageTypePingHost, data, opts.IdempotencyKey, opts.CorrelationID)
	if err != nil {
		return PingHostResult{}, err
	}

	out := PingHostResult{
		CommandID:     res.ID,
		Success:       res.Success,
		Error:         res.Error,
		Timestamp:     res.Timestamp,
		CorrelationID: res.CorrelationID,
		Target:        fqn,
		CheckedAt:     res.Timestamp,
		Source:        "node-agent",
	}
	if res.Success {
		if len(res.Raw.HostPing) == 0 {
			return PingHostResult{}, fmt.Errorf("%w: ping-host result for %s carried no hostPing payload", shared.ErrMalformedResult, fqn)
		}
		var ping hostPingPayload
		if err := json.Unmarshal(res.Raw.HostPing, &ping); err != nil {
			return PingHostResult{}, fmt.Errorf("%w: ping-host result for %s: %v", shared.ErrMalformedResult, fqn, err)
		}
		out.Reachable = ping.Reachable
		out.LatencyMs = ping.LatencyMs
		out.Success = ping.Reachable
		if ping.Reachable {
			out.Status = "online"
		} else {
			out.Status = "unreachable"
		}
	}
	return out, nil
}

// RouteScan dispatches a network scan to nodeID. Scans are node-scoped, not host-scoped:
// there is no FQN to resolve, only a node to confirm is online.
func (r *Router) RouteScan(ctx context.Context, nodeID string, immediate bool, opts RouteOptions) (ScanResult, error) {
	status, err := r.nodes.GetNodeStatus(ctx, nodeID)
	if err != nil {
		return ScanResult{}, err
	}
	if status != "online" {
		return ScanResult{}, &NodeOfflineError{NodeID: nodeID}
	}

	data := shared.ScanCommandData{Immediate: immediate}
	res, err := r.executeCommand(ctx, nodeID, "", shared.MessageTypeScan, data, opts.IdempotencyKey, opts.CorrelationID)
	if err != nil {
		return ScanResult{}, err
	}
	return ScanResult{CommandID: res.ID, Success: res.Success, Error: res.Error, Timestamp: res.Timestamp, CorrelationID: res.CorrelationID}, nil
}

// RouteScanHostPorts dispatches a port scan against the host identified by fqn, optionally
// scoped to specific ports and a per-probe timeout.
func (r *Router) RouteScanHostPorts(ctx context.Context, fqn string, ports []int, timeoutMs int, opts RouteOptions) (ScanHostPortsResult, error) {
	host, _, err := r.resolveHost(ctx, fqn)
	if err != nil {
		return ScanHostPortsResult{}, err
	}

	data := shared.ScanHostPortsCommandData{
		HostName:  host.Hostname,
		Mac:       host.MacAddress.String,
		IP:        host.IPAddress.String,
		Ports:     ports,
		TimeoutMs: timeoutMs,
	}
	res, err := r.executeCommand(ctx, host.NodeID, fqn, shared.MessageTypeScanHostPorts, data, opts.IdempotencyKey, opts.CorrelationID)
	if err != nil {
		return ScanHostPortsResult{}, err
	}

	out := ScanHostPortsResult{CommandID: res.ID, Success: res.Success, Error: res.Error, Timestamp: res.Timestamp, CorrelationID: res.CorrelationID}
	if res.Success && len(res.Raw.HostPortScan) > 0 {
		var scan hostPortScanPayload
		if err := json.Unmarshal(res.Raw.HostPortScan, &scan); err == nil {
			out.OpenPorts = scan.OpenPorts
		}
	}
	return out, nil
}

// RouteUpdateHost dispatches an update-host command, inheriting name/mac/ip/status from the
// stored record when the caller leaves them empty, and notes/tags when the caller didn't
// mention them.
func (r *Router) RouteUpdateHost(ctx context.Context, fqn string, params UpdateHostParams, opts RouteOptions) (UpdateHostResult, error) {
	host, _, err := r.resolveHost(ctx, fqn)
	if err != nil {
		return UpdateHostResult{}, err
	}

	name := params.Name
	if name == "" {
		name = host.Hostname
	}
	mac := params.Mac
	if mac == "" {
		mac = host.MacAddress.String
	}
	ip := params.IP
	if ip == "" {
		ip = host.IPAddress.String
	}
	status := params.Status
	if status == "" {
		status = host.Status
	}

	data := shared.UpdateHostCommandData{
		CurrentName: host.Hostname,
		Name:        name,
		Mac:         mac,
		IP:          ip,
		Status:      status,
		Notes:       resolveTristate(params.Notes, host.Notes),
		Tags:        resolveTristate(params.Tags, host.Tags),
	}
	res, err := r.executeCommand(ctx, host.NodeID, fqn, shared.MessageTypeUpdateHost, data, opts.IdempotencyKey, opts.CorrelationID)
	if err != nil {
		return UpdateHostResult{}, err
	}
	return UpdateHostResult{CommandID: res.ID, Success: res.Success, Error: res.Error, Timestamp: res.Timestamp, CorrelationID: res.CorrelationID}, nil
}

// RouteDeleteHost dispatches a delete-host command and removes the host record from the
// HostAggregator only once the node confirms success.
func (r *Router) RouteDeleteHost(ctx context.Context, fqn string, opts RouteOptions) (DeleteHostResult, error) {
	host, _, err := r.resolveHost(ctx, fqn)
	if err != nil {
		return DeleteHostResult{}, err
	}

	data := shared.DeleteHostCommandData{Name: host.Hostname}
	res, err := r.executeCommand(ctx, host.NodeID, fqn, shared.MessageTypeDeleteHost, data, opts.IdempotencyKey, opts.CorrelationID)
	if err != nil {
		return DeleteHostResult{}, err
	}

	out := DeleteHostResult{CommandID: res.ID, Success: res.Success, Error: res.Error, Timestamp: res.Timestamp, CorrelationID: res.CorrelationID}
	if res.Success {
		if err := r.hosts.OnHostRemoved(ctx, host.NodeID, host.Hostname); err != nil {
			return out, fmt.Errorf("delete-host %s acknowledged but record removal failed: %w", fqn, err)
		}
	}
	return out, nil
}
