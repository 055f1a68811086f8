// Package nodemgr implements NodeManager: it owns every live node session, enforces the
// registration/auth/protocol contracts at the session boundary, and exposes a typed
// sendCommand primitive plus a command-result event stream for CommandRouter.
package nodemgr

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/kaonis/woly-cnc/internal/metrics"
	"github.com/kaonis/woly-cnc/internal/sessiontoken"
	"github.com/kaonis/woly-cnc/internal/shared"
	"github.com/kaonis/woly-cnc/internal/storage"
	"github.com/Masterminds/semver/v3"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// CommandResultEvent is the single typed event NodeManager publishes: one subscriber
// (CommandRouter), matching the "event-bus -> typed channel" design note.
type CommandResultEvent struct {
	NodeID string
	Result shared.CommandResultPayload
}

// Config bundles everything the manager needs at construction beyond its collaborators.
type Config struct {
	NodeAuthTokens            []string
	SupportedProtocolVersions []string
	AllowedOrigins            []string
	HeartbeatInterval         time.Duration
	NodeTimeout               time.Duration
}

// Manager is the core's NodeManager.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*session

	nodeStore *storage.NodeStore
	hostStore *storage.HostStore

	tokenManager *sessiontoken.Manager
	metrics      *metrics.RuntimeMetrics
	logger       *zap.Logger

	staticTokens      map[string]bool
	supportedVersions []*semver.Version
	allowedOrigins    []string

	heartbeatInterval time.Duration
	nodeTimeout       time.Duration

	upgrader websocket.Upgrader

	results chan CommandResultEvent
}

func NewManager(cfg Config, nodeStore *storage.NodeStore, hostStore *storage.HostStore, tokenManager *sessiontoken.Manager, rtMetrics *metrics.RuntimeMetrics, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}

	staticTokens := make(map[string]bool, len(cfg.NodeAuthTokens))
	for _, t := range cfg.NodeAuthTokens {
		staticTokens[t] = true
	}

	var supported []*semver.Version
	for _, v := range cfg.SupportedProtocolVersions {
		if parsed, err := semver.NewVersion(v); err == nil {
			supported = append(supported, parsed)
		}
	}

	m := &Manager{
		sessions:          make(map[string]*session),
		nodeStore:         nodeStore,
		hostStore:         hostStore,
		tokenManager:      tokenManager,
		metrics:           rtMetrics,
		logger:            logger,
		staticTokens:      staticTokens,
		supportedVersions: supported,
		allowedOrigins:    cfg.AllowedOrigins,
		heartbeatInterval: cfg.HeartbeatInterval,
		nodeTimeout:       cfg.NodeTimeout,
		results:           make(chan CommandResultEvent, 256),
	}
	m.upgrader = websocket.Upgrader{CheckOrigin: m.checkOrigin}
	return m
}

// Events exposes the command-result stream CommandRouter subscribes to at construction.
func (m *Manager) Events() <-chan CommandResultEvent {
	return m.results
}

func (m *Manager) checkOrigin(r *http.Request) bool {
	if len(m.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range m.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (m *Manager) supportsVersion(version string) bool {
	if version == "" {
		return true
	}
	parsed, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	for _, v := range m.supportedVersions {
		if v.Equal(parsed) {
			return true
		}
	}
	return false
}

// ServeWS authenticates the upgrade, accepts the transport, and hands it off to the
// registration handshake. On auth failure the upgrade itself is rejected with a 401.
func (m *Manager) ServeWS(w http.ResponseWriter, r *http.Request) {
	authCtx, err := m.authenticateUpgrade(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	sess := newSession(conn)
	go sess.writePump()
	go m.handleSession(sess, authCtx)
}

func (m *Manager) readOne(sess *session) (string, []byte, error) {
	_, raw, err := sess.conn.ReadMessage()
	if err != nil {
		return "", nil, err
	}
	msgType, err := probeType(raw)
	if err != nil {
		return "", raw, fmt.Errorf("%w: %v", shared.ErrInvalidPayload, err)
	}
	return msgType, raw, nil
}

// handleSession drives one session end to end: the registration handshake, then the
// steady-state inbound demux, then teardown. One goroutine per session.
func (m *Manager) handleSession(sess *session, authCtx UpgradeAuthContext) {
	sess.conn.SetReadLimit(maxMessageSize)
	sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.conn.SetPongHandler(func(string) error {
		sess.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if !m.handleRegistration(sess, authCtx) {
		return
	}
	m.steadyState(sess)
	m.teardown(sess)
}

// handleRegistration runs the node's registration handshake end to end. Returns false if
// the session was closed (for any reason) during the handshake.
func (m *Manager) handleRegistration(sess *session, authCtx UpgradeAuthContext) bool {
	msgType, raw, err := m.readOne(sess)
	if err != nil {
		sess.markClosed()
		sess.conn.Close()
		return false
	}

	if msgType != string(shared.MessageTypeRegister) {
		sess.closeWithCode(4401, "Registration required")
		return false
	}

	parsed, err := shared.ValidateInbound(shared.MessageTypeRegister, raw)
	if err != nil {
		sess.closeWithCode(4000, "Registration failed")
		return false
	}
	reg := parsed.(*shared.RegisterPayload)

	if authCtx.Kind == AuthKindSession && authCtx.NodeID != reg.NodeID {
		sess.closeWithCode(4401, "Registration required")
		return false
	}

	if authCtx.Kind == AuthKindStatic && reg.AuthToken != "" && reg.AuthToken != authCtx.Token {
		sess.closeWithCode(4001, "Invalid auth")
		return false
	}

	if !m.supportsVersion(reg.Metadata.ProtocolVersion) {
		sess.closeWithCode(4406, "Unsupported protocol version")
		return false
	}

	m.mu.Lock()
	m.sessions[reg.NodeID] = sess
	count := len(m.sessions)
	m.mu.Unlock()
	sess.bind(reg.NodeID, reg.Location)

	ctx := context.Background()
	if err := m.nodeStore.Upsert(ctx, reg.NodeID, reg.Location, reg.Metadata.ProtocolVersion); err != nil {
		m.logger.Warn("node upsert failed", zap.String("node_id", reg.NodeID), zap.Error(err))
	}
	m.metrics.SetNodesOnline(count)

	token, expiresAt, err := m.tokenManager.Mint(reg.NodeID)
	if err != nil {
		m.logger.Error("session token mint failed", zap.String("node_id", reg.NodeID), zap.Error(err))
		sess.closeWithCode(4000, "Registration failed")
		return false
	}

	reply := registeredMessage{
		Type:              string(shared.MessageTypeRegistered),
		NodeID:            reg.NodeID,
		HeartbeatInterval: m.heartbeatInterval.Milliseconds(),
		ProtocolVersion:   reg.Metadata.ProtocolVersion,
		SessionToken:      token,
		SessionExpiresAt:  expiresAt.UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(reply)
	if err != nil {
		m.logger.Error("marshal registered reply failed", zap.Error(err))
		return false
	}
	if !sess.enqueue(data) {
		return false
	}

	m.logger.Info("node registered", zap.String("node_id", reg.NodeID))
	return true
}

// steadyState is the post-registration inbound demux loop.
func (m *Manager) steadyState(sess *session) {
	nodeID := sess.boundNodeID()
	ctx := context.Background()

	for {
		msgType, raw, err := m.readOne(sess)
		if err != nil {
			return
		}
		sess.touchHeartbeat()

		if msgType == string(shared.MessageTypeRegister) {
			sess.closeWithCode(4409, "Already registered")
			return
		}

		if msgType == string(shared.MessageTypeHeartbeat) {
			if err := m.nodeStore.TouchHeartbeat(ctx, nodeID); err != nil {
				m.logger.Warn("heartbeat persist failed", zap.String("node_id", nodeID), zap.Error(err))
			}
			continue
		}

		mt := shared.MessageType(msgType)
		if !shared.InboundNodeMessageTypes[mt] {
			m.recordInboundProtocolFailure(sess, "unknown")
			continue
		}

		parsed, err := shared.ValidateInbound(mt, raw)
		if err != nil {
			m.recordInboundProtocolFailure(sess, msgType)
			continue
		}

		// The bound session nodeId always wins over anything in the payload: clients cannot
		// spoof a peer.
		switch v := parsed.(type) {
		case *shared.HostDiscoveredPayload:
			m.upsertHost(ctx, nodeID, sess.boundLocation(), v.Name, v.MacAddress, v.IPAddress, "online")
		case *shared.HostUpdatedPayload:
			status := v.Status
			if status == "" {
				status = "online"
			}
			m.upsertHost(ctx, nodeID, sess.boundLocation(), v.Name, "", "", status)
		case *shared.HostRemovedPayload:
			if err := m.hostStore.OnHostRemoved(ctx, nodeID, v.Name); err != nil {
				m.logger.Warn("host removal persist failed", zap.String("node_id", nodeID), zap.Error(err))
			}
		case *shared.ScanCompletePayload:
			m.logger.Debug("scan complete", zap.String("node_id", nodeID), zap.Int("hosts_found", v.HostsFound))
		case *shared.CommandResultPayload:
			result := *v
			result.CommandID = v.CommandID
			select {
			case m.results <- CommandResultEvent{NodeID: nodeID, Result: result}:
			default:
				m.logger.Warn("command-result event channel saturated, dropping", zap.String("command_id", v.CommandID))
			}
		}
	}
}

// upsertHost merges an inbound host-discovered/host-updated report into the reference
// HostAggregator, keyed by the FQN `hostname@<percent-encoded location>`. A host-updated
// report that omits mac/ip (it only reports a status change) inherits the previously stored
// values rather than clearing them.
func (m *Manager) upsertHost(ctx context.Context, nodeID, location, name, mac, ip, status string) {
	fqn := name + "@" + url.PathEscape(location)
	host := storage.Host{ID: fqn, NodeID: nodeID, Hostname: name, Location: location, Status: status}

	if existing, err := m.hostStore.GetByFQN(ctx, fqn); err == nil {
		host.MacAddress = existing.MacAddress
		host.IPAddress = existing.IPAddress
		host.Notes = existing.Notes
		host.Tags = existing.Tags
	}
	if mac != "" {
		host.MacAddress = sql.NullString{String: mac, Valid: true}
	}
	if ip != "" {
		host.IPAddress = sql.NullString{String: ip, Valid: true}
	}

	if err := m.hostStore.Upsert(ctx, host); err != nil {
		m.logger.Warn("host upsert failed", zap.String("node_id", nodeID), zap.String("host", name), zap.Error(err))
	}
}

func (m *Manager) recordInboundProtocolFailure(sess *session, msgType string) {
	m.metrics.RecordProtocolValidationFailure("inbound", msgType)
	errMsg := errorMessage{Type: string(shared.MessageTypeError), Message: "Invalid protocol payload"}
	data, err := json.Marshal(errMsg)
	if err != nil {
		return
	}
	sess.enqueue(data)
}

func (m *Manager) teardown(sess *session) {
	nodeID := sess.boundNodeID()
	if nodeID == "" {
		sess.markClosed()
		return
	}

	m.mu.Lock()
	if current, ok := m.sessions[nodeID]; ok && current == sess {
		delete(m.sessions, nodeID)
	}
	count := len(m.sessions)
	m.mu.Unlock()
	m.metrics.SetNodesOnline(count)

	sess.markClosed()

	ctx := context.Background()
	if err := m.nodeStore.MarkOffline(ctx, nodeID); err != nil {
		m.logger.Warn("mark node offline failed", zap.String("node_id", nodeID), zap.Error(err))
	}
	if err := m.hostStore.MarkNodeHostsUnreachable(ctx, nodeID); err != nil {
		m.logger.Warn("mark hosts unreachable failed", zap.String("node_id", nodeID), zap.Error(err))
	}
	m.logger.Info("node session closed", zap.String("node_id", nodeID))
}

// SendCommand validates and writes a command to nodeID's live session, satisfying the
// CommandRouter-facing NodeManager contract.
func (m *Manager) SendCommand(nodeID string, msgType shared.MessageType, commandID string, data interface{}) error {
	m.mu.RLock()
	sess, ok := m.sessions[nodeID]
	m.mu.RUnlock()
	if !ok {
		return shared.ErrNodeOffline
	}

	if err := shared.ValidateOutboundCommand(msgType, data); err != nil {
		m.metrics.RecordProtocolValidationFailure("outbound", string(msgType))
		return err
	}

	msg := commandMessage{Type: string(msgType), CommandID: commandID, Data: data}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal command %s: %w", commandID, err)
	}

	if !sess.enqueue(raw) {
		return shared.ErrSendFailed
	}
	return nil
}

// GetNodeStatus returns the persisted status for nodeID ("online"/"offline"), matching the
// CommandRouter-facing NodeManager.getNodeStatus contract.
func (m *Manager) GetNodeStatus(ctx context.Context, nodeID string) (string, error) {
	return m.nodeStore.GetStatus(ctx, nodeID)
}

// RunHeartbeatSupervisor arms the single nodeHeartbeatInterval timer: each tick, sweep stale
// nodes offline and mark their hosts unreachable if the session is not (or no longer) live.
func (m *Manager) RunHeartbeatSupervisor(ctx context.Context) {
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepStaleNodes(ctx)
		}
	}
}

func (m *Manager) sweepStaleNodes(ctx context.Context) {
	staleIDs, err := m.nodeStore.MarkStaleOffline(ctx, m.nodeTimeout)
	if err != nil {
		m.logger.Warn("stale node sweep failed", zap.Error(err))
		return
	}
	for _, id := range staleIDs {
		m.mu.RLock()
		_, live := m.sessions[id]
		m.mu.RUnlock()
		if live {
			continue
		}
		if err := m.hostStore.MarkNodeHostsUnreachable(ctx, id); err != nil {
			m.logger.Warn("mark hosts unreachable for stale node failed", zap.String("node_id", id), zap.Error(err))
		}
	}
}

// Shutdown closes every live session with code 1000 "Server shutdown".
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.closeWithCode(1000, "Server shutdown")
	}
}

// ClientCount returns the number of currently registered live sessions.
func (m *Manager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
