package router

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kaonis/woly-cnc/internal/metrics"
	"github.com/kaonis/woly-cnc/internal/nodemgr"
	"github.com/kaonis/woly-cnc/internal/shared"
	"github.com/kaonis/woly-cnc/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
)

// fakeNodes is an in-memory nodeManager double. sendFunc, when set, lets a test script a
// send failure or a delayed/never-arriving result.
type fakeNodes struct {
	mu       sync.Mutex
	status   map[string]string
	sent     []sentCommand
	sendFunc func(nodeID string, msgType shared.MessageType, commandID string, data interface{}) error
}

type sentCommand struct {
	NodeID    string
	Type      shared.MessageType
	CommandID string
	Data      interface{}
}

func newFakeNodes() *fakeNodes {
	return &fakeNodes{status: make(map[string]string)}
}

func (f *fakeNodes) SendCommand(nodeID string, msgType shared.MessageType, commandID string, data interface{}) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentCommand{NodeID: nodeID, Type: msgType, CommandID: commandID, Data: data})
	f.mu.Unlock()
	if f.sendFunc != nil {
		return f.sendFunc(nodeID, msgType, commandID, data)
	}
	return nil
}

func (f *fakeNodes) GetNodeStatus(ctx context.Context, nodeID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.status[nodeID]
	if !ok {
		return "", storage.ErrNodeRecordNotFound
	}
	return status, nil
}

// fakeHosts is an in-memory hostAggregator double.
type fakeHosts struct {
	mu      sync.Mutex
	hosts   map[string]storage.Host
	removed []string
}

func newFakeHosts() *fakeHosts {
	return &fakeHosts{hosts: make(map[string]storage.Host)}
}

func (f *fakeHosts) GetByFQN(ctx context.Context, fqn string) (storage.Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hosts[fqn]
	if !ok {
		return storage.Host{}, storage.ErrHostRecordNotFound
	}
	return h, nil
}

func (f *fakeHosts) OnHostRemoved(ctx context.Context, nodeID, name string) error {
	f.mu.Lock()
	f.removed = append(f.removed, nodeID+"/"+name)
	f.mu.Unlock()
	return nil
}

// fakeCommands is an in-memory commandModel double implementing the lifecycle FSM and
// idempotency-key dedup the real CommandStore provides.
type fakeCommands struct {
	mu          sync.Mutex
	byID        map[string]*storage.CommandRecord
	byIdemKey   map[string]string
}

func newFakeCommands() *fakeCommands {
	return &fakeCommands{byID: make(map[string]*storage.CommandRecord), byIdemKey: make(map[string]string)}
}

func (f *fakeCommands) Enqueue(ctx context.Context, spec storage.CommandSpec) (storage.CommandRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if spec.IdempotencyKey != "" {
		if existingID, ok := f.byIdemKey[spec.IdempotencyKey]; ok {
			return *f.byID[existingID], nil
		}
	}

	now := time.Now()
	rec := &storage.CommandRecord{
		ID:             spec.ID,
		NodeID:         spec.NodeID,
		Type:           spec.Type,
		Payload:        spec.Payload,
		IdempotencyKey: spec.IdempotencyKey,
		State:          storage.CommandStateQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	f.byID[rec.ID] = rec
	if spec.IdempotencyKey != "" {
		f.byIdemKey[spec.IdempotencyKey] = rec.ID
	}
	return *rec, nil
}

func (f *fakeCommands) MarkSent(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.byID[id]
	if !ok {
		return storage.ErrCommandNotFound
	}
	rec.State = storage.CommandStateSent
	rec.RetryCount++
	now := time.Now()
	rec.SentAt = &now
	rec.UpdatedAt = now
	return nil
}

func (f *fakeCommands) markTerminal(id, state, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.byID[id]
	if !ok {
		return storage.ErrCommandNotFound
	}
	rec.State = state
	rec.Error = reason
	now := time.Now()
	rec.CompletedAt = &now
	rec.UpdatedAt = now
	return nil
}

func (f *fakeCommands) MarkAcknowledged(ctx context.Context, id string) error {
	return f.markTerminal(id, storage.CommandStateAcknowledged, "")
}

func (f *fakeCommands) MarkFailed(ctx context.Context, id string, reason string) error {
	return f.markTerminal(id, storage.CommandStateFailed, reason)
}

func (f *fakeCommands) MarkTimedOut(ctx context.Context, id string, reason string) error {
	return f.markTerminal(id, storage.CommandStateTimedOut, reason)
}

func (f *fakeCommands) FindByID(ctx context.Context, id string) (storage.CommandRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.byID[id]
	if !ok {
		return storage.CommandRecord{}, storage.ErrCommandNotFound
	}
	return *rec, nil
}

func (f *fakeCommands) ReconcileStaleInFlight(ctx context.Context, olderThan time.Duration) (int, error) {
	return 0, nil
}

func newTestRouter(t *testing.T, cfg Config, nodes *fakeNodes, hosts *fakeHosts, commands *fakeCommands) (*Router, chan nodemgr.CommandResultEvent) {
	t.Helper()
	events := make(chan nodemgr.CommandResultEvent, 16)
	rtMetrics := metrics.New(prometheus.NewRegistry())
	r := NewRouter(cfg, nodes, hosts, commands, rtMetrics, nil, events, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.Run(ctx)
	return r, events
}

func defaultConfig() Config {
	return Config{
		CommandTimeout:    200 * time.Millisecond,
		RetryBaseDelay:    10 * time.Millisecond,
		CommandMaxRetries: 3,
	}
}

func seedHost(hosts *fakeHosts, nodeID, hostname, location, mac string) string {
	fqn := buildFQN(hostname, location)
	hosts.hosts[fqn] = storage.Host{
		ID: fqn, NodeID: nodeID, Hostname: hostname, Location: location,
		MacAddress: sql.NullString{String: mac, Valid: mac != ""},
	}
	return fqn
}

// Scenario 1: wake happy path.
func TestRouteWake_HappyPath(t *testing.T) {
	nodes := newFakeNodes()
	nodes.status["node-1"] = "online"
	hosts := newFakeHosts()
	commands := newFakeCommands()
	fqn := seedHost(hosts, "node-1", "desk-01", "Home Office", "AA:BB:CC:DD:EE:FF")

	r, events := newTestRouter(t, defaultConfig(), nodes, hosts, commands)

	resultCh := make(chan WakeResult, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := r.RouteWake(context.Background(), fqn, RouteOptions{CorrelationID: "corr-1"})
		resultCh <- res
		errCh <- err
	}()

	// Wait for dispatch, then simulate the node's acknowledgement.
	var commandID string
	deadline := time.After(2 * time.Second)
	for commandID == "" {
		select {
		case <-deadline:
			t.Fatal("wake command was never dispatched")
		case <-time.After(5 * time.Millisecond):
			nodes.mu.Lock()
			if len(nodes.sent) > 0 {
				commandID = nodes.sent[0].CommandID
			}
			nodes.mu.Unlock()
		}
	}

	events <- nodemgr.CommandResultEvent{
		NodeID: "node-1",
		Result: shared.CommandResultPayload{CommandID: commandID, Success: true, Timestamp: time.Now().Unix()},
	}

	if err := <-errCh; err != nil {
		t.Fatalf("RouteWake returned error: %v", err)
	}
	res := <-resultCh
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Message != "Wake-on-LAN packet sent to "+fqn {
		t.Errorf("expected wake message for %q, got %q", fqn, res.Message)
	}
	if res.NodeID != "node-1" {
		t.Errorf("expected nodeId node-1, got %q", res.NodeID)
	}
	if res.Location != "Home Office" {
		t.Errorf("expected decoded location %q, got %q", "Home Office", res.Location)
	}
	if res.CorrelationID != "corr-1" {
		t.Errorf("expected correlation id to round-trip, got %q", res.CorrelationID)
	}
}

// Scenario 2: timeout surfaces the exact message shape.
func TestRouteWake_Timeout(t *testing.T) {
	nodes := newFakeNodes()
	nodes.status["node-1"] = "online"
	hosts := newFakeHosts()
	commands := newFakeCommands()
	fqn := seedHost(hosts, "node-1", "desk-01", "Home Office", "AA:BB:CC:DD:EE:FF")

	cfg := defaultConfig()
	cfg.CommandTimeout = 25 * time.Millisecond
	r, _ := newTestRouter(t, cfg, nodes, hosts, commands)

	_, err := r.RouteWake(context.Background(), fqn, RouteOptions{})
	if err != nil {
		t.Fatalf("RouteWake itself should not error on timeout, got %v", err)
	}
}

func TestRouteWake_TimeoutMessage(t *testing.T) {
	nodes := newFakeNodes()
	nodes.status["node-1"] = "online"
	hosts := newFakeHosts()
	commands := newFakeCommands()
	fqn := seedHost(hosts, "node-1", "desk-01", "Home Office", "AA:BB:CC:DD:EE:FF")

	cfg := defaultConfig()
	cfg.CommandTimeout = 25 * time.Millisecond
	r, _ := newTestRouter(t, cfg, nodes, hosts, commands)

	res, err := r.RouteWake(context.Background(), fqn, RouteOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success {
		t.Fatalf("expected failure result on timeout, got %+v", res)
	}
	if !strings.Contains(res.Error, "timed out after 25ms") {
		t.Errorf("expected timeout message to contain %q, got %q", "timed out after 25ms", res.Error)
	}
	if !strings.Contains(res.Error, "attempt 1/3") {
		t.Errorf("expected timeout message to contain %q, got %q", "attempt 1/3", res.Error)
	}
}

// Scenario 3: idempotent replay coalesces onto the same in-flight command.
func TestRouteWake_IdempotentReplay(t *testing.T) {
	nodes := newFakeNodes()
	nodes.status["node-1"] = "online"
	hosts := newFakeHosts()
	commands := newFakeCommands()
	fqn := seedHost(hosts, "node-1", "desk-01", "Home Office", "AA:BB:CC:DD:EE:FF")

	r, events := newTestRouter(t, defaultConfig(), nodes, hosts, commands)

	results := make(chan WakeResult, 2)
	for i := 0; i < 2; i++ {
		corrID := fmt.Sprintf("corr-%d", i)
		go func() {
			res, err := r.RouteWake(context.Background(), fqn, RouteOptions{IdempotencyKey: "button-press-1", CorrelationID: corrID})
			if err != nil {
				t.Errorf("RouteWake error: %v", err)
			}
			results <- res
		}()
	}

	var commandID string
	deadline := time.After(2 * time.Second)
	for commandID == "" {
		select {
		case <-deadline:
			t.Fatal("wake command was never dispatched")
		case <-time.After(5 * time.Millisecond):
			nodes.mu.Lock()
			if len(nodes.sent) > 0 {
				commandID = nodes.sent[0].CommandID
			}
			sentCount := len(nodes.sent)
			nodes.mu.Unlock()
			if sentCount > 1 {
				t.Fatalf("expected exactly one dispatch for a coalesced idempotency key, got %d", sentCount)
			}
		}
	}

	events <- nodemgr.CommandResultEvent{
		NodeID: "node-1",
		Result: shared.CommandResultPayload{CommandID: commandID, Success: true, Timestamp: time.Now().Unix()},
	}

	first := <-results
	second := <-results
	if first.CommandID != second.CommandID {
		t.Errorf("expected both callers to resolve the same command id, got %q and %q", first.CommandID, second.CommandID)
	}
	if !first.Success || !second.Success {
		t.Errorf("expected both callers to observe success, got %+v and %+v", first, second)
	}
}

// Scenario 4: an offline node is rejected before any command is enqueued, with the exact
// error text a caller can match on.
func TestRouteWake_NodeOffline(t *testing.T) {
	nodes := newFakeNodes()
	nodes.status["node-offline"] = "offline"
	hosts := newFakeHosts()
	commands := newFakeCommands()
	fqn := seedHost(hosts, "node-offline", "desk-01", "Home Office", "AA:BB:CC:DD:EE:FF")

	r, _ := newTestRouter(t, defaultConfig(), nodes, hosts, commands)

	_, err := r.RouteWake(context.Background(), fqn, RouteOptions{})
	if err == nil {
		t.Fatal("expected an error for an offline node")
	}
	if err.Error() != "Node node-offline is offline" {
		t.Errorf("expected %q, got %q", "Node node-offline is offline", err.Error())
	}
	var offlineErr *NodeOfflineError
	if !errors.As(err, &offlineErr) {
		t.Errorf("expected a *NodeOfflineError, got %T", err)
	}
	if len(nodes.sent) != 0 {
		t.Errorf("expected no command to be dispatched to an offline node, got %d", len(nodes.sent))
	}
}

// Scenario 5: delete-host only removes the record when the node confirms success.
func TestRouteDeleteHost_NotRemovedOnFailure(t *testing.T) {
	nodes := newFakeNodes()
	nodes.status["node-1"] = "online"
	hosts := newFakeHosts()
	commands := newFakeCommands()
	fqn := seedHost(hosts, "node-1", "desk-01", "Home Office", "AA:BB:CC:DD:EE:FF")

	r, events := newTestRouter(t, defaultConfig(), nodes, hosts, commands)

	resultCh := make(chan DeleteHostResult, 1)
	go func() {
		res, err := r.RouteDeleteHost(context.Background(), fqn, RouteOptions{})
		if err != nil {
			t.Errorf("RouteDeleteHost error: %v", err)
		}
		resultCh <- res
	}()

	var commandID string
	deadline := time.After(2 * time.Second)
	for commandID == "" {
		select {
		case <-deadline:
			t.Fatal("delete-host command was never dispatched")
		case <-time.After(5 * time.Millisecond):
			nodes.mu.Lock()
			if len(nodes.sent) > 0 {
				commandID = nodes.sent[0].CommandID
			}
			nodes.mu.Unlock()
		}
	}

	events <- nodemgr.CommandResultEvent{
		NodeID: "node-1",
		Result: shared.CommandResultPayload{CommandID: commandID, Success: false, Error: "device unreachable", Timestamp: time.Now().Unix()},
	}

	res := <-resultCh
	if res.Success {
		t.Fatal("expected failure result")
	}
	if len(hosts.removed) != 0 {
		t.Errorf("expected OnHostRemoved not to be called on a failed delete, got %v", hosts.removed)
	}
}

func TestRoutePingHost_Success(t *testing.T) {
	nodes := newFakeNodes()
	nodes.status["node-1"] = "online"
	hosts := newFakeHosts()
	commands := newFakeCommands()
	fqn := seedHost(hosts, "node-1", "desk-01", "Home Office", "AA:BB:CC:DD:EE:FF")

	r, events := newTestRouter(t, defaultConfig(), nodes, hosts, commands)

	resultCh := make(chan PingHostResult, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := r.RoutePingHost(context.Background(), fqn, RouteOptions{CorrelationID: "corr-ping"})
		resultCh <- res
		errCh <- err
	}()

	var commandID string
	deadline := time.After(2 * time.Second)
	for commandID == "" {
		select {
		case <-deadline:
			t.Fatal("ping-host command was never dispatched")
		case <-time.After(5 * time.Millisecond):
			nodes.mu.Lock()
			if len(nodes.sent) > 0 {
				commandID = nodes.sent[0].CommandID
			}
			nodes.mu.Unlock()
		}
	}

	events <- nodemgr.CommandResultEvent{
		NodeID: "node-1",
		Result: shared.CommandResultPayload{
			CommandID: commandID,
			Success:   true,
			Timestamp: time.Now().Unix(),
			HostPing:  []byte(`{"reachable":true,"latencyMs":12}`),
		},
	}

	if err := <-errCh; err != nil {
		t.Fatalf("RoutePingHost returned error: %v", err)
	}
	res := <-resultCh
	if !res.Success || !res.Reachable {
		t.Fatalf("expected reachable success, got %+v", res)
	}
	if res.LatencyMs != 12 {
		t.Errorf("expected latency 12, got %d", res.LatencyMs)
	}
	if res.Status != "online" {
		t.Errorf("expected status online, got %q", res.Status)
	}
	if res.Source != "node-agent" {
		t.Errorf("expected source node-agent, got %q", res.Source)
	}
	if res.Target != fqn {
		t.Errorf("expected target %q, got %q", fqn, res.Target)
	}
	if res.CorrelationID != "corr-ping" {
		t.Errorf("expected correlation id to round-trip, got %q", res.CorrelationID)
	}
}

func TestRoutePingHost_SuccessWithoutPayloadIsMalformed(t *testing.T) {
	nodes := newFakeNodes()
	nodes.status["node-1"] = "online"
	hosts := newFakeHosts()
	commands := newFakeCommands()
	fqn := seedHost(hosts, "node-1", "desk-01", "Home Office", "AA:BB:CC:DD:EE:FF")

	r, events := newTestRouter(t, defaultConfig(), nodes, hosts, commands)

	resultCh := make(chan PingHostResult, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := r.RoutePingHost(context.Background(), fqn, RouteOptions{})
		resultCh <- res
		errCh <- err
	}()

	var commandID string
	deadline := time.After(2 * time.Second)
	for commandID == "" {
		select {
		case <-deadline:
			t.Fatal("ping-host command was never dispatched")
		case <-time.After(5 * time.Millisecond):
			nodes.mu.Lock()
			if len(nodes.sent) > 0 {
				commandID = nodes.sent[0].CommandID
			}
			nodes.mu.Unlock()
		}
	}

	events <- nodemgr.CommandResultEvent{
		NodeID: "node-1",
		Result: shared.CommandResultPayload{CommandID: commandID, Success: true, Timestamp: time.Now().Unix()},
	}

	err := <-errCh
	<-resultCh
	if !errors.Is(err, shared.ErrMalformedResult) {
		t.Fatalf("expected ErrMalformedResult, got %v", err)
	}
}

func TestRouteScan_HonorsImmediateFlag(t *testing.T) {
	nodes := newFakeNodes()
	nodes.status["node-1"] = "online"
	hosts := newFakeHosts()
	commands := newFakeCommands()

	r, events := newTestRouter(t, defaultConfig(), nodes, hosts, commands)

	resultCh := make(chan ScanResult, 1)
	go func() {
		res, err := r.RouteScan(context.Background(), "node-1", false, RouteOptions{})
		if err != nil {
			t.Errorf("RouteScan error: %v", err)
		}
		resultCh <- res
	}()

	var commandID string
	deadline := time.After(2 * time.Second)
	for commandID == "" {
		select {
		case <-deadline:
			t.Fatal("scan command was never dispatched")
		case <-time.After(5 * time.Millisecond):
			nodes.mu.Lock()
			if len(nodes.sent) > 0 {
				commandID = nodes.sent[0].CommandID
			}
			nodes.mu.Unlock()
		}
	}

	nodes.mu.Lock()
	data, ok := nodes.sent[0].Data.(shared.ScanCommandData)
	nodes.mu.Unlock()
	if !ok || data.Immediate {
		t.Fatalf("expected dispatched scan data to carry immediate:false, got %+v", data)
	}

	events <- nodemgr.CommandResultEvent{
		NodeID: "node-1",
		Result: shared.CommandResultPayload{CommandID: commandID, Success: true, Timestamp: time.Now().Unix()},
	}
	<-resultCh
}

// Scenario 6: a late result for a command with no pending waiter (e.g. arriving after a
// process restart) is accepted and logged, never panics.
func TestHandleCommandResult_NoWaiter(t *testing.T) {
	nodes := newFakeNodes()
	hosts := newFakeHosts()
	commands := newFakeCommands()
	commands.byID["cmd_orphaned"] = &storage.CommandRecord{ID: "cmd_orphaned", State: storage.CommandStateSent, Type: string(shared.MessageTypeWake)}

	r, events := newTestRouter(t, defaultConfig(), nodes, hosts, commands)

	events <- nodemgr.CommandResultEvent{
		NodeID: "node-1",
		Result: shared.CommandResultPayload{CommandID: "cmd_orphaned", Success: true, Timestamp: time.Now().Unix()},
	}

	deadline := time.After(1 * time.Second)
	for {
		commands.mu.Lock()
		state := commands.byID["cmd_orphaned"].State
		commands.mu.Unlock()
		if state == storage.CommandStateAcknowledged {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("expected orphaned command to be marked acknowledged, state is %q", state)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestFQNRoundTrip(t *testing.T) {
	parsed, err := parseFQN("desk-01@Home%20Office")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.Hostname != "desk-01" || parsed.Location != "Home Office" {
		t.Fatalf("unexpected parse result: %+v", parsed)
	}
	if got := buildFQN(parsed.Hostname, parsed.Location); got != "desk-01@Home%20Office" {
		t.Errorf("expected round-trip to restore original encoding, got %q", got)
	}
}

func TestParseFQN_RejectsMalformed(t *testing.T) {
	cases := []string{"no-at-sign", "two@at@signs", "@missing-hostname", "missing-location@"}
	for _, c := range cases {
		if _, err := parseFQN(c); err == nil {
			t.Errorf("expected parseFQN(%q) to fail", c)
		}
	}
}

func TestCalculateBackoffDelay_ClampedToHalfTimeout(t *testing.T) {
	commandTimeout := 100 * time.Millisecond
	for attempt := 0; attempt < 10; attempt++ {
		d := calculateBackoffDelay(attempt, 10*time.Millisecond, commandTimeout)
		if d < 0 || d > commandTimeout/2 {
			t.Errorf("attempt %d: delay %v out of bounds [0, %v]", attempt, d, commandTimeout/2)
		}
	}
}

func TestScopeIdempotencyKey_BlankCollapsesToAbsent(t *testing.T) {
	if got := scopeIdempotencyKey(shared.MessageTypeWake, "   "); got != "" {
		t.Errorf("expected whitespace-only key to collapse to empty, got %q", got)
	}
	if got := scopeIdempotencyKey(shared.MessageTypeWake, "abc"); got != "wake:abc" {
		t.Errorf("expected scoped key %q, got %q", "wake:abc", got)
	}
}

