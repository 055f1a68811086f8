// Package router implements CommandRouter: per-operation route methods that synchronously
// return a typed result after asynchronously executing a command on a node, with
// idempotent enqueue, coalesced waiters, per-command timeouts and an exponential backoff
// delay before dispatching a record that the store hands back with a non-zero retry count.
// The router sends each dispatch once and does not re-send a command itself.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kaonis/woly-cnc/internal/audit"
	"github.com/kaonis/woly-cnc/internal/metrics"
	"github.com/kaonis/woly-cnc/internal/nodemgr"
	"github.com/kaonis/woly-cnc/internal/shared"
	"github.com/kaonis/woly-cnc/internal/storage"
	"go.uber.org/zap"
)

// RouteOptions carries the per-call inputs every route method accepts beyond its own
// arguments: an operator-supplied idempotency key and the correlation id assigned by the
// HTTP layer's request middleware.
type RouteOptions struct {
	IdempotencyKey string
	CorrelationID  string
}

// commandResult is the generic outcome executeCommand resolves waiters with; route methods
// map it onto their own typed response shape.
type commandResult struct {
	ID            string
	Success       bool
	Error         string
	Timestamp     time.Time
	CorrelationID string
	Raw           shared.CommandResultPayload
}

// waiterEntry is one in-flight (or installed-but-not-yet-dispatched) command's coalesced
// waiter state: every caller that lands on the same effective id shares this entry and its
// single timer.
type waiterEntry struct {
	resolvers     []chan commandResult
	timer         *time.Timer
	correlationID string
	commandType   string
	attempt       int
	nodeID        string
	hostFQN       string
	startedAt     time.Time
}

// Router is the core's CommandRouter.
type Router struct {
	mu      sync.Mutex
	waiters map[string]*waiterEntry

	nodes    nodeManager
	hosts    hostAggregator
	commands commandModel
	metrics  *metrics.RuntimeMetrics
	audit    *audit.Logger
	logger   *zap.Logger

	commandTimeout time.Duration
	retryBaseDelay time.Duration
	maxRetries     int

	events <-chan nodemgr.CommandResultEvent
	done   chan struct{}
}

// Config bundles the tunables that govern CommandRouter's retry and timeout behavior.
type Config struct {
	CommandTimeout    time.Duration
	RetryBaseDelay    time.Duration
	CommandMaxRetries int
}

func NewRouter(cfg Config, nodes nodeManager, hosts hostAggregator, commands commandModel, rtMetrics *metrics.RuntimeMetrics, auditLogger *audit.Logger, events <-chan nodemgr.CommandResultEvent, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		waiters:        make(map[string]*waiterEntry),
		nodes:          nodes,
		hosts:          hosts,
		commands:       commands,
		metrics:        rtMetrics,
		audit:          auditLogger,
		logger:         logger,
		commandTimeout: cfg.CommandTimeout,
		retryBaseDelay: cfg.RetryBaseDelay,
		maxRetries:     cfg.CommandMaxRetries,
		events:         events,
		done:           make(chan struct{}),
	}
}

// Run subscribes to the NodeManager's command-result event stream until ctx is cancelled,
// dispatching each event to handleCommandResult. One goroutine, the router's sole event-bus
// receiver, matching the "cyclic handle" design note.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case ev, ok := <-r.events:
			if !ok {
				return
			}
			r.handleCommandResult(ev.Result)
		}
	}
}

// ReconcileStaleInFlight promotes abandoned sent records into timed_out, intended to run
// exactly once on startup before the router begins serving routes.
func (r *Router) ReconcileStaleInFlight(ctx context.Context) (int, error) {
	return r.commands.ReconcileStaleInFlight(ctx, r.commandTimeout)
}

// scopeIdempotencyKey collapses a blank/whitespace key to "no key" and scopes a present key
// by command type so the same operator-supplied key can't collide across operations.
func scopeIdempotencyKey(cmdType shared.MessageType, key string) string {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s", cmdType, trimmed)
}

// executeCommand is the heart of the router: idempotent-enqueue, waiter install/coalesce,
// async dispatch (after the backoff delay for a retried record) and timeout handling.
func (r *Router) executeCommand(ctx context.Context, nodeID, hostFQN string, cmdType shared.MessageType, data interface{}, idempotencyKey, correlationID string) (commandResult, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return commandResult{}, fmt.Errorf("marshal command payload: %w", err)
	}

	spec := storage.CommandSpec{
		ID:             "cmd_" + uuid.New().String(),
		NodeID:         nodeID,
		Type:           string(cmdType),
		Payload:        string(payload),
		IdempotencyKey: scopeIdempotencyKey(cmdType, idempotencyKey),
	}

	record, err := r.commands.Enqueue(ctx, spec)
	if err != nil {
		return commandResult{}, fmt.Errorf("enqueue command: %w", err)
	}
	effectiveID := record.ID

	switch record.State {
	case storage.CommandStateAcknowledged:
		ts := record.UpdatedAt
		if record.CompletedAt != nil {
			ts = *record.CompletedAt
		}
		return commandResult{ID: effectiveID, Success: true, Timestamp: ts, CorrelationID: correlationID}, nil

	case storage.CommandStateFailed, storage.CommandStateTimedOut:
		reason := record.Error
		if reason == "" {
			reason = "Command failed"
		}
		ts := record.UpdatedAt
		if record.CompletedAt != nil {
			ts = *record.CompletedAt
		}
		return commandResult{ID: effectiveID, Success: false, Error: reason, Timestamp: ts, CorrelationID: correlationID}, nil
	}

	ch := make(chan commandResult, 1)
	attempt := record.RetryCount
	if record.State == storage.CommandStateQueued {
		attempt = record.RetryCount + 1
	}

	r.mu.Lock()
	entry, exists := r.waiters[effectiveID]
	if exists {
		entry.resolvers = append(entry.resolvers, ch)
		r.mu.Unlock()
	} else {
		entry = &waiterEntry{
			resolvers:     []chan commandResult{ch},
			correlationID: correlationID,
			commandType:   string(cmdType),
			attempt:       attempt,
			nodeID:        nodeID,
			hostFQN:       hostFQN,
			startedAt:     time.Now(),
		}
		entry.timer = time.AfterFunc(r.commandTimeout, func() { r.handleTimeout(effectiveID) })
		r.waiters[effectiveID] = entry
		r.mu.Unlock()

		if record.State == storage.CommandStateQueued {
			go r.dispatch(nodeID, effectiveID, cmdType, data, record.RetryCount)
		}
	}

	return <-ch, nil
}

// dispatch sends a queued command to its node, sleeping the backoff delay first on a retry.
// Runs on its own goroutine so waiter installation, which must precede the send to avoid
// missing a fast result, never blocks on the transport.
func (r *Router) dispatch(nodeID, effectiveID string, cmdType shared.MessageType, data interface{}, retryCount int) {
	if retryCount > 0 {
		time.Sleep(calculateBackoffDelay(retryCount-1, r.retryBaseDelay, r.commandTimeout))
	}

	if err := r.nodes.SendCommand(nodeID, cmdType, effectiveID, data); err != nil {
		r.handleSendFailure(effectiveID, err)
		return
	}

	r.mu.Lock()
	entry, ok := r.waiters[effectiveID]
	r.mu.Unlock()
	correlationID := ""
	if ok {
		correlationID = entry.correlationID
	}
	r.metrics.RecordCommandDispatched(effectiveID, string(cmdType), correlationID)

	ctx := context.Background()
	if err := r.commands.MarkSent(ctx, effectiveID); err != nil {
		r.logger.Warn("mark sent failed", zap.String("command_id", effectiveID), zap.Error(err))
	}
}

// handleSendFailure implements executeCommand step 6: the send itself threw.
func (r *Router) handleSendFailure(effectiveID string, sendErr error) {
	r.mu.Lock()
	entry, ok := r.waiters[effectiveID]
	if ok {
		delete(r.waiters, effectiveID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}

	ctx := context.Background()
	if err := r.commands.MarkFailed(ctx, effectiveID, sendErr.Error()); err != nil {
		r.logger.Warn("mark failed (send failure) failed", zap.String("command_id", effectiveID), zap.Error(err))
	}
	now := time.Now()
	r.metrics.RecordCommandResult(effectiveID, false, now, entry.commandType)
	if r.audit != nil {
		r.audit.LogCommand(entry.nodeID, entry.hostFQN, entry.commandType, effectiveID, entry.correlationID, false, sendErr.Error(), now.Sub(entry.startedAt))
	}

	result := commandResult{ID: effectiveID, Success: false, Error: sendErr.Error(), Timestamp: now, CorrelationID: entry.correlationID}
	for _, ch := range entry.resolvers {
		ch <- result
	}
}

// handleTimeout implements executeCommand step 7: the per-command timer fired before a
// result arrived.
func (r *Router) handleTimeout(effectiveID string) {
	r.mu.Lock()
	entry, ok := r.waiters[effectiveID]
	if ok {
		delete(r.waiters, effectiveID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	now := time.Now()
	r.metrics.RecordCommandTimeout(effectiveID, now, entry.commandType)

	timeoutErr := &shared.TimeoutError{
		CommandID:  effectiveID,
		Attempt:    entry.attempt,
		MaxRetries: r.maxRetries,
		DeadlineMs: r.commandTimeout.Milliseconds(),
	}

	ctx := context.Background()
	if err := r.commands.MarkTimedOut(ctx, effectiveID, timeoutErr.Error()); err != nil {
		r.logger.Warn("mark timed out failed", zap.String("command_id", effectiveID), zap.Error(err))
	}
	if r.audit != nil {
		r.audit.LogCommand(entry.nodeID, entry.hostFQN, entry.commandType, effectiveID, entry.correlationID, false, timeoutErr.Error(), now.Sub(entry.startedAt))
	}

	result := commandResult{ID: effectiveID, Success: false, Error: timeoutErr.Error(), Timestamp: now, CorrelationID: entry.correlationID}
	for _, ch := range entry.resolvers {
		ch <- result
	}
}

// handleCommandResult implements the 6-step contract triggered by NodeManager's
// command-result event.
func (r *Router) handleCommandResult(result shared.CommandResultPayload) {
	r.mu.Lock()
	entry, ok := r.waiters[result.CommandID]
	if ok {
		delete(r.waiters, result.CommandID)
	}
	r.mu.Unlock()

	commandType := "unknown"
	if ok {
		commandType = entry.commandType
	} else if rec, err := r.commands.FindByID(context.Background(), result.CommandID); err == nil {
		commandType = rec.Type
	}

	now := time.Now()
	r.metrics.RecordCommandResult(result.CommandID, result.Success, now, commandType)

	ctx := context.Background()
	if result.Success {
		if err := r.commands.MarkAcknowledged(ctx, result.CommandID); err != nil {
			r.logger.Warn("mark acknowledged failed", zap.String("command_id", result.CommandID), zap.Error(err))
		}
	} else {
		reason := result.Error
		if reason == "" {
			reason = "Command failed"
		}
		if err := r.commands.MarkFailed(ctx, result.CommandID, reason); err != nil {
			r.logger.Warn("mark failed failed", zap.String("command_id", result.CommandID), zap.Error(err))
		}
	}

	if !ok {
		r.logger.Info("late command result with no pending waiter", zap.String("command_id", result.CommandID))
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}

	correlationID := entry.correlationID
	if correlationID == "" {
		correlationID = r.metrics.LookupCorrelationID(result.CommandID)
	}

	if r.audit != nil {
		errMsg := ""
		if !result.Success {
			errMsg = result.Error
			if errMsg == "" {
				errMsg = "Command failed"
			}
		}
		r.audit.LogCommand(entry.nodeID, entry.hostFQN, commandType, result.CommandID, correlationID, result.Success, errMsg, now.Sub(entry.startedAt))
	}

	outcome := commandResult{ID: result.CommandID, Success: result.Success, Timestamp: now, CorrelationID: correlationID, Raw: result}
	if !result.Success {
		reason := result.Error
		if reason == "" {
			reason = "Command failed"
		}
		outcome.Error = reason
	}
	for _, ch := range entry.resolvers {
		ch <- outcome
	}
}

// Cleanup cancels every pending timer, rejects every resolver and stops Run.
func (r *Router) Cleanup() {
	r.mu.Lock()
	waiters := r.waiters
	r.waiters = make(map[string]*waiterEntry)
	r.mu.Unlock()

	shutdownErr := "CommandRouter shutting down"
	for id, entry := range waiters {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		result := commandResult{ID: id, Success: false, Error: shutdownErr, Timestamp: time.Now(), CorrelationID: entry.correlationID}
		for _, ch := range entry.resolvers {
			ch <- result
		}
	}
	close(r.done)
}
