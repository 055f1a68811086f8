// Package metrics implements RuntimeMetrics: the per-command-id ephemeral state
// (correlation id, dispatch timestamp, command type) and the aggregate Prometheus counters
// CommandRouter and NodeManager record against.
package metrics

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const correlationIndexSize = 4096

// commandState is the ephemeral per-command-id record RuntimeMetrics tracks between
// dispatch and result/timeout.
type commandState struct {
	correlationID string
	commandType   string
	dispatchedAt  time.Time
}

// RuntimeMetrics is the process-wide metrics object constructed once at startup and passed
// by reference to NodeManager and CommandRouter.
type RuntimeMetrics struct {
	commandsDispatched *prometheus.CounterVec
	commandsResult     *prometheus.CounterVec
	commandsTimedOut   *prometheus.CounterVec
	protocolFailures   *prometheus.CounterVec
	nodesOnline        prometheus.Gauge
	commandDuration    *prometheus.HistogramVec

	mu          sync.Mutex
	protoTotal  uint64
	correlation *lru.Cache[string, commandState]
}

var (
	global     *RuntimeMetrics
	globalOnce sync.Once
)

// New constructs a RuntimeMetrics instance registered against reg. Tests should pass a
// fresh prometheus.NewRegistry() so repeated construction across _test.go files in the same
// process never collides; production code should use Global() instead.
func New(reg prometheus.Registerer) *RuntimeMetrics {
	cache, err := lru.New[string, commandState](correlationIndexSize)
	if err != nil {
		panic("metrics: failed to allocate correlation index: " + err.Error())
	}
	factory := promauto.With(reg)

	return &RuntimeMetrics{
		commandsDispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cnc_commands_dispatched_total",
				Help: "Commands dispatched to a node, by command type",
			},
			[]string{"type"},
		),
		commandsResult: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cnc_commands_result_total",
				Help: "Command results received, by command type and outcome",
			},
			[]string{"type", "outcome"},
		),
		commandsTimedOut: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cnc_commands_timed_out_total",
				Help: "Commands whose deadline elapsed before a result arrived, by type",
			},
			[]string{"type"},
		),
		protocolFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cnc_protocol_validation_failures_total",
				Help: "Protocol schema validation failures, keyed by direction:messageType",
			},
			[]string{"key"},
		),
		nodesOnline: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cnc_nodes_online",
				Help: "Currently online node sessions",
			},
		),
		commandDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cnc_command_duration_seconds",
				Help:    "Time from dispatch to terminal result, by command type",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		correlation: cache,
	}
}

// Global returns the process-wide RuntimeMetrics instance registered against the default
// Prometheus registry, constructing it on first use.
func Global() *RuntimeMetrics {
	globalOnce.Do(func() {
		global = New(prometheus.DefaultRegisterer)
	})
	return global
}

// RecordCommandDispatched records a dispatch and remembers correlationId/commandType for
// later correlation by RecordCommandResult/RecordCommandTimeout/LookupCorrelationID.
func (m *RuntimeMetrics) RecordCommandDispatched(commandID, commandType, correlationID string) {
	if m == nil {
		return
	}
	m.commandsDispatched.WithLabelValues(commandType).Inc()
	m.correlation.Add(commandID, commandState{
		correlationID: correlationID,
		commandType:   commandType,
		dispatchedAt:  time.Now(),
	})
}

// RecordCommandResult records a terminal success/failure outcome for commandID.
func (m *RuntimeMetrics) RecordCommandResult(commandID string, success bool, now time.Time, commandType string) {
	if m == nil {
		return
	}
	outcome := "failed"
	if success {
		outcome = "acknowledged"
	}
	m.commandsResult.WithLabelValues(commandType, outcome).Inc()

	if state, ok := m.correlation.Get(commandID); ok {
		m.commandDuration.WithLabelValues(commandType).Observe(now.Sub(state.dispatchedAt).Seconds())
	}
}

// RecordCommandTimeout records a timeout outcome for commandID.
func (m *RuntimeMetrics) RecordCommandTimeout(commandID string, now time.Time, commandType string) {
	if m == nil {
		return
	}
	m.commandsTimedOut.WithLabelValues(commandType).Inc()
	if state, ok := m.correlation.Get(commandID); ok {
		m.commandDuration.WithLabelValues(commandType).Observe(now.Sub(state.dispatchedAt).Seconds())
	}
}

// LookupCorrelationID returns the correlation id recorded at dispatch time for commandID, or
// "" if no ephemeral state remains (e.g. the process restarted since dispatch).
func (m *RuntimeMetrics) LookupCorrelationID(commandID string) string {
	if m == nil {
		return ""
	}
	state, ok := m.correlation.Get(commandID)
	if !ok {
		return ""
	}
	return state.correlationID
}

// RecordProtocolValidationFailure increments the `{direction}:{messageType}` counter used by
// the protocol-validation-failure taxonomy in spec §3/§9.
func (m *RuntimeMetrics) RecordProtocolValidationFailure(direction, messageType string) {
	if m == nil {
		return
	}
	key := direction + ":" + messageType
	m.protocolFailures.WithLabelValues(key).Inc()

	m.mu.Lock()
	m.protoTotal++
	m.mu.Unlock()
}

// ProtocolValidationFailureTotal returns the aggregate count across all keys.
func (m *RuntimeMetrics) ProtocolValidationFailureTotal() uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.protoTotal
}

// SetNodesOnline sets the current online-node gauge.
func (m *RuntimeMetrics) SetNodesOnline(count int) {
	if m == nil {
		return
	}
	m.nodesOnline.Set(float64(count))
}
