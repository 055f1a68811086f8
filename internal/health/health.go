// Package health exposes the CNC's liveness/readiness split over its three core
// components: NodeManager, CommandRouter and WakeScheduleWorker, plus the database they share.
package health

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/kaonis/woly-cnc/internal/router"
	"github.com/kaonis/woly-cnc/internal/wakeworker"
)

// ComponentStatus is the health status of a single dependency.
type ComponentStatus string

const (
	StatusOK          ComponentStatus = "ok"
	StatusError       ComponentStatus = "error"
	StatusUnavailable ComponentStatus = "unavailable"
)

// Status is the overall rollup of a readiness check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentHealth holds one dependency's check result.
type ComponentHealth struct {
	Status ComponentStatus `json:"status"`
	Error  string          `json:"error,omitempty"`
}

// CheckResult is the JSON shape returned from both the liveness and readiness endpoints.
type CheckResult struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// nodeManager is the subset of nodemgr.Manager a readiness check needs.
type nodeManager interface {
	ClientCount() int
}

// Checker performs liveness/readiness checks over the CNC's three core components plus the
// database they all share.
type Checker struct {
	db     *sql.DB
	nodes  nodeManager
	router *router.Router
	worker *wakeworker.Worker
	mu     sync.RWMutex
}

// NewChecker builds a Checker. router and worker neither expose a meaningful runtime probe
// beyond "was it wired at startup" — a nil pointer marks the component unavailable rather
// than healthy.
func NewChecker(db *sql.DB, nodes nodeManager, rt *router.Router, worker *wakeworker.Worker) *Checker {
	return &Checker{db: db, nodes: nodes, router: rt, worker: worker}
}

// CheckLiveness always reports healthy once the process is running and able to answer.
func (c *Checker) CheckLiveness(ctx context.Context) CheckResult {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return CheckResult{
		Status:     StatusHealthy,
		Components: map[string]ComponentHealth{},
		Timestamp:  time.Now().UTC(),
	}
}

// CheckReadiness probes every component and rolls the result up: any hard error makes the
// whole node unhealthy, an unavailable (unconfigured) component only degrades it.
func (c *Checker) CheckReadiness(ctx context.Context) CheckResult {
	c.mu.RLock()
	defer c.mu.RUnlock()

	components := map[string]ComponentHealth{
		"database":             c.checkDatabase(ctx),
		"node_manager":         c.checkNodeManager(ctx),
		"command_router":       c.checkRouter(ctx),
		"wake_schedule_worker": c.checkWorker(ctx),
	}

	overall := StatusHealthy
	for _, comp := range components {
		if comp.Status == StatusError {
			overall = StatusUnhealthy
			break
		}
		if comp.Status == StatusUnavailable {
			overall = StatusDegraded
		}
	}

	return CheckResult{
		Status:     overall,
		Components: components,
		Timestamp:  time.Now().UTC(),
	}
}

func (c *Checker) checkDatabase(ctx context.Context) ComponentHealth {
	if c.db == nil {
		return ComponentHealth{Status: StatusUnavailable, Error: "database not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.db.PingContext(ctx); err != nil {
		return ComponentHealth{Status: StatusError, Error: err.Error()}
	}
	return ComponentHealth{Status: StatusOK}
}

func (c *Checker) checkNodeManager(ctx context.Context) ComponentHealth {
	if c.nodes == nil {
		return ComponentHealth{Status: StatusUnavailable, Error: "node manager not configured"}
	}
	if c.nodes.ClientCount() < 0 {
		return ComponentHealth{Status: StatusError, Error: "node manager not responding"}
	}
	return ComponentHealth{Status: StatusOK}
}

func (c *Checker) checkRouter(ctx context.Context) ComponentHealth {
	if c.router == nil {
		return ComponentHealth{Status: StatusUnavailable, Error: "command router not configured"}
	}
	return ComponentHealth{Status: StatusOK}
}

func (c *Checker) checkWorker(ctx context.Context) ComponentHealth {
	if c.worker == nil {
		return ComponentHealth{Status: StatusUnavailable, Error: "wake schedule worker not configured"}
	}
	return ComponentHealth{Status: StatusOK}
}
