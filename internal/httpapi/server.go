// Package httpapi is the reference HTTP surface that calls into CommandRouter/NodeManager:
// a thin, unauthenticated (see DESIGN.md) net/http mux translating JSON requests into route
// calls and domain errors into status codes. A production deployment's auth/routing
// middleware would sit in front of this; this package exists so the core is runnable and
// curl-able end to end.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/kaonis/woly-cnc/internal/health"
	"github.com/kaonis/woly-cnc/internal/router"
	"github.com/kaonis/woly-cnc/internal/shared"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Router is the slice of CommandRouter's contract the HTTP layer drives.
type Router interface {
	RouteWake(ctx context.Context, fqn string, opts router.RouteOptions) (router.WakeResult, error)
	RoutePingHost(ctx context.Context, fqn string, opts router.RouteOptions) (router.PingHostResult, error)
	RouteScan(ctx context.Context, nodeID string, immediate bool, opts router.RouteOptions) (router.ScanResult, error)
	RouteScanHostPorts(ctx context.Context, fqn string, ports []int, timeoutMs int, opts router.RouteOptions) (router.ScanHostPortsResult, error)
	RouteUpdateHost(ctx context.Context, fqn string, params router.UpdateHostParams, opts router.RouteOptions) (router.UpdateHostResult, error)
	RouteDeleteHost(ctx context.Context, fqn string, opts router.RouteOptions) (router.DeleteHostResult, error)
}

// NodeManager is the slice of NodeManager's contract the HTTP layer exposes directly.
type NodeManager interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
}

// Server wires CommandRouter, NodeManager and the health Checker behind a stdlib
// net/http 1.22+ pattern mux.
type Server struct {
	router  Router
	nodes   NodeManager
	checker *health.Checker
	logger  *zap.Logger
}

func NewServer(rt Router, nodes NodeManager, checker *health.Checker, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{router: rt, nodes: nodes, checker: checker, logger: logger}
}

// Handler builds the full mux: node transport, operator command routes, ops endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", s.nodes.ServeWS)

	mux.HandleFunc("POST /v1/nodes/{nodeId}/scan", s.handleScan)
	mux.HandleFunc("POST /v1/hosts/{fqn}/wake", s.handleWake)
	mux.HandleFunc("POST /v1/hosts/{fqn}/ping", s.handlePingHost)
	mux.HandleFunc("POST /v1/hosts/{fqn}/scan-ports", s.handleScanHostPorts)
	mux.HandleFunc("PATCH /v1/hosts/{fqn}", s.handleUpdateHost)
	mux.HandleFunc("DELETE /v1/hosts/{fqn}", s.handleDeleteHost)

	mux.HandleFunc("GET /healthz", s.handleLiveness)
	mux.HandleFunc("GET /readyz", s.handleReadiness)
	mux.Handle("GET /metrics", promhttp.Handler())

	return withCorrelationID(mux)
}

// withCorrelationID assigns a request-scoped correlation id, preferring an inbound
// X-Correlation-ID header so operator tooling can thread its own trace id through.
func withCorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-ID")
		if id == "" {
			id = uuid.New().String()
		}
		ctx := shared.WithCorrelationID(r.Context(), id)
		w.Header().Set("X-Correlation-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func routeOptionsFrom(r *http.Request) router.RouteOptions {
	return router.RouteOptions{
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		CorrelationID:  shared.GetCorrelationID(r.Context()),
	}
}

type scanRequest struct {
	Immediate *bool `json:"immediate"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("nodeId")
	var req scanRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}
	}
	immediate := true
	if req.Immediate != nil {
		immediate = *req.Immediate
	}
	res, err := s.router.RouteScan(r.Context(), nodeID, immediate, routeOptionsFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	fqn := r.PathValue("fqn")
	res, err := s.router.RouteWake(r.Context(), fqn, routeOptionsFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePingHost(w http.ResponseWriter, r *http.Request) {
	fqn := r.PathValue("fqn")
	res, err := s.router.RoutePingHost(r.Context(), fqn, routeOptionsFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

type scanHostPortsRequest struct {
	Ports     []int `json:"ports"`
	TimeoutMs int   `json:"timeoutMs"`
}

func (s *Server) handleScanHostPorts(w http.ResponseWriter, r *http.Request) {
	fqn := r.PathValue("fqn")
	var req scanHostPortsRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}
	}
	res, err := s.router.RouteScanHostPorts(r.Context(), fqn, req.Ports, req.TimeoutMs, routeOptionsFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

type updateHostRequest struct {
	Name   string `json:"name"`
	Mac    string `json:"mac"`
	IP     string `json:"ip"`
	Status string `json:"status"`
}

// decodeUpdateHostRequest decodes the plain fields with a normal struct tag pass, then
// resolves notes/tags through shared.ParseTristateField against the raw object so an absent
// key, an explicit null and an explicit value are distinguishable (a bare *string field
// cannot make that distinction through encoding/json alone).
func decodeUpdateHostRequest(body []byte) (updateHostRequest, *shared.Tristate, *shared.Tristate, error) {
	var req updateHostRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return req, nil, nil, err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return req, nil, nil, err
	}

	notes, err := shared.ParseTristateField(raw, "notes")
	if err != nil {
		return req, nil, nil, err
	}
	tags, err := shared.ParseTristateField(raw, "tags")
	if err != nil {
		return req, nil, nil, err
	}
	return req, notes, tags, nil
}

func (s *Server) handleUpdateHost(w http.ResponseWriter, r *http.Request) {
	fqn := r.PathValue("fqn")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	req, notes, tags, err := decodeUpdateHostRequest(body)
	if err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	params := router.UpdateHostParams{
		Name:   req.Name,
		Mac:    req.Mac,
		IP:     req.IP,
		Status: req.Status,
		Notes:  notes,
		Tags:   tags,
	}
	res, err := s.router.RouteUpdateHost(r.Context(), fqn, params, routeOptionsFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeleteHost(w http.ResponseWriter, r *http.Request) {
	fqn := r.PathValue("fqn")
	res, err := s.router.RouteDeleteHost(r.Context(), fqn, routeOptionsFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.checker.CheckLiveness(r.Context()))
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	result := s.checker.CheckReadiness(r.Context())
	status := http.StatusOK
	if result.Status != health.StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, result)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("write response body failed", zap.Error(err))
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps the CommandRouter error taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError

	var nodeOffline *router.NodeOfflineError
	var timeoutErr *shared.TimeoutError
	var failedErr *shared.CommandFailedError

	switch {
	case errors.Is(err, shared.ErrHostNotFound):
		status = http.StatusNotFound
	case errors.Is(err, shared.ErrInvalidFqnFormat), errors.Is(err, shared.ErrInvalidFqnEncoding),
		errors.Is(err, shared.ErrInvalidOutboundCommand), errors.Is(err, shared.ErrMalformedResult):
		status = http.StatusBadRequest
	case errors.As(err, &nodeOffline), errors.Is(err, shared.ErrNodeOffline):
		status = http.StatusServiceUnavailable
	case errors.As(err, &timeoutErr):
		status = http.StatusGatewayTimeout
	case errors.As(err, &failedErr):
		status = http.StatusBadGateway
	}

	shared.LogErrorWithContext(r.Context(), s.logger, "route request failed", err,
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
	)
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}
