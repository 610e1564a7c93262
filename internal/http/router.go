package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goalkeeper/deployd/internal/domain"
	"github.com/goalkeeper/deployd/internal/repository"
	"github.com/goalkeeper/deployd/internal/service/content"
	"github.com/goalkeeper/deployd/internal/service/deploy"
	"github.com/goalkeeper/deployd/internal/service/templates"
	"github.com/goalkeeper/deployd/internal/ws"
)

// DeployService is the orchestrator surface the router exposes.
type DeployService interface {
	Deploy(ctx context.Context, req deploy.Request) (*domain.DeploymentRecord, error)
	GetStatus(ctx context.Context, id string) (*domain.DeploymentRecord, error)
	ListByUser(ctx context.Context, userID string) ([]domain.DeploymentRecord, error)
	ListByPortfolio(ctx context.Context, portfolioID string) ([]domain.DeploymentRecord, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
	UpdateDomain(ctx context.Context, id, customDomain string) (*domain.DeploymentRecord, error)
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	deploy    DeployService
	catalog   deploy.Catalog
	hub       *ws.Hub
	upgrader  websocket.Upgrader
	limiter   RateLimiter
	jwtSecret string
	streamBuf int
	dbHealth  func(context.Context) error

	metricsOnce         sync.Once
	metricsInitialized  bool
	requestTotal        *prometheus.CounterVec
	requestLatency      *prometheus.HistogramVec
	rateLimitHits       *prometheus.CounterVec
	deploymentsAccepted *prometheus.CounterVec
}

const (
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 25 * time.Second
)

// NewRouter assembles routes with dependencies. streamBuffer sizes the
// per-subscriber send queue for websocket status streams.
func NewRouter(logger *slog.Logger, deploySvc DeployService, catalog deploy.Catalog, hub *ws.Hub, limiter RateLimiter, jwtSecret string, streamBuffer int, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		deploy:  deploySvc,
		catalog: catalog,
		hub:     hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:   limiter,
		jwtSecret: strings.TrimSpace(jwtSecret),
		streamBuf: streamBuffer,
		dbHealth:  dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	r.mux.HandleFunc("/deployments", r.audit(r.handlerAuthRate(policyDeploy, r.handleDeployments)))
	r.mux.HandleFunc("/deployments/", r.audit(r.handlerAuthRate(policyRead, r.handleDeploymentSubroutes)))
	r.mux.HandleFunc("/ws/deployments", r.audit(r.requireAuth(r.withRateLimit(policyStream, r.rateLimitKeyDeployment, r.handleStatusSocket))))
}

// handleDeployments accepts deploy submissions.
func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload deploy.Request
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	record, err := r.deploy.Deploy(req.Context(), payload)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	r.recordDeploymentAccepted(record.TemplateName)
	writeJSON(w, http.StatusAccepted, record)
}

func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	rest := strings.TrimPrefix(req.URL.Path, "/deployments/")
	if rest == "" {
		r.notFound(w)
		return
	}
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	switch parts[0] {
	case "templates":
		r.handleTemplates(w, req, parts[1:])
		return
	case "user":
		if len(parts) != 2 || req.Method != http.MethodGet {
			r.routeMismatch(w, req, len(parts) == 2)
			return
		}
		r.listDeployments(w, req, func(ctx context.Context) ([]domain.DeploymentRecord, error) {
			return r.deploy.ListByUser(ctx, parts[1])
		})
		return
	case "portfolio":
		if len(parts) != 2 || req.Method != http.MethodGet {
			r.routeMismatch(w, req, len(parts) == 2)
			return
		}
		r.listDeployments(w, req, func(ctx context.Context) ([]domain.DeploymentRecord, error) {
			return r.deploy.ListByPortfolio(ctx, parts[1])
		})
		return
	}

	id := parts[0]
	switch {
	case len(parts) == 1:
		if req.Method != http.MethodDelete {
			r.methodNotAllowed(w)
			return
		}
		if err := r.deploy.Delete(req.Context(), id); err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	case len(parts) == 2 && parts[1] == "status":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		record, err := r.deploy.GetStatus(req.Context(), id)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, record)
	case len(parts) == 2 && parts[1] == "cancel":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		cancelled, err := r.deploy.Cancel(req.Context(), id)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		if !cancelled {
			writeError(w, http.StatusBadRequest, "deployment already finished")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deploymentId": id, "cancelled": true})
	case len(parts) == 2 && parts[1] == "domain":
		if req.Method != http.MethodPut {
			r.methodNotAllowed(w)
			return
		}
		var payload struct {
			CustomDomain string `json:"customDomain"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		record, err := r.deploy.UpdateDomain(req.Context(), id, payload.CustomDomain)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, record)
	case len(parts) == 2 && parts[1] == "events":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		r.handleStatusSSE(w, req, id)
	default:
		r.notFound(w)
	}
}

func (r *Router) listDeployments(w http.ResponseWriter, req *http.Request, list func(context.Context) ([]domain.DeploymentRecord, error)) {
	records, err := list(req.Context())
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	if records == nil {
		records = []domain.DeploymentRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployments": records})
}

func (r *Router) handleTemplates(w http.ResponseWriter, req *http.Request, parts []string) {
	switch {
	case len(parts) == 0 || (len(parts) == 1 && parts[0] == ""):
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"templates": r.catalog.List(req.Context())})
	case len(parts) == 1 && parts[0] == "extract":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		var payload struct {
			TemplateName string                `json:"templateName"`
			Options      domain.ExtractOptions `json:"options"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		manifest, err := r.catalog.Extract(req.Context(), strings.TrimSpace(payload.TemplateName), payload.Options)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, manifest)
	case len(parts) == 2 && parts[1] == "validate":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		name := parts[0]
		writeJSON(w, http.StatusOK, map[string]any{
			"templateName": name,
			"isValid":      r.catalog.Validate(req.Context(), name),
		})
	default:
		r.notFound(w)
	}
}

// handleStatusSocket upgrades to a websocket and streams status events for
// one deployment.
func (r *Router) handleStatusSocket(w http.ResponseWriter, req *http.Request) {
	deploymentID := req.URL.Query().Get("deployment_id")
	if deploymentID == "" {
		writeError(w, http.StatusBadRequest, "deployment_id query parameter required")
		return
	}
	if _, err := r.deploy.GetStatus(req.Context(), deploymentID); err != nil {
		r.writeServiceError(w, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger, r.streamBuf)
	r.hub.Register(deploymentID, client)
	go func() {
		defer func() {
			r.hub.Unregister(deploymentID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// handleStatusSSE streams status events as Server-Sent Events for clients
// that cannot hold a websocket.
func (r *Router) handleStatusSSE(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if _, err := r.deploy.GetStatus(req.Context(), deploymentID); err != nil {
		r.writeServiceError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(deploymentID, client)
	defer func() {
		r.hub.Unregister(deploymentID, client)
		client.Close()
	}()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-heartbeat.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	status := http.StatusOK
	checks := map[string]string{"api": "ok"}
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			checks["database"] = "unreachable"
			status = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	}
	writeJSON(w, status, checks)
}

// writeServiceError maps service and repository errors onto the HTTP
// error contract.
func (r *Router) writeServiceError(w http.ResponseWriter, err error) {
	var incomplete *content.IncompleteContentError
	switch {
	case errors.Is(err, repository.ErrNotFound):
		r.notFound(w)
	case errors.Is(err, deploy.ErrDeploymentInProgress):
		writeError(w, http.StatusConflict, "a deployment is already in progress for this portfolio")
	case errors.Is(err, deploy.ErrInvalidRequest),
		errors.Is(err, deploy.ErrInvalidState),
		errors.Is(err, deploy.ErrDomainRejected),
		errors.Is(err, templates.ErrUnknownTemplate),
		errors.Is(err, templates.ErrExtractionFailed):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &incomplete):
		writeError(w, http.StatusBadRequest, incomplete.Error())
	default:
		r.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (r *Router) routeMismatch(w http.ResponseWriter, req *http.Request, pathOK bool) {
	if pathOK {
		r.methodNotAllowed(w)
		return
	}
	r.notFound(w)
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		actor := "anonymous"
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
		}
		fields = append(fields, "actor", actor)

		r.recordRequestMetrics(req.Method, routeLabel(req.URL.Path), status, duration)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

// routeLabel collapses paths with embedded IDs so metric cardinality stays
// bounded.
func routeLabel(path string) string {
	switch {
	case path == "/healthz" || path == "/deployments" || path == "/ws/deployments":
		return path
	case strings.HasPrefix(path, "/deployments/templates"):
		return "/deployments/templates"
	case strings.HasPrefix(path, "/deployments/user/"):
		return "/deployments/user"
	case strings.HasPrefix(path, "/deployments/portfolio/"):
		return "/deployments/portfolio"
	case strings.HasPrefix(path, "/deployments/"):
		rest := strings.Trim(strings.TrimPrefix(path, "/deployments/"), "/")
		if idx := strings.IndexRune(rest, '/'); idx >= 0 {
			return "/deployments/{id}/" + rest[idx+1:]
		}
		return "/deployments/{id}"
	}
	return path
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(decision.remaining(limit)))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
