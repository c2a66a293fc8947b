// Package httpapi implements the HTTP gateway for Ngome.
//
// It exposes stored outputs, background jobs, and pending permission
// approvals over a small authenticated REST surface, plus the usual
// unauthenticated observability endpoints (/healthz, /readyz, /metrics).
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Output names validated against path traversal
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/ngome/internal/jobs"
	"github.com/jkaninda/ngome/internal/observability"
	"github.com/jkaninda/ngome/internal/output"
	"github.com/jkaninda/ngome/internal/permission"
	"github.com/jkaninda/ngome/internal/ratelimit"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

const defaultListLimit = 100

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP gateway.
type Config struct {
	ListenAddr string // e.g., ":8080"
	EnableDocs bool
	APIKeys    map[string]string  // API key to user ID mapping. Keys from env.
	Limiter    *ratelimit.Limiter // nil = no rate limiting.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP gateway.
type Gateway struct {
	config Config
	store  *output.Store
	index  *output.Index       // nil = listing disabled.
	jobs   *jobs.Registry      // nil = job endpoints disabled.
	broker *permission.Broker  // nil = approval endpoints disabled.
	logger *slog.Logger
	server *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., the WebSocket
	// approver endpoint).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP gateway.
func NewGateway(cfg Config, store *output.Store, index *output.Index, registry *jobs.Registry, broker *permission.Broker, logger *slog.Logger) *Gateway {
	return &Gateway{
		config: cfg,
		store:  store,
		index:  index,
		jobs:   registry,
		broker: broker,
		logger: logger,
		okapi:  okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithHandler mounts an additional handler on the HTTP mux at the given
// pattern. Used to add the WebSocket approver endpoint alongside the API
// routes.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// WithOpenAPIDocs enables the generated OpenAPI documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Ngome",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is
// canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Authenticated /v1 group, with metrics/tracing applied per request.
	middlewares := []okapi.Middleware{}
	if g.config.Metrics != nil || g.config.Tracer != nil {
		middlewares = append(middlewares, observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}
	middlewares = append(middlewares, g.authenticate)
	g.group = g.okapi.Group("/v1", middlewares...)

	// Output endpoints.
	g.group.Get("/outputs", g.handleOutputList,
		okapi.DocSummary("List stored command outputs"),
		okapi.DocTags("Outputs"),
		okapi.DocResponse([]OutputRecord{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Get("/outputs/{name}", g.handleOutputGet,
		okapi.DocSummary("Fetch a stored output file"),
		okapi.DocTags("Outputs"),
		okapi.DocPathParam("name", "string", "Output file name, e.g. bold-wave-42.txt"),
		okapi.DocResponse(OutputContent{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Job endpoints.
	if g.jobs != nil {
		g.group.Get("/jobs", g.handleJobList,
			okapi.DocSummary("List background jobs"),
			okapi.DocTags("Jobs"),
			okapi.DocResponse([]JobResponse{}),
		)
		g.group.Get("/jobs/{id}", g.handleJobGet,
			okapi.DocSummary("Get a background job by task ID"),
			okapi.DocTags("Jobs"),
			okapi.DocPathParam("id", "string", "Task ID"),
			okapi.DocResponse(JobResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	// Approval endpoints.
	if g.broker != nil {
		g.group.Get("/approvals", g.handleApprovalList,
			okapi.DocSummary("List pending permission requests"),
			okapi.DocTags("Approvals"),
			okapi.DocResponse([]permission.Request{}),
		)
		g.group.Get("/approvals/{id}", g.handleApprovalGet,
			okapi.DocSummary("Get a permission request by ID"),
			okapi.DocTags("Approvals"),
			okapi.DocPathParam("id", "string", "Approval ID"),
			okapi.DocResponse(permission.Request{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
		g.group.Post("/approvals/{id}", g.handleApprovalResolve,
			okapi.DocSummary("Approve or deny a pending permission request"),
			okapi.DocTags("Approvals"),
			okapi.DocPathParam("id", "string", "Approval ID"),
			okapi.DocRequestBody(ApprovalDecision{}),
			okapi.DocResponse(ApprovalResult{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
			okapi.DocResponse(http.StatusConflict, ErrorBody{}),
			okapi.DocResponse(http.StatusGone, ErrorBody{}),
			okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		)
	}

	g.group.Get("/healthz", g.handleHealth,
		okapi.DocSummary("Authenticated health check"),
		okapi.DocTags("Health"),
		okapi.DocResponse(HealthResponse{}),
	)

	// Extra handlers (e.g., WebSocket approver endpoint).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Output handlers ---

// OutputRecord is one indexed output file in listing responses.
type OutputRecord struct {
	URL       string    `json:"url"`
	Format    string    `json:"format"`
	SizeBytes int64     `json:"size_bytes"`
	Lines     int       `json:"lines"`
	TaskID    string    `json:"task_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// OutputContent is the JSON response for GET /v1/outputs/{name}.
// Text payloads are returned verbatim, binary payloads base64-encoded.
type OutputContent struct {
	URL       string `json:"url"`
	Format    string `json:"format,omitempty"`
	SizeBytes int64  `json:"size_bytes"`
	Encoding  string `json:"encoding"` // "utf-8" or "base64"
	Content   string `json:"content"`
}

func (g *Gateway) handleOutputList(c *okapi.Context) error {
	if g.index == nil {
		return c.AbortServiceUnavailable("output index not configured")
	}

	limit := defaultListLimit
	if raw := c.Request().URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return c.AbortBadRequest("limit must be a positive integer")
		}
		limit = n
	}

	records, err := g.index.List(c.Context(), limit)
	if err != nil {
		g.logger.Error("output listing failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing outputs failed")
	}

	resp := make([]OutputRecord, len(records))
	for i, rec := range records {
		resp[i] = OutputRecord{
			URL:       rec.URL,
			Format:    rec.Format,
			SizeBytes: rec.SizeBytes,
			Lines:     rec.Lines,
			TaskID:    rec.TaskID,
			CreatedAt: rec.CreatedAt,
		}
	}
	return c.OK(resp)
}

func (g *Gateway) handleOutputGet(c *okapi.Context) error {
	name := c.Param("name")
	if name == "" || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return c.AbortBadRequest("invalid output name")
	}

	url := "outputs/" + name
	data, err := g.store.Read(url)
	if err != nil {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "output not found"})
	}

	resp := OutputContent{
		URL:       url,
		SizeBytes: int64(len(data)),
	}
	if g.index != nil {
		if rec, err := g.index.Get(c.Context(), url); err == nil {
			resp.Format = rec.Format
		}
	}
	if utf8.Valid(data) {
		resp.Encoding = "utf-8"
		resp.Content = string(data)
	} else {
		resp.Encoding = "base64"
		resp.Content = base64.StdEncoding.EncodeToString(data)
	}
	return c.OK(resp)
}

// --- Job handlers ---

// JobResponse is one background job in listing responses.
type JobResponse struct {
	TaskID     string    `json:"task_id"`
	PID        int       `json:"pid"`
	Script     string    `json:"script"`
	Mode       string    `json:"mode"`
	Status     string    `json:"status"`
	ExitCode   int       `json:"exit_code"`
	Error      string    `json:"error,omitempty"`
	OutputPath string    `json:"output_path,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

func jobResponse(s jobs.Summary) JobResponse {
	return JobResponse{
		TaskID:     s.TaskID,
		PID:        s.PID,
		Script:     s.Script,
		Mode:       s.Mode,
		Status:     string(s.Status),
		ExitCode:   s.ExitCode,
		Error:      s.Error,
		OutputPath: s.OutputPath,
		StartedAt:  s.StartedAt,
	}
}

func (g *Gateway) handleJobList(c *okapi.Context) error {
	summaries := g.jobs.List()
	resp := make([]JobResponse, len(summaries))
	for i, s := range summaries {
		resp[i] = jobResponse(s)
	}
	return c.OK(resp)
}

func (g *Gateway) handleJobGet(c *okapi.Context) error {
	summary, ok := g.jobs.Get(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "job not found"})
	}
	return c.OK(jobResponse(summary))
}

// --- Approval handlers ---

// ApprovalDecision is the JSON body for POST /v1/approvals/{id}.
type ApprovalDecision struct {
	Decision   string `json:"decision"`              // "approve" or "deny"
	ResolvedBy string `json:"resolved_by,omitempty"` // Defaults to the authenticated user.
}

// ApprovalResult is the JSON response after resolving an approval.
type ApprovalResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (g *Gateway) handleApprovalList(c *okapi.Context) error {
	return c.OK(g.broker.Pending())
}

func (g *Gateway) handleApprovalGet(c *okapi.Context) error {
	req, err := g.broker.Get(c.Param("id"))
	if err != nil {
		return approvalError(c, err)
	}
	return c.OK(req)
}

func (g *Gateway) handleApprovalResolve(c *okapi.Context) error {
	id := c.Param("id")
	if id == "" {
		return c.AbortBadRequest("approval id is required")
	}

	if g.config.Limiter != nil {
		if err := g.config.Limiter.Allow(c.GetString("userID")); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req ApprovalDecision
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Decision != "approve" && req.Decision != "deny" {
		return c.AbortBadRequest("decision must be \"approve\" or \"deny\"")
	}

	resolvedBy := req.ResolvedBy
	if resolvedBy == "" {
		resolvedBy = c.GetString("userID")
	}

	g.logger.Info("http approval",
		slog.String("approval_id", id),
		slog.String("decision", req.Decision),
		slog.String("resolved_by", resolvedBy),
	)

	if req.Decision == "deny" {
		if err := g.broker.Deny(id, resolvedBy); err != nil {
			return approvalError(c, err)
		}
		return c.OK(ApprovalResult{ID: id, Status: "denied"})
	}

	if err := g.broker.Approve(id, resolvedBy); err != nil {
		return approvalError(c, err)
	}
	return c.OK(ApprovalResult{ID: id, Status: "approved"})
}

// --- Health handlers ---

// HealthResponse is the JSON response for the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleHealth(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped user ID on the
// request context. An empty key map means local single-user mode and
// accepts every request.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			c.Set("userID", "local")
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		userID := ""
		for key, mapped := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				userID = mapped
			}
		}
		if userID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("userID", userID)
		return next(c)
	}
}

// --- Helpers ---

// approvalError maps broker errors to appropriate HTTP responses.
func approvalError(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, permission.ErrNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": "approval not found"})
	case errors.Is(err, permission.ErrExpired):
		return c.JSON(http.StatusGone, okapi.M{"error": "approval expired"})
	case errors.Is(err, permission.ErrAlreadyResolved):
		return c.JSON(http.StatusConflict, okapi.M{"error": "approval already resolved"})
	default:
		return c.AbortInternalServerError("approval error")
	}
}
