package governor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-governance/pkg/audit"
	"github.com/polisai/polis-governance/pkg/authz"
	"github.com/polisai/polis-governance/pkg/domain"
)

// HeaderPrincipalID carries the identity of the caller of the audit endpoints.
const HeaderPrincipalID = "X-Principal-ID"

const maxRequestBytes = 1 << 20

// Error codes returned by the HTTP surface.
const (
	codeBadRequest       = "BAD_REQUEST"
	codeUnauthenticated  = "UNAUTHENTICATED"
	codeAuditUnavailable = "AUDIT_UNAVAILABLE"
	codeRateLimited      = "RATE_LIMITED"
	codeInternal         = "INTERNAL_ERROR"
)

type authorizeRequest struct {
	PrincipalID string         `json:"principal_id"`
	Resource    string         `json:"resource"`
	Action      string         `json:"action"`
	IP          string         `json:"ip,omitempty"`
	Time        *time.Time     `json:"time,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

type authorizeResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	Cached  bool   `json:"cached"`
}

type eventRequest struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Timestamp    time.Time      `json:"timestamp"`
	ActorID      string         `json:"actor_id"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Action       string         `json:"action"`
	Fields       map[string]any `json:"fields"`
}

type violationResponse struct {
	ID          string         `json:"id"`
	PolicyID    string         `json:"policy_id"`
	Version     int            `json:"policy_version"`
	Type        string         `json:"policy_type"`
	Severity    string         `json:"severity"`
	Enforcement string         `json:"enforcement"`
	Evidence    map[string]any `json:"evidence"`
	Resource    string         `json:"resource,omitempty"`
	Count       int            `json:"count"`
	Timestamp   time.Time      `json:"timestamp"`
}

type evaluationErrorResponse struct {
	PolicyID string `json:"policy_id"`
	Error    string `json:"error"`
	Timeout  bool   `json:"timeout"`
}

type eventResponse struct {
	EventID    string                    `json:"event_id"`
	Outcome    string                    `json:"outcome"`
	Evaluated  int                       `json:"evaluated"`
	Violations []violationResponse       `json:"violations"`
	Errors     []evaluationErrorResponse `json:"errors"`
}

type auditPageResponse struct {
	Events []any `json:"events"`
	Total  int   `json:"total"`
	Offset int   `json:"offset"`
	Limit  int   `json:"limit"`
}

type verifyResponse struct {
	Valid    bool   `json:"valid"`
	Events   uint64 `json:"events"`
	HeadHash string `json:"head_hash"`
	Sequence uint64 `json:"violation_sequence,omitempty"`
	Field    string `json:"violation_field,omitempty"`
}

// Handler returns the HTTP API of g.
func (g *Governor) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		ReferrerPolicy:        "no-referrer",
		ContentSecurityPolicy: "default-src 'none'",
	}).Handler)
	r.Use(g.observe)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		seq, _ := g.Head()
		g.writeJSON(r.Context(), w, http.StatusOK, map[string]any{"status": "ok", "sequence": seq})
	})
	r.Method(http.MethodGet, "/metrics", g.gauges.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/authorize", g.handleAuthorize)
		r.Post("/events", g.handleEvent)
		r.Route("/audit", func(r chi.Router) {
			r.Get("/", g.handleAuditQuery)
			r.Group(func(r chi.Router) {
				if limit := g.cfg.Server.AuditRateLimit; limit > 0 {
					r.Use(g.auditLimiter(limit))
				}
				r.Get("/export", g.handleAuditExport)
				r.Get("/report", g.handleComplianceReport)
				r.Get("/verify", g.handleVerify)
			})
		})
	})
	return r
}

// auditLimiter throttles the full-scan audit routes per caller, falling back
// to the client address for anonymous requests.
func (g *Governor) auditLimiter(limit int) func(http.Handler) http.Handler {
	return httprate.Limit(limit, time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if caller := strings.TrimSpace(r.Header.Get(HeaderPrincipalID)); caller != "" {
				return "principal:" + caller, nil
			}
			ip, err := httprate.KeyByIP(r)
			if err != nil {
				return "", err
			}
			return "ip:" + ip, nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			g.writeErrorResponse(r.Context(), w, http.StatusTooManyRequests, codeRateLimited, "audit rate limit exceeded")
		}),
	)
}

func (g *Governor) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req authorizeRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.writeErrorResponse(ctx, w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	if req.PrincipalID == "" || req.Action == "" {
		g.writeErrorResponse(ctx, w, http.StatusBadRequest, codeBadRequest, "principal_id and action are required")
		return
	}
	ref, err := domain.ParseResourceRef(req.Resource)
	if err != nil {
		g.writeErrorResponse(ctx, w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}

	env := authz.Env{IP: req.IP, Attributes: req.Attributes}
	if env.IP == "" {
		env.IP = clientIP(r)
	}
	if req.Time != nil {
		env.Time = *req.Time
	}

	// A failed lookup still yields a usable deny; only the decision is reported.
	decision, err := g.Authorize(ctx, req.PrincipalID, ref, req.Action, env)
	if err != nil {
		g.logger.Warn("authorization failed closed", "principal_id", req.PrincipalID, "resource", ref.String(), "error", err)
	}
	g.writeJSON(ctx, w, http.StatusOK, authorizeResponse{
		Allowed: decision.Allowed,
		Reason:  string(decision.Reason),
		Cached:  decision.Cached,
	})
}

func (g *Governor) handleEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req eventRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.writeErrorResponse(ctx, w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	if req.Type == "" {
		g.writeErrorResponse(ctx, w, http.StatusBadRequest, codeBadRequest, "type is required")
		return
	}

	report, err := g.EvaluateEvent(ctx, domain.Event{
		ID:           req.ID,
		Type:         req.Type,
		Timestamp:    req.Timestamp,
		ActorID:      req.ActorID,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Action:       req.Action,
		Fields:       req.Fields,
	})
	if err != nil {
		g.writeError(ctx, w, err)
		return
	}

	resp := eventResponse{
		EventID:    report.EventID,
		Outcome:    string(report.Outcome),
		Evaluated:  report.Evaluated,
		Violations: make([]violationResponse, 0, len(report.Violations)),
		Errors:     make([]evaluationErrorResponse, 0, len(report.Errors)),
	}
	for _, v := range report.Violations {
		vr := violationResponse{
			ID:          v.ID,
			PolicyID:    v.RuleID,
			Version:     v.PolicyVersion,
			Type:        string(v.PolicyType),
			Severity:    string(v.Severity),
			Enforcement: string(v.Enforcement),
			Evidence:    v.Evidence,
			Count:       v.Count,
			Timestamp:   v.Timestamp,
		}
		if !v.Resource.IsZero() {
			vr.Resource = v.Resource.String()
		}
		resp.Violations = append(resp.Violations, vr)
	}
	for _, e := range report.Errors {
		resp.Errors = append(resp.Errors, evaluationErrorResponse{
			PolicyID: e.PolicyID,
			Error:    e.Err.Error(),
			Timeout:  e.Timeout(),
		})
	}
	g.writeJSON(ctx, w, http.StatusOK, resp)
}

func (g *Governor) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := g.caller(w, r)
	if !ok {
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		g.writeErrorResponse(ctx, w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	page, err := parsePage(r)
	if err != nil {
		g.writeErrorResponse(ctx, w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}

	events, total, err := g.QueryAuditLog(ctx, caller, filter, page)
	if err != nil {
		g.writeError(ctx, w, err)
		return
	}

	page = page.Normalize()
	resp := auditPageResponse{Events: make([]any, 0, len(events)), Total: total, Offset: page.Offset, Limit: page.Limit}
	for _, e := range events {
		resp.Events = append(resp.Events, audit.Exported(e))
	}
	g.writeJSON(ctx, w, http.StatusOK, resp)
}

func (g *Governor) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := g.caller(w, r)
	if !ok {
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		g.writeErrorResponse(ctx, w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	format := r.URL.Query().Get("format")
	switch format {
	case "", audit.FormatJSON:
		format = audit.FormatJSON
	case audit.FormatCSV:
	default:
		g.writeErrorResponse(ctx, w, http.StatusBadRequest, codeBadRequest, fmt.Sprintf("unknown export format %q", format))
		return
	}

	contentType := "application/json"
	if format == audit.FormatCSV {
		contentType = "text/csv"
	}
	out := &exportWriter{w: w, contentType: contentType, filename: "audit." + format}
	err = g.ExportAuditLog(ctx, caller, out, filter, format)
	switch {
	case err == nil:
	case !out.started:
		g.writeError(ctx, w, err)
	default:
		// Headers are gone; the truncated body is the only signal left.
		g.logger.Error("audit export failed", "caller", caller, "error", err)
	}
}

// exportWriter commits the attachment headers on the first body write, so a
// denial before any output still gets a proper error response.
type exportWriter struct {
	w           http.ResponseWriter
	contentType string
	filename    string
	started     bool
}

func (e *exportWriter) Write(p []byte) (int, error) {
	if !e.started {
		e.started = true
		e.w.Header().Set("Content-Type", e.contentType)
		e.w.Header().Set("Content-Disposition", "attachment; filename="+e.filename)
	}
	return e.w.Write(p)
}

func (g *Governor) handleComplianceReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := g.caller(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	from, err := parseTime(q.Get("from"))
	if err != nil {
		g.writeErrorResponse(ctx, w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	to, err := parseTime(q.Get("to"))
	if err != nil {
		g.writeErrorResponse(ctx, w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	if to.IsZero() {
		to = g.clock.Now()
	}
	if from.IsZero() {
		from = to.Add(-24 * time.Hour)
	}

	report, err := g.ComplianceReport(ctx, caller, from, to)
	if err != nil {
		g.writeError(ctx, w, err)
		return
	}
	g.writeJSON(ctx, w, http.StatusOK, report)
}

func (g *Governor) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := g.caller(w, r)
	if !ok {
		return
	}
	result, err := g.Verify(ctx, caller)
	var violation *audit.ChainIntegrityViolation
	switch {
	case errors.As(err, &violation):
		g.writeJSON(ctx, w, http.StatusConflict, verifyResponse{
			Events:   result.Events,
			HeadHash: result.HeadHash,
			Sequence: violation.Sequence,
			Field:    violation.Field,
		})
	case err != nil:
		g.writeError(ctx, w, err)
	default:
		g.writeJSON(ctx, w, http.StatusOK, verifyResponse{Valid: true, Events: result.Events, HeadHash: result.HeadHash})
	}
}

func (g *Governor) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller := strings.TrimSpace(r.Header.Get(HeaderPrincipalID))
	if caller == "" {
		g.writeErrorResponse(r.Context(), w, http.StatusUnauthorized, codeUnauthenticated, HeaderPrincipalID+" header required")
		return "", false
	}
	return caller, true
}

// observe records request counts and latency by route pattern.
func (g *Governor) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		g.gauges.RecordHTTPRequest(r.Method, route, strconv.Itoa(status), time.Since(start).Seconds())
	})
}

// writeError maps a domain error to a status and code.
func (g *Governor) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrAuthorizationDenied):
		g.writeErrorResponse(ctx, w, http.StatusForbidden, domain.CodeDenied, err.Error())
	case errors.Is(err, domain.ErrLookupFailure):
		g.writeErrorResponse(ctx, w, http.StatusServiceUnavailable, domain.CodeLookupFailure, "governance data unavailable")
	case errors.Is(err, domain.ErrChainIntegrity):
		g.writeErrorResponse(ctx, w, http.StatusInternalServerError, domain.CodeIntegrityFailure, "audit chain integrity violation")
	case errors.Is(err, domain.ErrPipelineClosed), errors.Is(err, context.DeadlineExceeded):
		g.writeErrorResponse(ctx, w, http.StatusServiceUnavailable, codeAuditUnavailable, "audit trail unavailable")
	default:
		g.logger.Error("request failed", "error", err)
		g.writeErrorResponse(ctx, w, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

func (g *Governor) writeErrorResponse(ctx context.Context, w http.ResponseWriter, statusCode int, code, message string) {
	var traceID string
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		traceID = sc.TraceID().String()
	}
	g.writeJSON(ctx, w, statusCode, domain.ErrorResponse{Code: code, Message: message, TraceID: traceID})
}

func (g *Governor) writeJSON(_ context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func parseFilter(r *http.Request) (domain.AuditFilter, error) {
	q := r.URL.Query()
	filter := domain.AuditFilter{
		ActorID:      q.Get("actor_id"),
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
		EventType:    q.Get("event_type"),
		Result:       q.Get("result"),
		Severity:     domain.Severity(q.Get("severity")),
	}
	var err error
	if filter.From, err = parseTime(q.Get("from")); err != nil {
		return domain.AuditFilter{}, err
	}
	if filter.To, err = parseTime(q.Get("to")); err != nil {
		return domain.AuditFilter{}, err
	}
	return filter, nil
}

func parsePage(r *http.Request) (domain.Page, error) {
	q := r.URL.Query()
	var page domain.Page
	for name, dst := range map[string]*int{"offset": &page.Offset, "limit": &page.Limit} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return domain.Page{}, fmt.Errorf("invalid %s %q", name, raw)
		}
		*dst = n
	}
	return page, nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC3339", raw)
	}
	return t, nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
