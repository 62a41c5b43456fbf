package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/mixsignal/internal/model"
	"github.com/sells-group/mixsignal/internal/service"
)

const (
	correlationHeader = "X-Correlation-ID"
	codeRateLimited   = "rate_limited"
	maxBodyBytes      = 1 << 20
)

// routerOptions configures buildRouter.
type routerOptions struct {
	APIKey      string
	CORSOrigins []string
	TriggerRate rate.Limit
	Registry    *prometheus.Registry
}

// api binds HTTP handlers to the service.
type api struct {
	svc *service.Service
}

// buildRouter wires every route and middleware over svc.
func buildRouter(svc *service.Service, opts routerOptions) http.Handler {
	a := &api{svc: svc}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(correlationID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", correlationHeader},
		ExposedHeaders: []string{correlationHeader, middleware.RequestIDHeader},
		MaxAge:         300,
	}))

	r.Get("/health", a.health)
	if opts.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{}))
	}

	limit := opts.TriggerRate
	if limit == 0 {
		limit = rate.Inf
	}
	trigger := triggerLimiter(rate.NewLimiter(limit, 1))

	r.Group(func(r chi.Router) {
		r.Use(apiKeyAuth(opts.APIKey))

		r.With(trigger).Post("/run", a.run)
		r.With(trigger).Post("/run/sync", a.runSync)
		r.Get("/run/{id}", a.runStatus)
		r.Delete("/run/{id}", a.cancelRun)
		r.Get("/runs", a.listRuns)

		r.Get("/mmm/status", a.mmmStatus)
		r.Get("/mmm/results", a.mmmResults)
		r.Get("/mmm/diagnostics", a.mmmDiagnostics)
		r.Get("/mta/diagnostics", a.mtaDiagnostics)
		r.Get("/model-info", a.modelInfo)
		r.Get("/metrics/unified", a.unifiedMetrics)

		r.Get("/decisions", a.decisions)
		r.Get("/decisions/summary", a.decisionSummary)
		r.Patch("/decisions/{id}", a.updateDecision)

		r.Get("/reconciliation", a.reconciliation)
		r.Post("/optimizer/budget", a.optimizeBudget)
		r.Post("/simulate", a.simulate)

		r.Get("/events/pipeline", a.events)
	})

	return r
}

// -- middleware --

// correlationID echoes the caller's correlation id, or the request id when
// none was sent.
func correlationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlationHeader)
		if id == "" {
			id = middleware.GetReqID(r.Context())
		}
		w.Header().Set(correlationHeader, id)
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("correlation_id", ww.Header().Get(correlationHeader)),
			zap.Duration("latency", time.Since(start)),
		)
	})
}

// apiKeyAuth accepts the key as X-API-Key or a Bearer token. An empty key
// disables the check.
func apiKeyAuth(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-API-Key")
			if got == "" {
				got = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: "missing or invalid api key"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func triggerLimiter(l *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow() {
				writeJSON(w, http.StatusTooManyRequests, errorBody{Error: codeRateLimited, Message: "too many run triggers"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// -- responses --

type errorBody struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Run     *model.RunContext `json:"run,omitempty"`
}

// statusFor maps a stable error code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case model.CodeInsufficientData, model.CodeDataIntegrity, model.CodeOptimizationInfeasible:
		return http.StatusUnprocessableEntity
	case model.CodeAlreadyRunning:
		return http.StatusConflict
	case model.CodeInvalidInput:
		return http.StatusBadRequest
	case model.CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error, run *model.RunContext) {
	code := model.ErrorCode(err)
	status := statusFor(code)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		zap.L().Error("http: request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: code, Message: msg, Run: run})
}

// decodeBody reads an optional JSON body into v. An empty body leaves v
// unchanged.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return model.NewInvalidInput("invalid request body: %v", err)
	}
	return nil
}

func queryDate(r *http.Request, name string) (time.Time, error) {
	t, err := parseDate(name, r.URL.Query().Get(name))
	if err != nil || t == nil {
		return time.Time{}, err
	}
	return *t, nil
}

// runBody is the JSON body of the run triggers.
type runBody struct {
	Seed    *uint64 `json:"seed"`
	Start   string  `json:"start"`
	End     string  `json:"end"`
	MTAMode string  `json:"mta_mode"`
}

func (b runBody) request() (service.RunRequest, error) {
	req := service.RunRequest{Seed: b.Seed, MTAMode: model.MTAMode(b.MTAMode)}
	var err error
	if req.Start, err = parseDate("start", b.Start); err != nil {
		return req, err
	}
	req.End, err = parseDate("end", b.End)
	return req, err
}

func decodeRunRequest(r *http.Request) (service.RunRequest, error) {
	var body runBody
	if err := decodeBody(r, &body); err != nil {
		return service.RunRequest{}, err
	}
	return body.request()
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, model.NewInvalidInput("%s %q is not a non-negative integer", name, v)
	}
	return n, nil
}

// -- handlers --

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	h := a.svc.Health(r.Context())
	status := http.StatusOK
	if h.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (a *api) run(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRunRequest(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	rc, err := a.svc.Run(r.Context(), req)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusAccepted, rc)
}

func (a *api) runSync(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRunRequest(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	rc, err := a.svc.RunSync(r.Context(), req)
	if err != nil {
		writeError(w, r, err, rc)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

func (a *api) runStatus(w http.ResponseWriter, r *http.Request) {
	rc, err := a.svc.RunStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

func (a *api) cancelRun(w http.ResponseWriter, r *http.Request) {
	rc, err := a.svc.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

func (a *api) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	runs, err := a.svc.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *api) mmmStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.svc.MMMStatus(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *api) mmmResults(w http.ResponseWriter, r *http.Request) {
	results, err := a.svc.MMMResults(r.Context(), r.URL.Query().Get("run_id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (a *api) mmmDiagnostics(w http.ResponseWriter, r *http.Request) {
	d, err := a.svc.MMMDiagnostics(r.Context(), r.URL.Query().Get("run_id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *api) mtaDiagnostics(w http.ResponseWriter, r *http.Request) {
	d, err := a.svc.MTADiagnostics(r.Context(), r.URL.Query().Get("run_id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *api) modelInfo(w http.ResponseWriter, r *http.Request) {
	info, err := a.svc.ModelInfo(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *api) unifiedMetrics(w http.ResponseWriter, r *http.Request) {
	start, err := queryDate(r, "start")
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	end, err := queryDate(r, "end")
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	rows, err := a.svc.UnifiedMetrics(r.Context(), start, end, r.URL.Query().Get("channel"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (a *api) decisions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	out, err := a.svc.Decisions(r.Context(), q.Get("status"), q.Get("run_id"), limit)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) decisionSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := a.svc.DecisionSummary(r.Context(), r.URL.Query().Get("run_id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *api) updateDecision(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	d, err := a.svc.UpdateDecisionStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *api) reconciliation(w http.ResponseWriter, r *http.Request) {
	start, err := queryDate(r, "start")
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	end, err := queryDate(r, "end")
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	report, err := a.svc.Reconciliation(r.Context(), start, end)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *api) optimizeBudget(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TotalBudget float64 `json:"total_budget"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	alloc, err := a.svc.OptimizeBudget(r.Context(), req.TotalBudget)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, alloc)
}

func (a *api) simulate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SpendDeltas map[string]float64 `json:"spend_deltas"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	sim, err := a.svc.Simulate(r.Context(), req.SpendDeltas)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, sim)
}

// events streams terminal run events as server-sent events until the
// client disconnects.
func (a *api) events(w http.ResponseWriter, r *http.Request) {
	orch := a.svc.Orchestrator()
	if orch == nil {
		writeError(w, r, model.NewInvalidInput("event stream is not available in this mode"), nil)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, errors.New("streaming unsupported"), nil)
		return
	}

	events, unsubscribe := orch.Broker().Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", ev.Event, ev.RunID, data)
			flusher.Flush()
		}
	}
}
