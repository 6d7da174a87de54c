// Package httpapi exposes event intake, the delivery log and operator
// actions over HTTP.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/austindbirch/harbor_relay/internal/auth"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/dispatch"
	"github.com/austindbirch/harbor_relay/internal/endpoint"
	"github.com/austindbirch/harbor_relay/internal/event"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/router"
	"github.com/austindbirch/harbor_relay/internal/store"
)

const (
	maxBodyBytes    = 1 << 20
	defaultPageSize = 50
	maxPageSize     = 200
	defaultTimeout  = 60 * time.Second
)

// EventRouter is satisfied by *router.Router.
type EventRouter interface {
	Route(ctx context.Context, eventName string, data map[string]any) (router.Result, error)
}

// Operations are the dispatcher actions the API exposes.
// *dispatch.Dispatcher implements it.
type Operations interface {
	ManualRetry(ctx context.Context, logID string) (delivery.Entry, error)
	TestCall(ctx context.Context, req dispatch.TestRequest) (dispatch.TestResult, error)
	Stats(ctx context.Context) (delivery.Stats, error)
}

type Options struct {
	Router     EventRouter
	Operations Operations
	Logs       store.LogStore
	Configs    store.ConfigStore
	Catalog    *event.Registry
	// Auth is nil when authentication is disabled.
	Auth             *auth.JWTValidator
	Health           http.Handler
	Metrics          http.Handler
	TestCallsPerHour int
	RequestTimeout   time.Duration
	Logger           *logging.Logger
}

type server struct {
	Options
}

// NewHandler builds the API router.
func NewHandler(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = logging.New("harborrelay-api")
	}
	if opts.Catalog == nil {
		opts.Catalog = event.NewRegistry()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultTimeout
	}
	s := &server{Options: opts}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(opts.Logger))
	r.Use(middleware.Recoverer)

	if opts.Health != nil {
		r.Method(http.MethodGet, "/healthz", opts.Health)
	}
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(opts.RequestTimeout))
		if opts.Auth != nil {
			r.Use(opts.Auth.HTTPMiddleware)
		}

		r.With(auth.RequireScope(auth.ScopePublish)).Post("/events/{event_name}", s.publishEvent)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(auth.ScopeRead))
			r.Get("/logs", s.listLogs)
			r.Get("/logs/{id}", s.getLog)
			r.Get("/stats", s.stats)
			r.Get("/configs", s.listConfigs)
			r.Get("/events", s.listEvents)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(auth.ScopeOperate))
			r.Post("/logs/{id}/retry", s.retryLog)
			r.With(PerHour(opts.TestCallsPerHour)).Post("/test-call", s.testCall)
		})
	})
	return r
}

type errorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, errorResponse{Error: http.StatusText(code), Kind: kind, Message: msg})
}

// writeDomainError maps pipeline errors onto HTTP statuses.
func (s *server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *endpoint.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusUnprocessableEntity, string(verr.Kind), verr.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "delivery not found")
	case errors.Is(err, dispatch.ErrNotRetryable):
		writeError(w, http.StatusConflict, "not_retryable", err.Error())
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", "delivery is being attempted; try again shortly")
	case errors.Is(err, dispatch.ErrConfigNotFound), errors.Is(err, dispatch.ErrConfigInactive):
		writeError(w, http.StatusConflict, "configuration", err.Error())
	case errors.Is(err, dispatch.ErrDisabled):
		writeError(w, http.StatusServiceUnavailable, "disabled", err.Error())
	default:
		s.Logger.WithContext(r.Context()).WithError(err).WithField("path", r.URL.Path).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (s *server) publishEvent(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(chi.URLParam(r, "event_name"))
	if name == "" {
		writeError(w, http.StatusBadRequest, "invalid_event", "event name is required")
		return
	}
	data := map[string]any{}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "event body exceeds 1MB")
		return
	}
	if len(bytes.TrimSpace(body)) > 0 {
		// Numbers stay json.Number so large integer ids keep every digit.
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&data); err != nil || data == nil || dec.More() {
			writeError(w, http.StatusBadRequest, "invalid_body", "event body must be a JSON object")
			return
		}
	}

	res, err := s.Router.Route(r.Context(), name, data)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type logPage struct {
	Entries []delivery.Entry `json:"entries"`
	Total   int64            `json:"total"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
}

func (s *server) listLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := delivery.Filter{EventName: q.Get("event"), Limit: defaultPageSize}
	if v := q.Get("status"); v != "" {
		st, ok := delivery.ParseStatus(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_status", "unknown status "+strconv.Quote(v))
			return
		}
		f.Status = st
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit"), defaultPageSize, 1, maxPageSize); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}
	if f.Offset, err = intParam(q.Get("offset"), 0, 0, -1); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_offset", err.Error())
		return
	}

	entries, total, err := s.Logs.List(r.Context(), f)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if entries == nil {
		entries = []delivery.Entry{}
	}
	for i := range entries {
		entries[i].RequestHeaders = logging.MaskHeaders(entries[i].RequestHeaders)
	}
	writeJSON(w, http.StatusOK, logPage{Entries: entries, Total: total, Limit: f.Limit, Offset: f.Offset})
}

// intParam parses an optional integer query value. A negative max means no
// upper bound.
func intParam(raw string, def, min, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < min || (max >= 0 && n > max) {
		if max >= 0 {
			return 0, errors.New("must be an integer between " + strconv.Itoa(min) + " and " + strconv.Itoa(max))
		}
		return 0, errors.New("must be an integer of at least " + strconv.Itoa(min))
	}
	return n, nil
}

func (s *server) getLog(w http.ResponseWriter, r *http.Request) {
	e, err := s.Logs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	e.RequestHeaders = logging.MaskHeaders(e.RequestHeaders)
	writeJSON(w, http.StatusOK, e)
}

func (s *server) retryLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, err := s.Operations.ManualRetry(r.Context(), id)
	if err != nil {
		var perr *store.PersistenceError
		if e.ID != "" && errors.As(err, &perr) {
			s.Logger.WithContext(r.Context()).WithDelivery(id).WithError(err).Error("manual retry outcome not recorded")
		}
		s.writeDomainError(w, r, err)
		return
	}
	s.Logger.WithContext(r.Context()).WithDelivery(id).WithFields(map[string]any{
		"status":  string(e.Status),
		"attempt": e.AttemptCount,
		"by":      auth.Subject(r.Context(), "anonymous"),
	}).Info("manual retry finished")
	e.RequestHeaders = logging.MaskHeaders(e.RequestHeaders)
	writeJSON(w, http.StatusOK, e)
}

func (s *server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Operations.Stats(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *server) listConfigs(w http.ResponseWriter, r *http.Request) {
	cfgs, err := s.Configs.List(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if cfgs == nil {
		cfgs = []delivery.Configuration{}
	}
	for i := range cfgs {
		cfgs[i].Headers = logging.MaskHeaders(cfgs[i].Headers)
	}
	writeJSON(w, http.StatusOK, map[string]any{"configurations": cfgs})
}

func (s *server) listEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"events": s.Catalog.All()})
}

func (s *server) testCall(w http.ResponseWriter, r *http.Request) {
	var req dispatch.TestRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "test call body must be a JSON object: "+err.Error())
		return
	}
	res, err := s.Operations.TestCall(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// requestLogger writes one log line per request.
func requestLogger(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
				return
			}
			logger.WithContext(r.Context()).WithFields(map[string]any{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			}).Info("http request")
		})
	}
}
