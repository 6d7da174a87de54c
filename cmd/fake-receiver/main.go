package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/logging"
)

const keepRequests = 100

// received is one request the receiver accepted or failed.
type received struct {
	Seq        int               `json:"seq"`
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Query      string            `json:"query,omitempty"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body,omitempty"`
	StatusCode int               `json:"status_code"`
	At         time.Time         `json:"at"`
}

// receiver is a stand-in API destination. It fails the first failFirstN
// calls with a 500, then answers 200, and keeps the most recent requests for
// inspection.
type receiver struct {
	failFirstN int
	delay      time.Duration
	logger     *logging.Logger

	mu   sync.Mutex
	seq  int
	reqs []received
}

func newReceiver(cfg config.FakeReceiver, logger *logging.Logger) *receiver {
	return &receiver{
		failFirstN: cfg.FailFirstN,
		delay:      time.Duration(cfg.ResponseDelayMS) * time.Millisecond,
		logger:     logger,
	}
}

func (rc *receiver) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	r.Get("/received", rc.list)
	r.Delete("/received", rc.reset)
	r.HandleFunc("/hook", rc.hook)
	r.HandleFunc("/hook/*", rc.hook)
	return r
}

func (rc *receiver) hook(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	defer r.Body.Close()

	if rc.delay > 0 {
		select {
		case <-time.After(rc.delay):
		case <-r.Context().Done():
			return
		}
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	rc.mu.Lock()
	rc.seq++
	seq := rc.seq
	code := http.StatusOK
	switch {
	case seq <= rc.failFirstN:
		code = http.StatusInternalServerError
	case r.URL.Query().Get("status") != "":
		// ?status=NNN forces a response code
		if n, err := strconv.Atoi(r.URL.Query().Get("status")); err == nil && n >= 100 && n < 600 {
			code = n
		}
	}
	rc.reqs = append(rc.reqs, received{
		Seq:        seq,
		Method:     r.Method,
		Path:       r.URL.Path,
		Query:      r.URL.RawQuery,
		Headers:    headers,
		Body:       string(b),
		StatusCode: code,
		At:         time.Now().UTC(),
	})
	if len(rc.reqs) > keepRequests {
		rc.reqs = rc.reqs[len(rc.reqs)-keepRequests:]
	}
	rc.mu.Unlock()

	entry := rc.logger.Plain().WithFields(map[string]any{
		"seq":         seq,
		"method":      r.Method,
		"path":        r.URL.Path,
		"status_code": code,
		"body_bytes":  len(b),
	})
	if code >= 300 {
		entry.Warn("fake-receiver answering with failure")
		http.Error(w, "temporary failure", code)
		return
	}
	entry.Info("fake-receiver OK")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"received":true}`))
}

func (rc *receiver) list(w http.ResponseWriter, _ *http.Request) {
	rc.mu.Lock()
	out := make([]received, len(rc.reqs))
	copy(out, rc.reqs)
	rc.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"requests": out})
}

// reset clears the history and the failure counter.
func (rc *receiver) reset(w http.ResponseWriter, _ *http.Request) {
	rc.mu.Lock()
	rc.seq = 0
	rc.reqs = nil
	rc.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func main() {
	cfg := config.FromEnv().FakeReceiver
	logger := logging.New("harborrelay-fake-receiver")
	rc := newReceiver(cfg, logger)

	srv := &http.Server{
		Addr:         cfg.Port,
		Handler:      rc.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		logger.Plain().WithField("addr", srv.Addr).WithField("fail_first_n", cfg.FailFirstN).Info("fake-receiver listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("fake-receiver failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
