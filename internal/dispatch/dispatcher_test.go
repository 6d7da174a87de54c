package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/endpoint"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/store"
	"github.com/austindbirch/harbor_relay/internal/store/memory"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeResponse struct {
	status int
	body   string
	err    error
}

// fakeSender answers with the queued responses, repeating the last one.
type fakeSender struct {
	mu        sync.Mutex
	responses []fakeResponse
	requests  []Request
}

func (s *fakeSender) Send(_ context.Context, r Request) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, r)
	resp := fakeResponse{status: http.StatusOK}
	if len(s.responses) > 0 {
		resp = s.responses[0]
		if len(s.responses) > 1 {
			s.responses = s.responses[1:]
		}
	}
	if resp.err != nil {
		return Response{}, &TransportError{Err: resp.err}
	}
	return Response{StatusCode: resp.status, Body: resp.body, Duration: time.Millisecond}, nil
}

func (s *fakeSender) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type scheduled struct {
	task  delivery.RetryTask
	delay time.Duration
}

type fakeScheduler struct {
	mu    sync.Mutex
	tasks []scheduled
	err   error
}

func (s *fakeScheduler) ScheduleRetry(_ context.Context, task delivery.RetryTask, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.tasks = append(s.tasks, scheduled{task: task, delay: delay})
	return nil
}

type fakeFailures struct {
	mu      sync.Mutex
	notices []delivery.FailureNotice
}

func (f *fakeFailures) PublishFailure(_ context.Context, n delivery.FailureNotice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, n)
	return nil
}

type harness struct {
	d        *Dispatcher
	store    *memory.Store
	sender   *fakeSender
	sched    *fakeScheduler
	failures *fakeFailures
	clock    *testClock
}

func newHarness(t *testing.T, mutate func(*config.Settings), responses ...fakeResponse) *harness {
	t.Helper()
	settings := config.DefaultSettings()
	settings.SiteURL = "https://site.example"
	settings.SiteName = "Example"
	if mutate != nil {
		mutate(&settings)
	}

	h := &harness{
		store:    memory.New(),
		sender:   &fakeSender{responses: responses},
		sched:    &fakeScheduler{},
		failures: &fakeFailures{},
		clock:    &testClock{t: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)},
	}
	h.store.SetClock(h.clock.Now)
	h.d = New(Options{
		Configs:   h.store.Configs(),
		Logs:      h.store.Logs(),
		Settings:  settings,
		Sender:    h.sender,
		Scheduler: h.sched,
		Failures:  h.failures,
		Logger:    logging.NewWithWriter("dispatch-test", io.Discard, logging.LevelDebug),
		Version:   "1.2.3",
		Now:       h.clock.Now,
	})
	return h
}

func (h *harness) config(t *testing.T, cfg delivery.Configuration) delivery.Configuration {
	t.Helper()
	if cfg.EventName == "" {
		cfg.EventName = "user_register"
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = "https://api.example.com/webhook"
	}
	if cfg.HTTPMethod == "" {
		cfg.HTTPMethod = "POST"
	}
	cfg.IsActive = true
	saved, err := h.store.Configs().Upsert(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	return saved
}

func (h *harness) entry(t *testing.T, id string) delivery.Entry {
	t.Helper()
	e, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return e
}

func TestStartDelivery_Success(t *testing.T) {
	h := newHarness(t, nil, fakeResponse{status: 201, body: `{"ok":true}`})
	cfg := h.config(t, delivery.Configuration{
		PayloadTemplate: `{"email":"{{user_email}}","site":"{{site_name}}"}`,
		Headers:         map[string]string{"X-Api-Key": "k1", "content-type": "application/vnd.api+json"},
	})

	e, err := h.d.StartDelivery(context.Background(), cfg, map[string]any{"user_email": "a@b.com"})
	if err != nil {
		t.Fatalf("StartDelivery() error = %v", err)
	}
	if e.Status != delivery.StatusSuccess || e.AttemptCount != 1 {
		t.Errorf("entry = status %q attempt %d, want success/1", e.Status, e.AttemptCount)
	}
	if e.ResponseCode != 201 || e.ResponseBody != `{"ok":true}` {
		t.Errorf("response = %d %q", e.ResponseCode, e.ResponseBody)
	}
	if e.ClaimToken != "" || e.ClaimedAt != nil {
		t.Errorf("claim not cleared: %q %v", e.ClaimToken, e.ClaimedAt)
	}
	if e.RequestData != `{"email":"a@b.com","site":"Example"}` {
		t.Errorf("RequestData = %q", e.RequestData)
	}

	if h.sender.calls() != 1 {
		t.Fatalf("sender calls = %d, want 1", h.sender.calls())
	}
	req := h.sender.requests[0]
	if req.Method != "POST" || req.Body != e.RequestData {
		t.Errorf("request = %s %q", req.Method, req.Body)
	}
	if req.Headers["User-Agent"] != "HarborRelay/1.2.3; https://site.example" {
		t.Errorf("User-Agent = %q", req.Headers["User-Agent"])
	}
	if req.Headers["content-type"] != "application/vnd.api+json" {
		t.Errorf("configured content-type not applied: %v", req.Headers)
	}
	if _, ok := req.Headers["Content-Type"]; ok {
		t.Errorf("default Content-Type kept alongside configured one: %v", req.Headers)
	}
	if len(h.sched.tasks) != 0 {
		t.Errorf("scheduled %d retries after success", len(h.sched.tasks))
	}
}

func TestStartDelivery_Rejected(t *testing.T) {
	tests := []struct {
		name     string
		cfg      delivery.Configuration
		wantKind endpoint.Kind
	}{
		{
			name:     "localhost",
			cfg:      delivery.Configuration{APIEndpoint: "http://localhost/x"},
			wantKind: endpoint.KindBlockedHost,
		},
		{
			name:     "database port",
			cfg:      delivery.Configuration{APIEndpoint: "https://api.example.com:5432/x"},
			wantKind: endpoint.KindBlockedPort,
		},
		{
			name: "authorization header",
			cfg: delivery.Configuration{
				Headers: map[string]string{"authorization": "Bearer x"},
			},
			wantKind: endpoint.KindDangerousHeader,
		},
		{
			name:     "bad method",
			cfg:      delivery.Configuration{HTTPMethod: "TRACE"},
			wantKind: endpoint.KindInvalidMethod,
		},
		{
			name:     "dangerous template stored without normalizing",
			cfg:      delivery.Configuration{PayloadTemplate: `{"cmd":"{{exec}}"}`},
			wantKind: endpoint.KindDangerousTemplate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			cfg := h.config(t, tt.cfg)

			_, err := h.d.StartDelivery(context.Background(), cfg, map[string]any{})
			var verr *endpoint.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("StartDelivery() error = %v, want ValidationError", err)
			}
			if verr.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", verr.Kind, tt.wantKind)
			}
			if _, total, _ := h.store.List(context.Background(), delivery.Filter{}); total != 0 {
				t.Errorf("rejected delivery created %d log entries", total)
			}
			if h.sender.calls() != 0 {
				t.Errorf("rejected delivery was sent")
			}
		})
	}
}

func TestStartDelivery_Disabled(t *testing.T) {
	h := newHarness(t, func(s *config.Settings) { s.Enabled = false })
	// An invalid endpoint shows the kill switch wins over validation.
	cfg := h.config(t, delivery.Configuration{APIEndpoint: "http://localhost/x"})

	_, err := h.d.StartDelivery(context.Background(), cfg, nil)
	if !errors.Is(err, ErrDisabled) {
		t.Fatalf("StartDelivery() error = %v, want ErrDisabled", err)
	}
	if h.sender.calls() != 0 {
		t.Error("disabled dispatcher sent a request")
	}
}

func TestRetryCycle_ReachesCeiling(t *testing.T) {
	h := newHarness(t, nil, fakeResponse{status: 500, body: "boom"})
	cfg := h.config(t, delivery.Configuration{PayloadTemplate: "{{user_email}}", RetryAttempts: 2})
	ctx := context.Background()

	e, err := h.d.StartDelivery(ctx, cfg, map[string]any{"user_email": "a@b.com"})
	if err != nil {
		t.Fatalf("StartDelivery() error = %v", err)
	}
	if e.Status != delivery.StatusRetryPending || e.AttemptCount != 1 {
		t.Fatalf("after first attempt: status %q attempt %d, want retry_pending/1", e.Status, e.AttemptCount)
	}
	if e.RequestData != `{"data":"a@b.com"}` {
		t.Errorf("RequestData = %q, want wrapped free text", e.RequestData)
	}
	if e.ErrorMessage != "HTTP 500: boom" || e.ResponseCode != 500 {
		t.Errorf("error = %q code %d", e.ErrorMessage, e.ResponseCode)
	}
	if len(h.sched.tasks) != 1 {
		t.Fatalf("scheduled %d retries, want 1", len(h.sched.tasks))
	}
	task := h.sched.tasks[0]
	if task.task.LogID != e.ID || task.task.Attempt != 1 || task.delay != config.DefaultRetryDelay {
		t.Errorf("scheduled task = %+v delay %v", task.task, task.delay)
	}

	// The ceiling is inclusive: the second failed send of two allowed ends
	// the entry at once rather than parking it for the sweep.
	e, err = h.d.HandleRetryTask(ctx, task.task)
	if err != nil {
		t.Fatalf("HandleRetryTask() error = %v", err)
	}
	if e.Status != delivery.StatusFailed || e.AttemptCount != 2 {
		t.Fatalf("after second attempt: status %q attempt %d, want failed/2", e.Status, e.AttemptCount)
	}
	if len(h.sched.tasks) != 1 {
		t.Errorf("terminal failure scheduled another retry")
	}
	if len(h.failures.notices) != 1 || h.failures.notices[0].Reason != "http_5xx" {
		t.Errorf("failure notices = %+v", h.failures.notices)
	}

	// Terminal entries are left alone by the automatic path.
	if _, err := h.d.RetryDelivery(ctx, e.ID); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("RetryDelivery(failed) error = %v, want ErrNotRetryable", err)
	}
	if got := h.entry(t, e.ID); got.AttemptCount != 2 || got.Status != delivery.StatusFailed {
		t.Errorf("terminal entry changed: %+v", got)
	}
	if h.sender.calls() != 2 {
		t.Errorf("sender calls = %d, want 2", h.sender.calls())
	}
}

func TestRetry_SucceedsOnSecondAttempt(t *testing.T) {
	h := newHarness(t, nil, fakeResponse{err: errors.New("dial tcp: connection refused")}, fakeResponse{status: 200})
	cfg := h.config(t, delivery.Configuration{})
	ctx := context.Background()

	e, _ := h.d.StartDelivery(ctx, cfg, map[string]any{"id": 1})
	if e.Status != delivery.StatusRetryPending || e.ResponseCode != 0 {
		t.Fatalf("after transport error: %+v", e)
	}
	if !strings.Contains(e.ErrorMessage, "connection refused") {
		t.Errorf("ErrorMessage = %q", e.ErrorMessage)
	}

	e, err := h.d.RetryDelivery(ctx, e.ID)
	if err != nil {
		t.Fatalf("RetryDelivery() error = %v", err)
	}
	if e.Status != delivery.StatusSuccess || e.AttemptCount != 2 || e.ErrorMessage != "" {
		t.Errorf("after retry: status %q attempt %d error %q", e.Status, e.AttemptCount, e.ErrorMessage)
	}
	if h.sender.requests[1].Body != h.sender.requests[0].Body {
		t.Errorf("retry body %q differs from first %q", h.sender.requests[1].Body, h.sender.requests[0].Body)
	}
}

func TestHandleRetryTask_Stale(t *testing.T) {
	h := newHarness(t, nil, fakeResponse{status: 503})
	cfg := h.config(t, delivery.Configuration{RetryAttempts: 5})
	ctx := context.Background()

	e, _ := h.d.StartDelivery(ctx, cfg, nil)
	if _, err := h.d.RetryDelivery(ctx, e.ID); err != nil {
		t.Fatalf("RetryDelivery() error = %v", err)
	}
	calls := h.sender.calls()

	// The first task names attempt 1 but the entry is at attempt 2 now.
	_, err := h.d.HandleRetryTask(ctx, h.sched.tasks[0].task)
	if !errors.Is(err, ErrStaleTask) {
		t.Errorf("HandleRetryTask(stale) error = %v, want ErrStaleTask", err)
	}
	if h.sender.calls() != calls {
		t.Error("stale task sent a request")
	}
}

// blockingSender holds every call until release is closed.
type blockingSender struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	mu      sync.Mutex
	n       int
}

func (s *blockingSender) Send(ctx context.Context, r Request) (Response, error) {
	s.mu.Lock()
	s.n++
	s.mu.Unlock()
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return Response{StatusCode: 200}, nil
}

func TestRetry_SingleAttemptAtATime(t *testing.T) {
	h := newHarness(t, nil, fakeResponse{status: 500})
	cfg := h.config(t, delivery.Configuration{RetryAttempts: 5})
	ctx := context.Background()
	e, _ := h.d.StartDelivery(ctx, cfg, nil)

	bs := &blockingSender{entered: make(chan struct{}), release: make(chan struct{})}
	h.d.sender = bs

	done := make(chan error, 1)
	go func() {
		_, err := h.d.RetryDelivery(ctx, e.ID)
		done <- err
	}()
	<-bs.entered

	if got := h.entry(t, e.ID); got.Status != delivery.StatusInFlight {
		t.Errorf("status during attempt = %q, want in_flight", got.Status)
	}
	if _, err := h.d.RetryDelivery(ctx, e.ID); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("concurrent RetryDelivery() error = %v, want ErrNotRetryable", err)
	}
	if _, err := h.d.ManualRetry(ctx, e.ID); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("ManualRetry(in_flight) error = %v, want ErrNotRetryable", err)
	}

	close(bs.release)
	if err := <-done; err != nil {
		t.Fatalf("RetryDelivery() error = %v", err)
	}
	if bs.n != 1 {
		t.Errorf("sends = %d, want 1", bs.n)
	}
	if got := h.entry(t, e.ID); got.Status != delivery.StatusSuccess || got.AttemptCount != 2 {
		t.Errorf("final = %q/%d, want success/2", got.Status, got.AttemptCount)
	}
}

func TestRetry_ConfigDeleted(t *testing.T) {
	h := newHarness(t, nil, fakeResponse{status: 500})
	cfg := h.config(t, delivery.Configuration{})
	ctx := context.Background()
	e, _ := h.d.StartDelivery(ctx, cfg, nil)

	if err := h.store.Configs().Delete(ctx, cfg.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	got, err := h.d.RetryDelivery(ctx, e.ID)
	if !errors.Is(err, ErrConfigNotFound) {
		t.Fatalf("RetryDelivery() error = %v, want ErrConfigNotFound", err)
	}
	if got.Status != delivery.StatusFailed || got.ErrorMessage != ErrConfigNotFound.Error() {
		t.Errorf("entry = %q %q", got.Status, got.ErrorMessage)
	}
	if got.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", got.AttemptCount)
	}
	if h.sender.calls() != 1 {
		t.Errorf("sender calls = %d, want 1", h.sender.calls())
	}
}

func TestRetry_ConfigDeactivated(t *testing.T) {
	h := newHarness(t, nil, fakeResponse{status: 500})
	cfg := h.config(t, delivery.Configuration{})
	ctx := context.Background()
	e, _ := h.d.StartDelivery(ctx, cfg, nil)

	_ = h.store.Configs().SetActive(ctx, cfg.ID, false)
	got, err := h.d.RetryDelivery(ctx, e.ID)
	if !errors.Is(err, ErrConfigInactive) {
		t.Fatalf("RetryDelivery() error = %v, want ErrConfigInactive", err)
	}
	if got.Status != delivery.StatusFailed || h.sender.calls() != 1 {
		t.Errorf("entry %q after %d sends", got.Status, h.sender.calls())
	}
}

func TestRetryPolicy(t *testing.T) {
	tests := []struct {
		name        string
		policy      config.RetryPolicy
		wantStatus  delivery.Status
		wantAttempt int
		wantSends   int
		wantURL     string
	}{
		{
			name:        "live policy uses the lowered ceiling",
			policy:      config.RetryPolicyLive,
			wantStatus:  delivery.StatusFailed,
			wantAttempt: 1,
			wantSends:   1,
		},
		{
			name:        "snapshot policy keeps the original ceiling and endpoint",
			policy:      config.RetryPolicySnapshot,
			wantStatus:  delivery.StatusRetryPending,
			wantAttempt: 2,
			wantSends:   2,
			wantURL:     "https://api.example.com/webhook",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(s *config.Settings) { s.RetryPolicy = tt.policy }, fakeResponse{status: 500})
			cfg := h.config(t, delivery.Configuration{RetryAttempts: 3})
			ctx := context.Background()
			e, _ := h.d.StartDelivery(ctx, cfg, nil)

			cfg.RetryAttempts = 1
			cfg.APIEndpoint = "https://other.example.com/hook"
			if _, err := h.store.Configs().Upsert(ctx, cfg); err != nil {
				t.Fatalf("Upsert() error = %v", err)
			}

			h.clock.Advance(config.DefaultRetryDelay)
			rep, err := h.d.SweepRetries(ctx)
			if err != nil {
				t.Fatalf("SweepRetries() error = %v", err)
			}

			got := h.entry(t, e.ID)
			if got.Status != tt.wantStatus || got.AttemptCount != tt.wantAttempt {
				t.Errorf("entry = %q/%d, want %q/%d", got.Status, got.AttemptCount, tt.wantStatus, tt.wantAttempt)
			}
			if h.sender.calls() != tt.wantSends {
				t.Errorf("sends = %d, want %d", h.sender.calls(), tt.wantSends)
			}
			if tt.wantURL != "" && h.sender.requests[len(h.sender.requests)-1].URL != tt.wantURL {
				t.Errorf("retry URL = %q, want %q", h.sender.requests[len(h.sender.requests)-1].URL, tt.wantURL)
			}
			if tt.wantStatus == delivery.StatusFailed && rep.Exhausted != 1 {
				t.Errorf("report = %+v, want one exhausted", rep)
			}
		})
	}
}

func TestSweepRetries(t *testing.T) {
	h := newHarness(t, nil, fakeResponse{status: 500}, fakeResponse{status: 500}, fakeResponse{status: 200})
	cfg := h.config(t, delivery.Configuration{RetryAttempts: 5})
	ctx := context.Background()

	due, _ := h.d.StartDelivery(ctx, cfg, map[string]any{"n": 1})
	h.clock.Advance(config.DefaultRetryDelay)
	notDue, _ := h.d.StartDelivery(ctx, cfg, map[string]any{"n": 2})

	// A claim held by a worker that died long ago.
	old := h.clock.Now().Add(-time.Hour)
	stuck, err := h.store.Insert(ctx, delivery.Entry{
		EventID:      cfg.ID,
		EventName:    cfg.EventName,
		APIEndpoint:  cfg.APIEndpoint,
		HTTPMethod:   "POST",
		RequestData:  `{}`,
		Status:       delivery.StatusInFlight,
		AttemptCount: 1,
		ClaimToken:   "dead-worker",
		ClaimedAt:    &old,
	})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	rep, err := h.d.SweepRetries(ctx)
	if err != nil {
		t.Fatalf("SweepRetries() error = %v", err)
	}
	if rep.Released != 1 || rep.Retried != 1 || rep.Succeeded != 1 {
		t.Errorf("report = %+v", rep)
	}
	if got := h.entry(t, due.ID); got.Status != delivery.StatusSuccess || got.AttemptCount != 2 {
		t.Errorf("due entry = %q/%d, want success/2", got.Status, got.AttemptCount)
	}
	if got := h.entry(t, notDue.ID); got.Status != delivery.StatusRetryPending || got.AttemptCount != 1 {
		t.Errorf("entry not yet due = %q/%d, want untouched", got.Status, got.AttemptCount)
	}
	got := h.entry(t, stuck.ID)
	if got.Status != delivery.StatusRetryPending || got.ClaimToken != "" {
		t.Errorf("stale claim = %q token %q, want released", got.Status, got.ClaimToken)
	}
}

func TestSweepRetries_BatchLimit(t *testing.T) {
	h := newHarness(t, func(s *config.Settings) { s.SweepBatch = 2 }, fakeResponse{status: 500})
	cfg := h.config(t, delivery.Configuration{RetryAttempts: 5})
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, _ = h.d.StartDelivery(ctx, cfg, map[string]any{"i": i})
	}
	h.clock.Advance(config.DefaultRetryDelay)

	rep, err := h.d.SweepRetries(ctx)
	if err != nil {
		t.Fatalf("SweepRetries() error = %v", err)
	}
	if rep.Retried != 2 {
		t.Errorf("Retried = %d, want 2", rep.Retried)
	}
}

func TestManualRetry(t *testing.T) {
	tests := []struct {
		name       string
		second     fakeResponse
		wantStatus delivery.Status
	}{
		{"failed entry succeeds", fakeResponse{status: 200}, delivery.StatusSuccess},
		{"failed entry fails again", fakeResponse{status: 502}, delivery.StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, fakeResponse{status: 500}, tt.second)
			cfg := h.config(t, delivery.Configuration{RetryAttempts: 1})
			ctx := context.Background()

			e, _ := h.d.StartDelivery(ctx, cfg, nil)
			if e.Status != delivery.StatusFailed {
				t.Fatalf("first attempt status = %q, want failed", e.Status)
			}

			got, err := h.d.ManualRetry(ctx, e.ID)
			if err != nil {
				t.Fatalf("ManualRetry() error = %v", err)
			}
			if got.Status != tt.wantStatus || got.AttemptCount != 2 {
				t.Errorf("ManualRetry() = %q/%d, want %q/2", got.Status, got.AttemptCount, tt.wantStatus)
			}
			if len(h.sched.tasks) != 0 {
				t.Errorf("manual retry scheduled %d retries", len(h.sched.tasks))
			}
		})
	}
}

func TestManualRetry_NotRetryable(t *testing.T) {
	h := newHarness(t, nil)
	cfg := h.config(t, delivery.Configuration{})
	ctx := context.Background()
	e, _ := h.d.StartDelivery(ctx, cfg, nil)

	if _, err := h.d.ManualRetry(ctx, e.ID); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("ManualRetry(success) error = %v, want ErrNotRetryable", err)
	}
	if _, err := h.d.ManualRetry(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("ManualRetry(missing) error = %v, want ErrNotFound", err)
	}
}

// failingLogs fails updates that would record an outcome.
type failingLogs struct {
	store.LogStore
}

func (f failingLogs) Update(ctx context.Context, id string, expect store.Expect, patch store.Patch) (delivery.Entry, error) {
	if patch.Status != nil && *patch.Status != delivery.StatusInFlight {
		return delivery.Entry{}, &store.PersistenceError{Op: "update", Err: errors.New("connection reset")}
	}
	return f.LogStore.Update(ctx, id, expect, patch)
}

func TestStartDelivery_PersistenceFailureAfterSend(t *testing.T) {
	h := newHarness(t, nil, fakeResponse{status: 500})
	h.d.logs = failingLogs{LogStore: h.store}
	cfg := h.config(t, delivery.Configuration{})

	_, err := h.d.StartDelivery(context.Background(), cfg, nil)
	var perr *store.PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("StartDelivery() error = %v, want PersistenceError", err)
	}
	if len(h.sched.tasks) != 0 {
		t.Error("retry scheduled although the outcome was not recorded")
	}
}

// rewriteSender sends through a real HTTPSender but points every request at
// a local test server.
type rewriteSender struct {
	inner *HTTPSender
	base  *url.URL
}

func (s rewriteSender) Send(ctx context.Context, r Request) (Response, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return Response{}, err
	}
	u.Scheme = s.base.Scheme
	u.Host = s.base.Host
	r.URL = u.String()
	return s.inner.Send(ctx, r)
}

func TestStartDelivery_GetFoldsPayloadIntoQuery(t *testing.T) {
	var (
		gotBody   string
		gotQuery  url.Values
		gotMethod string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotQuery = r.URL.Query()
		gotMethod = r.Method
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	base, _ := url.Parse(srv.URL)

	h := newHarness(t, nil)
	h.d.sender = rewriteSender{inner: NewHTTPSender(5*time.Second, false), base: base}
	cfg := h.config(t, delivery.Configuration{
		APIEndpoint:     "https://api.example.com/hook?source=relay",
		HTTPMethod:      "get",
		PayloadTemplate: `{"email":"{{user_email}}","tags":["a","b"]}`,
	})

	e, err := h.d.StartDelivery(context.Background(), cfg, map[string]any{"user_email": "a@b.com"})
	if err != nil {
		t.Fatalf("StartDelivery() error = %v", err)
	}
	if e.Status != delivery.StatusSuccess || e.HTTPMethod != "GET" {
		t.Errorf("entry = %q %q", e.Status, e.HTTPMethod)
	}
	if gotMethod != http.MethodGet || gotBody != "" {
		t.Errorf("request = %s with body %q, want GET without body", gotMethod, gotBody)
	}
	if gotQuery.Get("email") != "a@b.com" || gotQuery.Get("tags") != `["a","b"]` || gotQuery.Get("source") != "relay" {
		t.Errorf("query = %v", gotQuery)
	}
}

func TestHTTPSender_TruncatesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(strings.Repeat("x", 3*MaxResponseBody)))
	}))
	defer srv.Close()

	resp, err := NewHTTPSender(5*time.Second, false).Send(context.Background(), Request{
		Method: http.MethodPost,
		URL:    srv.URL,
		Body:   "{}",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if resp.StatusCode != http.StatusBadGateway || len(resp.Body) != MaxResponseBody {
		t.Errorf("Send() = %d with %d body bytes", resp.StatusCode, len(resp.Body))
	}
}

func TestHTTPSender_BlockPrivate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	_, err := NewHTTPSender(time.Second, true).Send(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("Send() error = %v, want TransportError", err)
	}
	if got := classifyReason(err); got != "blocked" {
		t.Errorf("classifyReason() = %q, want blocked", got)
	}
}

func TestClassifyReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"5xx", &HTTPStatusError{StatusCode: 503}, "http_5xx"},
		{"429", &HTTPStatusError{StatusCode: 429}, "http_429"},
		{"4xx", &HTTPStatusError{StatusCode: 404}, "http_4xx"},
		{"3xx", &HTTPStatusError{StatusCode: 302}, "http_other"},
		{"timeout", &TransportError{Err: errors.New("Client.Timeout exceeded")}, "timeout"},
		{"refused", &TransportError{Err: errors.New("dial tcp: connection refused")}, "connection_refused"},
		{"dns", &TransportError{Err: errors.New("lookup x: no such host")}, "dns_error"},
		{"other network", &TransportError{Err: errors.New("tls: handshake failure")}, "network"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyReason(tt.err); got != tt.want {
				t.Errorf("classifyReason() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTestCall(t *testing.T) {
	h := newHarness(t, nil, fakeResponse{status: 200, body: "ok"}, fakeResponse{status: 404, body: "nope"})
	ctx := context.Background()
	req := TestRequest{
		APIEndpoint:     "https://api.example.com/test",
		HTTPMethod:      "post",
		PayloadTemplate: `{"email":"{{user_email}}","id":{{user_id}},"test":{{test_call}}}`,
	}

	res, err := h.d.TestCall(ctx, req)
	if err != nil {
		t.Fatalf("TestCall() error = %v", err)
	}
	if !res.Success || res.ResponseCode != 200 || res.ResponseBody != "ok" {
		t.Errorf("TestCall() = %+v", res)
	}
	if res.SentData != `{"email":"test@example.com","id":1,"test":true}` {
		t.Errorf("SentData = %q", res.SentData)
	}

	res, err = h.d.TestCall(ctx, req)
	if err != nil {
		t.Fatalf("TestCall() error = %v", err)
	}
	if res.Success || res.Error != "HTTP 404: nope" {
		t.Errorf("TestCall(404) = %+v", res)
	}

	if _, total, _ := h.store.List(ctx, delivery.Filter{}); total != 0 {
		t.Errorf("test calls created %d log entries", total)
	}

	_, err = h.d.TestCall(ctx, TestRequest{APIEndpoint: "http://127.0.0.1/x"})
	var verr *endpoint.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("TestCall(loopback) error = %v, want ValidationError", err)
	}
}

func TestPurgeExpiredAndStats(t *testing.T) {
	h := newHarness(t, func(s *config.Settings) { s.LogRetentionDays = 7 })
	cfg := h.config(t, delivery.Configuration{})
	ctx := context.Background()

	_, _ = h.d.StartDelivery(ctx, cfg, nil)
	h.clock.Advance(10 * 24 * time.Hour)
	_, _ = h.d.StartDelivery(ctx, cfg, nil)

	st, err := h.d.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if st.Total != 2 || st.Success != 2 || st.Recent != 1 {
		t.Errorf("Stats() = %+v", st)
	}

	n, err := h.d.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired() error = %v", err)
	}
	if n != 1 {
		t.Errorf("PurgeExpired() = %d, want 1", n)
	}
}

// ctxLogs fails writes on a done context the way a database driver does.
type ctxLogs struct {
	store.LogStore
}

func (c ctxLogs) Update(ctx context.Context, id string, expect store.Expect, patch store.Patch) (delivery.Entry, error) {
	if err := ctx.Err(); err != nil {
		return delivery.Entry{}, store.Wrap("update delivery", err)
	}
	return c.LogStore.Update(ctx, id, expect, patch)
}

// cancelingSender cancels a context while the request is in progress and
// answers 200 unless its own context is done.
type cancelingSender struct {
	cancel context.CancelFunc
	calls  int
}

func (s *cancelingSender) Send(ctx context.Context, _ Request) (Response, error) {
	s.calls++
	s.cancel()
	if err := ctx.Err(); err != nil {
		return Response{}, &TransportError{Err: err}
	}
	return Response{StatusCode: http.StatusOK, Duration: time.Millisecond}, nil
}

func TestStartDelivery_CallerGoneMidSend(t *testing.T) {
	h := newHarness(t, nil)
	h.d.logs = ctxLogs{LogStore: h.store}
	cfg := h.config(t, delivery.Configuration{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.d.sender = &cancelingSender{cancel: cancel}

	e, err := h.d.StartDelivery(ctx, cfg, map[string]any{"n": 1})
	if err != nil {
		t.Fatalf("StartDelivery() error = %v, want the outcome recorded", err)
	}
	got := h.entry(t, e.ID)
	if got.Status != delivery.StatusRetryPending || got.AttemptCount != 1 {
		t.Errorf("stored entry = %q/%d, want retry_pending/1", got.Status, got.AttemptCount)
	}
	if !strings.Contains(got.ErrorMessage, "context canceled") {
		t.Errorf("ErrorMessage = %q, want the cancellation recorded", got.ErrorMessage)
	}
	if got.ClaimToken != "" {
		t.Errorf("claim token %q left on the entry", got.ClaimToken)
	}
	if len(h.sched.tasks) != 1 {
		t.Errorf("scheduled %d retries, want 1", len(h.sched.tasks))
	}
}

func TestSweepRetries_RunDeadlineDoesNotCutSend(t *testing.T) {
	h := newHarness(t, nil, fakeResponse{status: 500})
	cfg := h.config(t, delivery.Configuration{RetryAttempts: 5})
	first, _ := h.d.StartDelivery(context.Background(), cfg, map[string]any{"n": 1})
	h.clock.Advance(time.Second)
	second, _ := h.d.StartDelivery(context.Background(), cfg, map[string]any{"n": 2})
	h.clock.Advance(config.DefaultRetryDelay)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sender := &cancelingSender{cancel: cancel}
	h.d.sender = sender
	h.d.logs = ctxLogs{LogStore: h.store}

	rep, err := h.d.SweepRetries(ctx)
	if err != nil {
		t.Fatalf("SweepRetries() error = %v", err)
	}
	if sender.calls != 1 || rep.Succeeded != 1 {
		t.Errorf("calls = %d report = %+v, want one completed send", sender.calls, rep)
	}
	if got := h.entry(t, first.ID); got.Status != delivery.StatusSuccess || got.AttemptCount != 2 {
		t.Errorf("swept entry = %q/%d, want success/2", got.Status, got.AttemptCount)
	}
	if got := h.entry(t, second.ID); got.Status != delivery.StatusRetryPending || got.AttemptCount != 1 {
		t.Errorf("entry after the deadline = %q/%d, want untouched", got.Status, got.AttemptCount)
	}
}

func TestSweepRetries_DueByDispatcherClock(t *testing.T) {
	h := newHarness(t, nil, fakeResponse{status: 500}, fakeResponse{status: 200})
	// The store's own clock runs an hour ahead of the dispatcher.
	h.store.SetClock(func() time.Time { return h.clock.Now().Add(time.Hour) })
	cfg := h.config(t, delivery.Configuration{RetryAttempts: 3})

	e, err := h.d.StartDelivery(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("StartDelivery() error = %v", err)
	}
	if !e.UpdatedAt.Equal(h.clock.Now()) {
		t.Errorf("UpdatedAt = %v, want dispatcher time %v", e.UpdatedAt, h.clock.Now())
	}

	h.clock.Advance(config.DefaultRetryDelay)
	rep, err := h.d.SweepRetries(context.Background())
	if err != nil {
		t.Fatalf("SweepRetries() error = %v", err)
	}
	if rep.Retried != 1 || rep.Succeeded != 1 {
		t.Errorf("report = %+v, want the entry retried once it is due", rep)
	}
}
