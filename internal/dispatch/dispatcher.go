// Package dispatch sends configured API calls for fired events and drives
// failed deliveries through retries until they succeed or run out of
// attempts.
//
// Every change to a log entry is a compare-and-swap. An attempt first claims
// the entry (moving it to in_flight under a fresh token) and only the claim
// holder records the outcome, so one entry is never advanced by two attempts
// at once.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/endpoint"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/store"
	"github.com/austindbirch/harbor_relay/internal/template"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// ErrStaleTask is returned when a scheduled retry no longer matches the entry
// it names, because another attempt already moved it on.
var ErrStaleTask = errors.New("stale retry task")

// outcomeTimeout bounds the log writes, scheduling and notices that follow a
// send once the caller's context no longer applies.
const outcomeTimeout = 10 * time.Second

// detach keeps ctx's values and trace but not its cancellation, so an
// attempt's outcome is recorded even when the caller has gone away.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), outcomeTimeout)
}

// RetryScheduler arranges a later RetryDelivery for a task.
type RetryScheduler interface {
	ScheduleRetry(ctx context.Context, task delivery.RetryTask, delay time.Duration) error
}

// FailurePublisher is told about entries that reached the failed state.
type FailurePublisher interface {
	PublishFailure(ctx context.Context, notice delivery.FailureNotice) error
}

// Options wires a Dispatcher. Configs, Logs and Settings are required; the
// rest have defaults.
type Options struct {
	Configs   store.ConfigStore
	Logs      store.LogStore
	Settings  config.Settings
	Sender    Sender
	Validator *endpoint.Validator
	Renderer  *template.Renderer
	Scheduler RetryScheduler
	Failures  FailurePublisher
	Logger    *logging.Logger
	Version   string
	Now       func() time.Time
}

type Dispatcher struct {
	configs   store.ConfigStore
	logs      store.LogStore
	settings  config.Settings
	sender    Sender
	validator *endpoint.Validator
	renderer  *template.Renderer
	failures  FailurePublisher
	logger    *logging.Logger
	userAgent string
	now       func() time.Time

	mu        sync.RWMutex
	scheduler RetryScheduler
}

func New(opts Options) *Dispatcher {
	settings := opts.Settings.Normalize()
	d := &Dispatcher{
		configs:   opts.Configs,
		logs:      opts.Logs,
		settings:  settings,
		sender:    opts.Sender,
		validator: opts.Validator,
		renderer:  opts.Renderer,
		failures:  opts.Failures,
		logger:    opts.Logger,
		now:       opts.Now,
		scheduler: opts.Scheduler,
	}
	if d.validator == nil {
		d.validator = endpoint.NewValidator(endpoint.Policy{})
	}
	if d.sender == nil {
		d.sender = NewHTTPSender(settings.Timeout, d.validator.BlocksPrivateNetworks())
	}
	if d.renderer == nil {
		d.renderer = template.NewRenderer(settings)
	}
	if d.logger == nil {
		d.logger = logging.New("harborrelay-dispatch")
	}
	if d.now == nil {
		d.now = time.Now
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	d.userAgent = fmt.Sprintf("HarborRelay/%s; %s", version, settings.SiteURL)
	return d
}

// SetScheduler installs the retry scheduler. It exists for schedulers that
// need the Dispatcher to be built first.
func (d *Dispatcher) SetScheduler(s RetryScheduler) {
	d.mu.Lock()
	d.scheduler = s
	d.mu.Unlock()
}

// Settings returns the normalized settings in use.
func (d *Dispatcher) Settings() config.Settings { return d.settings }

// target is what one attempt sends.
type target struct {
	endpoint string
	method   string
	headers  map[string]string
	body     string
}

func (t target) request() (Request, error) {
	req := Request{Method: t.method, URL: t.endpoint, Headers: t.headers, Body: t.body}
	if t.method == "GET" {
		u, err := template.AppendQuery(t.endpoint, template.QueryValues(t.body))
		if err != nil {
			return Request{}, err
		}
		req.URL = u
		req.Body = ""
	}
	return req, nil
}

// headers merges configured headers over the defaults. Keys are compared
// case-insensitively so a configured content-type replaces the default.
func (d *Dispatcher) headers(configured map[string]string) map[string]string {
	out := map[string]string{
		"Content-Type": "application/json",
		"User-Agent":   d.userAgent,
	}
	for k, v := range configured {
		for def := range out {
			if strings.EqualFold(def, k) {
				delete(out, def)
			}
		}
		out[k] = v
	}
	return out
}

// StartDelivery makes the first attempt for one configuration and one event.
// A rejected destination returns the *endpoint.ValidationError and leaves no
// log entry. Delivery failures are not errors: they are recorded on the
// returned entry, which is then retry_pending or failed.
func (d *Dispatcher) StartDelivery(ctx context.Context, cfg delivery.Configuration, data map[string]any) (delivery.Entry, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch.StartDelivery",
		attribute.String("event_name", cfg.EventName),
		attribute.String("config_id", cfg.ID),
	)
	defer span.End()

	if !d.settings.Enabled {
		d.logger.WithContext(ctx).WithEvent(cfg.EventName).Debug("dispatch disabled, skipping delivery")
		return delivery.Entry{}, ErrDisabled
	}

	method, err := endpoint.NormalizeMethod(cfg.HTTPMethod)
	if err != nil {
		return delivery.Entry{}, d.rejected(ctx, cfg, err)
	}
	headers := d.headers(cfg.Headers)
	if err := d.validator.Validate(cfg.APIEndpoint, headers); err != nil {
		return delivery.Entry{}, d.rejected(ctx, cfg, err)
	}
	if err := endpoint.ValidateTemplate(cfg.PayloadTemplate); err != nil {
		return delivery.Entry{}, d.rejected(ctx, cfg, err)
	}
	body, err := d.renderer.BuildPayload(cfg.PayloadTemplate, data)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return delivery.Entry{}, fmt.Errorf("build payload: %w", err)
	}

	ceiling := cfg.Ceiling(d.settings.MaxRetryAttempts)
	now := d.now()
	tracing.AddSpanEvent(ctx, "db.insert_delivery")
	e, err := d.logs.Insert(ctx, delivery.Entry{
		EventID:        cfg.ID,
		EventName:      cfg.EventName,
		APIEndpoint:    cfg.APIEndpoint,
		HTTPMethod:     method,
		RequestHeaders: headers,
		RequestData:    body,
		EventData:      data,
		MaxAttempts:    ceiling,
		Status:         delivery.StatusPending,
		AttemptCount:   1,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		d.persistenceFailure(ctx, "insert", "", err)
		return delivery.Entry{}, err
	}
	span.SetAttributes(attribute.String("delivery_id", e.ID))

	claimed, err := d.claim(ctx, e, store.Expect{Status: delivery.StatusPending, Attempt: 1}, 1, nil)
	if err != nil {
		return e, err
	}
	return d.attempt(ctx, claimed, target{
		endpoint: cfg.APIEndpoint,
		method:   method,
		headers:  headers,
		body:     body,
	}, ceiling, false)
}

func (d *Dispatcher) rejected(ctx context.Context, cfg delivery.Configuration, err error) error {
	kind := "other"
	var verr *endpoint.ValidationError
	if errors.As(err, &verr) {
		kind = string(verr.Kind)
	}
	metrics.RecordValidationRejection(kind)
	tracing.SetSpanError(ctx, err)
	d.logger.WithContext(ctx).WithEvent(cfg.EventName).WithConfig(cfg.ID).WithEndpoint(cfg.APIEndpoint).
		WithError(err).Warn("destination rejected")
	return err
}

// claim moves e to in_flight under a new token with the given attempt count.
func (d *Dispatcher) claim(ctx context.Context, e delivery.Entry, expect store.Expect, attempt int, body *string) (delivery.Entry, error) {
	token := uuid.NewString()
	now := d.now()
	tracing.AddSpanEvent(ctx, "db.claim_delivery", attribute.Int("attempt", attempt))
	claimed, err := d.logs.Update(ctx, e.ID, expect, store.Patch{
		Status:       store.Ptr(delivery.StatusInFlight),
		AttemptCount: &attempt,
		RequestData:  body,
		ClaimToken:   &token,
		ClaimedAt:    &now,
		UpdatedAt:    &now,
	})
	if errors.Is(err, store.ErrConflict) {
		d.logger.WithContext(ctx).WithDelivery(e.ID).Debug("claim lost to another attempt")
		return e, err
	}
	if err != nil {
		d.persistenceFailure(ctx, "claim", e.ID, err)
		return e, err
	}
	return claimed, nil
}

// attempt sends t for a claimed entry and records the outcome. With manual
// set a failure is terminal and the ceiling is not consulted.
func (d *Dispatcher) attempt(ctx context.Context, e delivery.Entry, t target, ceiling int, manual bool) (delivery.Entry, error) {
	log := d.logger.WithContext(ctx).WithDelivery(e.ID).WithEvent(e.EventName).WithEndpoint(t.endpoint)

	var (
		resp    Response
		sendErr error
	)
	req, err := t.request()
	if err != nil {
		sendErr = &TransportError{Err: err}
	} else {
		tracing.AddSpanEvent(ctx, "http.send", attribute.String("method", req.Method), attribute.Int("attempt", e.AttemptCount))
		resp, sendErr = d.sender.Send(ctx, req)
	}
	if sendErr == nil && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		sendErr = &HTTPStatusError{StatusCode: resp.StatusCode, Body: resp.Body}
	}
	tracing.AddSpanEvent(ctx, "http.response",
		attribute.Int("http.status_code", resp.StatusCode),
		attribute.Int64("http.latency_ms", resp.Duration.Milliseconds()),
	)

	ctx, cancel := detach(ctx)
	defer cancel()

	expect := store.Expect{Status: delivery.StatusInFlight, ClaimToken: e.ClaimToken}
	if sendErr == nil {
		updated, err := d.logs.Update(ctx, e.ID, expect, store.Patch{
			Status:       store.Ptr(delivery.StatusSuccess),
			ResponseCode: &resp.StatusCode,
			ResponseBody: &resp.Body,
			ErrorMessage: store.Ptr(""),
			ClearClaim:   true,
			UpdatedAt:    store.Ptr(d.now()),
		})
		if err != nil {
			d.persistenceFailure(ctx, "record_success", e.ID, err)
			return e, err
		}
		metrics.RecordDelivery(string(delivery.StatusSuccess), resp.Duration)
		log.WithFields(map[string]any{
			"attempt":     updated.AttemptCount,
			"status_code": resp.StatusCode,
			"latency_ms":  resp.Duration.Milliseconds(),
		}).Info("delivery succeeded")
		return updated, nil
	}

	reason := classifyReason(sendErr)
	tracing.SetSpanError(ctx, sendErr)
	next := delivery.StatusRetryPending
	if manual || e.AttemptCount >= ceiling {
		next = delivery.StatusFailed
	}
	updated, err := d.logs.Update(ctx, e.ID, expect, store.Patch{
		Status:       &next,
		ResponseCode: &resp.StatusCode,
		ResponseBody: &resp.Body,
		ErrorMessage: store.Ptr(sendErr.Error()),
		ClearClaim:   true,
		UpdatedAt:    store.Ptr(d.now()),
	})
	if err != nil {
		d.persistenceFailure(ctx, "record_failure", e.ID, err)
		return e, err
	}
	metrics.RecordDelivery(string(next), resp.Duration)

	log = log.WithFields(map[string]any{
		"attempt":     updated.AttemptCount,
		"max":         ceiling,
		"status_code": resp.StatusCode,
		"reason":      reason,
	}).WithError(sendErr)
	if next == delivery.StatusFailed {
		metrics.RecordFailure(reason)
		log.Warn("delivery failed")
		d.publishFailure(ctx, updated, reason)
		return updated, nil
	}
	metrics.RecordRetry(reason)
	log.Info("delivery attempt failed, retry scheduled")
	d.scheduleRetry(ctx, updated)
	return updated, nil
}

func (d *Dispatcher) scheduleRetry(ctx context.Context, e delivery.Entry) {
	d.mu.RLock()
	sched := d.scheduler
	d.mu.RUnlock()

	log := d.logger.WithContext(ctx).WithDelivery(e.ID)
	if sched == nil {
		log.Warn("no retry scheduler, leaving entry for the sweep")
		return
	}
	task := delivery.RetryTask{
		LogID:        e.ID,
		EventName:    e.EventName,
		Attempt:      e.AttemptCount,
		ScheduledAt:  d.now().UTC().Format(time.RFC3339),
		TraceHeaders: tracing.InjectTaskHeaders(ctx),
	}
	if err := sched.ScheduleRetry(ctx, task, d.settings.RetryDelay); err != nil {
		log.WithError(err).Error("schedule retry failed, leaving entry for the sweep")
		return
	}
	tracing.AddSpanEvent(ctx, "retry.scheduled", attribute.String("delay", d.settings.RetryDelay.String()))
}

func (d *Dispatcher) publishFailure(ctx context.Context, e delivery.Entry, reason string) {
	if d.failures == nil {
		return
	}
	if err := d.failures.PublishFailure(ctx, delivery.NewFailureNotice(e, reason)); err != nil {
		d.logger.WithContext(ctx).WithDelivery(e.ID).WithError(err).Error("publish failure notice failed")
	}
}

func (d *Dispatcher) persistenceFailure(ctx context.Context, op, id string, err error) {
	tracing.SetSpanError(ctx, err)
	if errors.Is(err, store.ErrConflict) {
		d.logger.WithContext(ctx).WithDelivery(id).WithField("op", op).Warn("entry changed underneath attempt, outcome dropped")
		return
	}
	metrics.RecordPersistenceError(op)
	d.logger.WithContext(ctx).WithDelivery(id).WithField("op", op).WithError(err).Error("delivery log write failed")
}
