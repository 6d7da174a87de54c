package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/endpoint"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/store"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// RetryDelivery makes the next attempt for a pending or retry_pending entry.
// The configuration is read again; under the snapshot retry policy only its
// existence matters and the entry's own endpoint, headers and ceiling are
// used. An entry that already used all its attempts is marked failed without
// sending.
func (d *Dispatcher) RetryDelivery(ctx context.Context, logID string) (delivery.Entry, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch.RetryDelivery", attribute.String("delivery_id", logID))
	defer span.End()
	e, _, err := d.retry(ctx, logID, 0)
	return e, err
}

// HandleRetryTask runs a scheduled retry. Tasks that no longer match the
// entry's attempt count return ErrStaleTask.
func (d *Dispatcher) HandleRetryTask(ctx context.Context, task delivery.RetryTask) (delivery.Entry, error) {
	ctx = tracing.ExtractTaskHeaders(ctx, task.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "dispatch.HandleRetryTask",
		attribute.String("delivery_id", task.LogID),
		attribute.String("event_name", task.EventName),
		attribute.Int("attempt", task.Attempt),
	)
	defer span.End()
	if task.Attempt <= 0 {
		return delivery.Entry{}, fmt.Errorf("retry task for %s has no attempt count", task.LogID)
	}
	e, _, err := d.retry(ctx, task.LogID, task.Attempt)
	return e, err
}

// retry reports whether a request was sent.
func (d *Dispatcher) retry(ctx context.Context, logID string, wantAttempt int) (delivery.Entry, bool, error) {
	if !d.settings.Enabled {
		return delivery.Entry{}, false, ErrDisabled
	}
	e, err := d.logs.Get(ctx, logID)
	if err != nil {
		return delivery.Entry{}, false, err
	}
	if e.Status != delivery.StatusPending && e.Status != delivery.StatusRetryPending {
		return e, false, ErrNotRetryable
	}
	if wantAttempt != 0 && e.AttemptCount != wantAttempt {
		return e, false, ErrStaleTask
	}
	expect := store.Expect{Status: e.Status, Attempt: e.AttemptCount}

	cfg, err := d.configs.Get(ctx, e.EventID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		updated, aerr := d.abandon(ctx, e, expect, "config_not_found", ErrConfigNotFound.Error())
		return updated, false, errors.Join(ErrConfigNotFound, aerr)
	case err != nil:
		d.persistenceFailure(ctx, "get_config", e.ID, err)
		return e, false, err
	case !cfg.IsActive:
		updated, aerr := d.abandon(ctx, e, expect, "config_inactive", ErrConfigInactive.Error())
		return updated, false, errors.Join(ErrConfigInactive, aerr)
	}

	t, ceiling, err := d.resolve(e, cfg)
	if err != nil {
		var verr *endpoint.ValidationError
		if errors.As(err, &verr) {
			metrics.RecordValidationRejection(string(verr.Kind))
		}
		updated, aerr := d.abandon(ctx, e, expect, "rejected", err.Error())
		return updated, false, errors.Join(err, aerr)
	}

	next := e.AttemptCount
	if e.Status == delivery.StatusRetryPending {
		next++
	}
	if next > ceiling {
		updated, aerr := d.abandon(ctx, e, expect, "max_attempts", "")
		return updated, false, aerr
	}

	var body *string
	if t.body != e.RequestData {
		body = &t.body
	}
	claimed, err := d.claim(ctx, e, expect, next, body)
	if err != nil {
		return e, false, err
	}
	updated, err := d.attempt(ctx, claimed, t, ceiling, false)
	return updated, true, err
}

// resolve works out what a retry of e sends and its attempt ceiling.
func (d *Dispatcher) resolve(e delivery.Entry, cfg delivery.Configuration) (target, int, error) {
	var (
		t       target
		ceiling int
	)
	if d.settings.RetryPolicy == config.RetryPolicySnapshot {
		t = target{endpoint: e.APIEndpoint, method: e.HTTPMethod, headers: e.RequestHeaders}
		if t.headers == nil {
			t.headers = d.headers(nil)
		}
		ceiling = e.MaxAttempts
		if ceiling <= 0 {
			ceiling = cfg.Ceiling(d.settings.MaxRetryAttempts)
		}
	} else {
		method, err := endpoint.NormalizeMethod(cfg.HTTPMethod)
		if err != nil {
			return target{}, 0, err
		}
		t = target{endpoint: cfg.APIEndpoint, method: method, headers: d.headers(cfg.Headers)}
		ceiling = cfg.Ceiling(d.settings.MaxRetryAttempts)
	}

	if err := d.validator.Validate(t.endpoint, t.headers); err != nil {
		return target{}, 0, err
	}

	t.body = e.RequestData
	if t.body == "" {
		body, err := d.renderer.BuildPayload(cfg.PayloadTemplate, e.EventData)
		if err != nil {
			return target{}, 0, fmt.Errorf("build payload: %w", err)
		}
		t.body = body
	}
	return t, ceiling, nil
}

// abandon marks e failed without sending. An empty message keeps the last
// recorded error.
func (d *Dispatcher) abandon(ctx context.Context, e delivery.Entry, expect store.Expect, reason, message string) (delivery.Entry, error) {
	patch := store.Patch{Status: store.Ptr(delivery.StatusFailed), ClearClaim: true, UpdatedAt: store.Ptr(d.now())}
	if message != "" {
		patch.ErrorMessage = &message
	}
	updated, err := d.logs.Update(ctx, e.ID, expect, patch)
	if err != nil {
		d.persistenceFailure(ctx, "abandon", e.ID, err)
		return e, err
	}
	metrics.RecordDelivery(string(delivery.StatusFailed), 0)
	metrics.RecordFailure(reason)
	d.logger.WithContext(ctx).WithDelivery(e.ID).WithEvent(e.EventName).WithFields(map[string]any{
		"attempt": updated.AttemptCount,
		"reason":  reason,
	}).Warn("delivery abandoned")
	d.publishFailure(ctx, updated, reason)
	return updated, nil
}

// ManualRetry is the operator's retry. A failed entry is sent once more
// regardless of its ceiling and ends success or failed; nothing is scheduled.
// Entries still in the automatic cycle take the normal retry path.
func (d *Dispatcher) ManualRetry(ctx context.Context, logID string) (delivery.Entry, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch.ManualRetry", attribute.String("delivery_id", logID))
	defer span.End()

	if !d.settings.Enabled {
		return delivery.Entry{}, ErrDisabled
	}
	e, err := d.logs.Get(ctx, logID)
	if err != nil {
		return delivery.Entry{}, err
	}
	switch e.Status {
	case delivery.StatusPending, delivery.StatusRetryPending:
		e, _, err = d.retry(ctx, logID, 0)
		return e, err
	case delivery.StatusFailed:
	default:
		return e, ErrNotRetryable
	}

	cfg, err := d.configs.Get(ctx, e.EventID)
	if errors.Is(err, store.ErrNotFound) {
		return e, ErrConfigNotFound
	}
	if err != nil {
		d.persistenceFailure(ctx, "get_config", e.ID, err)
		return e, err
	}
	t, _, err := d.resolve(e, cfg)
	if err != nil {
		return e, err
	}

	var body *string
	if t.body != e.RequestData {
		body = &t.body
	}
	claimed, err := d.claim(ctx, e, store.Expect{Status: delivery.StatusFailed, Attempt: e.AttemptCount}, e.AttemptCount+1, body)
	if err != nil {
		return e, err
	}
	d.logger.WithContext(ctx).WithDelivery(e.ID).WithField("attempt", claimed.AttemptCount).Info("manual retry")
	return d.attempt(ctx, claimed, t, 0, true)
}
