package dispatch

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/store"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// SweepReport counts what one sweep did.
type SweepReport struct {
	Released  int `json:"released"`
	Exhausted int `json:"exhausted"`
	Retried   int `json:"retried"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// SweepRetries recovers deliveries whose scheduled retry was lost. It first
// releases in_flight claims older than the claim lease back to retry_pending,
// then drives up to the sweep batch of due entries: retry_pending entries last
// touched at least one retry delay ago and pending entries older than the
// lease.
func (d *Dispatcher) SweepRetries(ctx context.Context) (SweepReport, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch.SweepRetries")
	defer span.End()

	var rep SweepReport
	if !d.settings.Enabled {
		return rep, ErrDisabled
	}
	now := d.now()
	batch := d.settings.SweepBatch
	leaseCutoff := now.Add(-d.settings.ClaimLease())

	stale, err := d.logs.ListStaleClaims(ctx, leaseCutoff, batch)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return rep, err
	}
	for _, e := range stale {
		_, err := d.logs.Update(ctx, e.ID,
			store.Expect{Status: delivery.StatusInFlight, ClaimToken: e.ClaimToken},
			store.Patch{
				Status:       store.Ptr(delivery.StatusRetryPending),
				ErrorMessage: store.Ptr("attempt abandoned: claim lease expired"),
				ClearClaim:   true,
				UpdatedAt:    &now,
			})
		switch {
		case err == nil:
			rep.Released++
		case errors.Is(err, store.ErrConflict):
			rep.Skipped++
		default:
			d.persistenceFailure(ctx, "release_claim", e.ID, err)
			rep.Errors++
		}
	}

	retryDue := now.Add(-d.settings.RetryDelay)
	waiting, err := d.logs.ListByStatus(ctx, delivery.StatusRetryPending, batch)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return rep, err
	}
	pending, err := d.logs.ListByStatus(ctx, delivery.StatusPending, batch)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return rep, err
	}

	var due []delivery.Entry
	for _, e := range waiting {
		if !e.UpdatedAt.After(retryDue) {
			due = append(due, e)
		}
	}
	for _, e := range pending {
		if e.UpdatedAt.Before(leaseCutoff) {
			due = append(due, e)
		}
	}
	if len(due) > batch {
		due = due[:batch]
	}

	for _, e := range due {
		if ctx.Err() != nil {
			break
		}
		updated, sent, err := d.sweepOne(ctx, e)
		switch {
		case errors.Is(err, store.ErrConflict), errors.Is(err, ErrStaleTask), errors.Is(err, ErrNotRetryable):
			rep.Skipped++
		case !sent && updated.Status == delivery.StatusFailed:
			rep.Exhausted++
		case sent && updated.Status == delivery.StatusSuccess:
			rep.Retried++
			rep.Succeeded++
		case sent && err == nil:
			rep.Retried++
			rep.Failed++
		default:
			rep.Errors++
		}
	}

	metrics.RecordSweep("released", rep.Released)
	metrics.RecordSweep("exhausted", rep.Exhausted)
	metrics.RecordSweep("succeeded", rep.Succeeded)
	metrics.RecordSweep("failed", rep.Failed)
	metrics.RecordSweep("skipped", rep.Skipped)
	metrics.RecordSweep("error", rep.Errors)
	span.SetAttributes(
		attribute.Int("sweep.released", rep.Released),
		attribute.Int("sweep.retried", rep.Retried),
		attribute.Int("sweep.exhausted", rep.Exhausted),
	)
	d.logger.WithContext(ctx).WithFields(map[string]any{
		"released":  rep.Released,
		"exhausted": rep.Exhausted,
		"retried":   rep.Retried,
		"succeeded": rep.Succeeded,
		"failed":    rep.Failed,
		"skipped":   rep.Skipped,
		"errors":    rep.Errors,
	}).Info("retry sweep finished")
	return rep, nil
}

// sweepOne retries e on a context of its own, so the run's deadline stops the
// loop between entries instead of cutting a send short.
func (d *Dispatcher) sweepOne(ctx context.Context, e delivery.Entry) (delivery.Entry, bool, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.settings.ClaimLease())
	defer cancel()
	return d.retry(ctx, e.ID, e.AttemptCount)
}

// PurgeExpired deletes log entries older than the retention period.
func (d *Dispatcher) PurgeExpired(ctx context.Context) (int64, error) {
	cutoff := d.now().Add(-time.Duration(d.settings.LogRetentionDays) * 24 * time.Hour)
	n, err := d.logs.DeleteBefore(ctx, cutoff)
	if err != nil {
		d.persistenceFailure(ctx, "purge", "", err)
		return 0, err
	}
	metrics.RecordRetentionDeleted(n)
	d.logger.WithContext(ctx).WithFields(map[string]any{
		"deleted": n,
		"cutoff":  cutoff.UTC().Format(time.RFC3339),
	}).Info("delivery log retention applied")
	return n, nil
}

// Stats summarizes the delivery log, counting calls of the last 24 hours as
// recent.
func (d *Dispatcher) Stats(ctx context.Context) (delivery.Stats, error) {
	return d.logs.Stats(ctx, d.now().Add(-24*time.Hour))
}
