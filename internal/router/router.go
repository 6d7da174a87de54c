// Package router maps a fired event to its active configurations and starts
// one delivery per configuration.
package router

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/store"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// Starter begins a delivery. *dispatch.Dispatcher implements it.
type Starter interface {
	StartDelivery(ctx context.Context, cfg delivery.Configuration, data map[string]any) (delivery.Entry, error)
}

// Outcome is what happened for one matching configuration.
type Outcome struct {
	ConfigID   string          `json:"config_id"`
	DeliveryID string          `json:"delivery_id,omitempty"`
	Status     delivery.Status `json:"status,omitempty"`
	Error      string          `json:"error,omitempty"`

	err error
}

// Err returns the error the delivery start returned, if any.
func (o Outcome) Err() error { return o.err }

// Result summarizes one routed event.
type Result struct {
	EventName string    `json:"event_name"`
	Matched   int       `json:"matched"`
	Outcomes  []Outcome `json:"outcomes"`
}

// Failed counts configurations whose delivery could not be started.
func (r Result) Failed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.err != nil {
			n++
		}
	}
	return n
}

type Router struct {
	configs store.ConfigStore
	starter Starter
	logger  *logging.Logger
}

func New(configs store.ConfigStore, starter Starter, logger *logging.Logger) *Router {
	if logger == nil {
		logger = logging.New("harborrelay-router")
	}
	return &Router{configs: configs, starter: starter, logger: logger}
}

// Route starts a delivery for every active configuration of eventName. No
// match is a normal no-op. A failure or panic while starting one delivery is
// recorded in its Outcome and does not stop the others. The error is only set
// when the configurations could not be read.
func (r *Router) Route(ctx context.Context, eventName string, data map[string]any) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "router.Route", attribute.String("event_name", eventName))
	defer span.End()

	res := Result{EventName: eventName, Outcomes: []Outcome{}}
	configs, err := r.configs.ActiveForEvent(ctx, eventName)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		r.logger.WithContext(ctx).WithEvent(eventName).WithError(err).Error("load configurations failed")
		return res, fmt.Errorf("load configurations for %s: %w", eventName, err)
	}

	if r.logger.Enabled(logging.LevelDebug) {
		r.logger.WithContext(ctx).WithEvent(eventName).WithFields(map[string]any{
			"data":    logging.MaskSensitive(data),
			"configs": len(configs),
		}).Debug("event received")
	}

	for _, cfg := range configs {
		if !cfg.IsActive || cfg.EventName != eventName {
			continue
		}
		res.Matched++
		res.Outcomes = append(res.Outcomes, r.start(ctx, cfg, data))
	}
	metrics.RecordEventRouted(res.Matched > 0)
	span.SetAttributes(attribute.Int("matched", res.Matched))
	return res, nil
}

func (r *Router) start(ctx context.Context, cfg delivery.Configuration, data map[string]any) (out Outcome) {
	out.ConfigID = cfg.ID
	defer func() {
		if p := recover(); p != nil {
			out.err = fmt.Errorf("panic starting delivery: %v", p)
			out.Error = out.err.Error()
			r.logger.WithContext(ctx).WithEvent(cfg.EventName).WithConfig(cfg.ID).
				WithField("stack", string(debug.Stack())).Error("delivery start panicked")
		}
	}()

	e, err := r.starter.StartDelivery(ctx, cfg, data)
	out.DeliveryID = e.ID
	out.Status = e.Status
	if err != nil {
		out.err = err
		out.Error = err.Error()
		r.logger.WithContext(ctx).WithEvent(cfg.EventName).WithConfig(cfg.ID).WithError(err).Warn("delivery start failed")
	}
	return out
}
