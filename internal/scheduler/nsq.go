// Package scheduler carries retry tasks between attempts and runs the
// recurring sweep and retention jobs.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// MaxDefer is the longest deferral nsqd accepts with its default
// --max-req-timeout.
const MaxDefer = time.Hour

// publisher is the part of *nsq.Producer the scheduler uses.
type publisher interface {
	Publish(topic string, body []byte) error
	DeferredPublish(topic string, delay time.Duration, body []byte) error
	Ping() error
	Stop()
}

// Producer schedules retries as deferred NSQ messages and publishes failure
// notices. NSQ delivery is at-least-once and may be late; the sweep recovers
// tasks that never arrive.
type Producer struct {
	pub          publisher
	retryTopic   string
	failureTopic string
	logger       *logging.Logger
}

// NewProducer connects a producer to nsqd. An empty failureTopic disables
// failure notices.
func NewProducer(nsqdAddr, retryTopic, failureTopic string, logger *logging.Logger) (*Producer, error) {
	p, err := nsq.NewProducer(nsqdAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	p.SetLogger(nil, nsq.LogLevelError)
	return newProducer(p, retryTopic, failureTopic, logger), nil
}

func newProducer(pub publisher, retryTopic, failureTopic string, logger *logging.Logger) *Producer {
	if logger == nil {
		logger = logging.New("harborrelay-scheduler")
	}
	return &Producer{pub: pub, retryTopic: retryTopic, failureTopic: failureTopic, logger: logger}
}

// ScheduleRetry publishes task to the retry topic, deferred by delay.
func (p *Producer) ScheduleRetry(ctx context.Context, task delivery.RetryTask, delay time.Duration) error {
	ctx, span := tracing.StartSpan(ctx, "scheduler.ScheduleRetry",
		attribute.String("delivery_id", task.LogID),
		attribute.String("topic", p.retryTopic),
		attribute.String("delay", delay.String()),
	)
	defer span.End()

	if task.TraceHeaders == nil {
		task.TraceHeaders = tracing.InjectTaskHeaders(ctx)
	}
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode retry task: %w", err)
	}
	if delay < 0 {
		delay = 0
	}
	if delay > MaxDefer {
		delay = MaxDefer
	}
	if err := p.pub.DeferredPublish(p.retryTopic, delay, body); err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("publish retry %s: %w", task.LogID, err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published_retry")
	return nil
}

// PublishFailure publishes a failure notice, if a failure topic is set.
func (p *Producer) PublishFailure(ctx context.Context, notice delivery.FailureNotice) error {
	if p.failureTopic == "" {
		return nil
	}
	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("encode failure notice: %w", err)
	}
	if err := p.pub.Publish(p.failureTopic, body); err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("publish failure notice %s: %w", notice.LogID, err)
	}
	metrics.RecordFailureNotice()
	p.logger.WithContext(ctx).WithDelivery(notice.LogID).WithField("topic", p.failureTopic).Info("failure notice published")
	return nil
}

// Ping checks the nsqd connection. It serves as a health check.
func (p *Producer) Ping(context.Context) error {
	return p.pub.Ping()
}

func (p *Producer) Stop() {
	p.pub.Stop()
}
