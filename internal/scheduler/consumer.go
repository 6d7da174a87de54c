package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/dispatch"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/store"
)

// TaskHandler runs a retry task. *dispatch.Dispatcher implements it.
type TaskHandler interface {
	HandleRetryTask(ctx context.Context, task delivery.RetryTask) (delivery.Entry, error)
}

// Handler turns retry topic messages into retry attempts. Every message is
// finished whatever the outcome: the log entry holds the state and the sweep
// picks up anything a lost message leaves behind.
type Handler struct {
	tasks   TaskHandler
	logger  *logging.Logger
	timeout time.Duration
}

// NewHandler returns a Handler. timeout bounds a single task, including the
// outbound request.
func NewHandler(tasks TaskHandler, timeout time.Duration, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.New("harborrelay-consumer")
	}
	return &Handler{tasks: tasks, logger: logger, timeout: timeout}
}

// HandleMessage implements nsq.Handler.
func (h *Handler) HandleMessage(m *nsq.Message) error {
	var task delivery.RetryTask
	if err := json.Unmarshal(m.Body, &task); err != nil || task.LogID == "" {
		h.logger.Plain().WithError(err).WithField("body_bytes", len(m.Body)).Error("bad retry task payload")
		metrics.RecordTaskConsumed("malformed")
		return nil
	}
	h.Handle(context.Background(), task)
	return nil
}

// Handle runs one task and reports the result it was counted under.
func (h *Handler) Handle(ctx context.Context, task delivery.RetryTask) string {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	e, err := h.tasks.HandleRetryTask(ctx, task)
	log := h.logger.WithContext(ctx).WithDelivery(task.LogID).WithEvent(task.EventName).WithField("attempt", task.Attempt)

	result := "handled"
	switch {
	case err == nil:
		log.WithField("status", string(e.Status)).Debug("retry task handled")
	case errors.Is(err, dispatch.ErrStaleTask):
		result = "stale"
		log.WithField("current_attempt", e.AttemptCount).Debug("stale retry task dropped")
	case errors.Is(err, dispatch.ErrNotRetryable), errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound):
		result = "skipped"
		log.WithError(err).Debug("retry task skipped")
	case errors.Is(err, dispatch.ErrConfigNotFound), errors.Is(err, dispatch.ErrConfigInactive):
		log.WithError(err).Warn("retry abandoned")
	case errors.Is(err, dispatch.ErrDisabled):
		result = "skipped"
		log.Warn("dispatch disabled; retry left for the sweep")
	default:
		result = "error"
		log.WithError(err).Error("retry task failed")
	}
	metrics.RecordTaskConsumed(result)
	return result
}

// Consumer reads the retry topic.
type Consumer struct {
	consumer *nsq.Consumer
	cfg      config.NSQ
}

// NewConsumer subscribes h to the retry topic on the worker channel.
func NewConsumer(cfg config.NSQ, maxInFlight int, h nsq.Handler) (*Consumer, error) {
	conf := nsq.NewConfig()
	if maxInFlight > 0 {
		conf.MaxInFlight = maxInFlight
	}
	c, err := nsq.NewConsumer(cfg.RetryTopic, cfg.WorkerChannel, conf)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer: %w", err)
	}
	c.SetLogger(nil, nsq.LogLevelError)
	c.AddHandler(h)
	return &Consumer{consumer: c, cfg: cfg}, nil
}

// Connect attaches to nsqd directly, which creates the channel up front, and
// then to lookupd when one is configured.
func (c *Consumer) Connect() error {
	if err := c.consumer.ConnectToNSQD(c.cfg.NsqdTCPAddr); err != nil {
		return fmt.Errorf("connect to nsqd: %w", err)
	}
	if c.cfg.LookupHTTPAddr == "" {
		return nil
	}
	if err := c.consumer.ConnectToNSQLookupd(c.cfg.LookupHTTPAddr); err != nil {
		return fmt.Errorf("connect to lookupd: %w", err)
	}
	return nil
}

// Stop stops reading and waits for in-flight handlers to return.
func (c *Consumer) Stop() {
	c.consumer.Stop()
	<-c.consumer.StopChan
}
