package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
)

// Local schedules retries on in-process timers. Pending retries are lost
// when the process exits; the sweep recovers them.
type Local struct {
	handler *Handler

	mu      sync.Mutex
	timers  map[*time.Timer]struct{}
	wg      sync.WaitGroup
	stopped bool
}

func NewLocal(tasks TaskHandler, timeout time.Duration, logger *logging.Logger) *Local {
	return &Local{
		handler: NewHandler(tasks, timeout, logger),
		timers:  make(map[*time.Timer]struct{}),
	}
}

// ScheduleRetry runs the task after delay. Scheduling after Stop is a no-op.
func (l *Local) ScheduleRetry(ctx context.Context, task delivery.RetryTask, delay time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return nil
	}
	var t *time.Timer
	l.wg.Add(1)
	t = time.AfterFunc(delay, func() {
		defer l.wg.Done()
		l.mu.Lock()
		delete(l.timers, t)
		l.mu.Unlock()
		l.handler.Handle(context.WithoutCancel(ctx), task)
	})
	l.timers[t] = struct{}{}
	return nil
}

// Pending counts retries not yet run.
func (l *Local) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

// Stop cancels pending timers and waits for running retries.
func (l *Local) Stop() {
	l.mu.Lock()
	l.stopped = true
	for t := range l.timers {
		if t.Stop() {
			l.wg.Done()
		}
		delete(l.timers, t)
	}
	l.mu.Unlock()
	l.wg.Wait()
}
