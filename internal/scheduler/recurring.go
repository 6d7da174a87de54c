package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/austindbirch/harbor_relay/internal/dispatch"
	"github.com/austindbirch/harbor_relay/internal/logging"
)

// Sweeper is the maintenance side of the dispatcher.
type Sweeper interface {
	SweepRetries(ctx context.Context) (dispatch.SweepReport, error)
	PurgeExpired(ctx context.Context) (int64, error)
}

// JobInfo describes a registered recurring job.
type JobInfo struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	LastRun  time.Time `json:"last_run"`
	NextRun  time.Time `json:"next_run"`
}

type job struct {
	name     string
	schedule string
	id       cron.EntryID
	run      func()
}

// Recurring runs the retry sweep and the retention cleanup on cron
// schedules. A run that is still going when its next tick fires is skipped.
type Recurring struct {
	cron    *cron.Cron
	sweeper Sweeper
	logger  *logging.Logger
	timeout time.Duration

	mu   sync.Mutex
	jobs []job
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewRecurring registers the sweep on sweepSpec and retention on
// retentionSpec. Both accept five-field cron expressions or descriptors
// such as @hourly.
func NewRecurring(sweeper Sweeper, sweepSpec, retentionSpec string, timeout time.Duration, logger *logging.Logger) (*Recurring, error) {
	if logger == nil {
		logger = logging.New("harborrelay-cron")
	}
	r := &Recurring{
		cron:    cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		sweeper: sweeper,
		logger:  logger,
		timeout: timeout,
	}
	if err := r.add("retry_sweep", sweepSpec, r.Sweep); err != nil {
		return nil, err
	}
	if err := r.add("retention", retentionSpec, r.Purge); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recurring) add(name, spec string, fn func(context.Context) error) error {
	run := func() {
		ctx := context.Background()
		if r.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		if err := fn(ctx); err != nil {
			r.logger.Plain().WithField("job", name).WithError(err).Error("recurring job failed")
		}
	}
	id, err := r.cron.AddFunc(spec, run)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q for %s: %w", spec, name, err)
	}
	r.mu.Lock()
	r.jobs = append(r.jobs, job{name: name, schedule: spec, id: id, run: run})
	r.mu.Unlock()
	return nil
}

// Sweep runs the retry sweep once.
func (r *Recurring) Sweep(ctx context.Context) error {
	_, err := r.sweeper.SweepRetries(ctx)
	if err == dispatch.ErrDisabled {
		r.logger.Plain().Debug("retry sweep skipped: dispatch disabled")
		return nil
	}
	return err
}

// Purge runs the retention cleanup once.
func (r *Recurring) Purge(ctx context.Context) error {
	_, err := r.sweeper.PurgeExpired(ctx)
	return err
}

func (r *Recurring) Start() {
	r.cron.Start()
	r.logger.Plain().WithField("jobs", len(r.Jobs())).Info("recurring jobs started")
}

// Stop stops scheduling and waits for running jobs until ctx is done.
func (r *Recurring) Stop(ctx context.Context) error {
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Jobs lists the registered jobs with their last and next run.
func (r *Recurring) Jobs() []JobInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]JobInfo, 0, len(r.jobs))
	for _, j := range r.jobs {
		e := r.cron.Entry(j.id)
		out = append(out, JobInfo{Name: j.name, Schedule: j.schedule, LastRun: e.Prev, NextRun: e.Next})
	}
	return out
}
