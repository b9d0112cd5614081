package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultStep bounds how long the loop sleeps before re-checking for shutdown.
const DefaultStep = 5 * time.Second

// State is the loop lifecycle state.
type State int32

const (
	NotStarted State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Loop drains due jobs until it observes shutdown. It runs at most once per lifetime.
type Loop struct {
	sched     *Scheduler
	step      time.Duration
	log       *slog.Logger
	onFailure func(job *Job, err error)

	state atomic.Int32
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithStep overrides the sleep increment.
func WithStep(step time.Duration) LoopOption {
	return func(l *Loop) {
		if step > 0 {
			l.step = step
		}
	}
}

// WithJobFailureHandler is called for every job that returns an error or panics.
func WithJobFailureHandler(fn func(job *Job, err error)) LoopOption {
	return func(l *Loop) {
		l.onFailure = fn
	}
}

// NewLoop creates a loop over sched.
func NewLoop(sched *Scheduler, log *slog.Logger, opts ...LoopOption) *Loop {
	if log == nil {
		log = slog.Default()
	}

	l := &Loop{
		sched: sched,
		step:  DefaultStep,
		log:   log.With("component", "scheduler.loop"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// TryStart moves NotStarted to Running. Only the first caller gets true.
func (l *Loop) TryStart() bool {
	return l.state.CompareAndSwap(int32(NotStarted), int32(Running))
}

// Abandon marks a started loop Stopped when it could not be run.
func (l *Loop) Abandon() {
	l.state.CompareAndSwap(int32(Running), int32(Stopped))
}

// Run drains jobs until stopped returns true or ctx is done. The caller must have won TryStart.
func (l *Loop) Run(ctx context.Context, stopped func() bool) error {
	defer l.state.Store(int32(Stopped))

	l.log.Info("Scheduler loop started", "jobs", l.sched.Len())
	for {
		if stopped() || ctx.Err() != nil {
			l.log.Info("Scheduler loop stopped")
			return nil
		}

		for _, job := range l.sched.Due(l.sched.now()) {
			l.log.Info("Running job", "job", job.Name, "job_id", job.ID)
			if err := l.sched.Run(ctx, job); err != nil {
				l.log.Error("Job failed", "job", job.Name, "job_id", job.ID, "error", err)
				if l.onFailure != nil {
					l.onFailure(job, err)
				}
			}
		}

		idle := l.sched.Idle(l.sched.now())
		if idle < 0 {
			idle = l.step
		}
		if !l.sleep(ctx, idle, stopped) {
			l.log.Info("Scheduler loop stopped")
			return nil
		}
	}
}

// sleep waits for d in step-sized increments. It returns false when shutdown was observed.
func (l *Loop) sleep(ctx context.Context, d time.Duration, stopped func() bool) bool {
	for d > 0 {
		if stopped() {
			return false
		}

		chunk := min(d, l.step)
		timer := time.NewTimer(chunk)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
		d -= chunk
	}

	return !stopped()
}
