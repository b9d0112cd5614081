// Package scheduler keeps the table of periodic jobs and the loop that runs them.
package scheduler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

var (
	// ErrJobNotFound is returned by Remove for unknown ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrNeverRuns is returned for schedules with no upcoming activation.
	ErrNeverRuns = errors.New("schedule has no upcoming run")
)

// JobFunc is the zero-argument action of a job.
type JobFunc func(ctx context.Context) error

// Job is one registered periodic job.
type Job struct {
	ID       string
	Name     string
	schedule cron.Schedule
	fn       JobFunc
	seq      uint64
	next     time.Time
	last     time.Time
}

// Info is a read-only view of a job.
type Info struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	NextRun time.Time `json:"next_run"`
	LastRun time.Time `json:"last_run,omitzero"`
	Parked  bool      `json:"parked,omitempty"`
}

// Scheduler stores jobs and decides which are due.
type Scheduler struct {
	parser cron.Parser
	now    func() time.Time

	mu   sync.Mutex
	jobs []*Job
	seq  uint64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates an empty scheduler. Cron expressions use the standard five-field
// syntax plus descriptors such as @hourly and @every 10m.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Every registers fn to run every interval, first run one interval from now.
func (s *Scheduler) Every(interval time.Duration, name string, fn JobFunc) (*Job, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be greater than zero")
	}
	return s.add(intervalSchedule(interval), name, fn)
}

// Cron registers fn on a cron expression.
func (s *Scheduler) Cron(expr string, name string, fn JobFunc) (*Job, error) {
	schedule, err := s.parser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return s.add(schedule, name, fn)
}

func (s *Scheduler) add(schedule cron.Schedule, name string, fn JobFunc) (*Job, error) {
	if fn == nil {
		return nil, errors.New("job function is required")
	}
	if strings.TrimSpace(name) == "" {
		name = "job"
	}

	next := schedule.Next(s.now())
	if next.IsZero() {
		return nil, fmt.Errorf("job %s: %w", name, ErrNeverRuns)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	job := &Job{
		ID:       uuid.NewString(),
		Name:     name,
		schedule: schedule,
		fn:       fn,
		seq:      s.seq,
		next:     next,
	}
	s.jobs = append(s.jobs, job)
	return job, nil
}

// Remove unregisters a job by id.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, job := range s.jobs {
		if job.ID == id {
			s.jobs = slices.Delete(s.jobs, i, i+1)
			return nil
		}
	}
	return fmt.Errorf("%s: %w", id, ErrJobNotFound)
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Jobs returns job views in registration order.
func (s *Scheduler) Jobs() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Info, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, Info{ID: job.ID, Name: job.Name, NextRun: job.next, LastRun: job.last, Parked: job.parked()})
	}
	return out
}

// Due returns jobs whose next run is not after now, earliest first and
// registration order on ties. Parked jobs are never due.
func (s *Scheduler) Due(now time.Time) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Job
	for _, job := range s.jobs {
		if !job.parked() && !job.next.After(now) {
			due = append(due, job)
		}
	}

	slices.SortStableFunc(due, func(a, b *Job) int {
		if c := a.next.Compare(b.next); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	return due
}

// Run executes one job and schedules its next run from the completion time.
// A job whose schedule has run out is parked and stays registered.
func (s *Scheduler) Run(ctx context.Context, job *Job) error {
	err := runJob(ctx, job.fn)

	now := s.now()
	s.mu.Lock()
	job.last = now
	job.next = job.schedule.Next(now)
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	return nil
}

// Idle returns the time until the next job is due. Without a schedulable job it returns -1.
func (s *Scheduler) Idle(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next time.Time
	for _, job := range s.jobs {
		if job.parked() {
			continue
		}
		if next.IsZero() || job.next.Before(next) {
			next = job.next
		}
	}
	if next.IsZero() {
		return -1
	}

	if idle := next.Sub(now); idle > 0 {
		return idle
	}
	return 0
}

// parked reports a job whose schedule yields no further run.
func (j *Job) parked() bool {
	return j.next.IsZero()
}

func runJob(ctx context.Context, fn JobFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// intervalSchedule is cron.ConstantDelaySchedule without its one-second rounding.
type intervalSchedule time.Duration

func (d intervalSchedule) Next(t time.Time) time.Time {
	return t.Add(time.Duration(d))
}
