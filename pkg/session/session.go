// Package session composes transport, dispatch, worker pool, scheduler and
// plugins into the long-lived bot client.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"eventbot/pkg/bus"
	"eventbot/pkg/config"
	"eventbot/pkg/dispatch"
	"eventbot/pkg/message"
	"eventbot/pkg/plugin"
	"eventbot/pkg/pool"
	"eventbot/pkg/scheduler"
	"eventbot/pkg/transport"
	"eventbot/pkg/webhook"
)

const (
	// StatusConnectFailed is returned by Run when the first connect fails.
	StatusConnectFailed = 1

	announceTimeout = 10 * time.Second
)

// ErrMiddlewareRegistered is returned when a category already has a middleware.
var ErrMiddlewareRegistered = dispatch.ErrMiddlewareRegistered

// Hook is a connect or disconnect callback.
type Hook func()

// Options configures a Session.
type Options struct {
	Accounts   []int64
	Address    string
	Filters    dispatch.Filters
	MaxWorkers int
	UsePlugins bool
	PluginDir  string
	// Webhook forwards every received message when enabled.
	Webhook config.WebhookConfig
	// SchedulerStep overrides the scheduler sleep increment.
	SchedulerStep time.Duration
}

// OptionsFromConfig maps runtime configuration onto session options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Accounts: cfg.Client.Accounts,
		Address:  cfg.Client.Address(),
		Filters: dispatch.Filters{
			Friend: dispatch.NewFilter(cfg.Filters.FriendBlacklist, cfg.Filters.FriendWhitelist),
			Group:  dispatch.NewFilter(cfg.Filters.GroupBlacklist, cfg.Filters.GroupWhitelist),
		},
		MaxWorkers: cfg.Pool.MaxWorkers,
		UsePlugins: cfg.Plugins.Enabled,
		PluginDir:  cfg.Plugins.Dir,
		Webhook:    cfg.Webhook,
	}
}

type hook struct {
	fn        Hook
	everyTime bool
}

// Session is the only object integrators touch directly.
type Session struct {
	opts Options
	log  *slog.Logger
	tr   transport.Transport

	registry *dispatch.Registry
	pool     *pool.Holder
	plugins  *plugin.Manager
	sched    *scheduler.Scheduler
	loop     *scheduler.Loop
	events   *bus.Bus

	hookMu       sync.Mutex
	onConnect    *hook
	onDisconnect *hook

	connected atomic.Bool
	exit      atomic.Bool
	status    atomic.Int32
	closeOnce sync.Once
	closed    chan struct{}
}

// New wires a session on top of tr. Nothing connects until Run.
func New(opts Options, tr transport.Transport, log *slog.Logger) (*Session, error) {
	if tr == nil {
		return nil, errors.New("transport is required")
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Session{
		opts:     opts,
		log:      log.With("component", "session"),
		tr:       tr,
		registry: dispatch.NewRegistry(opts.Filters, log),
		sched:    scheduler.New(),
		events:   bus.New(),
		closed:   make(chan struct{}),
	}

	s.pool = pool.NewHolder(pool.Size(0, opts.MaxWorkers), pool.WithFailureHandler(s.reportFailure))

	if opts.Webhook.Enabled {
		forwarder, err := webhook.New(opts.Webhook, log)
		if err != nil {
			return nil, fmt.Errorf("configure webhook: %w", err)
		}
		s.AddFriendHandler(forwarder.Friend)
		s.AddGroupHandler(forwarder.Group)
		s.AddEventHandler(forwarder.Event)
	}

	var loopOpts []scheduler.LoopOption
	loopOpts = append(loopOpts, scheduler.WithJobFailureHandler(s.reportJobFailure))
	if opts.SchedulerStep > 0 {
		loopOpts = append(loopOpts, scheduler.WithStep(opts.SchedulerStep))
	}
	s.loop = scheduler.NewLoop(s.sched, log, loopOpts...)

	s.plugins = plugin.New(plugin.Options{Dir: opts.PluginDir, Emit: s.emit, Logger: log})
	s.registry.SetPlugins(s.plugins)
	s.plugins.OnChange(func() {
		s.resize()
		s.events.Publish(bus.Event{Type: bus.EventPluginsChanged})
	})

	for _, category := range message.Categories {
		event := category.EventName()
		tr.On(event, func(data []byte) {
			s.receive(event, data)
		})
	}
	tr.On(transport.EventConnect, func([]byte) { s.handleConnect() })
	tr.On(transport.EventDisconnect, func([]byte) { s.handleDisconnect() })

	if opts.UsePlugins {
		if err := s.plugins.Load(); err != nil {
			s.log.Warn("Plugins not loaded", "dir", s.plugins.Dir(), "error", err)
		} else {
			s.log.Info("Plugins loaded", "plugins", s.plugins.Plugins())
		}
	}

	return s, nil
}

// Run connects and blocks until the connection ends, ctx is done or Close is
// called. It returns the exit status.
func (s *Session) Run(ctx context.Context) int {
	if s.exit.Load() {
		return int(s.status.Load())
	}

	s.log.Info("Connecting", "address", s.opts.Address, "accounts", s.opts.Accounts)
	if err := s.tr.Connect(ctx, s.opts.Address); err != nil {
		s.log.Error("Failed to connect", "address", s.opts.Address, "error", err)
		s.Close(StatusConnectFailed)
		return int(s.status.Load())
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- s.tr.Wait()
	}()

	select {
	case <-ctx.Done():
		s.log.Info("Interrupted, shutting down")
		s.Close(0)
	case err := <-waitErr:
		if err != nil {
			s.log.Error("Connection ended", "error", err)
			s.Close(1)
		} else {
			s.log.Info("Connection ended")
			s.Close(0)
		}
	case <-s.closed:
	}

	return int(s.status.Load())
}

// Close disconnects, stops accepting pool work and marks the session exited.
// Work already submitted runs to completion. Only the first call's status counts.
func (s *Session) Close(status int) {
	s.closeOnce.Do(func() {
		s.status.Store(int32(status))

		if err := s.tr.Disconnect(); err != nil {
			s.log.Warn("Transport disconnect failed", "error", err)
		}
		s.pool.Shutdown()
		s.exit.Store(true)

		s.log.Info("Session closed", "status", status)
		s.events.Publish(bus.Event{Type: bus.EventClosed, Payload: map[string]string{"status": strconv.Itoa(status)}})
		s.events.Close()
		close(s.closed)
	})
}

// Done is closed once Close has run.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Exited reports whether Close has been called.
func (s *Session) Exited() bool {
	return s.exit.Load()
}

// Connected reports whether the transport is currently connected.
func (s *Session) Connected() bool {
	return s.connected.Load()
}

// Events subscribes to lifecycle and failure notices until ctx ends.
func (s *Session) Events(ctx context.Context) (<-chan bus.Event, func()) {
	return s.events.Subscribe(ctx, 0)
}

// Receivers returns the handler population per category.
func (s *Session) Receivers() dispatch.Counts {
	return s.registry.Counts()
}

// PoolSize returns the concurrency bound of the current worker pool.
func (s *Session) PoolSize() int {
	return s.pool.Current().Size()
}

func (s *Session) String() string {
	return fmt.Sprintf("Session(address=%s, accounts=%v, receivers=%+v)", s.opts.Address, s.opts.Accounts, s.Receivers())
}

// receive submits the dispatch step for one inbound payload and returns at once.
func (s *Session) receive(event string, data []byte) {
	if s.exit.Load() {
		return
	}

	category, ok := message.CategoryForEvent(event)
	if !ok {
		s.log.Warn("Ignoring unknown inbound event", "event", event)
		return
	}

	raw := bytes.Clone(data)
	_, err := s.pool.Submit("dispatch:"+category.String(), func(ctx context.Context) error {
		return s.registry.Dispatch(ctx, category, raw, s.pool)
	})
	if err != nil {
		s.log.Warn("Dropping inbound message", "category", category.String(), "error", err)
	}
}

func (s *Session) handleConnect() {
	s.connected.Store(true)
	s.log.Info("Connected", "address", s.opts.Address)

	for _, account := range s.opts.Accounts {
		s.announce(account)
	}

	s.startScheduler()

	if fn := s.takeHook(&s.onConnect); fn != nil {
		s.runHook("connect", fn)
	}
	s.events.Publish(bus.Event{Type: bus.EventConnected})
}

func (s *Session) handleDisconnect() {
	s.connected.Store(false)
	s.log.Info("Disconnected")

	if fn := s.takeHook(&s.onDisconnect); fn != nil {
		s.runHook("disconnect", fn)
	}
	s.events.Publish(bus.Event{Type: bus.EventDisconnected})
}

// announce tells the remote side which account this connection serves.
func (s *Session) announce(account int64) {
	id := strconv.FormatInt(account, 10)
	ctx, cancel := context.WithTimeout(context.Background(), announceTimeout)
	defer cancel()

	err := s.tr.Emit(ctx, transport.EventGetWebConn, id, func(data []byte) {
		s.log.Info("Account registered", "account", id, "response", string(data))
	})
	if err != nil {
		s.log.Error("Failed to register account", "account", id, "error", err)
	}
}

// emit is handed to plugins as bot.emit.
func (s *Session) emit(ctx context.Context, event string, payload any) error {
	if s.exit.Load() {
		return transport.ErrClosed
	}
	return s.tr.Emit(ctx, event, payload, nil)
}

// resize recomputes the pool size from the current handler population.
func (s *Session) resize() {
	counts := s.registry.Counts()
	size := pool.Size(counts.Total(), s.opts.MaxWorkers)
	if s.pool.Resize(size) {
		s.log.Debug("Worker pool resized", "size", size, "handlers", counts.Total())
	}
}

func (s *Session) reportFailure(task *pool.Task, err error) {
	attrs := []any{"task", task.Name, "task_id", task.ID, "error", err}
	var panicErr *pool.PanicError
	if errors.As(err, &panicErr) {
		attrs = append(attrs, "stack", string(panicErr.Stack))
	}
	s.log.Error("Task failed", attrs...)

	s.events.Publish(bus.Event{Type: bus.EventTaskFailed, Task: task.Name, TaskID: task.ID, Error: err.Error()})
}

func (s *Session) reportJobFailure(job *scheduler.Job, err error) {
	s.events.Publish(bus.Event{Type: bus.EventJobFailed, Task: job.Name, TaskID: job.ID, Error: err.Error()})
}
