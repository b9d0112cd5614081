package session

import (
	"context"
	"time"

	"eventbot/pkg/dispatch"
	"eventbot/pkg/plugin"
	"eventbot/pkg/scheduler"
)

// AddFriendHandler registers h for friend messages and resizes the pool.
func (s *Session) AddFriendHandler(h dispatch.FriendHandler) {
	s.registry.Friend.Add(h)
	s.resize()
}

// AddGroupHandler registers h for group messages and resizes the pool.
func (s *Session) AddGroupHandler(h dispatch.GroupHandler) {
	s.registry.Group.Add(h)
	s.resize()
}

// AddEventHandler registers h for events and resizes the pool.
func (s *Session) AddEventHandler(h dispatch.EventHandler) {
	s.registry.Event.Add(h)
	s.resize()
}

// OnFriendMessage is the chainable form of AddFriendHandler.
func (s *Session) OnFriendMessage(h dispatch.FriendHandler) *Session {
	s.AddFriendHandler(h)
	return s
}

// OnGroupMessage is the chainable form of AddGroupHandler.
func (s *Session) OnGroupMessage(h dispatch.GroupHandler) *Session {
	s.AddGroupHandler(h)
	return s
}

// OnEvent is the chainable form of AddEventHandler.
func (s *Session) OnEvent(h dispatch.EventHandler) *Session {
	s.AddEventHandler(h)
	return s
}

func (s *Session) UseFriendMiddleware(mw dispatch.FriendMiddleware) error {
	return s.registry.Friend.SetMiddleware(mw)
}

func (s *Session) UseGroupMiddleware(mw dispatch.GroupMiddleware) error {
	return s.registry.Group.SetMiddleware(mw)
}

func (s *Session) UseEventMiddleware(mw dispatch.EventMiddleware) error {
	return s.registry.Event.SetMiddleware(mw)
}

// WhenConnected sets the connect hook. Unless everyTime is set it runs once.
func (s *Session) WhenConnected(fn Hook, everyTime bool) *Session {
	s.setHook(&s.onConnect, fn, everyTime)
	return s
}

// WhenDisconnected sets the disconnect hook. Unless everyTime is set it runs once.
func (s *Session) WhenDisconnected(fn Hook, everyTime bool) *Session {
	s.setHook(&s.onDisconnect, fn, everyTime)
	return s
}

func (s *Session) setHook(slot **hook, fn Hook, everyTime bool) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()

	if fn == nil {
		*slot = nil
		return
	}
	*slot = &hook{fn: fn, everyTime: everyTime}
}

// takeHook returns the hook to run and clears one-shot hooks.
func (s *Session) takeHook(slot **hook) Hook {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()

	h := *slot
	if h == nil {
		return nil
	}
	if !h.everyTime {
		*slot = nil
	}
	return h.fn
}

func (s *Session) runHook(name string, fn Hook) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Lifecycle hook panicked", "hook", name, "panic", r)
		}
	}()
	fn()
}

// Scheduler exposes the job table.
func (s *Session) Scheduler() *scheduler.Scheduler {
	return s.sched
}

// Every registers an interval job.
func (s *Session) Every(interval time.Duration, name string, fn scheduler.JobFunc) (*scheduler.Job, error) {
	job, err := s.sched.Every(interval, name, fn)
	if err != nil {
		return nil, err
	}
	s.jobAdded()
	return job, nil
}

// Cron registers a job on a cron expression.
func (s *Session) Cron(expr string, name string, fn scheduler.JobFunc) (*scheduler.Job, error) {
	job, err := s.sched.Cron(expr, name, fn)
	if err != nil {
		return nil, err
	}
	s.jobAdded()
	return job, nil
}

// SchedulerState returns the scheduler loop state.
func (s *Session) SchedulerState() scheduler.State {
	return s.loop.State()
}

// jobAdded starts the loop for jobs registered while already connected.
func (s *Session) jobAdded() {
	if s.connected.Load() {
		s.startScheduler()
	}
}

// startScheduler launches the loop on the pool at most once per session.
func (s *Session) startScheduler() {
	if s.sched.Len() == 0 || s.exit.Load() || !s.loop.TryStart() {
		return
	}

	_, err := s.pool.Submit("scheduler", func(ctx context.Context) error {
		return s.loop.Run(ctx, s.exit.Load)
	})
	if err != nil {
		s.loop.Abandon()
		s.log.Error("Failed to start scheduler loop", "error", err)
	}
}

// LoadPlugins loads new plugin files.
func (s *Session) LoadPlugins() error { return s.plugins.Load() }

// ReloadPlugins reloads every plugin that is not removed.
func (s *Session) ReloadPlugins() error { return s.plugins.Reload() }

// ReloadPlugin reloads one plugin by name.
func (s *Session) ReloadPlugin(name string) error { return s.plugins.ReloadOne(name) }

// RemovePlugin unloads a plugin until RecoverPlugin.
func (s *Session) RemovePlugin(name string) error { return s.plugins.Remove(name) }

// RecoverPlugin loads a removed plugin again.
func (s *Session) RecoverPlugin(name string) error { return s.plugins.Recover(name) }

// RefreshPlugins picks up new files and drops deleted ones.
func (s *Session) RefreshPlugins() error { return s.plugins.Refresh() }

// WatchPlugins reacts to plugin file changes until ctx ends.
func (s *Session) WatchPlugins(ctx context.Context) error { return s.plugins.Watch(ctx) }

func (s *Session) PluginStatus() []plugin.Status { return s.plugins.Status() }

func (s *Session) PluginTable() string { return s.plugins.InfoTable() }

func (s *Session) Plugins() []string { return s.plugins.Plugins() }

func (s *Session) RemovedPlugins() []string { return s.plugins.RemovedPlugins() }
