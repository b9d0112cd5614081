// Package plugin loads Lua handler scripts from a directory and exposes them
// as message handlers.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"eventbot/pkg/dispatch"
	"eventbot/pkg/message"
)

const (
	DefaultDir = "plugins"

	filePrefix = "bot_"
	fileSuffix = ".lua"
)

var (
	ErrNotFound    = errors.New("plugin not found")
	ErrNotRemoved  = errors.New("plugin is not removed")
	ErrNoPluginDir = errors.New("plugin directory does not exist")
)

// Options configures a Manager.
type Options struct {
	Dir    string
	Emit   EmitFunc
	Logger *slog.Logger
}

// Status describes one known plugin.
type Status struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Enabled  bool      `json:"enabled"`
	Friend   bool      `json:"friend"`
	Group    bool      `json:"group"`
	Event    bool      `json:"event"`
	LoadedAt time.Time `json:"loaded_at,omitzero"`
	Error    string    `json:"error,omitempty"`
}

// Manager owns the loaded plugins. Every handler accessor returns a fresh snapshot.
type Manager struct {
	dir  string
	emit EmitFunc
	log  *slog.Logger

	mu       sync.RWMutex
	loaded   map[string]*Plugin
	removed  map[string]string
	failed   map[string]string
	onChange []func()
}

var _ dispatch.PluginSource = (*Manager)(nil)

// New creates a manager for opts.Dir. Nothing is loaded until Load.
func New(opts Options) *Manager {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		dir = DefaultDir
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Manager{
		dir:     dir,
		emit:    opts.Emit,
		log:     log.With("component", "plugin.manager"),
		loaded:  make(map[string]*Plugin),
		removed: make(map[string]string),
		failed:  make(map[string]string),
	}
}

// Dir returns the plugin directory.
func (m *Manager) Dir() string {
	return m.dir
}

// OnChange registers fn to run after the plugin population changed.
func (m *Manager) OnChange(fn func()) {
	if fn == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Load loads every plugin file that is neither loaded nor removed.
// Scripts that fail to load are logged and reported by Status.
func (m *Manager) Load() error {
	files, err := m.scan()
	if err != nil {
		return err
	}

	m.mu.Lock()
	for name, path := range files {
		if _, ok := m.loaded[name]; ok {
			continue
		}
		if _, ok := m.removed[name]; ok {
			continue
		}
		m.loadLocked(name, path)
	}
	m.mu.Unlock()

	m.changed()
	return nil
}

// Reload closes every loaded plugin and loads all non-removed files again.
func (m *Manager) Reload() error {
	files, err := m.scan()
	if err != nil {
		return err
	}

	m.mu.Lock()
	for name, p := range m.loaded {
		p.close()
		delete(m.loaded, name)
	}
	clear(m.failed)
	for name, path := range files {
		if _, ok := m.removed[name]; ok {
			continue
		}
		m.loadLocked(name, path)
	}
	m.mu.Unlock()

	m.changed()
	return nil
}

// ReloadOne reloads a single plugin from disk.
func (m *Manager) ReloadOne(name string) error {
	name = normalizeName(name)
	path := m.path(name)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}

	m.mu.Lock()
	if _, ok := m.removed[name]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%s is removed: %w", name, ErrNotFound)
	}
	if old, ok := m.loaded[name]; ok {
		old.close()
		delete(m.loaded, name)
	}
	err := m.loadLocked(name, path)
	m.mu.Unlock()

	m.changed()
	return err
}

// Remove unloads a plugin and remembers it as removed until Recover.
func (m *Manager) Remove(name string) error {
	name = normalizeName(name)

	m.mu.Lock()
	p, ok := m.loaded[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	p.close()
	delete(m.loaded, name)
	m.removed[name] = p.Path
	m.mu.Unlock()

	m.log.Info("Plugin removed", "plugin", name)
	m.changed()
	return nil
}

// Recover loads a previously removed plugin again.
func (m *Manager) Recover(name string) error {
	name = normalizeName(name)

	m.mu.Lock()
	path, ok := m.removed[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", name, ErrNotRemoved)
	}
	delete(m.removed, name)
	err := m.loadLocked(name, path)
	m.mu.Unlock()

	m.changed()
	return err
}

// Refresh loads new files and forgets plugins whose files are gone. Loaded
// plugins are not re-read.
func (m *Manager) Refresh() error {
	files, err := m.scan()
	if err != nil {
		return err
	}

	m.mu.Lock()
	for name, p := range m.loaded {
		if _, ok := files[name]; !ok {
			p.close()
			delete(m.loaded, name)
			m.log.Info("Plugin file gone, unloaded", "plugin", name)
		}
	}
	for name := range m.removed {
		if _, ok := files[name]; !ok {
			delete(m.removed, name)
		}
	}
	for name := range m.failed {
		if _, ok := files[name]; !ok {
			delete(m.failed, name)
		}
	}
	for name, path := range files {
		_, isLoaded := m.loaded[name]
		_, isRemoved := m.removed[name]
		if !isLoaded && !isRemoved {
			m.loadLocked(name, path)
		}
	}
	m.mu.Unlock()

	m.changed()
	return nil
}

// Close unloads every plugin.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, p := range m.loaded {
		p.close()
		delete(m.loaded, name)
	}
}

// Plugins returns loaded plugin names in order.
func (m *Manager) Plugins() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.loaded)
}

// RemovedPlugins returns removed plugin names in order.
func (m *Manager) RemovedPlugins() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.removed)
}

// Status returns every known plugin ordered by name.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.loaded)+len(m.removed)+len(m.failed))
	for _, p := range m.loaded {
		out = append(out, Status{
			Name:     p.Name,
			Path:     p.Path,
			Enabled:  true,
			Friend:   p.friend,
			Group:    p.group,
			Event:    p.event,
			LoadedAt: p.LoadedAt,
		})
	}
	for name, path := range m.removed {
		out = append(out, Status{Name: name, Path: path})
	}
	for name, reason := range m.failed {
		out = append(out, Status{Name: name, Path: m.path(name), Error: reason})
	}

	slices.SortFunc(out, func(a, b Status) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func (m *Manager) FriendHandlers() []dispatch.FriendHandler {
	var out []dispatch.FriendHandler
	for _, p := range m.snapshot(func(p *Plugin) bool { return p.friend }) {
		out = append(out, func(ctx context.Context, msg *message.FriendMessage) error {
			return p.call(ctx, FriendFunc, msg)
		})
	}
	return out
}

func (m *Manager) GroupHandlers() []dispatch.GroupHandler {
	var out []dispatch.GroupHandler
	for _, p := range m.snapshot(func(p *Plugin) bool { return p.group }) {
		out = append(out, func(ctx context.Context, msg *message.GroupMessage) error {
			return p.call(ctx, GroupFunc, msg)
		})
	}
	return out
}

func (m *Manager) EventHandlers() []dispatch.EventHandler {
	var out []dispatch.EventHandler
	for _, p := range m.snapshot(func(p *Plugin) bool { return p.event }) {
		out = append(out, func(ctx context.Context, msg *message.EventMessage) error {
			return p.call(ctx, EventFunc, msg)
		})
	}
	return out
}

func (m *Manager) snapshot(keep func(*Plugin) bool) []*Plugin {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Plugin, 0, len(m.loaded))
	for _, name := range sortedKeys(m.loaded) {
		if p := m.loaded[name]; keep(p) {
			out = append(out, p)
		}
	}
	return out
}

func (m *Manager) loadLocked(name, path string) error {
	p, err := loadPlugin(name, path, m.emit, m.log)
	if err != nil {
		m.failed[name] = err.Error()
		m.log.Error("Failed to load plugin", "plugin", name, "error", err)
		return err
	}

	delete(m.failed, name)
	m.loaded[name] = p
	m.log.Info("Plugin loaded", "plugin", name, "friend", p.friend, "group", p.group, "event", p.event)
	return nil
}

func (m *Manager) changed() {
	m.mu.RLock()
	fns := slices.Clone(m.onChange)
	m.mu.RUnlock()

	for _, fn := range fns {
		fn()
	}
}

// scan maps plugin names to paths for every bot_*.lua file in the directory.
func (m *Manager) scan() (map[string]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", m.dir, ErrNoPluginDir)
		}
		return nil, fmt.Errorf("read plugin dir: %w", err)
	}

	files := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !isPluginFile(entry.Name()) {
			continue
		}
		files[normalizeName(entry.Name())] = filepath.Join(m.dir, entry.Name())
	}
	return files, nil
}

func (m *Manager) path(name string) string {
	return filepath.Join(m.dir, filePrefix+name+fileSuffix)
}

func isPluginFile(base string) bool {
	return strings.HasPrefix(base, filePrefix) && strings.HasSuffix(base, fileSuffix) && len(base) > len(filePrefix)+len(fileSuffix)
}

// normalizeName accepts "echo", "bot_echo" or "bot_echo.lua".
func normalizeName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	name = strings.TrimSuffix(name, fileSuffix)
	return strings.TrimPrefix(name, filePrefix)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
