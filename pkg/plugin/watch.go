package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 250 * time.Millisecond

// Watch reloads edited plugins and refreshes on created or deleted files until ctx ends.
func (m *Manager) Watch(ctx context.Context) error {
	if _, err := os.Stat(m.dir); err != nil {
		return fmt.Errorf("%s: %w", m.dir, ErrNoPluginDir)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create plugin watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(m.dir); err != nil {
		return fmt.Errorf("watch %s: %w", m.dir, err)
	}
	m.log.Info("Watching plugin directory", "dir", m.dir)

	var (
		timer   *time.Timer
		fire    <-chan time.Time
		edited  = make(map[string]struct{})
		refresh bool
	)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			base := filepath.Base(event.Name)
			if !isPluginFile(base) {
				continue
			}

			switch {
			case event.Has(fsnotify.Create), event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				refresh = true
			case event.Has(fsnotify.Write):
				edited[normalizeName(base)] = struct{}{}
			default:
				continue
			}

			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			fire = timer.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.log.Warn("Plugin watcher error", "error", err)

		case <-fire:
			fire = nil
			m.applyChanges(edited, refresh)
			clear(edited)
			refresh = false
		}
	}
}

func (m *Manager) applyChanges(edited map[string]struct{}, refresh bool) {
	loaded := make(map[string]bool)
	for _, name := range m.Plugins() {
		loaded[name] = true
	}
	for name := range edited {
		if !loaded[name] {
			refresh = true
		}
	}

	if refresh {
		if err := m.Refresh(); err != nil {
			m.log.Error("Plugin refresh failed", "error", err)
		}
	}

	for name := range edited {
		if !loaded[name] {
			continue
		}
		m.log.Info("Plugin file changed, reloading", "plugin", name)
		if err := m.ReloadOne(name); err != nil {
			m.log.Error("Plugin reload failed", "plugin", name, "error", err)
		}
	}
}
