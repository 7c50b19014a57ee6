package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

const watchDebounce = 100 * time.Millisecond

// StartWatcher begins watching both documents and their directories.
// Atomic-rename editors replace the file, which surfaces as a directory
// event, so watching the file alone is not enough.
func (m *Manager) StartWatcher() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.WithError(err).Warn("failed to create file watcher, falling back to polling")
		m.startPollingWatcher()
		return
	}

	paths := map[string]bool{}
	for _, p := range []string{m.policyPath, m.keysPath} {
		paths[p] = true
		if err := watcher.Add(filepath.Dir(p)); err != nil {
			log.WithError(err).WithField("dir", filepath.Dir(p)).Warn("failed to watch config directory")
		}
		// The file itself may not exist yet; directory events cover creation.
		if err := watcher.Add(p); err != nil {
			log.WithError(err).WithField("path", p).Debug("failed to watch config file directly")
		}
	}

	log.WithFields(log.Fields{
		"policy": m.policyPath,
		"keys":   m.keysPath,
	}).Info("config watcher started using fsnotify")

	go func() {
		defer watcher.Close()

		var debounceTimer *time.Timer

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !paths[event.Name] {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(watchDebounce, func() {
					if _, err := m.ForceReload(); err == nil {
						log.Debug("config reloaded after file change")
					}
				})

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("config watcher error")

			case <-m.stopCh:
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				return
			}
		}
	}()
}

// startPollingWatcher is the fallback when fsnotify is unavailable.
func (m *Manager) startPollingWatcher() {
	ticker := time.NewTicker(5 * time.Second)
	log.WithField("interval", "5s").Info("config watcher started using polling")

	go func() {
		defer ticker.Stop()
		var lastPolicy, lastKeys time.Time
		for {
			select {
			case <-ticker.C:
				changed := false
				if mt, ok := modTime(m.policyPath); ok && mt.After(lastPolicy) {
					lastPolicy = mt
					changed = true
				}
				if mt, ok := modTime(m.keysPath); ok && mt.After(lastKeys) {
					lastKeys = mt
					changed = true
				}
				if changed {
					_, _ = m.ForceReload()
				}
			case <-m.stopCh:
				return
			}
		}
	}()
}
