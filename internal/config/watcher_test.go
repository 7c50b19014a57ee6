package config

import (
	"testing"
	"time"
)

func TestWatcherReloadsOnFileChange(t *testing.T) {
	m := newTestManager(t, "proxy:\n  port: 9090\n", "")

	reloaded := make(chan int, 4)
	m.Subscribe(func(v *View) {
		reloaded <- v.Policy.Proxy.Port
	})
	m.StartWatcher()

	// Give the watcher a moment to register before writing.
	time.Sleep(200 * time.Millisecond)
	writeFile(t, m.PolicyPath(), "proxy:\n  port: 7070\n")

	deadline := time.After(5 * time.Second)
	for {
		select {
		case port := <-reloaded:
			if port == 7070 {
				return
			}
		case <-deadline:
			t.Fatal("watcher did not pick up file change")
		}
	}
}
