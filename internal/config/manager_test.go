package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestManager(t *testing.T, policy, keys string) *Manager {
	t.Helper()
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "config.yaml")
	keysPath := filepath.Join(dir, "keys.yaml")
	if policy != "" {
		writeFile(t, policyPath, policy)
	}
	if keys != "" {
		writeFile(t, keysPath, keys)
	}
	m := NewManager(Options{PolicyPath: policyPath, KeysPath: keysPath})
	t.Cleanup(m.Stop)
	return m
}

func TestMissingFilesYieldDefaults(t *testing.T) {
	m := newTestManager(t, "", "")
	view := m.Current()
	if view.Policy.Proxy.Port != 8080 {
		t.Errorf("port = %d, want default 8080", view.Policy.Proxy.Port)
	}
	if view.Policy.Monitoring.FailureThreshold != 3 {
		t.Errorf("failureThreshold = %d, want 3", view.Policy.Monitoring.FailureThreshold)
	}
	if len(view.Keys) != 0 {
		t.Errorf("keys = %d, want none", len(view.Keys))
	}
}

func TestSparsePolicyMergesDefaults(t *testing.T) {
	m := newTestManager(t, "proxy:\n  port: 9090\n  requireAuth: true\n", "")
	p := m.Current().Policy
	if p.Proxy.Port != 9090 {
		t.Errorf("port = %d, want 9090", p.Proxy.Port)
	}
	if !p.Proxy.RequireAuth {
		t.Error("requireAuth not parsed")
	}
	// Unset fields are filled in.
	if p.Proxy.Host != "0.0.0.0" || p.Proxy.RequestTimeoutMs != 30000 {
		t.Errorf("defaults not merged: host=%q timeout=%d", p.Proxy.Host, p.Proxy.RequestTimeoutMs)
	}
	if p.Monitoring.WindowSeconds != 300 {
		t.Errorf("windowSeconds = %d, want 300", p.Monitoring.WindowSeconds)
	}
}

func TestKeysNormalization(t *testing.T) {
	keysDoc := `keys:
  - name: alpha
    key: "  sk-a  "
    weight: 3
  - name: alpha
    key: sk-dup
  - name: ""
    key: sk-anon
  - name: empty
    key: ""
  - name: beta
    key: sk-b
    weight: 0
    cooldownSeconds: -5
`
	m := newTestManager(t, "", keysDoc)
	keys := m.Current().Keys
	if len(keys) != 2 {
		t.Fatalf("keys = %d, want 2 (dupes and blanks dropped)", len(keys))
	}
	if keys[0].Name != "alpha" || keys[0].Key != "sk-a" || keys[0].Weight != 3 {
		t.Errorf("alpha = %+v", keys[0])
	}
	if keys[1].Weight != 1 {
		t.Errorf("beta weight = %d, want clamped to 1", keys[1].Weight)
	}
	if keys[1].CooldownSeconds != 0 {
		t.Errorf("beta cooldown = %d, want clamped to 0", keys[1].CooldownSeconds)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvAdminToken, "env-admin")
	t.Setenv(EnvUpstreamBaseURL, "https://alt.example.com/v1")

	m := newTestManager(t, "proxy:\n  adminToken: file-admin\n", "")
	p := m.Current().Policy
	if p.Proxy.AdminToken != "env-admin" {
		t.Errorf("adminToken = %q, want env override", p.Proxy.AdminToken)
	}
	if p.Proxy.UpstreamBaseURL != "https://alt.example.com/v1" {
		t.Errorf("upstreamBaseUrl = %q, want env override", p.Proxy.UpstreamBaseURL)
	}
}

func TestForceReloadKeepsViewOnMalformedDocument(t *testing.T) {
	m := newTestManager(t, "proxy:\n  port: 9090\n", "")
	if m.Current().Policy.Proxy.Port != 9090 {
		t.Fatal("initial load failed")
	}

	writeFile(t, m.PolicyPath(), "proxy: [not: a: mapping\n")
	view, err := m.ForceReload()
	if err == nil {
		t.Fatal("expected parse error")
	}
	if view.Policy.Proxy.Port != 9090 {
		t.Errorf("port = %d, want prior view retained", view.Policy.Proxy.Port)
	}

	// A corrected document takes effect on the next reload.
	writeFile(t, m.PolicyPath(), "proxy:\n  port: 7070\n")
	view, err = m.ForceReload()
	if err != nil {
		t.Fatal(err)
	}
	if view.Policy.Proxy.Port != 7070 {
		t.Errorf("port = %d, want 7070", view.Policy.Proxy.Port)
	}
}

func TestSubscribeFanOut(t *testing.T) {
	m := newTestManager(t, "", "keys:\n  - name: k1\n    key: sk-1\n")

	var calls atomic.Int32
	gotKeys := make(chan int, 4)
	m.Subscribe(func(v *View) {
		calls.Add(1)
		gotKeys <- len(v.Keys)
	})

	writeFile(t, m.KeysPath(), "keys:\n  - name: k1\n    key: sk-1\n  - name: k2\n    key: sk-2\n")
	if _, err := m.ForceReload(); err != nil {
		t.Fatal(err)
	}

	select {
	case n := <-gotKeys:
		if n != 2 {
			t.Errorf("subscriber saw %d keys, want 2", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber not invoked")
	}
	if calls.Load() != 1 {
		t.Errorf("subscriber calls = %d, want 1", calls.Load())
	}
}

func TestRequestTimeoutHelper(t *testing.T) {
	p := DefaultPolicy()
	if p.RequestTimeout() != 30*time.Second {
		t.Errorf("timeout = %v, want 30s", p.RequestTimeout())
	}
	if p.Addr() != "0.0.0.0:8080" {
		t.Errorf("addr = %q", p.Addr())
	}
}
