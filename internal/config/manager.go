package config

import (
	"fmt"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Environment overrides recognized at load time.
const (
	EnvPolicyPath      = "GEMBALANCE_CONFIG"
	EnvKeysPath        = "GEMBALANCE_KEYS"
	EnvAdminToken      = "GEMBALANCE_ADMIN_TOKEN"
	EnvUpstreamBaseURL = "GEMBALANCE_UPSTREAM_BASE_URL"
	EnvLogLevel        = "GEMBALANCE_LOG_LEVEL"
)

const (
	defaultPolicyFile = "config.yaml"
	defaultKeysFile   = "keys.yaml"
)

// Subscriber receives the merged view after every successful reload.
// Callbacks must be idempotent: file watchers can fire more than once for a
// single save.
type Subscriber func(*View)

// Manager owns both configuration documents: discovery, parsing, defaults
// merge, hot reload, and subscriber fan-out. Parse errors never drop the last
// known good view.
type Manager struct {
	policyPath string
	keysPath   string

	mu          sync.RWMutex
	view        *View
	subscribers []Subscriber

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Options configures document discovery. Explicit paths win over environment
// variables, which win over files in the working directory.
type Options struct {
	PolicyPath string
	KeysPath   string
}

func resolvePath(explicit, envVar, fallback string) string {
	if explicit != "" {
		return explicit
	}
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return fallback
}

// NewManager resolves document paths and loads the initial view. Missing
// files yield defaults; they are not an error.
func NewManager(opts Options) *Manager {
	m := &Manager{
		policyPath: resolvePath(opts.PolicyPath, EnvPolicyPath, defaultPolicyFile),
		keysPath:   resolvePath(opts.KeysPath, EnvKeysPath, defaultKeysFile),
		stopCh:     make(chan struct{}),
	}
	view, err := m.read()
	if err != nil {
		// No prior view to keep at first load; fall back to pure defaults.
		log.WithError(err).Warn("initial config load failed; starting with defaults")
		view = &View{Policy: DefaultPolicy()}
	}
	m.view = view
	return m
}

// Current returns the latest merged view.
func (m *Manager) Current() *View {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view
}

// Subscribe registers a callback invoked asynchronously after each reload.
func (m *Manager) Subscribe(fn Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// ForceReload re-reads both documents synchronously and fires subscribers.
// On parse failure the prior view is retained and returned with the error.
func (m *Manager) ForceReload() (*View, error) {
	view, err := m.read()
	if err != nil {
		log.WithError(err).Warn("config reload failed; keeping previous view")
		return m.Current(), err
	}
	m.publish(view)
	return view, nil
}

// PolicyPath returns the resolved policy document path.
func (m *Manager) PolicyPath() string { return m.policyPath }

// KeysPath returns the resolved credential document path.
func (m *Manager) KeysPath() string { return m.keysPath }

// Stop terminates the watcher goroutine, if started.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) publish(view *View) {
	m.mu.Lock()
	old := m.view
	m.view = view
	subs := make([]Subscriber, len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.Unlock()

	if old != nil {
		if old.Policy.Proxy.Host != view.Policy.Proxy.Host || old.Policy.Proxy.Port != view.Policy.Proxy.Port {
			log.WithFields(log.Fields{
				"old": old.Policy.Addr(),
				"new": view.Policy.Addr(),
			}).Warn("listen address changed in config; restart required to take effect")
		}
	}

	for _, fn := range subs {
		go fn(view)
	}
}

// read loads and merges both documents. A missing file yields defaults for
// that document; a malformed file is an error.
func (m *Manager) read() (*View, error) {
	policy := DefaultPolicy()
	if data, err := os.ReadFile(m.policyPath); err == nil {
		var parsed PolicyConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return nil, fmt.Errorf("parse policy document %s: %w", m.policyPath, err)
		}
		policy = mergeDefaults(parsed)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read policy document %s: %w", m.policyPath, err)
	}

	var keys []KeyConfig
	if data, err := os.ReadFile(m.keysPath); err == nil {
		var doc keysDocument
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse credential document %s: %w", m.keysPath, err)
		}
		keys = normalizeKeys(doc.Keys)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read credential document %s: %w", m.keysPath, err)
	}

	applyEnvOverrides(&policy)
	return &View{Policy: policy, Keys: keys}, nil
}

func applyEnvOverrides(p *PolicyConfig) {
	if v := os.Getenv(EnvAdminToken); v != "" {
		p.Proxy.AdminToken = v
	}
	if v := os.Getenv(EnvUpstreamBaseURL); v != "" {
		p.Proxy.UpstreamBaseURL = v
	}
}
