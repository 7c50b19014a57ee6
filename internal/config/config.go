package config

import (
	"fmt"
	"strings"
	"time"
)

// PolicyConfig is the process-wide proxy policy document.
type PolicyConfig struct {
	Proxy       ProxySettings       `yaml:"proxy"`
	Monitoring  MonitoringSettings  `yaml:"monitoring"`
	Persistence PersistenceSettings `yaml:"persistence"`
}

type ProxySettings struct {
	Host                string   `yaml:"host"`
	Port                int      `yaml:"port"`
	MaxPayloadSizeBytes int64    `yaml:"maxPayloadSizeBytes"`
	AdminToken          string   `yaml:"adminToken"`
	RequestTimeoutMs    int      `yaml:"requestTimeoutMs"`
	UpstreamBaseURL     string   `yaml:"upstreamBaseUrl"`
	AccessTokens        []string `yaml:"accessTokens"`
	RequireAuth         bool     `yaml:"requireAuth"`
	RateLimitPerSecond  int      `yaml:"rateLimitPerSecond"`
	RateLimitBurst      int      `yaml:"rateLimitBurst"`
	LogFile             string   `yaml:"logFile"`
	Debug               bool     `yaml:"debug"`
}

type MonitoringSettings struct {
	HealthCheckIntervalSeconds int `yaml:"healthCheckIntervalSeconds"`
	FailureThreshold           int `yaml:"failureThreshold"`
	RecoveryTimeSeconds        int `yaml:"recoveryTimeSeconds"`
	WindowSeconds              int `yaml:"windowSeconds"`
}

type PersistenceSettings struct {
	PrimaryPath  string `yaml:"primaryPath"`
	FallbackPath string `yaml:"fallbackPath"`
}

// KeyConfig is one entry of the credential document.
type KeyConfig struct {
	Name            string `yaml:"name"`
	Key             string `yaml:"key"`
	Weight          int    `yaml:"weight"`
	CooldownSeconds int    `yaml:"cooldownSeconds"`
}

type keysDocument struct {
	Keys []KeyConfig `yaml:"keys"`
}

// View is one immutable snapshot of both documents after defaults merge.
type View struct {
	Policy PolicyConfig
	Keys   []KeyConfig
}

// RequestTimeout returns the per-request upstream timeout.
func (p *PolicyConfig) RequestTimeout() time.Duration {
	return time.Duration(p.Proxy.RequestTimeoutMs) * time.Millisecond
}

// Addr returns the listen address in host:port form.
func (p *PolicyConfig) Addr() string {
	return fmt.Sprintf("%s:%d", p.Proxy.Host, p.Proxy.Port)
}

// DefaultPolicy returns the policy used when no document is present.
func DefaultPolicy() PolicyConfig {
	return PolicyConfig{
		Proxy: ProxySettings{
			Host:                "0.0.0.0",
			Port:                8080,
			MaxPayloadSizeBytes: 10 * 1024 * 1024,
			RequestTimeoutMs:    30000,
			UpstreamBaseURL:     "https://generativelanguage.googleapis.com/v1beta/openai",
			RequireAuth:         false,
		},
		Monitoring: MonitoringSettings{
			HealthCheckIntervalSeconds: 30,
			FailureThreshold:           3,
			RecoveryTimeSeconds:        60,
			WindowSeconds:              300,
		},
		Persistence: PersistenceSettings{
			PrimaryPath:  "gembalance.db",
			FallbackPath: "gembalance_state.json",
		},
	}
}

// mergeDefaults fills zero-valued fields from the defaults so a sparse
// document still yields a complete policy.
func mergeDefaults(p PolicyConfig) PolicyConfig {
	def := DefaultPolicy()
	if strings.TrimSpace(p.Proxy.Host) == "" {
		p.Proxy.Host = def.Proxy.Host
	}
	if p.Proxy.Port <= 0 {
		p.Proxy.Port = def.Proxy.Port
	}
	if p.Proxy.MaxPayloadSizeBytes <= 0 {
		p.Proxy.MaxPayloadSizeBytes = def.Proxy.MaxPayloadSizeBytes
	}
	if p.Proxy.RequestTimeoutMs <= 0 {
		p.Proxy.RequestTimeoutMs = def.Proxy.RequestTimeoutMs
	}
	if strings.TrimSpace(p.Proxy.UpstreamBaseURL) == "" {
		p.Proxy.UpstreamBaseURL = def.Proxy.UpstreamBaseURL
	}
	if p.Monitoring.HealthCheckIntervalSeconds <= 0 {
		p.Monitoring.HealthCheckIntervalSeconds = def.Monitoring.HealthCheckIntervalSeconds
	}
	if p.Monitoring.FailureThreshold <= 0 {
		p.Monitoring.FailureThreshold = def.Monitoring.FailureThreshold
	}
	if p.Monitoring.RecoveryTimeSeconds <= 0 {
		p.Monitoring.RecoveryTimeSeconds = def.Monitoring.RecoveryTimeSeconds
	}
	if p.Monitoring.WindowSeconds <= 0 {
		p.Monitoring.WindowSeconds = def.Monitoring.WindowSeconds
	}
	if strings.TrimSpace(p.Persistence.PrimaryPath) == "" {
		p.Persistence.PrimaryPath = def.Persistence.PrimaryPath
	}
	if strings.TrimSpace(p.Persistence.FallbackPath) == "" {
		p.Persistence.FallbackPath = def.Persistence.FallbackPath
	}
	return p
}

// normalizeKeys drops entries without a name or secret and applies per-key
// defaults. Duplicate names keep the first occurrence.
func normalizeKeys(keys []KeyConfig) []KeyConfig {
	seen := make(map[string]bool, len(keys))
	out := make([]KeyConfig, 0, len(keys))
	for _, k := range keys {
		k.Name = strings.TrimSpace(k.Name)
		k.Key = strings.TrimSpace(k.Key)
		if k.Name == "" || k.Key == "" || seen[k.Name] {
			continue
		}
		if k.Weight < 1 {
			k.Weight = 1
		}
		if k.CooldownSeconds < 0 {
			k.CooldownSeconds = 0
		}
		seen[k.Name] = true
		out = append(out, k)
	}
	return out
}
