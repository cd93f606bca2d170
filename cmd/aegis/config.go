package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/maretto/aegis/pkg/schema"
)

// BackendConfig declares one subprocess backend to register at startup.
type BackendConfig struct {
	Name         string   `json:"name"`
	Command      string   `json:"command"`
	Args         []string `json:"args,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	// CallTimeoutSec bounds each step call; 0 uses the adapter default.
	CallTimeoutSec int `json:"call_timeout_sec,omitempty"`
}

// Config holds all aegis daemon configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	// Transport selects the MCP transport: "stdio" or "http".
	Transport  string `json:"transport"`
	ListenAddr string `json:"listen_addr"` // MCP HTTP transport
	OpsAddr    string `json:"ops_addr"`    // healthz/metrics; "" disables
	DBPath     string `json:"db_path"`
	LogLevel   string `json:"log_level"`
	MaxRuns    int    `json:"max_runs"` // concurrent run limit

	Primary  string          `json:"primary"`
	Backends []BackendConfig `json:"backends,omitempty"`

	BreakerFailureThreshold int `json:"breaker_failure_threshold"`
	BreakerRecoverySec      int `json:"breaker_recovery_sec"`
	FailoverMax             int `json:"failover_max"`
	FailoverFallbacks       []string `json:"failover_fallbacks,omitempty"`

	RetentionDays   int    `json:"retention_days"`
	JanitorSchedule string `json:"janitor_schedule"`
}

func defaultConfig() Config {
	return Config{
		Transport:       "stdio",
		ListenAddr:      ":4200",
		OpsAddr:         ":4201",
		DBPath:          filepath.Join(aegisDir(), "aegis.db"),
		LogLevel:        "info",
		MaxRuns:         8,
		RetentionDays:   30,
		JanitorSchedule: "0 3 * * *",
	}
}

func aegisDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".aegis"
	}
	return filepath.Join(home, ".aegis")
}

func settingsPath() string {
	return filepath.Join(aegisDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("AEGIS_TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	if v := os.Getenv("AEGIS_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("AEGIS_OPS_ADDR"); v != "" {
		cfg.OpsAddr = v
	}
	if v := os.Getenv("AEGIS_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("AEGIS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AEGIS_MAX_RUNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRuns = n
		}
	}
	if v := os.Getenv("AEGIS_PRIMARY"); v != "" {
		cfg.Primary = v
	}
	if v := os.Getenv("AEGIS_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetentionDays = n
		}
	}
	if v := os.Getenv("AEGIS_JANITOR_SCHEDULE"); v != "" {
		cfg.JanitorSchedule = v
	}

	return cfg
}

// breakerConfig maps the daemon config onto the breaker defaults;
// unset fields fall through to schema defaults.
func (c Config) breakerConfig() schema.CircuitBreakerConfig {
	out := schema.CircuitBreakerConfig{
		FailureThreshold: c.BreakerFailureThreshold,
	}
	if c.BreakerRecoverySec > 0 {
		out.RecoveryTimeout = time.Duration(c.BreakerRecoverySec) * time.Second
	}
	return out
}

func (c Config) failoverPolicy() schema.FailoverPolicy {
	p := schema.DefaultFailoverPolicy()
	p.Fallbacks = c.FailoverFallbacks
	if c.FailoverMax > 0 {
		p.MaxFailovers = c.FailoverMax
	}
	return p
}
