// Package config loads and validates the pipeline configuration. Settings
// are resolved once at startup (defaults, then config file, then
// environment) and are immutable afterwards; changing them requires a
// restart.
package config

import (
	"fmt"
	"math"
	"time"
)

// Duration-valued settings are expressed in seconds (floats), matching the
// wire and storage timestamp convention.

// Thresholds maps a score to a severity band. Comparisons are
// inclusive-high: score >= High is high, score >= Medium is medium.
type Thresholds struct {
	High   float64 `yaml:"high"`
	Medium float64 `yaml:"medium"`
}

// VerdictThresholds maps a fused risk score to a verdict, inclusive-high.
type VerdictThresholds struct {
	Malicious  float64 `yaml:"malicious"`
	Suspicious float64 `yaml:"suspicious"`
}

// ProviderSettings configures one threat-intel provider.
type ProviderSettings struct {
	Enabled         bool    `yaml:"enabled"`
	Credential      string  `yaml:"credential"`
	RateLimitPerDay int     `yaml:"rate_limit_per_day"`
	Burst           int     `yaml:"burst"`
	TTL             float64 `yaml:"ttl"`
}

// CacheSettings selects the TI cache backend.
type CacheSettings struct {
	Backend  string `yaml:"backend"` // "memory" or "redis"
	Capacity int    `yaml:"capacity"`
	RedisURL string `yaml:"redis_url"`
}

// APISettings configures the query/stats HTTP surface.
type APISettings struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LogSettings configures process logging.
type LogSettings struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	File      string `yaml:"file"`
	MaxSizeMB int    `yaml:"max_size_mb"`
}

// CaptureSettings selects the packet source.
type CaptureSettings struct {
	Source   string  `yaml:"source"` // "synthetic", "replay" or "spool"
	Path     string  `yaml:"path"`
	SpoolDir string  `yaml:"spool_dir"`
	Pace     bool    `yaml:"pace"`
	Seed     int64   `yaml:"seed"`
	Rate     float64 `yaml:"rate"` // synthetic packets/sec, 0 = unpaced
}

// Settings is the complete configuration surface.
type Settings struct {
	SensorID string `yaml:"sensor_id"`

	BusTransport   string  `yaml:"bus_transport"` // "memory" or "broker"
	BrokerURL      string  `yaml:"broker_url"`
	PublishTimeout float64 `yaml:"publish_timeout"`
	QueueSize      int     `yaml:"queue_size"`
	DrainTimeout   float64 `yaml:"drain_timeout"`

	PersistenceURL string `yaml:"persistence_url"`

	SeverityThresholds Thresholds `yaml:"severity_thresholds"`
	EmitThreshold      float64    `yaml:"emit_threshold"`
	FlowIdleTimeout    float64    `yaml:"flow_idle_timeout"`
	MaxFlows           int        `yaml:"max_flows"`
	FlushInterval      float64    `yaml:"flush_interval"`
	BatchSize          int        `yaml:"batch_size"`
	BatchTimeout       float64    `yaml:"batch_timeout"`
	ScoringWorkers     int        `yaml:"scoring_workers"` // 0 = GOMAXPROCS
	ModelPath          string     `yaml:"model_path"`

	VerdictThresholds    VerdictThresholds           `yaml:"verdict_thresholds"`
	Alpha                float64                     `yaml:"alpha"`
	TIProviders          map[string]ProviderSettings `yaml:"ti_providers"`
	TICache              CacheSettings               `yaml:"ti_cache"`
	TIFanoutTimeout      float64                     `yaml:"ti_fanout_timeout"`
	OfflineMode          bool                        `yaml:"offline_mode"`
	InvestigationWorkers int                         `yaml:"investigation_workers"`

	DecisionMatrix                  map[string]map[string]string `yaml:"decision_matrix"`
	IPWhitelist                     []string                     `yaml:"ip_whitelist"`
	ManagementCIDRs                 []string                     `yaml:"management_cidrs"`
	MinConfidenceForIntrusiveAction float64                      `yaml:"min_confidence_for_intrusive_action"`
	ProductionActionsEnabled        bool                         `yaml:"production_actions_enabled"`
	ActionTimeout                   float64                      `yaml:"action_timeout"`

	API         APISettings     `yaml:"api"`
	WebhookURLs []string        `yaml:"webhook_urls"`
	Log         LogSettings     `yaml:"log"`
	Capture     CaptureSettings `yaml:"capture"`
}

// ProviderNames lists the built-in TI providers.
var ProviderNames = []string{"reputation", "abuse", "pulse", "fraud", "votes", "scanner"}

// DefaultSettings returns the documented defaults.
func DefaultSettings() *Settings {
	providers := make(map[string]ProviderSettings, len(ProviderNames))
	for _, name := range ProviderNames {
		providers[name] = ProviderSettings{
			Enabled:         true,
			RateLimitPerDay: 1000,
			Burst:           10,
			TTL:             3600,
		}
	}

	return &Settings{
		SensorID: "sensor-1",

		BusTransport:   "memory",
		PublishTimeout: 0.1,
		QueueSize:      10000,
		DrainTimeout:   5,

		PersistenceURL: "sentinel.db",

		SeverityThresholds: Thresholds{High: 0.8, Medium: 0.5},
		EmitThreshold:      0.3,
		FlowIdleTimeout:    30,
		MaxFlows:           100000,
		FlushInterval:      2,
		BatchSize:          64,
		BatchTimeout:       0.1,

		VerdictThresholds:    VerdictThresholds{Malicious: 0.7, Suspicious: 0.4},
		Alpha:                0.4,
		TIProviders:          providers,
		TICache:              CacheSettings{Backend: "memory", Capacity: 4096},
		TIFanoutTimeout:      3,
		OfflineMode:          true,
		InvestigationWorkers: 16,

		DecisionMatrix: map[string]map[string]string{
			"low":    {"low": "log_only", "medium": "log_only", "high": "rate_limit"},
			"medium": {"low": "log_only", "medium": "rate_limit", "high": "block_ip"},
			"high":   {"low": "rate_limit", "medium": "block_ip", "high": "isolate_container"},
		},
		ManagementCIDRs:                 []string{"127.0.0.0/8", "::1/128"},
		MinConfidenceForIntrusiveAction: 0.6,
		ProductionActionsEnabled:        false,
		ActionTimeout:                   5,

		API: APISettings{Enabled: true, Listen: ":8088"},
		Log: LogSettings{Level: "info", Format: "auto"},
		Capture: CaptureSettings{
			Source: "synthetic",
			Seed:   1,
		},
	}
}

// Seconds converts a seconds-valued setting to a time.Duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

var severityKeys = []string{"low", "medium", "high"}

// Validate enforces the fatal-configuration policy: a Settings that fails
// here must prevent startup.
func (s *Settings) Validate() error {
	switch s.BusTransport {
	case "memory":
	case "broker":
		if s.BrokerURL == "" {
			return fmt.Errorf("bus_transport is %q but broker_url is empty", s.BusTransport)
		}
	default:
		return fmt.Errorf("unknown bus_transport %q (want memory or broker)", s.BusTransport)
	}

	if s.PersistenceURL == "" {
		return fmt.Errorf("persistence_url is empty")
	}

	for name, v := range map[string]float64{
		"severity_thresholds.high":            s.SeverityThresholds.High,
		"severity_thresholds.medium":          s.SeverityThresholds.Medium,
		"emit_threshold":                      s.EmitThreshold,
		"verdict_thresholds.malicious":        s.VerdictThresholds.Malicious,
		"verdict_thresholds.suspicious":       s.VerdictThresholds.Suspicious,
		"alpha":                               s.Alpha,
		"min_confidence_for_intrusive_action": s.MinConfidenceForIntrusiveAction,
	} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("%s = %v outside [0,1]", name, v)
		}
	}
	if s.SeverityThresholds.High < s.SeverityThresholds.Medium {
		return fmt.Errorf("severity_thresholds.high (%v) below medium (%v)",
			s.SeverityThresholds.High, s.SeverityThresholds.Medium)
	}
	if s.VerdictThresholds.Malicious < s.VerdictThresholds.Suspicious {
		return fmt.Errorf("verdict_thresholds.malicious (%v) below suspicious (%v)",
			s.VerdictThresholds.Malicious, s.VerdictThresholds.Suspicious)
	}

	if s.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", s.BatchSize)
	}
	if s.MaxFlows <= 0 {
		return fmt.Errorf("max_flows must be positive, got %d", s.MaxFlows)
	}
	if s.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive, got %d", s.QueueSize)
	}
	if s.InvestigationWorkers <= 0 {
		return fmt.Errorf("investigation_workers must be positive, got %d", s.InvestigationWorkers)
	}

	for _, sev := range severityKeys {
		row, ok := s.DecisionMatrix[sev]
		if !ok {
			return fmt.Errorf("decision_matrix missing severity row %q", sev)
		}
		for _, risk := range severityKeys {
			if _, ok := row[risk]; !ok {
				return fmt.Errorf("decision_matrix[%s] missing risk column %q", sev, risk)
			}
		}
	}
	for sev, row := range s.DecisionMatrix {
		if !isSeverityKey(sev) {
			return fmt.Errorf("decision_matrix has unknown severity row %q", sev)
		}
		for risk := range row {
			if !isSeverityKey(risk) {
				return fmt.Errorf("decision_matrix[%s] has unknown risk column %q", sev, risk)
			}
		}
	}

	switch s.TICache.Backend {
	case "", "memory":
	case "redis":
		if s.TICache.RedisURL == "" && s.BrokerURL == "" {
			return fmt.Errorf("ti_cache.backend is redis but no redis_url configured")
		}
	default:
		return fmt.Errorf("unknown ti_cache.backend %q (want memory or redis)", s.TICache.Backend)
	}

	switch s.Capture.Source {
	case "", "synthetic":
	case "replay":
		if s.Capture.Path == "" {
			return fmt.Errorf("capture.source is replay but capture.path is empty")
		}
	case "spool":
		if s.Capture.SpoolDir == "" {
			return fmt.Errorf("capture.source is spool but capture.spool_dir is empty")
		}
	default:
		return fmt.Errorf("unknown capture.source %q", s.Capture.Source)
	}

	return nil
}

func isSeverityKey(k string) bool {
	for _, s := range severityKeys {
		if k == s {
			return true
		}
	}
	return false
}
