package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const envPrefix = "SENTINEL_"

var defaultConfigPaths = []string{
	"/etc/sentinel/sentinel.yml",
	"/etc/sentinel/sentinel.yaml",
	"./sentinel.yml",
	"./sentinel.yaml",
}

// Load resolves Settings with precedence defaults < config file <
// environment. path is an explicit config file; when empty the default
// search paths are tried and a missing file is not an error.
func Load(path string) (*Settings, error) {
	// A local .env is picked up first so credentials can stay out of the
	// config file.
	_ = godotenv.Load()

	settings := DefaultSettings()

	if err := loadFile(settings, path); err != nil {
		return nil, err
	}
	applyEnv(settings)

	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return settings, nil
}

func loadFile(settings *Settings, path string) error {
	explicit := path != ""
	if !explicit {
		for _, candidate := range defaultConfigPaths {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
		if path == "" {
			return nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if explicit {
			return fmt.Errorf("read config file: %w", err)
		}
		return nil
	}

	log.Info().Str("path", path).Msg("Loading configuration file")
	if err := yaml.Unmarshal(data, settings); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides the operationally relevant knobs from SENTINEL_*
// variables. Everything else is file-only.
func applyEnv(s *Settings) {
	setString := func(key string, dst *string) {
		if val := os.Getenv(envPrefix + key); val != "" {
			*dst = val
		}
	}
	setBool := func(key string, dst *bool) {
		if val := os.Getenv(envPrefix + key); val != "" {
			*dst = strings.EqualFold(val, "true") || val == "1"
		}
	}
	setFloat := func(key string, dst *float64) {
		if val := os.Getenv(envPrefix + key); val != "" {
			if f, err := strconv.ParseFloat(val, 64); err == nil {
				*dst = f
			} else {
				log.Warn().Str("var", envPrefix+key).Str("value", val).Msg("Ignoring unparsable numeric override")
			}
		}
	}

	setString("SENSOR_ID", &s.SensorID)
	setString("BUS_TRANSPORT", &s.BusTransport)
	setString("BROKER_URL", &s.BrokerURL)
	setString("PERSISTENCE_URL", &s.PersistenceURL)
	setString("MODEL_PATH", &s.ModelPath)
	setString("LOG_LEVEL", &s.Log.Level)
	setString("LOG_FORMAT", &s.Log.Format)
	setString("LOG_FILE", &s.Log.File)
	setString("API_LISTEN", &s.API.Listen)
	setString("TI_CACHE_REDIS_URL", &s.TICache.RedisURL)

	setBool("PRODUCTION_ACTIONS_ENABLED", &s.ProductionActionsEnabled)
	setBool("OFFLINE_MODE", &s.OfflineMode)
	setBool("API_ENABLED", &s.API.Enabled)

	setFloat("EMIT_THRESHOLD", &s.EmitThreshold)
	setFloat("ALPHA", &s.Alpha)
	setFloat("MIN_CONFIDENCE_FOR_INTRUSIVE_ACTION", &s.MinConfidenceForIntrusiveAction)

	if val := os.Getenv(envPrefix + "IP_WHITELIST"); val != "" {
		s.IPWhitelist = splitAndTrim(val)
	}
	if val := os.Getenv(envPrefix + "WEBHOOK_URLS"); val != "" {
		s.WebhookURLs = splitAndTrim(val)
	}

	// Per-provider credentials: SENTINEL_TI_CREDENTIAL_<NAME>.
	for name, ps := range s.TIProviders {
		key := envPrefix + "TI_CREDENTIAL_" + strings.ToUpper(name)
		if val := os.Getenv(key); val != "" {
			ps.Credential = val
			s.TIProviders[name] = ps
		}
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
