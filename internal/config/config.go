// Package config loads engine settings from a YAML file, a .env file, and
// environment variables, in increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/culinachef/subscription-go/internal/entitlement"
)

// Settings holds the full engine configuration.
type Settings struct {
	Environment string `yaml:"environment"`
	DataDir     string `yaml:"dataDir"`

	BackendURL   string `yaml:"backendUrl"`
	LegacyAPIURL string `yaml:"legacyApiUrl"`
	LegacyAPIKey string `yaml:"legacyApiKey"`
	BridgeURL    string `yaml:"bridgeUrl"`
	LedgerPath   string `yaml:"ledgerPath"`

	ProductID  string `yaml:"productId"`
	Plan       string `yaml:"plan"`
	PriceCents int    `yaml:"priceCents"`
	Currency   string `yaml:"currency"`

	PollInterval       time.Duration `yaml:"pollInterval"`
	AggressiveInterval time.Duration `yaml:"aggressiveInterval"`
	AggressiveWindow   time.Duration `yaml:"aggressiveWindow"`

	HistoryRetentionDays int `yaml:"historyRetentionDays"`

	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`

	MetricsAddr string `yaml:"metricsAddr"`
}

// DefaultSettings returns the engine defaults.
func DefaultSettings() Settings {
	dataDir := os.Getenv("CULINA_DATA_DIR")
	if dataDir == "" {
		dataDir = "/etc/culinachef"
	}

	return Settings{
		Environment:          string(entitlement.EnvProduction),
		DataDir:              dataDir,
		BridgeURL:            "http://127.0.0.1:8590",
		LedgerPath:           filepath.Join(dataDir, "entitlements.json"),
		ProductID:            "com.culinachef.unlimited.monthly",
		Plan:                 "unlimited",
		PriceCents:           599,
		Currency:             "EUR",
		PollInterval:         5 * time.Minute,
		AggressiveInterval:   30 * time.Second,
		AggressiveWindow:     5 * time.Minute,
		HistoryRetentionDays: 90,
		LogLevel:             "info",
		LogFormat:            "auto",
		MetricsAddr:          ":9641",
	}
}

// Load builds the settings: defaults, then the YAML file at configPath (if
// any), then the .env next to it, then CULINA_* environment variables.
func Load(configPath string) (*Settings, error) {
	settings := DefaultSettings()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &settings); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
			}
			log.Debug().Str("path", configPath).Msg("Loaded config file")
		case os.IsNotExist(err):
			log.Debug().Str("path", configPath).Msg("Config file not found, using defaults")
		default:
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}

		envPath := filepath.Join(filepath.Dir(configPath), ".env")
		if err := godotenv.Load(envPath); err == nil {
			log.Debug().Str("path", envPath).Msg("Loaded .env file")
		}
	}

	applyEnvOverrides(&settings)

	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &settings, nil
}

func applyEnvOverrides(s *Settings) {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else {
				log.Warn().Str("key", key).Str("value", v).Msg("Ignoring non-integer environment override")
			}
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			} else {
				log.Warn().Str("key", key).Str("value", v).Msg("Ignoring unparseable duration override")
			}
		}
	}

	setString("CULINA_ENVIRONMENT", &s.Environment)
	setString("CULINA_DATA_DIR", &s.DataDir)
	setString("CULINA_BACKEND_URL", &s.BackendURL)
	setString("CULINA_LEGACY_API_URL", &s.LegacyAPIURL)
	setString("CULINA_LEGACY_API_KEY", &s.LegacyAPIKey)
	setString("CULINA_BRIDGE_URL", &s.BridgeURL)
	setString("CULINA_LEDGER_PATH", &s.LedgerPath)
	setString("CULINA_PRODUCT_ID", &s.ProductID)
	setString("CULINA_PLAN", &s.Plan)
	setInt("CULINA_PRICE_CENTS", &s.PriceCents)
	setString("CULINA_CURRENCY", &s.Currency)
	setDuration("CULINA_POLL_INTERVAL", &s.PollInterval)
	setDuration("CULINA_AGGRESSIVE_INTERVAL", &s.AggressiveInterval)
	setDuration("CULINA_AGGRESSIVE_WINDOW", &s.AggressiveWindow)
	setInt("CULINA_HISTORY_RETENTION_DAYS", &s.HistoryRetentionDays)
	setString("CULINA_LOG_LEVEL", &s.LogLevel)
	setString("CULINA_LOG_FORMAT", &s.LogFormat)
	setString("CULINA_METRICS_ADDR", &s.MetricsAddr)
}

// Validate checks cross-field constraints.
func (s *Settings) Validate() error {
	switch entitlement.Environment(s.Environment) {
	case entitlement.EnvLocal, entitlement.EnvPreprod, entitlement.EnvProduction:
	default:
		return fmt.Errorf("unknown environment %q", s.Environment)
	}

	if s.DataDir == "" {
		return fmt.Errorf("data directory is required")
	}
	if s.ProductID == "" {
		return fmt.Errorf("product id is required")
	}
	if s.PollInterval <= 0 || s.AggressiveInterval <= 0 || s.AggressiveWindow <= 0 {
		return fmt.Errorf("polling intervals must be positive")
	}
	if s.PriceCents < 0 {
		return fmt.Errorf("price must not be negative")
	}
	return nil
}

// HistoryRetention converts the retention setting to a duration.
func (s *Settings) HistoryRetention() time.Duration {
	return time.Duration(s.HistoryRetentionDays) * 24 * time.Hour
}
