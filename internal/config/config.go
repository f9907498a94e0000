package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string `mapstructure:"PORT"`
	Env           string `mapstructure:"ENV"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DatabaseUser  string `mapstructure:"DATABASE_USER"`
	DatabasePass  string `mapstructure:"DATABASE_PASSWORD"`
	DefaultTenant string `mapstructure:"DEFAULT_TENANT"`

	CircuitResetTimeoutMs int `mapstructure:"CIRCUIT_RESET_TIMEOUT_MS"`
	PaginationPageSize    int `mapstructure:"PAGINATION_PAGE_SIZE"`
	PaginationTTLSeconds  int `mapstructure:"PAGINATION_TTL_SECONDS"`
	SearchFTSLimit        int `mapstructure:"SEARCH_FTS_LIMIT"`
	ConflictRetries       int `mapstructure:"CONFLICT_RETRIES"`
	RequestTimeoutMs      int `mapstructure:"REQUEST_TIMEOUT_MS"`

	// EverythingTypes is the comma-separated list of resource types scanned
	// by Patient/$everything. Empty means the patient alone.
	EverythingTypes []string `mapstructure:"EVERYTHING_TYPES"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CIRCUIT_RESET_TIMEOUT_MS", 30000)
	v.SetDefault("PAGINATION_PAGE_SIZE", 50)
	v.SetDefault("PAGINATION_TTL_SECONDS", 300)
	v.SetDefault("SEARCH_FTS_LIMIT", 1000)
	v.SetDefault("CONFLICT_RETRIES", 3)
	v.SetDefault("REQUEST_TIMEOUT_MS", 30000)
	v.SetDefault("EVERYTHING_TYPES", "Observation,Encounter,Condition,Procedure,DiagnosticReport,AllergyIntolerance,MedicationRequest,Immunization,CarePlan")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DATABASE_USER")
	v.BindEnv("DATABASE_PASSWORD")
	v.BindEnv("DEFAULT_TENANT")
	v.BindEnv("CIRCUIT_RESET_TIMEOUT_MS")
	v.BindEnv("PAGINATION_PAGE_SIZE")
	v.BindEnv("PAGINATION_TTL_SECONDS")
	v.BindEnv("SEARCH_FTS_LIMIT")
	v.BindEnv("CONFLICT_RETRIES")
	v.BindEnv("REQUEST_TIMEOUT_MS")
	v.BindEnv("EVERYTHING_TYPES")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.EverythingTypes == nil {
		raw := v.GetString("EVERYTHING_TYPES")
		if raw != "" {
			cfg.EverythingTypes = strings.Split(raw, ",")
		}
	}
	for i, t := range cfg.EverythingTypes {
		cfg.EverythingTypes[i] = strings.TrimSpace(t)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.DatabaseUser == "" || cfg.DatabasePass == "" {
		return nil, fmt.Errorf("DATABASE_USER and DATABASE_PASSWORD are required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
