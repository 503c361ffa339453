// Package config loads gateway configuration from the environment, using
// Viper for key binding/defaults the way Sentinel Gate's internal/config
// does, narrowed to a flat env-only schema (no YAML document here — the
// bootstrap policy file is handled separately by pkg/policyfile).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the gateway's fully resolved runtime configuration.
type Config struct {
	Port             int
	AdminAPIKey      string
	BaseURL          string
	CORSOrigins      []string
	TrustedProxy     bool
	MaxRegistrations int
	FetchTimeout     time.Duration
	DataDir          string
	DatabaseURL      string
	PolicyFile       string
	Env              string
}

// AdminOpen reports whether the admin surface runs without a configured
// key. Carried explicitly so callers never re-derive the fail-closed
// default from an ad hoc empty-string check.
func (c Config) AdminOpen() bool { return c.AdminAPIKey == "" }

// Load reads .env (if present, like the teacher's config.Load), binds the
// documented environment variables via Viper, and returns the resolved
// Config.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("port", 3000)
	v.SetDefault("admin_api_key", "")
	v.SetDefault("base_url", "")
	v.SetDefault("cors_origins", "*")
	v.SetDefault("trusted_proxy", false)
	v.SetDefault("max_registrations", 500)
	v.SetDefault("fetch_timeout_ms", 10000)
	v.SetDefault("data_dir", "./data")
	v.SetDefault("database_url", "")
	v.SetDefault("policy_file", "")
	v.SetDefault("env", "dev")

	_ = v.BindEnv("port", "PORT")
	_ = v.BindEnv("admin_api_key", "ADMIN_API_KEY")
	_ = v.BindEnv("base_url", "BASE_URL")
	_ = v.BindEnv("cors_origins", "CORS_ORIGINS")
	_ = v.BindEnv("trusted_proxy", "TRUSTED_PROXY")
	_ = v.BindEnv("max_registrations", "MAX_REGISTRATIONS")
	_ = v.BindEnv("fetch_timeout_ms", "FETCH_TIMEOUT_MS")
	_ = v.BindEnv("data_dir", "DATA_DIR")
	_ = v.BindEnv("database_url", "DATABASE_URL")
	_ = v.BindEnv("policy_file", "GATEWAY_POLICY_FILE")
	_ = v.BindEnv("env", "AGENT_DOOR_ENV")

	cfg := Config{
		Port:             v.GetInt("port"),
		AdminAPIKey:      v.GetString("admin_api_key"),
		BaseURL:          strings.TrimRight(v.GetString("base_url"), "/"),
		TrustedProxy:     v.GetBool("trusted_proxy"),
		MaxRegistrations: v.GetInt("max_registrations"),
		FetchTimeout:     time.Duration(v.GetInt("fetch_timeout_ms")) * time.Millisecond,
		DataDir:          v.GetString("data_dir"),
		DatabaseURL:      v.GetString("database_url"),
		PolicyFile:       v.GetString("policy_file"),
		Env:              v.GetString("env"),
	}

	for _, o := range strings.Split(v.GetString("cors_origins"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, o)
		}
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("PORT %d out of range", cfg.Port)
	}
	if cfg.MaxRegistrations < 1 {
		return Config{}, fmt.Errorf("MAX_REGISTRATIONS must be positive")
	}
	return cfg, nil
}

// AllowsOrigin reports whether origin is permitted by CORSOrigins.
func (c Config) AllowsOrigin(origin string) bool {
	for _, o := range c.CORSOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
