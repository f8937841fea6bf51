// Package config loads the layered application configuration and retrieves
// provider API keys from the environment.
//
// File layering: config.yaml holds defaults; config.<env>.yaml overrides it,
// where <env> comes from MEDICAL_ASSISTANT_ENV (development, production,
// testing). Environment variables prefixed SCRIBE_ override both.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/medscribe/scribe-engine/internal/errdefs"
)

// EnvVar selects which config.<env>.yaml layer is merged over the defaults.
const EnvVar = "MEDICAL_ASSISTANT_ENV"

var validEnvs = map[string]bool{
	"development": true,
	"production":  true,
	"testing":     true,
}

// APIConfig holds provider-call resilience defaults.
type APIConfig struct {
	Timeout                 time.Duration `mapstructure:"timeout"`
	MaxRetries              int           `mapstructure:"max_retries"`
	InitialRetryDelay       time.Duration `mapstructure:"initial_retry_delay"`
	BackoffFactor           float64       `mapstructure:"backoff_factor"`
	MaxRetryDelay           time.Duration `mapstructure:"max_retry_delay"`
	CircuitBreakerThreshold int           `mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `mapstructure:"circuit_breaker_timeout"`
}

// StorageConfig holds filesystem and database settings.
type StorageConfig struct {
	BaseFolder   string        `mapstructure:"base_folder"`
	DatabaseName string        `mapstructure:"database_name"`
	DBPoolSize   int           `mapstructure:"db_pool_size"`
	DBTimeout    time.Duration `mapstructure:"db_timeout"`
}

// HTTPConfig holds the status server settings.
type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	AuthToken    string        `mapstructure:"auth_token"`
}

// RateLimitConfig is a per-provider token bucket.
type RateLimitConfig struct {
	Capacity     int     `mapstructure:"capacity"`
	RefillPerSec float64 `mapstructure:"refill_per_sec"`
}

type Config struct {
	Env string

	API     APIConfig     `mapstructure:"api"`
	Storage StorageConfig `mapstructure:"storage"`
	HTTP    HTTPConfig    `mapstructure:"http"`

	MaxBackgroundWorkers int  `mapstructure:"max_background_workers"`
	AutoRetryFailed      bool `mapstructure:"auto_retry_failed"`
	MaxRetryAttempts     int  `mapstructure:"max_retry_attempts"`

	RateLimits map[string]RateLimitConfig `mapstructure:"rate_limits"`

	WhisperURL   string `mapstructure:"whisper_url"`
	WhisperModel string `mapstructure:"whisper_model"`

	LogLevel string `mapstructure:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.timeout", "60s")
	v.SetDefault("api.max_retries", 3)
	v.SetDefault("api.initial_retry_delay", "1s")
	v.SetDefault("api.backoff_factor", 2.0)
	v.SetDefault("api.max_retry_delay", "30s")
	v.SetDefault("api.circuit_breaker_threshold", 5)
	v.SetDefault("api.circuit_breaker_timeout", "60s")

	v.SetDefault("storage.base_folder", "./data")
	v.SetDefault("storage.database_name", "recordings.db")
	v.SetDefault("storage.db_pool_size", 5)
	v.SetDefault("storage.db_timeout", "30s")

	v.SetDefault("http.addr", ":8089")
	v.SetDefault("http.read_timeout", "5s")
	v.SetDefault("http.write_timeout", "30s")
	v.SetDefault("http.idle_timeout", "120s")

	v.SetDefault("max_background_workers", 0) // 0 = derive from CPU count
	v.SetDefault("auto_retry_failed", true)
	v.SetDefault("max_retry_attempts", 3)

	v.SetDefault("whisper_url", "http://localhost:9000/v1/audio/transcriptions")
	v.SetDefault("whisper_model", "Systran/faster-whisper-base")

	v.SetDefault("log_level", "info")
}

// Load reads the layered configuration from dir. A missing config.yaml or
// missing environment layer is not an error; an unknown environment name is.
func Load(dir string) (*Config, error) {
	envName := os.Getenv(EnvVar)
	if envName == "" {
		envName = "development"
	}
	if !validEnvs[envName] {
		return nil, errdefs.New(errdefs.KindConfiguration,
			"invalid %s %q (want development, production, or testing)", EnvVar, envName)
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	v.AddConfigPath(dir)

	// Base layer
	v.SetConfigName("config")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errdefs.Wrap(errdefs.KindConfiguration, err, "read config")
		}
	}

	// Environment layer overrides the base
	v.SetConfigName("config." + envName)
	if err := v.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errdefs.Wrap(errdefs.KindConfiguration, err, "merge %s config", envName)
		}
	}

	v.SetEnvPrefix("SCRIBE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{Env: envName}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errdefs.Wrap(errdefs.KindConfiguration, err, "unmarshal config")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Storage.DBPoolSize < 1 {
		return errdefs.New(errdefs.KindConfiguration, "storage.db_pool_size must be >= 1, got %d", c.Storage.DBPoolSize)
	}
	if c.API.BackoffFactor < 1 {
		return errdefs.New(errdefs.KindConfiguration, "api.backoff_factor must be >= 1, got %g", c.API.BackoffFactor)
	}
	if c.MaxRetryAttempts < 0 {
		return errdefs.New(errdefs.KindConfiguration, "max_retry_attempts must be >= 0, got %d", c.MaxRetryAttempts)
	}
	return nil
}

// Workers returns the effective worker pool size: the configured override
// when set, otherwise min(NumCPU-1, 6), never below 1.
func (c *Config) Workers() int {
	if c.MaxBackgroundWorkers > 0 {
		return c.MaxBackgroundWorkers
	}
	w := runtime.NumCPU() - 1
	if w > 6 {
		w = 6
	}
	if w < 1 {
		w = 1
	}
	return w
}

// ScaledTimeout grows the base provider timeout with audio size:
// max(base, audioKB/500 × 60s). Large uploads get proportionally longer.
func ScaledTimeout(base time.Duration, audioBytes int) time.Duration {
	kb := audioBytes / 1024
	scaled := time.Duration(float64(kb) / 500.0 * float64(60*time.Second))
	if scaled > base {
		return scaled
	}
	return base
}

// DatabasePath joins the storage folder and database name.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Storage.BaseFolder, c.Storage.DatabaseName)
}
