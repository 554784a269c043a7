// Package config loads reviewd configuration from the environment with an
// optional YAML overlay for the resilience tunables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration values.
type Config struct {
	// HTTP server
	Port string

	// Storage
	DatabasePath string

	// GitHub API
	GitHubAPIURL string
	GitHubToken  string
	PublicURL    string // externally reachable base URL, used for webhook registration

	// Inference service
	InferenceURL     string
	InferenceTimeout time.Duration

	// Worker pool
	Workers       int
	QueueCapacity int

	// Upstream resilience
	Resilience Resilience

	// Cache TTLs
	DiffTTL    time.Duration
	ProfileTTL time.Duration
	RepoTTL    time.Duration
	JobTTL     time.Duration

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Resilience groups the retry and circuit-breaker tunables. The defaults are
// pragmatic, not derived from an SLA; override them via reviewd.yml.
type Resilience struct {
	RetryMaxAttempts int
	RetryInitialWait time.Duration
	RetryMaxWait     time.Duration
	BreakerWindow    int
	BreakerThreshold float64
	BreakerCooldown  time.Duration
}

// Load reads configuration from environment variables.
func Load() Config {
	return Config{
		Port: getEnv("REVIEWD_PORT", "8080"),

		DatabasePath: getEnv("REVIEWD_DB_PATH", "data/reviewd.db"),

		GitHubAPIURL: getEnv("GITHUB_API_URL", "https://api.github.com"),
		GitHubToken:  getEnv("GITHUB_TOKEN", ""),
		PublicURL:    getEnv("REVIEWD_PUBLIC_URL", "http://localhost:8080"),

		InferenceURL:     getEnv("AI_SERVICE_URL", "http://localhost:8000"),
		InferenceTimeout: getDuration("AI_SERVICE_TIMEOUT", 120*time.Second),

		Workers:       getInt("REVIEWD_WORKERS", 5),
		QueueCapacity: getInt("REVIEWD_QUEUE_CAPACITY", 25),

		Resilience: Resilience{
			RetryMaxAttempts: getInt("REVIEWD_RETRY_MAX_ATTEMPTS", 3),
			RetryInitialWait: getDuration("REVIEWD_RETRY_INITIAL_WAIT", 500*time.Millisecond),
			RetryMaxWait:     getDuration("REVIEWD_RETRY_MAX_WAIT", 5*time.Second),
			BreakerWindow:    getInt("REVIEWD_BREAKER_WINDOW", 10),
			BreakerThreshold: getFloat("REVIEWD_BREAKER_THRESHOLD", 0.5),
			BreakerCooldown:  getDuration("REVIEWD_BREAKER_COOLDOWN", 5*time.Second),
		},

		DiffTTL:    getDuration("REVIEWD_DIFF_TTL", time.Hour),
		ProfileTTL: getDuration("REVIEWD_PROFILE_TTL", 24*time.Hour),
		RepoTTL:    getDuration("REVIEWD_REPO_TTL", 24*time.Hour),
		JobTTL:     getDuration("REVIEWD_JOB_TTL", 7*24*time.Hour),

		LogFile:  getEnv("REVIEWD_LOG_FILE", ""),
		LogLevel: parseLogLevel(getEnv("REVIEWD_LOG_LEVEL", "INFO")),
	}
}

// ApplyFile overlays resilience tunables from a YAML file on top of the
// environment-derived config. A missing file is not an error.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	// Durations are YAML strings ("500ms", "5s"); yaml.v3 has no native
	// time.Duration support.
	var overlay struct {
		Resilience struct {
			RetryMaxAttempts int     `yaml:"retry_max_attempts"`
			RetryInitialWait string  `yaml:"retry_initial_wait"`
			RetryMaxWait     string  `yaml:"retry_max_wait"`
			BreakerWindow    int     `yaml:"breaker_window"`
			BreakerThreshold float64 `yaml:"breaker_threshold"`
			BreakerCooldown  string  `yaml:"breaker_cooldown"`
		} `yaml:"resilience"`
	}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	o := overlay.Resilience
	if o.RetryMaxAttempts > 0 {
		c.Resilience.RetryMaxAttempts = o.RetryMaxAttempts
	}
	if d, err := time.ParseDuration(o.RetryInitialWait); err == nil && d > 0 {
		c.Resilience.RetryInitialWait = d
	}
	if d, err := time.ParseDuration(o.RetryMaxWait); err == nil && d > 0 {
		c.Resilience.RetryMaxWait = d
	}
	if o.BreakerWindow > 0 {
		c.Resilience.BreakerWindow = o.BreakerWindow
	}
	if o.BreakerThreshold > 0 {
		c.Resilience.BreakerThreshold = o.BreakerThreshold
	}
	if d, err := time.ParseDuration(o.BreakerCooldown); err == nil && d > 0 {
		c.Resilience.BreakerCooldown = d
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
