package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the textgate server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Flavors   FlavorsConfig
	Tokenizer TokenizerConfig
	Worker    WorkerConfig
	Sweep     SweepConfig
	Stream    StreamConfig
}

type ServerConfig struct {
	Port            int
	Env             string
	RateLimitPerMin int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type FlavorsConfig struct {
	// Path to the read-only flavor registry file. Provider API keys are
	// referenced by env var name inside the registry, never stored in it.
	Path string
}

type TokenizerConfig struct {
	// CacheDir holds downloaded tokenizer files, keyed by a
	// filesystem-safe transform of the tokenizer identifier.
	CacheDir string
	// Preload lists model names whose tokenizers are fetched at startup,
	// outside the request path.
	Preload []string
}

type WorkerConfig struct {
	Enabled     bool
	Concurrency int
	// CallTimeout bounds a single model call.
	CallTimeout time.Duration
}

type SweepConfig struct {
	Interval     time.Duration
	StaleTimeout time.Duration
}

type StreamConfig struct {
	// ProcessingPoll is the per-job stream poll interval while the job is
	// processing; IdlePoll applies in every other active state.
	ProcessingPoll time.Duration
	IdlePoll       time.Duration
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            envInt("TEXTGATE_PORT", 8080),
			Env:             envString("TEXTGATE_ENV", "development"),
			RateLimitPerMin: envInt("TEXTGATE_RATE_LIMIT_PER_MIN", 120),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Flavors: FlavorsConfig{
			Path: envString("TEXTGATE_FLAVORS_PATH", "flavors.json"),
		},
		Tokenizer: TokenizerConfig{
			CacheDir: envString("TEXTGATE_TOKENIZER_CACHE_DIR", ".tokenizers"),
			Preload:  envList("TEXTGATE_TOKENIZER_PRELOAD"),
		},
		Worker: WorkerConfig{
			Enabled:     envBool("TEXTGATE_WORKER_ENABLED", true),
			Concurrency: envInt("TEXTGATE_WORKER_CONCURRENCY", 4),
			CallTimeout: envDurationSecs("TEXTGATE_CALL_TIMEOUT_SECS", 300*time.Second),
		},
		Sweep: SweepConfig{
			Interval:     envDuration("TEXTGATE_SWEEP_INTERVAL", 5*time.Minute),
			StaleTimeout: envDuration("TEXTGATE_STALE_TIMEOUT", 30*time.Minute),
		},
		Stream: StreamConfig{
			ProcessingPoll: envDuration("TEXTGATE_STREAM_PROCESSING_POLL", time.Second),
			IdlePoll:       envDuration("TEXTGATE_STREAM_IDLE_POLL", 3*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Flavors.Path == "" {
		return fmt.Errorf("TEXTGATE_FLAVORS_PATH is required")
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("TEXTGATE_WORKER_CONCURRENCY must be >= 1, got %d", c.Worker.Concurrency)
	}

	if c.Sweep.StaleTimeout < time.Minute {
		return fmt.Errorf("TEXTGATE_STALE_TIMEOUT must be at least 1m, got %s", c.Sweep.StaleTimeout)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
