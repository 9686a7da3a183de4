package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// System modes select which ingestion paths are active.
const (
	ModePush = "PUSH"
	ModePull = "PULL"
	ModeDual = "DUAL"
)

// Config holds runtime configuration for the bot process.
type Config struct {
	Env      string `yaml:"env"`
	HTTPPort string `yaml:"http_port"`

	SystemMode string `yaml:"system_mode"`

	QueueDir             string        `yaml:"queue_dir"`
	PendingDir           string        `yaml:"pending_dir"`
	CompletedDir         string        `yaml:"completed_dir"`
	FailedDir            string        `yaml:"failed_dir"`
	QueueWorkingInterval time.Duration `yaml:"queue_working_interval"`

	SearchAPIURL string        `yaml:"search_api_url"`
	LLMTimeout   time.Duration `yaml:"llm_timeout"`

	GitHubAPIURL  string        `yaml:"github_api_url"`
	GitHubToken   string        `yaml:"github_token"`
	GitHubTimeout time.Duration `yaml:"github_timeout"`

	PullingRepos     []string      `yaml:"pulling_repos"`
	PullingInterval  time.Duration `yaml:"pulling_interval"`
	PullErrorBackoff time.Duration `yaml:"pull_error_backoff"`
	PullLimit        int           `yaml:"pull_limit"`
	ManualPullLimit  int           `yaml:"manual_pull_limit"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	RedisAddr         string        `yaml:"redis_addr"`
	RedisPassword     string        `yaml:"redis_password"`
	RedisDB           int           `yaml:"redis_db"`
	RateLimitCapacity int           `yaml:"rate_limit_capacity"`
	RateLimitRefill   float64       `yaml:"rate_limit_refill_per_sec"`
	RateLimitTTL      time.Duration `yaml:"rate_limit_ttl"`
}

// Defaults returns the configuration used when neither a config file nor
// environment variables say otherwise.
func Defaults() Config {
	return Config{
		Env:                  "dev",
		HTTPPort:             "8001",
		SystemMode:           ModePush,
		QueueDir:             "file-queue",
		QueueWorkingInterval: 30 * time.Second,
		SearchAPIURL:         "http://localhost:8000/search",
		LLMTimeout:           60 * time.Second,
		GitHubAPIURL:         "https://api.github.com",
		GitHubTimeout:        30 * time.Second,
		PullingInterval:      300 * time.Second,
		PullErrorBackoff:     60 * time.Second,
		PullLimit:            100,
		ManualPullLimit:      50,
		LogLevel:             "info",
		LogFormat:            "json",
		RateLimitCapacity:    30,
		RateLimitRefill:      0.5,
		RateLimitTTL:         time.Hour,
	}
}

// Load reads configuration from an optional YAML file (ISSUEBOT_CONFIG), a
// .env file if present, and environment variables. Environment variables win.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()
	if path := os.Getenv("ISSUEBOT_CONFIG"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	cfg.fillDirs()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("unmarshal config file: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Env = getEnv("APP_ENV", cfg.Env)
	cfg.HTTPPort = getEnv("HTTP_PORT", cfg.HTTPPort)
	cfg.SystemMode = strings.ToUpper(getEnv("SYSTEM_MODE", cfg.SystemMode))
	cfg.QueueDir = getEnv("TASKS_DIR", cfg.QueueDir)
	cfg.PendingDir = getEnv("PENDING_DIR", cfg.PendingDir)
	cfg.CompletedDir = getEnv("COMPLETED_DIR", cfg.CompletedDir)
	cfg.FailedDir = getEnv("FAILED_DIR", cfg.FailedDir)
	cfg.QueueWorkingInterval = getEnvDuration("QUEUE_WORKING_INTERVAL", cfg.QueueWorkingInterval)
	cfg.SearchAPIURL = getEnv("SEARCH_API_URL", cfg.SearchAPIURL)
	cfg.LLMTimeout = getEnvDuration("LLM_TIMEOUT", cfg.LLMTimeout)
	cfg.GitHubAPIURL = getEnv("GITHUB_API_URL", cfg.GitHubAPIURL)
	cfg.GitHubToken = getEnv("GITHUB_TOKEN", cfg.GitHubToken)
	cfg.GitHubTimeout = getEnvDuration("GITHUB_TIMEOUT", cfg.GitHubTimeout)
	cfg.PullingRepos = getEnvList("PULLING_REPO_LIST", cfg.PullingRepos)
	cfg.PullingInterval = getEnvDuration("PULLING_INTERVAL", cfg.PullingInterval)
	cfg.PullErrorBackoff = getEnvDuration("PULL_ERROR_BACKOFF", cfg.PullErrorBackoff)
	cfg.PullLimit = getEnvInt("PULL_LIMIT", cfg.PullLimit)
	cfg.ManualPullLimit = getEnvInt("MANUAL_PULL_LIMIT", cfg.ManualPullLimit)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getEnvInt("REDIS_DB", cfg.RedisDB)
	cfg.RateLimitCapacity = getEnvInt("RATE_LIMIT_CAPACITY", cfg.RateLimitCapacity)
	cfg.RateLimitRefill = getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", cfg.RateLimitRefill)
	cfg.RateLimitTTL = getEnvDuration("RATE_LIMIT_TTL", cfg.RateLimitTTL)
}

// fillDirs derives the three store locations from QueueDir unless they were
// set explicitly.
func (c *Config) fillDirs() {
	if c.PendingDir == "" {
		c.PendingDir = filepath.Join(c.QueueDir, "waiting-list")
	}
	if c.CompletedDir == "" {
		c.CompletedDir = filepath.Join(c.QueueDir, "completed")
	}
	if c.FailedDir == "" {
		c.FailedDir = filepath.Join(c.QueueDir, "failed")
	}
}

// Validate rejects configurations the process cannot run with.
func (c Config) Validate() error {
	switch c.SystemMode {
	case ModePush, ModePull, ModeDual:
	default:
		return fmt.Errorf("invalid SYSTEM_MODE %q: want PUSH, PULL or DUAL", c.SystemMode)
	}
	if c.QueueWorkingInterval <= 0 {
		return fmt.Errorf("QUEUE_WORKING_INTERVAL must be positive")
	}
	if c.PullingInterval <= 0 {
		return fmt.Errorf("PULLING_INTERVAL must be positive")
	}
	if c.PullLimit <= 0 || c.ManualPullLimit <= 0 {
		return fmt.Errorf("pull limits must be positive")
	}
	return nil
}

// PushEnabled reports whether the webhook intake is active.
func (c Config) PushEnabled() bool {
	return c.SystemMode == ModePush || c.SystemMode == ModeDual
}

// PullEnabled reports whether repository polling is active.
func (c Config) PullEnabled() bool {
	return c.SystemMode == ModePull || c.SystemMode == ModeDual
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// getEnvDuration accepts Go durations ("30s") or a bare number of seconds,
// which is how the interval settings have always been written.
func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
