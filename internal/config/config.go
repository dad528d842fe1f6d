package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "REGFORGE_"

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Redis      RedisConfig      `koanf:"redis"`
	Workers    WorkersConfig    `koanf:"workers"`
	Runs       RunsConfig       `koanf:"runs"`
	Workflows  WorkflowsConfig  `koanf:"workflows"`
	Accounts   AccountsConfig   `koanf:"accounts"`
	History    HistoryConfig    `koanf:"history"`
	Settings   SettingsConfig   `koanf:"settings"`
	Encryption EncryptionConfig `koanf:"encryption"`
	Webhooks   WebhookConfig    `koanf:"webhooks"`
	RateLimit  RateLimitConfig  `koanf:"rate_limit"`
	Tracing    TracingConfig    `koanf:"tracing"`
	Logging    LoggingConfig    `koanf:"logging"`
}

type ServerConfig struct {
	Port      int    `koanf:"port"`
	AuthToken string `koanf:"auth_token"`
}

type RedisConfig struct {
	URL      string `koanf:"url"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

type WorkersConfig struct {
	Concurrency int    `koanf:"concurrency"`
	QueueName   string `koanf:"queue_name"`
	InputList   string `koanf:"input_list"`
}

// RunsConfig holds run budgets and retention, all in seconds.
type RunsConfig struct {
	DefaultTimeout int `koanf:"default_timeout"`
	MaxTimeout     int `koanf:"max_timeout"`
	StateTTL       int `koanf:"state_ttl"`
	ResultTTL      int `koanf:"result_ttl"`
}

type WorkflowsConfig struct {
	Default       string `koanf:"default"`
	Python        string `koanf:"python"`
	ScriptDir     string `koanf:"script_dir"`
	Encoding      string `koanf:"encoding"`
	ExtractStderr bool   `koanf:"extract_stderr"`
	// InstallDeps runs pip on requirements.txt before each script.
	InstallDeps    bool `koanf:"install_deps"`
	InstallTimeout int  `koanf:"install_timeout"` // seconds
}

type AccountsConfig struct {
	File   string `koanf:"file"`
	LogDir string `koanf:"log_dir"`
}

type HistoryConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

type SettingsConfig struct {
	EnvFile string `koanf:"env_file"`
}

type EncryptionConfig struct {
	Key string `koanf:"key"`
}

type WebhookConfig struct {
	URL        string        `koanf:"url"`
	HMACSecret string        `koanf:"hmac_secret"`
	RetryCount int           `koanf:"retry_count"`
	RetryDelay time.Duration `koanf:"retry_delay"`
}

type RateLimitConfig struct {
	Enabled       bool `koanf:"enabled"`
	RunsPerMinute int  `koanf:"runs_per_minute"`
}

type TracingConfig struct {
	Enabled      bool    `koanf:"enabled"`
	Exporter     string  `koanf:"exporter"`
	Endpoint     string  `koanf:"endpoint"`
	SamplingRate float64 `koanf:"sampling_rate"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
		},
		Redis: RedisConfig{
			DB:     0,
			Prefix: "regforge:",
		},
		Workers: WorkersConfig{
			Concurrency: 2,
			QueueName:   "queue:runs",
			InputList:   "input:runs",
		},
		Runs: RunsConfig{
			DefaultTimeout: 900,
			MaxTimeout:     3600,
			StateTTL:       604800,
			ResultTTL:      604800,
		},
		Workflows: WorkflowsConfig{
			Default:        "complete-registration",
			Python:         "python3",
			ScriptDir:      ".",
			Encoding:       "utf-8",
			InstallDeps:    true,
			InstallTimeout: 600,
		},
		Accounts: AccountsConfig{
			File:   "accounts.txt",
			LogDir: "logs",
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    "regforge.db",
		},
		Settings: SettingsConfig{
			EnvFile: ".env",
		},
		Webhooks: WebhookConfig{
			RetryCount: 3,
			RetryDelay: 5 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			RunsPerMinute: 5,
		},
		Tracing: TracingConfig{
			Exporter:     "otlp",
			SamplingRate: 0.1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// RunTimeout resolves a requested budget in seconds against the configured
// default and maximum.
func (c RunsConfig) RunTimeout(requested int) time.Duration {
	secs := requested
	if secs <= 0 {
		secs = c.DefaultTimeout
	}
	if c.MaxTimeout > 0 && secs > c.MaxTimeout {
		secs = c.MaxTimeout
	}
	return time.Duration(secs) * time.Second
}

// Load reads configuration from YAML file + environment variables.
// Loading order: defaults → YAML file → env vars (later overrides earlier).
// Only the basic sanity checks run; use LoadService for the HTTP service.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	cfg := Defaults()

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", configPath, err)
		}
	} else {
		// Default path is optional.
		_ = k.Load(file.Provider("regforge.yaml"), yaml.Parser())
	}

	// REGFORGE_SERVER__AUTH_TOKEN → server.auth_token
	// Double underscore (__) separates nesting levels.
	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validateBasics(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadService loads configuration and enforces what the HTTP service needs.
func LoadService(configPath string) (*Config, error) {
	cfg, err := Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := validateService(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateBasics(cfg *Config) error {
	if cfg.Runs.DefaultTimeout <= 0 {
		return fmt.Errorf("config: runs.default_timeout must be positive")
	}
	if cfg.Runs.MaxTimeout > 0 && cfg.Runs.MaxTimeout < cfg.Runs.DefaultTimeout {
		return fmt.Errorf("config: runs.max_timeout must not be below runs.default_timeout")
	}
	if cfg.Accounts.File == "" {
		return fmt.Errorf("config: accounts.file is required (set REGFORGE_ACCOUNTS__FILE)")
	}
	return nil
}

func validateService(cfg *Config) error {
	if cfg.Redis.URL == "" {
		return fmt.Errorf("config: redis.url is required (set REGFORGE_REDIS__URL)")
	}
	if cfg.Server.AuthToken == "" {
		return fmt.Errorf("config: server.auth_token is required (set REGFORGE_SERVER__AUTH_TOKEN)")
	}
	if cfg.Encryption.Key == "" {
		return fmt.Errorf("config: encryption.key is required (set REGFORGE_ENCRYPTION__KEY)")
	}
	if cfg.Workers.Concurrency < 1 {
		return fmt.Errorf("config: workers.concurrency must be at least 1")
	}
	return nil
}
