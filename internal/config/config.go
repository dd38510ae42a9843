package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Queue     QueueConfig     `yaml:"queue"`
	Accounts  []AccountConfig `yaml:"accounts"`
	Transport TransportConfig `yaml:"transport"`
	CORS      CORSConfig      `yaml:"cors"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// QueueConfig holds dispatch queue settings
type QueueConfig struct {
	RedisAddr           string `yaml:"redis_addr"`
	RedisPassword       string `yaml:"redis_password"`
	RedisDB             int    `yaml:"redis_db"`
	MaxAttempts         int    `yaml:"max_attempts"`
	BulkSendDelayMS     int    `yaml:"bulk_send_delay_ms"`
	HistoryLimit        int    `yaml:"history_limit"`
	MaxBulkRecipients   int    `yaml:"max_bulk_recipients"`
	PollIntervalMS      int    `yaml:"poll_interval_ms"`
	RetryBackoffBaseMS  int    `yaml:"retry_backoff_base_ms"`
}

// BulkSendDelay returns the inter-recipient delay for bulk jobs.
func (q QueueConfig) BulkSendDelay() time.Duration {
	return time.Duration(q.BulkSendDelayMS) * time.Millisecond
}

// PollInterval returns the idle poll interval for the dispatch loop.
func (q QueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalMS) * time.Millisecond
}

// RetryBackoffBase returns the base delay for durable-backend retry backoff.
func (q QueueConfig) RetryBackoffBase() time.Duration {
	return time.Duration(q.RetryBackoffBaseMS) * time.Millisecond
}

// AccountConfig describes one outbound account with its daily quota.
// Credentials stay with the transport; the dispatch core only tracks
// identity and quota.
type AccountConfig struct {
	ID         string `yaml:"id"`
	Address    string `yaml:"address"`
	DailyLimit int    `yaml:"daily_limit"`
}

// TransportConfig selects and configures the outbound mail transport
type TransportConfig struct {
	Kind      string          `yaml:"kind"` // "ses" or "sparkpost"
	SES       SESConfig       `yaml:"ses"`
	SparkPost SparkPostConfig `yaml:"sparkpost"`
}

// SESConfig holds AWS SES credentials
type SESConfig struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
}

// SparkPostConfig holds SparkPost API settings
type SparkPostConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// CORSConfig holds allowed origins for the HTTP API
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Load reads and parses the YAML config file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if cfg.Queue.BulkSendDelayMS == 0 {
		cfg.Queue.BulkSendDelayMS = 1000
	}
	if cfg.Queue.HistoryLimit == 0 {
		cfg.Queue.HistoryLimit = 100
	}
	if cfg.Queue.MaxBulkRecipients == 0 {
		cfg.Queue.MaxBulkRecipients = 10000
	}
	if cfg.Queue.PollIntervalMS == 0 {
		cfg.Queue.PollIntervalMS = 500
	}
	if cfg.Queue.RetryBackoffBaseMS == 0 {
		cfg.Queue.RetryBackoffBaseMS = 5000
	}
	if cfg.Transport.Kind == "" {
		cfg.Transport.Kind = "ses"
	}
	if cfg.Transport.SES.Region == "" {
		cfg.Transport.SES.Region = "us-west-2"
	}
	if cfg.Transport.SparkPost.BaseURL == "" {
		cfg.Transport.SparkPost.BaseURL = "https://api.sparkpost.com/api/v1"
	}
	if cfg.Transport.SparkPost.TimeoutSeconds == 0 {
		cfg.Transport.SparkPost.TimeoutSeconds = 30
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadFromEnv loads the config file and applies environment overrides.
// A .env file is honored if present.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if present
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Queue.RedisAddr = addr
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		cfg.Queue.RedisPassword = pass
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			cfg.Queue.RedisDB = n
		}
	}
	if accessKey := os.Getenv("AWS_SES_ACCESS_KEY"); accessKey != "" {
		cfg.Transport.SES.AccessKey = accessKey
	}
	if secretKey := os.Getenv("AWS_SES_SECRET_KEY"); secretKey != "" {
		cfg.Transport.SES.SecretKey = secretKey
	}
	if region := os.Getenv("AWS_SES_REGION"); region != "" {
		cfg.Transport.SES.Region = region
	}
	if apiKey := os.Getenv("SPARKPOST_API_KEY"); apiKey != "" {
		cfg.Transport.SparkPost.APIKey = apiKey
	}
	if baseURL := os.Getenv("SPARKPOST_BASE_URL"); baseURL != "" {
		cfg.Transport.SparkPost.BaseURL = baseURL
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = n
		}
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}

	return cfg, nil
}

// Validate checks for configuration mistakes that would otherwise surface
// as confusing runtime failures.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.ID == "" {
			return fmt.Errorf("accounts[%d]: id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("accounts[%d]: duplicate account id %q", i, a.ID)
		}
		seen[a.ID] = true
		if a.Address == "" {
			return fmt.Errorf("account %s: address is required", a.ID)
		}
		if a.DailyLimit <= 0 {
			return fmt.Errorf("account %s: daily_limit must be positive", a.ID)
		}
	}
	switch c.Transport.Kind {
	case "ses", "sparkpost":
	default:
		return fmt.Errorf("transport.kind must be \"ses\" or \"sparkpost\", got %q", c.Transport.Kind)
	}
	return nil
}
