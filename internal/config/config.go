package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application's configuration.
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Database struct {
		URL            string `yaml:"url"`
		MigrationsPath string `yaml:"migrations_path"`
	} `yaml:"database"`
	Log struct {
		Production bool `yaml:"production"`
	} `yaml:"log"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Crypto struct {
		// TokenKey is the base64 master secret used to seal access tokens.
		TokenKey string `yaml:"token_key"`
	} `yaml:"crypto"`
	Platform   PlatformConfig   `yaml:"platform"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Queue      QueueConfig      `yaml:"queue"`
	Sync       SyncConfig       `yaml:"sync"`
	Thresholds ThresholdConfig  `yaml:"thresholds"`
	Suspicious SuspiciousConfig `yaml:"suspicious"`
	Alerts     struct {
		TelegramBotToken string `yaml:"telegram_bot_token"`
		TelegramChatID   int64  `yaml:"telegram_chat_id"`
	} `yaml:"alerts"`
}

// PlatformConfig configures the Graph API clients and webhook verification.
type PlatformConfig struct {
	GraphURL           string        `yaml:"graph_url"`
	InstagramGraphURL  string        `yaml:"instagram_graph_url"`
	APIVersion         string        `yaml:"api_version"`
	AppSecret          string        `yaml:"app_secret"`
	WebhookVerifyToken string        `yaml:"webhook_verify_token"`
	RequestsPerSecond  float64       `yaml:"requests_per_second"`
	Burst              int           `yaml:"burst"`
	MaxRetries         uint64        `yaml:"max_retries"`
	Timeout            time.Duration `yaml:"timeout"`
}

// ClassifierConfig configures the classification collaborator chain.
type ClassifierConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	Gemini  struct {
		APIKey    string `yaml:"api_key"`
		ModelName string `yaml:"model_name"`
	} `yaml:"gemini"`
}

// QueueConfig configures the moderation queue consumer.
type QueueConfig struct {
	Workers        int           `yaml:"workers"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	Lease          time.Duration `yaml:"lease"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
}

// SyncConfig configures periodic backfill.
type SyncConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
	MaxPosts    int           `yaml:"max_posts"`
}

// ThresholdConfig holds the conservative thresholds used in degraded mode.
type ThresholdConfig struct {
	DegradedGlobal int `yaml:"degraded_global"`
	DegradedHide   int `yaml:"degraded_hide"`
	// ReportRisk is the minimum risk for a decision to feed the global
	// threat network.
	ReportRisk int `yaml:"report_risk"`
}

// SuspiciousConfig configures repeat-offender escalation.
type SuspiciousConfig struct {
	AutoBlockAfter int     `yaml:"auto_block_after"`
	AutoBlockRisk  float64 `yaml:"auto_block_risk"`
}

// LoadConfig reads configuration from the specified YAML file.
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	config.expandEnv()
	config.applyDefaults()

	return config, nil
}

func (c *Config) expandEnv() {
	c.Database.URL = os.ExpandEnv(c.Database.URL)
	c.Auth.JWTSecret = os.ExpandEnv(c.Auth.JWTSecret)
	c.Crypto.TokenKey = os.ExpandEnv(c.Crypto.TokenKey)
	c.Platform.AppSecret = os.ExpandEnv(c.Platform.AppSecret)
	c.Platform.WebhookVerifyToken = os.ExpandEnv(c.Platform.WebhookVerifyToken)
	c.Classifier.Gemini.APIKey = os.ExpandEnv(c.Classifier.Gemini.APIKey)
	c.Alerts.TelegramBotToken = os.ExpandEnv(c.Alerts.TelegramBotToken)
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Database.MigrationsPath == "" {
		c.Database.MigrationsPath = "migrations"
	}

	if c.Platform.GraphURL == "" {
		c.Platform.GraphURL = "https://graph.facebook.com"
	}
	if c.Platform.InstagramGraphURL == "" {
		c.Platform.InstagramGraphURL = c.Platform.GraphURL
	}
	if c.Platform.APIVersion == "" {
		c.Platform.APIVersion = "v21.0"
	}
	if c.Platform.RequestsPerSecond == 0 {
		c.Platform.RequestsPerSecond = 5
	}
	if c.Platform.Burst == 0 {
		c.Platform.Burst = 10
	}
	if c.Platform.MaxRetries == 0 {
		c.Platform.MaxRetries = 3
	}
	if c.Platform.Timeout == 0 {
		c.Platform.Timeout = 15 * time.Second
	}

	if c.Classifier.Timeout == 0 {
		c.Classifier.Timeout = 10 * time.Second
	}
	if c.Classifier.Gemini.ModelName == "" {
		c.Classifier.Gemini.ModelName = "gemini-2.0-flash"
	}

	if c.Queue.Workers == 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.PollInterval == 0 {
		c.Queue.PollInterval = 2 * time.Second
	}
	if c.Queue.Lease == 0 {
		c.Queue.Lease = 2 * time.Minute
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = 5
	}
	if c.Queue.RetryDelay == 0 {
		c.Queue.RetryDelay = 10 * time.Second
	}

	if c.Sync.Interval == 0 {
		c.Sync.Interval = 30 * time.Minute
	}
	if c.Sync.Concurrency == 0 {
		c.Sync.Concurrency = 2
	}
	if c.Sync.MaxPosts == 0 {
		c.Sync.MaxPosts = 25
	}

	if c.Thresholds.DegradedGlobal == 0 {
		c.Thresholds.DegradedGlobal = 90
	}
	if c.Thresholds.DegradedHide == 0 {
		c.Thresholds.DegradedHide = 60
	}
	if c.Thresholds.ReportRisk == 0 {
		c.Thresholds.ReportRisk = 70
	}

	if c.Suspicious.AutoBlockAfter == 0 {
		c.Suspicious.AutoBlockAfter = 5
	}
	if c.Suspicious.AutoBlockRisk == 0 {
		c.Suspicious.AutoBlockRisk = 75
	}
}
