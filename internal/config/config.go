// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// IMAPAccount is a mailbox polled over IMAP instead of the Gmail API.
type IMAPAccount struct {
	AccountID string `yaml:"account_id"`
	UserID    string `yaml:"user_id"`
	Address   string `yaml:"address"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	Mailbox   string `yaml:"mailbox"`
	TLS       bool   `yaml:"tls"`
}

// RetailerExtension adds domains or subject keywords to a built-in retailer,
// or declares a new generic one.
type RetailerExtension struct {
	Name     string   `yaml:"name"`
	Domains  []string `yaml:"domains"`
	Keywords []string `yaml:"keywords"`
}

// Settings are the flat scalar settings read from the environment.
type Settings struct {
	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"postgres"`
	DatabaseURL    string `env:"DATABASE_URL"`
	SQLitePath     string `env:"SQLITE_PATH" envDefault:"orderscan.db"`

	RedisURL  string `env:"REDIS_URL"`
	ScanQueue string `env:"SCAN_QUEUE" envDefault:"scan_jobs"`

	Port int `env:"PORT" envDefault:"8080"`

	MinConfidence float64 `env:"MIN_CONFIDENCE" envDefault:"0.5"`

	AIEnabled       bool    `env:"AI_ENABLED" envDefault:"false"`
	AIModel         string  `env:"AI_MODEL" envDefault:"gpt-4o-mini"`
	AIAPIKey        string  `env:"AI_API_KEY"`
	AIBodyLimit     int     `env:"AI_BODY_LIMIT" envDefault:"5000"`
	AIRatePerMinute float64 `env:"AI_RATE_PER_MINUTE" envDefault:"50"`

	ScanWorkers                    int           `env:"SCAN_WORKERS" envDefault:"4"`
	ScanConcurrentJobs             int           `env:"SCAN_CONCURRENT_JOBS" envDefault:"2"`
	ScanStaleAfter                 time.Duration `env:"SCAN_STALE_AFTER" envDefault:"5m"`
	ReapInterval                   time.Duration `env:"REAP_INTERVAL" envDefault:"1m"`
	MaxConsecutiveUpstreamFailures int           `env:"MAX_CONSECUTIVE_UPSTREAM_FAILURES" envDefault:"5"`
	RetryBackoff                   time.Duration `env:"RETRY_BACKOFF" envDefault:"2s"`
	RetryAttempts                  int           `env:"RETRY_ATTEMPTS" envDefault:"3"`

	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

// Config holds all configuration for the ingestion service.
type Config struct {
	Settings

	IMAPAccounts []IMAPAccount
	Retailers    []RetailerExtension

	// AIInstructions are appended to the extraction prompt.
	AIInstructions string
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	IMAP      []IMAPAccount       `yaml:"imap_accounts"`
	Retailers []RetailerExtension `yaml:"retailers"`
	AI        struct {
		Instructions string `yaml:"instructions"`
	} `yaml:"ai"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Scans string `yaml:"scans"`
		} `yaml:"queues"`
	} `yaml:"redis"`
}

// DefaultConfigPath is used when CONFIG_PATH is unset.
const DefaultConfigPath = "/app/config/config.yaml"

// Load reads .env (if present), environment variables, and config.yaml (with
// env var expansion). A missing YAML file is not an error; everything in it
// is optional.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var s Settings
	if err := env.Parse(&s); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = DefaultConfigPath
	}
	raw, err := readFile(configPath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Settings:       s,
		IMAPAccounts:   normalizeIMAP(raw.IMAP),
		Retailers:      raw.Retailers,
		AIInstructions: strings.TrimSpace(raw.AI.Instructions),
	}
	cfg.RedisURL = firstNonEmpty(cfg.RedisURL, raw.Redis.URL)
	if q := raw.Redis.Queues.Scans; q != "" && os.Getenv("SCAN_QUEUE") == "" {
		cfg.ScanQueue = q
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readFile(path string) (rawConfig, error) {
	var raw rawConfig
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return raw, nil
	}
	if err != nil {
		return raw, fmt.Errorf("read config file %s: %w", path, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return raw, fmt.Errorf("parse config YAML: %w", err)
	}
	return raw, nil
}

func normalizeIMAP(accounts []IMAPAccount) []IMAPAccount {
	var out []IMAPAccount
	for _, a := range accounts {
		// Skip accounts with empty credentials (commented out in YAML)
		if a.Host == "" || a.Username == "" || a.Password == "" {
			continue
		}
		if a.Port == 0 {
			a.Port = 993
			a.TLS = true
		}
		if a.Mailbox == "" {
			a.Mailbox = "INBOX"
		}
		if a.Address == "" {
			a.Address = a.Username
		}
		if a.AccountID == "" {
			a.AccountID = a.Address
		}
		out = append(out, a)
	}
	return out
}

// Validate checks ranges of the numeric settings.
func (c *Config) Validate() error {
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("MIN_CONFIDENCE must be within [0,1], got %v", c.MinConfidence)
	}
	if c.AIBodyLimit < 500 {
		return fmt.Errorf("AI_BODY_LIMIT must be at least 500, got %d", c.AIBodyLimit)
	}
	if c.ScanWorkers < 1 {
		return fmt.Errorf("SCAN_WORKERS must be at least 1, got %d", c.ScanWorkers)
	}
	if c.ScanConcurrentJobs < 1 {
		return fmt.Errorf("SCAN_CONCURRENT_JOBS must be at least 1, got %d", c.ScanConcurrentJobs)
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("RETRY_ATTEMPTS must be at least 1, got %d", c.RetryAttempts)
	}
	switch c.DatabaseDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	case "sqlite":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be postgres or sqlite, got %q", c.DatabaseDriver)
	}
	if c.AIEnabled && c.AIAPIKey == "" {
		return fmt.Errorf("AI_API_KEY is required when AI_ENABLED is set")
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
