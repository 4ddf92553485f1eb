// Package config loads service configuration from a YAML file and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix is the prefix for environment overrides. A double underscore
// separates nesting levels, so MAILQUEUE_DATABASE__MAX_OPEN_CONNS maps to
// database.max_open_conns.
const envPrefix = "MAILQUEUE_"

// Config is the root service configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Log         LogConfig         `koanf:"log"`
	Database    DatabaseConfig    `koanf:"database"`
	Queue       QueueConfig       `koanf:"queue"`
	Mail        MailConfig        `koanf:"mail"`
	Unsubscribe UnsubscribeConfig `koanf:"unsubscribe"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// LogConfig contains logging configuration.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// DatabaseConfig contains PostgreSQL configuration.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	MigrationsPath  string        `koanf:"migrations_path"`
}

// QueueConfig contains processing cycle configuration.
type QueueConfig struct {
	Interval        time.Duration `koanf:"interval"`
	BatchSize       int           `koanf:"batch_size"`
	ConsolidateSize int           `koanf:"consolidate_size"`
	RetentionWindow time.Duration `koanf:"retention_window"`
	StuckAfter      time.Duration `koanf:"stuck_after"`
	SentRetention   time.Duration `koanf:"sent_retention"`
	CleanupEvery    int           `koanf:"cleanup_every"`
	StatsInterval   time.Duration `koanf:"stats_interval"`
}

// MailConfig contains mail transport configuration.
type MailConfig struct {
	// Provider selects the transport: postmark, smtp or dev.
	Provider    string         `koanf:"provider"`
	FromAddress string         `koanf:"from_address"`
	RateLimit   float64        `koanf:"rate_limit"`
	SMTP        SMTPConfig     `koanf:"smtp"`
	Postmark    PostmarkConfig `koanf:"postmark"`
}

// SMTPConfig contains SMTP transport configuration.
type SMTPConfig struct {
	Host        string        `koanf:"host"`
	Port        int           `koanf:"port"`
	User        string        `koanf:"user"`
	Password    string        `koanf:"password"`
	SendTimeout time.Duration `koanf:"send_timeout"`
}

// PostmarkConfig contains Postmark transport configuration.
type PostmarkConfig struct {
	ServerToken  string `koanf:"server_token"`
	AccountToken string `koanf:"account_token"`
	MessageTag   string `koanf:"message_tag"`
}

// UnsubscribeConfig contains unsubscribe link configuration.
type UnsubscribeConfig struct {
	BaseURL string `koanf:"base_url"`
}

// Default returns the configuration defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectAttempts: 5,
			ConnectTimeout:  60 * time.Second,
			MigrationsPath:  "migrations",
		},
		Queue: QueueConfig{
			Interval:        60 * time.Second,
			BatchSize:       100,
			ConsolidateSize: 100,
			RetentionWindow: 24 * time.Hour,
			StuckAfter:      10 * time.Minute,
			SentRetention:   30 * 24 * time.Hour,
			CleanupEvery:    60,
			StatsInterval:   15 * time.Second,
		},
		Mail: MailConfig{
			Provider: "dev",
			SMTP: SMTPConfig{
				Port:        587,
				SendTimeout: 30 * time.Second,
			},
		},
	}
}

// Load reads configuration from the optional YAML file at path, then
// applies environment overrides, on top of the defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return errors.New("config: database.url is required")
	}

	switch c.Mail.Provider {
	case "postmark":
		if c.Mail.Postmark.ServerToken == "" || c.Mail.Postmark.AccountToken == "" {
			return errors.New("config: postmark tokens are required with the postmark provider")
		}
		if c.Mail.FromAddress == "" {
			return errors.New("config: mail.from_address is required with the postmark provider")
		}
	case "smtp":
		if c.Mail.SMTP.Host == "" {
			return errors.New("config: mail.smtp.host is required with the smtp provider")
		}
		if c.Mail.FromAddress == "" {
			return errors.New("config: mail.from_address is required with the smtp provider")
		}
	case "dev":
	default:
		return fmt.Errorf("config: unknown mail provider %q", c.Mail.Provider)
	}

	return nil
}
