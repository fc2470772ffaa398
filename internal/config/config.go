// Package config owns the on-disk configuration: strict decoding (JSON or
// YAML), defaults on first run, validation, atomic save, and hot reload.
package config

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/xulili-samrt/auto-send-apply-rm-mail/internal/schedule"
)

type Config struct {
	Server   ServerConfig    `json:"server"`
	Schedule schedule.Config `json:"schedule"`
	Mail     MailConfig      `json:"mail"`
	Logging  LoggingConfig   `json:"logging"`
	Notify   NotifyConfig    `json:"notify,omitempty"`
}

// ServerConfig points at the requisition backend. The requisitions endpoint
// doubles as the completion-report target (POST), matching the backend API.
type ServerConfig struct {
	LoginURL        string `json:"login_url" validate:"omitempty,url"`
	RequisitionsURL string `json:"requisitions_url" validate:"omitempty,url"`
	CopyListURL     string `json:"copy_list_url" validate:"omitempty,url"`
	Username        string `json:"username"`
	Password        string `json:"password"`
	// Timeout is a Go duration string (e.g. "30s"). Empty means the client
	// default.
	Timeout string `json:"timeout,omitempty"`
}

type MailConfig struct {
	// Recipient is a single address or a ";"/"," separated list.
	Recipient string     `json:"recipient"`
	SMTP      SMTPConfig `json:"smtp"`
}

type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty" validate:"min=0,max=65535"`
	From     string `json:"from" validate:"omitempty,email"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// NotifyConfig controls the optional Telegram status notifier.
type NotifyConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"`
	ChatID     int64  `json:"chat_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// Default mirrors the first-run defaults of the configuration store:
// biweekly on Tuesday at 09:00, not auto-started, URLs left for the user.
func Default() *Config {
	return &Config{
		Schedule: schedule.Config{
			IntervalWeeks: 2,
			Weekday:       2,
			Hour:          9,
			Minute:        0,
			AutoStart:     false,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			File:    LoggingFile{Enabled: true, Path: "./rmmailer.log"},
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints. Schedule bounds are enforced here as
// well as in schedule.Translate so a bad config file is rejected at load
// time, before it ever reaches the registry.
func (c *Config) Validate() error {
	return validate.Struct(c)
}

// ParsedTimeout parses the server timeout, falling back to zero (client default).
func (s ServerConfig) ParsedTimeout() time.Duration {
	d, err := time.ParseDuration(s.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// ApplyEnv overlays credentials from the environment so secrets can stay out
// of the config file. A .env file, if present, is loaded by the daemon
// before this runs.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("RMMAILER_USERNAME"); v != "" {
		c.Server.Username = v
	}
	if v := os.Getenv("RMMAILER_PASSWORD"); v != "" {
		c.Server.Password = v
	}
	if v := os.Getenv("RMMAILER_SMTP_PASSWORD"); v != "" {
		c.Mail.SMTP.Password = v
	}
	if v := os.Getenv("RMMAILER_TELEGRAM_TOKEN"); v != "" {
		c.Notify.Telegram.Token = v
	}
}
