package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/xulili-samrt/auto-send-apply-rm-mail/internal/schedule"
	"github.com/xulili-samrt/auto-send-apply-rm-mail/pkg/logx"
)

func TestLoadCreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	m := NewManager(path, logx.Nop())

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config file not created: %v", err)
	}
	if cfg.Schedule.IntervalWeeks != 2 || cfg.Schedule.Weekday != 2 {
		t.Fatalf("unexpected default schedule: %+v", cfg.Schedule)
	}
	if cfg.Schedule.AutoStart {
		t.Fatal("default must not auto-start")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	m := NewManager(path, logx.Nop())

	cfg := Default()
	cfg.Server.LoginURL = "https://erp.example.com/api/login"
	cfg.Server.RequisitionsURL = "https://erp.example.com/api/requisitions"
	cfg.Server.Username = "alice"
	cfg.Mail.Recipient = "team@example.com"
	cfg.Schedule = schedule.Config{IntervalWeeks: 3, Weekday: 5, Hour: 8, Minute: 30}

	if err := m.Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := NewManager(path, logx.Nop()).Load()
	if err != nil {
		t.Fatalf("Load after Save: %v", err)
	}
	if got.Server.LoginURL != cfg.Server.LoginURL {
		t.Fatalf("login url = %q", got.Server.LoginURL)
	}
	if got.Schedule != cfg.Schedule {
		t.Fatalf("schedule = %+v, want %+v", got.Schedule, cfg.Schedule)
	}
	if got.Mail.Recipient != "team@example.com" {
		t.Fatalf("recipient = %q", got.Mail.Recipient)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"server": {}, "surprise": true}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewManager(path, logx.Nop()).Parse(); err == nil {
		t.Fatal("unknown top-level field accepted")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"server": {}} {"server": {}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewManager(path, logx.Nop()).Parse(); err == nil {
		t.Fatal("concatenated JSON accepted")
	}
}

func TestParseRejectsOutOfRangeSchedule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"server": {}, "schedule": {"interval_weeks": 9, "weekday": 5, "hour": 9, "minute": 0}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := NewManager(path, logx.Nop()).Parse()
	if err == nil {
		t.Fatal("interval_weeks=9 accepted")
	}
}

func TestParseYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  login_url: https://erp.example.com/api/login
schedule:
  interval_weeks: 2
  weekday: 5
  hour: 9
  minute: 0
  auto_start: true
mail:
  recipient: team@example.com
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := NewManager(path, logx.Nop()).Parse()
	if err != nil {
		t.Fatalf("Parse yaml: %v", err)
	}
	if !cfg.Schedule.AutoStart || cfg.Schedule.Weekday != 5 {
		t.Fatalf("yaml schedule = %+v", cfg.Schedule)
	}
}

func TestApplyEnvOverridesCredentials(t *testing.T) {
	t.Setenv("RMMAILER_USERNAME", "env-user")
	t.Setenv("RMMAILER_PASSWORD", "env-pass")

	cfg := Default()
	cfg.Server.Username = "file-user"
	cfg.ApplyEnv()

	if cfg.Server.Username != "env-user" || cfg.Server.Password != "env-pass" {
		t.Fatalf("env overrides not applied: %+v", cfg.Server)
	}
}

func TestSaveRefusesInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	m := NewManager(path, logx.Nop())

	cfg := Default()
	cfg.Schedule.Weekday = 0
	if err := m.Save(cfg); err == nil {
		t.Fatal("invalid schedule saved")
	}
	if _, statErr := os.Stat(path); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatal("file written despite validation failure")
	}
}
