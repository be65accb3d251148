package config

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SPREADSHEET_ID", "sheet-1")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sheets.Backend != BackendGoogle || cfg.Sheets.RetryAttempts != 4 || cfg.Sheets.RequestsPerMinute != 55 {
		t.Fatalf("unexpected sheet defaults: %+v", cfg.Sheets)
	}
	if cfg.Sheets.RetryBaseDelay != 500*time.Millisecond || cfg.Sheets.BreakerCooldown != 30*time.Second {
		t.Fatalf("unexpected durations: %+v", cfg.Sheets)
	}
	if cfg.AuthCacheTTL != 5*time.Minute || cfg.AuthNegativeCacheTTL != 30*time.Second {
		t.Fatalf("unexpected cache ttls: %v / %v", cfg.AuthCacheTTL, cfg.AuthNegativeCacheTTL)
	}
	if !cfg.Monitor.AutoResolve || cfg.Monitor.MaxDeliveryAttempts != 5 {
		t.Fatalf("unexpected monitor defaults: %+v", cfg.Monitor)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SHEET_BACKEND", "Memory")
	t.Setenv("SHEET_RETRY_ATTEMPTS", "2")
	t.Setenv("MONITOR_INTERVAL", "45s")
	t.Setenv("AUTO_RESOLVE_ON_DELIVERY", "false")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("ESCALATION_PHRASES", "refund, chargeback")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sheets.Backend != BackendMemory || cfg.Sheets.RetryAttempts != 2 {
		t.Fatalf("overrides not applied: %+v", cfg.Sheets)
	}
	if cfg.Monitor.Interval != 45*time.Second || cfg.Monitor.AutoResolve {
		t.Fatalf("monitor overrides not applied: %+v", cfg.Monitor)
	}
	if !reflect.DeepEqual(cfg.KafkaBrokers, []string{"k1:9092", "k2:9092"}) {
		t.Fatalf("brokers = %v", cfg.KafkaBrokers)
	}
	if !reflect.DeepEqual(cfg.EscalationPhrases, []string{"refund", "chargeback"}) {
		t.Fatalf("phrases = %v", cfg.EscalationPhrases)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("SHEET_CALL_TIMEOUT", "soon")
	t.Setenv("SHEET_RETRY_ATTEMPTS", "many")
	_, err := Load()
	if err == nil {
		t.Fatalf("expected an error")
	}
	for _, key := range []string{"SHEET_CALL_TIMEOUT", "SHEET_RETRY_ATTEMPTS"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("error %q does not mention %s", err, key)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("SHEET_BACKEND", "memory")
	cases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown backend", func(c *Config) { c.Sheets.Backend = "excel" }},
		{"google without sheet id", func(c *Config) { c.Sheets.Backend = BackendGoogle; c.Sheets.SpreadsheetID = "" }},
		{"memory in production", func(c *Config) { c.AppEnv = "production"; c.TelegramBotToken = "t" }},
		{"zero attempts", func(c *Config) { c.Sheets.RetryAttempts = 0 }},
		{"negative ttl above positive", func(c *Config) { c.AuthNegativeCacheTTL = time.Hour }},
		{"max delay below base", func(c *Config) { c.Sheets.RetryMaxDelay = time.Millisecond }},
	}
	for _, tc := range cases {
		cfg, err := Load()
		if err != nil {
			t.Fatalf("%s: load: %v", tc.name, err)
		}
		if err := cfg.Validate(); err != nil {
			t.Fatalf("%s: baseline must be valid: %v", tc.name, err)
		}
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected a validation error", tc.name)
		}
	}
}

func TestDatabaseURLEscapesPassword(t *testing.T) {
	cfg := &Config{}
	cfg.DB.User, cfg.DB.Password, cfg.DB.Host, cfg.DB.Port, cfg.DB.Database, cfg.DB.SSLMode = "u", "p@ss word", "h", "5432", "d", "disable"
	if got := cfg.DatabaseURL(); got != "postgres://u:p%40ss+word@h:5432/d?sslmode=disable" {
		t.Fatalf("DatabaseURL = %s", got)
	}
}
