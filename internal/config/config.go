package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Бэкенды табличного хранилища.
const (
	BackendGoogle   = "google"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	AppHost     string
	HTTPPort    string
	AppEnv      string
	LogLevel    string
	ServiceName string

	Sheets struct {
		Backend         string
		SpreadsheetID   string
		CredentialsFile string
		PartnersSheet   string
		AppealsSheet    string

		RetryAttempts     int
		RetryBaseDelay    time.Duration
		RetryMaxDelay     time.Duration
		CallTimeout       time.Duration
		BreakerThreshold  int
		BreakerCooldown   time.Duration
		RequestsPerMinute int
		RequestBurst      int
		SnapshotTTL       time.Duration
	}

	AuthCacheTTL         time.Duration
	AuthNegativeCacheTTL time.Duration

	Monitor struct {
		Interval            time.Duration
		MaxDeliveryAttempts int
		AutoResolve         bool
	}

	TelegramBotToken string
	TelegramAPIURL   string

	// RedisAddr — если задан, счётчики попыток доставки хранятся в Redis.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	KafkaBrokers     []string
	KafkaTopicAppeal string

	JaegerEndpoint string

	// EscalationPhrases дополняют встроенный список фраз эскалации.
	EscalationPhrases []string

	DB struct {
		Host     string
		Port     string
		User     string
		Password string
		Database string
		SSLMode  string
	}
}

func Load() (*Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")

	var errs []error
	cfg := &Config{
		AppHost:     getEnv("APP_HOST", "0.0.0.0"),
		HTTPPort:    firstEnv("APP_PORT", "HTTP_PORT", "8098"),
		AppEnv:      getEnv("APP_ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		ServiceName: getEnv("SERVICE_NAME", "appeal-service"),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramAPIURL:   getEnv("TELEGRAM_API_URL", ""),
		RedisAddr:        getEnv("REDIS_ADDR", ""),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		KafkaBrokers:     splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopicAppeal: getEnv("KAFKA_TOPIC_APPEAL", "appeal.events"),
		JaegerEndpoint:   getEnv("JAEGER_ENDPOINT", ""),

		EscalationPhrases: splitList(getEnv("ESCALATION_PHRASES", "")),
	}
	cfg.RedisDB = intEnv(&errs, "REDIS_DB", 0)

	s := &cfg.Sheets
	s.Backend = strings.ToLower(getEnv("SHEET_BACKEND", BackendGoogle))
	s.SpreadsheetID = getEnv("SPREADSHEET_ID", "")
	s.CredentialsFile = firstEnv("GOOGLE_CREDENTIALS_FILE", "GOOGLE_APPLICATION_CREDENTIALS", "credentials.json")
	s.PartnersSheet = getEnv("SHEET_AUTHORIZATION", "Authorization")
	s.AppealsSheet = getEnv("SHEET_APPEALS", "Appeals")
	s.RetryAttempts = intEnv(&errs, "SHEET_RETRY_ATTEMPTS", 4)
	s.RetryBaseDelay = durationEnv(&errs, "SHEET_RETRY_BASE_DELAY", 500*time.Millisecond)
	s.RetryMaxDelay = durationEnv(&errs, "SHEET_RETRY_MAX_DELAY", 8*time.Second)
	s.CallTimeout = durationEnv(&errs, "SHEET_CALL_TIMEOUT", 15*time.Second)
	s.BreakerThreshold = intEnv(&errs, "SHEET_BREAKER_THRESHOLD", 5)
	s.BreakerCooldown = durationEnv(&errs, "SHEET_BREAKER_COOLDOWN", 30*time.Second)
	s.RequestsPerMinute = intEnv(&errs, "SHEET_REQUESTS_PER_MINUTE", 55)
	s.RequestBurst = intEnv(&errs, "SHEET_REQUEST_BURST", 5)
	s.SnapshotTTL = durationEnv(&errs, "SHEET_SNAPSHOT_TTL", 10*time.Second)

	cfg.AuthCacheTTL = durationEnv(&errs, "AUTH_CACHE_TTL", 5*time.Minute)
	cfg.AuthNegativeCacheTTL = durationEnv(&errs, "AUTH_NEGATIVE_CACHE_TTL", 30*time.Second)

	cfg.Monitor.Interval = durationEnv(&errs, "MONITOR_INTERVAL", 60*time.Second)
	cfg.Monitor.MaxDeliveryAttempts = intEnv(&errs, "MONITOR_MAX_DELIVERY_ATTEMPTS", 5)
	cfg.Monitor.AutoResolve = boolEnv(&errs, "AUTO_RESOLVE_ON_DELIVERY", true)

	cfg.DB.Host = getEnv("DB_HOST", "localhost")
	cfg.DB.Port = getEnv("DB_PORT", "5432")
	cfg.DB.User = getEnv("DB_USER", "postgres")
	cfg.DB.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.DB.Database = getEnv("DB_DATABASE", "appeal_service")
	cfg.DB.SSLMode = getEnv("DB_SSLMODE", "disable")

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Sheets.Backend {
	case BackendGoogle:
		if c.Sheets.SpreadsheetID == "" {
			return errors.New("config: SPREADSHEET_ID is required for the google backend")
		}
		if c.Sheets.CredentialsFile == "" {
			return errors.New("config: GOOGLE_CREDENTIALS_FILE is required for the google backend")
		}
	case BackendPostgres:
		if c.DB.Host == "" || c.DB.Database == "" {
			return errors.New("config: DB_HOST and DB_DATABASE are required")
		}
		if c.AppEnv == "production" && c.DB.Password == "" {
			return errors.New("config: in production DB_PASSWORD is required")
		}
	case BackendMemory:
		if c.AppEnv == "production" {
			return errors.New("config: SHEET_BACKEND=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("config: unknown SHEET_BACKEND %q", c.Sheets.Backend)
	}
	if c.Sheets.PartnersSheet == "" || c.Sheets.AppealsSheet == "" {
		return errors.New("config: SHEET_AUTHORIZATION and SHEET_APPEALS must not be empty")
	}
	if c.Sheets.RetryAttempts < 1 {
		return errors.New("config: SHEET_RETRY_ATTEMPTS must be at least 1")
	}
	if c.Sheets.BreakerThreshold < 1 {
		return errors.New("config: SHEET_BREAKER_THRESHOLD must be at least 1")
	}
	if c.Sheets.RetryMaxDelay < c.Sheets.RetryBaseDelay {
		return errors.New("config: SHEET_RETRY_MAX_DELAY must not be below SHEET_RETRY_BASE_DELAY")
	}
	if c.AuthNegativeCacheTTL > c.AuthCacheTTL {
		return errors.New("config: AUTH_NEGATIVE_CACHE_TTL must not exceed AUTH_CACHE_TTL")
	}
	if c.Monitor.MaxDeliveryAttempts < 1 {
		return errors.New("config: MONITOR_MAX_DELIVERY_ATTEMPTS must be at least 1")
	}
	if c.AppEnv == "production" && c.TelegramBotToken == "" {
		return errors.New("config: in production TELEGRAM_BOT_TOKEN is required")
	}
	return nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Database, c.DB.SSLMode)
}

func (c *Config) DatabaseURL() string {
	pass := url.QueryEscape(c.DB.Password)
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DB.User, pass, c.DB.Host, c.DB.Port, c.DB.Database, c.DB.SSLMode)
}

func (c *Config) Addr() string {
	return c.AppHost + ":" + c.HTTPPort
}

func firstEnv(keysAndDef ...string) string {
	if len(keysAndDef) == 0 {
		return ""
	}
	def := keysAndDef[len(keysAndDef)-1]
	for _, k := range keysAndDef[:len(keysAndDef)-1] {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationEnv(errs *[]error, key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		*errs = append(*errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}

func intEnv(errs *[]error, key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return def
	}
	return n
}

func boolEnv(errs *[]error, key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return def
	}
	return b
}

// splitList разбивает "a, b,,c" на ["a" "b" "c"].
func splitList(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
