package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App          AppConfig
	Postgres     PostgresConfig
	Redis        RedisConfig
	Logger       LoggerConfig
	Auth         AuthConfig
	Notification NotificationConfig
	Escalation   EscalationConfig
	Outbox       OutboxConfig
	Telemetry    TelemetryConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string `validate:"required"`
	Env                   string `validate:"required"`
	Host                  string
	Port                  string `validate:"required,numeric"`
	Version               string
	RequestTimeoutSeconds int  `validate:"gte=0"`
	RunWorkers            bool
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32 `validate:"gte=0"`
	MinConns       int32 `validate:"gte=0"`
	RunMigrations  bool
	MigrationsDir  string
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr     string `validate:"required,hostname_port"`
	Password string
	DB       int `validate:"gte=0"`
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string `validate:"oneof=debug info warn error dpanic panic fatal"`
}

// AuthConfig defines authentication parameters.
type AuthConfig struct {
	JWTSecret             string `validate:"required,min=8"`
	AccessTokenTTLMinutes int    `validate:"gt=0"`
}

// NotificationConfig holds chat and email channel settings.
type NotificationConfig struct {
	ChatBaseURL       string `validate:"omitempty,url"`
	ChatToken         string
	ChatChannel       string
	ChatTimeout       time.Duration
	SMTPHost          string
	SMTPPort          string
	SMTPUser          string
	SMTPPassword      string
	EmailFrom         string `validate:"required,email"`
	SuperAdminEmail   string `validate:"omitempty,email"`
	// DeliveryLedgerTTL bounds delivery marks; 0 keeps them until the
	// event's handler completes.
	DeliveryLedgerTTL time.Duration `validate:"gte=0"`
}

// EscalationConfig drives the periodic escalation sweep.
type EscalationConfig struct {
	InactivityDays int           `validate:"gte=1"`
	CooldownDays   int           `validate:"gte=0"`
	UrgentLevel    int           `validate:"gte=1"`
	Interval       time.Duration `validate:"gt=0"`
	ChainSource    string        `validate:"oneof=postgres file"`
	ChainFile      string        `validate:"required_if=ChainSource file"`
	LockTTL        time.Duration `validate:"gt=0"`
}

// OutboxConfig drives the notification dispatcher.
type OutboxConfig struct {
	BatchSize      int           `validate:"gt=0"`
	MaxRetryDelay  time.Duration `validate:"gt=0"`
	ClaimLease     time.Duration `validate:"gte=0"`
	HandlerTimeout time.Duration `validate:"gt=0"`
	PollInterval   time.Duration `validate:"gt=0"`
	StuckAttempts  int           `validate:"gt=0"`
}

// TelemetryConfig configures OpenTelemetry tracing. Empty TracingURL
// disables export.
type TelemetryConfig struct {
	ServiceName string `validate:"required"`
	TracingURL  string
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "helpdesk-engine"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
			RunWorkers:            getEnvAsBool("APP_RUN_WORKERS", false),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10)),
			MinConns:       int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2)),
			RunMigrations:  getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true),
			MigrationsDir:  getEnv("POSTGRES_MIGRATIONS_DIR", "migrations"),
			ConnMaxIdleSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30)),
			ConnMaxLifeSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			JWTSecret:             getEnv("AUTH_JWT_SECRET", "dev-secret"),
			AccessTokenTTLMinutes: getEnvAsInt("AUTH_ACCESS_TOKEN_TTL_MINUTES", 60),
		},
		Notification: NotificationConfig{
			ChatBaseURL:       getEnv("NOTIFY_CHAT_BASE_URL", ""),
			ChatToken:         os.Getenv("NOTIFY_CHAT_TOKEN"),
			ChatChannel:       getEnv("NOTIFY_CHAT_CHANNEL", "helpdesk"),
			ChatTimeout:       getEnvAsDuration("NOTIFY_CHAT_TIMEOUT", 10*time.Second),
			SMTPHost:          getEnv("SMTP_HOST", ""),
			SMTPPort:          getEnv("SMTP_PORT", "25"),
			SMTPUser:          os.Getenv("SMTP_USER"),
			SMTPPassword:      os.Getenv("SMTP_PASSWORD"),
			EmailFrom:         getEnv("NOTIFY_EMAIL_FROM", "noreply@example.com"),
			SuperAdminEmail:   getEnv("NOTIFY_SUPER_ADMIN_EMAIL", ""),
			DeliveryLedgerTTL: getEnvAsDuration("NOTIFY_LEDGER_TTL", 0),
		},
		Escalation: EscalationConfig{
			InactivityDays: getEnvAsInt("ESCALATION_INACTIVITY_DAYS", 7),
			CooldownDays:   getEnvAsInt("ESCALATION_COOLDOWN_DAYS", 2),
			UrgentLevel:    getEnvAsInt("ESCALATION_URGENT_LEVEL", 2),
			Interval:       getEnvAsDuration("ESCALATION_INTERVAL", 5*time.Minute),
			ChainSource:    getEnv("ESCALATION_CHAIN_SOURCE", "postgres"),
			ChainFile:      getEnv("ESCALATION_CHAIN_FILE", ""),
			LockTTL:        getEnvAsDuration("ESCALATION_LOCK_TTL", 4*time.Minute),
		},
		Outbox: OutboxConfig{
			BatchSize:      getEnvAsInt("OUTBOX_BATCH_SIZE", 50),
			MaxRetryDelay:  getEnvAsDuration("OUTBOX_MAX_RETRY_DELAY", 60*time.Minute),
			ClaimLease:     getEnvAsDuration("OUTBOX_CLAIM_LEASE", 10*time.Minute),
			HandlerTimeout: getEnvAsDuration("OUTBOX_HANDLER_TIMEOUT", 30*time.Second),
			PollInterval:   getEnvAsDuration("OUTBOX_POLL_INTERVAL", 15*time.Second),
			StuckAttempts:  getEnvAsInt("OUTBOX_STUCK_ATTEMPTS", 5),
		},
		Telemetry: TelemetryConfig{
			ServiceName: getEnv("OTEL_SERVICE_NAME", "helpdesk-engine"),
			TracingURL:  os.Getenv("OTEL_TRACING_URL"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}
