package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Mode        string
	Environment string

	Logger LoggerConfig

	OTLPEndpoint string

	Cloud CloudConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	MigrateOnStart bool
	SeedDemo       bool

	RateLimit RateLimitConfig
	SMTP      SMTPConfig
	Slack     SlackConfig
	Processor ProcessorConfig
	Scheduler SchedulerConfig
}

// SchedulerConfig controls the background job loop. An empty EnabledJobs
// list enables everything (monolith mode).
type SchedulerConfig struct {
	RunIntervalSeconds       int
	BatchSize                int
	RecoveryThresholdMinutes int
	EnabledJobs              []string
}

type LoggerConfig struct {
	Level string
}

type CloudConfig struct {
	TenantID   string
	TenantName string
	Metrics    CloudMetricsConfig
}

type CloudMetricsConfig struct {
	Enabled   bool
	Exporter  string
	Endpoint  string
	AuthToken string
}

// RateLimitConfig guards the usage-recording ingest path.
type RateLimitConfig struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RecordTenantRate      float64
	RecordTenantBurst     int
	RecordEndpointRate    float64
	RecordEndpointBurst   int
	RecordCallLockSeconds int64
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type SlackConfig struct {
	WebhookURL string
}

// ProcessorConfig carries the external payment processor credentials.
type ProcessorConfig struct {
	Provider      string
	APIBaseURL    string
	APIKey        string
	AccountID     string
	WebhookSecret string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	mode := normalizeMode(getenv("APP_MODE", ModeOSS))
	environment := getenv("ENVIRONMENT", "development")

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "voxbill"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Mode:        mode,
		Environment: environment,
		Logger: LoggerConfig{
			Level: getenv("LOG_LEVEL", "info"),
		},
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),
		Cloud: CloudConfig{
			TenantID:   strings.TrimSpace(getenv("CLOUD_TENANT_ID", "")),
			TenantName: getenv("CLOUD_TENANT_NAME", ""),
			Metrics: CloudMetricsConfig{
				Enabled:   getenvBool("CLOUD_METRICS_ENABLED", true),
				Exporter:  strings.ToLower(getenv("CLOUD_METRICS_EXPORTER", "")),
				Endpoint:  strings.TrimSpace(getenv("CLOUD_METRICS_ENDPOINT", "")),
				AuthToken: strings.TrimSpace(getenv("CLOUD_METRICS_AUTH_TOKEN", "")),
			},
		},
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "voxbill"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME_MINUTES", 30),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_MINUTES", 10),
		MigrateOnStart:    getenvBool("MIGRATE_ON_START", true),
		SeedDemo:          getenvBool("SEED_DEMO", false),
		RateLimit: RateLimitConfig{
			Enabled:               getenvBool("RATE_LIMIT_ENABLED", false),
			RedisAddr:             strings.TrimSpace(getenv("REDIS_ADDR", "")),
			RedisPassword:         getenv("REDIS_PASSWORD", ""),
			RedisDB:               getenvInt("REDIS_DB", 0),
			RecordTenantRate:      getenvFloat("RATE_LIMIT_RECORD_TENANT_RATE", 20),
			RecordTenantBurst:     getenvInt("RATE_LIMIT_RECORD_TENANT_BURST", 40),
			RecordEndpointRate:    getenvFloat("RATE_LIMIT_RECORD_ENDPOINT_RATE", 200),
			RecordEndpointBurst:   getenvInt("RATE_LIMIT_RECORD_ENDPOINT_BURST", 400),
			RecordCallLockSeconds: getenvInt64("RATE_LIMIT_RECORD_CALL_LOCK_SECONDS", 15),
		},
		SMTP: SMTPConfig{
			Host:     getenv("SMTP_HOST", ""),
			Port:     getenvInt("SMTP_PORT", 587),
			Username: getenv("SMTP_USERNAME", ""),
			Password: getenv("SMTP_PASSWORD", ""),
			From:     getenv("SMTP_FROM", "billing@voxbill.dev"),
		},
		Slack: SlackConfig{
			WebhookURL: strings.TrimSpace(getenv("SLACK_WEBHOOK_URL", "")),
		},
		Processor: ProcessorConfig{
			Provider:      strings.ToLower(getenv("PROCESSOR_PROVIDER", "stripe")),
			APIBaseURL:    strings.TrimSpace(getenv("PROCESSOR_API_BASE_URL", "")),
			APIKey:        strings.TrimSpace(getenv("PROCESSOR_API_KEY", "")),
			AccountID:     strings.TrimSpace(getenv("PROCESSOR_ACCOUNT_ID", "")),
			WebhookSecret: strings.TrimSpace(getenv("PROCESSOR_WEBHOOK_SECRET", "")),
		},
		Scheduler: SchedulerConfig{
			RunIntervalSeconds:       getenvInt("SCHEDULER_RUN_INTERVAL_SECONDS", 60),
			BatchSize:                getenvInt("SCHEDULER_BATCH_SIZE", 50),
			RecoveryThresholdMinutes: getenvInt("SCHEDULER_RECOVERY_THRESHOLD_MINUTES", 30),
			EnabledJobs:              getenvList("SCHEDULER_ENABLED_JOBS"),
		},
	}

	return cfg
}

const (
	ModeOSS        = "oss"
	ModeCloud      = "cloud"
	ModeStandalone = "standalone"
)

func (c Config) IsCloud() bool {
	return c.Mode == ModeCloud
}

func normalizeMode(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case ModeCloud:
		return ModeCloud
	case ModeStandalone, ModeOSS:
		return ModeOSS
	default:
		return ModeOSS
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvList(key string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
