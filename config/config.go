package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the service configuration.
type Config struct {
	Port        string
	GoEnv       string
	LogLevel    string
	DBDriver    string
	DatabaseURL string
	RedisAddr   string
	APISecret   string
	// AllowCompanyHeader lets callers identify the tenant with X-Company-Id
	// instead of a signed token. Development only.
	AllowCompanyHeader bool
	SkipMigrations     bool
	CorsOrigins        []string

	Sync SyncConfig
}

// SyncConfig holds the engine tunables. Every field can be overridden from
// the environment or from the YAML file named by SYNC_CONFIG_FILE.
type SyncConfig struct {
	TickMinutes            int     `yaml:"tick_minutes"`
	DefaultIntervalMinutes int     `yaml:"default_interval_minutes"`
	PollPageSize           int     `yaml:"poll_page_size"`
	PollMaxPages           int     `yaml:"poll_max_pages"`
	PollConcurrency        int     `yaml:"poll_concurrency"`
	RemoteTimeoutSeconds   int     `yaml:"remote_timeout_seconds"`
	RemoteMaxAttempts      int     `yaml:"remote_max_attempts"`
	RemoteRatePerSecond    float64 `yaml:"remote_rate_per_second"`
	EchoTTLSeconds         int     `yaml:"echo_ttl_seconds"`
	JobBatchSize           int     `yaml:"job_batch_size"`
	JobPageDelayMs         int     `yaml:"job_page_delay_ms"`
	DefaultPhoneRegion     string  `yaml:"default_phone_region"`
	ImportJobTopic         string  `yaml:"import_job_topic"`
}

func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		TickMinutes:            5,
		DefaultIntervalMinutes: 15,
		PollPageSize:           50,
		PollMaxPages:           20,
		PollConcurrency:        4,
		RemoteTimeoutSeconds:   30,
		RemoteMaxAttempts:      3,
		RemoteRatePerSecond:    5,
		EchoTTLSeconds:         120,
		JobBatchSize:           50,
		JobPageDelayMs:         500,
		DefaultPhoneRegion:     "MM",
	}
}

func (s SyncConfig) Tick() time.Duration {
	return time.Duration(s.TickMinutes) * time.Minute
}

func (s SyncConfig) RemoteTimeout() time.Duration {
	return time.Duration(s.RemoteTimeoutSeconds) * time.Second
}

func (s SyncConfig) EchoTTL() time.Duration {
	return time.Duration(s.EchoTTLSeconds) * time.Second
}

func (s SyncConfig) JobPageDelay() time.Duration {
	return time.Duration(s.JobPageDelayMs) * time.Millisecond
}

// Load reads .env (if present), the process environment and the optional
// YAML overlay, then validates the result.
func Load() (*Config, error) {
	env := os.Getenv("GO_ENV")
	if env == "" {
		env = "development"
	}
	envFile := fmt.Sprintf(".env.%s", env)
	if err := godotenv.Load(envFile); err != nil {
		if err := godotenv.Load(); err != nil {
			log.Printf("No .env file found, using system environment variables")
		}
	} else {
		log.Printf("Loaded configuration from %s", envFile)
	}

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		GoEnv:              getEnv("GO_ENV", "development"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		DBDriver:           strings.ToLower(getEnv("DB_DRIVER", "mysql")),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisAddr:          getEnv("REDIS_ADDRESS", ""),
		APISecret:          getEnv("API_SECRET", ""),
		AllowCompanyHeader: EnvBool("ALLOW_COMPANY_HEADER", false),
		SkipMigrations:     EnvBool("SKIP_MIGRATIONS", false),
		CorsOrigins:        splitAndTrim(getEnv("CORS_ALLOWED_ORIGINS", "")),
		Sync:               DefaultSyncConfig(),
	}

	if path := getEnv("SYNC_CONFIG_FILE", ""); path != "" {
		if err := cfg.Sync.loadYAML(path); err != nil {
			return nil, err
		}
	}
	cfg.Sync.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values the service cannot start without.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "mysql":
		if c.DatabaseURL == "" && os.Getenv("DB_HOST") == "" {
			return fmt.Errorf("DB_HOST or DATABASE_URL is required for mysql")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for postgres")
		}
	case "sqlite":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.APISecret == "" && !c.AllowCompanyHeader {
		return fmt.Errorf("API_SECRET is required unless ALLOW_COMPANY_HEADER=true")
	}
	return c.Sync.Validate()
}

func (s SyncConfig) Validate() error {
	if s.TickMinutes < 1 {
		return fmt.Errorf("tick_minutes must be >= 1")
	}
	if s.DefaultIntervalMinutes < 1 {
		return fmt.Errorf("default_interval_minutes must be >= 1")
	}
	if s.PollPageSize < 1 || s.PollPageSize > 100 {
		return fmt.Errorf("poll_page_size must be between 1 and 100")
	}
	if s.JobBatchSize < 1 || s.JobBatchSize > 100 {
		return fmt.Errorf("job_batch_size must be between 1 and 100")
	}
	if s.PollMaxPages < 1 || s.PollConcurrency < 1 || s.RemoteMaxAttempts < 1 {
		return fmt.Errorf("poll_max_pages, poll_concurrency and remote_max_attempts must be >= 1")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.GoEnv == "production"
}

func (s *SyncConfig) loadYAML(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read sync config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, s); err != nil {
		return fmt.Errorf("parse sync config %s: %w", path, err)
	}
	return nil
}

func (s *SyncConfig) applyEnv() {
	s.TickMinutes = intFromEnv("SYNC_TICK_MINUTES", s.TickMinutes)
	s.DefaultIntervalMinutes = intFromEnv("SYNC_DEFAULT_INTERVAL_MINUTES", s.DefaultIntervalMinutes)
	s.PollPageSize = intFromEnv("POLL_PAGE_SIZE", s.PollPageSize)
	s.PollMaxPages = intFromEnv("POLL_MAX_PAGES", s.PollMaxPages)
	s.PollConcurrency = intFromEnv("POLL_CONCURRENCY", s.PollConcurrency)
	s.RemoteTimeoutSeconds = intFromEnv("REMOTE_TIMEOUT_SECONDS", s.RemoteTimeoutSeconds)
	s.RemoteMaxAttempts = intFromEnv("REMOTE_MAX_ATTEMPTS", s.RemoteMaxAttempts)
	s.EchoTTLSeconds = intFromEnv("ECHO_TTL_SECONDS", s.EchoTTLSeconds)
	s.JobBatchSize = intFromEnv("IMPORT_JOB_BATCH_SIZE", s.JobBatchSize)
	s.JobPageDelayMs = intFromEnv("IMPORT_JOB_PAGE_DELAY_MS", s.JobPageDelayMs)
	if v := strings.TrimSpace(os.Getenv("REMOTE_RATE_PER_SECOND")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			s.RemoteRatePerSecond = f
		}
	}
	s.DefaultPhoneRegion = getEnv("DEFAULT_PHONE_REGION", s.DefaultPhoneRegion)
	s.ImportJobTopic = getEnv("IMPORT_JOB_TOPIC", s.ImportJobTopic)
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
