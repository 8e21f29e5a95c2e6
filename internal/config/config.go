package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

type Config struct {
	// ----------------------------
	// Transport
	// ----------------------------
	Transport    string `envconfig:"TRANSPORT" default:"smtp"`
	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`
	SMTPFrom     string `envconfig:"SMTP_FROM" default:"noreply@maildispatch.local"`
	ResendAPIKey string `envconfig:"RESEND_API_KEY" default:""`
	ResendFrom   string `envconfig:"RESEND_FROM" default:""`

	// ----------------------------
	// Workers
	// ----------------------------
	WorkerCount   int           `envconfig:"WORKER_COUNT" default:"5"`
	SendPacing    time.Duration `envconfig:"SEND_PACING" default:"100ms"`
	SendTimeout   time.Duration `envconfig:"SEND_TIMEOUT" default:"30s"`
	RetryAttempts int           `envconfig:"RETRY_ATTEMPTS" default:"3"`

	// ----------------------------
	// Queue
	// ----------------------------
	QueueDriver       string        `envconfig:"QUEUE_DRIVER" default:"memory"`
	QueueMaxAttempts  int           `envconfig:"QUEUE_MAX_ATTEMPTS" default:"5"`
	QueueRetryInitial time.Duration `envconfig:"QUEUE_RETRY_INITIAL" default:"5s"`
	QueueRetryMax     time.Duration `envconfig:"QUEUE_RETRY_MAX" default:"5m"`
	QueueFairness     int           `envconfig:"QUEUE_FAIRNESS" default:"5"`
	SweepSchedule     string        `envconfig:"SWEEP_SCHEDULE" default:"*/5 * * * *"`

	// ----------------------------
	// Templates
	// ----------------------------
	SystemTemplatesDir string        `envconfig:"SYSTEM_TEMPLATES_DIR" default:""`
	TemplateCacheTTL   time.Duration `envconfig:"TEMPLATE_CACHE_TTL" default:"10m"`
	RedisURL           string        `envconfig:"REDIS_URL" default:""`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort       string `envconfig:"API_PORT" default:"8080"`
	ImportMaxRows int    `envconfig:"IMPORT_MAX_ROWS" default:"1000"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Database
	// ----------------------------
	StoreDriver string `envconfig:"STORE_DRIVER" default:"postgres"`
	DatabaseURL string `envconfig:"DATABASE_URL" default:""`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the rules envconfig tags cannot express.
func (c *Config) Validate() error {
	switch c.Transport {
	case "smtp":
	case "resend":
		if c.ResendAPIKey == "" {
			return fmt.Errorf("%w: RESEND_API_KEY is required for the resend transport", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown TRANSPORT %q", ErrInvalidConfig, c.Transport)
	}

	switch c.StoreDriver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("%w: unknown STORE_DRIVER %q", ErrInvalidConfig, c.StoreDriver)
	}

	switch c.QueueDriver {
	case "memory":
	case "river":
		if c.StoreDriver != "postgres" {
			return fmt.Errorf("%w: the river queue needs STORE_DRIVER=postgres", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown QUEUE_DRIVER %q", ErrInvalidConfig, c.QueueDriver)
	}

	if c.StoreDriver == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("%w: DATABASE_URL is required", ErrInvalidConfig)
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("%w: WORKER_COUNT must be at least 1", ErrInvalidConfig)
	}
	if c.QueueMaxAttempts < 1 {
		return fmt.Errorf("%w: QUEUE_MAX_ATTEMPTS must be at least 1", ErrInvalidConfig)
	}
	return nil
}
