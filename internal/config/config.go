package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
)

type (
	Config struct {
		HTTP      HTTP
		Log       Log
		Kiosk     Kiosk
		Snapshot  Snapshot
		Remote    Remote
		OCR       OCR
		Queue     Queue
		Operator  Operator
		Telemetry Telemetry
	}

	HTTP struct {
		Addr            string        `env:"KIOSK_HTTP_ADDR" envDefault:":8080"`
		ShutdownTimeout time.Duration `env:"KIOSK_HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	}

	Log struct {
		Level string `env:"KIOSK_LOG_LEVEL" envDefault:"info"`
	}

	Kiosk struct {
		// ID keys this kiosk's row in a shared postgres database.
		ID        uuid.UUID     `env:"KIOSK_ID"`
		MinLength int           `env:"KIOSK_MIN_LENGTH" envDefault:"4"`
		Debounce  time.Duration `env:"KIOSK_DEBOUNCE" envDefault:"250ms"`
	}

	Snapshot struct {
		Backend     string `env:"SNAPSHOT_BACKEND" envDefault:"file"`
		Path        string `env:"SNAPSHOT_PATH"`
		DatabaseURL string `env:"SNAPSHOT_DATABASE_URL"`
	}

	Remote struct {
		Enabled         bool          `env:"REMOTE_ENABLED" envDefault:"true"`
		BaseURL         string        `env:"REMOTE_BASE_URL" envDefault:"http://localhost:3001"`
		Timeout         time.Duration `env:"REMOTE_TIMEOUT" envDefault:"10s"`
		BreakerFailures uint32        `env:"REMOTE_BREAKER_FAILURES" envDefault:"5"`
		BreakerCooldown time.Duration `env:"REMOTE_BREAKER_COOLDOWN" envDefault:"30s"`
	}

	OCR struct {
		// Empty disables image uploads.
		BaseURL string        `env:"OCR_BASE_URL"`
		Timeout time.Duration `env:"OCR_TIMEOUT" envDefault:"30s"`
	}

	Queue struct {
		MaxSize          int           `env:"QUEUE_MAX_SIZE" envDefault:"10000"`
		FlushInterval    time.Duration `env:"QUEUE_FLUSH_INTERVAL" envDefault:"30s"`
		FlushMaxInterval time.Duration `env:"QUEUE_FLUSH_MAX_INTERVAL" envDefault:"10m"`
		// Remote calls per second during a flush; 0 means unpaced.
		FlushRate float64 `env:"QUEUE_FLUSH_RATE" envDefault:"0"`
	}

	Operator struct {
		PinHash string `env:"OPERATOR_PIN_HASH"`
		PinSalt string `env:"OPERATOR_PIN_SALT"`
	}

	Telemetry struct {
		OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
		ServiceName  string `env:"OTEL_SERVICE_NAME" envDefault:"cardkiosk"`
	}
)

func New() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Snapshot.Backend {
	case "file", "sqlite":
	case "postgres":
		if c.Snapshot.DatabaseURL == "" {
			return fmt.Errorf("SNAPSHOT_DATABASE_URL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown SNAPSHOT_BACKEND %q", c.Snapshot.Backend)
	}
	if c.Kiosk.MinLength < 1 {
		return fmt.Errorf("KIOSK_MIN_LENGTH must be positive, got %d", c.Kiosk.MinLength)
	}
	if c.Kiosk.Debounce < 0 {
		return fmt.Errorf("KIOSK_DEBOUNCE must not be negative")
	}
	if c.Queue.MaxSize < 0 {
		return fmt.Errorf("QUEUE_MAX_SIZE must not be negative")
	}
	if c.Queue.FlushInterval <= 0 {
		return fmt.Errorf("QUEUE_FLUSH_INTERVAL must be positive")
	}
	if (c.Operator.PinHash == "") != (c.Operator.PinSalt == "") {
		return fmt.Errorf("OPERATOR_PIN_HASH and OPERATOR_PIN_SALT must be set together")
	}
	return nil
}
