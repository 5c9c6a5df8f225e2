// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v6"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"checkout-service"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	GRPCAddr    string `env:"GRPC_ADDR" envDefault:":9090"`

	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"postgres"`
	PGURL         string `env:"PG_URL"`
	RedisAddr     string `env:"REDIS_ADDR"`

	KafkaBrokers        []string      `env:"KAFKA_BROKERS" envSeparator:","`
	OutboxTopic         string        `env:"OUTBOX_TOPIC" envDefault:"checkout.order.events"`
	InviteConsumerGroup string        `env:"INVITE_CONSUMER_GROUP" envDefault:"checkout-invites"`
	RelayInterval       time.Duration `env:"RELAY_INTERVAL" envDefault:"500ms"`

	OTelEndpoint string `env:"OTEL_ENDPOINT"`
	JWTSecret    string `env:"JWT_SECRET,required"`

	Gateway Gateway

	InviteTTL        time.Duration `env:"INVITE_TTL" envDefault:"168h"`
	OperationTimeout time.Duration `env:"OPERATION_TIMEOUT" envDefault:"5s"`
	IdempotencyTTL   time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`
}

type Gateway struct {
	BaseURL       string        `env:"GATEWAY_BASE_URL" envDefault:"https://accept.paymob.com/api"`
	APIKey        string        `env:"GATEWAY_API_KEY,required"`
	IntegrationID int64         `env:"GATEWAY_INTEGRATION_ID,required"`
	IframeID      string        `env:"GATEWAY_IFRAME_ID"`
	Timeout       time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"10s"`
	HMACSecret    string        `env:"GATEWAY_HMAC_SECRET,required"`
	HMACFields    []string      `env:"GATEWAY_HMAC_FIELDS" envSeparator:","`
	HMACAlgorithm string        `env:"GATEWAY_HMAC_ALGORITHM" envDefault:"sha512"`
}

// Load reads the process environment.
func Load() (*Config, error) {
	return parse(env.Options{})
}

// LoadFrom reads settings from environ instead of the process environment.
func LoadFrom(environ map[string]string) (*Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StorageDriver {
	case DriverPostgres:
		if c.PGURL == "" {
			return errors.New("PG_URL is required for the postgres storage driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}
	switch c.Gateway.HMACAlgorithm {
	case "sha512", "sha256":
	default:
		return fmt.Errorf("unsupported GATEWAY_HMAC_ALGORITHM %q", c.Gateway.HMACAlgorithm)
	}
	return nil
}
