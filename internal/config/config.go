package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	ServiceName    string `envconfig:"SERVICE_NAME" default:"dispatch"`
	ServiceVersion string `envconfig:"SERVICE_VERSION" default:"dev"`
	Port           string `envconfig:"PORT" default:"8081"`
	GRPCHealthAddr string `envconfig:"GRPC_HEALTH_ADDR" default:":9091"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`

	StoreDriver string `envconfig:"STORE_DRIVER" default:"postgres"`
	PostgresURL string `envconfig:"POSTGRES_URL"`

	KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"order.lifecycle"`

	JWTSecret string `envconfig:"JWT_SECRET" required:"true"`

	ClaimLeaseTTL time.Duration `envconfig:"CLAIM_LEASE_TTL" default:"30s"`
	DeliveryETA   time.Duration `envconfig:"DELIVERY_ETA" default:"1h"`
	WSSendBuffer  int           `envconfig:"WS_SEND_BUFFER" default:"64"`

	TracingEnabled bool   `envconfig:"TRACING_ENABLED" default:"true"`
	OTLPEndpoint   string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" default:"localhost:4317"`

	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"10s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// Load reads the optional dotenv files, then the environment. Variables
// already set in the environment win over dotenv values.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET must not be empty")
	}
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.PostgresURL == "" {
			return errors.New("POSTGRES_URL is required when STORE_DRIVER=postgres")
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.ClaimLeaseTTL <= 0 {
		return errors.New("CLAIM_LEASE_TTL must be positive")
	}
	if c.WSSendBuffer <= 0 {
		return errors.New("WS_SEND_BUFFER must be positive")
	}
	return nil
}

func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// String masks secrets so the config can be logged.
func (c Config) String() string {
	return fmt.Sprintf("service=%s version=%s port=%s store=%s postgres=%s kafka=[%s] topic=%s lease=%s jwt_secret=%s",
		c.ServiceName, c.ServiceVersion, c.Port, c.StoreDriver, mask(c.PostgresURL),
		strings.Join(c.KafkaBrokers, ","), c.KafkaTopic, c.ClaimLeaseTTL, mask(c.JWTSecret))
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}
