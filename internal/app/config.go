package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Storage backends.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config holds the worker configuration, loadable from environment variables
// (DISCOUNT_ prefix), flags, or YAML config files.
type Config struct {
	HealthAddr  string `default:"0.0.0.0:8081" usage:"Health probe listen address" flag:"health-addr"`
	Storage     string `default:"postgres" usage:"Storage backend: postgres or memory"`
	DatabaseURL string `usage:"PostgreSQL connection URL (DISCOUNT_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Kafka       KafkaConfig
	Graceful    GracefulConfig
}

// KafkaConfig controls the checkout event consumer.
type KafkaConfig struct {
	Enabled           bool          `default:"true" usage:"Consume checkout events"`
	Brokers           []string      `default:"localhost:9092" usage:"Seed brokers"`
	Group             string        `default:"discount-engine" usage:"Consumer group"`
	Topic             string        `default:"checkout.completed" usage:"Checkout events topic"`
	DLQTopic          string        `default:"checkout.completed.dlq" usage:"Dead-letter topic" flag:"kafka-dlq-topic"`
	Partitions        int32         `default:"3" usage:"Partitions for auto-created topics"`
	ReplicationFactor int16         `default:"1" usage:"Replication factor for auto-created topics" flag:"kafka-replication-factor"`
	MaxAttempts       int           `default:"3" usage:"Attempts per record before dead-lettering" flag:"kafka-max-attempts"`
	RetryBackoff      time.Duration `default:"500ms" usage:"Pause between attempts" flag:"kafka-retry-backoff"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables and YAML config
// files.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "DISCOUNT",
		Files:     []string{"config.yaml", "/etc/discount/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return errors.New("database URL is required: set DISCOUNT_DATABASE_URL or DATABASE_URL")
		}
	case StorageMemory:
	default:
		return errors.Errorf("unknown storage %q", c.Storage)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka brokers are required when kafka is enabled")
	}
	return nil
}

// applyPlatformDefaults maps the conventional DATABASE_URL and PORT variables.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.HealthAddr == "0.0.0.0:8081" {
		c.HealthAddr = "0.0.0.0:" + port
	}
}
