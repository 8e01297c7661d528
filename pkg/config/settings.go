package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DefaultPollInterval   = 10 * time.Second
	DefaultBatchSize      = 20
	DefaultPublishTimeout = 5 * time.Second
	DefaultNamespace      = "fleet-management"
)

type Settings struct {
	Database       DbSettings     `mapstructure:"database"`
	Broker         BrokerSettings `mapstructure:"broker"`
	PollInterval   time.Duration  `mapstructure:"poll_interval" validate:"gt=0"`
	BatchSize      int            `mapstructure:"batch_size" validate:"min=1,max=1000"`
	PublishTimeout time.Duration  `mapstructure:"publish_timeout" validate:"gt=0"` // per-publish deadline covering declare, publish and confirm
	Observability  Observability  `mapstructure:"observability"`
	Logging        Logging        `mapstructure:"logging"`
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// LoadFromFile reads relay.yaml from filePath (or the working directory), merges
// relay.<ENVIRONMENT>.yaml when present and applies RELAY_* environment overrides.
func LoadFromFile(filePath string) (*Settings, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	cfg := &Settings{}
	setDefaults()
	viper.SetConfigType("yaml")
	viper.SetConfigName("relay")
	viper.AddConfigPath(filePath)
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := mergeConfig(filePath, "relay."+env); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to merge %s config: %w", env, err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Settings) LoadFromEnv() error {
	setDefaults()
	viper.AutomaticEnv()
	viper.SetEnvPrefix("RELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like RELAY_DATABASE_TYPE

	// AutomaticEnv only sees keys viper already knows about; bind the rest explicitly.
	for _, key := range []string{
		"database.type",
		"database.dsn",
		"database.uri",
		"database.name",
		"database.collection",
		"broker.type",
		"broker.url",
		"broker.host",
		"broker.port",
		"broker.username",
		"broker.password",
		"broker.vhost",
		"broker.namespace",
		"broker.pool_size",
		"broker.project_id",
		"poll_interval",
		"batch_size",
		"publish_timeout",
		"observability.service_name",
		"observability.tracing_url",
		"observability.metrics_addr",
		"logging.level",
		"logging.format",
	} {
		if err := viper.BindEnv(key); err != nil {
			return err
		}
	}

	return viper.Unmarshal(c)
}

func setDefaults() {
	viper.SetDefault("poll_interval", DefaultPollInterval)
	viper.SetDefault("batch_size", DefaultBatchSize)
	viper.SetDefault("publish_timeout", DefaultPublishTimeout)
	viper.SetDefault("database.collection", "outbox_messages")
	viper.SetDefault("broker.type", "rabbitmq")
	viper.SetDefault("broker.host", "localhost")
	viper.SetDefault("broker.port", 5672)
	viper.SetDefault("broker.vhost", "/")
	viper.SetDefault("broker.pool_size", 5)
	viper.SetDefault("broker.namespace", DefaultNamespace)
	viper.SetDefault("observability.service_name", "outbox-relay")
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}

func mergeConfig(path string, name string) error {
	viper.SetConfigName(name)
	viper.AddConfigPath(path)
	return viper.MergeInConfig()
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
