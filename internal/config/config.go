package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	AppName  string `mapstructure:"APP_NAME"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	GRPCAddr string `mapstructure:"GRPC_ADDR"`

	// DBDriver is mysql, postgres or memory
	DBDriver       string `mapstructure:"DB_DRIVER"`
	DBDSN          string `mapstructure:"DB_DSN"`
	DBMaxOpenConns int    `mapstructure:"DB_MAX_OPEN_CONNS"`

	RedisAddr string `mapstructure:"REDIS_ADDR"`

	RabbitMQURL      string `mapstructure:"RABBITMQ_URL"`
	LowStockExchange string `mapstructure:"LOW_STOCK_EXCHANGE"`

	AvailabilityCacheTTL time.Duration `mapstructure:"AVAILABILITY_CACHE_TTL"`
	IdempotencyTTL       time.Duration `mapstructure:"IDEMPOTENCY_TTL"`

	// APITokens is a comma separated list of token:caller pairs
	APITokens string `mapstructure:"API_TOKENS"`

	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("app")
	v.SetConfigType("env")

	v.AutomaticEnv()

	v.SetDefault("APP_NAME", "printshop")
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_ADDR", ":50051")

	v.SetDefault("DB_DRIVER", "mysql")
	v.SetDefault("DB_DSN", "root:root@tcp(localhost:3306)/printshop?parseTime=true")
	v.SetDefault("DB_MAX_OPEN_CONNS", 50)

	v.SetDefault("REDIS_ADDR", "")

	v.SetDefault("RABBITMQ_URL", "")
	v.SetDefault("LOW_STOCK_EXCHANGE", "events.stock")

	v.SetDefault("AVAILABILITY_CACHE_TTL", "30s")
	v.SetDefault("IDEMPOTENCY_TTL", "24h")

	v.SetDefault("API_TOKENS", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			log.Info().Msg("No config file found, using environment variables and defaults.")
			err = nil
		} else {
			log.Error().Err(err).Msg("Error reading config file")
			return
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	if err = v.Unmarshal(&config); err != nil {
		return
	}
	err = config.validate()
	return
}

func (c Config) validate() error {
	switch c.DBDriver {
	case "mysql", "postgres", "memory":
	default:
		return fmt.Errorf("DB_DRIVER must be mysql, postgres or memory, got %q", c.DBDriver)
	}
	if c.AvailabilityCacheTTL <= 0 {
		return fmt.Errorf("AVAILABILITY_CACHE_TTL must be positive")
	}
	_, err := c.Tokens()
	return err
}

// Tokens parses APITokens into a token to caller map.
func (c Config) Tokens() (map[string]string, error) {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(c.APITokens, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, caller, ok := strings.Cut(pair, ":")
		if !ok || token == "" || caller == "" {
			return nil, fmt.Errorf("API_TOKENS entry %q is not token:caller", pair)
		}
		tokens[token] = caller
	}
	return tokens, nil
}
