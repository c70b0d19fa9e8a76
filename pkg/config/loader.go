package config

import (
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from a file and environment variables.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.maxSockets", 0)
	v.SetDefault("transport.readTimeout", "4m")
	v.SetDefault("auth.jwtSecret", "default-secret-key-change-me")
	v.SetDefault("gateway.maxNumberOfClientsPerDocument", 1_000_000)
	v.SetDefault("gateway.maxTokenLifetimeSec", 3600)
	v.SetDefault("gateway.isTokenExpiryEnabled", true)
	v.SetDefault("throttling.connect.enabled", true)
	v.SetDefault("throttling.connect.limit", 100)
	v.SetDefault("throttling.connect.windowSec", 60)
	v.SetDefault("throttling.submitOp.enabled", true)
	v.SetDefault("throttling.submitOp.limit", 1000)
	v.SetDefault("throttling.submitOp.windowSec", 60)
	v.SetDefault("logging.level", "info")
	v.SetDefault("metrics.enabled", true)

	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("FLUIDRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		logger.Warn("Config file not found, relying on defaults and env vars")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
