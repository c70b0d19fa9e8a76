package config

import "time"

type Config struct {
	Server     ServerConfig
	Transport  TransportConfig
	Auth       AuthConfig
	Gateway    GatewayConfig
	Throttling ThrottlingConfig
	Redis      RedisConfig
	Tenant     TenantConfig
	Logging    LoggingConfig
	Metrics    MetricsConfig
}

type ServerConfig struct {
	Address string
	// MaxSockets caps concurrently open sockets; 0 disables the cap.
	MaxSockets int `mapstructure:"maxSockets"`
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type GatewayConfig struct {
	MaxNumberOfClientsPerDocument int  `mapstructure:"maxNumberOfClientsPerDocument"`
	MaxTokenLifetimeSec           int  `mapstructure:"maxTokenLifetimeSec"`
	IsTokenExpiryEnabled          bool `mapstructure:"isTokenExpiryEnabled"`
}

type ThrottlerConfig struct {
	Enabled   bool
	Limit     int
	WindowSec int `mapstructure:"windowSec"`
}

type ThrottlingConfig struct {
	Connect  ThrottlerConfig
	SubmitOp ThrottlerConfig `mapstructure:"submitOp"`
}

type RedisConfig struct {
	// Address enables the Redis-backed limiter and client registry when set;
	// empty keeps both in process memory.
	Address string
}

type TenantConfig struct {
	// Endpoint of the tenant authority; empty falls back to the static
	// manager with AllowedTenants (empty list accepts every tenant).
	Endpoint       string
	AllowedTenants []string `mapstructure:"allowedTenants"`
}

type LoggingConfig struct {
	Level string
}

type MetricsConfig struct {
	Enabled bool
}
