package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config captures everything main needs to wire the service. Values come
// from an optional config.yaml plus CHRONICLE_-prefixed environment
// overrides so deployments stay twelve-factor.
type Config struct {
	Addr     string
	LogLevel string

	// PostgresDSN empty means the in-memory stores are used.
	PostgresDSN    string
	MigrationsPath string

	// RedisAddr empty disables the current-version cache.
	RedisAddr     string
	RedisCacheTTL time.Duration

	// KafkaBrokers empty disables audit fan-out.
	KafkaBrokers    []string
	KafkaAuditTopic string

	ShutdownTimeout time.Duration
}

// Load reads configuration from configPath (optional) and the environment.
func Load(configPath string) (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.SetEnvPrefix("CHRONICLE")
	v.AutomaticEnv()

	v.SetDefault("addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("postgres_dsn", "")
	v.SetDefault("migrations_path", "migrations")
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_cache_ttl", 5*time.Minute)
	v.SetDefault("kafka_brokers", []string{})
	v.SetDefault("kafka_audit_topic", "chronicle.audit")
	v.SetDefault("shutdown_timeout", 10*time.Second)

	// Config file is optional; env and defaults carry the rest.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
	}

	return Config{
		Addr:            v.GetString("addr"),
		LogLevel:        v.GetString("log_level"),
		PostgresDSN:     v.GetString("postgres_dsn"),
		MigrationsPath:  v.GetString("migrations_path"),
		RedisAddr:       v.GetString("redis_addr"),
		RedisCacheTTL:   v.GetDuration("redis_cache_ttl"),
		KafkaBrokers:    v.GetStringSlice("kafka_brokers"),
		KafkaAuditTopic: v.GetString("kafka_audit_topic"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
	}, nil
}
