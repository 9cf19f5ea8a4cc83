package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Storage  StorageConfig
	Queue    QueueConfig
	Webhook  WebhookConfig
	Session  SessionConfig
	Media    MediaConfig
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	PostgresURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	PublicURL string
}

type QueueConfig struct {
	AMQPURL    string
	Exchange   string
	MediaQueue string
}

type WebhookConfig struct {
	URL    string
	Secret string
}

type SessionConfig struct {
	RetryDelay    time.Duration
	MaxReconnects int
}

type MediaConfig struct {
	SyncLimitBytes int64
}

func LoadAll() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			PostgresURL: mustEnv("POSTGRES_URL"),
		},
		Webhook: WebhookConfig{
			URL:    mustEnv("WEBHOOK_URL"),
			Secret: os.Getenv("WEBHOOK_SECRET"),
		},
		Storage: StorageConfig{
			Endpoint:  mustEnv("STORAGE_ENDPOINT"),
			AccessKey: mustEnv("STORAGE_ACCESS_KEY"),
			SecretKey: mustEnv("STORAGE_SECRET_KEY"),
			Bucket:    getEnv("STORAGE_BUCKET", "whatsapp-media"),
			UseSSL:    getEnvBool("STORAGE_USE_SSL", true),
			PublicURL: os.Getenv("STORAGE_PUBLIC_URL"),
		},
		Queue: QueueConfig{
			AMQPURL:    mustEnv("AMQP_URL"),
			Exchange:   getEnv("AMQP_EXCHANGE", "whatsgate"),
			MediaQueue: getEnv("MEDIA_QUEUE", "media_processing_queue"),
		},
		Session: SessionConfig{
			RetryDelay:    time.Duration(getEnvInt("SESSION_RETRY_DELAY_SECONDS", 5)) * time.Second,
			MaxReconnects: getEnvInt("SESSION_MAX_RECONNECTS", 5),
		},
		Media: MediaConfig{
			SyncLimitBytes: int64(getEnvInt("MEDIA_SYNC_LIMIT_BYTES", 2*1024*1024)),
		},
		Redis: loadRedisConfig(),
	}

	validate(cfg)
	return cfg, nil
}

func loadRedisConfig() RedisConfig {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       getEnvInt("REDIS_DB", 0),
		TTL:      time.Duration(getEnvInt("REDIS_TTL_SECONDS", 300)) * time.Second,
	}
}

func validate(cfg *Config) {
	if cfg.Session.MaxReconnects <= 0 {
		panic("SESSION_MAX_RECONNECTS must be > 0")
	}
	if cfg.Session.RetryDelay <= 0 {
		panic("SESSION_RETRY_DELAY_SECONDS must be > 0")
	}
	if cfg.Media.SyncLimitBytes <= 0 {
		panic("MEDIA_SYNC_LIMIT_BYTES must be > 0")
	}
}

func mustEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		panic(fmt.Sprintf("missing required env var: %s", key))
	}
	return val
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		panic(fmt.Sprintf("invalid int for env %s: %s", key, v))
	}
	return i
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		panic(fmt.Sprintf("invalid bool for env %s: %s", key, v))
	}
	return b
}
