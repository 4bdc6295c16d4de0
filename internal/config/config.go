package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	Storage   StorageConfig   `yaml:"storage"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr           string    `yaml:"addr"`
	PublicURL      string    `yaml:"public_url"`
	MaxUploadBytes SizeBytes `yaml:"max_upload_bytes"`
	AllowedOrigins []string  `yaml:"allowed_origins"`
}

// AuthConfig 描述 JWT 签发与校验。
type AuthConfig struct {
	Secret   string        `yaml:"secret"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// StoreConfig 描述 Pebble 数据目录。
type StoreConfig struct {
	DataDir string `yaml:"data_dir"`
}

// RedisConfig 配置在线状态存储；Addr 为空时使用内存实现。
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Enabled reports whether a Redis address was configured.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// StorageConfig 配置对象存储；Endpoint 为空时使用内存实现。
type StorageConfig struct {
	Endpoint      string `yaml:"endpoint"`
	AccessKey     string `yaml:"access_key"`
	SecretKey     string `yaml:"secret_key"`
	Bucket        string `yaml:"bucket"`
	UseSSL        bool   `yaml:"use_ssl"`
	PublicBaseURL string `yaml:"public_base_url"`
}

// Enabled reports whether MinIO credentials were provided.
func (c StorageConfig) Enabled() bool {
	return c.Endpoint != "" && c.AccessKey != "" && c.SecretKey != ""
}

// KafkaConfig 配置跨实例事件扇出；Brokers 为空时只在本实例内推送。
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// Enabled reports whether at least one broker was configured.
func (c KafkaConfig) Enabled() bool { return len(c.Brokers) > 0 }

// RateLimitConfig 限制单个发送者的发信速率。
type RateLimitConfig struct {
	SendRPS   float64 `yaml:"send_rps"`
	SendBurst int     `yaml:"send_burst"`
}

// RealtimeConfig 控制 WebSocket/SSE 心跳。
type RealtimeConfig struct {
	PingInterval  time.Duration `yaml:"ping_interval"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	SubscriberBuf int           `yaml:"subscriber_buffer"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SizeBytes accepts "60MiB", "10MB" or a plain integer.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseSize(node.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s SizeBytes) Int64() int64 { return int64(s) }

func parseSize(raw string) (SizeBytes, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return SizeBytes(i), nil
	}
	v, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid size value %q: %w", raw, err)
	}
	return SizeBytes(v), nil
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			PublicURL:      "http://localhost:8080",
			MaxUploadBytes: SizeBytes(60 << 20),
			AllowedOrigins: []string{"*"},
		},
		Auth: AuthConfig{
			Secret:   "dev-secret-change-me",
			TokenTTL: 24 * time.Hour,
		},
		Store: StoreConfig{DataDir: "./.data/pebble"},
		Storage: StorageConfig{
			Bucket: "chat-attachments",
		},
		Kafka: KafkaConfig{
			Topic:   "conversation-events",
			GroupID: "tripmate-realtime",
		},
		RateLimit: RateLimitConfig{SendRPS: 5, SendBurst: 10},
		Realtime: RealtimeConfig{
			PingInterval:  25 * time.Second,
			ReadTimeout:   60 * time.Second,
			SubscriberBuf: 64,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load 读取可选的 YAML 文件（CONFIG_FILE），再用环境变量覆盖。
func Load() (*Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Auth.Secret) == "" {
		return fmt.Errorf("auth secret must not be empty")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth token ttl must be positive")
	}
	if c.RateLimit.SendRPS <= 0 || c.RateLimit.SendBurst < 1 {
		return fmt.Errorf("invalid send rate limit rps=%v burst=%d", c.RateLimit.SendRPS, c.RateLimit.SendBurst)
	}
	if c.Server.MaxUploadBytes.Int64() < 1 {
		return fmt.Errorf("max upload bytes must be positive")
	}
	if c.Realtime.PingInterval <= 0 || c.Realtime.ReadTimeout <= c.Realtime.PingInterval {
		return fmt.Errorf("realtime read timeout must exceed ping interval")
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if addr, err := parseAddr(os.Getenv("PORT")); err != nil {
		return err
	} else if addr != "" {
		cfg.Server.Addr = addr
	}
	cfg.Server.PublicURL = getEnvOrDefault("PUBLIC_URL", cfg.Server.PublicURL)
	if raw := strings.TrimSpace(os.Getenv("MAX_UPLOAD_BYTES")); raw != "" {
		size, err := parseSize(raw)
		if err != nil {
			return err
		}
		cfg.Server.MaxUploadBytes = size
	}
	if origins := parseListEnv("CORS_ORIGINS"); len(origins) > 0 {
		cfg.Server.AllowedOrigins = origins
	}

	cfg.Auth.Secret = getEnvOrDefault("JWT_SECRET", cfg.Auth.Secret)
	if ttl, err := parseOptionalDurationEnv("JWT_TTL"); err != nil {
		return err
	} else if ttl != nil {
		cfg.Auth.TokenTTL = *ttl
	}

	cfg.Store.DataDir = getEnvOrDefault("DATA_DIR", cfg.Store.DataDir)

	cfg.Redis.Addr = getEnvOrDefault("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)
	if db, err := parseOptionalIntEnv("REDIS_DB"); err != nil {
		return err
	} else if db != nil {
		cfg.Redis.DB = *db
	}

	cfg.Storage.Endpoint = getEnvOrDefault("MINIO_ENDPOINT", cfg.Storage.Endpoint)
	cfg.Storage.AccessKey = getEnvOrDefault("MINIO_ACCESS_KEY", cfg.Storage.AccessKey)
	cfg.Storage.SecretKey = getEnvOrDefault("MINIO_SECRET_KEY", cfg.Storage.SecretKey)
	cfg.Storage.Bucket = getEnvOrDefault("MINIO_BUCKET", cfg.Storage.Bucket)
	cfg.Storage.PublicBaseURL = getEnvOrDefault("MINIO_PUBLIC_BASE_URL", cfg.Storage.PublicBaseURL)
	useSSL, err := parseBoolEnv("MINIO_USE_SSL", cfg.Storage.UseSSL)
	if err != nil {
		return err
	}
	cfg.Storage.UseSSL = useSSL

	if brokers := parseListEnv("KAFKA_BROKERS"); len(brokers) > 0 {
		cfg.Kafka.Brokers = brokers
	}
	cfg.Kafka.Topic = getEnvOrDefault("KAFKA_TOPIC", cfg.Kafka.Topic)
	cfg.Kafka.GroupID = getEnvOrDefault("KAFKA_GROUP_ID", cfg.Kafka.GroupID)

	if rps, err := parseOptionalFloatEnv("SEND_RATE_RPS"); err != nil {
		return err
	} else if rps != nil {
		cfg.RateLimit.SendRPS = *rps
	}
	if burst, err := parseOptionalIntEnv("SEND_RATE_BURST"); err != nil {
		return err
	} else if burst != nil {
		cfg.RateLimit.SendBurst = *burst
	}

	if ping, err := parseOptionalDurationEnv("WS_PING_INTERVAL"); err != nil {
		return err
	} else if ping != nil {
		cfg.Realtime.PingInterval = *ping
	}
	if read, err := parseOptionalDurationEnv("WS_READ_TIMEOUT"); err != nil {
		return err
	} else if read != nil {
		cfg.Realtime.ReadTimeout = *read
	}

	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnvOrDefault("LOG_FORMAT", cfg.Logging.Format)
	return nil
}

// parseAddr 解析监听地址，允许 "8080"、":8080" 或 "127.0.0.1:8080"。
func parseAddr(raw string) (string, error) {
	port := strings.TrimSpace(raw)
	if port == "" {
		return "", nil
	}
	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}
	if strings.Contains(port, ":") {
		return port, nil
	}
	return ":" + port, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseListEnv(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalDurationEnv(key string) (*time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil, nil
	}

	val, err := time.ParseDuration(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
