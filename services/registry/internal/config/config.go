package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is used when neither --config nor REGISTRY_CONFIG is set.
const ConfigPath = "config.yaml"

const minJWTSecretLength = 32

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`
	BaseURL  string `yaml:"baseURL"`

	// DatabaseURL selects postgres; SQLitePath is used when it is empty.
	DatabaseURL string `yaml:"databaseURL"`
	SQLitePath  string `yaml:"sqlitePath"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	// SessionStore is "jwt" (default) or "redis".
	SessionStore string `yaml:"sessionStore"`
	SessionTTL   string `yaml:"sessionTTL"`
	JWTSecret    string `yaml:"jwtSecret"`
	JWTIssuer    string `yaml:"jwtIssuer"`
	JWTAudience  string `yaml:"jwtAudience"`
	JWTLeeway    string `yaml:"jwtLeeway"`

	// StorageBackend is "local" (default) or "minio".
	StorageBackend string `yaml:"storageBackend"`
	StorageDir     string `yaml:"storageDir"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	DownloadURLTTL string `yaml:"downloadURLTTL"`
	MaxUploadMB    int    `yaml:"maxUploadMB"`

	// Notifier is "log" (default), "smtp" or "amqp".
	Notifier      string `yaml:"notifier"`
	SMTPHost      string `yaml:"smtpHost"`
	SMTPPort      int    `yaml:"smtpPort"`
	SMTPUsername  string `yaml:"smtpUsername"`
	SMTPPassword  string `yaml:"smtpPassword"`
	SMTPFrom      string `yaml:"smtpFrom"`
	AMQPURL       string `yaml:"amqpURL"`
	AMQPExchange  string `yaml:"amqpExchange"`
	NotifyQueue   bool   `yaml:"notifyQueue"`
	NotifyWorkers int    `yaml:"notifyWorkers"`

	TrustedProxies             string `yaml:"trustedProxies"`
	CORSOrigins                string `yaml:"corsOrigins"`
	LoginRateLimitPerMinute    int    `yaml:"loginRateLimitPerMinute"`
	RegisterRateLimitPerMinute int    `yaml:"registerRateLimitPerMinute"`
	PasswordRateLimitPerMinute int    `yaml:"passwordRateLimitPerMinute"`
}

// Load reads config from path (defaults to config.yaml) and applies
// environment overrides. A missing file is not an error when the
// environment supplies everything required.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	strs := []struct {
		env string
		dst *string
	}{
		{"REGISTRY_PORT", &cfg.Port},
		{"REGISTRY_LOG_LEVEL", &cfg.LogLevel},
		{"REGISTRY_BASE_URL", &cfg.BaseURL},
		{"DATABASE_URL", &cfg.DatabaseURL},
		{"REGISTRY_SQLITE_PATH", &cfg.SQLitePath},
		{"REDIS_ADDR", &cfg.RedisAddr},
		{"REDIS_PASSWORD", &cfg.RedisPassword},
		{"REGISTRY_SESSION_STORE", &cfg.SessionStore},
		{"REGISTRY_SESSION_TTL", &cfg.SessionTTL},
		{"JWT_SECRET", &cfg.JWTSecret},
		{"JWT_ISSUER", &cfg.JWTIssuer},
		{"JWT_AUDIENCE", &cfg.JWTAudience},
		{"JWT_LEEWAY", &cfg.JWTLeeway},
		{"REGISTRY_STORAGE_BACKEND", &cfg.StorageBackend},
		{"REGISTRY_STORAGE_DIR", &cfg.StorageDir},
		{"MINIO_ENDPOINT", &cfg.MinioEndpoint},
		{"MINIO_ACCESS_KEY", &cfg.MinioAccessKey},
		{"MINIO_SECRET_KEY", &cfg.MinioSecretKey},
		{"MINIO_BUCKET", &cfg.MinioBucket},
		{"REGISTRY_NOTIFIER", &cfg.Notifier},
		{"SMTP_HOST", &cfg.SMTPHost},
		{"SMTP_USERNAME", &cfg.SMTPUsername},
		{"SMTP_PASSWORD", &cfg.SMTPPassword},
		{"SMTP_FROM", &cfg.SMTPFrom},
		{"AMQP_URL", &cfg.AMQPURL},
		{"AMQP_EXCHANGE", &cfg.AMQPExchange},
		{"REGISTRY_TRUSTED_PROXIES", &cfg.TrustedProxies},
		{"REGISTRY_CORS_ORIGINS", &cfg.CORSOrigins},
	}
	for _, s := range strs {
		if v := os.Getenv(s.env); v != "" {
			*s.dst = v
		}
	}
	ints := []struct {
		env string
		dst *int
	}{
		{"SMTP_PORT", &cfg.SMTPPort},
		{"REGISTRY_MAX_UPLOAD_MB", &cfg.MaxUploadMB},
		{"REGISTRY_NOTIFY_WORKERS", &cfg.NotifyWorkers},
		{"REGISTRY_LOGIN_RATE_LIMIT_PER_MINUTE", &cfg.LoginRateLimitPerMinute},
		{"REGISTRY_REGISTER_RATE_LIMIT_PER_MINUTE", &cfg.RegisterRateLimitPerMinute},
		{"REGISTRY_PASSWORD_RATE_LIMIT_PER_MINUTE", &cfg.PasswordRateLimitPerMinute},
	}
	for _, i := range ints {
		if v := os.Getenv(i.env); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*i.dst = n
			}
		}
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	if v := os.Getenv("REGISTRY_NOTIFY_QUEUE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.NotifyQueue = b
		}
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.SessionStore == "" {
		cfg.SessionStore = "jwt"
	}
	if cfg.StorageBackend == "" {
		cfg.StorageBackend = "local"
	}
	if cfg.StorageBackend == "local" && cfg.StorageDir == "" {
		cfg.StorageDir = "uploads"
	}
	if cfg.Notifier == "" {
		cfg.Notifier = "log"
	}
	if cfg.MaxUploadMB == 0 {
		cfg.MaxUploadMB = 20
	}
	if cfg.NotifyWorkers == 0 {
		cfg.NotifyWorkers = 2
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.DatabaseURL == "" && cfg.SQLitePath == "" {
		return errors.New("config: databaseURL or sqlitePath is required (set DATABASE_URL)")
	}
	switch cfg.SessionStore {
	case "jwt":
		if len(strings.TrimSpace(cfg.JWTSecret)) < minJWTSecretLength {
			return fmt.Errorf("config: jwtSecret must be at least %d bytes (set JWT_SECRET)", minJWTSecretLength)
		}
	case "redis":
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return errors.New("config: redisAddr is required for the redis session store")
		}
	default:
		return fmt.Errorf("config: unknown sessionStore %q", cfg.SessionStore)
	}
	switch cfg.StorageBackend {
	case "local":
	case "minio":
		if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
			return errors.New("config: minioEndpoint and minioBucket are required for minio storage")
		}
	default:
		return fmt.Errorf("config: unknown storageBackend %q", cfg.StorageBackend)
	}
	switch cfg.Notifier {
	case "log":
	case "smtp":
		if cfg.SMTPHost == "" || cfg.SMTPFrom == "" {
			return errors.New("config: smtpHost and smtpFrom are required for the smtp notifier")
		}
	case "amqp":
		if cfg.AMQPURL == "" {
			return errors.New("config: amqpURL is required for the amqp notifier")
		}
	default:
		return fmt.Errorf("config: unknown notifier %q", cfg.Notifier)
	}
	if cfg.NotifyQueue && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required when notifyQueue is enabled")
	}
	if cfg.MaxUploadMB < 0 || cfg.NotifyWorkers < 0 {
		return errors.New("config: maxUploadMB and notifyWorkers must be >= 0")
	}
	if cfg.LoginRateLimitPerMinute < 0 || cfg.RegisterRateLimitPerMinute < 0 || cfg.PasswordRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	return nil
}

// ParseDuration parses an optional duration setting named name.
func ParseDuration(name, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", name, err)
	}
	return dur, nil
}

// SplitList splits a comma separated setting such as trustedProxies or
// corsOrigins, dropping blanks.
func SplitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
