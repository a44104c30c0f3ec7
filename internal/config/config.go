package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config captures all runtime configuration for the intake service. It is
// built once at startup and handed to constructors by reference.
type Config struct {
	App       AppConfig
	Mail      MailConfig
	Fallback  FallbackConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Upload    UploadConfig
	RateLimit RateLimitConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string
	Port     int
	LogLevel string
}

// SMTPConfig stores SMTP relay settings and credentials.
type SMTPConfig struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

// MailConfig describes the notification transport and the identities used
// on every outbound message.
type MailConfig struct {
	Provider           string
	Sender             string
	Recipient          string
	SMTP               SMTPConfig
	SendTimeout        time.Duration
	SendConfirmation   bool
	MaxConcurrentSends int
}

// Configured reports whether sender, recipient and credential are all
// present. The dispatcher refuses to send when this is false.
func (m MailConfig) Configured() bool {
	if strings.TrimSpace(m.Sender) == "" || strings.TrimSpace(m.Recipient) == "" {
		return false
	}
	if strings.EqualFold(m.Provider, "mock") {
		return true
	}
	return strings.TrimSpace(m.SMTP.Pass) != "" && strings.TrimSpace(m.SMTP.Host) != ""
}

// FallbackConfig selects and sizes the durable fallback store.
type FallbackConfig struct {
	Backend  string
	Path     string
	Capacity int
}

// RedisConfig is used when the fallback backend is redis.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
}

// KafkaConfig enables the optional replay feed for stored submissions.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// Enabled reports whether stored records should be mirrored to Kafka.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0 && k.Topic != ""
}

// UploadConfig bounds and locates staged attachments.
type UploadConfig struct {
	Dir      string
	MaxBytes int64
}

// RateLimitConfig controls the per-client limiter on submission endpoints.
type RateLimitConfig struct {
	Enabled bool
	RPS     float64
	Burst   int
	IdleTTL time.Duration
}

// Load reads environment variables, applies defaults, validates values and
// returns a populated Config instance. Missing mail identity or credentials
// are not errors: the service starts and stores submissions for later.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.Port = ldr.getInt("APP_PORT", 8080, false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)

	cfg.Mail.Provider = strings.ToLower(ldr.getString("EMAIL_PROVIDER", "smtp", false))
	cfg.Mail.Sender = ldr.getString("MAIL_SENDER", "", false)
	cfg.Mail.Recipient = ldr.getString("MAIL_RECIPIENT", cfg.Mail.Sender, false)
	cfg.Mail.SMTP.Host = ldr.getString("SMTP_HOST", "smtp.gmail.com", false)
	cfg.Mail.SMTP.Port = ldr.getInt("SMTP_PORT", 465, false)
	cfg.Mail.SMTP.User = ldr.getString("SMTP_USER", cfg.Mail.Sender, false)
	cfg.Mail.SMTP.Pass = strings.ReplaceAll(ldr.getString("SMTP_PASS", "", false), " ", "")
	cfg.Mail.SMTP.From = cfg.Mail.Sender
	cfg.Mail.SendTimeout = time.Duration(ldr.getInt("SEND_TIMEOUT_SECONDS", 15, false)) * time.Second
	cfg.Mail.SendConfirmation = ldr.getBool("SEND_CONFIRMATION", true, false)
	cfg.Mail.MaxConcurrentSends = ldr.getInt("MAX_CONCURRENT_SENDS", 8, false)

	cfg.Fallback.Backend = strings.ToLower(ldr.getString("FALLBACK_BACKEND", "file", false))
	cfg.Fallback.Path = ldr.getString("FALLBACK_PATH", filepath.Join("data", "submissions.jsonl"), false)
	cfg.Fallback.Capacity = ldr.getInt("FALLBACK_CAPACITY", 100, false)

	cfg.Redis.Address = ldr.getString("REDIS_ADDR", "", cfg.Fallback.Backend == "redis")
	cfg.Redis.Password = ldr.getString("REDIS_PASSWORD", "", false)
	cfg.Redis.DB = ldr.getInt("REDIS_DB", 0, false)
	cfg.Redis.Key = ldr.getString("REDIS_KEY", "intake:fallback", false)

	cfg.Kafka.Brokers = ldr.getStringSlice("FALLBACK_KAFKA_BROKERS", false)
	cfg.Kafka.Topic = ldr.getString("FALLBACK_KAFKA_TOPIC", "intake.fallback", false)

	cfg.Upload.Dir = ldr.getString("UPLOAD_DIR", filepath.Join(os.TempDir(), "intake-uploads"), false)
	cfg.Upload.MaxBytes = int64(ldr.getInt("UPLOAD_MAX_BYTES", 5<<20, false))

	cfg.RateLimit.Enabled = ldr.getBool("RATE_LIMIT_ENABLED", true, false)
	cfg.RateLimit.RPS = ldr.getFloat("RATE_LIMIT_RPS", 0.2, false)
	cfg.RateLimit.Burst = ldr.getInt("RATE_LIMIT_BURST", 5, false)
	cfg.RateLimit.IdleTTL = time.Duration(ldr.getInt("RATE_LIMIT_IDLE_SECONDS", 600, false)) * time.Second

	ldr.check(cfg.App.Port > 0 && cfg.App.Port <= 65535, "APP_PORT must be between 1 and 65535")
	ldr.check(cfg.Mail.Provider == "smtp" || cfg.Mail.Provider == "mock", "EMAIL_PROVIDER must be smtp or mock")
	ldr.check(cfg.Mail.SendTimeout > 0, "SEND_TIMEOUT_SECONDS must be > 0")
	ldr.check(cfg.Mail.MaxConcurrentSends > 0, "MAX_CONCURRENT_SENDS must be > 0")
	ldr.check(cfg.Fallback.Backend == "file" || cfg.Fallback.Backend == "redis", "FALLBACK_BACKEND must be file or redis")
	ldr.check(cfg.Fallback.Capacity > 0, "FALLBACK_CAPACITY must be > 0")
	ldr.check(cfg.Upload.MaxBytes > 0, "UPLOAD_MAX_BYTES must be > 0")
	if cfg.RateLimit.Enabled {
		ldr.check(cfg.RateLimit.RPS > 0, "RATE_LIMIT_RPS must be > 0")
		ldr.check(cfg.RateLimit.Burst > 0, "RATE_LIMIT_BURST must be > 0")
		ldr.check(cfg.RateLimit.IdleTTL > 0, "RATE_LIMIT_IDLE_SECONDS must be > 0")
	}

	if err := ldr.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) check(ok bool, msg string) {
	if !ok {
		l.addError(msg)
	}
}

func (l *envLoader) lookup(key string, required bool) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val != "" {
			return val, true
		}
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return "", false
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := l.lookup(key, required); ok {
		return val
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	val, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid integer", key))
		return def
	}
	return i
}

func (l *envLoader) getFloat(key string, def float64, required bool) float64 {
	val, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid number", key))
		return def
	}
	return f
}

func (l *envLoader) getBool(key string, def bool, required bool) bool {
	val, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid boolean", key))
		return def
	}
	return parsed
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
