// Package config loads process settings from the environment (optionally
// seeded from a .env file) and clamps numeric limits into safe ranges.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	KiB = 1024
	MiB = 1024 * KiB
)

// S3Config selects the object-storage avatar backend. An empty Bucket keeps
// avatars on local disk.
type S3Config struct {
	Bucket          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	PublicURL       string
}

// Enabled reports whether avatars should be written to object storage.
func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

// SMTPConfig holds outbound mail settings. Delivery is disabled unless host,
// port, user and password are all present.
type SMTPConfig struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

// Enabled reports whether the mailer can deliver anything.
func (c SMTPConfig) Enabled() bool {
	return c.Host != "" && c.Port > 0 && c.User != "" && c.Pass != "" && c.Sender() != ""
}

// Sender returns the envelope sender, falling back to the SMTP user.
func (c SMTPConfig) Sender() string {
	if c.From != "" {
		return c.From
	}
	return c.User
}

// Config is the full server configuration. It is built once in main and
// passed to constructors explicitly.
type Config struct {
	ListenAddr  string
	ServerName  string
	DatabaseURL string
	RedisAddr   string
	NATSURL     string

	HistoryLimit         int
	MaxMessageLength     int
	MaxAvatarBytes       int
	MaxAvatarUploadBytes int64
	NotifyAfter          time.Duration
	NotifyCooldown       time.Duration
	// BalanceGuard rejects accruals faster than the client cadence. Off
	// trusts the client timer alone.
	BalanceGuard bool

	AvatarDir       string
	AvatarURLPrefix string
	S3              S3Config
	SMTP            SMTPConfig

	CORSAllowedOrigins []string

	WorkerPoolSize    int
	MaxConnections    int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	SendQueueSize     int
	BackgroundWorkers int

	LogLevel    string
	LogEncoding string
}

// Load reads ENV_FILE (default ".env") if it exists and then builds a Config
// from the environment. A missing env file is not an error.
func Load() Config {
	envFile := getEnv("ENV_FILE", ".env")
	_ = godotenv.Load(envFile)
	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() Config {
	listen := getEnv("LISTEN_ADDR", "")
	if listen == "" {
		listen = ":" + getEnv("PORT", "3000")
	}

	serverName := getEnv("SERVER_NAME", "")
	if serverName == "" {
		serverName, _ = os.Hostname()
	}
	if serverName == "" {
		serverName = "chat-1"
	}

	maxAvatar := clampInt(getEnv("MAX_AVATAR_BYTES", ""), 300*KiB, 50*KiB, 2*MiB)
	maxUpload := clampInt(getEnv("MAX_AVATAR_UPLOAD_BYTES", ""), 100*MiB, 50*KiB, 200*MiB)
	if maxUpload < maxAvatar {
		maxUpload = maxAvatar
	}

	return Config{
		ListenAddr:  listen,
		ServerName:  serverName,
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisAddr:   getEnv("REDIS_ADDR", ""),
		NATSURL:     getEnv("NATS_URL", ""),

		HistoryLimit:         clampInt(getEnv("HISTORY_LIMIT", ""), 200, 1, 2000),
		MaxMessageLength:     clampInt(getEnv("MAX_MESSAGE_LENGTH", ""), 800, 50, 5000),
		MaxAvatarBytes:       maxAvatar,
		MaxAvatarUploadBytes: int64(maxUpload),
		NotifyAfter:          clampMillis(getEnv("NOTIFY_AFTER_MS", ""), 5*time.Minute, time.Minute, time.Hour),
		NotifyCooldown:       clampMillis(getEnv("NOTIFY_COOLDOWN_MS", ""), 10*time.Minute, time.Minute, 6*time.Hour),
		BalanceGuard:         getBool("BALANCE_GUARD", true),

		AvatarDir:       getEnv("AVATAR_DIR", "data/avatars"),
		AvatarURLPrefix: strings.TrimRight(getEnv("AVATAR_URL_PREFIX", "/avatars"), "/"),
		S3: S3Config{
			Bucket:          getEnv("AVATAR_S3_BUCKET", ""),
			Endpoint:        getEnv("AVATAR_S3_ENDPOINT", ""),
			Region:          getEnv("AVATAR_S3_REGION", "auto"),
			AccessKeyID:     getEnv("AVATAR_S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AVATAR_S3_SECRET_ACCESS_KEY", ""),
			PublicURL:       strings.TrimRight(getEnv("AVATAR_S3_PUBLIC_URL", ""), "/"),
		},
		SMTP: SMTPConfig{
			Host: getEnv("SMTP_HOST", ""),
			Port: clampInt(getEnv("SMTP_PORT", ""), 0, 0, 65535),
			User: getEnv("SMTP_USER", ""),
			Pass: getEnv("SMTP_PASS", ""),
			From: getEnv("SMTP_FROM", ""),
		},

		CORSAllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),

		WorkerPoolSize:    clampInt(getEnv("WORKER_POOL_SIZE", ""), 256, 1, 65536),
		MaxConnections:    clampInt(getEnv("MAX_CONNECTIONS", ""), 100000, 1, 10000000),
		ReadTimeout:       getDuration("READ_TIMEOUT", 10*time.Second),
		WriteTimeout:      getDuration("WRITE_TIMEOUT", 10*time.Second),
		SendQueueSize:     clampInt(getEnv("SEND_QUEUE_SIZE", ""), 256, 8, 65536),
		BackgroundWorkers: clampInt(getEnv("BACKGROUND_WORKERS", ""), 16, 1, 512),

		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogEncoding: getEnv("LOG_ENCODING", "json"),
	}
}

// getEnv returns the value of key or fallback when unset or empty.
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

// getBool accepts on/off alongside the strconv.ParseBool spellings.
func getBool(key string, fallback bool) bool {
	switch v := strings.ToLower(getEnv(key, "")); v {
	case "":
		return fallback
	case "on", "yes":
		return true
	case "off", "no":
		return false
	default:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fallback
		}
		return b
	}
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// clampInt parses raw as an integer, using fallback when it is empty or not a
// number, and clamps the result into [lo, hi].
func clampInt(raw string, fallback, lo, hi int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		n = fallback
	}
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func clampMillis(raw string, fallback, lo, hi time.Duration) time.Duration {
	ms := clampInt(raw, int(fallback.Milliseconds()), int(lo.Milliseconds()), int(hi.Milliseconds()))
	return time.Duration(ms) * time.Millisecond
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
