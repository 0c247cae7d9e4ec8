package config

import (
	"fmt"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
)

// Config holds application configuration
type Config struct {
	// サーバー設定
	ServerPort string `env:"SERVER_PORT,default=8080"`
	Env        string `env:"ENV,default=development"`
	LogLevel   string `env:"LOG_LEVEL,default=INFO"`

	// CORS設定
	RawAllowedOrigins string `env:"ALLOWED_ORIGINS"`
	AllowedOrigins    []string

	// ストレージ設定 (sqlite | mysql | badger)
	StoreBackend string `env:"STORE_BACKEND,default=sqlite"`
	SQLitePath   string `env:"SQLITE_PATH,default=chat.db"`
	BadgerPath   string `env:"BADGER_PATH,default=data/badger"`

	// MariaDB接続設定
	DBHost     string `env:"DB_HOST,default=localhost"`
	DBPort     string `env:"DB_PORT,default=3306"`
	DBUser     string `env:"DB_USER"`
	DBPassword string `env:"DB_PASSWORD"`
	DBName     string `env:"DB_NAME"`

	// 消えるメッセージの設定
	MessageTTL    time.Duration `env:"MESSAGE_TTL,default=2m"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL,default=5s"`
	StrictSeenAck bool          `env:"STRICT_SEEN_ACK,default=true"`

	// 添付ファイル設定 (local | s3)
	AttachmentBackend string        `env:"ATTACHMENT_BACKEND,default=local"`
	UploadDir         string        `env:"UPLOAD_DIR,default=public/uploads"`
	UploadURLPrefix   string        `env:"UPLOAD_URL_PREFIX,default=/uploads"`
	MaxUploadBytes    int64         `env:"MAX_UPLOAD_BYTES,default=33554432"`
	S3Bucket          string        `env:"S3_BUCKET"`
	S3Region          string        `env:"S3_REGION,default=us-east-1"`
	S3Endpoint        string        `env:"S3_ENDPOINT"`
	S3Prefix          string        `env:"S3_PREFIX"`
	S3AccessKeyID     string        `env:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string        `env:"S3_SECRET_ACCESS_KEY"`
	S3UsePathStyle    bool          `env:"S3_USE_PATH_STYLE,default=false"`
	S3PresignTTL      time.Duration `env:"S3_PRESIGN_TTL,default=15m"`

	// WebSocket設定
	SendRate         float64 `env:"SEND_RATE,default=5"`
	SendBurst        int     `env:"SEND_BURST,default=10"`
	OutboundBuffer   int     `env:"OUTBOUND_BUFFER,default=64"`
	MaxContentLength int     `env:"MAX_CONTENT_LENGTH,default=4096"`
}

// Load loads configuration from environment variables
func Load() (Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}

	allowedOrigins := cfg.RawAllowedOrigins
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:3000,http://127.0.0.1:3000"
	}

	cfg.AllowedOrigins = strings.Split(allowedOrigins, ",")
	for i := range cfg.AllowedOrigins {
		cfg.AllowedOrigins[i] = strings.TrimSpace(cfg.AllowedOrigins[i])
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case "sqlite", "mysql", "badger":
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	switch c.AttachmentBackend {
	case "local":
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when ATTACHMENT_BACKEND=s3")
		}
	default:
		return fmt.Errorf("unknown ATTACHMENT_BACKEND %q", c.AttachmentBackend)
	}
	if c.MessageTTL <= 0 {
		return fmt.Errorf("MESSAGE_TTL must be positive, got %s", c.MessageTTL)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	if c.OutboundBuffer <= 0 {
		return fmt.Errorf("OUTBOUND_BUFFER must be positive, got %d", c.OutboundBuffer)
	}
	return nil
}

// MySQLDSN builds the go-sql-driver DSN for the MariaDB settings.
func (c Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true",
		c.DBUser,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
	)
}
