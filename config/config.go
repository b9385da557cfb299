package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	AWS      AWSConfig
	Capture  CaptureConfig
	Storage  StorageConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds token signing settings. APIKeyHash is the bcrypt hash of
// the accepted API key; auth is disabled when it is empty.
type JWTConfig struct {
	Secret      string
	ExpireHours int
	APIKeyHash  string
}

// AWSConfig holds AWS credentials and the clip archive bucket. Archiving is
// disabled when Region or ClipsBucket is empty.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	ClipsBucket          string
	PresignExpireMinutes int
}

// CaptureConfig selects and configures the capture provider.
type CaptureConfig struct {
	Provider     string   // "webrtc" (browser tracks) or "ffmpeg" (local devices)
	FFmpegPath   string
	DisplayInput string   // x11grab input for the ffmpeg provider
	AudioInput   string   // pulse input for the ffmpeg provider
	FrameRate    int
	ICEUrls      []string // STUN/TURN for the webrtc provider
}

// StorageConfig holds the local blob store location.
type StorageConfig struct {
	DataDir string // clip payload directory; empty = os temp dir
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", "postgres://localhost:5432/screenclip?sslmode=disable"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "screenclip"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
			APIKeyHash:  getEnv("AUTH_API_KEY_HASH", ""),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", ""),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			ClipsBucket:          getEnv("AWS_S3_CLIPS_BUCKET", ""),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Capture: CaptureConfig{
			Provider:     getEnv("CAPTURE_PROVIDER", "webrtc"),
			FFmpegPath:   getEnv("CAPTURE_FFMPEG_PATH", "ffmpeg"),
			DisplayInput: getEnv("CAPTURE_DISPLAY", ":0.0"),
			AudioInput:   getEnv("CAPTURE_AUDIO", "default"),
			FrameRate:    getEnvInt("CAPTURE_FRAMERATE", 30),
			ICEUrls:      splitTrim(getEnv("WEBRTC_ICE_URLS", "stun:stun.l.google.com:19302"), ","),
		},
		Storage: StorageConfig{
			DataDir: getEnv("DATA_DIR", ""),
		},
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}
