package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the defaults for every harcap command. Command line flags override it.
type Config struct {
	// Capture proxy
	ListenAddr string
	Target     string
	Output     string
	UploadDir  string
	SpoolDir   string

	// Control API, empty disables it
	ControlAddr string

	// Replay
	Workers        int
	Persistent     bool
	Blocking       bool
	SessionCookie  string
	LatchTimeout   time.Duration
	RequestTimeout time.Duration

	// Logging
	LogLevel string
	LogFile  string
}

// Load reads configuration from HARCAP_* environment variables. Variables from the given
// .env files (default ".env") are added when they are not already set.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil {
		slog.Debug("failed to load .env file", "files", files, "error", err)
	}

	cfg := &Config{
		ListenAddr:     getEnvOrDefault("HARCAP_LISTEN_ADDR", "127.0.0.1:8080"),
		Target:         getEnvOrDefault("HARCAP_TARGET", ""),
		Output:         getEnvOrDefault("HARCAP_OUTPUT", "capture.har"),
		UploadDir:      getEnvOrDefault("HARCAP_UPLOAD_DIR", ""),
		SpoolDir:       getEnvOrDefault("HARCAP_SPOOL_DIR", os.TempDir()),
		ControlAddr:    getEnvOrDefault("HARCAP_CONTROL_ADDR", "127.0.0.1:8189"),
		Workers:        getEnvIntOrDefault("HARCAP_WORKERS", runtime.NumCPU()),
		Persistent:     getEnvBoolOrDefault("HARCAP_PERSISTENT", true),
		Blocking:       getEnvBoolOrDefault("HARCAP_BLOCKING", true),
		SessionCookie:  getEnvOrDefault("HARCAP_SESSION_COOKIE", "JSESSIONID"),
		LatchTimeout:   getEnvMillisOrDefault("HARCAP_LATCH_TIMEOUT_MS", 250*time.Millisecond),
		RequestTimeout: getEnvMillisOrDefault("HARCAP_REQUEST_TIMEOUT_MS", 30*time.Second),
		LogLevel:       strings.ToLower(getEnvOrDefault("HARCAP_LOG_LEVEL", "info")),
		LogFile:        getEnvOrDefault("HARCAP_LOG_FILE", ""),
	}

	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Target != "" {
		if _, err := cfg.TargetURL(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// TargetURL parses Target. An empty target yields nil.
func (c *Config) TargetURL() (*url.URL, error) {
	return ParseTarget(c.Target)
}

// ParseTarget parses an absolute http(s) url. An empty string yields nil.
func ParseTarget(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid target %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid target %q: expected http(s)://host[:port]", raw)
	}
	return u, nil
}

// Level maps LogLevel to a slog level, defaulting to info.
func (c *Config) Level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvMillisOrDefault(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if ms, err := strconv.Atoi(val); err == nil && ms >= 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}
