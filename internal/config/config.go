/**
 * Configuration for the ParkIt camera console
 *
 * Layers (lowest to highest priority):
 *   1. struct defaults
 *   2. optional YAML file (CONFIG_PATH, or ./parkit.yaml)
 *   3. PARKIT_* environment variables (a .env file is loaded by main first)
 */

package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the YAML file location.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPaths are searched in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{
	"parkit.yaml",
	"parkit.yml",
}

// Config holds console configuration
type Config struct {
	API     APIConfig     `koanf:"api"`
	Camera  CameraConfig  `koanf:"camera"`
	Upload  UploadConfig  `koanf:"upload"`
	Redis   RedisConfig   `koanf:"redis"`
	DB      DBConfig      `koanf:"db"`
	State   StateConfig   `koanf:"state"`
	Server  ServerConfig  `koanf:"server"`
	Logging LoggingConfig `koanf:"logging"`
}

// APIConfig configures the ParkIt backend client
type APIConfig struct {
	BaseURL           string        `koanf:"base_url"`
	APIKey            string        `koanf:"api_key"`
	Timeout           time.Duration `koanf:"timeout"`
	MaxRetryAttempts  int           `koanf:"max_retry_attempts"`
	RetryDelay        time.Duration `koanf:"retry_delay"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`
}

// CameraConfig configures the snapshot camera stream
type CameraConfig struct {
	URL            string        `koanf:"url"`
	PollInterval   time.Duration `koanf:"poll_interval"`
	RetryInterval  time.Duration `koanf:"retry_interval"`
	FetchTimeout   time.Duration `koanf:"fetch_timeout"`
	CaptureQuality int           `koanf:"capture_quality"`
}

// UploadConfig configures the frame upload queue
type UploadConfig struct {
	MaxFileSize int64  `koanf:"max_file_size"`
	QueueName   string `koanf:"queue_name"`
	Concurrency int    `koanf:"concurrency"`
	MaxRetry    int    `koanf:"max_retry"`
}

// RedisConfig enables the asynq-backed upload queue when URL is set
type RedisConfig struct {
	URL string `koanf:"url"`
}

// DBConfig enables the capture ledger when URL is set
type DBConfig struct {
	URL string `koanf:"url"`
}

// StateConfig locates the operator preference store
type StateConfig struct {
	Dir string `koanf:"dir"`
}

// ServerConfig configures the operator HTTP API
type ServerConfig struct {
	Addr              string        `koanf:"addr"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	RequestsPerMinute int           `koanf:"requests_per_minute"`
	AllowedOrigins    []string      `koanf:"allowed_origins"`
	// ConsoleToken, when set, must accompany every operator request
	ConsoleToken string `koanf:"console_token"`
}

// LoggingConfig configures the root logger
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

func defaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:           "http://localhost:8000",
			Timeout:           30 * time.Second,
			MaxRetryAttempts:  3,
			RetryDelay:        time.Second,
			RequestsPerSecond: 10,
		},
		Camera: CameraConfig{
			PollInterval:   500 * time.Millisecond,
			RetryInterval:  2000 * time.Millisecond,
			FetchTimeout:   10 * time.Second,
			CaptureQuality: 95,
		},
		Upload: UploadConfig{
			MaxFileSize: 10 * 1024 * 1024, // 10MB
			QueueName:   "parkit:uploads",
			Concurrency: 2,
			MaxRetry:    3,
		},
		State: StateConfig{
			Dir: "./data/state",
		},
		Server: ServerConfig{
			Addr:              "127.0.0.1:8090",
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      60 * time.Second,
			RequestsPerMinute: 600,
			AllowedOrigins:    []string{},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// envMappings maps PARKIT_* variables (prefix stripped, lowercased) to koanf paths
var envMappings = map[string]string{
	"api_base_url":            "api.base_url",
	"api_key":                 "api.api_key",
	"api_timeout":             "api.timeout",
	"api_max_retry_attempts":  "api.max_retry_attempts",
	"api_retry_delay":         "api.retry_delay",
	"api_requests_per_second": "api.requests_per_second",
	"camera_url":              "camera.url",
	"camera_poll_interval":    "camera.poll_interval",
	"camera_retry_interval":   "camera.retry_interval",
	"camera_fetch_timeout":    "camera.fetch_timeout",
	"capture_quality":         "camera.capture_quality",
	"max_file_size":           "upload.max_file_size",
	"upload_queue_name":       "upload.queue_name",
	"upload_concurrency":      "upload.concurrency",
	"upload_max_retry":        "upload.max_retry",
	"redis_url":               "redis.url",
	"database_url":            "db.url",
	"state_dir":               "state.dir",
	"http_addr":               "server.addr",
	"http_read_timeout":       "server.read_timeout",
	"http_write_timeout":      "server.write_timeout",
	"http_requests_per_min":   "server.requests_per_minute",
	"http_allowed_origins":    "server.allowed_origins",
	"console_token":           "server.console_token",
	"log_level":               "logging.level",
	"log_format":              "logging.format",
}

func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, "PARKIT_"))
	return envMappings[key]
}

// LoadConfig loads configuration from defaults, an optional YAML file and the environment
func LoadConfig() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("PARKIT_", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// PARKIT_HTTP_ALLOWED_ORIGINS arrives as a single comma-separated string
	if raw, ok := k.Get("server.allowed_origins").(string); ok {
		if err := k.Set("server.allowed_origins", splitList(raw)); err != nil {
			return nil, fmt.Errorf("failed to parse allowed origins: %w", err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func splitList(raw string) []string {
	out := []string{}
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		return p
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("PARKIT_API_BASE_URL is required")
	}

	if u, err := url.Parse(c.API.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("PARKIT_API_BASE_URL must be an absolute URL, got %q", c.API.BaseURL)
	}

	if c.API.Timeout <= 0 {
		return fmt.Errorf("PARKIT_API_TIMEOUT must be positive, got %v", c.API.Timeout)
	}

	if c.API.MaxRetryAttempts < 0 || c.API.MaxRetryAttempts > 10 {
		return fmt.Errorf("PARKIT_API_MAX_RETRY_ATTEMPTS must be between 0 and 10, got %d", c.API.MaxRetryAttempts)
	}

	if c.Camera.PollInterval <= 0 || c.Camera.RetryInterval <= 0 {
		return fmt.Errorf("camera poll and retry intervals must be positive")
	}

	if c.Camera.CaptureQuality < 1 || c.Camera.CaptureQuality > 100 {
		return fmt.Errorf("PARKIT_CAPTURE_QUALITY must be between 1 and 100, got %d", c.Camera.CaptureQuality)
	}

	if c.Upload.MaxFileSize < 1024 || c.Upload.MaxFileSize > 100*1024*1024 { // 1KB to 100MB
		return fmt.Errorf("PARKIT_MAX_FILE_SIZE must be between 1KB and 100MB, got %d", c.Upload.MaxFileSize)
	}

	if c.Upload.Concurrency < 1 || c.Upload.Concurrency > 32 {
		return fmt.Errorf("PARKIT_UPLOAD_CONCURRENCY must be between 1 and 32, got %d", c.Upload.Concurrency)
	}

	if c.State.Dir == "" {
		return fmt.Errorf("PARKIT_STATE_DIR is required")
	}

	// The console holds the operator's API key; off loopback it needs its own token
	if !IsLoopbackAddr(c.Server.Addr) && c.Server.ConsoleToken == "" {
		return fmt.Errorf("PARKIT_CONSOLE_TOKEN is required when PARKIT_HTTP_ADDR (%q) is not a loopback address", c.Server.Addr)
	}

	return nil
}

// QueueEnabled reports whether uploads go through the Redis task queue
func (c *Config) QueueEnabled() bool {
	return c.Redis.URL != ""
}

// LedgerEnabled reports whether captures are recorded in PostgreSQL
func (c *Config) LedgerEnabled() bool {
	return c.DB.URL != ""
}

// IsLoopbackAddr reports whether a listen address only accepts local
// connections. An empty host binds every interface.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
