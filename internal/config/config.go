package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config holds all service configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Model   ModelConfig   `yaml:"model"`
	Predict PredictConfig `yaml:"predict"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	AllowedOrigin   string        `yaml:"allowed_origin"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ModelConfig locates the model artifact and its metadata sidecar.
type ModelConfig struct {
	Path           string `yaml:"path"`
	MetadataPath   string `yaml:"metadata_path"`
	LibraryPath    string `yaml:"library_path"` // libonnxruntime; empty uses the loader default
	ImageSize      int    `yaml:"image_size"`
	IntraOpThreads int    `yaml:"intra_op_threads"`
}

// PredictConfig holds per-request limits.
type PredictConfig struct {
	MaxUploadBytes int64 `yaml:"max_upload_bytes"` // 0 disables the limit
	MaxPixels      int   `yaml:"max_pixels"`       // width*height cap checked before decoding
	CacheSize      int   `yaml:"cache_size"`       // 0 disables the cache
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // "text" or "json"
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8000,
			AllowedOrigin:   "http://localhost:5173",
			ShutdownTimeout: 10 * time.Second,
		},
		Model: ModelConfig{
			Path:         "models/brain_tumor.onnx",
			MetadataPath: "models/model_metadata.json",
			ImageSize:    256,
		},
		Predict: PredictConfig{
			MaxUploadBytes: 10 << 20,
			MaxPixels:      8192 * 8192,
			CacheSize:      128,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file named by
// MRI_CONFIG, and MRI_* environment variables, in that order of precedence.
// A .env file in the working directory is read first if present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("MRI_CONFIG"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(raw, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Host = getenv("MRI_HOST", cfg.Server.Host)
	cfg.Server.Port = getenvInt("MRI_PORT", cfg.Server.Port)
	cfg.Server.AllowedOrigin = getenv("MRI_ALLOWED_ORIGIN", cfg.Server.AllowedOrigin)
	cfg.Server.ShutdownTimeout = getenvDuration("MRI_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)

	cfg.Model.Path = getenv("MRI_MODEL_PATH", cfg.Model.Path)
	cfg.Model.MetadataPath = getenv("MRI_METADATA_PATH", cfg.Model.MetadataPath)
	cfg.Model.LibraryPath = getenv("MRI_ONNX_LIBRARY", cfg.Model.LibraryPath)
	cfg.Model.ImageSize = getenvInt("MRI_IMAGE_SIZE", cfg.Model.ImageSize)
	cfg.Model.IntraOpThreads = getenvInt("MRI_INTRA_OP_THREADS", cfg.Model.IntraOpThreads)

	cfg.Predict.MaxUploadBytes = int64(getenvInt("MRI_MAX_UPLOAD_BYTES", int(cfg.Predict.MaxUploadBytes)))
	cfg.Predict.MaxPixels = getenvInt("MRI_MAX_PIXELS", cfg.Predict.MaxPixels)
	cfg.Predict.CacheSize = getenvInt("MRI_CACHE_SIZE", cfg.Predict.CacheSize)

	cfg.Log.Level = getenv("MRI_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getenv("MRI_LOG_FORMAT", cfg.Log.Format)
	cfg.Log.File = getenv("MRI_LOG_FILE", cfg.Log.File)
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Server.Port)
	}
	if !strings.HasPrefix(c.Server.AllowedOrigin, "http://") && !strings.HasPrefix(c.Server.AllowedOrigin, "https://") {
		return fmt.Errorf("config: allowed origin %q must be an http(s) origin", c.Server.AllowedOrigin)
	}
	if c.Model.Path == "" || c.Model.MetadataPath == "" {
		return fmt.Errorf("config: model path and metadata path are required")
	}
	if c.Model.ImageSize <= 0 {
		return fmt.Errorf("config: image size must be positive, got %d", c.Model.ImageSize)
	}
	if c.Predict.MaxUploadBytes < 0 {
		return fmt.Errorf("config: max upload bytes must not be negative")
	}
	if c.Predict.MaxPixels <= 0 {
		return fmt.Errorf("config: max pixels must be positive, got %d", c.Predict.MaxPixels)
	}
	if c.Predict.CacheSize < 0 {
		return fmt.Errorf("config: cache size must not be negative")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}

// Addr is the host:port the server listens on.
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
