package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"MRI_CONFIG", "MRI_HOST", "MRI_PORT", "MRI_ALLOWED_ORIGIN", "MRI_SHUTDOWN_TIMEOUT",
		"MRI_MODEL_PATH", "MRI_METADATA_PATH", "MRI_ONNX_LIBRARY", "MRI_IMAGE_SIZE",
		"MRI_INTRA_OP_THREADS", "MRI_MAX_UPLOAD_BYTES", "MRI_MAX_PIXELS", "MRI_CACHE_SIZE",
		"MRI_LOG_LEVEL", "MRI_LOG_FORMAT", "MRI_LOG_FILE",
	} {
		t.Setenv(key, "")
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "localhost:8000", cfg.Server.Addr())
	assert.Equal(t, "http://localhost:5173", cfg.Server.AllowedOrigin)
	assert.Equal(t, 256, cfg.Model.ImageSize)
	assert.Equal(t, "models/brain_tumor.onnx", cfg.Model.Path)
	assert.Equal(t, "models/model_metadata.json", cfg.Model.MetadataPath)
	assert.Equal(t, int64(10<<20), cfg.Predict.MaxUploadBytes)
	assert.Equal(t, 8192*8192, cfg.Predict.MaxPixels)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("MRI_HOST", "0.0.0.0")
	t.Setenv("MRI_PORT", "9090")
	t.Setenv("MRI_ALLOWED_ORIGIN", "https://mri.example.com")
	t.Setenv("MRI_SHUTDOWN_TIMEOUT", "3s")
	t.Setenv("MRI_MODEL_PATH", "/srv/model.onnx")
	t.Setenv("MRI_MAX_UPLOAD_BYTES", "0")
	t.Setenv("MRI_MAX_PIXELS", "1000000")
	t.Setenv("MRI_CACHE_SIZE", "0")
	t.Setenv("MRI_LOG_FORMAT", "json")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.Server.Addr())
	assert.Equal(t, "https://mri.example.com", cfg.Server.AllowedOrigin)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "/srv/model.onnx", cfg.Model.Path)
	assert.Equal(t, int64(0), cfg.Predict.MaxUploadBytes)
	assert.Equal(t, 1000000, cfg.Predict.MaxPixels)
	assert.Equal(t, 0, cfg.Predict.CacheSize)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadInvalidNumberFallsBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("MRI_PORT", "not-a-port")
	t.Setenv("MRI_SHUTDOWN_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
server:
  host: 127.0.0.1
  port: 8100
  shutdown_timeout: 30s
model:
  path: /models/v4.onnx
  library_path: /usr/lib/libonnxruntime.so
predict:
  cache_size: 16
log:
  level: debug
`)
	t.Setenv("MRI_CONFIG", path)
	t.Setenv("MRI_PORT", "8200")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8200, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "/models/v4.onnx", cfg.Model.Path)
	assert.Equal(t, "/usr/lib/libonnxruntime.so", cfg.Model.LibraryPath)
	assert.Equal(t, "models/model_metadata.json", cfg.Model.MetadataPath)
	assert.Equal(t, 16, cfg.Predict.CacheSize)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadFileErrors(t *testing.T) {
	clearEnv(t)

	t.Setenv("MRI_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("MRI_CONFIG", writeFile(t, "server:\n  prot: 80\n"))
	_, err = Load()
	assert.Error(t, err, "unknown keys are rejected")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }},
		{"no origin", func(c *Config) { c.Server.AllowedOrigin = "" }},
		{"origin without scheme", func(c *Config) { c.Server.AllowedOrigin = "localhost:5173" }},
		{"no model path", func(c *Config) { c.Model.Path = "" }},
		{"image size", func(c *Config) { c.Model.ImageSize = 0 }},
		{"negative upload limit", func(c *Config) { c.Predict.MaxUploadBytes = -1 }},
		{"zero max pixels", func(c *Config) { c.Predict.MaxPixels = 0 }},
		{"negative cache", func(c *Config) { c.Predict.CacheSize = -1 }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
	}

	require.NoError(t, Default().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
