package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/freshness/internal/imageprocessor"
)

// Config is the process-wide configuration, built once at startup.
type Config struct {
	Port            string
	ModelPath       string
	ModelInputName  string
	ModelOutputName string
	InputLayout     imageprocessor.Layout
	Normalization   imageprocessor.Normalization
	ONNXRuntimeLib  string
	DemoMode        bool

	APIKey      string
	CORSOrigins []string

	MaxUploadBytes  int64
	PredictTimeout  time.Duration
	ShutdownTimeout time.Duration

	RedisAddr string
	CacheTTL  time.Duration

	GRPCAddr string
	LogLevel string
}

// Load reads an optional .env file and then the environment.
// Variables already present in the environment take precedence over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function.
func FromEnv(lookup func(string) string) (*Config, error) {
	get := func(key, fallback string) string {
		if value := strings.TrimSpace(lookup(key)); value != "" {
			return value
		}
		return fallback
	}

	cfg := &Config{
		Port:            get("PORT", "8000"),
		ModelPath:       get("MODEL_PATH", "model.onnx"),
		ModelInputName:  get("MODEL_INPUT_NAME", "input"),
		ModelOutputName: get("MODEL_OUTPUT_NAME", "output"),
		ONNXRuntimeLib:  get("ONNXRUNTIME_LIB", ""),
		APIKey:          lookup("API_KEY"),
		CORSOrigins:     splitList(get("CORS_ALLOW_ORIGINS", "")),
		RedisAddr:       get("REDIS_ADDR", ""),
		GRPCAddr:        get("GRPC_ADDR", ""),
		LogLevel:        get("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.InputLayout, err = imageprocessor.ParseLayout(get("MODEL_INPUT_LAYOUT", "nhwc")); err != nil {
		return nil, err
	}
	if cfg.Normalization, err = imageprocessor.ParseNormalization(get("MODEL_NORMALIZATION", "unit")); err != nil {
		return nil, err
	}
	if cfg.DemoMode, err = parseBool("DEMO_MODE", get("DEMO_MODE", "false")); err != nil {
		return nil, err
	}
	if cfg.MaxUploadBytes, err = strconv.ParseInt(get("MAX_UPLOAD_BYTES", "10485760"), 10, 64); err != nil || cfg.MaxUploadBytes <= 0 {
		return nil, fmt.Errorf("MAX_UPLOAD_BYTES must be a positive integer")
	}
	if cfg.PredictTimeout, err = parseDuration("PREDICT_TIMEOUT", get("PREDICT_TIMEOUT", "30s")); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = parseDuration("SHUTDOWN_TIMEOUT", get("SHUTDOWN_TIMEOUT", "15s")); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = parseDuration("CACHE_TTL", get("CACHE_TTL", "10m")); err != nil {
		return nil, err
	}

	return cfg, nil
}

// AllowAllOrigins reports whether CORS is left open.
func (c *Config) AllowAllOrigins() bool {
	if len(c.CORSOrigins) == 0 {
		return true
	}
	for _, origin := range c.CORSOrigins {
		if origin == "*" {
			return true
		}
	}
	return false
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBool(key, value string) (bool, error) {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q", key, value)
	}
	return b, nil
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%s: invalid duration %q", key, value)
	}
	return d, nil
}
