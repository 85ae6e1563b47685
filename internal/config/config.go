// Package config loads the service configuration from a yaml file with
// environment overrides for credentials, so the process can run from a bare
// environment the way the deployment scripts expect.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	ASR       ASRConfig       `yaml:"asr"`
	Extractor ExtractorConfig `yaml:"extractor"`
	Queue     QueueConfig     `yaml:"queue"`
}

// ServerConfig configures the HTTP/websocket listener.
type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

// ASRConfig configures the recognition provider. Credentials may be left
// empty; recognition then reports unavailable per request instead of
// failing startup.
type ASRConfig struct {
	AppID      string `yaml:"app_id"`
	APIKey     string `yaml:"api_key"`
	APISecret  string `yaml:"api_secret"`
	Endpoint   string `yaml:"endpoint"`
	Language   string `yaml:"language"`
	SampleRate int    `yaml:"sample_rate"`
	VadEOS     int    `yaml:"vad_eos"`
}

// ExtractorConfig configures the structured extraction service.
type ExtractorConfig struct {
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	MaxRetries int    `yaml:"max_retries"`
}

// QueueConfig configures the task queue and worker pool.
type QueueConfig struct {
	RedisURL       string `yaml:"redis_url"`
	MaxConcurrent  int    `yaml:"max_concurrent"`
	TaskTTLSeconds int    `yaml:"task_ttl_seconds"`
}

// TaskTTL returns the record expiry as a duration.
func (q QueueConfig) TaskTTL() time.Duration {
	return time.Duration(q.TaskTTLSeconds) * time.Second
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8000,
			MaxUploadBytes: 10 << 20,
		},
		ASR: ASRConfig{
			Language:   "zh_cn",
			SampleRate: 16000,
			VadEOS:     10000,
		},
		Extractor: ExtractorConfig{
			MaxRetries: 3,
		},
		Queue: QueueConfig{
			RedisURL:       "redis://localhost:6379/0",
			MaxConcurrent:  3,
			TaskTTLSeconds: 3600,
		},
	}
}

// Load reads the yaml file at path, applies environment overrides, and
// validates the result. A missing file is not an error: the defaults plus
// environment carry a full configuration.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Environment-only configuration.
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides credentials and the Redis URL from the environment,
// which always wins over the file.
func (c *Config) applyEnv() {
	setIfPresent := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	setIfPresent(&c.ASR.AppID, "XUNFEI_APP_ID")
	setIfPresent(&c.ASR.APIKey, "XUNFEI_API_KEY")
	setIfPresent(&c.ASR.APISecret, "XUNFEI_API_SECRET")
	setIfPresent(&c.Extractor.APIKey, "QWEN_API_KEY", "DASHSCOPE_API_KEY")
	setIfPresent(&c.Extractor.BaseURL, "QWEN_BASE_URL")
	setIfPresent(&c.Extractor.Model, "QWEN_MODEL")
	setIfPresent(&c.Queue.RedisURL, "REDIS_URL")
}

// Validate checks the structural parts of the configuration. Credentials
// are deliberately not required here.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server: invalid port %d", c.Server.Port)
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("server: max_upload_bytes must be positive")
	}
	if c.ASR.SampleRate != 16000 {
		return fmt.Errorf("asr: unsupported sample rate %d, the dictation endpoint requires 16000", c.ASR.SampleRate)
	}
	if c.ASR.VadEOS <= 0 {
		return fmt.Errorf("asr: vad_eos must be positive")
	}
	if c.Queue.MaxConcurrent <= 0 {
		return fmt.Errorf("queue: max_concurrent must be positive")
	}
	if c.Queue.TaskTTLSeconds <= 0 {
		return fmt.Errorf("queue: task_ttl_seconds must be positive")
	}
	return nil
}
