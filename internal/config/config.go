// Package config loads settings.yaml and environment overrides for the
// gateway. Missing files fall back to defaults so a bare checkout still runs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// QueueConfig controls the bounded priority queue.
type QueueConfig struct {
	MaxSize              int  `yaml:"max_size"`
	StarvationPrevention bool `yaml:"starvation_prevention"`
	AgingIntervalSec     int  `yaml:"aging_interval_sec"`
	DefaultPriority      int  `yaml:"default_priority"`
}

// AgingInterval returns the aging interval as a duration.
func (q QueueConfig) AgingInterval() time.Duration {
	return time.Duration(q.AgingIntervalSec) * time.Second
}

// Priorities maps request classes to queue priority numbers.
// Lower number = higher importance.
type Priorities struct {
	UI         int `yaml:"ui"`
	Critical   int `yaml:"critical"`
	Standard   int `yaml:"standard"`
	Background int `yaml:"background"`
}

// ModelConfig points at the OpenAI-compatible model runtime.
type ModelConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	EmbeddingModel string `yaml:"embedding_model"`

	// Adapters maps adapter names to runtime model identifiers for hot-swap.
	Adapters map[string]string `yaml:"adapters"`
}

// SweepConfig controls the session sweeper cadence.
type SweepConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	IdleSeconds     int `yaml:"idle_seconds"`

	// Cron, when set, overrides IntervalSeconds with a 5-field cron expression.
	Cron string `yaml:"cron"`
}

// SearchConfig holds web search settings. The API key comes from the
// BRAVE_API_KEY environment variable, never from the file.
type SearchConfig struct {
	LimitsPath string `yaml:"limits_path"`
	UsagePath  string `yaml:"usage_path"`
	ResultK    int    `yaml:"result_k"`
	MaxChars   int    `yaml:"max_chars"`
}

// VectorConfig points at the qdrant instance backing long-term memory.
type VectorConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Collection string `yaml:"collection"`
	Dimension  int    `yaml:"dimension"`
}

// OtelConfig mirrors the tracing block of settings.yaml.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Settings struct {
	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// DatabaseURL is the Postgres DSN for session history.
	// Env override: HALGATE_DB_URL.
	DatabaseURL string `yaml:"database_url"`

	// InferenceLogPath is the sqlite file holding per-stream inference logs.
	InferenceLogPath string `yaml:"inference_log_path"`

	// TelemetryCmd is an optional hardware telemetry binary emitting
	// line-delimited JSON (e.g. "macmon pipe"). Empty disables GPU stats.
	TelemetryCmd []string `yaml:"telemetry_cmd"`

	Queue      QueueConfig  `yaml:"queue"`
	Priorities Priorities   `yaml:"priorities"`
	Model      ModelConfig  `yaml:"model"`
	Sweep      SweepConfig  `yaml:"sweep"`
	Search     SearchConfig `yaml:"search"`
	Vector     VectorConfig `yaml:"vector"`
	Otel       OtelConfig   `yaml:"otel"`
}

func defaults() Settings {
	return Settings{
		BindAddr:         "127.0.0.1:8000",
		LogLevel:         "info",
		DatabaseURL:      "postgres://localhost:5432/halgate_history",
		InferenceLogPath: "data/inference_logs.db",
		Queue: QueueConfig{
			MaxSize:              100,
			StarvationPrevention: true,
			AgingIntervalSec:     60,
			DefaultPriority:      10,
		},
		Priorities: Priorities{UI: 0, Critical: 1, Standard: 10, Background: 20},
		Model: ModelConfig{
			BaseURL:        "http://localhost:11434/v1",
			Model:          "qwen2.5-14b-instruct",
			EmbeddingModel: "all-minilm",
		},
		Sweep:  SweepConfig{IntervalSeconds: 1800, IdleSeconds: 600},
		Search: SearchConfig{
			LimitsPath: "data/brave_search_limits.json",
			UsagePath:  "data/brave_search_usage.json",
			ResultK:    3,
			MaxChars:   25000,
		},
		Vector: VectorConfig{
			Host:       "localhost",
			Port:       6334,
			Collection: "knowledge",
			Dimension:  384,
		},
		Otel: OtelConfig{Exporter: "none"},
	}
}

// Load reads settings from the given path, falling back to defaults when the
// file is absent, then applies environment overrides.
func Load(path string) (Settings, error) {
	s := defaults()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults only.
	case err != nil:
		return Settings{}, fmt.Errorf("read settings: %w", err)
	default:
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("parse settings: %w", err)
		}
	}

	applyEnv(&s)
	if err := s.validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func applyEnv(s *Settings) {
	if v := os.Getenv("HALGATE_DB_URL"); v != "" {
		s.DatabaseURL = v
	}
	if v := os.Getenv("HALGATE_BIND_ADDR"); v != "" {
		s.BindAddr = v
	}
	if v := os.Getenv("HALGATE_MODEL_URL"); v != "" {
		s.Model.BaseURL = v
	}
	if v := os.Getenv("HALGATE_MODEL"); v != "" {
		s.Model.Model = v
	}
	if v := os.Getenv("HALGATE_LOG_LEVEL"); v != "" {
		s.LogLevel = v
	}
	if v := os.Getenv("HALGATE_QUEUE_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.Queue.MaxSize = n
		}
	}
}

func (s *Settings) validate() error {
	if s.Queue.MaxSize <= 0 {
		return fmt.Errorf("queue.max_size must be positive, got %d", s.Queue.MaxSize)
	}
	if s.Queue.AgingIntervalSec <= 0 {
		return fmt.Errorf("queue.aging_interval_sec must be positive, got %d", s.Queue.AgingIntervalSec)
	}
	if s.Queue.DefaultPriority < 0 {
		return fmt.Errorf("queue.default_priority must be >= 0, got %d", s.Queue.DefaultPriority)
	}
	if s.Sweep.IntervalSeconds <= 0 {
		s.Sweep.IntervalSeconds = 1800
	}
	if s.Sweep.IdleSeconds <= 0 {
		s.Sweep.IdleSeconds = 600
	}
	return nil
}
