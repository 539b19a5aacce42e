// Package config provides the configuration structure for the narration-service.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
)

// Config file resolution.
const (
	// EnvConfigPath names the environment variable holding the config file path.
	EnvConfigPath = "NARRATION_CONFIG"
	// DefaultConfigPath is used when neither a flag nor EnvConfigPath is set.
	DefaultConfigPath = "project.toml"
)

var (
	// ErrInvalidConfig wraps every validation failure.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrConfigNotFound indicates an explicitly requested config file is missing.
	ErrConfigNotFound = errors.New("configuration file not found")
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL               string `toml:"url"                 env:"NATS_URL"`
	ObjectStoreBucket string `toml:"object_store_bucket"`
	PassSubject       string `toml:"pass_subject"`
}

// StoreConfig describes the object store layout.
type StoreConfig struct {
	SourcesPrefix     string `toml:"sources_prefix"`
	AudioPrefix       string `toml:"audio_prefix"`
	DownloadURLFormat string `toml:"download_url_format"`
}

// LedgerConfig locates the SQLite ledger.
type LedgerConfig struct {
	Path string `toml:"path" env:"LEDGER_PATH"`
	// BusyTimeoutMS is how long one write waits for another process's lock.
	BusyTimeoutMS int `toml:"busy_timeout_ms"`
}

// ExtractionConfig configures the OCR service used for non-text documents.
type ExtractionConfig struct {
	OCRURL         string `toml:"ocr_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// SynthesisConfig configures the speech synthesis provider.
type SynthesisConfig struct {
	BaseURL           string `toml:"base_url"`
	Model             string `toml:"model"`
	Voice             string `toml:"voice"`
	APIKey            string `toml:"api_key"             env:"GEMINI_API_KEY"`
	TimeoutSeconds    int    `toml:"timeout_seconds"`
	RequestsPerMinute int    `toml:"requests_per_minute"`
}

// SchedulerConfig bounds each pass and paces passes in serve mode.
type SchedulerConfig struct {
	BudgetSeconds   int `toml:"budget_seconds"`
	IntervalSeconds int `toml:"interval_seconds"`
}

// ServingConfig configures the HTTP entry point.
type ServingConfig struct {
	Bind string `toml:"bind"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS       NATSConfig       `toml:"nats"`
	Store      StoreConfig      `toml:"store"`
	Ledger     LedgerConfig     `toml:"ledger"`
	Extraction ExtractionConfig `toml:"extraction"`
	Synthesis  SynthesisConfig  `toml:"synthesis"`
	Scheduler  SchedulerConfig  `toml:"scheduler"`
	Serving    ServingConfig    `toml:"serving"`
	Paths      PathsConfig      `toml:"paths"`
}

// Defaults returns a configuration usable against a local NATS server.
func Defaults() Config {
	return Config{
		NATS: NATSConfig{
			URL:               "nats://127.0.0.1:4222",
			ObjectStoreBucket: "NARRATION_FILES",
			PassSubject:       "narration.pass.run",
		},
		Store: StoreConfig{
			SourcesPrefix:     "sources",
			AudioPrefix:       "audio",
			DownloadURLFormat: "/api/artifact?key=%s",
		},
		Ledger:     LedgerConfig{Path: "data/ledger.db", BusyTimeoutMS: 5000},
		Extraction: ExtractionConfig{OCRURL: "http://127.0.0.1:8090", TimeoutSeconds: 120},
		Synthesis: SynthesisConfig{
			BaseURL:           "https://generativelanguage.googleapis.com",
			Model:             "gemini-2.5-flash-preview-tts",
			Voice:             "Kore",
			APIKey:            "",
			TimeoutSeconds:    120,
			RequestsPerMinute: 10,
		},
		Scheduler: SchedulerConfig{BudgetSeconds: 300, IntervalSeconds: 600},
		Serving:   ServingConfig{Bind: "127.0.0.1:8080"},
		Paths:     PathsConfig{BaseLogsDir: "logs"},
	}
}

// Load reads the TOML file at path over Defaults and applies environment overrides. An
// empty path resolves through EnvConfigPath and then DefaultConfigPath; only the implicit
// default may be absent.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	explicit := true
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	if path == "" {
		path = DefaultConfigPath
		explicit = false
	}

	data, err := os.ReadFile(path)

	switch {
	case err == nil:
		unmarshalErr := toml.Unmarshal(data, &cfg)
		if unmarshalErr != nil {
			return nil, fmt.Errorf("failed to parse configuration file '%s': %w", path, unmarshalErr)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
	default:
		return nil, fmt.Errorf("failed to read configuration file '%s': %w", path, err)
	}

	envErr := env.Parse(&cfg)
	if envErr != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", envErr)
	}

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, validateErr
	}

	return &cfg, nil
}

// Validate checks the fields every command relies on. The synthesis key is checked where a
// synthesizer is built, so read-only commands run without one.
func (c *Config) Validate() error {
	var problems []string

	required := []struct{ key, value string }{
		{"nats.url", c.NATS.URL},
		{"nats.object_store_bucket", c.NATS.ObjectStoreBucket},
		{"nats.pass_subject", c.NATS.PassSubject},
		{"store.sources_prefix", c.Store.SourcesPrefix},
		{"store.audio_prefix", c.Store.AudioPrefix},
		{"store.download_url_format", c.Store.DownloadURLFormat},
		{"ledger.path", c.Ledger.Path},
		{"serving.bind", c.Serving.Bind},
		{"paths.base_logs_dir", c.Paths.BaseLogsDir},
	}

	for _, field := range required {
		if strings.TrimSpace(field.value) == "" {
			problems = append(problems, field.key+" is required")
		}
	}

	if strings.Count(c.Store.DownloadURLFormat, "%s") != 1 {
		problems = append(problems, "store.download_url_format must contain exactly one %s")
	}

	if c.Store.SourcesPrefix == c.Store.AudioPrefix {
		problems = append(problems, "store.sources_prefix and store.audio_prefix must differ")
	}

	if c.Scheduler.BudgetSeconds <= 0 {
		problems = append(problems, "scheduler.budget_seconds must be positive")
	}

	if c.Scheduler.IntervalSeconds <= 0 {
		problems = append(problems, "scheduler.interval_seconds must be positive")
	}

	if c.Synthesis.RequestsPerMinute <= 0 {
		problems = append(problems, "synthesis.requests_per_minute must be positive")
	}

	if c.Ledger.BusyTimeoutMS <= 0 {
		problems = append(problems, "ledger.busy_timeout_ms must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}

	return nil
}

// Budget is the per-pass time ceiling.
func (c *Config) Budget() time.Duration {
	return time.Duration(c.Scheduler.BudgetSeconds) * time.Second
}

// Interval is the pause between passes in serve mode.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Scheduler.IntervalSeconds) * time.Second
}

// LedgerBusyTimeout bounds how long one ledger write waits for a lock.
func (c *Config) LedgerBusyTimeout() time.Duration {
	return time.Duration(c.Ledger.BusyTimeoutMS) * time.Millisecond
}

// SynthesisTimeout bounds one provider request.
func (c *Config) SynthesisTimeout() time.Duration {
	return time.Duration(c.Synthesis.TimeoutSeconds) * time.Second
}

// ExtractionTimeout bounds one OCR request.
func (c *Config) ExtractionTimeout() time.Duration {
	return time.Duration(c.Extraction.TimeoutSeconds) * time.Second
}
