package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Provider  ProviderConfig
	Worker    WorkerConfig
	Knowledge KnowledgeConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type ProviderConfig struct {
	OpenRouterAPIKey string
	Model            string
}

type WorkerConfig struct {
	PollInterval string
	ClaimTTL     string
}

// KnowledgeConfig exposes the mastery-update tunables. The exam rate is
// deliberately below the practice rate; see the updater for why.
type KnowledgeConfig struct {
	LearningRate     float64
	ExamLearningRate float64
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Provider: ProviderConfig{
			Model: "anthropic/claude-3.5-sonnet",
		},
		Worker: WorkerConfig{
			PollInterval: "2s",
			ClaimTTL:     "10m",
		},
		Knowledge: KnowledgeConfig{
			LearningRate:     0.30,
			ExamLearningRate: 0.15,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/eidos/config.json, then applies EIDOS_* environment
// overrides. The OpenRouter API key is required and only ever comes from
// the environment or the secrets file, never the config file.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Provider.OpenRouterAPIKey == "" {
		if key, err := secretGet("eidos", "openrouter_api_key"); err == nil && key != "" {
			cfg.Provider.OpenRouterAPIKey = key
		}
	}
	if cfg.Provider.OpenRouterAPIKey == "" {
		return Config{}, fmt.Errorf("missing required config: OpenRouter API key. " +
			"Set it via environment variable EIDOS_OPENROUTER_API_KEY")
	}

	if _, err := cfg.Worker.Poll(); err != nil {
		return Config{}, err
	}
	if _, err := cfg.Worker.TTL(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Poll parses the worker poll interval.
func (w WorkerConfig) Poll() (time.Duration, error) {
	d, err := time.ParseDuration(w.PollInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid worker.poll_interval %q: %w", w.PollInterval, err)
	}
	return d, nil
}

// TTL parses the worker claim TTL.
func (w WorkerConfig) TTL() (time.Duration, error) {
	d, err := time.ParseDuration(w.ClaimTTL)
	if err != nil {
		return 0, fmt.Errorf("invalid worker.claim_ttl %q: %w", w.ClaimTTL, err)
	}
	return d, nil
}
