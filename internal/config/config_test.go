package config

import (
	"strings"
	"testing"
)

// mapBackend is an in-memory ConfigBackend for tests.
type mapBackend struct {
	data map[string]any
}

func newMapBackend() *mapBackend {
	return &mapBackend{data: make(map[string]any)}
}

func (b *mapBackend) GetString(key string) (string, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return "", false, nil
	}
	return v.(string), true, nil
}

func (b *mapBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return 0, false, nil
	}
	return v.(int), true, nil
}

func (b *mapBackend) SetString(key, val string) error { b.data[key] = val; return nil }
func (b *mapBackend) SetInt(key string, val int) error {
	b.data[key] = val
	return nil
}
func (b *mapBackend) Delete(key string) error { delete(b.data, key); return nil }

func isolate(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("XDG_DATA_HOME", dir)
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	t.Setenv("EIDOS_OPENROUTER_API_KEY", "sk-test")

	cfg, err := loadWith(newMapBackend())
	if err != nil {
		t.Fatalf("loadWith() error: %v", err)
	}
	if cfg.Server.Port != 4600 {
		t.Errorf("Port = %d, want 4600", cfg.Server.Port)
	}
	if cfg.Worker.PollInterval != "2s" || cfg.Worker.ClaimTTL != "10m" {
		t.Errorf("worker defaults = %+v", cfg.Worker)
	}
	if cfg.Knowledge.LearningRate != 0.30 || cfg.Knowledge.ExamLearningRate != 0.15 {
		t.Errorf("knowledge defaults = %+v", cfg.Knowledge)
	}
	if cfg.Provider.OpenRouterAPIKey != "sk-test" {
		t.Errorf("api key = %q", cfg.Provider.OpenRouterAPIKey)
	}
}

func TestLoadBackendValues(t *testing.T) {
	isolate(t)
	t.Setenv("EIDOS_OPENROUTER_API_KEY", "sk-test")

	b := newMapBackend()
	b.data["server.port"] = 9000
	b.data["worker.poll_interval"] = "500ms"
	b.data["knowledge.learning_rate"] = "0.5"

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("loadWith() error: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Worker.PollInterval != "500ms" {
		t.Errorf("PollInterval = %q", cfg.Worker.PollInterval)
	}
	if cfg.Knowledge.LearningRate != 0.5 {
		t.Errorf("LearningRate = %v, want 0.5", cfg.Knowledge.LearningRate)
	}
}

func TestLoadEnvOverridesBackend(t *testing.T) {
	isolate(t)
	t.Setenv("EIDOS_OPENROUTER_API_KEY", "sk-test")
	t.Setenv("EIDOS_SERVER_PORT", "7777")

	b := newMapBackend()
	b.data["server.port"] = 9000

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("loadWith() error: %v", err)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("Port = %d, want env override 7777", cfg.Server.Port)
	}
}

func TestLoadRequiresAPIKey(t *testing.T) {
	isolate(t)

	_, err := loadWith(newMapBackend())
	if err == nil {
		t.Fatal("expected error without API key")
	}
	if !strings.Contains(err.Error(), "EIDOS_OPENROUTER_API_KEY") {
		t.Errorf("error %q should name the env var", err)
	}
}

func TestLoadRejectsBadDurations(t *testing.T) {
	isolate(t)
	t.Setenv("EIDOS_OPENROUTER_API_KEY", "sk-test")
	t.Setenv("EIDOS_WORKER_POLL_INTERVAL", "soon")

	if _, err := loadWith(newMapBackend()); err == nil {
		t.Error("expected error for unparseable poll interval")
	}
}

func TestGetAPITokenStable(t *testing.T) {
	isolate(t)

	first, err := GetAPIToken()
	if err != nil {
		t.Fatalf("GetAPIToken() error: %v", err)
	}
	if len(first) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(first))
	}

	second, err := GetAPIToken()
	if err != nil {
		t.Fatalf("second GetAPIToken() error: %v", err)
	}
	if first != second {
		t.Error("token changed between calls; must be persisted")
	}
}

func TestSetKeyRejectsSecretsAndUnknown(t *testing.T) {
	isolate(t)

	if err := SetKey("provider.openrouter_api_key", "sk-leak"); err == nil {
		t.Error("expected error setting a secret key")
	}
	if err := SetKey("nope.nope", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Provider.OpenRouterAPIKey = "sk-secret"

	for _, info := range ShowAll(cfg) {
		if strings.Contains(info.Value, "sk-secret") {
			t.Errorf("secret leaked via %s", info.Key)
		}
	}
}
