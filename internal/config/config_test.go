package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("Server.Port = %q, expected %q", cfg.Server.Port, "8080")
	}
	if cfg.Sync.DebounceMS != 1000 {
		t.Errorf("Sync.DebounceMS = %d, expected 1000", cfg.Sync.DebounceMS)
	}
	if got := cfg.Policy.DeniedPrefixes["Frontend"]; len(got) != 1 || got[0] != "server/" {
		t.Errorf("Policy.DeniedPrefixes[Frontend] = %v", got)
	}
	if GlobalConfig != cfg {
		t.Error("GlobalConfig should point at the loaded config")
	}
}

func TestLoad_FileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
server:
  port: "9090"
sync:
  debounce_ms: 250
llm:
  default_provider: groq
  providers:
    groq:
      model: llama3-8b-8192
`)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Errorf("Server.Port = %q, expected %q", cfg.Server.Port, "9090")
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, expected default to survive", cfg.Server.Host)
	}
	if cfg.Sync.DebounceMS != 250 {
		t.Errorf("Sync.DebounceMS = %d, expected 250", cfg.Sync.DebounceMS)
	}
	if cfg.Sync.HistoryWindow != 30 {
		t.Errorf("Sync.HistoryWindow = %d, expected 30", cfg.Sync.HistoryWindow)
	}
	if cfg.LLM.DefaultProvider != "groq" {
		t.Errorf("LLM.DefaultProvider = %q", cfg.LLM.DefaultProvider)
	}
	if cfg.LLM.Providers["groq"].Model != "llama3-8b-8192" {
		t.Errorf("groq model = %q", cfg.LLM.Providers["groq"].Model)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("server: [unclosed"), 0644)

	if _, err := Load(path); err == nil {
		t.Error("Load() should fail on invalid YAML")
	}
}

func TestOverrideFromEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", "7000")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("SYNC_DEBOUNCE_MS", "300")
	t.Setenv("GROQ_API_KEY", "gsk-test")
	t.Setenv("OLLAMA_BASE_URL", "http://ollama:11434")
	t.Setenv("SMTP_HOST", "smtp.example.com")

	cfg := DefaultConfig()
	cfg.overrideFromEnv()

	if cfg.Server.Port != "7000" {
		t.Errorf("Server.Port = %q, expected %q", cfg.Server.Port, "7000")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, expected %q", cfg.Log.Level, "debug")
	}
	if cfg.Sync.DebounceMS != 300 {
		t.Errorf("Sync.DebounceMS = %d, expected 300", cfg.Sync.DebounceMS)
	}
	if cfg.LLM.Providers["groq"].APIKey != "gsk-test" {
		t.Errorf("groq api key = %q", cfg.LLM.Providers["groq"].APIKey)
	}
	if cfg.LLM.Providers["ollama"].BaseURL != "http://ollama:11434" {
		t.Errorf("ollama base url = %q", cfg.LLM.Providers["ollama"].BaseURL)
	}
	if !cfg.Email.Enabled || cfg.Email.Host != "smtp.example.com" {
		t.Errorf("Email = %+v, expected SMTP enabled", cfg.Email)
	}
}

func TestParseRedisURL(t *testing.T) {
	tests := []struct {
		url      string
		addr     string
		password string
		db       int
	}{
		{"redis://localhost:6379", "localhost:6379", "", 0},
		{"redis://:secret@redis:6380/2", "redis:6380", "secret", 2},
		{"redis://user:pw@host:6379/0", "host:6379", "pw", 0},
	}

	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.parseRedisURL(tt.url)
		if cfg.Redis.Addr != tt.addr {
			t.Errorf("parseRedisURL(%q) Addr = %q, expected %q", tt.url, cfg.Redis.Addr, tt.addr)
		}
		if cfg.Redis.Password != tt.password {
			t.Errorf("parseRedisURL(%q) Password = %q, expected %q", tt.url, cfg.Redis.Password, tt.password)
		}
		if cfg.Redis.DB != tt.db {
			t.Errorf("parseRedisURL(%q) DB = %d, expected %d", tt.url, cfg.Redis.DB, tt.db)
		}
	}
}
