package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestEnvironmentVariableExpansion(t *testing.T) {
	testCases := []struct {
		name       string
		envVars    map[string]string
		yamlConfig string
		validate   func(*testing.T, *Config)
		wantErr    bool
		errMsg     string
	}{
		{
			name: "basic env var expansion",
			envVars: map[string]string{
				"BENCH_API_KEY": "test-key-123",
			},
			yamlConfig: `
workspace:
    api_key: ${BENCH_API_KEY}`,
			validate: func(t *testing.T, c *Config) {
				if c.Workspace.APIKey != "test-key-123" {
					t.Errorf("API key not expanded correctly, got %s, want test-key-123", c.Workspace.APIKey)
				}
			},
		},
		{
			name:    "missing env var",
			envVars: map[string]string{},
			yamlConfig: `
workspace:
    api_key: ${BENCH_MISSING_API_KEY}`,
			validate: func(t *testing.T, c *Config) {
				if c.Workspace.APIKey != "" {
					t.Errorf("Missing env var should expand to empty string, got %s", c.Workspace.APIKey)
				}
			},
		},
		{
			name: "multiple env vars in single value",
			envVars: map[string]string{
				"BENCH_SCHEME": "https",
				"BENCH_HOST":   "api.groq.com",
			},
			yamlConfig: `
workspace:
    base_url: ${BENCH_SCHEME}://${BENCH_HOST}/openai`,
			validate: func(t *testing.T, c *Config) {
				want := "https://api.groq.com/openai"
				if c.Workspace.BaseURL != want {
					t.Errorf("got %s, want %s", c.Workspace.BaseURL, want)
				}
			},
		},
		{
			name:    "default value",
			envVars: map[string]string{},
			yamlConfig: `
workspace:
    model_id: ${BENCH_MODEL:-gpt-4o}`,
			validate: func(t *testing.T, c *Config) {
				if c.Workspace.ModelID != "gpt-4o" {
					t.Errorf("default not applied, got %s", c.Workspace.ModelID)
				}
			},
		},
		{
			name: "empty var takes default",
			envVars: map[string]string{
				"BENCH_MODEL": "",
			},
			yamlConfig: `
workspace:
    model_id: ${BENCH_MODEL:-gpt-4o}`,
			validate: func(t *testing.T, c *Config) {
				if c.Workspace.ModelID != "gpt-4o" {
					t.Errorf("default not applied, got %s", c.Workspace.ModelID)
				}
			},
		},
		{
			name: "nested reference",
			envVars: map[string]string{
				"BENCH_INNER": "o3-mini",
				"BENCH_OUTER": "${BENCH_INNER}",
			},
			yamlConfig: `
workspace:
    model_id: ${BENCH_OUTER}`,
			validate: func(t *testing.T, c *Config) {
				if c.Workspace.ModelID != "o3-mini" {
					t.Errorf("nested reference not expanded, got %s", c.Workspace.ModelID)
				}
			},
		},
		{
			name: "dollar without braces is kept",
			envVars: map[string]string{
				"HOME": "/home/bench",
			},
			yamlConfig: `
workspace:
    api_key: "sk-$HOME"`,
			validate: func(t *testing.T, c *Config) {
				if c.Workspace.APIKey != "sk-$HOME" {
					t.Errorf("bare reference should be literal, got %s", c.Workspace.APIKey)
				}
			},
		},
		{
			name:    "unterminated reference",
			envVars: map[string]string{},
			yamlConfig: `
workspace:
    api_key: ${BENCH_API_KEY`,
			wantErr: true,
			errMsg:  "unterminated variable reference",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.envVars {
				t.Setenv(k, v)
			}

			config, err := Load(strings.NewReader(tc.yamlConfig))
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !strings.Contains(err.Error(), tc.errMsg) {
					t.Errorf("unexpected error: got %v, want %s", err, tc.errMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tc.validate(t, config)
		})
	}
}

func TestConfigValidationWithEnvVars(t *testing.T) {
	t.Setenv("BENCH_PORT", "70000")

	_, err := Load(strings.NewReader(`
server:
    port: ${BENCH_PORT}`))
	if err == nil || !strings.Contains(err.Error(), "invalid port") {
		t.Errorf("expected invalid port error, got %v", err)
	}
}

func TestConfigReloadWithEnvVars(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	initialConfig := `
workspace:
    api_key: ${BENCH_RELOAD_KEY}
    model_id: ${BENCH_RELOAD_MODEL:-gpt-4o-mini}`

	if err := os.WriteFile(configPath, []byte(initialConfig), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("BENCH_RELOAD_KEY", "initial-key")
	config, err := LoadFile(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if config.Workspace.APIKey != "initial-key" {
		t.Error("Initial environment variable not loaded")
	}

	t.Setenv("BENCH_RELOAD_KEY", "new-key")
	newConfig, err := LoadFile(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if newConfig.Workspace.APIKey != "new-key" {
		t.Error("Environment variable not updated during reload")
	}
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "open config file") {
		t.Errorf("expected open error, got %v", err)
	}
}

func TestConfigWatcher(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("server:\n  port: 8081\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cw, err := NewConfigWatcher(configPath, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("create watcher: %v", err)
	}
	defer cw.Close()

	if cw.GetCurrentConfig().Server.Port != 8081 {
		t.Fatalf("unexpected initial port: %d", cw.GetCurrentConfig().Server.Port)
	}

	updates := cw.Subscribe()

	if err := os.WriteFile(configPath, []byte("server:\n  port: 8082\n"), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case cfg := <-updates:
			if cfg.Server.Port == 8082 {
				if cw.GetCurrentConfig().Server.Port != 8082 {
					t.Error("current config not updated")
				}
				return
			}
		case <-deadline:
			t.Fatal("no config update received")
		}
	}
}

func TestConfigWatcherKeepsConfigOnInvalidRevision(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("server:\n  port: -5\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cw := &ConfigWatcher{configPath: configPath, logger: zaptest.NewLogger(t)}
	initial := DefaultConfig()
	cw.currentConfig.Store(initial)
	updates := cw.Subscribe()

	cw.handleConfigChange()

	if cw.GetCurrentConfig() != initial {
		t.Error("invalid revision replaced config")
	}
	select {
	case cfg := <-updates:
		t.Errorf("unexpected update: %+v", cfg.Server)
	default:
	}
}

func TestConfigWatcherClose(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, nil, 0644); err != nil {
		t.Fatal(err)
	}

	cw, err := NewConfigWatcher(configPath, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	updates := cw.Subscribe()

	if err := cw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-updates; ok {
		t.Error("subscriber channel should be closed")
	}
	if err := cw.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
	if _, ok := <-cw.Subscribe(); ok {
		t.Error("subscribing after close should return a closed channel")
	}
}
