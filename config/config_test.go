package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/artpar/levelgate/config"
)

func writeAndLoad(t *testing.T, content string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
server:
  host: "127.0.0.1"
  port: 9090
  read_timeout: 15s

store:
  driver: "sqlite"
  dsn: ":memory:"
  live_buffer: 128

manifest:
  path: "manifest.json"
  hot_reload: true

logging:
  level: "debug"
  format: "console"
`

	cfg := writeAndLoad(t, content)

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Host = %s, want 127.0.0.1", cfg.Server.Host)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("Store.Driver = %s, want sqlite", cfg.Store.Driver)
	}
	if cfg.Store.LiveBuffer != 128 {
		t.Errorf("Store.LiveBuffer = %d, want 128", cfg.Store.LiveBuffer)
	}
	if !cfg.Manifest.HotReload {
		t.Error("Manifest.HotReload = false, want true")
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "console" {
		t.Errorf("Logging = %+v, want debug/console", cfg.Logging)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg := writeAndLoad(t, "manifest:\n  path: manifest.json\n")

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Host = %s, want 0.0.0.0", cfg.Server.Host)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Store.Driver = %s, want memory", cfg.Store.Driver)
	}
	if cfg.Store.LiveBuffer != 64 {
		t.Errorf("Store.LiveBuffer = %d, want 64", cfg.Store.LiveBuffer)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want info/json", cfg.Logging)
	}
}

func TestLoad_MissingManifestPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 8080\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, err := config.Load(path)
	if err == nil || !strings.Contains(err.Error(), "manifest.path") {
		t.Fatalf("Load = %v, want manifest.path error", err)
	}
}

func TestLoad_InvalidDriver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "manifest:\n  path: m.json\nstore:\n  driver: postgres\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, err := config.Load(path)
	if err == nil || !strings.Contains(err.Error(), "store.driver") {
		t.Fatalf("Load = %v, want store.driver error", err)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("LEVELGATE_SERVER_PORT", "7070")
	t.Setenv("LEVELGATE_STORE_DRIVER", "sqlite")

	cfg := writeAndLoad(t, "manifest:\n  path: manifest.json\nserver:\n  port: 9090\n")

	if cfg.Server.Port != 7070 {
		t.Errorf("Port = %d, want env override 7070", cfg.Server.Port)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("Store.Driver = %s, want env override sqlite", cfg.Store.Driver)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("LEVELGATE_MANIFEST_PATH", "manifest.json")
	t.Setenv("LEVELGATE_LOG_LEVEL", "warn")

	cfg, err := config.LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Manifest.Path != "manifest.json" {
		t.Errorf("Manifest.Path = %s", cfg.Manifest.Path)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %s, want warn", cfg.Logging.Level)
	}
}

func TestLoadWithFallback_NoConfig(t *testing.T) {
	_, err := config.LoadWithFallback(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("LoadWithFallback = nil error, want failure without env or file")
	}
}
