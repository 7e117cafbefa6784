package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/artpar/levelgate/config"
	"github.com/artpar/levelgate/ports"
)

const minimalManifest = `{
	"sublevels": {
		"users": {
			"methods": {
				"get": {"type": "store", "op": "get"},
				"put": {"type": "store", "op": "put"}
			}
		}
	}
}`

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func testConfig(manifestPath string) *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{Host: "127.0.0.1", Port: 0},
		Store:    config.StoreConfig{Driver: "memory", LiveBuffer: 64},
		Manifest: config.ManifestConfig{Path: manifestPath},
		Logging:  config.LoggingConfig{Level: "error", Format: "json"},
	}
}

func TestNew_WiresApp(t *testing.T) {
	cfg := testConfig(writeManifest(t, minimalManifest))

	a, err := New(cfg, Options{Metrics: ports.NopMetrics{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown()

	if a.Dispatcher == nil || a.HTTPServer == nil || a.Provider == nil {
		t.Fatal("app not fully wired")
	}
	if _, ok := a.Dispatcher.Manifest().Sublevel([]string{"users"}); !ok {
		t.Error("manifest missing users sublevel")
	}
}

func TestNew_BadManifestFails(t *testing.T) {
	cfg := testConfig(writeManifest(t, `{"sublevels": {"users": {"methods": {"x": {"type": "wat"}}}}}`))

	if _, err := New(cfg, Options{Metrics: ports.NopMetrics{}}); err == nil {
		t.Fatal("New accepted a malformed manifest")
	}
}

func TestNew_MissingManifestFileFails(t *testing.T) {
	cfg := testConfig(filepath.Join(t.TempDir(), "absent.json"))

	if _, err := New(cfg, Options{Metrics: ports.NopMetrics{}}); err == nil {
		t.Fatal("New accepted a missing manifest file")
	}
}

func TestNew_UnknownDriverFails(t *testing.T) {
	cfg := testConfig(writeManifest(t, minimalManifest))
	cfg.Store.Driver = "postgres"

	if _, err := New(cfg, Options{Metrics: ports.NopMetrics{}}); err == nil {
		t.Fatal("New accepted unknown store driver")
	}
}

func TestReloadManifest_SwapsRoutes(t *testing.T) {
	path := writeManifest(t, minimalManifest)
	cfg := testConfig(path)

	a, err := New(cfg, Options{Metrics: ports.NopMetrics{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown()

	next := `{
		"sublevels": {
			"posts": {
				"methods": {
					"get": {"type": "store", "op": "get"}
				}
			}
		}
	}`
	if err := os.WriteFile(path, []byte(next), 0o644); err != nil {
		t.Fatalf("rewrite manifest: %v", err)
	}
	if err := a.reloadManifest(); err != nil {
		t.Fatalf("reloadManifest: %v", err)
	}

	if _, ok := a.Dispatcher.Manifest().Sublevel([]string{"posts"}); !ok {
		t.Error("reloaded manifest missing posts sublevel")
	}
	if _, ok := a.Dispatcher.Manifest().Sublevel([]string{"users"}); ok {
		t.Error("reloaded manifest still has users sublevel")
	}
}

func TestReloadManifest_BadManifestKeepsCurrent(t *testing.T) {
	path := writeManifest(t, minimalManifest)
	cfg := testConfig(path)

	a, err := New(cfg, Options{Metrics: ports.NopMetrics{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown()

	if err := os.WriteFile(path, []byte(`{"sublevels": nope`), 0o644); err != nil {
		t.Fatalf("rewrite manifest: %v", err)
	}
	if err := a.reloadManifest(); err == nil {
		t.Fatal("reloadManifest accepted a broken manifest")
	}

	if _, ok := a.Dispatcher.Manifest().Sublevel([]string{"users"}); !ok {
		t.Error("current manifest was lost on failed reload")
	}
}

func TestHotReload_Watcher(t *testing.T) {
	path := writeManifest(t, minimalManifest)
	cfg := testConfig(path)
	cfg.Manifest.HotReload = true

	a, err := New(cfg, Options{Metrics: ports.NopMetrics{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown()
	a.watcher.Start()

	next := `{
		"sublevels": {
			"posts": {
				"methods": {
					"get": {"type": "store", "op": "get"}
				}
			}
		}
	}`
	if err := os.WriteFile(path, []byte(next), 0o644); err != nil {
		t.Fatalf("rewrite manifest: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := a.Dispatcher.Manifest().Sublevel([]string{"posts"}); ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("watcher did not pick up manifest change")
}

func TestShutdown_ReleasesResources(t *testing.T) {
	cfg := testConfig(writeManifest(t, minimalManifest))

	a, err := New(cfg, Options{Metrics: ports.NopMetrics{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := a.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
