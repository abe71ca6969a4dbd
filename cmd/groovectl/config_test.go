package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadRelayConfigDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "config.toml")
	content := `
control_listen_addr = "127.0.0.1:9417"
immediate_timeout_ms = 2500
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := loadRelayConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ControlListenAddr != "127.0.0.1:9417" {
		t.Fatalf("unexpected control addr: %q", cfg.ControlListenAddr)
	}
	if cfg.ClientListenAddr != "127.0.0.1:8418" {
		t.Fatalf("client addr should keep default: %q", cfg.ClientListenAddr)
	}
	if cfg.ImmediateTimeout != 2500*time.Millisecond {
		t.Fatalf("unexpected immediate timeout: %v", cfg.ImmediateTimeout)
	}
	if cfg.DeferredTimeout != 60*time.Second {
		t.Fatalf("deferred timeout should keep default: %v", cfg.DeferredTimeout)
	}
}

func TestLoadRelayConfigRejectsSharedListeners(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(`
control_listen_addr = "127.0.0.1:9000"
client_listen_addr = "127.0.0.1:9000"
`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := loadRelayConfig(path); err == nil {
		t.Fatalf("expected shared listener validation error")
	}
}

func TestLoadRelayConfigRejectsNonPositiveTimeout(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(`deferred_timeout_ms = 0`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := loadRelayConfig(path); err == nil {
		t.Fatalf("expected timeout validation error")
	}
}
