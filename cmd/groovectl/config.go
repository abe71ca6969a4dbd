package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/groovelink/groovelink/internal/relay"
)

// groovectl config.toml key mapping to relay runtime settings.
type fileConfig struct {
	ControlListenAddr  string `toml:"control_listen_addr"`
	ClientListenAddr   string `toml:"client_listen_addr"`
	MaxFrameBytes      uint32 `toml:"max_frame_bytes"`
	ImmediateTimeoutMS int64  `toml:"immediate_timeout_ms"`
	DeferredTimeoutMS  int64  `toml:"deferred_timeout_ms"`
}

// groovectl loader for TOML config with default overlay.
func loadRelayConfig(path string) (relay.Config, error) {
	cfg := relay.DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return relay.Config{}, fmt.Errorf("load relay config: %w", err)
	}

	if meta.IsDefined("control_listen_addr") {
		cfg.ControlListenAddr = strings.TrimSpace(raw.ControlListenAddr)
	}
	if meta.IsDefined("client_listen_addr") {
		cfg.ClientListenAddr = strings.TrimSpace(raw.ClientListenAddr)
	}
	if meta.IsDefined("max_frame_bytes") {
		cfg.MaxFrameBytes = raw.MaxFrameBytes
	}
	if meta.IsDefined("immediate_timeout_ms") {
		if raw.ImmediateTimeoutMS <= 0 {
			return relay.Config{}, fmt.Errorf("load relay config: immediate_timeout_ms must be positive")
		}
		cfg.ImmediateTimeout = time.Duration(raw.ImmediateTimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("deferred_timeout_ms") {
		if raw.DeferredTimeoutMS <= 0 {
			return relay.Config{}, fmt.Errorf("load relay config: deferred_timeout_ms must be positive")
		}
		cfg.DeferredTimeout = time.Duration(raw.DeferredTimeoutMS) * time.Millisecond
	}

	if cfg.ControlListenAddr == cfg.ClientListenAddr {
		return relay.Config{}, fmt.Errorf(
			"load relay config: control and client listeners must not share %q",
			cfg.ControlListenAddr,
		)
	}

	return cfg.WithDefaults(), nil
}
