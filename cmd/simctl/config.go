package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/groovelink/groovelink/internal/controller"
)

// simctl config.toml key mapping to agent runtime settings.
type fileConfig struct {
	RelayAddr           string `toml:"relay_addr"`
	ReconnectIntervalMS int64  `toml:"reconnect_interval_ms"`
	SettleDelayMS       int64  `toml:"settle_delay_ms"`
	StepDelayMS         int64  `toml:"step_delay_ms"`
	MaxFrameBytes       uint32 `toml:"max_frame_bytes"`
}

func loadAgentConfig(path string) (controller.AgentConfig, error) {
	cfg := controller.DefaultAgentConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return controller.AgentConfig{}, fmt.Errorf("load agent config: %w", err)
	}

	if meta.IsDefined("relay_addr") {
		cfg.RelayAddr = strings.TrimSpace(raw.RelayAddr)
	}
	if meta.IsDefined("reconnect_interval_ms") {
		if raw.ReconnectIntervalMS <= 0 {
			return controller.AgentConfig{}, fmt.Errorf("load agent config: reconnect_interval_ms must be positive")
		}
		cfg.ReconnectInterval = time.Duration(raw.ReconnectIntervalMS) * time.Millisecond
	}
	if meta.IsDefined("settle_delay_ms") {
		if raw.SettleDelayMS <= 0 {
			return controller.AgentConfig{}, fmt.Errorf("load agent config: settle_delay_ms must be positive")
		}
		cfg.SettleDelay = time.Duration(raw.SettleDelayMS) * time.Millisecond
	}
	if meta.IsDefined("step_delay_ms") {
		if raw.StepDelayMS <= 0 {
			return controller.AgentConfig{}, fmt.Errorf("load agent config: step_delay_ms must be positive")
		}
		cfg.StepDelay = time.Duration(raw.StepDelayMS) * time.Millisecond
	}
	if meta.IsDefined("max_frame_bytes") {
		cfg.MaxFrameBytes = raw.MaxFrameBytes
	}

	return cfg.WithDefaults(), nil
}
