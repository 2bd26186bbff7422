package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// probeConfig mirrors the command-line flags so recurring setups can live
// in a file. Flags given explicitly win over the file.
type probeConfig struct {
	Backend string `yaml:"backend"`
	Capture string `yaml:"capture"`
	Count   int    `yaml:"count"`
	VhdrLen int    `yaml:"vhdr_len"`
	Debug   bool   `yaml:"debug"`
}

func defaultConfig() probeConfig {
	return probeConfig{
		Count:   10,
		VhdrLen: 10,
	}
}

func loadConfig(path string) (probeConfig, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.VhdrLen != 10 && cfg.VhdrLen != 12 {
		return cfg, fmt.Errorf("config %s: vhdr_len must be 10 or 12, got %d", path, cfg.VhdrLen)
	}
	return cfg, nil
}
