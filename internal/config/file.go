package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a YAML config file over cfg. Keys absent from the file
// keep cfg's values. Durations are written as "5s".
//
//	stats_url: http://ingest.local:8081/stats
//	interval: 5s
//	labels:
//	  cam1: Front Door
//	  cam2: "O'Brien: Cam, 1"
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if cfg.Labels == nil {
		cfg.Labels = map[string]string{}
	}
	return nil
}
