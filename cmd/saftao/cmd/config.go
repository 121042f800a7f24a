package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvConfig names the engine config file when no flag is given
const EnvConfig = "SAFTAO_CONFIG"

// EngineConfig is the optional YAML engine configuration
type EngineConfig struct {
	Profile     string `yaml:"profile"`
	TotalsOrder string `yaml:"totals_order"`
	OutputDir   string `yaml:"output_dir"`
	XSD         string `yaml:"xsd"`
	Rules       string `yaml:"rules"`
	Customers   string `yaml:"customers"`
	History     string `yaml:"history"`
}

// LoadEngineConfig reads a YAML engine config. Relative paths inside the
// file resolve against its directory.
func LoadEngineConfig(path string) (*EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg EngineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, errors.New("config " + path + " is empty")
	}

	base := filepath.Dir(path)
	for _, p := range []*string{&cfg.OutputDir, &cfg.XSD, &cfg.Rules, &cfg.Customers, &cfg.History} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	return &cfg, nil
}
