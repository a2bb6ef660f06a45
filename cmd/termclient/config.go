package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	defaultServer  = "ws://localhost:8080/api/ws"
	defaultProfile = "default"
	configDirName  = "termmux"
)

// clientConfig is the YAML file behind the CLI. Flags override it.
type clientConfig struct {
	Server    string `yaml:"server"`
	Token     string `yaml:"token"`
	Profile   string `yaml:"profile"`
	StatePath string `yaml:"state_path"`
	LogFile   string `yaml:"log_file"`
	LogLevel  string `yaml:"log_level"`
}

func configDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(dir, configDirName)
}

func defaultConfigPath() string {
	return filepath.Join(configDir(), "client.yaml")
}

// loadConfig reads path. A missing file yields the defaults.
func loadConfig(path string) (clientConfig, error) {
	var cfg clientConfig

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return cfg, fmt.Errorf("failed to read client config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse client config %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *clientConfig) applyDefaults() {
	if c.Server == "" {
		c.Server = defaultServer
	}
	if c.Profile == "" {
		c.Profile = defaultProfile
	}
	if c.StatePath == "" {
		c.StatePath = filepath.Join(configDir(), "tabs.db")
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}
