package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds the application configuration
type Config struct {
	ChromePath     string `json:"chrome_path"`
	DebuggingPort  int    `json:"debugging_port"`
	RemoteURL      string `json:"remote_url"`
	Headless       bool   `json:"headless"`
	LogLevel       string `json:"log_level"`
	ConnectTimeout int    `json:"connect_timeout_seconds"`
	ActionTimeout  int    `json:"action_timeout_seconds"`
	ContextTimeout int    `json:"context_timeout_ms"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		DebuggingPort:  9222,
		Headless:       true,
		LogLevel:       "info",
		ConnectTimeout: 30,
		ActionTimeout:  15,
		ContextTimeout: 3000,
	}
}

// LoadConfig loads configuration from a file
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If config file doesn't exist, create one with default values
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return nil, fmt.Errorf("failed to create config directory: %w", err)
			}
			data, err := json.MarshalIndent(config, "", "  ")
			if err != nil {
				return nil, fmt.Errorf("failed to marshal default config: %w", err)
			}
			if err := os.WriteFile(path, data, 0644); err != nil {
				return nil, fmt.Errorf("failed to write default config: %w", err)
			}
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveConfig saves the configuration to a file
func SaveConfig(config *Config, path string) error {
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
