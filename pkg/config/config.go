// Package config provides configuration loading and management for rtseg.
// It handles loading configuration from YAML files and provides default
// values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"rtseg/pkg/volume"
)

// Config represents the application configuration loaded from YAML.
type Config struct {
	// Solver parameters for the STAPLE consensus run
	Solver struct {
		// MaxIterations bounds the EM loop
		MaxIterations int `yaml:"maxIterations"`

		// Tolerance is the convergence tolerance on the weight sum;
		// 0 keeps the exact-equality stopping rule
		Tolerance float64 `yaml:"tolerance"`
	} `yaml:"solver"`

	// Matching parameters for binding contours to series images
	Matching struct {
		// PositionToleranceFraction is the fraction of the slice spacing
		// within which a nearest-position match is accepted
		PositionToleranceFraction float64 `yaml:"positionToleranceFraction"`
	} `yaml:"matching"`

	// Processing parameters
	Processing struct {
		// NumWorkers specifies how many rater volumes to load in parallel
		NumWorkers int `yaml:"numWorkers"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// SaveConsensusSlices determines whether the consensus volume is
		// exported as a slice image sequence
		SaveConsensusSlices bool `yaml:"saveConsensusSlices"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default solver parameters
	cfg.Solver.MaxIterations = 25
	cfg.Solver.Tolerance = 0

	// Set default matching parameters
	cfg.Matching.PositionToleranceFraction = volume.DefaultPositionToleranceFraction

	// Set default processing parameters
	cfg.Processing.NumWorkers = runtime.NumCPU()

	// Set default output parameters
	cfg.Output.SaveConsensusSlices = false
	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the
// specified path.
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
