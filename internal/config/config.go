// Package config loads the index server configuration from YAML.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// IndexConfig authorizes one index on the server. Token is the full
// serialized authorization token; the server only ever derives signing
// keys from it and never sends it anywhere.
type IndexConfig struct {
	Token string `yaml:"token"`
}

type Config struct {
	// Listen is the address the HTTP server binds to.
	Listen string `yaml:"listen"`
	// DataDir holds one BadgerDB per index.
	DataDir string `yaml:"dataDir"`
	// EntryCiphertextLen is the fixed ciphertext length of entry-table
	// values, excluding nonce and tag.
	EntryCiphertextLen int `yaml:"entryCiphertextLen"`
	// ChainCiphertextLen is the fixed ciphertext length of chain-table
	// values; chains may use a different length than entries.
	ChainCiphertextLen int `yaml:"chainCiphertextLen"`
	// Indexes lists the authorized indexes.
	Indexes []IndexConfig `yaml:"indexes"`
}

// Load reads path and applies defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	var conf Config
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	if conf.Listen == "" {
		conf.Listen = ":4242"
	}
	if conf.DataDir == "" {
		conf.DataDir = "data"
	}
	if conf.EntryCiphertextLen <= 0 {
		return Config{}, fmt.Errorf("entryCiphertextLen must be positive, got %d", conf.EntryCiphertextLen)
	}
	if conf.ChainCiphertextLen <= 0 {
		return Config{}, fmt.Errorf("chainCiphertextLen must be positive, got %d", conf.ChainCiphertextLen)
	}
	if len(conf.Indexes) == 0 {
		return Config{}, fmt.Errorf("at least one index must be configured")
	}
	return conf, nil
}
