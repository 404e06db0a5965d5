// Package config loads the engine's tunables from an optional YAML file,
// the way uber-kraken loads each service's *Config struct via yaml.v2,
// falling back to sensible defaults when no file is given.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds every tunable the engine's components accept at
// construction time.
type Config struct {
	PipelineDepth    int           `yaml:"pipeline_depth"`
	BlockSize        int           `yaml:"block_size"`
	MetadataPieceSize int          `yaml:"metadata_piece_size"`
	PeerTimeout      time.Duration `yaml:"peer_timeout"`
	TrackerTimeout   time.Duration `yaml:"tracker_timeout"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	MaxPeers         int           `yaml:"max_peers"`
	ListenPort       uint16        `yaml:"listen_port"`
}

// Default returns the standard defaults: pipeline depth 8, 16KiB blocks
// and metadata pieces, 60s peer timeout, 10s tracker timeout.
func Default() Config {
	return Config{
		PipelineDepth:     8,
		BlockSize:         16 * 1024,
		MetadataPieceSize: 16 * 1024,
		PeerTimeout:       60 * time.Second,
		TrackerTimeout:    10 * time.Second,
		DialTimeout:       5 * time.Second,
		MaxPeers:          50,
		ListenPort:        6881,
	}
}

// Load reads a YAML config file at path, merging it over the defaults. A
// field absent from the file keeps its default value.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
