// Package config decodes the daemon's on-disk configuration: database and
// checkpoint settings, logging level, and the RPC layer's listen addresses
// and signing key. CLI flags (cmd/daemon/main.go) override whatever a
// config file sets, the same layering db/writer.go's checkpoint and
// logging's Init already assume a caller arranges above them.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon's full ambient configuration.
type Config struct {
	DBPath             string        `yaml:"db_path"`
	Port               int           `yaml:"port"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	LogLevel           string        `yaml:"log_level"`
	DataDir            string        `yaml:"data_dir"`
	FatalErrorDebounce time.Duration `yaml:"fatal_error_debounce"`
	RPC                RPCConfig     `yaml:"rpc"`
}

// RPCConfig configures the worker-dispatch/enrollment RPC layer (§4.8):
// a ROUTER/DEALER pair for worker request/reply and a REP socket for the
// enrollment handshake.
type RPCConfig struct {
	WorkerListenAddr     string        `yaml:"worker_listen_addr"`
	EnrollmentListenAddr string        `yaml:"enrollment_listen_addr"`
	BroadcastListenAddr  string        `yaml:"broadcast_listen_addr"`
	SigningKey           string        `yaml:"signing_key"`
	TokenTTL             time.Duration `yaml:"token_ttl"`
}

// Default returns the configuration used when no config file is given.
func Default() Config {
	return Config{
		DBPath:             "Test.db",
		Port:               7777,
		CheckpointInterval: 5 * time.Minute,
		LogLevel:           "info",
		DataDir:            DefaultDataDir(),
		FatalErrorDebounce: 10 * time.Second,
		RPC: RPCConfig{
			WorkerListenAddr:     "tcp://127.0.0.1:7778",
			EnrollmentListenAddr: "tcp://127.0.0.1:7779",
			BroadcastListenAddr:  "tcp://127.0.0.1:7780",
			TokenTTL:             1 * time.Hour,
		},
	}
}

// Load reads and decodes a YAML config file at path, starting from
// Default() so a partial file only overrides what it sets.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, nil
}

// DefaultDataDir follows the XDG base directory spec on Unix ($XDG_DATA_HOME
// or ~/.local/share, under a "moor" subdirectory) and falls back to the
// working directory's "data" subdirectory elsewhere (e.g. Windows, or any
// platform where UserHomeDir can't resolve a home directory).
func DefaultDataDir() string {
	if runtime.GOOS == "windows" {
		return "data"
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "moor")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "data"
	}
	return filepath.Join(home, ".local", "share", "moor")
}
