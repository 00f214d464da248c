// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads node configuration from defaults, an optional YAML
// file and GOCHAIN_* environment variables, in that order
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/blinklabs-io/gochain"
	"github.com/blinklabs-io/gochain/chain"
	"github.com/blinklabs-io/gochain/database"
	"github.com/blinklabs-io/gochain/protocol"
	"github.com/blinklabs-io/gochain/syncer"
	"gopkg.in/yaml.v3"
)

const (
	EnvPrefix     = "GOCHAIN_"
	EnvConfigPath = EnvPrefix + "CONFIG"
)

type Config struct {
	Network             string        `yaml:"network"`
	Listen              string        `yaml:"listen"`
	Peers               []string      `yaml:"peers"`
	MaxPeers            int           `yaml:"max_peers"`
	StatusAddr          string        `yaml:"status_addr"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	Storage             StorageConfig `yaml:"storage"`
	Logging             LoggingConfig `yaml:"logging"`
	Sync                SyncConfig    `yaml:"sync"`
}

type StorageConfig struct {
	Backend string `yaml:"backend"` // memory, bolt or pebble
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

type SyncConfig struct {
	BatchSize      uint32        `yaml:"batch_size"`
	MaxInFlight    int           `yaml:"max_in_flight"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	MaxReorgDepth  uint64        `yaml:"max_reorg_depth"`
	BanThreshold   int           `yaml:"ban_threshold"`
	BanDuration    time.Duration `yaml:"ban_duration"`
	MaxBanDuration time.Duration `yaml:"max_ban_duration"`
}

// Default returns the configuration used when nothing is overridden
func Default() Config {
	return Config{
		Network:             gochain.NetworkMainnet.Name,
		Listen:              "0.0.0.0:3001",
		MaxPeers:            64,
		MaintenanceInterval: gochain.DefaultMaintenanceInterval,
		Storage: StorageConfig{
			Backend: database.BackendMemory,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Sync: SyncConfig{
			BatchSize:      syncer.DefaultBatchSize,
			MaxInFlight:    syncer.DefaultMaxInFlight,
			RequestTimeout: syncer.DefaultRequestTimeout,
			MaxRetries:     syncer.DefaultMaxRetries,
			MaxReorgDepth:  chain.DefaultMaxReorgDepth,
			BanThreshold:   syncer.DefaultBanThreshold,
			BanDuration:    syncer.DefaultBanDuration,
			MaxBanDuration: syncer.DefaultMaxBanDuration,
		},
	}
}

// Load builds the configuration. The file at path, or at $GOCHAIN_CONFIG when
// path is empty, is applied over the defaults and the environment over both
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()
	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	setString := func(key string, dst *string) {
		if value, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = value
		}
	}
	setInt := func(key string, dst *int) {
		if value, ok := os.LookupEnv(EnvPrefix + key); ok {
			i, err := strconv.Atoi(value)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = i
		}
	}
	setUint := func(key string, bits int, dst func(uint64)) {
		if value, ok := os.LookupEnv(EnvPrefix + key); ok {
			i, err := strconv.ParseUint(value, 10, bits)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			dst(i)
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if value, ok := os.LookupEnv(EnvPrefix + key); ok {
			d, err := time.ParseDuration(value)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}
	setString("NETWORK", &c.Network)
	setString("LISTEN", &c.Listen)
	if value, ok := os.LookupEnv(EnvPrefix + "PEERS"); ok {
		c.Peers = nil
		for _, peer := range strings.Split(value, ",") {
			if peer = strings.TrimSpace(peer); peer != "" {
				c.Peers = append(c.Peers, peer)
			}
		}
	}
	setInt("MAX_PEERS", &c.MaxPeers)
	setString("STATUS_ADDR", &c.StatusAddr)
	setDuration("MAINTENANCE_INTERVAL", &c.MaintenanceInterval)
	setString("STORAGE_BACKEND", &c.Storage.Backend)
	setString("STORAGE_PATH", &c.Storage.Path)
	setString("LOG_LEVEL", &c.Logging.Level)
	setString("LOG_FORMAT", &c.Logging.Format)
	setUint("SYNC_BATCH_SIZE", 32, func(v uint64) { c.Sync.BatchSize = uint32(v) })
	setInt("SYNC_MAX_IN_FLIGHT", &c.Sync.MaxInFlight)
	setDuration("SYNC_REQUEST_TIMEOUT", &c.Sync.RequestTimeout)
	setInt("SYNC_MAX_RETRIES", &c.Sync.MaxRetries)
	setUint("SYNC_MAX_REORG_DEPTH", 64, func(v uint64) { c.Sync.MaxReorgDepth = v })
	setInt("SYNC_BAN_THRESHOLD", &c.Sync.BanThreshold)
	setDuration("SYNC_BAN_DURATION", &c.Sync.BanDuration)
	setDuration("SYNC_MAX_BAN_DURATION", &c.Sync.MaxBanDuration)
	return errors.Join(errs...)
}

// Validate checks values that would otherwise fail later when the node starts
func (c *Config) Validate() error {
	if gochain.NetworkByName(c.Network) == gochain.NetworkInvalid {
		return fmt.Errorf("unknown network: %q", c.Network)
	}
	switch c.Storage.Backend {
	case database.BackendMemory, "":
	case database.BackendBolt, database.BackendPebble:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage backend %q requires a path", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("unknown storage backend: %q", c.Storage.Backend)
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format: %q", c.Logging.Format)
	}
	if c.Sync.BatchSize == 0 {
		return errors.New("sync batch size must be positive")
	}
	if c.Sync.BatchSize > protocol.MaxBlocksPerResponse {
		return fmt.Errorf("sync batch size cannot exceed %d blocks", protocol.MaxBlocksPerResponse)
	}
	if c.Sync.MaxInFlight <= 0 {
		return errors.New("sync max in flight must be positive")
	}
	if c.Sync.RequestTimeout <= 0 {
		return errors.New("sync request timeout must be positive")
	}
	if c.Sync.MaxReorgDepth == 0 {
		return errors.New("max reorg depth must be positive")
	}
	if c.MaintenanceInterval <= 0 {
		return errors.New("maintenance interval must be positive")
	}
	return nil
}

func parseLevel(level string) (slog.Level, error) {
	var ret slog.Level
	if err := ret.UnmarshalText([]byte(level)); err != nil {
		return ret, fmt.Errorf("unknown log level: %q", level)
	}
	return ret, nil
}

// NewLogger builds the process logger writing to w
func (c LoggingConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// NodeOptions translates the configuration into node options
func (c *Config) NodeOptions(logger *slog.Logger) []gochain.NodeOptionFunc {
	return []gochain.NodeOptionFunc{
		gochain.WithNetwork(gochain.NetworkByName(c.Network)),
		gochain.WithStorage(c.Storage.Backend, c.Storage.Path),
		gochain.WithLogger(logger),
		gochain.WithPeers(c.Peers...),
		gochain.WithMaxPeers(c.MaxPeers),
		gochain.WithMaintenanceInterval(c.MaintenanceInterval),
		gochain.WithChainOptions(
			chain.WithMaxReorgDepth(c.Sync.MaxReorgDepth),
		),
		gochain.WithSyncOptions(
			syncer.WithBatchSize(c.Sync.BatchSize),
			syncer.WithMaxInFlight(c.Sync.MaxInFlight),
			syncer.WithRequestTimeout(c.Sync.RequestTimeout, c.Sync.MaxRetries),
			syncer.WithMaxReorgDepth(c.Sync.MaxReorgDepth),
			syncer.WithBans(c.Sync.BanThreshold, c.Sync.BanDuration, c.Sync.MaxBanDuration),
		),
	}
}
