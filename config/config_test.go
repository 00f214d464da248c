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

package config_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blinklabs-io/gochain"
	"github.com/blinklabs-io/gochain/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gochain.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	t.Setenv(config.EnvConfigPath, "")
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.Default(), *cfg)
	assert.Equal(t, "mainnet", cfg.Network)
	assert.Equal(t, uint64(100), cfg.Sync.MaxReorgDepth)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
network: devnet
listen: 127.0.0.1:4000
peers:
  - 10.0.0.1:3001
  - 10.0.0.2:3001
storage:
  backend: bolt
  path: /var/lib/gochain
logging:
  level: debug
  format: json
sync:
  batch_size: 50
  request_timeout: 3s
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "devnet", cfg.Network)
	assert.Equal(t, "127.0.0.1:4000", cfg.Listen)
	assert.Equal(t, []string{"10.0.0.1:3001", "10.0.0.2:3001"}, cfg.Peers)
	assert.Equal(t, "bolt", cfg.Storage.Backend)
	assert.Equal(t, "/var/lib/gochain", cfg.Storage.Path)
	assert.Equal(t, uint32(50), cfg.Sync.BatchSize)
	assert.Equal(t, 3*time.Second, cfg.Sync.RequestTimeout)
	// Unset values keep their defaults
	assert.Equal(t, config.Default().Sync.MaxInFlight, cfg.Sync.MaxInFlight)
	assert.Equal(t, config.Default().MaxPeers, cfg.MaxPeers)
}

func TestLoadFileFromEnv(t *testing.T) {
	path := writeConfig(t, "network: testnet\n")
	t.Setenv(config.EnvConfigPath, path)
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "testnet", cfg.Network)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "network: testnet\nmax_peers: 5\n")
	t.Setenv("GOCHAIN_NETWORK", "devnet")
	t.Setenv("GOCHAIN_PEERS", "a:1, b:2,")
	t.Setenv("GOCHAIN_SYNC_BATCH_SIZE", "25")
	t.Setenv("GOCHAIN_SYNC_BAN_DURATION", "1h")
	t.Setenv("GOCHAIN_STATUS_ADDR", ":8080")
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "devnet", cfg.Network)
	assert.Equal(t, 5, cfg.MaxPeers)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Peers)
	assert.Equal(t, uint32(25), cfg.Sync.BatchSize)
	assert.Equal(t, time.Hour, cfg.Sync.BanDuration)
	assert.Equal(t, ":8080", cfg.StatusAddr)
}

func TestLoadErrors(t *testing.T) {
	testDefs := []struct {
		name    string
		content string
		env     map[string]string
	}{
		{name: "unknown network", content: "network: nope\n"},
		{name: "unknown field", content: "networks: devnet\n"},
		{name: "bolt without path", content: "storage:\n  backend: bolt\n"},
		{name: "unknown backend", content: "storage:\n  backend: leveldb\n  path: x\n"},
		{name: "bad log level", content: "logging:\n  level: loud\n"},
		{name: "bad log format", content: "logging:\n  format: xml\n"},
		{name: "batch too large", content: "sync:\n  batch_size: 501\n"},
		{name: "bad duration env", env: map[string]string{"GOCHAIN_SYNC_REQUEST_TIMEOUT": "soon"}},
		{name: "bad int env", env: map[string]string{"GOCHAIN_MAX_PEERS": "many"}},
	}
	for _, testDef := range testDefs {
		t.Run(testDef.name, func(t *testing.T) {
			for k, v := range testDef.env {
				t.Setenv(k, v)
			}
			_, err := config.Load(writeConfig(t, testDef.content))
			require.Error(t, err)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := config.LoggingConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "component", "test")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"component":"test"`)
}

func TestNodeOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Network = "devnet"
	n, err := gochain.New(cfg.NodeOptions(nil)...)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, n.Stop())
	}()
	assert.Equal(t, gochain.NetworkDevnet.Name, n.Network().Name)
	assert.Equal(t, gochain.NetworkDevnet.Genesis().Hash(), n.Chain().Genesis().Hash())
}
