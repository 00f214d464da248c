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

package gochain

import (
	"log/slog"
	"net"
	"time"

	"github.com/blinklabs-io/gochain/chain"
	"github.com/blinklabs-io/gochain/consensus"
	"github.com/blinklabs-io/gochain/database"
	"github.com/blinklabs-io/gochain/mempool"
	"github.com/blinklabs-io/gochain/protocol/keepalive"
	"github.com/blinklabs-io/gochain/syncer"
	"github.com/prometheus/client_golang/prometheus"
)

// NodeOptionFunc is a type that represents functions that modify the Node config
type NodeOptionFunc func(*Node)

// WithNetwork specifies the network the node joins
func WithNetwork(network Network) NodeOptionFunc {
	return func(n *Node) {
		n.network = network
	}
}

// WithDatabase specifies an already opened database. The caller keeps
// ownership and must close it after the node stops
func WithDatabase(db database.Database) NodeOptionFunc {
	return func(n *Node) {
		n.db = db
	}
}

// WithStorage specifies the storage backend ("memory", "bolt" or "pebble")
// and its data directory. The node opens and closes the database itself
func WithStorage(backend string, path string) NodeOptionFunc {
	return func(n *Node) {
		n.storageBackend = backend
		n.storagePath = path
	}
}

func WithLogger(logger *slog.Logger) NodeOptionFunc {
	return func(n *Node) {
		n.logger = logger
	}
}

func WithClock(clock consensus.Clock) NodeOptionFunc {
	return func(n *Node) {
		n.clock = clock
	}
}

// WithErrorChan specifies the channel fatal errors are reported on
func WithErrorChan(errorChan chan error) NodeOptionFunc {
	return func(n *Node) {
		n.errorChan = errorChan
	}
}

// WithPipelineWorkers specifies the number of block precheck workers
func WithPipelineWorkers(workers int) NodeOptionFunc {
	return func(n *Node) {
		n.pipelineWorkers = workers
	}
}

// WithChainOptions passes extra options to the chain store
func WithChainOptions(options ...chain.ChainStoreOptionFunc) NodeOptionFunc {
	return func(n *Node) {
		n.chainOptions = append(n.chainOptions, options...)
	}
}

// WithSyncOptions passes extra options to the sync manager
func WithSyncOptions(options ...syncer.SyncOptionFunc) NodeOptionFunc {
	return func(n *Node) {
		n.syncOptions = append(n.syncOptions, options...)
	}
}

// WithMempoolOptions passes extra options to the transaction pool
func WithMempoolOptions(options ...mempool.MempoolOptionFunc) NodeOptionFunc {
	return func(n *Node) {
		n.mempoolOptions = append(n.mempoolOptions, options...)
	}
}

// WithKeepAliveConfig specifies the KeepAlive config used for every session
func WithKeepAliveConfig(cfg keepalive.Config) NodeOptionFunc {
	return func(n *Node) {
		n.keepAliveConfig = &cfg
	}
}

func WithHandshakeTimeout(timeout time.Duration) NodeOptionFunc {
	return func(n *Node) {
		n.handshakeTimeout = timeout
	}
}

// WithMaxPeers limits the number of concurrent sessions
func WithMaxPeers(maxPeers int) NodeOptionFunc {
	return func(n *Node) {
		n.maxPeers = maxPeers
	}
}

// WithBanKeyFunc specifies how remote addresses map to ban keys. The default
// bans by host
func WithBanKeyFunc(banKeyFunc func(net.Addr) string) NodeOptionFunc {
	return func(n *Node) {
		n.banKeyFunc = banKeyFunc
	}
}

// WithPeers specifies addresses dialed when the node starts
func WithPeers(addrs ...string) NodeOptionFunc {
	return func(n *Node) {
		n.peers = append(n.peers, addrs...)
	}
}

// WithRegistry specifies the registry the node metrics are registered with.
// Each node gets its own registry by default
func WithRegistry(registry *prometheus.Registry) NodeOptionFunc {
	return func(n *Node) {
		n.registry = registry
	}
}

// WithMaintenanceInterval specifies how often the chain is pruned and the
// transaction pool expired
func WithMaintenanceInterval(interval time.Duration) NodeOptionFunc {
	return func(n *Node) {
		n.maintenanceInterval = interval
	}
}
