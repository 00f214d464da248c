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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "gochain"

type nodeMetrics struct {
	reorgDepth prometheus.Histogram
}

// newNodeMetrics registers the node collectors. Most values are read from the
// components when scraped. Registering two nodes with one registry panics
func newNodeMetrics(n *Node) *nodeMetrics {
	factory := promauto.With(n.registry)
	gauge := func(name string, help string, fn func() float64) {
		factory.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      name,
				Help:      help,
			},
			fn,
		)
	}
	counter := func(name string, help string, fn func() float64) {
		factory.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      name,
				Help:      help,
			},
			fn,
		)
	}
	gauge("chain_tip_height", "Height of the canonical tip", func() float64 {
		return float64(n.chain.Tip().Height)
	})
	gauge("chain_orphans", "Blocks waiting for a missing parent", func() float64 {
		return float64(n.chain.OrphanCount())
	})
	gauge("chain_branches", "Known branch tips including the canonical one", func() float64 {
		return float64(len(n.chain.Branches()))
	})
	gauge("sync_state", "Sync state (0 initial, 1 syncing, 2 synced, 3 reorganizing)", func() float64 {
		return float64(n.syncer.State())
	})
	gauge("sync_stalled", "Whether block requests ran out of retries", func() float64 {
		if n.syncer.Stalled() {
			return 1
		}
		return 0
	})
	gauge("peers", "Connected peers", func() float64 {
		return float64(n.syncer.PeerCount())
	})
	gauge("connections", "Tracked connections including those still in handshake", func() float64 {
		return float64(n.connManager.Count())
	})
	gauge("mempool_transactions", "Transactions in the pool", func() float64 {
		return float64(n.mempool.Len())
	})
	gauge("mempool_bytes", "Encoded size of the pooled transactions", func() float64 {
		return float64(n.mempool.SizeBytes())
	})
	gauge("pipeline_queue_depth", "Blocks in the insert pipeline", func() float64 {
		return float64(n.pipeline.Stats().CurrentQueueDepth)
	})
	counter("sync_requests_total", "Block requests sent to peers", func() float64 {
		return float64(n.syncer.Status().RequestsSent)
	})
	counter("sync_timeouts_total", "Block requests that timed out", func() float64 {
		return float64(n.syncer.Status().Timeouts)
	})
	counter("sync_penalties_total", "Penalty points given to peers", func() float64 {
		return float64(n.syncer.Status().Penalties)
	})
	counter("sync_bans_total", "Peers banned for misbehavior", func() float64 {
		return float64(n.syncer.Status().Bans)
	})
	counter("chain_reorgs_total", "Chain reorganizations", func() float64 {
		return float64(n.syncer.Status().Reorgs)
	})
	counter("pipeline_blocks_submitted_total", "Blocks submitted to the insert pipeline", func() float64 {
		return float64(n.pipeline.Stats().BlocksSubmitted)
	})
	counter("pipeline_blocks_applied_total", "Blocks handed to the chain store", func() float64 {
		return float64(n.pipeline.Stats().BlocksApplied)
	})
	counter("pipeline_validation_errors_total", "Blocks rejected by precheck", func() float64 {
		return float64(n.pipeline.Stats().ValidationErrors)
	})
	m := &nodeMetrics{
		reorgDepth: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "chain_reorg_depth",
			Help:      "Blocks disconnected by chain reorganizations",
			Buckets:   []float64{1, 2, 3, 5, 10, 20, 50, 100},
		}),
	}
	return m
}
