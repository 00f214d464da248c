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
	"time"

	"github.com/blinklabs-io/gochain/pipeline"
	"github.com/blinklabs-io/gochain/syncer"
)

// NodeStatus is a read-only snapshot of the externally observable state of a
// node
type NodeStatus struct {
	Network      string         `json:"network"`
	TipHash      string         `json:"tip_hash"`
	TipHeight    uint64         `json:"tip_height"`
	TipWork      string         `json:"tip_work"`
	Sync         syncer.Status  `json:"sync"`
	Orphans      int            `json:"orphans"`
	Branches     int            `json:"branches"`
	Connections  int            `json:"connections"`
	MempoolTxs   int            `json:"mempool_txs"`
	MempoolBytes int            `json:"mempool_bytes"`
	Pipeline     PipelineStatus `json:"pipeline"`
}

type PipelineStatus struct {
	Submitted        uint64    `json:"submitted"`
	Applied          uint64    `json:"applied"`
	ValidationErrors uint64    `json:"validation_errors"`
	ApplyErrors      uint64    `json:"apply_errors"`
	QueueDepth       int       `json:"queue_depth"`
	PeakQueueDepth   int       `json:"peak_queue_depth"`
	LastBlockTime    time.Time `json:"last_block_time"`
}

func newPipelineStatus(stats pipeline.PipelineStats) PipelineStatus {
	return PipelineStatus{
		Submitted:        stats.BlocksSubmitted,
		Applied:          stats.BlocksApplied,
		ValidationErrors: stats.ValidationErrors,
		ApplyErrors:      stats.ApplyErrors,
		QueueDepth:       stats.CurrentQueueDepth,
		PeakQueueDepth:   stats.PeakQueueDepth,
		LastBlockTime:    stats.LastBlockTime,
	}
}

// Status returns a snapshot of the node state
func (n *Node) Status() NodeStatus {
	tip := n.chain.Tip()
	return NodeStatus{
		Network:      n.network.Name,
		TipHash:      tip.Hash.String(),
		TipHeight:    tip.Height,
		TipWork:      tip.Work.Dec(),
		Sync:         n.syncer.Status(),
		Orphans:      n.chain.OrphanCount(),
		Branches:     len(n.chain.Branches()),
		Connections:  n.connManager.Count(),
		MempoolTxs:   n.mempool.Len(),
		MempoolBytes: n.mempool.SizeBytes(),
		Pipeline:     newPipelineStatus(n.pipeline.Stats()),
	}
}
