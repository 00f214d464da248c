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

package pipeline

import (
	"sync/atomic"
	"time"
)

// PipelineStats is a snapshot of the pipeline counters
type PipelineStats struct {
	BlocksSubmitted  uint64
	BlocksPrechecked uint64
	// BlocksApplied counts blocks handed to the chain store, whatever the
	// store decided
	BlocksApplied    uint64
	ValidationErrors uint64
	ApplyErrors      uint64
	// BlocksProcessed counts items that left the pipeline, valid or not
	BlocksProcessed uint64

	// CurrentQueueDepth is the number of submitted blocks not yet out
	CurrentQueueDepth int
	PeakQueueDepth    int

	// LastBlockTime is when a block was last applied
	LastBlockTime time.Time
	StartTime     time.Time
}

type pipelineCounters struct {
	submitted atomic.Uint64
	prechecks atomic.Uint64
	invalid   atomic.Uint64
	applied   atomic.Uint64
	failed    atomic.Uint64
	processed atomic.Uint64
	peak      atomic.Int64
	lastApply atomic.Int64
	startedAt atomic.Int64
}

func (c *pipelineCounters) start() {
	c.startedAt.Store(time.Now().UnixNano())
}

func (c *pipelineCounters) submit() {
	c.submitted.Add(1)
	c.notePeak(c.depth())
}

func (c *pipelineCounters) unsubmit() {
	c.submitted.Add(^uint64(0))
}

func (c *pipelineCounters) prechecked(valid bool) {
	if valid {
		c.prechecks.Add(1)
		return
	}
	c.invalid.Add(1)
}

// finished counts an item leaving the sequencer
func (c *pipelineCounters) finished(item *BlockItem) {
	if item.IsValid() {
		if item.ApplyError() != nil {
			c.failed.Add(1)
		} else {
			c.applied.Add(1)
			c.lastApply.Store(time.Now().UnixNano())
		}
	}
	c.processed.Add(1)
}

func (c *pipelineCounters) depth() int {
	submitted, processed := c.submitted.Load(), c.processed.Load()
	if submitted <= processed {
		return 0
	}
	return int(submitted - processed)
}

func (c *pipelineCounters) notePeak(depth int) {
	for {
		peak := c.peak.Load()
		if int64(depth) <= peak || c.peak.CompareAndSwap(peak, int64(depth)) {
			return
		}
	}
}

func unixTime(nanos int64) time.Time {
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

func (c *pipelineCounters) snapshot() PipelineStats {
	depth := c.depth()
	c.notePeak(depth)
	return PipelineStats{
		BlocksSubmitted:   c.submitted.Load(),
		BlocksPrechecked:  c.prechecks.Load(),
		BlocksApplied:     c.applied.Load(),
		ValidationErrors:  c.invalid.Load(),
		ApplyErrors:       c.failed.Load(),
		BlocksProcessed:   c.processed.Load(),
		CurrentQueueDepth: depth,
		PeakQueueDepth:    int(c.peak.Load()),
		LastBlockTime:     unixTime(c.lastApply.Load()),
		StartTime:         unixTime(c.startedAt.Load()),
	}
}
