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

// Package consensus provides the consensus rules of the chain: block and
// transaction validation, difficulty adjustment and chain selection.
package consensus

import (
	"sort"
	"sync"
	"time"

	"github.com/blinklabs-io/gochain/ledger"
)

// Clock provides the current time. It is injected so validation is
// deterministic under test
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

// FixedClock always reports the same instant
type FixedClock time.Time

func (c FixedClock) Now() time.Time {
	return time.Time(c)
}

// ManualClock is a Clock that only moves when told to
type ManualClock struct {
	mutex sync.Mutex
	now   time.Time
}

func NewManualClock(now time.Time) *ManualClock {
	return &ManualClock{now: now}
}

func (c *ManualClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *ManualClock) Set(now time.Time) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = now
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(d)
}

// Params contains the consensus parameters of a network
type Params struct {
	TargetSpacing      time.Duration // expected time between blocks
	DifficultyWindow   int           // LWMA window size in blocks
	MinDifficulty      uint64        // difficulty floor
	MaxSolvetimeFactor int64         // solvetimes are clamped to this multiple of TargetSpacing
	MaxFutureDrift     time.Duration // how far ahead of local time a block may be
	MedianTimeSpan     int           // blocks used for the median timestamp rule
	MaxBlockSize       int           // encoded block size limit in bytes
	MaxTxPerBlock      int
	MaxTxInputs        int
	MaxTxOutputs       int
}

func DefaultParams() Params {
	return Params{
		TargetSpacing:      10 * time.Second,
		DifficultyWindow:   60,
		MinDifficulty:      1,
		MaxSolvetimeFactor: 6,
		MaxFutureDrift:     2 * time.Hour,
		MedianTimeSpan:     11,
		MaxBlockSize:       1024 * 1024,
		MaxTxPerBlock:      4096,
		MaxTxInputs:        256,
		MaxTxOutputs:       256,
	}
}

// ContextDepth returns how many ancestor headers are needed to validate a
// block against its parent
func (p Params) ContextDepth() int {
	return max(p.DifficultyWindow+1, p.MedianTimeSpan)
}

// GenesisBlock returns the genesis block of a network
func GenesisBlock(genesisTimestamp int64, params Params) *ledger.Block {
	return &ledger.Block{
		Header: ledger.Header{
			Version:    ledger.CurrentBlockVersion,
			Height:     0,
			Timestamp:  genesisTimestamp,
			Difficulty: params.MinDifficulty,
		},
	}
}

// ParentContext is the chain state a block is validated against. Headers holds
// the parent and its ancestors, oldest first, ending with the parent
type ParentContext struct {
	Headers []ledger.Header
}

func (p *ParentContext) Parent() *ledger.Header {
	if p == nil || len(p.Headers) == 0 {
		return nil
	}
	return &p.Headers[len(p.Headers)-1]
}

// MedianTimestamp returns the median of the last n timestamps in the context
func (p *ParentContext) MedianTimestamp(n int) int64 {
	if p == nil || len(p.Headers) == 0 {
		return 0
	}
	count := min(n, len(p.Headers))
	recent := make([]int64, 0, count)
	for _, header := range p.Headers[len(p.Headers)-count:] {
		recent = append(recent, header.Timestamp)
	}
	sort.Slice(recent, func(i, j int) bool { return recent[i] < recent[j] })
	return recent[len(recent)/2]
}
