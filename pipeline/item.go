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
	"sync"
	"time"

	"github.com/blinklabs-io/gochain/chain"
	"github.com/blinklabs-io/gochain/ledger"
)

// BlockItem carries one submitted block through the pipeline along with the
// outcome of each step
type BlockItem struct {
	block    *ledger.Block
	source   string
	seq      uint64
	received time.Time

	mu        sync.RWMutex
	checked   bool
	checkErr  error
	checkTime time.Duration
	applied   bool
	result    chain.InsertResult
	applyErr  error
	applyTime time.Duration
}

// NewBlockItem wraps a block. The source names where the block came from,
// usually a peer connection
func NewBlockItem(block *ledger.Block, source string, seq uint64) *BlockItem {
	return &BlockItem{
		block:    block,
		source:   source,
		seq:      seq,
		received: time.Now(),
	}
}

// Block returns the wrapped block. Callers must not modify it
func (b *BlockItem) Block() *ledger.Block { return b.block }

func (b *BlockItem) Source() string { return b.source }

// SequenceNumber is the submission order of the block
func (b *BlockItem) SequenceNumber() uint64 { return b.seq }

func (b *BlockItem) ReceivedAt() time.Time { return b.received }

// SetValidation records the precheck outcome. A nil error marks the block
// valid
func (b *BlockItem) SetValidation(err error, took time.Duration) {
	b.mu.Lock()
	b.checked = true
	b.checkErr = err
	b.checkTime = took
	b.mu.Unlock()
}

// IsValid reports whether the block passed the precheck
func (b *BlockItem) IsValid() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.checked && b.checkErr == nil
}

func (b *BlockItem) ValidationError() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.checkErr
}

// SetApplied records what the chain store did with the block
func (b *BlockItem) SetApplied(result chain.InsertResult, err error, took time.Duration) {
	b.mu.Lock()
	b.applied = err == nil
	b.result = result
	b.applyErr = err
	b.applyTime = took
	b.mu.Unlock()
}

// IsApplied reports whether the block reached the chain store without a
// fatal error. Result tells what the store decided
func (b *BlockItem) IsApplied() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.applied
}

func (b *BlockItem) Result() chain.InsertResult {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.result
}

// ApplyError returns the storage or other fatal error hit while inserting
func (b *BlockItem) ApplyError() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.applyErr
}

// Timings returns the time spent in precheck and in insert
func (b *BlockItem) Timings() (precheck, insert time.Duration) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.checkTime, b.applyTime
}
