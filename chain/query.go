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

package chain

import (
	"slices"

	"github.com/blinklabs-io/gochain/ledger"
)

// GetBlock returns a copy of the block with the given hash from any branch
func (c *ChainStore) GetBlock(hash ledger.Hash) (*ledger.Block, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if _, ok := c.entries[hash]; !ok {
		return nil, ErrBlockNotFound
	}
	block, err := c.loadBlock(hash)
	if err != nil {
		return nil, err
	}
	return block.Clone(), nil
}

// HasBlock reports whether the block is stored or waiting in the orphan pool
func (c *ChainStore) HasBlock(hash ledger.Hash) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if _, ok := c.entries[hash]; ok {
		return true
	}
	return c.orphans.Contains(hash)
}

// GetBlockByHeight returns a copy of the canonical block at height
func (c *ChainStore) GetBlockByHeight(height uint64) (*ledger.Block, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if height >= uint64(len(c.canonical)) {
		return nil, ErrBlockNotFound
	}
	block, err := c.loadBlock(c.canonical[height].hash)
	if err != nil {
		return nil, err
	}
	return block.Clone(), nil
}

// GetRange returns up to count canonical blocks starting at height start
func (c *ChainStore) GetRange(start uint64, count uint32) ([]*ledger.Block, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if start >= uint64(len(c.canonical)) || count == 0 {
		return nil, nil
	}
	end := min(start+uint64(count), uint64(len(c.canonical)))
	ret := make([]*ledger.Block, 0, end-start)
	for _, entry := range c.canonical[start:end] {
		block, err := c.loadBlock(entry.hash)
		if err != nil {
			return nil, err
		}
		ret = append(ret, block.Clone())
	}
	return ret, nil
}

// GetTip returns the tip of the branch identified by branchId, which is the
// hash of the branch tip. Any known block hash is accepted
func (c *ChainStore) GetTip(branchId ledger.Hash) (ledger.ChainTip, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	entry, ok := c.entries[branchId]
	if !ok {
		return ledger.ChainTip{}, ErrBlockNotFound
	}
	return entry.tip(), nil
}

// CumulativeWork returns the total work from genesis up to and including
// the block
func (c *ChainStore) CumulativeWork(hash ledger.Hash) (ledger.Work, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	entry, ok := c.entries[hash]
	if !ok {
		return ledger.Work{}, ErrBlockNotFound
	}
	return entry.work, nil
}

// Tip returns the canonical tip
func (c *ChainStore) Tip() ledger.ChainTip {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.tipEntry().tip()
}

// IsCanonical reports whether the block is on the canonical chain
func (c *ChainStore) IsCanonical(hash ledger.Hash) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	entry, ok := c.entries[hash]
	return ok && entry.canonical
}

// Branches returns the tips of all branches that take part in fork choice,
// the canonical tip included, most preferred first
func (c *ChainStore) Branches() []ledger.ChainTip {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	ret := make([]ledger.ChainTip, 0, len(c.leaves))
	for _, leaf := range c.leaves {
		ret = append(ret, leaf.tip())
	}
	slices.SortFunc(ret, func(a, b ledger.ChainTip) int {
		return c.selector.Compare(&b, &a)
	})
	return ret
}

// Locator returns canonical block hashes from the tip back to genesis, dense
// near the tip and exponentially sparser further back
func (c *ChainStore) Locator() []ledger.Hash {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	var ret []ledger.Hash
	step := uint64(1)
	height := uint64(len(c.canonical) - 1)
	for {
		ret = append(ret, c.canonical[height].hash)
		if height == 0 {
			break
		}
		if len(ret) >= 10 {
			step *= 2
		}
		if height < step {
			height = 0
		} else {
			height -= step
		}
	}
	return ret
}
