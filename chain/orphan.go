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
	"fmt"
	"sort"
	"time"

	"github.com/blinklabs-io/gochain/ledger"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

type orphan struct {
	block    *ledger.Block
	hash     ledger.Hash
	received time.Time
}

// orphanPool holds blocks whose parent is not known yet, indexed by the
// missing parent hash. Entries are never promoted on access, so the LRU order
// is arrival order and eviction removes the oldest orphan first.
// Callers must hold the chain lock
type orphanPool struct {
	ttl      time.Duration
	byHash   *simplelru.LRU[ledger.Hash, *orphan]
	byParent map[ledger.Hash]map[ledger.Hash]*orphan
}

func newOrphanPool(size int, ttl time.Duration) (*orphanPool, error) {
	p := &orphanPool{
		ttl:      ttl,
		byParent: make(map[ledger.Hash]map[ledger.Hash]*orphan),
	}
	byHash, err := simplelru.NewLRU(size, p.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create orphan pool: %w", err)
	}
	p.byHash = byHash
	return p, nil
}

func (p *orphanPool) onEvict(_ ledger.Hash, o *orphan) {
	parent := o.block.PrevHash()
	siblings := p.byParent[parent]
	delete(siblings, o.hash)
	if len(siblings) == 0 {
		delete(p.byParent, parent)
	}
}

func (p *orphanPool) Contains(hash ledger.Hash) bool {
	return p.byHash.Contains(hash)
}

func (p *orphanPool) Len() int {
	return p.byHash.Len()
}

// Add stores an orphan and reports whether an older orphan was evicted
func (p *orphanPool) Add(block *ledger.Block, now time.Time) bool {
	o := &orphan{
		block:    block,
		hash:     block.Hash(),
		received: now,
	}
	parent := block.PrevHash()
	if p.byParent[parent] == nil {
		p.byParent[parent] = make(map[ledger.Hash]*orphan)
	}
	p.byParent[parent][o.hash] = o
	return p.byHash.Add(o.hash, o)
}

// TakeChildren removes and returns the unexpired orphans waiting on parent
func (p *orphanPool) TakeChildren(parent ledger.Hash, now time.Time) []*ledger.Block {
	siblings := p.byParent[parent]
	if len(siblings) == 0 {
		return nil
	}
	waiting := make([]*orphan, 0, len(siblings))
	for _, o := range siblings {
		waiting = append(waiting, o)
	}
	sort.Slice(waiting, func(i, j int) bool {
		return waiting[i].hash.Compare(waiting[j].hash) < 0
	})
	blocks := make([]*ledger.Block, 0, len(waiting))
	for _, o := range waiting {
		// Remove calls onEvict, which cleans up byParent
		p.byHash.Remove(o.hash)
		if now.Sub(o.received) <= p.ttl {
			blocks = append(blocks, o.block)
		}
	}
	return blocks
}

// Expire removes orphans older than the TTL and returns how many were removed
func (p *orphanPool) Expire(now time.Time) int {
	count := 0
	for {
		_, o, ok := p.byHash.GetOldest()
		if !ok || now.Sub(o.received) <= p.ttl {
			return count
		}
		p.byHash.RemoveOldest()
		count++
	}
}

// Roots returns the distinct missing parent hashes with the lowest orphan
// height waiting on each
func (p *orphanPool) Roots() map[ledger.Hash]uint64 {
	ret := make(map[ledger.Hash]uint64, len(p.byParent))
	for parent, siblings := range p.byParent {
		for _, o := range siblings {
			if h, ok := ret[parent]; !ok || o.block.Height() < h {
				ret[parent] = o.block.Height()
			}
		}
	}
	return ret
}
