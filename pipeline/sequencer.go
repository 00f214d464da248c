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
	"errors"
	"time"

	"github.com/blinklabs-io/gochain/chain"
	"github.com/google/btree"
)

// ErrPendingLimitExceeded is returned when too many blocks are waiting on an
// earlier sequence number
var ErrPendingLimitExceeded = errors.New("pipeline: pending block limit exceeded")

// ApplyFunc inserts a prechecked block into chain state. Calls are made one at
// a time in sequence order. A returned error is fatal
type ApplyFunc func(*BlockItem) (chain.InsertResult, error)

// InsertInto returns an ApplyFunc that records blocks in a chain store
func InsertInto(store *chain.ChainStore) ApplyFunc {
	return func(item *BlockItem) (chain.InsertResult, error) {
		return store.InsertCandidate(item.Block())
	}
}

// Sequencer restores submission order after the parallel precheck and applies
// blocks as their turn comes up. It is not safe for concurrent use
type Sequencer struct {
	apply   ApplyFunc
	limit   int
	next    uint64
	waiting *btree.BTreeG[*BlockItem]
}

// NewSequencer creates a Sequencer. limit bounds how many items may wait for
// an earlier one, 0 means no bound
func NewSequencer(apply ApplyFunc, limit int) *Sequencer {
	return &Sequencer{
		apply: apply,
		limit: limit,
		waiting: btree.NewG(8, func(a, b *BlockItem) bool {
			return a.seq < b.seq
		}),
	}
}

// Offer hands over an item and returns every item whose turn has come, in
// order, with valid ones already applied. An item arriving early is held and
// nil is returned. The item is held even when ErrPendingLimitExceeded is
// returned
func (s *Sequencer) Offer(item *BlockItem) ([]*BlockItem, error) {
	s.waiting.ReplaceOrInsert(item)
	var ready []*BlockItem
	for {
		head, ok := s.waiting.Min()
		if !ok || head.seq != s.next {
			break
		}
		s.waiting.DeleteMin()
		s.next++
		if head.IsValid() {
			start := time.Now()
			result, err := s.apply(head)
			head.SetApplied(result, err, time.Since(start))
		}
		ready = append(ready, head)
	}
	if ready == nil && s.limit > 0 && s.waiting.Len() > s.limit {
		return nil, ErrPendingLimitExceeded
	}
	return ready, nil
}

// Pending returns the number of held items
func (s *Sequencer) Pending() int {
	return s.waiting.Len()
}

func (p *BlockPipeline) applyLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case item, ok := <-p.checked:
			if !ok {
				return
			}
			ready, err := p.sequencer.Offer(item)
			if err != nil && !p.report(err) {
				return
			}
			for _, done := range ready {
				p.stats.finished(done)
				select {
				case p.results <- done:
				case <-p.ctx.Done():
					return
				}
				if applyErr := done.ApplyError(); applyErr != nil && !p.report(applyErr) {
					return
				}
			}
		}
	}
}
