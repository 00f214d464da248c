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
	"errors"
	"fmt"
	"time"

	"github.com/blinklabs-io/gochain/consensus"
	"github.com/blinklabs-io/gochain/ledger"
)

type InsertStatus int

const (
	StatusAccepted InsertStatus = iota + 1
	StatusOrphaned
	StatusDuplicate
	StatusRejected
)

func (s InsertStatus) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusOrphaned:
		return "orphaned"
	case StatusDuplicate:
		return "duplicate"
	case StatusRejected:
		return "rejected"
	default:
		return fmt.Sprintf("InsertStatus(%d)", int(s))
	}
}

// InsertResult reports what happened to a candidate block
type InsertResult struct {
	Status InsertStatus
	Hash   ledger.Hash
	Height uint64
	Reason string
	// Err is the validation error of a rejected block, or ErrReorgTooDeep
	Err error
	// Tip is the canonical tip after the insertion
	Tip ledger.ChainTip
	// TipChanged is set when this block or a reattached orphan moved the
	// canonical tip
	TipChanged bool
	// Reorg is set when accepting the block rolled back canonical blocks
	Reorg *ReorgPlan
	// Reattached holds the results for orphans that were waiting on this block
	Reattached []InsertResult
}

// linked reports whether the block was added to the block tree, including
// blocks kept on an excluded branch. Orphans waiting on it can be resolved
func (r *InsertResult) linked() bool {
	return r.Status == StatusAccepted ||
		(r.Status == StatusRejected && errors.Is(r.Err, ErrReorgTooDeep))
}

// InsertCandidate validates a block and adds it to the store. Blocks with an
// unknown parent are held in the orphan pool and reattached with full
// validation once the parent arrives. The returned error is only set for
// fatal storage or crypto failures. Rejections are reported in the result
func (c *ChainStore) InsertCandidate(block *ledger.Block) (InsertResult, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	now := c.validator.Clock().Now()
	if n := c.orphans.Expire(now); n > 0 {
		c.logger.Debug("expired orphans", "count", n)
	}
	oldTip := c.tipEntry().hash
	result, err := c.insertLocked(block, now)
	if err != nil {
		return result, err
	}
	if result.linked() {
		queue := []*InsertResult{&result}
		for len(queue) > 0 {
			parent := queue[0]
			queue = queue[1:]
			for _, child := range c.orphans.TakeChildren(parent.Hash, now) {
				childResult, err := c.insertLocked(child, now)
				if err != nil {
					return result, err
				}
				c.logger.Debug(
					"reattached orphan",
					"hash", childResult.Hash.String(),
					"status", childResult.Status.String(),
				)
				parent.Reattached = append(parent.Reattached, childResult)
			}
			for i := range parent.Reattached {
				if parent.Reattached[i].linked() {
					queue = append(queue, &parent.Reattached[i])
				}
			}
		}
	}
	tip := c.tipEntry()
	result.Tip = tip.tip()
	result.TipChanged = tip.hash != oldTip
	return result, nil
}

func (c *ChainStore) insertLocked(block *ledger.Block, now time.Time) (InsertResult, error) {
	hash := block.Hash()
	result := InsertResult{
		Hash:   hash,
		Height: block.Height(),
	}
	if _, ok := c.entries[hash]; ok {
		result.Status = StatusDuplicate
		return result, nil
	}
	if c.orphans.Contains(hash) {
		result.Status = StatusDuplicate
		result.Reason = "already waiting for parent"
		return result, nil
	}
	if reason, ok := c.invalidCache.Get(hash); ok {
		result.Status = StatusRejected
		result.Reason = reason
		return result, nil
	}
	parent, ok := c.entries[block.PrevHash()]
	if !ok {
		return c.insertOrphanLocked(block, result, now)
	}
	if err := c.validator.ValidateBlock(block, c.parentContext(parent)); err != nil {
		return c.rejectLocked(result, err)
	}
	batch := c.db.NewBatch()
	batch.Put(blockKey(hash), block.Cbor())
	if parent.excluded {
		// Kept so that the block is known, but it can never become canonical
		if err := batch.Commit(); err != nil {
			return result, fmt.Errorf("%w: store block: %w", ErrStorage, err)
		}
		c.markExcluded(c.addEntry(block, parent, now))
		result.Status = StatusRejected
		result.Reason = "extends a branch excluded from fork choice"
		result.Err = ErrReorgTooDeep
		return result, nil
	}
	entry := c.addEntry(block, parent, now)
	current := c.tipEntry()
	candidate, currentTip := entry.tip(), current.tip()
	result.Status = StatusAccepted
	if c.selector.Compare(&candidate, &currentTip) <= 0 {
		// Side branch
		if err := batch.Commit(); err != nil {
			c.removeEntry(entry)
			return result, fmt.Errorf("%w: store block: %w", ErrStorage, err)
		}
		c.logger.Debug(
			"stored block on side branch",
			"hash", hash.String(),
			"height", entry.header.Height,
		)
		return result, nil
	}
	plan := c.planTo(entry)
	if c.selector.IsDeepFork(plan.CommonAncestor.Height, currentTip.Height) {
		if err := batch.Commit(); err != nil {
			c.removeEntry(entry)
			return result, fmt.Errorf("%w: store block: %w", ErrStorage, err)
		}
		if err := c.excludeBranch(plan); err != nil {
			return result, err
		}
		result.Status = StatusRejected
		result.Reason = "reorganization too deep"
		result.Err = ErrReorgTooDeep
		return result, nil
	}
	if err := c.applyLocked(plan, batch); err != nil {
		c.removeEntry(entry)
		return result, err
	}
	if plan.IsReorg() {
		result.Reorg = plan
	}
	return result, nil
}

func (c *ChainStore) insertOrphanLocked(
	block *ledger.Block,
	result InsertResult,
	now time.Time,
) (InsertResult, error) {
	tip := c.tipEntry()
	if block.Height() > tip.header.Height+c.config.MaxOrphanDistance {
		result.Status = StatusRejected
		result.Reason = fmt.Sprintf(
			"orphan height %d too far ahead of tip height %d",
			block.Height(),
			tip.header.Height,
		)
		return result, nil
	}
	// Orphans get every check that does not need the parent before they take
	// up space in the pool
	if err := c.validator.PrecheckBlock(block); err != nil {
		return c.rejectLocked(result, err)
	}
	if c.orphans.Add(block, now) {
		c.logger.Debug("orphan pool full, evicted oldest orphan")
	}
	result.Status = StatusOrphaned
	result.Reason = "missing parent " + block.PrevHash().String()
	return result, nil
}

func (c *ChainStore) rejectLocked(result InsertResult, err error) (InsertResult, error) {
	var validationErr *consensus.ValidationError
	if !errors.As(err, &validationErr) {
		// Crypto collaborator failure
		return result, err
	}
	// Only threshold failures are a property of the header alone. Other
	// failures may come from a body that does not match its header
	if validationErr.Check == consensus.CheckThreshold {
		c.invalidCache.Add(result.Hash, validationErr.Error())
	}
	result.Status = StatusRejected
	result.Reason = validationErr.Error()
	result.Err = validationErr
	c.logger.Debug(
		"rejected block",
		"hash", result.Hash.String(),
		"height", result.Height,
		"reason", result.Reason,
	)
	return result, nil
}

// removeEntry unlinks a leaf entry that failed to persist
func (c *ChainStore) removeEntry(entry *blockEntry) {
	delete(c.entries, entry.hash)
	delete(c.leaves, entry.hash)
	c.blockCache.Remove(entry.hash)
	if parent := entry.parent; parent != nil {
		parent.removeChild(entry)
		if !parent.excluded && !c.hasActiveChildren(parent) {
			c.leaves[parent.hash] = parent
		}
	}
}

// OrphanCount returns the number of blocks waiting for their parent
func (c *ChainStore) OrphanCount() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.orphans.Len()
}

// MissingParents returns the parent hashes orphans are waiting on, mapped to
// the lowest height of an orphan waiting on each
func (c *ChainStore) MissingParents() map[ledger.Hash]uint64 {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.orphans.Roots()
}
