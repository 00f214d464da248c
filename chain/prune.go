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
)

// PruneResult reports what Prune removed
type PruneResult struct {
	Branches int
	Blocks   int
	Orphans  int
}

// Prune removes non-canonical branches that fork more than the prune depth
// below the canonical tip, or whose tip is older than the branch max age
// while carrying less work than the canonical chain. Expired orphans are
// dropped as well
func (c *ChainStore) Prune() (PruneResult, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	var result PruneResult
	now := c.validator.Clock().Now()
	result.Orphans = c.orphans.Expire(now)
	tip := c.tipEntry()
	var stale []*blockEntry
	// Excluded blocks are not leaves, so collect them separately
	for _, entry := range c.entries {
		if entry.canonical || len(entry.children) > 0 {
			continue
		}
		forkHeight := forkPoint(entry).header.Height
		tooDeep := tip.header.Height > forkHeight &&
			tip.header.Height-forkHeight > c.config.PruneDepth
		tooOld := now.Sub(entry.insertedAt) > c.config.BranchMaxAge &&
			entry.work.Cmp(&tip.work) < 0
		if entry.excluded || tooDeep || tooOld {
			stale = append(stale, entry)
		}
	}
	if len(stale) == 0 {
		return result, nil
	}
	batch := c.db.NewBatch()
	var removed []*blockEntry
	for _, leaf := range stale {
		// Remove the branch from its tip down, stopping at blocks shared with
		// another branch
		e := leaf
		for e != nil && !e.canonical && len(e.children) == 0 {
			parent := e.parent
			batch.Delete(blockKey(e.hash))
			batch.Delete(excludedKey(e.hash))
			removed = append(removed, e)
			if parent != nil {
				parent.removeChild(e)
			}
			e = parent
		}
		result.Branches++
	}
	if err := batch.Commit(); err != nil {
		// Relink so memory keeps matching storage
		for _, e := range removed {
			if e.parent != nil && !e.parent.hasChild(e) {
				e.parent.children = append(e.parent.children, e)
			}
		}
		return PruneResult{}, fmt.Errorf("%w: prune branches: %w", ErrStorage, err)
	}
	for _, e := range removed {
		delete(c.entries, e.hash)
		delete(c.leaves, e.hash)
		c.blockCache.Remove(e.hash)
		if parent := e.parent; parent != nil && !parent.excluded &&
			!c.hasActiveChildren(parent) {
			if _, ok := c.entries[parent.hash]; ok {
				c.leaves[parent.hash] = parent
			}
		}
	}
	result.Blocks = len(removed)
	c.logger.Info(
		"pruned branches",
		"branches", result.Branches,
		"blocks", result.Blocks,
		"orphans", result.Orphans,
	)
	return result, nil
}

// forkPoint returns the canonical ancestor a branch descends from
func forkPoint(entry *blockEntry) *blockEntry {
	e := entry
	for !e.canonical {
		e = e.parent
	}
	return e
}

func (e *blockEntry) hasChild(child *blockEntry) bool {
	for _, c := range e.children {
		if c == child {
			return true
		}
	}
	return false
}
