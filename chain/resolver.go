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
	"slices"

	"github.com/blinklabs-io/gochain/database"
	"github.com/blinklabs-io/gochain/ledger"
)

// ReorgPlan describes a change of the canonical chain from OldTip to NewTip
type ReorgPlan struct {
	OldTip         ledger.ChainTip
	NewTip         ledger.ChainTip
	CommonAncestor ledger.ChainTip
	// BlocksToUndo runs from the old tip down to the common ancestor, exclusive
	BlocksToUndo []ledger.Hash
	// BlocksToApply runs from the common ancestor, exclusive, up to the new tip
	BlocksToApply []ledger.Hash
}

// Depth returns the number of canonical blocks the plan rolls back
func (p *ReorgPlan) Depth() uint64 {
	return uint64(len(p.BlocksToUndo))
}

// IsReorg reports whether the plan rolls back any canonical block. A plan that
// only applies blocks is a plain extension of the chain
func (p *ReorgPlan) IsReorg() bool {
	return len(p.BlocksToUndo) > 0
}

// Inverse returns the plan that restores the chain this plan replaces
func (p *ReorgPlan) Inverse() *ReorgPlan {
	ret := &ReorgPlan{
		OldTip:         p.NewTip,
		NewTip:         p.OldTip,
		CommonAncestor: p.CommonAncestor,
		BlocksToUndo:   slices.Clone(p.BlocksToApply),
		BlocksToApply:  slices.Clone(p.BlocksToUndo),
	}
	slices.Reverse(ret.BlocksToUndo)
	slices.Reverse(ret.BlocksToApply)
	return ret
}

func (p *ReorgPlan) String() string {
	return fmt.Sprintf(
		"%s -> %s (undo %d, apply %d, ancestor height %d)",
		p.OldTip.Hash,
		p.NewTip.Hash,
		len(p.BlocksToUndo),
		len(p.BlocksToApply),
		p.CommonAncestor.Height,
	)
}

// CanonicalChoice is the outcome of a fork choice evaluation. Plan is nil when
// the canonical tip does not change
type CanonicalChoice struct {
	Tip  ledger.ChainTip
	Plan *ReorgPlan
}

// ForkResolver chooses and applies the canonical chain of a ChainStore
type ForkResolver struct {
	store *ChainStore
}

// Evaluate picks the preferred tip among branches and plans the switch to it.
// Unknown tips are ignored. A preferred branch whose switch would roll back
// more than the maximum reorganization depth is excluded from all later
// evaluation, and the next best branch is considered instead
func (r *ForkResolver) Evaluate(branches []ledger.ChainTip) (CanonicalChoice, error) {
	c := r.store
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.evaluateLocked(branches)
}

// Apply switches the canonical chain according to plan. The plan must start
// at the current canonical tip. The switch is committed to storage as a single
// batch and readers never observe an intermediate state. Apply enforces the
// depth bound but does not re-check fork choice
func (r *ForkResolver) Apply(plan *ReorgPlan) error {
	c := r.store
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.applyLocked(plan, c.db.NewBatch())
}

func (c *ChainStore) evaluateLocked(branches []ledger.ChainTip) (CanonicalChoice, error) {
	current := c.tipEntry()
	candidates := make([]*blockEntry, 0, len(branches))
	for _, branch := range branches {
		entry, ok := c.entries[branch.Hash]
		if !ok || entry.excluded {
			continue
		}
		candidates = append(candidates, entry)
	}
	slices.SortFunc(candidates, func(a, b *blockEntry) int {
		at, bt := a.tip(), b.tip()
		return c.selector.Compare(&bt, &at)
	})
	currentTip := current.tip()
	for _, candidate := range candidates {
		tip := candidate.tip()
		if c.selector.Compare(&tip, &currentTip) <= 0 {
			break
		}
		plan := c.planTo(candidate)
		if c.selector.IsDeepFork(plan.CommonAncestor.Height, currentTip.Height) {
			if err := c.excludeBranch(plan); err != nil {
				return CanonicalChoice{}, err
			}
			continue
		}
		return CanonicalChoice{Tip: tip, Plan: plan}, nil
	}
	return CanonicalChoice{Tip: currentTip}, nil
}

// planTo builds the plan that makes target the canonical tip
func (c *ChainStore) planTo(target *blockEntry) *ReorgPlan {
	current := c.tipEntry()
	plan := &ReorgPlan{
		OldTip: current.tip(),
		NewTip: target.tip(),
	}
	ancestor := target
	for !ancestor.canonical {
		plan.BlocksToApply = append(plan.BlocksToApply, ancestor.hash)
		ancestor = ancestor.parent
	}
	slices.Reverse(plan.BlocksToApply)
	plan.CommonAncestor = ancestor.tip()
	for h := current.header.Height; h > ancestor.header.Height; h-- {
		plan.BlocksToUndo = append(plan.BlocksToUndo, c.canonical[h].hash)
	}
	return plan
}

// excludeBranch marks the non-canonical part of a too deep plan as excluded
// and records the exclusion in storage
func (c *ChainStore) excludeBranch(plan *ReorgPlan) error {
	if len(plan.BlocksToApply) == 0 {
		return nil
	}
	root := c.entries[plan.BlocksToApply[0]]
	if root.excluded {
		return nil
	}
	if err := c.db.Put(excludedKey(root.hash), nil); err != nil {
		return fmt.Errorf("%w: record excluded branch: %w", ErrStorage, err)
	}
	c.markExcluded(root)
	c.logger.Warn(
		"refusing reorganization deeper than limit, possible network partition or attack",
		"depth", plan.Depth(),
		"max_depth", c.config.MaxReorgDepth,
		"fork_height", plan.CommonAncestor.Height,
		"branch_tip", plan.NewTip.Hash.String(),
		"branch_work", plan.NewTip.Work.Dec(),
	)
	return nil
}

// applyLocked validates plan against the current state, commits it together
// with any writes already in batch and then switches the canonical index
func (c *ChainStore) applyLocked(plan *ReorgPlan, batch database.Batch) error {
	if plan == nil {
		return fmt.Errorf("%w: nil plan", ErrInvalidPlan)
	}
	current := c.tipEntry()
	if plan.OldTip.Hash != current.hash {
		return fmt.Errorf(
			"%w: plan starts at %s but the tip is %s",
			ErrInvalidPlan,
			plan.OldTip.Hash,
			current.hash,
		)
	}
	target, ok := c.entries[plan.NewTip.Hash]
	if !ok {
		return fmt.Errorf("%w: unknown target %s", ErrInvalidPlan, plan.NewTip.Hash)
	}
	if target.excluded {
		return fmt.Errorf("%w: target %s is on an excluded branch", ErrInvalidPlan, target.hash)
	}
	actual := c.planTo(target)
	if !slices.Equal(actual.BlocksToUndo, plan.BlocksToUndo) ||
		!slices.Equal(actual.BlocksToApply, plan.BlocksToApply) {
		return fmt.Errorf("%w: plan does not match the chain", ErrInvalidPlan)
	}
	if actual.Depth() > c.config.MaxReorgDepth {
		return fmt.Errorf(
			"%w: depth %d exceeds %d",
			ErrReorgTooDeep,
			actual.Depth(),
			c.config.MaxReorgDepth,
		)
	}
	ancestorHeight := actual.CommonAncestor.Height
	for h := target.header.Height + 1; h <= current.header.Height; h++ {
		batch.Delete(heightKey(h))
	}
	applied := make([]*blockEntry, 0, len(actual.BlocksToApply))
	for _, hash := range actual.BlocksToApply {
		entry := c.entries[hash]
		applied = append(applied, entry)
		batch.Put(heightKey(entry.header.Height), entry.hash[:])
	}
	batch.Put(keyTip, target.hash[:])
	reorg := actual.IsReorg()
	if reorg && c.config.ReorgFunc != nil {
		c.config.ReorgFunc(actual, false)
	}
	err := batch.Commit()
	if reorg && c.config.ReorgFunc != nil {
		defer c.config.ReorgFunc(actual, true)
	}
	if err != nil {
		return fmt.Errorf("%w: commit reorganization: %w", ErrStorage, err)
	}
	for _, e := range c.canonical[ancestorHeight+1:] {
		e.canonical = false
	}
	c.canonical = c.canonical[:ancestorHeight+1]
	for _, e := range applied {
		e.canonical = true
		c.canonical = append(c.canonical, e)
	}
	if reorg {
		c.logger.Info(
			"reorganized chain",
			"depth", actual.Depth(),
			"old_tip", actual.OldTip.Hash.String(),
			"new_tip", actual.NewTip.Hash.String(),
			"height", actual.NewTip.Height,
		)
	}
	return nil
}
