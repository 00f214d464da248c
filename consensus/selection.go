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

package consensus

import (
	"github.com/blinklabs-io/gochain/ledger"
)

// ChainSelector implements the fork choice rule.
//
// Chain selection follows these rules:
//  1. Prefer the chain with more cumulative work
//  2. For equal work, prefer the tip with the lexicographically lowest hash
//
// The tie-break depends only on the tips themselves, so all nodes that know
// the same set of tips choose the same one regardless of arrival order
type ChainSelector struct {
	// MaxReorgDepth is the deepest rollback the node will perform
	MaxReorgDepth uint64
}

func NewChainSelector(maxReorgDepth uint64) *ChainSelector {
	return &ChainSelector{
		MaxReorgDepth: maxReorgDepth,
	}
}

// Compare returns:
//   - positive if chain a is preferred over chain b
//   - negative if chain b is preferred over chain a
//   - zero if the tips are the same
func (c *ChainSelector) Compare(a, b *ledger.ChainTip) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	// Rule 1: more work wins
	if cmp := a.Work.Cmp(&b.Work); cmp != 0 {
		return cmp
	}
	// Rule 2: lower hash wins
	return b.Hash.Compare(a.Hash)
}

// Preferred returns the preferred tip from a set of candidates. The second
// return value is false if there are no candidates
func (c *ChainSelector) Preferred(candidates []ledger.ChainTip) (ledger.ChainTip, bool) {
	if len(candidates) == 0 {
		return ledger.ChainTip{}, false
	}
	preferred := candidates[0]
	for i := 1; i < len(candidates); i++ {
		if c.Compare(&candidates[i], &preferred) > 0 {
			preferred = candidates[i]
		}
	}
	return preferred, true
}

// IsDeepFork checks if switching to a fork that diverges at forkHeight would
// roll back more blocks than allowed
func (c *ChainSelector) IsDeepFork(forkHeight uint64, tipHeight uint64) bool {
	if tipHeight < forkHeight {
		return false
	}
	return tipHeight-forkHeight > c.MaxReorgDepth
}
