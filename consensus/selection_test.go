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

package consensus_test

import (
	"testing"

	"github.com/blinklabs-io/gochain/consensus"
	"github.com/blinklabs-io/gochain/ledger"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
)

func tip(hashByte byte, work uint64) ledger.ChainTip {
	return ledger.ChainTip{
		Hash: ledger.Hash{hashByte},
		Work: *uint256.NewInt(work),
	}
}

func TestCompare(t *testing.T) {
	selector := consensus.NewChainSelector(100)
	a := tip(0x05, 10)
	b := tip(0x01, 9)
	assert.Positive(t, selector.Compare(&a, &b), "more work wins")
	assert.Negative(t, selector.Compare(&b, &a))
	c := tip(0x01, 10)
	assert.Positive(t, selector.Compare(&c, &a), "lower hash wins on equal work")
	assert.Negative(t, selector.Compare(&a, &c))
	assert.Zero(t, selector.Compare(&a, &a))
	assert.Positive(t, selector.Compare(&a, nil))
	assert.Negative(t, selector.Compare(nil, &a))
	assert.Zero(t, selector.Compare(nil, nil))
}

func TestPreferredIsOrderIndependent(t *testing.T) {
	selector := consensus.NewChainSelector(100)
	tips := []ledger.ChainTip{
		tip(0x09, 20),
		tip(0x03, 20),
		tip(0x01, 19),
		tip(0x07, 20),
	}
	expected := tip(0x03, 20)
	for i := range tips {
		rotated := append(append([]ledger.ChainTip{}, tips[i:]...), tips[:i]...)
		preferred, ok := selector.Preferred(rotated)
		assert.True(t, ok)
		assert.Equal(t, expected, preferred)
	}
	_, ok := selector.Preferred(nil)
	assert.False(t, ok)
}

func TestIsDeepFork(t *testing.T) {
	selector := consensus.NewChainSelector(10)
	assert.False(t, selector.IsDeepFork(90, 100))
	assert.True(t, selector.IsDeepFork(89, 100))
	assert.False(t, selector.IsDeepFork(100, 90))
}
