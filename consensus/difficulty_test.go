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
	"time"

	"github.com/blinklabs-io/gochain/consensus"
	"github.com/blinklabs-io/gochain/ledger"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
)

func spacedContext(params consensus.Params, count int, spacing time.Duration) *consensus.ParentContext {
	genesis := consensus.GenesisBlock(1_000_000, params)
	ctx := &consensus.ParentContext{Headers: []ledger.Header{genesis.Header}}
	for len(ctx.Headers) < count {
		parent := ctx.Parent()
		ctx.Headers = append(ctx.Headers, ledger.Header{
			Version:    ledger.CurrentBlockVersion,
			PrevHash:   parent.Hash(),
			Height:     parent.Height + 1,
			Timestamp:  parent.Timestamp + spacing.Milliseconds(),
			Difficulty: 1000,
		})
	}
	return ctx
}

func TestNextDifficulty(t *testing.T) {
	params := testParams()
	params.MinDifficulty = 10
	// Too few blocks for the window
	assert.Equal(
		t,
		uint64(10),
		consensus.NextDifficulty(params, spacedContext(params, 3, time.Second)),
	)
	count := params.DifficultyWindow + 1
	// On target keeps the average difficulty
	assert.Equal(
		t,
		uint64(1000),
		consensus.NextDifficulty(params, spacedContext(params, count, time.Second)),
	)
	// Fast blocks raise it
	assert.Equal(
		t,
		uint64(2000),
		consensus.NextDifficulty(params, spacedContext(params, count, 500*time.Millisecond)),
	)
	// Slow blocks lower it, clamped to the max solvetime
	assert.Equal(
		t,
		uint64(1000/6),
		consensus.NextDifficulty(params, spacedContext(params, count, time.Hour)),
	)
	// Never below the floor
	params.MinDifficulty = 900
	assert.Equal(
		t,
		uint64(900),
		consensus.NextDifficulty(params, spacedContext(params, count, time.Hour)),
	)
}

func TestMedianTimestamp(t *testing.T) {
	ctx := &consensus.ParentContext{}
	for _, ts := range []int64{5, 1, 4, 2, 3} {
		ctx.Headers = append(ctx.Headers, ledger.Header{Timestamp: ts})
	}
	assert.Equal(t, int64(3), ctx.MedianTimestamp(11))
	assert.Equal(t, int64(3), ctx.MedianTimestamp(3))
	assert.Equal(t, int64(0), (*consensus.ParentContext)(nil).MedianTimestamp(11))
}

func TestTarget(t *testing.T) {
	assert.Equal(t, consensus.MaxTarget, consensus.Target(1))
	assert.True(t, consensus.Target(0).IsZero())
	half := new(uint256.Int).Rsh(consensus.MaxTarget, 1)
	assert.Equal(t, half, consensus.Target(2))
	assert.True(t, consensus.MeetsTarget(ledger.Hash{0x7f, 0xff}, 2))
	assert.False(t, consensus.MeetsTarget(ledger.Hash{0x80}, 2))
}
