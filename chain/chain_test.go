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

package chain_test

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/blinklabs-io/gochain/chain"
	"github.com/blinklabs-io/gochain/consensus"
	"github.com/blinklabs-io/gochain/database"
	"github.com/blinklabs-io/gochain/internal/test/chaingen"
	"github.com/blinklabs-io/gochain/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(
	t *testing.T,
	gen *chaingen.Generator,
	opts ...chain.ChainStoreOptionFunc,
) *chain.ChainStore {
	t.Helper()
	validator, err := consensus.NewValidator(consensus.WithParams(gen.Params()))
	require.NoError(t, err)
	opts = append(
		[]chain.ChainStoreOptionFunc{
			chain.WithValidator(validator),
			chain.WithGenesis(gen.Genesis()),
		},
		opts...,
	)
	store, err := chain.New(opts...)
	require.NoError(t, err)
	return store
}

func insertAll(t *testing.T, store *chain.ChainStore, blocks []*ledger.Block) []chain.InsertResult {
	t.Helper()
	ret := make([]chain.InsertResult, 0, len(blocks))
	for _, block := range blocks {
		result, err := store.InsertCandidate(block)
		require.NoError(t, err)
		ret = append(ret, result)
	}
	return ret
}

func requireAccepted(t *testing.T, results []chain.InsertResult) {
	t.Helper()
	for _, result := range results {
		require.Equal(t, chain.StatusAccepted, result.Status, result.Reason)
	}
}

func TestNewStoreHasGenesis(t *testing.T) {
	gen := chaingen.New(chaingen.TestParams())
	store := newStore(t, gen)
	tip := store.Tip()
	assert.Equal(t, gen.Genesis().Hash(), tip.Hash)
	assert.Equal(t, uint64(0), tip.Height)
	assert.Equal(t, uint64(1), tip.Work.Uint64())
	assert.Equal(t, []ledger.ChainTip{tip}, store.Branches())
}

func TestMissingGenesis(t *testing.T) {
	_, err := chain.New()
	assert.ErrorIs(t, err, chain.ErrGenesisMissing)
}

func TestLinearInsert(t *testing.T) {
	gen := chaingen.New(chaingen.TestParams())
	store := newStore(t, gen)
	blocks := gen.Chain(gen.Genesis(), 20, chaingen.WithTransactions(2))
	results := insertAll(t, store, blocks)
	requireAccepted(t, results)
	for _, result := range results {
		assert.True(t, result.TipChanged)
		assert.Nil(t, result.Reorg)
	}
	tip := store.Tip()
	assert.Equal(t, blocks[19].Hash(), tip.Hash)
	assert.Equal(t, uint64(20), tip.Height)
	work, err := store.CumulativeWork(tip.Hash)
	require.NoError(t, err)
	assert.Equal(t, uint64(21), work.Uint64())

	block, err := store.GetBlockByHeight(7)
	require.NoError(t, err)
	assert.Equal(t, blocks[6].Cbor(), block.Cbor())

	rangeBlocks, err := store.GetRange(18, 10)
	require.NoError(t, err)
	require.Len(t, rangeBlocks, 3)
	assert.Equal(t, blocks[19].Hash(), rangeBlocks[2].Hash())

	rangeBlocks, err = store.GetRange(21, 10)
	require.NoError(t, err)
	assert.Empty(t, rangeBlocks)

	_, err = store.GetBlockByHeight(21)
	assert.ErrorIs(t, err, chain.ErrBlockNotFound)
}

func TestGetBlockReturnsCopy(t *testing.T) {
	gen := chaingen.New(chaingen.TestParams())
	store := newStore(t, gen)
	blocks := gen.Chain(gen.Genesis(), 1, chaingen.WithTransactions(1))
	requireAccepted(t, insertAll(t, store, blocks))
	hash := blocks[0].Hash()
	block, err := store.GetBlock(hash)
	require.NoError(t, err)
	block.Header.Nonce++
	block.Transactions[0].Fee++
	block, err = store.GetBlock(hash)
	require.NoError(t, err)
	assert.Equal(t, hash, block.Hash())
	assert.Equal(t, blocks[0].Transactions[0].Fee, block.Transactions[0].Fee)
}

func TestDuplicate(t *testing.T) {
	gen := chaingen.New(chaingen.TestParams())
	store := newStore(t, gen)
	blocks := gen.Chain(gen.Genesis(), 2)
	requireAccepted(t, insertAll(t, store, blocks))
	result, err := store.InsertCandidate(blocks[1])
	require.NoError(t, err)
	assert.Equal(t, chain.StatusDuplicate, result.Status)
	assert.False(t, result.TipChanged)
}

func TestRejectInvalid(t *testing.T) {
	gen := chaingen.New(chaingen.TestParams())
	store := newStore(t, gen)
	block := gen.NextBlock(gen.Genesis(), chaingen.WithTransactions(1))
	bad := block.Clone()
	bad.Transactions[0].Signature[0] ^= 0xff
	result, err := store.InsertCandidate(bad)
	require.NoError(t, err)
	assert.Equal(t, chain.StatusRejected, result.Status)
	assert.True(t, consensus.IsValidationError(result.Err))
	assert.Equal(t, gen.Genesis().Hash(), store.Tip().Hash)

	result, err = store.InsertCandidate(bad)
	require.NoError(t, err)
	assert.Equal(t, chain.StatusRejected, result.Status)
	assert.NotEmpty(t, result.Reason)

	// A bad body never poisons the valid block with the same header
	result, err = store.InsertCandidate(block)
	require.NoError(t, err)
	assert.Equal(t, chain.StatusAccepted, result.Status)
}

func TestOrphanResolution(t *testing.T) {
	gen := chaingen.New(chaingen.TestParams())
	store := newStore(t, gen)
	blocks := gen.Chain(gen.Genesis(), 3)

	result, err := store.InsertCandidate(blocks[2])
	require.NoError(t, err)
	assert.Equal(t, chain.StatusOrphaned, result.Status)
	result, err = store.InsertCandidate(blocks[1])
	require.NoError(t, err)
	assert.Equal(t, chain.StatusOrphaned, result.Status)
	assert.Equal(t, 2, store.OrphanCount())
	assert.Equal(
		t,
		map[ledger.Hash]uint64{blocks[0].Hash(): 2, blocks[1].Hash(): 3},
		store.MissingParents(),
	)
	assert.True(t, store.HasBlock(blocks[2].Hash()))

	// Orphans count as known
	result, err = store.InsertCandidate(blocks[2])
	require.NoError(t, err)
	assert.Equal(t, chain.StatusDuplicate, result.Status)

	result, err = store.InsertCandidate(blocks[0])
	require.NoError(t, err)
	assert.Equal(t, chain.StatusAccepted, result.Status)
	require.Len(t, result.Reattached, 1)
	assert.Equal(t, chain.StatusAccepted, result.Reattached[0].Status)
	assert.Equal(t, blocks[1].Hash(), result.Reattached[0].Hash)
	require.Len(t, result.Reattached[0].Reattached, 1)
	assert.Equal(t, blocks[2].Hash(), result.Reattached[0].Reattached[0].Hash)
	assert.True(t, result.TipChanged)
	assert.Equal(t, blocks[2].Hash(), result.Tip.Hash)
	assert.Equal(t, 0, store.OrphanCount())
}

func TestOrphanTooFarAhead(t *testing.T) {
	gen := chaingen.New(chaingen.TestParams())
	store := newStore(t, gen, chain.WithMaxOrphanDistance(2))
	blocks := gen.Chain(gen.Genesis(), 3)
	result, err := store.InsertCandidate(blocks[1])
	require.NoError(t, err)
	assert.Equal(t, chain.StatusOrphaned, result.Status)
	result, err = store.InsertCandidate(blocks[2])
	require.NoError(t, err)
	assert.Equal(t, chain.StatusRejected, result.Status)
	assert.Nil(t, result.Err)
}

func TestOrphanPoolEvictsOldest(t *testing.T) {
	gen := chaingen.New(chaingen.TestParams())
	store := newStore(t, gen, chain.WithOrphanPool(2, time.Hour))
	blocks := gen.Chain(gen.Genesis(), 4)
	insertAll(t, store, blocks[1:])
	assert.Equal(t, 2, store.OrphanCount())
	// The oldest orphan (height 2) was evicted, so height 3 stays unreachable
	result, err := store.InsertCandidate(blocks[0])
	require.NoError(t, err)
	assert.Equal(t, chain.StatusAccepted, result.Status)
	assert.Empty(t, result.Reattached)
	assert.Equal(t, uint64(1), store.Tip().Height)
}

func TestOrphanExpiry(t *testing.T) {
	params := chaingen.TestParams()
	gen := chaingen.New(params)
	clock := consensus.NewManualClock(time.Now())
	validator, err := consensus.NewValidator(
		consensus.WithParams(params),
		consensus.WithClock(clock),
	)
	require.NoError(t, err)
	store, err := chain.New(
		chain.WithGenesis(gen.Genesis()),
		chain.WithValidator(validator),
		chain.WithOrphanPool(16, time.Minute),
	)
	require.NoError(t, err)
	blocks := gen.Chain(gen.Genesis(), 2)
	insertAll(t, store, blocks[1:])
	assert.Equal(t, 1, store.OrphanCount())
	clock.Advance(2 * time.Minute)
	pruned, err := store.Prune()
	require.NoError(t, err)
	assert.Equal(t, 1, pruned.Orphans)
	assert.Equal(t, 0, store.OrphanCount())
}

func TestSimpleReorg(t *testing.T) {
	gen := chaingen.New(chaingen.TestParams())
	store := newStore(t, gen)
	main := gen.Chain(gen.Genesis(), 10)
	requireAccepted(t, insertAll(t, store, main))
	forkPoint := main[9]
	branchA := gen.Chain(forkPoint, 5, chaingen.WithSalt(1))
	branchB := gen.Chain(forkPoint, 6, chaingen.WithSalt(2))

	requireAccepted(t, insertAll(t, store, branchA))
	assert.Equal(t, branchA[4].Hash(), store.Tip().Hash)

	results := insertAll(t, store, branchB)
	requireAccepted(t, results)
	var reorg *chain.ReorgPlan
	for _, result := range results {
		if result.Reorg != nil {
			reorg = result.Reorg
		}
	}
	require.NotNil(t, reorg)
	assert.Equal(t, forkPoint.Hash(), reorg.CommonAncestor.Hash)

	tip := store.Tip()
	assert.Equal(t, branchB[5].Hash(), tip.Hash)
	assert.Equal(t, uint64(16), tip.Height)
	branches := store.Branches()
	require.Len(t, branches, 2)
	assert.Equal(t, tip, branches[0])
	assert.Equal(t, branchA[4].Hash(), branches[1].Hash)
	assert.False(t, store.IsCanonical(branchA[0].Hash()))
	assert.True(t, store.IsCanonical(branchB[0].Hash()))
	block, err := store.GetBlockByHeight(11)
	require.NoError(t, err)
	assert.Equal(t, branchB[0].Hash(), block.Hash())
}

func TestReorgInverseRestoresChain(t *testing.T) {
	gen := chaingen.New(chaingen.TestParams())
	var reorgCalls []bool
	store := newStore(t, gen, chain.WithReorgFunc(func(_ *chain.ReorgPlan, done bool) {
		reorgCalls = append(reorgCalls, done)
	}))
	main := gen.Chain(gen.Genesis(), 12)
	requireAccepted(t, insertAll(t, store, main))
	before := canonicalBytes(t, store)
	oldTip := store.Tip()

	// Feed the branch until it takes over the canonical chain
	var plan *chain.ReorgPlan
	for _, block := range gen.Chain(main[9], 4, chaingen.WithSalt(7)) {
		result, err := store.InsertCandidate(block)
		require.NoError(t, err)
		require.Equal(t, chain.StatusAccepted, result.Status)
		if result.Reorg != nil {
			plan = result.Reorg
			break
		}
	}
	require.NotNil(t, plan)
	assert.Equal(t, uint64(2), plan.Depth())
	assert.Equal(t, []ledger.Hash{main[11].Hash(), main[10].Hash()}, plan.BlocksToUndo)
	assert.Equal(t, main[9].Hash(), plan.CommonAncestor.Hash)
	assert.Equal(t, []bool{false, true}, reorgCalls)
	newTip := store.Tip()
	assert.Equal(t, plan.NewTip, newTip)
	after := canonicalBytes(t, store)

	require.NoError(t, store.Resolver().Apply(plan.Inverse()))
	assert.Equal(t, oldTip, store.Tip())
	assert.Equal(t, before, canonicalBytes(t, store))

	// Replaying the original plan restores the other chain
	require.NoError(t, store.Resolver().Apply(plan))
	assert.Equal(t, newTip, store.Tip())
	assert.Equal(t, after, canonicalBytes(t, store))

	// A plan that does not start at the tip is refused
	err := store.Resolver().Apply(plan)
	assert.ErrorIs(t, err, chain.ErrInvalidPlan)
}

func canonicalBytes(t *testing.T, store *chain.ChainStore) [][]byte {
	t.Helper()
	tip := store.Tip()
	blocks, err := store.GetRange(0, uint32(tip.Height+1))
	require.NoError(t, err)
	ret := make([][]byte, 0, len(blocks))
	for _, block := range blocks {
		ret = append(ret, block.Cbor())
	}
	return ret
}

func TestReorgTooDeep(t *testing.T) {
	gen := chaingen.New(chaingen.TestParams())
	store := newStore(t, gen, chain.WithMaxReorgDepth(3))
	main := gen.Chain(gen.Genesis(), 10)
	requireAccepted(t, insertAll(t, store, main))
	tip := store.Tip()

	// The branch forks at height 5, so taking it over would roll back 5 blocks
	branch := gen.Chain(main[4], 7, chaingen.WithSalt(3))
	results := insertAll(t, store, branch)
	requireAccepted(t, results[:4])
	first := 4
	if results[4].Status == chain.StatusAccepted {
		// Equal work with a higher hash does not trigger a switch
		first = 5
	}
	for _, result := range results[first:] {
		assert.Equal(t, chain.StatusRejected, result.Status)
		assert.ErrorIs(t, result.Err, chain.ErrReorgTooDeep)
	}
	assert.Equal(t, tip, store.Tip())
	assert.Equal(t, []ledger.ChainTip{tip}, store.Branches())

	// The excluded branch never wins an evaluation
	choice, err := store.Resolver().Evaluate([]ledger.ChainTip{{Hash: branch[6].Hash()}})
	require.NoError(t, err)
	assert.Nil(t, choice.Plan)
	assert.Equal(t, tip, choice.Tip)

	// Blocks of the excluded branch are still known
	result, err := store.InsertCandidate(branch[6])
	require.NoError(t, err)
	assert.Equal(t, chain.StatusDuplicate, result.Status)
}

func TestReorgTooDeepResolvesOrphans(t *testing.T) {
	gen := chaingen.New(chaingen.TestParams())
	store := newStore(t, gen, chain.WithMaxReorgDepth(3))
	main := gen.Chain(gen.Genesis(), 10)
	requireAccepted(t, insertAll(t, store, main))
	tip := store.Tip()
	branch := gen.Chain(main[4], 7, chaingen.WithSalt(3))
	insertAll(t, store, branch[:5])

	// Descendants that arrive ahead of their parent wait in the orphan pool
	for _, block := range branch[6:] {
		result, err := store.InsertCandidate(block)
		require.NoError(t, err)
		require.Equal(t, chain.StatusOrphaned, result.Status)
	}
	result, err := store.InsertCandidate(branch[5])
	require.NoError(t, err)
	assert.Equal(t, chain.StatusRejected, result.Status)
	assert.ErrorIs(t, result.Err, chain.ErrReorgTooDeep)
	require.Len(t, result.Reattached, 1)
	assert.Equal(t, branch[6].Hash(), result.Reattached[0].Hash)
	assert.Equal(t, chain.StatusRejected, result.Reattached[0].Status)
	assert.ErrorIs(t, result.Reattached[0].Err, chain.ErrReorgTooDeep)
	assert.Equal(t, 0, store.OrphanCount())
	assert.Empty(t, store.MissingParents())
	assert.Equal(t, tip, store.Tip())
	assert.False(t, result.TipChanged)

	// Later extensions of the excluded branch are rejected outright
	next := gen.NextBlock(branch[6], chaingen.WithSalt(3))
	result, err = store.InsertCandidate(next)
	require.NoError(t, err)
	assert.Equal(t, chain.StatusRejected, result.Status)
	assert.ErrorIs(t, result.Err, chain.ErrReorgTooDeep)
	assert.Equal(t, 0, store.OrphanCount())
	assert.Equal(t, []ledger.ChainTip{tip}, store.Branches())
}

func TestEvaluate(t *testing.T) {
	gen := chaingen.New(chaingen.TestParams())
	store := newStore(t, gen)
	main := gen.Chain(gen.Genesis(), 5)
	requireAccepted(t, insertAll(t, store, main))
	choice, err := store.Resolver().Evaluate(store.Branches())
	require.NoError(t, err)
	assert.Nil(t, choice.Plan)
	assert.Equal(t, store.Tip(), choice.Tip)

	// Unknown tips are ignored
	choice, err = store.Resolver().Evaluate(
		[]ledger.ChainTip{{Hash: ledger.NewHash(make([]byte, 32)), Height: 100}},
	)
	require.NoError(t, err)
	assert.Nil(t, choice.Plan)
}

func TestDeterministicForkChoice(t *testing.T) {
	gen := chaingen.New(chaingen.TestParams())
	main := gen.Chain(gen.Genesis(), 8)
	var all []*ledger.Block
	all = append(all, main...)
	// Competing branches, three of them ending with equal work so the hash
	// tie-break decides
	all = append(all, gen.Chain(main[3], 6, chaingen.WithSalt(1))...)
	all = append(all, gen.Chain(main[3], 6, chaingen.WithSalt(2))...)
	all = append(all, gen.Chain(main[5], 2, chaingen.WithSalt(3))...)
	all = append(all, gen.Chain(main[6], 3, chaingen.WithSalt(4))...)

	var expected ledger.ChainTip
	for i := range 10 {
		store := newStore(t, gen)
		order := make([]*ledger.Block, len(all))
		copy(order, all)
		rng := rand.New(rand.NewSource(int64(i)))
		rng.Shuffle(len(order), func(a, b int) {
			order[a], order[b] = order[b], order[a]
		})
		for _, block := range order {
			_, err := store.InsertCandidate(block)
			require.NoError(t, err)
		}
		assert.Equal(t, 0, store.OrphanCount())
		if i == 0 {
			expected = store.Tip()
			continue
		}
		assert.Equal(t, expected, store.Tip(), "arrival order %d", i)
	}
	// The tip is the preferred of all branch tips
	store := newStore(t, gen)
	insertAll(t, store, all)
	preferred, ok := store.Selector().Preferred(store.Branches())
	require.True(t, ok)
	assert.Equal(t, expected, preferred)
}

func TestReloadFromDatabase(t *testing.T) {
	gen := chaingen.New(chaingen.TestParams())
	db, err := database.NewBolt(t.TempDir())
	require.NoError(t, err)
	defer db.Close()
	store := newStore(t, gen, chain.WithDatabase(db))
	main := gen.Chain(gen.Genesis(), 10)
	requireAccepted(t, insertAll(t, store, main))
	side := gen.Chain(main[6], 2, chaingen.WithSalt(5))
	requireAccepted(t, insertAll(t, store, side))
	tip := store.Tip()
	branches := store.Branches()

	reloaded := newStore(t, gen, chain.WithDatabase(db))
	assert.Equal(t, tip, reloaded.Tip())
	assert.Equal(t, branches, reloaded.Branches())
	block, err := reloaded.GetBlock(side[1].Hash())
	require.NoError(t, err)
	assert.Equal(t, side[1].Cbor(), block.Cbor())
}

func TestReloadRejectsOtherGenesis(t *testing.T) {
	db := database.NewMemory()
	gen := chaingen.New(chaingen.TestParams())
	newStore(t, gen, chain.WithDatabase(db))
	other := consensus.GenesisBlock(chaingen.GenesisTimestamp+1, gen.Params())
	_, err := chain.New(chain.WithDatabase(db), chain.WithGenesis(other))
	assert.ErrorIs(t, err, chain.ErrGenesisChanged)
}

func TestPruneDeepBranch(t *testing.T) {
	gen := chaingen.New(chaingen.TestParams())
	store := newStore(t, gen, chain.WithPruning(3, 24*time.Hour))
	main := gen.Chain(gen.Genesis(), 5)
	requireAccepted(t, insertAll(t, store, main))
	side := gen.Chain(main[0], 2, chaingen.WithSalt(9))
	requireAccepted(t, insertAll(t, store, side))
	recent := gen.Chain(main[3], 1, chaingen.WithSalt(10))
	requireAccepted(t, insertAll(t, store, recent))
	assert.Len(t, store.Branches(), 3)

	result, err := store.Prune()
	require.NoError(t, err)
	assert.Equal(t, 1, result.Branches)
	assert.Equal(t, 2, result.Blocks)
	assert.Len(t, store.Branches(), 2)
	_, err = store.GetBlock(side[1].Hash())
	assert.ErrorIs(t, err, chain.ErrBlockNotFound)
	_, err = store.GetBlock(recent[0].Hash())
	assert.NoError(t, err)
}

func TestLocator(t *testing.T) {
	gen := chaingen.New(chaingen.TestParams())
	store := newStore(t, gen)
	blocks := gen.Chain(gen.Genesis(), 100)
	requireAccepted(t, insertAll(t, store, blocks))
	locator := store.Locator()
	require.NotEmpty(t, locator)
	assert.Equal(t, blocks[99].Hash(), locator[0])
	for i := 1; i < 10; i++ {
		assert.Equal(t, blocks[99-i].Hash(), locator[i])
	}
	assert.Equal(t, gen.Genesis().Hash(), locator[len(locator)-1])
	assert.Less(t, len(locator), 30)
}

type failingBatchDB struct {
	*database.Memory
	fail bool
}

type failingBatch struct {
	database.Batch
	db *failingBatchDB
}

func (d *failingBatchDB) NewBatch() database.Batch {
	return &failingBatch{Batch: d.Memory.NewBatch(), db: d}
}

func (b *failingBatch) Commit() error {
	if b.db.fail {
		return errors.New("disk on fire")
	}
	return b.Batch.Commit()
}

func TestStorageFailureIsFatal(t *testing.T) {
	gen := chaingen.New(chaingen.TestParams())
	db := &failingBatchDB{Memory: database.NewMemory()}
	store := newStore(t, gen, chain.WithDatabase(db))
	blocks := gen.Chain(gen.Genesis(), 2)
	requireAccepted(t, insertAll(t, store, blocks[:1]))
	db.fail = true
	_, err := store.InsertCandidate(blocks[1])
	require.ErrorIs(t, err, chain.ErrStorage)
	assert.Equal(t, blocks[0].Hash(), store.Tip().Hash)
	assert.False(t, store.HasBlock(blocks[1].Hash()))

	db.fail = false
	result, err := store.InsertCandidate(blocks[1])
	require.NoError(t, err)
	assert.Equal(t, chain.StatusAccepted, result.Status)
}

func TestReorgPlanInverse(t *testing.T) {
	a, b, c, d := ledger.Hash{1}, ledger.Hash{2}, ledger.Hash{3}, ledger.Hash{4}
	plan := &chain.ReorgPlan{
		OldTip:        ledger.ChainTip{Hash: b, Height: 2},
		NewTip:        ledger.ChainTip{Hash: d, Height: 2},
		BlocksToUndo:  []ledger.Hash{b, a},
		BlocksToApply: []ledger.Hash{c, d},
	}
	inverse := plan.Inverse()
	assert.Equal(t, plan.NewTip, inverse.OldTip)
	assert.Equal(t, plan.OldTip, inverse.NewTip)
	assert.Equal(t, []ledger.Hash{d, c}, inverse.BlocksToUndo)
	assert.Equal(t, []ledger.Hash{a, b}, inverse.BlocksToApply)
	assert.Equal(t, plan, inverse.Inverse())
	assert.True(t, plan.IsReorg())
}
