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

// Package chaingen builds valid chains of blocks for tests
package chaingen

import (
	"crypto/ed25519"
	"encoding/binary"
	"time"

	"github.com/blinklabs-io/gochain/consensus"
	"github.com/blinklabs-io/gochain/crypto"
	"github.com/blinklabs-io/gochain/ledger"
)

// GenesisTimestamp is the genesis time used by test chains
var GenesisTimestamp = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

// TestParams returns consensus parameters with a short difficulty window so
// difficulty reacts within a few blocks
func TestParams() consensus.Params {
	params := consensus.DefaultParams()
	params.DifficultyWindow = 5
	params.MedianTimeSpan = 5
	return params
}

// Generator mines blocks that pass full validation. It remembers every block
// it produced so it can build the parent context of any of them
type Generator struct {
	params  consensus.Params
	genesis *ledger.Block
	blocks  map[ledger.Hash]*ledger.Block
	txSeq   uint64
}

func New(params consensus.Params) *Generator {
	genesis := consensus.GenesisBlock(GenesisTimestamp, params)
	g := &Generator{
		params:  params,
		genesis: genesis,
		blocks:  make(map[ledger.Hash]*ledger.Block),
	}
	g.blocks[genesis.Hash()] = genesis
	return g
}

func (g *Generator) Genesis() *ledger.Block {
	return g.genesis
}

func (g *Generator) Params() consensus.Params {
	return g.params
}

type blockOptions struct {
	spacing time.Duration
	salt    uint64
	txCount int
}

type BlockOptionFunc func(*blockOptions)

// WithSpacing sets the time between a block and its parent. Spacing shorter
// than the target raises difficulty and so the work per block
func WithSpacing(spacing time.Duration) BlockOptionFunc {
	return func(o *blockOptions) {
		o.spacing = spacing
	}
}

// WithSalt makes blocks on the same parent differ
func WithSalt(salt uint64) BlockOptionFunc {
	return func(o *blockOptions) {
		o.salt = salt
	}
}

// WithTransactions adds count signed transactions to each block
func WithTransactions(count int) BlockOptionFunc {
	return func(o *blockOptions) {
		o.txCount = count
	}
}

// Context returns the validation context for a child of parent
func (g *Generator) Context(parent *ledger.Block) *consensus.ParentContext {
	depth := g.params.ContextDepth()
	var headers []ledger.Header
	for b := parent; b != nil && len(headers) < depth; {
		headers = append(headers, b.Header)
		if b.Height() == 0 {
			break
		}
		b = g.blocks[b.PrevHash()]
	}
	for i, j := 0, len(headers)-1; i < j; i, j = i+1, j-1 {
		headers[i], headers[j] = headers[j], headers[i]
	}
	return &consensus.ParentContext{Headers: headers}
}

// NextBlock mines a valid child of parent
func (g *Generator) NextBlock(parent *ledger.Block, opts ...BlockOptionFunc) *ledger.Block {
	o := blockOptions{spacing: g.params.TargetSpacing}
	for _, opt := range opts {
		opt(&o)
	}
	ctx := g.Context(parent)
	txs := make([]ledger.Transaction, 0, o.txCount)
	for range o.txCount {
		txs = append(txs, g.Transaction())
	}
	block := &ledger.Block{
		Header: ledger.Header{
			Version:    ledger.CurrentBlockVersion,
			PrevHash:   parent.Hash(),
			Height:     parent.Height() + 1,
			Timestamp:  parent.Header.Timestamp + o.spacing.Milliseconds(),
			Difficulty: consensus.NextDifficulty(g.params, ctx),
			Nonce:      o.salt << 32,
			MerkleRoot: ledger.MerkleRoot(txs),
		},
		Transactions: txs,
	}
	for !consensus.MeetsTarget(block.Header.Hash(), block.Header.Difficulty) {
		block.Header.Nonce++
	}
	g.blocks[block.Hash()] = block
	return block
}

// Chain mines count blocks on top of parent
func (g *Generator) Chain(parent *ledger.Block, count int, opts ...BlockOptionFunc) []*ledger.Block {
	ret := make([]*ledger.Block, 0, count)
	for range count {
		parent = g.NextBlock(parent, opts...)
		ret = append(ret, parent)
	}
	return ret
}

// Transaction returns a new signed transaction spending a made up input
func (g *Generator) Transaction() ledger.Transaction {
	g.txSeq++
	key := Key(g.txSeq)
	var input ledger.Hash
	binary.BigEndian.PutUint64(input[:], g.txSeq)
	tx := ledger.Transaction{
		Inputs: []ledger.TxInput{
			{TxHash: input, Index: 0},
		},
		Outputs: []ledger.TxOutput{
			{
				Address: ledger.NewAddressFromPublicKey(key.Public().(ed25519.PublicKey)),
				Amount:  1000,
			},
		},
		Fee: g.txSeq % 100,
	}
	crypto.SignTransaction(&tx, key)
	return tx
}

// Key returns a deterministic ed25519 key for seed
func Key(seed uint64) ed25519.PrivateKey {
	var keySeed [ed25519.SeedSize]byte
	binary.BigEndian.PutUint64(keySeed[:], seed)
	return ed25519.NewKeyFromSeed(keySeed[:])
}
