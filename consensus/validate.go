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
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/blinklabs-io/gochain/crypto"
	"github.com/blinklabs-io/gochain/ledger"
	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultSignatureCacheSize = 65536

// Validator checks blocks and transactions against the consensus rules.
//
// Block validation always runs its checks in the same order: structure,
// timestamp, signatures, consensus threshold. Cheap checks reject malformed
// input before any signature is verified.
//
// A Validator holds no chain state and is safe for concurrent use
type Validator struct {
	params   Params
	hasher   crypto.Hasher
	verifier crypto.Verifier
	clock    Clock
	logger   *slog.Logger
	sigCache *lru.Cache[ledger.Hash, struct{}]
}

type ValidatorConfig struct {
	Params             Params
	Hasher             crypto.Hasher
	Verifier           crypto.Verifier
	Clock              Clock
	Logger             *slog.Logger
	SignatureCacheSize int
}

type ValidatorOptionFunc func(*ValidatorConfig)

func WithParams(params Params) ValidatorOptionFunc {
	return func(c *ValidatorConfig) {
		c.Params = params
	}
}

func WithHasher(hasher crypto.Hasher) ValidatorOptionFunc {
	return func(c *ValidatorConfig) {
		c.Hasher = hasher
	}
}

func WithVerifier(verifier crypto.Verifier) ValidatorOptionFunc {
	return func(c *ValidatorConfig) {
		c.Verifier = verifier
	}
}

func WithClock(clock Clock) ValidatorOptionFunc {
	return func(c *ValidatorConfig) {
		c.Clock = clock
	}
}

func WithLogger(logger *slog.Logger) ValidatorOptionFunc {
	return func(c *ValidatorConfig) {
		c.Logger = logger
	}
}

// WithSignatureCacheSize sets how many verified transaction signatures are
// remembered
func WithSignatureCacheSize(size int) ValidatorOptionFunc {
	return func(c *ValidatorConfig) {
		c.SignatureCacheSize = size
	}
}

func NewValidator(options ...ValidatorOptionFunc) (*Validator, error) {
	cfg := ValidatorConfig{
		Params:             DefaultParams(),
		Hasher:             crypto.Blake2bHasher{},
		Verifier:           crypto.Ed25519Verifier{},
		Clock:              SystemClock{},
		SignatureCacheSize: DefaultSignatureCacheSize,
	}
	for _, option := range options {
		option(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	sigCache, err := lru.New[ledger.Hash, struct{}](cfg.SignatureCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create signature cache: %w", err)
	}
	return &Validator{
		params:   cfg.Params,
		hasher:   cfg.Hasher,
		verifier: cfg.Verifier,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With("component", "validator"),
		sigCache: sigCache,
	}, nil
}

func (v *Validator) Params() Params {
	return v.params
}

func (v *Validator) Clock() Clock {
	return v.clock
}

// HeaderHash returns the hash used for the proof-of-work check
func (v *Validator) HeaderHash(header *ledger.Header) ledger.Hash {
	return v.hasher.Hash(header.Cbor())
}

// PrecheckBlock runs every check that does not need chain state: structure,
// the future bound of the timestamp and transaction signatures. It warms the
// signature cache so that ValidateBlock does not repeat the crypto work
func (v *Validator) PrecheckBlock(block *ledger.Block) error {
	if err := v.CheckBlockStructure(block); err != nil {
		return err
	}
	if err := v.CheckTimestamp(block, nil); err != nil {
		return err
	}
	return v.CheckBlockSignatures(block)
}

// ValidateBlock runs the full ordered validation of a block against its parent
func (v *Validator) ValidateBlock(block *ledger.Block, ctx *ParentContext) error {
	if err := v.CheckBlockStructure(block); err != nil {
		return err
	}
	if err := v.CheckTimestamp(block, ctx); err != nil {
		return err
	}
	if err := v.CheckBlockSignatures(block); err != nil {
		return err
	}
	return v.CheckConsensusThreshold(block, ctx)
}

// ValidateTransaction checks a standalone transaction
func (v *Validator) ValidateTransaction(tx *ledger.Transaction) error {
	if err := v.CheckTransactionStructure(tx); err != nil {
		return err
	}
	return v.CheckSignature(tx)
}

// CheckBlockStructure checks required fields, size limits, the merkle root and
// duplicates
func (v *Validator) CheckBlockStructure(block *ledger.Block) error {
	header := &block.Header
	if header.Version != ledger.CurrentBlockVersion {
		return invalid(CheckStructure, "unsupported block version %d", header.Version)
	}
	if header.Height == 0 {
		return invalid(CheckStructure, "height 0 is reserved for genesis")
	}
	if header.PrevHash.IsZero() {
		return invalid(CheckStructure, "missing previous hash")
	}
	if header.Difficulty == 0 {
		return invalid(CheckStructure, "zero difficulty")
	}
	if len(block.Transactions) > v.params.MaxTxPerBlock {
		return invalid(
			CheckStructure,
			"too many transactions: %d > %d",
			len(block.Transactions),
			v.params.MaxTxPerBlock,
		)
	}
	if size := len(block.Cbor()); size > v.params.MaxBlockSize {
		return invalid(
			CheckStructure,
			"block too large: %d > %d",
			size,
			v.params.MaxBlockSize,
		)
	}
	txHashes := make(map[ledger.Hash]struct{}, len(block.Transactions))
	spent := make(map[ledger.TxInput]struct{})
	for i := range block.Transactions {
		tx := &block.Transactions[i]
		if err := v.CheckTransactionStructure(tx); err != nil {
			return err
		}
		txHash := tx.Hash()
		if _, ok := txHashes[txHash]; ok {
			return invalid(CheckStructure, "duplicate transaction %s", txHash)
		}
		txHashes[txHash] = struct{}{}
		for _, input := range tx.Inputs {
			if _, ok := spent[input]; ok {
				return invalid(
					CheckStructure,
					"input %s#%d spent twice in block",
					input.TxHash,
					input.Index,
				)
			}
			spent[input] = struct{}{}
		}
	}
	if root := ledger.MerkleRoot(block.Transactions); root != header.MerkleRoot {
		return invalid(
			CheckStructure,
			"merkle root mismatch: header %s, computed %s",
			header.MerkleRoot,
			root,
		)
	}
	return nil
}

// CheckTransactionStructure checks required fields, size limits and
// duplicate inputs/outputs of a transaction
func (v *Validator) CheckTransactionStructure(tx *ledger.Transaction) error {
	if len(tx.Inputs) == 0 {
		return invalid(CheckStructure, "transaction has no inputs")
	}
	if len(tx.Outputs) == 0 {
		return invalid(CheckStructure, "transaction has no outputs")
	}
	if len(tx.Inputs) > v.params.MaxTxInputs {
		return invalid(CheckStructure, "too many inputs: %d", len(tx.Inputs))
	}
	if len(tx.Outputs) > v.params.MaxTxOutputs {
		return invalid(CheckStructure, "too many outputs: %d", len(tx.Outputs))
	}
	if len(tx.PublicKey) == 0 {
		return invalid(CheckStructure, "missing public key")
	}
	if len(tx.Signature) == 0 {
		return invalid(CheckStructure, "missing signature")
	}
	inputs := make(map[ledger.TxInput]struct{}, len(tx.Inputs))
	for _, input := range tx.Inputs {
		if _, ok := inputs[input]; ok {
			return invalid(
				CheckStructure,
				"duplicate input %s#%d",
				input.TxHash,
				input.Index,
			)
		}
		inputs[input] = struct{}{}
	}
	outputs := make(map[ledger.TxOutput]struct{}, len(tx.Outputs))
	total := tx.Fee
	for _, output := range tx.Outputs {
		if output.Amount == 0 {
			return invalid(CheckStructure, "zero value output")
		}
		if _, ok := outputs[output]; ok {
			return invalid(CheckStructure, "duplicate output to %s", output.Address)
		}
		outputs[output] = struct{}{}
		if total > math.MaxUint64-output.Amount {
			return invalid(CheckStructure, "output total overflows")
		}
		total += output.Amount
	}
	return nil
}

// CheckTimestamp rejects blocks too far in the future of the local clock and,
// when ctx is given, blocks not newer than the median of recent ancestors
func (v *Validator) CheckTimestamp(block *ledger.Block, ctx *ParentContext) error {
	ts := block.Header.Timestamp
	limit := v.clock.Now().Add(v.params.MaxFutureDrift).UnixMilli()
	if ts > limit {
		return invalid(
			CheckTimestamp,
			"timestamp %d too far in the future (limit %d)",
			ts,
			limit,
		)
	}
	if ctx == nil || ctx.Parent() == nil {
		return nil
	}
	median := ctx.MedianTimestamp(v.params.MedianTimeSpan)
	if ts <= median {
		return invalid(CheckTimestamp, "timestamp %d <= median %d", ts, median)
	}
	return nil
}

// CheckBlockSignatures checks the signature of every transaction in a block
func (v *Validator) CheckBlockSignatures(block *ledger.Block) error {
	for i := range block.Transactions {
		if err := v.CheckSignature(&block.Transactions[i]); err != nil {
			return err
		}
	}
	return nil
}

// CheckSignature verifies the transaction signature through the crypto
// collaborator. A collaborator failure is returned wrapping ErrCrypto
func (v *Validator) CheckSignature(tx *ledger.Transaction) error {
	txHash := tx.Hash()
	if _, ok := v.sigCache.Get(txHash); ok {
		return nil
	}
	if err := crypto.ValidatePublicKey(tx.PublicKey, tx.SigScheme); err != nil {
		return invalid(CheckSignature, "%s", err)
	}
	msg := tx.SigningHash()
	ok, err := v.verifier.Verify(msg[:], tx.Signature, tx.PublicKey, tx.SigScheme)
	if err != nil {
		return fmt.Errorf("%w: verify transaction %s: %w", ErrCrypto, txHash, err)
	}
	if !ok {
		return invalid(CheckSignature, "bad signature on transaction %s", txHash)
	}
	v.sigCache.Add(txHash, struct{}{})
	return nil
}

// CheckConsensusThreshold checks that the block extends its parent and that
// its proof-of-work meets the difficulty derived from the parent chain
func (v *Validator) CheckConsensusThreshold(block *ledger.Block, ctx *ParentContext) error {
	parent := ctx.Parent()
	if parent == nil {
		return invalid(CheckThreshold, "missing parent context")
	}
	header := &block.Header
	if header.PrevHash != parent.Hash() {
		return invalid(CheckThreshold, "parent context does not match previous hash")
	}
	if header.Height != parent.Height+1 {
		return invalid(
			CheckThreshold,
			"height %d does not follow parent height %d",
			header.Height,
			parent.Height,
		)
	}
	expected := NextDifficulty(v.params, ctx)
	if header.Difficulty != expected {
		return invalid(
			CheckThreshold,
			"difficulty %d, expected %d",
			header.Difficulty,
			expected,
		)
	}
	if !MeetsTarget(v.HeaderHash(header), header.Difficulty) {
		return invalid(CheckThreshold, "header hash does not meet target")
	}
	return nil
}
