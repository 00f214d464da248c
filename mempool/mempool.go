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

// Package mempool holds unconfirmed transactions announced by peers, ordered
// by fee rate so the most valuable ones are kept when the pool is full
package mempool

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/blinklabs-io/gochain/consensus"
	"github.com/blinklabs-io/gochain/ledger"
	"github.com/google/btree"
)

const (
	DefaultMaxSize      = 5000
	DefaultMaxSizeBytes = 64 * 1024 * 1024
	DefaultExpiration   = time.Hour
)

var (
	ErrPoolFull     = errors.New("mempool: full")
	ErrDoubleSpend  = errors.New("mempool: input already spent by pooled transaction")
	ErrFeeTooLow    = errors.New("mempool: fee rate below minimum")
	ErrNoValidator  = errors.New("mempool: validator not configured")
	ErrAlreadyKnown = errors.New("mempool: transaction already pooled")
)

// Entry is a pooled transaction
type Entry struct {
	Tx   ledger.Transaction
	Hash ledger.Hash
	Size int
	// FeeRate is the fee per kilobyte
	FeeRate uint64
	AddedAt time.Time
	seq     uint64
}

// less orders entries best first: higher fee rate, then older, then by hash
func less(a, b *Entry) bool {
	if a.FeeRate != b.FeeRate {
		return a.FeeRate > b.FeeRate
	}
	if a.seq != b.seq {
		return a.seq < b.seq
	}
	return a.Hash.Compare(b.Hash) < 0
}

type Config struct {
	Validator    *consensus.Validator
	Logger       *slog.Logger
	MaxSize      int
	MaxSizeBytes int
	// MinFeeRate is the lowest fee per kilobyte accepted
	MinFeeRate uint64
	Expiration time.Duration
	Clock      consensus.Clock
}

type MempoolOptionFunc func(*Config)

func NewConfig(options ...MempoolOptionFunc) Config {
	c := Config{
		MaxSize:      DefaultMaxSize,
		MaxSizeBytes: DefaultMaxSizeBytes,
		Expiration:   DefaultExpiration,
		Clock:        consensus.SystemClock{},
	}
	for _, option := range options {
		option(&c)
	}
	return c
}

func WithValidator(validator *consensus.Validator) MempoolOptionFunc {
	return func(c *Config) {
		c.Validator = validator
	}
}

func WithLogger(logger *slog.Logger) MempoolOptionFunc {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMaxSize limits the pool by transaction count and total encoded size
func WithMaxSize(count int, bytes int) MempoolOptionFunc {
	return func(c *Config) {
		c.MaxSize = count
		c.MaxSizeBytes = bytes
	}
}

func WithMinFeeRate(feeRate uint64) MempoolOptionFunc {
	return func(c *Config) {
		c.MinFeeRate = feeRate
	}
}

func WithExpiration(expiration time.Duration) MempoolOptionFunc {
	return func(c *Config) {
		c.Expiration = expiration
	}
}

func WithClock(clock consensus.Clock) MempoolOptionFunc {
	return func(c *Config) {
		c.Clock = clock
	}
}

type Mempool struct {
	sync.RWMutex
	config    Config
	logger    *slog.Logger
	byHash    map[ledger.Hash]*Entry
	bySpend   map[ledger.TxInput]ledger.Hash
	byFee     *btree.BTreeG[*Entry]
	totalSize int
	seq       uint64
}

func New(options ...MempoolOptionFunc) (*Mempool, error) {
	cfg := NewConfig(options...)
	if cfg.Validator == nil {
		return nil, ErrNoValidator
	}
	m := &Mempool{
		config:  cfg,
		logger:  cfg.Logger,
		byHash:  make(map[ledger.Hash]*Entry),
		bySpend: make(map[ledger.TxInput]ledger.Hash),
		byFee:   btree.NewG(32, less),
	}
	if m.logger == nil {
		m.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	m.logger = m.logger.With("component", "mempool")
	return m, nil
}

func feeRate(tx *ledger.Transaction, size int) uint64 {
	if size == 0 {
		return 0
	}
	return tx.Fee * 1000 / uint64(size)
}

// Add validates a transaction and pools it. A transaction that fails
// validation is returned as a consensus.ValidationError
func (m *Mempool) Add(tx ledger.Transaction) (ledger.Hash, error) {
	txHash := tx.Hash()
	m.RLock()
	_, known := m.byHash[txHash]
	m.RUnlock()
	if known {
		return txHash, ErrAlreadyKnown
	}
	// Signature checks run without the pool lock
	if err := m.config.Validator.ValidateTransaction(&tx); err != nil {
		return txHash, err
	}
	m.Lock()
	defer m.Unlock()
	return txHash, m.addLocked(tx, txHash)
}

func (m *Mempool) addLocked(tx ledger.Transaction, txHash ledger.Hash) error {
	if _, ok := m.byHash[txHash]; ok {
		return ErrAlreadyKnown
	}
	for _, input := range tx.Inputs {
		if other, ok := m.bySpend[input]; ok {
			return fmt.Errorf(
				"%w: %s#%d by %s",
				ErrDoubleSpend,
				input.TxHash,
				input.Index,
				other,
			)
		}
	}
	size := len(tx.Cbor())
	entry := &Entry{
		Tx:      tx,
		Hash:    txHash,
		Size:    size,
		FeeRate: feeRate(&tx, size),
		AddedAt: m.config.Clock.Now(),
		seq:     m.seq,
	}
	if entry.FeeRate < m.config.MinFeeRate {
		return fmt.Errorf("%w: %d < %d", ErrFeeTooLow, entry.FeeRate, m.config.MinFeeRate)
	}
	// Collect the worst entries that must go to make room, and give up unless
	// the new transaction beats every one of them
	var evict []*Entry
	count, total := len(m.byHash), m.totalSize
	m.byFee.Descend(func(lowest *Entry) bool {
		if count < m.config.MaxSize && total+size <= m.config.MaxSizeBytes {
			return false
		}
		evict = append(evict, lowest)
		count--
		total -= lowest.Size
		return true
	})
	if count >= m.config.MaxSize || total+size > m.config.MaxSizeBytes {
		return ErrPoolFull
	}
	for _, lowest := range evict {
		if !less(entry, lowest) {
			return ErrPoolFull
		}
	}
	for _, lowest := range evict {
		m.logger.Debug(
			"evicting transaction",
			"hash", lowest.Hash.String(),
			"fee_rate", lowest.FeeRate,
		)
		m.removeLocked(lowest.Hash)
	}
	m.seq++
	m.byHash[txHash] = entry
	for _, input := range tx.Inputs {
		m.bySpend[input] = txHash
	}
	m.byFee.ReplaceOrInsert(entry)
	m.totalSize += size
	return nil
}

func (m *Mempool) removeLocked(txHash ledger.Hash) bool {
	entry, ok := m.byHash[txHash]
	if !ok {
		return false
	}
	delete(m.byHash, txHash)
	for _, input := range entry.Tx.Inputs {
		if m.bySpend[input] == txHash {
			delete(m.bySpend, input)
		}
	}
	m.byFee.Delete(entry)
	m.totalSize -= entry.Size
	return true
}

// Remove drops a transaction from the pool
func (m *Mempool) Remove(txHash ledger.Hash) bool {
	m.Lock()
	defer m.Unlock()
	return m.removeLocked(txHash)
}

func (m *Mempool) Get(txHash ledger.Hash) (ledger.Transaction, bool) {
	m.RLock()
	defer m.RUnlock()
	entry, ok := m.byHash[txHash]
	if !ok {
		return ledger.Transaction{}, false
	}
	return entry.Tx, true
}

func (m *Mempool) Has(txHash ledger.Hash) bool {
	m.RLock()
	defer m.RUnlock()
	_, ok := m.byHash[txHash]
	return ok
}

func (m *Mempool) Len() int {
	m.RLock()
	defer m.RUnlock()
	return len(m.byHash)
}

func (m *Mempool) SizeBytes() int {
	m.RLock()
	defer m.RUnlock()
	return m.totalSize
}

// Transactions returns up to limit transactions, best fee rate first. A limit
// of 0 returns all of them
func (m *Mempool) Transactions(limit int) []ledger.Transaction {
	m.RLock()
	defer m.RUnlock()
	ret := make([]ledger.Transaction, 0, m.byFee.Len())
	m.byFee.Ascend(func(entry *Entry) bool {
		ret = append(ret, entry.Tx)
		return limit <= 0 || len(ret) < limit
	})
	return ret
}

// BlockConnected drops the transactions of a block that joined the canonical
// chain, along with pooled transactions spending the same inputs
func (m *Mempool) BlockConnected(block *ledger.Block) int {
	m.Lock()
	defer m.Unlock()
	removed := 0
	for i := range block.Transactions {
		tx := &block.Transactions[i]
		if m.removeLocked(tx.Hash()) {
			removed++
		}
		for _, input := range tx.Inputs {
			if other, ok := m.bySpend[input]; ok && m.removeLocked(other) {
				removed++
			}
		}
	}
	return removed
}

// BlockDisconnected returns the transactions of a block that left the
// canonical chain to the pool. Transactions conflicting with pooled ones are
// dropped
func (m *Mempool) BlockDisconnected(block *ledger.Block) int {
	m.Lock()
	defer m.Unlock()
	added := 0
	for _, tx := range block.Transactions {
		if err := m.addLocked(tx, tx.Hash()); err == nil {
			added++
		}
	}
	return added
}

// Expire drops transactions older than the configured expiration
func (m *Mempool) Expire() int {
	m.Lock()
	defer m.Unlock()
	if m.config.Expiration <= 0 {
		return 0
	}
	cutoff := m.config.Clock.Now().Add(-m.config.Expiration)
	var expired []ledger.Hash
	for txHash, entry := range m.byHash {
		if entry.AddedAt.Before(cutoff) {
			expired = append(expired, txHash)
		}
	}
	for _, txHash := range expired {
		m.removeLocked(txHash)
	}
	return len(expired)
}
