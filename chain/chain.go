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

// Package chain implements the block store and fork choice of a node.
//
// The ChainStore keeps every known block arranged as a tree rooted at
// genesis. Leaves of the tree are branch tips, and the branch with the most
// cumulative work is canonical. All mutation happens under a single chain
// lock, and every change to the canonical chain is committed to storage as one
// batch before it becomes visible to readers.
package chain

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/blinklabs-io/gochain/consensus"
	"github.com/blinklabs-io/gochain/database"
	"github.com/blinklabs-io/gochain/ledger"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultMaxReorgDepth     = 100
	DefaultOrphanPoolSize    = 256
	DefaultOrphanTTL         = 10 * time.Minute
	DefaultMaxOrphanDistance = 1024
	DefaultPruneDepth        = 1000
	DefaultBranchMaxAge      = 24 * time.Hour
	DefaultBlockCacheSize    = 1024
	DefaultInvalidCacheSize  = 4096
)

var (
	// ErrStorage wraps failures of the storage collaborator. It is fatal
	ErrStorage = errors.New("chain: storage failure")
	// ErrReorgTooDeep is returned when a heavier branch would roll back more
	// than the maximum reorganization depth
	ErrReorgTooDeep   = errors.New("chain: reorganization too deep")
	ErrBlockNotFound  = errors.New("chain: block not found")
	ErrInvalidPlan    = errors.New("chain: invalid reorganization plan")
	ErrGenesisMissing = errors.New("chain: genesis block not configured")
	ErrGenesisChanged = errors.New("chain: stored genesis does not match configured genesis")
)

// ReorgFunc is called under the chain lock while a reorganization is applied.
// It must not call back into the ChainStore
type ReorgFunc func(plan *ReorgPlan, done bool)

type Config struct {
	Database          database.Database
	Validator         *consensus.Validator
	Genesis           *ledger.Block
	Logger            *slog.Logger
	MaxReorgDepth     uint64
	OrphanPoolSize    int
	OrphanTTL         time.Duration
	MaxOrphanDistance uint64
	PruneDepth        uint64
	BranchMaxAge      time.Duration
	BlockCacheSize    int
	ReorgFunc         ReorgFunc
}

type ChainStoreOptionFunc func(*Config)

func WithDatabase(db database.Database) ChainStoreOptionFunc {
	return func(c *Config) {
		c.Database = db
	}
}

func WithValidator(validator *consensus.Validator) ChainStoreOptionFunc {
	return func(c *Config) {
		c.Validator = validator
	}
}

// WithGenesis sets the genesis block. It is the only block accepted without
// validation
func WithGenesis(genesis *ledger.Block) ChainStoreOptionFunc {
	return func(c *Config) {
		c.Genesis = genesis
	}
}

func WithLogger(logger *slog.Logger) ChainStoreOptionFunc {
	return func(c *Config) {
		c.Logger = logger
	}
}

func WithMaxReorgDepth(depth uint64) ChainStoreOptionFunc {
	return func(c *Config) {
		c.MaxReorgDepth = depth
	}
}

func WithOrphanPool(size int, ttl time.Duration) ChainStoreOptionFunc {
	return func(c *Config) {
		c.OrphanPoolSize = size
		c.OrphanTTL = ttl
	}
}

// WithMaxOrphanDistance sets how far above the canonical tip an orphan may be
func WithMaxOrphanDistance(distance uint64) ChainStoreOptionFunc {
	return func(c *Config) {
		c.MaxOrphanDistance = distance
	}
}

// WithPruning sets the thresholds used by Prune. Non-canonical branches that
// fork more than depth blocks below the canonical tip, or whose tip is older
// than maxAge, are removed
func WithPruning(depth uint64, maxAge time.Duration) ChainStoreOptionFunc {
	return func(c *Config) {
		c.PruneDepth = depth
		c.BranchMaxAge = maxAge
	}
}

func WithBlockCacheSize(size int) ChainStoreOptionFunc {
	return func(c *Config) {
		c.BlockCacheSize = size
	}
}

func WithReorgFunc(reorgFunc ReorgFunc) ChainStoreOptionFunc {
	return func(c *Config) {
		c.ReorgFunc = reorgFunc
	}
}

// blockEntry is a node in the block tree. Entries only hold headers. Block
// bodies live in storage behind an LRU cache
type blockEntry struct {
	hash       ledger.Hash
	header     ledger.Header
	parent     *blockEntry
	children   []*blockEntry
	work       ledger.Work
	canonical  bool
	excluded   bool
	insertedAt time.Time
}

func (e *blockEntry) tip() ledger.ChainTip {
	return ledger.ChainTip{
		Hash:   e.hash,
		Height: e.header.Height,
		Work:   e.work,
	}
}

func (e *blockEntry) removeChild(child *blockEntry) {
	for i, c := range e.children {
		if c == child {
			e.children = append(e.children[:i], e.children[i+1:]...)
			return
		}
	}
}

// ChainStore holds all known blocks and tracks the canonical chain
type ChainStore struct {
	mutex        sync.RWMutex
	config       Config
	logger       *slog.Logger
	db           database.Database
	validator    *consensus.Validator
	selector     *consensus.ChainSelector
	resolver     *ForkResolver
	entries      map[ledger.Hash]*blockEntry
	leaves       map[ledger.Hash]*blockEntry
	canonical    []*blockEntry
	orphans      *orphanPool
	blockCache   *lru.Cache[ledger.Hash, *ledger.Block]
	invalidCache *lru.Cache[ledger.Hash, string]
}

// New opens a ChainStore. Existing state is loaded from the database, and an
// empty database is initialized with the genesis block
func New(options ...ChainStoreOptionFunc) (*ChainStore, error) {
	cfg := Config{
		MaxReorgDepth:     DefaultMaxReorgDepth,
		OrphanPoolSize:    DefaultOrphanPoolSize,
		OrphanTTL:         DefaultOrphanTTL,
		MaxOrphanDistance: DefaultMaxOrphanDistance,
		PruneDepth:        DefaultPruneDepth,
		BranchMaxAge:      DefaultBranchMaxAge,
		BlockCacheSize:    DefaultBlockCacheSize,
	}
	for _, option := range options {
		option(&cfg)
	}
	if cfg.Genesis == nil {
		return nil, ErrGenesisMissing
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.Database == nil {
		cfg.Database = database.NewMemory()
	}
	if cfg.Validator == nil {
		v, err := consensus.NewValidator(consensus.WithLogger(cfg.Logger))
		if err != nil {
			return nil, err
		}
		cfg.Validator = v
	}
	blockCache, err := lru.New[ledger.Hash, *ledger.Block](cfg.BlockCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create block cache: %w", err)
	}
	invalidCache, err := lru.New[ledger.Hash, string](DefaultInvalidCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create invalid block cache: %w", err)
	}
	orphans, err := newOrphanPool(cfg.OrphanPoolSize, cfg.OrphanTTL)
	if err != nil {
		return nil, err
	}
	c := &ChainStore{
		config:       cfg,
		logger:       cfg.Logger.With("component", "chain"),
		db:           cfg.Database,
		validator:    cfg.Validator,
		selector:     consensus.NewChainSelector(cfg.MaxReorgDepth),
		entries:      make(map[ledger.Hash]*blockEntry),
		leaves:       make(map[ledger.Hash]*blockEntry),
		orphans:      orphans,
		blockCache:   blockCache,
		invalidCache: invalidCache,
	}
	c.resolver = &ForkResolver{store: c}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

// Resolver returns the fork resolver operating on this store
func (c *ChainStore) Resolver() *ForkResolver {
	return c.resolver
}

// Selector returns the chain selection rule used by this store
func (c *ChainStore) Selector() *consensus.ChainSelector {
	return c.selector
}

func (c *ChainStore) Genesis() *ledger.Block {
	return c.config.Genesis.Clone()
}

func (c *ChainStore) load() error {
	genesis := c.config.Genesis
	genesisHash := genesis.Hash()
	storedGenesis, err := c.db.Get(heightKey(0))
	if errors.Is(err, database.ErrNotFound) {
		return c.initialize()
	}
	if err != nil {
		return fmt.Errorf("%w: read genesis: %w", ErrStorage, err)
	}
	if ledger.NewHash(storedGenesis) != genesisHash {
		return ErrGenesisChanged
	}
	// Decode every stored header and link them up, parents before children
	var blocks []*ledger.Block
	err = c.db.IterateRange(prefixBlock, func(key []byte, value []byte) error {
		block, err := ledger.NewBlockFromCbor(value)
		if err != nil {
			return fmt.Errorf("decode stored block %x: %w", key[1:], err)
		}
		blocks = append(blocks, block)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: load blocks: %w", ErrStorage, err)
	}
	sort.Slice(blocks, func(i, j int) bool {
		return blocks[i].Height() < blocks[j].Height()
	})
	now := c.validator.Clock().Now()
	for _, block := range blocks {
		hash := block.Hash()
		if hash == genesisHash {
			c.addEntry(block, nil, now)
			continue
		}
		parent, ok := c.entries[block.PrevHash()]
		if !ok {
			c.logger.Warn(
				"dropping stored block with unknown parent",
				"hash", hash.String(),
				"height", block.Height(),
			)
			continue
		}
		c.addEntry(block, parent, now)
	}
	if _, ok := c.entries[genesisHash]; !ok {
		return fmt.Errorf("%w: genesis block missing from storage", ErrStorage)
	}
	err = c.db.IterateRange(prefixExcluded, func(key []byte, _ []byte) error {
		if entry, ok := c.entries[ledger.NewHash(key[1:])]; ok {
			c.markExcluded(entry)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: load excluded branches: %w", ErrStorage, err)
	}
	tipHash, err := c.db.Get(keyTip)
	if err != nil {
		return fmt.Errorf("%w: read tip: %w", ErrStorage, err)
	}
	tip, ok := c.entries[ledger.NewHash(tipHash)]
	if !ok {
		return fmt.Errorf("%w: stored tip %x not found", ErrStorage, tipHash)
	}
	c.setCanonical(tip)
	c.logger.Info(
		"loaded chain",
		"blocks", len(c.entries),
		"branches", len(c.leaves),
		"tip", tip.hash.String(),
		"height", tip.header.Height,
	)
	return nil
}

func (c *ChainStore) initialize() error {
	genesis := c.config.Genesis
	hash := genesis.Hash()
	batch := c.db.NewBatch()
	batch.Put(blockKey(hash), genesis.Cbor())
	batch.Put(heightKey(0), hash[:])
	batch.Put(keyTip, hash[:])
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("%w: write genesis: %w", ErrStorage, err)
	}
	entry := c.addEntry(genesis, nil, c.validator.Clock().Now())
	c.setCanonical(entry)
	c.logger.Info("initialized chain", "genesis", hash.String())
	return nil
}

// addEntry links a block into the tree. The block must already be persisted
func (c *ChainStore) addEntry(
	block *ledger.Block,
	parent *blockEntry,
	now time.Time,
) *blockEntry {
	entry := &blockEntry{
		hash:       block.Hash(),
		header:     block.Header,
		parent:     parent,
		insertedAt: now,
	}
	entry.work.Set(ledger.BlockWork(block.Header.Difficulty))
	if parent != nil {
		entry.work.Add(&entry.work, &parent.work)
		parent.children = append(parent.children, entry)
		delete(c.leaves, parent.hash)
	}
	c.entries[entry.hash] = entry
	c.leaves[entry.hash] = entry
	c.blockCache.Add(entry.hash, block.Clone())
	return entry
}

// markExcluded flags an entry and all its descendants as excluded from fork
// choice
func (c *ChainStore) markExcluded(entry *blockEntry) {
	queue := []*blockEntry{entry}
	for len(queue) > 0 {
		e := queue[0]
		queue = queue[1:]
		e.excluded = true
		delete(c.leaves, e.hash)
		queue = append(queue, e.children...)
	}
	// The parent becomes a leaf again if it has no usable children left
	if parent := entry.parent; parent != nil && !parent.excluded &&
		!c.hasActiveChildren(parent) {
		c.leaves[parent.hash] = parent
	}
}

func (c *ChainStore) hasActiveChildren(entry *blockEntry) bool {
	for _, child := range entry.children {
		if !child.excluded {
			return true
		}
	}
	return false
}

// setCanonical rebuilds the canonical index ending at tip
func (c *ChainStore) setCanonical(tip *blockEntry) {
	for _, e := range c.canonical {
		e.canonical = false
	}
	chain := make([]*blockEntry, tip.header.Height+1)
	for e := tip; e != nil; e = e.parent {
		e.canonical = true
		chain[e.header.Height] = e
	}
	c.canonical = chain
}

func (c *ChainStore) tipEntry() *blockEntry {
	return c.canonical[len(c.canonical)-1]
}

// parentContext collects the headers needed to validate a child of parent
func (c *ChainStore) parentContext(parent *blockEntry) *consensus.ParentContext {
	depth := c.validator.Params().ContextDepth()
	headers := make([]ledger.Header, 0, depth)
	for e := parent; e != nil && len(headers) < depth; e = e.parent {
		headers = append(headers, e.header)
	}
	// Oldest first
	for i, j := 0, len(headers)-1; i < j; i, j = i+1, j-1 {
		headers[i], headers[j] = headers[j], headers[i]
	}
	return &consensus.ParentContext{Headers: headers}
}

// loadBlock returns the stored block. Callers must hold the chain lock
func (c *ChainStore) loadBlock(hash ledger.Hash) (*ledger.Block, error) {
	if block, ok := c.blockCache.Get(hash); ok {
		return block, nil
	}
	data, err := c.db.Get(blockKey(hash))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrBlockNotFound
		}
		return nil, fmt.Errorf("%w: read block %s: %w", ErrStorage, hash, err)
	}
	block, err := ledger.NewBlockFromCbor(data)
	if err != nil {
		return nil, fmt.Errorf("%w: decode block %s: %w", ErrStorage, hash, err)
	}
	c.blockCache.Add(hash, block)
	return block, nil
}
