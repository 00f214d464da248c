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

package syncer

import (
	"log/slog"
	"time"

	"github.com/blinklabs-io/gochain/chain"
	"github.com/blinklabs-io/gochain/consensus"
	"github.com/blinklabs-io/gochain/mempool"
	"github.com/blinklabs-io/gochain/pipeline"
)

const (
	DefaultBatchSize        = 100
	DefaultMaxInFlight      = 8
	DefaultRequestTimeout   = 10 * time.Second
	DefaultMaxRetries       = 3
	DefaultEventQueueSize   = 256
	DefaultMaxPendingSubmit = 256
	DefaultTickInterval     = 100 * time.Millisecond

	DefaultBanThreshold   = 2000
	DefaultBanDuration    = 10 * time.Minute
	DefaultMaxBanDuration = 24 * time.Hour
)

// Penalties are the scores added to a peer for each kind of misbehavior
type Penalties struct {
	DecodeError int
	Validation  int
	Timeout     int
	Unsolicited int
	Violation   int
}

func DefaultPenalties() Penalties {
	return Penalties{
		DecodeError: 1,
		Validation:  50,
		Timeout:     10,
		Unsolicited: 5,
		Violation:   5,
	}
}

type Config struct {
	Chain    *chain.ChainStore
	Pipeline *pipeline.BlockPipeline
	Mempool  *mempool.Mempool
	Logger   *slog.Logger
	Clock    consensus.Clock

	// BatchSize is the number of blocks asked for in one request
	BatchSize uint32
	// MaxInFlight limits outstanding block requests across all peers
	MaxInFlight    int
	RequestTimeout time.Duration
	// MaxRetries is how often a range is retried before sync is reported as
	// stalled
	MaxRetries int
	// MaxReorgDepth bounds how far below the tip missing parents are fetched
	MaxReorgDepth uint64
	// EventQueueSize is the capacity of the channel sessions deliver to
	EventQueueSize int
	// MaxPendingSubmit bounds blocks handed to the pipeline without a result.
	// It must not exceed the pipeline buffer size
	MaxPendingSubmit int
	TickInterval     time.Duration

	Penalties      Penalties
	BanThreshold   int
	BanDuration    time.Duration
	MaxBanDuration time.Duration
}

type SyncOptionFunc func(*Config)

func NewConfig(options ...SyncOptionFunc) Config {
	c := Config{
		Clock:            consensus.SystemClock{},
		BatchSize:        DefaultBatchSize,
		MaxInFlight:      DefaultMaxInFlight,
		RequestTimeout:   DefaultRequestTimeout,
		MaxRetries:       DefaultMaxRetries,
		MaxReorgDepth:    chain.DefaultMaxReorgDepth,
		EventQueueSize:   DefaultEventQueueSize,
		MaxPendingSubmit: DefaultMaxPendingSubmit,
		TickInterval:     DefaultTickInterval,
		Penalties:        DefaultPenalties(),
		BanThreshold:     DefaultBanThreshold,
		BanDuration:      DefaultBanDuration,
		MaxBanDuration:   DefaultMaxBanDuration,
	}
	for _, option := range options {
		option(&c)
	}
	return c
}

func WithChain(store *chain.ChainStore) SyncOptionFunc {
	return func(c *Config) {
		c.Chain = store
	}
}

func WithPipeline(p *pipeline.BlockPipeline) SyncOptionFunc {
	return func(c *Config) {
		c.Pipeline = p
	}
}

func WithMempool(pool *mempool.Mempool) SyncOptionFunc {
	return func(c *Config) {
		c.Mempool = pool
	}
}

func WithLogger(logger *slog.Logger) SyncOptionFunc {
	return func(c *Config) {
		c.Logger = logger
	}
}

func WithClock(clock consensus.Clock) SyncOptionFunc {
	return func(c *Config) {
		c.Clock = clock
	}
}

func WithBatchSize(batchSize uint32) SyncOptionFunc {
	return func(c *Config) {
		c.BatchSize = batchSize
	}
}

func WithMaxInFlight(maxInFlight int) SyncOptionFunc {
	return func(c *Config) {
		c.MaxInFlight = maxInFlight
	}
}

// WithRequestTimeout sets the deadline of block requests and the number of
// retries of a range before sync is reported as stalled
func WithRequestTimeout(timeout time.Duration, maxRetries int) SyncOptionFunc {
	return func(c *Config) {
		c.RequestTimeout = timeout
		c.MaxRetries = maxRetries
	}
}

func WithMaxReorgDepth(depth uint64) SyncOptionFunc {
	return func(c *Config) {
		c.MaxReorgDepth = depth
	}
}

func WithEventQueueSize(size int) SyncOptionFunc {
	return func(c *Config) {
		c.EventQueueSize = size
	}
}

func WithMaxPendingSubmit(count int) SyncOptionFunc {
	return func(c *Config) {
		c.MaxPendingSubmit = count
	}
}

func WithTickInterval(interval time.Duration) SyncOptionFunc {
	return func(c *Config) {
		c.TickInterval = interval
	}
}

func WithPenalties(penalties Penalties) SyncOptionFunc {
	return func(c *Config) {
		c.Penalties = penalties
	}
}

// WithBans sets the score at which a peer is banned, the first ban duration
// and the cap on escalated bans
func WithBans(threshold int, duration time.Duration, maxDuration time.Duration) SyncOptionFunc {
	return func(c *Config) {
		c.BanThreshold = threshold
		c.BanDuration = duration
		c.MaxBanDuration = maxDuration
	}
}
