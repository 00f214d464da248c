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

// Package mocknet runs a network of in-process nodes on the devnet over
// loopback TCP. The first node is preloaded with a generated chain and every
// other node has to sync it
package mocknet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/blinklabs-io/gochain"
	"github.com/blinklabs-io/gochain/chain"
	"github.com/blinklabs-io/gochain/internal/test/chaingen"
	"github.com/blinklabs-io/gochain/ledger"
	"github.com/blinklabs-io/gochain/syncer"
	"golang.org/x/sync/errgroup"
)

const pollInterval = 20 * time.Millisecond

var ErrNodeCrashed = errors.New("mocknet: node crashed")

type Config struct {
	Nodes  int
	Blocks int
	// TxPerBlock adds transactions to the generated blocks
	TxPerBlock  int
	Logger      *slog.Logger
	NodeOptions []gochain.NodeOptionFunc
}

type Mocknet struct {
	config Config
	logger *slog.Logger
	nodes  []*gochain.Node
	blocks []*ledger.Block
}

// New builds the nodes without starting them
func New(cfg Config) (*Mocknet, error) {
	// A node without peers never leaves INITIAL
	if cfg.Nodes < 2 {
		return nil, errors.New("mocknet: at least two nodes are required")
	}
	m := &Mocknet{
		config: cfg,
		logger: cfg.Logger,
	}
	if m.logger == nil {
		m.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	gen := chaingen.New(gochain.NetworkDevnet.Params)
	var opts []chaingen.BlockOptionFunc
	if cfg.TxPerBlock > 0 {
		opts = append(opts, chaingen.WithTransactions(cfg.TxPerBlock))
	}
	m.blocks = gen.Chain(gen.Genesis(), cfg.Blocks, opts...)
	for i := 0; i < cfg.Nodes; i++ {
		nodeOpts := []gochain.NodeOptionFunc{
			gochain.WithNetwork(gochain.NetworkDevnet),
			gochain.WithLogger(m.logger.With("node", i)),
			// Every node shares the loopback host
			gochain.WithBanKeyFunc(func(addr net.Addr) string {
				return addr.String()
			}),
		}
		n, err := gochain.New(append(nodeOpts, cfg.NodeOptions...)...)
		if err != nil {
			_ = m.Stop()
			return nil, fmt.Errorf("create node %d: %w", i, err)
		}
		m.nodes = append(m.nodes, n)
	}
	for _, block := range m.blocks {
		result, err := m.nodes[0].Chain().InsertCandidate(block)
		if err != nil {
			_ = m.Stop()
			return nil, err
		}
		if result.Status != chain.StatusAccepted {
			_ = m.Stop()
			return nil, fmt.Errorf("preload block %d: %s", block.Header.Height, result.Reason)
		}
	}
	return m, nil
}

// Start starts every node on a loopback listener. Node i dials the seed node
// and node i-1, so blocks also travel through relaying peers
func (m *Mocknet) Start(ctx context.Context) error {
	for i, n := range m.nodes {
		if err := n.Start(ctx); err != nil {
			return fmt.Errorf("start node %d: %w", i, err)
		}
		if err := n.Listen("127.0.0.1:0"); err != nil {
			return fmt.Errorf("listen node %d: %w", i, err)
		}
	}
	var g errgroup.Group
	for i := 1; i < len(m.nodes); i++ {
		targets := []string{m.addr(0)}
		if i > 1 {
			targets = append(targets, m.addr(i-1))
		}
		g.Go(func() error {
			if err := m.nodes[i].Dial(ctx, targets...); err != nil {
				return fmt.Errorf("node %d: %w", i, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (m *Mocknet) addr(i int) string {
	return m.nodes[i].ListenAddrs()[0].String()
}

// Nodes returns the nodes, the seed node first
func (m *Mocknet) Nodes() []*gochain.Node {
	return m.nodes
}

// Tip returns the tip of the generated chain
func (m *Mocknet) Tip() ledger.ChainTip {
	return m.nodes[0].Chain().Tip()
}

// SyncedCount returns how many nodes report SYNCED at the seed tip
func (m *Mocknet) SyncedCount() int {
	tip := m.Tip()
	count := 0
	for _, n := range m.nodes {
		if n.Syncer().State() == syncer.StateSynced && n.Chain().Tip().Hash == tip.Hash {
			count++
		}
	}
	return count
}

// Wait blocks until every node is SYNCED at the seed tip. A node reporting a
// fatal error or stopping on its own fails the run
func (m *Mocknet) Wait(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		for i, n := range m.nodes {
			select {
			case err := <-n.ErrorChan():
				return fmt.Errorf("%w: node %d: %w", ErrNodeCrashed, i, err)
			case <-n.DoneChan():
				return fmt.Errorf("%w: node %d stopped", ErrNodeCrashed, i)
			default:
			}
		}
		synced := m.SyncedCount()
		if synced == len(m.nodes) {
			m.logger.Info(
				"mocknet synced",
				"nodes", synced,
				"tip", m.Tip().String(),
			)
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d of %d nodes synced: %w", synced, len(m.nodes), ctx.Err())
		case <-ticker.C:
		}
	}
}

// Stop stops every node
func (m *Mocknet) Stop() error {
	var errs []error
	for i := len(m.nodes) - 1; i >= 0; i-- {
		if err := m.nodes[i].Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop node %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
