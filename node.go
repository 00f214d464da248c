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

package gochain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/blinklabs-io/gochain/chain"
	"github.com/blinklabs-io/gochain/consensus"
	"github.com/blinklabs-io/gochain/database"
	"github.com/blinklabs-io/gochain/ledger"
	"github.com/blinklabs-io/gochain/mempool"
	"github.com/blinklabs-io/gochain/peer"
	"github.com/blinklabs-io/gochain/pipeline"
	"github.com/blinklabs-io/gochain/protocol/keepalive"
	"github.com/blinklabs-io/gochain/syncer"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const DefaultMaintenanceInterval = time.Minute

var (
	ErrNodeAlreadyStarted = errors.New("node: already started")
	ErrNodeNotStarted     = errors.New("node: not started")
	ErrNodeStopped        = errors.New("node: stopped")
)

// Node wires the chain store, block pipeline, transaction pool and sync
// manager together and runs a peer session for every connection
type Node struct {
	network             Network
	logger              *slog.Logger
	clock               consensus.Clock
	db                  database.Database
	ownsDb              bool
	storageBackend      string
	storagePath         string
	errorChan           chan error
	pipelineWorkers     int
	chainOptions        []chain.ChainStoreOptionFunc
	syncOptions         []syncer.SyncOptionFunc
	mempoolOptions      []mempool.MempoolOptionFunc
	keepAliveConfig     *keepalive.Config
	handshakeTimeout    time.Duration
	maxPeers            int
	banKeyFunc          func(net.Addr) string
	peers               []string
	registry            *prometheus.Registry
	maintenanceInterval time.Duration

	validator   *consensus.Validator
	chain       *chain.ChainStore
	pipeline    *pipeline.BlockPipeline
	mempool     *mempool.Mempool
	syncer      *syncer.SyncManager
	connManager *ConnectionManager
	metrics     *nodeMetrics

	mutex     sync.Mutex
	started   bool
	stopped   bool
	listeners []net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	onceStop  sync.Once
	stopErr   error
	doneChan  chan struct{}
}

// New returns a new Node object with the specified options. Nothing runs
// until Start is called
func New(options ...NodeOptionFunc) (*Node, error) {
	n := &Node{
		network:             NetworkMainnet,
		clock:               consensus.SystemClock{},
		maintenanceInterval: DefaultMaintenanceInterval,
		doneChan:            make(chan struct{}),
	}
	for _, option := range options {
		option(n)
	}
	if n.network == NetworkInvalid {
		return nil, errors.New("node: invalid network")
	}
	if n.logger == nil {
		n.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	n.logger = n.logger.With("network", n.network.Name)
	if n.errorChan == nil {
		n.errorChan = make(chan error, 10)
	}
	if n.registry == nil {
		n.registry = prometheus.NewRegistry()
	}
	if n.maintenanceInterval <= 0 {
		n.maintenanceInterval = DefaultMaintenanceInterval
	}
	if n.banKeyFunc == nil {
		n.banKeyFunc = hostBanKey
	}
	if n.db == nil {
		db, err := database.Open(n.storageBackend, n.storagePath)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		n.db = db
		n.ownsDb = true
	}
	if err := n.setup(); err != nil {
		if n.ownsDb {
			_ = n.db.Close()
		}
		return nil, err
	}
	return n, nil
}

func (n *Node) setup() error {
	var err error
	n.validator, err = consensus.NewValidator(
		consensus.WithParams(n.network.Params),
		consensus.WithClock(n.clock),
		consensus.WithLogger(n.logger),
	)
	if err != nil {
		return err
	}
	chainOptions := []chain.ChainStoreOptionFunc{
		chain.WithDatabase(n.db),
		chain.WithValidator(n.validator),
		chain.WithGenesis(n.network.Genesis()),
		chain.WithLogger(n.logger),
	}
	chainOptions = append(chainOptions, n.chainOptions...)
	chainOptions = append(chainOptions, chain.WithReorgFunc(n.onReorg))
	n.chain, err = chain.New(chainOptions...)
	if err != nil {
		return fmt.Errorf("open chain: %w", err)
	}
	pipelineOptions := []pipeline.PipelineOption{
		pipeline.WithValidator(n.validator),
		pipeline.WithApplyFunc(pipeline.InsertInto(n.chain)),
	}
	if n.pipelineWorkers > 0 {
		pipelineOptions = append(pipelineOptions, pipeline.WithPrecheckWorkers(n.pipelineWorkers))
	}
	n.pipeline = pipeline.NewBlockPipeline(pipelineOptions...)
	mempoolOptions := []mempool.MempoolOptionFunc{
		mempool.WithValidator(n.validator),
		mempool.WithLogger(n.logger),
		mempool.WithClock(n.clock),
	}
	n.mempool, err = mempool.New(append(mempoolOptions, n.mempoolOptions...)...)
	if err != nil {
		return err
	}
	syncOptions := []syncer.SyncOptionFunc{
		syncer.WithChain(n.chain),
		syncer.WithPipeline(n.pipeline),
		syncer.WithMempool(n.mempool),
		syncer.WithLogger(n.logger),
		syncer.WithClock(n.clock),
	}
	n.syncer, err = syncer.New(append(syncOptions, n.syncOptions...)...)
	if err != nil {
		return err
	}
	n.connManager = NewConnectionManager(
		ConnectionManagerConfig{
			ConnClosedFunc: n.connClosed,
			MaxConnections: n.maxPeers,
		},
	)
	for _, addr := range n.peers {
		n.connManager.AddHost(addr, ConnectionManagerTagHostSeed)
	}
	n.metrics = newNodeMetrics(n)
	return nil
}

func hostBanKey(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// Start starts the pipeline and the sync manager and dials the configured
// peers in the background
func (n *Node) Start(ctx context.Context) error {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if n.stopped {
		return ErrNodeStopped
	}
	if n.started {
		return ErrNodeAlreadyStarted
	}
	n.ctx, n.cancel = context.WithCancel(ctx)
	if err := n.pipeline.Start(n.ctx); err != nil {
		n.cancel()
		return fmt.Errorf("start pipeline: %w", err)
	}
	if err := n.syncer.Start(n.ctx); err != nil {
		n.cancel()
		_ = n.pipeline.Stop()
		return fmt.Errorf("start syncer: %w", err)
	}
	n.started = true
	n.waitGroup.Add(2)
	go n.watchErrors()
	go n.maintenance()
	if hosts := n.connManager.HostsByTags(ConnectionManagerTagHostSeed); len(hosts) > 0 {
		n.waitGroup.Add(1)
		go func() {
			defer n.waitGroup.Done()
			if err := n.Dial(n.ctx, hosts...); err != nil {
				n.logger.Warn(
					"failed to connect to peer",
					"error", err,
				)
			}
		}()
	}
	tip := n.chain.Tip()
	n.logger.Info(
		"node started",
		"tip", tip.Hash.String(),
		"height", tip.Height,
	)
	return nil
}

// Listen accepts inbound connections on the given TCP address
func (n *Node) Listen(addr string) error {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if n.stopped {
		return ErrNodeStopped
	}
	if !n.started {
		return ErrNodeNotStarted
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	n.listeners = append(n.listeners, listener)
	n.waitGroup.Add(1)
	go n.acceptLoop(listener)
	n.logger.Info(
		"listening for connections",
		"address", listener.Addr().String(),
	)
	return nil
}

// ListenAddrs returns the addresses the node accepts connections on
func (n *Node) ListenAddrs() []net.Addr {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	ret := make([]net.Addr, 0, len(n.listeners))
	for _, listener := range n.listeners {
		ret = append(ret, listener.Addr())
	}
	return ret
}

func (n *Node) acceptLoop(listener net.Listener) {
	defer n.waitGroup.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if n.ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				n.logger.Error(
					"accept failed",
					"address", listener.Addr().String(),
					"error", err,
				)
			}
			return
		}
		n.waitGroup.Add(1)
		go func() {
			defer n.waitGroup.Done()
			if err := n.AddConn(n.ctx, conn, false); err != nil {
				n.logger.Debug(
					"inbound connection failed",
					"remote_addr", conn.RemoteAddr().String(),
					"error", err,
				)
			}
		}()
	}
}

// Dial connects to the given addresses concurrently and returns once every
// handshake has finished. The first failure is returned
func (n *Node) Dial(ctx context.Context, addrs ...string) error {
	var g errgroup.Group
	for _, addr := range addrs {
		g.Go(func() error {
			var dialer net.Dialer
			conn, err := dialer.DialContext(ctx, "tcp", addr)
			if err != nil {
				return fmt.Errorf("dial %s: %w", addr, err)
			}
			if err := n.AddConn(ctx, conn, true); err != nil {
				return fmt.Errorf("connect %s: %w", addr, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// AddConn runs a peer session on an established connection. It returns once
// the handshake has completed or failed
func (n *Node) AddConn(ctx context.Context, conn net.Conn, outbound bool) error {
	n.mutex.Lock()
	started, stopped := n.started, n.stopped
	n.mutex.Unlock()
	if stopped || !started {
		_ = conn.Close()
		if stopped {
			return ErrNodeStopped
		}
		return ErrNodeNotStarted
	}
	sessionOptions := []peer.SessionOptionFunc{
		peer.WithConnection(conn),
		peer.WithOutbound(outbound),
		peer.WithBanKey(n.banKeyFunc(conn.RemoteAddr())),
		peer.WithNetworkMagic(n.network.NetworkMagic),
		peer.WithChain(n.chain),
		peer.WithSink(n.syncer),
		peer.WithLogger(n.logger),
	}
	if n.handshakeTimeout > 0 {
		sessionOptions = append(sessionOptions, peer.WithHandshakeTimeout(n.handshakeTimeout))
	}
	if n.keepAliveConfig != nil {
		sessionOptions = append(sessionOptions, peer.WithKeepAliveConfig(*n.keepAliveConfig))
	}
	session, err := peer.NewSession(sessionOptions...)
	if err != nil {
		_ = conn.Close()
		return err
	}
	connId := ConnectionId{
		LocalAddr:  conn.LocalAddr(),
		RemoteAddr: conn.RemoteAddr(),
	}
	tag := ConnectionManagerTagRoleResponder
	if outbound {
		tag = ConnectionManagerTagRoleInitiator
	}
	if err := n.connManager.AddConnection(connId, session, tag); err != nil {
		session.Close(err)
		return err
	}
	return session.Start(ctx)
}

func (n *Node) connClosed(connId ConnectionId, err error) {
	n.logger.Debug(
		"connection closed",
		"connection_id", connId.String(),
		"error", err,
	)
}

func (n *Node) onReorg(plan *chain.ReorgPlan, done bool) {
	n.syncer.OnReorg(plan, done)
	if done {
		n.metrics.reorgDepth.Observe(float64(plan.Depth()))
	}
}

// watchErrors stops the node on storage or crypto failures
func (n *Node) watchErrors() {
	defer n.waitGroup.Done()
	select {
	case <-n.ctx.Done():
	case err := <-n.syncer.ErrorChan():
		n.fatal(err)
	}
}

func (n *Node) maintenance() {
	defer n.waitGroup.Done()
	ticker := time.NewTicker(n.maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			result, err := n.chain.Prune()
			if err != nil {
				n.fatal(fmt.Errorf("prune chain: %w", err))
				return
			}
			if result.Blocks > 0 || result.Orphans > 0 {
				n.logger.Debug(
					"pruned chain",
					"branches", result.Branches,
					"blocks", result.Blocks,
					"orphans", result.Orphans,
				)
			}
			if expired := n.mempool.Expire(); expired > 0 {
				n.logger.Debug(
					"expired transactions",
					"count", expired,
				)
			}
		}
	}
}

func (n *Node) fatal(err error) {
	n.logger.Error(
		"fatal error, stopping node",
		"error", err,
	)
	select {
	case n.errorChan <- err:
	default:
	}
	go func() {
		_ = n.Stop()
	}()
}

// Stop closes every session and shuts the node down. It is safe to call
// more than once
func (n *Node) Stop() error {
	n.onceStop.Do(func() {
		n.mutex.Lock()
		n.stopped = true
		started := n.started
		listeners := n.listeners
		n.mutex.Unlock()
		var errs []error
		if started {
			n.cancel()
			for _, listener := range listeners {
				_ = listener.Close()
			}
			n.connManager.Close(ErrNodeStopped)
			n.syncer.Stop()
			if err := n.pipeline.Stop(); err != nil {
				errs = append(errs, err)
			}
			n.waitGroup.Wait()
		} else {
			n.connManager.Close(ErrNodeStopped)
		}
		if n.ownsDb {
			if err := n.db.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close database: %w", err))
			}
		}
		n.stopErr = errors.Join(errs...)
		n.logger.Info("node stopped")
		close(n.doneChan)
	})
	<-n.doneChan
	return n.stopErr
}

// DoneChan is closed once the node has stopped
func (n *Node) DoneChan() <-chan struct{} {
	return n.doneChan
}

// ErrorChan returns the channel fatal errors are reported on. The node stops
// itself after reporting one
func (n *Node) ErrorChan() <-chan error {
	return n.errorChan
}

func (n *Node) Network() Network {
	return n.network
}

func (n *Node) Chain() *chain.ChainStore {
	return n.chain
}

func (n *Node) Mempool() *mempool.Mempool {
	return n.mempool
}

func (n *Node) Syncer() *syncer.SyncManager {
	return n.syncer
}

func (n *Node) Pipeline() *pipeline.BlockPipeline {
	return n.pipeline
}

func (n *Node) Registry() *prometheus.Registry {
	return n.registry
}

func (n *Node) ConnectionManager() *ConnectionManager {
	return n.connManager
}

// SubmitBlock hands a locally produced block to the node. It is validated and
// inserted like any other block and announced to peers once it becomes the tip
func (n *Node) SubmitBlock(ctx context.Context, block *ledger.Block) error {
	return n.syncer.SubmitBlock(ctx, block)
}

// SubmitTransaction adds a transaction to the pool and relays it to peers
func (n *Node) SubmitTransaction(tx ledger.Transaction) (ledger.Hash, error) {
	return n.syncer.SubmitTransaction(tx)
}
