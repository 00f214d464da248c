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

// Package syncer implements the sync manager. It tracks connected peers and
// their claimed tips, schedules block range requests, hands received blocks
// to the validation pipeline and keeps the node-wide sync state
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blinklabs-io/gochain/chain"
	"github.com/blinklabs-io/gochain/ledger"
	"github.com/blinklabs-io/gochain/pipeline"
	"github.com/blinklabs-io/gochain/protocol"
)

var (
	ErrStopped         = errors.New("syncer: stopped")
	ErrAlreadyStarted  = errors.New("syncer: already started")
	ErrMissingChain    = errors.New("syncer: chain store not configured")
	ErrMissingPipeline = errors.New("syncer: pipeline not configured")
	// ErrRequestTimeout is recorded against peers that leave a block request
	// unanswered. The range is retried elsewhere and the sync marked stalled
	// once retries run out
	ErrRequestTimeout = errors.New("syncer: block request timed out")
	// ErrBanned is the reason given to peers disconnected for misbehavior
	ErrBanned = errors.New("syncer: peer banned")
)

// Peer is the view the sync manager has of a connected session
type Peer interface {
	Id() string
	// BanKey identifies the remote across reconnects, usually its host
	BanKey() string
	// Send queues a message without blocking
	Send(msg protocol.Message) error
	Close(err error)
}

type EventKind uint8

const (
	KindPeerConnected EventKind = iota + 1
	KindPeerDisconnected
	KindMessage
	KindMisbehavior
	KindLocalBlock
)

// Event is delivered by sessions and the node to the sync manager
type Event struct {
	Kind EventKind
	Peer Peer
	// Tip is the tip announced in the handshake of a connecting peer
	Tip     ledger.ChainTip
	Message protocol.Message
	// Err describes a misbehavior or the reason of a disconnect
	Err   error
	Block *ledger.Block
}

// SyncManager drives chain synchronization. A single goroutine owns the
// scheduling state. Peer and ban bookkeeping is guarded by its own mutex so
// status queries never touch the chain lock
type SyncManager struct {
	config   Config
	chain    *chain.ChainStore
	pipeline *pipeline.BlockPipeline
	logger   *slog.Logger

	events    chan Event
	reorgDone chan struct{}
	errorChan chan error
	doneChan  chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	stateMu sync.RWMutex
	state   SyncState
	stalled bool

	mu    sync.RWMutex
	peers map[string]*peerState
	bans  map[string]*ban

	sched   *scheduler
	poolTip ledger.ChainTip

	reorgs       atomic.Uint64
	requestsSent atomic.Uint64
	timeouts     atomic.Uint64
	penalties    atomic.Uint64
	banCount     atomic.Uint64
}

// New creates a sync manager. The chain store and pipeline are required
func New(options ...SyncOptionFunc) (*SyncManager, error) {
	config := NewConfig(options...)
	if config.Chain == nil {
		return nil, ErrMissingChain
	}
	if config.Pipeline == nil {
		return nil, ErrMissingPipeline
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if config.BatchSize == 0 {
		config.BatchSize = DefaultBatchSize
	}
	// Peers never serve more than this in one response
	config.BatchSize = min(config.BatchSize, protocol.MaxBlocksPerResponse)
	if config.MaxInFlight <= 0 {
		config.MaxInFlight = DefaultMaxInFlight
	}
	if config.EventQueueSize <= 0 {
		config.EventQueueSize = DefaultEventQueueSize
	}
	if config.MaxPendingSubmit <= 0 {
		config.MaxPendingSubmit = DefaultMaxPendingSubmit
	}
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultTickInterval
	}
	s := &SyncManager{
		config:   config,
		chain:    config.Chain,
		pipeline: config.Pipeline,
		logger: config.Logger.With(
			"component", "syncer",
		),
		events:    make(chan Event, config.EventQueueSize),
		reorgDone: make(chan struct{}, 1),
		errorChan: make(chan error, 10),
		doneChan:  make(chan struct{}),
		state:     StateInitial,
		peers:     make(map[string]*peerState),
		bans:      make(map[string]*ban),
	}
	s.sched = newScheduler(s)
	return s, nil
}

// Start launches the run loop. The pipeline must already be started
func (s *SyncManager) Start(ctx context.Context) error {
	err := ErrAlreadyStarted
	s.startOnce.Do(func() {
		err = nil
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.poolTip = s.chain.Tip()
		s.started.Store(true)
		s.wg.Add(1)
		go s.run(runCtx)
	})
	return err
}

// Stop shuts down the run loop and waits for it to exit
func (s *SyncManager) Stop() {
	s.stopOnce.Do(func() {
		close(s.doneChan)
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

// DoneChan is closed once Stop is called
func (s *SyncManager) DoneChan() <-chan struct{} {
	return s.doneChan
}

// ErrorChan reports fatal errors from the pipeline and storage
func (s *SyncManager) ErrorChan() <-chan error {
	return s.errorChan
}

// Deliver hands an event to the run loop. It blocks while the event queue
// is full, which applies backpressure to the delivering session
func (s *SyncManager) Deliver(ctx context.Context, ev Event) error {
	select {
	case <-s.doneChan:
		return ErrStopped
	default:
	}
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneChan:
		return ErrStopped
	}
}

// SubmitBlock queues a locally produced block for validation and insertion
func (s *SyncManager) SubmitBlock(ctx context.Context, block *ledger.Block) error {
	return s.Deliver(ctx, Event{Kind: KindLocalBlock, Block: block})
}

// OnReorg is the chain store's reorganization hook. It runs under the chain
// lock and must not call back into the store
func (s *SyncManager) OnReorg(plan *chain.ReorgPlan, done bool) {
	if !done {
		s.reorgs.Add(1)
		s.fire(EventReorgStarted)
		return
	}
	select {
	case s.reorgDone <- struct{}{}:
	default:
	}
}

// State returns the current sync state
func (s *SyncManager) State() SyncState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Stalled reports whether a block range has exhausted its retries without
// progress since
func (s *SyncManager) Stalled() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.stalled
}

func (s *SyncManager) setStalled(stalled bool) {
	s.stateMu.Lock()
	changed := s.stalled != stalled
	s.stalled = stalled
	s.stateMu.Unlock()
	if changed && stalled {
		s.logger.Warn("sync stalled: block range exhausted its retries")
	} else if changed {
		s.logger.Info("sync resumed")
	}
}

func (s *SyncManager) fire(event SyncEvent) {
	s.stateMu.Lock()
	prev := s.state
	next, ok := NextState(prev, event)
	if !ok || next == prev {
		s.stateMu.Unlock()
		return
	}
	s.state = next
	s.stateMu.Unlock()
	s.logger.Info(
		fmt.Sprintf("sync state changed from %s to %s", prev, next),
		"event", event.String(),
	)
}

func (s *SyncManager) reportError(err error) {
	select {
	case s.errorChan <- err:
	default:
		s.logger.Error("dropping fatal error", "error", err)
	}
}

func (s *SyncManager) run(ctx context.Context) {
	defer s.wg.Done()
	results := s.pipeline.Results()
	pipelineErrors := s.pipeline.Errors()
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			s.handleEvent(ev)
		case item, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			s.handleResult(item)
		case err, ok := <-pipelineErrors:
			if !ok {
				pipelineErrors = nil
				continue
			}
			s.handlePipelineError(err)
		case <-s.reorgDone:
			s.evaluate()
		case <-ticker.C:
			s.tick()
		}
		s.sched.schedule()
		s.sched.drainSubmissions(ctx)
	}
}

func (s *SyncManager) handleEvent(ev Event) {
	switch ev.Kind {
	case KindPeerConnected:
		s.addPeer(ev.Peer, ev.Tip)
		s.evaluate()
	case KindPeerDisconnected:
		s.removePeer(ev.Peer, ev.Err)
		s.evaluate()
	case KindMessage:
		s.handleMessage(ev.Peer, ev.Message)
	case KindMisbehavior:
		s.handleMisbehavior(ev.Peer, ev.Err)
	case KindLocalBlock:
		if ev.Block != nil {
			s.sched.enqueueSubmission(ev.Block, SourceLocal)
		}
	}
}

// SourceLocal is the pipeline source of blocks submitted by the node itself
const SourceLocal = "local"

func (s *SyncManager) handleMessage(peer Peer, msg protocol.Message) {
	if peer == nil || !s.hasPeer(peer.Id()) {
		return
	}
	switch m := msg.(type) {
	case *protocol.MsgTipAnnounce:
		s.updatePeerTip(peer.Id(), m.Tip)
		s.evaluate()
	case *protocol.MsgBlockAnnounce:
		s.updatePeerTip(peer.Id(), m.Tip)
		block := m.Block
		if !s.chain.HasBlock(block.Hash()) {
			s.sched.enqueueSubmission(&block, peer.Id())
		}
		s.evaluate()
	case *protocol.MsgBlockResponse:
		s.sched.handleResponse(peer.Id(), m)
	case *protocol.MsgTxAnnounce:
		s.handleTransaction(peer.Id(), m.Transaction)
	default:
		s.penalize(
			peer.Id(),
			s.config.Penalties.Violation,
			fmt.Sprintf("unexpected message type %d", msg.Type()),
		)
	}
}

func (s *SyncManager) handleMisbehavior(peer Peer, err error) {
	if peer == nil {
		return
	}
	score := s.config.Penalties.Violation
	if protocol.IsDecodeError(err) {
		score = s.config.Penalties.DecodeError
	} else if errors.Is(err, protocol.ErrProtocolTimeout) {
		score = s.config.Penalties.Timeout
	}
	reason := "misbehavior"
	if err != nil {
		reason = err.Error()
	}
	s.penalize(peer.Id(), score, reason)
}

// Errors from the pipeline are storage or crypto failures on insertion and
// are fatal for the node
func (s *SyncManager) handlePipelineError(err error) {
	s.logger.Error("block insertion failed", "error", err)
	s.reportError(err)
}

func (s *SyncManager) handleResult(item *pipeline.BlockItem) {
	s.sched.submissionDone()
	source := item.Source()
	if !item.IsValid() {
		s.logger.Debug(
			"block failed precheck",
			"hash", item.Block().Hash().String(),
			"source", source,
			"error", item.ValidationError(),
		)
		s.penalize(source, s.config.Penalties.Validation, "invalid block")
		return
	}
	if item.ApplyError() != nil {
		return
	}
	s.handleInsertResult(source, item.Result())
	s.evaluate()
}

func (s *SyncManager) handleInsertResult(source string, result chain.InsertResult) {
	switch result.Status {
	case chain.StatusRejected:
		if errors.Is(result.Err, chain.ErrReorgTooDeep) {
			s.logger.Warn(
				"refusing deep reorganization",
				"hash", result.Hash.String(),
				"source", source,
			)
			return
		}
		s.logger.Debug(
			"block rejected",
			"hash", result.Hash.String(),
			"source", source,
			"reason", result.Reason,
		)
		s.penalize(source, s.config.Penalties.Validation, result.Reason)
	case chain.StatusOrphaned:
		s.sched.requestParents(source)
	case chain.StatusAccepted:
		s.setStalled(false)
	}
	if result.TipChanged {
		s.tipChanged(source, result.Tip)
	}
}

// evaluate compares the local tip with the best tip claimed by any peer and
// drives the state machine
func (s *SyncManager) evaluate() {
	local := s.chain.Tip()
	best, ok := s.bestPeerTip()
	if !ok {
		if s.State() == StateReorganizing {
			s.fire(EventCaughtUp)
		}
		return
	}
	if best.Work.Gt(&local.Work) {
		if s.State() != StateSyncing {
			s.fire(EventPeerAhead)
			s.sched.resetIfIdle(local)
		}
		return
	}
	s.fire(EventCaughtUp)
}

func (s *SyncManager) tick() {
	now := s.config.Clock.Now()
	s.sched.expireRequests(now)
	s.expireBans(now)
	if s.State() == StateSyncing {
		s.sched.resetIfIdle(s.chain.Tip())
	}
	s.announceTip()
}

// PeerStatus describes a connected peer
type PeerStatus struct {
	Id          string          `json:"id"`
	Tip         ledger.ChainTip `json:"-"`
	TipHeight   uint64          `json:"tip_height"`
	TipHash     string          `json:"tip_hash"`
	Score       int             `json:"score"`
	InFlight    int             `json:"in_flight"`
	ConnectedAt time.Time       `json:"connected_at"`
}

// Status is a snapshot of the sync manager
type Status struct {
	State        SyncState    `json:"state"`
	Stalled      bool         `json:"stalled"`
	Peers        []PeerStatus `json:"peers"`
	ActiveBans   int          `json:"active_bans"`
	Bans         uint64       `json:"bans"`
	Reorgs       uint64       `json:"reorgs"`
	RequestsSent uint64       `json:"requests_sent"`
	Timeouts     uint64       `json:"timeouts"`
	Penalties    uint64       `json:"penalties"`
}

func (s *SyncManager) Status() Status {
	status := Status{
		State:        s.State(),
		Stalled:      s.Stalled(),
		Bans:         s.banCount.Load(),
		Reorgs:       s.reorgs.Load(),
		RequestsSent: s.requestsSent.Load(),
		Timeouts:     s.timeouts.Load(),
		Penalties:    s.penalties.Load(),
	}
	now := s.config.Clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ps := range s.sortedPeersLocked() {
		status.Peers = append(
			status.Peers,
			PeerStatus{
				Id:          ps.peer.Id(),
				Tip:         ps.tip,
				TipHeight:   ps.tip.Height,
				TipHash:     ps.tip.Hash.String(),
				Score:       ps.score,
				InFlight:    ps.inFlight,
				ConnectedAt: ps.connectedAt,
			},
		)
	}
	for _, b := range s.bans {
		if b.until.After(now) {
			status.ActiveBans++
		}
	}
	return status
}
