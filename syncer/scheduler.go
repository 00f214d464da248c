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
	"context"
	"errors"
	"sort"
	"time"

	"github.com/blinklabs-io/gochain/ledger"
	"github.com/blinklabs-io/gochain/pipeline"
	"github.com/blinklabs-io/gochain/protocol"
)

type requestKind uint8

const (
	// requestForward fetches the next canonical range while syncing
	requestForward requestKind = iota + 1
	// requestParents fetches the blocks below an orphan
	requestParents
)

type request struct {
	id       uint64
	peer     string
	rng      protocol.BlockRange
	kind     requestKind
	parent   ledger.Hash
	deadline time.Time
	retries  int
}

type pendingRange struct {
	rng     protocol.BlockRange
	retries int
	// avoid names the peer that last failed the range
	avoid string
}

type completedRange struct {
	blocks []ledger.Block
	source string
}

type submission struct {
	block  *ledger.Block
	source string
}

// scheduler splits the gap between the local tip and the best peer tip into
// ranges, spreads them over peers and hands the blocks to the pipeline in
// height order. It is only used from the run loop
type scheduler struct {
	s             *SyncManager
	nextRequestId uint64
	requests      map[uint64]*request
	pending       []pendingRange
	// nextHeight is the first height not yet requested
	nextHeight uint64
	// submitHeight is the first height not yet handed to the pipeline
	submitHeight uint64
	completed    map[uint64]completedRange
	queue        []submission
	outstanding  int
	parents      map[ledger.Hash]uint64
	announced    ledger.Hash
}

func newScheduler(s *SyncManager) *scheduler {
	return &scheduler{
		s:         s,
		requests:  make(map[uint64]*request),
		completed: make(map[uint64]completedRange),
		parents:   make(map[ledger.Hash]uint64),
	}
}

func (sc *scheduler) lookahead() uint64 {
	return uint64(sc.s.config.MaxInFlight) * uint64(sc.s.config.BatchSize) * 2
}

// resetIfIdle restarts forward scheduling just above the local tip once
// nothing is in flight. Buffered ranges left behind by a gap are dropped
func (sc *scheduler) resetIfIdle(local ledger.ChainTip) {
	if len(sc.requests) > 0 || len(sc.pending) > 0 || len(sc.queue) > 0 || sc.outstanding > 0 {
		return
	}
	best, ok := sc.s.bestPeerTip()
	if !ok {
		return
	}
	start := local.Height + 1
	// A heavier branch that is not longer is fetched from its tip and
	// completed backwards through the orphan path
	if best.Height < start {
		start = max(best.Height, 1)
	}
	if sc.nextHeight == start && sc.submitHeight == start && len(sc.completed) == 0 {
		return
	}
	sc.nextHeight = start
	sc.submitHeight = start
	clear(sc.completed)
}

func (sc *scheduler) schedule() {
	if sc.s.State() != StateSyncing {
		return
	}
	for len(sc.requests) < sc.s.config.MaxInFlight {
		local := sc.s.chain.Tip()
		best, ok := sc.s.bestPeerTip()
		if !ok {
			return
		}
		fromPending := len(sc.pending) > 0
		var pr pendingRange
		if fromPending {
			pr = sc.pending[0]
			if pr.rng.Start > best.Height {
				// No peer claims this range any more
				sc.pending = sc.pending[1:]
				continue
			}
		} else {
			if sc.nextHeight == 0 || sc.nextHeight > best.Height {
				return
			}
			if sc.nextHeight >= sc.submitHeight+sc.lookahead() {
				return
			}
			count := min(uint64(sc.s.config.BatchSize), best.Height-sc.nextHeight+1)
			pr.rng = protocol.BlockRange{
				Start: sc.nextHeight,
				Count: uint32(count),
			}
		}
		ps := sc.pickPeer(pr.rng, pr.avoid, local)
		if ps == nil {
			return
		}
		if !sc.send(ps, pr.rng, requestForward, ledger.Hash{}, pr.retries) {
			return
		}
		if fromPending {
			sc.pending = sc.pending[1:]
		} else {
			sc.nextHeight = pr.rng.End()
		}
	}
}

// pickPeer returns the least loaded peer that claims more work than the
// local tip and a tip high enough to serve the range. The avoided peer is
// only used when nobody else qualifies
func (sc *scheduler) pickPeer(
	rng protocol.BlockRange,
	avoid string,
	local ledger.ChainTip,
) *peerState {
	s := sc.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best, fallback *peerState
	for _, ps := range s.sortedPeersLocked() {
		if ps.banned || ps.tip.Height < rng.End()-1 || !ps.tip.Work.Gt(&local.Work) {
			continue
		}
		if ps.peer.Id() == avoid {
			fallback = ps
			continue
		}
		if best == nil || ps.inFlight < best.inFlight {
			best = ps
		}
	}
	if best == nil {
		return fallback
	}
	return best
}

func (sc *scheduler) send(
	ps *peerState,
	rng protocol.BlockRange,
	kind requestKind,
	parent ledger.Hash,
	retries int,
) bool {
	s := sc.s
	sc.nextRequestId++
	id := sc.nextRequestId
	if err := ps.peer.Send(protocol.NewMsgBlockRequest(id, rng.Start, rng.Count)); err != nil {
		s.logger.Debug(
			"failed to send block request",
			"peer", ps.peer.Id(),
			"error", err,
		)
		return false
	}
	sc.requests[id] = &request{
		id:       id,
		peer:     ps.peer.Id(),
		rng:      rng,
		kind:     kind,
		parent:   parent,
		deadline: s.config.Clock.Now().Add(s.config.RequestTimeout),
		retries:  retries,
	}
	s.mu.Lock()
	ps.inFlight++
	s.mu.Unlock()
	s.requestsSent.Add(1)
	s.logger.Debug(
		"requested blocks",
		"peer", ps.peer.Id(),
		"start", rng.Start,
		"count", rng.Count,
		"request_id", id,
	)
	return true
}

// finish forgets a request and releases its slot on the peer
func (sc *scheduler) finish(req *request) {
	delete(sc.requests, req.id)
	if req.kind == requestParents {
		delete(sc.parents, req.parent)
	}
	s := sc.s
	s.mu.Lock()
	if ps, ok := s.peers[req.peer]; ok && ps.inFlight > 0 {
		ps.inFlight--
	}
	s.mu.Unlock()
}

func (sc *scheduler) requeue(rng protocol.BlockRange, retries int, avoid string) {
	if retries > sc.s.config.MaxRetries {
		sc.s.setStalled(true)
		retries = 0
	}
	sc.pending = append(
		sc.pending,
		pendingRange{
			rng:     rng,
			retries: retries,
			avoid:   avoid,
		},
	)
}

func (sc *scheduler) handleResponse(peerId string, msg *protocol.MsgBlockResponse) {
	s := sc.s
	req, ok := sc.requests[msg.RequestId]
	if !ok || req.peer != peerId {
		s.penalize(peerId, s.config.Penalties.Unsolicited, "unsolicited block response")
		return
	}
	sc.finish(req)
	blocks := msg.Blocks
	valid := len(blocks) <= int(req.rng.Count)
	for i := 0; valid && i < len(blocks); i++ {
		valid = blocks[i].Height() == req.rng.Start+uint64(i)
	}
	if !valid {
		s.penalize(peerId, s.config.Penalties.Violation, "block response does not match request")
		if req.kind == requestForward {
			sc.requeue(req.rng, req.retries+1, peerId)
		}
		return
	}
	if req.kind == requestParents {
		for i := range blocks {
			sc.enqueueSubmission(&blocks[i], peerId)
		}
		return
	}
	if got := uint32(len(blocks)); got < req.rng.Count {
		rest := protocol.BlockRange{
			Start: req.rng.Start + uint64(got),
			Count: req.rng.Count - got,
		}
		if got == 0 {
			// The peer has nothing at this height despite its claimed tip
			sc.s.lowerPeerHeight(peerId, rest.Start-1)
			sc.requeue(rest, req.retries+1, peerId)
		} else {
			// A short response is the serving side staying under its
			// message size limit
			sc.requeue(rest, req.retries, "")
		}
	}
	if len(blocks) == 0 || req.rng.Start < sc.submitHeight {
		return
	}
	sc.completed[req.rng.Start] = completedRange{
		blocks: blocks,
		source: peerId,
	}
	sc.advance()
}

// advance submits buffered ranges that continue the submitted heights
func (sc *scheduler) advance() {
	for {
		c, ok := sc.completed[sc.submitHeight]
		if !ok {
			return
		}
		delete(sc.completed, sc.submitHeight)
		for i := range c.blocks {
			sc.enqueueSubmission(&c.blocks[i], c.source)
		}
		sc.submitHeight += uint64(len(c.blocks))
	}
}

func (sc *scheduler) expireRequests(now time.Time) {
	var expired []*request
	for _, req := range sc.requests {
		if now.After(req.deadline) {
			expired = append(expired, req)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].id < expired[j].id
	})
	for _, req := range expired {
		if _, ok := sc.requests[req.id]; !ok {
			continue
		}
		sc.finish(req)
		sc.s.timeouts.Add(1)
		sc.s.logger.Debug(
			"block request timed out",
			"peer", req.peer,
			"request_id", req.id,
			"error", ErrRequestTimeout,
		)
		if req.kind == requestForward {
			sc.requeue(req.rng, req.retries+1, req.peer)
		}
		sc.s.penalize(req.peer, sc.s.config.Penalties.Timeout, ErrRequestTimeout.Error())
	}
}

// peerGone hands the requests of a departed peer back to the scheduler
func (sc *scheduler) peerGone(id string) {
	var gone []*request
	for _, req := range sc.requests {
		if req.peer == id {
			gone = append(gone, req)
		}
	}
	sort.Slice(gone, func(i, j int) bool {
		return gone[i].id < gone[j].id
	})
	for _, req := range gone {
		sc.finish(req)
		if req.kind == requestForward {
			sc.requeue(req.rng, req.retries, "")
		}
	}
}

// requestParents asks for the blocks below orphans whose missing parent lies
// at or below the local tip. Orphans further ahead are reached by forward
// sync
func (sc *scheduler) requestParents(source string) {
	s := sc.s
	local := s.chain.Tip()
	floor := uint64(1)
	if local.Height > s.config.MaxReorgDepth {
		floor = local.Height - s.config.MaxReorgDepth
	}
	type root struct {
		parent ledger.Hash
		height uint64
	}
	var roots []root
	for parent, height := range s.chain.MissingParents() {
		if _, ok := sc.parents[parent]; ok || height < 2 {
			continue
		}
		parentHeight := height - 1
		if parentHeight > local.Height || parentHeight < floor {
			continue
		}
		roots = append(roots, root{parent: parent, height: height})
	}
	sort.Slice(roots, func(i, j int) bool {
		return roots[i].height < roots[j].height
	})
	for _, r := range roots {
		start := floor
		if r.height > uint64(s.config.BatchSize) && r.height-uint64(s.config.BatchSize) > floor {
			start = r.height - uint64(s.config.BatchSize)
		}
		rng := protocol.BlockRange{
			Start: start,
			Count: uint32(r.height - start),
		}
		ps := sc.parentSource(source, rng)
		if ps == nil {
			return
		}
		if !sc.send(ps, rng, requestParents, r.parent, 0) {
			return
		}
		sc.parents[r.parent] = sc.nextRequestId
	}
}

// parentSource prefers the peer that sent the orphan
func (sc *scheduler) parentSource(source string, rng protocol.BlockRange) *peerState {
	s := sc.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ps, ok := s.peers[source]; ok && !ps.banned {
		return ps
	}
	var best *peerState
	for _, ps := range s.sortedPeersLocked() {
		if ps.banned || ps.tip.Height < rng.End()-1 {
			continue
		}
		if best == nil || ps.tip.Work.Gt(&best.tip.Work) {
			best = ps
		}
	}
	return best
}

func (sc *scheduler) enqueueSubmission(block *ledger.Block, source string) {
	if uint64(len(sc.queue)) >= 2*sc.lookahead() {
		sc.s.logger.Debug(
			"submission queue full, dropping block",
			"hash", block.Hash().String(),
			"source", source,
		)
		return
	}
	sc.queue = append(sc.queue, submission{block: block, source: source})
}

func (sc *scheduler) submissionDone() {
	if sc.outstanding > 0 {
		sc.outstanding--
	}
}

// drainSubmissions hands queued blocks to the pipeline while fewer than
// MaxPendingSubmit are awaiting a result, so Submit never blocks the loop
func (sc *scheduler) drainSubmissions(ctx context.Context) {
	for len(sc.queue) > 0 && sc.outstanding < sc.s.config.MaxPendingSubmit {
		next := sc.queue[0]
		if err := sc.s.pipeline.Submit(ctx, next.block, next.source); err != nil {
			if errors.Is(err, pipeline.ErrPipelineStopped) ||
				errors.Is(err, pipeline.ErrPipelineNotStarted) {
				sc.queue = nil
			}
			sc.s.logger.Debug("failed to submit block", "error", err)
			return
		}
		sc.queue[0] = submission{}
		sc.queue = sc.queue[1:]
		sc.outstanding++
	}
}
