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
	"sort"
	"time"

	"github.com/blinklabs-io/gochain/ledger"
	"github.com/blinklabs-io/gochain/protocol"
)

type peerState struct {
	peer        Peer
	tip         ledger.ChainTip
	score       int
	inFlight    int
	banned      bool
	connectedAt time.Time
}

type ban struct {
	until time.Time
	count int
}

func (s *SyncManager) addPeer(peer Peer, tip ledger.ChainTip) {
	if peer == nil {
		return
	}
	if s.IsBanned(peer.BanKey()) {
		s.logger.Info(
			"rejecting banned peer",
			"peer", peer.Id(),
		)
		peer.Close(ErrBanned)
		return
	}
	s.mu.Lock()
	s.peers[peer.Id()] = &peerState{
		peer:        peer,
		tip:         tip,
		connectedAt: s.config.Clock.Now(),
	}
	count := len(s.peers)
	s.mu.Unlock()
	s.logger.Info(
		"peer connected",
		"peer", peer.Id(),
		"tip", tip.String(),
		"peers", count,
	)
}

func (s *SyncManager) removePeer(peer Peer, reason error) {
	if peer == nil {
		return
	}
	s.mu.Lock()
	ps, ok := s.peers[peer.Id()]
	// A reconnect under the same id may already have replaced the entry
	if !ok || ps.peer != peer {
		s.mu.Unlock()
		return
	}
	delete(s.peers, peer.Id())
	s.mu.Unlock()
	s.sched.peerGone(peer.Id())
	s.logger.Info(
		"peer disconnected",
		"peer", peer.Id(),
		"reason", reason,
	)
}

// hasPeer reports whether a peer is connected and not pending disconnect
// after a ban
func (s *SyncManager) hasPeer(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.peers[id]
	return ok && !ps.banned
}

func (s *SyncManager) updatePeerTip(id string, tip ledger.ChainTip) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ps, ok := s.peers[id]; ok {
		ps.tip = tip
	}
}

// lowerPeerHeight caps the height a peer is trusted to serve after it
// returned fewer blocks than its tip claims
func (s *SyncManager) lowerPeerHeight(id string, height uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ps, ok := s.peers[id]; ok && ps.tip.Height > height {
		ps.tip.Height = height
	}
}

func (s *SyncManager) bestPeerTip() (ledger.ChainTip, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best ledger.ChainTip
	found := false
	for _, ps := range s.peers {
		if ps.banned {
			continue
		}
		if !found || ps.tip.Work.Gt(&best.Work) {
			best = ps.tip
			found = true
		}
	}
	return best, found
}

func (s *SyncManager) sortedPeersLocked() []*peerState {
	ret := make([]*peerState, 0, len(s.peers))
	for _, ps := range s.peers {
		ret = append(ret, ps)
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].peer.Id() < ret[j].peer.Id()
	})
	return ret
}

// PeerScore returns the misbehavior score of a connected peer
func (s *SyncManager) PeerScore(id string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.peers[id]
	if !ok {
		return 0, false
	}
	return ps.score, true
}

// PeerCount returns the number of connected peers
func (s *SyncManager) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// IsBanned reports whether a remote is currently banned
func (s *SyncManager) IsBanned(key string) bool {
	now := s.config.Clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bans[key]
	return ok && b.until.After(now)
}

// penalize adds score to a peer and bans it once the threshold is reached.
// Repeat bans of the same remote double in length up to the configured cap
func (s *SyncManager) penalize(id string, score int, reason string) {
	if id == SourceLocal || score <= 0 {
		return
	}
	s.mu.Lock()
	ps, ok := s.peers[id]
	if !ok || ps.banned {
		s.mu.Unlock()
		return
	}
	ps.score += score
	s.penalties.Add(1)
	total := ps.score
	if total < s.config.BanThreshold {
		s.mu.Unlock()
		s.logger.Debug(
			"peer penalized",
			"peer", id,
			"score", total,
			"reason", reason,
		)
		return
	}
	ps.banned = true
	key := ps.peer.BanKey()
	b, ok := s.bans[key]
	if !ok {
		b = &ban{}
		s.bans[key] = b
	}
	b.count++
	duration := s.config.BanDuration
	for i := 1; i < b.count && duration < s.config.MaxBanDuration; i++ {
		duration *= 2
	}
	if duration > s.config.MaxBanDuration {
		duration = s.config.MaxBanDuration
	}
	b.until = s.config.Clock.Now().Add(duration)
	peer := ps.peer
	s.mu.Unlock()
	s.banCount.Add(1)
	s.sched.peerGone(id)
	s.logger.Warn(
		"banning peer",
		"peer", id,
		"score", total,
		"duration", duration.String(),
		"reason", reason,
	)
	peer.Close(ErrBanned)
}

// expireBans forgets remotes whose last ban ended long enough ago that a new
// ban would no longer be escalated
func (s *SyncManager) expireBans(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, b := range s.bans {
		if now.Sub(b.until) > s.config.MaxBanDuration {
			delete(s.bans, key)
		}
	}
}

// broadcast sends a message to every peer except the one named
func (s *SyncManager) broadcast(msg protocol.Message, except string) {
	s.mu.RLock()
	targets := make([]Peer, 0, len(s.peers))
	for id, ps := range s.peers {
		if id == except || ps.banned {
			continue
		}
		targets = append(targets, ps.peer)
	}
	s.mu.RUnlock()
	for _, peer := range targets {
		if err := peer.Send(msg); err != nil {
			s.logger.Debug(
				"failed to relay message",
				"peer", peer.Id(),
				"error", err,
			)
		}
	}
}
