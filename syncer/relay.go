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
	"errors"

	"github.com/blinklabs-io/gochain/consensus"
	"github.com/blinklabs-io/gochain/ledger"
	"github.com/blinklabs-io/gochain/mempool"
	"github.com/blinklabs-io/gochain/protocol"
)

// maxPoolWalk bounds how many blocks are walked when the mempool follows a
// tip change
const maxPoolWalk = 4096

func (s *SyncManager) tipChanged(source string, tip ledger.ChainTip) {
	s.updatePool(tip)
	// Results can trail the store, only the current tip is worth relaying
	if s.State() != StateSynced || tip.Hash != s.chain.Tip().Hash {
		return
	}
	block, err := s.chain.GetBlock(tip.Hash)
	if err != nil {
		s.logger.Debug(
			"failed to load new tip for relay",
			"hash", tip.Hash.String(),
			"error", err,
		)
		return
	}
	s.broadcast(protocol.NewMsgBlockAnnounce(*block, tip), source)
	s.sched.announced = tip.Hash
}

// announceTip tells peers about a tip they have not been sent, for example
// after catching up through range requests
func (s *SyncManager) announceTip() {
	if s.State() != StateSynced {
		return
	}
	tip := s.chain.Tip()
	if tip.Hash == s.sched.announced {
		return
	}
	s.sched.announced = tip.Hash
	s.broadcast(protocol.NewMsgTipAnnounce(tip), "")
}

// updatePool walks from the tip the mempool last saw to the new tip and
// moves transactions in or out of the pool for every block passed
func (s *SyncManager) updatePool(tip ledger.ChainTip) {
	old := s.poolTip
	s.poolTip = tip
	pool := s.config.Mempool
	if pool == nil || old.Hash == tip.Hash {
		return
	}
	var connected, disconnected []*ledger.Block
	oldHash, oldHeight := old.Hash, old.Height
	newHash, newHeight := tip.Hash, tip.Height
	for steps := 0; oldHash != newHash; steps++ {
		if steps > maxPoolWalk {
			s.logger.Warn(
				"tip change too large for mempool update",
				"from", old.String(),
				"to", tip.String(),
			)
			return
		}
		if newHeight >= oldHeight {
			block, err := s.chain.GetBlock(newHash)
			if err != nil {
				s.logger.Warn("mempool update failed", "error", err)
				return
			}
			connected = append(connected, block)
			newHash = block.PrevHash()
			newHeight--
			continue
		}
		block, err := s.chain.GetBlock(oldHash)
		if err != nil {
			s.logger.Warn("mempool update failed", "error", err)
			return
		}
		disconnected = append(disconnected, block)
		oldHash = block.PrevHash()
		oldHeight--
	}
	for _, block := range disconnected {
		pool.BlockDisconnected(block)
	}
	for i := len(connected) - 1; i >= 0; i-- {
		pool.BlockConnected(connected[i])
	}
}

func (s *SyncManager) handleTransaction(source string, tx ledger.Transaction) {
	pool := s.config.Mempool
	if pool == nil {
		return
	}
	txHash, err := pool.Add(tx)
	switch {
	case err == nil:
		s.logger.Debug(
			"transaction pooled",
			"hash", txHash.String(),
			"source", source,
		)
		s.broadcast(protocol.NewMsgTxAnnounce(tx), source)
	case errors.Is(err, mempool.ErrAlreadyKnown):
	case consensus.IsValidationError(err):
		s.penalize(source, s.config.Penalties.Validation, err.Error())
	default:
		s.logger.Debug(
			"transaction not pooled",
			"hash", txHash.String(),
			"source", source,
			"error", err,
		)
	}
}

// SubmitTransaction pools a locally created transaction and relays it
func (s *SyncManager) SubmitTransaction(tx ledger.Transaction) (ledger.Hash, error) {
	pool := s.config.Mempool
	if pool == nil {
		return ledger.Hash{}, errors.New("syncer: mempool not configured")
	}
	txHash, err := pool.Add(tx)
	if err != nil {
		return txHash, err
	}
	s.broadcast(protocol.NewMsgTxAnnounce(tx), SourceLocal)
	return txHash, nil
}
