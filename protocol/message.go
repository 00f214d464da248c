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

package protocol

import (
	"github.com/blinklabs-io/gochain/cbor"
	"github.com/blinklabs-io/gochain/ledger"
)

// Mini-protocol IDs used on the muxer
const (
	ProtocolIdHandshake uint16 = 0
	ProtocolIdChain     uint16 = 1
	ProtocolIdKeepAlive uint16 = 2
)

// ProtocolVersion is the wire protocol version spoken by this node
const ProtocolVersion uint16 = 1

// Message types
const (
	MessageTypeHandshake         uint8 = 0
	MessageTypeRefuse            uint8 = 1
	MessageTypeBlockAnnounce     uint8 = 2
	MessageTypeBlockRequest      uint8 = 3
	MessageTypeBlockResponse     uint8 = 4
	MessageTypeTxAnnounce        uint8 = 5
	MessageTypeTipAnnounce       uint8 = 6
	MessageTypeKeepAlive         uint8 = 7
	MessageTypeKeepAliveResponse uint8 = 8
)

// Refuse reasons
const (
	RefuseReasonVersionMismatch uint8 = 1
	RefuseReasonNetworkMismatch uint8 = 2
	RefuseReasonGenesisMismatch uint8 = 3
	RefuseReasonBanned          uint8 = 4
)

// Provide a common interface for message utility functions
type Message interface {
	Type() uint8
}

type MessageBase struct {
	// Tells the CBOR decoder to convert to/from a struct and a CBOR array
	_           struct{} `cbor:",toarray"`
	MessageType uint8
}

func (m *MessageBase) Type() uint8 {
	return m.MessageType
}

type MsgHandshake struct {
	MessageBase
	ProtocolVersion uint16
	NetworkMagic    uint32
	GenesisHash     ledger.Hash
	Tip             ledger.ChainTip
}

func NewMsgHandshake(
	protocolVersion uint16,
	networkMagic uint32,
	genesisHash ledger.Hash,
	tip ledger.ChainTip,
) *MsgHandshake {
	return &MsgHandshake{
		MessageBase: MessageBase{
			MessageType: MessageTypeHandshake,
		},
		ProtocolVersion: protocolVersion,
		NetworkMagic:    networkMagic,
		GenesisHash:     genesisHash,
		Tip:             tip,
	}
}

type MsgRefuse struct {
	MessageBase
	Reason  uint8
	Message string
}

func NewMsgRefuse(reason uint8, message string) *MsgRefuse {
	return &MsgRefuse{
		MessageBase: MessageBase{
			MessageType: MessageTypeRefuse,
		},
		Reason:  reason,
		Message: message,
	}
}

type MsgBlockAnnounce struct {
	MessageBase
	Block ledger.Block
	// Tip is the sender's chain tip after adding the block
	Tip ledger.ChainTip
}

func NewMsgBlockAnnounce(block ledger.Block, tip ledger.ChainTip) *MsgBlockAnnounce {
	return &MsgBlockAnnounce{
		MessageBase: MessageBase{
			MessageType: MessageTypeBlockAnnounce,
		},
		Block: block,
		Tip:   tip,
	}
}

// BlockRange selects Count canonical blocks starting at height Start
type BlockRange struct {
	cbor.StructAsArray
	Start uint64
	Count uint32
}

// End returns the height one past the last block of the range
func (r BlockRange) End() uint64 {
	return r.Start + uint64(r.Count)
}

type MsgBlockRequest struct {
	MessageBase
	RequestId uint64
	Range     BlockRange
}

func NewMsgBlockRequest(requestId uint64, start uint64, count uint32) *MsgBlockRequest {
	return &MsgBlockRequest{
		MessageBase: MessageBase{
			MessageType: MessageTypeBlockRequest,
		},
		RequestId: requestId,
		Range: BlockRange{
			Start: start,
			Count: count,
		},
	}
}

type MsgBlockResponse struct {
	MessageBase
	RequestId uint64
	Blocks    []ledger.Block
}

func NewMsgBlockResponse(requestId uint64, blocks []ledger.Block) *MsgBlockResponse {
	return &MsgBlockResponse{
		MessageBase: MessageBase{
			MessageType: MessageTypeBlockResponse,
		},
		RequestId: requestId,
		Blocks:    blocks,
	}
}

type MsgTxAnnounce struct {
	MessageBase
	Transaction ledger.Transaction
}

func NewMsgTxAnnounce(tx ledger.Transaction) *MsgTxAnnounce {
	return &MsgTxAnnounce{
		MessageBase: MessageBase{
			MessageType: MessageTypeTxAnnounce,
		},
		Transaction: tx,
	}
}

type MsgTipAnnounce struct {
	MessageBase
	Tip ledger.ChainTip
}

func NewMsgTipAnnounce(tip ledger.ChainTip) *MsgTipAnnounce {
	return &MsgTipAnnounce{
		MessageBase: MessageBase{
			MessageType: MessageTypeTipAnnounce,
		},
		Tip: tip,
	}
}

type MsgKeepAlive struct {
	MessageBase
	Cookie uint16
}

func NewMsgKeepAlive(cookie uint16) *MsgKeepAlive {
	return &MsgKeepAlive{
		MessageBase: MessageBase{
			MessageType: MessageTypeKeepAlive,
		},
		Cookie: cookie,
	}
}

type MsgKeepAliveResponse struct {
	MessageBase
	Cookie uint16
}

func NewMsgKeepAliveResponse(cookie uint16) *MsgKeepAliveResponse {
	return &MsgKeepAliveResponse{
		MessageBase: MessageBase{
			MessageType: MessageTypeKeepAliveResponse,
		},
		Cookie: cookie,
	}
}
