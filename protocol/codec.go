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
	"errors"
	"fmt"
	"math"

	"github.com/blinklabs-io/gochain/cbor"
)

// Limits applied while decoding messages received from peers
const (
	// MaxMessageSize is the largest encoded message accepted
	MaxMessageSize = 8 * 1024 * 1024
	// MaxBlocksPerResponse bounds both the count of a BlockRequest and the
	// number of blocks in a BlockResponse
	MaxBlocksPerResponse = 500
	// MaxRefuseMessageLength bounds the human readable text in a Refuse
	MaxRefuseMessageLength = 256
	// BlockResponseOverhead is the most a BlockResponse adds on top of the
	// encoded blocks it carries: two array headers, the type and the
	// request id
	BlockResponseOverhead = 32
)

// DecodeError is returned for any input that does not decode to a valid
// message
type DecodeError struct {
	// MessageType is the declared message type, or -1 when it could not be read
	MessageType int
	Reason      string
	Err         error
}

func (e *DecodeError) Error() string {
	msg := "decode error"
	if e.MessageType >= 0 {
		msg = fmt.Sprintf("decode error for message type %d", e.MessageType)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsDecodeError reports whether err is or wraps a DecodeError
func IsDecodeError(err error) bool {
	var decodeErr *DecodeError
	return errors.As(err, &decodeErr)
}

// NewMsgFromCbor decodes a message of the given type
func NewMsgFromCbor(msgType uint8, data []byte) (Message, error) {
	var ret Message
	switch msgType {
	case MessageTypeHandshake:
		ret = &MsgHandshake{}
	case MessageTypeRefuse:
		ret = &MsgRefuse{}
	case MessageTypeBlockAnnounce:
		ret = &MsgBlockAnnounce{}
	case MessageTypeBlockRequest:
		ret = &MsgBlockRequest{}
	case MessageTypeBlockResponse:
		ret = &MsgBlockResponse{}
	case MessageTypeTxAnnounce:
		ret = &MsgTxAnnounce{}
	case MessageTypeTipAnnounce:
		ret = &MsgTipAnnounce{}
	case MessageTypeKeepAlive:
		ret = &MsgKeepAlive{}
	case MessageTypeKeepAliveResponse:
		ret = &MsgKeepAliveResponse{}
	default:
		return nil, fmt.Errorf("unknown message type: %d", msgType)
	}
	if _, err := cbor.DecodeStrict(data, ret); err != nil {
		return nil, err
	}
	return ret, nil
}

// Encode returns the wire encoding of a message
func Encode(msg Message) ([]byte, error) {
	data, err := cbor.Encode(msg)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf(
			"encoded message too large: %d > %d",
			len(data),
			MaxMessageSize,
		)
	}
	return data, nil
}

// Decode decodes a single message. Any failure is returned as a *DecodeError
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, &DecodeError{MessageType: -1, Reason: "empty message"}
	}
	if len(data) > MaxMessageSize {
		return nil, &DecodeError{
			MessageType: -1,
			Reason: fmt.Sprintf(
				"message too large: %d > %d",
				len(data),
				MaxMessageSize,
			),
		}
	}
	id, err := cbor.DecodeIdFromList(data)
	if err != nil {
		return nil, &DecodeError{
			MessageType: -1,
			Reason:      "invalid message envelope",
			Err:         err,
		}
	}
	if id > math.MaxUint8 {
		return nil, &DecodeError{
			MessageType: -1,
			Reason:      fmt.Sprintf("message type out of range: %d", id),
		}
	}
	msgType := uint8(id)
	msg, err := NewMsgFromCbor(msgType, data)
	if err != nil {
		return nil, &DecodeError{MessageType: int(msgType), Err: err}
	}
	if err := checkLimits(msg); err != nil {
		return nil, &DecodeError{MessageType: int(msgType), Err: err}
	}
	return msg, nil
}

func checkLimits(msg Message) error {
	switch m := msg.(type) {
	case *MsgRefuse:
		if len(m.Message) > MaxRefuseMessageLength {
			return errors.New("refuse message too long")
		}
	case *MsgBlockRequest:
		if m.Range.Count == 0 || m.Range.Count > MaxBlocksPerResponse {
			return fmt.Errorf("invalid block range count: %d", m.Range.Count)
		}
	case *MsgBlockResponse:
		if len(m.Blocks) > MaxBlocksPerResponse {
			return fmt.Errorf("too many blocks in response: %d", len(m.Blocks))
		}
	}
	return nil
}
