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

package muxer

import "time"

const (
	// SegmentProtocolIdResponseFlag marks segments sent by the responder
	SegmentProtocolIdResponseFlag = 0x8000
	// SegmentHeaderSize is timestamp(4) + protocol(2) + length(4)
	SegmentHeaderSize = 10
)

type SegmentHeader struct {
	Timestamp     uint32
	ProtocolId    uint16
	PayloadLength uint32
}

// Segment is one framed chunk on the wire
type Segment struct {
	SegmentHeader
	Payload []byte
	// Oversized means the payload went over the receive limit and was
	// skipped instead of read
	Oversized bool
}

// NewSegment frames payload for a protocol. The timestamp is the low 32 bits
// of the current time in microseconds
func NewSegment(protocolId uint16, payload []byte, isResponse bool) *Segment {
	if isResponse {
		protocolId |= SegmentProtocolIdResponseFlag
	}
	// #nosec G115 -- truncation is the wire format
	timestamp := uint32(time.Now().UnixMicro())
	// #nosec G115 -- payload size is checked against the send limit
	length := uint32(len(payload))
	return &Segment{
		SegmentHeader: SegmentHeader{
			Timestamp:     timestamp,
			ProtocolId:    protocolId,
			PayloadLength: length,
		},
		Payload: payload,
	}
}

func (s *SegmentHeader) IsResponse() bool {
	return s.ProtocolId&SegmentProtocolIdResponseFlag != 0
}

func (s *SegmentHeader) IsRequest() bool { return !s.IsResponse() }

// GetProtocolId returns the protocol number without the direction flag
func (s *SegmentHeader) GetProtocolId() uint16 {
	return s.ProtocolId &^ SegmentProtocolIdResponseFlag
}
