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

// Package muxer frames messages over a single connection and multiplexes them
// between the mini-protocols of a peer session.
package muxer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// DefaultMaxPayload bounds how large a single received segment may be
const DefaultMaxPayload = 8 * 1024 * 1024

var (
	ErrMuxerShutdown   = errors.New("muxer is shutting down")
	ErrPayloadTooLarge = errors.New("segment payload too large")
)

type Muxer struct {
	conn                   net.Conn
	maxPayload             uint32
	sendMutex              sync.Mutex
	startOnce              sync.Once
	stopOnce               sync.Once
	doneChan               chan struct{}
	errorChan              chan error
	protocolReceivers      map[uint16]chan *Segment
	protocolReceiversMutex sync.Mutex
	readLoopDone           chan struct{}
}

type MuxerOptionFunc func(*Muxer)

// WithMaxPayload sets the largest segment payload accepted from the remote end
func WithMaxPayload(maxPayload uint32) MuxerOptionFunc {
	return func(m *Muxer) {
		m.maxPayload = maxPayload
	}
}

func New(conn net.Conn, options ...MuxerOptionFunc) *Muxer {
	m := &Muxer{
		conn:              conn,
		maxPayload:        DefaultMaxPayload,
		doneChan:          make(chan struct{}),
		errorChan:         make(chan error, 1),
		protocolReceivers: make(map[uint16]chan *Segment),
		readLoopDone:      make(chan struct{}),
	}
	for _, option := range options {
		option(m)
	}
	return m
}

// ErrorChan returns a channel that receives the error that stopped the muxer
func (m *Muxer) ErrorChan() <-chan error {
	return m.errorChan
}

// DoneChan returns a channel that is closed when the muxer shuts down
func (m *Muxer) DoneChan() <-chan struct{} {
	return m.doneChan
}

// Start begins reading segments from the connection. All protocols must be
// registered before calling Start
func (m *Muxer) Start() {
	m.startOnce.Do(func() {
		go m.readLoop()
	})
}

// Stop shuts down the muxer and closes the underlying connection
func (m *Muxer) Stop() {
	m.stopOnce.Do(func() {
		close(m.doneChan)
		_ = m.conn.Close()
	})
	// Wait for the read loop if it was ever started
	started := true
	m.startOnce.Do(func() {
		started = false
		close(m.readLoopDone)
	})
	if started {
		<-m.readLoopDone
	}
}

func (m *Muxer) sendError(err error) {
	select {
	case <-m.doneChan:
		// Errors caused by our own shutdown are not interesting
		return
	default:
	}
	select {
	case m.errorChan <- err:
	default:
	}
	go m.Stop()
}

// RegisterProtocol returns the channel that receives segments for the given
// protocol ID. The channel is closed when the muxer stops
func (m *Muxer) RegisterProtocol(protocolId uint16) <-chan *Segment {
	m.protocolReceiversMutex.Lock()
	defer m.protocolReceiversMutex.Unlock()
	recvChan := make(chan *Segment, 10)
	m.protocolReceivers[protocolId] = recvChan
	return recvChan
}

// Send writes a segment to the connection
func (m *Muxer) Send(segment *Segment) error {
	select {
	case <-m.doneChan:
		return ErrMuxerShutdown
	default:
	}
	if len(segment.Payload) > int(m.maxPayload) {
		return fmt.Errorf(
			"%w: %d > %d",
			ErrPayloadTooLarge,
			len(segment.Payload),
			m.maxPayload,
		)
	}
	// We use a mutex to make sure only one protocol can send at a time
	m.sendMutex.Lock()
	defer m.sendMutex.Unlock()
	buf := bytes.NewBuffer(
		make([]byte, 0, SegmentHeaderSize+len(segment.Payload)),
	)
	if err := binary.Write(buf, binary.BigEndian, segment.SegmentHeader); err != nil {
		return err
	}
	buf.Write(segment.Payload)
	if _, err := m.conn.Write(buf.Bytes()); err != nil {
		m.sendError(err)
		return err
	}
	return nil
}

func (m *Muxer) readLoop() {
	defer func() {
		m.protocolReceiversMutex.Lock()
		for _, recvChan := range m.protocolReceivers {
			close(recvChan)
		}
		m.protocolReceivers = map[uint16]chan *Segment{}
		m.protocolReceiversMutex.Unlock()
		close(m.readLoopDone)
	}()
	for {
		header := SegmentHeader{}
		if err := binary.Read(m.conn, binary.BigEndian, &header); err != nil {
			m.sendError(err)
			return
		}
		segment := &Segment{
			SegmentHeader: header,
		}
		if header.PayloadLength > m.maxPayload {
			// Skip over the payload without buffering it
			if _, err := io.CopyN(io.Discard, m.conn, int64(header.PayloadLength)); err != nil {
				m.sendError(err)
				return
			}
			segment.Oversized = true
		} else {
			segment.Payload = make([]byte, header.PayloadLength)
			// We use ReadFull because it guarantees to read the expected number of bytes or
			// return an error
			if _, err := io.ReadFull(m.conn, segment.Payload); err != nil {
				m.sendError(err)
				return
			}
		}
		m.protocolReceiversMutex.Lock()
		recvChan := m.protocolReceivers[segment.GetProtocolId()]
		m.protocolReceiversMutex.Unlock()
		if recvChan == nil {
			m.sendError(
				fmt.Errorf(
					"received message for unknown protocol ID %d",
					segment.GetProtocolId(),
				),
			)
			return
		}
		select {
		case recvChan <- segment:
		case <-m.doneChan:
			return
		}
	}
}
