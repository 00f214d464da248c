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

// Package protocol implements the wire messages exchanged between peers and
// the generic mini-protocol runner that carries them over the muxer.
package protocol

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/blinklabs-io/gochain/muxer"
)

type ProtocolRole uint

const (
	ProtocolRoleNone      ProtocolRole = 0
	ProtocolRoleInitiator ProtocolRole = 1
	ProtocolRoleResponder ProtocolRole = 2
)

// MessageHandlerFunc handles a decoded message. A returned error is fatal to
// the protocol
type MessageHandlerFunc func(Message) error

// RecvErrorFunc is called for non-fatal receive errors: decode errors and
// messages that are not valid in the current state
type RecvErrorFunc func(error)

// ProtocolOptions carries the per-connection settings shared by every
// protocol of a session
type ProtocolOptions struct {
	ConnectionId string
	Muxer        *muxer.Muxer
	Logger       *slog.Logger
	ErrorChan    chan error
	Role         ProtocolRole
}

type ProtocolConfig struct {
	Name               string
	ProtocolId         uint16
	Muxer              *muxer.Muxer
	Logger             *slog.Logger
	ErrorChan          chan error
	Role               ProtocolRole
	MessageHandlerFunc MessageHandlerFunc
	RecvErrorFunc      RecvErrorFunc
	// StateMap is optional. Without one, any message is accepted at any time
	StateMap     StateMap
	InitialState State
}

type Protocol struct {
	config          ProtocolConfig
	logger          *slog.Logger
	recvChan        <-chan *muxer.Segment
	doneChan        chan struct{}
	startOnce       sync.Once
	stopOnce        sync.Once
	waitGroup       sync.WaitGroup
	stateMutex      sync.Mutex
	currentState    State
	stateGeneration uint64
	stateTimer      *time.Timer
}

// New creates a protocol and registers it with the muxer. This must happen
// before the muxer is started
func New(config ProtocolConfig) *Protocol {
	p := &Protocol{
		config:       config,
		logger:       config.Logger,
		doneChan:     make(chan struct{}),
		currentState: config.InitialState,
	}
	if p.logger == nil {
		p.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	p.logger = p.logger.With("protocol", config.Name)
	p.recvChan = config.Muxer.RegisterProtocol(config.ProtocolId)
	return p
}

func (p *Protocol) Start() {
	p.startOnce.Do(func() {
		p.stateMutex.Lock()
		p.armStateTimeout()
		p.stateMutex.Unlock()
		p.waitGroup.Add(1)
		go p.recvLoop()
	})
}

// Stop shuts down the protocol and waits for its receive loop to exit
func (p *Protocol) Stop() {
	p.stopOnce.Do(func() {
		close(p.doneChan)
		p.stateMutex.Lock()
		if p.stateTimer != nil {
			p.stateTimer.Stop()
		}
		p.stateMutex.Unlock()
	})
	p.waitGroup.Wait()
}

func (p *Protocol) DoneChan() <-chan struct{} {
	return p.doneChan
}

func (p *Protocol) CurrentState() State {
	p.stateMutex.Lock()
	defer p.stateMutex.Unlock()
	return p.currentState
}

// SendMessage encodes and sends a message to the peer
func (p *Protocol) SendMessage(msg Message) error {
	select {
	case <-p.doneChan:
		return ErrProtocolShuttingDown
	default:
	}
	data, err := Encode(msg)
	if err != nil {
		return fmt.Errorf("%s: %w", p.config.Name, err)
	}
	segment := muxer.NewSegment(
		p.config.ProtocolId,
		data,
		p.config.Role == ProtocolRoleResponder,
	)
	if err := p.config.Muxer.Send(segment); err != nil {
		return fmt.Errorf("%s: %w", p.config.Name, err)
	}
	return nil
}

// SendError reports a fatal protocol error on the configured error channel
func (p *Protocol) SendError(err error) {
	select {
	case <-p.doneChan:
		return
	default:
	}
	select {
	case p.config.ErrorChan <- err:
	default:
		p.logger.Debug(
			"dropping protocol error",
			"error", err,
		)
	}
}

func (p *Protocol) recvError(err error) {
	p.logger.Debug(
		"receive error",
		"error", err,
	)
	if p.config.RecvErrorFunc != nil {
		p.config.RecvErrorFunc(err)
	}
}

func (p *Protocol) recvLoop() {
	defer p.waitGroup.Done()
	for {
		select {
		case <-p.doneChan:
			return
		case segment, ok := <-p.recvChan:
			if !ok {
				return
			}
			if err := p.handleSegment(segment); err != nil {
				p.SendError(err)
				return
			}
		}
	}
}

func (p *Protocol) handleSegment(segment *muxer.Segment) error {
	if segment.Oversized {
		p.recvError(
			&DecodeError{
				MessageType: -1,
				Reason: fmt.Sprintf(
					"segment payload of %d bytes exceeds limit",
					segment.PayloadLength,
				),
			},
		)
		return nil
	}
	msg, err := Decode(segment.Payload)
	if err != nil {
		p.recvError(err)
		return nil
	}
	if p.config.StateMap != nil {
		p.stateMutex.Lock()
		nextState, ok := p.config.StateMap.Next(p.currentState, msg)
		if !ok {
			state := p.currentState
			p.stateMutex.Unlock()
			p.recvError(
				fmt.Errorf(
					"%w: message type %d in state %s",
					ErrProtocolViolationUnexpectedMessage,
					msg.Type(),
					state,
				),
			)
			return nil
		}
		p.setStateLocked(nextState)
		p.stateMutex.Unlock()
	}
	if p.config.MessageHandlerFunc != nil {
		if err := p.config.MessageHandlerFunc(msg); err != nil {
			return err
		}
	}
	return nil
}

// setStateLocked must be called with stateMutex held
func (p *Protocol) setStateLocked(state State) {
	if state == p.currentState {
		return
	}
	p.logger.Debug(
		"state transition",
		"from", p.currentState.String(),
		"to", state.String(),
	)
	p.currentState = state
	p.armStateTimeout()
}

// armStateTimeout must be called with stateMutex held
func (p *Protocol) armStateTimeout() {
	p.stateGeneration++
	if p.stateTimer != nil {
		p.stateTimer.Stop()
		p.stateTimer = nil
	}
	if p.config.StateMap == nil {
		return
	}
	entry := p.config.StateMap[p.currentState]
	if entry.Timeout <= 0 {
		return
	}
	generation := p.stateGeneration
	state := p.currentState
	p.stateTimer = time.AfterFunc(entry.Timeout, func() {
		p.stateMutex.Lock()
		expired := p.stateGeneration == generation
		p.stateMutex.Unlock()
		if expired {
			p.SendError(
				fmt.Errorf(
					"%s: %w in state %s",
					p.config.Name,
					ErrProtocolTimeout,
					state,
				),
			)
		}
	})
}
