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

// Package handshake implements the symmetric opening exchange of a peer
// session. Both sides send a Handshake carrying their protocol version,
// network magic, genesis hash and tip. A side that cannot accept the remote
// parameters answers with Refuse and the session is closed
package handshake

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/blinklabs-io/gochain/ledger"
	"github.com/blinklabs-io/gochain/protocol"
)

const (
	ProtocolName = "handshake"
	ProtocolId   = protocol.ProtocolIdHandshake

	DefaultTimeout = 5 * time.Second
)

var (
	stateWaiting = protocol.NewState(1, "Waiting")
	stateDone    = protocol.NewState(2, "Done")
)

// StateMap allows exactly one message from the remote side
var StateMap = protocol.StateMap{
	stateWaiting: protocol.StateMapEntry{
		Timeout: DefaultTimeout,
		Transitions: []protocol.StateTransition{
			{
				MsgType:  protocol.MessageTypeHandshake,
				NewState: stateDone,
			},
			{
				MsgType:  protocol.MessageTypeRefuse,
				NewState: stateDone,
			},
		},
	},
	stateDone: protocol.StateMapEntry{},
}

// ErrHandshakeClosed is returned by Wait when the protocol shuts down before
// the handshake completes
var ErrHandshakeClosed = errors.New("handshake: closed before completion")

// ProtocolMismatchError reports incompatible session parameters. It is fatal
// to the connection and the peer is not retried
type ProtocolMismatchError struct {
	Reason  uint8
	Message string
	// Refused is set when the remote side sent the Refuse
	Refused bool
}

func (e *ProtocolMismatchError) Error() string {
	if e.Refused {
		return fmt.Sprintf("handshake: refused by peer (reason %d): %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("handshake: %s", e.Message)
}

// Config is used to configure the Handshake protocol instance
type Config struct {
	ProtocolVersion uint16
	NetworkMagic    uint32
	GenesisHash     ledger.Hash
	// TipFunc returns the local tip sent in our Handshake
	TipFunc func() ledger.ChainTip
	Timeout time.Duration
}

// HandshakeOptionFunc represents a function used to modify the Handshake protocol config
type HandshakeOptionFunc func(*Config)

// NewConfig returns a new Handshake config object with the provided options
func NewConfig(options ...HandshakeOptionFunc) Config {
	c := Config{
		ProtocolVersion: protocol.ProtocolVersion,
		Timeout:         DefaultTimeout,
	}
	for _, option := range options {
		option(&c)
	}
	return c
}

// WithProtocolVersion specifies the protocol version
func WithProtocolVersion(version uint16) HandshakeOptionFunc {
	return func(c *Config) {
		c.ProtocolVersion = version
	}
}

// WithNetworkMagic specifies the network magic value
func WithNetworkMagic(networkMagic uint32) HandshakeOptionFunc {
	return func(c *Config) {
		c.NetworkMagic = networkMagic
	}
}

// WithGenesisHash specifies the hash of the genesis block
func WithGenesisHash(genesisHash ledger.Hash) HandshakeOptionFunc {
	return func(c *Config) {
		c.GenesisHash = genesisHash
	}
}

// WithTipFunc specifies the function providing the local tip
func WithTipFunc(tipFunc func() ledger.ChainTip) HandshakeOptionFunc {
	return func(c *Config) {
		c.TipFunc = tipFunc
	}
}

// WithTimeout specifies the timeout for the handshake operation
func WithTimeout(timeout time.Duration) HandshakeOptionFunc {
	return func(c *Config) {
		c.Timeout = timeout
	}
}

// Handshake runs the exchange for one session
type Handshake struct {
	*protocol.Protocol
	config    *Config
	errorChan chan error
	doneChan  chan struct{}
	onceStart sync.Once
	onceDone  sync.Once
	remote    *protocol.MsgHandshake
	err       error
}

// New returns a new Handshake object. It registers with the muxer, so it must
// be called before the muxer is started
func New(protoOptions protocol.ProtocolOptions, cfg *Config) *Handshake {
	if cfg == nil {
		tmpCfg := NewConfig()
		cfg = &tmpCfg
	}
	h := &Handshake{
		config: cfg,
		// Errors from the protocol are the handshake result, they never reach
		// the session error channel
		errorChan: make(chan error, 1),
		doneChan:  make(chan struct{}),
	}
	stateMap := maps.Clone(StateMap)
	if entry, ok := stateMap[stateWaiting]; ok {
		entry.Timeout = cfg.Timeout
		stateMap[stateWaiting] = entry
	}
	h.Protocol = protocol.New(protocol.ProtocolConfig{
		Name:               ProtocolName,
		ProtocolId:         ProtocolId,
		Muxer:              protoOptions.Muxer,
		Logger:             protoOptions.Logger,
		ErrorChan:          h.errorChan,
		Role:               protoOptions.Role,
		MessageHandlerFunc: h.handleMessage,
		StateMap:           stateMap,
		InitialState:       stateWaiting,
	})
	return h
}

// Start sends our Handshake and begins waiting for the remote one
func (h *Handshake) Start() {
	h.onceStart.Do(func() {
		h.Protocol.Start()
		var tip ledger.ChainTip
		if h.config.TipFunc != nil {
			tip = h.config.TipFunc()
		}
		msg := protocol.NewMsgHandshake(
			h.config.ProtocolVersion,
			h.config.NetworkMagic,
			h.config.GenesisHash,
			tip,
		)
		if err := h.SendMessage(msg); err != nil {
			h.finish(nil, err)
		}
	})
}

// Refuse tells the remote side why the session is rejected
func (h *Handshake) Refuse(reason uint8, message string) error {
	return h.SendMessage(protocol.NewMsgRefuse(reason, message))
}

// Wait blocks until the handshake completes and returns the remote Handshake
func (h *Handshake) Wait(ctx context.Context) (*protocol.MsgHandshake, error) {
	select {
	case <-h.doneChan:
		return h.remote, h.err
	case err := <-h.errorChan:
		h.finish(nil, err)
		return h.remote, h.err
	case <-h.DoneChan():
		h.finish(nil, ErrHandshakeClosed)
		return h.remote, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handshake) finish(remote *protocol.MsgHandshake, err error) {
	h.onceDone.Do(func() {
		h.remote = remote
		h.err = err
		close(h.doneChan)
	})
}

func (h *Handshake) handleMessage(msg protocol.Message) error {
	switch msg := msg.(type) {
	case *protocol.MsgHandshake:
		if err := h.check(msg); err != nil {
			_ = h.Refuse(err.Reason, err.Message)
			h.finish(nil, err)
			return nil
		}
		h.finish(msg, nil)
	case *protocol.MsgRefuse:
		h.finish(
			nil,
			&ProtocolMismatchError{
				Reason:  msg.Reason,
				Message: msg.Message,
				Refused: true,
			},
		)
	default:
		return fmt.Errorf(
			"%s: received unexpected message type %d",
			ProtocolName,
			msg.Type(),
		)
	}
	return nil
}

func (h *Handshake) check(msg *protocol.MsgHandshake) *ProtocolMismatchError {
	if msg.ProtocolVersion != h.config.ProtocolVersion {
		return &ProtocolMismatchError{
			Reason: protocol.RefuseReasonVersionMismatch,
			Message: fmt.Sprintf(
				"protocol version mismatch: local %d, remote %d",
				h.config.ProtocolVersion,
				msg.ProtocolVersion,
			),
		}
	}
	if msg.NetworkMagic != h.config.NetworkMagic {
		return &ProtocolMismatchError{
			Reason: protocol.RefuseReasonNetworkMismatch,
			Message: fmt.Sprintf(
				"network magic mismatch: local %d, remote %d",
				h.config.NetworkMagic,
				msg.NetworkMagic,
			),
		}
	}
	if msg.GenesisHash != h.config.GenesisHash {
		return &ProtocolMismatchError{
			Reason: protocol.RefuseReasonGenesisMismatch,
			Message: fmt.Sprintf(
				"genesis mismatch: local %s, remote %s",
				h.config.GenesisHash,
				msg.GenesisHash,
			),
		}
	}
	return nil
}
