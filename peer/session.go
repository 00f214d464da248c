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

// Package peer implements a session with a remote node: the muxer, the
// handshake, keep-alives and the chain protocol carrying announcements and
// block requests. Decoded messages are delivered to an EventSink, normally
// the sync manager
package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blinklabs-io/gochain/chain"
	"github.com/blinklabs-io/gochain/ledger"
	"github.com/blinklabs-io/gochain/muxer"
	"github.com/blinklabs-io/gochain/protocol"
	"github.com/blinklabs-io/gochain/protocol/handshake"
	"github.com/blinklabs-io/gochain/protocol/keepalive"
	"github.com/blinklabs-io/gochain/syncer"
)

const ChainProtocolName = "chain"

var (
	ErrSessionClosed  = errors.New("peer: session closed")
	ErrSendQueueFull  = errors.New("peer: send queue full")
	ErrMissingConn    = errors.New("peer: connection not configured")
	ErrMissingChain   = errors.New("peer: chain store not configured")
	ErrMissingSink    = errors.New("peer: event sink not configured")
	ErrAlreadyStarted = errors.New("peer: session already started")
)

// ProtocolMismatchError reports a handshake that failed on version, network
// or genesis. The peer should not be retried
type ProtocolMismatchError = handshake.ProtocolMismatchError

// EventSink receives session events
type EventSink interface {
	Deliver(ctx context.Context, ev syncer.Event) error
	IsBanned(key string) bool
}

type SessionState uint8

const (
	StateHandshaking SessionState = iota
	StateActive
	StateClosing
)

func (s SessionState) String() string {
	switch s {
	case StateHandshaking:
		return "HANDSHAKING"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	default:
		return fmt.Sprintf("SessionState(%d)", uint8(s))
	}
}

var sessionSeq atomic.Uint64

// Session runs the mini-protocols of one connection
type Session struct {
	conn             net.Conn
	outbound         bool
	id               string
	banKey           string
	networkMagic     uint32
	chain            *chain.ChainStore
	sink             EventSink
	logger           *slog.Logger
	handshakeTimeout time.Duration
	keepAliveConfig  *keepalive.Config
	sendQueueSize    int
	maxPayload       uint32
	maxResponseSize  int

	ctx            context.Context
	cancel         context.CancelFunc
	muxer          *muxer.Muxer
	handshake      *handshake.Handshake
	keepAlive      *keepalive.KeepAlive
	chainProto     *protocol.Protocol
	protoErrorChan chan error
	sendQueue      chan protocol.Message
	closingChan    chan struct{}
	doneChan       chan struct{}
	waitGroup      sync.WaitGroup
	onceStart      sync.Once
	onceClose      sync.Once
	connected      atomic.Bool

	mutex     sync.Mutex
	state     SessionState
	err       error
	remoteTip ledger.ChainTip
}

// NewSession returns a new Session object with the specified options. The
// protocols are registered with the muxer but nothing is sent until Start
func NewSession(options ...SessionOptionFunc) (*Session, error) {
	s := &Session{
		handshakeTimeout: handshake.DefaultTimeout,
		sendQueueSize:    DefaultSendQueueSize,
		maxPayload:       muxer.DefaultMaxPayload,
		protoErrorChan:   make(chan error, 10),
		closingChan:      make(chan struct{}),
		doneChan:         make(chan struct{}),
	}
	for _, option := range options {
		option(s)
	}
	if s.conn == nil {
		return nil, ErrMissingConn
	}
	if s.chain == nil {
		return nil, ErrMissingChain
	}
	if s.sink == nil {
		return nil, ErrMissingSink
	}
	remoteAddr := "unknown"
	if addr := s.conn.RemoteAddr(); addr != nil {
		remoteAddr = addr.String()
	}
	if s.id == "" {
		s.id = remoteAddr + "#" + strconv.FormatUint(sessionSeq.Add(1), 10)
	}
	if s.banKey == "" {
		s.banKey = remoteAddr
		if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
			s.banKey = host
		}
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	limit := min(protocol.MaxMessageSize, int(s.maxPayload)) - protocol.BlockResponseOverhead
	if s.maxResponseSize <= 0 || s.maxResponseSize > limit {
		s.maxResponseSize = limit
	}
	s.logger = s.logger.With(
		"component", "peer",
		"peer", s.id,
	)
	s.sendQueue = make(chan protocol.Message, s.sendQueueSize)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.muxer = muxer.New(s.conn, muxer.WithMaxPayload(s.maxPayload))
	role := protocol.ProtocolRoleResponder
	if s.outbound {
		role = protocol.ProtocolRoleInitiator
	}
	protoOptions := protocol.ProtocolOptions{
		ConnectionId: s.id,
		Muxer:        s.muxer,
		Logger:       s.logger,
		ErrorChan:    s.protoErrorChan,
		Role:         role,
	}
	handshakeConfig := handshake.NewConfig(
		handshake.WithNetworkMagic(s.networkMagic),
		handshake.WithGenesisHash(s.chain.Genesis().Hash()),
		handshake.WithTipFunc(s.chain.Tip),
		handshake.WithTimeout(s.handshakeTimeout),
	)
	s.handshake = handshake.New(protoOptions, &handshakeConfig)
	if s.keepAliveConfig == nil {
		tmpCfg := keepalive.NewConfig()
		s.keepAliveConfig = &tmpCfg
	}
	if s.keepAliveConfig.RecvErrorFunc == nil {
		s.keepAliveConfig.RecvErrorFunc = s.recvError
	}
	s.keepAlive = keepalive.New(protoOptions, s.keepAliveConfig)
	s.chainProto = protocol.New(protocol.ProtocolConfig{
		Name:               ChainProtocolName,
		ProtocolId:         protocol.ProtocolIdChain,
		Muxer:              s.muxer,
		Logger:             s.logger,
		ErrorChan:          s.protoErrorChan,
		Role:               role,
		MessageHandlerFunc: s.handleChainMessage,
		RecvErrorFunc:      s.recvError,
	})
	return s, nil
}

func (s *Session) Id() string {
	return s.id
}

func (s *Session) BanKey() string {
	return s.banKey
}

func (s *Session) Outbound() bool {
	return s.outbound
}

func (s *Session) State() SessionState {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

// RemoteTip returns the tip the remote sent in its handshake
func (s *Session) RemoteTip() ledger.ChainTip {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.remoteTip
}

// Err returns the reason the session was closed
func (s *Session) Err() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.err
}

// DoneChan is closed once the session has fully shut down
func (s *Session) DoneChan() <-chan struct{} {
	return s.doneChan
}

// Start runs the handshake and, once it succeeds, starts the remaining
// protocols and announces the peer to the sink. A failed handshake closes the
// session and returns the reason, a *ProtocolMismatchError for incompatible
// peers
func (s *Session) Start(ctx context.Context) error {
	err := ErrAlreadyStarted
	s.onceStart.Do(func() {
		err = s.start(ctx)
	})
	return err
}

func (s *Session) start(ctx context.Context) error {
	s.muxer.Start()
	s.waitGroup.Add(1)
	go s.watchErrors()
	if s.sink.IsBanned(s.banKey) {
		_ = s.handshake.Refuse(protocol.RefuseReasonBanned, "banned")
		s.Close(syncer.ErrBanned)
		return syncer.ErrBanned
	}
	s.handshake.Start()
	remote, err := s.handshake.Wait(ctx)
	if err != nil {
		s.Close(err)
		return err
	}
	s.mutex.Lock()
	if s.state != StateHandshaking {
		s.mutex.Unlock()
		return ErrSessionClosed
	}
	s.state = StateActive
	s.remoteTip = remote.Tip
	s.mutex.Unlock()
	s.logger.Debug(
		"handshake complete",
		"tip", remote.Tip.String(),
	)
	s.keepAlive.Start()
	s.chainProto.Start()
	s.waitGroup.Add(1)
	go s.writeLoop()
	s.connected.Store(true)
	if err := s.sink.Deliver(
		ctx,
		syncer.Event{
			Kind: syncer.KindPeerConnected,
			Peer: s,
			Tip:  remote.Tip,
		},
	); err != nil {
		s.connected.Store(false)
		s.Close(err)
		return err
	}
	return nil
}

// Send queues a message for the chain protocol. It never blocks. A full
// queue closes the session
func (s *Session) Send(msg protocol.Message) error {
	select {
	case <-s.closingChan:
		return ErrSessionClosed
	default:
	}
	select {
	case s.sendQueue <- msg:
		return nil
	case <-s.closingChan:
		return ErrSessionClosed
	default:
		s.Close(ErrSendQueueFull)
		return ErrSendQueueFull
	}
}

// Close shuts the session down in the background. It is safe to call from
// any goroutine, including the sink's
func (s *Session) Close(err error) {
	s.onceClose.Do(func() {
		s.mutex.Lock()
		s.state = StateClosing
		s.err = err
		s.mutex.Unlock()
		s.cancel()
		close(s.closingChan)
		s.logger.Debug(
			"closing session",
			"reason", err,
		)
		go s.shutdown(err)
	})
}

func (s *Session) shutdown(err error) {
	s.muxer.Stop()
	s.handshake.Stop()
	s.keepAlive.Stop()
	s.chainProto.Stop()
	s.waitGroup.Wait()
	if s.connected.Load() {
		_ = s.sink.Deliver(
			context.Background(),
			syncer.Event{
				Kind: syncer.KindPeerDisconnected,
				Peer: s,
				Err:  err,
			},
		)
	}
	close(s.doneChan)
}

// watchErrors closes the session on muxer failures and fatal protocol errors
func (s *Session) watchErrors() {
	defer s.waitGroup.Done()
	select {
	case <-s.closingChan:
	case err := <-s.muxer.ErrorChan():
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			err = io.EOF
		} else {
			err = fmt.Errorf("muxer error: %w", err)
		}
		s.Close(err)
	case <-s.muxer.DoneChan():
		s.Close(io.EOF)
	case err := <-s.protoErrorChan:
		if errors.Is(err, protocol.ErrProtocolTimeout) {
			s.deliver(syncer.Event{Kind: syncer.KindMisbehavior, Peer: s, Err: err})
		}
		s.Close(err)
	}
}

func (s *Session) writeLoop() {
	defer s.waitGroup.Done()
	for {
		select {
		case <-s.closingChan:
			return
		case msg := <-s.sendQueue:
			if err := s.chainProto.SendMessage(msg); err != nil {
				s.Close(err)
				return
			}
		}
	}
}

// deliver hands an event to the sink, giving up when the session closes
func (s *Session) deliver(ev syncer.Event) {
	if err := s.sink.Deliver(s.ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
		s.Close(err)
	}
}

// recvError reports decode errors and out of state messages. They cost the
// peer penalty points but do not close the session
func (s *Session) recvError(err error) {
	if !s.connected.Load() {
		return
	}
	s.deliver(syncer.Event{Kind: syncer.KindMisbehavior, Peer: s, Err: err})
}

func (s *Session) handleChainMessage(msg protocol.Message) error {
	switch msg := msg.(type) {
	case *protocol.MsgBlockRequest:
		return s.serveBlocks(msg)
	case *protocol.MsgBlockAnnounce,
		*protocol.MsgBlockResponse,
		*protocol.MsgTxAnnounce,
		*protocol.MsgTipAnnounce:
		s.deliver(syncer.Event{Kind: syncer.KindMessage, Peer: s, Message: msg})
	default:
		s.recvError(
			fmt.Errorf(
				"%w: message type %d on %s protocol",
				protocol.ErrProtocolViolationUnexpectedMessage,
				msg.Type(),
				ChainProtocolName,
			),
		)
	}
	return nil
}

// serveBlocks answers a block request with canonical blocks from the store
func (s *Session) serveBlocks(msg *protocol.MsgBlockRequest) error {
	count := min(msg.Range.Count, protocol.MaxBlocksPerResponse)
	blocks, err := s.chain.GetRange(msg.Range.Start, count)
	if err != nil {
		return fmt.Errorf("serving block request: %w", err)
	}
	// Stop before the message would go over the size limit. The requester
	// asks again for the rest
	resp := make([]ledger.Block, 0, len(blocks))
	budget := s.maxResponseSize
	for _, block := range blocks {
		size := len(block.Cbor())
		if size > budget {
			break
		}
		budget -= size
		resp = append(resp, *block)
	}
	s.logger.Debug(
		"serving blocks",
		"start", msg.Range.Start,
		"count", len(resp),
		"requested", msg.Range.Count,
		"request_id", msg.RequestId,
	)
	return s.Send(protocol.NewMsgBlockResponse(msg.RequestId, resp))
}
