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

package protocol_test

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/blinklabs-io/gochain/muxer"
	"github.com/blinklabs-io/gochain/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var (
	stateConfirm = protocol.NewState(1, "Confirm")
	stateDone    = protocol.NewState(2, "Done")
)

func testStateMap(timeout time.Duration) protocol.StateMap {
	return protocol.StateMap{
		stateConfirm: protocol.StateMapEntry{
			Timeout: timeout,
			Transitions: []protocol.StateTransition{
				{
					MsgType:  protocol.MessageTypeHandshake,
					NewState: stateDone,
				},
			},
		},
		stateDone: protocol.StateMapEntry{},
	}
}

type recorder struct {
	sync.Mutex
	messages   []protocol.Message
	recvErrors []error
	msgChan    chan protocol.Message
	errChan    chan error
}

func newRecorder() *recorder {
	return &recorder{
		msgChan: make(chan protocol.Message, 10),
		errChan: make(chan error, 10),
	}
}

func (r *recorder) handleMessage(msg protocol.Message) error {
	r.Lock()
	r.messages = append(r.messages, msg)
	r.Unlock()
	r.msgChan <- msg
	return nil
}

func (r *recorder) handleRecvError(err error) {
	r.Lock()
	r.recvErrors = append(r.recvErrors, err)
	r.Unlock()
	r.errChan <- err
}

type protocolPair struct {
	muxA, muxB *muxer.Muxer
	protoA     *protocol.Protocol
	protoB     *protocol.Protocol
	errorChanB chan error
	recB       *recorder
}

func newProtocolPair(stateMap protocol.StateMap) *protocolPair {
	connA, connB := net.Pipe()
	pair := &protocolPair{
		muxA:       muxer.New(connA),
		muxB:       muxer.New(connB),
		errorChanB: make(chan error, 10),
		recB:       newRecorder(),
	}
	pair.protoA = protocol.New(protocol.ProtocolConfig{
		Name:       "test",
		ProtocolId: protocol.ProtocolIdHandshake,
		Muxer:      pair.muxA,
		ErrorChan:  make(chan error, 10),
		Role:       protocol.ProtocolRoleInitiator,
	})
	pair.protoB = protocol.New(protocol.ProtocolConfig{
		Name:               "test",
		ProtocolId:         protocol.ProtocolIdHandshake,
		Muxer:              pair.muxB,
		ErrorChan:          pair.errorChanB,
		Role:               protocol.ProtocolRoleResponder,
		MessageHandlerFunc: pair.recB.handleMessage,
		RecvErrorFunc:      pair.recB.handleRecvError,
		StateMap:           stateMap,
		InitialState:       stateConfirm,
	})
	pair.muxA.Start()
	pair.muxB.Start()
	pair.protoA.Start()
	pair.protoB.Start()
	return pair
}

func (p *protocolPair) stop() {
	p.muxA.Stop()
	p.muxB.Stop()
	p.protoA.Stop()
	p.protoB.Stop()
}

func TestProtocolStateTransition(t *testing.T) {
	defer goleak.VerifyNone(t)
	pair := newProtocolPair(testStateMap(0))
	defer pair.stop()
	msg := allTestMessages()[0]
	go func() {
		_ = pair.protoA.SendMessage(msg)
	}()
	select {
	case recv := <-pair.recB.msgChan:
		assert.Equal(t, msg, recv)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for message")
	}
	assert.Equal(t, stateDone, pair.protoB.CurrentState())
	// A second handshake is not valid in the done state
	go func() {
		_ = pair.protoA.SendMessage(msg)
	}()
	select {
	case err := <-pair.recB.errChan:
		assert.ErrorIs(t, err, protocol.ErrProtocolViolationUnexpectedMessage)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for receive error")
	}
}

func TestProtocolDecodeErrorIsNotFatal(t *testing.T) {
	defer goleak.VerifyNone(t)
	pair := newProtocolPair(testStateMap(0))
	defer pair.stop()
	go func() {
		_ = pair.muxA.Send(muxer.NewSegment(protocol.ProtocolIdHandshake, []byte{0xff, 0x00}, false))
		_ = pair.protoA.SendMessage(allTestMessages()[0])
	}()
	select {
	case err := <-pair.recB.errChan:
		assert.True(t, protocol.IsDecodeError(err))
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for receive error")
	}
	// The protocol keeps processing messages after the decode error
	select {
	case <-pair.recB.msgChan:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for message")
	}
	select {
	case err := <-pair.errorChanB:
		require.FailNow(t, "unexpected fatal error", err)
	default:
	}
}

func TestProtocolStateTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	pair := newProtocolPair(testStateMap(50 * time.Millisecond))
	defer pair.stop()
	select {
	case err := <-pair.errorChanB:
		assert.True(t, errors.Is(err, protocol.ErrProtocolTimeout))
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for state timeout")
	}
}

func TestSendAfterStop(t *testing.T) {
	defer goleak.VerifyNone(t)
	pair := newProtocolPair(nil)
	pair.stop()
	err := pair.protoA.SendMessage(protocol.NewMsgKeepAlive(1))
	assert.ErrorIs(t, err, protocol.ErrProtocolShuttingDown)
}
