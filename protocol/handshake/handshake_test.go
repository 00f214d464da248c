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

package handshake_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/blinklabs-io/gochain/ledger"
	"github.com/blinklabs-io/gochain/muxer"
	"github.com/blinklabs-io/gochain/protocol"
	"github.com/blinklabs-io/gochain/protocol/handshake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var testGenesis = ledger.Blake2b256Hash([]byte("genesis"))

type side struct {
	mux       *muxer.Muxer
	handshake *handshake.Handshake
}

func newSide(conn net.Conn, role protocol.ProtocolRole, cfg handshake.Config) *side {
	mux := muxer.New(conn)
	h := handshake.New(
		protocol.ProtocolOptions{
			Muxer: mux,
			Role:  role,
		},
		&cfg,
	)
	mux.Start()
	return &side{mux: mux, handshake: h}
}

func (s *side) stop() {
	s.handshake.Stop()
	s.mux.Stop()
}

func testConfig(options ...handshake.HandshakeOptionFunc) handshake.Config {
	options = append(
		[]handshake.HandshakeOptionFunc{
			handshake.WithNetworkMagic(42),
			handshake.WithGenesisHash(testGenesis),
			handshake.WithTimeout(time.Second),
		},
		options...,
	)
	return handshake.NewConfig(options...)
}

func runPair(t *testing.T, cfgA, cfgB handshake.Config) (*protocol.MsgHandshake, error, *protocol.MsgHandshake, error) {
	t.Helper()
	connA, connB := net.Pipe()
	a := newSide(connA, protocol.ProtocolRoleInitiator, cfgA)
	b := newSide(connB, protocol.ProtocolRoleResponder, cfgB)
	defer a.stop()
	defer b.stop()
	a.handshake.Start()
	b.handshake.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	type result struct {
		msg *protocol.MsgHandshake
		err error
	}
	resB := make(chan result, 1)
	go func() {
		msg, err := b.handshake.Wait(ctx)
		resB <- result{msg, err}
	}()
	msgA, errA := a.handshake.Wait(ctx)
	rb := <-resB
	return msgA, errA, rb.msg, rb.err
}

func TestHandshakeSuccess(t *testing.T) {
	defer goleak.VerifyNone(t)
	tip := ledger.ChainTip{Hash: testGenesis, Height: 7}
	tip.Work.SetUint64(8)
	cfgA := testConfig(handshake.WithTipFunc(func() ledger.ChainTip { return tip }))
	msgA, errA, msgB, errB := runPair(t, cfgA, testConfig())
	require.NoError(t, errA)
	require.NoError(t, errB)
	assert.Equal(t, uint64(0), msgA.Tip.Height)
	assert.Equal(t, uint64(7), msgB.Tip.Height)
	assert.Equal(t, uint64(8), msgB.Tip.Work.Uint64())
	assert.Equal(t, testGenesis, msgB.GenesisHash)
}

func TestHandshakeMismatch(t *testing.T) {
	testDefs := []struct {
		name   string
		cfgB   handshake.Config
		reason uint8
	}{
		{
			name:   "version",
			cfgB:   testConfig(handshake.WithProtocolVersion(protocol.ProtocolVersion + 1)),
			reason: protocol.RefuseReasonVersionMismatch,
		},
		{
			name:   "network",
			cfgB:   testConfig(handshake.WithNetworkMagic(7)),
			reason: protocol.RefuseReasonNetworkMismatch,
		},
		{
			name:   "genesis",
			cfgB:   testConfig(handshake.WithGenesisHash(ledger.Blake2b256Hash([]byte("other")))),
			reason: protocol.RefuseReasonGenesisMismatch,
		},
	}
	for _, testDef := range testDefs {
		t.Run(testDef.name, func(t *testing.T) {
			defer goleak.VerifyNone(t)
			_, errA, _, errB := runPair(t, testConfig(), testDef.cfgB)
			for _, err := range []error{errA, errB} {
				var mismatchErr *handshake.ProtocolMismatchError
				require.True(t, errors.As(err, &mismatchErr), "unexpected error: %v", err)
				assert.Equal(t, testDef.reason, mismatchErr.Reason)
			}
		})
	}
}

func TestHandshakeTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	connA, connB := net.Pipe()
	a := newSide(connA, protocol.ProtocolRoleInitiator, testConfig(handshake.WithTimeout(50*time.Millisecond)))
	defer a.stop()
	// The remote end registers the protocol but never sends its Handshake
	muxB := muxer.New(connB)
	silent := protocol.New(protocol.ProtocolConfig{
		Name:       "silent",
		ProtocolId: handshake.ProtocolId,
		Muxer:      muxB,
	})
	muxB.Start()
	silent.Start()
	defer func() {
		silent.Stop()
		muxB.Stop()
	}()
	a.handshake.Start()
	_, err := a.handshake.Wait(context.Background())
	assert.ErrorIs(t, err, protocol.ErrProtocolTimeout)
}
