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

package peer_test

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/blinklabs-io/gochain/chain"
	"github.com/blinklabs-io/gochain/consensus"
	"github.com/blinklabs-io/gochain/internal/test/chaingen"
	"github.com/blinklabs-io/gochain/ledger"
	"github.com/blinklabs-io/gochain/muxer"
	"github.com/blinklabs-io/gochain/peer"
	"github.com/blinklabs-io/gochain/pipeline"
	"github.com/blinklabs-io/gochain/protocol"
	"github.com/blinklabs-io/gochain/protocol/handshake"
	"github.com/blinklabs-io/gochain/syncer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const (
	testNetworkMagic = 42
	waitFor          = 10 * time.Second
)

// stack is the chain, pipeline and sync manager a session talks to
type stack struct {
	store *chain.ChainStore
	pipe  *pipeline.BlockPipeline
	sm    *syncer.SyncManager
}

func newStack(
	t *testing.T,
	gen *chaingen.Generator,
	blocks []*ledger.Block,
	opts ...syncer.SyncOptionFunc,
) *stack {
	t.Helper()
	validator, err := consensus.NewValidator(consensus.WithParams(gen.Params()))
	require.NoError(t, err)
	st := &stack{}
	st.store, err = chain.New(
		chain.WithValidator(validator),
		chain.WithGenesis(gen.Genesis()),
		chain.WithReorgFunc(func(plan *chain.ReorgPlan, done bool) {
			st.sm.OnReorg(plan, done)
		}),
	)
	require.NoError(t, err)
	for _, block := range blocks {
		result, err := st.store.InsertCandidate(block)
		require.NoError(t, err)
		require.Equal(t, chain.StatusAccepted, result.Status, result.Reason)
	}
	st.pipe = pipeline.NewBlockPipeline(
		pipeline.WithValidator(validator),
		pipeline.WithApplyFunc(pipeline.InsertInto(st.store)),
	)
	require.NoError(t, st.pipe.Start(context.Background()))
	opts = append(
		[]syncer.SyncOptionFunc{
			syncer.WithChain(st.store),
			syncer.WithPipeline(st.pipe),
			syncer.WithTickInterval(10 * time.Millisecond),
		},
		opts...,
	)
	st.sm, err = syncer.New(opts...)
	require.NoError(t, err)
	require.NoError(t, st.sm.Start(context.Background()))
	return st
}

func (st *stack) stop() {
	st.sm.Stop()
	_ = st.pipe.Stop()
}

func (st *stack) session(
	t *testing.T,
	conn net.Conn,
	opts ...peer.SessionOptionFunc,
) *peer.Session {
	t.Helper()
	opts = append(
		[]peer.SessionOptionFunc{
			peer.WithConnection(conn),
			peer.WithChain(st.store),
			peer.WithSink(st.sm),
			peer.WithNetworkMagic(testNetworkMagic),
		},
		opts...,
	)
	s, err := peer.NewSession(opts...)
	require.NoError(t, err)
	return s
}

func waitClosed(t *testing.T, s *peer.Session) {
	t.Helper()
	select {
	case <-s.DoneChan():
	case <-time.After(waitFor):
		require.FailNow(t, "session did not shut down")
	}
}

// startPair starts both sides of a session concurrently, as the handshake
// needs both
func startPair(a *peer.Session, b *peer.Session) (error, error) {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	errA := make(chan error, 1)
	go func() {
		errA <- a.Start(ctx)
	}()
	errB := b.Start(ctx)
	return <-errA, errB
}

// rawRemote completes a handshake and then lets the test write arbitrary
// segments
type rawRemote struct {
	mux   *muxer.Muxer
	hs    *handshake.Handshake
	chain <-chan *muxer.Segment
}

func newRawRemote(conn net.Conn, genesis ledger.Hash) *rawRemote {
	mux := muxer.New(conn)
	cfg := handshake.NewConfig(
		handshake.WithNetworkMagic(testNetworkMagic),
		handshake.WithGenesisHash(genesis),
	)
	hs := handshake.New(
		protocol.ProtocolOptions{
			Muxer: mux,
			Role:  protocol.ProtocolRoleInitiator,
		},
		&cfg,
	)
	chainRecv := mux.RegisterProtocol(protocol.ProtocolIdChain)
	mux.RegisterProtocol(protocol.ProtocolIdKeepAlive)
	mux.Start()
	return &rawRemote{mux: mux, hs: hs, chain: chainRecv}
}

// connect runs the remote handshake against a session being started. A
// passive remote only listens, which is enough to receive a Refuse
func (r *rawRemote) connect(t *testing.T, s *peer.Session, passive bool) (error, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	errSession := make(chan error, 1)
	go func() {
		errSession <- s.Start(ctx)
	}()
	if passive {
		r.hs.Protocol.Start()
	} else {
		r.hs.Start()
	}
	_, errRemote := r.hs.Wait(ctx)
	return <-errSession, errRemote
}

// request sends a block request and waits for the matching response
func (r *rawRemote) request(
	t *testing.T,
	requestId uint64,
	start uint64,
	count uint32,
) *protocol.MsgBlockResponse {
	t.Helper()
	data, err := protocol.Encode(protocol.NewMsgBlockRequest(requestId, start, count))
	require.NoError(t, err)
	require.NoError(t, r.mux.Send(muxer.NewSegment(protocol.ProtocolIdChain, data, false)))
	timeout := time.After(waitFor)
	for {
		select {
		case segment, ok := <-r.chain:
			require.True(t, ok, "muxer shut down")
			msg, err := protocol.Decode(segment.Payload)
			require.NoError(t, err)
			if resp, ok := msg.(*protocol.MsgBlockResponse); ok && resp.RequestId == requestId {
				return resp
			}
		case <-timeout:
			require.FailNow(t, "no block response")
		}
	}
}

func (r *rawRemote) stop() {
	r.hs.Stop()
	r.mux.Stop()
}

func TestSessionSync(t *testing.T) {
	defer goleak.VerifyNone(t)
	gen := chaingen.New(chaingen.TestParams())
	blocks := gen.Chain(gen.Genesis(), 30, chaingen.WithTransactions(1))
	full := newStack(t, gen, blocks)
	defer full.stop()
	empty := newStack(t, gen, nil, syncer.WithBatchSize(8))
	defer empty.stop()
	connA, connB := net.Pipe()
	server := full.session(t, connA)
	client := empty.session(t, connB, peer.WithOutbound(true))
	errServer, errClient := startPair(server, client)
	require.NoError(t, errServer)
	require.NoError(t, errClient)
	assert.Equal(t, peer.StateActive, client.State())
	assert.Equal(t, full.store.Tip().Hash, client.RemoteTip().Hash)
	require.Eventually(t, func() bool {
		return empty.store.Tip().Hash == full.store.Tip().Hash &&
			empty.sm.State() == syncer.StateSynced
	}, waitFor, 10*time.Millisecond)
	server.Close(nil)
	waitClosed(t, server)
	waitClosed(t, client)
	// The client sees the connection drop
	assert.Error(t, client.Err())
}

func largestBlock(blocks []*ledger.Block) int {
	ret := 0
	for _, block := range blocks {
		ret = max(ret, len(block.Cbor()))
	}
	return ret
}

func TestSessionResponseSizeLimit(t *testing.T) {
	defer goleak.VerifyNone(t)
	gen := chaingen.New(chaingen.TestParams())
	blocks := gen.Chain(gen.Genesis(), 20, chaingen.WithTransactions(20))
	st := newStack(t, gen, blocks)
	defer st.stop()
	connA, connB := net.Pipe()
	s := st.session(t, connA, peer.WithMaxResponseSize(3*largestBlock(blocks)))
	remote := newRawRemote(connB, gen.Genesis().Hash())
	defer remote.stop()
	errSession, errRemote := remote.connect(t, s, false)
	require.NoError(t, errSession)
	require.NoError(t, errRemote)

	resp := remote.request(t, 7, 1, 10)
	require.Len(t, resp.Blocks, 3)
	for i, block := range resp.Blocks {
		assert.Equal(t, blocks[i].Hash(), block.Hash())
	}
	// The rest of the range is served on the next request
	resp = remote.request(t, 8, 4, 10)
	require.Len(t, resp.Blocks, 3)
	assert.Equal(t, uint64(4), resp.Blocks[0].Height())
	assert.Equal(t, peer.StateActive, s.State())
	s.Close(nil)
	waitClosed(t, s)
}

func TestSessionSyncWithShortResponses(t *testing.T) {
	defer goleak.VerifyNone(t)
	gen := chaingen.New(chaingen.TestParams())
	blocks := gen.Chain(gen.Genesis(), 30, chaingen.WithTransactions(20))
	full := newStack(t, gen, blocks)
	defer full.stop()
	empty := newStack(t, gen, nil, syncer.WithBatchSize(10))
	defer empty.stop()
	connA, connB := net.Pipe()
	server := full.session(t, connA, peer.WithMaxResponseSize(2*largestBlock(blocks)))
	client := empty.session(t, connB, peer.WithOutbound(true))
	errServer, errClient := startPair(server, client)
	require.NoError(t, errServer)
	require.NoError(t, errClient)
	require.Eventually(t, func() bool {
		return empty.store.Tip().Hash == full.store.Tip().Hash &&
			empty.sm.State() == syncer.StateSynced
	}, waitFor, 10*time.Millisecond)
	// Short responses are not misbehavior
	score, ok := empty.sm.PeerScore(client.Id())
	require.True(t, ok)
	assert.Equal(t, 0, score)
	assert.False(t, empty.sm.Stalled())
	assert.Equal(t, peer.StateActive, server.State())
	server.Close(nil)
	waitClosed(t, server)
	waitClosed(t, client)
}

func TestSessionNetworkMismatch(t *testing.T) {
	defer goleak.VerifyNone(t)
	gen := chaingen.New(chaingen.TestParams())
	a := newStack(t, gen, nil)
	defer a.stop()
	b := newStack(t, gen, nil)
	defer b.stop()
	connA, connB := net.Pipe()
	sessionA := a.session(t, connA)
	sessionB := b.session(t, connB, peer.WithNetworkMagic(testNetworkMagic+1))
	errA, errB := startPair(sessionA, sessionB)
	require.Error(t, errA)
	require.Error(t, errB)
	var mismatch *peer.ProtocolMismatchError
	if !errors.As(errA, &mismatch) {
		require.True(t, errors.As(errB, &mismatch), "unexpected errors: %v, %v", errA, errB)
	}
	assert.Equal(t, protocol.RefuseReasonNetworkMismatch, mismatch.Reason)
	waitClosed(t, sessionA)
	waitClosed(t, sessionB)
	assert.Equal(t, 0, a.sm.PeerCount())
}

func garbage(rnd *rand.Rand) []byte {
	payload := make([]byte, 1+rnd.Intn(256))
	_, _ = rnd.Read(payload)
	// 0xff is a CBOR break code, which never starts a valid message
	payload[0] = 0xff
	return payload
}

func TestSessionSurvivesGarbage(t *testing.T) {
	defer goleak.VerifyNone(t)
	gen := chaingen.New(chaingen.TestParams())
	st := newStack(t, gen, nil)
	defer st.stop()
	connA, connB := net.Pipe()
	s := st.session(t, connA)
	remote := newRawRemote(connB, gen.Genesis().Hash())
	defer remote.stop()
	errSession, errRemote := remote.connect(t, s, false)
	require.NoError(t, errSession)
	require.NoError(t, errRemote)
	rnd := rand.New(rand.NewSource(1))
	const count = 1000
	for range count {
		require.NoError(
			t,
			remote.mux.Send(muxer.NewSegment(protocol.ProtocolIdChain, garbage(rnd), false)),
		)
	}
	require.Eventually(t, func() bool {
		score, _ := st.sm.PeerScore(s.Id())
		return score == count*syncer.DefaultPenalties().DecodeError
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, peer.StateActive, s.State())
	assert.False(t, st.sm.IsBanned(s.BanKey()))
	assert.Equal(t, uint64(0), st.store.Tip().Height)
	assert.Equal(t, uint64(0), st.pipe.Stats().BlocksSubmitted)
	s.Close(nil)
	waitClosed(t, s)
}

func TestSessionBannedAfterGarbage(t *testing.T) {
	defer goleak.VerifyNone(t)
	gen := chaingen.New(chaingen.TestParams())
	st := newStack(t, gen, nil, syncer.WithBans(10, time.Minute, time.Hour))
	defer st.stop()
	connA, connB := net.Pipe()
	s := st.session(t, connA)
	remote := newRawRemote(connB, gen.Genesis().Hash())
	defer remote.stop()
	errSession, errRemote := remote.connect(t, s, false)
	require.NoError(t, errSession)
	require.NoError(t, errRemote)
	rnd := rand.New(rand.NewSource(2))
	go func() {
		for range 10 {
			if err := remote.mux.Send(muxer.NewSegment(protocol.ProtocolIdChain, garbage(rnd), false)); err != nil {
				return
			}
		}
	}()
	waitClosed(t, s)
	assert.ErrorIs(t, s.Err(), syncer.ErrBanned)
	assert.True(t, st.sm.IsBanned(s.BanKey()))
	// The same remote is refused during the handshake
	connC, connD := net.Pipe()
	again := st.session(t, connC)
	remoteAgain := newRawRemote(connD, gen.Genesis().Hash())
	defer remoteAgain.stop()
	errSession, errRemote = remoteAgain.connect(t, again, true)
	assert.ErrorIs(t, errSession, syncer.ErrBanned)
	var mismatch *peer.ProtocolMismatchError
	require.True(t, errors.As(errRemote, &mismatch), "unexpected error: %v", errRemote)
	assert.True(t, mismatch.Refused)
	assert.Equal(t, protocol.RefuseReasonBanned, mismatch.Reason)
	waitClosed(t, again)
}

func TestNewSessionRequiresCollaborators(t *testing.T) {
	_, err := peer.NewSession()
	assert.ErrorIs(t, err, peer.ErrMissingConn)
}
