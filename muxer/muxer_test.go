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

package muxer_test

import (
	"net"
	"testing"
	"time"

	"github.com/blinklabs-io/gochain/muxer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newMuxerPair(
	t *testing.T,
	optsB ...muxer.MuxerOptionFunc,
) (*muxer.Muxer, *muxer.Muxer) {
	t.Helper()
	connA, connB := net.Pipe()
	muxA := muxer.New(connA)
	muxB := muxer.New(connB, optsB...)
	t.Cleanup(func() {
		muxA.Stop()
		muxB.Stop()
	})
	return muxA, muxB
}

func receive(t *testing.T, recvChan <-chan *muxer.Segment) *muxer.Segment {
	t.Helper()
	select {
	case segment, ok := <-recvChan:
		require.True(t, ok, "receive channel closed")
		return segment
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for segment")
	}
	return nil
}

func TestSendReceive(t *testing.T) {
	defer goleak.VerifyNone(t)
	muxA, muxB := newMuxerPair(t)
	muxA.RegisterProtocol(1)
	recvB := muxB.RegisterProtocol(1)
	muxA.Start()
	muxB.Start()
	go func() {
		_ = muxA.Send(muxer.NewSegment(1, []byte("hello"), true))
	}()
	segment := receive(t, recvB)
	assert.Equal(t, []byte("hello"), segment.Payload)
	assert.Equal(t, uint16(1), segment.GetProtocolId())
	assert.True(t, segment.IsResponse())
	assert.False(t, segment.Oversized)
	muxA.Stop()
	muxB.Stop()
}

func TestOversizedSegmentIsDrained(t *testing.T) {
	defer goleak.VerifyNone(t)
	muxA, muxB := newMuxerPair(t, muxer.WithMaxPayload(16))
	muxA.RegisterProtocol(1)
	recvB := muxB.RegisterProtocol(1)
	muxA.Start()
	muxB.Start()
	go func() {
		_ = muxA.Send(muxer.NewSegment(1, make([]byte, 64), false))
		_ = muxA.Send(muxer.NewSegment(1, []byte("after"), false))
	}()
	segment := receive(t, recvB)
	assert.True(t, segment.Oversized)
	assert.Nil(t, segment.Payload)
	// The stream stays in sync after the oversized segment
	segment = receive(t, recvB)
	assert.False(t, segment.Oversized)
	assert.Equal(t, []byte("after"), segment.Payload)
	muxA.Stop()
	muxB.Stop()
}

func TestSendTooLarge(t *testing.T) {
	defer goleak.VerifyNone(t)
	connA, connB := net.Pipe()
	defer connB.Close()
	muxA := muxer.New(connA, muxer.WithMaxPayload(4))
	err := muxA.Send(muxer.NewSegment(1, make([]byte, 5), false))
	assert.ErrorIs(t, err, muxer.ErrPayloadTooLarge)
	muxA.Stop()
}

func TestUnknownProtocol(t *testing.T) {
	defer goleak.VerifyNone(t)
	muxA, muxB := newMuxerPair(t)
	recvB := muxB.RegisterProtocol(1)
	muxA.Start()
	muxB.Start()
	go func() {
		_ = muxA.Send(muxer.NewSegment(5, []byte("x"), false))
	}()
	select {
	case err := <-muxB.ErrorChan():
		assert.ErrorContains(t, err, "unknown protocol ID 5")
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for error")
	}
	// Receive channels are closed once the muxer shuts down
	select {
	case _, ok := <-recvB:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "receive channel was not closed")
	}
	muxA.Stop()
	muxB.Stop()
}

func TestSendAfterStop(t *testing.T) {
	defer goleak.VerifyNone(t)
	muxA, _ := newMuxerPair(t)
	muxA.Stop()
	err := muxA.Send(muxer.NewSegment(1, []byte("x"), false))
	assert.ErrorIs(t, err, muxer.ErrMuxerShutdown)
}
