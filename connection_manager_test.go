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

package gochain_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/blinklabs-io/gochain"
	"github.com/blinklabs-io/gochain/chain"
	"github.com/blinklabs-io/gochain/internal/test/chaingen"
	"github.com/blinklabs-io/gochain/peer"
	"github.com/blinklabs-io/gochain/syncer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// nopSink accepts every event and bans nobody
type nopSink struct{}

func (nopSink) Deliver(context.Context, syncer.Event) error { return nil }

func (nopSink) IsBanned(string) bool { return false }

func newTestSession(t *testing.T, store *chain.ChainStore) (*peer.Session, gochain.ConnectionId) {
	t.Helper()
	connA, connB := net.Pipe()
	t.Cleanup(func() {
		_ = connB.Close()
	})
	s, err := peer.NewSession(
		peer.WithConnection(connA),
		peer.WithChain(store),
		peer.WithSink(nopSink{}),
	)
	require.NoError(t, err)
	return s, gochain.ConnectionId{
		LocalAddr:  connA.LocalAddr(),
		RemoteAddr: connA.RemoteAddr(),
	}
}

func newTestStore(t *testing.T) *chain.ChainStore {
	t.Helper()
	gen := chaingen.New(chaingen.TestParams())
	store, err := chain.New(chain.WithGenesis(gen.Genesis()))
	require.NoError(t, err)
	return store
}

func TestConnectionManagerTagString(t *testing.T) {
	testDefs := map[gochain.ConnectionManagerTag]string{
		gochain.ConnectionManagerTagHostSeed:      "HostSeed",
		gochain.ConnectionManagerTagRoleInitiator: "RoleInitiator",
		gochain.ConnectionManagerTagRoleResponder: "RoleResponder",
		gochain.ConnectionManagerTagNone:          "Unknown",
		gochain.ConnectionManagerTag(9999):        "Unknown",
	}
	for k, v := range testDefs {
		assert.Equal(t, v, k.String(), "tag %d", k)
	}
}

func TestConnectionManagerConnClosed(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := newTestStore(t)
	expectedErr := errors.New("test close")
	type closed struct {
		connId gochain.ConnectionId
		err    error
	}
	closedChan := make(chan closed, 3)
	connManager := gochain.NewConnectionManager(
		gochain.ConnectionManagerConfig{
			ConnClosedFunc: func(connId gochain.ConnectionId, err error) {
				closedChan <- closed{connId, err}
			},
		},
	)
	var sessions []*peer.Session
	var ids []gochain.ConnectionId
	for i := 0; i < 3; i++ {
		s, connId := newTestSession(t, store)
		tag := gochain.ConnectionManagerTagRoleResponder
		if i == 0 {
			tag = gochain.ConnectionManagerTagRoleInitiator
		}
		require.NoError(t, connManager.AddConnection(connId, s, tag))
		sessions = append(sessions, s)
		ids = append(ids, connId)
	}
	assert.Equal(t, 3, connManager.Count())
	assert.Len(t, connManager.GetConnectionsByTags(gochain.ConnectionManagerTagRoleResponder), 2)
	assert.Len(t, connManager.GetConnectionsByTags(), 3)
	conn := connManager.GetConnectionById(ids[0])
	require.NotNil(t, conn)
	assert.Same(t, sessions[0], conn.Session)

	sessions[1].Close(expectedErr)
	select {
	case c := <-closedChan:
		assert.Equal(t, ids[1], c.connId)
		assert.ErrorIs(t, c.err, expectedErr)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "did not receive close within timeout")
	}
	assert.Equal(t, 2, connManager.Count())
	assert.Nil(t, connManager.GetConnectionById(ids[1]))

	connManager.Close(gochain.ErrNodeStopped)
	assert.Equal(t, 0, connManager.Count())
	assert.Len(t, closedChan, 2)
	for i := 0; i < 2; i++ {
		c := <-closedChan
		assert.ErrorIs(t, c.err, gochain.ErrNodeStopped)
	}
}

func TestConnectionManagerLimits(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := newTestStore(t)
	connManager := gochain.NewConnectionManager(
		gochain.ConnectionManagerConfig{
			MaxConnections: 1,
		},
	)
	s1, id1 := newTestSession(t, store)
	require.NoError(t, connManager.AddConnection(id1, s1))
	s2, id2 := newTestSession(t, store)
	assert.ErrorIs(t, connManager.AddConnection(id2, s2), gochain.ErrTooManyPeers)
	s2.Close(gochain.ErrTooManyPeers)
	<-s2.DoneChan()
	connManager.Close(gochain.ErrNodeStopped)
	s3, id3 := newTestSession(t, store)
	assert.ErrorIs(t, connManager.AddConnection(id3, s3), gochain.ErrConnectionManagerDone)
	s3.Close(gochain.ErrConnectionManagerDone)
	<-s3.DoneChan()
}

func TestConnectionManagerHosts(t *testing.T) {
	connManager := gochain.NewConnectionManager(gochain.ConnectionManagerConfig{})
	connManager.AddHost("10.0.0.1:3001", gochain.ConnectionManagerTagHostSeed)
	connManager.AddHost("10.0.0.2:3001")
	assert.Equal(t, []string{"10.0.0.1:3001"}, connManager.HostsByTags(gochain.ConnectionManagerTagHostSeed))
	assert.Len(t, connManager.HostsByTags(), 2)
}
