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

package peer

import (
	"log/slog"
	"net"
	"time"

	"github.com/blinklabs-io/gochain/chain"
	"github.com/blinklabs-io/gochain/protocol/keepalive"
)

const DefaultSendQueueSize = 256

// SessionOptionFunc is a type that represents functions that modify the
// Session config
type SessionOptionFunc func(*Session)

// WithConnection specifies the connection the session runs on
func WithConnection(conn net.Conn) SessionOptionFunc {
	return func(s *Session) {
		s.conn = conn
	}
}

// WithOutbound marks the session as the dialing side
func WithOutbound(outbound bool) SessionOptionFunc {
	return func(s *Session) {
		s.outbound = outbound
	}
}

// WithId overrides the session id derived from the remote address
func WithId(id string) SessionOptionFunc {
	return func(s *Session) {
		s.id = id
	}
}

// WithBanKey overrides the ban key, which defaults to the remote host
func WithBanKey(banKey string) SessionOptionFunc {
	return func(s *Session) {
		s.banKey = banKey
	}
}

// WithNetworkMagic specifies the network magic value
func WithNetworkMagic(networkMagic uint32) SessionOptionFunc {
	return func(s *Session) {
		s.networkMagic = networkMagic
	}
}

// WithChain specifies the chain store used for the handshake tip and to
// serve block requests
func WithChain(store *chain.ChainStore) SessionOptionFunc {
	return func(s *Session) {
		s.chain = store
	}
}

// WithSink specifies where session events are delivered
func WithSink(sink EventSink) SessionOptionFunc {
	return func(s *Session) {
		s.sink = sink
	}
}

func WithLogger(logger *slog.Logger) SessionOptionFunc {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithHandshakeTimeout bounds how long the remote Handshake is waited for
func WithHandshakeTimeout(timeout time.Duration) SessionOptionFunc {
	return func(s *Session) {
		s.handshakeTimeout = timeout
	}
}

// WithKeepAliveConfig specifies KeepAlive protocol config
func WithKeepAliveConfig(cfg keepalive.Config) SessionOptionFunc {
	return func(s *Session) {
		s.keepAliveConfig = &cfg
	}
}

// WithSendQueueSize bounds the outbound queue. A peer that lets it fill up
// is disconnected
func WithSendQueueSize(size int) SessionOptionFunc {
	return func(s *Session) {
		s.sendQueueSize = size
	}
}

// WithMaxPayload bounds received muxer segments
func WithMaxPayload(maxPayload uint32) SessionOptionFunc {
	return func(s *Session) {
		s.maxPayload = maxPayload
	}
}

// WithMaxResponseSize bounds the encoded blocks in one BlockResponse. A
// request that would go over it is answered with fewer blocks. It defaults
// to what fits in a single message and muxer segment
func WithMaxResponseSize(size int) SessionOptionFunc {
	return func(s *Session) {
		s.maxResponseSize = size
	}
}
