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

// Package keepalive implements the liveness probe of a peer session. Each
// side periodically sends KeepAlive with a fresh cookie and answers the
// remote probes with a KeepAliveResponse echoing the cookie. A probe left
// unanswered past the timeout is fatal to the session
package keepalive

import (
	"fmt"
	"sync"
	"time"

	"github.com/blinklabs-io/gochain/protocol"
)

const (
	// ProtocolName is the name of the keep-alive protocol.
	ProtocolName = "keep-alive"
	// ProtocolId is the unique protocol identifier for the keep-alive protocol.
	ProtocolId = protocol.ProtocolIdKeepAlive
	// DefaultKeepAlivePeriod is the default interval between keep-alive probes.
	DefaultKeepAlivePeriod = 30 * time.Second
	// DefaultKeepAliveTimeout is the default timeout for keep-alive responses.
	DefaultKeepAliveTimeout = 10 * time.Second
)

// Config contains configuration options for the keep-alive protocol.
type Config struct {
	Period  time.Duration
	Timeout time.Duration
	// ResponseFunc is called with the round trip time of each answered probe
	ResponseFunc ResponseFunc
	// RecvErrorFunc receives responses that match no outstanding probe
	RecvErrorFunc protocol.RecvErrorFunc
}

// ResponseFunc is a callback function type for handling keep-alive responses.
type ResponseFunc func(rtt time.Duration)

// KeepAliveOptionFunc is a function that modifies a Config.
type KeepAliveOptionFunc func(*Config)

// NewConfig creates a new Config with default values, applying any provided option functions.
func NewConfig(options ...KeepAliveOptionFunc) Config {
	c := Config{
		Period:  DefaultKeepAlivePeriod,
		Timeout: DefaultKeepAliveTimeout,
	}
	for _, option := range options {
		option(&c)
	}
	return c
}

// WithPeriod sets the keep-alive period duration in the Config.
func WithPeriod(period time.Duration) KeepAliveOptionFunc {
	return func(c *Config) {
		c.Period = period
	}
}

// WithTimeout sets the timeout duration in the Config.
func WithTimeout(timeout time.Duration) KeepAliveOptionFunc {
	return func(c *Config) {
		c.Timeout = timeout
	}
}

// WithResponseFunc sets the ResponseFunc callback in the Config.
func WithResponseFunc(responseFunc ResponseFunc) KeepAliveOptionFunc {
	return func(c *Config) {
		c.ResponseFunc = responseFunc
	}
}

// WithRecvErrorFunc sets the callback for unmatched responses.
func WithRecvErrorFunc(recvErrorFunc protocol.RecvErrorFunc) KeepAliveOptionFunc {
	return func(c *Config) {
		c.RecvErrorFunc = recvErrorFunc
	}
}

// KeepAlive sends probes and answers the remote ones.
type KeepAlive struct {
	*protocol.Protocol
	config     *Config
	timer      *time.Timer
	timerMutex sync.Mutex
	cookie     uint16
	pending    bool
	sentAt     time.Time
	onceStart  sync.Once
}

// New creates and returns a new KeepAlive protocol instance. It registers
// with the muxer, so it must be called before the muxer is started
func New(protoOptions protocol.ProtocolOptions, cfg *Config) *KeepAlive {
	if cfg == nil {
		tmpCfg := NewConfig()
		cfg = &tmpCfg
	}
	k := &KeepAlive{
		config: cfg,
	}
	k.Protocol = protocol.New(protocol.ProtocolConfig{
		Name:               ProtocolName,
		ProtocolId:         ProtocolId,
		Muxer:              protoOptions.Muxer,
		Logger:             protoOptions.Logger,
		ErrorChan:          protoOptions.ErrorChan,
		Role:               protoOptions.Role,
		MessageHandlerFunc: k.messageHandler,
		RecvErrorFunc:      cfg.RecvErrorFunc,
	})
	return k
}

// Start begins answering probes and schedules the first one of our own
func (k *KeepAlive) Start() {
	k.onceStart.Do(func() {
		k.Protocol.Start()
		go func() {
			<-k.DoneChan()
			k.timerMutex.Lock()
			if k.timer != nil {
				k.timer.Stop()
			}
			k.timerMutex.Unlock()
		}()
		k.timerMutex.Lock()
		k.scheduleLocked(k.config.Period)
		k.timerMutex.Unlock()
	})
}

// scheduleLocked must be called with timerMutex held
func (k *KeepAlive) scheduleLocked(d time.Duration) {
	select {
	case <-k.DoneChan():
		return
	default:
	}
	if k.timer != nil {
		k.timer.Stop()
	}
	k.timer = time.AfterFunc(d, k.tick)
}

func (k *KeepAlive) tick() {
	k.timerMutex.Lock()
	if k.pending {
		if time.Since(k.sentAt) >= k.config.Timeout {
			cookie := k.cookie
			k.timerMutex.Unlock()
			k.SendError(
				fmt.Errorf(
					"%s: %w waiting for response to cookie %d",
					ProtocolName,
					protocol.ErrProtocolTimeout,
					cookie,
				),
			)
			return
		}
		k.scheduleLocked(k.config.Timeout - time.Since(k.sentAt))
		k.timerMutex.Unlock()
		return
	}
	k.cookie++
	k.pending = true
	k.sentAt = time.Now()
	cookie := k.cookie
	k.scheduleLocked(min(k.config.Period, k.config.Timeout))
	k.timerMutex.Unlock()
	if err := k.SendMessage(protocol.NewMsgKeepAlive(cookie)); err != nil {
		k.SendError(err)
	}
}

func (k *KeepAlive) messageHandler(msg protocol.Message) error {
	switch msg := msg.(type) {
	case *protocol.MsgKeepAlive:
		return k.SendMessage(protocol.NewMsgKeepAliveResponse(msg.Cookie))
	case *protocol.MsgKeepAliveResponse:
		k.handleKeepAliveResponse(msg)
		return nil
	default:
		return fmt.Errorf(
			"%s: received unexpected message type %d",
			ProtocolName,
			msg.Type(),
		)
	}
}

func (k *KeepAlive) handleKeepAliveResponse(msg *protocol.MsgKeepAliveResponse) {
	k.timerMutex.Lock()
	if !k.pending || msg.Cookie != k.cookie {
		expected := k.cookie
		k.timerMutex.Unlock()
		if k.config.RecvErrorFunc != nil {
			k.config.RecvErrorFunc(
				fmt.Errorf(
					"%w: %s response with cookie %d, expected %d",
					protocol.ErrProtocolViolationUnexpectedMessage,
					ProtocolName,
					msg.Cookie,
					expected,
				),
			)
		}
		return
	}
	k.pending = false
	rtt := time.Since(k.sentAt)
	k.scheduleLocked(k.config.Period)
	k.timerMutex.Unlock()
	if k.config.ResponseFunc != nil {
		k.config.ResponseFunc(rtt)
	}
}
