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

package gochain

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/blinklabs-io/gochain/peer"
)

var (
	ErrTooManyPeers          = errors.New("connection manager: peer limit reached")
	ErrConnectionManagerDone = errors.New("connection manager: closed")
)

// ConnectionId identifies a connection by its endpoints
type ConnectionId struct {
	LocalAddr  net.Addr
	RemoteAddr net.Addr
}

func (c ConnectionId) String() string {
	return fmt.Sprintf("%s<->%s", addrString(c.LocalAddr), addrString(c.RemoteAddr))
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return "<nil>"
	}
	return addr.String()
}

// ConnectionManagerConnClosedFunc is called with the error, if any, that
// ended a tracked session
type ConnectionManagerConnClosedFunc func(ConnectionId, error)

// ConnectionManagerTag labels hosts and connections
type ConnectionManagerTag uint16

const (
	ConnectionManagerTagNone ConnectionManagerTag = iota
	// ConnectionManagerTagHostSeed marks hosts from the configured peer list
	ConnectionManagerTagHostSeed
	ConnectionManagerTagRoleInitiator
	ConnectionManagerTagRoleResponder
)

func (c ConnectionManagerTag) String() string {
	switch c {
	case ConnectionManagerTagHostSeed:
		return "HostSeed"
	case ConnectionManagerTagRoleInitiator:
		return "RoleInitiator"
	case ConnectionManagerTagRoleResponder:
		return "RoleResponder"
	default:
		return "Unknown"
	}
}

// TagSet is a set of tags
type TagSet map[ConnectionManagerTag]bool

func newTagSet(tags []ConnectionManagerTag) TagSet {
	ret := make(TagSet, len(tags))
	for _, tag := range tags {
		ret[tag] = true
	}
	return ret
}

// HasAll reports whether every given tag is in the set
func (s TagSet) HasAll(tags ...ConnectionManagerTag) bool {
	for _, tag := range tags {
		if !s[tag] {
			return false
		}
	}
	return true
}

type ConnectionManagerConfig struct {
	ConnClosedFunc ConnectionManagerConnClosedFunc
	// MaxConnections limits tracked sessions. Zero means no limit
	MaxConnections int
}

type ConnectionManagerHost struct {
	Address string
	Tags    TagSet
}

type ConnectionManagerConnection struct {
	Id      ConnectionId
	Session *peer.Session
	Tags    TagSet
}

// ConnectionManager tracks the known hosts and live sessions of a node
type ConnectionManager struct {
	config      ConnectionManagerConfig
	mu          sync.Mutex
	hosts       []ConnectionManagerHost
	connections map[ConnectionId]*ConnectionManagerConnection
	closed      bool
	wg          sync.WaitGroup
}

func NewConnectionManager(cfg ConnectionManagerConfig) *ConnectionManager {
	return &ConnectionManager{
		config:      cfg,
		connections: make(map[ConnectionId]*ConnectionManagerConnection),
	}
}

func (c *ConnectionManager) AddHost(address string, tags ...ConnectionManagerTag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hosts = append(c.hosts, ConnectionManagerHost{Address: address, Tags: newTagSet(tags)})
}

// HostsByTags returns the addresses of hosts carrying all given tags
func (c *ConnectionManager) HostsByTags(tags ...ConnectionManagerTag) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ret []string
	for _, host := range c.hosts {
		if host.Tags.HasAll(tags...) {
			ret = append(ret, host.Address)
		}
	}
	return ret
}

// AddConnection starts tracking a session. Once the session shuts down it is
// forgotten and ConnClosedFunc is called
func (c *ConnectionManager) AddConnection(
	connId ConnectionId,
	session *peer.Session,
	tags ...ConnectionManagerTag,
) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return ErrConnectionManagerDone
	case c.config.MaxConnections > 0 && len(c.connections) >= c.config.MaxConnections:
		return ErrTooManyPeers
	}
	c.connections[connId] = &ConnectionManagerConnection{
		Id:      connId,
		Session: session,
		Tags:    newTagSet(tags),
	}
	c.wg.Add(1)
	go c.watch(connId, session)
	return nil
}

func (c *ConnectionManager) watch(connId ConnectionId, session *peer.Session) {
	defer c.wg.Done()
	<-session.DoneChan()
	c.RemoveConnection(connId)
	if c.config.ConnClosedFunc != nil {
		c.config.ConnClosedFunc(connId, session.Err())
	}
}

func (c *ConnectionManager) RemoveConnection(connId ConnectionId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.connections, connId)
}

func (c *ConnectionManager) GetConnectionById(connId ConnectionId) *ConnectionManagerConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections[connId]
}

// GetConnectionsByTags returns the connections carrying all given tags
func (c *ConnectionManager) GetConnectionsByTags(tags ...ConnectionManagerTag) []*ConnectionManagerConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ret []*ConnectionManagerConnection
	for _, conn := range c.connections {
		if conn.Tags.HasAll(tags...) {
			ret = append(ret, conn)
		}
	}
	return ret
}

func (c *ConnectionManager) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.connections)
}

// Close closes every session with reason, refuses new ones and waits for the
// tracked sessions to shut down
func (c *ConnectionManager) Close(reason error) {
	c.mu.Lock()
	c.closed = true
	sessions := make([]*peer.Session, 0, len(c.connections))
	for _, conn := range c.connections {
		sessions = append(sessions, conn.Session)
	}
	c.mu.Unlock()
	for _, session := range sessions {
		session.Close(reason)
	}
	c.wg.Wait()
}
