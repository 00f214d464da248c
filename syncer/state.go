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

package syncer

import (
	"fmt"
)

// SyncState is the node-wide synchronization state
type SyncState uint8

const (
	StateInitial SyncState = iota
	StateSyncing
	StateSynced
	StateReorganizing
)

func (s SyncState) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateSyncing:
		return "SYNCING"
	case StateSynced:
		return "SYNCED"
	case StateReorganizing:
		return "REORGANIZING"
	default:
		return fmt.Sprintf("SyncState(%d)", uint8(s))
	}
}

func (s SyncState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SyncState) UnmarshalText(text []byte) error {
	for _, state := range []SyncState{StateInitial, StateSyncing, StateSynced, StateReorganizing} {
		if state.String() == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown sync state: %q", text)
}

// SyncEvent drives the state machine
type SyncEvent uint8

const (
	// EventPeerAhead fires when a peer claims more cumulative work than the
	// local tip
	EventPeerAhead SyncEvent = iota + 1
	// EventCaughtUp fires when no known peer claims more work than the local
	// tip
	EventCaughtUp
	// EventReorgStarted fires when the chain store starts applying a reorg
	EventReorgStarted
)

func (e SyncEvent) String() string {
	switch e {
	case EventPeerAhead:
		return "PeerAhead"
	case EventCaughtUp:
		return "CaughtUp"
	case EventReorgStarted:
		return "ReorgStarted"
	default:
		return fmt.Sprintf("SyncEvent(%d)", uint8(e))
	}
}

type StateTransition struct {
	Event    SyncEvent
	NewState SyncState
}

// StateMap lists the transitions allowed from each state. Events not listed
// for a state leave it unchanged
var StateMap = map[SyncState][]StateTransition{
	StateInitial: {
		{Event: EventPeerAhead, NewState: StateSyncing},
		{Event: EventCaughtUp, NewState: StateSynced},
		{Event: EventReorgStarted, NewState: StateReorganizing},
	},
	StateSyncing: {
		{Event: EventCaughtUp, NewState: StateSynced},
		{Event: EventReorgStarted, NewState: StateReorganizing},
	},
	StateSynced: {
		{Event: EventPeerAhead, NewState: StateSyncing},
		{Event: EventReorgStarted, NewState: StateReorganizing},
	},
	StateReorganizing: {
		{Event: EventPeerAhead, NewState: StateSyncing},
		{Event: EventCaughtUp, NewState: StateSynced},
	},
}

// NextState returns the state entered when event fires in current
func NextState(current SyncState, event SyncEvent) (SyncState, bool) {
	for _, transition := range StateMap[current] {
		if transition.Event == event {
			return transition.NewState, true
		}
	}
	return current, false
}
