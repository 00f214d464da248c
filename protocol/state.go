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

package protocol

import "time"

// State is a node in a mini-protocol state machine. Id keeps states with the
// same name distinct
type State struct {
	Id   uint
	Name string
}

func NewState(id uint, name string) State {
	return State{Id: id, Name: name}
}

func (s State) String() string { return s.Name }

// StateTransition moves the protocol to NewState when a message of MsgType
// arrives and MatchFunc, if set, accepts it
type StateTransition struct {
	MsgType   uint8
	NewState  State
	MatchFunc StateTransitionMatchFunc
}

type StateTransitionMatchFunc func(Message) bool

func (t StateTransition) accepts(msg Message) bool {
	return t.MsgType == msg.Type() && (t.MatchFunc == nil || t.MatchFunc(msg))
}

type StateMapEntry struct {
	Transitions []StateTransition
	// Timeout fails the protocol with ErrProtocolTimeout when it stays in the
	// state for longer. Zero disables it
	Timeout time.Duration
}

// StateMap describes which messages each state accepts. A state with no
// transitions is terminal
type StateMap map[State]StateMapEntry

// Next returns the state entered when msg arrives in current. ok is false if
// current does not accept msg
func (s StateMap) Next(current State, msg Message) (next State, ok bool) {
	for _, t := range s[current].Transitions {
		if t.accepts(msg) {
			return t.NewState, true
		}
	}
	return current, false
}
