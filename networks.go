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
	"time"

	"github.com/blinklabs-io/gochain/consensus"
	"github.com/blinklabs-io/gochain/ledger"
)

// Network definitions
var (
	NetworkMainnet = Network{
		Name:             "mainnet",
		NetworkMagic:     764824073,
		GenesisTimestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
		Params:           consensus.DefaultParams(),
	}
	NetworkTestnet = Network{
		Name:             "testnet",
		NetworkMagic:     1097911063,
		GenesisTimestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
		Params:           consensus.DefaultParams(),
	}
	// NetworkDevnet has a short difficulty window so difficulty follows a
	// handful of blocks. The mocknet runs on it
	NetworkDevnet = Network{
		Name:             "devnet",
		NetworkMagic:     42,
		GenesisTimestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
		Params:           devnetParams(),
	}

	NetworkInvalid = Network{
		Name: "invalid",
	} // NetworkInvalid is used as a return value for lookup functions when a network isn't found
)

// List of valid networks for use in lookup functions
var networks = []Network{
	NetworkMainnet,
	NetworkTestnet,
	NetworkDevnet,
}

func devnetParams() consensus.Params {
	params := consensus.DefaultParams()
	params.DifficultyWindow = 5
	params.MedianTimeSpan = 5
	return params
}

// NetworkByName returns a predefined network by name
func NetworkByName(name string) Network {
	for _, network := range networks {
		if network.Name == name {
			return network
		}
	}
	return NetworkInvalid
}

// NetworkByNetworkMagic returns a predefined network by network magic
func NetworkByNetworkMagic(networkMagic uint32) Network {
	for _, network := range networks {
		if network.NetworkMagic == networkMagic {
			return network
		}
	}
	return NetworkInvalid
}

// Network describes a chain: its handshake magic, genesis and consensus
// parameters
type Network struct {
	Name             string
	NetworkMagic     uint32
	GenesisTimestamp int64 // unix milliseconds
	Params           consensus.Params
}

func (n Network) String() string {
	return n.Name
}

// Genesis returns the genesis block of the network
func (n Network) Genesis() *ledger.Block {
	return consensus.GenesisBlock(n.GenesisTimestamp, n.Params)
}
