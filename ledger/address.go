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

package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/blinklabs-io/gochain/cbor"
	"github.com/btcsuite/btcd/btcutil/bech32"
)

const (
	AddressSize = 32

	// AddressPrefix is the bech32 human readable part for addresses
	AddressPrefix = "addr"
)

// Address identifies the owner of an output. It is the blake2b-256 hash of the
// owner's public key
type Address [AddressSize]byte

func NewAddressFromPublicKey(publicKey []byte) Address {
	return Address(Blake2b256Hash(publicKey))
}

// NewAddressFromString parses a bech32 encoded address
func NewAddressFromString(addr string) (Address, error) {
	hrp, data, err := bech32.Decode(addr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address: %w", err)
	}
	if hrp != AddressPrefix {
		return Address{}, fmt.Errorf(
			"invalid address prefix: expected %s, got %s",
			AddressPrefix,
			hrp,
		)
	}
	decoded, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address: %w", err)
	}
	if len(decoded) != AddressSize {
		return Address{}, errors.New("invalid address length")
	}
	return Address(decoded), nil
}

func (a Address) String() string {
	// Convert data to base32 and encode as bech32
	convData, err := bech32.ConvertBits(a[:], 8, 5, true)
	if err != nil {
		panic(
			fmt.Sprintf("unexpected error converting data to base32: %s", err),
		)
	}
	encoded, err := bech32.Encode(AddressPrefix, convData)
	if err != nil {
		panic(
			fmt.Sprintf("unexpected error converting base32 to bech32: %s", err),
		)
	}
	return strings.ToLower(encoded)
}

func (a Address) Bytes() []byte {
	return a[:]
}

func (a Address) MarshalCBOR() ([]byte, error) {
	return cbor.Encode(a[:])
}

func (a *Address) UnmarshalCBOR(data []byte) error {
	return cbor.DecodeFixedBytes(data, a[:])
}
