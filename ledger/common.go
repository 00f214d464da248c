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
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/blinklabs-io/gochain/cbor"
	"golang.org/x/crypto/blake2b"
)

const HashSize = 32

// Hash is a blake2b-256 digest identifying a block or transaction
type Hash [HashSize]byte

// ZeroHash is the all-zero hash used as the previous hash of genesis
var ZeroHash = Hash{}

func NewHash(data []byte) Hash {
	h := Hash{}
	copy(h[:], data)
	return h
}

// NewHashFromHex parses a hex encoded hash
func NewHashFromHex(hexStr string) (Hash, error) {
	data, err := hex.DecodeString(hexStr)
	if err != nil {
		return Hash{}, err
	}
	if len(data) != HashSize {
		return Hash{}, fmt.Errorf(
			"invalid hash length: expected %d, got %d",
			HashSize,
			len(data),
		)
	}
	return NewHash(data), nil
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) Bytes() []byte {
	return h[:]
}

func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// Compare orders hashes lexicographically by their bytes
func (h Hash) Compare(other Hash) int {
	return bytes.Compare(h[:], other[:])
}

func (h Hash) MarshalCBOR() ([]byte, error) {
	return cbor.Encode(h[:])
}

func (h *Hash) UnmarshalCBOR(data []byte) error {
	return cbor.DecodeFixedBytes(data, h[:])
}

// Blake2b256Hash generates a Blake2b-256 hash from the provided data
func Blake2b256Hash(data []byte) Hash {
	return Hash(blake2b.Sum256(data))
}

// encodeOrPanic is used for hashing types made only of integers and byte
// strings, which always encode
func encodeOrPanic(v any) []byte {
	data, err := cbor.Encode(v)
	if err != nil {
		panic(fmt.Sprintf("unexpected error encoding %T: %s", v, err))
	}
	return data
}
