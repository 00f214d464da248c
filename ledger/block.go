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
	"github.com/blinklabs-io/gochain/cbor"
	"github.com/jinzhu/copier"
)

// CurrentBlockVersion is the header version produced and accepted by this node
const CurrentBlockVersion uint32 = 1

type Header struct {
	cbor.StructAsArray
	Version    uint32
	PrevHash   Hash
	Height     uint64
	Timestamp  int64 // unix milliseconds
	Difficulty uint64
	Nonce      uint64
	MerkleRoot Hash
}

// Hash returns the block identity: the hash of the header encoding
func (h *Header) Hash() Hash {
	return Blake2b256Hash(h.Cbor())
}

func (h *Header) Cbor() []byte {
	return encodeOrPanic(h)
}

type Block struct {
	cbor.StructAsArray
	Header       Header
	Transactions []Transaction
}

func (b *Block) Hash() Hash {
	return b.Header.Hash()
}

func (b *Block) PrevHash() Hash {
	return b.Header.PrevHash
}

func (b *Block) Height() uint64 {
	return b.Header.Height
}

func (b *Block) Cbor() []byte {
	return encodeOrPanic(b)
}

// Clone returns a deep copy of the block. Blocks handed out by the chain store
// are clones, so callers can never alter stored blocks
func (b *Block) Clone() *Block {
	ret := &Block{}
	if err := copier.CopyWithOption(ret, b, copier.Option{DeepCopy: true}); err != nil {
		// Copying between identical plain struct types cannot fail
		panic("unexpected error copying block: " + err.Error())
	}
	return ret
}

// NewBlockFromCbor decodes a single block
func NewBlockFromCbor(data []byte) (*Block, error) {
	var block Block
	if _, err := cbor.DecodeStrict(data, &block); err != nil {
		return nil, err
	}
	return &block, nil
}
