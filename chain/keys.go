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

package chain

import (
	"encoding/binary"

	"github.com/blinklabs-io/gochain/ledger"
)

// Storage layout
//
//	b<hash>      block CBOR
//	h<height>    canonical block hash at height (big-endian height)
//	x<hash>      marker for a block on a branch excluded from fork choice
//	m/tip        canonical tip hash
var (
	prefixBlock    = []byte("b")
	prefixHeight   = []byte("h")
	prefixExcluded = []byte("x")
	keyTip         = []byte("m/tip")
)

func blockKey(hash ledger.Hash) []byte {
	return append(append(make([]byte, 0, 1+ledger.HashSize), prefixBlock...), hash[:]...)
}

func heightKey(height uint64) []byte {
	key := make([]byte, 9)
	copy(key, prefixHeight)
	binary.BigEndian.PutUint64(key[1:], height)
	return key
}

func excludedKey(hash ledger.Hash) []byte {
	return append(append(make([]byte, 0, 1+ledger.HashSize), prefixExcluded...), hash[:]...)
}
