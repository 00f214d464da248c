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

package ledger_test

import (
	"testing"

	"github.com/blinklabs-io/gochain/cbor"
	"github.com/blinklabs-io/gochain/ledger"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBlock() *ledger.Block {
	txs := []ledger.Transaction{
		{
			Inputs: []ledger.TxInput{
				{TxHash: ledger.Blake2b256Hash([]byte("prev")), Index: 1},
			},
			Outputs: []ledger.TxOutput{
				{
					Address: ledger.NewAddressFromPublicKey([]byte("pub")),
					Amount:  50,
				},
			},
			Fee:       2,
			SigScheme: ledger.SigSchemeEd25519,
			PublicKey: []byte("pub"),
			Signature: []byte("sig"),
		},
	}
	return &ledger.Block{
		Header: ledger.Header{
			Version:    ledger.CurrentBlockVersion,
			PrevHash:   ledger.Blake2b256Hash([]byte("parent")),
			Height:     7,
			Timestamp:  1_700_000_000_000,
			Difficulty: 3,
			Nonce:      42,
			MerkleRoot: ledger.MerkleRoot(txs),
		},
		Transactions: txs,
	}
}

func TestHashCbor(t *testing.T) {
	h := ledger.Blake2b256Hash([]byte("test"))
	data, err := cbor.Encode(h)
	require.NoError(t, err)
	var decoded ledger.Hash
	_, err = cbor.Decode(data, &decoded)
	require.NoError(t, err)
	assert.Equal(t, h, decoded)
	// A short byte string must not silently decode into a hash
	short, err := cbor.Encode([]byte{1, 2, 3})
	require.NoError(t, err)
	_, err = cbor.Decode(short, &decoded)
	assert.Error(t, err)
}

func TestHashFromHex(t *testing.T) {
	h := ledger.Blake2b256Hash([]byte("test"))
	parsed, err := ledger.NewHashFromHex(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)
	_, err = ledger.NewHashFromHex("abcd")
	assert.Error(t, err)
}

func TestHashCompare(t *testing.T) {
	a := ledger.Hash{0x01}
	b := ledger.Hash{0x02}
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, 0, a.Compare(a))
}

func TestAddressBech32(t *testing.T) {
	addr := ledger.NewAddressFromPublicKey([]byte("some public key"))
	str := addr.String()
	assert.Contains(t, str, ledger.AddressPrefix+"1")
	parsed, err := ledger.NewAddressFromString(str)
	require.NoError(t, err)
	assert.Equal(t, addr, parsed)
	_, err = ledger.NewAddressFromString("bogus1qqqq")
	assert.Error(t, err)
}

func TestBlockCborRoundTrip(t *testing.T) {
	block := testBlock()
	decoded, err := ledger.NewBlockFromCbor(block.Cbor())
	require.NoError(t, err)
	assert.Equal(t, block, decoded)
	assert.Equal(t, block.Hash(), decoded.Hash())
}

func TestBlockHashCoversHeaderOnly(t *testing.T) {
	block := testBlock()
	hash := block.Hash()
	block.Header.Nonce++
	assert.NotEqual(t, hash, block.Hash())
}

func TestBlockClone(t *testing.T) {
	block := testBlock()
	clone := block.Clone()
	assert.Equal(t, block, clone)
	clone.Header.Height = 100
	clone.Transactions[0].Fee = 100
	assert.Equal(t, uint64(7), block.Header.Height)
	assert.Equal(t, uint64(2), block.Transactions[0].Fee)
}

func TestTransactionHashes(t *testing.T) {
	tx := testBlock().Transactions[0]
	signing := tx.SigningHash()
	id := tx.Hash()
	tx.Signature = []byte("other")
	assert.Equal(t, signing, tx.SigningHash())
	assert.NotEqual(t, id, tx.Hash())
}

func TestMerkleRoot(t *testing.T) {
	assert.Equal(t, ledger.ZeroHash, ledger.MerkleRoot(nil))
	txs := testBlock().Transactions
	assert.Equal(t, txs[0].Hash(), ledger.MerkleRoot(txs))
	second := txs[0]
	second.Fee = 9
	two := append(txs, second)
	three := append(append([]ledger.Transaction{}, two...), second)
	root2 := ledger.MerkleRoot(two)
	assert.NotEqual(t, txs[0].Hash(), root2)
	assert.NotEqual(t, root2, ledger.MerkleRoot(three))
	// Order matters
	swapped := []ledger.Transaction{two[1], two[0]}
	assert.NotEqual(t, root2, ledger.MerkleRoot(swapped))
}

func TestChainTipCbor(t *testing.T) {
	tip := ledger.ChainTip{
		Hash:   ledger.Blake2b256Hash([]byte("tip")),
		Height: 12,
		Work:   *uint256.NewInt(123456),
	}
	data, err := cbor.Encode(tip)
	require.NoError(t, err)
	var decoded ledger.ChainTip
	_, err = cbor.Decode(data, &decoded)
	require.NoError(t, err)
	assert.Equal(t, tip, decoded)
}
