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
)

// Signature schemes understood by the verifier
const (
	SigSchemeEd25519 uint8 = 1
)

type TxInput struct {
	cbor.StructAsArray
	TxHash Hash
	Index  uint32
}

type TxOutput struct {
	cbor.StructAsArray
	Address Address
	Amount  uint64
}

// Transaction moves value from previous outputs to new outputs. It is
// immutable once signed
type Transaction struct {
	cbor.StructAsArray
	Inputs    []TxInput
	Outputs   []TxOutput
	Fee       uint64
	SigScheme uint8
	PublicKey []byte
	Signature []byte
}

type txSigningBody struct {
	cbor.StructAsArray
	Inputs    []TxInput
	Outputs   []TxOutput
	Fee       uint64
	SigScheme uint8
	PublicKey []byte
}

// Hash returns the transaction identity, covering the signature
func (t *Transaction) Hash() Hash {
	return Blake2b256Hash(encodeOrPanic(t))
}

// SigningHash returns the message covered by the transaction signature
func (t *Transaction) SigningHash() Hash {
	body := txSigningBody{
		Inputs:    t.Inputs,
		Outputs:   t.Outputs,
		Fee:       t.Fee,
		SigScheme: t.SigScheme,
		PublicKey: t.PublicKey,
	}
	return Blake2b256Hash(encodeOrPanic(&body))
}

func (t *Transaction) Cbor() []byte {
	return encodeOrPanic(t)
}

// NewTransactionFromCbor decodes a single transaction
func NewTransactionFromCbor(data []byte) (*Transaction, error) {
	var tx Transaction
	if _, err := cbor.DecodeStrict(data, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}
