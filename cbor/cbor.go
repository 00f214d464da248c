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

package cbor

import (
	"errors"
	"fmt"

	_cbor "github.com/fxamacker/cbor/v2"
)

const (
	CborTypeByteString uint8 = 0x40
	CborTypeTextString uint8 = 0x60
	CborTypeArray      uint8 = 0x80
	CborTypeMap        uint8 = 0xa0

	// Only the top 3 bits are used to specify the type
	CborTypeMask uint8 = 0xe0

	// Max value able to be stored in a single byte without type prefix
	CborMaxUintSimple uint8 = 0x17
)

// Decoder limits. These bound how much memory a single decode can be made to
// allocate regardless of the length fields found in the input
const (
	MaxNestedLevels  = 16
	MaxArrayElements = 65536
	MaxMapPairs      = 1024
)

// Create an alias for RawMessage for convenience
type RawMessage = _cbor.RawMessage

// Useful for embedding and easier to remember
type StructAsArray struct {
	// Tells the CBOR decoder to convert to/from a struct and a CBOR array
	_ struct{} `cbor:",toarray"`
}

var ErrTrailingData = errors.New("trailing data after CBOR item")

// DecodeFixedBytes decodes a CBOR byte string into dest, which must be exactly
// the length of dest
func DecodeFixedBytes(cborData []byte, dest []byte) error {
	var tmp []byte
	if _, err := DecodeStrict(cborData, &tmp); err != nil {
		return err
	}
	if len(tmp) != len(dest) {
		return fmt.Errorf(
			"invalid byte string length: expected %d, got %d",
			len(dest),
			len(tmp),
		)
	}
	copy(dest, tmp)
	return nil
}
