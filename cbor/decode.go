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
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	_cbor "github.com/fxamacker/cbor/v2"
)

var ErrEmptyList = errors.New("empty CBOR list")

// decMode rejects anything a well-behaved peer never sends: indefinite
// lengths, tags, duplicate map keys and unknown struct fields
var decMode = sync.OnceValues(func() (_cbor.DecMode, error) {
	return _cbor.DecOptions{
		ExtraReturnErrors: _cbor.ExtraDecErrorUnknownField,
		DupMapKey:         _cbor.DupMapKeyEnforcedAPF,
		IndefLength:       _cbor.IndefLengthForbidden,
		TagsMd:            _cbor.TagsForbidden,
		MaxNestedLevels:   MaxNestedLevels,
		MaxArrayElements:  MaxArrayElements,
		MaxMapPairs:       MaxMapPairs,
	}.DecMode()
})

// Decode decodes the first CBOR item in data into dest and returns the
// number of bytes consumed
func Decode(data []byte, dest any) (int, error) {
	dm, err := decMode()
	if err != nil {
		return 0, err
	}
	dec := dm.NewDecoder(bytes.NewReader(data))
	err = dec.Decode(dest)
	return dec.NumBytesRead(), err
}

// DecodeStrict is Decode that also fails if anything follows the first item
func DecodeStrict(data []byte, dest any) (int, error) {
	n, err := Decode(data, dest)
	if err == nil && n != len(data) {
		err = fmt.Errorf("%w: %d bytes", ErrTrailingData, len(data)-n)
	}
	return n, err
}

// readHead parses the initial byte and argument of a CBOR data item. It
// returns the major type, the argument and the header size
func readHead(data []byte) (major uint8, arg uint64, size int, err error) {
	if len(data) == 0 {
		return 0, 0, 0, errors.New("empty CBOR input")
	}
	major = data[0] & CborTypeMask
	info := data[0] &^ CborTypeMask
	if info <= CborMaxUintSimple {
		return major, uint64(info), 1, nil
	}
	var width int
	switch info {
	case 24:
		width = 1
	case 25:
		width = 2
	case 26:
		width = 4
	case 27:
		width = 8
	default:
		return 0, 0, 0, fmt.Errorf("unsupported CBOR additional info %d", info)
	}
	if len(data) < 1+width {
		return 0, 0, 0, errors.New("truncated CBOR header")
	}
	buf := make([]byte, 8)
	copy(buf[8-width:], data[1:1+width])
	return major, binary.BigEndian.Uint64(buf), 1 + width, nil
}

// ListLength returns the element count of the CBOR array in data
func ListLength(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, errors.New("cannot determine list length of empty input")
	}
	major, n, _, err := readHead(data)
	if err != nil {
		return 0, err
	}
	if major != CborTypeArray {
		return 0, fmt.Errorf("CBOR item is not a list: 0x%02x", data[0])
	}
	if n > MaxArrayElements {
		return 0, fmt.Errorf("CBOR list too long: %d", n)
	}
	return int(n), nil
}

// DecodeIdFromList returns the leading unsigned integer of a CBOR array,
// which tags the message type on the wire
func DecodeIdFromList(data []byte) (int, error) {
	n, err := ListLength(data)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrEmptyList
	}
	_, _, size, _ := readHead(data)
	major, id, _, err := readHead(data[size:])
	if err != nil {
		return 0, err
	}
	if major != 0 {
		return 0, fmt.Errorf("first list item was not numeric: 0x%02x", data[size])
	}
	if id > math.MaxInt {
		return 0, errors.New("decoded numeric value too large: uint64 > int")
	}
	return int(id), nil
}

// DecodeById decodes a CBOR array into the type registered for its leading
// ID. Each idMap entry returns a fresh pointer to decode into
func DecodeById(data []byte, idMap map[int]func() any) (any, error) {
	id, err := DecodeIdFromList(data)
	if err != nil {
		return nil, err
	}
	newFunc := idMap[id]
	if newFunc == nil {
		return nil, fmt.Errorf("found unknown ID: %x", id)
	}
	ret := newFunc()
	if _, err := DecodeStrict(data, ret); err != nil {
		return nil, err
	}
	return ret, nil
}
