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
	"testing"

	"github.com/stretchr/testify/require"
)

func FuzzDecode(f *testing.F) {
	for _, seed := range [][]byte{
		{0x80},
		{0xa0},
		{0x9f, 0xff},
		{0x18, 0x64},
		{0x44, 0x01, 0x02, 0x03, 0x04},
		{0x5a, 0xff, 0xff, 0xff, 0xff},
		{0x9a, 0xff, 0xff, 0xff, 0xff},
		{0xf6},
	} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, data []byte) {
		var result any
		n, err := Decode(data, &result)
		if err == nil {
			require.LessOrEqual(t, n, len(data))
		}
	})
}

// FuzzDecodeIdFromList checks the header shortcut against a full decode
func FuzzDecodeIdFromList(f *testing.F) {
	f.Add([]byte{0x83, 0x01, 0x41, 0x00, 0x60})
	f.Add([]byte{0x81, 0x19, 0x01, 0x00})
	f.Add([]byte{0x80})
	f.Fuzz(func(t *testing.T, data []byte) {
		id, err := DecodeIdFromList(data)
		if err != nil {
			return
		}
		var items []RawMessage
		if _, err := Decode(data, &items); err != nil || len(items) == 0 {
			return
		}
		var first uint64
		if _, err := DecodeStrict(items[0], &first); err == nil {
			require.Equal(t, uint64(id), first)
		}
	})
}
