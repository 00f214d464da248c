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
	"fmt"

	"github.com/blinklabs-io/gochain/cbor"
	"github.com/holiman/uint256"
)

// Work is an amount of proof-of-work. Cumulative work from genesis decides
// which chain is canonical
type Work = uint256.Int

// BlockWork returns the work contributed by a single block with the given
// difficulty
func BlockWork(difficulty uint64) *Work {
	return uint256.NewInt(difficulty)
}

// ChainTip describes the tip of a chain for comparison purposes
type ChainTip struct {
	Hash   Hash
	Height uint64
	Work   Work
}

type chainTipWire struct {
	cbor.StructAsArray
	Hash   Hash
	Height uint64
	Work   []byte
}

func (t ChainTip) String() string {
	return fmt.Sprintf(
		"%s (height %d, work %s)",
		t.Hash.String(),
		t.Height,
		t.Work.Dec(),
	)
}

func (t ChainTip) MarshalCBOR() ([]byte, error) {
	work := t.Work.Bytes32()
	return cbor.Encode(
		&chainTipWire{
			Hash:   t.Hash,
			Height: t.Height,
			Work:   work[:],
		},
	)
}

func (t *ChainTip) UnmarshalCBOR(data []byte) error {
	var tmp chainTipWire
	if _, err := cbor.DecodeStrict(data, &tmp); err != nil {
		return err
	}
	if len(tmp.Work) != 32 {
		return fmt.Errorf("invalid work length: %d", len(tmp.Work))
	}
	t.Hash = tmp.Hash
	t.Height = tmp.Height
	t.Work.SetBytes32(tmp.Work)
	return nil
}
