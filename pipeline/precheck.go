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

package pipeline

import (
	"time"

	"github.com/blinklabs-io/gochain/consensus"
)

// precheck runs the stateless checks on the item and records the outcome on
// it. An invalid block is not an error here. Only a failure of the validator
// itself is returned, and the item is then marked invalid too so it still
// leaves the pipeline in order
func precheck(validator *consensus.Validator, item *BlockItem) error {
	start := time.Now()
	err := validator.PrecheckBlock(item.Block())
	item.SetValidation(err, time.Since(start))
	if err != nil && !consensus.IsValidationError(err) {
		return err
	}
	return nil
}

func (p *BlockPipeline) precheckLoop() {
	defer p.wg.Done()
	for {
		var item *BlockItem
		select {
		case <-p.ctx.Done():
			return
		case next, ok := <-p.inbox:
			if !ok {
				return
			}
			item = next
		}
		if err := precheck(p.cfg.Validator, item); err != nil {
			if !p.report(err) {
				return
			}
		}
		p.stats.prechecked(item.IsValid())
		select {
		case p.checked <- item:
		case <-p.ctx.Done():
			return
		}
	}
}
