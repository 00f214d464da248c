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

package consensus

import (
	"github.com/blinklabs-io/gochain/ledger"
	"github.com/holiman/uint256"
)

// MaxTarget is the target of a block with difficulty 1
var MaxTarget = new(uint256.Int).SetAllOne()

// Target returns the largest header hash value allowed at a difficulty
func Target(difficulty uint64) *uint256.Int {
	if difficulty == 0 {
		return new(uint256.Int)
	}
	return new(uint256.Int).Div(MaxTarget, uint256.NewInt(difficulty))
}

// MeetsTarget reports whether a header hash satisfies the difficulty
func MeetsTarget(hash ledger.Hash, difficulty uint64) bool {
	value := new(uint256.Int).SetBytes32(hash[:])
	return value.Cmp(Target(difficulty)) <= 0
}

// NextDifficulty calculates the difficulty required of the child of the last
// header in ctx using LWMA (Linear Weighted Moving Average). Recent solvetimes
// weigh more, so difficulty follows hashrate changes quickly while clamping
// keeps single manipulated timestamps from moving it far
func NextDifficulty(params Params, ctx *ParentContext) uint64 {
	parent := ctx.Parent()
	window := params.DifficultyWindow
	// Not enough blocks for LWMA - use minimum difficulty
	if parent == nil || window < 1 || parent.Height < uint64(window) ||
		len(ctx.Headers) < window+1 {
		return params.MinDifficulty
	}
	headers := ctx.Headers[len(ctx.Headers)-(window+1):]
	targetMs := params.TargetSpacing.Milliseconds()
	maxSolvetime := targetMs * max(params.MaxSolvetimeFactor, 1)
	var weightedSolvetimeSum int64
	difficultySum := new(uint256.Int)
	for i := 1; i <= window; i++ {
		solvetime := headers[i].Timestamp - headers[i-1].Timestamp
		if solvetime < 1 {
			solvetime = 1
		}
		if solvetime > maxSolvetime {
			solvetime = maxSolvetime
		}
		weightedSolvetimeSum += solvetime * int64(i)
		difficultySum.Add(difficultySum, uint256.NewInt(headers[i].Difficulty))
	}
	weightSum := int64(window * (window + 1) / 2)
	// new_diff = avg_diff * target_time * weight_sum / weighted_solvetime_sum
	newDiff := new(uint256.Int).Div(difficultySum, uint256.NewInt(uint64(window)))
	// #nosec G115 -- both factors are positive
	newDiff.Mul(newDiff, uint256.NewInt(uint64(targetMs*weightSum)))
	// #nosec G115
	newDiff.Div(newDiff, uint256.NewInt(uint64(max(weightedSolvetimeSum, 1))))
	if !newDiff.IsUint64() {
		return ^uint64(0)
	}
	return max(newDiff.Uint64(), params.MinDifficulty)
}
