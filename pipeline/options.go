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
	"runtime"

	"github.com/blinklabs-io/gochain/consensus"
)

const (
	DefaultMaxPendingBlocks   = 1000
	DefaultPrefetchBufferSize = 512
)

// PipelineConfig holds the settings of a BlockPipeline
type PipelineConfig struct {
	// PrecheckWorkers is the number of goroutines running stateless checks
	PrecheckWorkers int
	// PrefetchBufferSize sizes every channel inside the pipeline
	PrefetchBufferSize int
	// MaxPendingBlocks bounds blocks held back waiting for an earlier one
	MaxPendingBlocks int
	Validator        *consensus.Validator
	ApplyFunc        ApplyFunc
}

func DefaultPipelineConfig() PipelineConfig {
	// Signature checks dominate precheck cost
	workers := max(runtime.NumCPU()/2, 2)
	return PipelineConfig{
		PrecheckWorkers:    workers,
		PrefetchBufferSize: DefaultPrefetchBufferSize,
		MaxPendingBlocks:   DefaultMaxPendingBlocks,
	}
}

type PipelineOption func(*PipelineConfig)

func WithPrecheckWorkers(n int) PipelineOption {
	return func(c *PipelineConfig) {
		if n > 0 {
			c.PrecheckWorkers = n
		}
	}
}

func WithPrefetchBufferSize(size int) PipelineOption {
	return func(c *PipelineConfig) {
		if size > 0 {
			c.PrefetchBufferSize = size
		}
	}
}

func WithMaxPendingBlocks(n int) PipelineOption {
	return func(c *PipelineConfig) {
		if n > 0 {
			c.MaxPendingBlocks = n
		}
	}
}

// WithValidator sets the validator used for the stateless checks. Required
func WithValidator(validator *consensus.Validator) PipelineOption {
	return func(c *PipelineConfig) {
		c.Validator = validator
	}
}

// WithApplyFunc sets the function that inserts blocks in order. Required. A
// nil function is ignored
func WithApplyFunc(fn ApplyFunc) PipelineOption {
	return func(c *PipelineConfig) {
		if fn != nil {
			c.ApplyFunc = fn
		}
	}
}
