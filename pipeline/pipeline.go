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

// Package pipeline moves blocks from the network into the chain store.
// Blocks are prechecked by parallel workers and inserted one at a time, in
// the order they were submitted.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blinklabs-io/gochain/ledger"
)

var (
	ErrPipelineStopped    = errors.New("pipeline is stopped")
	ErrPipelineNotStarted = errors.New("pipeline not started")
	ErrMissingValidator   = errors.New("pipeline: validator not configured")
	ErrMissingApplyFunc   = errors.New("pipeline: apply function not configured")
)

const (
	stateIdle int32 = iota
	stateRunning
	stateStopped
)

// BlockPipeline prechecks blocks in parallel and applies them in submission
// order
type BlockPipeline struct {
	cfg       PipelineConfig
	stats     pipelineCounters
	sequencer *Sequencer

	inbox   chan *BlockItem
	checked chan *BlockItem
	results chan *BlockItem
	errs    chan error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	state  atomic.Int32
	// lifecycleMu serializes Start and Stop
	lifecycleMu sync.Mutex
	// gate keeps Stop from closing the inbox under a running Submit
	gate    sync.RWMutex
	seqMu   sync.Mutex
	nextSeq uint64
}

// NewBlockPipeline creates a pipeline. It needs WithValidator and
// WithApplyFunc before it can be started:
//
//	p := NewBlockPipeline(
//	    WithValidator(validator),
//	    WithApplyFunc(InsertInto(store)),
//	)
func NewBlockPipeline(opts ...PipelineOption) *BlockPipeline {
	cfg := DefaultPipelineConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &BlockPipeline{cfg: cfg}
}

// Start launches the precheck workers and the sequencer. Starting a running
// pipeline does nothing, a stopped one cannot be restarted
func (p *BlockPipeline) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	switch p.state.Load() {
	case stateStopped:
		return ErrPipelineStopped
	case stateRunning:
		return nil
	}
	if p.cfg.Validator == nil {
		return ErrMissingValidator
	}
	if p.cfg.ApplyFunc == nil {
		return ErrMissingApplyFunc
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	size := p.cfg.PrefetchBufferSize
	p.inbox = make(chan *BlockItem, size)
	p.checked = make(chan *BlockItem, size)
	p.results = make(chan *BlockItem, size)
	p.errs = make(chan error, size)
	p.sequencer = NewSequencer(p.cfg.ApplyFunc, p.cfg.MaxPendingBlocks)
	p.stats.start()
	for range p.cfg.PrecheckWorkers {
		p.wg.Add(1)
		go p.precheckLoop()
	}
	p.wg.Add(1)
	go p.applyLoop()
	p.state.Store(stateRunning)
	return nil
}

// Submit queues a block. Blocks come out of Results in the order Submit was
// called. ctx bounds the wait while the pipeline is full
func (p *BlockPipeline) Submit(ctx context.Context, block *ledger.Block, source string) error {
	if p.state.Load() == stateIdle {
		return ErrPipelineNotStarted
	}
	p.gate.RLock()
	defer p.gate.RUnlock()
	if p.state.Load() == stateStopped {
		return ErrPipelineStopped
	}
	// A sequence number is only used up by a successful send, so an abandoned
	// Submit leaves no gap in the order
	p.seqMu.Lock()
	defer p.seqMu.Unlock()
	item := NewBlockItem(block, source, p.nextSeq)
	// Counted before the send so the item can never be seen leaving first
	p.stats.submit()
	select {
	case p.inbox <- item:
		p.nextSeq++
		return nil
	case <-ctx.Done():
		p.stats.unsubmit()
		return ctx.Err()
	case <-p.ctx.Done():
		p.stats.unsubmit()
		return ErrPipelineStopped
	}
}

// Results returns processed items in submission order. Before Start it
// returns a closed channel
func (p *BlockPipeline) Results() <-chan *BlockItem {
	if p.state.Load() == stateIdle {
		ch := make(chan *BlockItem)
		close(ch)
		return ch
	}
	return p.results
}

// Errors returns fatal processing errors. Before Start the channel yields
// ErrPipelineNotStarted and closes
func (p *BlockPipeline) Errors() <-chan error {
	if p.state.Load() == stateIdle {
		ch := make(chan error, 1)
		ch <- ErrPipelineNotStarted
		close(ch)
		return ch
	}
	return p.errs
}

// report forwards a fatal error and returns false once the pipeline is
// shutting down
func (p *BlockPipeline) report(err error) bool {
	select {
	case p.errs <- err:
		return true
	case <-p.ctx.Done():
		return false
	}
}

// Stop shuts the pipeline down. Items still in flight are dropped
func (p *BlockPipeline) Stop() error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if p.state.Load() != stateRunning {
		return nil
	}
	// Cancel first to release any Submit blocked on a full inbox
	p.cancel()
	p.gate.Lock()
	p.state.Store(stateStopped)
	close(p.inbox)
	p.gate.Unlock()
	p.wg.Wait()
	close(p.results)
	close(p.errs)
	return nil
}

func (p *BlockPipeline) Stats() PipelineStats {
	return p.stats.snapshot()
}

// PendingCount returns the number of submitted blocks that have not come out
// of the pipeline yet
func (p *BlockPipeline) PendingCount() int {
	if p.state.Load() == stateIdle {
		return 0
	}
	return p.stats.depth()
}

// WaitForDrain blocks until every submitted block has come out or ctx ends
func (p *BlockPipeline) WaitForDrain(ctx context.Context) error {
	if p.state.Load() == stateIdle {
		return ErrPipelineNotStarted
	}
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for p.PendingCount() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
