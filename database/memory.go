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

package database

import (
	"bytes"
	"errors"
	"sync"

	"github.com/google/btree"
)

const memoryBTreeDegree = 32

type memoryItem struct {
	key   []byte
	value []byte
}

func memoryItemLess(a, b memoryItem) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// Memory is an in-memory database backed by a B-tree
type Memory struct {
	sync.RWMutex
	tree   *btree.BTreeG[memoryItem]
	closed bool
}

func NewMemory() *Memory {
	return &Memory{
		tree: btree.NewG(memoryBTreeDegree, memoryItemLess),
	}
}

func (m *Memory) Get(key []byte) ([]byte, error) {
	m.RLock()
	defer m.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	item, ok := m.tree.Get(memoryItem{key: key})
	if !ok {
		return nil, ErrNotFound
	}
	return copyBytes(item.value), nil
}

func (m *Memory) Put(key []byte, value []byte) error {
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.tree.ReplaceOrInsert(memoryItem{key: copyBytes(key), value: copyBytes(value)})
	return nil
}

func (m *Memory) Delete(key []byte) error {
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.tree.Delete(memoryItem{key: key})
	return nil
}

func (m *Memory) IterateRange(
	prefix []byte,
	fn func(key []byte, value []byte) error,
) error {
	m.RLock()
	if m.closed {
		m.RUnlock()
		return ErrClosed
	}
	// Snapshot matching items so fn runs without the lock held
	var items []memoryItem
	m.tree.AscendGreaterOrEqual(
		memoryItem{key: prefix},
		func(item memoryItem) bool {
			if !bytes.HasPrefix(item.key, prefix) {
				return false
			}
			items = append(items, item)
			return true
		},
	)
	m.RUnlock()
	for _, item := range items {
		if err := fn(item.key, item.value); err != nil {
			if errors.Is(err, ErrStopIteration) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (m *Memory) NewBatch() Batch {
	return &memoryBatch{db: m}
}

func (m *Memory) Close() error {
	m.Lock()
	defer m.Unlock()
	m.closed = true
	return nil
}

type memoryBatch struct {
	db  *Memory
	ops []batchOp
}

func (b *memoryBatch) Put(key []byte, value []byte) {
	b.ops = append(b.ops, batchOp{key: copyBytes(key), value: copyBytes(value)})
}

func (b *memoryBatch) Delete(key []byte) {
	b.ops = append(b.ops, batchOp{key: copyBytes(key), delete: true})
}

func (b *memoryBatch) Len() int {
	return len(b.ops)
}

func (b *memoryBatch) Commit() error {
	b.db.Lock()
	defer b.db.Unlock()
	if b.db.closed {
		return ErrClosed
	}
	for _, op := range b.ops {
		if op.delete {
			b.db.tree.Delete(memoryItem{key: op.key})
			continue
		}
		b.db.tree.ReplaceOrInsert(memoryItem{key: op.key, value: op.value})
	}
	b.ops = nil
	return nil
}
