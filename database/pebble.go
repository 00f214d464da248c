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
	"errors"
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"
)

// Pebble is a database backed by a pebble LSM store
type Pebble struct {
	db *pebble.DB
}

// NewPebble opens or creates a pebble database in the given directory
func NewPebble(dataDir string) (*Pebble, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	opts := &pebble.Options{
		MaxOpenFiles: 256,
	}
	db, err := pebble.Open(dataDir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &Pebble{db: db}, nil
}

func (p *Pebble) Get(key []byte) ([]byte, error) {
	val, closer, err := p.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, p.mapError(err)
	}
	defer closer.Close()
	return copyBytes(val), nil
}

func (p *Pebble) Put(key []byte, value []byte) error {
	return p.mapError(p.db.Set(key, value, pebble.Sync))
}

func (p *Pebble) Delete(key []byte) error {
	return p.mapError(p.db.Delete(key, pebble.Sync))
}

func (p *Pebble) IterateRange(
	prefix []byte,
	fn func(key []byte, value []byte) error,
) error {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("failed to create iterator: %w", p.mapError(err))
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			if errors.Is(err, ErrStopIteration) {
				return nil
			}
			return err
		}
	}
	return iter.Error()
}

func (p *Pebble) NewBatch() Batch {
	return &pebbleBatch{db: p, batch: p.db.NewBatch()}
}

func (p *Pebble) Close() error {
	return p.mapError(p.db.Close())
}

func (p *Pebble) mapError(err error) error {
	if errors.Is(err, pebble.ErrClosed) {
		return ErrClosed
	}
	return err
}

type pebbleBatch struct {
	db    *Pebble
	batch *pebble.Batch
	count int
}

func (b *pebbleBatch) Put(key []byte, value []byte) {
	// Set copies key and value into the batch representation
	_ = b.batch.Set(key, value, pebble.NoSync)
	b.count++
}

func (b *pebbleBatch) Delete(key []byte) {
	_ = b.batch.Delete(key, pebble.NoSync)
	b.count++
}

func (b *pebbleBatch) Len() int {
	return b.count
}

func (b *pebbleBatch) Commit() error {
	defer b.batch.Close()
	if err := b.batch.Commit(pebble.Sync); err != nil {
		return b.db.mapError(err)
	}
	b.batch = b.db.db.NewBatch()
	b.count = 0
	return nil
}
