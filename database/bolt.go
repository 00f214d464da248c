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
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const boltFilename = "chain.db"

var boltBucket = []byte("chain")

// Bolt is a database backed by a single bbolt bucket
type Bolt struct {
	db *bolt.DB
}

// NewBolt opens or creates a bbolt database in the given directory
func NewBolt(dataDir string) (*Bolt, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := bolt.Open(
		filepath.Join(dataDir, boltFilename),
		0o600,
		&bolt.Options{Timeout: 5 * time.Second},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Get(key []byte) ([]byte, error) {
	var ret []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(boltBucket).Get(key)
		if val == nil {
			return ErrNotFound
		}
		// Values are only valid for the life of the transaction
		ret = copyBytes(val)
		return nil
	})
	if err != nil {
		return nil, b.mapError(err)
	}
	return ret, nil
}

func (b *Bolt) Put(key []byte, value []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put(key, value)
	})
	return b.mapError(err)
}

func (b *Bolt) Delete(key []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Delete(key)
	})
	return b.mapError(err)
}

func (b *Bolt) IterateRange(
	prefix []byte,
	fn func(key []byte, value []byte) error,
) error {
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if err := fn(k, v); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, ErrStopIteration) {
		return nil
	}
	return b.mapError(err)
}

func (b *Bolt) NewBatch() Batch {
	return &boltBatch{db: b}
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

func (b *Bolt) mapError(err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return err
}

type boltBatch struct {
	db  *Bolt
	ops []batchOp
}

func (b *boltBatch) Put(key []byte, value []byte) {
	b.ops = append(b.ops, batchOp{key: copyBytes(key), value: copyBytes(value)})
}

func (b *boltBatch) Delete(key []byte) {
	b.ops = append(b.ops, batchOp{key: copyBytes(key), delete: true})
}

func (b *boltBatch) Len() int {
	return len(b.ops)
}

func (b *boltBatch) Commit() error {
	err := b.db.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		for _, op := range b.ops {
			if op.delete {
				if err := bucket.Delete(op.key); err != nil {
					return err
				}
				continue
			}
			if err := bucket.Put(op.key, op.value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return b.db.mapError(err)
	}
	b.ops = nil
	return nil
}
