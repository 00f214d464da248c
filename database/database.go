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

// Package database provides the key/value storage backends used to persist
// chain state.
package database

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("database: key not found")
	ErrClosed        = errors.New("database: closed")
	ErrStopIteration = errors.New("database: stop iteration")
)

// Database is a flat ordered key/value store
type Database interface {
	Get(key []byte) ([]byte, error)
	Put(key []byte, value []byte) error
	Delete(key []byte) error
	// IterateRange calls fn for each key with the given prefix, in key order.
	// Returning ErrStopIteration from fn ends the iteration without error.
	// The key and value slices are only valid for the duration of the call and
	// fn must not write to the database.
	IterateRange(prefix []byte, fn func(key []byte, value []byte) error) error
	NewBatch() Batch
	Close() error
}

// Batch collects writes that are committed atomically
type Batch interface {
	Put(key []byte, value []byte)
	Delete(key []byte)
	Len() int
	Commit() error
}

// Backend names accepted by Open
const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendPebble = "pebble"
)

// Open returns a database for the named backend. The path is ignored for the
// memory backend.
func Open(backend string, path string) (Database, error) {
	switch backend {
	case BackendMemory, "":
		return NewMemory(), nil
	case BackendBolt:
		return NewBolt(path)
	case BackendPebble:
		return NewPebble(path)
	default:
		return nil, fmt.Errorf("database: unknown backend %q", backend)
	}
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	ret := make([]byte, len(b))
	copy(ret, b)
	return ret
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, or nil if no such key exists
func prefixUpperBound(prefix []byte) []byte {
	end := copyBytes(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

type batchOp struct {
	key    []byte
	value  []byte
	delete bool
}
