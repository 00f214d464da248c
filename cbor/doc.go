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

// Package cbor provides CBOR encoding/decoding utilities for wire messages and
// stored chain data.
//
// This package wraps github.com/fxamacker/cbor/v2. Encoding is always
// deterministic (core deterministic map key order, definite lengths only), so
// that hashing an encoded header gives the same identity on every node.
//
// Decoding is bounded: nesting depth, array length and map size are capped,
// indefinite-length items and tags are rejected, and callers that need a whole
// buffer to be a single item should use DecodeStrict.
//
// # Key Types
//
//   - StructAsArray: Embed to encode struct fields as CBOR array instead of map
//   - RawMessage: Deferred decoding (like json.RawMessage)
package cbor
