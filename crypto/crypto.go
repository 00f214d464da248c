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

// Package crypto provides the hashing and signature verification capabilities
// used by block and transaction validation.
package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/blinklabs-io/gochain/ledger"
)

var ErrUnsupportedScheme = errors.New("unsupported signature scheme")

// Hasher computes content digests
type Hasher interface {
	Hash(data []byte) ledger.Hash
}

// Verifier checks a signature over a message. A false result means the
// signature is invalid. An error means the capability itself failed and the
// result cannot be trusted
type Verifier interface {
	Verify(message, signature, publicKey []byte, scheme uint8) (bool, error)
}

// Blake2bHasher hashes with blake2b-256
type Blake2bHasher struct{}

func (Blake2bHasher) Hash(data []byte) ledger.Hash {
	return ledger.Blake2b256Hash(data)
}

// Ed25519Verifier verifies ed25519 signatures. Unsupported schemes verify as
// false
type Ed25519Verifier struct{}

func (Ed25519Verifier) Verify(
	message, signature, publicKey []byte,
	scheme uint8,
) (bool, error) {
	if scheme != ledger.SigSchemeEd25519 {
		return false, nil
	}
	if len(publicKey) != ed25519.PublicKeySize ||
		len(signature) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature), nil
}

// ValidatePublicKey checks that a public key is well formed for the scheme
func ValidatePublicKey(publicKey []byte, scheme uint8) error {
	switch scheme {
	case ledger.SigSchemeEd25519:
		if len(publicKey) != ed25519.PublicKeySize {
			return fmt.Errorf(
				"invalid ed25519 public key length: %d",
				len(publicKey),
			)
		}
		if _, err := new(edwards25519.Point).SetBytes(publicKey); err != nil {
			return fmt.Errorf("invalid ed25519 public key: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedScheme, scheme)
	}
}

// SignTransaction fills in the public key, scheme and signature of tx using
// the given ed25519 key
func SignTransaction(tx *ledger.Transaction, key ed25519.PrivateKey) {
	tx.SigScheme = ledger.SigSchemeEd25519
	tx.PublicKey = []byte(key.Public().(ed25519.PublicKey))
	msg := tx.SigningHash()
	tx.Signature = ed25519.Sign(key, msg[:])
}
