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
	"errors"
	"fmt"
)

// Validation checks, in the order they run
const (
	CheckStructure = "structure"
	CheckTimestamp = "timestamp"
	CheckSignature = "signature"
	CheckThreshold = "threshold"
)

// ErrCrypto indicates the crypto collaborator failed. Validation results
// cannot be trusted after this and the node must stop
var ErrCrypto = errors.New("crypto collaborator failure")

// ValidationError is returned for structurally valid objects that break a
// consensus rule
type ValidationError struct {
	Check  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Check, e.Reason)
}

func IsValidationError(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

func invalid(check string, format string, args ...any) error {
	return &ValidationError{
		Check:  check,
		Reason: fmt.Sprintf(format, args...),
	}
}
