// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package mpt

import (
	"fmt"

	"github.com/Fantom-foundation/Replay/common"
)

const (
	// ErrMissingWitness is reported when an operation needs to descend
	// through a hash reference whose node is not present in the node store
	// and cannot be resolved. Matched by errors.Is against
	// MissingWitnessError instances.
	ErrMissingWitness = common.ConstError("missing witness node")

	// ErrIntegrityViolation is reported when a supplied witness node does
	// not hash to the digest it is claimed to have. It signals a tampered
	// or corrupted witness.
	ErrIntegrityViolation = common.ConstError("witness node integrity violation")

	// ErrMalformedNode is reported when raw node data cannot be decoded
	// into a canonical trie node.
	ErrMalformedNode = common.ConstError("malformed trie node")
)

// MissingWitnessError reports the digest of a hash reference that could not
// be resolved against the available witness data.
type MissingWitnessError struct {
	Digest common.Hash
}

func (e *MissingWitnessError) Error() string {
	return fmt.Sprintf("%s: %s", string(ErrMissingWitness), e.Digest)
}

func (e *MissingWitnessError) Unwrap() error {
	return ErrMissingWitness
}

// IntegrityViolationError reports a witness node whose content does not
// match its claimed digest.
type IntegrityViolationError struct {
	Digest   common.Hash
	Computed common.Hash
}

func (e *IntegrityViolationError) Error() string {
	return fmt.Sprintf("%s: claimed %s, computed %s", string(ErrIntegrityViolation), e.Digest, e.Computed)
}

func (e *IntegrityViolationError) Unwrap() error {
	return ErrIntegrityViolation
}
