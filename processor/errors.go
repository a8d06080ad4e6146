// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package processor

import (
	"fmt"

	"github.com/Fantom-foundation/Replay/common"
)

const (
	// ErrBlockRejected is the sentinel wrapped by all verification
	// failures: the block's claims do not hold against its witness.
	ErrBlockRejected = common.ConstError("block rejected")

	// ErrMissingAncestor is reported when execution requests the hash of
	// an in-range ancestor block whose header is not part of the witness.
	ErrMissingAncestor = common.ConstError("missing ancestor header")
)

// RootMismatchError reports a block field whose recomputed value does not
// match the header's claim.
type RootMismatchError struct {
	What     string
	Expected string
	Computed string
}

func (e *RootMismatchError) Error() string {
	return fmt.Sprintf("%s: %s mismatch, header claims %s, computed %s",
		string(ErrBlockRejected), e.What, e.Expected, e.Computed)
}

func (e *RootMismatchError) Unwrap() error {
	return ErrBlockRejected
}
