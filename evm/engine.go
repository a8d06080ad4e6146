// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package evm

import (
	"github.com/Fantom-foundation/Replay/common"
	"github.com/Fantom-foundation/Replay/state"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// State is the world-state interface transactions are executed against. It
// is implemented by the witness-backed state database during verified
// execution and by an RPC-backed view during preflight; an engine must not
// care which one it is running on.
type State interface {
	GetAccount(addr common.Address) (state.Account, bool, error)
	SetAccount(addr common.Address, account state.Account) error
	GetStorage(addr common.Address, key common.Key) (common.Value, error)
	SetStorage(addr common.Address, key common.Key, value common.Value) error
	GetCode(addr common.Address) ([]byte, error)
	Snapshot() int
	RevertToSnapshot(snapshot int)
}

// BlockContext carries the block-level inputs visible to transaction
// execution.
type BlockContext struct {
	Coinbase common.Address
	Number   uint64
	Time     uint64
	GasLimit uint64
	BaseFee  *uint256.Int
	Random   common.Hash

	// BlockHash provides the hash of an ancestor block by number; it backs
	// the BLOCKHASH instruction and is limited to the 256 most recent
	// blocks.
	BlockHash func(number uint64) (common.Hash, error)
}

// Outcome is the result of executing a single transaction.
type Outcome struct {
	// GasUsed is the amount of gas consumed by the transaction.
	GasUsed uint64
	// Success indicates whether the transaction completed without being
	// reverted.
	Success bool
	// Logs are the log records emitted during execution.
	Logs []*types.Log
}

// Engine executes individual transactions against a world state. The gas
// charged for a failed transaction must already be deducted from the
// sender when Execute returns; a non-nil error aborts block processing
// altogether and is reserved for invalid transactions and infrastructure
// failures.
type Engine interface {
	Execute(block *BlockContext, tx *types.Transaction, sender common.Address, state State) (*Outcome, error)
}
