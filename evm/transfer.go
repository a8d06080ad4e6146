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
	"fmt"

	"github.com/Fantom-foundation/Replay/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

const (
	// ErrNonceMismatch is reported when a transaction's nonce does not
	// match the sender's account nonce.
	ErrNonceMismatch = common.ConstError("nonce mismatch")

	// ErrInsufficientFunds is reported when a sender cannot cover the
	// up-front cost of a transaction.
	ErrInsufficientFunds = common.ConstError("insufficient funds")

	// ErrIntrinsicGas is reported when a transaction's gas limit is below
	// its intrinsic gas cost.
	ErrIntrinsicGas = common.ConstError("intrinsic gas too low")

	// ErrFeeCapTooLow is reported when a transaction's fee cap is below
	// the block's base fee.
	ErrFeeCapTooLow = common.ConstError("max fee per gas below block base fee")

	// ErrUnsupportedTransaction is reported for transactions beyond the
	// engine's capabilities.
	ErrUnsupportedTransaction = common.ConstError("unsupported transaction")
)

const (
	txBaseGas            = 21_000
	txDataZeroByteGas    = 4
	txDataNonZeroByteGas = 16
)

// TransferEngine executes plain value transfers between externally owned
// accounts: nonce and balance checks, intrinsic gas accounting, EIP-1559
// fee handling with the priority fee credited to the coinbase, and the
// balance movement itself. Transactions creating or calling contracts are
// rejected; a full byte-code interpreter plugs in behind the same Engine
// interface.
type TransferEngine struct{}

// NewTransferEngine creates an engine for plain value transfers.
func NewTransferEngine() *TransferEngine {
	return &TransferEngine{}
}

func (e *TransferEngine) Execute(block *BlockContext, tx *types.Transaction, sender common.Address, st State) (*Outcome, error) {
	if tx.To() == nil {
		return nil, fmt.Errorf("%w: contract creation", ErrUnsupportedTransaction)
	}
	to := common.Address(*tx.To())
	code, err := st.GetCode(to)
	if err != nil {
		return nil, err
	}
	if len(code) > 0 {
		return nil, fmt.Errorf("%w: call of contract %s", ErrUnsupportedTransaction, to)
	}

	gasPrice, err := effectiveGasPrice(block, tx)
	if err != nil {
		return nil, err
	}
	gasUsed, err := intrinsicGas(tx)
	if err != nil {
		return nil, err
	}

	account, _, err := st.GetAccount(sender)
	if err != nil {
		return nil, err
	}
	if account.Nonce != tx.Nonce() {
		return nil, fmt.Errorf("%w: sender %s has nonce %d, transaction wants %d",
			ErrNonceMismatch, sender, account.Nonce, tx.Nonce())
	}

	value, overflow := uint256.FromBig(tx.Value())
	if overflow {
		return nil, fmt.Errorf("%w: value out of range", ErrUnsupportedTransaction)
	}
	limitCost := new(uint256.Int).Mul(gasPrice, uint256.NewInt(tx.Gas()))
	upfront := new(uint256.Int).Add(limitCost, value)
	if account.Balance.Cmp(upfront) < 0 {
		return nil, fmt.Errorf("%w: sender %s has %s, needs %s",
			ErrInsufficientFunds, sender, account.Balance, upfront)
	}

	// Only the gas actually used is charged; the remainder of the limit is
	// never deducted in the first place.
	cost := new(uint256.Int).Mul(gasPrice, uint256.NewInt(gasUsed))
	account.Nonce++
	account.Balance = new(uint256.Int).Sub(account.Balance, new(uint256.Int).Add(cost, value))
	if err := st.SetAccount(sender, account); err != nil {
		return nil, err
	}

	receiver, _, err := st.GetAccount(to)
	if err != nil {
		return nil, err
	}
	receiver.Balance = new(uint256.Int).Add(receiver.Balance, value)
	if err := st.SetAccount(to, receiver); err != nil {
		return nil, err
	}

	// The priority fee goes to the coinbase, the base fee share is burned.
	// The coinbase is touched even for a zero tip, so an empty coinbase
	// account is cleared on commit.
	tip := new(uint256.Int).Sub(gasPrice, block.BaseFee)
	coinbase, _, err := st.GetAccount(block.Coinbase)
	if err != nil {
		return nil, err
	}
	coinbase.Balance = new(uint256.Int).Add(coinbase.Balance,
		new(uint256.Int).Mul(tip, uint256.NewInt(gasUsed)))
	if err := st.SetAccount(block.Coinbase, coinbase); err != nil {
		return nil, err
	}

	return &Outcome{GasUsed: gasUsed, Success: true}, nil
}

// effectiveGasPrice computes the per-gas price paid by the transaction:
// min(maxFeePerGas, baseFee + maxPriorityFeePerGas), with legacy gas prices
// acting as both caps.
func effectiveGasPrice(block *BlockContext, tx *types.Transaction) (*uint256.Int, error) {
	feeCap, overflow := uint256.FromBig(tx.GasFeeCap())
	if overflow {
		return nil, fmt.Errorf("%w: gas fee cap out of range", ErrUnsupportedTransaction)
	}
	tipCap, overflow := uint256.FromBig(tx.GasTipCap())
	if overflow {
		return nil, fmt.Errorf("%w: gas tip cap out of range", ErrUnsupportedTransaction)
	}
	if feeCap.Cmp(block.BaseFee) < 0 {
		return nil, fmt.Errorf("%w: fee cap %s, base fee %s", ErrFeeCapTooLow, feeCap, block.BaseFee)
	}
	price := new(uint256.Int).Add(block.BaseFee, tipCap)
	if price.Cmp(feeCap) > 0 {
		price = feeCap
	}
	return price, nil
}

// intrinsicGas computes the gas consumed by the transaction before any
// code would run: the base cost plus the calldata cost.
func intrinsicGas(tx *types.Transaction) (uint64, error) {
	gas := uint64(txBaseGas)
	for _, b := range tx.Data() {
		if b == 0 {
			gas += txDataZeroByteGas
		} else {
			gas += txDataNonZeroByteGas
		}
	}
	if tx.Gas() < gas {
		return 0, fmt.Errorf("%w: limit %d, needs %d", ErrIntrinsicGas, tx.Gas(), gas)
	}
	return gas, nil
}
