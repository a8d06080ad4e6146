// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package preflight

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/Fantom-foundation/Replay/common"
	"github.com/Fantom-foundation/Replay/mpt"
	"github.com/Fantom-foundation/Replay/state"
	"github.com/holiman/uint256"
)

// View is a mutable world state lazily populated from a remote node at a
// fixed block height. It serves the discovery run of preflight: executing
// the block's transactions against a view reveals exactly which accounts,
// storage slots, and byte codes the block touches, without any prior
// knowledge of the access pattern.
//
// The view records every touched location, including those only reached on
// execution paths that were later reverted; their proofs are still part of
// the witness.
type View struct {
	ctx    context.Context
	client Client
	block  *big.Int

	accounts map[common.Address]*viewEntry
	codes    map[common.Hash][]byte
	touched  map[common.Address]map[common.Key]struct{}
	undo     []func()
}

type viewEntry struct {
	account state.Account
	exists  bool
	code    []byte
	storage map[common.Key]common.Value
}

// NewView creates a view of the world state at the given block height.
func NewView(ctx context.Context, client Client, block *big.Int) *View {
	return &View{
		ctx:      ctx,
		client:   client,
		block:    block,
		accounts: map[common.Address]*viewEntry{},
		codes:    map[common.Hash][]byte{},
		touched:  map[common.Address]map[common.Key]struct{}{},
	}
}

func (v *View) GetAccount(addr common.Address) (state.Account, bool, error) {
	entry, err := v.getEntry(addr)
	if err != nil {
		return state.Account{}, false, err
	}
	return entry.account, entry.exists, nil
}

func (v *View) SetAccount(addr common.Address, account state.Account) error {
	entry, err := v.getEntry(addr)
	if err != nil {
		return err
	}
	old := entry.account
	oldExists := entry.exists
	v.undo = append(v.undo, func() {
		entry.account = old
		entry.exists = oldExists
	})
	account.StorageRoot = entry.account.StorageRoot
	entry.account = account
	entry.exists = true
	return nil
}

func (v *View) GetStorage(addr common.Address, key common.Key) (common.Value, error) {
	entry, err := v.getEntry(addr)
	if err != nil {
		return common.Value{}, err
	}
	v.touched[addr][key] = struct{}{}
	if value, cached := entry.storage[key]; cached {
		return value, nil
	}
	value, err := v.client.StorageAt(v.ctx, addr, key, v.block)
	if err != nil {
		return common.Value{}, fmt.Errorf("failed to fetch storage %s of %s: %w", key, addr, err)
	}
	entry.storage[key] = value
	return value, nil
}

func (v *View) SetStorage(addr common.Address, key common.Key, value common.Value) error {
	// The pre-state of the slot must be known for the witness even if the
	// block only ever writes it.
	if _, err := v.GetStorage(addr, key); err != nil {
		return err
	}
	entry := v.accounts[addr]
	old := entry.storage[key]
	v.undo = append(v.undo, func() {
		entry.storage[key] = old
	})
	entry.storage[key] = value
	return nil
}

func (v *View) GetCode(addr common.Address) ([]byte, error) {
	entry, err := v.getEntry(addr)
	if err != nil {
		return nil, err
	}
	return entry.code, nil
}

func (v *View) Snapshot() int {
	return len(v.undo)
}

func (v *View) RevertToSnapshot(snapshot int) {
	if snapshot < 0 || snapshot > len(v.undo) {
		panic(fmt.Sprintf("invalid snapshot id %d, have %d journal entries", snapshot, len(v.undo)))
	}
	for i := len(v.undo) - 1; i >= snapshot; i-- {
		v.undo[i]()
	}
	v.undo = v.undo[:snapshot]
}

// TouchedAccounts lists all accounts accessed through this view, in
// address order.
func (v *View) TouchedAccounts() []common.Address {
	res := make([]common.Address, 0, len(v.touched))
	for addr := range v.touched {
		res = append(res, addr)
	}
	sort.Slice(res, func(i, j int) bool {
		return bytes.Compare(res[i][:], res[j][:]) < 0
	})
	return res
}

// TouchedSlots lists all storage slots of the given account accessed
// through this view, in key order.
func (v *View) TouchedSlots(addr common.Address) []common.Key {
	slots := v.touched[addr]
	res := make([]common.Key, 0, len(slots))
	for key := range slots {
		res = append(res, key)
	}
	sort.Slice(res, func(i, j int) bool {
		return bytes.Compare(res[i][:], res[j][:]) < 0
	})
	return res
}

// Codes lists the byte code of all touched accounts carrying code, ordered
// by code hash.
func (v *View) Codes() [][]byte {
	hashes := make([]common.Hash, 0, len(v.codes))
	for hash := range v.codes {
		hashes = append(hashes, hash)
	}
	sort.Slice(hashes, func(i, j int) bool {
		return bytes.Compare(hashes[i][:], hashes[j][:]) < 0
	})
	res := make([][]byte, 0, len(hashes))
	for _, hash := range hashes {
		res = append(res, v.codes[hash])
	}
	return res
}

// getEntry provides the overlay entry of the given account, fetching its
// basic state from the remote node on first access. An account is
// considered existing if it has a non-zero nonce, balance, or code.
func (v *View) getEntry(addr common.Address) (*viewEntry, error) {
	if _, found := v.touched[addr]; !found {
		v.touched[addr] = map[common.Key]struct{}{}
	}
	if entry, found := v.accounts[addr]; found {
		return entry, nil
	}
	nonce, err := v.client.NonceAt(v.ctx, addr, v.block)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch nonce of %s: %w", addr, err)
	}
	balance, err := v.client.BalanceAt(v.ctx, addr, v.block)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch balance of %s: %w", addr, err)
	}
	code, err := v.client.CodeAt(v.ctx, addr, v.block)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch code of %s: %w", addr, err)
	}

	account := state.NewAccount()
	account.Nonce = nonce
	var overflow bool
	if account.Balance, overflow = uint256.FromBig(balance); overflow {
		return nil, fmt.Errorf("balance of %s out of range: %s", addr, balance)
	}
	if len(code) > 0 {
		account.CodeHash = common.Keccak256(code)
		v.codes[account.CodeHash] = code
	}
	entry := &viewEntry{
		account: account,
		exists:  !account.Empty(),
		code:    code,
		storage: map[common.Key]common.Value{},
	}
	entry.account.StorageRoot = mpt.EmptyNodeHash
	v.accounts[addr] = entry
	return entry, nil
}
