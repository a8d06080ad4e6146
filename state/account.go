// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package state

import (
	"fmt"

	"github.com/Fantom-foundation/Replay/common"
	"github.com/Fantom-foundation/Replay/mpt"
	"github.com/Fantom-foundation/Replay/mpt/rlp"
	"github.com/holiman/uint256"
)

// EmptyCodeHash is the keccak256 digest of empty byte code.
var EmptyCodeHash = common.Keccak256([]byte{})

// Account is the content of a leaf of the state trie: the four-field
// account record defined in section 4.1 of the yellow paper.
type Account struct {
	Nonce       uint64
	Balance     *uint256.Int
	StorageRoot common.Hash
	CodeHash    common.Hash
}

// NewAccount creates an account without history: zero nonce and balance, an
// empty storage trie, and no code.
func NewAccount() Account {
	return Account{
		Balance:     uint256.NewInt(0),
		StorageRoot: mpt.EmptyNodeHash,
		CodeHash:    EmptyCodeHash,
	}
}

// Empty tests whether the account is empty as defined by EIP-158: zero
// nonce, zero balance, and no code. Empty accounts are removed from the
// state trie when committed.
func (a *Account) Empty() bool {
	return a.Nonce == 0 && (a.Balance == nil || a.Balance.IsZero()) && a.CodeHash == EmptyCodeHash
}

// Encode computes the canonical RLP encoding of the account, the value
// stored in the state trie leaf of the owning address.
func (a *Account) Encode() []byte {
	storageRoot := a.StorageRoot
	codeHash := a.CodeHash
	return rlp.Encode(rlp.List{Items: []rlp.Item{
		rlp.Uint64{Value: a.Nonce},
		rlp.Uint256{Value: a.Balance},
		rlp.Hash{Hash: &storageRoot},
		rlp.Hash{Hash: &codeHash},
	}})
}

// DecodeAccount parses an account from its canonical RLP encoding.
func DecodeAccount(data []byte) (Account, error) {
	item, err := rlp.Decode(data)
	if err != nil {
		return Account{}, fmt.Errorf("failed to decode account: %w", err)
	}
	list, ok := item.(rlp.List)
	if !ok || len(list.Items) != 4 {
		return Account{}, fmt.Errorf("invalid account encoding, wanted a 4-element list, got %T", item)
	}
	fields := make([]rlp.String, 4)
	for i, it := range list.Items {
		str, ok := it.(rlp.String)
		if !ok {
			return Account{}, fmt.Errorf("invalid account field %d of type %T", i, it)
		}
		fields[i] = str
	}
	res := Account{}
	if res.Nonce, err = fields[0].Uint64(); err != nil {
		return Account{}, fmt.Errorf("invalid account nonce: %w", err)
	}
	if res.Balance, err = fields[1].Uint256(); err != nil {
		return Account{}, fmt.Errorf("invalid account balance: %w", err)
	}
	if res.StorageRoot, err = fields[2].Hash(); err != nil {
		return Account{}, fmt.Errorf("invalid account storage root: %w", err)
	}
	if res.CodeHash, err = fields[3].Hash(); err != nil {
		return Account{}, fmt.Errorf("invalid account code hash: %w", err)
	}
	return res, nil
}
