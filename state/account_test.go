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
	"testing"

	"github.com/Fantom-foundation/Replay/common"
	"github.com/Fantom-foundation/Replay/mpt"
	"github.com/holiman/uint256"
)

func TestAccount_NewAccountIsEmpty(t *testing.T) {
	account := NewAccount()
	if !account.Empty() {
		t.Errorf("fresh account should be empty, got %+v", account)
	}
	if account.StorageRoot != mpt.EmptyNodeHash {
		t.Errorf("invalid storage root, got %s, wanted %s", account.StorageRoot, mpt.EmptyNodeHash)
	}
	if account.CodeHash != EmptyCodeHash {
		t.Errorf("invalid code hash, got %s, wanted %s", account.CodeHash, EmptyCodeHash)
	}
}

func TestAccount_EmptinessFollowsEip158(t *testing.T) {
	tests := map[string]struct {
		setup func(*Account)
		empty bool
	}{
		"fresh":        {func(a *Account) {}, true},
		"with nonce":   {func(a *Account) { a.Nonce = 1 }, false},
		"with balance": {func(a *Account) { a.Balance = uint256.NewInt(1) }, false},
		"with code":    {func(a *Account) { a.CodeHash = common.Keccak256([]byte{0x60}) }, false},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			account := NewAccount()
			test.setup(&account)
			if got, want := account.Empty(), test.empty; got != want {
				t.Errorf("invalid emptiness, got %t, wanted %t", got, want)
			}
		})
	}
}

func TestAccount_EncodingRoundTrips(t *testing.T) {
	tests := map[string]Account{
		"fresh": NewAccount(),
		"funded": {
			Nonce:       12,
			Balance:     uint256.MustFromDecimal("123456789012345678901234567890"),
			StorageRoot: mpt.EmptyNodeHash,
			CodeHash:    EmptyCodeHash,
		},
		"contract": {
			Nonce:       1,
			Balance:     uint256.NewInt(0),
			StorageRoot: common.Keccak256([]byte("storage")),
			CodeHash:    common.Keccak256([]byte("code")),
		},
	}
	for name, account := range tests {
		t.Run(name, func(t *testing.T) {
			restored, err := DecodeAccount(account.Encode())
			if err != nil {
				t.Fatalf("failed to decode account: %v", err)
			}
			if restored.Nonce != account.Nonce ||
				restored.Balance.Cmp(account.Balance) != 0 ||
				restored.StorageRoot != account.StorageRoot ||
				restored.CodeHash != account.CodeHash {
				t.Errorf("invalid account, got %+v, wanted %+v", restored, account)
			}
		})
	}
}

func TestAccount_DecodeRejectsInvalidInput(t *testing.T) {
	tests := map[string][]byte{
		"empty":      {},
		"not a list": {0x80},
		"short list": {0xc2, 0x01, 0x02},
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeAccount(data); err == nil {
				t.Errorf("decoding %x should have failed", data)
			}
		})
	}
}
