// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package common

import (
	"encoding/hex"

	"github.com/holiman/uint256"
)

const (
	// AddressSize is the number of bytes of an Address.
	AddressSize = 20
	// KeySize is the number of bytes of a storage Key.
	KeySize = 32
	// ValueSize is the number of bytes of a storage Value.
	ValueSize = 32
	// HashSize is the number of bytes of a Hash.
	HashSize = 32
)

// Address is a 160-bit account address.
type Address [AddressSize]byte

// Key is a 256-bit storage slot index within a single account.
type Key [KeySize]byte

// Value is a 256-bit storage slot value, big-endian encoded.
type Value [ValueSize]byte

// Hash is a 256-bit digest, the result of keccak256 hashing.
type Hash [HashSize]byte

func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

func (k Key) String() string {
	return "0x" + hex.EncodeToString(k[:])
}

func (h Hash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

// ToUint256 interprets the value as a big-endian unsigned integer.
func (v Value) ToUint256() *uint256.Int {
	return new(uint256.Int).SetBytes(v[:])
}

// IsZero tests whether all bytes of the value are zero.
func (v Value) IsZero() bool {
	return v == Value{}
}

// ValueFromUint256 converts an unsigned integer into its big-endian
// 32-byte storage representation.
func ValueFromUint256(i *uint256.Int) Value {
	var value Value
	if i != nil {
		i.WriteToArray32((*[32]byte)(&value))
	}
	return value
}
