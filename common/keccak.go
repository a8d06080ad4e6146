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
	"sync"

	"golang.org/x/crypto/sha3"
)

// Keccak256 computes the keccak256 hash of the given data.
func Keccak256(data []byte) Hash {
	if len(data) == 0 {
		return emptyKeccak256Hash
	}
	return keccak256(data)
}

// Keccak256ForAddress computes the keccak256 hash of the given address,
// producing the navigation path of the owning account in the state trie.
func Keccak256ForAddress(addr Address) Hash {
	return keccak256(addr[:])
}

// Keccak256ForKey computes the keccak256 hash of the given key, producing
// the navigation path of the slot in an account's storage trie.
func Keccak256ForKey(key Key) Hash {
	return keccak256(key[:])
}

// keccakHasher is the subset of the sha3 state implementation required for
// hashing. The state returned by NewLegacyKeccak256 supports Read, which
// extracts the digest without the extra state copy conducted by Sum.
type keccakHasher interface {
	Reset()
	Write(in []byte) (int, error)
	Read(out []byte) (int, error)
}

var keccakHasherPool = sync.Pool{New: func() any {
	return sha3.NewLegacyKeccak256().(keccakHasher)
}}

func keccak256(data []byte) Hash {
	hasher := keccakHasherPool.Get().(keccakHasher)
	hasher.Reset()
	hasher.Write(data)
	var res Hash
	hasher.Read(res[:])
	keccakHasherPool.Put(hasher)
	return res
}

var emptyKeccak256Hash = keccak256([]byte{})
