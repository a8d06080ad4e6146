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
	"github.com/Fantom-foundation/Replay/mpt"
	gethcommon "github.com/ethereum/go-ethereum/common"
)

// trieHasher adapts the trie to the types.TrieHasher interface, so the
// transactions, receipts, and withdrawals roots of a block are derived
// through the same trie implementation that anchors the state.
type trieHasher struct {
	trie *mpt.Trie
}

func newTrieHasher() *trieHasher {
	return &trieHasher{trie: mpt.NewEmptyTrie(mpt.NewNodeStore())}
}

func (h *trieHasher) Reset() {
	h.trie = mpt.NewEmptyTrie(mpt.NewNodeStore())
}

func (h *trieHasher) Update(key, value []byte) error {
	return h.trie.Insert(key, value)
}

func (h *trieHasher) Hash() gethcommon.Hash {
	// Hashing a fully in-memory trie cannot encounter unresolved nodes.
	hash, _ := h.trie.Hash()
	return gethcommon.Hash(hash)
}
