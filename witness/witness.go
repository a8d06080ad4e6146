// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package witness

import (
	"fmt"
	"os"

	"github.com/Fantom-foundation/Replay/common"
	"github.com/Fantom-foundation/Replay/mpt"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/golang/snappy"
)

// BlockWitness bundles everything needed to verify one block without
// network access: the block itself, its parent header, the chain of
// ancestor headers reachable by the BLOCKHASH instruction, the touched
// trie nodes of the parent state, and the byte code of all touched
// contracts. It is the self-contained input of verified execution.
type BlockWitness struct {
	// Header is the header of the block to be verified.
	Header *types.Header
	// Parent is the header the block builds on; its state root anchors all
	// trie nodes below.
	Parent *types.Header
	// Ancestors holds the headers preceding the parent, newest first, as
	// far back as the execution reached for block hashes, at most 255.
	Ancestors []*types.Header
	// Transactions is the full body of the block.
	Transactions types.Transactions
	// Withdrawals is the withdrawal list of post-Shanghai blocks, nil
	// before.
	Withdrawals types.Withdrawals
	// Nodes are the trie nodes of the parent state touched by the block,
	// covering the state trie and all accessed storage tries.
	Nodes []mpt.RawNode
	// Codes is the byte code of all accounts whose code was loaded.
	Codes [][]byte
}

// Encode serializes the witness into its transport format, an RLP encoding
// wrapped in a snappy block.
func (w *BlockWitness) Encode() ([]byte, error) {
	data, err := rlp.EncodeToBytes(w)
	if err != nil {
		return nil, fmt.Errorf("failed to encode witness: %w", err)
	}
	return snappy.Encode(nil, data), nil
}

// Decode parses a witness from its transport format.
func Decode(data []byte) (*BlockWitness, error) {
	decompressed, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress witness: %w", err)
	}
	res := &BlockWitness{}
	if err := rlp.DecodeBytes(decompressed, res); err != nil {
		return nil, fmt.Errorf("failed to decode witness: %w", err)
	}
	return res, nil
}

// Store writes the witness to the given file.
func Store(path string, w *BlockWitness) error {
	data, err := w.Encode()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Load reads a witness from the given file.
func Load(path string) (*BlockWitness, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read witness file: %w", err)
	}
	return Decode(data)
}

// BuildStore materializes the witness nodes into a node store, verifying
// that every node hashes to its claimed digest. A witness carrying a
// tampered node is rejected as a whole.
func (w *BlockWitness) BuildStore() (*mpt.NodeStore, error) {
	store := mpt.NewNodeStore()
	for _, node := range w.Nodes {
		if err := store.Resolve(node.Digest, node.Blob); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// CodeMap indexes the witness byte codes by their keccak256 digest, the
// form account code is referenced in by the state trie.
func (w *BlockWitness) CodeMap() map[common.Hash][]byte {
	res := make(map[common.Hash][]byte, len(w.Codes))
	for _, code := range w.Codes {
		res[common.Keccak256(code)] = code
	}
	return res
}
