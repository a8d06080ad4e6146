// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package mpt

import (
	"github.com/Fantom-foundation/Replay/common"
)

// This file defines the node model of a partially materialized Merkle
// Patricia Trie (MPT). There are four different kinds of nodes:
//
//  - empty nodes     ... the root node of empty sub-tries
//  - branch nodes    ... inner trie nodes splitting navigation paths
//  - extension nodes ... shortcuts for long sequences of 1-child branches
//  - leaf nodes      ... terminal nodes holding the value of a key
//
// Nodes form a closed tagged variant; all trie algorithms dispatch on the
// node kind through type switches. Nodes reference each other through Refs,
// which are either inlined nodes (for nodes whose canonical encoding is
// shorter than 32 bytes) or 32-byte digests resolved through a NodeStore.
// A digest reference may be unresolved: its node content is unknown until a
// witness node with that exact digest is supplied.

// Node is the interface of all node kinds in the MPT.
type Node interface {
	isNode()
}

// EmptyNode is the node type of the root of an empty (sub-)trie.
type EmptyNode struct{}

// LeafNode is a terminal node storing the value associated with a key. The
// path holds the nibbles of the key not consumed on the way from the root
// to this node.
type LeafNode struct {
	path  []Nibble
	value []byte
}

// ExtensionNode is a chain of nodes with a single successor, forming a
// shortcut for a shared nibble sequence.
type ExtensionNode struct {
	path []Nibble
	next Ref
}

// BranchNode is an inner node splitting navigation into up to 16 sub-tries,
// one for each possible next nibble. Branch nodes never act as terminators
// in state, storage, or index tries, so no value slot is maintained; the
// 17th element of the canonical encoding is always empty.
type BranchNode struct {
	children [16]Ref
}

func (EmptyNode) isNode()      {}
func (*LeafNode) isNode()      {}
func (*ExtensionNode) isNode() {}
func (*BranchNode) isNode()    {}

// Value returns the payload bytes stored in the leaf.
func (n *LeafNode) Value() []byte {
	return n.value
}

// childCount determines the number of non-empty children of a branch node.
func (n *BranchNode) childCount() int {
	count := 0
	for i := 0; i < len(n.children); i++ {
		if !n.children[i].Empty() {
			count++
		}
	}
	return count
}

// refKind distinguishes the three states a child reference can be in.
type refKind byte

const (
	refEmpty  refKind = iota // no child present
	refHash                  // child referenced by the digest of its encoding
	refInline                // child embedded in the parent's encoding
)

// Ref is a reference to a node. The zero value is the empty reference,
// denoting the absence of a child. Nodes whose canonical encoding is below
// the embedding threshold of 32 bytes are carried inline; all other nodes
// are referenced by the keccak256 digest of their encoding and resolved
// through a NodeStore on demand.
type Ref struct {
	kind refKind
	hash common.Hash
	node Node
}

// HashRef creates a reference addressing a node by its digest.
func HashRef(hash common.Hash) Ref {
	return Ref{kind: refHash, hash: hash}
}

// inlineRef creates a reference embedding the given node.
func inlineRef(node Node) Ref {
	return Ref{kind: refInline, node: node}
}

// Empty tests whether this reference addresses any node at all.
func (r Ref) Empty() bool {
	return r.kind == refEmpty
}

// Resolved reports whether the referenced node content is locally known,
// without consulting a store.
func (r Ref) Resolved() bool {
	return r.kind == refInline
}

// Hash returns the digest of a hash reference. It must only be called on
// references of the hash kind.
func (r Ref) Hash() common.Hash {
	return r.hash
}
