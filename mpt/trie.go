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
	"fmt"

	"github.com/Fantom-foundation/Replay/common"
)

// Trie is a partially materialized Merkle Patricia Trie anchored at a root
// digest. Node content is resolved through a shared NodeStore; operations
// touching a sub-trie whose nodes were never supplied fail with a
// MissingWitnessError instead of producing wrong results. Several tries,
// for instance the state trie and the storage tries of all touched
// accounts, may share a single store.
//
// Tries are not safe for concurrent mutation; concurrent reads are fine.
type Trie struct {
	store *NodeStore
	root  Ref
}

// NewTrie creates a trie rooted at the given digest, backed by the given
// store. The hash of an empty trie denotes the empty trie.
func NewTrie(store *NodeStore, root common.Hash) *Trie {
	if root == EmptyNodeHash {
		return &Trie{store: store}
	}
	return &Trie{store: store, root: HashRef(root)}
}

// NewEmptyTrie creates an empty trie backed by the given store.
func NewEmptyTrie(store *NodeStore) *Trie {
	return &Trie{store: store}
}

// Get retrieves the value associated with the given key, reporting its
// presence. Looking up a key whose navigation path leads through an
// unresolved node fails with a MissingWitnessError.
func (t *Trie) Get(key []byte) ([]byte, bool, error) {
	path := ToNibblePath(key)
	ref := t.root
	for {
		if ref.Empty() {
			return nil, false, nil
		}
		node, err := t.store.node(ref)
		if err != nil {
			return nil, false, err
		}
		switch n := node.(type) {
		case EmptyNode:
			return nil, false, nil
		case *LeafNode:
			if nibblesEqual(n.path, path) {
				return n.value, true, nil
			}
			return nil, false, nil
		case *ExtensionNode:
			if !IsPrefixOf(n.path, path) {
				return nil, false, nil
			}
			path = path[len(n.path):]
			ref = n.next
		case *BranchNode:
			if len(path) == 0 {
				return nil, false, nil
			}
			ref = n.children[path[0]]
			path = path[1:]
		default:
			return nil, false, fmt.Errorf("%w: unsupported node type %T", ErrMalformedNode, node)
		}
	}
}

// Insert associates the given value with the given key, replacing any value
// associated before. Values must be non-empty; removal is conducted through
// Delete. Keys must be of uniform length within one trie, so no key is a
// proper prefix of another.
func (t *Trie) Insert(key, value []byte) error {
	if len(value) == 0 {
		return fmt.Errorf("cannot insert empty value, key %x", key)
	}
	ref, err := t.insert(t.root, ToNibblePath(key), value)
	if err != nil {
		return err
	}
	t.root = ref
	return nil
}

// walkFrame records one descent step of a mutating operation so the
// navigation path can be rebuilt bottom-up after the terminal node was
// replaced. Exactly one of branch and ext is set.
type walkFrame struct {
	branch *BranchNode
	ext    *ExtensionNode
	nibble Nibble // child taken, for branch steps
}

// maxWalkDepth is the stack capacity for path walks; keys are hashes, so a
// navigation path holds at most 64 nibbles.
const maxWalkDepth = 65

func (t *Trie) insert(root Ref, path []Nibble, value []byte) (Ref, error) {
	stack := make([]walkFrame, 0, maxWalkDepth)
	ref := root
	var current Ref
	var err error
descent:
	for {
		if ref.Empty() {
			current, err = t.store.put(&LeafNode{path: path, value: value})
			break descent
		}
		var node Node
		node, err = t.store.node(ref)
		if err != nil {
			return Ref{}, err
		}
		switch n := node.(type) {
		case EmptyNode:
			current, err = t.store.put(&LeafNode{path: path, value: value})
			break descent
		case *LeafNode:
			current, err = t.splitLeaf(n, path, value)
			break descent
		case *ExtensionNode:
			prefixLength := GetCommonPrefixLength(n.path, path)
			if prefixLength == len(n.path) {
				stack = append(stack, walkFrame{ext: n})
				path = path[prefixLength:]
				ref = n.next
				continue
			}
			current, err = t.splitExtension(n, prefixLength, path, value)
			break descent
		case *BranchNode:
			if len(path) == 0 {
				return Ref{}, fmt.Errorf("key collides with key of different length")
			}
			stack = append(stack, walkFrame{branch: n, nibble: path[0]})
			ref = n.children[path[0]]
			path = path[1:]
		default:
			return Ref{}, fmt.Errorf("%w: unsupported node type %T", ErrMalformedNode, node)
		}
	}
	if err != nil {
		return Ref{}, err
	}
	for i := len(stack) - 1; i >= 0; i-- {
		frame := stack[i]
		if frame.ext != nil {
			current, err = t.store.put(&ExtensionNode{path: frame.ext.path, next: current})
		} else {
			res := &BranchNode{children: frame.branch.children}
			res.children[frame.nibble] = current
			current, err = t.store.put(res)
		}
		if err != nil {
			return Ref{}, err
		}
	}
	return current, nil
}

// splitLeaf replaces a leaf by a branch distinguishing the existing entry
// from the new one, sharing their common prefix in a front extension.
func (t *Trie) splitLeaf(n *LeafNode, path []Nibble, value []byte) (Ref, error) {
	if nibblesEqual(n.path, path) {
		return t.store.put(&LeafNode{path: path, value: value})
	}
	prefixLength := GetCommonPrefixLength(n.path, path)
	if prefixLength == len(n.path) || prefixLength == len(path) {
		return Ref{}, fmt.Errorf("key of length %d collides with key of different length", len(path))
	}
	branch := &BranchNode{}
	oldRef, err := t.store.put(&LeafNode{path: n.path[prefixLength+1:], value: n.value})
	if err != nil {
		return Ref{}, err
	}
	newRef, err := t.store.put(&LeafNode{path: path[prefixLength+1:], value: value})
	if err != nil {
		return Ref{}, err
	}
	branch.children[n.path[prefixLength]] = oldRef
	branch.children[path[prefixLength]] = newRef
	return t.wrapInExtension(path[:prefixLength], branch)
}

// splitExtension splits an extension whose path diverges from the insertion
// path after prefixLength nibbles, attaching the extension remainder and the
// new leaf to a fresh branch.
func (t *Trie) splitExtension(n *ExtensionNode, prefixLength int, path []Nibble, value []byte) (Ref, error) {
	if prefixLength == len(path) {
		return Ref{}, fmt.Errorf("key of length %d collides with key of different length", len(path))
	}
	branch := &BranchNode{}
	oldRef := n.next
	if prefixLength+1 < len(n.path) {
		var err error
		oldRef, err = t.store.put(&ExtensionNode{path: n.path[prefixLength+1:], next: n.next})
		if err != nil {
			return Ref{}, err
		}
	}
	newRef, err := t.store.put(&LeafNode{path: path[prefixLength+1:], value: value})
	if err != nil {
		return Ref{}, err
	}
	branch.children[n.path[prefixLength]] = oldRef
	branch.children[path[prefixLength]] = newRef
	return t.wrapInExtension(path[:prefixLength], branch)
}

// wrapInExtension stores the given branch and, for a non-empty shared
// prefix, an extension node in front of it.
func (t *Trie) wrapInExtension(prefix []Nibble, branch *BranchNode) (Ref, error) {
	ref, err := t.store.put(branch)
	if err != nil {
		return Ref{}, err
	}
	if len(prefix) == 0 {
		return ref, nil
	}
	return t.store.put(&ExtensionNode{path: concatNibbles(prefix), next: ref})
}

// Delete removes the value associated with the given key. Deleting an
// absent key is a no-op. Collapsing a branch down to a single child needs
// the content of the remaining sibling; if that node was never supplied,
// the operation fails with a MissingWitnessError.
func (t *Trie) Delete(key []byte) error {
	ref, _, err := t.remove(t.root, ToNibblePath(key))
	if err != nil {
		return err
	}
	t.root = ref
	return nil
}

func (t *Trie) remove(root Ref, path []Nibble) (Ref, bool, error) {
	stack := make([]walkFrame, 0, maxWalkDepth)
	ref := root
	var current Ref
descent:
	for {
		if ref.Empty() {
			return root, false, nil
		}
		node, err := t.store.node(ref)
		if err != nil {
			return Ref{}, false, err
		}
		switch n := node.(type) {
		case EmptyNode:
			if len(stack) == 0 {
				return Ref{}, false, nil
			}
			return root, false, nil
		case *LeafNode:
			if !nibblesEqual(n.path, path) {
				return root, false, nil
			}
			// The leaf is dropped; rebuilding propagates the removal
			// upwards.
			break descent
		case *ExtensionNode:
			if !IsPrefixOf(n.path, path) {
				return root, false, nil
			}
			stack = append(stack, walkFrame{ext: n})
			path = path[len(n.path):]
			ref = n.next
		case *BranchNode:
			if len(path) == 0 {
				return root, false, nil
			}
			stack = append(stack, walkFrame{branch: n, nibble: path[0]})
			ref = n.children[path[0]]
			path = path[1:]
		default:
			return Ref{}, false, fmt.Errorf("%w: unsupported node type %T", ErrMalformedNode, node)
		}
	}
	for i := len(stack) - 1; i >= 0; i-- {
		frame := stack[i]
		if frame.ext != nil {
			if current.Empty() {
				// The extension vanishes together with its sub-trie.
				continue
			}
			var err error
			current, _, err = t.prependPath(frame.ext.path, current)
			if err != nil {
				return Ref{}, false, err
			}
			continue
		}
		res := &BranchNode{children: frame.branch.children}
		res.children[frame.nibble] = current
		if res.childCount() >= 2 {
			var err error
			current, err = t.store.put(res)
			if err != nil {
				return Ref{}, false, err
			}
			continue
		}
		// The branch collapsed to a single child; the remaining sibling
		// absorbs the branch position into its path.
		rebuilt := false
		for j := 0; j < len(res.children); j++ {
			if res.children[j].Empty() {
				continue
			}
			var err error
			current, _, err = t.prependPath([]Nibble{Nibble(j)}, res.children[j])
			if err != nil {
				return Ref{}, false, err
			}
			rebuilt = true
			break
		}
		if !rebuilt {
			return Ref{}, false, fmt.Errorf("%w: branch node without children", ErrMalformedNode)
		}
	}
	return current, true, nil
}

// prependPath extends the navigation path of the node behind the given
// reference by the given nibbles, merging extensions and leaves.
func (t *Trie) prependPath(prefix []Nibble, ref Ref) (Ref, bool, error) {
	node, err := t.store.node(ref)
	if err != nil {
		return Ref{}, false, err
	}
	var res Node
	switch n := node.(type) {
	case *LeafNode:
		res = &LeafNode{path: concatNibbles(prefix, n.path), value: n.value}
	case *ExtensionNode:
		res = &ExtensionNode{path: concatNibbles(prefix, n.path), next: n.next}
	case *BranchNode:
		res = &ExtensionNode{path: concatNibbles(prefix), next: ref}
	default:
		return Ref{}, false, fmt.Errorf("%w: unsupported node type %T", ErrMalformedNode, node)
	}
	newRef, err := t.store.put(res)
	return newRef, true, err
}

// Hash computes the root digest of the trie in its current state.
func (t *Trie) Hash() (common.Hash, error) {
	switch t.root.kind {
	case refEmpty:
		return EmptyNodeHash, nil
	case refHash:
		return t.root.hash, nil
	case refInline:
		// The root is always referenced by digest, even if its encoding
		// is below the embedding threshold.
		encoded, err := encodeNode(t.root.node)
		if err != nil {
			return common.Hash{}, err
		}
		return common.Keccak256(encoded), nil
	default:
		return common.Hash{}, fmt.Errorf("%w: unsupported reference kind %d", ErrMalformedNode, t.root.kind)
	}
}

// Prove collects the canonical encodings of all digest-referenced nodes on
// the navigation path of the given key, starting at the root. The result
// proves the presence or absence of the key with respect to the root
// digest, in the format produced by eth_getProof.
func (t *Trie) Prove(key []byte) ([][]byte, error) {
	path := ToNibblePath(key)
	ref := t.root
	proof := [][]byte{}
	first := true
	for {
		if ref.Empty() {
			return proof, nil
		}
		node, err := t.store.node(ref)
		if err != nil {
			return nil, err
		}
		// Embedded nodes are part of their parent's encoding and thus
		// carry no proof element of their own; the root is an exception,
		// it is always materialized.
		if ref.kind == refHash || first {
			blob, err := t.nodeBlob(ref, node)
			if err != nil {
				return nil, err
			}
			proof = append(proof, blob)
		}
		first = false
		switch n := node.(type) {
		case EmptyNode, *LeafNode:
			return proof, nil
		case *ExtensionNode:
			if !IsPrefixOf(n.path, path) {
				return proof, nil
			}
			path = path[len(n.path):]
			ref = n.next
		case *BranchNode:
			if len(path) == 0 {
				return proof, nil
			}
			ref = n.children[path[0]]
			path = path[1:]
		default:
			return nil, fmt.Errorf("%w: unsupported node type %T", ErrMalformedNode, node)
		}
	}
}

func (t *Trie) nodeBlob(ref Ref, node Node) ([]byte, error) {
	if ref.kind == refHash {
		if blob, exists := t.store.NodeBlob(ref.hash); exists {
			return blob, nil
		}
	}
	return encodeNode(node)
}
