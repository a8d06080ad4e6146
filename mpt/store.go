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
	"sync"

	"github.com/Fantom-foundation/Replay/common"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// NodeResolver provides node content for digests not present in a NodeStore.
// It is the full-access mode hook used during preflight, where unresolved
// references are fetched from a live source instead of failing. Verified
// execution runs on stores without a resolver.
type NodeResolver interface {
	ResolveNode(digest common.Hash) ([]byte, error)
}

// RawNode is a trie node in transportable form: its canonical encoding
// paired with the digest it is claimed to hash to.
type RawNode struct {
	Digest common.Hash
	Blob   []byte
}

// NodeStore is a digest-keyed arena of resolved trie nodes. One store is
// shared by the state trie and all storage tries of a block: child
// references are digests resolved through the store rather than memory
// pointers, which makes partial, witness-based population natural and
// serialization trivial.
//
// The store is safe for concurrent readers. Content is addressed by the
// hash of its encoding, so insertions are idempotent and never overwrite.
type NodeStore struct {
	mu       sync.RWMutex
	nodes    map[common.Hash]Node
	blobs    map[common.Hash][]byte
	resolver NodeResolver

	recording bool
	accessed  map[common.Hash][]byte
}

// NewNodeStore creates an empty node store without a resolver; all lookups
// of unknown digests report a missing witness.
func NewNodeStore() *NodeStore {
	return &NodeStore{
		nodes: map[common.Hash]Node{},
		blobs: map[common.Hash][]byte{},
	}
}

// SetResolver installs the resolver consulted for unknown digests.
func (s *NodeStore) SetResolver(resolver NodeResolver) {
	s.resolver = resolver
}

// EnableRecording starts tracking every node accessed through this store.
// The recorded set is the witness of the operations conducted since.
func (s *NodeStore) EnableRecording() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recording = true
	s.accessed = map[common.Hash][]byte{}
}

// AccessedNodes returns the nodes accessed since recording was enabled,
// sorted by digest to keep the result deterministic.
func (s *NodeStore) AccessedNodes() []RawNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	digests := maps.Keys(s.accessed)
	slices.SortFunc(digests, func(a, b common.Hash) int {
		return slices.Compare(a[:], b[:])
	})
	res := make([]RawNode, 0, len(digests))
	for _, digest := range digests {
		res = append(res, RawNode{Digest: digest, Blob: s.accessed[digest]})
	}
	return res
}

// Resolve injects a witness node claimed to hash to the given digest. The
// claim is verified before the node is accepted; a forged or corrupted
// witness node is never silently admitted.
func (s *NodeStore) Resolve(digest common.Hash, data []byte) error {
	if computed := common.Keccak256(data); computed != digest {
		return &IntegrityViolationError{Digest: digest, Computed: computed}
	}
	node, err := DecodeNode(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[digest] = node
	s.blobs[digest] = data
	return nil
}

// Add inserts a node given by its canonical encoding, deriving its digest.
func (s *NodeStore) Add(data []byte) (common.Hash, error) {
	digest := common.Keccak256(data)
	return digest, s.Resolve(digest, data)
}

// Contains tests whether the given digest is resolved in this store.
func (s *NodeStore) Contains(digest common.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.nodes[digest]
	return exists
}

// NodeBlob returns the canonical encoding stored for the given digest.
func (s *NodeStore) NodeBlob(digest common.Hash) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, exists := s.blobs[digest]
	return blob, exists
}

// node provides the content behind a reference. Inline references carry
// their node directly; hash references are looked up in the store and, if
// unknown, fetched through the resolver. A reference that cannot be
// resolved reports a MissingWitnessError instead of guessing.
func (s *NodeStore) node(ref Ref) (Node, error) {
	switch ref.kind {
	case refEmpty:
		return EmptyNode{}, nil
	case refInline:
		return ref.node, nil
	case refHash:
		if ref.hash == EmptyNodeHash {
			return EmptyNode{}, nil
		}
		s.mu.RLock()
		node, exists := s.nodes[ref.hash]
		blob := s.blobs[ref.hash]
		s.mu.RUnlock()
		if !exists {
			if s.resolver == nil {
				return nil, &MissingWitnessError{Digest: ref.hash}
			}
			data, err := s.resolver.ResolveNode(ref.hash)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve node %s: %w", ref.hash, err)
			}
			if err := s.Resolve(ref.hash, data); err != nil {
				return nil, err
			}
			node, err = DecodeNode(data)
			if err != nil {
				return nil, err
			}
			blob = data
		}
		s.record(ref.hash, blob)
		return node, nil
	default:
		return nil, fmt.Errorf("%w: unsupported reference kind %d", ErrMalformedNode, ref.kind)
	}
}

// put stores a node and derives the reference its parent should use: nodes
// whose encoding is below the embedding threshold are inlined, all others
// are addressed by the digest of their encoding.
func (s *NodeStore) put(node Node) (Ref, error) {
	if _, isEmpty := node.(EmptyNode); isEmpty {
		return Ref{}, nil
	}
	encoded, err := encodeNode(node)
	if err != nil {
		return Ref{}, err
	}
	if len(encoded) < embeddingSizeThreshold {
		return inlineRef(node), nil
	}
	digest := common.Keccak256(encoded)
	s.mu.Lock()
	s.nodes[digest] = node
	s.blobs[digest] = encoded
	s.mu.Unlock()
	return HashRef(digest), nil
}

func (s *NodeStore) record(digest common.Hash, blob []byte) {
	if !s.recording {
		return
	}
	s.mu.Lock()
	if s.recording {
		if _, exists := s.accessed[digest]; !exists {
			s.accessed[digest] = blob
		}
	}
	s.mu.Unlock()
}
