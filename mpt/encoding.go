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
	"bytes"
	"fmt"

	"github.com/Fantom-foundation/Replay/common"
	"github.com/Fantom-foundation/Replay/mpt/rlp"
)

// This file implements the canonical node encoding of Ethereum's State and
// Storage Tries as defined in Appendix D of the yellow paper
// (https://ethereum.github.io/yellowpaper/paper.pdf). Digests of nodes are
// derived by hashing this encoding, and nodes whose encoding is shorter
// than 32 bytes are embedded in their parent instead of being referenced by
// their digest.

// EmptyNodeHash is the hash of an empty trie: the keccak256 digest of the
// RLP encoding of an empty string.
var EmptyNodeHash = common.Keccak256(rlp.Encode(rlp.String{}))

var emptyStringRlpEncoded = rlp.Encode(rlp.String{})

// embeddingSizeThreshold is the canonical limit below which a node's
// encoding is inlined into its parent rather than referenced by hash.
const embeddingSizeThreshold = 32

// encodeNode computes the canonical RLP encoding of the given node.
func encodeNode(node Node) ([]byte, error) {
	switch n := node.(type) {
	case EmptyNode:
		return emptyStringRlpEncoded, nil
	case *LeafNode:
		return rlp.Encode(rlp.List{Items: []rlp.Item{
			rlp.String{Str: encodePath(n.path, true)},
			rlp.String{Str: n.value},
		}}), nil
	case *ExtensionNode:
		next, err := encodeRef(n.next)
		if err != nil {
			return nil, err
		}
		return rlp.Encode(rlp.List{Items: []rlp.Item{
			rlp.String{Str: encodePath(n.path, false)},
			next,
		}}), nil
	case *BranchNode:
		items := make([]rlp.Item, 17)
		for i := 0; i < len(n.children); i++ {
			item, err := encodeRef(n.children[i])
			if err != nil {
				return nil, err
			}
			items[i] = item
		}
		// Branch nodes are never terminators in state, storage, or
		// index tries, so the 17th slot stays empty.
		items[16] = rlp.String{}
		return rlp.Encode(rlp.List{Items: items}), nil
	default:
		return nil, fmt.Errorf("%w: unsupported node type %T", ErrMalformedNode, node)
	}
}

// encodeRef produces the RLP item standing in for a child reference: the
// empty string for absent children, the embedded encoding for inlined
// nodes, and the 32-byte digest otherwise.
func encodeRef(ref Ref) (rlp.Item, error) {
	switch ref.kind {
	case refEmpty:
		return rlp.String{}, nil
	case refHash:
		hash := ref.hash
		return rlp.Hash{Hash: &hash}, nil
	case refInline:
		encoded, err := encodeNode(ref.node)
		if err != nil {
			return nil, err
		}
		return rlp.Encoded{Data: encoded}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported reference kind %d", ErrMalformedNode, ref.kind)
	}
}

// DecodeNode reconstructs a node from its canonical encoding. Embedded
// children are decoded recursively; hash references remain unresolved.
func DecodeNode(data []byte) (Node, error) {
	if bytes.Equal(data, emptyStringRlpEncoded) {
		return EmptyNode{}, nil
	}
	item, err := rlp.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedNode, err)
	}
	return decodeNodeFromItem(item)
}

func decodeNodeFromItem(item rlp.Item) (Node, error) {
	list, ok := item.(rlp.List)
	if !ok {
		return nil, fmt.Errorf("%w: got %T, wanted a list", ErrMalformedNode, item)
	}
	switch len(list.Items) {
	case 2:
		prefix, ok := list.Items[0].(rlp.String)
		if !ok {
			return nil, fmt.Errorf("%w: invalid path prefix type %T", ErrMalformedNode, list.Items[0])
		}
		path, leaf, err := decodePath(prefix.Str)
		if err != nil {
			return nil, err
		}
		if leaf {
			value, ok := list.Items[1].(rlp.String)
			if !ok {
				return nil, fmt.Errorf("%w: invalid leaf payload type %T", ErrMalformedNode, list.Items[1])
			}
			return &LeafNode{path: path, value: bytes.Clone(value.Str)}, nil
		}
		next, err := decodeRef(list.Items[1])
		if err != nil {
			return nil, err
		}
		if next.Empty() {
			return nil, fmt.Errorf("%w: extension node without successor", ErrMalformedNode)
		}
		if len(path) == 0 {
			return nil, fmt.Errorf("%w: extension node with empty path", ErrMalformedNode)
		}
		return &ExtensionNode{path: path, next: next}, nil
	case 17:
		node := &BranchNode{}
		for i := 0; i < 16; i++ {
			ref, err := decodeRef(list.Items[i])
			if err != nil {
				return nil, err
			}
			node.children[i] = ref
		}
		terminator, ok := list.Items[16].(rlp.String)
		if !ok || len(terminator.Str) != 0 {
			return nil, fmt.Errorf("%w: unsupported branch terminator value", ErrMalformedNode)
		}
		if node.childCount() < 2 {
			return nil, fmt.Errorf("%w: branch node with less than two children", ErrMalformedNode)
		}
		return node, nil
	default:
		return nil, fmt.Errorf("%w: invalid number of list elements: %d", ErrMalformedNode, len(list.Items))
	}
}

// decodeRef parses a child reference: an empty string, a 32-byte digest, or
// an embedded node encoding.
func decodeRef(item rlp.Item) (Ref, error) {
	switch it := item.(type) {
	case rlp.String:
		if len(it.Str) == 0 {
			return Ref{}, nil
		}
		if len(it.Str) == common.HashSize {
			return HashRef(common.Hash(it.Str)), nil
		}
		return Ref{}, fmt.Errorf("%w: invalid reference length %d", ErrMalformedNode, len(it.Str))
	case rlp.List:
		node, err := decodeNodeFromItem(it)
		if err != nil {
			return Ref{}, err
		}
		return inlineRef(node), nil
	default:
		return Ref{}, fmt.Errorf("%w: invalid reference type %T", ErrMalformedNode, item)
	}
}

// encodePath computes the hex-prefix encoding of a partial nibble path as
// defined in Appendix C of the yellow paper. The first nibble of the result
// carries the is-leaf flag and the odd-length flag.
func encodePath(path []Nibble, targetsValue bool) []byte {
	compact := make([]byte, len(path)/2+1)
	if targetsValue {
		compact[0] |= 1 << 5
	}
	if len(path)%2 == 1 {
		compact[0] |= 1 << 4
		compact[0] |= byte(path[0]) & 0xF
		path = path[1:]
	}
	for i := 0; i < len(path); i += 2 {
		compact[i/2+1] = byte(path[i])<<4 | byte(path[i+1])
	}
	return compact
}

// decodePath parses a hex-prefix encoded partial path, reporting the nibble
// sequence and whether the path targets a leaf.
func decodePath(compact []byte) ([]Nibble, bool, error) {
	if len(compact) == 0 {
		return nil, false, fmt.Errorf("%w: empty path prefix", ErrMalformedNode)
	}
	flags := compact[0] >> 4
	if flags > 3 {
		return nil, false, fmt.Errorf("%w: invalid path prefix flags %x", ErrMalformedNode, flags)
	}
	leaf := flags&2 != 0
	odd := flags&1 != 0
	path := make([]Nibble, 0, len(compact)*2)
	if odd {
		path = append(path, Nibble(compact[0]&0xF))
	} else if compact[0]&0xF != 0 {
		return nil, false, fmt.Errorf("%w: non-zero padding in path prefix", ErrMalformedNode)
	}
	for _, b := range compact[1:] {
		path = append(path, Nibble(b>>4), Nibble(b&0xF))
	}
	return path, leaf, nil
}
