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
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/Fantom-foundation/Replay/common"
	"github.com/ethereum/go-ethereum/trie"
)

func TestTrie_EmptyTrieHasCanonicalHash(t *testing.T) {
	empty := NewEmptyTrie(NewNodeStore())
	hash, err := empty.Hash()
	if err != nil {
		t.Fatalf("failed to hash empty trie: %v", err)
	}
	if hash != EmptyNodeHash {
		t.Errorf("invalid empty trie hash, got %s, wanted %s", hash, EmptyNodeHash)
	}
}

func TestTrie_InsertedValuesCanBeRetrieved(t *testing.T) {
	store := NewNodeStore()
	mpt := NewEmptyTrie(store)
	entries := testEntries(20)
	for key, value := range entries {
		if err := mpt.Insert(key[:], value); err != nil {
			t.Fatalf("failed to insert %x: %v", key, err)
		}
	}
	for key, value := range entries {
		got, exists, err := mpt.Get(key[:])
		if err != nil {
			t.Fatalf("failed to get %x: %v", key, err)
		}
		if !exists {
			t.Fatalf("value for key %x not found", key)
		}
		if !bytes.Equal(got, value) {
			t.Errorf("invalid value for key %x, got %x, wanted %x", key, got, value)
		}
	}
	absent := common.Keccak256([]byte("absent"))
	if _, exists, err := mpt.Get(absent[:]); err != nil || exists {
		t.Errorf("lookup of absent key failed, got %t/%v, wanted false/nil", exists, err)
	}
}

func TestTrie_HashIsInsertionOrderIndependent(t *testing.T) {
	entries := testEntries(8)
	keys := sortedKeys(entries)
	permutations := [][]int{
		{0, 1, 2, 3, 4, 5, 6, 7},
		{7, 6, 5, 4, 3, 2, 1, 0},
		{3, 7, 1, 5, 0, 4, 6, 2},
	}
	var reference common.Hash
	for i, permutation := range permutations {
		mpt := NewEmptyTrie(NewNodeStore())
		for _, j := range permutation {
			key := keys[j]
			if err := mpt.Insert(key[:], entries[key]); err != nil {
				t.Fatalf("failed to insert %x: %v", key, err)
			}
		}
		hash, err := mpt.Hash()
		if err != nil {
			t.Fatalf("failed to hash trie: %v", err)
		}
		if i == 0 {
			reference = hash
		} else if hash != reference {
			t.Errorf("hash depends on insertion order, got %s, wanted %s", hash, reference)
		}
	}
}

func TestTrie_HashesMatchStackTrieReference(t *testing.T) {
	for _, size := range []int{1, 2, 3, 10, 100} {
		t.Run(fmt.Sprintf("size=%d", size), func(t *testing.T) {
			entries := testEntries(size)
			mpt := NewEmptyTrie(NewNodeStore())
			for key, value := range entries {
				if err := mpt.Insert(key[:], value); err != nil {
					t.Fatalf("failed to insert %x: %v", key, err)
				}
			}
			hash, err := mpt.Hash()
			if err != nil {
				t.Fatalf("failed to hash trie: %v", err)
			}
			reference := trie.NewStackTrie(nil)
			for _, key := range sortedKeys(entries) {
				if err := reference.Update(key[:], entries[key]); err != nil {
					t.Fatalf("failed to update reference trie: %v", err)
				}
			}
			if want := reference.Hash(); !bytes.Equal(hash[:], want[:]) {
				t.Errorf("invalid root hash, got %s, wanted %x", hash, want)
			}
		})
	}
}

func TestTrie_ShortValuesAreEmbedded(t *testing.T) {
	// Values this short produce leaf encodings below the 32-byte threshold,
	// covering the node embedding rule against the reference implementation.
	mpt := NewEmptyTrie(NewNodeStore())
	reference := trie.NewStackTrie(nil)
	keys := make([]common.Hash, 10)
	for i := range keys {
		keys[i] = common.Keccak256([]byte{byte(i)})
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i][:], keys[j][:]) < 0 })
	for i, key := range keys {
		value := []byte{byte(i + 1)}
		if err := mpt.Insert(key[:], value); err != nil {
			t.Fatalf("failed to insert %x: %v", key, err)
		}
		if err := reference.Update(key[:], value); err != nil {
			t.Fatalf("failed to update reference trie: %v", err)
		}
	}
	hash, err := mpt.Hash()
	if err != nil {
		t.Fatalf("failed to hash trie: %v", err)
	}
	if want := reference.Hash(); !bytes.Equal(hash[:], want[:]) {
		t.Errorf("invalid root hash, got %s, wanted %x", hash, want)
	}
}

func TestTrie_DeleteRestoresPreviousRoot(t *testing.T) {
	store := NewNodeStore()
	mpt := NewEmptyTrie(store)
	entries := testEntries(10)
	for key, value := range entries {
		if err := mpt.Insert(key[:], value); err != nil {
			t.Fatalf("failed to insert %x: %v", key, err)
		}
	}
	before, err := mpt.Hash()
	if err != nil {
		t.Fatalf("failed to hash trie: %v", err)
	}

	extra := common.Keccak256([]byte("extra key"))
	if err := mpt.Insert(extra[:], []byte("extra value")); err != nil {
		t.Fatalf("failed to insert extra key: %v", err)
	}
	if after, _ := mpt.Hash(); after == before {
		t.Fatalf("insert did not change the root hash")
	}
	if err := mpt.Delete(extra[:]); err != nil {
		t.Fatalf("failed to delete extra key: %v", err)
	}

	after, err := mpt.Hash()
	if err != nil {
		t.Fatalf("failed to hash trie: %v", err)
	}
	if after != before {
		t.Errorf("invalid root after delete, got %s, wanted %s", after, before)
	}
}

func TestTrie_DeleteOfAbsentKeyIsNoOp(t *testing.T) {
	mpt := NewEmptyTrie(NewNodeStore())
	key := common.Keccak256([]byte("present"))
	if err := mpt.Insert(key[:], []byte("value")); err != nil {
		t.Fatalf("failed to insert: %v", err)
	}
	before, _ := mpt.Hash()
	absent := common.Keccak256([]byte("absent"))
	if err := mpt.Delete(absent[:]); err != nil {
		t.Fatalf("failed to delete absent key: %v", err)
	}
	if after, _ := mpt.Hash(); after != before {
		t.Errorf("delete of absent key changed the root, got %s, wanted %s", after, before)
	}
}

func TestTrie_DeleteLastValueYieldsEmptyTrie(t *testing.T) {
	mpt := NewEmptyTrie(NewNodeStore())
	key := common.Keccak256([]byte("only key"))
	if err := mpt.Insert(key[:], []byte("only value")); err != nil {
		t.Fatalf("failed to insert: %v", err)
	}
	if err := mpt.Delete(key[:]); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if hash, _ := mpt.Hash(); hash != EmptyNodeHash {
		t.Errorf("invalid hash of cleared trie, got %s, wanted %s", hash, EmptyNodeHash)
	}
}

func TestTrie_DeepSharedPrefixPathsCanBeBuiltAndCollapsed(t *testing.T) {
	// Keys differing only in the last byte share a 62-nibble prefix, driving
	// the path walks of insert and delete to their maximum depth.
	store := NewNodeStore()
	mpt := NewEmptyTrie(store)
	reference := trie.NewStackTrie(nil)
	base := common.Keccak256([]byte("shared prefix"))
	value := func(i int) []byte {
		return []byte(fmt.Sprintf("value-%d-with-some-extra-padding-beyond-32-bytes", i))
	}
	keys := make([]common.Hash, 16)
	for i := range keys {
		key := base
		key[31] = byte(i)
		keys[i] = key
		if err := mpt.Insert(key[:], value(i)); err != nil {
			t.Fatalf("failed to insert %x: %v", key, err)
		}
		if err := reference.Update(key[:], value(i)); err != nil {
			t.Fatalf("failed to update reference trie: %v", err)
		}
	}
	hash, err := mpt.Hash()
	if err != nil {
		t.Fatalf("failed to hash trie: %v", err)
	}
	if want := reference.Hash(); !bytes.Equal(hash[:], want[:]) {
		t.Errorf("invalid root hash, got %s, wanted %x", hash, want)
	}

	// Deleting all but one entry collapses the deep structure back into a
	// single leaf covering the full key.
	for _, key := range keys[1:] {
		if err := mpt.Delete(key[:]); err != nil {
			t.Fatalf("failed to delete %x: %v", key, err)
		}
	}
	single := NewEmptyTrie(NewNodeStore())
	if err := single.Insert(keys[0][:], value(0)); err != nil {
		t.Fatalf("failed to insert into reference trie: %v", err)
	}
	want, err := single.Hash()
	if err != nil {
		t.Fatalf("failed to hash reference trie: %v", err)
	}
	if got, _ := mpt.Hash(); got != want {
		t.Errorf("invalid root after collapse, got %s, wanted %s", got, want)
	}
}

func TestTrie_LookupThroughUnresolvedNodeReportsMissingWitness(t *testing.T) {
	full := NewNodeStore()
	mpt := NewEmptyTrie(full)
	entries := testEntries(10)
	for key, value := range entries {
		if err := mpt.Insert(key[:], value); err != nil {
			t.Fatalf("failed to insert %x: %v", key, err)
		}
	}
	root, _ := mpt.Hash()

	partial := NewTrie(NewNodeStore(), root)
	key := sortedKeys(entries)[0]
	if _, _, err := partial.Get(key[:]); !errors.Is(err, ErrMissingWitness) {
		t.Errorf("lookup should have reported a missing witness, got %v", err)
	}
	var missing *MissingWitnessError
	_, _, err := partial.Get(key[:])
	if !errors.As(err, &missing) {
		t.Fatalf("error should identify the missing digest, got %v", err)
	}
	if missing.Digest != root {
		t.Errorf("invalid missing digest, got %s, wanted %s", missing.Digest, root)
	}
}

func TestTrie_TamperedWitnessNodeIsRejected(t *testing.T) {
	full := NewNodeStore()
	mpt := NewEmptyTrie(full)
	entries := testEntries(5)
	for key, value := range entries {
		if err := mpt.Insert(key[:], value); err != nil {
			t.Fatalf("failed to insert %x: %v", key, err)
		}
	}
	key := sortedKeys(entries)[0]
	proof, err := mpt.Prove(key[:])
	if err != nil {
		t.Fatalf("failed to compute proof: %v", err)
	}
	if len(proof) == 0 {
		t.Fatalf("proof of present key must not be empty")
	}

	tampered := bytes.Clone(proof[0])
	tampered[len(tampered)-1] ^= 0x01
	digest := common.Keccak256(proof[0])
	if err := NewNodeStore().Resolve(digest, tampered); !errors.Is(err, ErrIntegrityViolation) {
		t.Errorf("tampered node should have been rejected, got %v", err)
	}
}

func TestTrie_MalformedWitnessNodeIsRejected(t *testing.T) {
	// Blobs carrying their own correct digest pass the integrity check, so
	// decoding must handle arbitrary content. Length declarations close to
	// the uint64 range used to overflow the decoder's bounds check.
	blobs := [][]byte{
		{0xbf, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xf7},
		{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xf7},
		{0xc1, 0x80, 0x80},
	}
	for _, blob := range blobs {
		err := NewNodeStore().Resolve(common.Keccak256(blob), blob)
		if !errors.Is(err, ErrMalformedNode) {
			t.Errorf("blob %x should have been rejected as malformed, got %v", blob, err)
		}
	}
}

func TestTrie_ProofsRestorePartialTrie(t *testing.T) {
	full := NewNodeStore()
	mpt := NewEmptyTrie(full)
	entries := testEntries(50)
	for key, value := range entries {
		if err := mpt.Insert(key[:], value); err != nil {
			t.Fatalf("failed to insert %x: %v", key, err)
		}
	}
	root, _ := mpt.Hash()

	witnessed := sortedKeys(entries)[:5]
	partialStore := NewNodeStore()
	for _, key := range witnessed {
		proof, err := mpt.Prove(key[:])
		if err != nil {
			t.Fatalf("failed to compute proof for %x: %v", key, err)
		}
		for _, blob := range proof {
			if _, err := partialStore.Add(blob); err != nil {
				t.Fatalf("failed to add proof node: %v", err)
			}
		}
	}

	partial := NewTrie(partialStore, root)
	for _, key := range witnessed {
		got, exists, err := partial.Get(key[:])
		if err != nil || !exists {
			t.Fatalf("failed to get witnessed key %x: exists %t, err %v", key, exists, err)
		}
		if !bytes.Equal(got, entries[key]) {
			t.Errorf("invalid value for %x, got %x, wanted %x", key, got, entries[key])
		}
	}
}

func TestTrie_PartialTrieUpdatesMatchFullTrie(t *testing.T) {
	full := NewNodeStore()
	mpt := NewEmptyTrie(full)
	entries := testEntries(50)
	for key, value := range entries {
		if err := mpt.Insert(key[:], value); err != nil {
			t.Fatalf("failed to insert %x: %v", key, err)
		}
	}
	root, _ := mpt.Hash()
	keys := sortedKeys(entries)

	// Witness the navigation paths of all keys to be modified; updates and
	// deletes on the partial trie must then reproduce the full trie's root.
	partialStore := NewNodeStore()
	partialStore.SetResolver(storeResolver{full})
	partial := NewTrie(partialStore, root)

	updated := keys[3]
	deleted := keys[7]
	inserted := common.Keccak256([]byte("a fresh key"))

	for _, op := range []func(*Trie) error{
		func(t *Trie) error { return t.Insert(updated[:], []byte("updated value")) },
		func(t *Trie) error { return t.Delete(deleted[:]) },
		func(t *Trie) error { return t.Insert(inserted[:], []byte("inserted value")) },
	} {
		if err := op(mpt); err != nil {
			t.Fatalf("failed to modify full trie: %v", err)
		}
		if err := op(partial); err != nil {
			t.Fatalf("failed to modify partial trie: %v", err)
		}
	}

	want, _ := mpt.Hash()
	got, err := partial.Hash()
	if err != nil {
		t.Fatalf("failed to hash partial trie: %v", err)
	}
	if got != want {
		t.Errorf("partial trie diverged, got %s, wanted %s", got, want)
	}
}

func TestTrie_RecordedNodesAreSufficientToReplay(t *testing.T) {
	full := NewNodeStore()
	mpt := NewEmptyTrie(full)
	entries := testEntries(50)
	for key, value := range entries {
		if err := mpt.Insert(key[:], value); err != nil {
			t.Fatalf("failed to insert %x: %v", key, err)
		}
	}
	root, _ := mpt.Hash()
	keys := sortedKeys(entries)

	// First pass: run the operations on a resolver-backed store and record
	// every node accessed on the way.
	recordingStore := NewNodeStore()
	recordingStore.SetResolver(storeResolver{full})
	recordingStore.EnableRecording()
	operations := func(t *testing.T, trie *Trie) common.Hash {
		t.Helper()
		if _, _, err := trie.Get(keys[0][:]); err != nil {
			t.Fatalf("failed to get: %v", err)
		}
		if err := trie.Insert(keys[1][:], []byte("new value")); err != nil {
			t.Fatalf("failed to insert: %v", err)
		}
		if err := trie.Delete(keys[2][:]); err != nil {
			t.Fatalf("failed to delete: %v", err)
		}
		hash, err := trie.Hash()
		if err != nil {
			t.Fatalf("failed to hash: %v", err)
		}
		return hash
	}
	want := operations(t, NewTrie(recordingStore, root))

	// Second pass: the recorded nodes alone, without any resolver, must
	// support the exact same operations.
	replayStore := NewNodeStore()
	for _, node := range recordingStore.AccessedNodes() {
		if err := replayStore.Resolve(node.Digest, node.Blob); err != nil {
			t.Fatalf("failed to resolve recorded node: %v", err)
		}
	}
	if got := operations(t, NewTrie(replayStore, root)); got != want {
		t.Errorf("replay diverged, got %s, wanted %s", got, want)
	}
}

// storeResolver resolves digests from another node store, standing in for
// the remote node source used during preflight.
type storeResolver struct {
	source *NodeStore
}

func (r storeResolver) ResolveNode(digest common.Hash) ([]byte, error) {
	if blob, exists := r.source.NodeBlob(digest); exists {
		return blob, nil
	}
	return nil, fmt.Errorf("unknown digest %s", digest)
}

func testEntries(count int) map[common.Hash][]byte {
	entries := make(map[common.Hash][]byte, count)
	for i := 0; i < count; i++ {
		key := common.Keccak256([]byte(fmt.Sprintf("key-%d", i)))
		entries[key] = []byte(fmt.Sprintf("value-%d-with-some-extra-padding-beyond-32-bytes", i))
	}
	return entries
}

func sortedKeys(entries map[common.Hash][]byte) []common.Hash {
	keys := make([]common.Hash, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i][:], keys[j][:]) < 0 })
	return keys
}
