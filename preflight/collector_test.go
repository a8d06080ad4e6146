// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package preflight

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/Fantom-foundation/Replay/common"
	"github.com/Fantom-foundation/Replay/mpt"
	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient/gethclient"
)

func TestCollector_ResultsPreserveRequestOrder(t *testing.T) {
	client := &fakeClient{proofs: map[common.Address]*gethclient.AccountResult{}}
	requests := make([]ProofRequest, 20)
	for i := range requests {
		addr := common.Address{byte(i + 1)}
		requests[i] = ProofRequest{Address: addr}
		client.proofs[addr] = &gethclient.AccountResult{
			Address: gethcommon.Address(addr),
			Nonce:   uint64(i),
		}
	}

	for _, workers := range []int{1, 4, 32} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			collector := NewCollector(client, workers)
			results, err := collector.Collect(context.Background(), requests, big.NewInt(41))
			if err != nil {
				t.Fatalf("failed to collect proofs: %v", err)
			}
			if len(results) != len(requests) {
				t.Fatalf("invalid number of results, got %d, wanted %d", len(results), len(requests))
			}
			for i, result := range results {
				if got, want := result.Address, gethcommon.Address(requests[i].Address); got != want {
					t.Errorf("invalid result order at %d, got %s, wanted %s", i, got, want)
				}
				if result.Nonce != uint64(i) {
					t.Errorf("invalid result content at %d, got nonce %d, wanted %d", i, result.Nonce, i)
				}
			}
		})
	}
}

func TestCollector_FailuresAbortTheCollection(t *testing.T) {
	client := &failingClient{}
	collector := NewCollector(client, 4)
	_, err := collector.Collect(context.Background(), []ProofRequest{
		{Address: common.Address{0x01}},
	}, big.NewInt(41))
	if err == nil {
		t.Errorf("collection should have failed")
	}
}

type failingClient struct {
	fakeClient
}

func (c *failingClient) GetProof(context.Context, common.Address, []common.Key, *big.Int) (*gethclient.AccountResult, error) {
	return nil, fmt.Errorf("injected failure")
}

func TestFeedProofs_NodesAreMaterialized(t *testing.T) {
	// Build a trie, prove a key, and feed the hex-encoded proof the way it
	// arrives from eth_getProof.
	store := mpt.NewNodeStore()
	trie := mpt.NewEmptyTrie(store)
	key := common.Keccak256([]byte("key"))
	if err := trie.Insert(key[:], []byte("a value long enough to not be embedded")); err != nil {
		t.Fatalf("failed to build trie: %v", err)
	}
	root, _ := trie.Hash()
	proof, err := trie.Prove(key[:])
	if err != nil {
		t.Fatalf("failed to prove key: %v", err)
	}
	encoded := make([]string, len(proof))
	for i, blob := range proof {
		encoded[i] = hexutil.Encode(blob)
	}

	target := mpt.NewNodeStore()
	err = FeedProofs(target, []*gethclient.AccountResult{
		{AccountProof: encoded},
		nil,
	})
	if err != nil {
		t.Fatalf("failed to feed proofs: %v", err)
	}
	restored := mpt.NewTrie(target, root)
	value, exists, err := restored.Get(key[:])
	if err != nil || !exists {
		t.Fatalf("failed to get proven key: exists %t, err %v", exists, err)
	}
	if string(value) != "a value long enough to not be embedded" {
		t.Errorf("invalid value, got %x", value)
	}
}

func TestFeedProofs_InvalidHexIsRejected(t *testing.T) {
	err := FeedProofs(mpt.NewNodeStore(), []*gethclient.AccountResult{
		{AccountProof: []string{"not hex"}},
	})
	if err == nil {
		t.Errorf("feeding invalid proof data should have failed")
	}
}
