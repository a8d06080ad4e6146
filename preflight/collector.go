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

	"github.com/Fantom-foundation/Replay/common"
	"github.com/Fantom-foundation/Replay/mpt"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient/gethclient"
	"golang.org/x/sync/errgroup"
)

// ProofRequest names one account and the storage slots whose Merkle proofs
// are to be fetched.
type ProofRequest struct {
	Address common.Address
	Keys    []common.Key
}

// Collector fetches account and storage proofs for batches of accounts,
// issuing a bounded number of requests in parallel.
type Collector struct {
	client  Client
	workers int
}

// NewCollector creates a collector running at most the given number of
// proof requests concurrently.
func NewCollector(client Client, workers int) *Collector {
	if workers < 1 {
		workers = 1
	}
	return &Collector{client: client, workers: workers}
}

// Collect fetches the proofs of all requested accounts at the given block.
// Results are reported in request order, independent of the order in which
// the parallel fetches complete.
func (c *Collector) Collect(ctx context.Context, requests []ProofRequest, block *big.Int) ([]*gethclient.AccountResult, error) {
	results := make([]*gethclient.AccountResult, len(requests))
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(c.workers)
	for i, request := range requests {
		i, request := i, request
		group.Go(func() error {
			res, err := c.client.GetProof(ctx, request.Address, request.Keys, block)
			if err != nil {
				return fmt.Errorf("failed to fetch proof of %s at block %s: %w", request.Address, block, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// FeedProofs materializes all trie nodes carried by the given proofs into
// the node store. Node digests are derived from the content, so malformed
// proof data is detected when the affected nodes are navigated.
func FeedProofs(store *mpt.NodeStore, results []*gethclient.AccountResult) error {
	for _, result := range results {
		if result == nil {
			continue
		}
		if err := feedProof(store, result.AccountProof); err != nil {
			return err
		}
		for _, slot := range result.StorageProof {
			if err := feedProof(store, slot.Proof); err != nil {
				return err
			}
		}
	}
	return nil
}

func feedProof(store *mpt.NodeStore, proof []string) error {
	for _, encoded := range proof {
		blob, err := hexutil.Decode(encoded)
		if err != nil {
			return fmt.Errorf("invalid proof node encoding: %w", err)
		}
		if _, err := store.Add(blob); err != nil {
			return err
		}
	}
	return nil
}
