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
	"context"
	"fmt"
	"math/big"

	"github.com/Fantom-foundation/Replay/common"
	"github.com/Fantom-foundation/Replay/mpt"
	"github.com/Fantom-foundation/Replay/preflight"
	"github.com/Fantom-foundation/Replay/state"
	"github.com/Fantom-foundation/Replay/witness"
	"github.com/ethereum/go-ethereum/core/types"
)

// Preflight produces a self-contained witness for the given block. It runs
// in three steps: a discovery run against a lazily RPC-populated state view
// reveals the block's access footprint, the Merkle proofs of that footprint
// are fetched for the parent and the post state, and a dry verified run
// over the collected nodes records the exact witness set. The dry run walks
// the same code path as Verify, so a returned witness is sufficient for
// verification by construction.
func (p *Processor) Preflight(ctx context.Context, client preflight.Client, number uint64, workers int) (*witness.BlockWitness, error) {
	p.phase = PreflightRunning
	w, err := p.preflight(ctx, client, number, workers)
	if err != nil {
		p.phase = Failed
		return nil, err
	}
	p.phase = WitnessReady
	return w, nil
}

func (p *Processor) preflight(ctx context.Context, client preflight.Client, number uint64, workers int) (*witness.BlockWitness, error) {
	if number == 0 {
		return nil, fmt.Errorf("cannot verify the genesis block")
	}
	parentNumber := new(big.Int).SetUint64(number - 1)
	parent, err := client.HeaderByNumber(ctx, parentNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch parent header: %w", err)
	}
	block, err := client.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch block %d: %w", number, err)
	}
	header := block.Header()
	if header.ParentHash != parent.Hash() {
		return nil, fmt.Errorf("block %d does not extend the fetched parent header", number)
	}
	p.log.Info().
		Uint64("block", number).
		Int("transactions", len(block.Transactions())).
		Str("phase", p.phase.String()).
		Msg("starting discovery run")

	// Step 1: discovery run over the RPC-backed view.
	view := preflight.NewView(ctx, client, parentNumber)
	ancestors := newAncestorSource(ctx, client, parent)
	signer := types.MakeSigner(p.config, header.Number, header.Time)
	discoveryContext, err := blockContext(header, nil)
	if err != nil {
		return nil, err
	}
	discoveryContext.BlockHash = ancestors.hash
	for i, tx := range block.Transactions() {
		sender, err := types.Sender(signer, tx)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid signature of transaction %d: %v", ErrBlockRejected, i, err)
		}
		if _, err := p.engine.Execute(discoveryContext, tx, common.Address(sender), view); err != nil {
			return nil, fmt.Errorf("discovery of transaction %d failed: %w", i, err)
		}
	}
	if err := creditWithdrawals(view, block.Withdrawals()); err != nil {
		return nil, err
	}
	// The coinbase is touched by every block, with or without fees.
	if _, _, err := view.GetAccount(common.Address(header.Coinbase)); err != nil {
		return nil, err
	}

	// Step 2: fetch the proofs of the touched footprint, both against the
	// parent state and against the post state. The post-state proofs carry
	// the sibling nodes needed when deletes restructure the tries.
	requests := make([]preflight.ProofRequest, 0)
	for _, addr := range view.TouchedAccounts() {
		requests = append(requests, preflight.ProofRequest{
			Address: addr,
			Keys:    view.TouchedSlots(addr),
		})
	}
	collector := preflight.NewCollector(client, workers)
	parentProofs, err := collector.Collect(ctx, requests, parentNumber)
	if err != nil {
		return nil, err
	}
	postProofs, err := collector.Collect(ctx, requests, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, err
	}
	p.log.Info().
		Int("accounts", len(requests)).
		Msg("collected account proofs")

	// Step 3: dry verified run on a resolver-backed recording store; the
	// nodes actually read form the minimal witness.
	store := mpt.NewNodeStore()
	if err := preflight.FeedProofs(store, parentProofs); err != nil {
		return nil, err
	}
	if err := preflight.FeedProofs(store, postProofs); err != nil {
		return nil, err
	}
	store.SetResolver(&nodeResolver{ctx: ctx, client: client})
	store.EnableRecording()

	w := &witness.BlockWitness{
		Header:       header,
		Parent:       parent,
		Ancestors:    ancestors.collected(),
		Transactions: block.Transactions(),
		Withdrawals:  block.Withdrawals(),
		Codes:        view.Codes(),
	}
	db := state.NewDatabase(store, common.Hash(parent.Root), w.CodeMap())
	if _, err := p.run(w, db); err != nil {
		return nil, fmt.Errorf("preflight dry run rejected the block: %w", err)
	}
	w.Nodes = store.AccessedNodes()
	p.log.Info().
		Int("nodes", len(w.Nodes)).
		Int("codes", len(w.Codes)).
		Int("ancestors", len(w.Ancestors)).
		Msg("witness complete")
	return w, nil
}

// nodeResolver provides trie nodes by digest from a remote node, the
// full-access fallback of the preflight dry run.
type nodeResolver struct {
	ctx    context.Context
	client preflight.Client
}

func (r *nodeResolver) ResolveNode(digest common.Hash) ([]byte, error) {
	return r.client.ResolveNode(r.ctx, digest)
}

// ancestorSource provides ancestor block hashes during the discovery run,
// fetching and linking headers on demand and remembering how deep the
// execution reached.
type ancestorSource struct {
	ctx    context.Context
	client preflight.Client
	// headers holds the parent header followed by increasingly older
	// ancestors, contiguous by construction.
	headers []*types.Header
}

func newAncestorSource(ctx context.Context, client preflight.Client, parent *types.Header) *ancestorSource {
	return &ancestorSource{
		ctx:     ctx,
		client:  client,
		headers: []*types.Header{parent},
	}
}

func (s *ancestorSource) hash(number uint64) (common.Hash, error) {
	current := s.headers[0].Number.Uint64() + 1
	if number >= current || current-number > 256 {
		return common.Hash{}, nil
	}
	last := s.headers[len(s.headers)-1]
	for last.Number.Uint64() > number {
		previous, err := s.client.HeaderByNumber(s.ctx, new(big.Int).Sub(last.Number, big.NewInt(1)))
		if err != nil {
			return common.Hash{}, fmt.Errorf("failed to fetch ancestor header %d: %w", last.Number.Uint64()-1, err)
		}
		if previous.Hash() != last.ParentHash {
			return common.Hash{}, fmt.Errorf("ancestor header %d does not link to its child", previous.Number.Uint64())
		}
		s.headers = append(s.headers, previous)
		last = previous
	}
	return common.Hash(s.headers[current-1-number].Hash()), nil
}

// collected lists the fetched headers older than the parent, newest first.
func (s *ancestorSource) collected() []*types.Header {
	return s.headers[1:]
}
