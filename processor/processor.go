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
	"fmt"

	"github.com/Fantom-foundation/Replay/common"
	"github.com/Fantom-foundation/Replay/evm"
	"github.com/Fantom-foundation/Replay/state"
	"github.com/Fantom-foundation/Replay/witness"
	"github.com/ethereum/go-ethereum/consensus/misc/eip1559"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Processor verifies blocks in two phases: a network-backed preflight
// producing a self-contained block witness, and a deterministic,
// network-free verified execution checking the block's claims against
// that witness. The two phases share one execution path, so a witness
// produced by preflight is complete for verification by construction.
//
// A processor handles one block at a time and is not safe for concurrent
// use.
type Processor struct {
	config *params.ChainConfig
	engine evm.Engine
	log    zerolog.Logger
	phase  Phase
}

// NewProcessor creates a block processor for the given chain configuration
// and execution engine. The logger is used by the preflight phase only;
// verified execution is silent.
func NewProcessor(config *params.ChainConfig, engine evm.Engine, log zerolog.Logger) *Processor {
	return &Processor{
		config: config,
		engine: engine,
		log:    log,
		phase:  Idle,
	}
}

// Phase reports the current processing phase.
func (p *Processor) Phase() Phase {
	return p.phase
}

// ProcessedBlock is the outcome of a successfully verified block: the
// values recomputed from the witness, all matching the header's claims.
type ProcessedBlock struct {
	Number       uint64
	Hash         common.Hash
	StateRoot    common.Hash
	ReceiptsRoot common.Hash
	Bloom        types.Bloom
	GasUsed      uint64
	Receipts     types.Receipts
}

// Verify re-executes the block described by the witness without any
// network access and checks every claim of its header. A non-nil error
// means the block was rejected; mismatched roots are reported as
// RootMismatchError instances wrapping ErrBlockRejected.
func (p *Processor) Verify(w *witness.BlockWitness) (*ProcessedBlock, error) {
	p.phase = ExecutingBlock
	store, err := w.BuildStore()
	if err != nil {
		p.phase = Failed
		return nil, err
	}
	db := state.NewDatabase(store, common.Hash(w.Parent.Root), w.CodeMap())
	res, err := p.run(w, db)
	if err != nil {
		p.phase = Failed
		return nil, err
	}
	p.phase = Verified
	return res, nil
}

// run validates the header and body of the block and replays it on the
// given state. It is the shared path of verified execution and the
// preflight dry run.
func (p *Processor) run(w *witness.BlockWitness, db *state.Database) (*ProcessedBlock, error) {
	if err := p.validateHeader(w.Header, w.Parent); err != nil {
		return nil, err
	}
	if err := p.validateBody(w); err != nil {
		return nil, err
	}
	hashes, err := ancestorHashes(w)
	if err != nil {
		return nil, err
	}
	return p.process(w, db, hashes)
}

// validateHeader checks the structural claims a header makes with respect
// to its parent: number and hash linkage, timestamp monotonicity, extra
// data size, and the gas limit and base fee rules.
func (p *Processor) validateHeader(header, parent *types.Header) error {
	if header.Number == nil || parent.Number == nil {
		return fmt.Errorf("%w: header without block number", ErrBlockRejected)
	}
	if header.Number.Uint64() != parent.Number.Uint64()+1 {
		return fmt.Errorf("%w: block number %d does not extend parent %d",
			ErrBlockRejected, header.Number.Uint64(), parent.Number.Uint64())
	}
	if header.ParentHash != parent.Hash() {
		return fmt.Errorf("%w: parent hash %x does not match parent header %x",
			ErrBlockRejected, header.ParentHash, parent.Hash())
	}
	if header.Time <= parent.Time {
		return fmt.Errorf("%w: timestamp %d not after parent's %d",
			ErrBlockRejected, header.Time, parent.Time)
	}
	if uint64(len(header.Extra)) > params.MaximumExtraDataSize {
		return fmt.Errorf("%w: extra data of %d bytes exceeds limit of %d",
			ErrBlockRejected, len(header.Extra), params.MaximumExtraDataSize)
	}
	if header.GasUsed > header.GasLimit {
		return fmt.Errorf("%w: gas used %d above gas limit %d",
			ErrBlockRejected, header.GasUsed, header.GasLimit)
	}
	if p.config.IsLondon(header.Number) {
		if err := eip1559.VerifyEIP1559Header(p.config, parent, header); err != nil {
			return fmt.Errorf("%w: %v", ErrBlockRejected, err)
		}
	} else if err := verifyGasLimit(parent.GasLimit, header.GasLimit); err != nil {
		return err
	}
	return nil
}

// validateBody checks that the witness body matches the transactions and
// withdrawals roots claimed by the header.
func (p *Processor) validateBody(w *witness.BlockWitness) error {
	header := w.Header
	txRoot := types.DeriveSha(w.Transactions, newTrieHasher())
	if txRoot != header.TxHash {
		return &RootMismatchError{
			What:     "transactions root",
			Expected: header.TxHash.String(),
			Computed: txRoot.String(),
		}
	}
	if p.config.IsShanghai(header.Number, header.Time) {
		if header.WithdrawalsHash == nil {
			return fmt.Errorf("%w: post-Shanghai header without withdrawals root", ErrBlockRejected)
		}
		root := types.DeriveSha(w.Withdrawals, newTrieHasher())
		if root != *header.WithdrawalsHash {
			return &RootMismatchError{
				What:     "withdrawals root",
				Expected: header.WithdrawalsHash.String(),
				Computed: root.String(),
			}
		}
	} else if header.WithdrawalsHash != nil || len(w.Withdrawals) > 0 {
		return fmt.Errorf("%w: withdrawals before the Shanghai fork", ErrBlockRejected)
	}
	return nil
}

// process replays the block's transactions and withdrawals on the given
// state and compares the recomputed state root, receipts root, bloom, and
// gas usage against the header's claims.
func (p *Processor) process(w *witness.BlockWitness, db *state.Database, hashes map[uint64]common.Hash) (*ProcessedBlock, error) {
	header := w.Header
	context, err := blockContext(header, hashes)
	if err != nil {
		return nil, err
	}
	signer := types.MakeSigner(p.config, header.Number, header.Time)

	receipts := make(types.Receipts, 0, len(w.Transactions))
	gasUsed := uint64(0)
	for i, tx := range w.Transactions {
		sender, err := types.Sender(signer, tx)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid signature of transaction %d: %v", ErrBlockRejected, i, err)
		}
		snapshot := db.Snapshot()
		outcome, err := p.engine.Execute(context, tx, common.Address(sender), db)
		if err != nil {
			db.RevertToSnapshot(snapshot)
			return nil, fmt.Errorf("failed to execute transaction %d: %w", i, err)
		}
		gasUsed += outcome.GasUsed
		receipt := &types.Receipt{
			Type:              tx.Type(),
			Status:            types.ReceiptStatusSuccessful,
			CumulativeGasUsed: gasUsed,
			TxHash:            tx.Hash(),
			GasUsed:           outcome.GasUsed,
			Logs:              outcome.Logs,
		}
		if !outcome.Success {
			receipt.Status = types.ReceiptStatusFailed
		}
		receipt.Bloom = types.CreateBloom(types.Receipts{receipt})
		receipts = append(receipts, receipt)
	}

	if err := creditWithdrawals(db, w.Withdrawals); err != nil {
		return nil, err
	}

	stateRoot, err := db.Commit()
	if err != nil {
		return nil, fmt.Errorf("failed to compute state root: %w", err)
	}

	if gasUsed != header.GasUsed {
		return nil, &RootMismatchError{
			What:     "gas used",
			Expected: fmt.Sprintf("%d", header.GasUsed),
			Computed: fmt.Sprintf("%d", gasUsed),
		}
	}
	receiptsRoot := types.DeriveSha(receipts, newTrieHasher())
	if receiptsRoot != header.ReceiptHash {
		return nil, &RootMismatchError{
			What:     "receipts root",
			Expected: header.ReceiptHash.String(),
			Computed: receiptsRoot.String(),
		}
	}
	bloom := types.CreateBloom(receipts)
	if bloom != header.Bloom {
		return nil, &RootMismatchError{
			What:     "logs bloom",
			Expected: fmt.Sprintf("%x", header.Bloom),
			Computed: fmt.Sprintf("%x", bloom),
		}
	}
	if stateRoot != common.Hash(header.Root) {
		return nil, &RootMismatchError{
			What:     "state root",
			Expected: header.Root.String(),
			Computed: stateRoot.String(),
		}
	}

	return &ProcessedBlock{
		Number:       header.Number.Uint64(),
		Hash:         common.Hash(header.Hash()),
		StateRoot:    stateRoot,
		ReceiptsRoot: common.Hash(receiptsRoot),
		Bloom:        bloom,
		GasUsed:      gasUsed,
		Receipts:     receipts,
	}, nil
}

// blockContext derives the engine-visible block environment from a header.
func blockContext(header *types.Header, hashes map[uint64]common.Hash) (*evm.BlockContext, error) {
	baseFee := uint256.NewInt(0)
	if header.BaseFee != nil {
		var overflow bool
		if baseFee, overflow = uint256.FromBig(header.BaseFee); overflow {
			return nil, fmt.Errorf("%w: base fee out of range", ErrBlockRejected)
		}
	}
	number := header.Number.Uint64()
	return &evm.BlockContext{
		Coinbase:  common.Address(header.Coinbase),
		Number:    number,
		Time:      header.Time,
		GasLimit:  header.GasLimit,
		BaseFee:   baseFee,
		Random:    common.Hash(header.MixDigest),
		BlockHash: ancestorLookup(number, hashes),
	}, nil
}

// ancestorLookup builds the BLOCKHASH source over the witnessed ancestor
// headers: out-of-window numbers resolve to the zero hash, in-window
// numbers without a witnessed header are an error.
func ancestorLookup(current uint64, hashes map[uint64]common.Hash) func(uint64) (common.Hash, error) {
	return func(number uint64) (common.Hash, error) {
		if number >= current || current-number > 256 {
			return common.Hash{}, nil
		}
		hash, found := hashes[number]
		if !found {
			return common.Hash{}, fmt.Errorf("%w: block %d", ErrMissingAncestor, number)
		}
		return hash, nil
	}
}

// ancestorHashes indexes the hashes of the parent and all witnessed
// ancestors by block number, verifying their chain linkage.
func ancestorHashes(w *witness.BlockWitness) (map[uint64]common.Hash, error) {
	hashes := map[uint64]common.Hash{
		w.Parent.Number.Uint64(): common.Hash(w.Parent.Hash()),
	}
	prev := w.Parent
	for i, ancestor := range w.Ancestors {
		if ancestor.Hash() != prev.ParentHash {
			return nil, fmt.Errorf("%w: broken ancestor chain at position %d", ErrBlockRejected, i)
		}
		hashes[ancestor.Number.Uint64()] = common.Hash(ancestor.Hash())
		prev = ancestor
	}
	return hashes, nil
}

// creditWithdrawals applies the block's withdrawal list, converting the
// gwei-denominated amounts to wei.
func creditWithdrawals(st evm.State, withdrawals types.Withdrawals) error {
	for _, withdrawal := range withdrawals {
		addr := common.Address(withdrawal.Address)
		account, _, err := st.GetAccount(addr)
		if err != nil {
			return fmt.Errorf("failed to credit withdrawal to %s: %w", addr, err)
		}
		amount := new(uint256.Int).Mul(uint256.NewInt(withdrawal.Amount), uint256.NewInt(params.GWei))
		account.Balance = new(uint256.Int).Add(account.Balance, amount)
		if err := st.SetAccount(addr, account); err != nil {
			return fmt.Errorf("failed to credit withdrawal to %s: %w", addr, err)
		}
	}
	return nil
}

// verifyGasLimit checks the pre-London gas limit adjustment bound.
func verifyGasLimit(parentLimit, limit uint64) error {
	diff := limit - parentLimit
	if limit < parentLimit {
		diff = parentLimit - limit
	}
	bound := parentLimit / params.GasLimitBoundDivisor
	if diff >= bound {
		return fmt.Errorf("%w: gas limit %d out of bounds of parent's %d",
			ErrBlockRejected, limit, parentLimit)
	}
	if limit < params.MinGasLimit {
		return fmt.Errorf("%w: gas limit %d below minimum", ErrBlockRejected, limit)
	}
	return nil
}
