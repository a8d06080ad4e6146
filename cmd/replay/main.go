// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

// Replay verifies Ethereum blocks without holding chain state: a preflight
// phase collects a self-contained witness from an RPC node, a verification
// phase re-executes the block against that witness and checks every claim
// of its header.
package main

import (
	"fmt"
	"os"

	"github.com/Fantom-foundation/Replay/evm"
	"github.com/Fantom-foundation/Replay/preflight"
	"github.com/Fantom-foundation/Replay/processor"
	"github.com/Fantom-foundation/Replay/witness"
	"github.com/ethereum/go-ethereum/params"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

var (
	rpcUrlFlag = &cli.StringFlag{
		Name:  "rpc-url",
		Usage: "JSON-RPC endpoint of an archive node",
	}
	blockFlag = &cli.Uint64Flag{
		Name:     "block",
		Usage:    "number of the block to verify",
		Required: true,
	}
	witnessFlag = &cli.StringFlag{
		Name:  "witness",
		Usage: "witness file; loaded if present, written after preflight otherwise",
	}
	workersFlag = &cli.IntFlag{
		Name:  "workers",
		Usage: "maximum number of parallel proof requests",
		Value: 8,
	}
)

func main() {
	app := &cli.App{
		Name:      "replay",
		Usage:     "stateless verification of Ethereum blocks",
		Copyright: "(c) 2024 Fantom Foundation",
		Flags: []cli.Flag{
			rpcUrlFlag,
			blockFlag,
			witnessFlag,
			workersFlag,
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	number := ctx.Uint64(blockFlag.Name)
	proc := processor.NewProcessor(params.MainnetChainConfig, evm.NewTransferEngine(), log)

	w, err := obtainWitness(ctx, proc, log, number)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	res, err := proc.Verify(w)
	if err != nil {
		log.Error().Err(err).Uint64("block", number).Msg("block rejected")
		return cli.Exit(fmt.Sprintf("block %d rejected: %v", number, err), 1)
	}
	log.Info().
		Uint64("block", res.Number).
		Str("state_root", res.StateRoot.String()).
		Uint64("gas_used", res.GasUsed).
		Msg("block verified")
	return nil
}

// obtainWitness loads the witness from the given file if present, and runs
// the preflight phase otherwise, persisting its result if a file name was
// given.
func obtainWitness(ctx *cli.Context, proc *processor.Processor, log zerolog.Logger, number uint64) (*witness.BlockWitness, error) {
	path := ctx.String(witnessFlag.Name)
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			log.Info().Str("file", path).Msg("loading witness")
			return witness.Load(path)
		}
	}

	url := ctx.String(rpcUrlFlag.Name)
	if url == "" {
		return nil, fmt.Errorf("either --%s or an existing --%s file is required", rpcUrlFlag.Name, witnessFlag.Name)
	}
	client, err := preflight.Dial(ctx.Context, url)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	w, err := proc.Preflight(ctx.Context, client, number, ctx.Int(workersFlag.Name))
	if err != nil {
		return nil, fmt.Errorf("preflight of block %d failed: %w", number, err)
	}
	if path != "" {
		if err := witness.Store(path, w); err != nil {
			return nil, fmt.Errorf("failed to store witness: %w", err)
		}
		log.Info().Str("file", path).Msg("witness stored")
	}
	return w, nil
}
