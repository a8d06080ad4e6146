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

// Phase is the processing state of a block processor. A processor moves
// from Idle through the preflight and execution phases to a terminal
// Verified or Failed.
type Phase byte

const (
	// Idle is the initial phase before any block is processed.
	Idle Phase = iota
	// PreflightRunning covers the discovery run and proof collection.
	PreflightRunning
	// WitnessReady is reached once a complete block witness was produced.
	WitnessReady
	// ExecutingBlock covers the verified, network-free re-execution.
	ExecutingBlock
	// Verified is the terminal phase of a successfully verified block.
	Verified
	// Failed is the terminal phase after a validation or witness failure.
	Failed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case PreflightRunning:
		return "preflight-running"
	case WitnessReady:
		return "witness-ready"
	case ExecutingBlock:
		return "executing-block"
	case Verified:
		return "verified"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}
