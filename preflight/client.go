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
	"github.com/cenkalti/backoff/v4"
	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/gethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Client is the interface of the chain data source consulted during
// preflight. All state queries are anchored at an explicit block number,
// since preflight reads the state before and after the block under
// scrutiny.
type Client interface {
	// HeaderByNumber retrieves the header of the given block.
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	// BlockByNumber retrieves the given block including its body.
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	// NonceAt retrieves an account's nonce at the given block.
	NonceAt(ctx context.Context, addr common.Address, block *big.Int) (uint64, error)
	// BalanceAt retrieves an account's balance at the given block.
	BalanceAt(ctx context.Context, addr common.Address, block *big.Int) (*big.Int, error)
	// CodeAt retrieves an account's byte code at the given block.
	CodeAt(ctx context.Context, addr common.Address, block *big.Int) ([]byte, error)
	// StorageAt retrieves the value of a storage slot at the given block.
	StorageAt(ctx context.Context, addr common.Address, key common.Key, block *big.Int) (common.Value, error)
	// GetProof retrieves the Merkle proof of an account and a set of its
	// storage slots at the given block.
	GetProof(ctx context.Context, addr common.Address, keys []common.Key, block *big.Int) (*gethclient.AccountResult, error)
	// ResolveNode retrieves the content of a trie node by its digest.
	ResolveNode(ctx context.Context, digest common.Hash) ([]byte, error)
	// Close releases the underlying connection.
	Close()
}

// maxRetries bounds the number of repeated attempts per RPC call before an
// error is reported to the caller.
const maxRetries = 5

// RpcClient is a Client talking to an Ethereum node over its JSON-RPC
// interface. Transient failures are retried with exponential backoff. The
// targeted node must be an archive node for non-recent blocks, and trie
// node resolution requires the debug namespace to be enabled.
type RpcClient struct {
	rpc  *rpc.Client
	eth  *ethclient.Client
	geth *gethclient.Client
}

// Dial connects to the Ethereum node at the given URL.
func Dial(ctx context.Context, url string) (*RpcClient, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	return &RpcClient{
		rpc:  client,
		eth:  ethclient.NewClient(client),
		geth: gethclient.New(client),
	}, nil
}

func (c *RpcClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return retry(ctx, func() (*types.Header, error) {
		return c.eth.HeaderByNumber(ctx, number)
	})
}

func (c *RpcClient) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	return retry(ctx, func() (*types.Block, error) {
		return c.eth.BlockByNumber(ctx, number)
	})
}

func (c *RpcClient) NonceAt(ctx context.Context, addr common.Address, block *big.Int) (uint64, error) {
	return retry(ctx, func() (uint64, error) {
		return c.eth.NonceAt(ctx, gethcommon.Address(addr), block)
	})
}

func (c *RpcClient) BalanceAt(ctx context.Context, addr common.Address, block *big.Int) (*big.Int, error) {
	return retry(ctx, func() (*big.Int, error) {
		return c.eth.BalanceAt(ctx, gethcommon.Address(addr), block)
	})
}

func (c *RpcClient) CodeAt(ctx context.Context, addr common.Address, block *big.Int) ([]byte, error) {
	return retry(ctx, func() ([]byte, error) {
		return c.eth.CodeAt(ctx, gethcommon.Address(addr), block)
	})
}

func (c *RpcClient) StorageAt(ctx context.Context, addr common.Address, key common.Key, block *big.Int) (common.Value, error) {
	data, err := retry(ctx, func() ([]byte, error) {
		return c.eth.StorageAt(ctx, gethcommon.Address(addr), gethcommon.Hash(key), block)
	})
	if err != nil {
		return common.Value{}, err
	}
	if len(data) != common.ValueSize {
		return common.Value{}, fmt.Errorf("invalid storage value length: %d", len(data))
	}
	return common.Value(data), nil
}

func (c *RpcClient) GetProof(ctx context.Context, addr common.Address, keys []common.Key, block *big.Int) (*gethclient.AccountResult, error) {
	slots := make([]string, len(keys))
	for i, key := range keys {
		slots[i] = hexutil.Encode(key[:])
	}
	return retry(ctx, func() (*gethclient.AccountResult, error) {
		return c.geth.GetProof(ctx, gethcommon.Address(addr), slots, block)
	})
}

func (c *RpcClient) ResolveNode(ctx context.Context, digest common.Hash) ([]byte, error) {
	return retry(ctx, func() ([]byte, error) {
		var res hexutil.Bytes
		err := c.rpc.CallContext(ctx, &res, "debug_dbGet", hexutil.Encode(digest[:]))
		return res, err
	})
}

func (c *RpcClient) Close() {
	c.rpc.Close()
}

// retry repeats the given operation with exponential backoff until it
// succeeds, the retry limit is exhausted, or the context is canceled.
func retry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	var res T
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	err := backoff.Retry(func() error {
		var err error
		res, err = op()
		return err
	}, policy)
	return res, err
}
