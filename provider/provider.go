// Package provider talks to EVM chain RPC nodes. The gateway only ever
// needs the chain head height; transfer events themselves arrive through
// the ingress webhook.
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"

	"github.com/stanislawq/Cryptocurrency-gateway/build"
)

var log = build.AddSubLogger("CHAIN")

// Client can read the head block height of a chain
type Client interface {
	BlockNumber(ctx context.Context, chain string) (int64, error)
}

// Config maps chain names to RPC endpoints
type Config struct {
	// RPCURLs is keyed by chain name, e.g. "arbitrum-one"
	RPCURLs map[string]string
}

// EthClient implements Client over one ethclient connection per chain
type EthClient struct {
	clients map[string]*ethclient.Client
}

// NewEthClient dials every configured RPC endpoint
func NewEthClient(conf Config) (*EthClient, error) {
	clients := make(map[string]*ethclient.Client, len(conf.RPCURLs))
	for chain, rpcURL := range conf.RPCURLs {
		client, err := ethclient.Dial(rpcURL)
		if err != nil {
			return nil, errors.Wrapf(err, "could not dial RPC for chain %s", chain)
		}
		clients[chain] = client
		log.WithField("chain", chain).Info("Connected to chain RPC")
	}
	return &EthClient{clients: clients}, nil
}

// BlockNumber returns the current head height of the given chain
func (e *EthClient) BlockNumber(ctx context.Context, chain string) (int64, error) {
	client, ok := e.clients[chain]
	if !ok {
		return 0, fmt.Errorf("no RPC endpoint configured for chain %s", chain)
	}
	height, err := client.BlockNumber(ctx)
	if err != nil {
		return 0, errors.Wrapf(err, "could not read head of chain %s", chain)
	}
	return int64(height), nil
}

// Close tears down all RPC connections
func (e *EthClient) Close() {
	for _, client := range e.clients {
		client.Close()
	}
}

// NormalizeAddress canonicalizes an EVM address to its lowercase hex form,
// the form every address column stores
func NormalizeAddress(address string) (string, error) {
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("not a valid EVM address: %q", address)
	}
	return strings.ToLower(common.HexToAddress(address).Hex()), nil
}
