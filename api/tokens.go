package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/stanislawq/Cryptocurrency-gateway/provider"
)

// TokenInfo describes one supported stablecoin deployment
type TokenInfo struct {
	Token    string `json:"token"`
	Chain    string `json:"chain"`
	Contract string `json:"contract"`
	Decimals int32  `json:"decimals"`
}

// Registry resolves (token, chain) pairs to contract deployments
type Registry struct {
	tokens map[string]TokenInfo
}

// DefaultTokens are the stablecoin deployments supported out of the box
var DefaultTokens = []TokenInfo{
	{Token: "USDT", Chain: "arbitrum-one",
		Contract: "0xfd086bc7cd5c481dcc9c85ebe478a1c0b69fcbb9", Decimals: 6},
	{Token: "USDC", Chain: "arbitrum-one",
		Contract: "0xaf88d065e77c8cc2239327c5edb3a432268e5831", Decimals: 6},
}

// NewRegistry builds a registry, canonicalizing contract addresses
func NewRegistry(infos []TokenInfo) (*Registry, error) {
	tokens := make(map[string]TokenInfo, len(infos))
	for _, info := range infos {
		contract, err := provider.NormalizeAddress(info.Contract)
		if err != nil {
			return nil, errors.Wrapf(err, "bad contract for %s on %s", info.Token, info.Chain)
		}
		info.Contract = contract
		tokens[info.Token+"/"+info.Chain] = info
	}
	return &Registry{tokens: tokens}, nil
}

// Lookup finds the deployment for a (token, chain) pair
func (r *Registry) Lookup(token, chain string) (TokenInfo, bool) {
	info, ok := r.tokens[token+"/"+chain]
	return info, ok
}

// Chains returns the distinct chains the registry has deployments on
func (r *Registry) Chains() []string {
	seen := make(map[string]bool)
	var chains []string
	for _, info := range r.tokens {
		if !seen[info.Chain] {
			seen[info.Chain] = true
			chains = append(chains, info.Chain)
		}
	}
	return chains
}

// Pricer converts a fiat amount into an atomic token target
type Pricer interface {
	TargetAmount(fiatCents int64, currency string, info TokenInfo) (decimal.Decimal, error)
}

// StablecoinPricer prices USD-pegged tokens one-to-one against USD
type StablecoinPricer struct{}

// TargetAmount converts cents to atomic units by shifting the decimal point
func (StablecoinPricer) TargetAmount(fiatCents int64, currency string,
	info TokenInfo) (decimal.Decimal, error) {

	if currency != "USD" {
		return decimal.Zero, fmt.Errorf("unsupported currency %q", currency)
	}
	return decimal.NewFromInt(fiatCents).Shift(info.Decimals - 2), nil
}

// AddressAllocator hands out fresh deposit addresses under custody control
type AddressAllocator interface {
	Allocate(ctx context.Context, chain string) (string, error)
}

// HTTPAllocator asks the custody wallet service for addresses
type HTTPAllocator struct {
	URL    string
	Client *http.Client
}

// Allocate POSTs to the wallet service and returns the canonical address
func (a *HTTPAllocator) Allocate(ctx context.Context, chain string) (string, error) {
	body, err := json.Marshal(map[string]string{"chain": chain})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequest(http.MethodPost, a.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")

	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	response, err := client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "could not reach wallet service")
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("wallet service returned status %d", response.StatusCode)
	}

	var decoded struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return "", errors.Wrap(err, "could not decode wallet service response")
	}
	return provider.NormalizeAddress(decoded.Address)
}

// MockAllocator derives deterministic addresses from a counter, for tests
// and for running without a wallet service
type MockAllocator struct {
	mu      sync.Mutex
	counter uint64
}

// Allocate returns the next address in the sequence
func (a *MockAllocator) Allocate(_ context.Context, _ string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counter++
	return fmt.Sprintf("0x%040x", a.counter), nil
}
