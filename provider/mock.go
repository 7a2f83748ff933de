package provider

import (
	"context"
	"fmt"
	"sync"
)

// MockClient is a Client backed by settable heights, for tests and for
// running the API without chain connectivity
type MockClient struct {
	mu      sync.Mutex
	heights map[string]int64
	err     error
}

// GetMockClient returns a MockClient with no chains configured
func GetMockClient() *MockClient {
	return &MockClient{heights: make(map[string]int64)}
}

// SetHeight sets the head height reported for a chain
func (m *MockClient) SetHeight(chain string, height int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heights[chain] = height
}

// Advance moves the head of a chain forward by n blocks
func (m *MockClient) Advance(chain string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heights[chain] += n
}

// FailWith makes every BlockNumber call return err until reset with nil
func (m *MockClient) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// BlockNumber returns the configured head height
func (m *MockClient) BlockNumber(_ context.Context, chain string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	height, ok := m.heights[chain]
	if !ok {
		return 0, fmt.Errorf("no RPC endpoint configured for chain %s", chain)
	}
	return height, nil
}
