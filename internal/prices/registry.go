package prices

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps market pairs to provider symbols
type Registry struct {
	mu       sync.RWMutex
	mappings map[string]string // pair -> provider symbol
}

// NewRegistry creates a registry with the default USD pairs
func NewRegistry() *Registry {
	r := &Registry{
		mappings: make(map[string]string),
	}

	r.AddMapping("BTC/USD", "BTCUSDT")
	r.AddMapping("ETH/USD", "ETHUSDT")
	r.AddMapping("SOL/USD", "SOLUSDT")
	r.AddMapping("SUI/USD", "SUIUSDT")
	r.AddMapping("XRD/USD", "XRDUSDT")

	return r
}

func (r *Registry) AddMapping(pair, providerSymbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mappings[strings.ToUpper(pair)] = strings.ToUpper(providerSymbol)
}

// ProviderSymbol returns the provider symbol for a pair
func (r *Registry) ProviderSymbol(pair string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	symbol, exists := r.mappings[strings.ToUpper(pair)]
	if !exists {
		return "", fmt.Errorf("no mapping found for pair: %s", pair)
	}
	return symbol, nil
}

// Symbols returns the sorted unique provider symbols for the given pairs,
// skipping pairs without a mapping.
func (r *Registry) Symbols(pairs []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	symbols := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		sym, ok := r.mappings[strings.ToUpper(pair)]
		if !ok {
			continue
		}
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	return symbols
}

// ValidatePair checks if a pair is supported
func (r *Registry) ValidatePair(pair string) bool {
	_, err := r.ProviderSymbol(pair)
	return err == nil
}
