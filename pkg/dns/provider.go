package dns

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cuemby/press/pkg/types"
)

// Provider manages records at the DNS host of a root domain
type Provider interface {
	Upsert(ctx context.Context, name string, recordType types.DNSRecordType, value string) error
	Delete(ctx context.Context, name string) error
}

// Record is one managed record
type Record struct {
	Name  string
	Type  types.DNSRecordType
	Value string
}

// Registry holds the provider configured for each root domain
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register binds a provider name, as stored on RootDomain.DNSProvider
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// For returns the provider of root
func (r *Registry) For(root *types.RootDomain) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[root.DNSProvider]
	if !ok {
		return nil, fmt.Errorf("no DNS provider %q for %s", root.DNSProvider, root.Name)
	}
	return p, nil
}

// MemoryProvider keeps records in memory. It backs tests and the local DNS Server.
type MemoryProvider struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryProvider creates an empty provider
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{records: make(map[string]Record)}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

// Upsert creates or replaces the record for name
func (m *MemoryProvider) Upsert(ctx context.Context, name string, recordType types.DNSRecordType, value string) error {
	switch recordType {
	case types.DNSRecordA, types.DNSRecordCNAME, types.DNSRecordNS, types.DNSRecordTXT:
	default:
		return fmt.Errorf("unsupported record type %s", recordType)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[normalize(name)] = Record{Name: normalize(name), Type: recordType, Value: value}
	return nil
}

// Delete removes the record for name; missing records are not an error
func (m *MemoryProvider) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, normalize(name))
	return nil
}

// Lookup returns the record for name
func (m *MemoryProvider) Lookup(name string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[normalize(name)]
	return r, ok
}

// Records returns every record sorted by name
func (m *MemoryProvider) Records() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
