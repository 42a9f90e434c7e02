// Package registry reads and writes institution backends in the on-chain marketplace registry
// and resolves institution identifiers to backend base URLs.
package registry

import (
	"context"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Registry looks up the backend registered for an institution (schacHomeOrganization).
type Registry interface {
	// BackendOf returns the registered backend URL, or "" when the institution has none.
	BackendOf(ctx context.Context, institutionID string) (string, error)
}

// Provider is the on-chain record created for a provider registration.
type Provider struct {
	Name         string
	Account      common.Address
	Email        string
	Country      string
	Organization string
}

// Registrar performs registration writes. Each call returns the transaction hash ("" for
// registries that are not backed by a chain).
type Registrar interface {
	SetBackend(ctx context.Context, account common.Address, institutionID, backendURL string) (string, error)
	GrantInstitutionRole(ctx context.Context, account common.Address, institutionID string) (string, error)
	AddProvider(ctx context.Context, p Provider) (string, error)
}

// Memory is an in-process Registry and Registrar. Used when no chain is configured and in tests.
type Memory struct {
	mu        sync.RWMutex
	backends  map[string]string
	roles     map[string]common.Address
	providers map[common.Address]Provider
}

// NewMemory returns a Memory registry seeded with backends (institution id → URL).
func NewMemory(backends map[string]string) *Memory {
	m := &Memory{
		backends:  make(map[string]string, len(backends)),
		roles:     make(map[string]common.Address),
		providers: make(map[common.Address]Provider),
	}
	for id, url := range backends {
		m.backends[strings.ToLower(strings.TrimSpace(id))] = url
	}
	return m
}

// ParseBackends parses "id=url,id=url" pairs. Malformed pairs are skipped.
func ParseBackends(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		id, url, ok := strings.Cut(pair, "=")
		id, url = strings.TrimSpace(id), strings.TrimSpace(url)
		if !ok || id == "" || url == "" {
			continue
		}
		out[id] = url
	}
	return out
}

func (m *Memory) BackendOf(ctx context.Context, institutionID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.backends[strings.ToLower(institutionID)], nil
}

func (m *Memory) SetBackend(ctx context.Context, account common.Address, institutionID, backendURL string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backends[strings.ToLower(institutionID)] = backendURL
	return "", nil
}

func (m *Memory) GrantInstitutionRole(ctx context.Context, account common.Address, institutionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[strings.ToLower(institutionID)] = account
	return "", nil
}

func (m *Memory) AddProvider(ctx context.Context, p Provider) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[p.Account] = p
	return "", nil
}

// InstitutionAccount returns the account granted the institution role for institutionID.
func (m *Memory) InstitutionAccount(institutionID string) (common.Address, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.roles[strings.ToLower(institutionID)]
	return a, ok
}

// ProviderOf returns the provider registered for account.
func (m *Memory) ProviderOf(account common.Address) (Provider, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[account]
	return p, ok
}
