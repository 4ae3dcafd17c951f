package storage

import (
	"fmt"
	"sync"
)

// Opener connects to the named tenant's database.
type Opener func(tenantID string) (*Store, error)

// Resolver hands out per-tenant store handles. Handles are opened lazily on
// first use and reused for the life of the process.
type Resolver struct {
	open Opener

	mu     sync.RWMutex
	stores map[string]*Store
}

// NewResolver creates a resolver backed by the given opener.
func NewResolver(open Opener) *Resolver {
	return &Resolver{open: open, stores: make(map[string]*Store)}
}

// MySQLOpener connects tenants to databases named by the template, e.g.
// "kanban_%s" yields kanban_acme for tenant acme.
func MySQLOpener(host string, port int, user, password, dbTemplate string) Opener {
	return func(tenantID string) (*Store, error) {
		store, err := Open(DSN(host, port, user, password, fmt.Sprintf(dbTemplate, tenantID)))
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", tenantID, err)
		}
		return store, nil
	}
}

// Store returns the handle for the tenant, opening it if needed.
func (r *Resolver) Store(tenantID string) (*Store, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("missing tenant id")
	}

	r.mu.RLock()
	store, ok := r.stores[tenantID]
	r.mu.RUnlock()
	if ok {
		return store, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if store, ok := r.stores[tenantID]; ok {
		return store, nil
	}
	if r.open == nil {
		return nil, fmt.Errorf("unknown tenant %s", tenantID)
	}
	store, err := r.open(tenantID)
	if err != nil {
		return nil, err
	}
	r.stores[tenantID] = store
	return store, nil
}

// Register installs a pre-opened store for the tenant, used in tests and by
// the sqlite local mode.
func (r *Resolver) Register(tenantID string, store *Store) {
	r.mu.Lock()
	r.stores[tenantID] = store
	r.mu.Unlock()
}
