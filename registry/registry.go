// Package registry provides the tenant-scoped stage directory for turnflow.
// It maps (tenant, stage name) to the Stage handler that executes it.
//
// Each tenant owns an independent table with its own lock, so provisioning
// or tearing down one tenant never contends with lookups for another.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/petal-labs/turnflow/core"
)

// Sentinel errors returned by Registry operations.
var (
	ErrAlreadyRegistered = errors.New("stage already registered")
	ErrNotRegistered     = errors.New("stage not registered")
	ErrInvalidKey        = errors.New("invalid registry key")
)

// Registry holds stage handlers per tenant. The zero value is not usable;
// construct with New.
type Registry struct {
	tenants sync.Map // tenantID -> *table
}

type table struct {
	mu     sync.RWMutex
	stages map[core.StageName]core.Stage
	closed bool // set by TeardownTenant; writers must reload the tenant
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{}
}

func validKey(tenantID string, name core.StageName) error {
	if tenantID == "" {
		return fmt.Errorf("%w: empty tenant id", ErrInvalidKey)
	}
	if name == "" {
		return fmt.Errorf("%w: empty stage name", ErrInvalidKey)
	}
	return nil
}

// table returns the live table for tenantID, creating it when create is set.
func (r *Registry) table(tenantID string, create bool) *table {
	if v, ok := r.tenants.Load(tenantID); ok {
		return v.(*table)
	}
	if !create {
		return nil
	}
	v, _ := r.tenants.LoadOrStore(tenantID, &table{stages: make(map[core.StageName]core.Stage)})
	return v.(*table)
}

// write runs fn against the tenant's table under its write lock, retrying
// if the table was torn down concurrently.
func (r *Registry) write(tenantID string, fn func(t *table) error) error {
	for {
		t := r.table(tenantID, true)
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			continue
		}
		err := fn(t)
		t.mu.Unlock()
		return err
	}
}

// Register stores handler under (tenantID, name). It fails with
// ErrAlreadyRegistered when an entry already exists.
func (r *Registry) Register(tenantID string, name core.StageName, handler core.Stage) error {
	if err := validKey(tenantID, name); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler for %s", ErrInvalidKey, name)
	}
	return r.write(tenantID, func(t *table) error {
		if _, exists := t.stages[name]; exists {
			return fmt.Errorf("%w: %s/%s", ErrAlreadyRegistered, tenantID, name)
		}
		t.stages[name] = handler
		return nil
	})
}

// Replace stores handler under (tenantID, name), swapping out any existing
// entry as a whole.
func (r *Registry) Replace(tenantID string, name core.StageName, handler core.Stage) error {
	if err := validKey(tenantID, name); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler for %s", ErrInvalidKey, name)
	}
	return r.write(tenantID, func(t *table) error {
		t.stages[name] = handler
		return nil
	})
}

// Lookup returns the handler for (tenantID, name). A miss is reported with
// ok=false and is a normal condition.
func (r *Registry) Lookup(tenantID string, name core.StageName) (core.Stage, bool) {
	t := r.table(tenantID, false)
	if t == nil {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.stages[name]
	return h, ok
}

// Deregister removes the entry for (tenantID, name).
func (r *Registry) Deregister(tenantID string, name core.StageName) error {
	if err := validKey(tenantID, name); err != nil {
		return err
	}
	t := r.table(tenantID, false)
	if t == nil {
		return fmt.Errorf("%w: %s/%s", ErrNotRegistered, tenantID, name)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.stages[name]; !ok || t.closed {
		return fmt.Errorf("%w: %s/%s", ErrNotRegistered, tenantID, name)
	}
	delete(t.stages, name)
	return nil
}

// TeardownTenant removes every entry for tenantID and returns how many
// were removed.
func (r *Registry) TeardownTenant(tenantID string) int {
	v, ok := r.tenants.LoadAndDelete(tenantID)
	if !ok {
		return 0
	}
	t := v.(*table)
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.stages)
	t.closed = true
	t.stages = map[core.StageName]core.Stage{}
	return n
}

// ListStages returns the registered stage names for tenantID, sorted.
func (r *Registry) ListStages(tenantID string) []core.StageName {
	t := r.table(tenantID, false)
	if t == nil {
		return nil
	}
	t.mu.RLock()
	names := make([]core.StageName, 0, len(t.stages))
	for name := range t.stages {
		names = append(names, name)
	}
	t.mu.RUnlock()
	slices.Sort(names)
	return names
}

// Tenants returns the ids of tenants with a live table, sorted.
func (r *Registry) Tenants() []string {
	var ids []string
	r.tenants.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	slices.Sort(ids)
	return ids
}
