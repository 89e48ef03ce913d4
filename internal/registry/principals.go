// Package registry maps live transport connections to durable principal
// identities so encrypted deliveries reach the right peer across reconnects.
package registry

import (
	"errors"
	"sync"
	"time"
)

// Binding records a live connection attached to a principal.
type Binding struct {
	ConnectionID string
	Principal    string
	IdentityKey  []byte
	ConnectedAt  time.Time
}

// PrincipalRegistry owns both directions of the connection/principal
// mapping. The two maps are mutated only together, under one lock, so the
// invariant "connection c maps to principal p iff p maps back to c" holds
// after every call.
type PrincipalRegistry interface {
	Register(b Binding) error
	Unregister(connectionID string) (string, bool)
	ConnectionFor(principal string) (string, bool)
	PrincipalFor(connectionID string) (string, bool)
	IdentityKeyFor(principal string) ([]byte, bool)
	Online() []string
}

// InMemoryRegistry backs the registry with lock-protected maps.
type InMemoryRegistry struct {
	mu          sync.RWMutex
	byConn      map[string]Binding
	byPrincipal map[string]string
	nowFn       func() time.Time
}

// NewInMemory creates an empty registry.
func NewInMemory() *InMemoryRegistry {
	return &InMemoryRegistry{
		byConn:      make(map[string]Binding),
		byPrincipal: make(map[string]string),
		nowFn:       time.Now,
	}
}

// Register attaches a connection to a principal. A connection holds at most
// one principal; registering over an existing mapping replaces it, and a
// reconnecting principal evicts its stale connection. Both directions are
// updated under the same lock.
func (r *InMemoryRegistry) Register(b Binding) error {
	if b.ConnectionID == "" {
		return errors.New("connection id is required")
	}
	if b.Principal == "" {
		return errors.New("principal is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if b.ConnectedAt.IsZero() {
		b.ConnectedAt = r.nowFn()
	}
	b.IdentityKey = append([]byte(nil), b.IdentityKey...)

	if prev, ok := r.byConn[b.ConnectionID]; ok {
		delete(r.byPrincipal, prev.Principal)
	}
	if staleConn, ok := r.byPrincipal[b.Principal]; ok {
		delete(r.byConn, staleConn)
	}

	r.byConn[b.ConnectionID] = b
	r.byPrincipal[b.Principal] = b.ConnectionID
	return nil
}

// Unregister detaches a connection, returning the principal it carried.
// Unknown connections are a no-op.
func (r *InMemoryRegistry) Unregister(connectionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.byConn[connectionID]
	if !ok {
		return "", false
	}
	delete(r.byConn, connectionID)
	// Only clear the reverse mapping if it still points here; a reconnect
	// may already have rebound the principal to a newer connection.
	if r.byPrincipal[b.Principal] == connectionID {
		delete(r.byPrincipal, b.Principal)
	}
	return b.Principal, true
}

// ConnectionFor resolves the live connection for a principal.
func (r *InMemoryRegistry) ConnectionFor(principal string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byPrincipal[principal]
	return conn, ok
}

// PrincipalFor resolves the principal bound to a connection.
func (r *InMemoryRegistry) PrincipalFor(connectionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byConn[connectionID]
	return b.Principal, ok
}

// IdentityKeyFor returns the public identity key the principal presented at
// connect time, if any.
func (r *InMemoryRegistry) IdentityKeyFor(principal string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.byPrincipal[principal]
	if !ok {
		return nil, false
	}
	b, ok := r.byConn[conn]
	if !ok || len(b.IdentityKey) == 0 {
		return nil, false
	}
	return append([]byte(nil), b.IdentityKey...), true
}

// Online enumerates principals with a live connection.
func (r *InMemoryRegistry) Online() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byPrincipal))
	for principal := range r.byPrincipal {
		out = append(out, principal)
	}
	return out
}
