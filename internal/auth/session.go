package auth

import (
	"context"
	"errors"
	"sync"

	"github.com/mudvault/mesh/internal/store"
)

// DisplacementPolicy decides what happens when a second connection
// authenticates as a MUD name that already holds a LIVE connection.
// See DESIGN.md for the chosen default and the alternative it guards.
type DisplacementPolicy int

const (
	// DisplaceOld closes the existing connection and admits the new one.
	DisplaceOld DisplacementPolicy = iota
	// RefuseNew rejects the new connection, keeping the existing one live.
	RefuseNew
)

// ErrAlreadyAuthenticated is returned by Acquire under RefuseNew when a
// MUD name is already held by a live connection.
var ErrAlreadyAuthenticated = errors.New("auth: mud already has a live connection")

// SessionRegistry enforces the at-most-one-authenticated-connection
// invariant for each MUD name. It is backed by the shared store's
// connected_muds set plus a local map of connection ids, so a single
// gateway instance can answer "who currently holds this name locally"
// without a round trip.
type SessionRegistry struct {
	mu      sync.Mutex
	holders map[string]string // mudName -> local connection id
	store   store.Store
	policy  DisplacementPolicy
}

// NewSessionRegistry constructs a SessionRegistry.
func NewSessionRegistry(st store.Store, policy DisplacementPolicy) *SessionRegistry {
	return &SessionRegistry{holders: make(map[string]string), store: st, policy: policy}
}

// Acquire attempts to bind mudName to connID. If another LOCAL
// connection already holds mudName, evict is the connection id that
// must be closed (under DisplaceOld) or an error is returned (under
// RefuseNew). Cross-gateway displacement is handled by the caller via
// the shared store's connected_muds set, which Acquire also updates.
func (r *SessionRegistry) Acquire(ctx context.Context, mudName, connID string) (evict string, err error) {
	r.mu.Lock()
	existing, held := r.holders[mudName]
	if held && existing != connID {
		if r.policy == RefuseNew {
			r.mu.Unlock()
			return "", ErrAlreadyAuthenticated
		}
		evict = existing
	}
	r.holders[mudName] = connID
	r.mu.Unlock()

	if err := r.store.SAdd(ctx, store.ConnectedMuds, mudName); err != nil {
		return evict, err
	}
	return evict, nil
}

// Release unbinds mudName from connID if connID is still its current
// holder (a stale Release from an already-displaced connection is a
// no-op), and removes it from the shared connected_muds set.
func (r *SessionRegistry) Release(ctx context.Context, mudName, connID string) error {
	r.mu.Lock()
	current, held := r.holders[mudName]
	if held && current == connID {
		delete(r.holders, mudName)
	}
	r.mu.Unlock()

	if !held || current != connID {
		return nil
	}
	return r.store.SRem(ctx, store.ConnectedMuds, mudName)
}

// LocalHolder returns the local connection id currently bound to
// mudName, if any.
func (r *SessionRegistry) LocalHolder(mudName string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.holders[mudName]
	return id, ok
}
