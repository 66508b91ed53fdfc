package server

import (
	"errors"
	"slices"
	"sync"

	"github.com/samber/lo"
)

var (
	// ErrIdentityTaken is returned when an identity already has a live session.
	ErrIdentityTaken = errors.New("server: identity already registered")
	// ErrIdentityNotFound is returned when no live session holds an identity.
	ErrIdentityNotFound = errors.New("server: identity not found")
)

// Handle is the delivery side of a live session as seen by the registry and
// the router. Close starts the owning session's closing sequence.
type Handle interface {
	Send(message string) error
	Close()
}

// Registry maps online identities to their delivery handles. It is the only
// record of who is online; it references handles but never owns them.
type Registry struct {
	mutex   sync.RWMutex
	handles map[string]Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]Handle)}
}

// Register atomically claims identity for handle. On success it returns the
// sorted roster of identities that were already online.
func (r *Registry) Register(identity string, handle Handle) ([]string, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.handles[identity]; exists {
		return nil, ErrIdentityTaken
	}

	roster := lo.Keys(r.handles)
	slices.Sort(roster)
	r.handles[identity] = handle
	return roster, nil
}

// Unregister removes identity. Removing an absent identity is a no-op.
func (r *Registry) Unregister(identity string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	delete(r.handles, identity)
}

// Lookup returns the handle registered for identity.
func (r *Registry) Lookup(identity string) (Handle, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	handle, ok := r.handles[identity]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	return handle, nil
}

// Snapshot returns the sorted roster of online identities.
func (r *Registry) Snapshot() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	roster := lo.Keys(r.handles)
	slices.Sort(roster)
	return roster
}

// Len reports how many identities are online.
func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return len(r.handles)
}

type recipient struct {
	identity string
	handle   Handle
}

// recipients returns a consistent copy of every registration except exclude.
func (r *Registry) recipients(exclude string) []recipient {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	entries := lo.MapToSlice(r.handles, func(identity string, handle Handle) recipient {
		return recipient{identity: identity, handle: handle}
	})
	return lo.Filter(entries, func(entry recipient, _ int) bool {
		return entry.identity != exclude
	})
}
