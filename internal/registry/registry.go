package registry

import (
	"sync"

	"github.com/victornm/slangquiz/internal/errors"
)

// Entry is the address a connection was opened with.
type Entry struct {
	GameID     string
	PlayerName string
}

// Registry maps connection ids to the game and player they belong to.
type Registry struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func New() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register records a new connection. A connection id can be registered only once.
func (r *Registry) Register(connID string, e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[connID]; ok {
		return errors.New(errors.CodeAlreadyExists, errors.WithMessagef("connection already registered: conn=%s", connID))
	}

	r.entries[connID] = e
	return nil
}

func (r *Registry) Lookup(connID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[connID]
	return e, ok
}

// Remove erases the entry and returns it. Only the first call for a connection
// reports ok, so callers can use it to run cleanup exactly once.
func (r *Registry) Remove(connID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[connID]
	if ok {
		delete(r.entries, connID)
	}

	return e, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}
