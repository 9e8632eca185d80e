// Package registry holds the shared state every session reads and mutates:
// the list of connected identities and the list of rooms. Each registry is
// guarded by its own mutex, held only across the in-memory update; callers
// serialize snapshots outside the lock.
package registry

import (
	"errors"
	"sync"
)

// ErrNameTaken is returned when an identity is already connected under the
// requested name.
var ErrNameTaken = errors.New("registry: name already taken")

// Presence tracks the display names of connected, introduced sessions in
// connection order.
type Presence struct {
	mu    sync.Mutex
	names []string
}

func NewPresence() *Presence {
	return &Presence{}
}

// Add registers name, rejecting duplicates so that message addressing stays
// unambiguous.
func (p *Presence) Add(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, n := range p.names {
		if n == name {
			return ErrNameTaken
		}
	}
	p.names = append(p.names, name)
	return nil
}

// Remove unregisters name. Removing an absent name is a no-op.
func (p *Presence) Remove(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, n := range p.names {
		if n == name {
			p.names = append(p.names[:i], p.names[i+1:]...)
			return
		}
	}
}

func (p *Presence) Contains(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, n := range p.names {
		if n == name {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the current names, safe to serialize without
// holding the lock.
func (p *Presence) Snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, len(p.names))
	copy(out, p.names)
	return out
}

// Count reports how many identities are connected.
func (p *Presence) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.names)
}
