package registry

import (
	"errors"
	"sync"

	"dragonfox-chatrelay/domain"
)

// ErrRoomExists is returned when an owner tries to create a second room.
var ErrRoomExists = errors.New("registry: owner already has a room")

// Rooms tracks every live room in creation order. Rooms are keyed by owner
// identity: one room per owner.
type Rooms struct {
	mu    sync.Mutex
	rooms []domain.Room
}

func NewRooms() *Rooms {
	return &Rooms{}
}

// Create inserts a room for owner with an empty guest list.
func (r *Rooms) Create(owner, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, room := range r.rooms {
		if room.Owner == owner {
			return ErrRoomExists
		}
	}
	// Guests starts non-nil so the room serializes with an empty list, not null.
	r.rooms = append(r.rooms, domain.Room{Owner: owner, Name: name, Guests: []string{}})
	return nil
}

// Join adds guest to owner's room. Unknown owner and already-present guest
// are both no-ops, so guests never accumulate duplicates.
func (r *Rooms) Join(owner, guest string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.rooms {
		if r.rooms[i].Owner != owner {
			continue
		}
		for _, g := range r.rooms[i].Guests {
			if g == guest {
				return
			}
		}
		r.rooms[i].Guests = append(r.rooms[i].Guests, guest)
		return
	}
}

// LeaveAll removes identity from every room's guest list.
func (r *Rooms) LeaveAll(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.rooms {
		guests := r.rooms[i].Guests[:0]
		for _, g := range r.rooms[i].Guests {
			if g != identity {
				guests = append(guests, g)
			}
		}
		r.rooms[i].Guests = guests
	}
}

// DeleteOwned removes every room owned by identity.
func (r *Rooms) DeleteOwned(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.rooms[:0]
	for _, room := range r.rooms {
		if room.Owner != identity {
			kept = append(kept, room)
		}
	}
	r.rooms = kept
}

// IsGuest reports whether identity is currently a guest of owner's room.
func (r *Rooms) IsGuest(identity, owner string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, room := range r.rooms {
		if room.Owner != owner {
			continue
		}
		for _, g := range room.Guests {
			if g == identity {
				return true
			}
		}
	}
	return false
}

// HasRoom reports whether owner currently owns a room.
func (r *Rooms) HasRoom(owner string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, room := range r.rooms {
		if room.Owner == owner {
			return true
		}
	}
	return false
}

// Snapshot returns a deep copy of the room list, safe to serialize without
// holding the lock.
func (r *Rooms) Snapshot() []domain.Room {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Room, len(r.rooms))
	for i, room := range r.rooms {
		guests := make([]string, len(room.Guests))
		copy(guests, room.Guests)
		out[i] = domain.Room{Owner: room.Owner, Name: room.Name, Guests: guests}
	}
	return out
}

// Count reports how many rooms exist.
func (r *Rooms) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
