package roomrelay

import (
	"sync"
)

type clientEntry struct {
	peer Peer
	room RoomID
}

// Registry maps live connections to their room. Every operation holds the
// registry lock for its full duration; nothing is sent while it is held.
type Registry struct {
	entries map[ConnID]*clientEntry

	mux sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[ConnID]*clientEntry),
	}
}

// Register inserts peer into room, replacing any entry with the same ID.
func (r *Registry) Register(p Peer, room RoomID) (replaced bool) {
	r.mux.Lock()
	defer r.mux.Unlock()

	_, replaced = r.entries[p.ID()]
	r.entries[p.ID()] = &clientEntry{peer: p, room: room}
	return replaced
}

func (r *Registry) Reassign(id ConnID, room RoomID) bool {
	r.mux.Lock()
	defer r.mux.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return false
	}
	e.room = room
	return true
}

func (r *Registry) Remove(id ConnID) bool {
	r.mux.Lock()
	defer r.mux.Unlock()

	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	return true
}

func (r *Registry) Lookup(id ConnID) (Peer, RoomID, bool) {
	r.mux.RLock()
	defer r.mux.RUnlock()

	if e, ok := r.entries[id]; ok {
		return e.peer, e.room, true
	} else {
		return nil, Unassigned, false
	}
}

// Members returns the peers in room other than exclude, as of the call.
// The result is a copy; later registry changes are not reflected in it.
func (r *Registry) Members(room RoomID, exclude ConnID) []Peer {
	r.mux.RLock()
	defer r.mux.RUnlock()

	ps := make([]Peer, 0, len(r.entries))
	for id, e := range r.entries {
		if id == exclude || e.room != room {
			continue
		}
		ps = append(ps, e.peer)
	}
	return ps
}

func (r *Registry) Len() int {
	r.mux.RLock()
	defer r.mux.RUnlock()
	return len(r.entries)
}

// RoomCounts returns the number of members per occupied room.
func (r *Registry) RoomCounts() map[RoomID]int {
	r.mux.RLock()
	defer r.mux.RUnlock()

	counts := make(map[RoomID]int)
	for _, e := range r.entries {
		counts[e.room]++
	}
	return counts
}
