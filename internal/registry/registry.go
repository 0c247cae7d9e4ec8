package registry

import (
	"encoding/json"
	"log/slog"
	"sync"

	"hakanai/internal/metrics"
	"hakanai/internal/model"
)

// Conn is a live connection as seen by the registry.
type Conn interface {
	ID() string
	// Deliver queues payload for the connection. It must not block; an error
	// means the connection can no longer keep up and is dropped.
	Deliver(payload []byte) error
	Close()
}

// Registry maps user ids to the set of connections ("room") each user
// currently has open. State lives only in memory.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[int64]map[string]Conn // user -> connection id -> connection
	owners  map[string]int64          // connection id -> user
	log     *slog.Logger
	metrics *metrics.Metrics
}

func New(log *slog.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		rooms:   make(map[int64]map[string]Conn),
		owners:  make(map[string]int64),
		log:     log,
		metrics: m,
	}
}

// Join adds conn to the room of userID. Joining the same room twice is a
// no-op; joining another room moves the connection.
func (r *Registry) Join(userID int64, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.owners[conn.ID()]; ok {
		if current == userID {
			return
		}
		r.removeLocked(current, conn.ID())
	} else {
		r.metrics.ConnectionJoined()
	}

	room, ok := r.rooms[userID]
	if !ok {
		room = make(map[string]Conn)
		r.rooms[userID] = room
	}
	room[conn.ID()] = conn
	r.owners[conn.ID()] = userID
}

// Leave removes conn from whichever room holds it and reports whether it was present.
func (r *Registry) Leave(conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.owners[conn.ID()]
	if !ok {
		return false
	}
	r.removeLocked(userID, conn.ID())
	delete(r.owners, conn.ID())
	r.metrics.ConnectionLeft()
	return true
}

func (r *Registry) removeLocked(userID int64, connID string) {
	room, ok := r.rooms[userID]
	if !ok {
		return
	}
	delete(room, connID)
	// 空になった部屋は残さない
	if len(room) == 0 {
		delete(r.rooms, userID)
	}
}

// Broadcast delivers ev to every connection of userID. An empty room is a
// silent no-op; nothing is queued for later.
func (r *Registry) Broadcast(userID int64, ev model.Event) {
	payload, ok := r.encode(ev)
	if !ok {
		return
	}

	r.mu.RLock()
	conns := make([]Conn, 0, len(r.rooms[userID]))
	for _, conn := range r.rooms[userID] {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	r.deliver(conns, payload, ev.Type)
}

// BroadcastAll delivers ev to every connection of every user.
func (r *Registry) BroadcastAll(ev model.Event) {
	payload, ok := r.encode(ev)
	if !ok {
		return
	}

	r.mu.RLock()
	conns := make([]Conn, 0, len(r.owners))
	for _, room := range r.rooms {
		for _, conn := range room {
			conns = append(conns, conn)
		}
	}
	r.mu.RUnlock()

	r.deliver(conns, payload, ev.Type)
}

// deliver runs outside the lock so a slow connection never blocks
// Join/Leave of others.
func (r *Registry) deliver(conns []Conn, payload []byte, eventType string) {
	for _, conn := range conns {
		if err := conn.Deliver(payload); err != nil {
			r.log.Warn("❌ Dropping connection after failed delivery",
				"conn", conn.ID(), "event", eventType, "error", err)
			if r.Leave(conn) {
				r.metrics.ConnectionDropped()
			}
			conn.Close()
		}
	}
}

func (r *Registry) encode(ev model.Event) ([]byte, bool) {
	payload, err := json.Marshal(ev)
	if err != nil {
		r.log.Error("Failed to marshal event", "event", ev.Type, "error", err)
		return nil, false
	}
	return payload, true
}

// Connections returns the number of live connections of userID.
func (r *Registry) Connections(userID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[userID])
}

// Users returns the number of users with at least one live connection.
func (r *Registry) Users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
