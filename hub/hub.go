// Package hub tracks the set of active rooms, each room's live
// connections and its cached event history, and fans events out to
// room members. All mutation of a room's state happens under that
// room's mutex, so a history append and the broadcast that follows it
// are one logical step relative to other events in the same room.
package hub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Sohankurane/Real-time-Canvas-App/domain"
	"github.com/Sohankurane/Real-time-Canvas-App/history"
)

type room struct {
	name    string
	clients map[string]domain.Connection
	log     *history.Log
	loaded  bool
	// evicted marks a room removed from the registry so a Register
	// racing the removal never joins the orphaned object.
	evicted bool
	mu      sync.Mutex
}

type Hub struct {
	rooms    map[string]*room
	store    domain.Store
	capacity int
	mu       sync.Mutex
}

func New(store domain.Store, capacity int) *Hub {
	if capacity <= 0 {
		capacity = history.DefaultCapacity
	}
	return &Hub{
		rooms:    make(map[string]*room),
		store:    store,
		capacity: capacity,
	}
}

// Register adds a connection to its room, loading the room history
// from the store if this is the first connection to touch the room.
// The new connection alone receives an init message carrying the
// history with ephemeral entries filtered out.
func (h *Hub) Register(ctx context.Context, conn domain.Connection) {
	r := h.joinRoom(conn.Room())
	if !r.loaded {
		entries, err := h.store.LoadHistory(ctx, r.name)
		if err != nil {
			slog.Error("history load failed", "room", r.name, "error", err)
			entries = nil
		}
		r.log.Replace(entries)
		r.loaded = true
	}
	r.clients[conn.ID()] = conn
	count := len(r.clients)
	var filtered []string
	for _, e := range r.log.Entries() {
		if !domain.EntryKind(e).Ephemeral() {
			filtered = append(filtered, e)
		}
	}
	r.mu.Unlock()

	if err := conn.Send(domain.InitMessage(filtered)); err != nil {
		slog.Warn("init send failed, dropping connection", "room", r.name, "clientId", conn.ID(), "error", err)
		conn.Close()
		h.Unregister(ctx, conn)
		return
	}
	slog.Info("client connected", "room", r.name, "clientId", conn.ID(), "user", conn.Username(), "clients", count)
}

// joinRoom returns the live room object for the name, creating it if
// needed, with its mutex held. Fetching the room pointer and locking
// it are two steps; an eviction can slip between them, so a room that
// turns out to be evicted is abandoned and the lookup retried.
func (h *Hub) joinRoom(name string) *room {
	for {
		h.mu.Lock()
		r, exists := h.rooms[name]
		if !exists {
			r = &room{
				name:    name,
				clients: make(map[string]domain.Connection),
				log:     history.NewLog(h.capacity),
			}
			h.rooms[name] = r
		}
		h.mu.Unlock()

		r.mu.Lock()
		if !r.evicted {
			return r
		}
		r.mu.Unlock()
	}
}

// Unregister removes a connection from its room and tells the
// remaining members the user left. The last connection out evicts the
// room from the registry, dropping the history cache; the next
// Register reloads from the store.
func (h *Hub) Unregister(ctx context.Context, conn domain.Connection) {
	h.mu.Lock()
	r, exists := h.rooms[conn.Room()]
	h.mu.Unlock()
	if !exists {
		return
	}

	r.mu.Lock()
	if _, ok := r.clients[conn.ID()]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.clients, conn.ID())
	count := len(r.clients)
	var dead []domain.Connection
	if conn.Username() != "" && count > 0 {
		dead = r.sendLocked(domain.UserLeftMessage(conn.Username()), "")
	}
	r.mu.Unlock()

	slog.Info("client disconnected", "room", r.name, "clientId", conn.ID(), "user", conn.Username(), "clients", count)
	h.reap(ctx, dead)

	if count == 0 {
		h.mu.Lock()
		r.mu.Lock()
		if len(r.clients) == 0 {
			r.evicted = true
			delete(h.rooms, r.name)
			slog.Info("room evicted", "room", r.name)
		}
		r.mu.Unlock()
		h.mu.Unlock()
	}
}

// Broadcast relays data to every live connection in the room, the
// sender included.
func (h *Hub) Broadcast(ctx context.Context, roomName string, data []byte) {
	h.relay(ctx, roomName, "", data)
}

// BroadcastExcept relays data to every connection in the room except
// the sender's own.
func (h *Hub) BroadcastExcept(ctx context.Context, roomName string, sender domain.Connection, data []byte) {
	h.relay(ctx, roomName, sender.ID(), data)
}

// RecordAndBroadcast appends the event to the room's bounded history,
// persists the updated sequence, and relays the event to every
// connection in the room. Append and relay happen under the room lock;
// the persist happens after, and its failure is logged and absorbed.
func (h *Hub) RecordAndBroadcast(ctx context.Context, roomName string, data []byte) {
	r := h.room(roomName)
	if r == nil {
		return
	}

	r.mu.Lock()
	r.log.Append(string(data))
	entries := r.log.Entries()
	dead := r.sendLocked(data, "")
	r.mu.Unlock()

	if err := h.store.SaveHistory(ctx, roomName, entries); err != nil {
		slog.Error("history save failed", "room", roomName, "error", err)
	}
	h.reap(ctx, dead)
}

// ClearHistory empties the room's in-memory history and persists the
// empty sequence.
func (h *Hub) ClearHistory(ctx context.Context, roomName string) {
	r := h.room(roomName)
	if r == nil {
		return
	}

	r.mu.Lock()
	r.log.Clear()
	r.mu.Unlock()

	if err := h.store.SaveHistory(ctx, roomName, nil); err != nil {
		slog.Error("history save failed", "room", roomName, "error", err)
	}
}

// DeleteRoom evicts the room from the registry, drops its history
// cache, and cascades deletion through the store. Connections that
// were in the room stay open; they simply no longer belong to an
// active room.
func (h *Hub) DeleteRoom(ctx context.Context, roomName string) {
	h.mu.Lock()
	if r, exists := h.rooms[roomName]; exists {
		r.mu.Lock()
		r.evicted = true
		r.mu.Unlock()
		delete(h.rooms, roomName)
	}
	h.mu.Unlock()

	if err := h.store.DeleteRoomCascade(ctx, roomName); err != nil {
		slog.Error("room cascade delete failed", "room", roomName, "error", err)
	}
	slog.Info("room deleted", "room", roomName)
}

// History returns a copy of the room's cached history, or nil when the
// room is not active.
func (h *Hub) History(roomName string) []string {
	r := h.room(roomName)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log.Entries()
}

func (h *Hub) Stats() (rooms, clients int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rooms = len(h.rooms)
	for _, r := range h.rooms {
		r.mu.Lock()
		clients += len(r.clients)
		r.mu.Unlock()
	}
	return rooms, clients
}

func (h *Hub) room(name string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[name]
}

func (h *Hub) relay(ctx context.Context, roomName, exceptID string, data []byte) {
	r := h.room(roomName)
	if r == nil {
		return
	}

	r.mu.Lock()
	dead := r.sendLocked(data, exceptID)
	r.mu.Unlock()

	h.reap(ctx, dead)
}

// sendLocked delivers data to every client except exceptID and returns
// the connections whose send failed. Callers must hold r.mu. Failed
// connections are not removed here; tearing them down mid-iteration
// would mutate the map being walked.
func (r *room) sendLocked(data []byte, exceptID string) []domain.Connection {
	var dead []domain.Connection
	for id, conn := range r.clients {
		if id == exceptID {
			continue
		}
		if err := conn.Send(data); err != nil {
			slog.Warn("send failed", "room", r.name, "clientId", id, "error", err)
			dead = append(dead, conn)
		}
	}
	return dead
}

// reap tears down connections whose delivery failed, after the relay
// pass that detected them.
func (h *Hub) reap(ctx context.Context, dead []domain.Connection) {
	for _, conn := range dead {
		conn.Close()
		h.Unregister(ctx, conn)
	}
}
