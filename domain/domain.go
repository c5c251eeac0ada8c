package domain

import (
	"context"
	"strings"
	"time"
)

// Connection is an open transport handle bound to one room and one
// verified identity for its whole lifetime.
type Connection interface {
	ID() string
	Room() string
	Username() string
	Send(data []byte) error
	Close() error
}

// Registry owns the connect/disconnect lifecycle of connections.
type Registry interface {
	Register(ctx context.Context, conn Connection)
	Unregister(ctx context.Context, conn Connection)
}

// MessageHandler processes one received client message.
type MessageHandler interface {
	Handle(ctx context.Context, conn Connection, data []byte)
}

// RoomInfo describes a persisted room.
type RoomInfo struct {
	Name  string `json:"name"`
	Admin string `json:"admin_username"`
}

// SnapshotInfo is a snapshot listing entry. The payload is deliberately
// absent; it is fetched by id only when a restore is requested.
type SnapshotInfo struct {
	ID        int64     `json:"id"`
	SavedBy   string    `json:"saved_by"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatRecord is one persisted chat message.
type ChatRecord struct {
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the persistence collaborator. Implementations must treat a
// missing record as an absence, not an error; callers log and absorb
// failures on every path where the stored value is not itself the
// reply payload.
type Store interface {
	LoadHistory(ctx context.Context, room string) ([]string, error)
	SaveHistory(ctx context.Context, room string, entries []string) error

	SaveSnapshot(ctx context.Context, room, payload, creator string) error
	ListSnapshots(ctx context.Context, room string) ([]SnapshotInfo, error)
	// SnapshotPayload returns ok=false when no snapshot has the id.
	SnapshotPayload(ctx context.Context, id int64) (payload string, ok bool, err error)

	AppendChat(ctx context.Context, room, username, message string, ts time.Time) error
	ListChat(ctx context.Context, room string, limit int) ([]ChatRecord, error)

	CreateRoom(ctx context.Context, name, admin string) error
	ListRooms(ctx context.Context) ([]RoomInfo, error)
	IsRoomAdmin(ctx context.Context, room, username string) (bool, error)
	// DeleteRoomCascade removes the room and every dependent record
	// (history, snapshots, chat).
	DeleteRoomCascade(ctx context.Context, room string) error
}

// SameIdentity reports whether two identities refer to the same user.
// Admin comparison trims surrounding whitespace and case-folds, so
// " Alice " and "alice" match.
func SameIdentity(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
