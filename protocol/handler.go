// Package protocol routes decoded client events to the right relay
// and persistence behavior.
package protocol

import (
	"context"
	"log/slog"
	"time"

	"github.com/Sohankurane/Real-time-Canvas-App/domain"
	"github.com/Sohankurane/Real-time-Canvas-App/hub"
)

// Handler dispatches one client event at a time for a connection. The
// read loop calls Handle synchronously, so per-sender order is
// preserved end-to-end.
type Handler struct {
	hub   *hub.Hub
	store domain.Store
	now   func() time.Time
}

func NewHandler(h *hub.Hub, store domain.Store) *Handler {
	return &Handler{hub: h, store: store, now: time.Now}
}

// Handle classifies the raw event and runs the matching branch. A
// payload that fails to decode is logged and degrades to the default
// path (history append + plain relay) rather than being dropped.
func (h *Handler) Handle(ctx context.Context, conn domain.Connection, data []byte) {
	roomName := conn.Room()
	event, err := domain.ParseEnvelope(data)
	if err != nil {
		slog.Warn("undecodable event, relaying as-is", "room", roomName, "clientId", conn.ID(), "error", err)
		event = &domain.Envelope{}
	}

	switch kind := event.Kind(); kind {
	case domain.KindChat:
		h.persistChat(ctx, roomName, conn, event)
		h.hub.Broadcast(ctx, roomName, data)

	case domain.KindClear:
		if !h.isAdmin(ctx, roomName, conn.Username()) {
			slog.Warn("clear denied", "room", roomName, "user", conn.Username())
			h.sendTo(ctx, conn, domain.ErrorMessage("Only the room admin can clear the board."))
			return
		}
		h.hub.ClearHistory(ctx, roomName)
		slog.Info("board cleared", "room", roomName, "user", conn.Username())
		h.hub.Broadcast(ctx, roomName, data)

	case domain.KindDeleteRoom:
		if !h.isAdmin(ctx, roomName, conn.Username()) {
			slog.Warn("room delete denied", "room", roomName, "user", conn.Username())
			h.hub.Broadcast(ctx, roomName, domain.ErrorMessage("Only admin can delete the room."))
			return
		}
		// Members get the notice while the room is still registered;
		// the eviction would otherwise swallow it.
		h.hub.Broadcast(ctx, roomName, domain.InfoMessage("Room deleted by admin."))
		h.hub.DeleteRoom(ctx, roomName)

	case domain.KindSaveSnapshot:
		if err := h.store.SaveSnapshot(ctx, roomName, event.Snapshot, event.Username); err != nil {
			slog.Error("snapshot save failed", "room", roomName, "error", err)
		}
		h.broadcastSnapshotList(ctx, roomName)

	case domain.KindRestoreSnapshot:
		payload, ok, err := h.store.SnapshotPayload(ctx, event.SnapshotID)
		if err != nil {
			slog.Error("snapshot lookup failed", "room", roomName, "snapshotId", event.SnapshotID, "error", err)
			return
		}
		if !ok {
			slog.Warn("snapshot not found", "room", roomName, "snapshotId", event.SnapshotID)
			return
		}
		slog.Info("snapshot restored", "room", roomName, "snapshotId", event.SnapshotID, "user", event.Username)
		h.hub.Broadcast(ctx, roomName, domain.SnapshotRestoredMessage(event.SnapshotID, payload, event.Username))

	case domain.KindGetSnapshots:
		h.broadcastSnapshotList(ctx, roomName)

	case domain.KindCursor, domain.KindUndo:
		h.hub.Broadcast(ctx, roomName, data)

	case domain.KindWebRTCOffer, domain.KindWebRTCAnswer, domain.KindWebRTCCandidate:
		h.hub.BroadcastExcept(ctx, roomName, conn, data)

	case domain.KindDraw, domain.KindUnknown:
		h.hub.RecordAndBroadcast(ctx, roomName, data)
	}
}

func (h *Handler) persistChat(ctx context.Context, roomName string, conn domain.Connection, event *domain.Envelope) {
	username := event.Username
	if username == "" {
		username = conn.Username()
	}
	ts := event.ChatTime(h.now())
	if err := h.store.AppendChat(ctx, roomName, username, event.Message, ts); err != nil {
		slog.Error("chat save failed", "room", roomName, "user", username, "error", err)
	}
}

func (h *Handler) broadcastSnapshotList(ctx context.Context, roomName string) {
	snapshots, err := h.store.ListSnapshots(ctx, roomName)
	if err != nil {
		slog.Error("snapshot list failed", "room", roomName, "error", err)
		return
	}
	h.hub.Broadcast(ctx, roomName, domain.SnapshotsHistoryMessage(snapshots))
}

// isAdmin asks the store; a lookup failure or a missing room record
// both answer false, never an error.
func (h *Handler) isAdmin(ctx context.Context, roomName, username string) bool {
	ok, err := h.store.IsRoomAdmin(ctx, roomName, username)
	if err != nil {
		slog.Error("admin lookup failed", "room", roomName, "user", username, "error", err)
		return false
	}
	return ok
}

func (h *Handler) sendTo(ctx context.Context, conn domain.Connection, data []byte) {
	if err := conn.Send(data); err != nil {
		slog.Warn("send failed", "room", conn.Room(), "clientId", conn.ID(), "error", err)
		conn.Close()
		h.hub.Unregister(ctx, conn)
	}
}
