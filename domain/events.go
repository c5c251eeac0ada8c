package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// EventKind is the closed set of client event discriminants. Anything
// the parser does not recognize maps to KindUnknown, which the router
// treats like a draw event (append + plain relay) so user intent is
// never silently dropped.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindDraw
	KindCursor
	KindUndo
	KindChat
	KindClear
	KindDeleteRoom
	KindSaveSnapshot
	KindRestoreSnapshot
	KindGetSnapshots
	KindWebRTCOffer
	KindWebRTCAnswer
	KindWebRTCCandidate
)

var kindByType = map[string]EventKind{
	"draw":             KindDraw,
	"cursor":           KindCursor,
	"undo":             KindUndo,
	"chat":             KindChat,
	"clear":            KindClear,
	"delete_room":      KindDeleteRoom,
	"save_snapshot":    KindSaveSnapshot,
	"restore_snapshot": KindRestoreSnapshot,
	"get_snapshots":    KindGetSnapshots,
	"webrtc-offer":     KindWebRTCOffer,
	"webrtc-answer":    KindWebRTCAnswer,
	"webrtc-candidate": KindWebRTCCandidate,
}

// KindOf maps a wire discriminant to its kind.
func KindOf(eventType string) EventKind {
	if k, ok := kindByType[eventType]; ok {
		return k
	}
	return KindUnknown
}

// Ephemeral reports whether the kind is excluded from history and
// persistence.
func (k EventKind) Ephemeral() bool {
	return k == KindCursor || k == KindUndo
}

// Exclusive reports whether the kind is relayed to everyone except the
// sender (peer-negotiation traffic).
func (k EventKind) Exclusive() bool {
	switch k {
	case KindWebRTCOffer, KindWebRTCAnswer, KindWebRTCCandidate:
		return true
	}
	return false
}

// Envelope is the decoded shape of a client event. Only the fields the
// router acts on are decoded; the raw bytes are what gets relayed and
// recorded.
type Envelope struct {
	Type       string `json:"type"`
	Username   string `json:"username"`
	Message    string `json:"message"`
	Timestamp  string `json:"timestamp"`
	Snapshot   string `json:"snapshot"`
	SnapshotID int64  `json:"snapshot_id"`
}

// Kind returns the event kind for the envelope's discriminant.
func (e *Envelope) Kind() EventKind {
	return KindOf(e.Type)
}

// ChatTime parses the event timestamp, falling back to now when the
// field is missing or unparseable.
func (e *Envelope) ChatTime(now time.Time) time.Time {
	if e.Timestamp == "" {
		return now
	}
	ts, err := time.Parse(time.RFC3339, e.Timestamp)
	if err != nil {
		return now
	}
	return ts
}

// ParseEnvelope decodes raw client bytes into an envelope. A field of
// the wrong JSON type does not make the whole event malformed: the
// decoder fills everything else, the discriminant included, so the
// event still routes on its type and only the mistyped field falls
// back to its zero value.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return &e, nil
		}
		return nil, err
	}
	return &e, nil
}

// EntryKind inspects a stored history entry and returns its kind.
// Undecodable entries count as unknown.
func EntryKind(entry string) EventKind {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(entry), &probe); err != nil {
		return KindUnknown
	}
	return KindOf(probe.Type)
}

// Server-to-client control messages. Marshal errors cannot occur for
// these shapes, so the builders return bytes directly.

func InitMessage(history []string) []byte {
	entries := make([]json.RawMessage, 0, len(history))
	for _, h := range history {
		// Entries that are not valid JSON would corrupt the whole
		// init payload, so they are skipped here.
		if !json.Valid([]byte(h)) {
			continue
		}
		entries = append(entries, json.RawMessage(h))
	}
	data, _ := json.Marshal(map[string]any{
		"type":    "init",
		"history": entries,
	})
	return data
}

func UserLeftMessage(username string) []byte {
	data, _ := json.Marshal(map[string]any{
		"type":     "user_left",
		"username": username,
	})
	return data
}

func ErrorMessage(msg string) []byte {
	data, _ := json.Marshal(map[string]any{
		"type":    "error",
		"message": msg,
	})
	return data
}

func InfoMessage(msg string) []byte {
	data, _ := json.Marshal(map[string]any{
		"type":    "info",
		"message": msg,
	})
	return data
}

func SnapshotsHistoryMessage(snapshots []SnapshotInfo) []byte {
	if snapshots == nil {
		snapshots = []SnapshotInfo{}
	}
	data, _ := json.Marshal(map[string]any{
		"type":      "snapshots_history",
		"snapshots": snapshots,
	})
	return data
}

func SnapshotRestoredMessage(id int64, payload, restoredBy string) []byte {
	data, _ := json.Marshal(map[string]any{
		"type":          "snapshot_restored",
		"snapshot_id":   id,
		"snapshot_data": payload,
		"restored_by":   restoredBy,
	})
	return data
}
