package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sohankurane/Real-time-Canvas-App/domain"
	"github.com/Sohankurane/Real-time-Canvas-App/hub"
)

type mockConn struct {
	id       string
	room     string
	username string
	received [][]byte
	mu       sync.Mutex
}

func (m *mockConn) ID() string       { return m.id }
func (m *mockConn) Room() string     { return m.room }
func (m *mockConn) Username() string { return m.username }

func (m *mockConn) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = append(m.received, data)
	return nil
}

func (m *mockConn) Close() error { return nil }

// messages returns everything received after the init message, decoded.
func (m *mockConn) messages(t *testing.T) []map[string]any {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []map[string]any
	for _, data := range m.received[1:] {
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(data, &decoded))
		out = append(out, decoded)
	}
	return out
}

func (m *mockConn) messageTypes(t *testing.T) []string {
	t.Helper()
	var types []string
	for _, msg := range m.messages(t) {
		types = append(types, msg["type"].(string))
	}
	return types
}

type snapshotRow struct {
	id      int64
	room    string
	savedBy string
	payload string
}

type chatRow struct {
	room     string
	username string
	message  string
	ts       time.Time
}

type mockStore struct {
	histories map[string][]string
	admins    map[string]string
	snapshots []snapshotRow
	nextID    int64
	chats     []chatRow
	cascaded  []string
	chatErr   error
	adminErr  error
	mu        sync.Mutex
}

func newMockStore() *mockStore {
	return &mockStore{
		histories: make(map[string][]string),
		admins:    make(map[string]string),
		nextID:    1,
	}
}

func (m *mockStore) LoadHistory(ctx context.Context, room string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.histories[room]...), nil
}

func (m *mockStore) SaveHistory(ctx context.Context, room string, entries []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histories[room] = append([]string(nil), entries...)
	return nil
}

func (m *mockStore) SaveSnapshot(ctx context.Context, room, payload, creator string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, snapshotRow{
		id:      m.nextID,
		room:    room,
		savedBy: creator,
		payload: payload,
	})
	m.nextID++
	return nil
}

func (m *mockStore) ListSnapshots(ctx context.Context, room string) ([]domain.SnapshotInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var infos []domain.SnapshotInfo
	for i := len(m.snapshots) - 1; i >= 0; i-- {
		if m.snapshots[i].room == room {
			infos = append(infos, domain.SnapshotInfo{
				ID:      m.snapshots[i].id,
				SavedBy: m.snapshots[i].savedBy,
			})
		}
	}
	return infos, nil
}

func (m *mockStore) SnapshotPayload(ctx context.Context, id int64) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.snapshots {
		if s.id == id {
			return s.payload, true, nil
		}
	}
	return "", false, nil
}

func (m *mockStore) AppendChat(ctx context.Context, room, username, message string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.chatErr != nil {
		return m.chatErr
	}
	m.chats = append(m.chats, chatRow{room: room, username: username, message: message, ts: ts})
	return nil
}

func (m *mockStore) ListChat(ctx context.Context, room string, limit int) ([]domain.ChatRecord, error) {
	return nil, nil
}

func (m *mockStore) CreateRoom(ctx context.Context, name, admin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.admins[name] = admin
	return nil
}

func (m *mockStore) ListRooms(ctx context.Context) ([]domain.RoomInfo, error) { return nil, nil }

func (m *mockStore) IsRoomAdmin(ctx context.Context, room, username string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.adminErr != nil {
		return false, m.adminErr
	}
	admin, ok := m.admins[room]
	if !ok {
		return false, nil
	}
	return domain.SameIdentity(admin, username), nil
}

func (m *mockStore) DeleteRoomCascade(ctx context.Context, room string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cascaded = append(m.cascaded, room)
	delete(m.admins, room)
	delete(m.histories, room)
	var snapshots []snapshotRow
	for _, s := range m.snapshots {
		if s.room != room {
			snapshots = append(snapshots, s)
		}
	}
	m.snapshots = snapshots
	return nil
}

func (m *mockStore) savedHistory(room string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.histories[room]...)
}

func (m *mockStore) savedChats() []chatRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]chatRow(nil), m.chats...)
}

type fixture struct {
	store   *mockStore
	hub     *hub.Hub
	handler *Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := newMockStore()
	h := hub.New(st, 10)
	return &fixture{store: st, hub: h, handler: NewHandler(h, st)}
}

func (f *fixture) join(ctx context.Context, id, room, username string) *mockConn {
	conn := &mockConn{id: id, room: room, username: username}
	f.hub.Register(ctx, conn)
	return conn
}

func TestHandle_DrawAppendsAndRelays(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.join(ctx, "a", "r1", "alice")
	bob := f.join(ctx, "b", "r1", "bob")

	draw := `{"type":"draw","from":[0,0],"to":[10,10],"color":"#000","thickness":3}`
	f.handler.Handle(ctx, bob, []byte(draw))

	assert.Equal(t, []string{"draw"}, alice.messageTypes(t))
	assert.Equal(t, []string{"draw"}, bob.messageTypes(t), "plain relay includes the sender")
	assert.Equal(t, []string{draw}, f.hub.History("r1"))
	assert.Equal(t, []string{draw}, f.store.savedHistory("r1"))
}

func TestHandle_MalformedEventDegradesToDefaultPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.join(ctx, "a", "r1", "alice")
	bob := f.join(ctx, "b", "r1", "bob")

	f.handler.Handle(ctx, bob, []byte("{{{not json"))

	// The raw bytes are still relayed and recorded.
	require.Len(t, alice.received, 2)
	assert.Equal(t, "{{{not json", string(alice.received[1]))
	assert.Equal(t, []string{"{{{not json"}, f.hub.History("r1"))
}

func TestHandle_UnknownTypeTakesDefaultPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.join(ctx, "a", "r1", "alice")

	f.handler.Handle(ctx, alice, []byte(`{"type":"sparkle"}`))

	assert.Equal(t, []string{"sparkle"}, alice.messageTypes(t))
	assert.Len(t, f.hub.History("r1"), 1)
}

func TestHandle_EphemeralEventsSkipHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.join(ctx, "a", "r1", "alice")
	bob := f.join(ctx, "b", "r1", "bob")

	f.handler.Handle(ctx, bob, []byte(`{"type":"cursor","x":3,"y":4}`))
	f.handler.Handle(ctx, bob, []byte(`{"type":"undo"}`))

	assert.Equal(t, []string{"cursor", "undo"}, alice.messageTypes(t))
	assert.Equal(t, []string{"cursor", "undo"}, bob.messageTypes(t))
	assert.Empty(t, f.hub.History("r1"))
	assert.Empty(t, f.store.savedHistory("r1"))
}

func TestHandle_ChatPersistsAndRelays(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.join(ctx, "a", "r1", "alice")
	bob := f.join(ctx, "b", "r1", "bob")

	f.handler.Handle(ctx, bob, []byte(`{"type":"chat","username":"bob","message":"hello","timestamp":"2024-05-01T10:00:00Z"}`))

	chats := f.store.savedChats()
	require.Len(t, chats, 1)
	assert.Equal(t, "r1", chats[0].room)
	assert.Equal(t, "bob", chats[0].username)
	assert.Equal(t, "hello", chats[0].message)
	assert.True(t, chats[0].ts.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))

	assert.Equal(t, []string{"chat"}, alice.messageTypes(t))
	assert.Equal(t, []string{"chat"}, bob.messageTypes(t))
	assert.Empty(t, f.hub.History("r1"), "chat never enters history")
}

func TestHandle_ChatWithEpochTimestampStaysOnChatPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	bob := f.join(ctx, "b", "r1", "bob")

	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	f.handler.now = func() time.Time { return now }

	// Some clients stamp chat with epoch milliseconds instead of an
	// RFC 3339 string. The event must still be treated as chat, not
	// fall into the history path as an unparseable payload.
	f.handler.Handle(ctx, bob, []byte(`{"type":"chat","username":"bob","message":"hi","timestamp":1714550400000}`))

	chats := f.store.savedChats()
	require.Len(t, chats, 1)
	assert.Equal(t, "bob", chats[0].username)
	assert.Equal(t, "hi", chats[0].message)
	assert.True(t, chats[0].ts.Equal(now))

	assert.Equal(t, []string{"chat"}, bob.messageTypes(t))
	assert.Empty(t, f.hub.History("r1"))
	assert.Empty(t, f.store.savedHistory("r1"))
}

func TestHandle_ChatTimestampFallsBackToReceiptTime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	bob := f.join(ctx, "b", "r1", "bob")

	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	f.handler.now = func() time.Time { return now }

	f.handler.Handle(ctx, bob, []byte(`{"type":"chat","username":"bob","message":"hi"}`))

	chats := f.store.savedChats()
	require.Len(t, chats, 1)
	assert.True(t, chats[0].ts.Equal(now))
}

func TestHandle_ChatPersistFailureStillRelays(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.chatErr = errors.New("db down")
	bob := f.join(ctx, "b", "r1", "bob")

	f.handler.Handle(ctx, bob, []byte(`{"type":"chat","username":"bob","message":"hi"}`))

	assert.Equal(t, []string{"chat"}, bob.messageTypes(t))
}

func TestHandle_ClearByNonAdmin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.CreateRoom(ctx, "r1", "alice"))
	alice := f.join(ctx, "a", "r1", "alice")
	bob := f.join(ctx, "b", "r1", "bob")

	f.handler.Handle(ctx, bob, []byte(`{"type":"draw"}`))
	f.handler.Handle(ctx, bob, []byte(`{"type":"clear"}`))

	// Only the requester hears about it, and nothing changed.
	assert.Equal(t, []string{"draw", "error"}, bob.messageTypes(t))
	assert.Equal(t, []string{"draw"}, alice.messageTypes(t))
	assert.Len(t, f.hub.History("r1"), 1)
	assert.Len(t, f.store.savedHistory("r1"), 1)
}

func TestHandle_ClearByAdmin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.CreateRoom(ctx, "r1", "alice"))
	alice := f.join(ctx, "a", "r1", "alice")
	bob := f.join(ctx, "b", "r1", "bob")

	f.handler.Handle(ctx, bob, []byte(`{"type":"draw"}`))
	f.handler.Handle(ctx, alice, []byte(`{"type":"clear"}`))

	assert.Empty(t, f.hub.History("r1"))
	assert.Empty(t, f.store.savedHistory("r1"))
	// The clear event itself is relayed so clients wipe their
	// canvases, but it is not recorded.
	assert.Equal(t, []string{"draw", "clear"}, bob.messageTypes(t))
	assert.Equal(t, []string{"draw", "clear"}, alice.messageTypes(t))
}

func TestHandle_ClearAdminIdentityNormalized(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.CreateRoom(ctx, "r1", " Alice "))
	alice := f.join(ctx, "a", "r1", "alice")

	f.handler.Handle(ctx, alice, []byte(`{"type":"draw"}`))
	f.handler.Handle(ctx, alice, []byte(`{"type":"clear"}`))

	assert.Empty(t, f.hub.History("r1"))
}

func TestHandle_ClearAdminLookupFailureDenies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.CreateRoom(ctx, "r1", "alice"))
	f.store.adminErr = errors.New("db down")
	alice := f.join(ctx, "a", "r1", "alice")

	f.handler.Handle(ctx, alice, []byte(`{"type":"clear"}`))

	assert.Equal(t, []string{"error"}, alice.messageTypes(t))
}

func TestHandle_DeleteRoomByAdmin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.CreateRoom(ctx, "r1", "alice"))
	alice := f.join(ctx, "a", "r1", "alice")
	bob := f.join(ctx, "b", "r1", "bob")

	f.handler.Handle(ctx, bob, []byte(`{"type":"draw"}`))
	f.handler.Handle(ctx, alice, []byte(`{"type":"delete_room"}`))

	// Everyone got the notice before the room vanished.
	assert.Equal(t, []string{"draw", "info"}, alice.messageTypes(t))
	assert.Equal(t, []string{"draw", "info"}, bob.messageTypes(t))

	rooms, _ := f.hub.Stats()
	assert.Equal(t, 0, rooms)
	assert.Equal(t, []string{"r1"}, f.store.cascaded)

	// A fresh connect sees a brand-new room: no history, no admin.
	carol := f.join(ctx, "c", "r1", "carol")
	var init struct {
		History []json.RawMessage `json:"history"`
	}
	require.NoError(t, json.Unmarshal(carol.received[0], &init))
	assert.Empty(t, init.History)
	isAdmin, err := f.store.IsRoomAdmin(ctx, "r1", "alice")
	require.NoError(t, err)
	assert.False(t, isAdmin)
}

func TestHandle_DeleteRoomByNonAdmin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.CreateRoom(ctx, "r1", "alice"))
	alice := f.join(ctx, "a", "r1", "alice")
	bob := f.join(ctx, "b", "r1", "bob")

	f.handler.Handle(ctx, bob, []byte(`{"type":"delete_room"}`))

	// The refusal goes to the whole room, and nothing was deleted.
	assert.Equal(t, []string{"error"}, alice.messageTypes(t))
	assert.Equal(t, []string{"error"}, bob.messageTypes(t))
	rooms, _ := f.hub.Stats()
	assert.Equal(t, 1, rooms)
	assert.Empty(t, f.store.cascaded)
}

func TestHandle_SaveSnapshotBroadcastsRefreshedList(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.join(ctx, "a", "r1", "alice")
	bob := f.join(ctx, "b", "r1", "bob")

	f.handler.Handle(ctx, bob, []byte(`{"type":"save_snapshot","snapshot":"payload-1","username":"bob"}`))

	for _, conn := range []*mockConn{alice, bob} {
		msgs := conn.messages(t)
		require.Len(t, msgs, 1)
		assert.Equal(t, "snapshots_history", msgs[0]["type"])
		assert.Len(t, msgs[0]["snapshots"], 1)
	}
	assert.Empty(t, f.hub.History("r1"), "snapshot ops never touch history")
}

func TestHandle_SnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	bob := f.join(ctx, "b", "r1", "bob")

	f.handler.Handle(ctx, bob, []byte(`{"type":"save_snapshot","snapshot":"the-canvas-state","username":"bob"}`))

	msgs := bob.messages(t)
	require.Len(t, msgs, 1)
	snapshots := msgs[0]["snapshots"].([]any)
	require.Len(t, snapshots, 1)
	id := int64(snapshots[0].(map[string]any)["id"].(float64))

	f.handler.Handle(ctx, bob, []byte(`{"type":"restore_snapshot","snapshot_id":`+strconv.FormatInt(id, 10)+`,"username":"bob"}`))

	msgs = bob.messages(t)
	require.Len(t, msgs, 2)
	restored := msgs[1]
	assert.Equal(t, "snapshot_restored", restored["type"])
	assert.Equal(t, "the-canvas-state", restored["snapshot_data"])
	assert.Equal(t, "bob", restored["restored_by"])
}

func TestHandle_RestoreMissingSnapshotSendsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	bob := f.join(ctx, "b", "r1", "bob")

	f.handler.Handle(ctx, bob, []byte(`{"type":"restore_snapshot","snapshot_id":42,"username":"bob"}`))

	assert.Empty(t, bob.messages(t))
}

func TestHandle_GetSnapshots(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.SaveSnapshot(ctx, "r1", "p1", "alice"))
	require.NoError(t, f.store.SaveSnapshot(ctx, "r1", "p2", "bob"))
	require.NoError(t, f.store.SaveSnapshot(ctx, "r2", "other", "carol"))
	bob := f.join(ctx, "b", "r1", "bob")

	f.handler.Handle(ctx, bob, []byte(`{"type":"get_snapshots"}`))

	msgs := bob.messages(t)
	require.Len(t, msgs, 1)
	snapshots := msgs[0]["snapshots"].([]any)
	require.Len(t, snapshots, 2, "only this room's snapshots")
	// Newest first.
	assert.Equal(t, "bob", snapshots[0].(map[string]any)["saved_by"])
	assert.Equal(t, "alice", snapshots[1].(map[string]any)["saved_by"])
}

func TestHandle_WebRTCExclusiveRelay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.join(ctx, "a", "r1", "alice")
	b := f.join(ctx, "b", "r1", "bob")
	c := f.join(ctx, "c", "r1", "carol")

	for _, eventType := range []string{"webrtc-offer", "webrtc-answer", "webrtc-candidate"} {
		f.handler.Handle(ctx, a, []byte(`{"type":"`+eventType+`","sdp":"x"}`))
	}

	assert.Empty(t, a.messages(t), "sender excluded from exclusive relay")
	assert.Equal(t, []string{"webrtc-offer", "webrtc-answer", "webrtc-candidate"}, b.messageTypes(t))
	assert.Equal(t, []string{"webrtc-offer", "webrtc-answer", "webrtc-candidate"}, c.messageTypes(t))
	assert.Empty(t, f.hub.History("r1"))
}

// The end-to-end room lifecycle: draw, denied clear, admin clear.
func TestHandle_AdminScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.CreateRoom(ctx, "r1", "alice"))
	alice := f.join(ctx, "a1", "r1", "alice")
	bob := f.join(ctx, "b1", "r1", "bob")

	draw := `{"type":"draw","from":[0,0],"to":[10,10],"color":"#000","thickness":3}`
	f.handler.Handle(ctx, bob, []byte(draw))

	assert.Equal(t, []string{"draw"}, alice.messageTypes(t))
	assert.Equal(t, []string{"draw"}, bob.messageTypes(t))
	assert.Equal(t, []string{draw}, f.hub.History("r1"))

	f.handler.Handle(ctx, bob, []byte(`{"type":"clear"}`))

	assert.Equal(t, []string{"draw", "error"}, bob.messageTypes(t))
	assert.Equal(t, []string{"draw"}, alice.messageTypes(t), "nobody else hears the refusal")
	assert.Len(t, f.hub.History("r1"), 1)

	f.handler.Handle(ctx, alice, []byte(`{"type":"clear"}`))

	assert.Empty(t, f.hub.History("r1"))
	assert.Empty(t, f.store.savedHistory("r1"))
}
