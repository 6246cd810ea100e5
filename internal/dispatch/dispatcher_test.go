package dispatch_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mak2503/chat-app/internal/dispatch"
	"github.com/Mak2503/chat-app/internal/group"
	"github.com/Mak2503/chat-app/internal/store"
	"github.com/Mak2503/chat-app/internal/store/memstore"
	"github.com/Mak2503/chat-app/pkg/protocol"
	"github.com/Mak2503/chat-app/pkg/state"
	"github.com/Mak2503/chat-app/pkg/state/statemanager"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

// wireFrame covers both the event envelope and the error frame shape.
type wireFrame struct {
	Event   string          `json:"event"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Payload json.RawMessage `json:"payload"`
}

type fakeConn struct {
	id     uuid.UUID
	mu     sync.Mutex
	frames []wireFrame
}

func newFakeConn() *fakeConn { return &fakeConn{id: uuid.New()} }

func (f *fakeConn) ID() uuid.UUID { return f.id }

func (f *fakeConn) Send(m []byte) {
	var frame wireFrame
	if err := json.Unmarshal(m, &frame); err != nil {
		panic(fmt.Sprintf("unparseable outbound frame: %v", err))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
}

func (f *fakeConn) Close(err error) {}

func (f *fakeConn) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, fr := range f.frames {
		if fr.Event == event {
			n++
		}
	}
	return n
}

func (f *fakeConn) last(event string) (wireFrame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.frames) - 1; i >= 0; i-- {
		if f.frames[i].Event == event {
			return f.frames[i], true
		}
	}
	return wireFrame{}, false
}

var _ state.Transport = (*fakeConn)(nil)

type harness struct {
	st      *memstore.Store
	manager *statemanager.InMemoryManager
	d       *dispatch.Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithMessages(t, nil)
}

// newHarnessWithMessages optionally substitutes the message store, for
// persistence-failure tests.
func newHarnessWithMessages(t *testing.T, messages store.MessageStore) *harness {
	t.Helper()
	logger := newTestLogger()
	st := memstore.New()
	manager := statemanager.NewInMemoryManager(logger)
	coord := group.NewCoordinator(logger, st.Identities(), st.Groups(), manager)
	if messages == nil {
		messages = st.Messages()
	}
	d := dispatch.NewDispatcher(logger, manager, manager, coord, st.Identities(), messages)
	return &harness{st: st, manager: manager, d: d}
}

func (h *harness) seedIdentity(id string) {
	h.st.PutIdentity(&store.Identity{ID: id, Username: id})
}

func (h *harness) connect(t *testing.T, identityID string) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	_, err := h.d.HandleConnect(context.Background(), identityID, conn, "127.0.0.1")
	require.NoError(t, err)
	return conn
}

func (h *harness) send(t *testing.T, conn *fakeConn, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	frame, err := json.Marshal(map[string]json.RawMessage{
		"event":   json.RawMessage(fmt.Sprintf("%q", event)),
		"payload": raw,
	})
	require.NoError(t, err)
	h.d.HandleMessage(context.Background(), conn.ID(), frame)
}

type failingMessageStore struct{}

func (failingMessageStore) Create(ctx context.Context, m *store.Message) error {
	return fmt.Errorf("store unavailable")
}

// --- presence ---

func TestPresenceBroadcasts(t *testing.T) {
	h := newHarness(t)
	h.seedIdentity("alice")
	h.seedIdentity("bob")

	bobConn := h.connect(t, "bob")

	aliceConn1 := h.connect(t, "alice")
	frame, ok := bobConn.last(protocol.EventUserStatus)
	require.True(t, ok)
	var status protocol.UserStatusEvent
	require.NoError(t, json.Unmarshal(frame.Payload, &status))
	assert.Equal(t, "alice", status.UserID)
	assert.Equal(t, protocol.StatusOnline, status.Status)

	aliceConn2 := h.connect(t, "alice")
	assert.True(t, h.manager.IsOnline("alice"))

	// Closing one of two connections does not flip presence.
	h.d.HandleDisconnect(aliceConn1.ID())
	assert.True(t, h.manager.IsOnline("alice"))
	offline := 0
	for _, fr := range bobConn.allFrames() {
		var s protocol.UserStatusEvent
		if fr.Event == protocol.EventUserStatus && json.Unmarshal(fr.Payload, &s) == nil {
			if s.UserID == "alice" && s.Status == protocol.StatusOffline {
				offline++
			}
		}
	}
	assert.Equal(t, 0, offline)

	// Closing the last connection emits exactly one offline event.
	h.d.HandleDisconnect(aliceConn2.ID())
	assert.False(t, h.manager.IsOnline("alice"))
	offline = 0
	for _, fr := range bobConn.allFrames() {
		var s protocol.UserStatusEvent
		if fr.Event == protocol.EventUserStatus && json.Unmarshal(fr.Payload, &s) == nil {
			if s.UserID == "alice" && s.Status == protocol.StatusOffline {
				offline++
			}
		}
	}
	assert.Equal(t, 1, offline)
}

// --- direct messages ---

func TestDirectMessageDelivery(t *testing.T) {
	h := newHarness(t)
	h.seedIdentity("alice")
	h.seedIdentity("bob")

	aliceConn := h.connect(t, "alice")
	bobConn1 := h.connect(t, "bob")
	bobConn2 := h.connect(t, "bob")

	h.send(t, aliceConn, protocol.EventDirectMessage, map[string]any{
		"recipient_id": "bob", "content": "hi bob",
	})

	// Both recipient connections get the message, and the sender gets the
	// echo as its ack.
	assert.Equal(t, 1, bobConn1.count(protocol.EventDirectMessage))
	assert.Equal(t, 1, bobConn2.count(protocol.EventDirectMessage))
	assert.Equal(t, 1, aliceConn.count(protocol.EventDirectMessage))

	frame, ok := bobConn1.last(protocol.EventDirectMessage)
	require.True(t, ok)
	var msg protocol.MessageEvent
	require.NoError(t, json.Unmarshal(frame.Payload, &msg))
	assert.Equal(t, "alice", msg.SenderID)
	assert.Equal(t, "bob", msg.RecipientID)
	assert.Equal(t, "hi bob", msg.Content)
	assert.NotEmpty(t, msg.ID)

	msgs := h.st.AllMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi bob", msgs[0].Content)
	assert.Empty(t, msgs[0].GroupID)
}

func TestDirectMessageToOfflineRecipient(t *testing.T) {
	h := newHarness(t)
	h.seedIdentity("alice")
	h.seedIdentity("carol") // exists but never connects

	aliceConn := h.connect(t, "alice")
	h.send(t, aliceConn, protocol.EventDirectMessage, map[string]any{
		"recipient_id": "carol", "content": "see you later",
	})

	// Recipient-offline is not a failure: the message persists and no
	// error reaches the sender.
	assert.Equal(t, 0, aliceConn.count("error"))
	require.Len(t, h.st.AllMessages(), 1)
}

func TestDirectMessageToUnknownRecipient(t *testing.T) {
	h := newHarness(t)
	h.seedIdentity("alice")

	aliceConn := h.connect(t, "alice")
	h.send(t, aliceConn, protocol.EventDirectMessage, map[string]any{
		"recipient_id": "nobody", "content": "hello?",
	})

	frame, ok := aliceConn.last("error")
	require.True(t, ok)
	assert.Equal(t, string(protocol.CodeNotFound), frame.Code)
	assert.Empty(t, h.st.AllMessages())
}

// --- group messages ---

func TestGroupMessageRequiresMembership(t *testing.T) {
	h := newHarness(t)
	h.seedIdentity("alice")
	h.seedIdentity("bob")
	require.NoError(t, h.st.Groups().Create(context.Background(),
		&store.Group{ID: "g1", CreatorID: "bob", MemberIDs: []string{"bob"}}))

	bobConn := h.connect(t, "bob")
	aliceConn := h.connect(t, "alice")

	h.send(t, aliceConn, protocol.EventGroupMessage, map[string]any{
		"group_id": "g1", "content": "let me in",
	})

	frame, ok := aliceConn.last("error")
	require.True(t, ok)
	assert.Equal(t, string(protocol.CodeAuthorization), frame.Code)

	// No persisted record, no delivery to members.
	assert.Empty(t, h.st.AllMessages())
	assert.Equal(t, 0, bobConn.count(protocol.EventGroupMessage))
}

func TestJoinThenGroupMessageScenario(t *testing.T) {
	h := newHarness(t)
	h.seedIdentity("alice")
	h.seedIdentity("bob")
	ctx := context.Background()
	require.NoError(t, h.st.Groups().Create(ctx,
		&store.Group{ID: "g1", CreatorID: "bob", MemberIDs: []string{"bob"}}))

	bobConn := h.connect(t, "bob")
	aliceConn := h.connect(t, "alice")

	h.send(t, aliceConn, protocol.EventJoinGroup, map[string]any{"group_id": "g1"})

	// Both room members observe the membership change.
	joined, ok := bobConn.last(protocol.EventMemberJoined)
	require.True(t, ok)
	var membership protocol.MembershipEvent
	require.NoError(t, json.Unmarshal(joined.Payload, &membership))
	assert.Equal(t, "alice", membership.UserID)
	assert.Equal(t, 2, membership.MemberCount)
	assert.Equal(t, 1, aliceConn.count(protocol.EventMemberJoined))

	g, err := h.st.Groups().FindByID(ctx, "g1")
	require.NoError(t, err)
	assert.Len(t, g.MemberIDs, 2)

	h.send(t, aliceConn, protocol.EventGroupMessage, map[string]any{
		"group_id": "g1", "content": "hi",
	})

	assert.Equal(t, 1, bobConn.count(protocol.EventGroupMessage))
	assert.Equal(t, 1, aliceConn.count(protocol.EventGroupMessage))

	msgs := h.st.AllMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "g1", msgs[0].GroupID)
	assert.Equal(t, "alice", msgs[0].SenderID)
	assert.Equal(t, "hi", msgs[0].Content)
}

func TestDoubleJoinYieldsStateConflict(t *testing.T) {
	h := newHarness(t)
	h.seedIdentity("alice")
	ctx := context.Background()
	require.NoError(t, h.st.Groups().Create(ctx,
		&store.Group{ID: "g1", CreatorID: "bob", MemberIDs: []string{"bob"}}))

	aliceConn := h.connect(t, "alice")
	h.send(t, aliceConn, protocol.EventJoinGroup, map[string]any{"group_id": "g1"})
	h.send(t, aliceConn, protocol.EventJoinGroup, map[string]any{"group_id": "g1"})

	frame, ok := aliceConn.last("error")
	require.True(t, ok)
	assert.Equal(t, string(protocol.CodeStateConflict), frame.Code)

	g, err := h.st.Groups().FindByID(ctx, "g1")
	require.NoError(t, err)
	assert.Len(t, g.MemberIDs, 2)
}

// --- leave and deletion ---

func TestCreatorLeaveWithMembersIsConflict(t *testing.T) {
	h := newHarness(t)
	h.seedIdentity("bob")
	require.NoError(t, h.st.Groups().Create(context.Background(),
		&store.Group{ID: "g1", CreatorID: "bob", MemberIDs: []string{"bob", "alice"}}))

	bobConn := h.connect(t, "bob")
	h.send(t, bobConn, protocol.EventLeaveGroup, map[string]any{"group_id": "g1"})

	frame, ok := bobConn.last("error")
	require.True(t, ok)
	assert.Equal(t, string(protocol.CodeStateConflict), frame.Code)
}

func TestLastMemberLeaveBroadcastsGroupDeleted(t *testing.T) {
	h := newHarness(t)
	h.seedIdentity("alice")
	h.seedIdentity("bob")
	ctx := context.Background()
	require.NoError(t, h.st.Groups().Create(ctx,
		&store.Group{ID: "g1", CreatorID: "bob", MemberIDs: []string{"bob"}}))

	aliceConn := h.connect(t, "alice") // not a member, still sees the global notice
	bobConn := h.connect(t, "bob")

	h.send(t, bobConn, protocol.EventLeaveGroup, map[string]any{"group_id": "g1"})

	assert.Equal(t, 1, aliceConn.count(protocol.EventGroupDeleted))
	assert.Equal(t, 1, bobConn.count(protocol.EventGroupDeleted))

	frame, ok := aliceConn.last(protocol.EventGroupDeleted)
	require.True(t, ok)
	var deleted protocol.GroupDeletedEvent
	require.NoError(t, json.Unmarshal(frame.Payload, &deleted))
	assert.Equal(t, "g1", deleted.GroupID)

	_, err := h.st.Groups().FindByID(ctx, "g1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// --- typing ---

func TestGroupTypingExcludesSender(t *testing.T) {
	h := newHarness(t)
	h.seedIdentity("alice")
	h.seedIdentity("bob")
	require.NoError(t, h.st.Groups().Create(context.Background(),
		&store.Group{ID: "g1", CreatorID: "bob", MemberIDs: []string{"bob", "alice"}}))

	bobConn := h.connect(t, "bob")
	aliceConn1 := h.connect(t, "alice")
	aliceConn2 := h.connect(t, "alice")

	h.send(t, aliceConn1, protocol.EventTyping, map[string]any{
		"group_id": "g1", "typing": true,
	})

	assert.Equal(t, 1, bobConn.count(protocol.EventTyping))
	assert.Equal(t, 0, aliceConn1.count(protocol.EventTyping))
	assert.Equal(t, 0, aliceConn2.count(protocol.EventTyping))
}

func TestGroupTypingRequiresMembership(t *testing.T) {
	h := newHarness(t)
	h.seedIdentity("alice")
	require.NoError(t, h.st.Groups().Create(context.Background(),
		&store.Group{ID: "g1", CreatorID: "bob", MemberIDs: []string{"bob"}}))

	aliceConn := h.connect(t, "alice")
	h.send(t, aliceConn, protocol.EventTyping, map[string]any{
		"group_id": "g1", "typing": true,
	})

	frame, ok := aliceConn.last("error")
	require.True(t, ok)
	assert.Equal(t, string(protocol.CodeAuthorization), frame.Code)
}

func TestDirectTyping(t *testing.T) {
	h := newHarness(t)
	h.seedIdentity("alice")
	h.seedIdentity("bob")

	aliceConn := h.connect(t, "alice")
	bobConn := h.connect(t, "bob")

	h.send(t, aliceConn, protocol.EventTyping, map[string]any{
		"recipient_id": "bob", "typing": true,
	})

	require.Equal(t, 1, bobConn.count(protocol.EventTyping))
	frame, _ := bobConn.last(protocol.EventTyping)
	var typing protocol.TypingEvent
	require.NoError(t, json.Unmarshal(frame.Payload, &typing))
	assert.Equal(t, "alice", typing.SenderID)
	assert.True(t, typing.Typing)
	assert.Equal(t, 0, aliceConn.count(protocol.EventTyping))
}

// --- failure modes ---

func TestMalformedFrame(t *testing.T) {
	h := newHarness(t)
	h.seedIdentity("alice")
	aliceConn := h.connect(t, "alice")

	h.d.HandleMessage(context.Background(), aliceConn.ID(), []byte("not json"))

	frame, ok := aliceConn.last("error")
	require.True(t, ok)
	assert.Equal(t, string(protocol.CodeValidation), frame.Code)
}

func TestPersistenceFailureMeansNoFanout(t *testing.T) {
	h := newHarnessWithMessages(t, failingMessageStore{})
	h.seedIdentity("alice")
	h.seedIdentity("bob")

	aliceConn := h.connect(t, "alice")
	bobConn := h.connect(t, "bob")

	h.send(t, aliceConn, protocol.EventDirectMessage, map[string]any{
		"recipient_id": "bob", "content": "doomed",
	})

	// The event is fully abandoned: error to the sender only, nothing
	// delivered to anyone.
	frame, ok := aliceConn.last("error")
	require.True(t, ok)
	assert.Equal(t, string(protocol.CodePersistence), frame.Code)
	assert.Equal(t, 0, bobConn.count(protocol.EventDirectMessage))
	assert.Equal(t, 0, aliceConn.count(protocol.EventDirectMessage))
	assert.Equal(t, 0, bobConn.count("error"))
}

func TestFrameFromUnknownConnectionIsDropped(t *testing.T) {
	h := newHarness(t)
	// Must not panic or leak an error frame anywhere.
	h.d.HandleMessage(context.Background(), uuid.New(), []byte(`{"event":"typing","payload":{"typing":true,"group_id":"g"}}`))
}

func (f *fakeConn) allFrames() []wireFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wireFrame(nil), f.frames...)
}
