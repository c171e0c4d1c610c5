package chat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/riftcall/signaling/internal/lock"
	"github.com/riftcall/signaling/internal/signaling"
	"github.com/riftcall/signaling/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRuntime struct {
	self signaling.ParticipantID
	role signaling.Role
	room signaling.RoomRef
	st   *store.Client
	lm   *lock.Manager

	emitted    []envRecord
	broadcasts []envRecord
	sentTo     []sendToRecord
}

type envRecord struct {
	namespace string
	payload   any
}
type sendToRecord struct {
	target    signaling.ParticipantID
	namespace string
	payload   any
}

func newFakeRuntime(t *testing.T, st *store.Client, self signaling.ParticipantID, role signaling.Role, room signaling.RoomRef) *fakeRuntime {
	t.Helper()
	lm := lock.NewManager(st, 2*time.Second, 5, 5*time.Millisecond)
	return &fakeRuntime{self: self, role: role, room: room, st: st, lm: lm}
}

func (f *fakeRuntime) Self() signaling.ParticipantID { return f.self }
func (f *fakeRuntime) Role() signaling.Role           { return f.role }
func (f *fakeRuntime) Kind() signaling.Kind           { return signaling.KindUser }
func (f *fakeRuntime) Room() signaling.RoomRef        { return f.room }
func (f *fakeRuntime) Context() context.Context       { return context.Background() }
func (f *fakeRuntime) Store() *store.Client           { return f.st }
func (f *fakeRuntime) Lock() *lock.Manager            { return f.lm }

func (f *fakeRuntime) Emit(namespace string, payload any) {
	f.emitted = append(f.emitted, envRecord{namespace, payload})
}
func (f *fakeRuntime) Broadcast(namespace string, payload any, excludeSelf bool) {
	f.broadcasts = append(f.broadcasts, envRecord{namespace, payload})
}
func (f *fakeRuntime) SendTo(target signaling.ParticipantID, namespace string, payload any) {
	f.sentTo = append(f.sentTo, sendToRecord{target, namespace, payload})
}
func (f *fakeRuntime) SignalTo(target signaling.ParticipantID, kind, reason string) bool { return true }
func (f *fakeRuntime) SetRole(ctx context.Context, newRole signaling.Role) error {
	f.role = newRole
	return nil
}
func (f *fakeRuntime) AssembleJoinData(ctx context.Context) (map[string]json.RawMessage, error) {
	return map[string]json.RawMessage{}, nil
}
func (f *fakeRuntime) MarkJoined() {}
func (f *fakeRuntime) PeerModuleData(peer signaling.ParticipantID, namespace string) (json.RawMessage, bool) {
	return nil, false
}

func newTestStore(t *testing.T) *store.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return store.New(rdb)
}

func testRoom() signaling.RoomRef { return signaling.RoomRef{RoomID: "room-1"} }

func marshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestSendGlobalMessageBroadcasts(t *testing.T) {
	st := newTestStore(t)
	mod := NewFactory()(testRoom()).(*Module)
	rt := newFakeRuntime(t, st, "p1", signaling.RoleUser, testRoom())

	require.NoError(t, mod.HandleMessage(context.Background(), rt, marshal(t, command{
		Action: "send_message", Content: "hello all",
	})))

	require.Len(t, rt.broadcasts, 1)
	msg := rt.broadcasts[0].payload.(messageSent)
	assert.Equal(t, ScopeGlobal, msg.Scope.Kind)
	assert.Equal(t, "hello all", msg.Content)

	history, err := st.LRange(context.Background(), globalHistoryKey(testRoom()), 0, -1)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestDisabledChatRejectsSendMessage(t *testing.T) {
	st := newTestStore(t)
	mod := NewFactory()(testRoom()).(*Module)
	moderator := newFakeRuntime(t, st, "mod1", signaling.RoleModerator, testRoom())

	require.NoError(t, mod.HandleMessage(context.Background(), moderator, marshal(t, command{Action: "disable_chat"})))

	err := mod.HandleMessage(context.Background(), moderator, marshal(t, command{Action: "send_message", Content: "hi"}))
	assert.ErrorIs(t, err, ErrChatDisabled)
}

func TestNonModeratorCannotDisableChat(t *testing.T) {
	st := newTestStore(t)
	mod := NewFactory()(testRoom()).(*Module)
	rt := newFakeRuntime(t, st, "p1", signaling.RoleUser, testRoom())

	err := mod.HandleMessage(context.Background(), rt, marshal(t, command{Action: "disable_chat"}))
	assert.ErrorIs(t, err, ErrNotModerator)
}

func TestPrivateMessageDeliversToSenderAndTarget(t *testing.T) {
	st := newTestStore(t)
	mod := NewFactory()(testRoom()).(*Module)
	rt := newFakeRuntime(t, st, "p1", signaling.RoleUser, testRoom())

	target := signaling.ParticipantID("p2")
	require.NoError(t, mod.HandleMessage(context.Background(), rt, marshal(t, command{
		Action: "send_message", Target: &target, Content: "psst",
	})))

	require.Len(t, rt.emitted, 1)
	require.Len(t, rt.sentTo, 1)
	assert.Equal(t, target, rt.sentTo[0].target)
	assert.Empty(t, rt.broadcasts)
}

func TestGroupMessageRejectsNonMember(t *testing.T) {
	st := newTestStore(t)
	mod := NewFactory()(testRoom()).(*Module)
	rt := newFakeRuntime(t, st, "p1", signaling.RoleUser, testRoom())

	err := mod.HandleMessage(context.Background(), rt, marshal(t, command{
		Action: "send_message", Group: "management", Content: "hi team",
	}))
	assert.Error(t, err)
}
