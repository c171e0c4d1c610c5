package polls

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
}
type envRecord struct {
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
func (f *fakeRuntime) SendTo(target signaling.ParticipantID, namespace string, payload any) {}
func (f *fakeRuntime) SignalTo(target signaling.ParticipantID, kind, reason string) bool     { return true }
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

// TestPollEndToEnd reproduces spec.md scenario 6's vote/live-update/finish
// shape (minus the literal 30s wait, exercised instead via explicit Finish).
func TestPollEndToEnd(t *testing.T) {
	st := newTestStore(t)
	mod := NewFactory()(testRoom()).(*Module)

	moderator := newFakeRuntime(t, st, "mod1", signaling.RoleModerator, testRoom())
	require.NoError(t, mod.HandleMessage(context.Background(), moderator, marshal(t, command{
		Action: "start", Topic: "abc", Live: true, Choices: []string{"a", "b", "c"}, DurationMs: 30_000,
	})))
	require.Len(t, moderator.broadcasts, 1)
	st1 := moderator.broadcasts[0].payload.(started)
	assert.Equal(t, "abc", st1.Topic)
	assert.Len(t, st1.Choices, 3)

	voter := newFakeRuntime(t, st, "p1", signaling.RoleUser, testRoom())
	require.NoError(t, mod.HandleMessage(context.Background(), voter, marshal(t, command{
		Action: "vote", PollID: st1.ID, ChoiceID: 1,
	})))

	require.Len(t, voter.broadcasts, 1)
	live := voter.broadcasts[0].payload.(results)
	assert.Equal(t, []resultItem{{ID: 0, Count: 0}, {ID: 1, Count: 1}, {ID: 2, Count: 0}}, live.Results)

	require.NoError(t, mod.HandleMessage(context.Background(), moderator, marshal(t, command{
		Action: "finish", PollID: st1.ID,
	})))
	require.Len(t, moderator.broadcasts, 2)
	done := moderator.broadcasts[1].payload.(results)
	assert.Equal(t, st1.ID, done.ID)
}

func TestSecondStartBeforeFinishReturnsStillRunning(t *testing.T) {
	st := newTestStore(t)
	mod := NewFactory()(testRoom()).(*Module)
	moderator := newFakeRuntime(t, st, "mod1", signaling.RoleModerator, testRoom())

	require.NoError(t, mod.HandleMessage(context.Background(), moderator, marshal(t, command{
		Action: "start", Topic: "first", Choices: []string{"a", "b"}, DurationMs: 30_000,
	})))

	err := mod.HandleMessage(context.Background(), moderator, marshal(t, command{
		Action: "start", Topic: "second", Choices: []string{"x", "y"}, DurationMs: 30_000,
	}))
	assert.ErrorIs(t, err, ErrStillRunning)
}

func TestNonModeratorCannotStartPoll(t *testing.T) {
	st := newTestStore(t)
	mod := NewFactory()(testRoom()).(*Module)
	rt := newFakeRuntime(t, st, "p1", signaling.RoleUser, testRoom())

	err := mod.HandleMessage(context.Background(), rt, marshal(t, command{
		Action: "start", Choices: []string{"a", "b"}, DurationMs: 1000,
	}))
	assert.ErrorIs(t, err, ErrNotModerator)
}
