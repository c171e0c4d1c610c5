package legalvote

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

func TestStartVoteStopEndToEnd(t *testing.T) {
	st := newTestStore(t)
	mod := NewFactory()(testRoom()).(*Module)
	moderator := newFakeRuntime(t, st, "mod1", signaling.RoleModerator, testRoom())

	require.NoError(t, mod.HandleMessage(context.Background(), moderator, marshal(t, command{
		Action: "start", Topic: "adopt the budget", EnableAbstain: true,
		AllowedVoters: []signaling.ParticipantID{"p1", "p2"},
	})))
	require.Len(t, moderator.broadcasts, 1)
	begun := moderator.broadcasts[0].payload.(started)
	assert.Equal(t, "adopt the budget", begun.Topic)

	p1 := newFakeRuntime(t, st, "p1", signaling.RoleUser, testRoom())
	require.NoError(t, mod.HandleMessage(context.Background(), p1, marshal(t, command{
		Action: "vote", VoteID: begun.VoteID, Option: OptionYes,
	})))
	require.Len(t, p1.emitted, 1)

	p2 := newFakeRuntime(t, st, "p2", signaling.RoleUser, testRoom())
	require.NoError(t, mod.HandleMessage(context.Background(), p2, marshal(t, command{
		Action: "vote", VoteID: begun.VoteID, Option: OptionAbstain,
	})))

	require.NoError(t, mod.HandleMessage(context.Background(), moderator, marshal(t, command{
		Action: "stop", VoteID: begun.VoteID,
	})))
	require.Len(t, moderator.broadcasts, 2)
	end := moderator.broadcasts[1].payload.(stopped)
	assert.Equal(t, "stopped", end.Kind)
	assert.Equal(t, int64(1), end.Results.Yes)
	require.NotNil(t, end.Results.Abstain)
	assert.Equal(t, int64(1), *end.Results.Abstain)
}

func TestVoterCannotVoteTwice(t *testing.T) {
	st := newTestStore(t)
	mod := NewFactory()(testRoom()).(*Module)
	moderator := newFakeRuntime(t, st, "mod1", signaling.RoleModerator, testRoom())

	require.NoError(t, mod.HandleMessage(context.Background(), moderator, marshal(t, command{
		Action: "start", AllowedVoters: []signaling.ParticipantID{"p1"},
	})))
	begun := moderator.broadcasts[0].payload.(started)

	p1 := newFakeRuntime(t, st, "p1", signaling.RoleUser, testRoom())
	require.NoError(t, mod.HandleMessage(context.Background(), p1, marshal(t, command{
		Action: "vote", VoteID: begun.VoteID, Option: OptionYes,
	})))

	err := mod.HandleMessage(context.Background(), p1, marshal(t, command{
		Action: "vote", VoteID: begun.VoteID, Option: OptionNo,
	}))
	assert.ErrorIs(t, err, ErrIneligible)
}

func TestNonAllowlistedParticipantCannotVote(t *testing.T) {
	st := newTestStore(t)
	mod := NewFactory()(testRoom()).(*Module)
	moderator := newFakeRuntime(t, st, "mod1", signaling.RoleModerator, testRoom())

	require.NoError(t, mod.HandleMessage(context.Background(), moderator, marshal(t, command{
		Action: "start", AllowedVoters: []signaling.ParticipantID{"p1"},
	})))
	begun := moderator.broadcasts[0].payload.(started)

	outsider := newFakeRuntime(t, st, "p2", signaling.RoleUser, testRoom())
	err := mod.HandleMessage(context.Background(), outsider, marshal(t, command{
		Action: "vote", VoteID: begun.VoteID, Option: OptionYes,
	}))
	assert.ErrorIs(t, err, ErrIneligible)
}

func TestSecondStartBeforeStopErrors(t *testing.T) {
	st := newTestStore(t)
	mod := NewFactory()(testRoom()).(*Module)
	moderator := newFakeRuntime(t, st, "mod1", signaling.RoleModerator, testRoom())

	require.NoError(t, mod.HandleMessage(context.Background(), moderator, marshal(t, command{Action: "start"})))
	err := mod.HandleMessage(context.Background(), moderator, marshal(t, command{Action: "start"}))
	assert.ErrorIs(t, err, ErrVoteAlreadyActive)
}

func TestStopWithoutActiveVoteErrors(t *testing.T) {
	st := newTestStore(t)
	mod := NewFactory()(testRoom()).(*Module)
	moderator := newFakeRuntime(t, st, "mod1", signaling.RoleModerator, testRoom())

	err := mod.HandleMessage(context.Background(), moderator, marshal(t, command{Action: "stop", VoteID: "nope"}))
	assert.ErrorIs(t, err, ErrNoVoteActive)
}
