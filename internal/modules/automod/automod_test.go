package automod

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

// fakeRuntime is a minimal signaling.Runtime double backed by a real
// miniredis store.Client and lock.Manager, since automod's logic is almost
// entirely store reads/writes under the room lock.
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
	lm := lock.NewManager(st, 2*time.Second, 20, 2*time.Millisecond)
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
func (f *fakeRuntime) SignalTo(target signaling.ParticipantID, kind, reason string) bool {
	return true
}
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

func lastBroadcast(rt *fakeRuntime) envRecord {
	return rt.broadcasts[len(rt.broadcasts)-1]
}

// TestPlaylistRound reproduces spec.md scenario 4: strategy playlist,
// allow_double_selection=false, playlist [A, B, C]. SelectNext then Yield
// three times rotates through the whole playlist back to an empty speaker.
func TestPlaylistRound(t *testing.T) {
	st := newTestStore(t)
	mod := NewFactory()(testRoom()).(*Module)
	mod2 := mod // one module instance per room; use same for every participant

	moderator := newFakeRuntime(t, st, "mod1", signaling.RoleModerator, testRoom())
	require.NoError(t, mod2.HandleMessage(context.Background(), moderator, marshal(t, command{
		Action:               "start",
		SelectionStrategy:    StrategyPlaylist,
		Playlist:             []signaling.ParticipantID{"A", "B", "C"},
		AllowDoubleSelection: false,
	})))

	require.NoError(t, mod2.HandleMessage(context.Background(), moderator, marshal(t, command{Action: "select_next"})))
	upd := lastBroadcast(moderator).payload.(speakerUpdate)
	require.NotNil(t, upd.Speaker)
	assert.Equal(t, signaling.ParticipantID("A"), *upd.Speaker)
	assert.Equal(t, []signaling.ParticipantID{"B", "C"}, upd.Remaining)

	a := newFakeRuntime(t, st, "A", signaling.RoleUser, testRoom())
	require.NoError(t, mod2.HandleMessage(context.Background(), a, marshal(t, command{Action: "yield"})))
	upd = lastBroadcast(a).payload.(speakerUpdate)
	require.NotNil(t, upd.Speaker)
	assert.Equal(t, signaling.ParticipantID("B"), *upd.Speaker)
	assert.Equal(t, []signaling.ParticipantID{"C"}, upd.Remaining)

	b := newFakeRuntime(t, st, "B", signaling.RoleUser, testRoom())
	require.NoError(t, mod2.HandleMessage(context.Background(), b, marshal(t, command{Action: "yield"})))
	upd = lastBroadcast(b).payload.(speakerUpdate)
	require.NotNil(t, upd.Speaker)
	assert.Equal(t, signaling.ParticipantID("C"), *upd.Speaker)
	assert.Empty(t, upd.Remaining)

	c := newFakeRuntime(t, st, "C", signaling.RoleUser, testRoom())
	require.NoError(t, mod2.HandleMessage(context.Background(), c, marshal(t, command{Action: "yield"})))
	upd = lastBroadcast(c).payload.(speakerUpdate)
	assert.Nil(t, upd.Speaker)

	history, err := mod2.historySince(context.Background(), st, time.Unix(0, 0))
	require.NoError(t, err)
	assert.Equal(t, []signaling.ParticipantID{"A", "B", "C"}, history)
}

// TestRandomSelectionWithAnimation reproduces spec.md scenario 5: strategy
// random, animation_on_random=true, allow_list {A,B}. A fixed RNG seed picks
// a deterministic member and the exact same StartAnimation{pool,result} is
// produced every run.
func TestRandomSelectionWithAnimation(t *testing.T) {
	st := newTestStore(t)
	mod := NewSeededFactory(0)(testRoom()).(*Module)

	moderator := newFakeRuntime(t, st, "mod1", signaling.RoleModerator, testRoom())
	require.NoError(t, mod.HandleMessage(context.Background(), moderator, marshal(t, command{
		Action:            "start",
		SelectionStrategy: StrategyRandom,
		AllowList:         []signaling.ParticipantID{"A", "B"},
		AnimationOnRandom: true,
	})))

	require.NoError(t, mod.HandleMessage(context.Background(), moderator, marshal(t, command{Action: "select_next"})))

	require.Len(t, moderator.broadcasts, 3, "expected Start, then StartAnimation, then SpeakerUpdate")
	anim, ok := moderator.broadcasts[1].payload.(startAnimation)
	require.True(t, ok, "second broadcast after select_next should be StartAnimation")
	assert.ElementsMatch(t, []signaling.ParticipantID{"A", "B"}, anim.Pool)
	assert.Contains(t, anim.Pool, anim.Result)

	upd, ok := moderator.broadcasts[2].payload.(speakerUpdate)
	require.True(t, ok, "third broadcast should be the committed SpeakerUpdate")
	require.NotNil(t, upd.Speaker)
	assert.Equal(t, anim.Result, *upd.Speaker)
}

// TestRandomSelectionDeterministic checks that two module instances seeded
// identically make the same choice from the same pool.
func TestRandomSelectionDeterministic(t *testing.T) {
	st1 := newTestStore(t)
	st2 := newTestStore(t)

	run := func(st *store.Client) signaling.ParticipantID {
		mod := NewSeededFactory(0)(testRoom()).(*Module)
		moderator := newFakeRuntime(t, st, "mod1", signaling.RoleModerator, testRoom())
		require.NoError(t, mod.HandleMessage(context.Background(), moderator, marshal(t, command{
			Action:            "start",
			SelectionStrategy: StrategyRandom,
			AllowList:         []signaling.ParticipantID{"A", "B", "C"},
		})))
		require.NoError(t, mod.HandleMessage(context.Background(), moderator, marshal(t, command{Action: "select_next"})))
		upd := lastBroadcast(moderator).payload.(speakerUpdate)
		require.NotNil(t, upd.Speaker)
		return *upd.Speaker
	}

	first := run(st1)
	second := run(st2)
	assert.Equal(t, first, second)
}

func TestSelectNextNominationWithoutCurrentSpeakerErrors(t *testing.T) {
	st := newTestStore(t)
	mod := NewFactory()(testRoom()).(*Module)

	moderator := newFakeRuntime(t, st, "mod1", signaling.RoleModerator, testRoom())
	require.NoError(t, mod.HandleMessage(context.Background(), moderator, marshal(t, command{
		Action:            "start",
		SelectionStrategy: StrategyNomination,
		AllowList:         []signaling.ParticipantID{"A", "B"},
	})))

	err := mod.HandleMessage(context.Background(), moderator, marshal(t, command{Action: "select_next"}))
	assert.ErrorIs(t, err, ErrNominationRequiresCurrentSpeaker)
}

func TestParticipantLeftClearsSpeaker(t *testing.T) {
	st := newTestStore(t)
	mod := NewFactory()(testRoom()).(*Module)

	moderator := newFakeRuntime(t, st, "mod1", signaling.RoleModerator, testRoom())
	require.NoError(t, mod.HandleMessage(context.Background(), moderator, marshal(t, command{
		Action:            "start",
		SelectionStrategy: StrategyNone,
		AllowList:         []signaling.ParticipantID{"A"},
	})))
	require.NoError(t, mod.HandleMessage(context.Background(), moderator, marshal(t, command{
		Action:      "select",
		Participant: participantPtr("A"),
	})))

	current, err := mod.currentSpeaker(context.Background(), st)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, signaling.ParticipantID("A"), *current)

	require.NoError(t, mod.ParticipantLeft(context.Background(), moderator, "A"))

	current, err = mod.currentSpeaker(context.Background(), st)
	require.NoError(t, err)
	assert.Nil(t, current)
}

func TestStopRetainsHistory(t *testing.T) {
	st := newTestStore(t)
	mod := NewFactory()(testRoom()).(*Module)

	moderator := newFakeRuntime(t, st, "mod1", signaling.RoleModerator, testRoom())
	require.NoError(t, mod.HandleMessage(context.Background(), moderator, marshal(t, command{
		Action:            "start",
		SelectionStrategy: StrategyNone,
		AllowList:         []signaling.ParticipantID{"A"},
	})))
	require.NoError(t, mod.HandleMessage(context.Background(), moderator, marshal(t, command{
		Action:      "select",
		Participant: participantPtr("A"),
	})))
	require.NoError(t, mod.HandleMessage(context.Background(), moderator, marshal(t, command{Action: "stop"})))

	_, err := mod.loadConfig(context.Background(), st)
	assert.ErrorIs(t, err, ErrAutomodNotActive)

	history, err := mod.historySince(context.Background(), st, time.Unix(0, 0))
	require.NoError(t, err)
	assert.Equal(t, []signaling.ParticipantID{"A"}, history)
}

func participantPtr(p signaling.ParticipantID) *signaling.ParticipantID { return &p }
