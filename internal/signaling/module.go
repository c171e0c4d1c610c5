package signaling

import (
	"context"
	"encoding/json"

	"github.com/riftcall/signaling/internal/lock"
	"github.com/riftcall/signaling/internal/store"
)

// Runtime is the accessor every module handler receives (spec.md §4.5's
// "runner-provided accessor"). Modules must not hold references to each
// other; all cross-module reads go through Runtime.PeerModuleData.
type Runtime interface {
	// Self is the ParticipantId this runner owns.
	Self() ParticipantID
	// Role is this participant's role at the time of the call. Modules must
	// re-read Role() at dispatch time rather than caching it, since it can
	// change mid-connection (spec.md §4.6).
	Role() Role
	Kind() Kind
	Room() RoomRef

	// Emit sends an outgoing envelope to this connection only (e.g. a
	// module-private error or an ack).
	Emit(namespace string, payload any)
	// Broadcast sends an outgoing envelope to every participant currently in
	// the room (including self, unless excludeSelf is set), via the room's
	// local fan-out plus the inter-instance bus so other instances' runners
	// deliver it to their own connections.
	Broadcast(namespace string, payload any, excludeSelf bool)
	// SendTo delivers an envelope to one specific participant, wherever its
	// runner lives, via the bus's direct-message path.
	SendTo(target ParticipantID, namespace string, payload any)
	// SignalTo delivers a control-plane instruction (accepted/kicked/banned)
	// to target's own runner, if it is attached on this instance. Returns
	// false if target is not locally attached.
	SignalTo(target ParticipantID, kind, reason string) bool

	// SetRole updates rt.Self()'s role and notifies every module via
	// RoleUpdated.
	SetRole(ctx context.Context, newRole Role) error
	// AssembleJoinData calls Joined on every registered module and returns
	// the per-namespace JoinSuccess payloads, persisting each module's
	// peer-visible contribution for later PeerModuleData reads.
	AssembleJoinData(ctx context.Context) (map[string]json.RawMessage, error)
	// MarkJoined transitions the runner from Joining to Running. The
	// control module calls this once admission (presence add, ControlState
	// write, JoinSuccess emission) is complete.
	MarkJoined()

	// PeerModuleData reads another participant's namespace-scoped
	// peer-visible data, assembled during that peer's own Joined handler.
	// Used only during join assembly (spec.md §9's cyclic-reference note).
	PeerModuleData(peer ParticipantID, namespace string) (json.RawMessage, bool)

	Store() *store.Client
	Lock() *lock.Manager

	Context() context.Context
}

// JoinResult is what a module contributes to JoinSuccess.module_data and, in
// parallel, what it exposes to peers as their own ParticipantJoined payload.
type JoinResult struct {
	// Own is written into frontend_data_out[namespace] for the joining
	// participant (spec.md §4.5 "Joined").
	Own any
	// Peer is stored for other participants to read back via
	// Runtime.PeerModuleData when they join later or need a snapshot.
	Peer any
}

// Module is the uniform handler every namespace-scoped feature implements
// (spec.md §4.5). The registry dispatches to these methods by namespace; an
// empty/no-op default is provided by EmbedNoop so modules only implement the
// hooks they care about.
type Module interface {
	// Namespace is the static string identifying this module on the wire.
	Namespace() string

	// Joined is called while the runner assembles JoinSuccess for rt.Self().
	Joined(ctx context.Context, rt Runtime) (JoinResult, error)
	// ParticipantJoined notifies already-present modules that peer joined.
	ParticipantJoined(ctx context.Context, rt Runtime, peer ParticipantID) error
	// ParticipantLeft notifies modules that peer left.
	ParticipantLeft(ctx context.Context, rt Runtime, peer ParticipantID) error
	// ParticipantUpdated notifies modules that peer's ControlState changed
	// (e.g. role change, display name change).
	ParticipantUpdated(ctx context.Context, rt Runtime, peer ParticipantID) error

	// HandleMessage dispatches a typed incoming command (WsMessage).
	HandleMessage(ctx context.Context, rt Runtime, payload json.RawMessage) error
	// HandleExt delivers a module-private external event (bus message, timer
	// expiry). The concrete type is module-defined.
	HandleExt(ctx context.Context, rt Runtime, event any) error

	RaiseHand(ctx context.Context, rt Runtime) error
	LowerHand(ctx context.Context, rt Runtime) error
	RoleUpdated(ctx context.Context, rt Runtime, newRole Role) error

	// Leaving is called just before this participant detaches.
	Leaving(ctx context.Context, rt Runtime) error
	// Destroy is called once per module when this runner was the one that
	// emptied the room's presence set. If destroyRoom is true the module
	// must purge all per-room state it owns.
	Destroy(ctx context.Context, rt Runtime, destroyRoom bool) error
}

// NoopModule implements every Module hook as a no-op; concrete modules embed
// it and override only the hooks they need, matching the "handler trait with
// boxed erased state" guidance in spec.md §9.
type NoopModule struct{}

func (NoopModule) Joined(ctx context.Context, rt Runtime) (JoinResult, error) { return JoinResult{}, nil }
func (NoopModule) ParticipantJoined(ctx context.Context, rt Runtime, peer ParticipantID) error {
	return nil
}
func (NoopModule) ParticipantLeft(ctx context.Context, rt Runtime, peer ParticipantID) error {
	return nil
}
func (NoopModule) ParticipantUpdated(ctx context.Context, rt Runtime, peer ParticipantID) error {
	return nil
}
func (NoopModule) HandleMessage(ctx context.Context, rt Runtime, payload json.RawMessage) error {
	return nil
}
func (NoopModule) HandleExt(ctx context.Context, rt Runtime, event any) error { return nil }
func (NoopModule) RaiseHand(ctx context.Context, rt Runtime) error            { return nil }
func (NoopModule) LowerHand(ctx context.Context, rt Runtime) error            { return nil }
func (NoopModule) RoleUpdated(ctx context.Context, rt Runtime, newRole Role) error {
	return nil
}
func (NoopModule) Leaving(ctx context.Context, rt Runtime) error { return nil }
func (NoopModule) Destroy(ctx context.Context, rt Runtime, destroyRoom bool) error {
	return nil
}
