// Package control implements the control module (C7): participant
// admission, waiting room, raised hands, and moderator kick/ban. It is
// grounded in the teacher's internal/v1/session/room.go admission logic
// (handleClientConnect's first-joiner-becomes-host / waiting-room fallback,
// handleClientDisconnect's cleanup) generalized from the teacher's
// role-keyed client maps into state-store-backed sets so any instance can
// serve any participant of a room.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/riftcall/signaling/internal/logging"
	"github.com/riftcall/signaling/internal/metrics"
	"github.com/riftcall/signaling/internal/signaling"
	"go.uber.org/zap"
)

// Namespace is the wire namespace name for this module.
const Namespace = signaling.ControlNamespace

var (
	// ErrCannotBanGuest rejects a ban attempt on a non-directory-user kind
	// (spec.md §4.9's CannotBanGuest).
	ErrCannotBanGuest = fmt.Errorf("control: cannot ban a guest/sip/recorder participant")
	// ErrNotModerator rejects a moderator-only command.
	ErrNotModerator = fmt.Errorf("control: moderator permission required")
	// ErrBanned rejects Join for a previously banned user.
	ErrBanned = fmt.Errorf("control: participant is banned from this room")
)

// State is the ControlState hash persisted per participant (spec.md: display
// name, hand state, join/last-seen timestamps, role, kind).
type State struct {
	DisplayName   string          `json:"display_name"`
	HandIsUp      bool            `json:"hand_is_up"`
	HandUpdatedAt time.Time       `json:"hand_updated_at"`
	JoinedAt      time.Time       `json:"joined_at"`
	Role          signaling.Role  `json:"role"`
	Kind          signaling.Kind  `json:"kind"`
	LastSeen      time.Time       `json:"last_seen"`
}

// Module is the per-room control module instance.
type Module struct {
	signaling.NoopModule
	room signaling.RoomRef

	// pendingDisplayName holds a waiting-room participant's display name
	// between Join and Accept, since ControlState is only written on full
	// admission. Keyed by participant, guarded implicitly: every access
	// happens on that participant's own runner goroutine or under the
	// room's distributed lock during Accept.
	pendingDisplayName map[signaling.ParticipantID]string
}

// NewFactory builds a signaling.Factory that instantiates one Module per
// room, per the registry's per-room module instance contract.
func NewFactory() signaling.Factory {
	return func(room signaling.RoomRef) signaling.Module {
		return &Module{room: room, pendingDisplayName: make(map[signaling.ParticipantID]string)}
	}
}

func (m *Module) Namespace() string { return Namespace }

func presenceKey(room signaling.RoomRef) string {
	return fmt.Sprintf("signaling:room=%s:participants", room.Scope())
}
func waitingKey(room signaling.RoomRef) string {
	return fmt.Sprintf("signaling:room=%s:waiting", room.Scope())
}
func moderatorsKey(room signaling.RoomRef) string {
	return fmt.Sprintf("signaling:room=%s:moderators", room.Scope())
}
func bansKey(room signaling.RoomRef) string {
	return fmt.Sprintf("signaling:room=%s:bans", room.Scope())
}
func stateKey(room signaling.RoomRef, pid signaling.ParticipantID) string {
	return fmt.Sprintf("signaling:room=%s:participant=%s:control", room.Scope(), pid)
}
func waitingRoomFlagKey(room signaling.RoomRef) string {
	return fmt.Sprintf("signaling:room=%s:waiting_room_enabled", room.Scope())
}

// command is the incoming control-namespace WsMessage discriminated union.
type command struct {
	Action      string `json:"action"`
	DisplayName string `json:"display_name,omitempty"`
	Target      string `json:"target,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// joinSuccess is the outgoing payload for a fully-admitted participant
// (spec.md §4.7: JoinSuccess{id, role, module_data, participants}).
type joinSuccess struct {
	ParticipantID signaling.ParticipantID    `json:"participant_id"`
	Role          signaling.Role             `json:"role"`
	ModuleData    map[string]json.RawMessage `json:"module_data"`
	Participants  []participant              `json:"participants"`
}

// participant is the joining participant's snapshot of one already-present
// peer (spec.md §4.7 Scenario 1).
type participant struct {
	ParticipantID signaling.ParticipantID `json:"participant_id"`
	DisplayName   string                  `json:"display_name"`
	Role          signaling.Role          `json:"role"`
}

type participantWaiting struct {
	ParticipantID signaling.ParticipantID `json:"participant_id"`
	DisplayName   string                  `json:"display_name"`
}

type participantJoined struct {
	ParticipantID signaling.ParticipantID `json:"participant_id"`
	DisplayName   string                  `json:"display_name"`
	Role          signaling.Role          `json:"role"`
}

type participantLeft struct {
	ParticipantID signaling.ParticipantID `json:"participant_id"`
	Reason        string                  `json:"reason,omitempty"`
}

// HandleMessage dispatches every control-namespace command.
func (m *Module) HandleMessage(ctx context.Context, rt signaling.Runtime, payload json.RawMessage) error {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("control: decode command: %w", err)
	}

	switch cmd.Action {
	case "join":
		return m.join(ctx, rt, cmd.DisplayName)
	case "accept":
		return m.accept(ctx, rt, signaling.ParticipantID(cmd.Target))
	case "kick":
		return m.remove(ctx, rt, signaling.ParticipantID(cmd.Target), "kicked", false)
	case "ban":
		return m.remove(ctx, rt, signaling.ParticipantID(cmd.Target), "banned", true)
	case "enable_waiting_room":
		return m.setWaitingRoomEnabled(ctx, rt, true)
	case "disable_waiting_room":
		return m.setWaitingRoomEnabled(ctx, rt, false)
	case "reset_raised_hands":
		return m.resetRaisedHands(ctx, rt)
	default:
		return fmt.Errorf("control: unknown action %q", cmd.Action)
	}
}

// join implements the admission algorithm: first joiner becomes moderator
// (mirroring the teacher's handleClientConnect), bans are rejected outright,
// and when the waiting room is enabled a non-moderator is parked rather than
// admitted, matching spec.md's waiting-room Joining-state behavior.
func (m *Module) join(ctx context.Context, rt signaling.Runtime, displayName string) error {
	if displayName == "" {
		displayName = "participant"
	}

	st := rt.Store()
	self := rt.Self()

	banned, err := st.SIsMember(ctx, bansKey(m.room), string(self))
	if err == nil && banned {
		return ErrBanned
	}

	mods, err := st.SMembers(ctx, moderatorsKey(m.room))
	if err != nil {
		mods = nil
	}
	participants, err := st.SMembers(ctx, presenceKey(m.room))
	if err != nil {
		participants = nil
	}

	waitingRoomEnabled := false
	if v, err := st.Get(ctx, waitingRoomFlagKey(m.room)); err == nil {
		waitingRoomEnabled = v == "1"
	}

	becomesModerator := len(mods) == 0 && len(participants) == 0

	if waitingRoomEnabled && !becomesModerator {
		m.pendingDisplayName[self] = displayName
		if err := st.SAdd(ctx, waitingKey(m.room), string(self)); err != nil {
			return fmt.Errorf("control: park in waiting room: %w", err)
		}
		rt.Broadcast(Namespace, participantWaiting{ParticipantID: self, DisplayName: displayName}, false)
		logging.Info(ctx, "participant parked in waiting room", zap.String("participant", string(self)))
		metrics.ControlParticipantEvents.WithLabelValues("waiting").Inc()
		return nil
	}

	if becomesModerator {
		if err := rt.SetRole(ctx, signaling.RoleModerator); err != nil {
			return err
		}
		if err := st.SAdd(ctx, moderatorsKey(m.room), string(self)); err != nil {
			return err
		}
	}

	return m.admit(ctx, rt, displayName)
}

// admit performs the presence/state writes and JoinSuccess assembly common
// to both an immediate Join and a waiting-room Accept.
func (m *Module) admit(ctx context.Context, rt signaling.Runtime, displayName string) error {
	st := rt.Store()
	self := rt.Self()
	now := time.Now().UTC()

	// Recorder-kind participants are invisible to other participants
	// (spec.md §1 glossary) and must not count toward the presence-empty
	// Destroy trigger (Open Question 3): skip the presence SAdd for them.
	if rt.Kind() != signaling.KindRecorder {
		if err := st.SAdd(ctx, presenceKey(m.room), string(self)); err != nil {
			return fmt.Errorf("control: add presence: %w", err)
		}
	}

	state := State{
		DisplayName: displayName,
		JoinedAt:    now,
		LastSeen:    now,
		Role:        rt.Role(),
		Kind:        rt.Kind(),
	}
	if err := st.HSet(ctx, stateKey(m.room, self), map[string]any{
		"display_name": state.DisplayName,
		"hand_is_up":   state.HandIsUp,
		"joined_at":    state.JoinedAt.Format(time.RFC3339),
		"last_seen":    state.LastSeen.Format(time.RFC3339),
		"role":         string(state.Role),
		"kind":         string(state.Kind),
	}); err != nil {
		return fmt.Errorf("control: write control state: %w", err)
	}

	moduleData, err := rt.AssembleJoinData(ctx)
	if err != nil {
		return fmt.Errorf("control: assemble join data: %w", err)
	}

	peers, err := m.peerSnapshot(ctx, rt, self)
	if err != nil {
		return fmt.Errorf("control: snapshot peers: %w", err)
	}

	rt.Emit(Namespace, joinSuccess{ParticipantID: self, Role: rt.Role(), ModuleData: moduleData, Participants: peers})
	rt.Broadcast(Namespace, participantJoined{ParticipantID: self, DisplayName: displayName, Role: rt.Role()}, true)
	rt.MarkJoined()

	metrics.ControlParticipantEvents.WithLabelValues("joined").Inc()
	return nil
}

// peerSnapshot implements the join algorithm's step 4 (spec.md §4.4: "Read
// peers' ControlState ... and assemble JoinSuccess"): it enumerates the
// presence set and reads each peer's persisted ControlState hash directly,
// filtering out the joining participant itself and any recorder-kind peer
// (recorders are invisible to other participants, spec.md §1 glossary).
func (m *Module) peerSnapshot(ctx context.Context, rt signaling.Runtime, self signaling.ParticipantID) ([]participant, error) {
	present, err := rt.Store().SMembers(ctx, presenceKey(m.room))
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}

	peers := make([]participant, 0, len(present))
	for _, raw := range present {
		pid := signaling.ParticipantID(raw)
		if pid == self {
			continue
		}
		fields, err := rt.Store().HGetAll(ctx, stateKey(m.room, pid))
		if err != nil || len(fields) == 0 {
			continue
		}
		if signaling.Kind(fields["kind"]) == signaling.KindRecorder {
			continue
		}
		peers = append(peers, participant{
			ParticipantID: pid,
			DisplayName:   fields["display_name"],
			Role:          signaling.Role(fields["role"]),
		})
	}
	return peers, nil
}

// CompleteJoin is the narrow interface internal/signaling's Runner invokes
// for a waiting-room participant after an "accepted" Signal, re-entering the
// admission algorithm from the participant's own connection goroutine.
func (m *Module) CompleteJoin(ctx context.Context, rt signaling.Runtime) error {
	self := rt.Self()
	displayName, ok := m.pendingDisplayName[self]
	if !ok {
		displayName = "participant"
	}
	delete(m.pendingDisplayName, self)

	if err := rt.Store().SRem(ctx, waitingKey(m.room), string(self)); err != nil {
		logging.Warn(ctx, "failed to clear waiting entry", zap.Error(err))
	}
	return m.admit(ctx, rt, displayName)
}

// accept is the moderator-side half of waiting-room admission: it signals
// the target's own runner to finish the join algorithm on its own goroutine.
func (m *Module) accept(ctx context.Context, rt signaling.Runtime, target signaling.ParticipantID) error {
	if rt.Role() != signaling.RoleModerator {
		return ErrNotModerator
	}
	if !rt.SignalTo(target, "accepted", "") {
		logging.Warn(ctx, "accept target not attached locally, dropping", zap.String("target", string(target)))
	}
	return nil
}

// remove implements Kick/Ban (moderator-only; Ban additionally requires the
// target be a directory user, per spec.md's CannotBanGuest).
func (m *Module) remove(ctx context.Context, rt signaling.Runtime, target signaling.ParticipantID, reason string, ban bool) error {
	if rt.Role() != signaling.RoleModerator {
		return ErrNotModerator
	}
	if ban {
		fields, err := rt.Store().HGetAll(ctx, stateKey(m.room, target))
		if err != nil {
			return fmt.Errorf("control: read target control state: %w", err)
		}
		if kind, ok := fields["kind"]; ok && signaling.Kind(kind) != signaling.KindUser {
			return ErrCannotBanGuest
		}
		if err := rt.Store().SAdd(ctx, bansKey(m.room), string(target)); err != nil {
			return fmt.Errorf("control: ban: %w", err)
		}
	}

	if err := rt.Store().SRem(ctx, presenceKey(m.room), string(target)); err != nil {
		logging.Warn(ctx, "failed to remove presence on kick/ban", zap.Error(err))
	}

	rt.Broadcast(Namespace, participantLeft{ParticipantID: target, Reason: reason}, false)
	rt.SignalTo(target, reason, reason)
	metrics.ControlParticipantEvents.WithLabelValues(reason).Inc()
	return nil
}

func (m *Module) setWaitingRoomEnabled(ctx context.Context, rt signaling.Runtime, enabled bool) error {
	if rt.Role() != signaling.RoleModerator {
		return ErrNotModerator
	}
	val := "0"
	if enabled {
		val = "1"
	}
	return rt.Store().Set(ctx, waitingRoomFlagKey(m.room), val, 0)
}

func (m *Module) resetRaisedHands(ctx context.Context, rt signaling.Runtime) error {
	if rt.Role() != signaling.RoleModerator {
		return ErrNotModerator
	}
	rt.Broadcast(Namespace, map[string]string{"type": "hands_reset"}, false)
	return nil
}

// RaiseHand and LowerHand are invoked on every module by the runner's
// cross-cutting raise/lower-hand dispatch (spec.md §4.9); control records
// the hand state and notifies peers.
func (m *Module) RaiseHand(ctx context.Context, rt signaling.Runtime) error {
	return m.setHand(ctx, rt, true)
}

func (m *Module) LowerHand(ctx context.Context, rt signaling.Runtime) error {
	return m.setHand(ctx, rt, false)
}

func (m *Module) setHand(ctx context.Context, rt signaling.Runtime, up bool) error {
	self := rt.Self()
	now := time.Now().UTC()
	if err := rt.Store().HSet(ctx, stateKey(m.room, self), map[string]any{
		"hand_is_up":      up,
		"hand_updated_at": now.Format(time.RFC3339),
	}); err != nil {
		return fmt.Errorf("control: update hand state: %w", err)
	}
	rt.Broadcast(Namespace, map[string]any{"type": "hand_update", "participant_id": self, "hand_is_up": up}, false)
	return nil
}

// Leaving clears presence/moderator membership for a departing participant.
func (m *Module) Leaving(ctx context.Context, rt signaling.Runtime) error {
	self := rt.Self()
	st := rt.Store()
	if err := st.SRem(ctx, presenceKey(m.room), string(self)); err != nil {
		logging.Warn(ctx, "failed to remove presence on leave", zap.Error(err))
	}
	_ = st.SRem(ctx, moderatorsKey(m.room), string(self))
	_ = st.Del(ctx, stateKey(m.room, self))
	rt.Broadcast(Namespace, participantLeft{ParticipantID: self}, true)
	metrics.ControlParticipantEvents.WithLabelValues("left").Inc()
	return nil
}

// Destroy purges room-scoped control state when this participant was the
// last one present.
func (m *Module) Destroy(ctx context.Context, rt signaling.Runtime, destroyRoom bool) error {
	if !destroyRoom {
		return nil
	}
	st := rt.Store()
	return st.Del(ctx,
		presenceKey(m.room),
		waitingKey(m.room),
		moderatorsKey(m.room),
		bansKey(m.room),
		waitingRoomFlagKey(m.room),
	)
}

