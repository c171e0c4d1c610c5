// Package recording implements the recording module (C9): a single active
// room recording, started either by a moderator or by the dedicated
// Recorder-kind participant's own connection (spec.md §1's invisible-to-
// presence "recorder" participant kind), with per-participant consent
// tracking. Grounded on original_source's
// crates/controller/.../ws_modules/recording/{incoming,outgoing,
// rabbitmq}.rs: Start/Stop(recording_id)/SetConsent(consent) incoming;
// Started/Stopped/Error{InsufficientPermissions,AlreadyRecording,
// InvalidRecordingId} outgoing; a StartRecording{room,breakout} message the
// original dispatches to an external recording service over its message
// bus. Dispatching to that external service is a C3 (bus) concern external
// to this module's per-room state machine, so it is represented here only
// as a broadcast on a dedicated namespace a bus-bridging component could
// subscribe to — the same boundary breakout draws around ticket issuance.
package recording

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/riftcall/signaling/internal/metrics"
	"github.com/riftcall/signaling/internal/signaling"
	"github.com/riftcall/signaling/internal/store"
	"github.com/google/uuid"
)

const Namespace = "recording"

// ControlNamespace is where a bus-bridging component listens for
// StartRecording dispatches to the external recording service.
const ControlNamespace = "recording.control"

var (
	ErrInsufficientPermissions = fmt.Errorf("recording: insufficient_permissions")
	ErrAlreadyRecording        = fmt.Errorf("recording: already_recording")
	ErrInvalidRecordingID      = fmt.Errorf("recording: invalid_recording_id")
)

// State is the active recording's persisted record.
type State struct {
	RecordingID string                  `json:"recording_id"`
	CreatedBy   signaling.ParticipantID `json:"created_by"`
}

// Module is the per-room recording module instance.
type Module struct {
	signaling.NoopModule
	room signaling.RoomRef
}

func NewFactory() signaling.Factory {
	return func(room signaling.RoomRef) signaling.Module {
		return &Module{room: room}
	}
}

func (m *Module) Namespace() string { return Namespace }

func stateKey(room signaling.RoomRef) string {
	return fmt.Sprintf("signaling:room=%s:recording:state", room.Scope())
}
func consentKey(room signaling.RoomRef) string {
	return fmt.Sprintf("signaling:room=%s:recording:consent", room.Scope())
}

type command struct {
	Action      string `json:"action"`
	RecordingID string `json:"recording_id,omitempty"`
	Consent     bool   `json:"consent,omitempty"`
}

type started struct {
	RecordingID string `json:"recording_id"`
}
type stopped struct {
	RecordingID string `json:"recording_id"`
}
type recordingError struct {
	Error string `json:"error"`
}
type startRecording struct {
	Room     string  `json:"room"`
	Breakout *string `json:"breakout,omitempty"`
}

func (m *Module) HandleMessage(ctx context.Context, rt signaling.Runtime, payload json.RawMessage) error {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("recording: decode command: %w", err)
	}

	switch cmd.Action {
	case "start":
		return m.start(ctx, rt)
	case "stop":
		return m.stop(ctx, rt, cmd)
	case "set_consent":
		return m.setConsent(ctx, rt, cmd)
	default:
		return fmt.Errorf("recording: unknown action %q", cmd.Action)
	}
}

// canOperate matches the original crate's permission boundary: a moderator
// may start/stop a recording, and so may the dedicated Recorder-kind
// participant operating its own session.
func canOperate(rt signaling.Runtime) bool {
	return rt.Role() == signaling.RoleModerator || rt.Kind() == signaling.KindRecorder
}

func (m *Module) start(ctx context.Context, rt signaling.Runtime) error {
	if !canOperate(rt) {
		rt.Emit(Namespace, recordingError{Error: "insufficient_permissions"})
		return ErrInsufficientPermissions
	}

	st := State{RecordingID: uuid.NewString(), CreatedBy: rt.Self()}
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("recording: marshal state: %w", err)
	}
	ok, err := rt.Store().SetNX(ctx, stateKey(m.room), string(raw), 0)
	if err != nil {
		return fmt.Errorf("recording: set state: %w", err)
	}
	if !ok {
		rt.Emit(Namespace, recordingError{Error: "already_recording"})
		return ErrAlreadyRecording
	}

	rt.Broadcast(Namespace, started{RecordingID: st.RecordingID}, false)
	rt.Broadcast(ControlNamespace, startRecording{Room: m.room.RoomID, Breakout: m.room.BreakoutID}, false)
	metrics.SupplementModuleEvents.WithLabelValues(Namespace, "started").Inc()
	return nil
}

func (m *Module) stop(ctx context.Context, rt signaling.Runtime, cmd command) error {
	if !canOperate(rt) {
		rt.Emit(Namespace, recordingError{Error: "insufficient_permissions"})
		return ErrInsufficientPermissions
	}

	st, err := m.loadState(ctx, rt)
	if err != nil {
		return err
	}
	if cmd.RecordingID != "" && cmd.RecordingID != st.RecordingID {
		rt.Emit(Namespace, recordingError{Error: "invalid_recording_id"})
		return ErrInvalidRecordingID
	}

	if err := rt.Store().Del(ctx, stateKey(m.room), consentKey(m.room)); err != nil {
		return fmt.Errorf("recording: delete state: %w", err)
	}
	rt.Broadcast(Namespace, stopped{RecordingID: st.RecordingID}, false)
	metrics.SupplementModuleEvents.WithLabelValues(Namespace, "stopped").Inc()
	return nil
}

func (m *Module) setConsent(ctx context.Context, rt signaling.Runtime, cmd command) error {
	if err := rt.Store().HSet(ctx, consentKey(m.room), map[string]any{string(rt.Self()): cmd.Consent}); err != nil {
		return fmt.Errorf("recording: set consent: %w", err)
	}
	return nil
}

func (m *Module) loadState(ctx context.Context, rt signaling.Runtime) (State, error) {
	raw, err := rt.Store().Get(ctx, stateKey(m.room))
	if err != nil {
		if err == store.ErrNotFound {
			return State{}, ErrInvalidRecordingID
		}
		return State{}, fmt.Errorf("recording: load state: %w", err)
	}
	var st State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return State{}, fmt.Errorf("recording: decode state: %w", err)
	}
	return st, nil
}

// Leaving auto-stops the recording if the departing participant is the
// Recorder that started it, mirroring the original's rabbitmq.rs Stop
// signal sent to the recording "participant" when its session ends.
func (m *Module) Leaving(ctx context.Context, rt signaling.Runtime) error {
	st, err := m.loadState(ctx, rt)
	if err != nil {
		return nil
	}
	if st.CreatedBy != rt.Self() {
		return nil
	}
	return m.stop(ctx, rt, command{RecordingID: st.RecordingID})
}

func (m *Module) Destroy(ctx context.Context, rt signaling.Runtime, destroyRoom bool) error {
	if !destroyRoom {
		return nil
	}
	return rt.Store().Del(ctx, stateKey(m.room), consentKey(m.room))
}
