// Package timer implements the timer module (C9): a moderator-started
// count-down or count-up timer with optional per-participant ready-status
// tracking, stopped either explicitly, by expiry, or when its creator
// leaves the room. Grounded in original_source's crates/timer
// (Start/Stop/UpdateReadyStatus incoming messages, Started/Stopped/
// UpdatedReadyStatus outgoing messages, and the three StopKind reasons).
package timer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/riftcall/signaling/internal/logging"
	"github.com/riftcall/signaling/internal/metrics"
	"github.com/riftcall/signaling/internal/signaling"
	"github.com/riftcall/signaling/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const Namespace = "timer"

var (
	ErrNotModerator       = fmt.Errorf("timer: moderator permission required")
	ErrTimerAlreadyRunning = fmt.Errorf("timer: timer_already_running")
	ErrNoActiveTimer      = fmt.Errorf("timer: no_active_timer")
)

// Kind distinguishes a bounded countdown from an unbounded stopwatch,
// matching outgoing.rs's TimerKind.
type Kind string

const (
	KindCountUp   Kind = "count_up"
	KindCountDown Kind = "count_down"
)

// StopReason matches outgoing.rs's StopKind tag.
type StopReason string

const (
	StopByModerator StopReason = "by_moderator"
	StopExpired     StopReason = "expired"
	StopCreatorLeft StopReason = "creator_left"
)

// State is the active timer's persisted record.
type State struct {
	TimerID           string    `json:"timer_id"`
	Kind              Kind      `json:"kind"`
	Title             string    `json:"title,omitempty"`
	Started           time.Time `json:"started"`
	DurationMs        int64     `json:"duration_ms,omitempty"`
	ReadyCheckEnabled bool      `json:"ready_check_enabled"`
	CreatedBy         signaling.ParticipantID `json:"created_by"`
}

// Module is the per-room timer module instance.
type Module struct {
	signaling.NoopModule
	room signaling.RoomRef

	timerMu     sync.Mutex
	activeTimer *time.Timer
}

func NewFactory() signaling.Factory {
	return func(room signaling.RoomRef) signaling.Module {
		return &Module{room: room}
	}
}

func (m *Module) Namespace() string { return Namespace }

func stateKey(room signaling.RoomRef) string {
	return fmt.Sprintf("signaling:room=%s:timer:state", room.Scope())
}
func readyKey(room signaling.RoomRef) string {
	return fmt.Sprintf("signaling:room=%s:timer:ready", room.Scope())
}

type command struct {
	Action            string `json:"action"`
	DurationMs        *int64 `json:"duration_ms,omitempty"`
	Title             *string `json:"title,omitempty"`
	EnableReadyCheck  bool   `json:"enable_ready_check,omitempty"`
	TimerID           string `json:"timer_id,omitempty"`
	Reason            string `json:"reason,omitempty"`
	Status            bool   `json:"status,omitempty"`
}

type started struct {
	TimerID           string `json:"timer_id"`
	Kind              Kind   `json:"kind"`
	DurationMs        int64  `json:"duration_ms"`
	Title             string `json:"title,omitempty"`
	ReadyCheckEnabled bool   `json:"ready_check_enabled"`
}
type stopped struct {
	TimerID       string                   `json:"timer_id"`
	Kind          StopReason               `json:"kind"`
	ParticipantID *signaling.ParticipantID `json:"participant_id,omitempty"`
	Reason        string                   `json:"reason,omitempty"`
}
type updatedReadyStatus struct {
	TimerID       string                  `json:"timer_id"`
	ParticipantID signaling.ParticipantID `json:"participant_id"`
	Status        bool                    `json:"status"`
}

func (m *Module) HandleMessage(ctx context.Context, rt signaling.Runtime, payload json.RawMessage) error {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("timer: decode command: %w", err)
	}

	switch cmd.Action {
	case "start":
		return m.start(ctx, rt, cmd)
	case "stop":
		return m.stop(ctx, rt, StopByModerator, &cmd.Reason)
	case "update_ready_status":
		return m.updateReadyStatus(ctx, rt, cmd)
	default:
		return fmt.Errorf("timer: unknown action %q", cmd.Action)
	}
}

func (m *Module) start(ctx context.Context, rt signaling.Runtime, cmd command) error {
	if rt.Role() != signaling.RoleModerator {
		return ErrNotModerator
	}
	if _, err := rt.Store().Get(ctx, stateKey(m.room)); err == nil {
		return ErrTimerAlreadyRunning
	}

	kind := KindCountUp
	var durationMs int64
	if cmd.DurationMs != nil && *cmd.DurationMs > 0 {
		kind = KindCountDown
		durationMs = *cmd.DurationMs
	}
	title := ""
	if cmd.Title != nil {
		title = *cmd.Title
	}

	st := State{
		TimerID:           uuid.NewString(),
		Kind:              kind,
		Title:             title,
		Started:           time.Now().UTC(),
		DurationMs:        durationMs,
		ReadyCheckEnabled: cmd.EnableReadyCheck,
		CreatedBy:         rt.Self(),
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("timer: marshal state: %w", err)
	}
	if err := rt.Store().Set(ctx, stateKey(m.room), string(raw), 0); err != nil {
		return fmt.Errorf("timer: write state: %w", err)
	}

	rt.Broadcast(Namespace, started{
		TimerID: st.TimerID, Kind: st.Kind, DurationMs: st.DurationMs,
		Title: st.Title, ReadyCheckEnabled: st.ReadyCheckEnabled,
	}, false)
	metrics.SupplementModuleEvents.WithLabelValues(Namespace, "started").Inc()

	if kind == KindCountDown {
		m.armExpiry(rt, st, time.Duration(durationMs)*time.Millisecond)
	}
	return nil
}

func (m *Module) stop(ctx context.Context, rt signaling.Runtime, reason StopReason, note *string) error {
	st, err := m.loadState(ctx, rt)
	if err != nil {
		return err
	}
	if reason == StopByModerator && rt.Role() != signaling.RoleModerator {
		return ErrNotModerator
	}

	m.cancelTimer()
	if err := rt.Store().Del(ctx, stateKey(m.room), readyKey(m.room)); err != nil {
		logging.Warn(ctx, "failed to delete timer state", zap.Error(err))
	}

	out := stopped{TimerID: st.TimerID, Kind: reason}
	switch reason {
	case StopByModerator:
		self := rt.Self()
		out.ParticipantID = &self
		if note != nil {
			out.Reason = *note
		}
	}
	rt.Broadcast(Namespace, out, false)
	metrics.SupplementModuleEvents.WithLabelValues(Namespace, string(reason)).Inc()
	return nil
}

func (m *Module) updateReadyStatus(ctx context.Context, rt signaling.Runtime, cmd command) error {
	st, err := m.loadState(ctx, rt)
	if err != nil {
		return err
	}
	if st.TimerID != cmd.TimerID {
		return ErrNoActiveTimer
	}
	if err := rt.Store().HSet(ctx, readyKey(m.room), map[string]any{string(rt.Self()): cmd.Status}); err != nil {
		return fmt.Errorf("timer: update ready status: %w", err)
	}
	rt.Broadcast(Namespace, updatedReadyStatus{
		TimerID: st.TimerID, ParticipantID: rt.Self(), Status: cmd.Status,
	}, false)
	return nil
}

func (m *Module) loadState(ctx context.Context, rt signaling.Runtime) (State, error) {
	raw, err := rt.Store().Get(ctx, stateKey(m.room))
	if err != nil {
		if err == store.ErrNotFound {
			return State{}, ErrNoActiveTimer
		}
		return State{}, fmt.Errorf("timer: load state: %w", err)
	}
	var st State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return State{}, fmt.Errorf("timer: decode state: %w", err)
	}
	return st, nil
}

func (m *Module) armExpiry(rt signaling.Runtime, st State, d time.Duration) {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if m.activeTimer != nil {
		m.activeTimer.Stop()
	}
	m.activeTimer = time.AfterFunc(d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		current, err := m.loadState(ctx, rt)
		if err != nil || current.TimerID != st.TimerID {
			return
		}
		if err := m.stop(ctx, rt, StopExpired, nil); err != nil {
			logging.Warn(ctx, "timer auto-expiry failed", zap.Error(err))
		}
	})
}

func (m *Module) cancelTimer() {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if m.activeTimer != nil {
		m.activeTimer.Stop()
		m.activeTimer = nil
	}
}

// Leaving stops the active timer with StopCreatorLeft if the departing
// participant is the one who started it, matching outgoing.rs's
// StopKind::CreatorLeft.
func (m *Module) Leaving(ctx context.Context, rt signaling.Runtime) error {
	st, err := m.loadState(ctx, rt)
	if err != nil {
		return nil
	}
	if st.CreatedBy != rt.Self() {
		return nil
	}
	return m.stop(ctx, rt, StopCreatorLeft, nil)
}

func (m *Module) Destroy(ctx context.Context, rt signaling.Runtime, destroyRoom bool) error {
	m.cancelTimer()
	if !destroyRoom {
		return nil
	}
	return rt.Store().Del(ctx, stateKey(m.room), readyKey(m.room))
}
