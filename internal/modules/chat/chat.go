// Package chat implements the chat module (C9): room-wide, group, and
// private text messages with per-scope history and a moderator-toggleable
// enabled flag. Grounded in original_source's crates/chat (global/private
// scope, enable/disable, history as a Redis list) and crates/ee-chat (group
// scope, per-group membership set), generalized into one module that
// supports all three scopes rather than splitting chat/ee-chat in two.
package chat

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/riftcall/signaling/internal/logging"
	"github.com/riftcall/signaling/internal/metrics"
	"github.com/riftcall/signaling/internal/signaling"
	"github.com/riftcall/signaling/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const Namespace = "chat"

var (
	// ErrNotModerator rejects a moderator-only command (enable/disable).
	ErrNotModerator = fmt.Errorf("chat: moderator permission required")
	// ErrChatDisabled rejects SendMessage while the room's chat is disabled.
	ErrChatDisabled = fmt.Errorf("chat: chat_disabled")
)

// ScopeKind distinguishes the three message-visibility scopes
// original_source's chat (Global/Private) and ee-chat (Group) crates define.
type ScopeKind string

const (
	ScopeGlobal  ScopeKind = "global"
	ScopeGroup   ScopeKind = "group"
	ScopePrivate ScopeKind = "private"
)

// Scope is the {scope, target} pair carried on MessageSent, matching
// outgoing.rs's #[serde(flatten)] Scope enum (flattened manually here since
// messageSent embeds the field names directly rather than a nested value).
type Scope struct {
	Kind   ScopeKind                `json:"scope"`
	Target *signaling.ParticipantID `json:"target,omitempty"`
	Group  *string                  `json:"target_group,omitempty"`
}

// Module is the per-room chat module instance.
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

func enabledKey(room signaling.RoomRef) string {
	return fmt.Sprintf("signaling:room=%s:chat:enabled", room.Scope())
}
func globalHistoryKey(room signaling.RoomRef) string {
	return fmt.Sprintf("signaling:room=%s:chat:history", room.Scope())
}
func groupHistoryKey(room signaling.RoomRef, group string) string {
	return fmt.Sprintf("signaling:room=%s:group=%s:chat:history", room.Scope(), group)
}
func groupMembersKey(room signaling.RoomRef, group string) string {
	return fmt.Sprintf("signaling:room=%s:group=%s:participants", room.Scope(), group)
}
func privateHistoryKey(room signaling.RoomRef, a, b signaling.ParticipantID) string {
	// Canonicalize ordering so both participants address the same key.
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("signaling:room=%s:chat:private=%s,%s:history", room.Scope(), a, b)
}

type command struct {
	Action  string                   `json:"action"`
	Target  *signaling.ParticipantID `json:"target,omitempty"`
	Group   string                   `json:"group,omitempty"`
	Content string                   `json:"content,omitempty"`
}

type chatEnabled struct {
	IssuedBy signaling.ParticipantID `json:"issued_by"`
}
type chatDisabled struct {
	IssuedBy signaling.ParticipantID `json:"issued_by"`
}
type messageSent struct {
	ID      string                  `json:"id"`
	Source  signaling.ParticipantID `json:"source"`
	Content string                  `json:"content"`
	Scope   Scope                   `json:"-"`
}

// MarshalJSON flattens Scope's fields alongside id/source/content, matching
// outgoing.rs's #[serde(flatten)] Scope on MessageSent.
func (m messageSent) MarshalJSON() ([]byte, error) {
	type alias struct {
		ID      string                   `json:"id"`
		Source  signaling.ParticipantID  `json:"source"`
		Content string                   `json:"content"`
		Kind    ScopeKind                `json:"scope"`
		Target  *signaling.ParticipantID `json:"target,omitempty"`
		Group   *string                  `json:"target_group,omitempty"`
	}
	return json.Marshal(alias{
		ID: m.ID, Source: m.Source, Content: m.Content,
		Kind: m.Scope.Kind, Target: m.Scope.Target, Group: m.Scope.Group,
	})
}
type historyCleared struct {
	IssuedBy signaling.ParticipantID `json:"issued_by"`
}

func (m *Module) HandleMessage(ctx context.Context, rt signaling.Runtime, payload json.RawMessage) error {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("chat: decode command: %w", err)
	}

	switch cmd.Action {
	case "enable_chat":
		return m.setEnabled(ctx, rt, true)
	case "disable_chat":
		return m.setEnabled(ctx, rt, false)
	case "send_message":
		return m.send(ctx, rt, cmd)
	case "clear_history":
		return m.clearHistory(ctx, rt)
	default:
		return fmt.Errorf("chat: unknown action %q", cmd.Action)
	}
}

func (m *Module) setEnabled(ctx context.Context, rt signaling.Runtime, enabled bool) error {
	if rt.Role() != signaling.RoleModerator {
		return ErrNotModerator
	}
	val := "1"
	if !enabled {
		val = "0"
	}
	if err := rt.Store().Set(ctx, enabledKey(m.room), val, 0); err != nil {
		return fmt.Errorf("chat: set enabled flag: %w", err)
	}
	if enabled {
		rt.Broadcast(Namespace, chatEnabled{IssuedBy: rt.Self()}, false)
		metrics.SupplementModuleEvents.WithLabelValues(Namespace, "enabled").Inc()
	} else {
		rt.Broadcast(Namespace, chatDisabled{IssuedBy: rt.Self()}, false)
		metrics.SupplementModuleEvents.WithLabelValues(Namespace, "disabled").Inc()
	}
	return nil
}

func (m *Module) isEnabled(ctx context.Context, rt signaling.Runtime) bool {
	v, err := rt.Store().Get(ctx, enabledKey(m.room))
	if err != nil {
		// Absent key means chat was never explicitly disabled; default open.
		return true
	}
	return v != "0"
}

func (m *Module) send(ctx context.Context, rt signaling.Runtime, cmd command) error {
	if !m.isEnabled(ctx, rt) {
		return ErrChatDisabled
	}

	msg := messageSent{
		ID:      uuid.NewString(),
		Source:  rt.Self(),
		Content: cmd.Content,
	}

	st := rt.Store()
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("chat: marshal message: %w", err)
	}

	switch {
	case cmd.Group != "":
		isMember, merr := st.SIsMember(ctx, groupMembersKey(m.room, cmd.Group), string(rt.Self()))
		if merr == nil && !isMember {
			return fmt.Errorf("chat: not a member of group %q", cmd.Group)
		}
		msg.Scope = Scope{Kind: ScopeGroup, Group: &cmd.Group}
		if err := st.RPush(ctx, groupHistoryKey(m.room, cmd.Group), string(raw)); err != nil {
			logging.Warn(ctx, "failed to persist group chat history", zap.Error(err))
		}
		members, _ := st.SMembers(ctx, groupMembersKey(m.room, cmd.Group))
		for _, member := range members {
			rt.SendTo(signaling.ParticipantID(member), Namespace, msg)
		}
	case cmd.Target != nil:
		msg.Scope = Scope{Kind: ScopePrivate, Target: cmd.Target}
		if err := st.RPush(ctx, privateHistoryKey(m.room, rt.Self(), *cmd.Target), string(raw)); err != nil {
			logging.Warn(ctx, "failed to persist private chat history", zap.Error(err))
		}
		rt.Emit(Namespace, msg)
		rt.SendTo(*cmd.Target, Namespace, msg)
	default:
		msg.Scope = Scope{Kind: ScopeGlobal}
		if err := st.RPush(ctx, globalHistoryKey(m.room), string(raw)); err != nil {
			logging.Warn(ctx, "failed to persist global chat history", zap.Error(err))
		}
		rt.Broadcast(Namespace, msg, false)
	}

	metrics.SupplementModuleEvents.WithLabelValues(Namespace, "message_sent").Inc()
	return nil
}

func (m *Module) clearHistory(ctx context.Context, rt signaling.Runtime) error {
	if rt.Role() != signaling.RoleModerator {
		return ErrNotModerator
	}
	if err := rt.Store().Del(ctx, globalHistoryKey(m.room)); err != nil {
		return fmt.Errorf("chat: clear history: %w", err)
	}
	rt.Broadcast(Namespace, historyCleared{IssuedBy: rt.Self()}, false)
	return nil
}

// Joined returns this participant's visible global chat history, matching
// original_source's get_room_chat_history read on join_success.
func (m *Module) Joined(ctx context.Context, rt signaling.Runtime) (signaling.JoinResult, error) {
	history, err := rt.Store().LRange(ctx, globalHistoryKey(m.room), 0, -1)
	if err != nil && err != store.ErrNotFound {
		return signaling.JoinResult{}, fmt.Errorf("chat: read history: %w", err)
	}
	return signaling.JoinResult{Own: map[string]any{"history": history, "enabled": m.isEnabled(ctx, rt)}}, nil
}

// Destroy purges room-scoped chat state (global history and enabled flag;
// group/private histories are addressed by their own keys and are left for
// a future group-teardown hook since they outlive any single room instance
// only as long as the room itself does).
func (m *Module) Destroy(ctx context.Context, rt signaling.Runtime, destroyRoom bool) error {
	if !destroyRoom {
		return nil
	}
	return rt.Store().Del(ctx, enabledKey(m.room), globalHistoryKey(m.room))
}
