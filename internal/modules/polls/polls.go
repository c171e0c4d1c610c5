// Package polls implements the polls module (C9): a single active
// moderator-started poll per room with an optional live tally and automatic
// completion after its configured duration. Grounded in
// original_source's crates/polls (Start/Vote/Finish incoming messages,
// Started/LiveUpdate/Done/Error outgoing messages, the SET EX NX config
// primitive that enforces "one active poll at a time", and ZINCRBY-based
// vote tallying).
package polls

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

const Namespace = "polls"

var (
	ErrNotModerator     = fmt.Errorf("polls: moderator permission required")
	ErrStillRunning     = fmt.Errorf("polls: still_running")
	ErrInvalidPollID    = fmt.Errorf("polls: invalid_poll_id")
	ErrInvalidChoiceID  = fmt.Errorf("polls: invalid_choice_id")
	ErrInvalidChoiceCnt = fmt.Errorf("polls: invalid_choice_count")
	ErrNoActivePoll     = fmt.Errorf("polls: no active poll")
)

// Config is the Config stored under the room's single active-poll key,
// matching storage.rs's PollConfig value (serialized via SET EX NX).
type Config struct {
	ID       string        `json:"id"`
	Topic    string        `json:"topic"`
	Live     bool          `json:"live"`
	Choices  []string      `json:"choices"`
	Duration time.Duration `json:"duration"`
	Started  time.Time     `json:"started"`
}

// Module is the per-room polls module instance.
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

func configKey(room signaling.RoomRef) string {
	return fmt.Sprintf("signaling:room=%s:polls:config", room.Scope())
}
func resultsKey(room signaling.RoomRef, pollID string) string {
	return fmt.Sprintf("signaling:room=%s:poll=%s:vote_count", room.Scope(), pollID)
}
func listKey(room signaling.RoomRef) string {
	return fmt.Sprintf("signaling:room=%s:polls:list", room.Scope())
}

type command struct {
	Action     string   `json:"action"`
	Topic      string   `json:"topic,omitempty"`
	Live       bool     `json:"live,omitempty"`
	Choices    []string `json:"choices,omitempty"`
	DurationMs int64    `json:"duration_ms,omitempty"`
	PollID     string   `json:"poll_id,omitempty"`
	ChoiceID   int      `json:"choice_id"`
}

type choice struct {
	ID      int    `json:"id"`
	Content string `json:"content"`
}
type started struct {
	ID         string        `json:"id"`
	Topic      string        `json:"topic"`
	Live       bool          `json:"live"`
	Choices    []choice      `json:"choices"`
	DurationMs int64         `json:"duration_ms"`
}
type resultItem struct {
	ID    int `json:"id"`
	Count int64 `json:"count"`
}
type results struct {
	ID      string       `json:"id"`
	Results []resultItem `json:"results"`
}
type pollError struct {
	Error string `json:"error"`
}

func (m *Module) HandleMessage(ctx context.Context, rt signaling.Runtime, payload json.RawMessage) error {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("polls: decode command: %w", err)
	}

	switch cmd.Action {
	case "start":
		return m.start(ctx, rt, cmd)
	case "vote":
		return m.vote(ctx, rt, cmd)
	case "finish":
		return m.finish(ctx, rt, cmd)
	default:
		return fmt.Errorf("polls: unknown action %q", cmd.Action)
	}
}

func (m *Module) start(ctx context.Context, rt signaling.Runtime, cmd command) error {
	if rt.Role() != signaling.RoleModerator {
		return ErrNotModerator
	}
	if len(cmd.Choices) == 0 {
		return ErrInvalidChoiceCnt
	}
	if cmd.DurationMs <= 0 {
		cmd.DurationMs = 30_000
	}

	cfg := Config{
		ID:       uuid.NewString(),
		Topic:    cmd.Topic,
		Live:     cmd.Live,
		Choices:  cmd.Choices,
		Duration: time.Duration(cmd.DurationMs) * time.Millisecond,
		Started:  time.Now().UTC(),
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("polls: marshal config: %w", err)
	}

	ok, err := rt.Store().SetNX(ctx, configKey(m.room), string(raw), cfg.Duration)
	if err != nil {
		return fmt.Errorf("polls: set config: %w", err)
	}
	if !ok {
		rt.Emit(Namespace, pollError{Error: "still_running"})
		return ErrStillRunning
	}
	if err := rt.Store().SAdd(ctx, listKey(m.room), cfg.ID); err != nil {
		logging.Warn(ctx, "failed to record poll in room poll list", zap.Error(err))
	}

	choices := make([]choice, len(cfg.Choices))
	for i, c := range cfg.Choices {
		choices[i] = choice{ID: i, Content: c}
	}
	rt.Broadcast(Namespace, started{
		ID: cfg.ID, Topic: cfg.Topic, Live: cfg.Live, Choices: choices,
		DurationMs: cmd.DurationMs,
	}, false)
	metrics.SupplementModuleEvents.WithLabelValues(Namespace, "started").Inc()

	m.armTimer(rt, cfg)
	return nil
}

func (m *Module) vote(ctx context.Context, rt signaling.Runtime, cmd command) error {
	cfg, err := m.loadConfig(ctx, rt)
	if err != nil {
		return err
	}
	if cfg.ID != cmd.PollID {
		return ErrInvalidPollID
	}
	if cmd.ChoiceID < 0 || cmd.ChoiceID >= len(cfg.Choices) {
		return ErrInvalidChoiceID
	}

	if _, err := rt.Store().ZIncrBy(ctx, resultsKey(m.room, cfg.ID), 1, fmt.Sprintf("%d", cmd.ChoiceID)); err != nil {
		return fmt.Errorf("polls: cast vote: %w", err)
	}
	metrics.SupplementModuleEvents.WithLabelValues(Namespace, "vote_cast").Inc()

	if cfg.Live {
		res, err := m.tally(ctx, rt, cfg)
		if err != nil {
			return err
		}
		rt.Broadcast(Namespace, results{ID: cfg.ID, Results: res}, false)
	}
	return nil
}

func (m *Module) finish(ctx context.Context, rt signaling.Runtime, cmd command) error {
	if rt.Role() != signaling.RoleModerator {
		return ErrNotModerator
	}
	cfg, err := m.loadConfig(ctx, rt)
	if err != nil {
		return err
	}
	if cmd.PollID != "" && cfg.ID != cmd.PollID {
		return ErrInvalidPollID
	}
	return m.finishLocked(ctx, rt, cfg, "done")
}

// finishLocked ends the active poll exactly once: it deletes the config key
// (so a concurrent manual Finish and the auto-expiry timer cannot both
// complete the same poll) before broadcasting, using DEL's idempotence as
// the guard rather than a separate "completed" flag.
func (m *Module) finishLocked(ctx context.Context, rt signaling.Runtime, cfg Config, event string) error {
	m.cancelTimer()

	still, err := rt.Store().Get(ctx, configKey(m.room))
	if err != nil || still == "" {
		return nil
	}
	var onDisk Config
	if json.Unmarshal([]byte(still), &onDisk) != nil || onDisk.ID != cfg.ID {
		return nil
	}
	if err := rt.Store().Del(ctx, configKey(m.room)); err != nil {
		logging.Warn(ctx, "failed to delete poll config on finish", zap.Error(err))
	}

	res, err := m.tally(ctx, rt, cfg)
	if err != nil {
		return err
	}
	rt.Broadcast(Namespace, results{ID: cfg.ID, Results: res}, false)
	metrics.SupplementModuleEvents.WithLabelValues(Namespace, event).Inc()

	if err := rt.Store().Del(ctx, resultsKey(m.room, cfg.ID)); err != nil {
		logging.Warn(ctx, "failed to delete poll results", zap.Error(err))
	}
	return nil
}

func (m *Module) tally(ctx context.Context, rt signaling.Runtime, cfg Config) ([]resultItem, error) {
	pairs, err := rt.Store().ZWithScores(ctx, resultsKey(m.room, cfg.ID))
	if err != nil && err != store.ErrNotFound {
		return nil, fmt.Errorf("polls: read results: %w", err)
	}
	counts := make(map[string]int64, len(pairs))
	for _, p := range pairs {
		if member, ok := p.Member.(string); ok {
			counts[member] = int64(p.Score)
		}
	}
	out := make([]resultItem, len(cfg.Choices))
	for i := range cfg.Choices {
		out[i] = resultItem{ID: i, Count: counts[fmt.Sprintf("%d", i)]}
	}
	return out, nil
}

func (m *Module) loadConfig(ctx context.Context, rt signaling.Runtime) (Config, error) {
	raw, err := rt.Store().Get(ctx, configKey(m.room))
	if err != nil {
		if err == store.ErrNotFound {
			return Config{}, ErrNoActivePoll
		}
		return Config{}, fmt.Errorf("polls: load config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return Config{}, fmt.Errorf("polls: decode config: %w", err)
	}
	return cfg, nil
}

// armTimer schedules the automatic Done broadcast at cfg.Duration from its
// Started time, matching scenario 6's "at t=30s, all receive Done exactly
// once" without requiring a Redis keyspace-notification subscriber.
func (m *Module) armTimer(rt signaling.Runtime, cfg Config) {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if m.activeTimer != nil {
		m.activeTimer.Stop()
	}
	remaining := time.Until(cfg.Started.Add(cfg.Duration))
	if remaining < 0 {
		remaining = 0
	}
	m.activeTimer = time.AfterFunc(remaining, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.finishLocked(ctx, rt, cfg, "expired"); err != nil {
			logging.Warn(ctx, "poll auto-finish failed", zap.Error(err))
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

// Destroy purges room-scoped poll state on room teardown; per-poll result
// sets are addressed by poll id and cleaned up as each poll finishes, so
// only the config/list keys need a blanket delete here.
func (m *Module) Destroy(ctx context.Context, rt signaling.Runtime, destroyRoom bool) error {
	m.cancelTimer()
	if !destroyRoom {
		return nil
	}
	return rt.Store().Del(ctx, configKey(m.room), listKey(m.room))
}
