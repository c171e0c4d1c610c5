package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/riftcall/signaling/internal/lock"
	"github.com/riftcall/signaling/internal/logging"
	"github.com/riftcall/signaling/internal/metrics"
	"github.com/riftcall/signaling/internal/store"
	"github.com/riftcall/signaling/internal/ticket"
	"go.uber.org/zap"
)

// Conn abstracts the transport so Runner can be driven by a fake in tests
// instead of a live *websocket.Conn.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
}

// Close codes named in spec.md §6.
const (
	CloseNormal          = 1000
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
	CloseTimeout         = 4000
)

// State is the runner's position in the lifecycle diagram of spec.md §4.6.
type State int

const (
	StateOpening State = iota
	StateStarting
	StateJoining
	StateRunning
	StateLeaving
	StateDestroying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateStarting:
		return "starting"
	case StateJoining:
		return "joining"
	case StateRunning:
		return "running"
	case StateLeaving:
		return "leaving"
	case StateDestroying:
		return "destroying"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// RunnerConfig carries the heartbeat/lock/store settings from
// internal/config needed to drive a single connection.
type RunnerConfig struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	LockTTL           time.Duration
	LockRetries       int
	LockRetryBackoff  time.Duration
}

type controlSignal struct {
	kind   string // "accepted", "kicked", "banned"
	reason string
}

// Runner owns one participant's connection lifecycle (C6). It implements
// Runtime directly since its methods are thin proxies over its own fields
// and the attached Room.
type Runner struct {
	conn      Conn
	manager   *Manager
	ticketSvc *ticket.Service
	store     *store.Client
	lockMgr   *lock.Manager
	cfg       RunnerConfig

	mu      sync.RWMutex
	pid     ParticipantID
	role    Role
	kind    Kind
	roomRef RoomRef
	state   State

	room *Room

	send     chan Envelope
	signals  chan controlSignal
	inbound  chan Envelope
	done     chan struct{}
	closeErr error
	ctx      context.Context
}

// NewRunner builds a Runner bound to conn, ready to drive one connection's
// lifecycle from Run.
func NewRunner(conn Conn, manager *Manager, ticketSvc *ticket.Service, st *store.Client, lockMgr *lock.Manager, cfg RunnerConfig) *Runner {
	return &Runner{
		conn:      conn,
		manager:   manager,
		ticketSvc: ticketSvc,
		store:     st,
		lockMgr:   lockMgr,
		cfg:       cfg,
		state:     StateOpening,
		send:      make(chan Envelope, 64),
		signals:   make(chan controlSignal, 4),
		inbound:   make(chan Envelope, 16),
		done:      make(chan struct{}),
	}
}

// --- Runtime interface ---

func (r *Runner) Self() ParticipantID { return r.pid }
func (r *Runner) Role() Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.role
}
func (r *Runner) Kind() Kind    { return r.kind }
func (r *Runner) Room() RoomRef { return r.roomRef }
func (r *Runner) Context() context.Context { return r.ctx }
func (r *Runner) Store() *store.Client     { return r.store }
func (r *Runner) Lock() *lock.Manager      { return r.lockMgr }

func (r *Runner) Emit(namespace string, payload any) {
	env, err := NewEnvelope(namespace, payload)
	if err != nil {
		logging.Error(r.ctx, "failed to encode self envelope", zap.String("namespace", namespace), zap.Error(err))
		return
	}
	r.Deliver(env)
}

func (r *Runner) Broadcast(namespace string, payload any, excludeSelf bool) {
	if r.room == nil {
		return
	}
	r.room.Broadcast(r.ctx, namespace, payload, r.pid, excludeSelf)
}

func (r *Runner) SendTo(target ParticipantID, namespace string, payload any) {
	if r.room == nil {
		return
	}
	r.room.SendTo(r.ctx, target, namespace, payload, r.pid)
}

func (r *Runner) SignalTo(target ParticipantID, kind, reason string) bool {
	if r.room == nil {
		return false
	}
	return r.room.SignalTo(target, kind, reason)
}

func (r *Runner) PeerModuleData(peer ParticipantID, namespace string) (json.RawMessage, bool) {
	key := peerDataKey(r.roomRef, peer, namespace)
	raw, err := r.store.Get(r.ctx, key)
	if err != nil {
		return nil, false
	}
	return json.RawMessage(raw), true
}

func peerDataKey(room RoomRef, pid ParticipantID, namespace string) string {
	return fmt.Sprintf("signaling:room=%s:participant=%s:module=%s:peer", room.Scope(), pid, namespace)
}

// SetRole updates this runner's role (e.g. the control module promoting the
// first joiner to moderator, or a later moderator-driven role change) and
// notifies every module via RoleUpdated.
func (r *Runner) SetRole(ctx context.Context, newRole Role) error {
	r.mu.Lock()
	r.role = newRole
	r.mu.Unlock()

	if r.room == nil {
		return nil
	}
	for _, mod := range r.room.Modules() {
		if err := mod.RoleUpdated(ctx, r, newRole); err != nil {
			return err
		}
	}
	return nil
}

// AssembleJoinData calls Joined on every registered module, persists each
// module's peer-visible contribution for later PeerModuleData reads, and
// returns the per-namespace payloads for this participant's JoinSuccess.
func (r *Runner) AssembleJoinData(ctx context.Context) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)
	for ns, mod := range r.room.Modules() {
		result, err := mod.Joined(ctx, r)
		if err != nil {
			return nil, fmt.Errorf("module %s: joined: %w", ns, err)
		}
		if result.Own != nil {
			raw, err := json.Marshal(result.Own)
			if err != nil {
				return nil, fmt.Errorf("module %s: marshal own data: %w", ns, err)
			}
			out[ns] = raw
		}
		if result.Peer != nil {
			raw, err := json.Marshal(result.Peer)
			if err != nil {
				return nil, fmt.Errorf("module %s: marshal peer data: %w", ns, err)
			}
			if err := r.store.Set(ctx, peerDataKey(r.roomRef, r.pid, ns), string(raw), 0); err != nil {
				return nil, fmt.Errorf("module %s: persist peer data: %w", ns, err)
			}
		}
	}
	return out, nil
}

// --- Sink interface ---

func (r *Runner) ParticipantID() ParticipantID { return r.pid }

// Deliver enqueues env for delivery to the connected client. Slow consumers
// get their oldest buffered frame dropped rather than blocking the sender,
// matching the teacher's non-blocking broadcast channel sends.
func (r *Runner) Deliver(env Envelope) {
	select {
	case r.send <- env:
	default:
		select {
		case <-r.send:
		default:
		}
		select {
		case r.send <- env:
		default:
		}
		logging.Warn(r.ctx, "dropped frame for slow consumer", zap.String("participant", string(r.pid)))
	}
}

// Signal delivers a control-plane instruction (accepted/kicked/banned) that
// the run loop reacts to directly, independent of the module dispatch path.
func (r *Runner) Signal(kind string, reason string) {
	select {
	case r.signals <- controlSignal{kind: kind, reason: reason}:
	default:
		logging.Warn(r.ctx, "dropped control signal, signal channel full", zap.String("kind", kind))
	}
}

// --- Lifecycle ---

func (r *Runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// State returns the runner's current lifecycle state.
func (r *Runner) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Run drives the full Opening→...→Closed lifecycle for one connection. It
// blocks until the connection is torn down.
func (r *Runner) Run(ctx context.Context, ticketToken string) error {
	r.ctx = ctx
	start := time.Now()

	if err := r.open(ctx, ticketToken); err != nil {
		metrics.RunnerLifecycleDuration.WithLabelValues("startup", "failure").Observe(time.Since(start).Seconds())
		return err
	}
	metrics.RunnerLifecycleDuration.WithLabelValues("startup", "success").Observe(time.Since(start).Seconds())
	metrics.IncConnection()
	defer metrics.DecConnection()

	go r.readLoop()
	go r.writeLoop()

	r.dispatchLoop(ctx)

	destroyStart := time.Now()
	r.teardown(ctx)
	metrics.RunnerLifecycleDuration.WithLabelValues("destroy", "success").Observe(time.Since(destroyStart).Seconds())

	close(r.done)
	_ = r.conn.Close()
	return r.closeErr
}

// open redeems the ticket, resolves role/kind, and attaches to the room.
// This covers the Opening and Starting states of spec.md §4.6.
func (r *Runner) open(ctx context.Context, ticketToken string) error {
	data, err := r.ticketSvc.Redeem(ctx, ticketToken)
	if err != nil {
		r.closeErr = fmt.Errorf("open: %w", err)
		return r.closeErr
	}

	r.pid = ParticipantID(data.ParticipantID)
	r.roomRef = RoomRef{RoomID: data.Room.RoomID, BreakoutID: data.Room.BreakoutID}
	r.kind = Kind(data.Subject.Kind)
	r.role = RoleUser

	r.setState(StateStarting)
	r.room = r.manager.GetOrCreate(r.roomRef)
	r.room.Attach(r)

	r.setState(StateJoining)
	return nil
}

// readLoop pumps frames off the wire into r.inbound. It is the only
// goroutine that reads from conn.
func (r *Runner) readLoop() {
	defer close(r.inbound)
	for {
		_ = r.conn.SetReadDeadline(time.Now().Add(r.cfg.HeartbeatTimeout))
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logging.Warn(r.ctx, "dropping malformed frame", zap.Error(err))
			continue
		}
		select {
		case r.inbound <- env:
		case <-r.done:
			return
		}
	}
}

// writeLoop is the only goroutine that writes to conn, per gorilla/websocket's
// single-writer requirement.
func (r *Runner) writeLoop() {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case env, ok := <-r.send:
			if !ok {
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := r.conn.WriteMessage(1, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := r.conn.WriteMessage(9, nil); err != nil {
				return
			}
		case <-r.done:
			return
		}
	}
}

// dispatchLoop is the single-threaded cooperative dispatch loop described in
// spec.md §5: it suspends only at frame read, signal receive, or context
// cancellation (the module handlers it calls may themselves suspend at a
// state-store RPC, lock acquire, or timer).
func (r *Runner) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-r.signals:
			if r.handleSignal(ctx, sig) {
				return
			}
		case env, ok := <-r.inbound:
			if !ok {
				return
			}
			if r.dispatchEnvelope(ctx, env) {
				return
			}
		}
	}
}

func (r *Runner) handleSignal(ctx context.Context, sig controlSignal) (shouldExit bool) {
	switch sig.kind {
	case "accepted":
		if r.State() != StateJoining {
			return false
		}
		if err := r.completeJoin(ctx); err != nil {
			logging.Error(ctx, "completeJoin after accept failed", zap.Error(err))
			r.closeErr = err
			return true
		}
		return false
	case "kicked", "banned":
		r.closeErr = fmt.Errorf("runner: %s", sig.kind)
		r.setState(StateLeaving)
		return true
	default:
		return false
	}
}

// raiseHandAction is the discriminator used to recognize the cross-module
// raise/lower hand control command without internal/signaling depending on
// the control module's full payload types.
type raiseHandAction struct {
	Action string `json:"action"`
}

func (r *Runner) dispatchEnvelope(ctx context.Context, env Envelope) (shouldExit bool) {
	if r.State() == StateJoining && env.Namespace != ControlNamespace {
		logging.Warn(ctx, "ignoring non-control frame while joining", zap.String("namespace", env.Namespace))
		return false
	}

	if env.Namespace == ControlNamespace {
		var act raiseHandAction
		if err := env.Decode(&act); err == nil {
			switch act.Action {
			case "raise_hand":
				r.dispatchToAllModules(ctx, func(m Module) error { return m.RaiseHand(ctx, r) })
				return false
			case "lower_hand":
				r.dispatchToAllModules(ctx, func(m Module) error { return m.LowerHand(ctx, r) })
				return false
			}
		}
	}

	mod, ok := r.room.Modules()[env.Namespace]
	if !ok {
		logging.Warn(ctx, "unknown namespace, dropping frame", zap.String("namespace", env.Namespace))
		return false
	}

	start := time.Now()
	err := mod.HandleMessage(ctx, r, env.Payload)
	metrics.ModuleDispatchDuration.WithLabelValues(env.Namespace).Observe(time.Since(start).Seconds())
	if err != nil {
		logging.Warn(ctx, "module dispatch error", zap.String("namespace", env.Namespace), zap.Error(err))
	}

	return false
}

// dispatchToAllModules invokes fn for every module registered in the room,
// logging (but not aborting on) individual failures.
func (r *Runner) dispatchToAllModules(ctx context.Context, fn func(Module) error) {
	for ns, mod := range r.room.Modules() {
		if err := fn(mod); err != nil {
			logging.Warn(ctx, "module hook failed", zap.String("namespace", ns), zap.Error(err))
		}
	}
}

// MarkJoined transitions the runner from Joining to Running. The control
// module calls this once it has finished the admission algorithm (presence
// add, ControlState write, JoinSuccess emission) either synchronously on
// Join or later, after a moderator's Accept, from completeJoin. This is the
// single chokepoint for "r.pid is now actually present in the room"
// regardless of which path got it there, so it is also where every other
// registered module learns about the new peer via ParticipantJoined.
func (r *Runner) MarkJoined() {
	r.setState(StateRunning)
	if r.room == nil {
		return
	}
	for ns, mod := range r.room.Modules() {
		if err := mod.ParticipantJoined(r.ctx, r, r.pid); err != nil {
			logging.Warn(r.ctx, "module participant-joined hook failed", zap.String("namespace", ns), zap.Error(err))
		}
	}
}

// completeJoin re-enters the control module's admission algorithm for a
// participant that was parked in the waiting room, triggered by an
// "accepted" Signal. It mirrors the synchronous path HandleMessage("Join")
// takes for a participant admitted immediately.
func (r *Runner) completeJoin(ctx context.Context) error {
	mod, ok := r.room.Modules()[ControlNamespace].(controlAdmitter)
	if !ok {
		r.MarkJoined()
		return nil
	}
	return mod.CompleteJoin(ctx, r)
}

// controlAdmitter is the narrow interface the control module satisfies to
// let the runner re-enter admission after a waiting-room Accept, without
// internal/signaling importing internal/modules/control (which would be a
// cyclic dependency, since control imports signaling for Module/Runtime).
type controlAdmitter interface {
	CompleteJoin(ctx context.Context, rt Runtime) error
}

// teardown drives Leaving → Destroying → Closed: it notifies every module,
// detaches from the room, and if this was the last local+remote presence
// entry, purges room-scoped state under the distributed lock.
func (r *Runner) teardown(ctx context.Context) (destroyedRoom bool) {
	r.setState(StateLeaving)

	if r.room != nil {
		for ns, mod := range r.room.Modules() {
			if err := mod.Leaving(ctx, r); err != nil {
				logging.Warn(ctx, "module leaving hook failed", zap.String("namespace", ns), zap.Error(err))
			}
		}
		for ns, mod := range r.room.Modules() {
			if err := mod.ParticipantLeft(ctx, r, r.pid); err != nil {
				logging.Warn(ctx, "module participant-left hook failed", zap.String("namespace", ns), zap.Error(err))
			}
		}
	}

	wasLast := false
	if r.room != nil {
		wasLast = r.room.Detach(r.pid)
	}

	if !wasLast {
		r.setState(StateClosed)
		return false
	}

	r.setState(StateDestroying)
	destroyRoom := false
	if r.lockMgr != nil && r.room != nil {
		lockKey := fmt.Sprintf("signaling:room=%s:destroy:lock", r.roomRef.Scope())
		_ = r.lockMgr.WithLock(ctx, lockKey, func(ctx context.Context) error {
			members, err := r.store.SMembers(ctx, fmt.Sprintf("signaling:room=%s:participants", r.roomRef.Scope()))
			if err != nil {
				return err
			}
			destroyRoom = len(members) == 0
			return nil
		})
	}

	if r.room != nil {
		for ns, mod := range r.room.Modules() {
			if err := mod.Destroy(ctx, r, destroyRoom); err != nil {
				logging.Warn(ctx, "module destroy hook failed", zap.String("namespace", ns), zap.Error(err))
			}
		}
		if destroyRoom {
			r.manager.ScheduleRemoval(r.roomRef)
		}
	}

	r.setState(StateClosed)
	return destroyRoom
}
