package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/riftcall/signaling/internal/bus"
	"github.com/riftcall/signaling/internal/lock"
	"github.com/riftcall/signaling/internal/logging"
	"github.com/riftcall/signaling/internal/metrics"
	"github.com/riftcall/signaling/internal/store"
	"go.uber.org/zap"
)

// Sink is how a Room delivers an envelope to one locally-attached
// connection; *Runner implements it. Kept as a small interface so room.go
// does not need to import runner.go's full type.
type Sink interface {
	Deliver(Envelope)
	ParticipantID() ParticipantID
	// Signal delivers a control-plane instruction (accepted/kicked/banned)
	// that the sink's own run loop reacts to directly.
	Signal(kind string, reason string)
}

// Room is the per-room aggregate: presence (backed by the state store),
// the per-room module instances, and the set of locally-attached runners
// used for the fast local fan-out path before republishing to the bus for
// other instances. Adapted from the teacher's internal/v1/session/room.go
// (role/participant maps + broadcast), generalized from a hardcoded event
// switch to module dispatch and from the teacher's ad hoc Message{Event,
// Payload} envelope to the namespace-keyed Envelope codec.
type Room struct {
	ref RoomRef

	mu          sync.RWMutex
	connections map[ParticipantID]Sink
	modules     map[string]Module

	store   *store.Client
	busSvc  *bus.Service
	lockMgr *lock.Manager

	subCancel context.CancelFunc
	subDone   chan struct{}
}

// newRoom builds a Room, instantiates its module set, and starts the bus
// subscription that fans in events published by other instances.
func newRoom(ref RoomRef, reg *Registry, st *store.Client, busSvc *bus.Service, lockMgr *lock.Manager) *Room {
	r := &Room{
		ref:         ref,
		connections: make(map[ParticipantID]Sink),
		modules:     reg.Instantiate(ref),
		store:       st,
		busSvc:      busSvc,
		lockMgr:     lockMgr,
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.subCancel = cancel
	r.subDone = make(chan struct{})

	var wg sync.WaitGroup
	busSvc.Subscribe(ctx, ref.Scope(), &wg, func(p bus.PubSubPayload) {
		r.deliverRemote(p)
	})
	go func() {
		wg.Wait()
		close(r.subDone)
	}()

	metrics.ActiveRooms.Inc()
	return r
}

// deliverRemote fans a bus-originated event out to this instance's local
// connections, skipping the original sender (the bus already skips
// re-delivery to the same process in the teacher's pattern, but a defensive
// check here costs nothing).
func (r *Room) deliverRemote(p bus.PubSubPayload) {
	env := Envelope{Namespace: p.Event, Timestamp: time.Now().UTC(), Payload: p.Payload}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for pid, sink := range r.connections {
		if string(pid) == p.SenderID {
			continue
		}
		sink.Deliver(env)
	}
}

// Attach registers a locally-connected runner so it receives local
// broadcasts and bus fan-in.
func (r *Room) Attach(sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[sink.ParticipantID()] = sink
	metrics.RoomParticipants.WithLabelValues(r.ref.RoomID).Set(float64(len(r.connections)))
}

// Detach removes a locally-connected runner. Returns true if this was the
// last local connection (the caller still must confirm via the presence set
// in the store before triggering Destroy, since other instances may hold
// other participants of the same room).
func (r *Room) Detach(pid ParticipantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connections, pid)
	metrics.RoomParticipants.WithLabelValues(r.ref.RoomID).Set(float64(len(r.connections)))
	return len(r.connections) == 0
}

// Modules returns the per-room module instance map (read-only use expected).
func (r *Room) Modules() map[string]Module {
	return r.modules
}

// Broadcast delivers an envelope to every locally-attached connection
// (optionally excluding one) and republishes it on the bus for other
// instances holding participants of this room.
func (r *Room) Broadcast(ctx context.Context, namespace string, payload any, senderID ParticipantID, excludeSelf bool) {
	env, err := NewEnvelope(namespace, payload)
	if err != nil {
		logging.Error(ctx, "failed to encode broadcast envelope", zap.String("namespace", namespace), zap.Error(err))
		return
	}

	r.mu.RLock()
	for pid, sink := range r.connections {
		if excludeSelf && pid == senderID {
			continue
		}
		sink.Deliver(env)
	}
	r.mu.RUnlock()

	if err := r.busSvc.Publish(ctx, r.ref.Scope(), namespace, env.Payload, string(senderID), nil); err != nil {
		logging.Error(ctx, "failed to republish broadcast on bus", zap.String("namespace", namespace), zap.Error(err))
	}
}

// SendTo delivers an envelope to one participant, wherever its runner lives:
// locally if attached here, otherwise via the bus's direct-message channel.
func (r *Room) SendTo(ctx context.Context, target ParticipantID, namespace string, payload any, senderID ParticipantID) {
	env, err := NewEnvelope(namespace, payload)
	if err != nil {
		logging.Error(ctx, "failed to encode direct envelope", zap.String("namespace", namespace), zap.Error(err))
		return
	}

	r.mu.RLock()
	sink, local := r.connections[target]
	r.mu.RUnlock()

	if local {
		sink.Deliver(env)
		return
	}

	if err := r.busSvc.PublishDirect(ctx, string(target), namespace, env.Payload, string(senderID)); err != nil {
		logging.Error(ctx, "failed to publish direct message on bus", zap.String("namespace", namespace), zap.Error(err))
	}
}

// SignalTo delivers a control-plane signal to target's sink if it is
// attached on this instance. Cross-instance delivery of moderator actions
// (kick/ban/accept issued against a participant connected to another
// instance) is a known gap: it would need a reserved bus channel mirroring
// PublishDirect's per-user routing, which is future work beyond this pass.
func (r *Room) SignalTo(target ParticipantID, kind, reason string) bool {
	r.mu.RLock()
	sink, local := r.connections[target]
	r.mu.RUnlock()
	if !local {
		return false
	}
	sink.Signal(kind, reason)
	return true
}

// Close cancels the room's bus subscription and waits for it to drain
// (spec.md §4.3: "on drop, the subscription is cancelled explicitly to
// prevent zombie consumers").
func (r *Room) Close() {
	r.subCancel()
	<-r.subDone
	metrics.ActiveRooms.Dec()
}
