package signaling

import (
	"sync"
	"time"

	"github.com/riftcall/signaling/internal/bus"
	"github.com/riftcall/signaling/internal/lock"
	"github.com/riftcall/signaling/internal/store"
)

// Manager owns the set of live Rooms on this instance, adapted from the
// teacher's Hub (internal/v1/session/hub.go): a mutex-guarded map keyed by
// room scope, with grace-period teardown so a room that empties and
// immediately refills (e.g. a reconnect racing a leave) does not pay the
// full module-destroy cost.
type Manager struct {
	mu    sync.Mutex
	rooms map[string]*Room

	registry     *Registry
	store        *store.Client
	busSvc       *bus.Service
	lockMgr      *lock.Manager
	cleanupGrace time.Duration
}

// NewManager builds a room Manager.
func NewManager(reg *Registry, st *store.Client, busSvc *bus.Service, lockMgr *lock.Manager, cleanupGrace time.Duration) *Manager {
	return &Manager{
		rooms:        make(map[string]*Room),
		registry:     reg,
		store:        st,
		busSvc:       busSvc,
		lockMgr:      lockMgr,
		cleanupGrace: cleanupGrace,
	}
}

// GetOrCreate returns the Room for ref, creating it (and its bus
// subscription + module instances) on first use.
func (m *Manager) GetOrCreate(ref RoomRef) *Room {
	scope := ref.Scope()

	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.rooms[scope]; ok {
		return r
	}

	r := newRoom(ref, m.registry, m.store, m.busSvc, m.lockMgr)
	m.rooms[scope] = r
	return r
}

// ScheduleRemoval removes ref's Room after the configured cleanup grace
// period, unless a new connection attaches in the meantime. Mirrors the
// teacher's removeRoom time.AfterFunc pattern.
func (m *Manager) ScheduleRemoval(ref RoomRef) {
	scope := ref.Scope()
	time.AfterFunc(m.cleanupGrace, func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		r, ok := m.rooms[scope]
		if !ok {
			return
		}
		r.mu.RLock()
		empty := len(r.connections) == 0
		r.mu.RUnlock()
		if !empty {
			return
		}

		delete(m.rooms, scope)
		r.Close()
	})
}
