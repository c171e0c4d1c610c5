package signaling

// Factory builds a fresh Module instance scoped to one room. Registry holds
// factories rather than live modules: each Room instantiates its own set so
// per-room in-memory state (e.g. an automod timer handle) is never shared
// across rooms.
type Factory func(room RoomRef) Module

// Registry is the map from namespace string to module factory (spec.md
// §4.5/§9: "a map from namespace string to a uniform module handler").
type Registry struct {
	factories map[string]Factory
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a module factory under namespace. Panics on duplicate
// registration, since that is always a startup-time programming error.
func (r *Registry) Register(namespace string, f Factory) {
	if _, exists := r.factories[namespace]; exists {
		panic("signaling: module already registered for namespace " + namespace)
	}
	r.factories[namespace] = f
}

// Namespaces lists every registered namespace.
func (r *Registry) Namespaces() []string {
	out := make([]string, 0, len(r.factories))
	for ns := range r.factories {
		out = append(out, ns)
	}
	return out
}

// Instantiate builds one Module per registered namespace, scoped to room.
func (r *Registry) Instantiate(room RoomRef) map[string]Module {
	out := make(map[string]Module, len(r.factories))
	for ns, f := range r.factories {
		out[ns] = f(room)
	}
	return out
}
