package transport

import (
	"fmt"
	"sync"

	"google.golang.org/grpc/resolver"

	"replog/internal/replog"
)

const scheme = "replog"

// target is the dial target of a participant, "replog:///<id>".
func target(id replog.ParticipantID) string {
	return fmt.Sprintf("%s:///%s", scheme, id)
}

// Registry maps participant ids to network addresses and is the name resolver for the "replog" scheme. Connections
// built from it follow address changes without being re-dialed.
type Registry struct {
	mu       sync.RWMutex
	records  map[replog.ParticipantID]string
	watchers map[replog.ParticipantID]map[*idResolver]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		records:  make(map[replog.ParticipantID]string),
		watchers: make(map[replog.ParticipantID]map[*idResolver]struct{}),
	}
}

// Register sets or updates the address of id and notifies any active resolvers.
func (r *Registry) Register(id replog.ParticipantID, addr string) {
	r.mu.Lock()
	r.records[id] = addr
	watchers := make([]*idResolver, 0, len(r.watchers[id]))
	for w := range r.watchers[id] {
		watchers = append(watchers, w)
	}
	r.mu.Unlock()

	// Notify after unlocking, pushCurrent takes the read lock.
	for _, w := range watchers {
		w.pushCurrent()
	}
}

// Unregister forgets the address of id. Resolvers of id report no addresses until it is registered again.
func (r *Registry) Unregister(id replog.ParticipantID) {
	r.mu.Lock()
	delete(r.records, id)
	watchers := make([]*idResolver, 0, len(r.watchers[id]))
	for w := range r.watchers[id] {
		watchers = append(watchers, w)
	}
	r.mu.Unlock()

	for _, w := range watchers {
		w.pushCurrent()
	}
}

// Lookup returns the address registered for id.
func (r *Registry) Lookup(id replog.ParticipantID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.records[id]
	return addr, ok
}

func (r *Registry) Scheme() string { return scheme }

func (r *Registry) Build(t resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	id := replog.ParticipantID(t.Endpoint())
	if id == "" {
		return nil, fmt.Errorf("replog resolver: empty target endpoint: %s", t.URL.String())
	}

	res := &idResolver{id: id, cc: cc, registry: r}
	r.mu.Lock()
	set := r.watchers[id]
	if set == nil {
		set = make(map[*idResolver]struct{})
		r.watchers[id] = set
	}
	set[res] = struct{}{}
	r.mu.Unlock()

	res.pushCurrent()
	return res, nil
}

type idResolver struct {
	id       replog.ParticipantID
	cc       resolver.ClientConn
	registry *Registry
}

func (r *idResolver) ResolveNow(resolver.ResolveNowOptions) { r.pushCurrent() }

func (r *idResolver) Close() {
	r.registry.mu.Lock()
	defer r.registry.mu.Unlock()
	if set, ok := r.registry.watchers[r.id]; ok {
		delete(set, r)
		if len(set) == 0 {
			delete(r.registry.watchers, r.id)
		}
	}
}

func (r *idResolver) pushCurrent() {
	addr, ok := r.registry.Lookup(r.id)
	if !ok || addr == "" {
		// No address yet, grpc keeps the channel in TRANSIENT_FAILURE and retries.
		_ = r.cc.UpdateState(resolver.State{Addresses: nil})
		return
	}
	_ = r.cc.UpdateState(resolver.State{
		Addresses: []resolver.Address{{Addr: addr}},
	})
}
