package peers

import (
	"context"
	"sort"
	"sync"
)

// Registry stores peers and publishes their lifecycle events.
type Registry interface {
	Get(ctx context.Context, id string) (Peer, error)
	List(ctx context.Context) ([]Peer, error)
	Add(ctx context.Context, p Peer) error
	Update(ctx context.Context, p Peer) error
	Remove(ctx context.Context, id string) error
	// Subscribe registers fn for every subsequent event. Callbacks run
	// synchronously on the mutating goroutine, in subscription order.
	Subscribe(fn func(Event)) (unsubscribe func())
}

type hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Event)
}

func (h *hub) subscribe(fn func(Event)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = make(map[int]func(Event))
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

func (h *hub) publish(ev Event) {
	h.mu.Lock()
	ids := make([]int, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, h.subs[id])
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(Event{Kind: ev.Kind, Peer: ev.Peer.clone()})
	}
}

// MemRegistry keeps peers in memory. It is used in tests and for peers
// declared statically in configuration.
type MemRegistry struct {
	mu    sync.RWMutex
	peers map[string]Peer
	hub   hub
}

// NewMemRegistry returns a registry seeded with initial.
func NewMemRegistry(initial ...Peer) (*MemRegistry, error) {
	r := &MemRegistry{peers: make(map[string]Peer)}
	for _, p := range initial {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, exists := r.peers[p.ID]; exists {
			return nil, ErrPeerExists
		}
		r.peers[p.ID] = p.clone()
	}
	return r, nil
}

func (r *MemRegistry) Get(_ context.Context, id string) (Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	if !ok {
		return Peer{}, ErrPeerNotFound
	}
	return p.clone(), nil
}

// List returns peers ordered by id.
func (r *MemRegistry) List(_ context.Context) ([]Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemRegistry) Add(_ context.Context, p Peer) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	if _, exists := r.peers[p.ID]; exists {
		r.mu.Unlock()
		return ErrPeerExists
	}
	r.peers[p.ID] = p.clone()
	r.mu.Unlock()
	r.hub.publish(Event{Kind: EventAdded, Peer: p})
	return nil
}

func (r *MemRegistry) Update(_ context.Context, p Peer) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	if _, exists := r.peers[p.ID]; !exists {
		r.mu.Unlock()
		return ErrPeerNotFound
	}
	r.peers[p.ID] = p.clone()
	r.mu.Unlock()
	r.hub.publish(Event{Kind: EventUpdated, Peer: p})
	return nil
}

func (r *MemRegistry) Remove(_ context.Context, id string) error {
	r.mu.Lock()
	p, exists := r.peers[id]
	if !exists {
		r.mu.Unlock()
		return ErrPeerNotFound
	}
	delete(r.peers, id)
	r.mu.Unlock()
	r.hub.publish(Event{Kind: EventRemoved, Peer: p})
	return nil
}

func (r *MemRegistry) Subscribe(fn func(Event)) func() { return r.hub.subscribe(fn) }
