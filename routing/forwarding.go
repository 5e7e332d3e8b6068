package routing

import (
	"sync"

	"github.com/google/uuid"
)

// Update is one entry of the forwarding log. A nil Route withdraws Prefix.
type Update struct {
	Epoch  uint32
	Prefix string
	Route  *Route
}

// ForwardingTable is the append-only log of advertised route changes.
// Entry i of the log was written at epoch i; an entry superseded by a later
// change to the same prefix is cleared so replays only carry the latest state.
type ForwardingTable struct {
	mu       sync.RWMutex
	id       uuid.UUID
	log      []*Update
	byPrefix map[string]uint32
}

func NewForwardingTable() *ForwardingTable {
	return &ForwardingTable{
		id:       uuid.New(),
		byPrefix: make(map[string]uint32),
	}
}

// ID is the opaque identity of this log.
func (t *ForwardingTable) ID() uuid.UUID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.id
}

// CurrentEpoch is the epoch the next change will be written at.
func (t *ForwardingTable) CurrentEpoch() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return uint32(len(t.log))
}

// Set records the new advertised state of prefix and returns its epoch.
func (t *ForwardingTable) Set(prefix string, route *Route) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.byPrefix[prefix]; ok {
		t.log[prev] = nil
	}
	epoch := uint32(len(t.log))
	u := &Update{Epoch: epoch, Prefix: prefix}
	if route != nil {
		cp := route.clone()
		u.Route = &cp
	}
	t.log = append(t.log, u)
	t.byPrefix[prefix] = epoch
	return epoch
}

// Range returns the live entries written in [from, to), clamped to the
// current epoch.
func (t *ForwardingTable) Range(from, to uint32) []Update {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if to > uint32(len(t.log)) {
		to = uint32(len(t.log))
	}
	var out []Update
	for e := from; e < to; e++ {
		u := t.log[e]
		if u == nil {
			continue
		}
		cp := Update{Epoch: u.Epoch, Prefix: u.Prefix}
		if u.Route != nil {
			r := u.Route.clone()
			cp.Route = &r
		}
		out = append(out, cp)
	}
	return out
}
