package routing

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"ilpconnector/packet"
	"ilpconnector/peers"
)

var ErrNoRoute = errors.New("routing: no route")

// Router merges static, local and received routes into the best route per
// prefix. Every change to a best route is appended to the forwarding log.
type Router struct {
	mu         sync.RWMutex
	ownAddress string
	secret     []byte
	log        *slog.Logger

	// candidates[prefix] holds every known route for prefix. Static and
	// received routes through one next hop occupy separate slots.
	candidates map[string]map[candidateKey]Route
	table      *PrefixMap[Route]
	forwarding *ForwardingTable
}

type candidateKey struct {
	nextHop  string
	received bool
}

func keyOf(route Route) candidateKey {
	return candidateKey{nextHop: route.NextHop, received: route.received}
}

// NewRouter creates a router for the node at ownAddress. secret keys the
// auth value of locally originated routes.
func NewRouter(ownAddress string, secret []byte, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		ownAddress: ownAddress,
		secret:     append([]byte(nil), secret...),
		log:        logger.With("component", "routing"),
		candidates: make(map[string]map[candidateKey]Route),
		table:      NewPrefixMap[Route](),
		forwarding: NewForwardingTable(),
	}
}

func (r *Router) OwnAddress() string { return r.ownAddress }

func (r *Router) Forwarding() *ForwardingTable { return r.forwarding }

// Resolve returns the best route for destination by longest prefix match.
func (r *Router) Resolve(destination string) (Route, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, route, ok := r.table.Resolve(destination)
	if !ok {
		return Route{}, ErrNoRoute
	}
	return route.clone(), nil
}

// Routes returns the current best routes ordered by prefix.
func (r *Router) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := r.table.Keys()
	out := make([]Route, 0, len(keys))
	for _, k := range keys {
		route, _ := r.table.Get(k)
		out = append(out, route.clone())
	}
	return out
}

// AddLocalRoute routes prefix to an account served by this node.
func (r *Router) AddLocalRoute(prefix, accountID string) {
	r.put(Route{
		Prefix:   prefix,
		NextHop:  accountID,
		Relation: peers.RelationLocal,
		Weight:   peers.RelationLocal.Weight(),
		Auth:     LocalAuth(r.secret, prefix),
	})
}

// AddPeerRoutes installs the statically configured prefixes of p.
func (r *Router) AddPeerRoutes(p peers.Peer) {
	for _, prefix := range p.Prefixes {
		r.put(Route{
			Prefix:   prefix,
			NextHop:  p.ID,
			Relation: p.Relation,
			Weight:   p.RouteWeight(),
			Auth:     LocalAuth(r.secret, prefix),
		})
	}
}

// AddReceivedRoute installs a route learned from peer p. path is the path
// as stored by the receiver, speaker first. It returns false for looping
// paths and for peer protocol prefixes.
func (r *Router) AddReceivedRoute(p peers.Peer, prefix string, path []string, auth [32]byte, holdDown time.Duration, now time.Time) bool {
	for _, hop := range path {
		if hop == r.ownAddress {
			return false
		}
	}
	if strings.HasPrefix(prefix, packet.PeerProtocolPrefix) {
		return false
	}
	route := Route{
		Prefix:   prefix,
		NextHop:  p.ID,
		Relation: p.Relation,
		Path:     append([]string(nil), path...),
		Weight:   p.RouteWeight(),
		Auth:     auth,
		received: true,
	}
	if holdDown > 0 {
		route.ExpiresAt = now.Add(holdDown)
	}
	r.put(route)
	return true
}

// WithdrawRoute drops the route to prefix learned through nextHop. A static
// route to the same prefix through nextHop is kept.
func (r *Router) WithdrawRoute(nextHop, prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.candidates[prefix]
	if !ok {
		return
	}
	key := candidateKey{nextHop: nextHop, received: true}
	if _, ok := set[key]; !ok {
		return
	}
	delete(set, key)
	r.refreshLocked(prefix)
}

// RemoveNextHop drops every route through nextHop, static ones included.
func (r *Router) RemoveNextHop(nextHop string) {
	r.removeWhere(func(route Route) bool { return route.NextHop == nextHop })
}

// RemoveReceivedRoutes drops the routes learned from nextHop over the route
// protocol but keeps its static prefixes.
func (r *Router) RemoveReceivedRoutes(nextHop string) {
	r.removeWhere(func(route Route) bool { return route.NextHop == nextHop && route.received })
}

// ExpireRoutes drops received routes whose hold-down passed before now and
// returns how many were removed.
func (r *Router) ExpireRoutes(now time.Time) int {
	return r.removeWhere(func(route Route) bool {
		return route.received && !route.ExpiresAt.IsZero() && !now.Before(route.ExpiresAt)
	})
}

func (r *Router) removeWhere(match func(Route) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	var touched []string
	for prefix, set := range r.candidates {
		for key, route := range set {
			if match(route) {
				delete(set, key)
				removed++
				touched = append(touched, prefix)
			}
		}
	}
	sort.Strings(touched)
	for _, prefix := range touched {
		r.refreshLocked(prefix)
	}
	return removed
}

func (r *Router) put(route Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.candidates[route.Prefix]
	if !ok {
		set = make(map[candidateKey]Route)
		r.candidates[route.Prefix] = set
	}
	set[keyOf(route)] = route.clone()
	r.refreshLocked(route.Prefix)
}

// refreshLocked recomputes the best route of prefix and logs any change.
func (r *Router) refreshLocked(prefix string) {
	var best *Route
	for _, candidate := range r.candidates[prefix] {
		c := candidate
		if best == nil || c.better(*best) {
			best = &c
		}
	}
	current, had := r.table.Get(prefix)
	if best == nil {
		delete(r.candidates, prefix)
		if had {
			r.table.Delete(prefix)
			epoch := r.forwarding.Set(prefix, nil)
			r.log.Debug("route withdrawn", "prefix", prefix, "epoch", epoch)
		}
		return
	}
	if had && current.sameAs(*best) {
		// Refresh hold-down without a new epoch.
		r.table.Insert(prefix, *best)
		return
	}
	r.table.Insert(prefix, *best)
	epoch := r.forwarding.Set(prefix, best)
	r.log.Debug("route updated", "prefix", prefix, "nextHop", best.NextHop, "epoch", epoch)
}

// RefreshRoutes extends the hold-down of every received route through
// nextHop to until. Best routes keep their epoch.
func (r *Router) RefreshRoutes(nextHop string, until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := candidateKey{nextHop: nextHop, received: true}
	for prefix, set := range r.candidates {
		route, ok := set[key]
		if !ok || route.ExpiresAt.IsZero() {
			continue
		}
		route.ExpiresAt = until
		set[key] = route
		if best, ok := r.table.Get(prefix); ok && keyOf(best) == key {
			best.ExpiresAt = until
			r.table.Insert(prefix, best)
		}
	}
}
