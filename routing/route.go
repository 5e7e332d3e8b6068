// Package routing keeps the node's forwarding state: the best route per
// prefix used to pick a next hop, and the epoch-indexed log of route changes
// that route-broadcast senders replay to their peers.
package routing

import (
	"crypto/hmac"
	"crypto/sha256"
	"slices"
	"time"

	"ilpconnector/peers"
)

// Route is a way to reach every address under Prefix.
type Route struct {
	Prefix string
	// NextHop is the peer or local account packets are handed to.
	NextHop  string
	Relation peers.Relation
	// Path lists the node addresses the advertisement travelled through,
	// nearest first. Static and local routes have an empty path.
	Path   []string
	Weight int
	Auth   [32]byte
	// ExpiresAt is the hold-down deadline of a received route. Zero for
	// routes that do not expire.
	ExpiresAt time.Time

	received bool
}

func (r Route) clone() Route {
	cp := r
	cp.Path = append([]string(nil), r.Path...)
	return cp
}

func (r Route) sameAs(o Route) bool {
	return r.Prefix == o.Prefix && r.NextHop == o.NextHop && r.Weight == o.Weight &&
		r.Auth == o.Auth && r.received == o.received && slices.Equal(r.Path, o.Path)
}

// better reports whether r should be preferred over o: higher weight first,
// then the shorter path, then the lexically smaller next hop.
func (r Route) better(o Route) bool {
	if r.Weight != o.Weight {
		return r.Weight > o.Weight
	}
	if len(r.Path) != len(o.Path) {
		return len(r.Path) < len(o.Path)
	}
	return r.NextHop < o.NextHop
}

// LocalAuth authenticates a prefix this node originates.
func LocalAuth(secret []byte, prefix string) [32]byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(prefix))
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// ForwardAuth derives the auth value attached when re-advertising a route.
func ForwardAuth(received [32]byte) [32]byte {
	return sha256.Sum256(received[:])
}
