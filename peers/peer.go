// Package peers holds the connection records of neighbouring nodes and
// notifies interested components when they change.
package peers

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"ilpconnector/packet"
)

var (
	ErrPeerNotFound = errors.New("peers: peer not found")
	ErrPeerExists   = errors.New("peers: peer already exists")
	ErrInvalidPeer  = errors.New("peers: invalid peer")
)

// Relation is the topological role of a peer relative to this node.
type Relation string

const (
	RelationParent Relation = "parent"
	RelationPeer   Relation = "peer"
	RelationChild  Relation = "child"
	RelationLocal  Relation = "local"
)

// Weight returns the routing preference of the relation. Higher wins.
func (r Relation) Weight() int {
	switch r {
	case RelationParent:
		return 100
	case RelationPeer:
		return 200
	case RelationChild:
		return 300
	case RelationLocal:
		return 400
	default:
		return 0
	}
}

// ParseRelation accepts the lower-case relation names.
func ParseRelation(s string) (Relation, error) {
	r := Relation(strings.ToLower(strings.TrimSpace(s)))
	if r.Weight() == 0 {
		return "", fmt.Errorf("%w: unknown relation %q", ErrInvalidPeer, s)
	}
	return r, nil
}

// RateLimit is a token bucket: Capacity packets, refilled by RefillCount
// every RefillPeriod.
type RateLimit struct {
	Capacity     int           `json:"capacity" yaml:"capacity" toml:"capacity"`
	RefillPeriod time.Duration `json:"refillPeriod" yaml:"refillPeriod" toml:"refillPeriod"`
	RefillCount  int           `json:"refillCount" yaml:"refillCount" toml:"refillCount"`
}

// Throughput caps the total amount accepted from a peer per Period.
type Throughput struct {
	Amount uint64        `json:"amount" yaml:"amount" toml:"amount"`
	Period time.Duration `json:"period" yaml:"period" toml:"period"`
}

// Peer is a neighbouring node. ID doubles as the peer's ledger account id.
type Peer struct {
	ID       string
	Relation Relation
	// Prefixes are the addresses reachable through this peer without CCP.
	Prefixes []string
	// Weight overrides the relation's default routing weight when non-zero.
	Weight        int
	Endpoint      string
	OutgoingToken string
	// MaxPacketAmount of zero means unlimited.
	MaxPacketAmount uint64
	RateLimit       *RateLimit
	Throughput      *Throughput
}

// RouteWeight is the weight used when ranking routes through this peer.
func (p Peer) RouteWeight() int {
	if p.Weight != 0 {
		return p.Weight
	}
	return p.Relation.Weight()
}

// Validate checks the record before it is stored.
func (p Peer) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: id required", ErrInvalidPeer)
	}
	if p.Relation.Weight() == 0 {
		return fmt.Errorf("%w: unknown relation %q", ErrInvalidPeer, p.Relation)
	}
	for _, prefix := range p.Prefixes {
		if err := packet.ValidateAddress(prefix); err != nil {
			return fmt.Errorf("%w: prefix %q: %v", ErrInvalidPeer, prefix, err)
		}
	}
	if p.Endpoint != "" {
		u, err := url.Parse(p.Endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: endpoint %q", ErrInvalidPeer, p.Endpoint)
		}
	}
	if p.RateLimit != nil && (p.RateLimit.Capacity <= 0 || p.RateLimit.RefillPeriod <= 0 || p.RateLimit.RefillCount <= 0) {
		return fmt.Errorf("%w: rate limit must be positive", ErrInvalidPeer)
	}
	if p.Throughput != nil && (p.Throughput.Amount == 0 || p.Throughput.Period <= 0) {
		return fmt.Errorf("%w: throughput must be positive", ErrInvalidPeer)
	}
	return nil
}

func (p Peer) clone() Peer {
	cp := p
	cp.Prefixes = append([]string(nil), p.Prefixes...)
	if p.RateLimit != nil {
		rl := *p.RateLimit
		cp.RateLimit = &rl
	}
	if p.Throughput != nil {
		tp := *p.Throughput
		cp.Throughput = &tp
	}
	return cp
}

// EventKind names a registry change.
type EventKind string

const (
	EventAdded   EventKind = "added"
	EventUpdated EventKind = "updated"
	EventRemoved EventKind = "removed"
)

// Event is delivered to subscribers after a change has been stored.
type Event struct {
	Kind EventKind
	Peer Peer
}
