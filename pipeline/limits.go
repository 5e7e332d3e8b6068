package pipeline

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ilpconnector/peers"
)

type limiterEntry struct {
	rateCfg       peers.RateLimit
	throughputCfg peers.Throughput
	packets       *rate.Limiter
	amount        *rate.Limiter
	// unit is the number of asset units one amount token stands for, so
	// caps beyond the limiter's int burst still fit.
	unit uint64
}

// limits keeps a packet token bucket and an amount token bucket per peer.
type limits struct {
	mu    sync.Mutex
	peers map[string]*limiterEntry
	now   func() time.Time
}

func newLimits(now func() time.Time) *limits {
	return &limits{peers: make(map[string]*limiterEntry), now: now}
}

// obtain returns the buckets for p, rebuilding them when its limits changed.
func (l *limits) obtain(p peers.Peer) *limiterEntry {
	var rl peers.RateLimit
	if p.RateLimit != nil {
		rl = *p.RateLimit
	}
	var tp peers.Throughput
	if p.Throughput != nil {
		tp = *p.Throughput
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.peers[p.ID]
	if ok && entry.rateCfg == rl && entry.throughputCfg == tp {
		return entry
	}
	entry = &limiterEntry{rateCfg: rl, throughputCfg: tp}
	if rl.Capacity > 0 {
		entry.packets = rate.NewLimiter(rate.Every(rl.RefillPeriod/time.Duration(rl.RefillCount)), rl.Capacity)
	}
	if tp.Amount > 0 {
		entry.unit = ceilDiv(tp.Amount, math.MaxInt32)
		burst := ceilDiv(tp.Amount, entry.unit)
		perSecond := float64(burst) / tp.Period.Seconds()
		entry.amount = rate.NewLimiter(rate.Limit(perSecond), int(burst))
	}
	l.peers[p.ID] = entry
	return entry
}

func (l *limits) forget(id string) {
	l.mu.Lock()
	delete(l.peers, id)
	l.mu.Unlock()
}

// allowPacket takes one token from the peer's packet bucket.
func (l *limits) allowPacket(p peers.Peer) bool {
	entry := l.obtain(p)
	return entry.packets == nil || entry.packets.AllowN(l.now(), 1)
}

// allowAmount takes amount tokens from the peer's throughput bucket.
func (l *limits) allowAmount(p peers.Peer, amount uint64) bool {
	entry := l.obtain(p)
	if entry.amount == nil {
		return true
	}
	if amount > entry.throughputCfg.Amount {
		return false
	}
	return entry.amount.AllowN(l.now(), int(ceilDiv(amount, entry.unit)))
}

// ceilDiv rounds a/b up without overflowing.
func ceilDiv(a, b uint64) uint64 {
	q := a / b
	if a%b != 0 {
		q++
	}
	return q
}
