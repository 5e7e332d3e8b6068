package ccp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ilpconnector/peers"
	"ilpconnector/routing"
	"ilpconnector/schedule"
)

var ErrUnknownPeer = errors.New("ccp: peer does not exchange routes")

// Config holds the route protocol timers.
type Config struct {
	BroadcastInterval    time.Duration
	MinBroadcastInterval time.Duration
	MaxEpochsPerUpdate   uint32
	HoldDownTime         time.Duration
	UpdateTimeout        time.Duration
	// LivenessInterval is how often receivers re-send route control.
	LivenessInterval time.Duration
	// ResyncTimeout is how long a receiver waits for an update before it
	// forces a full resync.
	ResyncTimeout time.Duration
}

// DefaultConfig returns the protocol defaults.
func DefaultConfig() Config {
	return Config{
		BroadcastInterval:    30 * time.Second,
		MinBroadcastInterval: time.Second,
		MaxEpochsPerUpdate:   50,
		HoldDownTime:         45 * time.Minute,
		UpdateTimeout:        10 * time.Second,
		LivenessInterval:     20 * time.Second,
		ResyncTimeout:        60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BroadcastInterval <= 0 {
		c.BroadcastInterval = d.BroadcastInterval
	}
	if c.MinBroadcastInterval < 0 {
		c.MinBroadcastInterval = 0
	}
	if c.MaxEpochsPerUpdate == 0 {
		c.MaxEpochsPerUpdate = d.MaxEpochsPerUpdate
	}
	if c.HoldDownTime <= 0 {
		c.HoldDownTime = d.HoldDownTime
	}
	if c.UpdateTimeout <= 0 {
		c.UpdateTimeout = d.UpdateTimeout
	}
	if c.LivenessInterval <= 0 {
		c.LivenessInterval = d.LivenessInterval
	}
	if c.ResyncTimeout <= 0 {
		c.ResyncTimeout = d.ResyncTimeout
	}
	return c
}

// exchangesRoutes reports whether the protocol runs with peers of rel.
// Children learn a default route through their parent instead.
func exchangesRoutes(rel peers.Relation) bool {
	return rel == peers.RelationParent || rel == peers.RelationPeer
}

// Manager keeps one sender and receiver per route-exchanging peer and keeps
// the router's static routes in step with the peer registry.
type Manager struct {
	cfg      Config
	router   *routing.Router
	registry peers.Registry
	send     SendFunc
	log      *slog.Logger
	now      func() time.Time

	mu          sync.Mutex
	ctx         context.Context
	senders     map[string]*Sender
	receivers   map[string]*Receiver
	liveness    *schedule.Periodic
	unsubscribe func()
}

// NewManager wires the protocol to router and registry. send delivers
// peer protocol packets.
func NewManager(cfg Config, router *routing.Router, registry peers.Registry, send SendFunc, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:       cfg.withDefaults(),
		router:    router,
		registry:  registry,
		send:      send,
		log:       logger.With("component", "ccp"),
		now:       time.Now,
		senders:   make(map[string]*Sender),
		receivers: make(map[string]*Receiver),
	}
	m.liveness = schedule.NewPeriodic(m.cfg.LivenessInterval, 0, m.checkLiveness)
	return m
}

// Start installs every registered peer and follows registry changes until
// Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	// Subscribe before listing so a peer added in between is not missed.
	m.unsubscribe = m.registry.Subscribe(m.onPeerEvent)
	list, err := m.registry.List(ctx)
	if err != nil {
		m.unsubscribe()
		m.unsubscribe = nil
		return fmt.Errorf("list peers: %w", err)
	}
	for _, p := range list {
		m.addPeer(p)
	}
	m.liveness.Start(ctx)
	return nil
}

// Stop halts every broadcast and the liveness checks.
func (m *Manager) Stop() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	m.liveness.Stop()
	m.mu.Lock()
	senders := make([]*Sender, 0, len(m.senders))
	for _, s := range m.senders {
		senders = append(senders, s)
	}
	m.mu.Unlock()
	for _, s := range senders {
		s.Stop()
	}
}

func (m *Manager) onPeerEvent(ev peers.Event) {
	switch ev.Kind {
	case peers.EventAdded:
		m.addPeer(ev.Peer)
	case peers.EventUpdated:
		m.removePeer(ev.Peer.ID)
		m.addPeer(ev.Peer)
	case peers.EventRemoved:
		m.removePeer(ev.Peer.ID)
	}
}

// addPeer installs p, replacing any sender and receiver it already had.
func (m *Manager) addPeer(p peers.Peer) {
	m.router.AddPeerRoutes(p)
	if !exchangesRoutes(p.Relation) {
		m.triggerAll()
		return
	}
	m.mu.Lock()
	ctx := m.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	previous := m.senders[p.ID]
	sender := newSender(ctx, p, m.router, m.send, m.cfg, m.log)
	receiver := newReceiver(p, m.router, m.send, m.cfg, m.log, m.now)
	m.senders[p.ID] = sender
	m.receivers[p.ID] = receiver
	m.mu.Unlock()
	if previous != nil {
		previous.Stop()
	}

	m.log.Info("route exchange enabled", "peer", p.ID, "relation", string(p.Relation))
	go func() {
		if err := receiver.SendControl(ctx, ModeSync); err != nil {
			m.log.Warn("initial route control failed", "peer", p.ID, "error", err)
		}
	}()
	m.triggerAll()
}

func (m *Manager) removePeer(id string) {
	m.mu.Lock()
	sender := m.senders[id]
	delete(m.senders, id)
	delete(m.receivers, id)
	m.mu.Unlock()
	if sender != nil {
		sender.Stop()
	}
	m.router.RemoveNextHop(id)
	m.triggerAll()
}

// triggerAll pushes fresh log entries to every syncing peer.
func (m *Manager) triggerAll() {
	m.mu.Lock()
	senders := make([]*Sender, 0, len(m.senders))
	for _, s := range m.senders {
		senders = append(senders, s)
	}
	m.mu.Unlock()
	for _, s := range senders {
		s.Trigger()
	}
}

// Sender returns the sender for peerID.
func (m *Manager) Sender(peerID string) (*Sender, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.senders[peerID]
	return s, ok
}

// Receiver returns the receiver for peerID.
func (m *Manager) Receiver(peerID string) (*Receiver, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receivers[peerID]
	return r, ok
}

// HandleControl decodes and applies a route control request from peerID.
func (m *Manager) HandleControl(_ context.Context, peerID string, data []byte) error {
	var req ControlRequest
	if err := req.UnmarshalBinary(data); err != nil {
		return err
	}
	sender, ok := m.Sender(peerID)
	if !ok {
		return ErrUnknownPeer
	}
	sender.HandleControl(req)
	return nil
}

// HandleUpdate decodes and applies a route update from peerID. When the
// update leaves a gap a resync request is sent in the background.
func (m *Manager) HandleUpdate(ctx context.Context, peerID string, data []byte) error {
	var req UpdateRequest
	if err := req.UnmarshalBinary(data); err != nil {
		return err
	}
	receiver, ok := m.Receiver(peerID)
	if !ok {
		return ErrUnknownPeer
	}
	switch receiver.HandleUpdate(req) {
	case ResultGap:
		go func() {
			if err := receiver.SendControl(context.WithoutCancel(ctx), ModeSync); err != nil {
				m.log.Warn("resync request failed", "peer", peerID, "error", err)
			}
		}()
	case ResultApplied:
		m.triggerAll()
	}
	return nil
}

func (m *Manager) checkLiveness(ctx context.Context) {
	if n := m.router.ExpireRoutes(m.now()); n > 0 {
		m.log.Info("expired routes past hold-down", "count", n)
		m.triggerAll()
	}
	m.mu.Lock()
	receivers := make([]*Receiver, 0, len(m.receivers))
	for _, r := range m.receivers {
		receivers = append(receivers, r)
	}
	m.mu.Unlock()
	for _, r := range receivers {
		if err := r.CheckLiveness(ctx); err != nil {
			m.log.Warn("route control failed", "peer", r.peer.ID, "error", err)
		}
	}
}
