package ccp

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"ilpconnector/packet"
	"ilpconnector/peers"
	"ilpconnector/routing"
)

type captured struct {
	mu       sync.Mutex
	prepares []packet.Prepare
	fail     bool
}

func (c *captured) send(_ context.Context, _ string, p packet.Prepare) (packet.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prepares = append(c.prepares, p)
	if c.fail {
		return nil, errors.New("peer unreachable")
	}
	return PeerProtocolFulfill(), nil
}

func (c *captured) lastUpdate(t *testing.T) UpdateRequest {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.prepares)
	p := c.prepares[len(c.prepares)-1]
	require.Equal(t, packet.AddressRouteUpdate, p.Destination)
	var u UpdateRequest
	require.NoError(t, u.UnmarshalBinary(p.Data))
	return u
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.UpdateTimeout = time.Second
	return cfg
}

var (
	parent = peers.Peer{ID: "parent", Relation: peers.RelationParent, Prefixes: []string{"g"}}
	peerA  = peers.Peer{ID: "a", Relation: peers.RelationPeer, Prefixes: []string{"g.a"}}
	child  = peers.Peer{ID: "child", Relation: peers.RelationChild, Prefixes: []string{"g.conn.child"}}
)

func newTestRouter() *routing.Router {
	r := routing.NewRouter("g.conn", []byte("secret"), nil)
	r.AddPeerRoutes(parent)
	r.AddPeerRoutes(peerA)
	r.AddPeerRoutes(child)
	return r
}

func prefixes(routes []AdvertisedRoute) []string {
	out := make([]string, 0, len(routes))
	for _, r := range routes {
		out = append(out, r.Prefix)
	}
	return out
}

func TestSenderFiltersRoutes(t *testing.T) {
	router := newTestRouter()

	toParent := &captured{}
	s := newSender(context.Background(), parent, router, toParent.send, testConfig(), slog.Default())
	require.NoError(t, s.SendUpdate(context.Background()))
	u := toParent.lastUpdate(t)
	require.Equal(t, []string{"g.conn.child"}, prefixes(u.NewRoutes))
	require.ElementsMatch(t, []string{"g", "g.a"}, u.WithdrawnRoutes)
	require.Equal(t, "g.conn", u.Speaker)
	require.Equal(t, router.Forwarding().ID(), u.RoutingTableID)
	require.Equal(t, uint32(0), u.FromEpoch)
	require.Equal(t, uint32(3), u.ToEpoch)
	require.Equal(t, routing.LocalAuth([]byte("secret"), "g.conn.child"), u.NewRoutes[0].Auth)

	toPeer := &captured{}
	s = newSender(context.Background(), peerA, router, toPeer.send, testConfig(), slog.Default())
	require.NoError(t, s.SendUpdate(context.Background()))
	u = toPeer.lastUpdate(t)
	require.ElementsMatch(t, []string{"g", "g.conn.child"}, prefixes(u.NewRoutes))
	require.Equal(t, []string{"g.a"}, u.WithdrawnRoutes)
}

func TestSenderForwardsReceivedAuth(t *testing.T) {
	router := routing.NewRouter("g.conn", nil, nil)
	received := [32]byte{7}
	router.AddReceivedRoute(peerA, "g.far", []string{"g.a"}, received, 0, time.Now())

	out := &captured{}
	s := newSender(context.Background(), child, router, out.send, testConfig(), slog.Default())
	require.NoError(t, s.SendUpdate(context.Background()))
	u := out.lastUpdate(t)
	require.Len(t, u.NewRoutes, 1)
	require.Equal(t, []string{"g.a"}, u.NewRoutes[0].Path)
	require.Equal(t, routing.ForwardAuth(received), u.NewRoutes[0].Auth)
}

func TestSenderRollsBackOnFailure(t *testing.T) {
	router := newTestRouter()
	cfg := testConfig()
	cfg.MaxEpochsPerUpdate = 2
	out := &captured{}
	s := newSender(context.Background(), peerA, router, out.send, cfg, slog.Default())

	require.NoError(t, s.SendUpdate(context.Background()))
	require.Equal(t, uint32(2), s.LastKnownEpoch())
	u := out.lastUpdate(t)
	require.Equal(t, uint32(0), u.FromEpoch)
	require.Equal(t, uint32(2), u.ToEpoch)
	require.Equal(t, uint32(3), u.CurrentEpoch)

	out.fail = true
	require.Error(t, s.SendUpdate(context.Background()))
	require.Equal(t, uint32(2), s.LastKnownEpoch())

	out.fail = false
	require.NoError(t, s.SendUpdate(context.Background()))
	require.Equal(t, uint32(3), s.LastKnownEpoch())
	u = out.lastUpdate(t)
	require.Equal(t, uint32(2), u.FromEpoch)
	require.Equal(t, uint32(3), u.ToEpoch)
}

func TestSenderControlResetsCursor(t *testing.T) {
	router := newTestRouter()
	out := &captured{}
	s := newSender(context.Background(), peerA, router, out.send, testConfig(), slog.Default())
	defer s.Stop()

	s.HandleControl(ControlRequest{Mode: ModeIdle, LastKnownRoutingTableID: router.Forwarding().ID(), LastKnownEpoch: 2})
	require.Equal(t, uint32(2), s.LastKnownEpoch())
	require.Equal(t, ModeIdle, s.Mode())

	s.HandleControl(ControlRequest{Mode: ModeSync, LastKnownRoutingTableID: uuid.New(), LastKnownEpoch: 2})
	require.Equal(t, ModeSync, s.Mode())
	require.Eventually(t, func() bool {
		out.mu.Lock()
		defer out.mu.Unlock()
		return len(out.prepares) > 0
	}, time.Second, 5*time.Millisecond)
	u := out.lastUpdate(t)
	require.Equal(t, uint32(0), u.FromEpoch)
}

func TestReceiverAppliesEpochsInOrder(t *testing.T) {
	router := routing.NewRouter("g.conn", nil, nil)
	now := time.Unix(1700000000, 0)
	out := &captured{}
	r := newReceiver(peerA, router, out.send, testConfig(), slog.Default(), func() time.Time { return now })
	table := uuid.New()

	res := r.HandleUpdate(UpdateRequest{
		RoutingTableID: table, FromEpoch: 0, ToEpoch: 2, CurrentEpoch: 2, Speaker: "g.a",
		NewRoutes: []AdvertisedRoute{{Prefix: "g.a"}, {Prefix: "g.far", Path: []string{"g.x"}}},
	})
	require.Equal(t, ResultApplied, res)
	route, err := router.Resolve("g.far.wallet")
	require.NoError(t, err)
	require.Equal(t, "a", route.NextHop)
	require.Equal(t, []string{"g.a", "g.x"}, route.Path)

	res = r.HandleUpdate(UpdateRequest{RoutingTableID: table, FromEpoch: 3, ToEpoch: 5, Speaker: "g.a", WithdrawnRoutes: []string{"g.far"}})
	require.Equal(t, ResultGap, res)
	_, err = router.Resolve("g.far.wallet")
	require.NoError(t, err)
	_, epoch := r.Epoch()
	require.Equal(t, uint32(2), epoch)

	res = r.HandleUpdate(UpdateRequest{RoutingTableID: table, FromEpoch: 0, ToEpoch: 2, Speaker: "g.a", WithdrawnRoutes: []string{"g.far"}})
	require.Equal(t, ResultStale, res)
	_, err = router.Resolve("g.far.wallet")
	require.NoError(t, err)

	res = r.HandleUpdate(UpdateRequest{RoutingTableID: table, FromEpoch: 2, ToEpoch: 3, Speaker: "g.a", WithdrawnRoutes: []string{"g.far"}})
	require.Equal(t, ResultApplied, res)
	_, err = router.Resolve("g.far.wallet")
	require.ErrorIs(t, err, routing.ErrNoRoute)

	res = r.HandleUpdate(UpdateRequest{RoutingTableID: uuid.New(), FromEpoch: 0, ToEpoch: 1, Speaker: "g.a"})
	require.Equal(t, ResultApplied, res)
	_, err = router.Resolve("g.a.x")
	require.ErrorIs(t, err, routing.ErrNoRoute)
	_, epoch = r.Epoch()
	require.Equal(t, uint32(1), epoch)
}

func TestReceiverHoldDownFollowsAppliedUpdates(t *testing.T) {
	router := routing.NewRouter("g.conn", nil, nil)
	now := time.Unix(1700000000, 0)
	r := newReceiver(peerA, router, (&captured{}).send, testConfig(), slog.Default(), func() time.Time { return now })
	table := uuid.New()
	holdDown := uint32(time.Minute / time.Millisecond)

	res := r.HandleUpdate(UpdateRequest{
		RoutingTableID: table, FromEpoch: 0, ToEpoch: 1, HoldDownTime: holdDown, Speaker: "g.a",
		NewRoutes: []AdvertisedRoute{{Prefix: "g.far"}},
	})
	require.Equal(t, ResultApplied, res)

	now = now.Add(50 * time.Second)
	require.Equal(t, ResultGap, r.HandleUpdate(UpdateRequest{RoutingTableID: table, FromEpoch: 4, ToEpoch: 6, HoldDownTime: holdDown, Speaker: "g.a"}))
	require.Equal(t, ResultStale, r.HandleUpdate(UpdateRequest{RoutingTableID: table, FromEpoch: 0, ToEpoch: 1, HoldDownTime: holdDown, Speaker: "g.a"}))
	require.Equal(t, 1, router.ExpireRoutes(now.Add(11*time.Second)))
	_, err := router.Resolve("g.far.x")
	require.ErrorIs(t, err, routing.ErrNoRoute)

	res = r.HandleUpdate(UpdateRequest{
		RoutingTableID: table, FromEpoch: 1, ToEpoch: 2, HoldDownTime: holdDown, Speaker: "g.a",
		NewRoutes: []AdvertisedRoute{{Prefix: "g.far"}},
	})
	require.Equal(t, ResultApplied, res)
	now = now.Add(50 * time.Second)
	require.Equal(t, ResultStale, r.HandleUpdate(UpdateRequest{RoutingTableID: table, FromEpoch: 2, ToEpoch: 2, HoldDownTime: holdDown, Speaker: "g.a"}))
	require.Zero(t, router.ExpireRoutes(now.Add(11*time.Second)))
	_, err = router.Resolve("g.far.x")
	require.NoError(t, err)
}

func TestReceiverDropsLoops(t *testing.T) {
	router := routing.NewRouter("g.conn", nil, nil)
	r := newReceiver(peerA, router, (&captured{}).send, testConfig(), slog.Default(), time.Now)
	r.HandleUpdate(UpdateRequest{
		RoutingTableID: uuid.New(), ToEpoch: 1, Speaker: "g.a",
		NewRoutes: []AdvertisedRoute{{Prefix: "g.loop", Path: []string{"g.x", "g.conn"}}},
	})
	_, err := router.Resolve("g.loop")
	require.ErrorIs(t, err, routing.ErrNoRoute)
}

func TestReceiverForcesResyncWhenSilent(t *testing.T) {
	router := routing.NewRouter("g.conn", nil, nil)
	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }
	out := &captured{}
	r := newReceiver(peerA, router, out.send, testConfig(), slog.Default(), clock)
	table := uuid.New()
	r.HandleUpdate(UpdateRequest{RoutingTableID: table, ToEpoch: 4, Speaker: "g.a"})

	require.NoError(t, r.CheckLiveness(context.Background()))
	var ctrl ControlRequest
	require.NoError(t, ctrl.UnmarshalBinary(out.prepares[0].Data))
	require.Equal(t, ModeSync, ctrl.Mode)
	require.Equal(t, table, ctrl.LastKnownRoutingTableID)
	require.Equal(t, uint32(4), ctrl.LastKnownEpoch)

	now = now.Add(2 * time.Minute)
	require.NoError(t, r.CheckLiveness(context.Background()))
	require.NoError(t, ctrl.UnmarshalBinary(out.prepares[1].Data))
	require.Equal(t, uuid.Nil, ctrl.LastKnownRoutingTableID)
	require.Equal(t, uint32(0), ctrl.LastKnownEpoch)
}

// link delivers peer protocol packets to the manager on the other side.
type link struct {
	mu     sync.Mutex
	target *Manager
	from   string
}

func (l *link) send(ctx context.Context, _ string, p packet.Prepare) (packet.Reply, error) {
	l.mu.Lock()
	target := l.target
	l.mu.Unlock()
	if target == nil {
		return nil, errors.New("not connected")
	}
	var err error
	switch p.Destination {
	case packet.AddressRouteControl:
		err = target.HandleControl(ctx, l.from, p.Data)
	case packet.AddressRouteUpdate:
		err = target.HandleUpdate(ctx, l.from, p.Data)
	}
	if err != nil {
		return packet.Reject{Code: packet.CodeF00BadRequest, Message: err.Error()}, nil
	}
	return PeerProtocolFulfill(), nil
}

func TestManagersConverge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := DefaultConfig()
	cfg.BroadcastInterval = 20 * time.Millisecond
	cfg.MinBroadcastInterval = 0
	cfg.LivenessInterval = 20 * time.Millisecond

	regA, err := peers.NewMemRegistry(peers.Peer{ID: "b", Relation: peers.RelationPeer})
	require.NoError(t, err)
	regB, err := peers.NewMemRegistry(
		peers.Peer{ID: "a", Relation: peers.RelationPeer},
		peers.Peer{ID: "kid", Relation: peers.RelationChild, Prefixes: []string{"g.b.kid"}},
	)
	require.NoError(t, err)

	routerA := routing.NewRouter("g.a", []byte("a"), nil)
	routerA.AddLocalRoute("g.a", "self")
	routerB := routing.NewRouter("g.b", []byte("b"), nil)
	routerB.AddLocalRoute("g.b", "self")

	aToB := &link{from: "a"}
	bToA := &link{from: "b"}
	mgrA := NewManager(cfg, routerA, regA, aToB.send, nil)
	mgrB := NewManager(cfg, routerB, regB, bToA.send, nil)
	aToB.target = mgrB
	bToA.target = mgrA

	require.NoError(t, mgrA.Start(ctx))
	defer mgrA.Stop()
	require.NoError(t, mgrB.Start(ctx))
	defer mgrB.Stop()

	require.Eventually(t, func() bool {
		route, err := routerA.Resolve("g.b.kid.wallet")
		return err == nil && route.NextHop == "b" && route.Prefix == "g.b.kid"
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		route, err := routerB.Resolve("g.a.somebody")
		return err == nil && route.NextHop == "a"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, regB.Remove(ctx, "kid"))
	require.Eventually(t, func() bool {
		route, err := routerA.Resolve("g.b.kid.wallet")
		return err == nil && route.Prefix == "g.b"
	}, 2*time.Second, 10*time.Millisecond)
}

// lateRegistry adds a peer after taking its snapshot, as a concurrent
// registry write would.
type lateRegistry struct {
	*peers.MemRegistry
	late peers.Peer
}

func (r *lateRegistry) List(ctx context.Context) ([]peers.Peer, error) {
	list, err := r.MemRegistry.List(ctx)
	if err != nil {
		return nil, err
	}
	return list, r.MemRegistry.Add(ctx, r.late)
}

func TestManagerStartSeesPeersAddedDuringList(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mem, err := peers.NewMemRegistry(peerA)
	require.NoError(t, err)
	reg := &lateRegistry{MemRegistry: mem, late: peers.Peer{ID: "late", Relation: peers.RelationPeer, Prefixes: []string{"g.late"}}}
	mgr := NewManager(testConfig(), newTestRouter(), reg, (&captured{}).send, nil)
	require.NoError(t, mgr.Start(ctx))
	defer mgr.Stop()

	_, ok := mgr.Sender("a")
	require.True(t, ok)
	_, ok = mgr.Sender("late")
	require.True(t, ok)
	_, ok = mgr.Receiver("late")
	require.True(t, ok)
}

func TestManagerAddPeerReplacesSender(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg, err := peers.NewMemRegistry(peerA)
	require.NoError(t, err)
	mgr := NewManager(testConfig(), newTestRouter(), reg, (&captured{}).send, nil)
	require.NoError(t, mgr.Start(ctx))
	defer mgr.Stop()

	first, ok := mgr.Sender("a")
	require.True(t, ok)
	first.HandleControl(ControlRequest{Mode: ModeSync})
	require.True(t, first.task.Running())

	mgr.addPeer(peerA)
	second, ok := mgr.Sender("a")
	require.True(t, ok)
	require.NotSame(t, first, second)
	require.False(t, first.task.Running())
}
