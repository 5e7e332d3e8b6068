package ccp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"ilpconnector/observability"
	"ilpconnector/packet"
	"ilpconnector/peers"
	"ilpconnector/routing"
)

// Result describes what a receiver did with an update.
type Result string

const (
	ResultApplied Result = "applied"
	ResultStale   Result = "stale"
	ResultGap     Result = "gap"
)

// Receiver applies one peer's route updates to the router, epoch by epoch.
type Receiver struct {
	peer   peers.Peer
	router *routing.Router
	send   SendFunc
	cfg    Config
	log    *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	tableID    uuid.UUID
	epoch      uint32
	lastUpdate time.Time
}

func newReceiver(p peers.Peer, router *routing.Router, send SendFunc, cfg Config, logger *slog.Logger, now func() time.Time) *Receiver {
	return &Receiver{
		peer:       p,
		router:     router,
		send:       send,
		cfg:        cfg,
		log:        logger.With("peer", p.ID, "role", "receiver"),
		now:        now,
		lastUpdate: now(),
	}
}

// Epoch returns the remote table id and the epoch applied so far.
func (r *Receiver) Epoch() (uuid.UUID, uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tableID, r.epoch
}

// HandleUpdate applies req if it continues from the current epoch. A new
// table id discards the peer's routes and restarts from epoch zero. A gap
// applies nothing and leaves hold-down untouched; the caller should ask for
// a resync.
func (r *Receiver) HandleUpdate(req UpdateRequest) Result {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastUpdate = now

	if req.RoutingTableID != r.tableID {
		if r.tableID != uuid.Nil {
			r.log.Info("peer routing table changed", "old", r.tableID, "new", req.RoutingTableID)
		}
		r.router.RemoveReceivedRoutes(r.peer.ID)
		r.tableID = req.RoutingTableID
		r.epoch = 0
	}
	holdDown := time.Duration(req.HoldDownTime) * time.Millisecond

	if req.FromEpoch > r.epoch {
		r.log.Debug("route update gap", "epoch", r.epoch, "from", req.FromEpoch)
		observability.Connector().RecordRouteUpdate("received", string(ResultGap))
		return ResultGap
	}
	if req.ToEpoch <= r.epoch {
		// An empty update at our epoch is a keepalive from an in-sync peer.
		if req.FromEpoch == r.epoch && req.ToEpoch == r.epoch && holdDown > 0 {
			r.router.RefreshRoutes(r.peer.ID, now.Add(holdDown))
		}
		observability.Connector().RecordRouteUpdate("received", string(ResultStale))
		return ResultStale
	}
	if holdDown > 0 {
		r.router.RefreshRoutes(r.peer.ID, now.Add(holdDown))
	}

	for _, prefix := range req.WithdrawnRoutes {
		r.router.WithdrawRoute(r.peer.ID, prefix)
	}
	for _, route := range req.NewRoutes {
		path := make([]string, 0, len(route.Path)+1)
		path = append(path, req.Speaker)
		path = append(path, route.Path...)
		if !r.router.AddReceivedRoute(r.peer, route.Prefix, path, route.Auth, holdDown, now) {
			r.log.Debug("route rejected", "prefix", route.Prefix)
		}
	}
	r.epoch = req.ToEpoch
	observability.Connector().RecordRouteUpdate("received", string(ResultApplied))
	return ResultApplied
}

// SendControl asks the peer to broadcast (SYNC) or stop (IDLE), reporting
// the current table id and epoch.
func (r *Receiver) SendControl(ctx context.Context, mode Mode) error {
	tableID, epoch := r.Epoch()
	req := ControlRequest{
		Mode:                    mode,
		LastKnownRoutingTableID: tableID,
		LastKnownEpoch:          epoch,
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.UpdateTimeout)
	defer cancel()
	reply, err := r.send(ctx, r.peer.ID, ControlPrepare(req, r.now().Add(r.cfg.UpdateTimeout)))
	if err != nil {
		return fmt.Errorf("send route control to %s: %w", r.peer.ID, err)
	}
	if rej, ok := reply.(packet.Reject); ok {
		return fmt.Errorf("route control rejected by %s: %s %s", r.peer.ID, rej.Code, rej.Message)
	}
	return nil
}

// CheckLiveness re-issues a SYNC control. If the peer has been silent for
// longer than the resync timeout the remembered table is dropped first so the
// next update replays the peer's whole table.
func (r *Receiver) CheckLiveness(ctx context.Context) error {
	r.mu.Lock()
	stale := r.now().Sub(r.lastUpdate) > r.cfg.ResyncTimeout
	if stale {
		r.tableID = uuid.Nil
		r.epoch = 0
		r.lastUpdate = r.now()
	}
	r.mu.Unlock()
	if stale {
		r.log.Info("route updates stalled, forcing resync")
		observability.Connector().RecordResync(r.peer.ID)
	}
	return r.SendControl(ctx, ModeSync)
}
