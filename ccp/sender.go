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
	"ilpconnector/schedule"
)

// SendFunc delivers a peer protocol Prepare to peerID and returns its reply.
type SendFunc func(ctx context.Context, peerID string, prepare packet.Prepare) (packet.Reply, error)

// Sender broadcasts this node's forwarding log to one peer. Broadcasting
// starts when the peer asks for SYNC and stops on IDLE.
type Sender struct {
	peer   peers.Peer
	router *routing.Router
	send   SendFunc
	cfg    Config
	log    *slog.Logger
	// base outlives the request that switched the peer to SYNC.
	base context.Context

	mu             sync.Mutex
	mode           Mode
	lastKnownEpoch uint32
	task           *schedule.Periodic
}

func newSender(base context.Context, p peers.Peer, router *routing.Router, send SendFunc, cfg Config, logger *slog.Logger) *Sender {
	s := &Sender{
		base:   base,
		peer:   p,
		router: router,
		send:   send,
		cfg:    cfg,
		log:    logger.With("peer", p.ID, "role", "sender"),
	}
	s.task = schedule.NewPeriodic(cfg.BroadcastInterval, cfg.MinBroadcastInterval, func(ctx context.Context) {
		if err := s.SendUpdate(ctx); err != nil {
			s.log.Warn("route update failed", "error", err)
		}
	})
	return s
}

// Mode reports whether the peer currently wants updates.
func (s *Sender) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// LastKnownEpoch is the epoch the next update starts from.
func (s *Sender) LastKnownEpoch() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastKnownEpoch
}

// HandleControl applies a route control request from the peer.
func (s *Sender) HandleControl(req ControlRequest) {
	forwarding := s.router.Forwarding()
	s.mu.Lock()
	if req.LastKnownRoutingTableID != forwarding.ID() {
		s.lastKnownEpoch = 0
	} else {
		s.lastKnownEpoch = min(req.LastKnownEpoch, forwarding.CurrentEpoch())
	}
	previous := s.mode
	s.mode = req.Mode
	s.mu.Unlock()

	if previous != req.Mode {
		s.log.Info("route control", "mode", req.Mode.String(), "epoch", req.LastKnownEpoch)
	}
	if req.Mode == ModeSync {
		s.task.Start(s.base)
		s.task.Trigger()
		return
	}
	s.task.Stop()
}

// Trigger requests an early broadcast, for example after local routes changed.
func (s *Sender) Trigger() {
	if s.Mode() == ModeSync {
		s.task.Trigger()
	}
}

// Stop halts broadcasting.
func (s *Sender) Stop() { s.task.Stop() }

// SendUpdate sends the next range of the forwarding log. The cursor advances
// before the send and is restored if the peer does not acknowledge it.
func (s *Sender) SendUpdate(ctx context.Context) error {
	forwarding := s.router.Forwarding()
	current := forwarding.CurrentEpoch()

	s.mu.Lock()
	from := s.lastKnownEpoch
	to := current
	if s.cfg.MaxEpochsPerUpdate > 0 && to-from > s.cfg.MaxEpochsPerUpdate {
		to = from + s.cfg.MaxEpochsPerUpdate
	}
	if from > to {
		from = to
	}
	s.lastKnownEpoch = to
	s.mu.Unlock()

	update := s.buildUpdate(forwarding.ID(), current, from, to, forwarding.Range(from, to))
	ctx, cancel := context.WithTimeout(ctx, s.cfg.UpdateTimeout)
	defer cancel()
	reply, err := s.send(ctx, s.peer.ID, UpdatePrepare(update, time.Now().Add(s.cfg.UpdateTimeout)))
	if err == nil {
		if rej, ok := reply.(packet.Reject); ok {
			err = fmt.Errorf("peer rejected route update: %s %s", rej.Code, rej.Message)
		}
	}
	if err != nil {
		s.mu.Lock()
		if s.lastKnownEpoch == to {
			s.lastKnownEpoch = from
		}
		s.mu.Unlock()
		observability.Connector().RecordRouteUpdate("sent", "failed")
		return err
	}
	observability.Connector().RecordRouteUpdate("sent", "ok")
	s.log.Debug("route update sent", "from", from, "to", to, "new", len(update.NewRoutes), "withdrawn", len(update.WithdrawnRoutes))
	return nil
}

// buildUpdate filters the log range for this peer. Routes that would loop
// back to the peer, and peer or parent routes offered to a parent, go out
// as withdrawals so the peer drops anything it learned earlier.
func (s *Sender) buildUpdate(tableID uuid.UUID, current, from, to uint32, entries []routing.Update) UpdateRequest {
	update := UpdateRequest{
		RoutingTableID: tableID,
		CurrentEpoch:   current,
		FromEpoch:      from,
		ToEpoch:        to,
		HoldDownTime:   uint32(s.cfg.HoldDownTime / time.Millisecond),
		Speaker:        s.router.OwnAddress(),
	}
	for _, entry := range entries {
		route := entry.Route
		if route == nil || !s.advertisable(*route) {
			update.WithdrawnRoutes = append(update.WithdrawnRoutes, entry.Prefix)
			continue
		}
		auth := route.Auth
		if len(route.Path) > 0 {
			auth = routing.ForwardAuth(route.Auth)
		}
		update.NewRoutes = append(update.NewRoutes, AdvertisedRoute{
			Prefix: route.Prefix,
			Path:   append([]string(nil), route.Path...),
			Auth:   auth,
		})
	}
	return update
}

func (s *Sender) advertisable(route routing.Route) bool {
	if route.NextHop == s.peer.ID {
		return false
	}
	if s.peer.Relation == peers.RelationParent &&
		(route.Relation == peers.RelationPeer || route.Relation == peers.RelationParent) {
		return false
	}
	return true
}
