// Package pipeline turns an inbound Prepare into a reply: it resolves the
// peers involved, enforces per-peer limits, reserves funds on the ledger,
// forwards or terminates the packet and settles the reservation once the
// outcome is known.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"ilpconnector/ledger"
	"ilpconnector/packet"
	"ilpconnector/peers"
	"ilpconnector/routing"
)

// Receiver terminates packets addressed to an account served by this node.
type Receiver interface {
	Receive(ctx context.Context, prepare packet.Prepare) (packet.Reply, error)
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(ctx context.Context, prepare packet.Prepare) (packet.Reply, error)

func (f ReceiverFunc) Receive(ctx context.Context, prepare packet.Prepare) (packet.Reply, error) {
	return f(ctx, prepare)
}

// Forwarder sends an encoded Prepare to a peer and returns the decoded reply.
type Forwarder interface {
	Forward(ctx context.Context, peer peers.Peer, prepare []byte) (packet.Reply, error)
}

// RouteHandler consumes route protocol messages.
type RouteHandler interface {
	HandleControl(ctx context.Context, peerID string, data []byte) error
	HandleUpdate(ctx context.Context, peerID string, data []byte) error
}

// RateFunc converts amount between assets. Rate sourcing is left to the
// caller; without one, packets that change asset are unroutable.
type RateFunc func(ctx context.Context, from, to ledger.Asset, amount uint64) (uint64, error)

// Config tunes the pipeline.
type Config struct {
	// Address is this node's ILP address, used as triggeredBy in rejects.
	Address string
	// ExpiryMargin is subtracted from the incoming expiry on every hop.
	ExpiryMargin time.Duration
	// MaxHoldTime caps how long a forwarded packet may stay outstanding.
	MaxHoldTime time.Duration
}

func (c Config) withDefaults() Config {
	if c.ExpiryMargin <= 0 {
		c.ExpiryMargin = time.Second
	}
	if c.MaxHoldTime <= 0 {
		c.MaxHoldTime = 30 * time.Second
	}
	return c
}

// Pipeline is safe for concurrent use; every packet runs its own chain.
type Pipeline struct {
	cfg       Config
	ledger    *ledger.Ledger
	registry  peers.Registry
	router    *routing.Router
	routes    RouteHandler
	forwarder Forwarder
	rates     RateFunc
	log       *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
	limits    *limits

	mu        sync.RWMutex
	receivers map[string]Receiver

	handler     HandlerFunc
	unsubscribe func()
}

// Option customises a Pipeline.
type Option func(*Pipeline)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.log = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithRouteHandler routes peer.route.* packets to h.
func WithRouteHandler(h RouteHandler) Option {
	return func(p *Pipeline) { p.routes = h }
}

// WithRates enables packets whose outgoing account uses another asset.
func WithRates(fn RateFunc) Option {
	return func(p *Pipeline) { p.rates = fn }
}

// New assembles the stage chain. The outermost stage converts every error
// into a Reject so Handle never fails.
func New(cfg Config, l *ledger.Ledger, registry peers.Registry, router *routing.Router, forwarder Forwarder, opts ...Option) (*Pipeline, error) {
	if err := packet.ValidateAddress(cfg.Address); err != nil {
		return nil, fmt.Errorf("pipeline address: %w", err)
	}
	if l == nil || registry == nil || router == nil || forwarder == nil {
		return nil, errors.New("pipeline: ledger, registry, router and forwarder are required")
	}
	p := &Pipeline{
		cfg:       cfg.withDefaults(),
		ledger:    l,
		registry:  registry,
		router:    router,
		forwarder: forwarder,
		log:       slog.Default(),
		tracer:    otel.Tracer("ilpconnector/pipeline"),
		now:       time.Now,
		receivers: make(map[string]Receiver),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With("component", "pipeline")
	p.limits = newLimits(p.now)
	p.unsubscribe = registry.Subscribe(func(ev peers.Event) {
		if ev.Kind != peers.EventAdded {
			p.limits.forget(ev.Peer.ID)
		}
	})
	p.handler = chain(p.sendStage,
		p.errorStage,
		p.decodeStage,
		p.limitStage,
		p.reservationStage,
		p.validateStage,
		p.localStage,
		p.expireStage,
	)
	return p, nil
}

// chain wraps final with stages, the first stage outermost.
func chain(final HandlerFunc, stages ...Middleware) HandlerFunc {
	h := final
	for i := len(stages) - 1; i >= 0; i-- {
		h = stages[i](h)
	}
	return h
}

// Close detaches the pipeline from the peer registry.
func (p *Pipeline) Close() {
	if p.unsubscribe != nil {
		p.unsubscribe()
	}
}

// Address is this node's ILP address.
func (p *Pipeline) Address() string { return p.cfg.Address }

// RegisterReceiver routes prefix to accountID and terminates its packets
// with rcv.
func (p *Pipeline) RegisterReceiver(prefix, accountID string, rcv Receiver) error {
	if err := packet.ValidateAddress(prefix); err != nil {
		return err
	}
	p.mu.Lock()
	p.receivers[accountID] = rcv
	p.mu.Unlock()
	p.router.AddLocalRoute(prefix, accountID)
	return nil
}

func (p *Pipeline) receiver(accountID string) (Receiver, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rcv, ok := p.receivers[accountID]
	return rcv, ok
}

// Handle processes one raw Prepare received from the incoming account and
// returns the reply to send back. It always returns a Fulfill or Reject.
func (p *Pipeline) Handle(ctx context.Context, incoming ledger.Account, raw []byte) packet.Reply {
	req := &Request{Raw: raw, Incoming: incoming, ReceivedAt: p.now()}
	reply, err := p.handler(ctx, req)
	if err != nil || reply == nil {
		return RejectFor(err, p.cfg.Address)
	}
	return reply
}

// resolveOutgoing picks the next hop of req and converts its amount.
func (p *Pipeline) resolveOutgoing(ctx context.Context, req *Request) (Target, error) {
	route, err := p.router.Resolve(req.Prepare.Destination)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %s", ErrUnreachable, req.Prepare.Destination)
	}
	if route.NextHop == req.Incoming.ID {
		return Target{}, fmt.Errorf("%w: route points back to %s", ErrUnreachable, route.NextHop)
	}
	target := Target{AccountID: route.NextHop, Route: route}
	if rcv, ok := p.receiver(route.NextHop); ok {
		target.Receiver = rcv
	} else {
		peer, err := p.registry.Get(ctx, route.NextHop)
		if err != nil {
			if errors.Is(err, peers.ErrPeerNotFound) {
				return Target{}, fmt.Errorf("%w: next hop %s is not a peer", ErrUnreachable, route.NextHop)
			}
			return Target{}, err
		}
		target.Peer = &peer
	}

	account, err := p.ledger.Account(ctx, target.AccountID)
	if err != nil {
		return Target{}, fmt.Errorf("%w: no account for %s", ErrUnreachable, target.AccountID)
	}
	if account.Disabled {
		return Target{}, fmt.Errorf("outgoing account %s: %w", account.ID, ledger.ErrAccountDisabled)
	}
	target.Amount = req.Prepare.Amount
	if account.Asset != req.Incoming.Asset && req.Prepare.Amount > 0 {
		if p.rates == nil {
			return Target{}, fmt.Errorf("%w: no rate from %s to %s", ErrUnreachable, req.Incoming.Asset, account.Asset)
		}
		amount, err := p.rates(ctx, req.Incoming.Asset, account.Asset, req.Prepare.Amount)
		if err != nil {
			return Target{}, fmt.Errorf("%w: rate from %s to %s: %v", ErrUnreachable, req.Incoming.Asset, account.Asset, err)
		}
		target.Amount = amount
	}
	return target, nil
}
