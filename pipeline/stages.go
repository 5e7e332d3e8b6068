package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ilpconnector/ccp"
	"ilpconnector/ledger"
	"ilpconnector/observability"
	"ilpconnector/packet"
	"ilpconnector/peers"
)

// errorStage converts any failure of the inner stages into a Reject. It is
// the only place errors become rejects.
func (p *Pipeline) errorStage(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *Request) (packet.Reply, error) {
		reply, err := next(ctx, req)
		if err != nil {
			rej := RejectFor(err, p.cfg.Address)
			level := p.log.Debug
			if rej.Code == packet.CodeF00BadRequest {
				level = p.log.Warn
			}
			level("packet rejected",
				"account", req.Incoming.ID,
				"code", string(rej.Code),
				"error", err,
			)
			reply = rej
		}
		switch r := reply.(type) {
		case packet.Fulfill:
			observability.Connector().RecordPacket("fulfilled", "")
		case packet.Reject:
			observability.Connector().RecordPacket("rejected", string(r.Code))
		}
		return reply, nil
	}
}

// decodeStage parses the packet and resolves the incoming peer.
func (p *Pipeline) decodeStage(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, raw *Request) (packet.Reply, error) {
		prepare, err := packet.DecodePrepare(raw.Raw)
		if err != nil {
			return nil, err
		}
		if err := packet.ValidateAddress(prepare.Destination); err != nil {
			return nil, err
		}
		if raw.Incoming.Disabled {
			return nil, fmt.Errorf("incoming account %s: %w", raw.Incoming.ID, ledger.ErrAccountDisabled)
		}
		peer, err := p.registry.Get(ctx, raw.Incoming.ID)
		if err != nil {
			if !errors.Is(err, peers.ErrPeerNotFound) {
				return nil, err
			}
			peer = peers.Peer{ID: raw.Incoming.ID, Relation: peers.RelationChild}
		}
		req := &Request{
			Raw:        raw.Raw,
			Prepare:    prepare,
			Incoming:   raw.Incoming,
			Peer:       peer,
			ReceivedAt: raw.ReceivedAt,
			resolve:    p.resolveOutgoing,
		}
		return next(ctx, req)
	}
}

// limitStage enforces the incoming peer's packet size, rate and throughput
// limits. Zero-amount packets are control traffic and pass untouched.
func (p *Pipeline) limitStage(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *Request) (packet.Reply, error) {
		amount := req.Prepare.Amount
		if amount == 0 {
			return next(ctx, req)
		}
		if limit := req.Peer.MaxPacketAmount; limit > 0 && amount > limit {
			observability.Connector().RecordThrottle(req.Peer.ID, "max_packet_amount")
			return nil, amountTooLarge(amount, limit)
		}
		if !p.limits.allowPacket(req.Peer) {
			observability.Connector().RecordThrottle(req.Peer.ID, "rate")
			return nil, ErrRateLimited
		}
		if !p.limits.allowAmount(req.Peer, amount) {
			observability.Connector().RecordThrottle(req.Peer.ID, "throughput")
			return nil, ErrThroughputExceeded
		}
		return next(ctx, req)
	}
}

// reservationStage reserves the packet amount from the incoming to the
// outgoing account and settles the reservation exactly once when the inner
// stages return: committed on Fulfill, rolled back otherwise.
func (p *Pipeline) reservationStage(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *Request) (packet.Reply, error) {
		if req.Prepare.Amount == 0 || strings.HasPrefix(req.Prepare.Destination, packet.PeerProtocolPrefix) {
			return next(ctx, req)
		}
		target, err := req.Outgoing(ctx)
		if err != nil {
			return nil, err
		}
		opts := ledger.TransferOptions{
			TransferID:           uuid.NewString(),
			SourceAccountID:      req.Incoming.ID,
			DestinationAccountID: target.AccountID,
			SourceAmount:         new(big.Int).SetUint64(req.Prepare.Amount),
			DestinationAmount:    new(big.Int).SetUint64(target.Amount),
		}
		transfer, err := p.ledger.TransferFunds(ctx, opts)
		if err != nil {
			observability.Ledger().RecordTransfer(ledgerResult(err))
			return nil, err
		}
		observability.Ledger().RecordTransfer("reserved")

		reply, err := next(ctx, req)

		settleCtx := context.WithoutCancel(ctx)
		if _, ok := reply.(packet.Fulfill); ok && err == nil {
			if cerr := transfer.Commit(settleCtx); cerr != nil {
				p.log.Error("commit after fulfill failed", "transfer", transfer.ID, "error", cerr)
				observability.Ledger().RecordTransfer(ledgerResult(cerr))
			} else {
				observability.Ledger().RecordTransfer(string(ledger.StateCommitted))
			}
			return reply, nil
		}
		if rerr := transfer.Rollback(settleCtx); rerr != nil {
			p.log.Error("rollback failed", "transfer", transfer.ID, "error", rerr)
			observability.Ledger().RecordTransfer(ledgerResult(rerr))
		} else {
			observability.Ledger().RecordTransfer(string(ledger.StateRolledBack))
		}
		return reply, err
	}
}

func ledgerResult(err error) string {
	var code ledger.Error
	if errors.As(err, &code) {
		return string(code)
	}
	return "error"
}

// validateStage turns a Fulfill whose preimage does not hash to the
// execution condition into an error.
func (p *Pipeline) validateStage(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *Request) (packet.Reply, error) {
		reply, err := next(ctx, req)
		if err != nil {
			return nil, err
		}
		if f, ok := reply.(packet.Fulfill); ok && !packet.Fulfills(f.Fulfillment, req.Prepare.ExecutionCondition) {
			return nil, fmt.Errorf("%w: from %s", ErrWrongCondition, req.Prepare.Destination)
		}
		return reply, nil
	}
}

// localStage answers peer protocol requests and packets for local receivers.
func (p *Pipeline) localStage(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *Request) (packet.Reply, error) {
		dest := req.Prepare.Destination
		if strings.HasPrefix(dest, packet.PeerProtocolPrefix) {
			return p.peerProtocol(ctx, req)
		}
		target, err := req.Outgoing(ctx)
		if err != nil {
			return nil, err
		}
		if target.Receiver == nil {
			return next(ctx, req)
		}
		prepare := req.Prepare
		prepare.Amount = target.Amount
		return target.Receiver.Receive(ctx, prepare)
	}
}

func (p *Pipeline) peerProtocol(ctx context.Context, req *Request) (packet.Reply, error) {
	switch req.Prepare.Destination {
	case packet.AddressRouteControl, packet.AddressRouteUpdate:
		if p.routes == nil {
			return nil, fmt.Errorf("%w: route protocol disabled", ErrUnreachable)
		}
		var err error
		if req.Prepare.Destination == packet.AddressRouteControl {
			err = p.routes.HandleControl(ctx, req.Incoming.ID, req.Prepare.Data)
		} else {
			err = p.routes.HandleUpdate(ctx, req.Incoming.ID, req.Prepare.Data)
		}
		if errors.Is(err, ccp.ErrUnknownPeer) {
			return nil, &ILPError{Code: packet.CodeF00BadRequest, Message: "peer does not exchange routes", Err: err}
		}
		if err != nil {
			return nil, err
		}
		return ccp.PeerProtocolFulfill(), nil
	case packet.AddressConfig:
		if req.Peer.Relation != peers.RelationChild {
			return nil, &ILPError{Code: packet.CodeF00BadRequest, Message: "address is only assigned to children"}
		}
		data, err := ConfigResponse{
			ClientAddress: p.cfg.Address + "." + req.Incoming.ID,
			AssetScale:    req.Incoming.Asset.Scale,
			AssetCode:     req.Incoming.Asset.Code,
		}.MarshalBinary()
		if err != nil {
			return nil, err
		}
		return packet.Fulfill{Fulfillment: packet.PeerProtocolFulfillment, Data: data}, nil
	default:
		return nil, fmt.Errorf("%w: unknown peer protocol %s", ErrUnreachable, req.Prepare.Destination)
	}
}

// expireStage arms the outgoing deadline: the incoming expiry minus the
// per-hop margin, capped by the maximum hold time. If the inner stages have
// not answered by then the packet fails with a timeout and their late
// result is discarded.
func (p *Pipeline) expireStage(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *Request) (packet.Reply, error) {
		now := p.now()
		expiry := req.Prepare.ExpiresAt.Add(-p.cfg.ExpiryMargin)
		if !expiry.After(now) {
			return nil, fmt.Errorf("%w: expires at %s", ErrInsufficientTimeout, req.Prepare.ExpiresAt.Format(time.RFC3339Nano))
		}
		if limit := now.Add(p.cfg.MaxHoldTime); expiry.After(limit) {
			expiry = limit
		}
		ctx, cancel := context.WithDeadline(ctx, expiry)
		defer cancel()

		type result struct {
			reply packet.Reply
			err   error
		}
		done := make(chan result, 1)
		go func() {
			reply, err := next(ctx, req)
			done <- result{reply, err}
		}()
		select {
		case res := <-done:
			return res.reply, res.err
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrTransferTimedOut
			}
			return nil, ctx.Err()
		}
	}
}

// sendStage forwards the packet to the outgoing peer with the adjusted
// amount and the deadline armed by expireStage.
func (p *Pipeline) sendStage(ctx context.Context, req *Request) (packet.Reply, error) {
	target, err := req.Outgoing(ctx)
	if err != nil {
		return nil, err
	}
	if target.Peer == nil {
		return nil, fmt.Errorf("%w: %s has no receiver", ErrUnreachable, target.AccountID)
	}
	expiry, ok := ctx.Deadline()
	if !ok {
		expiry = req.Prepare.ExpiresAt.Add(-p.cfg.ExpiryMargin)
	}
	raw, err := packet.WithAmountAndExpiry(req.Raw, &target.Amount, &expiry)
	if err != nil {
		return nil, err
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.forward", trace.WithAttributes(
		attribute.String("ilp.destination", req.Prepare.Destination),
		attribute.String("ilp.peer", target.Peer.ID),
		attribute.Int64("ilp.amount", int64(target.Amount)),
	))
	defer span.End()

	started := p.now()
	reply, err := p.forwarder.Forward(ctx, *target.Peer, raw)
	observability.Connector().ObserveForward(target.Peer.ID, p.now().Sub(started))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			return nil, ErrTransferTimedOut
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrPeerUnreachable, target.Peer.ID, err)
	}
	if rej, ok := reply.(packet.Reject); ok {
		span.SetAttributes(attribute.String("ilp.reject_code", string(rej.Code)))
	}
	return reply, nil
}
