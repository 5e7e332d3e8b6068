package pipeline

import (
	"context"
	"sync"
	"time"

	"ilpconnector/ledger"
	"ilpconnector/packet"
	"ilpconnector/peers"
	"ilpconnector/routing"
)

// HandlerFunc processes one request and produces its reply.
type HandlerFunc func(ctx context.Context, req *Request) (packet.Reply, error)

// Middleware wraps a handler with one pipeline stage.
type Middleware func(next HandlerFunc) HandlerFunc

// Target is where a packet leaves this node: a peer or a local receiver.
type Target struct {
	AccountID string
	// Amount is the packet amount in the target account's asset.
	Amount   uint64
	Route    routing.Route
	Peer     *peers.Peer
	Receiver Receiver
}

// Request is the per-packet state shared by the stages. It is not modified
// after construction; the outgoing target is resolved on first use and then
// reused.
type Request struct {
	Raw        []byte
	Prepare    packet.Prepare
	Incoming   ledger.Account
	Peer       peers.Peer
	ReceivedAt time.Time

	resolve   func(ctx context.Context, req *Request) (Target, error)
	once      sync.Once
	target    Target
	targetErr error
}

// Outgoing returns the resolved outgoing target.
func (r *Request) Outgoing(ctx context.Context) (Target, error) {
	r.once.Do(func() {
		if r.resolve == nil {
			r.targetErr = ErrUnreachable
			return
		}
		r.target, r.targetErr = r.resolve(ctx, r)
	})
	return r.target, r.targetErr
}
