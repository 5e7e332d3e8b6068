package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"ilpconnector/ccp"
	"ilpconnector/packet"
	"ilpconnector/peers"
)

// ErrNoEndpoint reports a peer without an outgoing HTTP endpoint.
var ErrNoEndpoint = errors.New("transport: peer has no endpoint")

// Client forwards packets to peers over HTTP.
type Client struct {
	http *http.Client
	log  *slog.Logger
}

type ClientOption func(*Client)

// WithHTTPClient replaces the underlying client. Its transport is used as is.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(cl *Client) {
		if logger != nil {
			cl.log = logger
		}
	}
}

// NewClient returns a client whose requests are traced with otelhttp. Per
// request deadlines come from the caller's context.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		http: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "transport")
	return c
}

// Forward posts the encoded Prepare to the peer and decodes its reply.
func (c *Client) Forward(ctx context.Context, peer peers.Peer, raw []byte) (packet.Reply, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(peer.Endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoEndpoint, peer.ID)
	}
	prepare, err := packet.DecodePrepare(raw)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+AddressToPath(prepare.Destination), bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", contentType)
	if peer.OutgoingToken != "" {
		req.Header.Set("Authorization", "Bearer "+peer.OutgoingToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxPacketSize+1))
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.log.Warn("peer answered with http error", "peer", peer.ID, "status", resp.StatusCode)
		return nil, fmt.Errorf("peer %s: http status %d", peer.ID, resp.StatusCode)
	}
	if len(body) > MaxPacketSize {
		return nil, fmt.Errorf("peer %s: reply too large", peer.ID)
	}
	return packet.DecodeReply(body)
}

// SendFunc adapts the client to the route protocol, looking peers up in
// registry on every call.
func (c *Client) SendFunc(registry peers.Registry) ccp.SendFunc {
	return func(ctx context.Context, peerID string, prepare packet.Prepare) (packet.Reply, error) {
		peer, err := registry.Get(ctx, peerID)
		if err != nil {
			return nil, err
		}
		return c.Forward(ctx, peer, prepare.Marshal())
	}
}
