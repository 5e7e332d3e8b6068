package transport

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"ilpconnector/ledger"
	"ilpconnector/packet"
)

// MaxPacketSize bounds request and response bodies. ILP packets carry at
// most 32767 bytes of data plus their fixed fields.
const MaxPacketSize = 1 << 16

const contentType = "application/octet-stream"

// PacketHandler processes one raw Prepare from an authenticated account.
type PacketHandler interface {
	Handle(ctx context.Context, incoming ledger.Account, raw []byte) packet.Reply
}

type ServerConfig struct {
	// Tracing wraps the handler with otelhttp.
	Tracing bool
}

// Server receives packets over HTTP: each Prepare is POSTed as raw bytes to
// the path of its destination and the reply is written back as raw bytes.
type Server struct {
	cfg     ServerConfig
	packets PacketHandler
	auth    *Authenticator
	log     *slog.Logger
	router  http.Handler
}

func NewServer(cfg ServerConfig, packets PacketHandler, auth *Authenticator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		packets: packets,
		auth:    auth,
		log:     logger.With("component", "transport"),
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(pr chi.Router) {
		pr.Use(s.auth.Middleware)
		pr.Post("/", s.handlePacket)
		pr.Post("/*", s.handlePacket)
	})

	if s.cfg.Tracing {
		return otelhttp.NewHandler(r, "ilp.http")
	}
	return r
}

func (s *Server) handlePacket(w http.ResponseWriter, r *http.Request) {
	acc, ok := AccountFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, MaxPacketSize+1))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if len(raw) > MaxPacketSize {
		http.Error(w, "packet too large", http.StatusRequestEntityTooLarge)
		return
	}

	// Undecodable packets are left to the handler, which rejects them.
	if prepare, err := packet.DecodePrepare(raw); err == nil && !pathMatches(r.URL.Path, prepare.Destination) {
		http.Error(w, "path does not match packet destination", http.StatusBadRequest)
		return
	}

	reply := s.packets.Handle(r.Context(), acc, raw)
	s.log.Debug("packet handled",
		"account", acc.ID,
		"path", r.URL.Path,
		"reply", reply.Type().String(),
		"request_id", chimw.GetReqID(r.Context()),
	)
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(packet.Encode(reply))
}
