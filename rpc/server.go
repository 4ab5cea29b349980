// Package rpc serves the node over HTTP: JSON-RPC 2.0 methods, a
// WebSocket stream of processed blocks and Prometheus metrics.
package rpc

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-node/chain"
	"github.com/wippyai/wasm-node/metrics"
	"github.com/wippyai/wasm-node/registry"
	"github.com/wippyai/wasm-node/scheduler"
	"github.com/wippyai/wasm-node/state"
	"github.com/wippyai/wasm-node/txpool"
)

// Paths served by Handler.
const (
	PathRPC     = "/"
	PathStream  = "/ws"
	PathMetrics = "/metrics"
)

// Backend is the node state the RPC surface reads and feeds.
type Backend struct {
	Store     *state.Store
	Blocks    *chain.BlockStore
	Scheduler *scheduler.Scheduler
	Registry  *registry.Registry
	Pool      *txpool.Pool
}

// Config configures a Server.
type Config struct {
	Addr string

	// Metrics, when set, is served on PathMetrics and counts requests.
	Metrics *metrics.Metrics

	// StreamBuffer is the per-connection result buffer. Defaults to 64.
	StreamBuffer int

	Logger *zap.Logger
}

// Server is the node's HTTP endpoint.
type Server struct {
	cfg     Config
	logger  *zap.Logger
	handler http.Handler
	stream  *stream
}

// New assembles the HTTP handlers.
func New(b Backend, cfg Config) (*Server, error) {
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("rpc")

	svc := &Service{backend: b, observe: func(string) {}}
	if cfg.Metrics != nil {
		m := cfg.Metrics
		svc.observe = func(method string) { m.RPCRequest(ServiceName + "." + method) }
	}

	server := rpc.NewServer()
	server.RegisterCodec(json2.NewCodec(), "application/json")
	server.RegisterCodec(json2.NewCodec(), "application/json;charset=UTF-8")
	if err := server.RegisterService(svc, ServiceName); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		stream: newStream(b.Scheduler, cfg.StreamBuffer, logger),
	}
	mux := http.NewServeMux()
	mux.Handle(PathRPC, server)
	mux.Handle(PathStream, s.stream)
	if cfg.Metrics != nil {
		mux.Handle(PathMetrics, cfg.Metrics.Handler())
	}
	s.handler = mux
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Serve accepts connections on ln until ctx is done, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.logger.Info("rpc listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	s.stream.closeAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on Config.Addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}
