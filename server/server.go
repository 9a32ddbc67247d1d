// Package server exposes block replays over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/clydemeng/blocktrace/core"
	"github.com/clydemeng/blocktrace/tracing"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/metrics/prometheus"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

var (
	requestMeter = metrics.NewRegisteredMeter("server/trace_block/requests", nil)
	failureMeter = metrics.NewRegisteredMeter("server/trace_block/failures", nil)
	requestTimer = metrics.NewRegisteredTimer("server/trace_block/duration", nil)
)

// Tracer replays a single block.
type Tracer interface {
	Replay(ctx context.Context, number uint64) (*core.ReplayResult, error)
}

// Config is the HTTP listener configuration.
type Config struct {
	Host        string
	Port        int
	CorsOrigins []string
	Metrics     bool // serve /debug/metrics/prometheus
	Timeouts    rpc.HTTPTimeouts
}

// Endpoint returns the listen address.
func (c Config) Endpoint() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Server is the HTTP front of the replayer.
type Server struct {
	tracer  Tracer
	config  Config
	handler http.Handler

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener // non-nil when server is running
}

func New(tracer Tracer, config Config) *Server {
	s := &Server{tracer: tracer, config: config}

	router := mux.NewRouter()
	router.HandleFunc("/trace_block/{block_number}", s.traceBlock).Methods(http.MethodGet)
	if config.Metrics {
		router.Handle("/debug/metrics/prometheus", prometheus.Handler(metrics.DefaultRegistry)).Methods(http.MethodGet)
	}
	s.handler = newCorsHandler(router, config.CorsOrigins)
	return s
}

func newCorsHandler(h http.Handler, allowedOrigins []string) http.Handler {
	// disable CORS support if user has not specified a custom CORS configuration
	if len(allowedOrigins) == 0 {
		return h
	}
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet},
		AllowedHeaders: []string{"*"},
		MaxAge:         600,
	})
	return c.Handler(h)
}

// Handler returns the root handler, CORS included.
func (s *Server) Handler() http.Handler { return s.handler }

// Start begins serving on the configured endpoint.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return errors.New("server already running")
	}
	listener, err := net.Listen("tcp", s.config.Endpoint())
	if err != nil {
		return err
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.config.Timeouts.ReadTimeout,
		ReadHeaderTimeout: s.config.Timeouts.ReadHeaderTimeout,
		WriteTimeout:      s.config.Timeouts.WriteTimeout,
		IdleTimeout:       s.config.Timeouts.IdleTimeout,
	}
	go s.server.Serve(listener)

	log.Info("HTTP server started", "endpoint", fmt.Sprintf("http://%v/trace_block/{block_number}", listener.Addr()), "cors", strings.Join(s.config.CorsOrigins, ","))
	if s.config.Metrics {
		log.Info("Metrics endpoint enabled", "url", fmt.Sprintf("http://%v/debug/metrics/prometheus", listener.Addr()))
	}
	return nil
}

// Addr returns the bound address, or nil when stopped.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the listener down, waiting for in-flight replays until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	log.Info("HTTP server stopped", "endpoint", s.listener.Addr())
	s.server, s.listener = nil, nil
	return err
}

func (s *Server) traceBlock(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestMeter.Mark(1)
	defer requestTimer.UpdateSince(start)

	reqID := uuid.NewString()
	w.Header().Set("X-Request-Id", reqID)
	logger := log.New("reqid", reqID)

	raw := mux.Vars(r)["block_number"]
	number, err := parseBlockNumber(raw)
	if err != nil {
		failureMeter.Mark(1)
		logger.Debug("Rejected trace request", "number", raw, "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	logger.Debug("Serving trace request", "number", number, "remote", r.RemoteAddr)
	res, err := s.tracer.Replay(r.Context(), number)
	if err != nil {
		failureMeter.Mark(1)
		logger.Error("Block replay failed", "number", number, "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	traces := res.Traces
	if traces == nil {
		traces = []tracing.CallInfo{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(traces); err != nil {
		logger.Debug("Failed to write trace response", "number", number, "err", err)
	}
}

// parseBlockNumber accepts decimal numbers and 0x-prefixed quantities.
func parseBlockNumber(raw string) (uint64, error) {
	if strings.HasPrefix(raw, "0x") {
		n, err := hexutil.DecodeUint64(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid block number %q: %w", raw, err)
		}
		return n, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid block number %q", raw)
	}
	return n, nil
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	fmt.Fprintf(w, "Something went wrong: %v", err)
}
