// Package server exposes batches, jobs and scheduler state over HTTP and
// streams job updates to WebSocket clients on /ws/jobs.
package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/teranos/quill/ai/tracker"
	"github.com/teranos/quill/am"
	"github.com/teranos/quill/artifact"
	"github.com/teranos/quill/errors"
	"github.com/teranos/quill/logger"
	"github.com/teranos/quill/pulse/async"
	"github.com/teranos/quill/pulse/budget"
)

// MaxClients bounds concurrent WebSocket connections
const MaxClients = 64

// Deps are the collaborators the HTTP API reads and drives
type Deps struct {
	Scheduler *async.Scheduler
	Artifacts *artifact.Store
	Usage     *tracker.UsageTracker
	Budget    *budget.Tracker
}

// Server is the HTTP API and the job update hub
type Server struct {
	scheduler *async.Scheduler
	queue     *async.Queue
	artifacts *artifact.Store
	usage     *tracker.UsageTracker
	budget    *budget.Tracker
	logger    *zap.SugaredLogger
	router    *mux.Router

	origins atomic.Pointer[[]string]

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex

	httpServer *http.Server

	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	broadcastDrops atomic.Int64
	started        atomic.Bool
}

// New creates a server. Every dependency is required.
func New(deps Deps, cfg am.ServerConfig, log *zap.SugaredLogger) (*Server, error) {
	if deps.Scheduler == nil || deps.Artifacts == nil || deps.Usage == nil || deps.Budget == nil {
		return nil, errors.New("server requires scheduler, artifact store, usage tracker and budget tracker")
	}
	if log == nil {
		log = logger.ComponentLogger("server")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		scheduler:  deps.Scheduler,
		queue:      deps.Scheduler.Queue(),
		artifacts:  deps.Artifacts,
		usage:      deps.Usage,
		budget:     deps.Budget,
		logger:     log,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.SetAllowedOrigins(cfg.AllowedOrigins)
	s.router = s.routes()
	return s, nil
}

// SetAllowedOrigins replaces the CORS and WebSocket origin allow-list
func (s *Server) SetAllowedOrigins(origins []string) {
	cp := append([]string(nil), origins...)
	s.origins.Store(&cp)
}

// Handler returns the routed HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the hub and the job update broadcaster. It is idempotent.
func (s *Server) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run()
	}()
	s.startJobUpdateBroadcaster()
}

// ListenAndServe starts the hub and serves HTTP until Shutdown
func (s *Server) ListenAndServe(addr string) error {
	if addr == "" {
		addr = am.DefaultServerAddress
	}
	s.Start()

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.logger.Infow("Server ready", logger.FieldAddress, addr)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrapf(err, "failed to serve on %s", addr)
	}
	return nil
}

// Shutdown stops accepting requests, closes client connections and waits
// for the hub goroutines
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warnw("Timed out waiting for hub goroutines")
	}

	s.mu.Lock()
	for client := range s.clients {
		delete(s.clients, client)
		client.close()
	}
	s.mu.Unlock()

	if err != nil {
		return errors.Wrap(err, "failed to shut down HTTP server")
	}
	return nil
}

// run is the hub event loop
func (s *Server) run() {
	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debugw("Hub stopping due to context cancellation")
			return
		case client := <-s.register:
			s.handleClientRegister(client)
		case client := <-s.unregister:
			s.handleClientUnregister(client)
		}
	}
}

func (s *Server) handleClientRegister(client *Client) {
	s.mu.Lock()
	if len(s.clients) >= MaxClients {
		s.mu.Unlock()
		s.logger.Warnw("Max clients reached, rejecting connection",
			"client_id", client.id,
			"max_clients", MaxClients)
		client.close()
		return
	}
	s.clients[client] = true
	total := len(s.clients)
	s.mu.Unlock()

	s.logger.Infow("Client connected", "client_id", client.id, logger.FieldCount, total)
}

func (s *Server) handleClientUnregister(client *Client) {
	s.mu.Lock()
	if _, ok := s.clients[client]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, client)
	total := len(s.clients)
	s.mu.Unlock()

	client.close()
	s.logger.Infow("Client disconnected", "client_id", client.id, logger.FieldCount, total)
}

// clientCount returns the number of connected clients
func (s *Server) clientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
