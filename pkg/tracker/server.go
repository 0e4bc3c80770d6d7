// Package tracker is the registry service peers use to find each other. It
// resolves addresses and channel membership; chat traffic never passes
// through it.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/busybox42/chatmesh/internal/directory"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

type Config struct {
	Addr string
	// MaxConns caps concurrent HTTP connections; zero means no cap.
	MaxConns       int
	SweepInterval  time.Duration
	RequestTimeout time.Duration
	RequireLogin   bool
	Password       string
}

type Server struct {
	dir    *directory.Directory
	cfg    Config
	log    logrus.FieldLogger
	router chi.Router

	// sessions maps sid to peer id; latest holds each peer's current sid.
	smu      sync.Mutex
	sessions map[string]string
	latest   map[string]string
}

func NewServer(dir *directory.Directory, cfg Config, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		dir:      dir,
		cfg:      cfg,
		log:      log.WithField("component", "tracker"),
		sessions: make(map[string]string),
		latest:   make(map[string]string),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.instrument)
	r.Use(s.recoverJSON)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		if s.cfg.RequireLogin {
			r.Use(s.requireSession)
		}
		r.Post("/submit-info", s.handleRegister)
		r.Post("/register", s.handleRegister)
		r.Post("/add-list", s.handlePresence)
		r.Post("/join-channel", s.handleJoin)
		r.Post("/leave-channel", s.handleLeave)
		r.Get("/get-list", s.handleList)
		r.Post("/get-list", s.handleList)
		r.Get("/get-channels", s.handleChannels)
		r.Get("/get-channel-members", s.handleMembers)
		r.Post("/connect-peer", s.handleConnect)
		r.Post("/broadcast-peer", s.handleBroadcast)
		r.Post("/send-peer", s.handleSend)
		r.Post("/update-status", s.handleStatus)
		r.Post("/unregister", s.handleUnregister)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no such endpoint: %s %s", r.Method, r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed on %s", r.Method, r.URL.Path))
	})
	return r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Directory() *directory.Directory {
	return s.dir
}

// ListenAndServe binds cfg.Addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln together with the periodic expiry sweep.
// Both stop when ctx is cancelled or either fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConns)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Infof("Tracker listening on %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		s.dir.Run(gctx, s.cfg.SweepInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.log.Info("Tracker shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newSession binds sid to peerID, revoking the peer's previous session.
func (s *Server) newSession(peerID string, sid string) {
	s.smu.Lock()
	defer s.smu.Unlock()
	if old, ok := s.latest[peerID]; ok {
		delete(s.sessions, old)
	}
	s.sessions[sid] = peerID
	s.latest[peerID] = sid
}

func (s *Server) sessionPeer(sid string) (string, bool) {
	s.smu.Lock()
	defer s.smu.Unlock()
	id, ok := s.sessions[sid]
	return id, ok
}
