package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"courier/db"
	"courier/handler"

	"golang.org/x/sync/errgroup"
)

type Server struct {
	handler *handler.Handler
	config  *ServerConfig
	log     *slog.Logger

	mu       sync.Mutex
	sessions map[*Session]struct{}
	listener net.Listener
	wg       sync.WaitGroup
}

type ServerConfig struct {
	Port int
	// ReadTimeout bounds the wait for the next request. Zero disables it.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Stats is what the admin surfaces report.
type Stats struct {
	Connections int `json:"connections"`
	db.Stats
}

func New(h *handler.Handler, config *ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 30 * time.Second
	}

	return &Server{
		handler:  h,
		config:   config,
		log:      logger,
		sessions: make(map[*Session]struct{}),
	}
}

// Start listens on the configured port and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.config.Port))
	if err != nil {
		return err
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx is done or the listener
// fails. On return the listener and every open connection are closed.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.log.Info("server started", "addr", listener.Addr().String())

	g, ctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	g.Go(func() error {
		defer close(done)
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					s.log.Warn("accept", "err", err)
					continue
				}
				return err
			}

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.HandleConn(conn, conn.RemoteAddr().String())
			}()
		}
	})

	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-done:
		}
		listener.Close()
		s.closeSessions()
		return nil
	})

	err := g.Wait()
	s.wg.Wait()
	s.log.Info("server stopped")
	return err
}

// Addr is the bound listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// HandleConn runs a session on conn until it ends and closes conn. remote
// only labels log lines.
func (s *Server) HandleConn(conn io.ReadWriteCloser, remote string) {
	sess := newSession(s, conn, remote)
	if !s.track(sess) {
		conn.Close()
		return
	}
	defer s.untrack(sess)

	s.log.Debug("client connected", "remote", remote)
	sess.run()
}

func (s *Server) track(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == nil {
		return false
	}
	s.sessions[sess] = struct{}{}
	return true
}

func (s *Server) untrack(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess)
}

// closeSessions closes every open connection and refuses new ones.
func (s *Server) closeSessions() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = nil
	s.mu.Unlock()

	for sess := range sessions {
		sess.close()
	}
}

func (s *Server) Stats() (Stats, error) {
	st, err := s.handler.Store().Stats()
	if err != nil {
		return Stats{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Connections: len(s.sessions), Stats: st}, nil
}

// GetStats formats Stats as a single key=value line.
func (s *Server) GetStats() string {
	st, err := s.Stats()
	if err != nil {
		return "error=" + err.Error()
	}
	return "connections=" + strconv.Itoa(st.Connections) +
		",live=" + strconv.Itoa(st.Live) +
		",accounts=" + strconv.Itoa(st.Accounts) +
		",messages=" + strconv.Itoa(st.Messages) +
		",unread=" + strconv.Itoa(st.Unread)
}
