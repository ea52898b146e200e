// Package ws handles WebSocket connection management: authenticating and
// upgrading HTTP requests, polling sockets for readiness, and dispatching
// incoming frames to a bounded worker pool.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/messenger/internal/identity"
	"github.com/whisper/messenger/internal/logging"
	"github.com/whisper/messenger/internal/metrics"
	"github.com/whisper/messenger/internal/protocol"
	"github.com/whisper/messenger/internal/ratelimit"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	WorkerPoolSize int           `koanf:"worker_pool_size"` // max concurrent read workers
	MaxConnections int           `koanf:"max_connections"`  // hard cap on total connections
	ReadTimeout    time.Duration `koanf:"read_timeout"`     // per-frame read timeout
	WriteTimeout   time.Duration `koanf:"write_timeout"`    // per-frame write timeout
	PingInterval   time.Duration `koanf:"ping_interval"`    // protocol ping period
	PongTimeout    time.Duration `koanf:"pong_timeout"`     // grace after a missed ping
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		PongTimeout:    10 * time.Second,
	}
}

// SessionRecorder records live connections outside the process.
type SessionRecorder interface {
	Create(ctx context.Context, connID, userID, remoteAddr string) error
	Refresh(ctx context.Context, connID, userID string) error
	Delete(ctx context.Context, connID, userID string) error
}

// ConnectLimiter throttles upgrades per client address.
type ConnectLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// AccessGate refuses suspended users.
type AccessGate interface {
	Allowed(ctx context.Context, userID string) bool
}

// Server is the WebSocket server built on gobwas/ws and epoll. It upgrades
// authenticated HTTP requests, registers the sockets with the poller, and
// hands ready sockets to a bounded worker pool for frame reading.
type Server struct {
	config       ServerConfig
	auth         identity.Authenticator
	sessions     SessionRecorder
	limiter      ConnectLimiter
	gate         AccessGate
	epoll        *Epoll
	conns        *ConnectionManager
	workerPool   chan struct{} // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte)
	onConnect    func(conn *Connection)
	onDisconnect func(conn *Connection)
	onExpire     func(conn *Connection)
	log          zerolog.Logger
	done         chan struct{}
	stopOnce     sync.Once
	startedAt    time.Time
}

// NewServer creates a Server that authenticates upgrades with auth and
// passes every complete text frame to onMessage from a worker goroutine.
func NewServer(config ServerConfig, auth identity.Authenticator, onMessage func(conn *Connection, data []byte)) (*Server, error) {
	ep, err := NewEpoll()
	if err != nil {
		return nil, fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	return &Server{
		config:     config,
		auth:       auth,
		epoll:      ep,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		log:        logging.Component("ws"),
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}, nil
}

// SetSessionStore records connections in s. Optional.
func (s *Server) SetSessionStore(r SessionRecorder) { s.sessions = r }

// SetLimiter throttles upgrades per client address. Optional.
func (s *Server) SetLimiter(l ConnectLimiter) { s.limiter = l }

// SetGate refuses upgrades from users g does not allow. Optional.
func (s *Server) SetGate(g AccessGate) { s.gate = g }

// SetOnConnect registers a callback run after the connected frame is sent and
// before the socket is polled, so it completes before any client message is
// dispatched.
func (s *Server) SetOnConnect(fn func(conn *Connection)) { s.onConnect = fn }

// SetOnDisconnect registers a callback run once when a connection is removed
// for any reason.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) { s.onDisconnect = fn }

// SetOnExpire registers a callback run when a connection's credential
// expires, before the connection is removed.
func (s *Server) SetOnExpire(fn func(conn *Connection)) { s.onExpire = fn }

// Run starts the event loop and heartbeat and blocks until ctx is done, then
// shuts the server down.
func (s *Server) Run(ctx context.Context) error {
	go s.startEventLoop()
	StartHeartbeat(s, HeartbeatConfig{Interval: s.config.PingInterval, Timeout: s.config.PongTimeout})

	s.log.Info().
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("ws server running")

	<-ctx.Done()
	return s.Shutdown()
}

// ServeHTTP authenticates and upgrades a request to a WebSocket connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	id, err := s.auth.Authenticate(r.Context(), identity.TokenFromRequest(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.gate != nil && !s.gate.Allowed(r.Context(), id.Profile.UserID) {
		http.Error(w, "account suspended", http.StatusForbidden)
		return
	}

	remote := clientAddr(r)
	if s.limiter != nil {
		if ok, _ := s.limiter.Allow(r.Context(), remote, ratelimit.RuleConnect); !ok {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug().Err(err).Msg("upgrade failed")
		return
	}
	// Deadlines left by the HTTP server would outlive the hijack.
	_ = netConn.SetDeadline(time.Time{})

	now := time.Now()
	c := &Connection{
		ID:           uuid.New().String(),
		UserID:       id.Profile.UserID,
		Profile:      id.Profile,
		ExpiresAt:    id.ExpiresAt,
		RemoteAddr:   remote,
		Conn:         s.epoll.Prepare(netConn),
		CreatedAt:    now,
		writeTimeout: s.config.WriteTimeout,
	}
	c.Touch(now)

	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessions.Create(ctx, c.ID, c.UserID, remote); err != nil {
			s.log.Warn().Err(err).Str("conn", c.ID).Msg("record session failed")
		}
		cancel()
	}

	var expires int64
	if !c.ExpiresAt.IsZero() {
		expires = c.ExpiresAt.Unix()
	}
	Send(c, protocol.TypeConnected, protocol.ConnectedMsg{
		ConnectionID: c.ID,
		UserID:       c.UserID,
		ExpiresAt:    expires,
	})

	if s.onConnect != nil {
		s.onConnect(c)
	}

	if err := s.epoll.Add(c.Conn); err != nil {
		s.log.Error().Err(err).Str("conn", c.ID).Msg("epoll add failed")
		s.RemoveConnection(c)
		return
	}

	s.log.Debug().Str("conn", c.ID).Str("user", c.UserID).Int("total", s.conns.Count()).Msg("new connection")
}

// startEventLoop dispatches each ready socket to a worker goroutine, bounded
// by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if isEINTR(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error().Err(err).Msg("epoll wait error")
			continue
		}

		for _, conn := range conns {
			conn := conn
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one frame from a ready socket. Control frames are handled
// without waiting on a data frame. Read errors other than timeouts remove
// the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered epoll can report a socket again while it is being read.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)
	defer s.epoll.Resume(netConn)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		defer netConn.SetReadDeadline(time.Time{})
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A timeout means a stale readiness report; the heartbeat reaps
		// dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	c.Touch(time.Now())

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection unregisters and closes a connection. Only the first call
// for a connection runs the disconnect callback.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessions.Delete(ctx, c.ID, c.UserID); err != nil {
			s.log.Warn().Err(err).Str("conn", c.ID).Msg("delete session failed")
		}
		cancel()
	}

	s.log.Debug().Str("conn", c.ID).Str("user", c.UserID).Int("total", s.conns.Count()).Msg("connection closed")
}

// expire tells the client its credential lapsed and removes the connection.
func (s *Server) expire(c *Connection) {
	s.log.Info().Str("conn", c.ID).Str("user", c.UserID).Msg("credential expired")
	SendError(c, protocol.CodeExpired, "credentials expired")
	if s.onExpire != nil {
		s.onExpire(c)
	}
	s.RemoveConnection(c)
}

// SendMessage writes a text frame to the connection identified by connID.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return c.WriteMessage(data)
}

// Connections returns the connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int { return s.conns.Count() }

// Uptime reports how long the server has been running.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startedAt)
}

// Shutdown stops the event loop and heartbeat and closes every connection,
// running the disconnect callback for each. Safe to call more than once.
func (s *Server) Shutdown() error {
	var err error
	s.stopOnce.Do(func() {
		s.log.Info().Int("connections", s.conns.Count()).Msg("shutting down")
		close(s.done)
		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}
		err = s.epoll.Close()
	})
	return err
}

// isEINTR reports a syscall interrupted by a signal.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}

// clientAddr returns the client host, preferring the first X-Forwarded-For
// hop set by the load balancer.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
