package pop3

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternmail/tern/consts"
	"github.com/ternmail/tern/logger"
	"github.com/ternmail/tern/pkg/metrics"
	serverPkg "github.com/ternmail/tern/server"
	"github.com/ternmail/tern/server/idgen"
	"github.com/ternmail/tern/storage"
)

const defaultDrainTimeout = 30 * time.Second

type POP3Server struct {
	addr     string
	name     string
	hostname string
	store    *storage.Store
	appCtx   context.Context
	cancel   context.CancelFunc
	debug    bool

	// Connection counters
	totalConnections         atomic.Int64
	authenticatedConnections atomic.Int64

	// Connection limiting
	limiter *serverPkg.ConnectionLimiter

	// Maximum idle time between commands (0 = disabled)
	commandTimeout time.Duration

	// Time given to sessions to finish after Close
	drainTimeout time.Duration

	// Active session tracking for graceful shutdown
	activeSessionsMutex sync.RWMutex
	activeSessions      map[*POP3Session]struct{}
	sessionsWg          sync.WaitGroup // Tracks active sessions for graceful drain
}

type POP3ServerOptions struct {
	Debug               bool
	MaxConnections      int
	MaxConnectionsPerIP int
	CommandTimeout      time.Duration // Maximum idle time before disconnection
}

func New(appCtx context.Context, name, hostname, popAddr string, store *storage.Store, options POP3ServerOptions) (*POP3Server, error) {
	if store == nil {
		return nil, fmt.Errorf("pop3 server %s: no mailbox store", name)
	}

	// Create a new context with a cancel function for clean shutdown
	serverCtx, serverCancel := context.WithCancel(appCtx)

	server := &POP3Server{
		hostname:       hostname,
		name:           name,
		addr:           popAddr,
		store:          store,
		appCtx:         serverCtx,
		cancel:         serverCancel,
		debug:          options.Debug,
		commandTimeout: options.CommandTimeout,
		drainTimeout:   defaultDrainTimeout,
		limiter:        serverPkg.NewConnectionLimiter(consts.ProtocolPOP3, options.MaxConnections, options.MaxConnectionsPerIP),
		activeSessions: make(map[*POP3Session]struct{}),
	}

	// Start connection limiter cleanup
	server.limiter.StartCleanup(serverCtx)

	return server, nil
}

// Start listens on the configured address and serves until the server is
// closed. A listener failure is reported on errChan.
func (s *POP3Server) Start(errChan chan error) {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.cancel()
		errChan <- fmt.Errorf("failed to create listener: %w", err)
		return
	}

	if err := s.Serve(listener); err != nil {
		errChan <- err
	}
}

// Serve accepts connections on listener until the server is closed. It
// returns nil after a graceful stop.
func (s *POP3Server) Serve(listener net.Listener) error {
	defer listener.Close()

	if s.commandTimeout > 0 {
		logger.Info("POP3 server listening", "name", s.name, "addr", listener.Addr().String(), "idle_timeout", s.commandTimeout)
	} else {
		logger.Info("POP3 server listening", "name", s.name, "addr", listener.Addr().String())
	}

	// Use a goroutine to monitor application context cancellation
	go func() {
		<-s.appCtx.Done()
		logger.Debug("POP3: stopping", "name", s.name)
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			// Check if the error is due to the listener being closed (graceful shutdown)
			select {
			case <-s.appCtx.Done():
				logger.Info("POP3 server stopped gracefully", "name", s.name)
				return nil
			default:
				return err
			}
		}

		releaseConn, err := s.limiter.Accept(conn.RemoteAddr())
		if err != nil {
			logger.Debug("POP3: Connection rejected", "name", s.name, "error", err)
			metrics.ConnectionsRejected.WithLabelValues(consts.ProtocolPOP3).Inc()
			conn.Write([]byte("-ERR Too many connections, try again later\r\n"))
			conn.Close()
			continue
		}

		session := s.newSession(conn, releaseConn)

		logger.Debug("POP3: new connection", "name", s.name, "remote", session.RemoteIP,
			"total_connections", s.totalConnections.Load(), "authenticated_connections", s.authenticatedConnections.Load())

		// Track session in WaitGroup for graceful drain
		s.sessionsWg.Add(1)

		go func() {
			defer s.sessionsWg.Done()
			session.handleConnection()
		}()
	}
}

// newSession registers a session for conn. releaseConn may be nil.
func (s *POP3Server) newSession(conn net.Conn, releaseConn func()) *POP3Session {
	sessionCtx, sessionCancel := context.WithCancel(s.appCtx)

	s.totalConnections.Add(1)

	// Prometheus metrics - connection established
	metrics.ConnectionsTotal.WithLabelValues(consts.ProtocolPOP3).Inc()
	metrics.ConnectionsCurrent.WithLabelValues(consts.ProtocolPOP3).Inc()

	session := &POP3Session{
		server:      s,
		conn:        conn,
		reader:      bufio.NewReader(conn),
		writer:      bufio.NewWriter(conn),
		ctx:         sessionCtx,
		cancel:      sessionCancel,
		releaseConn: releaseConn,
		startTime:   time.Now(),
	}
	session.RemoteIP = remoteIP(conn)
	session.Protocol = "POP3"
	session.ServerName = s.name
	session.Id = idgen.New()
	session.HostName = s.hostname
	session.Stats = s

	// Track session for graceful shutdown
	s.addSession(session)
	return session
}

func remoteIP(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return "unknown"
	}
	if host, _, err := net.SplitHostPort(addr.String()); err == nil {
		return host
	}
	return addr.String()
}

func (s *POP3Server) Close() {
	// Step 1: Send graceful shutdown messages to all active sessions
	s.sendGracefulShutdownMessage()

	// Step 2: Cancel context to signal sessions to finish
	if s.cancel != nil {
		s.cancel()
	}

	// Step 3: Wait for active sessions to finish gracefully (with timeout)
	s.waitForSessionsDrain(s.drainTimeout)
}

// waitForSessionsDrain waits for all active sessions to finish with a timeout
func (s *POP3Server) waitForSessionsDrain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.sessionsWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Debug("POP3: All sessions drained gracefully", "name", s.name)
	case <-time.After(timeout):
		logger.Debug("POP3: Session drain timeout, forcing shutdown", "name", s.name, "timeout", timeout)
	}
}

// addSession tracks an active session for graceful shutdown
func (s *POP3Server) addSession(session *POP3Session) {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	s.activeSessions[session] = struct{}{}
}

// removeSession removes a session from active tracking
func (s *POP3Server) removeSession(session *POP3Session) {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	delete(s.activeSessions, session)
}

// sendGracefulShutdownMessage notifies every active session and closes its
// connection. Sessions interrupted this way do not purge.
func (s *POP3Server) sendGracefulShutdownMessage() {
	s.activeSessionsMutex.RLock()
	activeSessions := make([]*POP3Session, 0, len(s.activeSessions))
	for session := range s.activeSessions {
		activeSessions = append(activeSessions, session)
	}
	s.activeSessionsMutex.RUnlock()

	if len(activeSessions) == 0 {
		return
	}

	logger.Debug("POP3: Sending graceful shutdown message to active connections", "name", s.name, "count", len(activeSessions))

	for _, session := range activeSessions {
		session.conn.SetWriteDeadline(time.Now().Add(time.Second))
		session.conn.Write([]byte("-ERR Server shutting down, please reconnect\r\n"))
	}

	// Close connections to unblock any sessions blocked on reads
	for _, session := range activeSessions {
		session.conn.Close()
	}
}

// GetTotalConnections returns the current total connection count
func (s *POP3Server) GetTotalConnections() int64 {
	return s.totalConnections.Load()
}

// GetAuthenticatedConnections returns the current authenticated connection count
func (s *POP3Server) GetAuthenticatedConnections() int64 {
	return s.authenticatedConnections.Load()
}

// ConnectionStats returns the limiter view of open connections.
func (s *POP3Server) ConnectionStats() serverPkg.ConnectionStats {
	return s.limiter.GetStats()
}

// Name returns the configured server name.
func (s *POP3Server) Name() string {
	return s.name
}
