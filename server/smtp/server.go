package smtp

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

type SMTPServer struct {
	addr     string
	name     string
	hostname string
	store    *storage.Store
	appCtx   context.Context
	cancel   context.CancelFunc
	debug    bool

	// Connection counters; an SMTP session counts as authenticated once greeted
	totalConnections         atomic.Int64
	authenticatedConnections atomic.Int64

	limiter *serverPkg.ConnectionLimiter

	commandTimeout time.Duration // Maximum idle time before disconnection (0 = disabled)
	maxMessageSize int64         // 0 = unlimited
	drainTimeout   time.Duration

	// Active session tracking for graceful shutdown
	activeSessionsMutex sync.RWMutex
	activeSessions      map[*SMTPSession]struct{}
	sessionsWg          sync.WaitGroup
}

type SMTPServerOptions struct {
	Debug               bool
	MaxConnections      int
	MaxConnectionsPerIP int
	CommandTimeout      time.Duration
	MaxMessageSize      int64
}

func New(appCtx context.Context, name, hostname, smtpAddr string, store *storage.Store, options SMTPServerOptions) (*SMTPServer, error) {
	if store == nil {
		return nil, fmt.Errorf("smtp server %s: no mailbox store", name)
	}
	if hostname == "" {
		return nil, fmt.Errorf("smtp server %s: hostname is required", name)
	}

	serverCtx, serverCancel := context.WithCancel(appCtx)

	server := &SMTPServer{
		hostname:       hostname,
		name:           name,
		addr:           smtpAddr,
		store:          store,
		appCtx:         serverCtx,
		cancel:         serverCancel,
		debug:          options.Debug,
		commandTimeout: options.CommandTimeout,
		maxMessageSize: options.MaxMessageSize,
		drainTimeout:   defaultDrainTimeout,
		limiter:        serverPkg.NewConnectionLimiter(consts.ProtocolSMTP, options.MaxConnections, options.MaxConnectionsPerIP),
		activeSessions: make(map[*SMTPSession]struct{}),
	}

	server.limiter.StartCleanup(serverCtx)

	return server, nil
}

// Start listens on the configured address and serves until the server is
// closed. A listener failure is reported on errChan.
func (s *SMTPServer) Start(errChan chan error) {
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

// Serve accepts connections on listener until the server is closed.
func (s *SMTPServer) Serve(listener net.Listener) error {
	defer listener.Close()

	logger.Info("SMTP server listening", "name", s.name, "addr", listener.Addr().String(),
		"hostname", s.hostname, "idle_timeout", s.commandTimeout, "max_message_size", s.maxMessageSize)

	go func() {
		<-s.appCtx.Done()
		logger.Debug("SMTP: stopping", "name", s.name)
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.appCtx.Done():
				logger.Info("SMTP server stopped gracefully", "name", s.name)
				return nil
			default:
				return err
			}
		}

		releaseConn, err := s.limiter.Accept(conn.RemoteAddr())
		if err != nil {
			logger.Debug("SMTP: Connection rejected", "name", s.name, "error", err)
			metrics.ConnectionsRejected.WithLabelValues(consts.ProtocolSMTP).Inc()
			fmt.Fprintf(conn, "421 %s Too many connections, try again later\r\n", s.hostname)
			conn.Close()
			continue
		}

		session := s.newSession(conn, releaseConn)
		logger.Debug("SMTP: new connection", "name", s.name, "remote", session.RemoteIP,
			"total_connections", s.totalConnections.Load())

		s.sessionsWg.Add(1)
		go func() {
			defer s.sessionsWg.Done()
			session.handleConnection()
		}()
	}
}

func (s *SMTPServer) newSession(conn net.Conn, releaseConn func()) *SMTPSession {
	sessionCtx, sessionCancel := context.WithCancel(s.appCtx)

	s.totalConnections.Add(1)
	metrics.ConnectionsTotal.WithLabelValues(consts.ProtocolSMTP).Inc()
	metrics.ConnectionsCurrent.WithLabelValues(consts.ProtocolSMTP).Inc()

	session := &SMTPSession{
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
	session.Protocol = "SMTP"
	session.ServerName = s.name
	session.Id = idgen.New()
	session.HostName = s.hostname
	session.Stats = s

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

func (s *SMTPServer) Close() {
	s.sendGracefulShutdownMessage()

	if s.cancel != nil {
		s.cancel()
	}

	s.waitForSessionsDrain(s.drainTimeout)
}

func (s *SMTPServer) waitForSessionsDrain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.sessionsWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Debug("SMTP: All sessions drained gracefully", "name", s.name)
	case <-time.After(timeout):
		logger.Debug("SMTP: Session drain timeout, forcing shutdown", "name", s.name, "timeout", timeout)
	}
}

func (s *SMTPServer) addSession(session *SMTPSession) {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	s.activeSessions[session] = struct{}{}
}

func (s *SMTPServer) removeSession(session *SMTPSession) {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	delete(s.activeSessions, session)
}

// sendGracefulShutdownMessage sends 421 to every active session (RFC 5321
// §3.8) and closes its connection.
func (s *SMTPServer) sendGracefulShutdownMessage() {
	s.activeSessionsMutex.RLock()
	activeSessions := make([]*SMTPSession, 0, len(s.activeSessions))
	for session := range s.activeSessions {
		activeSessions = append(activeSessions, session)
	}
	s.activeSessionsMutex.RUnlock()

	if len(activeSessions) == 0 {
		return
	}

	logger.Debug("SMTP: Sending graceful shutdown message to active connections", "name", s.name, "count", len(activeSessions))

	for _, session := range activeSessions {
		session.conn.SetWriteDeadline(time.Now().Add(time.Second))
		fmt.Fprintf(session.conn, "421 %s Service shutting down, closing transmission channel\r\n", s.hostname)
	}
	for _, session := range activeSessions {
		session.conn.Close()
	}
}

// GetTotalConnections returns the current total connection count
func (s *SMTPServer) GetTotalConnections() int64 {
	return s.totalConnections.Load()
}

// GetAuthenticatedConnections returns the number of greeted sessions
func (s *SMTPServer) GetAuthenticatedConnections() int64 {
	return s.authenticatedConnections.Load()
}

// ConnectionStats returns the limiter view of open connections.
func (s *SMTPServer) ConnectionStats() serverPkg.ConnectionStats {
	return s.limiter.GetStats()
}

// Name returns the configured server name.
func (s *SMTPServer) Name() string {
	return s.name
}
