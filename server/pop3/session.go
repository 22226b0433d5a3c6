package pop3

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ternmail/tern/consts"
	"github.com/ternmail/tern/helpers"
	"github.com/ternmail/tern/pkg/metrics"
	"github.com/ternmail/tern/server"
	"github.com/ternmail/tern/storage"
)

type sessionState int

const (
	stateAuthorization sessionState = iota // before a successful PASS
	stateTransaction                       // mailbox loaded
	stateUpdate                            // QUIT received
)

type POP3Session struct {
	server.Session
	server      *POP3Server
	conn        net.Conn
	reader      *bufio.Reader
	writer      *bufio.Writer
	ctx         context.Context    // Context for this session
	cancel      context.CancelFunc // Function to cancel the session's context
	releaseConn func()             // Releases the connection limiter slot
	startTime   time.Time
	closeOnce   sync.Once

	state    sessionState
	userName string           // candidate name given by USER
	mailbox  *storage.Mailbox // set once authenticated
}

func (s *POP3Session) handleConnection() {
	defer s.cancel()
	defer s.Close()
	defer func() {
		if r := recover(); r != nil {
			s.WarnLog("panic in session: %v", r)
		}
	}()

	s.writeLine("+OK POP3 server ready")
	if err := s.writer.Flush(); err != nil {
		return
	}

	s.DebugLog("connected")

	for {
		if s.server.commandTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.server.commandTimeout))
		}

		line, err := server.ReadLine(s.reader, server.MaxCommandLineLength)
		if errors.Is(err, server.ErrLineTooLong) {
			s.fail("", consts.ErrSyntax, "Line too long")
			if s.writer.Flush() != nil {
				return
			}
			continue
		}
		if err != nil {
			switch {
			case server.IsTimeout(err):
				s.writeLine("-ERR Connection timed out due to inactivity")
				s.writer.Flush()
				s.Log("timed out")
			case server.IsConnectionError(err):
				// Client closed connection without QUIT
				s.DebugLog("client dropped connection")
			default:
				s.WarnLog("read error: %v", err)
			}
			return
		}
		if s.ctx.Err() != nil {
			// Server stopping: end without entering UPDATE
			s.writeLine("-ERR Server shutting down, please reconnect")
			s.writer.Flush()
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}

		cmd, arg := splitCommand(line)
		if s.server.debug {
			s.DebugLog("C: %s", helpers.MaskSensitive(line, cmd, "PASS"))
		}
		metrics.CommandsTotal.WithLabelValues(consts.ProtocolPOP3, commandLabel(cmd)).Inc()

		quit, err := s.dispatch(cmd, arg)
		if ferr := s.writer.Flush(); ferr != nil && err == nil {
			err = ferr
		}
		if err != nil {
			if !server.IsConnectionError(err) {
				s.WarnLog("%s failed: %v", cmd, err)
			}
			return
		}
		if quit {
			return
		}
	}
}

// dispatch runs one command. A non-nil error ends the session.
func (s *POP3Session) dispatch(cmd, arg string) (bool, error) {
	switch cmd {
	case "USER":
		s.handleUser(arg)
	case "PASS":
		s.handlePass(arg)
	case "STAT":
		s.handleStat()
	case "LIST":
		s.handleList(arg)
	case "UIDL":
		s.handleUidl(arg)
	case "RETR":
		return false, s.handleRetr(arg)
	case "TOP":
		return false, s.handleTop(arg)
	case "DELE":
		s.handleDele(arg)
	case "RSET":
		s.handleRset()
	case "NOOP":
		s.writeLine("+OK")
	case "CAPA":
		s.handleCapa()
	case "QUIT":
		s.handleQuit()
		return true, nil
	default:
		s.fail(cmd, consts.ErrSyntax, "Unknown command: %s", cmd)
	}
	return false, nil
}

// splitCommand returns the upper-cased keyword and the raw remainder.
func splitCommand(line string) (string, string) {
	line = strings.TrimLeft(line, " \t")
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), arg
}

func (s *POP3Session) handleUser(arg string) {
	if s.state != stateAuthorization {
		s.fail("USER", consts.ErrSequence, "Already authenticated")
		return
	}
	name := strings.TrimSpace(arg)
	if name == "" {
		s.fail("USER", consts.ErrSyntax, "Missing username")
		return
	}
	s.userName = name
	s.writeLine("+OK User accepted")
}

func (s *POP3Session) handlePass(arg string) {
	if s.state != stateAuthorization {
		s.fail("PASS", consts.ErrSequence, "Already authenticated")
		return
	}
	if s.userName == "" {
		s.fail("PASS", consts.ErrSequence, "Must provide USER first")
		return
	}

	// The pending USER survives a failed PASS
	name := s.userName

	mailbox, err := s.server.store.Open(name)
	if err == nil {
		err = mailbox.Authenticate(arg)
	}
	if err != nil {
		metrics.AuthenticationAttempts.WithLabelValues(consts.ProtocolPOP3, "failure").Inc()
		if errors.Is(err, consts.ErrInvalidUser) || errors.Is(err, consts.ErrNotAuthenticated) {
			s.Log("authentication failed for %s", name)
			s.fail("PASS", err, "Authentication failed")
			return
		}
		s.WarnLog("cannot open mailbox of %s: %v", name, err)
		s.fail("PASS", err, "Unable to open mailbox")
		return
	}
	metrics.AuthenticationAttempts.WithLabelValues(consts.ProtocolPOP3, "success").Inc()

	s.mailbox = mailbox
	s.state = stateTransaction
	s.Username = name

	authCount := s.server.authenticatedConnections.Add(1)
	s.Log("authenticated (connections: total=%d, authenticated=%d)", s.server.totalConnections.Load(), authCount)

	count, _ := mailbox.Size(false)
	total, _ := mailbox.TotalBytes(false)
	s.writeLine("+OK maildrop has %d messages (%d octets)", count, total)
}

// requireTransaction answers -ERR and returns false outside TRANSACTION.
func (s *POP3Session) requireTransaction(cmd string) bool {
	if s.state != stateTransaction {
		s.fail(cmd, consts.ErrNotAuthenticated, "Not authenticated")
		return false
	}
	return true
}

func (s *POP3Session) handleStat() {
	if !s.requireTransaction("STAT") {
		return
	}
	count, _ := s.mailbox.Size(false)
	total, _ := s.mailbox.TotalBytes(false)
	s.writeLine("+OK %d %d", count, total)
}

func (s *POP3Session) handleList(arg string) {
	if !s.requireTransaction("LIST") {
		return
	}
	messages, _ := s.mailbox.Messages()

	if strings.TrimSpace(arg) != "" {
		n, msg, ok := s.lookup("LIST", arg)
		if !ok {
			return
		}
		s.writeLine("+OK %d %d", n, msg.Size())
		return
	}

	count, _ := s.mailbox.Size(false)
	total, _ := s.mailbox.TotalBytes(false)
	s.writeLine("+OK %d messages (%d octets)", count, total)
	s.writeMultiline(buildListResponseLines(messages))
	s.DebugLog("listed %d messages", count)
}

func (s *POP3Session) handleUidl(arg string) {
	if !s.requireTransaction("UIDL") {
		return
	}
	if strings.TrimSpace(arg) != "" {
		n, msg, ok := s.lookup("UIDL", arg)
		if !ok {
			return
		}
		s.writeLine("+OK %d %s", n, msg.UID())
		return
	}

	messages, _ := s.mailbox.Messages()
	s.writeLine("+OK unique-id listing follows")
	s.writeMultiline(buildUIDLResponseLines(messages))
}

func (s *POP3Session) handleRetr(arg string) error {
	if !s.requireTransaction("RETR") {
		return nil
	}
	n, msg, ok := s.lookup("RETR", arg)
	if !ok {
		return nil
	}

	body, err := msg.Open()
	if err != nil {
		// Removed by another session after this one loaded the list
		s.WarnLog("RETR %d: %v", n, err)
		s.fail("RETR", err, "Message %d is no longer available", n)
		return nil
	}
	defer body.Close()

	s.writeLine("+OK %d octets", msg.Size())
	if err := writeDotStuffed(s.writer, body, -1); err != nil {
		return fmt.Errorf("stream message %d: %w", n, err)
	}
	metrics.MessagesRetrieved.Inc()
	s.DebugLog("retrieved message %d (%s)", n, msg.UID())
	return nil
}

func (s *POP3Session) handleTop(arg string) error {
	if !s.requireTransaction("TOP") {
		return nil
	}
	fields := strings.Fields(arg)
	if len(fields) != 2 {
		s.fail("TOP", consts.ErrSyntax, "Usage: TOP msg n")
		return nil
	}
	lines, err := strconv.Atoi(fields[1])
	if err != nil || lines < 0 {
		s.fail("TOP", consts.ErrSyntax, "Invalid line count")
		return nil
	}
	n, msg, ok := s.lookup("TOP", fields[0])
	if !ok {
		return nil
	}

	body, err := msg.Open()
	if err != nil {
		s.WarnLog("TOP %d: %v", n, err)
		s.fail("TOP", err, "Message %d is no longer available", n)
		return nil
	}
	defer body.Close()

	s.writeLine("+OK top of message follows")
	if err := writeDotStuffed(s.writer, body, lines); err != nil {
		return fmt.Errorf("stream top of message %d: %w", n, err)
	}
	return nil
}

func (s *POP3Session) handleDele(arg string) {
	if !s.requireTransaction("DELE") {
		return
	}
	n, msg, ok := s.lookup("DELE", arg)
	if !ok {
		return
	}
	msg.TagForDeletion()
	s.writeLine("+OK Message %d deleted", n)
}

func (s *POP3Session) handleRset() {
	if !s.requireTransaction("RSET") {
		return
	}
	if _, err := s.mailbox.ResetTags(); err != nil {
		s.fail("RSET", err, "%v", err)
		return
	}
	count, _ := s.mailbox.Size(false)
	total, _ := s.mailbox.TotalBytes(false)
	s.writeLine("+OK maildrop has %d messages (%d octets)", count, total)
}

func (s *POP3Session) handleCapa() {
	s.writeLine("+OK Capability list follows")
	s.writeMultiline([]string{"USER", "TOP", "UIDL", "IMPLEMENTATION tern"})
}

// handleQuit purges tagged messages when the mailbox is loaded. It is the
// only path that removes messages.
func (s *POP3Session) handleQuit() {
	if s.state != stateTransaction {
		s.state = stateUpdate
		s.writeLine("+OK Goodbye")
		return
	}
	s.state = stateUpdate

	purged, err := s.mailbox.PurgeTagged()
	metrics.MessagesPurged.Add(float64(purged))
	if err != nil {
		s.WarnLog("error purging messages: %v", err)
		s.fail("QUIT", err, "Some deleted messages not removed")
		return
	}
	if purged > 0 {
		s.Log("purged %d messages", purged)
	}
	s.writeLine("+OK Goodbye")
}

// lookup resolves a message number argument. It writes the -ERR response
// itself and returns false when the argument does not name a live message.
func (s *POP3Session) lookup(cmd, arg string) (int, *storage.Message, bool) {
	fields := strings.Fields(arg)
	if len(fields) == 0 {
		s.fail(cmd, consts.ErrSyntax, "Missing message number")
		return 0, nil, false
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		s.fail(cmd, consts.ErrSyntax, "Invalid message number")
		return 0, nil, false
	}
	msg, err := s.mailbox.Message(n)
	if err != nil {
		s.fail(cmd, err, "No such message")
		return 0, nil, false
	}
	if msg.Deleted() {
		s.fail(cmd, consts.ErrIndexOutOfRange, "Message %d already deleted", n)
		return 0, nil, false
	}
	return n, msg, true
}

// Close releases the connection. It is safe to call more than once and
// never purges.
func (s *POP3Session) Close() error {
	s.closeOnce.Do(func() {
		s.conn.Close()
		if s.releaseConn != nil {
			s.releaseConn()
		}
		s.server.removeSession(s)

		metrics.ConnectionsCurrent.WithLabelValues(consts.ProtocolPOP3).Dec()
		metrics.ConnectionDuration.WithLabelValues(consts.ProtocolPOP3).Observe(time.Since(s.startTime).Seconds())

		totalCount := s.server.totalConnections.Add(-1)
		var authCount int64
		if s.mailbox != nil {
			authCount = s.server.authenticatedConnections.Add(-1)
			s.DebugLog("closed (connections: total=%d, authenticated=%d)", totalCount, authCount)
		} else {
			authCount = s.server.authenticatedConnections.Load()
			s.DebugLog("closed unauthenticated connection (connections: total=%d, authenticated=%d)", totalCount, authCount)
		}
		s.mailbox = nil
		if s.cancel != nil {
			s.cancel()
		}
	})
	return nil
}
