package smtp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ternmail/tern/consts"
	"github.com/ternmail/tern/pkg/metrics"
	"github.com/ternmail/tern/server"
	"github.com/ternmail/tern/storage"
)

var (
	mailFromRE = regexp.MustCompile(`(?i)^FROM:\s*<([^<>]*)>(?:\s+(.*))?$`)
	rcptToRE   = regexp.MustCompile(`(?i)^TO:\s*<([^<>]+)>(?:\s+.*)?$`)
	sizeParam  = regexp.MustCompile(`(?i)(?:^|\s)SIZE=(\d+)`)
)

// errMessageTooLarge is reported when DATA exceeds max_message_size. The
// session continues.
var errMessageTooLarge = errors.New("message exceeds maximum size")

type SMTPSession struct {
	server.Session
	server      *SMTPServer
	conn        net.Conn
	reader      *bufio.Reader
	writer      *bufio.Writer
	ctx         context.Context
	cancel      context.CancelFunc
	releaseConn func()
	startTime   time.Time
	closeOnce   sync.Once

	greeted    bool
	heloName   string
	hasSender  bool // MAIL FROM:<> sets an empty sender
	sender     string
	recipients []string // resolved usernames, duplicates kept
}

func (s *SMTPSession) handleConnection() {
	defer s.cancel()
	defer s.Close()
	defer func() {
		if r := recover(); r != nil {
			s.WarnLog("panic in session: %v", r)
		}
	}()

	s.reply(220, "%s ESMTP tern ready", s.server.hostname)
	if err := s.writer.Flush(); err != nil {
		return
	}

	s.DebugLog("connected")

	for {
		line, err := s.readLine(server.MaxCommandLineLength)
		if errors.Is(err, server.ErrLineTooLong) {
			s.fail("", 500, "Line too long")
			if s.writer.Flush() != nil {
				return
			}
			continue
		}
		if err != nil {
			s.handleReadError(err)
			return
		}
		if s.ctx.Err() != nil {
			s.reply(421, "%s Service shutting down, closing transmission channel", s.server.hostname)
			s.writer.Flush()
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}

		cmd, arg := splitCommand(line)
		if s.server.debug {
			s.DebugLog("C: %s", line)
		}
		metrics.CommandsTotal.WithLabelValues(consts.ProtocolSMTP, commandLabel(cmd)).Inc()

		quit, err := s.dispatch(cmd, arg)
		if ferr := s.writer.Flush(); ferr != nil && err == nil {
			err = ferr
		}
		if err != nil {
			if server.IsTimeout(err) {
				s.handleReadError(err)
			} else if !server.IsConnectionError(err) {
				s.WarnLog("%s failed: %v", cmd, err)
			}
			return
		}
		if quit {
			return
		}
	}
}

// readLine reads one line of at most limit bytes (0 for no bound).
func (s *SMTPSession) readLine(limit int) (string, error) {
	if s.server.commandTimeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.server.commandTimeout))
	}
	return server.ReadLine(s.reader, limit)
}

func (s *SMTPSession) handleReadError(err error) {
	switch {
	case server.IsTimeout(err):
		s.reply(421, "%s Connection timed out due to inactivity", s.server.hostname)
		s.writer.Flush()
		s.Log("timed out")
	case server.IsConnectionError(err):
		s.DebugLog("client dropped connection")
	default:
		s.WarnLog("read error: %v", err)
	}
}

// dispatch runs one command. A non-nil error ends the session.
func (s *SMTPSession) dispatch(cmd, arg string) (bool, error) {
	switch cmd {
	case "EHLO":
		s.handleHello(cmd, arg, true)
	case "HELO":
		s.handleHello(cmd, arg, false)
	case "MAIL":
		s.handleMail(arg)
	case "RCPT":
		s.handleRcpt(arg)
	case "DATA":
		return false, s.handleData()
	case "RSET":
		s.resetTransaction()
		s.reply(250, "OK")
	case "VRFY":
		s.handleVrfy(arg)
	case "NOOP":
		s.reply(250, "OK")
	case "HELP":
		s.reply(214, "Commands: HELO EHLO MAIL RCPT DATA RSET VRFY NOOP QUIT HELP")
	case "QUIT":
		s.reply(221, "Bye")
		return true, nil
	default:
		s.fail(cmd, 502, "Command not implemented")
	}
	return false, nil
}

func splitCommand(line string) (string, string) {
	line = strings.TrimLeft(line, " \t")
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), strings.TrimSpace(arg)
}

func (s *SMTPSession) handleHello(cmd, domain string, extended bool) {
	if domain == "" {
		s.fail(cmd, 501, "Syntax: %s hostname", cmd)
		return
	}
	if !s.greeted {
		s.server.authenticatedConnections.Add(1)
	}
	s.greeted = true
	s.heloName = domain
	s.resetTransaction()

	if !extended {
		s.reply(250, "%s Hello %s", s.server.hostname, domain)
		return
	}

	size := "SIZE"
	if s.server.maxMessageSize > 0 {
		size = fmt.Sprintf("SIZE %d", s.server.maxMessageSize)
	}
	s.replyLines(250, fmt.Sprintf("%s Hello %s", s.server.hostname, domain), size, "HELP")
}

func (s *SMTPSession) handleMail(arg string) {
	if !s.greeted {
		s.fail("MAIL", 503, "Bad sequence of commands: send HELO/EHLO first")
		return
	}
	m := mailFromRE.FindStringSubmatch(arg)
	if m == nil {
		s.fail("MAIL", 501, "Syntax: MAIL FROM:<address>")
		return
	}
	if limit := s.server.maxMessageSize; limit > 0 {
		if p := sizeParam.FindStringSubmatch(m[2]); p != nil {
			if declared, err := strconv.ParseInt(p[1], 10, 64); err == nil && declared > limit {
				s.fail("MAIL", 552, "Message size exceeds fixed maximum message size")
				return
			}
		}
	}

	s.recipients = nil
	s.sender = m[1]
	s.hasSender = true
	s.reply(250, "OK")
}

func (s *SMTPSession) handleRcpt(arg string) {
	if !s.greeted || !s.hasSender {
		s.fail("RCPT", 503, "Bad sequence of commands: need MAIL first")
		return
	}
	m := rcptToRE.FindStringSubmatch(arg)
	if m == nil {
		s.fail("RCPT", 501, "Syntax: RCPT TO:<address>")
		return
	}

	username, ok := s.server.store.Registry().Resolve(m[1])
	if !ok {
		s.DebugLog("rejected recipient %s", m[1])
		s.fail("RCPT", 550, "No such user here")
		return
	}
	s.recipients = append(s.recipients, username)
	s.reply(250, "OK")
}

func (s *SMTPSession) handleVrfy(arg string) {
	address := strings.Trim(arg, "<>")
	if address == "" {
		s.fail("VRFY", 501, "Syntax: VRFY <address>")
		return
	}
	username, ok := s.server.store.Registry().Resolve(address)
	if !ok {
		s.fail("VRFY", 550, "No such user here")
		return
	}
	s.reply(250, "%s", username)
}

// handleData reads the message and delivers it to every recipient. The
// delivery writer lives only for the duration of this command. A delivery
// failure is returned so the connection is closed after the 451 reply.
func (s *SMTPSession) handleData() error {
	if !s.greeted || !s.hasSender || len(s.recipients) == 0 {
		s.fail("DATA", 503, "Bad sequence of commands: need RCPT first")
		return nil
	}

	s.reply(354, "End data with <CR><LF>.<CR><LF>")
	if err := s.writer.Flush(); err != nil {
		return err
	}

	body, err := s.readData()
	if errors.Is(err, errMessageTooLarge) {
		s.Log("message from <%s> rejected: %v", s.sender, err)
		s.fail("DATA", 552, "Message size exceeds fixed maximum message size")
		s.resetTransaction()
		return nil
	}
	if err != nil {
		// Connection lost mid-message: nothing is delivered
		return err
	}

	if err := s.deliver(body); err != nil {
		s.WarnLog("delivery from <%s> failed: %v", s.sender, err)
		s.fail("DATA", 451, "Requested action aborted: local error in processing")
		return err
	}

	s.Log("message from <%s> (helo %s) delivered to %d recipients (%d bytes)", s.sender, s.heloName, len(s.recipients), len(body))
	s.resetTransaction()
	s.reply(250, "OK: Message received")
	return nil
}

// readData reads lines up to the terminating dot. Line terminators are kept
// as received and a leading dot is removed from stuffed lines. When the
// message outgrows max_message_size the rest is read and discarded, and no
// single line is held beyond what is left of the limit.
func (s *SMTPSession) readData() ([]byte, error) {
	var buf bytes.Buffer
	limit := s.server.maxMessageSize
	tooLarge := false

	for {
		lineLimit := 0
		if limit > 0 {
			lineLimit = server.MaxCommandLineLength
			if !tooLarge {
				// Room for a stuffing dot and CRLF, so "." always fits
				lineLimit = int(limit-int64(buf.Len())) + 3
			}
		}

		line, err := s.readLine(lineLimit)
		if errors.Is(err, server.ErrLineTooLong) {
			tooLarge = true
			buf.Reset()
			continue
		}
		if err != nil {
			return nil, err
		}
		if strings.TrimRight(line, "\r\n") == "." {
			break
		}
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}
		if tooLarge {
			continue
		}
		if limit > 0 && int64(buf.Len()+len(line)) > limit {
			tooLarge = true
			buf.Reset()
			continue
		}
		buf.WriteString(line)
	}

	if tooLarge {
		return nil, errMessageTooLarge
	}
	return buf.Bytes(), nil
}

func (s *SMTPSession) deliver(body []byte) error {
	mailboxes := make([]*storage.Mailbox, 0, len(s.recipients))
	for _, username := range s.recipients {
		mb, err := s.server.store.Open(username)
		if err != nil {
			return &storage.DeliveryError{Recipient: username, Err: err}
		}
		mailboxes = append(mailboxes, mb)
	}

	w, err := storage.NewDeliveryWriter(mailboxes)
	if err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		w.Abort()
		return err
	}
	return w.Close()
}

func (s *SMTPSession) resetTransaction() {
	s.hasSender = false
	s.sender = ""
	s.recipients = nil
}

// Close releases the connection. It is safe to call more than once.
func (s *SMTPSession) Close() error {
	s.closeOnce.Do(func() {
		s.conn.Close()
		if s.releaseConn != nil {
			s.releaseConn()
		}
		s.server.removeSession(s)

		metrics.ConnectionsCurrent.WithLabelValues(consts.ProtocolSMTP).Dec()
		metrics.ConnectionDuration.WithLabelValues(consts.ProtocolSMTP).Observe(time.Since(s.startTime).Seconds())

		totalCount := s.server.totalConnections.Add(-1)
		if s.greeted {
			s.server.authenticatedConnections.Add(-1)
		}
		s.DebugLog("closed (connections: total=%d)", totalCount)
		if s.cancel != nil {
			s.cancel()
		}
	})
	return nil
}

