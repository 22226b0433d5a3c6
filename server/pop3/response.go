package pop3

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ternmail/tern/consts"
	"github.com/ternmail/tern/pkg/metrics"
	"github.com/ternmail/tern/storage"
)

var knownCommands = map[string]bool{
	"USER": true, "PASS": true, "STAT": true, "LIST": true, "UIDL": true,
	"RETR": true, "TOP": true, "DELE": true, "RSET": true, "NOOP": true,
	"CAPA": true, "QUIT": true,
}

// commandLabel bounds the metric label set to the commands we implement.
func commandLabel(cmd string) string {
	if knownCommands[cmd] {
		return strings.ToLower(cmd)
	}
	return "unknown"
}

func (s *POP3Session) writeLine(format string, args ...any) {
	fmt.Fprintf(s.writer, format, args...)
	s.writer.WriteString("\r\n")
}

// fail writes a single -ERR line. kind is the error class the reply stands
// for and only goes to the debug log.
func (s *POP3Session) fail(cmd string, kind error, format string, args ...any) {
	metrics.CommandErrors.WithLabelValues(consts.ProtocolPOP3, commandLabel(cmd)).Inc()
	s.DebugLog("%s rejected: %v", cmd, kind)
	s.writeLine("-ERR "+format, args...)
}

// writeMultiline writes lines followed by the terminating dot.
func (s *POP3Session) writeMultiline(lines []string) {
	for _, line := range lines {
		s.writer.WriteString(dotStuffLine(line))
		s.writer.WriteString("\r\n")
	}
	s.writer.WriteString(".\r\n")
}

// buildListResponseLines builds the multi-line response body for the LIST command.
// Per RFC 1939 §5, message numbers must remain stable throughout a POP3 session.
// Deleted messages must be skipped, but remaining messages keep their original numbers.
func buildListResponseLines(messages []*storage.Message) []string {
	var lines []string
	for i, msg := range messages {
		if !msg.Deleted() {
			// POP3 message numbers are 1-indexed
			lines = append(lines, fmt.Sprintf("%d %d", i+1, msg.Size()))
		}
	}
	return lines
}

// buildUIDLResponseLines builds the multi-line response body for the UIDL command.
func buildUIDLResponseLines(messages []*storage.Message) []string {
	var lines []string
	for i, msg := range messages {
		if !msg.Deleted() {
			lines = append(lines, fmt.Sprintf("%d %s", i+1, msg.UID()))
		}
	}
	return lines
}

// dotStuffLine prefixes a line starting with the terminator character with
// an extra dot (RFC 1939 §3).
func dotStuffLine(line string) string {
	if strings.HasPrefix(line, ".") {
		return "." + line
	}
	return line
}

// writeDotStuffed copies a stored message to w as CRLF terminated,
// dot-stuffed lines followed by the terminating dot. bodyLines limits the
// number of lines sent after the header block; a negative value sends the
// whole message.
func writeDotStuffed(w *bufio.Writer, r io.Reader, bodyLines int) error {
	br := bufio.NewReader(r)
	inBody := false
	sent := 0

	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			if inBody && bodyLines >= 0 && sent >= bodyLines {
				break
			}
			text := strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
			if _, werr := w.WriteString(dotStuffLine(text)); werr != nil {
				return werr
			}
			if _, werr := w.WriteString("\r\n"); werr != nil {
				return werr
			}
			if inBody {
				sent++
			} else if text == "" {
				inBody = true
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
	}

	_, err := w.WriteString(".\r\n")
	return err
}
