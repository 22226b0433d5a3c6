package smtp

import (
	"fmt"
	"strings"

	"github.com/ternmail/tern/consts"
	"github.com/ternmail/tern/pkg/metrics"
)

var knownCommands = map[string]bool{
	"EHLO": true, "HELO": true, "MAIL": true, "RCPT": true, "DATA": true,
	"RSET": true, "VRFY": true, "NOOP": true, "HELP": true, "QUIT": true,
}

// commandLabel bounds the metric label set to the commands we implement.
func commandLabel(cmd string) string {
	if knownCommands[cmd] {
		return strings.ToLower(cmd)
	}
	return "unknown"
}

func (s *SMTPSession) reply(code int, format string, args ...any) {
	fmt.Fprintf(s.writer, "%d ", code)
	fmt.Fprintf(s.writer, format, args...)
	s.writer.WriteString("\r\n")
}

// replyLines writes a multi-line reply (RFC 5321 §4.2.1).
func (s *SMTPSession) replyLines(code int, lines ...string) {
	for i, line := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		fmt.Fprintf(s.writer, "%d%s%s\r\n", code, sep, line)
	}
}

// replyKind maps a negative reply code to its error class.
func replyKind(code int) error {
	switch code {
	case 500, 501, 502:
		return consts.ErrSyntax
	case 503:
		return consts.ErrSequence
	case 550:
		return consts.ErrInvalidUser
	case 451:
		return consts.ErrDelivery
	default:
		return fmt.Errorf("reply %d", code)
	}
}

// fail writes a negative reply and counts it.
func (s *SMTPSession) fail(cmd string, code int, format string, args ...any) {
	metrics.CommandErrors.WithLabelValues(consts.ProtocolSMTP, commandLabel(cmd)).Inc()
	s.DebugLog("%s rejected: %v", cmd, replyKind(code))
	s.reply(code, format, args...)
}
