package server

import (
	"fmt"

	"github.com/ternmail/tern/logger"
)

// ConnectionStatsProvider defines an interface for getting connection statistics
type ConnectionStatsProvider interface {
	GetTotalConnections() int64
	GetAuthenticatedConnections() int64
}

// Session carries the identity of one client connection for logging.
type Session struct {
	Id         string
	RemoteIP   string
	Username   string // empty until known
	HostName   string
	ServerName string // Name of the server instance (e.g., "pop3-1")
	Protocol   string
	Stats      ConnectionStatsProvider
}

func (s *Session) logArgs(format string, args ...any) []any {
	user := "none"
	if s.Username != "" {
		user = s.Username
	}

	protocolPrefix := s.Protocol
	if s.ServerName != "" {
		protocolPrefix = fmt.Sprintf("%s-%s", s.Protocol, s.ServerName)
	}

	fields := []any{"protocol", protocolPrefix, "remote", s.RemoteIP, "user", user, "session", s.Id}
	if s.Stats != nil {
		fields = append(fields, "conn_total", s.Stats.GetTotalConnections(), "conn_auth", s.Stats.GetAuthenticatedConnections())
	}
	return append(fields, "msg", fmt.Sprintf(format, args...))
}

func (s *Session) Log(format string, args ...any) {
	logger.Info("Session", s.logArgs(format, args...)...)
}

func (s *Session) DebugLog(format string, args ...any) {
	logger.Debug("Session", s.logArgs(format, args...)...)
}

func (s *Session) WarnLog(format string, args ...any) {
	logger.Warn("Session", s.logArgs(format, args...)...)
}
