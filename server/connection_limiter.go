package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternmail/tern/logger"
)

// ConnectionLimiter caps the number of concurrent connections of a server,
// overall and per client IP. A zero limit disables that check.
type ConnectionLimiter struct {
	maxConnections   int
	maxPerIP         int
	currentTotal     atomic.Int64
	perIPConnections map[string]*atomic.Int64
	mu               sync.Mutex
	cleanupInterval  time.Duration
	protocol         string
}

// NewConnectionLimiter creates a new connection limiter
func NewConnectionLimiter(protocol string, maxConnections, maxPerIP int) *ConnectionLimiter {
	return &ConnectionLimiter{
		maxConnections:   maxConnections,
		maxPerIP:         maxPerIP,
		perIPConnections: make(map[string]*atomic.Int64),
		cleanupInterval:  5 * time.Minute,
		protocol:         protocol,
	}
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	ip, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return ip
}

// Accept registers a new connection and returns a function to release it.
// The check and the registration happen under one lock so that concurrent
// accepts cannot overshoot the limits.
func (cl *ConnectionLimiter) Accept(remoteAddr net.Addr) (func(), error) {
	ip := remoteIP(remoteAddr)

	cl.mu.Lock()
	if cl.maxConnections > 0 {
		if current := cl.currentTotal.Load(); current >= int64(cl.maxConnections) {
			cl.mu.Unlock()
			return nil, fmt.Errorf("maximum connections reached (%d/%d)", current, cl.maxConnections)
		}
	}

	var ipCounter *atomic.Int64
	if cl.maxPerIP > 0 {
		ipCounter = cl.perIPConnections[ip]
		if ipCounter == nil {
			ipCounter = &atomic.Int64{}
			cl.perIPConnections[ip] = ipCounter
		}
		if current := ipCounter.Load(); current >= int64(cl.maxPerIP) {
			cl.mu.Unlock()
			return nil, fmt.Errorf("maximum connections per IP reached for %s (%d/%d)", ip, current, cl.maxPerIP)
		}
		ipCounter.Add(1)
	}
	total := cl.currentTotal.Add(1)
	cl.mu.Unlock()

	logger.Debug("Connection limiter: connection accepted", "protocol", cl.protocol, "ip", ip, "total", total, "max_total", cl.maxConnections)

	var once sync.Once
	return func() {
		once.Do(func() {
			cl.currentTotal.Add(-1)
			if ipCounter == nil {
				return
			}
			if ipCounter.Add(-1) <= 0 {
				cl.mu.Lock()
				if ipCounter.Load() <= 0 {
					delete(cl.perIPConnections, ip)
				}
				cl.mu.Unlock()
			}
		})
	}, nil
}

// GetStats returns current connection statistics
func (cl *ConnectionLimiter) GetStats() ConnectionStats {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	stats := ConnectionStats{
		Protocol:         cl.protocol,
		TotalConnections: cl.currentTotal.Load(),
		MaxConnections:   int64(cl.maxConnections),
		MaxPerIP:         int64(cl.maxPerIP),
		IPConnections:    make(map[string]int64, len(cl.perIPConnections)),
	}
	for ip, counter := range cl.perIPConnections {
		stats.IPConnections[ip] = counter.Load()
	}
	return stats
}

// StartCleanup starts a background goroutine to clean up stale IP entries
func (cl *ConnectionLimiter) StartCleanup(ctx context.Context) {
	if cl.cleanupInterval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(cl.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cl.cleanup()
			}
		}
	}()
}

// cleanup removes IP entries with zero connections
func (cl *ConnectionLimiter) cleanup() {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	cleaned := 0
	for ip, counter := range cl.perIPConnections {
		if counter.Load() <= 0 {
			delete(cl.perIPConnections, ip)
			cleaned++
		}
	}

	if cleaned > 0 {
		logger.Debug("Connection limiter: cleaned up stale IP entries", "protocol", cl.protocol, "count", cleaned)
	}
}

// ConnectionStats represents connection statistics
type ConnectionStats struct {
	Protocol         string           `json:"protocol"`
	TotalConnections int64            `json:"total_connections"`
	MaxConnections   int64            `json:"max_connections"`
	MaxPerIP         int64            `json:"max_per_ip"`
	IPConnections    map[string]int64 `json:"ip_connections"`
}
