package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternmail/tern/config"
	"github.com/ternmail/tern/pkg/credentials"
	"github.com/ternmail/tern/storage"
)

func TestStartServersReportsEveryFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	addr := busy.Addr().String()

	cfg := config.NewDefaultConfig()
	cfg.Servers = []config.ServerConfig{
		{Type: "pop3", Name: "pop3-a", Addr: addr},
		{Type: "smtp", Name: "smtp-b", Addr: addr, Hostname: "mail.test"},
	}
	deps := &serverDependencies{
		store:  storage.New(t.TempDir(), credentials.NewStaticRegistry(nil)),
		config: cfg,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan, err := startServers(ctx, deps)
	require.NoError(t, err)
	assert.Equal(t, 2, cap(errChan))

	// Neither server may block on reporting its listen failure
	done := make(chan struct{})
	go func() {
		deps.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("servers did not return after failing to listen")
	}

	assert.Len(t, errChan, 2)
	assert.Len(t, deps.providers, 2)
}

func TestStartServersRejectsBadServer(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.Servers = []config.ServerConfig{
		{Type: "smtp", Name: "smtp", Addr: "127.0.0.1:0", CommandTimeout: "soon"},
	}
	deps := &serverDependencies{
		store:  storage.New(t.TempDir(), credentials.NewStaticRegistry(nil)),
		config: cfg,
	}

	_, err := startServers(context.Background(), deps)
	assert.Error(t, err)
}
