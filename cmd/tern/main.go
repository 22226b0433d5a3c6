package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ternmail/tern/config"
	"github.com/ternmail/tern/logger"
	"github.com/ternmail/tern/pkg/credentials"
	"github.com/ternmail/tern/pkg/errors"
	"github.com/ternmail/tern/server/httpapi"
	"github.com/ternmail/tern/server/pop3"
	"github.com/ternmail/tern/server/smtp"
	"github.com/ternmail/tern/storage"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// protocolServer is a POP3 or SMTP listener that can be started and drained.
type protocolServer interface {
	Start(errChan chan error)
	Close()
}

type serverDependencies struct {
	store     *storage.Store
	config    config.Config
	wg        sync.WaitGroup
	providers []httpapi.StatsProvider
}

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tern version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	loadAndValidateConfig(*configPath, &cfg, errorHandler)

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tern: warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Infof("tern starting (version %s, commit: %s, built: %s)", version, commit, date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Infof("Received signal: %s, shutting down...", sig)
		cancel()
	}()

	registry := credentials.NewRegistry(cfg.Storage.UsersFile)
	if err := registry.Load(); err != nil {
		// An unreadable users file leaves every mailbox closed but is not fatal
		logger.Warn("Continuing without registered users", "error", err)
	}

	deps := &serverDependencies{
		store:  storage.New(cfg.Storage.MailDir, registry),
		config: cfg,
	}

	errChan, err := startServers(ctx, deps)
	if err != nil {
		errorHandler.FatalError("start servers", err)
		os.Exit(errorHandler.WaitForExit())
	}

	select {
	case <-ctx.Done():
		logger.Infof("Waiting for all servers to stop gracefully...")
		done := make(chan struct{})
		go func() {
			deps.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			logger.Infof("All servers stopped")
		case <-time.After(35 * time.Second):
			logger.Warn("Server shutdown timeout reached")
		}
	case err := <-errChan:
		cancel()
		errorHandler.FatalError("server operation", err)
		os.Exit(errorHandler.WaitForExit())
	}
}

// loadAndValidateConfig loads the configuration file on top of the defaults
// and exits through errorHandler when it cannot be used.
func loadAndValidateConfig(configPath string, cfg *config.Config, errorHandler *errors.ErrorHandler) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		errorHandler.ConfigError(configPath, err)
		os.Exit(errorHandler.WaitForExit())
	}

	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("configuration", err)
		os.Exit(errorHandler.WaitForExit())
	}
}

// startServers creates every configured server and starts it in its own
// goroutine. Protocol servers are created first so the HTTP API can report
// on them.
func startServers(ctx context.Context, deps *serverDependencies) (chan error, error) {
	allServers := deps.config.GetAllServers()
	// Every server reports at most one error, so no sender ever blocks
	errChan := make(chan error, len(allServers))

	var protocolServers []protocolServer
	for _, serverConfig := range allServers {
		var (
			s   protocolServer
			err error
		)
		switch serverConfig.Type {
		case "pop3":
			s, err = newPOP3Server(ctx, deps, serverConfig)
		case "smtp":
			s, err = newSMTPServer(ctx, deps, serverConfig)
		default:
			continue
		}
		if err != nil {
			return nil, err
		}
		deps.providers = append(deps.providers, s.(httpapi.StatsProvider))
		protocolServers = append(protocolServers, s)
	}

	for _, s := range protocolServers {
		run(ctx, deps, s, errChan)
	}

	for _, serverConfig := range allServers {
		switch serverConfig.Type {
		case "metrics":
			deps.wg.Add(1)
			go startMetricsServer(ctx, deps, serverConfig, errChan)
		case "http_api":
			deps.wg.Add(1)
			go startHTTPAPIServer(ctx, deps, serverConfig, errChan)
		}
	}

	logger.Infof("Started %d configured servers", len(allServers))
	return errChan, nil
}

func run(ctx context.Context, deps *serverDependencies, s protocolServer, errChan chan error) {
	deps.wg.Add(1)
	go func() {
		defer deps.wg.Done()
		go func() {
			<-ctx.Done()
			s.Close()
		}()
		s.Start(errChan)
	}()
}

func newPOP3Server(ctx context.Context, deps *serverDependencies, serverConfig config.ServerConfig) (*pop3.POP3Server, error) {
	commandTimeout, err := serverConfig.GetCommandTimeout()
	if err != nil {
		return nil, fmt.Errorf("server '%s': %w", serverConfig.Name, err)
	}

	return pop3.New(ctx, serverConfig.Name, serverConfig.GetHostname(), serverConfig.Addr, deps.store, pop3.POP3ServerOptions{
		Debug:               serverConfig.Debug,
		MaxConnections:      serverConfig.MaxConnections,
		MaxConnectionsPerIP: serverConfig.MaxConnectionsPerIP,
		CommandTimeout:      commandTimeout,
	})
}

func newSMTPServer(ctx context.Context, deps *serverDependencies, serverConfig config.ServerConfig) (*smtp.SMTPServer, error) {
	commandTimeout, err := serverConfig.GetCommandTimeout()
	if err != nil {
		return nil, fmt.Errorf("server '%s': %w", serverConfig.Name, err)
	}
	maxMessageSize, err := serverConfig.GetMaxMessageSize()
	if err != nil {
		return nil, fmt.Errorf("server '%s': %w", serverConfig.Name, err)
	}

	return smtp.New(ctx, serverConfig.Name, serverConfig.GetHostname(), serverConfig.Addr, deps.store, smtp.SMTPServerOptions{
		Debug:               serverConfig.Debug,
		MaxConnections:      serverConfig.MaxConnections,
		MaxConnectionsPerIP: serverConfig.MaxConnectionsPerIP,
		CommandTimeout:      commandTimeout,
		MaxMessageSize:      maxMessageSize,
	})
}

func startMetricsServer(ctx context.Context, deps *serverDependencies, serverConfig config.ServerConfig, errChan chan error) {
	defer deps.wg.Done()

	mux := http.NewServeMux()
	mux.Handle(serverConfig.Path, promhttp.Handler())

	server := &http.Server{
		Addr:              serverConfig.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Infof("Shutting down metrics server %s...", serverConfig.Name)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Infof("Error shutting down metrics server: %v", err)
		}
	}()

	logger.Info("Metrics server listening", "name", serverConfig.Name, "addr", serverConfig.Addr, "path", serverConfig.Path)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}

func startHTTPAPIServer(ctx context.Context, deps *serverDependencies, serverConfig config.ServerConfig, errChan chan error) {
	defer deps.wg.Done()

	httpapi.Start(ctx, deps.store, httpapi.ServerOptions{
		Addr:         serverConfig.Addr,
		APIKey:       serverConfig.APIKey,
		AllowedHosts: serverConfig.AllowedHosts,
		Providers:    deps.providers,
	}, errChan)
}
