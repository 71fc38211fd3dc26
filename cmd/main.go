package main

import (
	"chat-relay/contract"
	grpcserver "chat-relay/infrastructure/grpc/server"
	"chat-relay/infrastructure/storage"
	"chat-relay/infrastructure/transport"
	"chat-relay/internal"
	"chat-relay/observability"
	"chat-relay/runtime"
	"chat-relay/runtime/workers"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run initializes all components, manages the server lifecycle, and centralizes error reporting.
// Returning an error instead of exiting lets every deferred cleanup run first.
func run() error {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	config, err := internal.LoadConfig()
	if err != nil {
		return err
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	// 2. Staging
	stager, db, err := openStager(config, log)
	if err != nil {
		return err
	}
	if db != nil {
		defer func() {
			log.Info("Closing BadgerDB...")
			_ = db.Close()
		}()
	}

	// 3. Setup Supervision & Orchestration
	monitoring := observability.NewMonitoringManager(log)
	sup := workers.NewSupervisor(log, config.RestartInterval)
	orchestrator := runtime.NewOrchestrator(log, config.RuntimeConfig(), sup, stager, monitoring)

	// 4. Context & Signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 4)
	var wg sync.WaitGroup

	// 5. Start the Engine
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = orchestrator.Start(ctx)
	}()

	// 6. Raw TCP listener
	ln, err := net.Listen("tcp", config.Address())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", config.Address(), err)
	}
	listener := transport.NewListener(log, ln, orchestrator.Serve)
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info("Starting TCP listener", "address", ln.Addr().String(), "at", time.Now().UTC())
		if err := listener.Serve(ctx); err != nil {
			errChan <- fmt.Errorf("tcp listener error: %w", err)
		}
	}()

	// 7. WebSocket and debug HTTP servers
	var httpServers []*http.Server
	if config.WSPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/ws", transport.NewWebSocketHandler(ctx, log, config.MaxFrameSize+5, orchestrator.Serve))
		httpServers = append(httpServers, startHTTP(log, "WebSocket", fmt.Sprintf("%s:%d", config.Host, config.WSPort), mux, errChan))
	}
	if config.DebugPort > 0 {
		debug := internal.NewDebugServer(log, orchestrator.Directory(), monitoring, db)
		httpServers = append(httpServers, startHTTP(log, "debug", fmt.Sprintf("%s:%d", config.Host, config.DebugPort), debug.Handler(), errChan))
	}

	// 8. gRPC health
	var health *grpcserver.HealthServer
	if config.HealthPort > 0 {
		address := fmt.Sprintf("%s:%d", config.Host, config.HealthPort)
		hln, err := net.Listen("tcp", address)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", address, err)
		}
		health = grpcserver.NewHealthServer(log)
		go func() {
			if err := health.Serve(hln); err != nil {
				errChan <- fmt.Errorf("gRPC health server error: %w", err)
			}
		}()
		health.MarkServing()
	}

	// 9. Wait for Stop or Error
	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case err = <-errChan:
		log.Error("Server failed, shutting down", "error", err)
		stop()
	}

	// 10. Final Cleanup
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if health != nil {
		health.Stop(shutdownCtx)
	}
	for _, s := range httpServers {
		_ = s.Shutdown(shutdownCtx)
	}
	orchestrator.Stop()
	wg.Wait()
	log.Info("Program stopped cleanly")

	return err
}

func openStager(config internal.Config, log *slog.Logger) (contract.Stager, *badger.DB, error) {
	switch config.StagingBackend {
	case internal.StagingDisk:
		s, err := storage.NewDiskStager(config.StagingDir, log)
		return s, nil, err
	default:
		db, err := storage.OpenBadger(config.BadgerFilepath)
		if err != nil {
			return nil, nil, fmt.Errorf("database opening failed: %w", err)
		}
		return storage.NewBadgerStager(db, log), db, nil
	}
}

func startHTTP(log *slog.Logger, name, address string, handler http.Handler, errChan chan<- error) *http.Server {
	server := &http.Server{
		Addr:              address,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info(fmt.Sprintf("Starting %s server", name), "address", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("%s server error: %w", name, err)
		}
	}()
	return server
}
