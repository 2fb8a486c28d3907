package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/abrkgrbz/Stocker-sub077/resilience/diagnostics"
	"github.com/abrkgrbz/Stocker-sub077/resilience/internal/nilcheck"
	"github.com/abrkgrbz/Stocker-sub077/resilience/log"
	"github.com/abrkgrbz/Stocker-sub077/resilience/opentelemetry"
	"github.com/abrkgrbz/Stocker-sub077/resilience/runtime"
	"github.com/gofiber/fiber/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the gRPC health service name driven by the verdict.
const HealthService = "resilience"

var ErrNoServersConfigured = errors.New("no servers configured: use WithHTTPServer() or WithGRPCServer()")

// Stopper drains a background component.
type Stopper interface {
	Shutdown(ctx context.Context) error
}

// StopFunc adapts a function to Stopper.
type StopFunc func(ctx context.Context) error

// Shutdown calls f.
func (f StopFunc) Shutdown(ctx context.Context) error { return f(ctx) }

type namedStopper struct {
	name    string
	stopper Stopper
}

// ServerManager owns the listeners and the shutdown sequence:
// health NOT_SERVING, HTTP, workers in registration order, telemetry, gRPC,
// logger sync.
type ServerManager struct {
	httpServer         *fiber.App
	grpcServer         *grpc.Server
	health             *health.Server
	telemetry          *opentelemetry.Telemetry
	logger             log.Logger
	workers            []namedStopper
	httpAddress        string
	grpcAddress        string
	serversStarted     chan struct{}
	serversStartedOnce sync.Once
	shutdownChan       <-chan struct{}
	shutdownOnce       sync.Once
	shutdownTimeout    time.Duration
	startupErrors      chan error
	shutdownErr        error
}

// NewServerManager builds a manager. telemetry may be nil.
func NewServerManager(telemetry *opentelemetry.Telemetry, logger log.Logger) *ServerManager {
	return &ServerManager{
		health:          health.NewServer(),
		telemetry:       telemetry,
		logger:          log.OrNop(logger),
		serversStarted:  make(chan struct{}),
		shutdownTimeout: 30 * time.Second,
		startupErrors:   make(chan error, 2),
	}
}

// WithHTTPServer serves app on address.
func (sm *ServerManager) WithHTTPServer(app *fiber.App, address string) *ServerManager {
	sm.httpServer = app
	sm.httpAddress = address

	return sm
}

// WithGRPCServer serves server on address and registers the health service
// on it.
func (sm *ServerManager) WithGRPCServer(server *grpc.Server, address string) *ServerManager {
	sm.grpcServer = server
	sm.grpcAddress = address

	if server != nil {
		healthpb.RegisterHealthServer(server, sm.health)
	}

	return sm
}

// WithWorker drains stopper during shutdown, after the HTTP server stops.
func (sm *ServerManager) WithWorker(name string, stopper Stopper) *ServerManager {
	if !nilcheck.IsNil(stopper) {
		sm.workers = append(sm.workers, namedStopper{name: name, stopper: stopper})
	}

	return sm
}

// WithShutdownChannel replaces OS signal handling; closing ch triggers shutdown.
func (sm *ServerManager) WithShutdownChannel(ch <-chan struct{}) *ServerManager {
	sm.shutdownChan = ch

	return sm
}

// WithShutdownTimeout bounds each shutdown step. Defaults to 30 seconds.
func (sm *ServerManager) WithShutdownTimeout(d time.Duration) *ServerManager {
	if d > 0 {
		sm.shutdownTimeout = d
	}

	return sm
}

// ServersStarted is closed once the server goroutines are launched.
func (sm *ServerManager) ServersStarted() <-chan struct{} {
	return sm.serversStarted
}

// HealthServer exposes the gRPC health service.
func (sm *ServerManager) HealthServer() *health.Server {
	return sm.health
}

// ObserveVerdict maps a diagnostics report onto the gRPC health status. Pass
// it to diagnostics.WithListener.
func (sm *ServerManager) ObserveVerdict(_ context.Context, report diagnostics.Report) {
	status := healthpb.HealthCheckResponse_SERVING
	if report.Verdict == diagnostics.Unhealthy {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}

	sm.health.SetServingStatus("", status)
	sm.health.SetServingStatus(HealthService, status)
}

// StartWithGracefulShutdown starts the servers and blocks until a signal,
// the shutdown channel or a startup failure, then shuts everything down.
// The returned error joins the startup failure and any shutdown errors.
func (sm *ServerManager) StartWithGracefulShutdown() error {
	if sm.httpServer == nil && sm.grpcServer == nil {
		return ErrNoServersConfigured
	}

	sm.startServers()

	startupErr := sm.waitForShutdown()

	sm.logger.Log(context.Background(), log.LevelInfo, "gracefully shutting down")
	sm.executeShutdown()

	return errors.Join(startupErr, sm.shutdownErr)
}

func (sm *ServerManager) startServers() {
	if sm.httpServer != nil {
		runtime.SafeGoWithContextAndComponent(context.Background(), sm.logger, "server", "start_http_server",
			runtime.KeepRunning,
			func(_ context.Context) {
				sm.logger.Log(context.Background(), log.LevelInfo, "starting HTTP server", log.String("address", sm.httpAddress))

				if err := sm.httpServer.Listen(sm.httpAddress); err != nil {
					sm.reportStartup(fmt.Errorf("HTTP server: %w", err))
				}
			})
	}

	if sm.grpcServer != nil {
		runtime.SafeGoWithContextAndComponent(context.Background(), sm.logger, "server", "start_grpc_server",
			runtime.KeepRunning,
			func(_ context.Context) {
				sm.logger.Log(context.Background(), log.LevelInfo, "starting gRPC server", log.String("address", sm.grpcAddress))

				listener, err := net.Listen("tcp", sm.grpcAddress)
				if err != nil {
					sm.reportStartup(fmt.Errorf("gRPC listen: %w", err))

					return
				}

				if err := sm.grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
					sm.reportStartup(fmt.Errorf("gRPC serve: %w", err))
				}
			})
	}

	sm.serversStartedOnce.Do(func() {
		close(sm.serversStarted)
	})
}

func (sm *ServerManager) reportStartup(err error) {
	sm.logger.Log(context.Background(), log.LevelError, "server failed", log.Err(err))

	select {
	case sm.startupErrors <- err:
	default:
	}
}

func (sm *ServerManager) waitForShutdown() error {
	if sm.shutdownChan != nil {
		select {
		case <-sm.shutdownChan:
			return nil
		case err := <-sm.startupErrors:
			return err
		}
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	defer signal.Stop(c)

	select {
	case <-c:
		return nil
	case err := <-sm.startupErrors:
		return err
	}
}

// executeShutdown runs the shutdown sequence once.
func (sm *ServerManager) executeShutdown() {
	sm.shutdownOnce.Do(func() {
		var errs []error

		sm.health.Shutdown()

		if sm.httpServer != nil {
			if err := sm.httpServer.ShutdownWithTimeout(sm.shutdownTimeout); err != nil {
				errs = append(errs, fmt.Errorf("http shutdown: %w", err))
			}
		}

		for _, w := range sm.workers {
			sm.logger.Log(context.Background(), log.LevelInfo, "draining worker", log.String("worker", w.name))

			ctx, cancel := context.WithTimeout(context.Background(), sm.shutdownTimeout)
			err := w.stopper.Shutdown(ctx)

			cancel()

			if err != nil {
				sm.logger.Log(context.Background(), log.LevelWarn, "worker shutdown failed",
					log.String("worker", w.name), log.Err(err))

				errs = append(errs, fmt.Errorf("%s shutdown: %w", w.name, err))
			}
		}

		if sm.telemetry != nil {
			ctx, cancel := context.WithTimeout(context.Background(), sm.shutdownTimeout)
			if err := sm.telemetry.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
			}

			cancel()
		}

		if sm.grpcServer != nil {
			done := make(chan struct{})

			go func() {
				sm.grpcServer.GracefulStop()
				close(done)
			}()

			select {
			case <-done:
			case <-time.After(sm.shutdownTimeout):
				sm.logger.Log(context.Background(), log.LevelWarn, "gRPC graceful stop timed out, forcing stop")
				sm.grpcServer.Stop()
			}
		}

		sm.logger.Log(context.Background(), log.LevelInfo, "graceful shutdown completed")

		// Sync last so the completion line is flushed.
		_ = sm.logger.Sync(context.Background())

		sm.shutdownErr = errors.Join(errs...)
	})
}
