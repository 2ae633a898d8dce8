// ABOUTME: Kernel orchestrator that wires the bus, supervisor, store and servers
// ABOUTME: Owns startup order, manifest loading and graceful shutdown

package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/clarityos/clarity-kernel/internal/agent"
	"github.com/clarityos/clarity-kernel/internal/builtins"
	"github.com/clarityos/clarity-kernel/internal/bus"
	"github.com/clarityos/clarity-kernel/internal/config"
	"github.com/clarityos/clarity-kernel/internal/health"
	"github.com/clarityos/clarity-kernel/internal/store"
)

// shutdownGrace is added to the agent stop timeout when bounding shutdown.
const shutdownGrace = 5 * time.Second

// Kernel is the composition root. It is built once in main and owns every
// long-lived component.
type Kernel struct {
	config     *config.Config
	bus        *bus.Bus
	supervisor *agent.Supervisor
	store      store.Store // nil when database.path is empty
	persister  *persister
	health     *health.Service
	grpcServer *grpc.Server // nil when server.grpc_addr is empty
	httpServer *http.Server // nil when server.http_addr is empty
	handler    http.Handler
	logger     *slog.Logger

	startedAt time.Time
	ready     atomic.Bool
}

// initStore opens the agent registry database, or returns nil when
// persistence is disabled.
func initStore(cfg *config.Config) (store.Store, error) {
	if cfg.Database.Path == "" {
		return nil, nil
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// createGRPCServer creates the gRPC server that carries the health service.
func createGRPCServer() *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
}

// New creates a Kernel from cfg. Nothing runs until Start or Run.
func New(cfg *config.Config, logger *slog.Logger) (*Kernel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	workers, err := cfg.Bus.WorkerCounts()
	if err != nil {
		return nil, err
	}

	b := bus.New(func(o *bus.Options) {
		o.HistorySize = cfg.Bus.HistorySize
		o.Workers = workers
		o.RequestTimeout = cfg.Bus.RequestTimeout
		o.Logger = logger
	})

	registry := agent.NewRegistry()
	if err := builtins.Register(registry); err != nil {
		return nil, fmt.Errorf("registering builtin agents: %w", err)
	}

	sup := agent.New(b, func(o *agent.Options) {
		o.Registry = registry
		o.MonitorInterval = cfg.Supervisor.MonitorInterval
		o.StopTimeout = cfg.Supervisor.StopTimeout
		o.DedupeTTL = cfg.Supervisor.DedupeTTL
		o.Logger = logger
	})

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	k := &Kernel{
		config:     cfg,
		bus:        b,
		supervisor: sup,
		store:      s,
		health:     health.New(b, sup, logger),
		logger:     logger.With("component", "kernel"),
	}
	if s != nil {
		k.persister = newPersister(b, sup, s, logger)
	}

	if cfg.Server.GRPCAddr != "" {
		k.grpcServer = createGRPCServer()
		k.health.Register(k.grpcServer)
	}

	mux := http.NewServeMux()
	k.registerRoutes(mux)
	k.handler = mux
	if cfg.Server.HTTPAddr != "" {
		k.httpServer = &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return k, nil
}

// Bus returns the kernel's message bus.
func (k *Kernel) Bus() *bus.Bus { return k.bus }

// Supervisor returns the kernel's agent supervisor.
func (k *Kernel) Supervisor() *agent.Supervisor { return k.supervisor }

// Handler returns the introspection HTTP handler.
func (k *Kernel) Handler() http.Handler { return k.handler }

// Ready reports whether boot has completed and shutdown has not begun.
func (k *Kernel) Ready() bool { return k.ready.Load() }

// Start brings the components up in dependency order: bus, supervisor,
// persistence, health, then the agent manifests.
func (k *Kernel) Start(ctx context.Context) error {
	k.startedAt = time.Now()

	if err := k.bus.Start(ctx); err != nil {
		return fmt.Errorf("starting bus: %w", err)
	}
	k.componentStarted("bus")

	if err := k.supervisor.Start(ctx); err != nil {
		return fmt.Errorf("starting supervisor: %w", err)
	}
	k.componentStarted("supervisor")

	if k.persister != nil {
		if err := k.persister.start(ctx); err != nil {
			return fmt.Errorf("starting persistence: %w", err)
		}
		k.componentStarted("store")
	}

	if err := k.health.Start(ctx); err != nil {
		return fmt.Errorf("starting health service: %w", err)
	}
	k.componentStarted("health")

	registered, started := k.loadManifests(ctx)
	k.publish(bus.TopicSystemBootComplete, BootComplete{
		Agents:   registered,
		Started:  started,
		Duration: time.Since(k.startedAt),
	}, bus.PriorityHigh)

	k.ready.Store(true)
	k.logger.Info("kernel ready",
		"agents", registered,
		"started", started,
		"kinds", k.supervisor.Registry().Kinds(),
		"boot_time", time.Since(k.startedAt),
	)
	return nil
}

// setupListeners creates TCP listeners for the enabled servers.
func (k *Kernel) setupListeners() (grpcLn, httpLn net.Listener, err error) {
	k.logger.Info("starting kernel",
		"grpc_addr", k.config.Server.GRPCAddr,
		"http_addr", k.config.Server.HTTPAddr,
	)

	if k.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", k.config.Server.GRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}
	if k.httpServer != nil {
		httpLn, err = net.Listen("tcp", k.config.Server.HTTPAddr)
		if err != nil {
			if grpcLn != nil {
				_ = grpcLn.Close()
			}
			return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
		}
	}
	return grpcLn, httpLn, nil
}

// Run starts the kernel and its servers and blocks until ctx is canceled or
// a server fails. Returns nil on graceful shutdown.
func (k *Kernel) Run(ctx context.Context) error {
	grpcLn, httpLn, err := k.setupListeners()
	if err != nil {
		return err
	}

	if err := k.Start(ctx); err != nil {
		for _, ln := range []net.Listener{grpcLn, httpLn} {
			if ln != nil {
				_ = ln.Close()
			}
		}
		return errors.Join(err, k.gracefulShutdown())
	}

	g, gctx := errgroup.WithContext(ctx)
	if grpcLn != nil {
		g.Go(func() error {
			k.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
			// Shutdown may win the race against Serve.
			if err := k.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}
	if httpLn != nil {
		g.Go(func() error {
			k.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
			if err := k.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			k.logger.Info("context canceled, initiating shutdown")
		}
		return k.gracefulShutdown()
	})

	return g.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The caller's context is already canceled at this point.
func (k *Kernel) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), k.config.Supervisor.StopTimeout+shutdownGrace)
	defer cancel()
	return k.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (k *Kernel) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		k.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		k.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops everything in reverse start order. Agents are stopped
// before the bus so their final status changes are dispatched and persisted.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.logger.Info("shutting down kernel")
	k.ready.Store(false)

	var errs []error
	if k.httpServer != nil {
		errs = appendCloseError(errs, "HTTP shutdown", k.httpServer.Shutdown(ctx))
	}
	k.health.Stop()
	if k.grpcServer != nil {
		k.shutdownGRPCServer(ctx)
	}

	errs = appendCloseError(errs, "supervisor shutdown", k.supervisor.Shutdown(ctx))
	if k.bus.Running() {
		errs = appendCloseError(errs, "bus flush", k.bus.Flush(ctx))
	}
	if k.persister != nil {
		k.persister.stop()
	}
	errs = appendCloseError(errs, "bus stop", k.bus.Stop(ctx))
	if k.store != nil {
		errs = appendCloseError(errs, "store close", k.store.Close())
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutdown errors: %w", err)
	}
	k.logger.Info("kernel stopped", "uptime", time.Since(k.startedAt))
	return nil
}

// BootComplete is published on system.boot.complete once manifests are
// loaded.
type BootComplete struct {
	Agents   int           `mapstructure:"agents" json:"agents"`
	Started  int           `mapstructure:"started" json:"started"`
	Duration time.Duration `mapstructure:"duration" json:"duration"`
}

// ComponentEvent is published on system.component.started.
type ComponentEvent struct {
	Component string `mapstructure:"component" json:"component"`
}

func (k *Kernel) componentStarted(name string) {
	k.publish(bus.TopicSystemComponentStarted, ComponentEvent{Component: name}, bus.PriorityNormal)
}

func (k *Kernel) publish(topic string, payload any, priority bus.Priority) {
	if _, err := k.bus.Publish(topic, payload, bus.WithSource("kernel"), bus.WithPriority(priority)); err != nil {
		k.logger.Error("publishing kernel event", "topic", topic, "error", err)
	}
}
