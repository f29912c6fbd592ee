package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"snowbiome/server/internal/auth"
	"snowbiome/server/internal/config"
	"snowbiome/server/internal/gameplay"
	"snowbiome/server/internal/gateway"
	grpcapi "snowbiome/server/internal/grpc"
	httpapi "snowbiome/server/internal/http"
	"snowbiome/server/internal/input"
	"snowbiome/server/internal/logging"
	"snowbiome/server/internal/networking"
	"snowbiome/server/internal/physics"
	"snowbiome/server/internal/replay"
	"snowbiome/server/internal/session"
	"snowbiome/server/internal/timesync"
	"snowbiome/server/internal/world"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", logging.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// status answers readiness probes.
type status struct {
	started  time.Time
	gateway  *gateway.Gateway
	sessions *session.Manager

	mu  sync.Mutex
	err error
}

func (s *status) ClientCounts() (int, int) { return s.gateway.Clients(), s.sessions.Len() }

func (s *status) StartupError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *status) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *status) Uptime() time.Duration { return time.Since(s.started) }

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	//1.- Levels: an optional JSON level file becomes the default world.
	var custom *world.Level
	if cfg.LevelFile != "" {
		level, err := gameplay.LoadLevelFile(cfg.LevelFile)
		if err != nil {
			return err
		}
		custom = &level
	}
	worlds := gameplay.NewWorlds(custom)
	if _, _, err := worlds.Resolve(cfg.Level); err != nil {
		return fmt.Errorf("default level: %w", err)
	}
	resolve := func(name string) (physics.CollisionOracle, string, error) {
		if name == "" {
			name = cfg.Level
		}
		tree, canonical, err := worlds.Resolve(name)
		if err != nil {
			return nil, "", err
		}
		return tree, canonical, nil
	}

	//2.- Replays are recorded only when a directory is configured.
	var (
		archive *replay.Archive
		cleaner *replay.Cleaner
	)
	managerOpts := []session.ManagerOption{
		session.WithCapacity(cfg.MaxSessions),
		session.WithLevels(resolve),
		session.WithTuning(gameplay.Tuning()),
		session.WithFrameRate(float64(cfg.FrameHz)),
		session.WithLogger(logger),
	}
	if cfg.ReplayDir != "" {
		if err := os.MkdirAll(cfg.ReplayDir, 0o755); err != nil {
			return fmt.Errorf("create replay dir: %w", err)
		}
		archive = replay.NewArchive(cfg.ReplayDir, cfg.ReplayFrameInterval, logger)
		cleaner = replay.NewCleaner(cfg.ReplayDir, replay.RetentionPolicy{
			MaxSessions: cfg.ReplayMaxSessions,
			MaxAge:      cfg.ReplayMaxAge,
		}, archive.Recording, logger)
		managerOpts = append(managerOpts, session.WithOpenHook(func(s *session.SessionState) {
			if err := archive.Attach(s); err != nil {
				logger.Warn("replay recording unavailable", logging.Error(err), logging.String("session_id", s.ID()))
			}
		}))
		go cleaner.Run(ctx, cfg.ReplaySweepInterval)
	}
	manager := session.NewManager(ctx, managerOpts...)

	//3.- Player gateway.
	metrics := networking.NewSnapshotMetrics()
	bandwidth := networking.NewBandwidthRegulator(float64(cfg.SnapshotBytesPerSecond), nil)
	gatewayOpts := []gateway.Option{
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics),
		gateway.WithBandwidth(bandwidth),
		gateway.WithGate(input.NewGate(input.GateConfig{MaxAge: cfg.ControlMaxAge, MinInterval: cfg.ThrowMinInterval}, logger)),
		gateway.WithValidator(input.NewValidator(input.DefaultControlConstraints, logger)),
		gateway.WithTimeSync(timesync.NewTracker(logger)),
	}
	if cfg.WSSecret != "" {
		tokens, err := auth.NewHMACTokens(cfg.WSSecret, 2*time.Second)
		if err != nil {
			return err
		}
		gatewayOpts = append(gatewayOpts, gateway.WithAuthenticator(gateway.NewTokenAuthenticator(tokens)))
	} else {
		logger.Warn("websocket authentication disabled; set SNOWBIOME_WS_SECRET to require player tokens")
	}
	gw := gateway.New(manager, gateway.Config{
		AllowedOrigins:  cfg.AllowedOrigins,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		PingInterval:    cfg.PingInterval,
	}, gatewayOpts...)

	//4.- Operational endpoints share the HTTP listener with the gateway.
	ready := &status{started: time.Now(), gateway: gw, sessions: manager}
	handlerOpts := httpapi.Options{
		Logger:      logger,
		Readiness:   ready,
		Sessions:    manager.List,
		Capacity:    manager.Capacity(),
		Snapshots:   metrics,
		Bandwidth:   bandwidth,
		AdminToken:  cfg.AdminToken,
		RateLimiter: httpapi.NewSlidingWindowLimiter(cfg.ReplayFlushWindow, cfg.ReplayFlushBurst, nil),
	}
	if archive != nil {
		handlerOpts.Replay = httpapi.ReplayFlusherFunc(func(context.Context) (int, error) { return archive.FlushAll() })
		handlerOpts.ReplayStats = archive.Stats
		handlerOpts.StorageStats = cleaner.Stats
	}
	mux := http.NewServeMux()
	httpapi.NewHandlerSet(handlerOpts).Register(mux)
	mux.Handle("/ws", gw)
	httpServer := &http.Server{
		Addr:              cfg.Address,
		Handler:           logging.HTTPTraceMiddleware(logger)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	//5.- Observer service on its own port, bound before HTTP starts serving.
	errs := make(chan error, 2)
	var grpcServer *grpc.Server
	if cfg.GRPCAddress != "" {
		serverOpts, err := grpcapi.ServerOptions(grpcapi.SecurityConfig{
			SharedSecret: cfg.GRPCSecret,
			CertPath:     cfg.TLSCertPath,
			KeyPath:      cfg.TLSKeyPath,
		}, logger)
		if err != nil {
			return err
		}
		listener, err := net.Listen("tcp", cfg.GRPCAddress)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcServer = grpc.NewServer(serverOpts...)
		grpcapi.Register(grpcServer, grpcapi.NewService(manager, grpcapi.WithLogger(logger), grpcapi.WithMetrics(metrics)))
		go func() {
			logger.Info("grpc listening", logging.String("address", cfg.GRPCAddress))
			if err := grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errs <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	go func() {
		logger.Info("http listening", logging.String("address", cfg.Address), logging.Strings("levels", worlds.Names()))
		var err error
		if cfg.TLSCertPath != "" {
			err = httpServer.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case runErr = <-errs:
		ready.fail(runErr)
	}
	shutdown(logger, httpServer, grpcServer, manager, gw, archive)
	return runErr
}

func shutdown(logger *logging.Logger, httpServer *http.Server, grpcServer *grpc.Server, manager *session.Manager, gw *gateway.Gateway, archive *replay.Archive) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	//1.- Stop accepting, then end sessions so hijacked websocket connections unwind.
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", logging.Error(err))
	}
	if grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		manager.CloseAll()
		select {
		case <-stopped:
		case <-ctx.Done():
			grpcServer.Stop()
		}
	} else {
		manager.CloseAll()
	}
	if err := gw.Wait(ctx); err != nil {
		logger.Warn("websocket connections still open at shutdown", logging.Int("clients", gw.Clients()))
	}
	//2.- Recordings finish once their sessions have closed.
	if archive != nil {
		archive.Close()
		stats := archive.Stats()
		logger.Info("replays closed", logging.Int64("recorded", stats.Recorded), logging.Int64("frames", stats.Frames))
	}
}
