package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"contauth/internal/biometric"
	"contauth/internal/config"
	"contauth/internal/health"
	"contauth/internal/identity"
	"contauth/internal/logging"
	"contauth/internal/metrics"
	"contauth/internal/notify"
	"contauth/internal/session"
	"contauth/internal/store"
	"contauth/internal/tracing"
	"contauth/internal/transport"
)

const (
	crashRetention = 30 * 24 * time.Hour
	maxHeapBytes   = 1 << 30
	capacityWarnAt = 0.9
)

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Configuration file")
	addr := fs.String("addr", "", "Listen address (overrides server.addr)")
	fs.Parse(args)

	loader, cfg := loadConfig(*configPath)
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fatal("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, loader, cfg); err != nil {
		fatal("%v", err)
	}
}

// serve builds every component from cfg and runs until ctx is cancelled.
func serve(ctx context.Context, loader *config.Loader, cfg *config.Config) error {
	lcfg, err := cfg.LoggerConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(lcfg)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)

	crash := logging.NewCrashHandler(cfg.Logging.CrashDir, version, logger.Logger)
	if err := crash.Prune(crashRetention); err != nil {
		logger.Warn("prune crash reports", "error", err)
	}

	var audit *logging.AuditLogger
	if cfg.Logging.AuditEnabled {
		audit, err = logging.NewAuditLogger(cfg.AuditConfig())
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer audit.Close()
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, version, logger.Logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	checker := health.NewChecker()

	// storage
	var (
		accountStore  identity.Store
		templateStore biometric.TemplateStore
	)
	switch cfg.Storage.Type {
	case "sqlite":
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		accountStore, templateStore = st, st

		checker.RegisterFunc("database", true, health.PingCheck("database", st.Ping))
		if res, _ := checker.CheckComponent(ctx, "database"); res.Status == health.StatusUnhealthy {
			return fmt.Errorf("database: %s", res.Error)
		}
		if m != nil {
			m.StartDBStatsCollector(ctx, st.DB(), time.Duration(cfg.Metrics.DBStatsIntervalSec)*time.Second)
		}
		if tampered, err := st.VerifyTemplates(ctx); err != nil {
			logger.Error("template integrity check failed", "error", err)
		} else if len(tampered) > 0 {
			logger.Warn("biometric templates failed integrity check", "count", len(tampered))
		}
	default:
		logger.Warn("using in-memory storage; accounts and enrollments are lost on exit")
		accountStore, templateStore = identity.NewMemoryStore(), biometric.NewMemoryStore()
	}

	accounts := identity.NewService(accountStore, cfg.Accounts)

	bioOpts := []biometric.Option{biometric.WithLogger(logger.WithComponent("biometric").Logger)}
	if m != nil {
		bioOpts = append(bioOpts, biometric.WithRecorder(m))
	}
	if audit != nil {
		bioOpts = append(bioOpts, biometric.WithAuditor(audit))
	}
	bio := biometric.NewService(cfg.Biometric, templateStore, bioOpts...)

	sessOpts := []session.Option{
		session.WithVerifier(bio),
		session.WithLogger(logger.WithComponent("session").Logger),
	}
	if m != nil {
		sessOpts = append(sessOpts, session.WithRecorder(m))
	}
	if audit != nil {
		sessOpts = append(sessOpts, session.WithAuditor(audit))
	}
	manager := session.NewManager(cfg.SessionConfig(), sessOpts...)

	g, gctx := errgroup.WithContext(ctx)

	// event fan-out; the publisher outlives the errgroup so that the
	// session_ended events from manager.Close still reach Redis
	stopPublisher := func() {}
	if cfg.Redis.Enabled {
		client, err := notify.NewGoRedisAdapter(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer client.Close()

		pubOpts := []notify.Option{
			notify.WithLogger(logger.WithComponent("notify").Logger),
			notify.WithSamples(cfg.Redis.PublishSamples),
		}
		if m != nil {
			pubOpts = append(pubOpts, notify.WithMetrics(m))
		}
		publisher := notify.NewPublisher(client, cfg.Redis.Prefix, pubOpts...)
		manager.AddListener(publisher)
		checker.RegisterFunc("redis", false, health.PingCheck("redis", client.Ping))

		pubCtx, cancelPub := context.WithCancel(context.Background())
		pubDone := make(chan struct{})
		go func() {
			defer close(pubDone)
			publisher.Run(pubCtx)
		}()
		stopPublisher = func() {
			cancelPub()
			<-pubDone
		}
		defer stopPublisher()
	}

	checker.RegisterFunc("sessions", false, health.CapacityCheck(manager.Len, cfg.Sessions.MaxSessions, capacityWarnAt))
	checker.RegisterFunc("memory", false, health.MemoryCheck(maxHeapBytes))

	srvOpts := []transport.Option{
		transport.WithConfig(serverConfig(cfg)),
		transport.WithLogger(logger.WithComponent("http")),
		transport.WithCrashHandler(crash),
		transport.WithHealth(checker),
	}
	if m != nil {
		srvOpts = append(srvOpts, transport.WithMetrics(m))
	}
	if audit != nil {
		srvOpts = append(srvOpts, transport.WithAuditor(audit))
	}
	srv, err := transport.New(manager, accounts, bio, srvOpts...)
	if err != nil {
		return err
	}

	watchConfig(ctx, loader, logger, audit, manager, bio)

	g.Go(func() error {
		var runErr error
		if crash.Guard("session.run", func() { runErr = manager.Run(gctx) }) {
			return errors.New("session scorer crashed")
		}
		if errors.Is(runErr, context.Canceled) {
			return nil
		}
		return runErr
	})
	g.Go(func() error { return srv.ListenAndServe(gctx) })

	if audit != nil {
		audit.LogStartup(ctx, version, map[string]interface{}{
			"addr":    cfg.Server.Addr,
			"storage": cfg.Storage.Type,
			"redis":   cfg.Redis.Enabled,
		})
	}
	checker.SetReady(true)
	logger.Info("contauthd started", "version", version, "addr", cfg.Server.Addr, "storage", cfg.Storage.Type,
		"health", checker.Components())

	err = g.Wait()
	checker.SetReady(false)

	reason := "signal"
	if err != nil {
		reason = err.Error()
		logger.Error("contauthd stopping", "error", err)
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	manager.Close(closeCtx)
	stopPublisher()
	if audit != nil {
		audit.LogShutdown(closeCtx, reason)
	}
	logger.Info("contauthd stopped", "reason", reason)
	return err
}

// watchConfig hot-reloads scoring, trust and biometric policy. Sections
// that size listeners or pools are only read at startup.
func watchConfig(ctx context.Context, loader *config.Loader, logger *logging.Logger, audit *logging.AuditLogger, manager *session.Manager, bio *biometric.Service) {
	loader.OnChange(func(old, next *config.Config) {
		changed := config.ChangedSections(old, next)
		manager.UpdatePolicy(next.Scoring, next.Trust)
		bio.SetConfig(next.Biometric)
		for _, section := range changed {
			switch section {
			case "server", "storage", "redis", "sessions", "telemetry", "logging", "metrics", "tracing":
				logger.Warn("configuration section changed; restart to apply", "section", section)
			}
		}
		if audit != nil {
			audit.LogConfigChange(ctx, "reload", changed)
		}
	})

	if err := loader.Watch(); err != nil {
		logger.Debug("configuration file not watched", "error", err)
		return
	}
	go func() {
		<-ctx.Done()
		loader.Close()
	}()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-loader.Errors():
				if audit != nil {
					audit.LogError(ctx, "config_reload", err, nil)
				}
			}
		}
	}()
}

func openStore(cfg *config.Config) (*store.Store, error) {
	opts, err := storeOptions(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.Storage.Path, opts)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return st, nil
}

func storeOptions(cfg *config.Config) (store.Options, error) {
	key, err := cfg.Storage.SealKeyBytes()
	if err != nil {
		return store.Options{}, fmt.Errorf("storage.seal_key: %w", err)
	}
	return store.Options{
		MaxConnections: cfg.Storage.MaxConnections,
		BusyTimeout:    time.Duration(cfg.Storage.BusyTimeoutMs) * time.Millisecond,
		SealKey:        key,
	}, nil
}

func serverConfig(cfg *config.Config) transport.Config {
	sec := func(n int) time.Duration { return time.Duration(n) * time.Second }
	tc := transport.DefaultConfig()
	tc.Addr = cfg.Server.Addr
	tc.ReadTimeout = sec(cfg.Server.ReadTimeoutSec)
	tc.WriteTimeout = sec(cfg.Server.WriteTimeoutSec)
	tc.IdleTimeout = sec(cfg.Server.IdleTimeoutSec)
	tc.ShutdownTimeout = sec(cfg.Server.ShutdownTimeoutSec)
	tc.AllowedOrigins = cfg.Server.AllowedOrigins
	tc.MaxFrameBytes = cfg.Server.MaxFrameBytes
	if cfg.Metrics.Path != "" {
		tc.MetricsPath = cfg.Metrics.Path
	}
	return tc
}
