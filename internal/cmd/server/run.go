package serverrun

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	cfgpkg "github.com/rzbill/cmdfeed/internal/config"
	"github.com/rzbill/cmdfeed/internal/runtime"
	grpcserver "github.com/rzbill/cmdfeed/internal/server/grpc"
	httpserver "github.com/rzbill/cmdfeed/internal/server/http"
	"github.com/rzbill/cmdfeed/internal/telemetry"
	logpkg "github.com/rzbill/cmdfeed/pkg/log"
)

type Options struct {
	// ConfigFile is loaded and watched. Empty uses Config as given.
	ConfigFile string
	Config     cfgpkg.Config
	// Logger is used until the configured logger is built. Optional.
	Logger logpkg.Logger
}

// Run starts the HTTP and gRPC servers and the export tracker, and blocks
// until ctx is cancelled or one of them fails.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	boot := opts.Logger
	if boot == nil {
		boot = logpkg.NewLogger(logpkg.WithOutput(logpkg.NewConsoleOutput()))
	}
	reloads := newLatest[cfgpkg.Config]()
	cfg := opts.Config
	if opts.ConfigFile != "" {
		var err error
		if cfg, err = cfgpkg.Watch(opts.ConfigFile, boot, reloads.put); err != nil {
			return err
		}
	} else if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logpkg.ApplyConfig(&logpkg.Config{
		Level:            cfg.Log.Level,
		Format:           cfg.Log.Format,
		Outputs:          cfg.Log.Outputs,
		RedactKeys:       cfg.Log.RedactKeys,
		SampleInitial:    cfg.Log.SampleInitial,
		SampleThereafter: cfg.Log.SampleThereafter,
	})
	if err != nil {
		boot.Warn("invalid log config, keeping defaults", logpkg.Err(err))
		logger = boot
	}
	// Pebble and Badger log through the standard library.
	logpkg.RedirectStdLog(logger)

	shutdownTracer, err := telemetry.InitTracer(telemetry.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Service:  cfg.Telemetry.Service,
		Endpoint: cfg.Telemetry.Endpoint,
	}, logger)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	rt, err := runtime.Open(sctx, runtime.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer rt.Close()

	logger.Info("starting cmdfeed server",
		logpkg.Str("http", cfg.HTTP.Addr),
		logpkg.Str("grpc", cfg.GRPC.Addr),
		logpkg.Str("config", opts.ConfigFile),
		logpkg.Bool("auth", cfg.HTTP.JWTSecret != ""))

	hsrv := httpserver.New(rt.Service(), httpserver.Options{
		JWTSecret:      cfg.HTTP.JWTSecret,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}, logger)
	gsrv := grpcserver.New(rt.CheckHealth, logger)

	g, gctx := errgroup.WithContext(sctx)
	g.Go(func() error { return hsrv.ListenAndServe(gctx, cfg.HTTP.Addr) })
	g.Go(func() error { return gsrv.ListenAndServe(gctx, cfg.GRPC.Addr) })
	g.Go(func() error { return rt.Tracker().Run(gctx) })
	g.Go(func() error { return rt.RunDedupPurge(gctx) })
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-reloads.ready():
				if err := rt.Reload(reloads.take()); err != nil {
					logger.Warn("reload failed", logpkg.Err(err))
				}
			}
		}
	})
	err = g.Wait()
	gsrv.Close()
	hsrv.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
