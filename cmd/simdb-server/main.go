// Command simdb-server serves the trajectory store over REST and gRPC.
//
// Usage:
//
//	simdb-server [--config path/to/config.yaml]
//
// Settings come from the built-in defaults, then the optional YAML file, then
// SIMDB_* environment variables (DATABASE_URL is honoured for the database).
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/branchsim/internal/config"
	"github.com/danielpatrickdp/branchsim/internal/dbutil"
	"github.com/danielpatrickdp/branchsim/internal/divergence"
	"github.com/danielpatrickdp/branchsim/internal/events"
	"github.com/danielpatrickdp/branchsim/internal/httpapi"
	"github.com/danielpatrickdp/branchsim/internal/logging"
	"github.com/danielpatrickdp/branchsim/internal/metrics"
	"github.com/danielpatrickdp/branchsim/internal/rpc"
	"github.com/danielpatrickdp/branchsim/internal/run"
)

// #region main
func main() {
	app := &cli.App{
		Name:  "simdb-server",
		Usage: "Serve the branch-structured trajectory store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML config file",
				EnvVars: []string{"SIMDB_CONFIG"},
			},
		},
		Action: serve,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "simdb-server: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region serve
func serve(c *cli.Context) error {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	db, err := dbutil.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	pub, err := newPublisher(cfg.Redis)
	if err != nil {
		return err
	}
	defer pub.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	runs, err := run.NewManager(db, logger, pub, m)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	engine := divergence.NewEngine(db, m)

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(httpapi.NewHandlers(runs, engine, logger, cfg.AppendRetries), m),
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcSrv := rpc.NewGRPCServer(logger)
	healthSrv := rpc.Register(grpcSrv, rpc.NewServer(runs, engine, logger, cfg.AppendRetries))

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", cfg.GRPCAddr, err)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcSrv.Serve(lis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", zap.Duration("timeout", cfg.ShutdownTimeout.Duration))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration)
		defer cancel()

		healthSrv.Shutdown()
		stopped := make(chan struct{})
		go func() {
			grpcSrv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			grpcSrv.Stop()
		}
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped", zap.Error(err))
		return err
	}
	logger.Info("server stopped")
	return nil
}

// #endregion serve

// #region helpers
func loadConfig(path string) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func newPublisher(rc config.RedisConfig) (events.Publisher, error) {
	if rc.URL == "" {
		return events.Noop{}, nil
	}
	pub, err := events.NewRedis(events.RedisConfig{
		URL:     rc.URL,
		Channel: rc.Channel,
		Timeout: rc.Timeout.Duration,
		Retries: rc.Retries,
	})
	if err != nil {
		return nil, fmt.Errorf("redis publisher: %w", err)
	}
	return pub, nil
}

// #endregion helpers
