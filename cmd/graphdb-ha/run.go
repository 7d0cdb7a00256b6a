package main

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dd0wney/cluso-ha/pkg/config"
	"github.com/dd0wney/cluso-ha/pkg/ha"
	"github.com/dd0wney/cluso-ha/pkg/health"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
	"github.com/dd0wney/cluso-ha/pkg/server"
)

type runFlags struct {
	configFlags
	httpAddr        string
	logLevel        string
	shutdownTimeout time.Duration
	maxLag          uint64
}

func newRunCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an HA instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), flags)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&flags.httpAddr, "http-addr", ":8090", "operator HTTP address")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "info", "debug, info, warn or error")
	cmd.Flags().DurationVar(&flags.shutdownTimeout, "shutdown-timeout", 30*time.Second, "graceful shutdown budget")
	cmd.Flags().Uint64Var(&flags.maxLag, "max-replication-lag", 0, "degrade health past this many transactions behind (0 disables)")
	return cmd
}

func run(ctx context.Context, flags runFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := logging.NewZapLogger(os.Stderr, logging.ParseLevel(strings.ToLower(flags.logLevel)))
	logging.SetDefaultLogger(logger)
	defer logger.Sync()

	cfg, err := flags.load()
	if err != nil {
		return err
	}

	reg := metrics.NewRegistry()
	db, err := ha.New(cfg, ha.Components{Logger: logger, Metrics: reg})
	if err != nil {
		return err
	}

	startedAt := time.Now()
	if err := db.Start(ctx); err != nil {
		db.Shutdown(context.Background())
		return err
	}

	hc := health.NewHealthChecker()
	hc.RegisterInstance(db, health.Options{MaxReplicationLag: flags.maxLag})

	gs := server.NewGracefulServer(flags.httpAddr, server.NewMux(server.Routes{
		Health:    hc,
		Metrics:   reg,
		Status:    func() any { return db.Status() },
		StartedAt: startedAt,
	}), logger)
	gs.SetConfigReloadFunc(func() error {
		return reloadConfig(flags.configFlags, db.Config(), logger)
	})

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go gs.WatchSignals(watchCtx, flags.shutdownTimeout)

	serveErr := make(chan error, 1)
	go func() { serveErr <- gs.Start() }()

	var runErr error
	select {
	case <-gs.ShutdownChannel():
	case <-ctx.Done():
	case runErr = <-serveErr:
		logger.Error("http server failed", logging.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), flags.shutdownTimeout)
	defer cancel()
	gs.Shutdown(flags.shutdownTimeout)
	return errors.Join(runErr, db.Shutdown(shutdownCtx))
}

// reloadConfig re-reads the settings file. The running instance keeps its
// configuration; changed keys take effect on restart.
func reloadConfig(flags configFlags, running config.Config, logger logging.Logger) error {
	next, err := flags.load()
	if err != nil {
		return err
	}
	changed := changedSettings(running, next)
	if len(changed) == 0 {
		logger.Info("configuration unchanged")
		return nil
	}
	logger.Warn("configuration changed, restart to apply",
		logging.String("keys", strings.Join(changed, ",")))
	return nil
}
