package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrts/discovery"
	"github.com/ryandielhenn/zephyrts/internal/config"
	"github.com/ryandielhenn/zephyrts/internal/logging"
	"github.com/ryandielhenn/zephyrts/internal/telemetry"
	"github.com/ryandielhenn/zephyrts/pkg/server"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

type flags struct {
	configPath string
	self       string
	httpAddr   string
	seeds      []string
	rf         int
	logLevel   string
	dev        bool
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:          "zephyrts",
		Short:        "runs one node of a zephyrts cluster",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.configPath, "config", "", "YAML config file")
	fl.StringVar(&f.self, "self", "", "this node as ip:metaPort:dataPort[:identifier]")
	fl.StringVar(&f.httpAddr, "http", "", "HTTP listen address")
	fl.StringSliceVar(&f.seeds, "seed", nil, "initial cluster members, repeatable")
	fl.IntVar(&f.rf, "replication-factor", 0, "nodes per partition group")
	fl.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	fl.BoolVar(&f.dev, "dev", false, "human-readable logs")
	return cmd
}

func run(cmd *cobra.Command, f flags) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	fl := cmd.Flags()
	if fl.Changed("self") {
		cfg.Self = f.self
	}
	if fl.Changed("http") {
		cfg.HTTPAddr = f.httpAddr
	}
	if fl.Changed("seed") {
		cfg.Seeds = f.seeds
	}
	if fl.Changed("replication-factor") {
		cfg.ReplicationFactor = f.rf
	}
	if fl.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if fl.Changed("dev") {
		cfg.Log.Development = f.dev
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	telemetry.SetBuildInfo(version, gitSHA)

	opts := server.Options{}
	if len(cfg.Etcd.Endpoints) > 0 {
		logger.Info("creating etcd client", zap.Strings("endpoints", cfg.Etcd.Endpoints))
		cli, err := discovery.NewClient(cfg.Etcd.Endpoints)
		if err != nil {
			return errors.Wrap(err, "etcd client")
		}
		defer cli.Close()
		opts.Registry = discovery.NewRegistry(cli, cfg.Etcd.Prefix, cfg.Etcd.LeaseTTL, logger.Named("discovery"))
	}

	srv, err := server.New(cfg, logger, opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger.Info("zephyrts node starting", zap.Stringer("self", srv.Self()), zap.String("http", cfg.HTTPAddr),
		zap.Int("replication_factor", cfg.ReplicationFactor))
	return srv.Run(ctx)
}
