package cmd

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gtriggiano/netwatchz/pkg/config"
	"github.com/gtriggiano/netwatchz/pkg/engine"
	"github.com/gtriggiano/netwatchz/pkg/metrics"
	"github.com/gtriggiano/netwatchz/pkg/service"
)

func init() {
	rootCmd.AddCommand(startCmd)
}

var startCmd = &cobra.Command{
	Use:           "start",
	Short:         "Start the screening server",
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfigAndLogger("")
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

// serve runs the screening engine, the gRPC service and the metrics server until ctx
// is done or one of the servers fails.
func serve(ctx context.Context, cfg *config.Config, baseLogger *zap.Logger) error {
	logger := baseLogger.With(zap.String("component", "cli"))

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	finished := make(chan struct{})
	defer close(finished)

	metricsServer := metrics.NewServer(cfg.Metrics, baseLogger.With(zap.String("component", "metrics-server")))
	instr := metricsServer.Instrumentation()

	eng, err := engine.New(runCtx, cfg, baseLogger, instr)
	if err != nil {
		logger.Error("could not build the screening engine", zap.Error(err))
		return err
	}
	defer eng.Shutdown()
	metricsServer.SetHealthChecker(eng)

	manager := service.NewManager(eng, instr, baseLogger.With(zap.String("component", "service-manager")))
	grpcServer, err := service.NewServer(cfg.Server, manager, baseLogger.With(zap.String("component", "service-server")))
	if err != nil {
		logger.Error("could not create gRPC server", zap.Error(err))
		return err
	}

	if err := eng.Start(runCtx); err != nil {
		logger.Error("could not start the screening engine", zap.Error(err))
		return err
	}

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error { return metricsServer.Start(groupCtx) })
	group.Go(func() error {
		return grpcServer.Start(groupCtx, func(net.Addr) { metricsServer.SetReady(true) })
	})

	go func() {
		select {
		case <-finished:
			return
		case <-ctx.Done():
		}
		logger.Info("shutdown signal received")
		metricsServer.SetReady(false)
		cancel()

		timeout := cfg.Shutdown.ShutdownTimeout()
		select {
		case <-finished:
		case <-time.After(timeout):
			logger.Error("shutdown timed out", zap.Duration("timeout", timeout))
			os.Exit(1)
		}
	}()

	if err := group.Wait(); err != nil && runCtx.Err() == nil {
		logger.Error("server exited with error", zap.Error(err))
		return err
	}
	return nil
}
