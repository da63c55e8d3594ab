package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/san-kum/cryostat/internal/logging"
	"github.com/san-kum/cryostat/internal/metrics"
	"github.com/san-kum/cryostat/internal/scheduler"
	"github.com/san-kum/cryostat/internal/status"
	"github.com/san-kum/cryostat/internal/supervisor"
)

const shutdownTimeout = 15 * time.Second

func runEngine(cmd *cobra.Command, args []string) (err error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, logCloser, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
		err = multierr.Append(err, logCloser.Close())
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, devs, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, st.Close()) }()

	sim, ch, err := openChannel(cfg, devs, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewRecorder()
	recorder.Register(reg)

	loops := make([]scheduler.Loop, 0, len(devs))
	for _, dev := range devs {
		loops = append(loops, supervisor.New(dev, ch, st,
			supervisor.WithLogger(logger),
			supervisor.WithObserver(recorder),
			supervisor.ResumeEnabled(cfg.ResumeEnabledOnStart),
		))
	}
	sched := scheduler.New(loops, scheduler.WithLogger(logger))
	srv := status.New(sched, reg, status.WithLogger(logger))

	plantCtx, stopPlant := context.WithCancel(context.Background())
	plantDone := make(chan error, 1)
	go func() { plantDone <- sim.Run(plantCtx, cfg.Plant.RateHz) }()

	if err := sched.Start(ctx); err != nil {
		stopPlant()
		return err
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx, cfg.Listen) }()

	logger.Info("engine running",
		zap.String("run_id", sched.RunID()),
		zap.Int("loops", len(loops)),
		zap.String("listen", cfg.Listen),
		zap.String("store", cfg.Store.Driver))

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case runErr = <-serveErr:
		if runErr != nil {
			logger.Error("status server failed", zap.Error(runErr))
		}
	case <-sched.Done():
		runErr = sched.Err()
	}

	// loops settle their outputs before the plant and the store go away
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	stopErr := sched.Stop(shutdownCtx)
	if errors.Is(stopErr, scheduler.ErrNotStarted) {
		stopErr = nil
	}
	err = multierr.Combine(runErr, stopErr, srv.Shutdown(shutdownCtx))
	stopPlant()
	err = multierr.Append(err, <-plantDone)
	return err
}
