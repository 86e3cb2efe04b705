package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/0x6flab/namegenerator"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/YuminosukeSato/detrain/config"
	"github.com/YuminosukeSato/detrain/pkg/errors"
	"github.com/YuminosukeSato/detrain/pkg/log"
	"github.com/YuminosukeSato/detrain/runner"
	"github.com/YuminosukeSato/detrain/train"
	"github.com/YuminosukeSato/detrain/train/api"
	"github.com/YuminosukeSato/detrain/train/middleware"
	"github.com/YuminosukeSato/detrain/worker"
)

const (
	svcName         = "detrain"
	shutdownTimeout = 5 * time.Second
)

func run(ctx context.Context, opts config.Options, stdout io.Writer) error {
	file, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	if opts.Name == "" {
		opts.Name = namegenerator.NewGenerator().Generate()
	}
	cfg, err := config.Assemble(file, opts)
	if err != nil {
		return err
	}

	slogger, err := log.SetupLogger(os.Stderr, cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := log.New(slogger)

	env, err := worker.LoadEnv()
	if err != nil {
		return err
	}
	wc, err := worker.Init(env)
	if err != nil {
		return err
	}
	runID := uuid.NewString()
	logger.Info("worker started",
		append(wc.LogFields(), log.RunNameKey, cfg.Name, log.RunIDKey, runID, log.ConfigPathKey, cfg.ConfigPath)...)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	comm, err := train.NewCommunicator(ctx, cfg, wc, slogger)
	if err != nil {
		return err
	}
	defer comm.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	counter, latency, skipped, err := middleware.MakeMetrics(reg, svcName, "processor")
	if err != nil {
		return err
	}
	tracer := noop.NewTracerProvider().Tracer(svcName)

	job, err := train.Setup(ctx, cfg, wc, comm, logger, train.Options{
		RunID:      runID,
		Registerer: reg,
		Console:    stdout,
		Wrap: func(p runner.BatchProcessor) runner.BatchProcessor {
			p = middleware.Logging(logger, p)
			p = middleware.Tracing(tracer, p)
			return middleware.Metrics(counter, latency, skipped, p)
		},
	})
	if err != nil {
		return err
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer stop()
		return job.Run(ctx)
	})

	if cfg.MetricsAddr != "" && wc.IsPrimary() {
		hs := &http.Server{Addr: cfg.MetricsAddr, Handler: api.MakeHandler(job.Progress.Status, reg)}
		g.Go(func() error {
			logger.Info("status server listening", "http.addr", cfg.MetricsAddr)
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return hs.Shutdown(sctx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("run failed", log.ErrAttr(err))
		return err
	}
	return nil
}
