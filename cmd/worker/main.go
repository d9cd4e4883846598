// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/quicksend/internal/app"
	"github.com/unclebandit/quicksend/internal/cache"
	"github.com/unclebandit/quicksend/internal/config"
	"github.com/unclebandit/quicksend/internal/db"
	"github.com/unclebandit/quicksend/internal/handler"
	"github.com/unclebandit/quicksend/internal/logger"
	"github.com/unclebandit/quicksend/internal/metrics"
	"github.com/unclebandit/quicksend/internal/queue"
	"github.com/unclebandit/quicksend/internal/repository"
	"github.com/unclebandit/quicksend/internal/service"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	rdb, err := cache.NewClient(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer rdb.Close()

	rq, err := queue.DialRabbit(cfg.AMQPURL, cfg.DispatchExchange, cfg.DispatchQueue, log)
	if err != nil {
		return err
	}
	defer rq.Close()
	rq.Concurrency = cfg.WorkerConcurrency

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	engine := app.NewDispatchEngine(cfg, conn, rdb, m, log)
	dispatch := handler.NewDispatchHandler(engine, log)

	sweeper := &service.SubscriptionSweeper{
		Subs:    &repository.SubscriptionRepository{DB: conn},
		Log:     log,
		Metrics: m,
	}
	if err := sweeper.Start(cfg.SubscriptionSweepCron); err != nil {
		return err
	}
	defer sweeper.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("worker consuming dispatch jobs", "queue", cfg.DispatchQueue, "concurrency", rq.Concurrency)
		err := rq.Consume(gctx, dispatch.Handle)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		log.Info("metrics listening", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
