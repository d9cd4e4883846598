// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/quicksend/internal/app"
	"github.com/unclebandit/quicksend/internal/attachment"
	"github.com/unclebandit/quicksend/internal/auth"
	"github.com/unclebandit/quicksend/internal/cache"
	"github.com/unclebandit/quicksend/internal/config"
	"github.com/unclebandit/quicksend/internal/controller"
	"github.com/unclebandit/quicksend/internal/db"
	"github.com/unclebandit/quicksend/internal/handler"
	"github.com/unclebandit/quicksend/internal/logger"
	"github.com/unclebandit/quicksend/internal/metrics"
	"github.com/unclebandit/quicksend/internal/queue"
	"github.com/unclebandit/quicksend/internal/quota"
	"github.com/unclebandit/quicksend/internal/repository"
	"github.com/unclebandit/quicksend/internal/scheduler"
	"github.com/unclebandit/quicksend/internal/service"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Init DB
	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := db.Migrate(ctx, conn); err != nil {
		return err
	}

	rdb, err := cache.NewClient(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer rdb.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	g, gctx := errgroup.WithContext(ctx)

	var jobs queue.JobQueue
	switch cfg.QueueBackend {
	case "memory":
		mq := queue.NewInMemoryQueue(log)
		dispatch := handler.NewDispatchHandler(app.NewDispatchEngine(cfg, conn, rdb, m, log), log)
		g.Go(func() error {
			log.Warn("dispatching in-process; pending jobs are lost on restart")
			if err := mq.Consume(gctx, dispatch.Handle); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
		jobs = mq
	default:
		rq, err := queue.DialRabbit(cfg.AMQPURL, cfg.DispatchExchange, cfg.DispatchQueue, log)
		if err != nil {
			return err
		}
		defer rq.Close()
		jobs = rq
	}

	campaignRepo := &repository.CampaignRepository{DB: conn}
	users := &repository.UserRepository{DB: conn}

	campaignService := &service.CampaignService{
		CampaignRepo: campaignRepo,
		Users:        users,
		Quota:        quota.NewTracker(rdb, &repository.SubscriptionRepository{DB: conn}),
		Attachments:  attachment.NewPreparer(),
		Scheduler:    scheduler.New(jobs, cfg.ScheduleMinLead, log),
		Log:          log,
		Metrics:      m,
	}

	campaignController := controller.NewCampaignController(campaignService, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(m.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// Campaign routes
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(cfg.JWTSecret))
		campaignController.Routes(r)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		log.Info("server running", "port", cfg.APIPort, "queue", cfg.QueueBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
