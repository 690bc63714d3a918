package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"artcenter/internal/attendance"
	"artcenter/internal/config"
	"artcenter/internal/mail"
	"artcenter/internal/metrics"
	"artcenter/internal/passwordreset"
	"artcenter/internal/queue"
	"artcenter/internal/store"
)

const (
	sweepLockKey = "artcenter:sweep:lock"
	otpRetention = 24 * time.Hour
)

// Worker runs the auto-absence sweeper, delivers queued mail, and purges
// expired reset codes.
func main() {
	cfg := config.Load()
	logger := cfg.Logger()
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	var lock attendance.LockFunc
	if cfg.Sweep.Lock == "redis" {
		lock = redisLock(redisClient, cfg.Sweep.LockTTL, workerID(), logger)
	}
	sweeper := attendance.NewSweeper(
		attendance.NewRepository(db.Client),
		attendance.SweepConfig{
			Interval:         cfg.Sweep.Interval,
			LookbackDays:     cfg.Sweep.LookbackDays,
			GraceAfter:       cfg.Attendance.GraceAfter,
			IncludeCancelled: cfg.Sweep.IncludeCancelled,
			Location:         cfg.Attendance.Location(),
		},
		logger.With("component", "sweeper"),
		metrics.NewSweep(prometheus.DefaultRegisterer),
		lock,
	)

	reset := passwordreset.NewService(passwordreset.NewRepository(db.Client), nil, nil,
		passwordreset.Config{}, logger.With("component", "otp-purge"), nil)
	purger := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := purger.AddFunc(cfg.Reset.PurgeCron, func() {
		jobCtx, jobCancel := context.WithTimeout(ctx, 4*time.Minute)
		defer jobCancel()
		if _, err := reset.PurgeExpired(jobCtx, otpRetention); err != nil {
			logger.Error("otp purge failed", "err", err)
		}
	}); err != nil {
		log.Fatalf("otp purge schedule %q: %v", cfg.Reset.PurgeCron, err)
	}
	purger.Start()

	metricsSrv := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           metricsRouter(db, redisClient),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "err", err)
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	if cfg.QueueBackend == "memory" {
		logger.Info("memory queue configured, mail is delivered by the api process")
	} else {
		q := queue.NewRedisQueue(redisClient.Client, "artcenter:jobs", logger)
		messages, err := q.Consume(ctx)
		if err != nil {
			log.Fatalf("queue consume init failed: %v", err)
		}
		sender := mail.NewSender(cfg.Mail.Backend, cfg.Mail.SendgridKey, cfg.Mail.FromName, cfg.Mail.FromAddress, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := mail.Deliver(ctx, messages, sender, logger.With("component", "mail"))
			logger.Info("mail consumer stopped", "sent", n)
		}()
	}

	logger.Info("worker started",
		"sweep_interval", cfg.Sweep.Interval.String(),
		"sweep_lock", cfg.Sweep.Lock,
		"otp_purge", cfg.Reset.PurgeCron,
		"metrics_port", cfg.WorkerMetricsPort)

	<-ctx.Done()
	wg.Wait()
	<-purger.Stop().Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	logger.Info("worker stopped")
}

// redisLock adapts a redis lease to the sweeper's lock hook. The lease is
// renewed while the sweep runs, so ttl only bounds how long a crashed worker
// blocks the others.
func redisLock(r *store.Redis, ttl time.Duration, owner string, logger *slog.Logger) attendance.LockFunc {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return func(ctx context.Context) (func(context.Context) error, error) {
		l, err := r.Acquire(ctx, sweepLockKey, owner, ttl)
		if err != nil {
			return nil, err
		}
		renewCtx, stop := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			keepAlive(renewCtx, l, ttl, logger)
		}()
		return func(ctx context.Context) error {
			stop()
			<-done
			return l.Release(ctx)
		}, nil
	}
}

// keepAlive extends the lease every third of its ttl until ctx ends or the
// lease is lost.
func keepAlive(ctx context.Context, l *store.Lock, ttl time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(max(ttl/3, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := l.Extend(ctx, ttl); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("sweep lock renewal failed", "err", err)
			if errors.Is(err, store.ErrLockLost) {
				return
			}
		}
	}
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return host + "-" + uuid.NewString()
}

func metricsRouter(db *store.DB, redisClient *store.Redis) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Healthy(c.Request.Context())
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"redis": redisHealthy, "db": dbHealthy})
	})
	return r
}
