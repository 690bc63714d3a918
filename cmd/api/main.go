package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"artcenter/internal/accounting"
	"artcenter/internal/attendance"
	"artcenter/internal/auth"
	"artcenter/internal/config"
	"artcenter/internal/handler"
	"artcenter/internal/httpmiddleware"
	"artcenter/internal/mail"
	"artcenter/internal/metrics"
	"artcenter/internal/passwordreset"
	"artcenter/internal/queue"
	"artcenter/internal/schedule"
	"artcenter/internal/store"
)

func main() {
	cfg := config.Load()

	// Set Gin mode based on environment
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, cfg.Logger()); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App, logger *slog.Logger) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.DBAutoMigrate {
		if err := db.Migrate(context.Background()); err != nil {
			return err
		}
		logger.Info("schema applied")
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		// no worker can see this queue, so deliver from here
		mem := queue.NewInMemory(64)
		msgs, err := mem.Consume(context.Background())
		if err != nil {
			return err
		}
		sender := mail.NewSender(cfg.Mail.Backend, cfg.Mail.SendgridKey, cfg.Mail.FromName, cfg.Mail.FromAddress, logger)
		go mail.Deliver(context.Background(), msgs, sender, logger)
		q = mem
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "artcenter:jobs", logger)
	}

	var tokens passwordreset.TokenStore
	if cfg.Reset.TokenStore == "redis" {
		tokens = passwordreset.NewRedisTokens(redisClient.Client, "")
	} else {
		mem := passwordreset.NewMemoryTokens()
		go purgeTokens(mem, cfg.Reset.TokenTTL, logger)
		tokens = mem
	}

	loc := cfg.Attendance.Location()
	signer := auth.NewSigner(cfg.JWTSigningKey, cfg.JWTIssuer, cfg.AccessTTL, cfg.RefreshTTL)
	guard := attendance.NewGuard(cfg.Attendance.WindowMode, cfg.Attendance.GraceBefore, cfg.Attendance.GraceAfter, loc)

	h := &handler.Handler{
		Auth:       auth.NewService(auth.NewRepository(db.Client), signer),
		Signer:     signer,
		Attendance: attendance.NewService(attendance.NewRepository(db.Client), guard, logger),
		Accounting: accounting.NewService(accounting.NewRepository(db.Client), logger,
			metrics.NewAccounting(prometheus.DefaultRegisterer)),
		Checker: schedule.NewChecker(schedule.NewRepository(db.Client)),
		Reset: passwordreset.NewService(passwordreset.NewRepository(db.Client), tokens, mail.NewOutbox(q),
			passwordreset.Config{
				OTPTTL:      cfg.Reset.OTPTTL,
				Cooldown:    cfg.Reset.OTPCooldown,
				MaxAttempts: cfg.Reset.OTPMaxAttempt,
				TokenTTL:    cfg.Reset.TokenTTL,
			}, logger, metrics.NewReset(prometheus.DefaultRegisterer)),
		Limiter: httpmiddleware.NewTokenBucket(10, 10),
		Log:     logger,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(corsConfig(cfg.CORSOrigins)))
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).Middleware(httpmiddleware.ClientIP))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Healthy(c.Request.Context())
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	h.Register(r)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.HTTPPort, "timezone", loc.String())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced shutdown", "err", err)
	}

	logger.Info("server exited")
	return nil
}

func corsConfig(origins string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Retry-After"},
		MaxAge:        24 * time.Hour,
	}
	if origins == "" || origins == "*" {
		cfg.AllowAllOrigins = true
		return cfg
	}
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.AllowOrigins = append(cfg.AllowOrigins, o)
		}
	}
	return cfg
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}

// purgeTokens drops expired reset tokens from the in-process store.
func purgeTokens(tokens *passwordreset.MemoryTokens, every time.Duration, logger *slog.Logger) {
	if every <= 0 {
		every = 15 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for range ticker.C {
		if n := tokens.Purge(); n > 0 {
			logger.Debug("expired reset tokens purged", "count", n)
		}
	}
}
