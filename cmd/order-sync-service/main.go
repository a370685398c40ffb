package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/order_sync_backend/config"
	"bitbucket.org/mmdatafocus/order_sync_backend/metrics"
	"bitbucket.org/mmdatafocus/order_sync_backend/middlewares"
	"bitbucket.org/mmdatafocus/order_sync_backend/models"
	"bitbucket.org/mmdatafocus/order_sync_backend/ordersync"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// swapHandler serves a boot router until the full one is installed.
type swapHandler struct {
	current atomic.Pointer[http.Handler]
}

func (s *swapHandler) set(h http.Handler) { s.current.Store(&h) }

func (s *swapHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	(*s.current.Load()).ServeHTTP(w, r)
}

func main() {
	logger := config.GetLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "config"}).Fatal(err)
	}
	config.SetLogLevel(cfg.LogLevel)
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	metrics.RegisterDefault()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Listen before the database is up so health checks pass during boot.
	handler := &swapHandler{}
	handler.set(bootRouter())
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry(cfg)
	config.ConnectRedisWithRetry(sigCtx, cfg.RedisAddr, 5)
	defer config.CloseRedis()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !cfg.SkipMigrations {
		if err := models.MigrateTable(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err)
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	engine := ordersync.NewEngine(ordersync.Options{
		DB:        db,
		Logger:    logger,
		Config:    cfg.Sync,
		Redis:     config.GetRedisDB(),
		RedisLock: config.GetRedisLock(),
	})
	handler.set(apiRouter(cfg, logger, engine))

	if n, err := engine.Jobs.RecoverOnStartup(sigCtx); err != nil {
		config.LogError(logger, "cmd/order-sync-service/main.go", "main", "recovering import jobs", nil, err)
	} else if n > 0 {
		logger.WithField("jobs", n).Info("re-dispatched running import jobs")
	}
	engine.Scheduler.Start(sigCtx)
	logger.WithFields(logrus.Fields{"port": cfg.Port, "driver": cfg.DBDriver}).Info("order sync service ready")

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
	engine.Scheduler.Stop()
}

func bootRouter() *gin.Engine {
	r := gin.New()
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "message": "service starting"})
	})
	return r
}

func apiRouter(cfg *config.Config, logger *logrus.Logger, engine *ordersync.Engine) *gin.Engine {
	r := gin.New()
	r.Use(middlewares.CorrelationId())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	corsConfig := cors.DefaultConfig()
	if cfg.IsProduction() {
		corsConfig.AllowOrigins = cfg.CorsOrigins
		if len(corsConfig.AllowOrigins) == 0 {
			corsConfig.AllowOrigins = []string{}
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", ordersync.HeaderCompanyId)
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition")
	corsConfig.AllowCredentials = !corsConfig.AllowAllOrigins

	r.Use(cors.New(corsConfig))
	r.Use(middlewares.BearerToken())
	r.Use(middlewares.HTTPMetrics())
	r.Use(middlewares.RequestLogger(logger))
	r.Use(gin.Recovery())

	engine.RegisterRoutes(r, ordersync.TenantMiddleware(cfg.APISecret, cfg.AllowCompanyHeader))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "route not found"})
	})
	return r
}
