package ordersync

import (
	"bitbucket.org/mmdatafocus/order_sync_backend/config"
	"bitbucket.org/mmdatafocus/order_sync_backend/utils"
	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type Options struct {
	DB     *gorm.DB
	Logger *logrus.Logger
	Config config.SyncConfig
	// Clients defaults to the WooCommerce REST client.
	Clients ClientFactory
	// Redis and RedisLock are optional; without them brokers, echo marks
	// and locks are process-local.
	Redis     *redis.Client
	RedisLock *redislock.Client
}

// Engine is the explicit registry of sync components. Build one per process
// (or per test) and pass it to whoever needs it.
type Engine struct {
	Config    config.SyncConfig
	Logger    *logrus.Logger
	Clients   ClientFactory
	Ledger    *Ledger
	Settings  *SettingsService
	Importer  *Importer
	Exporter  *Exporter
	Webhooks  *WebhookIngestor
	Scheduler *Scheduler
	Jobs      *JobManager
	Broker    ProgressBroker
}

func NewEngine(o Options) *Engine {
	cfg := o.Config
	logger := o.Logger
	if logger == nil {
		logger = config.GetLogger()
	}
	clients := o.Clients
	if clients == nil {
		clients = NewClientFactory(ClientConfigFrom(cfg))
	}

	var (
		echo   EchoGuard
		broker ProgressBroker
	)
	if o.Redis != nil {
		echo = NewRedisEchoGuard(o.Redis, cfg.EchoTTL(), logger)
		broker = NewRedisBroker(o.Redis, logger)
	} else {
		echo = NewMemoryEchoGuard(cfg.EchoTTL())
		broker = NewMemoryBroker()
	}
	locker := utils.NewLocker(o.RedisLock)

	ledger := NewLedger(o.DB, logger)
	settings := NewSettingsService(o.DB, logger, clients, cfg.DefaultIntervalMinutes)
	importer := NewImporter(o.DB, logger, echo, cfg.DefaultPhoneRegion)
	jobs := NewJobManager(o.DB, logger, settings, importer, ledger, clients, locker, broker, cfg)
	if cfg.ImportJobTopic != "" {
		jobs.SetDispatcher(NewPubSubDispatcher(cfg.ImportJobTopic, logger))
	}

	return &Engine{
		Config:    cfg,
		Logger:    logger,
		Clients:   clients,
		Ledger:    ledger,
		Settings:  settings,
		Importer:  importer,
		Exporter:  NewExporter(o.DB, logger, settings, clients, echo, ledger),
		Webhooks:  NewWebhookIngestor(o.DB, logger, settings, importer, ledger),
		Scheduler: NewScheduler(logger, settings, importer, ledger, clients, locker, cfg),
		Jobs:      jobs,
		Broker:    broker,
	}
}
