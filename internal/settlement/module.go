// Package settlement wires the settlement pipeline: ingestion, the durable
// job queue, the stage handlers and their collaborators.
package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/mmbot/internal/config"
	"github.com/Aidin1998/mmbot/internal/database"
	"github.com/Aidin1998/mmbot/internal/settlement/aggregator"
	"github.com/Aidin1998/mmbot/internal/settlement/compensation"
	"github.com/Aidin1998/mmbot/internal/settlement/events"
	"github.com/Aidin1998/mmbot/internal/settlement/fees"
	"github.com/Aidin1998/mmbot/internal/settlement/ingestion"
	"github.com/Aidin1998/mmbot/internal/settlement/interfaces"
	"github.com/Aidin1998/mmbot/internal/settlement/network"
	"github.com/Aidin1998/mmbot/internal/settlement/pairs"
	"github.com/Aidin1998/mmbot/internal/settlement/paper"
	"github.com/Aidin1998/mmbot/internal/settlement/pipeline"
	"github.com/Aidin1998/mmbot/internal/settlement/queue"
	"github.com/Aidin1998/mmbot/internal/settlement/quoting"
	"github.com/Aidin1998/mmbot/internal/settlement/repository"
	"github.com/Aidin1998/mmbot/internal/settlement/state"
)

// ingestionLockKey is the redis key of the cross-replica poll guard
const ingestionLockKey = "mmbot:ingestion:lock"

// Worker is a background component started and stopped with the module
type Worker interface {
	Start(ctx context.Context) error
	Stop() error
}

// ModuleOptions holds module initialization options. Collaborators left nil
// default to the in-process paper implementations.
type ModuleOptions struct {
	Config    *config.Config
	Logger    *zap.Logger
	Database  *gorm.DB
	Redis     redis.Cmdable
	Publisher events.Publisher
	Pairs     interfaces.PairRegistry
	Ledger    interfaces.LedgerClient
	Exchange  interfaces.ExchangeGateway
	Venue     quoting.Venue
	Campaign  interfaces.CampaignClient
}

// Module owns the settlement pipeline components
type Module struct {
	config *config.Config
	log    *zap.Logger
	db     *gorm.DB

	repository   *repository.Repository
	queue        queue.Queue
	worker       *queue.Worker
	orchestrator *pipeline.Orchestrator
	poller       *ingestion.Poller
	publisher    events.Publisher

	workers []Worker
}

// NewModule creates a new settlement module instance
func NewModule(opts ModuleOptions) (*Module, error) {
	if opts.Config == nil || opts.Database == nil || opts.Logger == nil {
		return nil, fmt.Errorf("settlement module requires config, database and logger")
	}
	if err := config.Validate(opts.Config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	m := &Module{
		config: opts.Config,
		log:    opts.Logger.Named("settlement"),
		db:     opts.Database,
	}
	if err := m.initializeComponents(opts); err != nil {
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}
	return m, nil
}

func (m *Module) initializeComponents(opts ModuleOptions) error {
	cfg := m.config
	log := opts.Logger

	registry := opts.Pairs
	if registry == nil {
		r, err := pairs.LoadFile(cfg.Pairs.File)
		if err != nil {
			return err
		}
		m.log.Info("Pair registry loaded", zap.String("file", cfg.Pairs.File), zap.Int("pairs", r.Len()))
		registry = r
	}

	ledger := opts.Ledger
	if ledger == nil {
		ledger = paper.NewLedger()
	}
	exchange, venue := opts.Exchange, opts.Venue
	if exchange == nil || venue == nil {
		px := paper.NewExchange(true)
		if exchange == nil {
			exchange = px
		}
		if venue == nil {
			venue = px
		}
	}
	campaign := opts.Campaign
	if campaign == nil {
		campaign = paper.NewCampaign()
	}

	m.publisher = opts.Publisher
	if m.publisher == nil {
		if cfg.Kafka.Enabled {
			m.publisher = events.NewKafkaPublisher(events.KafkaConfig{
				Brokers: cfg.Kafka.Brokers,
				Topic:   cfg.Kafka.Topic,
			}, log)
		} else {
			m.publisher = events.NopPublisher{}
		}
	}

	if cfg.Queue.Path == "" {
		m.queue = queue.NewInMemoryQueue()
		m.log.Warn("Using in-memory job queue, pending jobs are lost on restart")
	} else {
		q, err := queue.NewBadgerQueue(cfg.Queue.Path)
		if err != nil {
			return err
		}
		m.queue = q
	}

	m.repository = repository.NewRepository(m.db, log)
	m.orchestrator = pipeline.NewOrchestrator(pipeline.Dependencies{
		Repository:   m.repository,
		Queue:        m.queue,
		States:       state.NewOrderStateMachine(m.repository, m.publisher, log),
		Aggregator:   aggregator.NewAggregator(m.repository, fees.StaticCalculator{}, log),
		Compensation: compensation.NewEngine(m.repository, ledger, log),
		Pairs:        registry,
		Ledger:       ledger,
		Exchange:     exchange,
		Networks:     network.NewMapper(ledger),
		Campaign:     campaign,
		Quoter:       quoting.NewLayeredQuoter(venue, log),
		Live:         cfg.Settlement.Live(),
		Logger:       log,
	})

	m.worker = queue.NewWorker(m.queue, log,
		queue.WithConcurrency(cfg.Queue.Workers),
		queue.WithPollInterval(cfg.Queue.PollInterval))
	m.orchestrator.Register(m.worker)

	var guard ingestion.Guard
	if opts.Redis != nil {
		guard = ingestion.NewRedisGuard(opts.Redis, ingestionLockKey, cfg.Ingestion.LockTTL)
	}
	m.poller = ingestion.NewPoller(ledger, m.repository, m.orchestrator, guard, ingestion.Config{
		Interval: cfg.Ingestion.Interval,
		Limit:    cfg.Ingestion.Limit,
	}, log)

	m.workers = []Worker{m.worker, m.poller}
	return nil
}

// Start migrates the schema and starts the queue worker and the poller
func (m *Module) Start(ctx context.Context) error {
	m.log.Info("Starting settlement module", zap.String("mode", m.config.Settlement.Mode))
	if err := m.repository.AutoMigrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	for _, w := range m.workers {
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("failed to start worker: %w", err)
		}
	}
	m.log.Info("Settlement module started")
	return nil
}

// Stop stops the poller before the worker so no new jobs arrive while
// in-flight jobs drain, then closes the queue and the publisher.
func (m *Module) Stop(ctx context.Context) error {
	m.log.Info("Stopping settlement module")
	for i := len(m.workers) - 1; i >= 0; i-- {
		if err := m.workers[i].Stop(); err != nil {
			m.log.Error("Failed to stop worker", zap.Error(err))
		}
	}
	if err := m.queue.Close(); err != nil {
		m.log.Error("Failed to close job queue", zap.Error(err))
	}
	if err := m.publisher.Close(); err != nil {
		m.log.Error("Failed to close event publisher", zap.Error(err))
	}
	m.log.Info("Settlement module stopped")
	return nil
}

// HealthCheck verifies the database and reports the queue backlog
func (m *Module) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := database.Ping(ctx, m.db); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	if _, err := m.queue.Pending(ctx); err != nil {
		return fmt.Errorf("job queue unavailable: %w", err)
	}
	return nil
}

// Repository returns the settlement repository
func (m *Module) Repository() interfaces.Repository {
	return m.repository
}

// Orchestrator returns the pipeline orchestrator
func (m *Module) Orchestrator() *pipeline.Orchestrator {
	return m.orchestrator
}

// Pending returns the number of jobs waiting in the queue
func (m *Module) Pending(ctx context.Context) (int, error) {
	return m.queue.Pending(ctx)
}
