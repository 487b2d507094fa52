// Package app assembles the service from configuration: stores, engine,
// recorder, outbox worker and the HTTP surface.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"clinicore/internal/access"
	"clinicore/internal/access/handler"
	"clinicore/internal/audit"
	"clinicore/internal/audit/outbox"
	"clinicore/internal/authz"
	"clinicore/internal/identity"
	jwttoken "clinicore/internal/jwt_token"
	"clinicore/internal/lifecycle"
	"clinicore/internal/ownership"
	"clinicore/internal/platform/config"
	"clinicore/internal/platform/database"
	"clinicore/internal/platform/health"
	"clinicore/internal/platform/kafka/producer"
	"clinicore/internal/platform/metrics"
	"clinicore/internal/platform/middleware"
	"clinicore/internal/platform/redis"
	"clinicore/internal/platform/tracer"
	"clinicore/internal/policy"
	"clinicore/internal/ratelimit"
	"clinicore/internal/records"
	httptransport "clinicore/internal/transport/http"
	"clinicore/migrations"
	"clinicore/pkg/platform/circuit"
)

// IdentitySync is the resource gating the directory synchronisation job.
const IdentitySync policy.Resource = "identity_sync"

type App struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	table    *policy.Table
	service  *access.Service
	recorder *audit.Recorder
	handler  http.Handler

	pool     *database.Pool
	redis    *redis.Client
	producer *producer.Producer
	worker   *outbox.Worker
	// limits is the in-process rate limit store, pruned while running.
	limits *ratelimit.InMemoryStore
}

type Option func(*options)

type options struct {
	migrate bool
	tracer  tracer.Tracer
	sync    access.Operation
}

// WithMigrations applies the embedded migrations before serving.
func WithMigrations() Option {
	return func(o *options) { o.migrate = true }
}

func WithTracer(t tracer.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithIdentitySync replaces the job run by the identity_sync operation.
func WithIdentitySync(op access.Operation) Option {
	return func(o *options) { o.sync = op }
}

// LoadPolicy returns the table named by cfg, or the embedded default.
func LoadPolicy(cfg config.Policy) (*policy.Table, error) {
	if cfg.File == "" {
		return policy.Default()
	}
	return policy.Load(cfg.File)
}

// New builds every component. PostgreSQL is used when database.url is
// set, in-memory stores otherwise. The outbox and its worker only run with
// both PostgreSQL and Kafka configured.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (_ *App, err error) {
	o := options{tracer: tracer.NewOTel()}
	for _, opt := range opts {
		opt(&o)
	}

	table, err := LoadPolicy(cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	owners := ownership.New(ownership.WithWindow(lifecycle.KindNursingEntry, cfg.Ownership.NursingEntryWindow))
	engine, err := authz.New(table, lifecycle.Default(), owners, authz.WithMetrics(m))
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}

	a := &App{cfg: cfg, logger: logger, registry: reg, table: table}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	checks := health.New(cfg.Environment)

	var (
		recordStore records.Store
		auditStore  audit.Store
		tx          access.TxRunner
	)

	a.pool, err = database.Open(ctx, database.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}

	if a.pool != nil {
		db := a.pool.DB()
		if o.migrate {
			applied, err := migrations.Apply(ctx, db)
			if err != nil {
				return nil, err
			}
			logger.InfoContext(ctx, "migrations applied", "count", len(applied))
		}
		if err := a.pool.RegisterMetrics(reg); err != nil {
			return nil, fmt.Errorf("register db metrics: %w", err)
		}
		checks.RegisterCheck("postgres", a.pool.Health)

		txOpts := []access.PostgresTxOption{access.WithTxTimeout(cfg.Database.TxTimeout)}
		if cfg.Kafka.Brokers != "" {
			txOpts = append(txOpts, access.WithOutbox())
		}
		recordStore = records.NewPostgres(db)
		auditStore = audit.NewPostgres(db)
		tx = access.NewPostgresTx(db, txOpts...)

		if cfg.Kafka.Brokers != "" {
			if err := a.startOutbox(ctx, db, reg, checks); err != nil {
				return nil, err
			}
		}
	} else {
		mem := records.NewInMemoryStore()
		memAudit := audit.NewInMemoryStore()
		recordStore, auditStore = mem, memAudit
		tx = access.NewMemoryTx(mem, memAudit, access.WithLockMetrics(m), access.WithMemoryTxTimeout(cfg.Database.TxTimeout))
		logger.WarnContext(ctx, "database.url not set, using in-memory stores")
	}

	a.recorder = audit.NewRecorder(auditStore,
		audit.WithLogger(logger),
		audit.WithMetrics(m),
		audit.WithAsyncBuffer(cfg.Audit.AsyncBuffer),
	)

	syncJob := o.sync
	if syncJob == nil {
		syncJob = a.identitySync
	}
	a.service = access.New(engine, tx, recordStore, a.recorder,
		access.WithLogger(logger),
		access.WithMetrics(m),
		access.WithTracer(o.tracer),
		access.WithOperation(IdentitySync, syncJob),
	)

	rateLimit, err := a.rateLimiter(ctx, m, reg, checks)
	if err != nil {
		return nil, err
	}

	trusted, err := middleware.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return nil, err
	}
	var verifierOpts []jwttoken.Option
	if cfg.Auth.Issuer != "" {
		verifierOpts = append(verifierOpts, jwttoken.WithIssuer(cfg.Auth.Issuer))
	}
	if cfg.Auth.Audience != "" {
		verifierOpts = append(verifierOpts, jwttoken.WithAudience(cfg.Auth.Audience))
	}

	a.handler = httptransport.NewRouter(httptransport.RouterConfig{
		Logger:         logger,
		Verifier:       jwttoken.NewService(cfg.Auth.JWTSigningKey, verifierOpts...),
		Latency:        m,
		Gatherer:       reg,
		TrustedProxies: trusted,
		RequestTimeout: cfg.Server.RequestTimeout,
		RateLimit:      rateLimit,
		Public:         []httptransport.Registrar{checks},
		Protected:      []httptransport.Registrar{handler.New(a.service, logger)},
	})

	logger.InfoContext(ctx, "application initialized",
		"policy_version", table.Version(),
		"postgres", a.pool != nil,
		"outbox", a.worker != nil,
		"redis", a.redis != nil,
	)
	return a, nil
}

func (a *App) startOutbox(ctx context.Context, db *sql.DB, reg prometheus.Registerer, checks *health.Handler) error {
	p, err := producer.New(producer.Config{
		Brokers:         a.cfg.Kafka.Brokers,
		Acks:            a.cfg.Kafka.Acks,
		Retries:         a.cfg.Kafka.Retries,
		DeliveryTimeout: a.cfg.Kafka.DeliveryTimeout,
	}, a.logger)
	if err != nil {
		return err
	}
	a.producer = p
	if err := p.EnsureTopic(ctx, a.cfg.Audit.Topic, a.cfg.Kafka.Partitions, a.cfg.Kafka.ReplicationFactor); err != nil {
		return fmt.Errorf("ensure audit topic: %w", err)
	}
	checks.RegisterCheck("kafka", p.Healthy)

	a.worker = outbox.NewWorker(outbox.NewPostgres(db), p,
		outbox.WithTopic(a.cfg.Audit.Topic),
		outbox.WithBatchSize(a.cfg.Outbox.BatchSize),
		outbox.WithPollInterval(a.cfg.Outbox.PollInterval),
		outbox.WithMetrics(outbox.NewMetrics(reg)),
		outbox.WithLogger(a.logger),
	)
	return nil
}

// rateLimiter returns nil when limiting is disabled. With Redis configured
// counters are shared across replicas and the in-process store takes over
// while the Redis breaker is open.
func (a *App) rateLimiter(ctx context.Context, m *metrics.Metrics, reg prometheus.Registerer, checks *health.Handler) (func(http.Handler) http.Handler, error) {
	cfg := a.cfg.RateLimit
	if cfg.Requests <= 0 {
		return nil, nil
	}

	a.limits = ratelimit.NewInMemoryStore()
	var primary ratelimit.Store = a.limits
	opts := []ratelimit.Option{ratelimit.WithLogger(a.logger), ratelimit.WithMetrics(m)}

	client, err := redis.New(ctx, redis.Config{
		URL:         a.cfg.Redis.URL,
		PoolSize:    a.cfg.Redis.PoolSize,
		DialTimeout: a.cfg.Redis.DialTimeout,
	})
	if err != nil {
		return nil, err
	}
	if client != nil {
		a.redis = client
		if err := client.RegisterMetrics(reg); err != nil {
			return nil, fmt.Errorf("register redis metrics: %w", err)
		}
		checks.RegisterCheck("redis", client.Health)

		breaker := circuit.New("redis", circuit.WithOnStateChange(func(name string, to circuit.State) {
			a.logger.Warn("circuit breaker state changed", "breaker", name, "state", to.String())
		}))
		primary = ratelimit.NewRedisStore(client)
		opts = append(opts, ratelimit.WithFallback(a.limits), ratelimit.WithBreaker(breaker))
	}

	return ratelimit.NewLimiter(primary, cfg.Requests, cfg.Window, opts...).Middleware, nil
}

// identitySync is the default identity_sync job. The directory itself is
// external; the service records the request and who made it.
func (a *App) identitySync(ctx context.Context, actor identity.Actor) error {
	a.logger.InfoContext(ctx, "identity sync requested", "actor_id", actor.ID.String())
	return nil
}

func (a *App) Handler() http.Handler { return a.handler }

func (a *App) Service() *access.Service { return a.service }

func (a *App) Registry() *prometheus.Registry { return a.registry }

// Run serves HTTP and drives the outbox worker until ctx is cancelled,
// then shuts the server down within server.shutdown_timeout.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("starting http server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if a.worker != nil {
		g.Go(func() error { return a.worker.Run(gctx) })
	}
	if a.limits != nil {
		g.Go(func() error {
			ticker := time.NewTicker(a.cfg.RateLimit.Window)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					a.limits.Prune(a.cfg.RateLimit.Window)
				}
			}
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down server gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	a.logger.Info("server stopped")
	return err
}

// Close releases the recorder, producer and pool. Safe on a partially
// built App.
func (a *App) Close() error {
	if a.recorder != nil {
		a.recorder.Close()
	}
	var errs []error
	if a.producer != nil {
		errs = append(errs, a.producer.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.pool != nil {
		errs = append(errs, a.pool.Close())
	}
	return errors.Join(errs...)
}
