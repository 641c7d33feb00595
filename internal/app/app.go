package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/gadget-pos/internal/domain/auth"
	"github.com/xenking/gadget-pos/internal/domain/dashboard"
	"github.com/xenking/gadget-pos/internal/domain/product"
	"github.com/xenking/gadget-pos/internal/domain/repair"
	"github.com/xenking/gadget-pos/internal/domain/sale"
	"github.com/xenking/gadget-pos/internal/handler"
	"github.com/xenking/gadget-pos/internal/notify"
	"github.com/xenking/gadget-pos/internal/stocksync"
	"github.com/xenking/gadget-pos/internal/storage/memory"
	"github.com/xenking/gadget-pos/internal/storage/postgres"
	"github.com/xenking/gadget-pos/internal/storage/redis"
	"github.com/xenking/gadget-pos/pkg/health"
	"github.com/xenking/gadget-pos/pkg/httpmiddleware"
)

const serviceName = "gadget-pos"

// Run creates all dependencies, serves the HTTP API and runs the stock sync
// worker until ctx is done.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	s, err := New(ctx, lg, m, cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.Serve(ctx)
}

// Server is the wired application.
type Server struct {
	lg      *zap.Logger
	cfg     *Config
	http    *http.Server
	health  *health.Health
	worker  *stocksync.Worker
	closers []func()
}

// New connects to every backing service and wires the application. It is
// the single wiring point; callers must Close the result.
func New(ctx context.Context, lg *zap.Logger, t httpmiddleware.Telemetry, cfg *Config) (_ *Server, rerr error) {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))
	s := &Server{lg: lg, cfg: cfg, health: health.New()}
	defer func() {
		if rerr != nil {
			s.Close()
		}
	}()

	engineCfg, err := cfg.Sale.EngineConfig()
	if err != nil {
		return nil, errors.Wrap(err, "sale config")
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	s.closers = append(s.closers, pool.Close)

	if err := postgres.Migrate(ctx, pool); err != nil {
		return nil, errors.Wrap(err, "run migrations")
	}

	s.health.Add(health.Check{
		Name: "postgres", Kind: health.Readiness, Timeout: 5 * time.Second,
		Func: health.PingCheck(pool),
	})
	s.health.Add(health.Check{
		Name: "goroutines", Kind: health.Liveness, Timeout: time.Second,
		Func: health.GoroutineCountCheck(10000),
	})

	// Repositories.
	products := postgres.NewProductRepository(pool)
	customers := postgres.NewCustomerRepository(pool)
	users := postgres.NewUserRepository(pool)
	salesLog := postgres.NewSaleLog(pool)
	outbox := postgres.NewStockOutbox(pool)

	resolver := product.NewResolver(products)
	if err := resolver.Refresh(ctx); err != nil {
		return nil, errors.Wrap(err, "load barcodes")
	}

	// Sessions, their locks and rate limiting go to Redis when configured,
	// so several instances can serve the same tills.
	var (
		sessions sale.SessionStore
		limiter  httpmiddleware.Limiter
		saleOpts []sale.ServiceOption
	)
	if cfg.Redis.Addr != "" {
		client, err := redis.Connect(ctx, redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, errors.Wrap(err, "connect redis")
		}
		s.closers = append(s.closers, func() { _ = client.Close() })

		sessions = redis.NewSessionStore(client, cfg.Redis.SessionTTL)
		limiter = redis.NewLimiter(client, cfg.RateLimit.Max, cfg.RateLimit.Window)
		// The lock outlives a completion: its log write plus stock and
		// session retries.
		saleOpts = append(saleOpts, sale.WithLocker(redis.NewLocker(client, redis.LockerOptions{
			TTL:  cfg.Sale.CompletionTimeout + 20*time.Second,
			Wait: cfg.Redis.LockWait,
		})))
		s.health.Add(health.Check{
			Name: "redis", Kind: health.Readiness, Timeout: 2 * time.Second,
			Func: health.PingCheck(redisPinger{client}),
		})
	} else {
		lg.Warn("Redis is not configured, till sessions are kept in memory")
		sessions = memory.NewSessionStore()
		limiter = httpmiddleware.NewMemoryLimiter(cfg.RateLimit.Max, cfg.RateLimit.Window)
	}

	feed := notify.NewFeed(cfg.Notifications.FeedSize)
	sink := notify.Multi(notify.Log{}, feed)

	saleOpts = append(saleOpts,
		sale.WithNotifier(sink),
		sale.WithCompletionTimeout(cfg.Sale.CompletionTimeout),
		sale.WithMeterProvider(t.MeterProvider()),
		sale.WithTracerProvider(t.TracerProvider()),
	)
	saleSvc, err := sale.NewService(
		sale.NewEngine(engineCfg),
		products,
		resolver,
		customers,
		sessions,
		salesLog,
		outbox,
		saleOpts...,
	)
	if err != nil {
		return nil, errors.Wrap(err, "create sale service")
	}

	repairSvc := repair.NewService(postgres.NewRepairRepository(pool), customers, repair.WithNotifier(sink))

	loc, err := cfg.Shop.Location()
	if err != nil {
		return nil, errors.Wrap(err, "shop config")
	}
	dashSvc := dashboard.NewService(salesLog, products, repairSvc, dashboard.WithLocation(loc))

	s.worker, err = stocksync.NewWorker(outbox, t.MeterProvider(),
		stocksync.WithInterval(cfg.StockSync.Interval),
		stocksync.WithBatchSize(cfg.StockSync.BatchSize),
		stocksync.WithMaxAttempts(cfg.StockSync.MaxAttempts),
		stocksync.WithNotifier(sink),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create stock sync worker")
	}
	s.health.Add(health.Check{
		Name: "stock_outbox", Kind: health.Readiness, Timeout: 5 * time.Second,
		FailureThreshold: 5,
		Func:             health.BacklogCheck(outbox.CountPending, cfg.StockSync.MaxBacklog),
	})

	h := handler.New(
		handler.Config{Shop: cfg.Shop.Receipt()},
		products,
		resolver,
		saleSvc,
		salesLog,
		repairSvc,
		dashSvc,
		feed,
		auth.NewAuthenticator(users, []byte(cfg.APIKeyPepper)),
	)

	mux := http.NewServeMux()
	s.health.Routes(mux)
	h.Register(mux, httpmiddleware.RateLimit(httpmiddleware.RateLimitConfig{
		Limiter: limiter,
		Limit:   cfg.RateLimit.Max,
		KeyFunc: handler.RateLimitKey,
	}))

	s.http = &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      cfg.Sale.CompletionTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Recovery(),
			httpmiddleware.Instrument(serviceName, t),
			httpmiddleware.LogRequests(),
		),
	}
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Serve starts health checks, the stock sync worker and the HTTP server,
// and shuts them down when ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	lg, cfg := s.lg, s.cfg

	s.health.Start(ctx, 10*time.Second)
	s.health.SetReady(true)
	defer s.health.Stop()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.worker.Run(gCtx)
	})
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		s.health.SetReady(false)
		if ctx.Err() != nil {
			lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
			time.Sleep(cfg.Graceful.ReadinessDelay)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown")
		}
		return nil
	})
	return g.Wait()
}

// Close releases backing connections in reverse order of creation.
func (s *Server) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

type redisPinger struct {
	client goredis.UniversalClient
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
