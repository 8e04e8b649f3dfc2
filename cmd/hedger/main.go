package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/hedge-engine/internal/adjustment"
	"github.com/atmx/hedge-engine/internal/api"
	"github.com/atmx/hedge-engine/internal/config"
	"github.com/atmx/hedge-engine/internal/exchange"
	"github.com/atmx/hedge-engine/internal/hedge"
	"github.com/atmx/hedge-engine/internal/instrument"
	"github.com/atmx/hedge-engine/internal/jobs"
	"github.com/atmx/hedge-engine/internal/kafka"
	"github.com/atmx/hedge-engine/internal/ledger"
	"github.com/atmx/hedge-engine/internal/loop"
	"github.com/atmx/hedge-engine/internal/metrics"
	"github.com/atmx/hedge-engine/internal/orders"
	"github.com/atmx/hedge-engine/internal/publisher"
	"github.com/atmx/hedge-engine/internal/store"
	"github.com/atmx/hedge-engine/internal/transfers"
)

func fatal(msg string, args ...any) {
	slog.Error(msg, args...)
	os.Exit(1)
}

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog := newLogger(cfg.Log)
	defer closeLog()
	slog.SetDefault(logger)

	// Static configuration problems abort before anything connects.
	inst, err := instrument.Parse(cfg.Exchange.Instrument)
	if err != nil {
		fatal("invalid instrument", "err", err)
	}
	engine, err := hedge.NewEngine(cfg.Hedge.Params)
	if err != nil {
		fatal("invalid hedge parameters", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store and ledger source ---
	var st store.Store
	var src ledger.Source

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			fatal("database connection failed", "err", err)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			fatal("schema bootstrap failed", "err", err)
		}
		st = pg
		src = ledger.NewPostgresLedger(pool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store and a static zero liability")
		st = store.NewMemoryStore()
		src = ledger.NewStatic(0, 0)
	}

	// --- Publishers ---
	latest := publisher.NewLatest()
	wsHub := publisher.NewWSHub()
	go wsHub.Run(ctx)

	fanout := publisher.NewMulti(
		publisher.Sink{Name: "latest", Publisher: latest},
		publisher.Sink{Name: "ws", Publisher: wsHub},
	)

	// Redis: read-through cache over the store, plus the snapshot publisher.
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			fatal("invalid REDIS_URL", "err", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if cfg.Database.URL != "" {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
			slog.Info("Redis cache enabled")
		}
		fanout.Add("redis", publisher.NewRedisPublisher(rdb))
	}

	if cfg.NATS.URL != "" {
		np, err := publisher.NewNATSPublisher(cfg.NATS.URL)
		if err != nil {
			fatal("nats connection failed", "err", err)
		}
		cleanup = append(cleanup, np.Close)
		fanout.Add("nats", np)
		slog.Info("NATS publisher enabled", "url", cfg.NATS.URL)
	}

	var sink adjustment.EventSink
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := kafka.NewProducer(kafka.DefaultProducerConfig(cfg.Kafka.Brokers))
		if err != nil {
			fatal("kafka producer failed", "err", err)
		}
		cleanup = append(cleanup, func() { producer.Close() })
		sink = producer
		slog.Info("Kafka adjustment events enabled", "topic", cfg.Kafka.Topic)
	}

	// --- Exchange ---
	var ex exchange.Client
	if cfg.Exchange.Paper {
		slog.Warn("paper exchange enabled, no real orders will be placed")
		ex = exchange.NewPaperExchange(cfg.Exchange.Instrument, cfg.Hedge.ContractNotionalCents)
	} else {
		ex = exchange.NewBridgeClient(exchange.BridgeConfig{
			BaseURL:    cfg.Exchange.BridgeURL,
			Instrument: cfg.Exchange.Instrument,
			Timeout:    cfg.Exchange.Timeout,
			RetryCount: cfg.Exchange.RetryCount,
		})
	}

	// --- Control loop ---
	adjustments := adjustment.NewLedger(st, sink, cfg.Kafka.Topic)
	transferRecon := transfers.NewReconciler(st, ex)
	transferRecon.DepositTimeout = cfg.Hedge.DepositTimeout

	registrar, err := transfers.NewRegistrar(st, cfg.Snowflake.Node)
	if err != nil {
		fatal("snowflake node", "err", err)
	}

	hedger := loop.New(loop.Config{
		Instrument:   inst,
		MaxLedgerLag: cfg.Hedge.MaxLedgerLag,
	}, loop.Deps{
		Engine:      engine,
		Ledger:      src,
		Exchange:    ex,
		Orders:      st,
		Adjustments: adjustments,
		OrderRecon:  orders.NewReconciler(st, ex),
		Transfers:   transferRecon,
		Sweeper:     transfers.NewSweeper(st, st, fanout),
		Publisher:   fanout,
	})

	runner := jobs.NewRunner(cfg.Jobs.PoolSize)
	runner.Add("adjust", cfg.Jobs.AdjustInterval, func(ctx context.Context) error {
		_, err := hedger.Adjust(ctx)
		return err
	})
	runner.Add("poll", cfg.Jobs.PollInterval, func(ctx context.Context) error {
		_, err := hedger.Poll(ctx)
		return err
	})
	jobsDone := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(jobsDone)
	}()

	// --- HTTP router ---
	svc := api.NewService(api.Config{
		Store:       st,
		Exchange:    ex,
		Instrument:  inst,
		Adjustments: adjustments,
		Registrar:   registrar,
		Latest:      latest,
		Flows:       hedger,
	})

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for dashboard cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"hedge-engine","ws_clients":%d}`, wsHub.Clients())
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket stream of position snapshots and lost-record alerts.
		// Registered outside the timeout group so the connection can live.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			svc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	params := engine.Params()
	go func() {
		slog.Info("hedge-engine listening",
			"port", cfg.Server.Port,
			"instrument", inst.String(),
			"paper", cfg.Exchange.Paper,
			"deadband_cents", params.DeadbandCents,
			"close_threshold_cents", params.CloseThresholdCents,
			"contract_notional_cents", params.ContractNotionalCents,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal("server error", "err", err)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()
	slog.Info("shutting down hedge-engine...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}

	select {
	case <-jobsDone:
	case <-shutdownCtx.Done():
		slog.Warn("jobs still running at shutdown deadline")
	}
	fmt.Println("hedge-engine stopped")
}
