// main wires the storage, cache, and fan-out backends selected by config
// and runs the HTTP server. Business logic lives in the internal packages.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"chronicle/internal/audit"
	"chronicle/internal/audit/publisher"
	"chronicle/internal/catalog"
	"chronicle/internal/history"
	"chronicle/internal/platform/config"
	"chronicle/internal/platform/httpserver"
	"chronicle/internal/platform/logger"
	"chronicle/internal/platform/metrics"
	"chronicle/internal/platform/postgres"
	"chronicle/internal/platform/redis"
	"chronicle/internal/registry/cache"
	"chronicle/internal/registry/service"
	"chronicle/internal/registry/store"
	"chronicle/internal/temporal"
	httptransport "chronicle/internal/transport/http"
	"chronicle/pkg/platform/tx"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		os.Stderr.WriteString("load config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	var (
		entityStore  store.EntityStore
		detailStore  store.DetailStore
		auditStore   audit.Store
		catalogStore catalog.Store
		runner       tx.Runner
	)
	if cfg.PostgresDSN != "" {
		db, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Error("open postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := postgres.Migrate(db, cfg.MigrationsPath); err != nil {
			log.Error("run migrations", "error", err)
			os.Exit(1)
		}
		entityStore = store.NewEntityPostgres(db)
		detailStore = store.NewDetailPostgres(db)
		auditStore = audit.NewPostgres(db)
		catalogStore = catalog.NewPostgres(db)
		runner = tx.NewSQLRunner(db)
		log.Info("using postgres storage")
	} else {
		mem := catalog.NewInMemory()
		mem.SeedEntityTypes(
			catalog.EntityType{Code: "PERSON", Name: "Person", Active: true},
			catalog.EntityType{Code: "INSTITUTION", Name: "Institution", Active: true},
			catalog.EntityType{Code: "ASSET", Name: "Asset", Active: true},
		)
		mem.SeedDetailTypes(
			catalog.DetailType{Code: "EMAIL", Name: "Email", Active: true},
			catalog.DetailType{Code: "PHONE", Name: "Phone", Active: true},
			catalog.DetailType{Code: "ADDRESS", Name: "Address", Active: true},
			catalog.DetailType{Code: "WEBSITE", Name: "Website", Active: true},
		)
		entityStore = store.NewEntityMemory()
		detailStore = store.NewDetailMemory()
		auditStore = audit.NewInMemory()
		catalogStore = mem
		runner = tx.NewMemoryRunner()
		log.Warn("no postgres_dsn configured, using in-memory storage")
	}

	if cfg.RedisAddr != "" {
		client, err := redis.New(ctx, cfg.RedisAddr)
		if err != nil {
			log.Error("connect redis", "error", err)
			os.Exit(1)
		}
		defer client.Close()
		entityStore = cache.NewEntityCache(entityStore, client,
			cache.WithTTL(cfg.RedisCacheTTL),
			cache.WithLogger(log),
			cache.WithMetrics(m),
		)
		log.Info("current-version cache enabled", "addr", cfg.RedisAddr)
	}

	auditor := audit.NewWriter(auditStore, audit.WithLogger(log), audit.WithMetrics(m))

	g, ctx := errgroup.WithContext(ctx)

	serviceOpts := []service.Option{
		service.WithLogger(log),
		service.WithMetrics(m),
	}
	if len(cfg.KafkaBrokers) > 0 {
		client, err := publisher.Connect(ctx, cfg.KafkaBrokers, cfg.KafkaAuditTopic)
		if err != nil {
			log.Error("connect kafka", "error", err)
			os.Exit(1)
		}
		defer client.Close()

		events := make(chan audit.Entry, 256)
		worker := publisher.NewWorker(publisher.New(client, cfg.KafkaAuditTopic), events, log)
		g.Go(func() error { return worker.Run(ctx) })
		serviceOpts = append(serviceOpts, service.WithAuditEvents(events))
		log.Info("audit fan-out enabled", "topic", cfg.KafkaAuditTopic)
	}

	registrySvc := service.New(entityStore, detailStore, catalogStore, auditor, runner, serviceOpts...)
	temporalSvc := temporal.New(entityStore, detailStore, auditor, runner, temporal.WithLogger(log))
	composer := history.NewComposer(entityStore, detailStore)

	router := httptransport.NewRouter(
		httptransport.NewEntityHandler(registrySvc, composer, auditor, log),
		httptransport.NewTemporalHandler(temporalSvc, auditor, log),
	)
	srv := httpserver.New(cfg.Addr, router)

	g.Go(func() error {
		log.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}
