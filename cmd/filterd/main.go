package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/advisor"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/attribute"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/backend"
	_ "github.com/mohammed-shakir/spatial-filter-engine/internal/backend/memstore"
	_ "github.com/mohammed-shakir/spatial-filter-engine/internal/backend/postgis"
	_ "github.com/mohammed-shakir/spatial-filter-engine/internal/backend/spatialite"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/cache/exprcache"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/cache/geomcache"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/cache/payloadstore"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/cache/redisstore"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/catalog"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/config"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/observability"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/router"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/server"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/invalidation/kafkaconsumer"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/logger"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/metrics"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/orchestrator"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/ownerloop"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/session"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/spatial"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/taskevents"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	catalogFlag := flag.String("catalog", "", "layer catalog (overrides CATALOG_PATH)")
	flag.Parse()

	cfg := config.FromEnv()
	if *catalogFlag != "" {
		cfg.CatalogPath = strings.TrimSpace(*catalogFlag)
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Service:   "filterd",
		Component: "main",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	appLog.Info("starting filterd",
		"addr", cfg.Addr,
		"version", Version,
		"catalog", cfg.CatalogPath,
		"prefer_backend", cfg.PreferBackend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsHandler http.Handler
	if cfg.MetricsEnabled {
		p := metrics.Init(metrics.Config{
			Enabled: true,
			Addr:    cfg.MetricsAddr,
			Path:    cfg.MetricsPath,
			Build: metrics.BuildInfo{
				Version:   Version,
				Revision:  os.Getenv("BUILD_REVISION"),
				Branch:    os.Getenv("BUILD_BRANCH"),
				BuildDate: os.Getenv("BUILD_DATE"),
			},
		})
		observability.Init(p.Registerer(), true)
		metricsHandler = p.Handler()
		if p.Addr() != "" && p.Addr() != cfg.Addr {
			go serveMetrics(ctx, appLog, p)
		}
	}

	var l2 payloadstore.PayloadStore
	if cfg.RedisAddr != "" {
		rc, err := redisstore.New(ctx, cfg.RedisAddr, redisstore.WithOpTimeout(cfg.CacheOpTimeout))
		if err != nil {
			appLog.Error("redis unavailable", "addr", cfg.RedisAddr, "err", err)
			return 1
		}
		defer func() { _ = rc.Close() }()
		if l2, err = payloadstore.NewRedisStore(rc, cfg.RedisPayloadTTL); err != nil {
			appLog.Error("payload store setup failed", "err", err)
			return 1
		}
	}

	geoms := geomcache.New(geomcache.Config{
		TTL:            cfg.GeomCacheTTL,
		Capacity:       cfg.GeomCacheCapacity,
		L2:             l2,
		OpTimeout:      cfg.CacheOpTimeout,
		PrepareTimeout: cfg.GeomPrepareTimeout,
	}, appLog.With("component", "geomcache"))
	exprs := exprcache.New(exprcache.Config{TTL: cfg.ExprCacheTTL, Capacity: cfg.ExprCacheCapacity})

	cat, err := catalog.Load(cfg.CatalogPath, appLog.With("component", "catalog"))
	if err != nil {
		appLog.Error("failed to load layer catalog", "path", cfg.CatalogPath, "err", err)
		return 1
	}

	connector := backend.NewConnector(backend.Env{
		Features:              cat,
		SpatialiteExtension:   cfg.SpatialiteExtension,
		GenericIndexThreshold: cfg.GenericIndexThreshold,
		Log:                   appLog.With("component", "backend"),
	}, model.ParseBackendKind(cfg.PreferBackend))
	cat.SetOpener(connector)
	for k, c := range connector.Capabilities(ctx) {
		appLog.Info("backend capability", "backend", k.String(), "available", c.Available)
	}

	sess := session.New(connector, appLog.With("component", "session"))
	owner := ownerloop.New(appLog.With("component", "owner"))
	defer owner.Close()

	deps := orchestrator.Deps{
		Backends:  connector,
		Layers:    cat,
		Geoms:     geoms,
		Exprs:     exprs,
		Attribute: attribute.New(exprs, appLog.With("component", "attribute")),
		Spatial: spatial.New(connector, geoms, cat, sess,
			spatial.Config{MaterializeThreshold: cfg.MaterializeThreshold},
			appLog.With("component", "spatial")),
		Advisor: advisor.New(advisor.Config{
			FileStoreMaxFeatures:  cfg.FileStoreMaxFeatures,
			GenericMaxFeatures:    cfg.GenericMaxFeatures,
			GenericIndexThreshold: uint64(max(cfg.GenericIndexThreshold, 0)),
		}, appLog.With("component", "advisor")),
		Session: sess,
		Owner:   owner,
	}

	if cfg.TaskEvents.Enabled {
		pub, err := taskevents.NewPublisher(config.SplitCSV(cfg.TaskEvents.Brokers), cfg.TaskEvents.Topic,
			cfg.TaskEvents.Queue, appLog.With("component", "taskevents"))
		if err != nil {
			appLog.Error("task events disabled", "err", err)
		} else {
			defer func() { _ = pub.Close() }()
			deps.Events = pub
		}
	}

	orch, err := orchestrator.New(deps, orchestrator.Config{
		Workers:          cfg.TaskWorkers,
		Retention:        cfg.TaskRetention,
		RoundTripTimeout: cfg.RoundTripTimeout,
		AutoApply:        true,
	}, appLog.With("component", "orchestrator"))
	if err != nil {
		appLog.Error("failed to initialize orchestrator", "err", err)
		return 1
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := orch.Close(closeCtx); err != nil {
			appLog.Warn("session teardown incomplete", "err", err)
		}
	}()

	if cfg.Invalidation.Enabled {
		consumer := kafkaconsumer.New(kafkaconsumer.FromConfig(cfg.Invalidation), appLog.With("component", "invalidation"), orch)
		go func() {
			if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				appLog.Error("invalidation consumer stopped", "err", err)
			}
		}()
	}

	handlers := router.New(router.FromOrchestrator(orch), cat, appLog.With("component", "http"))
	h := server.NewHandler(appLog, handlers, connector, metricsHandler)
	if err := server.Run(ctx, cfg, appLog, h); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}

func serveMetrics(ctx context.Context, log *slog.Logger, p *metrics.Provider) {
	mux := http.NewServeMux()
	mux.Handle(p.Path(), p.Handler())
	srv := &http.Server{
		Addr:              p.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("metrics listen", "addr", p.Addr(), "path", p.Path())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server exited", "err", err)
	}
}
