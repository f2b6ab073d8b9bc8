package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/topiary-social/topiary/credit"
	"github.com/topiary-social/topiary/dispatch"
	"github.com/topiary-social/topiary/graph"
	"github.com/topiary-social/topiary/server"
	"github.com/topiary-social/topiary/smartmedia"
	"github.com/topiary-social/topiary/smartmedia/countstore"
	"github.com/topiary-social/topiary/smartmedia/taskqueue"
	"github.com/topiary-social/topiary/store"
	"github.com/topiary-social/topiary/templates"
	"github.com/topiary-social/topiary/util/cliutil"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	cli "github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	_ "go.uber.org/automaxprocs"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "topiary",
		Usage:   "smart media daemon (keeps the posts growing)",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Value:   "sqlite://data/topiary/topiary.db",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			Value:   40,
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Value:   "info",
			EnvVars: []string{"LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Value:   "json",
			EnvVars: []string{"LOG_FORMAT"},
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
		migrateCmd,
	}

	return app.Run(args)
}

var migrateCmd = &cli.Command{
	Name:  "migrate",
	Usage: "run database migrations and exit",
	Action: func(cctx *cli.Context) error {
		logger, err := cliutil.SetupSlog(cctx.String("log-format"), cctx.String("log-level"))
		if err != nil {
			return err
		}
		db, err := cliutil.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"))
		if err != nil {
			return err
		}
		if err := store.NewGormstore(db).Migrate(); err != nil {
			return err
		}
		if err := db.AutoMigrate(&credit.Balance{}); err != nil {
			return err
		}
		logger.Info("migrations complete")
		return nil
	},
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for HTTP APIs",
			Value:   ":3900",
			EnvVars: []string{"TOPIARY_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3901",
			EnvVars: []string{"TOPIARY_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL for caches and counters; empty runs in-process",
			EnvVars: []string{"TOPIARY_REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "graph-host",
			Usage:   "base URL of the social graph gateway",
			Value:   "http://localhost:4000",
			EnvVars: []string{"TOPIARY_GRAPH_HOST"},
		},
		&cli.StringFlag{
			Name:    "graph-api-key",
			EnvVars: []string{"TOPIARY_GRAPH_API_KEY"},
		},
		&cli.StringFlag{
			Name:    "domain",
			Usage:   "public domain reported by the metadata endpoint",
			Value:   "topiary.local",
			EnvVars: []string{"TOPIARY_DOMAIN"},
		},
		&cli.StringSliceFlag{
			Name:    "acl",
			Usage:   "accounts allowed to create posts; empty means open",
			EnvVars: []string{"TOPIARY_ACL"},
		},
		&cli.StringFlag{
			Name:    "openai-api-key",
			EnvVars: []string{"OPENAI_API_KEY"},
		},
		&cli.StringFlag{
			Name:    "anthropic-api-key",
			EnvVars: []string{"ANTHROPIC_API_KEY"},
		},
		&cli.StringFlag{
			Name:    "venice-api-key",
			EnvVars: []string{"VENICE_API_KEY"},
		},
		&cli.StringFlag{
			Name:    "text-provider",
			Value:   dispatch.ProviderAnthropic,
			EnvVars: []string{"TOPIARY_TEXT_PROVIDER"},
		},
		&cli.StringFlag{
			Name:    "text-model",
			Value:   "claude-sonnet-4-5",
			EnvVars: []string{"TOPIARY_TEXT_MODEL"},
		},
		&cli.StringFlag{
			Name:    "image-provider",
			Value:   dispatch.ProviderOpenAI,
			EnvVars: []string{"TOPIARY_IMAGE_PROVIDER"},
		},
		&cli.StringFlag{
			Name:    "image-model",
			Value:   "gpt-image-1",
			EnvVars: []string{"TOPIARY_IMAGE_MODEL"},
		},
		&cli.IntFlag{
			Name:    "max-input-tokens",
			Usage:   "context budget per generation call",
			Value:   100_000,
			EnvVars: []string{"TOPIARY_MAX_INPUT_TOKENS"},
		},
		&cli.Int64Flag{
			Name:    "provider-rate-limit",
			Usage:   "max generation requests per minute per provider",
			Value:   60,
			EnvVars: []string{"TOPIARY_PROVIDER_RATE_LIMIT"},
		},
		&cli.IntFlag{
			Name:    "free-tier-per-hour",
			Usage:   "free generations per creator per rolling hour",
			Value:   5,
			EnvVars: []string{"TOPIARY_FREE_TIER_PER_HOUR"},
		},
		&cli.DurationFlag{
			Name:    "sweep-interval",
			Value:   time.Minute,
			EnvVars: []string{"TOPIARY_SWEEP_INTERVAL"},
		},
		&cli.Int64Flag{
			Name:    "sweep-parallelism",
			Value:   8,
			EnvVars: []string{"TOPIARY_SWEEP_PARALLELISM"},
		},
	},
	Action: runAction,
}

func runAction(cctx *cli.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger, err := cliutil.SetupSlog(cctx.String("log-format"), cctx.String("log-level"))
	if err != nil {
		return err
	}

	// Enable OTLP HTTP exporter
	// For relevant environment variables:
	// https://pkg.go.dev/go.opentelemetry.io/otel/exporters/otlp/otlptrace#readme-environment-variables
	// At a minimum, you need to set
	// OTEL_EXPORTER_OTLP_ENDPOINT=http://localhost:4318
	if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
		logger.Info("setting up trace exporter", "endpoint", ep)
		exp, err := otlptracehttp.New(ctx)
		if err != nil {
			return fmt.Errorf("failed to create trace exporter: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := exp.Shutdown(ctx); err != nil {
				logger.Error("failed to shutdown trace exporter", "err", err)
			}
		}()
		tp := tracesdk.NewTracerProvider(
			tracesdk.WithBatcher(exp),
			tracesdk.WithResource(resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceNameKey.String("topiary"),
				attribute.String("env", os.Getenv("ENVIRONMENT")),
				attribute.String("environment", os.Getenv("ENVIRONMENT")),
				attribute.Int64("ID", 1),
			)),
		)
		otel.SetTracerProvider(tp)
	}

	db, err := cliutil.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"))
	if err != nil {
		return err
	}
	st := store.NewGormstore(db)
	if err := st.Migrate(); err != nil {
		return fmt.Errorf("migrating media store: %w", err)
	}
	if err := db.AutoMigrate(&credit.Balance{}); err != nil {
		return fmt.Errorf("migrating credit balances: %w", err)
	}

	redisURL := cctx.String("redis-url")
	var cache *store.Cache
	var counts countstore.CountStore
	if redisURL != "" {
		cache, err = store.NewCache(redisURL, store.CacheConfig{})
		if err != nil {
			return fmt.Errorf("connecting cache: %w", err)
		}
		counts, err = countstore.NewRedisCountStore(redisURL)
		if err != nil {
			return fmt.Errorf("connecting countstore: %w", err)
		}
	} else {
		logger.Warn("no redis configured, using in-process cache and counters")
		cache = store.NewLocalCache(store.CacheConfig{})
		counts = countstore.NewMemCountStore()
	}

	gc, err := graph.NewHTTPClient(logger, graph.HTTPClientConfig{
		Host:   cctx.String("graph-host"),
		APIKey: cctx.String("graph-api-key"),
	})
	if err != nil {
		return fmt.Errorf("configuring graph client: %w", err)
	}

	disp := dispatch.NewDispatcher(logger, dispatch.DispatcherConfig{
		DefaultTextProvider:  cctx.String("text-provider"),
		DefaultImageProvider: cctx.String("image-provider"),
		MaxInputTokens:       cctx.Int("max-input-tokens"),
		RequestsPerMinute:    cctx.Int64("provider-rate-limit"),
	})
	if key := cctx.String("openai-api-key"); key != "" {
		p, err := dispatch.NewOpenAI(key)
		if err != nil {
			return err
		}
		disp.RegisterText(p)
		disp.RegisterImage(p)
	}
	if key := cctx.String("anthropic-api-key"); key != "" {
		p, err := dispatch.NewAnthropic(key)
		if err != nil {
			return err
		}
		disp.RegisterText(p)
	}
	if key := cctx.String("venice-api-key"); key != "" {
		p, err := dispatch.NewVenice(key)
		if err != nil {
			return err
		}
		disp.RegisterText(p)
		disp.RegisterImage(p)
	}

	textProvider := cctx.String("text-provider")
	textModel := cctx.String("text-model")
	imageProvider := cctx.String("image-provider")
	imageModel := cctx.String("image-model")
	registry := templates.NewRegistry(
		templates.NewAdventure(disp, textProvider, textModel),
		templates.NewArtEvolve(disp, textProvider, textModel, imageProvider, imageModel),
	)

	ledger := credit.NewLedger(db, counts, logger, credit.LedgerConfig{
		FreeTierPerHour:  cctx.Int("free-tier-per-hour"),
		PremiumTemplates: premiumNames(registry),
	})

	orch := smartmedia.NewOrchestrator(st, cache, ledger, taskqueue.NewQueue(logger),
		registry, gc, disp, logger, smartmedia.OrchestratorConfig{})

	sweeper := smartmedia.NewSweeper(orch, logger, smartmedia.SweeperConfig{
		Interval:    cctx.Duration("sweep-interval"),
		Parallelism: cctx.Int64("sweep-parallelism"),
	})
	go func() {
		if err := sweeper.Run(ctx); err != nil {
			logger.Error("sweeper stopped", "err", err)
		}
	}()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cctx.String("metrics-listen"), mux); err != nil {
			logger.Error("failed to start metrics endpoint", "err", err)
		}
	}()

	srv := server.NewServer(orch, logger, server.Config{
		Domain:  cctx.String("domain"),
		Version: versioninfo.Short(),
		ACL:     cctx.StringSlice("acl"),
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.RunAPI(cctx.String("bind")); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func premiumNames(reg templates.Registry) []string {
	var names []string
	for _, name := range reg.Names() {
		if t, ok := reg.Get(name); ok && t.Premium() {
			names = append(names, name)
		}
	}
	return names
}
