package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/healsql/healsql/internal/api"
	"github.com/healsql/healsql/internal/config"
	"github.com/healsql/healsql/internal/conversation"
	convpostgres "github.com/healsql/healsql/internal/conversation/postgres"
	"github.com/healsql/healsql/internal/embedding"
	"github.com/healsql/healsql/internal/gateway"
	"github.com/healsql/healsql/internal/healing"
	"github.com/healsql/healsql/internal/llm"
	"github.com/healsql/healsql/internal/nl2sql"
	"github.com/healsql/healsql/internal/observability"
	"github.com/healsql/healsql/internal/schema"
	"github.com/healsql/healsql/internal/schema/snapshot"
	schemasqlite "github.com/healsql/healsql/internal/schema/sqlite"
	"github.com/healsql/healsql/internal/storage"
	s3store "github.com/healsql/healsql/internal/storage/s3"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv("healsql-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stdout)

	profiles, err := config.LoadConnectionProfiles(cfg.ProfilesFile)
	if err != nil {
		logger.Error("failed to load connection profiles", slog.Any("error", err))
		os.Exit(1)
	}

	dialect, err := gateway.ParseDialect(cfg.Target.Dialect)
	if err != nil {
		logger.Error("invalid target dialect", slog.Any("error", err))
		os.Exit(1)
	}
	gw, err := gateway.New(gateway.Config{
		Dialect: dialect,
		Defaults: gateway.Overrides{
			Host:     cfg.Target.Host,
			Port:     cfg.Target.Port,
			User:     cfg.Target.User,
			Password: cfg.Target.Password,
			Database: cfg.Target.Database,
			Charset:  cfg.Target.Charset,
		},
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to initialize execution gateway", slog.Any("error", err))
		os.Exit(1)
	}

	embedder, err := embedding.New(cfg.Embedding)
	if err != nil {
		logger.Error("failed to initialize embedder", slog.Any("error", err))
		os.Exit(1)
	}

	indexes := &indexFactory{cfg: cfg, source: gw, embedder: embedder, logger: logger}
	defer indexes.Close()
	if cfg.Snapshot.Enabled {
		objectStore, err := s3store.New(context.Background(), s3store.Config{
			Endpoint:         cfg.Snapshot.Endpoint,
			Region:           cfg.Snapshot.Region,
			Bucket:           cfg.Snapshot.Bucket,
			AccessKeyID:      cfg.Snapshot.AccessKeyID,
			SecretAccessKey:  cfg.Snapshot.SecretAccessKey,
			UseSSL:           cfg.Snapshot.UseSSL,
			Prefix:           cfg.Snapshot.Prefix,
			AutoCreateBucket: cfg.Snapshot.AutoCreateBucket,
		})
		if err != nil {
			logger.Error("failed to initialize snapshot store", slog.Any("error", err))
			os.Exit(1)
		}
		indexes.objects = objectStore
	}

	index, err := indexes.Build("", nil)
	if err != nil {
		logger.Error("failed to initialize schema index", slog.Any("error", err))
		os.Exit(1)
	}
	primeIndex(cfg, "", index, logger)

	profileIndexes := make(map[string]healing.ProfileIndex, len(profiles))
	for name, profile := range profiles {
		profileIndex, err := indexes.Build(name, healing.ProfileOverrides(profile))
		if err != nil {
			logger.Error("failed to initialize profile schema index", slog.String("profile", name), slog.Any("error", err))
			os.Exit(1)
		}
		primeIndex(cfg, name, profileIndex, logger)
		profileIndexes[name] = profileIndex
	}

	provider, err := llm.NewOpenAIClient(llm.OpenAIConfig{
		BaseURL:     cfg.AI.BaseURL,
		APIKey:      cfg.AI.APIKey,
		Model:       cfg.AI.Model,
		Temperature: cfg.AI.Temperature,
		MaxTokens:   cfg.AI.MaxTokens,
		Timeout:     cfg.AI.Timeout,
	})
	if err != nil {
		logger.Error("failed to initialize model client", slog.Any("error", err))
		os.Exit(1)
	}

	controller, err := healing.NewController(healing.Config{
		Provider:     provider,
		Executor:     gw,
		Schema:       index,
		Logger:       logger,
		Dialect:      string(dialect),
		SafetyPolicy: healing.SafetyPolicy(cfg.Loop.SafetyPolicy),
		SeedResults:  cfg.Index.SeedResults,
		ExcerptLimit: cfg.Index.ExcerptLimit,
		ToolRowLimit: cfg.Loop.ToolRowLimit,
		RelatedLimit: cfg.Index.RelatedResults,
	})
	if err != nil {
		logger.Error("failed to initialize healing controller", slog.Any("error", err))
		os.Exit(1)
	}

	readiness := []api.ReadinessCheck{api.CheckDatabase(gw)}
	var store conversation.Store
	switch cfg.Sessions.Backend {
	case "postgres":
		sessionDB, err := convpostgres.Open(context.Background(), convpostgres.DBConfig{
			DSN:          cfg.Sessions.DSN,
			MaxOpenConns: cfg.Sessions.MaxOpenConns,
		})
		if err != nil {
			logger.Error("failed to open session db", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = sessionDB.Close() }()
		pgStore := convpostgres.NewStore(sessionDB, convpostgres.Options{
			WindowTurns: cfg.Sessions.WindowTurns,
			Logger:      logger,
		})
		readiness = append(readiness, pgStore.HealthCheck)
		store = pgStore
	default:
		store = conversation.NewMemoryStore(conversation.MemoryOptions{
			TTL:         cfg.Sessions.TTL,
			MaxSessions: cfg.Sessions.MaxSessions,
			OnResize:    observability.SetActiveSessions,
		})
	}

	service, err := healing.NewService(healing.ServiceConfig{
		Controller:     controller,
		Store:          store,
		Profiles:       profiles,
		ProfileIndexes: profileIndexes,
		WindowTurns:    cfg.Sessions.WindowTurns,
		DefaultBudget:  cfg.Loop.RetryBudget,
		MaxBudget:      cfg.Loop.MaxRetryBudget,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("failed to initialize question service", slog.Any("error", err))
		os.Exit(1)
	}

	deps := api.Dependencies{
		Logger:            logger,
		Readiness:         api.CombineReadinessChecks(readiness...),
		DependencyTimeout: 2 * time.Second,
		QueryTimeout:      cfg.HTTP.QueryTimeout,
		Questions:         service,
		Schema:            index,
		Database:          gw,
	}
	if cfg.AI.TranslateEnabled {
		translator, err := nl2sql.NewProviderTranslator(nl2sql.ProviderTranslatorConfig{
			Provider:     provider,
			Schema:       index,
			Dialect:      string(dialect),
			Model:        provider.Model(),
			SeedResults:  cfg.Index.SeedResults,
			ExcerptLimit: cfg.Index.ExcerptLimit,
		})
		if err != nil {
			logger.Error("failed to initialize query translator", slog.Any("error", err))
			os.Exit(1)
		}
		deps.Translator = translator
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("dialect", string(dialect)),
			slog.String("sessions", cfg.Sessions.Backend),
			slog.String("index", cfg.Index.Backend),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}

// indexFactory builds one schema index per target database. Profile indexes
// get their own sqlite file and snapshot scope next to the default ones.
type indexFactory struct {
	cfg      config.Config
	source   schema.Source
	embedder embedding.Embedder
	objects  storage.ObjectStore
	logger   *slog.Logger
	closers  []func() error
}

func (f *indexFactory) Build(profile string, overrides *gateway.Overrides) (*schema.Index, error) {
	var vectors schema.VectorStore
	if f.cfg.Index.Backend == "sqlite" {
		path := f.cfg.Index.Path
		if profile != "" {
			ext := filepath.Ext(path)
			path = strings.TrimSuffix(path, ext) + "__" + storage.SnapshotScope(profile) + ext
		}
		sqliteStore, err := schemasqlite.Open(context.Background(), path)
		if err != nil {
			return nil, err
		}
		f.closers = append(f.closers, sqliteStore.Close)
		vectors = sqliteStore
	}

	var snapshots schema.Snapshotter
	if f.objects != nil {
		scope := f.cfg.Target.Database
		if profile != "" {
			scope = "profile-" + profile
		}
		snapshotStore, err := snapshot.New(f.objects, snapshot.Options{Scope: scope, Logger: f.logger})
		if err != nil {
			return nil, err
		}
		snapshots = snapshotStore
	}

	return schema.NewIndex(schema.Options{
		Source:    f.source,
		Embedder:  f.embedder,
		Store:     vectors,
		Overrides: overrides,
		Snapshots: snapshots,
		Logger:    f.logger,
	})
}

func (f *indexFactory) Close() {
	for _, closeFn := range f.closers {
		_ = closeFn()
	}
}

// primeIndex loads persisted documents and, when the store is still empty or
// was built by another embedder, builds it once from the live schema. Failures
// leave the server up with whatever was primed.
func primeIndex(cfg config.Config, profile string, index *schema.Index, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if profile != "" {
		logger = logger.With(slog.String("profile", profile))
	}

	primed, err := index.Prime(ctx)
	if err != nil {
		logger.Warn("failed to prime schema index", slog.Any("error", err))
	} else {
		logger.Info("schema index primed", slog.Int("tables", primed))
	}
	if !cfg.Index.RefreshOnStart {
		return
	}
	refreshed, err := index.RefreshIfEmpty(ctx)
	if err != nil {
		logger.Warn("startup schema refresh failed", slog.Any("error", err))
		return
	}
	if refreshed {
		logger.Info("schema index built from live schema", slog.Int("tables", len(index.Tables())))
	}
}
