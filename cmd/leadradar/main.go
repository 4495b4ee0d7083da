// Package main wires together the leadradar service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/driesdejong/leadradar/internal/api"
	"github.com/driesdejong/leadradar/internal/blob"
	"github.com/driesdejong/leadradar/internal/clock/system"
	"github.com/driesdejong/leadradar/internal/config"
	"github.com/driesdejong/leadradar/internal/enrich"
	"github.com/driesdejong/leadradar/internal/graph"
	"github.com/driesdejong/leadradar/internal/id/uuid"
	"github.com/driesdejong/leadradar/internal/ingest"
	"github.com/driesdejong/leadradar/internal/lead"
	"github.com/driesdejong/leadradar/internal/logging"
	"github.com/driesdejong/leadradar/internal/queue"
	"github.com/driesdejong/leadradar/internal/ranking"
	"github.com/driesdejong/leadradar/internal/storage/memory"
	"github.com/driesdejong/leadradar/internal/storage/postgres"
	"github.com/driesdejong/leadradar/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	mode := flag.String("mode", "serve", "Run mode: serve, worker, score or train")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *mode, cfg, logger); err != nil {
		logger.Error("run failed", zap.String("mode", *mode), zap.Error(err))
		_ = logger.Sync()
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, mode string, cfg config.Config, logger *zap.Logger) error {
	clock := system.New()
	idGen := uuid.NewGenerator()

	store, err := newStore(ctx, cfg, clock)
	if err != nil {
		return err
	}
	defer store.Close()

	switch mode {
	case "serve":
		return runServe(ctx, cfg, store, idGen, clock, logger)
	case "worker":
		return runWorker(ctx, cfg, store, idGen, clock, logger)
	case "score":
		return runScore(ctx, cfg, store, idGen, clock, logger)
	case "train":
		return runTrain(ctx, cfg, store, clock, logger)
	default:
		return fmt.Errorf("unknown mode %q (want serve, worker, score or train)", mode)
	}
}

// runServe hosts the HTTP front door. Discovery, enrichment and scoring
// requests become queue jobs for a worker process to pick up.
func runServe(ctx context.Context, cfg config.Config, store lead.Store,
	idGen lead.IDGenerator, clock lead.Clock, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	q, err := newQueue(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = q.Close()
	}()

	apiServer := api.NewServer(store, q, idGen, clock, api.Config{
		AuthEnabled: cfg.Auth.Enabled,
		APIKey:      cfg.Auth.APIKey,
		SpoolDir:    cfg.Ingest.SpoolDir,
	}, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

// runWorker consumes the job queue until interrupted. The maintenance
// sweeps run here too when enabled.
func runWorker(ctx context.Context, cfg config.Config, store lead.Store,
	idGen lead.IDGenerator, clock lead.Clock, logger *zap.Logger) error {
	q, err := newQueue(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = q.Close()
	}()

	source, err := graph.New(graph.Config{
		BaseURL:        cfg.Graph.BaseURL,
		AccessToken:    cfg.Graph.AccessToken,
		UserID:         cfg.Graph.UserID,
		Timeout:        cfg.Graph.Timeout(),
		MaxRetries:     cfg.Graph.MaxRetries,
		BackoffInitial: cfg.Graph.BackoffInitial(),
		BackoffMax:     cfg.Graph.BackoffMax(),
	}, logger.Named("graph"))
	if err != nil {
		return err
	}

	extractor := newExtractor(cfg, clock)
	scorer, learned, err := newScorer(ctx, cfg, clock, logger)
	if err != nil {
		return err
	}
	pipeline := ranking.NewPipeline(store, extractor, scorer, idGen, logger.Named("ranking"))

	enricher := enrich.New(store, source, q, clock, idGen, cfg.Enrich.Cooldown(), logger.Named("enrich"))
	discoverer := ingest.New(store, source, q,
		ingest.NewStaticPlacesProvider(cfg.Ingest.PlacesWebsites),
		ingest.NewCollyScanner(cfg.Ingest.UserAgent, cfg.Ingest.FetchDelay()),
		clock, idGen, logger.Named("ingest"))

	var train worker.TrainFunc
	if learned != nil {
		train = func(ctx context.Context) error {
			matrix, labels, err := ranking.BuildTrainingSet(ctx, store, extractor)
			if err != nil {
				return err
			}
			return learned.Train(ctx, matrix, labels)
		}
	}

	w := worker.New(q, store, discoverer, enricher, pipeline, train, clock, worker.Config{
		Concurrency: cfg.Worker.Concurrency,
		MaxAttempts: cfg.Worker.MaxAttempts,
	}, logger.Named("worker"))

	if cfg.Sweeps.Enabled {
		sweeper := worker.NewSweeper(store, q, idGen, clock, worker.SweepsConfig{
			RefreshSpec:  cfg.Sweeps.RefreshSpec,
			RescoreSpec:  cfg.Sweeps.RescoreSpec,
			RefreshLimit: cfg.Sweeps.RefreshLimit,
			RescoreLimit: cfg.Sweeps.RescoreLimit,
			Cooldown:     cfg.Enrich.Cooldown(),
		}, logger.Named("sweeper"))
		if err := sweeper.Start(ctx); err != nil {
			return err
		}
		defer sweeper.Stop()
	}

	logger.Info("worker started", zap.Int("concurrency", cfg.Worker.Concurrency))
	w.Run(ctx)
	logger.Info("worker stopped")
	return nil
}

// runScore is the one-shot rescoring pass: score every enriched account
// directly, without going through the queue.
func runScore(ctx context.Context, cfg config.Config, store lead.Store,
	idGen lead.IDGenerator, clock lead.Clock, logger *zap.Logger) error {
	extractor := newExtractor(cfg, clock)
	scorer, _, err := newScorer(ctx, cfg, clock, logger)
	if err != nil {
		return err
	}
	pipeline := ranking.NewPipeline(store, extractor, scorer, idGen, logger.Named("ranking"))

	accounts, err := store.ListAccountsByStatus(ctx, lead.StatusEnriched, cfg.Sweeps.RescoreLimit)
	if err != nil {
		return fmt.Errorf("list enriched accounts: %w", err)
	}
	var scored int
	for _, account := range accounts {
		if _, err := pipeline.ScoreAccount(ctx, account.ID); err != nil {
			logger.Error("score failed",
				zap.String("account_id", account.ID),
				zap.String("username", account.Username),
				zap.Error(err))
			continue
		}
		scored++
	}
	logger.Info("rescore complete",
		zap.Int("accounts", len(accounts)),
		zap.Int("scored", scored),
		zap.String("scorer", scorer.Name()))
	return nil
}

// runTrain is the one-shot model fit from the reviewed leads.
func runTrain(ctx context.Context, cfg config.Config, store lead.Store,
	clock lead.Clock, logger *zap.Logger) error {
	if cfg.Scoring.Scorer != "logreg" {
		return fmt.Errorf("train mode requires scoring.scorer: logreg (got %q)", cfg.Scoring.Scorer)
	}
	_, learned, err := newScorer(ctx, cfg, clock, logger)
	if err != nil {
		return err
	}

	extractor := newExtractor(cfg, clock)
	matrix, labels, err := ranking.BuildTrainingSet(ctx, store, extractor)
	if err != nil {
		return err
	}
	if err := learned.Train(ctx, matrix, labels); err != nil {
		return err
	}
	logger.Info("training complete", zap.Int("samples", len(labels)))
	return nil
}

func newStore(ctx context.Context, cfg config.Config, clock lead.Clock) (lead.Store, error) {
	if cfg.DB.Driver == "postgres" {
		store, err := postgres.New(ctx, postgres.Config{
			DSN:      cfg.DB.DSN,
			MaxConns: cfg.DB.MaxConns,
			MinConns: cfg.DB.MinConns,
			Migrate:  cfg.DB.MigrateOnBoot,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return memory.New(clock), nil
}

func newQueue(ctx context.Context, cfg config.Config, logger *zap.Logger) (lead.Queue, error) {
	switch cfg.Queue.Provider {
	case "redis":
		q, err := queue.NewRedisQueue(ctx, queue.RedisConfig{
			Addr:     cfg.Queue.Redis.Addr,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
			Key:      cfg.Queue.Redis.Key,
		})
		if err != nil {
			return nil, err
		}
		return q, nil
	case "pubsub":
		q, err := queue.NewPubSubQueue(ctx, queue.PubSubConfig{
			ProjectID:      cfg.Queue.PubSub.ProjectID,
			TopicID:        cfg.Queue.PubSub.TopicID,
			SubscriptionID: cfg.Queue.PubSub.SubscriptionID,
		}, logger.Named("queue"))
		if err != nil {
			return nil, err
		}
		return q, nil
	default:
		return queue.NewMemoryQueue(cfg.Queue.Depth), nil
	}
}

func newExtractor(cfg config.Config, clock lead.Clock) *ranking.Extractor {
	return ranking.NewExtractor(ranking.ExtractorConfig{
		Keywords:      cfg.Scoring.Keywords,
		CityKeywords:  cfg.Scoring.CityKeywords,
		CountrySuffix: cfg.Scoring.CountrySuffix,
	}, clock)
}

// newScorer builds the configured scorer. The second return is non-nil
// only for the learned scorer, which is also the trainable handle.
func newScorer(ctx context.Context, cfg config.Config, clock lead.Clock, logger *zap.Logger) (lead.Scorer, *ranking.LearnedScorer, error) {
	if cfg.Scoring.Scorer != "logreg" {
		return ranking.NewRuleScorer(ranking.RuleConfig{
			BioWeight:          cfg.Scoring.Rule.BioWeight,
			WebsiteWeight:      cfg.Scoring.Rule.WebsiteWeight,
			FollowersWeight:    cfg.Scoring.Rule.FollowersWeight,
			FollowersThreshold: cfg.Scoring.Rule.FollowersThreshold,
		}), nil, nil
	}

	blobStore, key, err := newModelStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	learned, err := ranking.NewLearnedScorer(ctx, blobStore, key, logger.Named("scorer"),
		ranking.WithEpochs(cfg.Scoring.Model.Epochs),
		ranking.WithLearnRate(cfg.Scoring.Model.LearnRate),
		ranking.WithClock(clock))
	if err != nil {
		return nil, nil, err
	}
	return learned, learned, nil
}

func newModelStore(ctx context.Context, cfg config.Config) (blob.Store, string, error) {
	if cfg.Scoring.Model.Provider == "gcs" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, "", fmt.Errorf("gcs client: %w", err)
		}
		gcs, err := blob.NewGCSStore(client, cfg.Scoring.Model.Bucket)
		if err != nil {
			return nil, "", err
		}
		return gcs, cfg.Scoring.Model.Path, nil
	}
	local, err := blob.NewLocalStore(filepath.Dir(cfg.Scoring.Model.Path))
	if err != nil {
		return nil, "", err
	}
	return local, filepath.Base(cfg.Scoring.Model.Path), nil
}
