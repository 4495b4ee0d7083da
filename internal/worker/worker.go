// Package worker implements the background job execution loop.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/driesdejong/leadradar/internal/ingest"
	"github.com/driesdejong/leadradar/internal/lead"
	"github.com/driesdejong/leadradar/internal/metrics"
)

// Discoverer runs the ingestion connectors.
type Discoverer interface {
	DiscoverHashtags(ctx context.Context, queries []string) (ingest.Report, error)
	ImportWebSearchCSV(ctx context.Context, r io.Reader) (ingest.Report, error)
	DiscoverPlaces(ctx context.Context, category, city string) (ingest.Report, error)
}

// Enricher refreshes a single account profile.
type Enricher interface {
	EnrichAccount(ctx context.Context, username string, force bool) (lead.Account, error)
}

// Scorer scores a single account into its lead.
type Scorer interface {
	ScoreAccount(ctx context.Context, accountID string) (string, error)
}

// TrainFunc retrains the learned scorer from the reviewed leads.
type TrainFunc func(ctx context.Context) error

// Config controls Worker behavior.
type Config struct {
	Concurrency int
	MaxAttempts int
}

// Worker consumes queue envelopes and dispatches them by job type.
type Worker struct {
	queue      lead.Queue
	store      lead.Store
	discoverer Discoverer
	enricher   Enricher
	scorer     Scorer
	train      TrainFunc
	clock      lead.Clock
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Worker.
func New(
	queue lead.Queue,
	store lead.Store,
	discoverer Discoverer,
	enricher Enricher,
	scorer Scorer,
	train TrainFunc,
	clock lead.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	metrics.Init()
	return &Worker{
		queue:      queue,
		store:      store,
		discoverer: discoverer,
		enricher:   enricher,
		scorer:     scorer,
		train:      train,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the
// queue closes.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.consume(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (w *Worker) consume(ctx context.Context, id int) {
	for {
		env, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, lead.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Int("consumer", id), zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job",
			zap.Int("consumer", id),
			zap.String("job_id", env.JobID),
			zap.String("type", string(env.Type)))
		w.processJob(ctx, env)
	}
}

func (w *Worker) processJob(ctx context.Context, env lead.Envelope) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	if err := w.store.UpdateJobStatus(ctx, env.JobID, lead.JobStatusRunning, "", env.Attempt); err != nil {
		w.logger.Error("update job status failed", zap.String("job_id", env.JobID), zap.Error(err))
		return
	}

	err := w.dispatch(ctx, env)
	attempts := env.Attempt + 1

	if err == nil {
		if uerr := w.store.UpdateJobStatus(ctx, env.JobID, lead.JobStatusSucceeded, "", attempts); uerr != nil {
			w.logger.Error("final job status update failed", zap.String("job_id", env.JobID), zap.Error(uerr))
		}
		metrics.ObserveJob(string(env.Type), string(lead.JobStatusSucceeded))
		return
	}

	if w.isTerminal(ctx, err, attempts) {
		w.logger.Error("job failed",
			zap.String("job_id", env.JobID),
			zap.String("type", string(env.Type)),
			zap.Int("attempts", attempts),
			zap.Error(err))
		if uerr := w.store.UpdateJobStatus(ctx, env.JobID, lead.JobStatusFailed, err.Error(), attempts); uerr != nil {
			w.logger.Error("final job status update failed", zap.String("job_id", env.JobID), zap.Error(uerr))
		}
		metrics.ObserveJob(string(env.Type), string(lead.JobStatusFailed))
		return
	}

	w.logger.Warn("job failed, requeueing",
		zap.String("job_id", env.JobID),
		zap.String("type", string(env.Type)),
		zap.Int("attempt", attempts),
		zap.Error(err))
	if uerr := w.store.UpdateJobStatus(ctx, env.JobID, lead.JobStatusPending, err.Error(), attempts); uerr != nil {
		w.logger.Error("requeue job status update failed", zap.String("job_id", env.JobID), zap.Error(uerr))
	}
	retry := env
	retry.Attempt = attempts
	retry.Submitted = w.clock.Now().Unix()
	if qerr := w.queue.Enqueue(ctx, retry); qerr != nil {
		w.logger.Error("requeue failed", zap.String("job_id", env.JobID), zap.Error(qerr))
		if uerr := w.store.UpdateJobStatus(ctx, env.JobID, lead.JobStatusFailed, qerr.Error(), attempts); uerr != nil {
			w.logger.Error("final job status update failed", zap.String("job_id", env.JobID), zap.Error(uerr))
		}
	}
}

// isTerminal reports whether a failure should not be retried. Missing
// entities never heal on retry.
func (w *Worker) isTerminal(ctx context.Context, err error, attempts int) bool {
	if ctx.Err() != nil {
		return true
	}
	if errors.Is(err, lead.ErrNotFound) {
		return true
	}
	return attempts >= w.cfg.MaxAttempts
}

type hashtagPayload struct {
	Queries []string `json:"queries"`
}

type websearchPayload struct {
	Path string `json:"path"`
}

type placesPayload struct {
	Category string `json:"category"`
	City     string `json:"city"`
}

type enrichPayload struct {
	Username string `json:"username"`
	Force    bool   `json:"force,omitempty"`
}

type scorePayload struct {
	AccountID string `json:"account_id"`
}

func (w *Worker) dispatch(ctx context.Context, env lead.Envelope) error {
	switch env.Type {
	case lead.JobDiscoverHashtags:
		var p hashtagPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		_, err := w.discoverer.DiscoverHashtags(ctx, p.Queries)
		return err

	case lead.JobImportWebSearch:
		var p websearchPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return w.importSpooledCSV(ctx, p.Path)

	case lead.JobDiscoverPlaces:
		var p placesPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		_, err := w.discoverer.DiscoverPlaces(ctx, p.Category, p.City)
		return err

	case lead.JobEnrichAccount:
		var p enrichPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		_, err := w.enricher.EnrichAccount(ctx, p.Username, p.Force)
		return err

	case lead.JobScoreAccount:
		var p scorePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		_, err := w.scorer.ScoreAccount(ctx, p.AccountID)
		return err

	case lead.JobTrainModel:
		if w.train == nil {
			return fmt.Errorf("no trainer configured: %w", lead.ErrNotFound)
		}
		return w.train(ctx)

	default:
		return fmt.Errorf("unknown job type %q: %w", env.Type, lead.ErrNotFound)
	}
}

// importSpooledCSV opens the spool file written by the API and removes
// it once the import succeeds.
func (w *Worker) importSpooledCSV(ctx context.Context, path string) error {
	if path == "" {
		return fmt.Errorf("spool path missing: %w", lead.ErrNotFound)
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("spool file %s: %w", path, lead.ErrNotFound)
		}
		return fmt.Errorf("open spool file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	if _, err := w.discoverer.ImportWebSearchCSV(ctx, f); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		w.logger.Warn("failed to remove spool file", zap.String("path", path), zap.Error(err))
	}
	return nil
}
