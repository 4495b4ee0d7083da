package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/driesdejong/leadradar/internal/lead"
)

// SweepsConfig schedules the periodic maintenance sweeps. Specs use the
// standard five-field cron syntax.
type SweepsConfig struct {
	RefreshSpec  string
	RescoreSpec  string
	RefreshLimit int
	RescoreLimit int
	Cooldown     time.Duration
}

// Sweeper queues periodic maintenance work: re-enrichment of stale
// accounts and a re-scoring pass so leads track scorer changes.
type Sweeper struct {
	store  lead.Store
	queue  lead.Queue
	idGen  lead.IDGenerator
	clock  lead.Clock
	cfg    SweepsConfig
	cron   *cron.Cron
	logger *zap.Logger
}

// NewSweeper constructs a Sweeper.
func NewSweeper(store lead.Store, queue lead.Queue, idGen lead.IDGenerator,
	clock lead.Clock, cfg SweepsConfig, logger *zap.Logger) *Sweeper {
	if cfg.RefreshLimit <= 0 {
		cfg.RefreshLimit = 100
	}
	if cfg.RescoreLimit <= 0 {
		cfg.RescoreLimit = 500
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 7 * 24 * time.Hour
	}
	return &Sweeper{
		store:  store,
		queue:  queue,
		idGen:  idGen,
		clock:  clock,
		cfg:    cfg,
		cron:   cron.New(),
		logger: logger,
	}
}

// Start registers the configured sweeps and starts the scheduler. A
// sweep with an empty spec is skipped.
func (s *Sweeper) Start(ctx context.Context) error {
	if s.cfg.RefreshSpec != "" {
		_, err := s.cron.AddFunc(s.cfg.RefreshSpec, func() {
			if err := s.RefreshStale(ctx); err != nil {
				s.logger.Error("refresh sweep failed", zap.Error(err))
			}
		})
		if err != nil {
			return fmt.Errorf("schedule refresh sweep: %w", err)
		}
	}
	if s.cfg.RescoreSpec != "" {
		_, err := s.cron.AddFunc(s.cfg.RescoreSpec, func() {
			if err := s.Rescore(ctx); err != nil {
				s.logger.Error("rescore sweep failed", zap.Error(err))
			}
		})
		if err != nil {
			return fmt.Errorf("schedule rescore sweep: %w", err)
		}
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for running sweeps.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// RefreshStale queues re-enrichment for enriched accounts whose profile
// is older than the cooldown window.
func (s *Sweeper) RefreshStale(ctx context.Context) error {
	accounts, err := s.store.ListAccountsByStatus(ctx, lead.StatusEnriched, s.cfg.RefreshLimit)
	if err != nil {
		return fmt.Errorf("list enriched accounts: %w", err)
	}
	cutoff := s.clock.Now().Add(-s.cfg.Cooldown)
	queued := 0
	for _, account := range accounts {
		if account.UpdatedAt.After(cutoff) {
			// Accounts come oldest first; the rest are fresher still.
			break
		}
		payload, err := json.Marshal(enrichPayload{Username: account.Username})
		if err != nil {
			return fmt.Errorf("marshal enrich payload: %w", err)
		}
		if err := s.enqueue(ctx, lead.JobEnrichAccount, payload); err != nil {
			return err
		}
		queued++
	}
	s.logger.Info("refresh sweep queued work", zap.Int("accounts", queued))
	return nil
}

// Rescore queues a scoring pass over enriched accounts.
func (s *Sweeper) Rescore(ctx context.Context) error {
	accounts, err := s.store.ListAccountsByStatus(ctx, lead.StatusEnriched, s.cfg.RescoreLimit)
	if err != nil {
		return fmt.Errorf("list enriched accounts: %w", err)
	}
	for _, account := range accounts {
		payload, err := json.Marshal(scorePayload{AccountID: account.ID})
		if err != nil {
			return fmt.Errorf("marshal score payload: %w", err)
		}
		if err := s.enqueue(ctx, lead.JobScoreAccount, payload); err != nil {
			return err
		}
	}
	s.logger.Info("rescore sweep queued work", zap.Int("accounts", len(accounts)))
	return nil
}

func (s *Sweeper) enqueue(ctx context.Context, jobType lead.JobType, payload json.RawMessage) error {
	jobID, err := s.idGen.NewID()
	if err != nil {
		return fmt.Errorf("generate job id: %w", err)
	}
	job := lead.Job{
		ID:      jobID,
		Type:    jobType,
		Payload: payload,
		Status:  lead.JobStatusPending,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("record %s job: %w", jobType, err)
	}
	if err := s.queue.Enqueue(ctx, lead.Envelope{
		JobID:     jobID,
		Type:      jobType,
		Payload:   payload,
		Submitted: s.clock.Now().Unix(),
	}); err != nil {
		return fmt.Errorf("enqueue %s job: %w", jobType, err)
	}
	return nil
}
