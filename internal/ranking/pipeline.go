package ranking

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/driesdejong/leadradar/internal/lead"
	"github.com/driesdejong/leadradar/internal/metrics"
)

// Pipeline orchestrates scoring: load account, extract features, score,
// upsert the lead. The scorer is an injected dependency so tests (and a
// future trained model) can swap it without touching the orchestration.
type Pipeline struct {
	store     lead.Store
	extractor *Extractor
	scorer    lead.Scorer
	idGen     lead.IDGenerator
	logger    *zap.Logger
}

// NewPipeline wires a Pipeline.
func NewPipeline(store lead.Store, extractor *Extractor, scorer lead.Scorer, idGen lead.IDGenerator, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Pipeline{
		store:     store,
		extractor: extractor,
		scorer:    scorer,
		idGen:     idGen,
		logger:    logger,
	}
}

// ScoreAccount scores one account and upserts its lead, returning the lead
// ID. The whole read-modify-write runs in a single transaction, so two
// concurrent scorers of the same account cannot interleave partial updates.
//
// Confidence, reason and tags are overwritten on every call; stage and
// notes belong to the human review workflow and are preserved. Calling this
// repeatedly for an unchanged account is idempotent.
func (p *Pipeline) ScoreAccount(ctx context.Context, accountID string) (string, error) {
	start := time.Now()
	var leadID string
	err := p.store.WithTx(ctx, func(ctx context.Context, tx lead.Store) error {
		account, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return fmt.Errorf("load account %s: %w", accountID, err)
		}

		features := p.extractor.Extract(account)
		confidence, reason, err := p.scorer.Score(features)
		if err != nil {
			return fmt.Errorf("score account %s: %w", accountID, err)
		}

		existing, err := tx.GetLeadByAccount(ctx, account.ID)
		if err != nil {
			return fmt.Errorf("load lead for account %s: %w", accountID, err)
		}

		var record lead.Lead
		if existing != nil {
			record = *existing
		} else {
			id, idErr := p.idGen.NewID()
			if idErr != nil {
				return fmt.Errorf("new lead id: %w", idErr)
			}
			record = lead.Lead{
				ID:        id,
				AccountID: account.ID,
				Stage:     lead.StageNew,
			}
		}

		record.Confidence = roundConfidence(confidence)
		record.Reason = reason
		record.Tags = []string{p.scorer.Name()}

		leadID, err = tx.UpsertLead(ctx, record)
		if err != nil {
			return fmt.Errorf("upsert lead for account %s: %w", accountID, err)
		}

		p.logger.Debug("account scored",
			zap.String("account_id", account.ID),
			zap.String("username", account.Username),
			zap.String("scorer", p.scorer.Name()),
			zap.Float64("confidence", record.Confidence))
		return nil
	})
	if err != nil {
		return "", err
	}
	metrics.ObserveLeadScored(p.scorer.Name(), time.Since(start))
	return leadID, nil
}

// roundConfidence keeps the stored confidence at two-decimal precision,
// matching the numeric(3,2) column.
func roundConfidence(c float64) float64 {
	return math.Round(c*100) / 100
}

// BuildTrainingSet assembles a labeled matrix from human review outcomes:
// vetted and contacted leads are positives, rejected leads negatives. Leads
// still in NEW carry no signal and are skipped.
func BuildTrainingSet(ctx context.Context, store lead.Store, extractor *Extractor) ([]lead.FeatureVector, []float64, error) {
	var matrix []lead.FeatureVector
	var labels []float64

	collect := func(stage lead.Stage, label float64) error {
		views, err := store.ListLeads(ctx, lead.LeadFilter{Stage: stage, PageSize: 10000})
		if err != nil {
			return fmt.Errorf("list %s leads: %w", stage, err)
		}
		for _, view := range views {
			account, err := store.GetAccount(ctx, view.AccountID)
			if err != nil {
				return fmt.Errorf("load account %s: %w", view.AccountID, err)
			}
			matrix = append(matrix, extractor.Extract(account))
			labels = append(labels, label)
		}
		return nil
	}

	if err := collect(lead.StageVetted, 1); err != nil {
		return nil, nil, err
	}
	if err := collect(lead.StageContacted, 1); err != nil {
		return nil, nil, err
	}
	if err := collect(lead.StageRejected, 0); err != nil {
		return nil, nil, err
	}

	return matrix, labels, nil
}
