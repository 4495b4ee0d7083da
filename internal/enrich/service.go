// Package enrich refreshes account profiles from the upstream
// business-profile API and hands enriched accounts to the scoring queue.
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/driesdejong/leadradar/internal/lead"
	"github.com/driesdejong/leadradar/internal/metrics"
)

// DefaultCooldown is how long an enriched profile is considered fresh.
const DefaultCooldown = 7 * 24 * time.Hour

// Service enriches accounts. The upstream call happens outside any
// transaction; only the resulting writes are transactional.
type Service struct {
	store    lead.Store
	source   lead.EnrichmentSource
	queue    lead.Queue
	clock    lead.Clock
	idGen    lead.IDGenerator
	cooldown time.Duration
	logger   *zap.Logger
}

// New constructs a Service. A non-positive cooldown falls back to
// DefaultCooldown.
func New(store lead.Store, source lead.EnrichmentSource, queue lead.Queue,
	clock lead.Clock, idGen lead.IDGenerator, cooldown time.Duration, logger *zap.Logger) *Service {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	metrics.Init()
	return &Service{
		store:    store,
		source:   source,
		queue:    queue,
		clock:    clock,
		idGen:    idGen,
		cooldown: cooldown,
		logger:   logger,
	}
}

// EnrichAccount fetches the business profile for username and updates
// the account. Unknown usernames are registered first with source
// "manual". A fresh enriched account is returned untouched unless force
// is set. On success a score job is queued so the lead reflects the new
// profile.
func (s *Service) EnrichAccount(ctx context.Context, username string, force bool) (lead.Account, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		return lead.Account{}, fmt.Errorf("username is required")
	}

	account, err := s.ensureAccount(ctx, username)
	if err != nil {
		return lead.Account{}, err
	}

	if !force && s.withinCooldown(account) {
		s.logger.Debug("enrichment skipped, within cooldown",
			zap.String("username", username),
			zap.Time("last_update", account.UpdatedAt))
		return account, nil
	}

	profile, err := s.source.BusinessDiscovery(ctx, username)
	switch {
	case errors.Is(err, lead.ErrNotProfessional):
		account.Status = lead.StatusNotProAccount
	case err != nil:
		return lead.Account{}, fmt.Errorf("enrich %s: %w", username, err)
	case profile == nil:
		account.Status = lead.StatusNotFound
	default:
		applyProfile(&account, profile)
	}

	if err := s.persist(ctx, account); err != nil {
		return lead.Account{}, err
	}
	metrics.ObserveEnrichment(string(account.Status))

	if account.Status == lead.StatusEnriched {
		if err := s.enqueueScore(ctx, account.ID); err != nil {
			// The profile update already landed; scoring catches up on
			// the next sweep.
			s.logger.Warn("failed to queue score job",
				zap.String("account_id", account.ID), zap.Error(err))
		}
	}

	s.logger.Info("account enriched",
		zap.String("username", username),
		zap.String("status", string(account.Status)))
	return account, nil
}

// ensureAccount loads the account or registers a new manual one.
func (s *Service) ensureAccount(ctx context.Context, username string) (lead.Account, error) {
	account, err := s.store.GetAccountByUsername(ctx, username)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, lead.ErrNotFound) {
		return lead.Account{}, fmt.Errorf("load account %s: %w", username, err)
	}

	id, err := s.idGen.NewID()
	if err != nil {
		return lead.Account{}, fmt.Errorf("generate account id: %w", err)
	}
	account = lead.Account{
		ID:       id,
		Username: username,
		Source:   lead.SourceManual,
		Status:   lead.StatusDiscovered,
	}
	if _, err := s.store.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, lead.ErrDuplicate) {
			// Lost a race with a concurrent registration.
			return s.store.GetAccountByUsername(ctx, username)
		}
		return lead.Account{}, fmt.Errorf("register account %s: %w", username, err)
	}
	return account, nil
}

// withinCooldown reports whether the last lookup is recent enough to
// skip. Only DISCOVERED accounts are always eligible; ENRICHED and the
// negative outcomes NOT_FOUND and NOT_PRO_ACCOUNT all wait out the
// window before another upstream attempt.
func (s *Service) withinCooldown(account lead.Account) bool {
	if account.Status == lead.StatusDiscovered {
		return false
	}
	return s.clock.Now().Sub(account.UpdatedAt) < s.cooldown
}

func applyProfile(account *lead.Account, profile *lead.BusinessProfile) {
	account.Name = profile.Name
	account.Category = profile.Category
	account.Bio = profile.Biography
	account.Website = profile.Website
	account.ProfilePicURL = profile.ProfilePicURL
	account.IsProfessional = profile.IsProfessional
	account.Metrics = map[string]int64{
		lead.MetricMediaCount: profile.MediaCount,
		lead.MetricFollowers:  profile.FollowersCount,
		lead.MetricFollows:    profile.FollowsCount,
	}
	account.Status = lead.StatusEnriched
}

// persist writes the account update and its audit row atomically.
func (s *Service) persist(ctx context.Context, account lead.Account) error {
	err := s.store.WithTx(ctx, func(ctx context.Context, tx lead.Store) error {
		if err := tx.UpdateAccount(ctx, account); err != nil {
			return fmt.Errorf("update account %s: %w", account.Username, err)
		}
		return tx.RecordAudit(ctx, lead.Audit{
			Action:   "enrich",
			Entity:   "account",
			EntityID: account.ID,
			Payload:  map[string]any{"status": string(account.Status)},
		})
	})
	if err != nil {
		return fmt.Errorf("persist enrichment: %w", err)
	}
	return nil
}

func (s *Service) enqueueScore(ctx context.Context, accountID string) error {
	jobID, err := s.idGen.NewID()
	if err != nil {
		return fmt.Errorf("generate job id: %w", err)
	}
	payload, err := json.Marshal(map[string]string{"account_id": accountID})
	if err != nil {
		return fmt.Errorf("marshal score payload: %w", err)
	}
	job := lead.Job{
		ID:      jobID,
		Type:    lead.JobScoreAccount,
		Payload: payload,
		Status:  lead.JobStatusPending,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("record score job: %w", err)
	}
	return s.queue.Enqueue(ctx, lead.Envelope{
		JobID:     jobID,
		Type:      lead.JobScoreAccount,
		Payload:   payload,
		Submitted: s.clock.Now().Unix(),
	})
}
