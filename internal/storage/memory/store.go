// Package memory provides an in-memory Store for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/driesdejong/leadradar/internal/lead"
)

// Store keeps all entities in maps guarded by one mutex. WithTx serializes
// the callback under the same mutex, which gives the single-account
// atomicity the scoring pipeline needs without a real transaction.
type Store struct {
	mu    sync.Mutex
	clock lead.Clock

	accounts   map[string]lead.Account
	byUsername map[string]string
	leads      map[string]lead.Lead
	byAccount  map[string]string
	jobs       map[string]lead.Job
	jobOrder   []string
	audits     []lead.Audit
}

// New creates an empty Store.
func New(clock lead.Clock) *Store {
	return &Store{
		clock:      clock,
		accounts:   make(map[string]lead.Account),
		byUsername: make(map[string]string),
		leads:      make(map[string]lead.Lead),
		byAccount:  make(map[string]string),
		jobs:       make(map[string]lead.Job),
	}
}

// WithTx serializes fn under the store mutex. The callback receives a view
// that skips re-locking so nested calls do not deadlock.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx lead.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(ctx, &txView{s})
}

// Close releases nothing; present to satisfy the Store contract.
func (s *Store) Close() {}

func (s *Store) CreateAccount(ctx context.Context, account lead.Account) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createAccount(account)
}

func (s *Store) GetAccount(ctx context.Context, id string) (lead.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getAccount(id)
}

func (s *Store) GetAccountByUsername(ctx context.Context, username string) (lead.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getAccountByUsername(username)
}

func (s *Store) UpdateAccount(ctx context.Context, account lead.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateAccount(account)
}

func (s *Store) ListAccountsByStatus(ctx context.Context, status lead.AccountStatus, limit int) ([]lead.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listAccountsByStatus(status, limit)
}

func (s *Store) GetLeadByAccount(ctx context.Context, accountID string) (*lead.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLeadByAccount(accountID)
}

func (s *Store) UpsertLead(ctx context.Context, l lead.Lead) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLead(l)
}

func (s *Store) GetLead(ctx context.Context, id string) (lead.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLead(id)
}

func (s *Store) ListLeads(ctx context.Context, filter lead.LeadFilter) ([]lead.LeadView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLeads(filter)
}

func (s *Store) UpdateLeadReview(ctx context.Context, id string, stage *lead.Stage, notes *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLeadReview(id, stage, notes)
}

func (s *Store) CreateJob(ctx context.Context, job lead.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createJob(job)
}

func (s *Store) UpdateJobStatus(ctx context.Context, id string, status lead.JobStatus, errText string, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateJobStatus(id, status, errText, attempts)
}

func (s *Store) ListRecentJobs(ctx context.Context, limit int) ([]lead.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listRecentJobs(limit)
}

func (s *Store) RecordAudit(ctx context.Context, entry lead.Audit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, entry)
	return nil
}

// Audits returns a snapshot of recorded audit entries, for tests.
func (s *Store) Audits() []lead.Audit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]lead.Audit(nil), s.audits...)
}

func (s *Store) now() time.Time {
	if s.clock != nil {
		return s.clock.Now()
	}
	return time.Now().UTC()
}

// Unlocked internals, shared by the direct methods and the tx view.

func (s *Store) createAccount(account lead.Account) (string, error) {
	username := strings.ToLower(account.Username)
	if username == "" {
		return "", fmt.Errorf("username is required")
	}
	if _, exists := s.byUsername[username]; exists {
		return "", fmt.Errorf("account %s: %w", username, lead.ErrDuplicate)
	}
	account.Username = username
	now := s.now()
	account.CreatedAt = now
	account.UpdatedAt = now
	s.accounts[account.ID] = account
	s.byUsername[username] = account.ID
	return account.ID, nil
}

func (s *Store) getAccount(id string) (lead.Account, error) {
	account, ok := s.accounts[id]
	if !ok {
		return lead.Account{}, fmt.Errorf("account %s: %w", id, lead.ErrNotFound)
	}
	return account, nil
}

func (s *Store) getAccountByUsername(username string) (lead.Account, error) {
	id, ok := s.byUsername[strings.ToLower(username)]
	if !ok {
		return lead.Account{}, fmt.Errorf("account %s: %w", username, lead.ErrNotFound)
	}
	return s.accounts[id], nil
}

func (s *Store) updateAccount(account lead.Account) error {
	existing, ok := s.accounts[account.ID]
	if !ok {
		return fmt.Errorf("account %s: %w", account.ID, lead.ErrNotFound)
	}
	account.Username = existing.Username
	account.CreatedAt = existing.CreatedAt
	account.UpdatedAt = s.now()
	s.accounts[account.ID] = account
	return nil
}

func (s *Store) listAccountsByStatus(status lead.AccountStatus, limit int) ([]lead.Account, error) {
	var out []lead.Account
	for _, account := range s.accounts {
		if account.Status == status {
			out = append(out, account)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) getLeadByAccount(accountID string) (*lead.Lead, error) {
	id, ok := s.byAccount[accountID]
	if !ok {
		return nil, nil
	}
	record := s.leads[id]
	return &record, nil
}

func (s *Store) upsertLead(l lead.Lead) (string, error) {
	if l.AccountID == "" {
		return "", fmt.Errorf("account id is required")
	}
	now := s.now()
	if existing, ok := s.leads[l.ID]; ok {
		l.CreatedAt = existing.CreatedAt
	} else {
		l.CreatedAt = now
	}
	l.UpdatedAt = now
	l.Tags = append([]string(nil), l.Tags...)
	s.leads[l.ID] = l
	s.byAccount[l.AccountID] = l.ID
	return l.ID, nil
}

func (s *Store) getLead(id string) (lead.Lead, error) {
	record, ok := s.leads[id]
	if !ok {
		return lead.Lead{}, fmt.Errorf("lead %s: %w", id, lead.ErrNotFound)
	}
	return record, nil
}

func (s *Store) listLeads(filter lead.LeadFilter) ([]lead.LeadView, error) {
	var out []lead.LeadView
	for _, record := range s.leads {
		account := s.accounts[record.AccountID]
		if record.Confidence < filter.MinConfidence {
			continue
		}
		if filter.Source != "" && account.Source != filter.Source {
			continue
		}
		if filter.Stage != "" && record.Stage != filter.Stage {
			continue
		}
		out = append(out, lead.LeadView{
			Lead:     record,
			Username: account.Username,
			Source:   account.Source,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].ID < out[j].ID
	})

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	start := (page - 1) * size
	if start >= len(out) {
		return nil, nil
	}
	end := start + size
	if end > len(out) {
		end = len(out)
	}
	return out[start:end], nil
}

func (s *Store) updateLeadReview(id string, stage *lead.Stage, notes *string) error {
	record, ok := s.leads[id]
	if !ok {
		return fmt.Errorf("lead %s: %w", id, lead.ErrNotFound)
	}
	if stage != nil {
		record.Stage = *stage
	}
	if notes != nil {
		record.Notes = *notes
	}
	record.UpdatedAt = s.now()
	s.leads[id] = record
	return nil
}

func (s *Store) createJob(job lead.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	now := s.now()
	job.CreatedAt = now
	job.UpdatedAt = now
	s.jobs[job.ID] = job
	s.jobOrder = append(s.jobOrder, job.ID)
	return nil
}

func (s *Store) updateJobStatus(id string, status lead.JobStatus, errText string, attempts int) error {
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, lead.ErrNotFound)
	}
	job.Status = status
	job.Error = errText
	job.Attempts = attempts
	job.UpdatedAt = s.now()
	s.jobs[id] = job
	return nil
}

func (s *Store) listRecentJobs(limit int) ([]lead.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []lead.Job
	for i := len(s.jobOrder) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.jobs[s.jobOrder[i]])
	}
	return out, nil
}

// txView exposes the unlocked internals to WithTx callbacks.
type txView struct {
	s *Store
}

func (t *txView) WithTx(ctx context.Context, fn func(ctx context.Context, tx lead.Store) error) error {
	return fn(ctx, t)
}

func (t *txView) Close() {}

func (t *txView) CreateAccount(_ context.Context, account lead.Account) (string, error) {
	return t.s.createAccount(account)
}

func (t *txView) GetAccount(_ context.Context, id string) (lead.Account, error) {
	return t.s.getAccount(id)
}

func (t *txView) GetAccountByUsername(_ context.Context, username string) (lead.Account, error) {
	return t.s.getAccountByUsername(username)
}

func (t *txView) UpdateAccount(_ context.Context, account lead.Account) error {
	return t.s.updateAccount(account)
}

func (t *txView) ListAccountsByStatus(_ context.Context, status lead.AccountStatus, limit int) ([]lead.Account, error) {
	return t.s.listAccountsByStatus(status, limit)
}

func (t *txView) GetLeadByAccount(_ context.Context, accountID string) (*lead.Lead, error) {
	return t.s.getLeadByAccount(accountID)
}

func (t *txView) UpsertLead(_ context.Context, l lead.Lead) (string, error) {
	return t.s.upsertLead(l)
}

func (t *txView) GetLead(_ context.Context, id string) (lead.Lead, error) {
	return t.s.getLead(id)
}

func (t *txView) ListLeads(_ context.Context, filter lead.LeadFilter) ([]lead.LeadView, error) {
	return t.s.listLeads(filter)
}

func (t *txView) UpdateLeadReview(_ context.Context, id string, stage *lead.Stage, notes *string) error {
	return t.s.updateLeadReview(id, stage, notes)
}

func (t *txView) CreateJob(_ context.Context, job lead.Job) error {
	return t.s.createJob(job)
}

func (t *txView) UpdateJobStatus(_ context.Context, id string, status lead.JobStatus, errText string, attempts int) error {
	return t.s.updateJobStatus(id, status, errText, attempts)
}

func (t *txView) ListRecentJobs(_ context.Context, limit int) ([]lead.Job, error) {
	return t.s.listRecentJobs(limit)
}

func (t *txView) RecordAudit(_ context.Context, entry lead.Audit) error {
	t.s.audits = append(t.s.audits, entry)
	return nil
}
