package lead

import (
	"context"
	"time"
)

// AccountStore persists discovered accounts.
type AccountStore interface {
	// CreateAccount inserts a new account. It returns ErrDuplicate if an
	// account with the same username already exists.
	CreateAccount(ctx context.Context, account Account) (string, error)
	GetAccount(ctx context.Context, id string) (Account, error)
	GetAccountByUsername(ctx context.Context, username string) (Account, error)
	UpdateAccount(ctx context.Context, account Account) error
	// ListAccountsByStatus returns up to limit accounts in the given
	// lifecycle status, oldest first.
	ListAccountsByStatus(ctx context.Context, status AccountStatus, limit int) ([]Account, error)
}

// LeadStore persists scoring records.
type LeadStore interface {
	// GetLeadByAccount returns the lead for an account, or nil when the
	// account has not been scored yet.
	GetLeadByAccount(ctx context.Context, accountID string) (*Lead, error)
	// UpsertLead inserts or overwrites a lead row and returns its ID.
	UpsertLead(ctx context.Context, l Lead) (string, error)
	GetLead(ctx context.Context, id string) (Lead, error)
	ListLeads(ctx context.Context, filter LeadFilter) ([]LeadView, error)
	// UpdateLeadReview applies the human-owned fields. Nil means "leave
	// unchanged".
	UpdateLeadReview(ctx context.Context, id string, stage *Stage, notes *string) error
}

// JobStore persists the job audit trail surfaced by the API.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJobStatus(ctx context.Context, id string, status JobStatus, errText string, attempts int) error
	ListRecentJobs(ctx context.Context, limit int) ([]Job, error)
}

// AuditStore records service mutations for traceability.
type AuditStore interface {
	RecordAudit(ctx context.Context, entry Audit) error
}

// Store is the full persistence contract. WithTx runs fn against a store
// bound to a single transaction; every store call inside fn commits or
// rolls back atomically. Implementations that have no transaction concept
// may serialize fn instead.
type Store interface {
	AccountStore
	LeadStore
	JobStore
	AuditStore

	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
	Close()
}

// Scorer turns a feature vector into a confidence and a human-readable
// rationale. Implementations must be safe for concurrent use.
type Scorer interface {
	// Name identifies the scorer in lead tags (e.g. "rule", "logreg").
	Name() string
	Score(features FeatureVector) (confidence float64, reason string, err error)
}

// Queue provides enqueue/dequeue semantics for background jobs.
type Queue interface {
	Enqueue(ctx context.Context, env Envelope) error
	Dequeue(ctx context.Context) (Envelope, error)
	Close() error
}

// Hashtag is a search result from the upstream profile API.
type Hashtag struct {
	ID   string
	Name string
}

// Media is a single post observed under a hashtag.
type Media struct {
	ID       string
	Username string
	Caption  string
	TakenAt  *time.Time
}

// MediaPage is one page of recent media plus the cursor for the next page.
type MediaPage struct {
	Items []Media
	After string
}

// BusinessProfile is the enrichment payload for a single account.
type BusinessProfile struct {
	Username       string
	Name           string
	Biography      string
	Website        string
	ProfilePicURL  string
	Category       string
	MediaCount     int64
	FollowersCount int64
	FollowsCount   int64
	IsProfessional bool
}

// EnrichmentSource is the upstream business-profile API. BusinessDiscovery
// returns nil (not an error) when the profile cannot be looked up at all.
type EnrichmentSource interface {
	HashtagSearch(ctx context.Context, query string) ([]Hashtag, error)
	RecentMedia(ctx context.Context, hashtagID, after string) (MediaPage, error)
	BusinessDiscovery(ctx context.Context, username string) (*BusinessProfile, error)
}

// Clock returns the current time (injectable for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces entity IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
