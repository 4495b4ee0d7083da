// Package lead defines the core domain types and contracts shared by the
// discovery, enrichment and ranking services.
package lead

import (
	"encoding/json"
	"time"
)

// Source identifies how an account entered the system.
type Source string

// Known ingestion sources.
const (
	SourceHashtag   Source = "hashtag"
	SourceMaps      Source = "maps"
	SourceWebSearch Source = "web_search"
	SourceManual    Source = "manual"
)

// AccountStatus tracks the enrichment lifecycle of an account.
type AccountStatus string

// Account lifecycle states. The negative states are terminal within the
// enrichment cooldown window.
const (
	StatusDiscovered    AccountStatus = "DISCOVERED"
	StatusEnriched      AccountStatus = "ENRICHED"
	StatusNotFound      AccountStatus = "NOT_FOUND"
	StatusNotProAccount AccountStatus = "NOT_PRO_ACCOUNT"
)

// Stage is the human-controlled review state of a lead.
type Stage string

// Review stages. Only humans advance a lead past StageNew; the scoring
// pipeline never touches the stage after first creation.
const (
	StageNew       Stage = "NEW"
	StageVetted    Stage = "VETTED"
	StageRejected  Stage = "REJECTED"
	StageContacted Stage = "CONTACTED"
)

// ValidStage reports whether s is one of the known review stages.
func ValidStage(s Stage) bool {
	switch s {
	case StageNew, StageVetted, StageRejected, StageContacted:
		return true
	}
	return false
}

// Metric names used in Account.Metrics. The map is sparse; any subset may
// be absent depending on what enrichment returned.
const (
	MetricFollowers  = "followers_count"
	MetricFollows    = "follows_count"
	MetricMediaCount = "media_count"
)

// Account is a discovered social profile. Username is the natural key
// across all ingestion sources and is stored lower-cased.
type Account struct {
	ID             string
	Username       string
	Name           string
	Category       string
	Bio            string
	Website        string
	ProfilePicURL  string
	Metrics        map[string]int64
	IsProfessional bool
	LastPostAt     *time.Time
	Source         Source
	SourceDetails  map[string]any
	Status         AccountStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Lead is the scoring and review record derived from an Account. There is
// at most one lead per account. Confidence, Reason and Tags belong to the
// scoring pipeline and are overwritten on every re-score; Stage and Notes
// belong to the human review workflow and survive re-scores.
type Lead struct {
	ID         string
	AccountID  string
	Confidence float64
	Reason     string
	Tags       []string
	Stage      Stage
	Notes      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// LeadView is a lead joined with its account's username and source, the
// shape returned by lead listings.
type LeadView struct {
	Lead
	Username string
	Source   Source
}

// LeadFilter narrows lead listings.
type LeadFilter struct {
	MinConfidence float64
	Source        Source
	Stage         Stage
	Page          int
	PageSize      int
}

// FeatureVector maps named feature keys to numeric values. It is built
// fresh for every scoring call and never persisted.
type FeatureVector map[string]float64

// Feature keys produced by the extractor.
const (
	FeatureBioKeyword      = "bio_keyword"
	FeatureCategoryKeyword = "category_keyword"
	FeatureWebsiteTLD      = "website_nl"
	FeatureFollowersBucket = "followers_bucket"
	FeatureMediaCount      = "media_count"
	FeatureDaysSincePost   = "days_since_post"
	FeatureSourceHashtag   = "source_hashtag"
	FeatureSourceMaps      = "source_maps"
	FeatureCityKeyword     = "city_keyword"
)

// FeatureKeys is the fixed key set of every extracted vector, in a stable
// order so matrices built from vectors line up column by column.
var FeatureKeys = []string{
	FeatureBioKeyword,
	FeatureCategoryKeyword,
	FeatureWebsiteTLD,
	FeatureFollowersBucket,
	FeatureMediaCount,
	FeatureDaysSincePost,
	FeatureSourceHashtag,
	FeatureSourceMaps,
	FeatureCityKeyword,
}

// JobType identifies the unit of work carried by a queue envelope.
type JobType string

// Job types dispatched by the worker.
const (
	JobDiscoverHashtags JobType = "discover_hashtags"
	JobImportWebSearch  JobType = "import_websearch_csv"
	JobDiscoverPlaces   JobType = "discover_places"
	JobEnrichAccount    JobType = "enrich_account"
	JobScoreAccount     JobType = "score_account"
	JobTrainModel       JobType = "train_model"
)

// JobStatus tracks a job row through its lifetime.
type JobStatus string

// Job states recorded in the job audit trail.
const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusSucceeded JobStatus = "SUCCEEDED"
	JobStatusFailed    JobStatus = "FAILED"
)

// Job is the persisted audit record of a queued unit of work.
type Job struct {
	ID           string
	Type         JobType
	Payload      json.RawMessage
	Status       JobStatus
	Attempts     int
	Error        string
	ScheduledFor *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Envelope wraps a job ready to run on a queue.
type Envelope struct {
	JobID     string          `json:"job_id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Attempt   int             `json:"attempt"`
	Submitted int64           `json:"submitted"`
}

// Audit is an append-only record of a mutation performed by a service.
type Audit struct {
	Action   string
	Entity   string
	EntityID string
	Payload  map[string]any
}
