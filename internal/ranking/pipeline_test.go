package ranking

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/driesdejong/leadradar/internal/lead"
	"github.com/driesdejong/leadradar/internal/metrics"
	"github.com/driesdejong/leadradar/internal/storage/memory"
)

type seqIDGen struct {
	n int
}

func (g *seqIDGen) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("id-%d", g.n), nil
}

func newTestPipeline(t *testing.T, now time.Time) (*Pipeline, *memory.Store) {
	t.Helper()
	store := memory.New(fixedClock{now: now})
	pipeline := NewPipeline(store, testExtractor(now), NewRuleScorer(DefaultRuleConfig()), &seqIDGen{}, zap.NewNop())
	return pipeline, store
}

// The end-to-end scenario: a bakery in Amsterdam with a .nl website,
// 1200 followers and a post 10 days ago scores 0.90.
func TestScoreAccountEndToEnd(t *testing.T) {
	now := time.Date(2025, 6, 20, 12, 0, 0, 0, time.UTC)
	pipeline, store := newTestPipeline(t, now)
	ctx := context.Background()

	posted := now.Add(-10 * 24 * time.Hour)
	_, err := store.CreateAccount(ctx, lead.Account{
		ID:         "acc-1",
		Username:   "sweetcrumbs",
		Bio:        "Great bakery in Amsterdam",
		Website:    "https://test.nl",
		Metrics:    map[string]int64{lead.MetricFollowers: 1200, lead.MetricMediaCount: 5},
		LastPostAt: &posted,
		Source:     lead.SourceHashtag,
		Status:     lead.StatusEnriched,
	})
	require.NoError(t, err)

	leadID, err := pipeline.ScoreAccount(ctx, "acc-1")
	require.NoError(t, err)

	record, err := store.GetLead(ctx, leadID)
	require.NoError(t, err)
	require.InDelta(t, 0.90, record.Confidence, 1e-9)
	require.Equal(t, "bio keyword, nl website, followers", record.Reason)
	require.Equal(t, []string{"rule"}, record.Tags)
	require.Equal(t, lead.StageNew, record.Stage)
	require.Empty(t, record.Notes)
}

func TestScoreAccountIdempotent(t *testing.T) {
	now := time.Date(2025, 6, 20, 12, 0, 0, 0, time.UTC)
	pipeline, store := newTestPipeline(t, now)
	ctx := context.Background()

	_, err := store.CreateAccount(ctx, lead.Account{
		ID:       "acc-1",
		Username: "sweetcrumbs",
		Bio:      "bakkerij",
		Source:   lead.SourceMaps,
	})
	require.NoError(t, err)

	firstID, err := pipeline.ScoreAccount(ctx, "acc-1")
	require.NoError(t, err)
	first, err := store.GetLead(ctx, firstID)
	require.NoError(t, err)

	secondID, err := pipeline.ScoreAccount(ctx, "acc-1")
	require.NoError(t, err)
	require.Equal(t, firstID, secondID, "re-scoring reuses the existing lead")

	second, err := store.GetLead(ctx, secondID)
	require.NoError(t, err)
	require.Equal(t, first.Confidence, second.Confidence)
	require.Equal(t, first.Reason, second.Reason)
}

func TestScoreAccountPreservesReview(t *testing.T) {
	now := time.Date(2025, 6, 20, 12, 0, 0, 0, time.UTC)
	pipeline, store := newTestPipeline(t, now)
	ctx := context.Background()

	_, err := store.CreateAccount(ctx, lead.Account{ID: "acc-1", Username: "sweetcrumbs", Bio: "bakery"})
	require.NoError(t, err)

	leadID, err := pipeline.ScoreAccount(ctx, "acc-1")
	require.NoError(t, err)

	stage := lead.StageVetted
	notes := "talked to the owner"
	require.NoError(t, store.UpdateLeadReview(ctx, leadID, &stage, &notes))

	_, err = pipeline.ScoreAccount(ctx, "acc-1")
	require.NoError(t, err)

	record, err := store.GetLead(ctx, leadID)
	require.NoError(t, err)
	require.Equal(t, lead.StageVetted, record.Stage, "re-scoring must not revert a human-advanced stage")
	require.Equal(t, "talked to the owner", record.Notes)
	require.InDelta(t, 0.4, record.Confidence, 1e-9, "scoring fields still refreshed")
}

func TestScoreAccountNotFound(t *testing.T) {
	now := time.Date(2025, 6, 20, 12, 0, 0, 0, time.UTC)
	pipeline, store := newTestPipeline(t, now)
	ctx := context.Background()

	_, err := pipeline.ScoreAccount(ctx, "ghost")
	require.ErrorIs(t, err, lead.ErrNotFound)

	// No lead row appeared as a side effect.
	views, err := store.ListLeads(ctx, lead.LeadFilter{})
	require.NoError(t, err)
	require.Empty(t, views)
}

func TestScoreAccountUsesScorerTag(t *testing.T) {
	now := time.Date(2025, 6, 20, 12, 0, 0, 0, time.UTC)
	store := memory.New(fixedClock{now: now})
	scorer := stubScorer{name: "logreg", confidence: 0.777, reason: "bio_keyword"}
	pipeline := NewPipeline(store, testExtractor(now), scorer, &seqIDGen{}, zap.NewNop())
	ctx := context.Background()

	_, err := store.CreateAccount(ctx, lead.Account{ID: "acc-1", Username: "sweetcrumbs"})
	require.NoError(t, err)

	leadID, err := pipeline.ScoreAccount(ctx, "acc-1")
	require.NoError(t, err)

	record, err := store.GetLead(ctx, leadID)
	require.NoError(t, err)
	require.Equal(t, []string{"logreg"}, record.Tags)
	require.InDelta(t, 0.78, record.Confidence, 1e-9, "confidence rounds to two decimals")
}

func TestScoreAccountRecordsScorerMetric(t *testing.T) {
	now := time.Date(2025, 6, 20, 12, 0, 0, 0, time.UTC)
	pipeline, store := newTestPipeline(t, now)
	ctx := context.Background()

	_, err := store.CreateAccount(ctx, lead.Account{ID: "acc-1", Username: "sweetcrumbs", Bio: "bakery"})
	require.NoError(t, err)
	_, err = pipeline.ScoreAccount(ctx, "acc-1")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	require.Contains(t, body, `leadradar_leads_scored_total{scorer="rule"}`)
	require.Contains(t, body, "leadradar_scoring_duration_seconds")
}

type stubScorer struct {
	name       string
	confidence float64
	reason     string
}

func (s stubScorer) Name() string { return s.name }

func (s stubScorer) Score(lead.FeatureVector) (float64, string, error) {
	return s.confidence, s.reason, nil
}

func TestBuildTrainingSet(t *testing.T) {
	now := time.Date(2025, 6, 20, 12, 0, 0, 0, time.UTC)
	pipeline, store := newTestPipeline(t, now)
	ctx := context.Background()

	stages := []lead.Stage{lead.StageVetted, lead.StageRejected, lead.StageNew}
	for i, stage := range stages {
		accountID := fmt.Sprintf("acc-%d", i)
		_, err := store.CreateAccount(ctx, lead.Account{ID: accountID, Username: fmt.Sprintf("shop%d", i), Bio: "bakery"})
		require.NoError(t, err)
		leadID, err := pipeline.ScoreAccount(ctx, accountID)
		require.NoError(t, err)
		if stage != lead.StageNew {
			s := stage
			require.NoError(t, store.UpdateLeadReview(ctx, leadID, &s, nil))
		}
	}

	matrix, labels, err := BuildTrainingSet(ctx, store, testExtractor(now))
	require.NoError(t, err)
	require.Len(t, matrix, 2, "NEW leads carry no label")
	require.Equal(t, []float64{1, 0}, labels)
}
