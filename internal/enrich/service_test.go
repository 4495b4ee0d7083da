package enrich

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/driesdejong/leadradar/internal/lead"
	"github.com/driesdejong/leadradar/internal/metrics"
	"github.com/driesdejong/leadradar/internal/queue"
	"github.com/driesdejong/leadradar/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type seqIDGen struct{ n int }

func (g *seqIDGen) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("id-%d", g.n), nil
}

// fakeSource scripts BusinessDiscovery responses per username.
type fakeSource struct {
	profiles map[string]*lead.BusinessProfile
	errs     map[string]error
	calls    int
}

func (f *fakeSource) HashtagSearch(context.Context, string) ([]lead.Hashtag, error) {
	return nil, nil
}

func (f *fakeSource) RecentMedia(context.Context, string, string) (lead.MediaPage, error) {
	return lead.MediaPage{}, nil
}

func (f *fakeSource) BusinessDiscovery(_ context.Context, username string) (*lead.BusinessProfile, error) {
	f.calls++
	if err, ok := f.errs[username]; ok {
		return nil, err
	}
	return f.profiles[username], nil
}

type testEnv struct {
	service *Service
	store   *memory.Store
	queue   *queue.MemoryQueue
	source  *fakeSource
	now     time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	store := memory.New(fixedClock{now: now})
	q := queue.NewMemoryQueue(10)
	t.Cleanup(func() { _ = q.Close() })
	source := &fakeSource{
		profiles: map[string]*lead.BusinessProfile{},
		errs:     map[string]error{},
	}
	service := New(store, source, q, fixedClock{now: now}, &seqIDGen{}, 0, zap.NewNop())
	return &testEnv{service: service, store: store, queue: q, source: source, now: now}
}

func bakeryProfile() *lead.BusinessProfile {
	return &lead.BusinessProfile{
		Username:       "debakkerij",
		Name:           "De Bakkerij",
		Biography:      "sourdough bakery in the jordaan",
		Website:        "https://debakkerij.nl",
		Category:       "Bakery",
		MediaCount:     210,
		FollowersCount: 15400,
		FollowsCount:   320,
		IsProfessional: true,
	}
}

func TestEnrichRegistersUnknownAccount(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.source.profiles["debakkerij"] = bakeryProfile()

	account, err := env.service.EnrichAccount(context.Background(), "DeBakkerij", false)
	require.NoError(t, err)
	require.Equal(t, "debakkerij", account.Username)
	require.Equal(t, lead.SourceManual, account.Source)
	require.Equal(t, lead.StatusEnriched, account.Status)
	require.Equal(t, int64(15400), account.Metrics[lead.MetricFollowers])
	require.True(t, account.IsProfessional)

	stored, err := env.store.GetAccountByUsername(context.Background(), "debakkerij")
	require.NoError(t, err)
	require.Equal(t, lead.StatusEnriched, stored.Status)
	require.Equal(t, "Bakery", stored.Category)
}

func TestEnrichQueuesScoreJob(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.source.profiles["debakkerij"] = bakeryProfile()

	account, err := env.service.EnrichAccount(context.Background(), "debakkerij", false)
	require.NoError(t, err)

	env.queue.Close()
	envelope, err := env.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, lead.JobScoreAccount, envelope.Type)
	require.Contains(t, string(envelope.Payload), account.ID)

	jobs, err := env.store.ListRecentJobs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, lead.JobScoreAccount, jobs[0].Type)
}

func TestEnrichNotFound(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	// No scripted profile: discovery returns nil.

	account, err := env.service.EnrichAccount(context.Background(), "ghostbakery", false)
	require.NoError(t, err)
	require.Equal(t, lead.StatusNotFound, account.Status)

	// A failed lookup must not queue scoring.
	env.queue.Close()
	_, err = env.queue.Dequeue(context.Background())
	require.ErrorIs(t, err, lead.ErrQueueClosed)
}

func TestEnrichNotProfessional(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.source.errs["privatebaker"] = fmt.Errorf("discovery: %w", lead.ErrNotProfessional)

	account, err := env.service.EnrichAccount(context.Background(), "privatebaker", false)
	require.NoError(t, err)
	require.Equal(t, lead.StatusNotProAccount, account.Status)
}

func TestEnrichUpstreamFailure(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.source.errs["debakkerij"] = errors.New("upstream status 500")

	_, err := env.service.EnrichAccount(context.Background(), "debakkerij", false)
	require.Error(t, err)

	// The registered account survives for the retry.
	account, err := env.store.GetAccountByUsername(context.Background(), "debakkerij")
	require.NoError(t, err)
	require.Equal(t, lead.StatusDiscovered, account.Status)
}

func TestEnrichCooldown(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.source.profiles["debakkerij"] = bakeryProfile()

	_, err := env.service.EnrichAccount(context.Background(), "debakkerij", false)
	require.NoError(t, err)
	require.Equal(t, 1, env.source.calls)

	// A second call inside the 7 day window skips the upstream fetch.
	_, err = env.service.EnrichAccount(context.Background(), "debakkerij", false)
	require.NoError(t, err)
	require.Equal(t, 1, env.source.calls)

	// Forcing bypasses the cooldown.
	_, err = env.service.EnrichAccount(context.Background(), "debakkerij", true)
	require.NoError(t, err)
	require.Equal(t, 2, env.source.calls)
}

func TestEnrichCooldownCoversNegativeStatuses(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	// ghostbakery resolves to nothing, privatebaker is not professional.
	env.source.errs["privatebaker"] = fmt.Errorf("discovery: %w", lead.ErrNotProfessional)

	_, err := env.service.EnrichAccount(context.Background(), "ghostbakery", false)
	require.NoError(t, err)
	_, err = env.service.EnrichAccount(context.Background(), "privatebaker", false)
	require.NoError(t, err)
	require.Equal(t, 2, env.source.calls)

	// Settled negative outcomes are not re-attempted inside the window.
	account, err := env.service.EnrichAccount(context.Background(), "ghostbakery", false)
	require.NoError(t, err)
	require.Equal(t, lead.StatusNotFound, account.Status)
	account, err = env.service.EnrichAccount(context.Background(), "privatebaker", false)
	require.NoError(t, err)
	require.Equal(t, lead.StatusNotProAccount, account.Status)
	require.Equal(t, 2, env.source.calls)

	// Forcing still reaches upstream.
	_, err = env.service.EnrichAccount(context.Background(), "ghostbakery", true)
	require.NoError(t, err)
	require.Equal(t, 3, env.source.calls)
}

func TestEnrichCooldownExpired(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	store := memory.New(fixedClock{now: now.Add(-8 * 24 * time.Hour)})
	q := queue.NewMemoryQueue(10)
	t.Cleanup(func() { _ = q.Close() })
	source := &fakeSource{profiles: map[string]*lead.BusinessProfile{"debakkerij": bakeryProfile()}}
	service := New(store, source, q, fixedClock{now: now.Add(-8 * 24 * time.Hour)}, &seqIDGen{}, 0, zap.NewNop())

	_, err := service.EnrichAccount(context.Background(), "debakkerij", false)
	require.NoError(t, err)
	require.Equal(t, 1, source.calls)

	// Same store eight days later: the cooldown has lapsed.
	late := New(store, source, q, fixedClock{now: now}, &seqIDGen{n: 100}, 0, zap.NewNop())
	_, err = late.EnrichAccount(context.Background(), "debakkerij", false)
	require.NoError(t, err)
	require.Equal(t, 2, source.calls)
}

func TestEnrichWritesAudit(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.source.profiles["debakkerij"] = bakeryProfile()

	account, err := env.service.EnrichAccount(context.Background(), "debakkerij", false)
	require.NoError(t, err)

	audits := env.store.Audits()
	require.Len(t, audits, 1)
	require.Equal(t, "enrich", audits[0].Action)
	require.Equal(t, account.ID, audits[0].EntityID)
	require.Equal(t, "ENRICHED", audits[0].Payload["status"])
}

func TestEnrichRecordsStatusMetric(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.source.profiles["debakkerij"] = bakeryProfile()

	_, err := env.service.EnrichAccount(context.Background(), "debakkerij", false)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Contains(t, rec.Body.String(), `leadradar_enrichments_total{status="ENRICHED"}`)
}

func TestEnrichEmptyUsername(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	_, err := env.service.EnrichAccount(context.Background(), "  ", false)
	require.Error(t, err)
}
