package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/driesdejong/leadradar/internal/ingest"
	"github.com/driesdejong/leadradar/internal/lead"
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

type fakeDiscoverer struct {
	hashtagQueries [][]string
	csvBodies      []string
	placeCalls     []string
	err            error
}

func (f *fakeDiscoverer) DiscoverHashtags(_ context.Context, queries []string) (ingest.Report, error) {
	f.hashtagQueries = append(f.hashtagQueries, queries)
	return ingest.Report{}, f.err
}

func (f *fakeDiscoverer) ImportWebSearchCSV(_ context.Context, r io.Reader) (ingest.Report, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return ingest.Report{}, err
	}
	f.csvBodies = append(f.csvBodies, string(body))
	return ingest.Report{}, f.err
}

func (f *fakeDiscoverer) DiscoverPlaces(_ context.Context, category, city string) (ingest.Report, error) {
	f.placeCalls = append(f.placeCalls, category+"/"+city)
	return ingest.Report{}, f.err
}

type fakeEnricher struct {
	usernames []string
	errs      []error
}

func (f *fakeEnricher) EnrichAccount(_ context.Context, username string, _ bool) (lead.Account, error) {
	f.usernames = append(f.usernames, username)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return lead.Account{}, err
	}
	return lead.Account{Username: username}, nil
}

type fakeScorer struct {
	mu         sync.Mutex
	accountIDs []string
	err        error
}

func (f *fakeScorer) ScoreAccount(_ context.Context, accountID string) (string, error) {
	f.mu.Lock()
	f.accountIDs = append(f.accountIDs, accountID)
	f.mu.Unlock()
	return "lead-" + accountID, f.err
}

type workerEnv struct {
	worker     *Worker
	store      *memory.Store
	queue      *queue.MemoryQueue
	discoverer *fakeDiscoverer
	enricher   *fakeEnricher
	scorer     *fakeScorer
}

func newWorkerEnv(t *testing.T, cfg Config) *workerEnv {
	t.Helper()
	clock := fixedClock{now: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)}
	store := memory.New(clock)
	q := queue.NewMemoryQueue(100)
	t.Cleanup(func() { _ = q.Close() })
	discoverer := &fakeDiscoverer{}
	enricher := &fakeEnricher{}
	scorer := &fakeScorer{}
	w := New(q, store, discoverer, enricher, scorer, nil, clock, cfg, zap.NewNop())
	return &workerEnv{
		worker:     w,
		store:      store,
		queue:      q,
		discoverer: discoverer,
		enricher:   enricher,
		scorer:     scorer,
	}
}

func createJob(t *testing.T, store *memory.Store, id string, jobType lead.JobType, payload any) lead.Envelope {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, store.CreateJob(context.Background(), lead.Job{
		ID: id, Type: jobType, Payload: data, Status: lead.JobStatusPending,
	}))
	return lead.Envelope{JobID: id, Type: jobType, Payload: data}
}

func jobByID(t *testing.T, store *memory.Store, id string) lead.Job {
	t.Helper()
	jobs, err := store.ListRecentJobs(context.Background(), 100)
	require.NoError(t, err)
	for _, job := range jobs {
		if job.ID == id {
			return job
		}
	}
	t.Fatalf("job %s not found", id)
	return lead.Job{}
}

func TestProcessJobScoreSucceeds(t *testing.T) {
	t.Parallel()
	env := newWorkerEnv(t, Config{})

	envelope := createJob(t, env.store, "job-1", lead.JobScoreAccount, scorePayload{AccountID: "acc-1"})
	env.worker.processJob(context.Background(), envelope)

	require.Equal(t, []string{"acc-1"}, env.scorer.accountIDs)
	job := jobByID(t, env.store, "job-1")
	require.Equal(t, lead.JobStatusSucceeded, job.Status)
	require.Equal(t, 1, job.Attempts)
	require.Empty(t, job.Error)
}

func TestProcessJobRetriesTransientFailure(t *testing.T) {
	t.Parallel()
	env := newWorkerEnv(t, Config{MaxAttempts: 3})
	env.enricher.errs = []error{errors.New("upstream status 500")}

	envelope := createJob(t, env.store, "job-1", lead.JobEnrichAccount, enrichPayload{Username: "debakkerij"})
	env.worker.processJob(context.Background(), envelope)

	job := jobByID(t, env.store, "job-1")
	require.Equal(t, lead.JobStatusPending, job.Status)
	require.Equal(t, 1, job.Attempts)
	require.Contains(t, job.Error, "upstream status 500")

	// The retry envelope carries the bumped attempt count.
	require.NoError(t, env.queue.Close())
	retry, err := env.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "job-1", retry.JobID)
	require.Equal(t, 1, retry.Attempt)

	// Second run succeeds.
	env.worker.processJob(context.Background(), retry)
	job = jobByID(t, env.store, "job-1")
	require.Equal(t, lead.JobStatusSucceeded, job.Status)
	require.Equal(t, 2, job.Attempts)
}

func TestProcessJobExhaustsAttempts(t *testing.T) {
	t.Parallel()
	env := newWorkerEnv(t, Config{MaxAttempts: 2})
	env.enricher.errs = []error{errors.New("boom"), errors.New("boom")}

	envelope := createJob(t, env.store, "job-1", lead.JobEnrichAccount, enrichPayload{Username: "debakkerij"})
	env.worker.processJob(context.Background(), envelope)

	retry, err := env.queue.Dequeue(context.Background())
	require.NoError(t, err)
	env.worker.processJob(context.Background(), retry)

	job := jobByID(t, env.store, "job-1")
	require.Equal(t, lead.JobStatusFailed, job.Status)
	require.Equal(t, 2, job.Attempts)
}

func TestProcessJobNotFoundIsTerminal(t *testing.T) {
	t.Parallel()
	env := newWorkerEnv(t, Config{MaxAttempts: 5})
	env.scorer.err = fmt.Errorf("account acc-1: %w", lead.ErrNotFound)

	envelope := createJob(t, env.store, "job-1", lead.JobScoreAccount, scorePayload{AccountID: "acc-1"})
	env.worker.processJob(context.Background(), envelope)

	job := jobByID(t, env.store, "job-1")
	require.Equal(t, lead.JobStatusFailed, job.Status)
	require.Equal(t, 1, job.Attempts)

	// Nothing was requeued.
	require.NoError(t, env.queue.Close())
	_, err := env.queue.Dequeue(context.Background())
	require.ErrorIs(t, err, lead.ErrQueueClosed)
}

func TestProcessJobUnknownTypeFails(t *testing.T) {
	t.Parallel()
	env := newWorkerEnv(t, Config{})

	envelope := createJob(t, env.store, "job-1", lead.JobType("mystery"), map[string]string{})
	env.worker.processJob(context.Background(), envelope)

	job := jobByID(t, env.store, "job-1")
	require.Equal(t, lead.JobStatusFailed, job.Status)
}

func TestImportSpooledCSV(t *testing.T) {
	t.Parallel()
	env := newWorkerEnv(t, Config{})

	path := filepath.Join(t.TempDir(), "websearch.csv")
	require.NoError(t, os.WriteFile(path, []byte("url\nhttps://instagram.com/debakkerij\n"), 0o600))

	envelope := createJob(t, env.store, "job-1", lead.JobImportWebSearch, websearchPayload{Path: path})
	env.worker.processJob(context.Background(), envelope)

	require.Len(t, env.discoverer.csvBodies, 1)
	require.Contains(t, env.discoverer.csvBodies[0], "debakkerij")
	require.Equal(t, lead.JobStatusSucceeded, jobByID(t, env.store, "job-1").Status)

	// The spool file is cleaned up after a successful import.
	_, err := os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestImportSpooledCSVMissingFile(t *testing.T) {
	t.Parallel()
	env := newWorkerEnv(t, Config{MaxAttempts: 5})

	envelope := createJob(t, env.store, "job-1", lead.JobImportWebSearch,
		websearchPayload{Path: filepath.Join(t.TempDir(), "gone.csv")})
	env.worker.processJob(context.Background(), envelope)

	// Missing spool files are terminal, not retried.
	require.Equal(t, lead.JobStatusFailed, jobByID(t, env.store, "job-1").Status)
}

func TestRunDrainsQueueUntilClosed(t *testing.T) {
	t.Parallel()
	env := newWorkerEnv(t, Config{Concurrency: 2})

	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("job-%d", i)
		envelope := createJob(t, env.store, id, lead.JobScoreAccount, scorePayload{AccountID: fmt.Sprintf("acc-%d", i)})
		require.NoError(t, env.queue.Enqueue(ctx, envelope))
	}
	require.NoError(t, env.queue.Close())

	done := make(chan struct{})
	go func() {
		env.worker.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after queue close")
	}

	jobs, err := env.store.ListRecentJobs(ctx, 100)
	require.NoError(t, err)
	for _, job := range jobs {
		require.Equal(t, lead.JobStatusSucceeded, job.Status)
	}
}
