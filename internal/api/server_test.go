package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

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

type serverEnv struct {
	server *Server
	store  *memory.Store
	queue  *queue.MemoryQueue
}

func newServerEnv(t *testing.T, cfg Config) *serverEnv {
	t.Helper()
	clock := fixedClock{now: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)}
	store := memory.New(clock)
	q := queue.NewMemoryQueue(100)
	t.Cleanup(func() { _ = q.Close() })
	if cfg.SpoolDir == "" {
		cfg.SpoolDir = t.TempDir()
	}
	server := NewServer(store, q, &seqIDGen{}, clock, cfg, zap.NewNop())
	return &serverEnv{server: server, store: store, queue: q}
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	env := newServerEnv(t, Config{})

	rec := doJSON(t, env.server.Handler(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, env.server.Handler(), http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestDiscoverHashtags(t *testing.T) {
	t.Parallel()
	env := newServerEnv(t, Config{})

	rec := doJSON(t, env.server.Handler(), http.MethodPost, "/v1/discover/hashtags",
		map[string]any{"queries": []string{"bakery", " boulangerie "}})
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID := decodeBody(t, rec)["job_id"].(string)
	require.NotEmpty(t, jobID)

	jobs, err := env.store.ListRecentJobs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, lead.JobDiscoverHashtags, jobs[0].Type)
	require.Contains(t, string(jobs[0].Payload), "boulangerie")

	envelope, err := env.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, jobID, envelope.JobID)
}

func TestDiscoverHashtagsRejectsEmpty(t *testing.T) {
	t.Parallel()
	env := newServerEnv(t, Config{})

	rec := doJSON(t, env.server.Handler(), http.MethodPost, "/v1/discover/hashtags",
		map[string]any{"queries": []string{"  "}})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/discover/hashtags", strings.NewReader("{not json"))
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDiscoverWebSearchMultipart(t *testing.T) {
	t.Parallel()
	spool := t.TempDir()
	env := newServerEnv(t, Config{SpoolDir: spool})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "export.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("url\nhttps://instagram.com/debakkerij\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/discover/websearch", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	// The job payload points at a spool file holding the upload.
	jobs, err := env.store.ListRecentJobs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	var payload struct {
		Path string `json:"path"`
	}
	require.NoError(t, json.Unmarshal(jobs[0].Payload, &payload))
	content, err := os.ReadFile(payload.Path)
	require.NoError(t, err)
	require.Contains(t, string(content), "debakkerij")
}

func TestDiscoverWebSearchRawBody(t *testing.T) {
	t.Parallel()
	env := newServerEnv(t, Config{SpoolDir: t.TempDir()})

	req := httptest.NewRequest(http.MethodPost, "/v1/discover/websearch",
		strings.NewReader("url\nhttps://instagram.com/jordaanpatisserie\n"))
	req.Header.Set("Content-Type", "text/csv")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestDiscoverPlaces(t *testing.T) {
	t.Parallel()
	env := newServerEnv(t, Config{})

	rec := doJSON(t, env.server.Handler(), http.MethodPost, "/v1/discover/places",
		map[string]any{"category": "bakery", "city": "amsterdam"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, env.server.Handler(), http.MethodPost, "/v1/discover/places",
		map[string]any{"category": "bakery"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnrichQueuesPerUsername(t *testing.T) {
	t.Parallel()
	env := newServerEnv(t, Config{})

	rec := doJSON(t, env.server.Handler(), http.MethodPost, "/v1/enrich",
		map[string]any{"usernames": []string{"debakkerij", "jordaanpatisserie"}, "force": true})
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobIDs := decodeBody(t, rec)["job_ids"].([]any)
	require.Len(t, jobIDs, 2)

	jobs, err := env.store.ListRecentJobs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	for _, job := range jobs {
		require.Equal(t, lead.JobEnrichAccount, job.Type)
		require.Contains(t, string(job.Payload), `"force":true`)
	}
}

func TestScoreAccount(t *testing.T) {
	t.Parallel()
	env := newServerEnv(t, Config{})
	_, err := env.store.CreateAccount(context.Background(), lead.Account{
		ID: "acc-1", Username: "debakkerij", Status: lead.StatusEnriched,
	})
	require.NoError(t, err)

	rec := doJSON(t, env.server.Handler(), http.MethodPost, "/v1/accounts/acc-1/score", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, env.server.Handler(), http.MethodPost, "/v1/accounts/missing/score", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func seedLead(t *testing.T, store *memory.Store, accountID, username string, confidence float64, stage lead.Stage) string {
	t.Helper()
	_, err := store.CreateAccount(context.Background(), lead.Account{
		ID: accountID, Username: username, Source: lead.SourceHashtag, Status: lead.StatusEnriched,
	})
	require.NoError(t, err)
	leadID, err := store.UpsertLead(context.Background(), lead.Lead{
		ID:         accountID + "-lead",
		AccountID:  accountID,
		Confidence: confidence,
		Reason:     "bio keyword",
		Tags:       []string{"rule"},
		Stage:      stage,
	})
	require.NoError(t, err)
	return leadID
}

func TestListLeads(t *testing.T) {
	t.Parallel()
	env := newServerEnv(t, Config{})
	seedLead(t, env.store, "acc-1", "debakkerij", 0.9, lead.StageNew)
	seedLead(t, env.store, "acc-2", "lowsignal", 0.2, lead.StageNew)

	rec := doJSON(t, env.server.Handler(), http.MethodGet, "/v1/leads?min_confidence=0.5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	leads := body["leads"].([]any)
	require.Len(t, leads, 1)
	first := leads[0].(map[string]any)
	require.Equal(t, "debakkerij", first["Username"])

	rec = doJSON(t, env.server.Handler(), http.MethodGet, "/v1/leads?stage=bogus", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateLeadReview(t *testing.T) {
	t.Parallel()
	env := newServerEnv(t, Config{})
	leadID := seedLead(t, env.store, "acc-1", "debakkerij", 0.9, lead.StageNew)

	rec := doJSON(t, env.server.Handler(), http.MethodPatch, "/v1/leads/"+leadID,
		map[string]any{"stage": "vetted", "notes": "called them"})
	require.Equal(t, http.StatusOK, rec.Code)

	record, err := env.store.GetLead(context.Background(), leadID)
	require.NoError(t, err)
	require.Equal(t, lead.StageVetted, record.Stage)
	require.Equal(t, "called them", record.Notes)
}

func TestUpdateLeadReviewValidation(t *testing.T) {
	t.Parallel()
	env := newServerEnv(t, Config{})
	leadID := seedLead(t, env.store, "acc-1", "debakkerij", 0.9, lead.StageNew)

	rec := doJSON(t, env.server.Handler(), http.MethodPatch, "/v1/leads/"+leadID,
		map[string]any{"stage": "ARCHIVED"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, env.server.Handler(), http.MethodPatch, "/v1/leads/"+leadID, map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, env.server.Handler(), http.MethodPatch, "/v1/leads/missing",
		map[string]any{"stage": "VETTED"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobs(t *testing.T) {
	t.Parallel()
	env := newServerEnv(t, Config{})
	require.NoError(t, env.store.CreateJob(context.Background(), lead.Job{
		ID: "job-1", Type: lead.JobEnrichAccount, Status: lead.JobStatusSucceeded,
	}))

	rec := doJSON(t, env.server.Handler(), http.MethodGet, "/v1/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := decodeBody(t, rec)["jobs"].([]any)
	require.Len(t, jobs, 1)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()
	env := newServerEnv(t, Config{AuthEnabled: true, APIKey: "secret"})

	// Health stays open; /v1 requires the key.
	rec := doJSON(t, env.server.Handler(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, env.server.Handler(), http.MethodGet, "/v1/jobs", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	env := newServerEnv(t, Config{})

	rec := doJSON(t, env.server.Handler(), http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()
	env := newServerEnv(t, Config{})

	rec := doJSON(t, env.server.Handler(), http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
