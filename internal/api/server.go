// Package api exposes the HTTP interface for the lead service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/driesdejong/leadradar/internal/lead"
	"github.com/driesdejong/leadradar/internal/metrics"
)

// maxUploadBytes caps web-search CSV uploads.
const maxUploadBytes = 10 << 20

// Config controls server behavior.
type Config struct {
	AuthEnabled bool
	APIKey      string
	Timeout     time.Duration
	SpoolDir    string
}

// Server wires HTTP handlers to the store and the job queue.
type Server struct {
	router chi.Router
	store  lead.Store
	queue  lead.Queue
	idGen  lead.IDGenerator
	clock  lead.Clock
	cfg    Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	store lead.Store,
	queue lead.Queue,
	idGen lead.IDGenerator,
	clock lead.Clock,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.SpoolDir == "" {
		cfg.SpoolDir = os.TempDir()
	}
	metrics.Init()

	s := &Server{
		store:  store,
		queue:  queue,
		idGen:  idGen,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(cfg.Timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/discover", func(r chi.Router) {
			r.Post("/hashtags", s.discoverHashtags)
			r.Post("/websearch", s.discoverWebSearch)
			r.Post("/places", s.discoverPlaces)
		})
		r.Post("/enrich", s.enrich)
		r.Post("/accounts/{account_id}/score", s.scoreAccount)
		r.Route("/leads", func(r chi.Router) {
			r.Get("/", s.listLeads)
			r.Patch("/{lead_id}", s.updateLeadReview)
		})
		r.Get("/jobs", s.listJobs)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The store is the only hard dependency behind every route.
	if _, err := s.store.ListRecentJobs(r.Context(), 1); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type discoverHashtagsRequest struct {
	Queries []string `json:"queries"`
}

func (s *Server) discoverHashtags(w http.ResponseWriter, r *http.Request) {
	var req discoverHashtagsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	queries := trimNonEmpty(req.Queries)
	if len(queries) == 0 {
		s.writeError(w, http.StatusBadRequest, "at least one query required")
		return
	}
	jobID, err := s.enqueueJob(r.Context(), lead.JobDiscoverHashtags, map[string]any{"queries": queries})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// discoverWebSearch spools the uploaded CSV to disk and queues its
// import, so large exports never ride through the queue itself.
func (s *Server) discoverWebSearch(w http.ResponseWriter, r *http.Request) {
	body, err := s.uploadBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer func() {
		_ = body.Close()
	}()

	path, err := s.spoolCSV(body)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	jobID, err := s.enqueueJob(r.Context(), lead.JobImportWebSearch, map[string]any{"path": path})
	if err != nil {
		_ = os.Remove(path)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// uploadBody accepts either a multipart "file" field or a raw CSV body.
func (s *Server) uploadBody(r *http.Request) (io.ReadCloser, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxUploadBytes)
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, fmt.Errorf("missing file field")
		}
		return file, nil
	}
	return r.Body, nil
}

func (s *Server) spoolCSV(body io.Reader) (string, error) {
	if err := os.MkdirAll(s.cfg.SpoolDir, 0o755); err != nil {
		return "", fmt.Errorf("create spool dir: %w", err)
	}
	f, err := os.CreateTemp(s.cfg.SpoolDir, "websearch-*.csv")
	if err != nil {
		return "", fmt.Errorf("create spool file: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("spool upload: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("close spool file: %w", err)
	}
	return filepath.Clean(f.Name()), nil
}

type discoverPlacesRequest struct {
	Category string `json:"category"`
	City     string `json:"city"`
}

func (s *Server) discoverPlaces(w http.ResponseWriter, r *http.Request) {
	var req discoverPlacesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Category) == "" || strings.TrimSpace(req.City) == "" {
		s.writeError(w, http.StatusBadRequest, "category and city required")
		return
	}
	jobID, err := s.enqueueJob(r.Context(), lead.JobDiscoverPlaces, map[string]any{
		"category": req.Category,
		"city":     req.City,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

type enrichRequest struct {
	Usernames []string `json:"usernames"`
	Force     bool     `json:"force"`
}

func (s *Server) enrich(w http.ResponseWriter, r *http.Request) {
	var req enrichRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	usernames := trimNonEmpty(req.Usernames)
	if len(usernames) == 0 {
		s.writeError(w, http.StatusBadRequest, "at least one username required")
		return
	}

	jobIDs := make([]string, 0, len(usernames))
	for _, username := range usernames {
		jobID, err := s.enqueueJob(r.Context(), lead.JobEnrichAccount, map[string]any{
			"username": username,
			"force":    req.Force,
		})
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		jobIDs = append(jobIDs, jobID)
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"job_ids": jobIDs})
}

func (s *Server) scoreAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "account_id")
	if _, err := s.store.GetAccount(r.Context(), accountID); err != nil {
		if errors.Is(err, lead.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "account not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jobID, err := s.enqueueJob(r.Context(), lead.JobScoreAccount, map[string]any{"account_id": accountID})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) listLeads(w http.ResponseWriter, r *http.Request) {
	filter, err := parseLeadFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	leads, err := s.store.ListLeads(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if leads == nil {
		leads = []lead.LeadView{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"leads":     leads,
		"page":      max(filter.Page, 1),
		"page_size": filter.PageSize,
	})
}

func parseLeadFilter(r *http.Request) (lead.LeadFilter, error) {
	var filter lead.LeadFilter
	q := r.URL.Query()

	if raw := q.Get("min_confidence"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return filter, fmt.Errorf("invalid min_confidence")
		}
		filter.MinConfidence = v
	}
	filter.Source = lead.Source(q.Get("source"))
	if raw := q.Get("stage"); raw != "" {
		stage := lead.Stage(strings.ToUpper(raw))
		if !lead.ValidStage(stage) {
			return filter, fmt.Errorf("invalid stage %q", raw)
		}
		filter.Stage = stage
	}
	if raw := q.Get("page"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return filter, fmt.Errorf("invalid page")
		}
		filter.Page = v
	}
	if raw := q.Get("page_size"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 200 {
			return filter, fmt.Errorf("invalid page_size")
		}
		filter.PageSize = v
	}
	if filter.PageSize == 0 {
		filter.PageSize = 20
	}
	return filter, nil
}

type reviewRequest struct {
	Stage *string `json:"stage"`
	Notes *string `json:"notes"`
}

func (s *Server) updateLeadReview(w http.ResponseWriter, r *http.Request) {
	leadID := chi.URLParam(r, "lead_id")

	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Stage == nil && req.Notes == nil {
		s.writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	var stage *lead.Stage
	if req.Stage != nil {
		candidate := lead.Stage(strings.ToUpper(*req.Stage))
		if !lead.ValidStage(candidate) {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid stage %q", *req.Stage))
			return
		}
		stage = &candidate
	}

	if err := s.store.UpdateLeadReview(r.Context(), leadID, stage, req.Notes); err != nil {
		if errors.Is(err, lead.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "lead not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	record, err := s.store.GetLead(r.Context(), leadID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListRecentJobs(r.Context(), 100)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if jobs == nil {
		jobs = []lead.Job{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// enqueueJob records a job row and pushes its envelope onto the queue.
func (s *Server) enqueueJob(ctx context.Context, jobType lead.JobType, payload map[string]any) (string, error) {
	jobID, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	job := lead.Job{
		ID:      jobID,
		Type:    jobType,
		Payload: data,
		Status:  lead.JobStatusPending,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	queueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.queue.Enqueue(queueCtx, lead.Envelope{
		JobID:     jobID,
		Type:      jobType,
		Payload:   data,
		Submitted: s.clock.Now().Unix(),
	}); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return jobID, nil
}

func trimNonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
