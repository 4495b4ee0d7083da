package ingest

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/driesdejong/leadradar/internal/lead"
	"github.com/driesdejong/leadradar/internal/metrics"
)

// maxMediaPages caps recent-media pagination per hashtag.
const maxMediaPages = 10

// Report summarizes one discovery run.
type Report struct {
	Total      int `json:"total"`
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
}

// Service runs the discovery connectors. Every connector funnels into
// the same persistence path: insert a DISCOVERED account once per
// username and queue its enrichment.
type Service struct {
	store   lead.Store
	source  lead.EnrichmentSource
	queue   lead.Queue
	places  PlacesProvider
	scanner SiteScanner
	clock   lead.Clock
	idGen   lead.IDGenerator
	logger  *zap.Logger
}

// New constructs a Service.
func New(store lead.Store, source lead.EnrichmentSource, queue lead.Queue,
	places PlacesProvider, scanner SiteScanner,
	clock lead.Clock, idGen lead.IDGenerator, logger *zap.Logger) *Service {
	metrics.Init()
	return &Service{
		store:   store,
		source:  source,
		queue:   queue,
		places:  places,
		scanner: scanner,
		clock:   clock,
		idGen:   idGen,
		logger:  logger,
	}
}

// DiscoverHashtags searches each query, walks recent media under the
// matching hashtags and registers every distinct author.
func (s *Service) DiscoverHashtags(ctx context.Context, queries []string) (Report, error) {
	var report Report
	seen := make(map[string]struct{})

	for _, query := range queries {
		query = strings.TrimSpace(query)
		if query == "" {
			continue
		}
		tags, err := s.source.HashtagSearch(ctx, query)
		if err != nil {
			return report, fmt.Errorf("search hashtag %q: %w", query, err)
		}
		for _, tag := range tags {
			if err := s.walkHashtag(ctx, tag, seen, &report); err != nil {
				return report, err
			}
		}
	}

	s.logger.Info("hashtag discovery finished",
		zap.Strings("queries", queries),
		zap.Int("total", report.Total),
		zap.Int("inserted", report.Inserted))
	return report, nil
}

func (s *Service) walkHashtag(ctx context.Context, tag lead.Hashtag, seen map[string]struct{}, report *Report) error {
	after := ""
	for page := 0; page < maxMediaPages; page++ {
		mediaPage, err := s.source.RecentMedia(ctx, tag.ID, after)
		if err != nil {
			return fmt.Errorf("recent media for #%s: %w", tag.Name, err)
		}
		for _, media := range mediaPage.Items {
			username := strings.ToLower(strings.TrimSpace(media.Username))
			if username == "" {
				continue
			}
			if _, dup := seen[username]; dup {
				continue
			}
			seen[username] = struct{}{}
			report.Total++
			inserted, err := s.registerAccount(ctx, username, lead.SourceHashtag, map[string]any{
				"hashtag": tag.Name,
			})
			if err != nil {
				return err
			}
			if inserted {
				report.Inserted++
			} else {
				report.Duplicates++
			}
		}
		if mediaPage.After == "" {
			return nil
		}
		after = mediaPage.After
	}
	return nil
}

// ImportWebSearchCSV reads a web-search export and registers the profile
// handles found in its url column.
func (s *Service) ImportWebSearchCSV(ctx context.Context, r io.Reader) (Report, error) {
	var report Report

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return report, fmt.Errorf("read csv header: %w", err)
	}
	urlCol := -1
	for i, name := range header {
		if strings.EqualFold(strings.TrimSpace(name), "url") {
			urlCol = i
			break
		}
	}
	if urlCol < 0 {
		return report, fmt.Errorf("csv has no url column")
	}

	seen := make(map[string]struct{})
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return report, fmt.Errorf("read csv row: %w", err)
		}
		if urlCol >= len(row) {
			continue
		}
		rawURL := strings.TrimSpace(row[urlCol])
		for _, handle := range ExtractHandles(rawURL) {
			if _, dup := seen[handle]; dup {
				continue
			}
			seen[handle] = struct{}{}
			report.Total++
			inserted, err := s.registerAccount(ctx, handle, lead.SourceWebSearch, map[string]any{
				"url": rawURL,
			})
			if err != nil {
				return report, err
			}
			if inserted {
				report.Inserted++
			} else {
				report.Duplicates++
			}
		}
	}

	s.logger.Info("web search import finished",
		zap.Int("total", report.Total),
		zap.Int("inserted", report.Inserted),
		zap.Int("duplicates", report.Duplicates))
	return report, nil
}

// DiscoverPlaces walks the business websites for a category in a city
// and registers the profile handles their pages link to.
func (s *Service) DiscoverPlaces(ctx context.Context, category, city string) (Report, error) {
	var report Report

	websites, err := s.places.Websites(ctx, category, city)
	if err != nil {
		return report, fmt.Errorf("list places websites: %w", err)
	}

	seen := make(map[string]struct{})
	for _, site := range websites {
		handles, err := s.scanner.Scan(ctx, site)
		if err != nil {
			// A dead website should not kill the whole sweep.
			s.logger.Warn("website scan failed", zap.String("url", site), zap.Error(err))
			continue
		}
		for _, handle := range handles {
			if _, dup := seen[handle]; dup {
				continue
			}
			seen[handle] = struct{}{}
			report.Total++
			inserted, err := s.registerAccount(ctx, handle, lead.SourceMaps, map[string]any{
				"website":  site,
				"category": category,
				"city":     city,
			})
			if err != nil {
				return report, err
			}
			if inserted {
				report.Inserted++
			} else {
				report.Duplicates++
			}
		}
	}

	s.logger.Info("places discovery finished",
		zap.String("category", category),
		zap.String("city", city),
		zap.Int("total", report.Total),
		zap.Int("inserted", report.Inserted))
	return report, nil
}

// registerAccount inserts a DISCOVERED account and queues enrichment.
// It reports whether the username was new.
func (s *Service) registerAccount(ctx context.Context, username string, source lead.Source, details map[string]any) (bool, error) {
	id, err := s.idGen.NewID()
	if err != nil {
		return false, fmt.Errorf("generate account id: %w", err)
	}
	account := lead.Account{
		ID:            id,
		Username:      username,
		Source:        source,
		SourceDetails: details,
		Status:        lead.StatusDiscovered,
	}
	if _, err := s.store.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, lead.ErrDuplicate) {
			return false, nil
		}
		return false, fmt.Errorf("register account %s: %w", username, err)
	}
	metrics.ObserveAccountDiscovered(string(source))
	if err := s.enqueueEnrich(ctx, username); err != nil {
		s.logger.Warn("failed to queue enrichment",
			zap.String("username", username), zap.Error(err))
	}
	return true, nil
}

func (s *Service) enqueueEnrich(ctx context.Context, username string) error {
	jobID, err := s.idGen.NewID()
	if err != nil {
		return fmt.Errorf("generate job id: %w", err)
	}
	payload, err := json.Marshal(map[string]string{"username": username})
	if err != nil {
		return fmt.Errorf("marshal enrich payload: %w", err)
	}
	job := lead.Job{
		ID:      jobID,
		Type:    lead.JobEnrichAccount,
		Payload: payload,
		Status:  lead.JobStatusPending,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("record enrich job: %w", err)
	}
	return s.queue.Enqueue(ctx, lead.Envelope{
		JobID:     jobID,
		Type:      lead.JobEnrichAccount,
		Payload:   payload,
		Submitted: s.clock.Now().Unix(),
	})
}
