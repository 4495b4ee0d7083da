package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/gocolly/colly/v2"
)

// PlacesProvider lists candidate business websites for a category in a
// city.
type PlacesProvider interface {
	Websites(ctx context.Context, category, city string) ([]string, error)
}

// StaticPlacesProvider serves a fixed website list from configuration.
// It stands in for a paid places API and keeps the rest of the pipeline
// real.
type StaticPlacesProvider struct {
	websites []string
}

// NewStaticPlacesProvider builds a provider over the configured list.
func NewStaticPlacesProvider(websites []string) *StaticPlacesProvider {
	return &StaticPlacesProvider{websites: append([]string(nil), websites...)}
}

// Websites returns the configured list regardless of category and city.
func (p *StaticPlacesProvider) Websites(_ context.Context, _, _ string) ([]string, error) {
	return append([]string(nil), p.websites...), nil
}

// SiteScanner extracts profile handles from a business website.
type SiteScanner interface {
	Scan(ctx context.Context, url string) ([]string, error)
}

// CollyScanner fetches a page with colly and pulls profile handles out
// of its links and text.
type CollyScanner struct {
	userAgent string
	delay     time.Duration
	timeout   time.Duration
}

// NewCollyScanner builds a scanner. delay is the politeness pause after
// each fetch.
func NewCollyScanner(userAgent string, delay time.Duration) *CollyScanner {
	return &CollyScanner{
		userAgent: userAgent,
		delay:     delay,
		timeout:   15 * time.Second,
	}
}

// Scan visits url and returns the unique handles found on the page.
func (s *CollyScanner) Scan(ctx context.Context, url string) ([]string, error) {
	collector := colly.NewCollector(colly.Async(false))
	collector.IgnoreRobotsTxt = false
	collector.SetRequestTimeout(s.timeout)
	if s.userAgent != "" {
		collector.UserAgent = s.userAgent
	}

	var (
		handles  []string
		seen     = make(map[string]struct{})
		fetchErr error
	)
	appendHandles := func(text string) {
		for _, handle := range ExtractHandles(text) {
			if _, dup := seen[handle]; dup {
				continue
			}
			seen[handle] = struct{}{}
			handles = append(handles, handle)
		}
	}

	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		appendHandles(e.Attr("href"))
	})
	collector.OnResponse(func(r *colly.Response) {
		appendHandles(string(r.Body))
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("scan canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("visit %s: %w", url, err)
		}
		if fetchErr != nil {
			return nil, fmt.Errorf("fetch %s: %w", url, fetchErr)
		}
	}

	if s.delay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(s.delay):
		}
	}
	return handles, nil
}
