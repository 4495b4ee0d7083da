// Package graph is a minimal client for the business-profile Graph API.
// It covers the three calls the service needs: hashtag search, recent
// media under a hashtag, and business discovery for a single username.
package graph

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/driesdejong/leadradar/internal/lead"
)

const (
	defaultBaseURL = "https://graph.facebook.com/v19.0"
	defaultTimeout = 10 * time.Second

	// invalidToken is returned for expired tokens and for profiles the
	// token holder cannot see; both mean "no profile for us".
	invalidToken = 190

	// notEligible is the subcode for accounts that exist but are not
	// professional accounts, so business discovery cannot see them.
	notEligible = 2108006
)

// APIError is the structured error body the Graph API returns.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Subcode int    `json:"error_subcode"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("graph api error %d (subcode %d): %s", e.Code, e.Subcode, e.Message)
}

// Config controls the client connection and retry behavior.
type Config struct {
	BaseURL        string
	AccessToken    string
	UserID         string
	Timeout        time.Duration
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Client implements lead.EnrichmentSource over HTTP. Requests that fail
// with 429 or a 5xx are retried with jittered exponential backoff.
type Client struct {
	baseURL        string
	accessToken    string
	userID         string
	httpClient     *http.Client
	maxRetries     int
	backoffInitial time.Duration
	backoffMax     time.Duration
	logger         *zap.Logger
}

// New builds a Client. The access token and acting user ID are required.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("graph.access_token is required")
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("graph.user_id is required")
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoffInitial := cfg.BackoffInitial
	if backoffInitial <= 0 {
		backoffInitial = 250 * time.Millisecond
	}
	backoffMax := cfg.BackoffMax
	if backoffMax <= 0 {
		backoffMax = 5 * time.Second
	}
	return &Client{
		baseURL:        baseURL,
		accessToken:    cfg.AccessToken,
		userID:         cfg.UserID,
		httpClient:     &http.Client{Timeout: timeout},
		maxRetries:     maxRetries,
		backoffInitial: backoffInitial,
		backoffMax:     backoffMax,
		logger:         logger,
	}, nil
}

type hashtagSearchResponse struct {
	Data []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"data"`
}

// HashtagSearch resolves a hashtag name to its IDs.
func (c *Client) HashtagSearch(ctx context.Context, query string) ([]lead.Hashtag, error) {
	params := url.Values{
		"user_id": {c.userID},
		"q":       {query},
	}
	var resp hashtagSearchResponse
	if err := c.get(ctx, "/ig_hashtag_search", params, &resp); err != nil {
		return nil, fmt.Errorf("hashtag search %q: %w", query, err)
	}
	tags := make([]lead.Hashtag, 0, len(resp.Data))
	for _, d := range resp.Data {
		tags = append(tags, lead.Hashtag{ID: d.ID, Name: d.Name})
	}
	return tags, nil
}

type recentMediaResponse struct {
	Data []struct {
		ID        string `json:"id"`
		Username  string `json:"username"`
		Caption   string `json:"caption"`
		Timestamp string `json:"timestamp"`
	} `json:"data"`
	Paging struct {
		Cursors struct {
			After string `json:"after"`
		} `json:"cursors"`
	} `json:"paging"`
}

// RecentMedia returns one page of posts under a hashtag ID. Pass the
// returned After cursor to fetch the next page; an empty cursor means
// the last page.
func (c *Client) RecentMedia(ctx context.Context, hashtagID, after string) (lead.MediaPage, error) {
	params := url.Values{
		"user_id": {c.userID},
		"fields":  {"id,caption,username,timestamp"},
		"limit":   {"50"},
	}
	if after != "" {
		params.Set("after", after)
	}
	var resp recentMediaResponse
	if err := c.get(ctx, "/"+hashtagID+"/recent_media", params, &resp); err != nil {
		return lead.MediaPage{}, fmt.Errorf("recent media for %s: %w", hashtagID, err)
	}

	page := lead.MediaPage{After: resp.Paging.Cursors.After}
	for _, d := range resp.Data {
		m := lead.Media{ID: d.ID, Username: d.Username, Caption: d.Caption}
		if ts, ok := parseTimestamp(d.Timestamp); ok {
			m.TakenAt = &ts
		}
		page.Items = append(page.Items, m)
	}
	return page, nil
}

// graphTimestamp is the upstream timestamp layout; the offset carries
// no colon, so RFC3339 rejects it.
const graphTimestamp = "2006-01-02T15:04:05-0700"

func parseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{graphTimestamp, time.RFC3339} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

type businessDiscoveryResponse struct {
	BusinessDiscovery *struct {
		Username       string `json:"username"`
		Name           string `json:"name"`
		Biography      string `json:"biography"`
		Website        string `json:"website"`
		ProfilePicURL  string `json:"profile_picture_url"`
		Category       string `json:"category"`
		MediaCount     int64  `json:"media_count"`
		FollowersCount int64  `json:"followers_count"`
		FollowsCount   int64  `json:"follows_count"`
	} `json:"business_discovery"`
}

// BusinessDiscovery fetches the public business profile for a username.
// It returns (nil, nil) when the profile cannot be looked up, either
// because the username does not resolve or because the account is not a
// professional account.
func (c *Client) BusinessDiscovery(ctx context.Context, username string) (*lead.BusinessProfile, error) {
	fields := fmt.Sprintf(
		"business_discovery.username(%s){username,name,biography,website,profile_picture_url,category,media_count,followers_count,follows_count}",
		username)
	params := url.Values{"fields": {fields}}

	var resp businessDiscoveryResponse
	err := c.get(ctx, "/"+c.userID, params, &resp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			switch {
			case apiErr.Code == invalidToken:
				c.logger.Info("profile unavailable", zap.String("username", username), zap.Int("code", apiErr.Code))
				return nil, nil
			case apiErr.Subcode == notEligible:
				return nil, fmt.Errorf("business discovery for %s: %w", username, lead.ErrNotProfessional)
			}
		}
		return nil, fmt.Errorf("business discovery for %s: %w", username, err)
	}
	if resp.BusinessDiscovery == nil {
		return nil, nil
	}

	d := resp.BusinessDiscovery
	return &lead.BusinessProfile{
		Username:       d.Username,
		Name:           d.Name,
		Biography:      d.Biography,
		Website:        d.Website,
		ProfilePicURL:  d.ProfilePicURL,
		Category:       d.Category,
		MediaCount:     d.MediaCount,
		FollowersCount: d.FollowersCount,
		FollowsCount:   d.FollowsCount,
		IsProfessional: true,
	}, nil
}

// get performs a GET with retries and decodes the JSON body into out.
func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	params.Set("access_token", c.accessToken)
	reqURL := c.baseURL + path + "?" + params.Encode()

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.backoff(attempt - 1)
			c.logger.Debug("retrying graph request",
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait))
			select {
			case <-ctx.Done():
				return fmt.Errorf("request canceled: %w", ctx.Err())
			case <-time.After(wait):
			}
		}

		retryable, err := c.doOnce(ctx, reqURL, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
	}
	return fmt.Errorf("retries exhausted: %w", lastErr)
}

// doOnce performs a single request. The bool reports whether the error
// is worth retrying.
func (c *Client) doOnce(ctx context.Context, reqURL string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, fmt.Errorf("request canceled: %w", ctx.Err())
		}
		return true, fmt.Errorf("do request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return true, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return true, fmt.Errorf("upstream status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		var wrapper struct {
			Error *APIError `json:"error"`
		}
		if jsonErr := json.Unmarshal(body, &wrapper); jsonErr == nil && wrapper.Error != nil {
			return false, wrapper.Error
		}
		return false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return false, nil
}

// backoff returns a jittered exponential delay for the given attempt.
func (c *Client) backoff(attempt int) time.Duration {
	delay := float64(c.backoffInitial) * math.Pow(2, float64(attempt))
	if delay > float64(c.backoffMax) {
		delay = float64(c.backoffMax)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
