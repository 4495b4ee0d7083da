package graph

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/driesdejong/leadradar/internal/lead"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := New(Config{
		BaseURL:        srv.URL,
		AccessToken:    "token",
		UserID:         "17841400000000000",
		MaxRetries:     2,
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	return client
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{UserID: "u"}, zap.NewNop())
	require.Error(t, err)

	_, err = New(Config{AccessToken: "t"}, zap.NewNop())
	require.Error(t, err)
}

func TestHashtagSearch(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ig_hashtag_search", r.URL.Path)
		require.Equal(t, "bakery", r.URL.Query().Get("q"))
		require.Equal(t, "token", r.URL.Query().Get("access_token"))
		fmt.Fprint(w, `{"data":[{"id":"17843826142012701","name":"bakery"}]}`)
	}))

	tags, err := client.HashtagSearch(context.Background(), "bakery")
	require.NoError(t, err)
	require.Len(t, tags, 1)
	require.Equal(t, "17843826142012701", tags[0].ID)
	require.Equal(t, "bakery", tags[0].Name)
}

func TestRecentMedia(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/17843826142012701/recent_media", r.URL.Path)
		require.Equal(t, "cursor-1", r.URL.Query().Get("after"))
		fmt.Fprint(w, `{
			"data": [
				{"id":"m1","username":"debakkerij","caption":"fresh bread","timestamp":"2026-08-20T08:00:00+0000"},
				{"id":"m2","username":"jordaanpatisserie","caption":"croissants"}
			],
			"paging": {"cursors": {"after": "cursor-2"}}
		}`)
	}))

	page, err := client.RecentMedia(context.Background(), "17843826142012701", "cursor-1")
	require.NoError(t, err)
	require.Equal(t, "cursor-2", page.After)
	require.Len(t, page.Items, 2)
	require.Equal(t, "debakkerij", page.Items[0].Username)
	require.NotNil(t, page.Items[0].TakenAt)
	require.Equal(t, time.Date(2026, 8, 20, 8, 0, 0, 0, time.UTC), *page.Items[0].TakenAt)
	require.Nil(t, page.Items[1].TakenAt)
}

func TestBusinessDiscovery(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/17841400000000000", r.URL.Path)
		require.Contains(t, r.URL.Query().Get("fields"), "business_discovery.username(debakkerij)")
		fmt.Fprint(w, `{"business_discovery": {
			"username": "debakkerij",
			"name": "De Bakkerij",
			"biography": "sourdough bakery in the jordaan",
			"website": "https://debakkerij.nl",
			"category": "Bakery",
			"media_count": 210,
			"followers_count": 15400,
			"follows_count": 320
		}}`)
	}))

	profile, err := client.BusinessDiscovery(context.Background(), "debakkerij")
	require.NoError(t, err)
	require.NotNil(t, profile)
	require.Equal(t, "De Bakkerij", profile.Name)
	require.Equal(t, int64(15400), profile.FollowersCount)
	require.True(t, profile.IsProfessional)
}

func TestBusinessDiscoveryUnavailable(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"Invalid OAuth access token.","type":"OAuthException","code":190}}`)
	}))

	profile, err := client.BusinessDiscovery(context.Background(), "ghost")
	require.NoError(t, err)
	require.Nil(t, profile)
}

func TestBusinessDiscoveryNotProfessional(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"The account is not eligible.","type":"OAuthException","code":100,"error_subcode":2108006}}`)
	}))

	_, err := client.BusinessDiscovery(context.Background(), "privateaccount")
	require.ErrorIs(t, err, lead.ErrNotProfessional)
}

func TestBusinessDiscoveryAPIError(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"Unsupported get request.","type":"GraphMethodException","code":100,"error_subcode":33}}`)
	}))

	_, err := client.BusinessDiscovery(context.Background(), "debakkerij")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, 100, apiErr.Code)
	require.Equal(t, 33, apiErr.Subcode)
}

func TestRetryOnServerError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"data":[]}`)
	}))

	_, err := client.HashtagSearch(context.Background(), "bakery")
	require.NoError(t, err)
	require.Equal(t, int32(3), calls.Load())
}

func TestRetriesExhaustedOnRateLimit(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := client.HashtagSearch(context.Background(), "bakery")
	require.Error(t, err)
	require.Equal(t, int32(3), calls.Load()) // initial try + 2 retries
}
