package fastpath

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jgivc/docfetch/internal/common"
	"github.com/jgivc/docfetch/internal/config"
	"github.com/jgivc/docfetch/internal/entity"
	"github.com/stretchr/testify/require"
)

const testHash = "d41d8cd98f00b204e9800998ecf8427e"

type apiStub struct {
	hits   atomic.Int32
	status int
	body   string
	query  atomic.Value
}

func (s *apiStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.hits.Add(1)
	s.query.Store(r.URL.Query())

	if s.status != http.StatusNoContent && s.body != "" {
		w.Header().Set("Content-Type", "application/json")
	}

	w.WriteHeader(s.status)
	io.WriteString(w, s.body)
}

func newClient(t *testing.T, stub *apiStub, enabled bool, key string) (*fastPathClient, *time.Time) {
	t.Helper()

	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	cfg := &config.FastDownloadConfig{
		Enabled:     enabled,
		Key:         key,
		APIURL:      srv.URL + "/dyn/api/fast_download.json",
		PathIndex:   1,
		DomainIndex: 2,
	}

	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	c := NewFastPathClient(srv.Client(), cfg, nil, log)

	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	c.now = func() time.Time { return now }

	return c, &now
}

func intPtr(v int) *int {
	return &v
}

func TestTryFastPathNotConfigured(t *testing.T) {
	for _, tc := range []struct {
		name    string
		enabled bool
		key     string
	}{
		{name: "Disabled", enabled: false, key: "secret"},
		{name: "No key", enabled: true, key: ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			stub := &apiStub{status: http.StatusOK, body: `{"download_url":"https://x/y.epub"}`}
			c, _ := newClient(t, stub, tc.enabled, tc.key)

			_, err := c.TryFastPath(context.Background(), testHash)
			require.ErrorIs(t, err, common.ErrFastPathNotConfigured)
			require.Equal(t, int32(0), stub.hits.Load())
			require.False(t, c.Snapshot().Available)
			require.False(t, c.RefreshQuota(context.Background(), true))
		})
	}
}

func TestTryFastPathStatus(t *testing.T) {
	testCases := []struct {
		name            string
		status          int
		body            string
		expectedURL     string
		expectedKind    error
		expectedMessage string
		check           func(t *testing.T, q entity.QuotaSnapshot)
	}{
		{
			name:        "Success",
			status:      http.StatusOK,
			body:        `{"download_url":"https://fast.example.org/file.epub"}`,
			expectedURL: "https://fast.example.org/file.epub",
		},
		{
			name:            "Success status without url",
			status:          http.StatusOK,
			body:            `{"error":"Temporarily unavailable"}`,
			expectedKind:    common.ErrFastPathFailed,
			expectedMessage: "Temporarily unavailable",
		},
		{
			name:            "Already delivered",
			status:          http.StatusNoContent,
			expectedKind:    common.ErrAlreadyDelivered,
			expectedMessage: "File already downloaded recently",
		},
		{
			name:            "Invalid md5",
			status:          http.StatusBadRequest,
			body:            `{"error":"Invalid md5"}`,
			expectedKind:    common.ErrInvalidHash,
			expectedMessage: "Invalid md5",
		},
		{
			name:            "Invalid key",
			status:          http.StatusUnauthorized,
			body:            `{}`,
			expectedKind:    common.ErrInvalidKey,
			expectedMessage: "Invalid secret key",
			check: func(t *testing.T, q entity.QuotaSnapshot) {
				require.False(t, q.Available)
			},
		},
		{
			name:            "Not a member",
			status:          http.StatusForbidden,
			body:            `{"error":"Not a member"}`,
			expectedKind:    common.ErrNotEntitled,
			expectedMessage: "Not a member",
			check: func(t *testing.T, q entity.QuotaSnapshot) {
				require.False(t, q.Available)
			},
		},
		{
			name:            "No downloads left",
			status:          http.StatusTooManyRequests,
			body:            `{"error":"No downloads left"}`,
			expectedKind:    common.ErrQuotaExhausted,
			expectedMessage: "No downloads left",
			check: func(t *testing.T, q entity.QuotaSnapshot) {
				require.NotNil(t, q.DownloadsLeft)
				require.Equal(t, 0, *q.DownloadsLeft)
			},
		},
		{
			name:            "Unexpected status",
			status:          http.StatusTeapot,
			body:            `{}`,
			expectedKind:    common.ErrUnexpectedStatus,
			expectedMessage: "HTTP 418",
		},
		{
			name:         "Malformed body",
			status:       http.StatusOK,
			body:         `<html>oops</html>`,
			expectedKind: common.ErrInvalidAPIResponse,
			check: func(t *testing.T, q entity.QuotaSnapshot) {
				require.True(t, q.Available)
				require.Nil(t, q.DownloadsLeft)
				require.True(t, q.LastRefresh.IsZero())
			},
		},
		{
			name:         "Empty body on error",
			status:       http.StatusInternalServerError,
			expectedKind: common.ErrInvalidAPIResponse,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			stub := &apiStub{status: tc.status, body: tc.body}
			c, _ := newClient(t, stub, true, "secret")

			link, err := c.TryFastPath(context.Background(), testHash)
			require.Equal(t, int32(1), stub.hits.Load())

			if tc.expectedKind == nil {
				require.NoError(t, err)
				require.Equal(t, tc.expectedURL, link)
			} else {
				require.ErrorIs(t, err, tc.expectedKind)
				require.Empty(t, link)

				var fe *Error
				require.True(t, errors.As(err, &fe))
				require.Equal(t, tc.status, fe.StatusCode)
				if tc.expectedMessage != "" {
					require.Equal(t, tc.expectedMessage, fe.Message)
				}
			}

			if tc.check != nil {
				tc.check(t, c.Snapshot())
			}
		})
	}
}

func TestTryFastPathQuery(t *testing.T) {
	stub := &apiStub{status: http.StatusOK, body: `{"download_url":"https://x/y.epub"}`}
	c, _ := newClient(t, stub, true, "secret")

	_, err := c.TryFastPath(context.Background(), testHash)
	require.NoError(t, err)

	q := stub.query.Load().(url.Values)
	require.Equal(t, []string{testHash}, q["md5"])
	require.Equal(t, []string{"secret"}, q["key"])
	require.Equal(t, []string{"1"}, q["path_index"])
	require.Equal(t, []string{"2"}, q["domain_index"])
}

func TestTryFastPathExhaustedSkipsNetwork(t *testing.T) {
	stub := &apiStub{status: http.StatusTooManyRequests, body: `{"error":"No downloads left"}`}
	c, _ := newClient(t, stub, true, "secret")

	_, err := c.TryFastPath(context.Background(), testHash)
	require.ErrorIs(t, err, common.ErrQuotaExhausted)

	_, err = c.TryFastPath(context.Background(), testHash)
	require.ErrorIs(t, err, common.ErrQuotaExhausted)
	require.Equal(t, int32(1), stub.hits.Load())
}

// quotaAPI answers the probe document with the current counter and other
// documents with 429 once the counter reaches zero.
type quotaAPI struct {
	left      atomic.Int32
	downloads atomic.Int32
	probes    atomic.Int32
}

func (s *quotaAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	left := s.left.Load()
	if r.URL.Query().Get("md5") == ProbeHash {
		s.probes.Add(1)
		fmt.Fprintf(w, `{"account_fast_download_info":{"downloads_left":%d,"downloads_per_day":10}}`, left)

		return
	}

	s.downloads.Add(1)
	if left <= 0 {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":"No downloads left"}`)

		return
	}

	io.WriteString(w, `{"download_url":"https://fast.example.org/file.epub"}`)
}

func TestQuotaExhaustedUntilForcedRefresh(t *testing.T) {
	const otherHash = "0123456789abcdef0123456789abcdef"

	api := &quotaAPI{}
	api.left.Store(1)

	srv := httptest.NewServer(api)
	defer srv.Close()

	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	c := NewFastPathClient(srv.Client(), &config.FastDownloadConfig{
		Enabled: true,
		Key:     "secret",
		APIURL:  srv.URL + "/dyn/api/fast_download.json",
	}, nil, log)

	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.True(t, c.RefreshQuota(ctx, true))
	require.Equal(t, 1, *c.Snapshot().DownloadsLeft)

	// The account ran out elsewhere.
	api.left.Store(0)

	_, err := c.TryFastPath(ctx, testHash)
	require.ErrorIs(t, err, common.ErrQuotaExhausted)
	require.Equal(t, int32(1), api.downloads.Load())
	require.True(t, c.Snapshot().Exhausted())

	_, err = c.TryFastPath(ctx, otherHash)
	require.ErrorIs(t, err, common.ErrQuotaExhausted)
	require.Equal(t, int32(1), api.downloads.Load())

	// Inside the cooldown nothing is asked and the counter stays at zero.
	api.left.Store(4)
	now = now.Add(10 * time.Minute)
	require.True(t, c.RefreshQuota(ctx, false))
	require.Equal(t, int32(1), api.probes.Load())

	_, err = c.TryFastPath(ctx, otherHash)
	require.ErrorIs(t, err, common.ErrQuotaExhausted)
	require.Equal(t, int32(1), api.downloads.Load())

	require.True(t, c.RefreshQuota(ctx, true))
	require.Equal(t, int32(2), api.probes.Load())
	require.Equal(t, 4, *c.Snapshot().DownloadsLeft)

	link, err := c.TryFastPath(ctx, otherHash)
	require.NoError(t, err)
	require.Equal(t, "https://fast.example.org/file.epub", link)
	require.Equal(t, int32(2), api.downloads.Load())
}

func TestTryFastPathMergesAccountInfo(t *testing.T) {
	stub := &apiStub{
		status: http.StatusOK,
		body: `{"download_url":"https://x/y.epub","account_fast_download_info":
			{"downloads_left":9,"downloads_per_day":10,"recently_downloaded_md5s":["aa"]}}`,
	}
	c, now := newClient(t, stub, true, "secret")

	var published []entity.QuotaSnapshot
	c.OnUpdate(func(q entity.QuotaSnapshot) { published = append(published, q) })

	_, err := c.TryFastPath(context.Background(), testHash)
	require.NoError(t, err)

	q := c.Snapshot()
	require.True(t, q.Available)
	require.Equal(t, 9, *q.DownloadsLeft)
	require.Equal(t, 10, *q.DownloadsPerDay)
	require.Equal(t, []string{"aa"}, q.RecentlyDownloaded)
	require.Equal(t, *now, q.LastRefresh)

	require.Len(t, published, 1)
	require.Equal(t, q, published[0])

	// Snapshot is a copy.
	*q.DownloadsLeft = 100
	require.Equal(t, 9, *c.Snapshot().DownloadsLeft)
}

func TestTryFastPathAccountInfoThenStatus(t *testing.T) {
	stub := &apiStub{
		status: http.StatusUnauthorized,
		body:   `{"error":"bad key","account_fast_download_info":{"downloads_left":3,"downloads_per_day":10}}`,
	}
	c, _ := newClient(t, stub, true, "secret")

	_, err := c.TryFastPath(context.Background(), testHash)
	require.ErrorIs(t, err, common.ErrInvalidKey)

	q := c.Snapshot()
	require.False(t, q.Available)
	require.Equal(t, 3, *q.DownloadsLeft)
}

func TestTryFastPathNetworkError(t *testing.T) {
	stub := &apiStub{status: http.StatusOK}
	c, _ := newClient(t, stub, true, "secret")
	c.cfg.APIURL = "http://127.0.0.1:1/dyn/api/fast_download.json"

	before := c.Snapshot()

	_, err := c.TryFastPath(context.Background(), testHash)
	require.ErrorIs(t, err, common.ErrFastPathNetwork)
	require.Equal(t, before, c.Snapshot())
}

func TestTransportErrorHidesKey(t *testing.T) {
	const key = "SUPERSECRETKEY"

	srv := httptest.NewServer(http.NotFoundHandler())
	apiURL := srv.URL + "/dyn/api/fast_download.json"
	srv.Close()

	logs := &bytes.Buffer{}
	log := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c := NewFastPathClient(http.DefaultClient, &config.FastDownloadConfig{
		Enabled: true,
		Key:     key,
		APIURL:  apiURL,
	}, nil, log)

	_, err := c.TryFastPath(context.Background(), testHash)
	require.ErrorIs(t, err, common.ErrFastPathNetwork)
	require.NotContains(t, err.Error(), key)
	require.Contains(t, err.Error(), "key=REDACTED")

	require.False(t, c.RefreshQuota(context.Background(), true))

	require.NotEmpty(t, logs.String())
	require.NotContains(t, logs.String(), key)
}

func TestRedactKey(t *testing.T) {
	err := redactKey(&url.Error{Op: "Get", URL: "https://api.example.org/fast?key=s3cret&md5=abc", Err: context.DeadlineExceeded})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotContains(t, err.Error(), "s3cret")
	require.Contains(t, err.Error(), "md5=abc")

	plain := errors.New("plain")
	require.Equal(t, plain, redactKey(plain))
}

func TestRefreshQuota(t *testing.T) {
	stub := &apiStub{
		status: http.StatusOK,
		body:   `{"download_url":"https://x/y.epub","account_fast_download_info":{"downloads_left":5,"downloads_per_day":10}}`,
	}
	c, now := newClient(t, stub, true, "secret")

	require.True(t, c.RefreshQuota(context.Background(), false))
	require.Equal(t, int32(1), stub.hits.Load())

	q := stub.query.Load().(url.Values)
	require.Equal(t, []string{ProbeHash}, q["md5"])
	require.Equal(t, 5, *c.Snapshot().DownloadsLeft)
	require.Equal(t, *now, c.Snapshot().LastRefresh)

	// Inside the cooldown.
	*now = now.Add(30 * time.Minute)
	require.True(t, c.RefreshQuota(context.Background(), false))
	require.Equal(t, int32(1), stub.hits.Load())

	// Forced.
	require.True(t, c.RefreshQuota(context.Background(), true))
	require.Equal(t, int32(2), stub.hits.Load())

	// Cooldown passed.
	*now = now.Add(2 * time.Hour)
	require.True(t, c.RefreshQuota(context.Background(), false))
	require.Equal(t, int32(3), stub.hits.Load())
}

func TestRefreshQuotaWithoutAccountInfo(t *testing.T) {
	for _, tc := range []struct {
		name   string
		status int
		body   string
	}{
		{name: "No account info", status: http.StatusOK, body: `{"download_url":"https://x"}`},
		{name: "Malformed", status: http.StatusOK, body: `nope`},
		{name: "Unauthorized", status: http.StatusUnauthorized, body: `{"error":"Invalid secret key"}`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			stub := &apiStub{status: tc.status, body: tc.body}
			c, _ := newClient(t, stub, true, "secret")

			require.False(t, c.RefreshQuota(context.Background(), true))
			require.True(t, c.Snapshot().Available)
			require.Nil(t, c.Snapshot().DownloadsLeft)
		})
	}
}
