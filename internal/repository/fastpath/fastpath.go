package fastpath

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/jgivc/docfetch/internal/common"
	"github.com/jgivc/docfetch/internal/config"
	"github.com/jgivc/docfetch/internal/entity"
	"github.com/jgivc/docfetch/internal/metrics"
)

const (
	// ProbeHash is a known document used to read account info without
	// spending a download.
	ProbeHash = "d6e1dc51a50726f00ec438af21952a45"

	RefreshCooldown = time.Hour

	requestTimeout = 30 * time.Second
	refreshTimeout = 10 * time.Second
	maxBodySize    = 1 << 20
)

// Error is returned by TryFastPath. Kind is one of the common fast path
// sentinels, so errors.Is works against it.
type Error struct {
	Kind       error
	Message    string
	StatusCode int
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.Error()
	}

	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}

	return msg
}

func (e *Error) Unwrap() error {
	return e.Kind
}

var kindLabels = map[error]string{
	common.ErrFastPathNotConfigured: "not_configured",
	common.ErrQuotaExhausted:        "quota_exhausted",
	common.ErrAlreadyDelivered:      "already_delivered",
	common.ErrInvalidHash:           "invalid_md5",
	common.ErrInvalidKey:            "invalid_key",
	common.ErrNotEntitled:           "not_member",
	common.ErrUnexpectedStatus:      "unexpected_status",
	common.ErrInvalidAPIResponse:    "invalid_response",
	common.ErrFastPathFailed:        "failed",
	common.ErrFastPathNetwork:       "network",
}

type accountInfo struct {
	DownloadsLeft      *int     `json:"downloads_left"`
	DownloadsPerDay    *int     `json:"downloads_per_day"`
	RecentlyDownloaded []string `json:"recently_downloaded_md5s"`
}

type apiResponse struct {
	DownloadURL string       `json:"download_url"`
	Error       string       `json:"error"`
	AccountInfo *accountInfo `json:"account_fast_download_info"`
}

type fastPathClient struct {
	cl      *http.Client
	cfg     config.FastDownloadConfig
	metrics *metrics.Metrics
	log     *slog.Logger

	mu        sync.Mutex
	quota     entity.QuotaSnapshot
	observers []func(entity.QuotaSnapshot)

	now func() time.Time
}

func NewFastPathClient(cl *http.Client, cfg *config.FastDownloadConfig, m *metrics.Metrics, log *slog.Logger) *fastPathClient {
	return &fastPathClient{
		cl:      cl,
		cfg:     *cfg,
		metrics: m,
		log:     log.With(slog.String("item", "FastPathClient")),
		quota: entity.QuotaSnapshot{
			Available:          cfg.Configured(),
			RecentlyDownloaded: []string{},
		},
		now: time.Now,
	}
}

func (c *fastPathClient) Configured() bool {
	return c.cfg.Configured()
}

// OnUpdate registers fn to receive a copy of the snapshot after every
// change. It must be called before the client is shared.
func (c *fastPathClient) OnUpdate(fn func(entity.QuotaSnapshot)) {
	c.observers = append(c.observers, fn)
}

// Snapshot returns a copy of the cached quota.
func (c *fastPathClient) Snapshot() entity.QuotaSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.quota.Clone()
}

func (c *fastPathClient) update(fn func(q *entity.QuotaSnapshot)) {
	c.mu.Lock()
	fn(&c.quota)
	snap := c.quota.Clone()
	c.mu.Unlock()

	if snap.DownloadsLeft != nil {
		c.metrics.SetQuotaLeft(*snap.DownloadsLeft)
	}

	for _, notify := range c.observers {
		notify(snap)
	}
}

func (c *fastPathClient) fail(kind error, msg string, status int) error {
	c.metrics.ObserveFastPath(kindLabels[kind])

	return &Error{Kind: kind, Message: msg, StatusCode: status}
}

// TryFastPath asks the fast download API for a direct URL of the document.
func (c *fastPathClient) TryFastPath(ctx context.Context, hash string) (string, error) {
	if !c.Configured() {
		return "", c.fail(common.ErrFastPathNotConfigured, "", 0)
	}

	if c.Snapshot().Exhausted() {
		c.log.Warn("No fast downloads remaining")

		return "", c.fail(common.ErrQuotaExhausted, "", 0)
	}

	log := c.log.With(slog.String("md5", hash))
	log.Info("Attempting fast download")

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	status, body, err := c.request(ctx, hash)
	if err != nil {
		log.Error("Fast download API request failed", slog.Any("error", err))

		return "", c.fail(common.ErrFastPathNetwork, fmt.Sprintf("API request failed: %s", err), 0)
	}

	resp, err := decode(status, body)
	if err != nil {
		log.Error("Cannot parse fast download API response", slog.Int("status", status), slog.Any("error", err))

		return "", c.fail(common.ErrInvalidAPIResponse, "", status)
	}

	if resp.AccountInfo != nil {
		c.merge(resp.AccountInfo)
	}

	message := func(def string) string {
		if resp.Error != "" {
			return resp.Error
		}

		return def
	}

	switch status {
	case http.StatusOK:
		if resp.DownloadURL != "" {
			log.Info("Fast download URL obtained")
			c.metrics.ObserveFastPath(metrics.ResultSuccess)

			return resp.DownloadURL, nil
		}

		msg := message("Unknown error")
		log.Warn("Fast download failed", slog.String("reason", msg))

		return "", c.fail(common.ErrFastPathFailed, msg, status)
	case http.StatusNoContent:
		msg := message("File already downloaded recently")
		log.Info("Fast download declined", slog.String("reason", msg))

		return "", c.fail(common.ErrAlreadyDelivered, msg, status)
	case http.StatusBadRequest:
		msg := message("Invalid MD5")
		log.Warn("Fast download declined", slog.String("reason", msg))

		return "", c.fail(common.ErrInvalidHash, msg, status)
	case http.StatusUnauthorized:
		msg := message("Invalid secret key")
		log.Error("Fast download declined", slog.String("reason", msg))
		c.update(func(q *entity.QuotaSnapshot) { q.Available = false })

		return "", c.fail(common.ErrInvalidKey, msg, status)
	case http.StatusForbidden:
		msg := message("Not a member")
		log.Error("Fast download declined", slog.String("reason", msg))
		c.update(func(q *entity.QuotaSnapshot) { q.Available = false })

		return "", c.fail(common.ErrNotEntitled, msg, status)
	case http.StatusTooManyRequests:
		msg := message("No downloads left")
		log.Warn("Fast download declined", slog.String("reason", msg))
		c.update(func(q *entity.QuotaSnapshot) {
			zero := 0
			q.DownloadsLeft = &zero
		})

		return "", c.fail(common.ErrQuotaExhausted, msg, status)
	}

	msg := message(fmt.Sprintf("HTTP %d", status))
	log.Warn("Fast download unexpected status", slog.String("reason", msg))

	return "", c.fail(common.ErrUnexpectedStatus, msg, status)
}

// RefreshQuota reads account info with the probe document. It reports
// whether the cached snapshot is usable: true inside the cooldown, or when
// fresh account info has been merged.
func (c *fastPathClient) RefreshQuota(ctx context.Context, force bool) bool {
	if !c.Configured() {
		return false
	}

	if !force {
		since := c.now().Sub(c.Snapshot().LastRefresh)
		if since < RefreshCooldown {
			c.log.Debug("Quota refresh on cooldown", slog.Duration("since", since))

			return true
		}
	}

	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	status, body, err := c.request(ctx, ProbeHash)
	if err != nil {
		c.log.Error("Cannot refresh quota", slog.Any("error", err))

		return false
	}

	resp, err := decode(status, body)
	if err != nil {
		c.log.Error("Cannot parse quota response", slog.Int("status", status), slog.Any("error", err))

		return false
	}

	if resp.AccountInfo == nil {
		return false
	}

	c.merge(resp.AccountInfo)

	return true
}

func (c *fastPathClient) merge(info *accountInfo) {
	now := c.now()

	c.update(func(q *entity.QuotaSnapshot) {
		q.Available = true
		q.DownloadsLeft = info.DownloadsLeft
		q.DownloadsPerDay = info.DownloadsPerDay
		q.RecentlyDownloaded = info.RecentlyDownloaded
		if q.RecentlyDownloaded == nil {
			q.RecentlyDownloaded = []string{}
		}
		q.LastRefresh = now
	})

	c.log.Info("Fast downloads remaining", slog.String("quota", formatCount(info.DownloadsLeft)+"/"+formatCount(info.DownloadsPerDay)))
}

func (c *fastPathClient) request(ctx context.Context, hash string) (int, []byte, error) {
	u, err := url.Parse(c.cfg.APIURL)
	if err != nil {
		return 0, nil, fmt.Errorf("cannot parse api url: %w", err)
	}

	q := u.Query()
	q.Set("md5", hash)
	q.Set("key", c.cfg.Key)
	q.Set("path_index", strconv.Itoa(c.cfg.PathIndex))
	q.Set("domain_index", strconv.Itoa(c.cfg.DomainIndex))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, nil, fmt.Errorf("cannot create request: %w", err)
	}

	resp, err := c.cl.Do(req)
	if err != nil {
		return 0, nil, redactKey(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return 0, nil, fmt.Errorf("cannot read response: %w", err)
	}

	return resp.StatusCode, body, nil
}

// redactKey hides the secret key in the request URL carried by transport
// errors.
func redactKey(err error) error {
	var ue *url.Error
	if !errors.As(err, &ue) {
		return err
	}

	u, perr := url.Parse(ue.URL)
	if perr != nil {
		return &url.Error{Op: ue.Op, URL: "<invalid url>", Err: ue.Err}
	}

	q := u.Query()
	if q.Has("key") {
		q.Set("key", "REDACTED")
		u.RawQuery = q.Encode()
	}

	return &url.Error{Op: ue.Op, URL: u.String(), Err: ue.Err}
}

func decode(status int, body []byte) (*apiResponse, error) {
	resp := &apiResponse{}

	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		if status == http.StatusNoContent {
			return resp, nil
		}

		return nil, errors.New("empty body")
	}

	if err := json.Unmarshal(body, resp); err != nil {
		return nil, err
	}

	return resp, nil
}

func formatCount(v *int) string {
	if v == nil {
		return "?"
	}

	return strconv.Itoa(*v)
}
