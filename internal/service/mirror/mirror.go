package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/jgivc/docfetch/internal/adapter/htmladapter"
	"github.com/jgivc/docfetch/internal/backoff"
	"github.com/jgivc/docfetch/internal/common"
)

const (
	serviceName = "mirror"

	requestTimeout = 30 * time.Second
	maxPageSize    = 8 << 20
)

var errServer = errors.New("mirror server error")

// StatusError is a non-retryable HTTP answer from a mirror page.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("mirror page %s returned HTTP %d", e.URL, e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	return common.ErrMirrorUnavailable
}

type mirrorService struct {
	cl     *http.Client
	policy backoff.Policy
	rules  []htmladapter.LinkRule
	log    *slog.Logger
}

func NewMirrorService(cl *http.Client, policy backoff.Policy, log *slog.Logger) *mirrorService {
	return &mirrorService{
		cl:     cl,
		policy: policy,
		rules:  htmladapter.BinaryLinkRules,
		log:    log.With(slog.String("service", serviceName)),
	}
}

// ResolveBinaryURL loads a mirror hosting page and returns the direct link
// of the document it offers.
func (s *mirrorService) ResolveBinaryURL(ctx context.Context, pageURL string) (string, error) {
	log := s.log.With(slog.String("url", pageURL))
	log.Debug("Accessing mirror")

	base, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("cannot parse mirror url: %w", err)
	}

	var body []byte

	err = s.policy.Retry(ctx, func(ctx context.Context, attempt int) error {
		b, err := s.get(ctx, pageURL)
		if err != nil {
			return err
		}

		body = b

		return nil
	}, func(attempt int, wait time.Duration, err error) {
		log.Warn("Mirror request failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.Int("max_attempts", s.policy.MaxAttempts),
			slog.Duration("wait", wait),
			slog.Any("error", err),
		)
	})
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			log.Error("Mirror page rejected request", slog.Int("status", se.StatusCode))

			return "", err
		}

		log.Error("Mirror unavailable", slog.Any("error", err))

		return "", fmt.Errorf("%w: %w", common.ErrMirrorUnavailable, err)
	}

	doc, err := htmladapter.Parse(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("cannot parse mirror page: %w", err)
	}

	link, rule, ok := htmladapter.FindBinaryLink(doc, base, s.rules)
	if !ok {
		log.Warn("Cannot find download link on mirror page",
			slog.String("page_title", htmladapter.PageTitle(doc)),
			slog.String("preview", htmladapter.Preview(string(body))),
		)

		return "", common.ErrNoBinaryLink
	}

	log.Info("Found download link", slog.String("rule", rule), slog.String("link", link))

	return link, nil
}

func (s *mirrorService) get(ctx context.Context, pageURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("cannot create request: %w", err))
	}

	resp, err := s.cl.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusInternalServerError:
		io.Copy(io.Discard, resp.Body)

		return nil, fmt.Errorf("%w: HTTP %d", errServer, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		io.Copy(io.Discard, resp.Body)

		return nil, backoff.Permanent(&StatusError{URL: pageURL, StatusCode: resp.StatusCode})
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return nil, fmt.Errorf("cannot read mirror page: %w", err)
	}

	return body, nil
}
