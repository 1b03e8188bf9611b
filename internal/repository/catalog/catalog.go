package catalog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jgivc/docfetch/internal/adapter/htmladapter"
	"github.com/jgivc/docfetch/internal/config"
	"github.com/jgivc/docfetch/internal/entity"
	"golang.org/x/sync/singleflight"
)

const (
	requestTimeout = 30 * time.Second
)

type catalogRepository struct {
	cl      *http.Client
	baseURL string
	cache   *expirable.LRU[string, *entity.Metadata]
	group   singleflight.Group
	log     *slog.Logger
}

func NewCatalogRepository(cl *http.Client, cfg *config.CatalogConfig, log *slog.Logger) *catalogRepository {
	return &catalogRepository{
		cl:      cl,
		baseURL: cfg.BaseURL,
		cache:   expirable.NewLRU[string, *entity.Metadata](cfg.CacheSize, nil, cfg.CacheTTL),
		log:     log.With(slog.String("item", "CatalogRepository")),
	}
}

// PageURL returns the catalog page of a document.
func (r *catalogRepository) PageURL(hash string) string {
	return r.baseURL + "/md5/" + hash
}

// Discover returns the title and mirror links of the catalog page. It never
// fails: an unreachable page yields an unknown title and no links.
func (r *catalogRepository) Discover(ctx context.Context, hash string) *entity.Metadata {
	if meta, ok := r.cache.Get(hash); ok {
		r.log.Debug("Catalog cache hit", slog.String("md5", hash))

		return clone(meta)
	}

	v, _, _ := r.group.Do(hash, func() (any, error) {
		meta, err := r.fetch(ctx, hash)
		if err != nil {
			r.log.Error("Cannot fetch catalog page", slog.String("md5", hash), slog.Any("error", err))

			return &entity.Metadata{Title: entity.UnknownTitle}, nil
		}

		r.cache.Add(hash, meta)

		return meta, nil
	})

	return clone(v.(*entity.Metadata))
}

func (r *catalogRepository) fetch(ctx context.Context, hash string) (*entity.Metadata, error) {
	pageURL := r.PageURL(hash)
	r.log.Debug("Fetch catalog page", slog.String("url", pageURL))

	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("cannot parse page url: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot create request: %w", err)
	}

	resp, err := r.cl.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannot get page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)

		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	doc, err := htmladapter.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("cannot parse page: %w", err)
	}

	meta := &entity.Metadata{
		Title: htmladapter.ExtractTitle(doc),
		Links: htmladapter.ExtractMirrorLinks(doc, base),
	}

	r.log.Info("Catalog page parsed", slog.String("md5", hash), slog.String("title", meta.Title), slog.Int("links", len(meta.Links)))

	return meta, nil
}

func clone(m *entity.Metadata) *entity.Metadata {
	c := *m
	c.Links = slices.Clone(m.Links)

	return &c
}
