package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jgivc/docfetch/internal/common"
	"github.com/jgivc/docfetch/internal/config"
	"github.com/jgivc/docfetch/internal/entity"
	"github.com/jgivc/docfetch/internal/metrics"
	"github.com/jgivc/docfetch/internal/util"
)

const (
	serviceName = "download"

	SourceFast = "fast"
)

// An apparent extension starts with a letter so titles like "Python 3.12"
// are not mistaken for file names.
var titleExtRegexp = regexp.MustCompile(`\.([A-Za-z][A-Za-z0-9]{0,4})$`)

type Discoverer interface {
	Discover(ctx context.Context, hash string) *entity.Metadata
}

type FastPath interface {
	Configured() bool
	TryFastPath(ctx context.Context, hash string) (string, error)
}

type MirrorResolver interface {
	ResolveBinaryURL(ctx context.Context, pageURL string) (string, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, rawURL, title string, resumeAttempts int) (string, error)
}

type StatusSink interface {
	Status(msg string)
}

type nopStatus struct{}

func (nopStatus) Status(string) {}

// Request describes one download. Metadata, when set, replaces the catalog
// lookup. Zero ResumeAttempts means the configured default.
type Request struct {
	Input           string
	PreferredMirror string
	ResumeAttempts  int
	Metadata        *entity.Metadata
}

type downloadService struct {
	catalog Discoverer
	fast    FastPath
	mirrors MirrorResolver
	fetcher Fetcher
	status  StatusSink
	metrics *metrics.Metrics
	log     *slog.Logger

	allowed        []string
	resumeAttempts int
	shuffle        func(links []entity.MirrorLink)
}

func NewDownloadService(
	catalog Discoverer,
	fast FastPath,
	mirrors MirrorResolver,
	fetcher Fetcher,
	cfg *config.DownloadsConfig,
	status StatusSink,
	m *metrics.Metrics,
	log *slog.Logger,
) *downloadService {
	if status == nil {
		status = nopStatus{}
	}

	return &downloadService{
		catalog:        catalog,
		fast:           fast,
		mirrors:        mirrors,
		fetcher:        fetcher,
		status:         status,
		metrics:        m,
		log:            log.With(slog.String("service", serviceName)),
		allowed:        cfg.AllowedExtensions,
		resumeAttempts: cfg.ResumeAttempts,
		shuffle: func(links []entity.MirrorLink) {
			rand.Shuffle(len(links), func(i, j int) {
				links[i], links[j] = links[j], links[i]
			})
		},
	}
}

// Download resolves the document, tries the fast path and then every mirror
// until one of them yields a complete file.
func (s *downloadService) Download(ctx context.Context, req Request) (*entity.DownloadOutcome, error) {
	start := time.Now()
	log := s.log.With(slog.String("run_id", uuid.NewString()))

	hash, ok := util.ResolveHash(req.Input)
	if !ok {
		log.Error("Cannot extract md5", slog.String("input", req.Input))

		return &entity.DownloadOutcome{}, fmt.Errorf("%w: %q", common.ErrInvalidIdentifier, req.Input)
	}

	log = log.With(slog.String("md5", hash))
	log.Info("Downloading")

	outcome, err := s.download(ctx, log, hash, req)
	s.metrics.ObserveOutcome(outcome.Source, outcome.Success, time.Since(start))

	return outcome, err
}

func (s *downloadService) download(ctx context.Context, log *slog.Logger, hash string, req Request) (*entity.DownloadOutcome, error) {
	outcome := &entity.DownloadOutcome{Hash: hash}

	meta := req.Metadata
	if meta == nil {
		meta = s.catalog.Discover(ctx, hash)
	}

	title := meta.Title
	if ext, ok := s.rejectedExtension(title); ok {
		log.Error("Extension is not accepted", slog.String("title", title), slog.String("extension", ext))

		return outcome, fmt.Errorf("%w: %s", common.ErrExtensionRejected, ext)
	}

	attempts := req.ResumeAttempts
	if attempts < 1 {
		attempts = s.resumeAttempts
	}

	if s.fast.Configured() {
		if path, ok := s.tryFast(ctx, log, hash, title, attempts); ok {
			outcome.Success = true
			outcome.UsedFastPath = true
			outcome.FilePath = path
			outcome.Source = SourceFast

			return outcome, nil
		}
	}

	links := s.order(meta.Links, req.PreferredMirror)
	if len(links) == 0 {
		log.Error("No download links found")

		return outcome, common.ErrNoMirrors
	}

	log.Info("Found mirrors", slog.Int("count", len(links)))

	for i, link := range links {
		if err := ctx.Err(); err != nil {
			return outcome, fmt.Errorf("%w: %w", common.ErrAllSourcesFailed, err)
		}

		name := link.Name()
		mlog := log.With(slog.String("mirror", name), slog.String("host", link.Host))
		mlog.Info("Trying mirror", slog.Int("index", i+1), slog.Int("total", len(links)))
		s.status.Status(fmt.Sprintf("Accessing mirror %d/%d: %s", i+1, len(links), name))

		path, err := s.tryMirror(ctx, link, title, attempts)
		s.metrics.ObserveMirror(link.Host, err == nil)

		if err == nil {
			mlog.Info("Download successful", slog.String("path", path))
			s.status.Status("Verifying download...")

			outcome.Success = true
			outcome.FilePath = path
			outcome.Source = link.Host

			return outcome, nil
		}

		mlog.Warn("Mirror failed", slog.Any("error", err))
		if i < len(links)-1 {
			s.status.Status("Mirror failed, trying next mirror...")
		}
	}

	log.Error("All mirrors failed")

	return outcome, common.ErrAllSourcesFailed
}

func (s *downloadService) tryFast(ctx context.Context, log *slog.Logger, hash, title string, attempts int) (string, bool) {
	s.status.Status("Trying fast download...")

	link, err := s.fast.TryFastPath(ctx, hash)
	if err != nil {
		log.Info("Fast download not available", slog.Any("error", err))

		return "", false
	}

	s.status.Status("Downloading via fast download...")

	path, err := s.fetcher.Fetch(ctx, link, title, attempts)
	if err != nil {
		log.Warn("Fast download failed, falling back to mirrors", slog.Any("error", err))

		return "", false
	}

	log.Info("Fast download successful", slog.String("path", path))

	return path, true
}

func (s *downloadService) tryMirror(ctx context.Context, link entity.MirrorLink, title string, attempts int) (string, error) {
	direct, err := s.mirrors.ResolveBinaryURL(ctx, link.URL)
	if err != nil {
		return "", fmt.Errorf("cannot resolve download link: %w", err)
	}

	path, err := s.fetcher.Fetch(ctx, direct, title, attempts)
	if err != nil {
		return "", fmt.Errorf("cannot fetch %s: %w", direct, err)
	}

	return path, nil
}

// rejectedExtension reports the apparent extension of a known title when
// it is not on the allow-list.
func (s *downloadService) rejectedExtension(title string) (string, bool) {
	title = strings.TrimSpace(title)
	if title == "" || title == entity.UnknownTitle {
		return "", false
	}

	m := titleExtRegexp.FindStringSubmatch(title)
	if m == nil {
		return "", false
	}

	ext := "." + strings.ToLower(m[1])
	if slices.Contains(s.allowed, ext) {
		return "", false
	}

	return ext, true
}

// order puts mirrors whose host contains preferred first, keeping page
// order otherwise. Without a preference the order is shuffled.
func (s *downloadService) order(links []entity.MirrorLink, preferred string) []entity.MirrorLink {
	out := slices.Clone(links)

	preferred = strings.ToLower(strings.TrimSpace(preferred))
	if preferred == "" {
		s.shuffle(out)

		return out
	}

	slices.SortStableFunc(out, func(a, b entity.MirrorLink) int {
		pa := strings.Contains(strings.ToLower(a.Host), preferred)
		pb := strings.Contains(strings.ToLower(b.Host), preferred)

		switch {
		case pa == pb:
			return 0
		case pa:
			return -1
		default:
			return 1
		}
	})

	return out
}

// IsInputError reports whether err means the request itself is unusable.
func IsInputError(err error) bool {
	return errors.Is(err, common.ErrInvalidIdentifier) || errors.Is(err, common.ErrExtensionRejected)
}
