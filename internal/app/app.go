package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jgivc/docfetch/internal/backoff"
	"github.com/jgivc/docfetch/internal/config"
	"github.com/jgivc/docfetch/internal/entity"
	httphandler "github.com/jgivc/docfetch/internal/handler/http"
	"github.com/jgivc/docfetch/internal/httpclient"
	"github.com/jgivc/docfetch/internal/metrics"
	"github.com/jgivc/docfetch/internal/progress"
	"github.com/jgivc/docfetch/internal/repository/catalog"
	"github.com/jgivc/docfetch/internal/repository/fastpath"
	quotarepo "github.com/jgivc/docfetch/internal/repository/quota"
	"github.com/jgivc/docfetch/internal/service/download"
	"github.com/jgivc/docfetch/internal/service/mirror"
	quotasrv "github.com/jgivc/docfetch/internal/service/quota"
	"github.com/jgivc/docfetch/internal/storage/fetcher"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const (
	pingTimeout     = 5 * time.Second
	shutdownTimeout = 5 * time.Second

	responseHeaderTimeout = 60 * time.Second
)

var ErrDownloadsFailed = errors.New("some downloads failed")

type downloader interface {
	Download(ctx context.Context, req download.Request) (*entity.DownloadOutcome, error)
}

type quotaService interface {
	Quota(ctx context.Context, force bool) (entity.QuotaSnapshot, error)
	Published(ctx context.Context) (*entity.QuotaSnapshot, error)
}

// Options tune a single run. Console, when set, receives status and
// progress lines.
type Options struct {
	Console   io.Writer
	Overrides []func(cfg *config.Config)
}

type App struct {
	cfgPath string
	cfg     *config.Config
	srv     *http.Server
	rdb     *redis.Client
	reg     *prometheus.Registry
	log     *slog.Logger

	downloads downloader
	quota     quotaService
	console   io.Writer
}

func New(cfgPath string) *App {
	return &App{
		cfgPath: cfgPath,
	}
}

// Init loads the configuration and wires every component.
func (a *App) Init(opts Options) error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}

	for _, fn := range opts.Overrides {
		fn(cfg)
	}
	a.cfg = cfg

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	a.log = log

	var repo quotasrv.QuotaRepository
	if cfg.RedisURL != "" {
		rdb, err := connectRedis(cfg.RedisURL)
		if err != nil {
			log.Warn("Redis is not available, quota will not be published", slog.Any("error", err))
		} else {
			a.rdb = rdb
			repo = quotarepo.NewQuotaRepository(rdb, log)
		}
	}

	a.reg = prometheus.NewRegistry()
	a.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.MustNewMetrics(a.reg)

	cl := httpclient.New(httpclient.Options{
		ResponseHeaderTimeout: responseHeaderTimeout,
	})

	var (
		status   download.StatusSink
		progSink fetcher.ProgressSink
	)
	if opts.Console != nil {
		rep := progress.NewReporter(progress.Options{Output: opts.Console})
		status, progSink = rep, rep
		a.console = opts.Console
	}

	cat := catalog.NewCatalogRepository(cl, &cfg.Catalog, log)
	fast := fastpath.NewFastPathClient(cl, &cfg.FastDownload, m, log)
	mirrors := mirror.NewMirrorService(cl, backoff.Exponential(cfg.Downloads.RetryCount), log)
	fetch := fetcher.NewFetcher(cl, cfg, progSink, m, log)

	qs := quotasrv.NewQuotaService(fast, repo, log)
	fast.OnUpdate(qs.Publish)
	a.quota = qs

	a.downloads = download.NewDownloadService(cat, fast, mirrors, fetch, &cfg.Downloads, status, m, log)

	return nil
}

func newLogger(level string) (*slog.Logger, error) {
	lo := &slog.HandlerOptions{}
	switch level {
	case config.LogLevelInfo:
		lo.Level = slog.LevelInfo
	case config.LogLevelWarn:
		lo.Level = slog.LevelWarn
	case config.LogLevelError:
		lo.Level = slog.LevelError
	case config.LogLevelDebug:
		lo.Level = slog.LevelDebug
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	return slog.New(slog.NewTextHandler(os.Stderr, lo)), nil
}

func connectRedis(rawURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("cannot parse redis url: %w", err)
	}

	rdb := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()

		return nil, fmt.Errorf("cannot ping redis: %w", err)
	}

	return rdb, nil
}

// Start serves the HTTP API in the background.
func (a *App) Start() {
	mux := http.NewServeMux()
	mux.Handle("POST /download/{id}/{$}", httphandler.NewDownloadHandler(a.downloads, a.log))
	mux.Handle("GET /quota/{$}", httphandler.NewQuotaHandler(a.quota, a.log))
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{}))

	a.srv = &http.Server{
		Addr:    a.cfg.Listen,
		Handler: mux,
	}

	go func() {
		a.log.Info("Start listen", slog.String("addr", a.cfg.Listen))

		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("Could not serve", slog.String("listen_addr", a.cfg.Listen), slog.Any("error", err))
			os.Exit(2)
		}
	}()
}

// Download runs every input in order, pausing downloads.delay between them.
func (a *App) Download(ctx context.Context, inputs []string, mirror string) error {
	failed := 0

	for i, input := range inputs {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.cfg.Downloads.Delay.Duration()):
			}
		}

		outcome, err := a.downloads.Download(ctx, download.Request{
			Input:           input,
			PreferredMirror: mirror,
		})
		if err != nil {
			failed++
			a.printf("Failed %s: %s\n", input, err)

			continue
		}

		a.printf("Saved %s to %s (source: %s)\n", outcome.Hash, outcome.FilePath, outcome.Source)
	}

	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", ErrDownloadsFailed, failed, len(inputs))
	}

	return nil
}

// Quota returns the fast download snapshot. With cached set it reads the
// last published snapshot instead of asking the API.
func (a *App) Quota(ctx context.Context, force, cached bool) (*entity.QuotaSnapshot, error) {
	if cached {
		return a.quota.Published(ctx)
	}

	snap, err := a.quota.Quota(ctx, force)
	if err != nil {
		return nil, err
	}

	return &snap, nil
}

func (a *App) printf(format string, args ...any) {
	if a.console != nil {
		fmt.Fprintf(a.console, format, args...)
	}
}

func (a *App) Stop() {
	if a.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := a.srv.Shutdown(ctx); err != nil {
			a.log.Error("Cannot shutdown server", slog.Any("error", err))
		}
	}

	if a.rdb != nil {
		a.rdb.Close()
	}
}
