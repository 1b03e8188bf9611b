// Package fetcher streams a remote file into the incomplete directory and
// moves it into the output directory once complete. Interrupted transfers
// leave a .part file that later fetches resume from.
package fetcher

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jgivc/docfetch/internal/backoff"
	"github.com/jgivc/docfetch/internal/common"
	"github.com/jgivc/docfetch/internal/config"
	"github.com/jgivc/docfetch/internal/entity"
	"github.com/jgivc/docfetch/internal/metrics"
	"github.com/spf13/afero"
)

const (
	PartSuffix = ".part"

	probeTimeout = 30 * time.Second
	sniffSize    = 500
	bufferSize   = 32 * 1024
)

var markupMarkers = [][]byte{[]byte("<!doctype html"), []byte("<html"), []byte("<head>")}

type ProgressSink interface {
	Progress(p entity.Progress)
}

type nopSink struct{}

func (nopSink) Progress(entity.Progress) {}

type remoteInfo struct {
	Size          int64
	AcceptsRanges bool
	ContentType   string
	Disposition   string
}

type fetcher struct {
	fs            afero.Fs
	cl            *http.Client
	outDir        string
	incompleteDir string
	delay         time.Duration
	sink          ProgressSink
	metrics       *metrics.Metrics
	log           *slog.Logger

	// Destinations owned by transfers in flight. Their .part files derive
	// from them, so two fetches never share one.
	mu      sync.Mutex
	claimed map[string]struct{}
}

func NewFetcher(cl *http.Client, cfg *config.Config, sink ProgressSink, m *metrics.Metrics, log *slog.Logger) *fetcher {
	return NewFetcherWithFS(afero.NewOsFs(), cl, cfg, sink, m, log)
}

func NewFetcherWithFS(fs afero.Fs, cl *http.Client, cfg *config.Config, sink ProgressSink, m *metrics.Metrics, log *slog.Logger) *fetcher {
	if sink == nil {
		sink = nopSink{}
	}

	return &fetcher{
		fs:            fs,
		cl:            cl,
		outDir:        cfg.Paths.Download,
		incompleteDir: cfg.Paths.Incomplete,
		delay:         cfg.Downloads.Delay.Duration(),
		sink:          sink,
		metrics:       m,
		log:           log.With(slog.String("item", "Fetcher")),
		claimed:       make(map[string]struct{}),
	}
}

// Fetch downloads rawURL and returns the path of the finished file. title
// is the catalog title used to name it.
func (f *fetcher) Fetch(ctx context.Context, rawURL, title string, resumeAttempts int) (string, error) {
	log := f.log.With(slog.String("url", rawURL))
	log.Debug("Fetch file")

	info, err := f.head(ctx, rawURL)
	if err != nil {
		log.Error("Cannot probe file", slog.Any("error", err))

		return "", fmt.Errorf("%w: %w", common.ErrTransferFailed, err)
	}

	if strings.Contains(strings.ToLower(info.ContentType), "text/html") {
		log.Warn("URL returned HTML instead of a file", slog.String("content_type", info.ContentType))

		return "", common.ErrMarkupContent
	}

	ext := detectExtension(info.ContentType, rawURL, info.Disposition)
	name := buildFilename(title, rawURL, ext)

	for _, dir := range []string{f.outDir, f.incompleteDir} {
		if err := f.fs.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("cannot create directory %s: %w", dir, err)
		}
	}

	dest, err := f.claim(name)
	if err != nil {
		return "", err
	}

	state := &entity.TransferState{
		DestinationPath: dest,
		TemporaryPath:   filepath.Join(f.incompleteDir, filepath.Base(dest)+PartSuffix),
		TotalSize:       info.Size,
		ResumeSupported: info.AcceptsRanges,
	}
	defer func() { f.release(state.DestinationPath) }()

	if err := f.syncOffset(state); err != nil {
		return "", err
	}

	if state.BytesDownloaded > 0 {
		log.Info("Found partial file", slog.Int64("downloaded", state.BytesDownloaded), slog.Int64("total", state.TotalSize))
	}

	log.Debug("Transfer state", slog.Any("state", *state))

	if resumeAttempts < 1 {
		resumeAttempts = 1
	}

	policy := backoff.Constant(resumeAttempts, f.delay)
	err = policy.Retry(ctx, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			if err := f.syncOffset(state); err != nil {
				return err
			}
		}

		return f.transfer(ctx, rawURL, state, log)
	}, func(attempt int, wait time.Duration, err error) {
		log.Warn("Download attempt failed",
			slog.Int("attempt", attempt+1),
			slog.Int("max_attempts", resumeAttempts),
			slog.Any("error", err),
		)
	})
	if err != nil {
		if errors.Is(err, common.ErrMarkupContent) {
			return "", err
		}

		log.Error("Download failed", slog.Any("error", err), slog.String("partial", state.TemporaryPath))

		return "", fmt.Errorf("%w: %w", common.ErrTransferFailed, err)
	}

	if err := f.finish(state, name); err != nil {
		return "", err
	}

	log.Info("Downloaded", slog.String("path", state.DestinationPath), slog.Int64("size", state.BytesDownloaded))

	return state.DestinationPath, nil
}

func (f *fetcher) isClaimed(p string) bool {
	_, ok := f.claimed[p]

	return ok
}

// claim reserves a free destination for name.
func (f *fetcher) claim(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, err := uniquePath(f.fs, f.outDir, name, f.isClaimed)
	if err != nil {
		return "", err
	}

	f.claimed[p] = struct{}{}

	return p, nil
}

func (f *fetcher) release(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.claimed, p)
}

// finish moves the complete partial into place. A destination created by
// someone else meanwhile is kept and the next free name is used instead.
func (f *fetcher) finish(state *entity.TransferState, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	exists, err := afero.Exists(f.fs, state.DestinationPath)
	if err != nil {
		return fmt.Errorf("cannot check %s: %w", state.DestinationPath, err)
	}

	if exists {
		dest, err := uniquePath(f.fs, f.outDir, name, f.isClaimed)
		if err != nil {
			return err
		}

		f.log.Warn("Destination appeared during download", slog.String("path", state.DestinationPath), slog.String("new_path", dest))

		delete(f.claimed, state.DestinationPath)
		f.claimed[dest] = struct{}{}
		state.DestinationPath = dest
	}

	if err := f.fs.Rename(state.TemporaryPath, state.DestinationPath); err != nil {
		return fmt.Errorf("cannot move %s to %s: %w", state.TemporaryPath, state.DestinationPath, err)
	}

	return nil
}

func (f *fetcher) head(ctx context.Context, rawURL string) (*remoteInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot create request: %w", err)
	}

	resp, err := f.cl.Do(req)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	info := &remoteInfo{
		AcceptsRanges: resp.Header.Get("Accept-Ranges") == "bytes",
		ContentType:   resp.Header.Get("Content-Type"),
		Disposition:   resp.Header.Get("Content-Disposition"),
	}

	if size, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil && size > 0 {
		info.Size = size
	} else if resp.ContentLength > 0 {
		info.Size = resp.ContentLength
	}

	return info, nil
}

// syncOffset resumes from the bytes already on disk when the server
// accepts ranges.
func (f *fetcher) syncOffset(state *entity.TransferState) error {
	state.BytesDownloaded = 0
	if !state.ResumeSupported {
		return nil
	}

	st, err := f.fs.Stat(state.TemporaryPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("cannot stat %s: %w", state.TemporaryPath, err)
	}

	state.BytesDownloaded = st.Size()

	return nil
}

func (f *fetcher) get(ctx context.Context, rawURL string, offset int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("cannot create request: %w", err))
	}

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	return f.cl.Do(req)
}

func (f *fetcher) transfer(ctx context.Context, rawURL string, state *entity.TransferState, log *slog.Logger) error {
	offset := state.BytesDownloaded
	if offset > 0 {
		log.Info("Resuming", slog.Int64("offset", offset))
	}

	resp, err := f.get(ctx, rawURL, offset)
	if err != nil {
		return err
	}

	if offset > 0 && !rangeUsable(resp, offset) {
		discard(resp)
		log.Warn("Resume not supported, starting from beginning",
			slog.Int("status", resp.StatusCode),
			slog.String("content_range", resp.Header.Get("Content-Range")),
		)

		if err := f.removePartial(state); err != nil {
			return err
		}

		offset = 0
		if resp, err = f.get(ctx, rawURL, 0); err != nil {
			return err
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if resp.StatusCode != http.StatusPartialContent && offset > 0 {
		log.Warn("Server ignored range request, starting from beginning")
		offset = 0
	}

	state.BytesDownloaded = offset
	if state.TotalSize <= 0 && resp.ContentLength > 0 {
		state.TotalSize = offset + resp.ContentLength
	}

	body := bufio.NewReaderSize(resp.Body, bufferSize)

	if offset == 0 {
		head, _ := body.Peek(sniffSize)
		if looksLikeMarkup(head) {
			log.Warn("Downloaded content appears to be HTML, aborting")
			if err := f.removePartial(state); err != nil {
				log.Error("Cannot remove partial file", slog.Any("error", err))
			}

			return backoff.Permanent(common.ErrMarkupContent)
		}
	}

	flag := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flag |= os.O_APPEND
	} else {
		flag |= os.O_TRUNC
	}

	file, err := f.fs.OpenFile(state.TemporaryPath, flag, 0o644)
	if err != nil {
		return fmt.Errorf("cannot open %s: %w", state.TemporaryPath, err)
	}

	err = f.copy(file, body, state)
	if cerr := file.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("cannot close %s: %w", state.TemporaryPath, cerr)
	}

	if err != nil {
		return err
	}

	if state.TotalSize > 0 && state.BytesDownloaded < state.TotalSize {
		return fmt.Errorf("short body: got %d of %d bytes", state.BytesDownloaded, state.TotalSize)
	}

	return nil
}

func (f *fetcher) copy(dst io.Writer, src io.Reader, state *entity.TransferState) error {
	f.report(state, true)

	buf := make([]byte, bufferSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return fmt.Errorf("cannot write %s: %w", state.TemporaryPath, err)
			}

			state.BytesDownloaded += int64(n)
			f.metrics.AddBytes(int64(n))
			f.report(state, false)
		}

		if rerr == io.EOF {
			return nil
		}

		if rerr != nil {
			return fmt.Errorf("cannot read body: %w", rerr)
		}
	}
}

func (f *fetcher) report(state *entity.TransferState, initial bool) {
	if state.TotalSize <= 0 && !initial {
		return
	}

	var percent float64
	if state.TotalSize > 0 {
		percent = float64(state.BytesDownloaded) / float64(state.TotalSize) * 100
	}

	f.sink.Progress(entity.Progress{
		TotalSize:  state.TotalSize,
		Downloaded: state.BytesDownloaded,
		Percent:    percent,
	})
}

func (f *fetcher) removePartial(state *entity.TransferState) error {
	if err := f.fs.Remove(state.TemporaryPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("cannot remove %s: %w", state.TemporaryPath, err)
	}

	return nil
}

// rangeUsable reports whether resp can follow the offset bytes on disk. A
// 200 is usable too: the body is written from the start.
func rangeUsable(resp *http.Response, offset int64) bool {
	switch resp.StatusCode {
	case http.StatusOK:
		return true
	case http.StatusPartialContent:
		start, ok := contentRangeStart(resp.Header.Get("Content-Range"))

		return ok && start == offset
	default:
		return false
	}
}

// contentRangeStart parses the first byte of "bytes <start>-<end>/<size>".
func contentRangeStart(v string) (int64, bool) {
	var start, end int64
	if n, err := fmt.Sscanf(v, "bytes %d-%d", &start, &end); err != nil || n != 2 || end < start {
		return 0, false
	}

	return start, true
}

func looksLikeMarkup(head []byte) bool {
	if len(head) > sniffSize {
		head = head[:sniffSize]
	}

	head = bytes.ToLower(head)
	for _, m := range markupMarkers {
		if bytes.Contains(head, m) {
			return true
		}
	}

	return false
}

func discard(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
