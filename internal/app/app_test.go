package app

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/jgivc/docfetch/internal/common"
	"github.com/jgivc/docfetch/internal/config"
	"github.com/jgivc/docfetch/internal/entity"
	"github.com/jgivc/docfetch/internal/service/download"
	"github.com/stretchr/testify/require"
)

type downloaderStub struct {
	requests []download.Request
}

func (s *downloaderStub) Download(_ context.Context, req download.Request) (*entity.DownloadOutcome, error) {
	s.requests = append(s.requests, req)
	if req.Input == "bad" {
		return &entity.DownloadOutcome{}, common.ErrInvalidIdentifier
	}

	return &entity.DownloadOutcome{Hash: req.Input, Success: true, FilePath: "/books/" + req.Input + ".epub", Source: "fast"}, nil
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{config.LogLevelDebug, config.LogLevelInfo, config.LogLevelWarn, config.LogLevelError} {
		log, err := newLogger(level)
		require.NoError(t, err)
		require.NotNil(t, log)
	}

	_, err := newLogger("trace")
	require.Error(t, err)
}

func TestDownload(t *testing.T) {
	buf := &bytes.Buffer{}
	stub := &downloaderStub{}
	a := &App{
		cfg:       &config.Config{Downloads: config.DownloadsConfig{Delay: config.Seconds(time.Millisecond)}},
		downloads: stub,
		console:   buf,
	}

	err := a.Download(context.Background(), []string{"one", "bad", "two"}, "libgen")
	require.ErrorIs(t, err, ErrDownloadsFailed)
	require.Len(t, stub.requests, 3)
	require.Equal(t, "libgen", stub.requests[2].PreferredMirror)
	require.Contains(t, buf.String(), "Saved one to /books/one.epub")
	require.Contains(t, buf.String(), "Failed bad")

	stub.requests = nil
	require.NoError(t, a.Download(context.Background(), []string{"one"}, ""))
	require.Len(t, stub.requests, 1)
}

func TestDownloadCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stub := &downloaderStub{}
	a := &App{
		cfg:       &config.Config{Downloads: config.DownloadsConfig{Delay: config.Seconds(time.Hour)}},
		downloads: stub,
	}

	require.ErrorIs(t, a.Download(ctx, []string{"one", "two"}, ""), context.Canceled)
	require.Len(t, stub.requests, 1)
}
