package httphandler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jgivc/docfetch/internal/common"
	"github.com/jgivc/docfetch/internal/entity"
	"github.com/jgivc/docfetch/internal/service/download"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testHash = "0123456789abcdef0123456789abcdef"

type downloadMock struct{ mock.Mock }

func (m *downloadMock) Download(ctx context.Context, req download.Request) (*entity.DownloadOutcome, error) {
	args := m.Called(req)
	outcome, _ := args.Get(0).(*entity.DownloadOutcome)

	return outcome, args.Error(1)
}

type quotaMock struct{ mock.Mock }

func (m *quotaMock) Quota(ctx context.Context, force bool) (entity.QuotaSnapshot, error) {
	args := m.Called(force)

	return args.Get(0).(entity.QuotaSnapshot), args.Error(1)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func TestDownloadHandler(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		req     *download.Request
		outcome *entity.DownloadOutcome
		err     error
		code    int
		errText bool
	}{
		{
			name: "Bad id",
			path: "/download/nothash/",
			code: http.StatusBadRequest,
		},
		{
			name:    "Success",
			path:    "/download/" + testHash + "/?mirror=libgen",
			req:     &download.Request{Input: testHash, PreferredMirror: "libgen"},
			outcome: &entity.DownloadOutcome{Hash: testHash, Success: true, FilePath: "/tmp/a.epub", Source: "libgen.li"},
			code:    http.StatusOK,
		},
		{
			name:    "Rejected extension",
			path:    "/download/" + testHash + "/",
			req:     &download.Request{Input: testHash},
			outcome: &entity.DownloadOutcome{Hash: testHash},
			err:     fmt.Errorf("%w: .pdf", common.ErrExtensionRejected),
			code:    http.StatusUnprocessableEntity,
			errText: true,
		},
		{
			name:    "No mirrors",
			path:    "/download/" + testHash + "/",
			req:     &download.Request{Input: testHash},
			outcome: &entity.DownloadOutcome{Hash: testHash},
			err:     common.ErrNoMirrors,
			code:    http.StatusNotFound,
			errText: true,
		},
		{
			name:    "All failed",
			path:    "/download/" + testHash + "/",
			req:     &download.Request{Input: testHash},
			err:     common.ErrAllSourcesFailed,
			code:    http.StatusBadGateway,
			errText: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := &downloadMock{}
			if tt.req != nil {
				srv.On("Download", *tt.req).Return(tt.outcome, tt.err).Once()
			}

			mux := http.NewServeMux()
			mux.Handle("POST /download/{id}/{$}", NewDownloadHandler(srv, discard()))

			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, tt.path, nil))

			require.Equal(t, tt.code, rec.Code)
			srv.AssertExpectations(t)

			if tt.req == nil {
				return
			}

			var got struct {
				Hash     string `json:"md5"`
				Success  bool   `json:"success"`
				FilePath string `json:"filepath"`
				Error    string `json:"error"`
			}
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
			require.Equal(t, testHash, got.Hash)
			require.Equal(t, tt.errText, got.Error != "")

			if tt.outcome != nil {
				require.Equal(t, tt.outcome.Success, got.Success)
				require.Equal(t, tt.outcome.FilePath, got.FilePath)
			}
		})
	}
}

func TestQuotaHandler(t *testing.T) {
	left := 7

	t.Run("Forced refresh", func(t *testing.T) {
		srv := &quotaMock{}
		srv.On("Quota", true).Return(entity.QuotaSnapshot{Available: true, DownloadsLeft: &left}, nil).Once()

		rec := httptest.NewRecorder()
		NewQuotaHandler(srv, discard()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/quota/?force=1", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var got entity.QuotaSnapshot
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
		require.True(t, got.Available)
		require.Equal(t, 7, *got.DownloadsLeft)
		srv.AssertExpectations(t)
	})

	t.Run("Not configured", func(t *testing.T) {
		srv := &quotaMock{}
		srv.On("Quota", false).Return(entity.QuotaSnapshot{}, common.ErrFastPathNotConfigured).Once()

		rec := httptest.NewRecorder()
		NewQuotaHandler(srv, discard()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/quota/", nil))

		require.Equal(t, http.StatusNotFound, rec.Code)
		srv.AssertExpectations(t)
	})
}
