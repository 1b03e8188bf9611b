package httphandler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jgivc/docfetch/internal/common"
	"github.com/jgivc/docfetch/internal/entity"
	"github.com/jgivc/docfetch/internal/service/download"
	"github.com/jgivc/docfetch/internal/util"
)

type DownloadService interface {
	Download(ctx context.Context, req download.Request) (*entity.DownloadOutcome, error)
}

type QuotaService interface {
	Quota(ctx context.Context, force bool) (entity.QuotaSnapshot, error)
}

type downloadResponse struct {
	*entity.DownloadOutcome
	Error string `json:"error,omitempty"`
}

func NewDownloadHandler(srv DownloadService, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "DownloadHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if !util.IsHash(id) {
			http.Error(w, "Bad request", http.StatusBadRequest)

			return
		}

		outcome, err := srv.Download(r.Context(), download.Request{
			Input:           id,
			PreferredMirror: r.URL.Query().Get("mirror"),
		})
		if outcome == nil {
			outcome = &entity.DownloadOutcome{Hash: id}
		}

		resp := downloadResponse{DownloadOutcome: outcome}
		code := http.StatusOK

		if err != nil {
			resp.Error = err.Error()
			code = downloadStatus(err)

			log.Warn("Download failed", slog.String("id", id), slog.Any("error", err))
		} else {
			log.Info("Download file", slog.String("id", id), slog.String("path", outcome.FilePath), slog.String("source", outcome.Source))
		}

		writeJSON(w, code, resp)
	}
}

func downloadStatus(err error) int {
	switch {
	case errors.Is(err, common.ErrInvalidIdentifier):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrExtensionRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, common.ErrNoMirrors):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func NewQuotaHandler(srv QuotaService, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "QuotaHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		force := r.URL.Query().Get("force") == "1"

		snap, err := srv.Quota(r.Context(), force)
		if err != nil {
			switch {
			case errors.Is(err, common.ErrFastPathNotConfigured):
				http.Error(w, "Fast download is not configured", http.StatusNotFound)
			default:
				log.Error("Cannot get quota", slog.Any("error", err))
				http.Error(w, "Cannot get quota", http.StatusInternalServerError)
			}

			return
		}

		writeJSON(w, http.StatusOK, snap)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
