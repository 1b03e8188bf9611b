package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jgivc/docfetch/internal/common"
	"github.com/jgivc/docfetch/internal/entity"
)

const (
	serviceName = "quota"

	publishTimeout = 5 * time.Second
)

type QuotaSource interface {
	Configured() bool
	RefreshQuota(ctx context.Context, force bool) bool
	Snapshot() entity.QuotaSnapshot
}

type QuotaRepository interface {
	Save(ctx context.Context, snap entity.QuotaSnapshot) error
	Get(ctx context.Context) (*entity.QuotaSnapshot, error)
}

type quotaService struct {
	src  QuotaSource
	repo QuotaRepository
	log  *slog.Logger
}

// NewQuotaService serves the fast download quota. repo may be nil when no
// shared store is configured.
func NewQuotaService(src QuotaSource, repo QuotaRepository, log *slog.Logger) *quotaService {
	return &quotaService{
		src:  src,
		repo: repo,
		log:  log.With(slog.String("service", serviceName)),
	}
}

// Quota refreshes the snapshot (respecting the cooldown unless forced) and
// returns it.
func (s *quotaService) Quota(ctx context.Context, force bool) (entity.QuotaSnapshot, error) {
	if !s.src.Configured() {
		return entity.QuotaSnapshot{}, common.ErrFastPathNotConfigured
	}

	if !s.src.RefreshQuota(ctx, force) {
		s.log.Warn("Quota refresh failed, returning cached snapshot")
	}

	return s.src.Snapshot(), nil
}

// Published returns the snapshot last stored by any process.
func (s *quotaService) Published(ctx context.Context) (*entity.QuotaSnapshot, error) {
	if s.repo == nil {
		return nil, common.ErrQuotaNotFound
	}

	snap, err := s.repo.Get(ctx)
	if err != nil {
		s.log.Error("Cannot get published quota", slog.Any("error", err))

		return nil, fmt.Errorf("cannot get published quota: %w", err)
	}

	return snap, nil
}

// Publish stores snap in the shared repository. It is registered as the
// fast path client's update observer.
func (s *quotaService) Publish(snap entity.QuotaSnapshot) {
	if s.repo == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := s.repo.Save(ctx, snap); err != nil {
		s.log.Error("Cannot publish quota", slog.Any("error", err))
	}
}
