package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jgivc/docfetch/internal/common"
	"github.com/jgivc/docfetch/internal/entity"
	"github.com/redis/go-redis/v9"
)

const (
	KeyQuota = "fq" // HASH. Last known fast download quota, shared with other processes.

	fieldAvailable       = "available"
	fieldDownloadsLeft   = "downloads_left"
	fieldDownloadsPerDay = "downloads_per_day"
	fieldRecent          = "recently_downloaded_md5s"
	fieldLastRefresh     = "last_refresh"
)

type quotaRepository struct {
	cl  *redis.Client
	log *slog.Logger
}

func NewQuotaRepository(cl *redis.Client, log *slog.Logger) *quotaRepository {
	return &quotaRepository{
		cl:  cl,
		log: log.With(slog.String("item", "QuotaRepository")),
	}
}

// Save replaces the stored snapshot.
func (r *quotaRepository) Save(ctx context.Context, snap entity.QuotaSnapshot) error {
	fields, err := encode(snap)
	if err != nil {
		return fmt.Errorf("cannot encode quota: %w", err)
	}

	pipe := r.cl.TxPipeline()
	pipe.Del(ctx, KeyQuota)
	pipe.HSet(ctx, KeyQuota, fields)

	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Error("Cannot save quota", slog.Any("error", err))

		return fmt.Errorf("cannot save quota: %w", err)
	}

	return nil
}

func (r *quotaRepository) Get(ctx context.Context) (*entity.QuotaSnapshot, error) {
	fields, err := r.cl.HGetAll(ctx, KeyQuota).Result()
	if err != nil {
		return nil, fmt.Errorf("cannot get quota: %w", err)
	}

	if len(fields) < 1 {
		return nil, common.ErrQuotaNotFound
	}

	snap, err := decode(fields)
	if err != nil {
		return nil, fmt.Errorf("cannot decode quota: %w", err)
	}

	return snap, nil
}

func encode(snap entity.QuotaSnapshot) (map[string]any, error) {
	recent := snap.RecentlyDownloaded
	if recent == nil {
		recent = []string{}
	}

	b, err := json.Marshal(recent)
	if err != nil {
		return nil, err
	}

	fields := map[string]any{
		fieldAvailable:   strconv.FormatBool(snap.Available),
		fieldRecent:      string(b),
		fieldLastRefresh: snap.LastRefresh.UTC().Format(time.RFC3339Nano),
	}

	if snap.DownloadsLeft != nil {
		fields[fieldDownloadsLeft] = strconv.Itoa(*snap.DownloadsLeft)
	}

	if snap.DownloadsPerDay != nil {
		fields[fieldDownloadsPerDay] = strconv.Itoa(*snap.DownloadsPerDay)
	}

	return fields, nil
}

func decode(fields map[string]string) (*entity.QuotaSnapshot, error) {
	snap := &entity.QuotaSnapshot{RecentlyDownloaded: []string{}}

	var err error
	if v, ok := fields[fieldAvailable]; ok {
		if snap.Available, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("%s: %w", fieldAvailable, err)
		}
	}

	if snap.DownloadsLeft, err = optionalInt(fields, fieldDownloadsLeft); err != nil {
		return nil, err
	}

	if snap.DownloadsPerDay, err = optionalInt(fields, fieldDownloadsPerDay); err != nil {
		return nil, err
	}

	if v, ok := fields[fieldRecent]; ok && v != "" {
		if err := json.Unmarshal([]byte(v), &snap.RecentlyDownloaded); err != nil {
			return nil, fmt.Errorf("%s: %w", fieldRecent, err)
		}
	}

	if v, ok := fields[fieldLastRefresh]; ok && v != "" {
		if snap.LastRefresh, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return nil, fmt.Errorf("%s: %w", fieldLastRefresh, err)
		}
	}

	return snap, nil
}

func optionalInt(fields map[string]string, name string) (*int, error) {
	v, ok := fields[name]
	if !ok {
		return nil, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	return &n, nil
}
