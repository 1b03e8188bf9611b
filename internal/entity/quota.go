package entity

import (
	"slices"
	"time"
)

// QuotaSnapshot is the cached view of the fast download account.
type QuotaSnapshot struct {
	Available          bool      `json:"available"`
	DownloadsLeft      *int      `json:"downloads_left"`
	DownloadsPerDay    *int      `json:"downloads_per_day"`
	RecentlyDownloaded []string  `json:"recently_downloaded_md5s"`
	LastRefresh        time.Time `json:"last_refresh"`
}

// Clone returns a deep copy, safe to hand out of the owning client.
func (s QuotaSnapshot) Clone() QuotaSnapshot {
	c := s
	if s.DownloadsLeft != nil {
		v := *s.DownloadsLeft
		c.DownloadsLeft = &v
	}

	if s.DownloadsPerDay != nil {
		v := *s.DownloadsPerDay
		c.DownloadsPerDay = &v
	}

	c.RecentlyDownloaded = slices.Clone(s.RecentlyDownloaded)

	return c
}

// Exhausted reports whether the cached counter says no downloads are left.
func (s QuotaSnapshot) Exhausted() bool {
	return s.DownloadsLeft != nil && *s.DownloadsLeft <= 0
}
