package mirror

import "time"

// Mirror is a single server entry from the mirror status feed. Values are
// never modified after decoding; filtering, sorting and rating all build new
// slices.
type Mirror struct {
	URL           string    `json:"url"`
	Protocol      string    `json:"protocol"`
	Country       string    `json:"country"`
	CountryCode   string    `json:"country_code"`
	LastSync      time.Time `json:"last_sync"`
	CompletionPct float64   `json:"completion_pct"`
	Score         float64   `json:"score"`
	Delay         float64   `json:"delay"`
	Active        bool      `json:"active"`
	ISOs          bool      `json:"isos"`
}

// Synced reports whether the mirror has ever completed a sync.
func (m Mirror) Synced() bool {
	return !m.LastSync.IsZero()
}

// Status is a decoded snapshot of the mirror status feed.
type Status struct {
	URLs           []Mirror  `json:"urls"`
	LastCheck      time.Time `json:"last_check"`
	Cutoff         int       `json:"cutoff"`
	CheckFrequency int       `json:"check_frequency"`
	NumChecks      int       `json:"num_checks"`
	// FetchedAt is when the payload was downloaded: the cache file's
	// modification time for cached snapshots.
	FetchedAt time.Time `json:"fetched_at"`
	// FromCache is set when the snapshot was served from the cache file.
	FromCache bool `json:"from_cache"`
}

// RatedMirror is a Mirror with the outcome of a download rate probe.
// A Rate of exactly 0 means the probe failed or timed out.
type RatedMirror struct {
	Mirror
	Rate    float64       `json:"rate_bytes_per_sec"`
	Elapsed time.Duration `json:"elapsed"`
	Error   string        `json:"error,omitempty"`
}

// Usable reports whether the probe produced a measurable rate.
func (r RatedMirror) Usable() bool {
	return r.Rate > 0
}

// RepoDatabase pairs a repository with the URL of its package database on
// the selected mirror.
type RepoDatabase struct {
	Repo string `json:"repo"`
	URL  string `json:"url"`
}

// CountryCount is the number of mirrors located in one country.
type CountryCount struct {
	Country     string `json:"country"`
	CountryCode string `json:"country_code"`
	Count       int    `json:"count"`
}
