package store

import "time"

// Run statuses
const (
	RunRunning = "running"
	RunSuccess = "success"
	RunPartial = "partial"
	RunFailed  = "failed"
)

// UpdateRun records one package table update
type UpdateRun struct {
	ID           int64
	RunID        string // UUID
	Mirror       string // mirror base URL, empty if selection failed
	StartTime    time.Time
	EndTime      time.Time
	Repositories int
	Current      int // rows in the package table before the run
	Added        int
	Removed      int
	DryRun       bool
	Status       string // "running", "success", "partial", "failed"
	ErrorMessage string
}

// MirrorRating is one mirror's result from the most recent rating pass
type MirrorRating struct {
	ID       int64
	RunID    string
	URL      string
	Country  string
	Protocol string
	Rate     float64 // bytes per second, 0 on failure
	Elapsed  time.Duration
	Error    string
	RatedAt  time.Time
}
