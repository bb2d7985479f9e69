package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/BadgerOps/reposync/internal/safety"
)

const (
	// DefaultStatusURL is the Arch Linux mirror status JSON endpoint.
	DefaultStatusURL = "https://archlinux.org/mirrors/status/json/"

	DefaultCacheTimeout      = 300 * time.Second
	DefaultConnectionTimeout = 5 * time.Second

	statusCacheName              = "mirrorstatus.json"
	maxStatusResponseBytes int64 = 16 * 1024 * 1024
	statusTimeLayout             = "2006-01-02T15:04:05Z"
)

// StatusOptions configures a StatusClient.
type StatusOptions struct {
	URL               string
	CachePath         string
	CacheTimeout      time.Duration // 0 disables the cache file
	ConnectionTimeout time.Duration
}

// StatusClient retrieves the mirror status feed, reading through a cache
// file whose age is taken from its modification time.
type StatusClient struct {
	client            *http.Client
	fs                afero.Fs
	logger            *slog.Logger
	url               string
	cachePath         string
	cacheTimeout      time.Duration
	connectionTimeout time.Duration
	now               func() time.Time
}

// NewStatusClient creates a StatusClient backed by the OS filesystem.
func NewStatusClient(opts StatusOptions, logger *slog.Logger) *StatusClient {
	return NewStatusClientWithFs(afero.NewOsFs(), opts, logger)
}

// NewStatusClientWithFs creates a StatusClient that keeps its cache on fsys.
func NewStatusClientWithFs(fsys afero.Fs, opts StatusOptions, logger *slog.Logger) *StatusClient {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.URL == "" {
		opts.URL = DefaultStatusURL
	}
	if opts.ConnectionTimeout <= 0 {
		opts.ConnectionTimeout = DefaultConnectionTimeout
	}
	return &StatusClient{
		client:            safety.NewHTTPClient(0),
		fs:                fsys,
		logger:            logger,
		url:               opts.URL,
		cachePath:         opts.CachePath,
		cacheTimeout:      opts.CacheTimeout,
		connectionTimeout: opts.ConnectionTimeout,
		now:               time.Now,
	}
}

// StatusCachePath returns where the status snapshot is cached:
// $XDG_CACHE_HOME/mirrorstatus.json when a cache home is given, otherwise a
// per-user dot file in the temp directory.
func StatusCachePath(xdgCacheHome, tmpDir, username string) string {
	if xdgCacheHome != "" {
		return filepath.Join(xdgCacheHome, statusCacheName)
	}
	return filepath.Join(tmpDir, fmt.Sprintf(".%s.%s", username, statusCacheName))
}

// Fetch returns the current status snapshot. A cache file younger than the
// cache timeout is returned without touching the network.
func (c *StatusClient) Fetch(ctx context.Context) (*Status, error) {
	useCache := c.cacheTimeout > 0 && c.cachePath != ""

	if useCache {
		if st, ok := c.loadCache(); ok {
			return st, nil
		}
	}

	data, err := c.download(ctx)
	if err != nil {
		return nil, err
	}
	fetchedAt := c.now()

	st, err := decodeStatus(data)
	if err != nil {
		return nil, &DataFormatError{Source: c.url, Err: err}
	}
	st.FetchedAt = fetchedAt

	if useCache {
		c.saveCache(data)
	}

	c.logger.Info("fetched mirror status", "url", c.url, "mirrors", len(st.URLs))
	return st, nil
}

// download performs the single GET against the status endpoint.
func (c *StatusClient) download(ctx context.Context) ([]byte, error) {
	if _, err := safety.ValidateHTTPURL(c.url); err != nil {
		return nil, &RetrievalError{URL: c.url, Err: err}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.connectionTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, &RetrievalError{URL: c.url, Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("User-Agent", safety.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &RetrievalError{URL: c.url, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, &RetrievalError{URL: c.url, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	body, err := safety.ReadAllWithLimit(resp.Body, maxStatusResponseBytes)
	if err != nil {
		return nil, &RetrievalError{URL: c.url, Err: fmt.Errorf("reading response body: %w", err)}
	}
	return body, nil
}

// loadCache returns the cached snapshot if it is fresh and decodes cleanly.
// Missing, stale or corrupt cache files all fall through to a fetch.
func (c *StatusClient) loadCache() (*Status, bool) {
	fi, err := c.fs.Stat(c.cachePath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("failed to stat status cache", "path", c.cachePath, "error", err)
		}
		return nil, false
	}

	if c.now().Sub(fi.ModTime()) >= c.cacheTimeout {
		c.logger.Debug("status cache expired", "path", c.cachePath, "modified", fi.ModTime())
		return nil, false
	}

	data, err := afero.ReadFile(c.fs, c.cachePath)
	if err != nil {
		c.logger.Warn("failed to read status cache", "path", c.cachePath, "error", err)
		return nil, false
	}

	st, err := decodeStatus(data)
	if err != nil {
		c.logger.Warn("ignoring corrupt status cache", "path", c.cachePath, "error", err)
		return nil, false
	}
	st.FetchedAt = fi.ModTime()
	st.FromCache = true

	c.logger.Debug("using cached mirror status", "path", c.cachePath, "mirrors", len(st.URLs))
	return st, true
}

// saveCache writes the raw payload verbatim. Failures are only logged.
func (c *StatusClient) saveCache(data []byte) {
	if dir := filepath.Dir(c.cachePath); dir != "" && dir != "." {
		if err := c.fs.MkdirAll(dir, 0o755); err != nil {
			c.logger.Warn("failed to create status cache directory", "path", dir, "error", err)
			return
		}
	}
	if err := afero.WriteFile(c.fs, c.cachePath, data, 0o644); err != nil {
		c.logger.Warn("failed to write status cache", "path", c.cachePath, "error", err)
	}
}

// statusJSON and mirrorJSON mirror the wire format. Pointers mark fields
// that must be present.
type statusJSON struct {
	URLs           *[]mirrorJSON `json:"urls"`
	LastCheck      *string       `json:"last_check"`
	Cutoff         int           `json:"cutoff"`
	CheckFrequency int           `json:"check_frequency"`
	NumChecks      int           `json:"num_checks"`
}

type mirrorJSON struct {
	URL           *string  `json:"url"`
	Protocol      *string  `json:"protocol"`
	Country       string   `json:"country"`
	CountryCode   *string  `json:"country_code"`
	LastSync      *string  `json:"last_sync"`
	CompletionPct *float64 `json:"completion_pct"`
	Score         *float64 `json:"score"`
	Delay         *float64 `json:"delay"`
	Active        bool     `json:"active"`
	ISOs          bool     `json:"isos"`
}

// decodeStatus parses a status payload, converting every timestamp once.
func decodeStatus(data []byte) (*Status, error) {
	var raw statusJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding JSON: %w", err)
	}
	if raw.URLs == nil {
		return nil, errors.New(`missing "urls" array`)
	}

	st := &Status{
		URLs:           make([]Mirror, 0, len(*raw.URLs)),
		Cutoff:         raw.Cutoff,
		CheckFrequency: raw.CheckFrequency,
		NumChecks:      raw.NumChecks,
	}

	if raw.LastCheck != nil && *raw.LastCheck != "" {
		t, err := parseStatusTime(*raw.LastCheck)
		if err != nil {
			return nil, fmt.Errorf("parsing last_check: %w", err)
		}
		st.LastCheck = t
	}

	for i, m := range *raw.URLs {
		switch {
		case m.URL == nil || *m.URL == "":
			return nil, fmt.Errorf("entry %d: missing url", i)
		case m.Protocol == nil || *m.Protocol == "":
			return nil, fmt.Errorf("entry %d (%s): missing protocol", i, *m.URL)
		case m.CountryCode == nil:
			return nil, fmt.Errorf("entry %d (%s): missing country_code", i, *m.URL)
		}

		mirror := Mirror{
			URL:         *m.URL,
			Protocol:    *m.Protocol,
			Country:     m.Country,
			CountryCode: *m.CountryCode,
			Active:      m.Active,
			ISOs:        m.ISOs,
		}
		if m.LastSync != nil && *m.LastSync != "" {
			t, err := parseStatusTime(*m.LastSync)
			if err != nil {
				return nil, fmt.Errorf("entry %d (%s): parsing last_sync: %w", i, *m.URL, err)
			}
			mirror.LastSync = t
		}
		if m.CompletionPct != nil {
			mirror.CompletionPct = *m.CompletionPct
		}
		if m.Score != nil {
			mirror.Score = *m.Score
		}
		if m.Delay != nil {
			mirror.Delay = *m.Delay
		}
		st.URLs = append(st.URLs, mirror)
	}

	return st, nil
}

// parseStatusTime parses YYYY-MM-DDTHH:MM:SSZ. time.Parse also accepts the
// fractional seconds that last_check carries.
func parseStatusTime(s string) (time.Time, error) {
	return time.Parse(statusTimeLayout, s)
}

// Countries tallies mirrors per country, sorted by country name.
func Countries(st *Status) []CountryCount {
	type key struct{ name, code string }
	counts := make(map[key]int)
	var order []key
	for _, m := range st.URLs {
		k := key{m.Country, m.CountryCode}
		if _, ok := counts[k]; !ok {
			order = append(order, k)
		}
		counts[k]++
	}

	result := make([]CountryCount, 0, len(order))
	for _, k := range order {
		result = append(result, CountryCount{Country: k.name, CountryCode: k.code, Count: counts[k]})
	}
	sortCountries(result)
	return result
}
