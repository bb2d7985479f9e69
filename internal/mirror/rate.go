package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BadgerOps/reposync/internal/safety"
)

const (
	DefaultRaterWorkers = 5

	// DefaultRateDBSubpath is the database downloaded from every mirror to
	// measure its rate.
	DefaultRateDBSubpath = "core/os/x86_64/core.db"
)

// RaterOptions configures a Rater.
type RaterOptions struct {
	Workers           int
	ConnectionTimeout time.Duration
	DBSubpath         string
	RsyncBinary       string
}

type probeSample struct {
	bytes   int64
	elapsed time.Duration
}

// Rater measures mirror throughput by timing a fixed database download from
// each mirror with a bounded pool of workers.
type Rater struct {
	client    *http.Client
	logger    *slog.Logger
	workers   int
	timeout   time.Duration
	dbSubpath string
	rsync     string

	probe    func(ctx context.Context, m Mirror) (probeSample, error)
	runRsync func(ctx context.Context, name string, args ...string) error
}

// NewRater creates a Rater. Workers and timeout fall back to 5 and 5s.
func NewRater(opts RaterOptions, logger *slog.Logger) *Rater {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultRaterWorkers
	}
	if opts.ConnectionTimeout <= 0 {
		opts.ConnectionTimeout = DefaultConnectionTimeout
	}
	if opts.DBSubpath == "" {
		opts.DBSubpath = DefaultRateDBSubpath
	}
	if opts.RsyncBinary == "" {
		opts.RsyncBinary = "rsync"
	}

	r := &Rater{
		client: &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: opts.ConnectionTimeout}).DialContext,
				TLSHandshakeTimeout:   opts.ConnectionTimeout,
				ResponseHeaderTimeout: opts.ConnectionTimeout,
				DisableKeepAlives:     true,
			},
		},
		logger:    logger,
		workers:   opts.Workers,
		timeout:   opts.ConnectionTimeout,
		dbSubpath: opts.DBSubpath,
		rsync:     opts.RsyncBinary,
		runRsync:  execRsync,
	}
	r.probe = r.probeMirror
	return r
}

// Rate probes every distinct mirror URL once and returns the outcome keyed
// by URL. It blocks until each probe has either measured a rate or failed;
// failed probes are recorded with a zero rate and never stop the others.
func (r *Rater) Rate(ctx context.Context, mirrors []Mirror) map[string]RatedMirror {
	results := make(map[string]RatedMirror, len(mirrors))
	if len(mirrors) == 0 {
		return results
	}

	seen := make(map[string]struct{}, len(mirrors))
	jobs := make(chan Mirror, len(mirrors))
	for _, m := range mirrors {
		if _, dup := seen[m.URL]; dup {
			continue
		}
		seen[m.URL] = struct{}{}
		jobs <- m
	}
	close(jobs)

	workers := max(1, min(r.workers, len(seen)))
	out := make(chan RatedMirror, len(seen))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go r.worker(ctx, i, jobs, out, &wg)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	for rm := range out {
		results[rm.URL] = rm
	}

	r.logger.Info("rated mirrors", "mirrors", len(results), "workers", workers)
	return results
}

// Sort rates mirrors and returns them ranked by RankRated.
func (r *Rater) Sort(ctx context.Context, mirrors []Mirror) []RatedMirror {
	return RankRated(mirrors, r.Rate(ctx, mirrors))
}

// worker drains the job channel, sending exactly one result per job.
func (r *Rater) worker(ctx context.Context, id int, jobs <-chan Mirror, out chan<- RatedMirror, wg *sync.WaitGroup) {
	defer wg.Done()

	log := r.logger.With("worker_id", id)
	for m := range jobs {
		rm := r.rateOne(ctx, m)
		if rm.Usable() {
			log.Debug("mirror rated", "url", m.URL, "rate_kibps", rm.Rate/1024, "elapsed", rm.Elapsed)
		} else {
			log.Debug("mirror probe failed", "url", m.URL, "error", rm.Error)
		}
		out <- rm
	}
}

// rateOne runs a single probe and converts its error, or a panic, into a
// zero rate.
func (r *Rater) rateOne(ctx context.Context, m Mirror) (rm RatedMirror) {
	rm = RatedMirror{Mirror: m}
	defer func() {
		if p := recover(); p != nil {
			rm.Rate = 0
			rm.Elapsed = 0
			rm.Error = (&ProbeError{URL: m.URL, Err: fmt.Errorf("probe panicked: %v", p)}).Error()
		}
	}()

	sample, err := r.probe(ctx, m)
	if err != nil {
		var pe *ProbeError
		if !errors.As(err, &pe) {
			err = &ProbeError{URL: m.URL, Err: err}
		}
		rm.Error = err.Error()
		return rm
	}

	rm.Elapsed = sample.elapsed
	rm.Rate = float64(sample.bytes) / sample.elapsed.Seconds()
	return rm
}

// probeMirror downloads the rating database from one mirror, picking the
// transport from the URL scheme.
func (r *Rater) probeMirror(ctx context.Context, m Mirror) (probeSample, error) {
	u, err := url.Parse(m.URL)
	if err != nil {
		return probeSample{}, &ProbeError{URL: m.URL, Err: err}
	}
	dbURL := joinMirrorPath(m.URL, r.dbSubpath)

	var sample probeSample
	switch u.Scheme {
	case "http", "https":
		sample, err = r.probeHTTP(ctx, dbURL)
	case "rsync":
		sample, err = r.probeRsync(ctx, dbURL)
	default:
		err = fmt.Errorf("unsupported protocol %q", u.Scheme)
	}
	if err != nil {
		return probeSample{}, &ProbeError{URL: m.URL, Err: err}
	}
	if sample.bytes == 0 {
		return probeSample{}, &ProbeError{URL: m.URL, Err: errors.New("empty database download")}
	}
	if sample.elapsed <= 0 {
		sample.elapsed = time.Nanosecond
	}
	return sample, nil
}

// probeHTTP times one GET from request issue to the end of the body.
func (r *Rater) probeHTTP(ctx context.Context, dbURL string) (probeSample, error) {
	reqCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, dbURL, nil)
	if err != nil {
		return probeSample{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", safety.UserAgent)

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return probeSample{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return probeSample{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	n, err := io.Copy(io.Discard, resp.Body)
	elapsed := time.Since(start)
	if err != nil {
		return probeSample{}, fmt.Errorf("reading body: %w", err)
	}
	return probeSample{bytes: n, elapsed: elapsed}, nil
}

// probeRsync pulls the database with the rsync binary into a scratch
// directory and measures the resulting file.
func (r *Rater) probeRsync(ctx context.Context, dbURL string) (probeSample, error) {
	tmpDir, err := os.MkdirTemp("", "reposync-rate-")
	if err != nil {
		return probeSample{}, fmt.Errorf("creating scratch dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	reqCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	timeoutSecs := max(1, int(r.timeout.Round(time.Second)/time.Second))
	start := time.Now()
	err = r.runRsync(reqCtx, r.rsync,
		"-avL", "--no-h", "--no-motd",
		"--contimeout="+strconv.Itoa(timeoutSecs),
		dbURL, tmpDir+string(filepath.Separator),
	)
	elapsed := time.Since(start)
	if err != nil {
		return probeSample{}, fmt.Errorf("rsync: %w", err)
	}

	local, err := safety.LocalName(tmpDir, dbURL)
	if err != nil {
		return probeSample{}, err
	}
	fi, err := os.Stat(local)
	if err != nil {
		return probeSample{}, fmt.Errorf("rsync produced no database: %w", err)
	}
	return probeSample{bytes: fi.Size(), elapsed: elapsed}, nil
}

func execRsync(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	return cmd.Run()
}

// joinMirrorPath appends a relative path to a mirror base URL, which in the
// status feed always ends in a slash.
func joinMirrorPath(base, rel string) string {
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + strings.TrimPrefix(rel, "/")
}
