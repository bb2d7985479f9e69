package mirror

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// dbServer serves a fake core.db of the given size after an optional delay.
func dbServer(t *testing.T, size int, delay time.Duration) *httptest.Server {
	t.Helper()
	payload := bytes.Repeat([]byte("x"), size)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/"+DefaultRateDBSubpath {
			http.NotFound(w, r)
			return
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func httpMirror(url string) Mirror {
	return Mirror{URL: url + "/", Protocol: "http", Country: "Germany", CountryCode: "DE", LastSync: time.Now(), CompletionPct: 1}
}

func TestRateEmpty(t *testing.T) {
	r := NewRater(RaterOptions{}, quietLogger())
	var probes atomic.Int32
	r.probe = func(ctx context.Context, m Mirror) (probeSample, error) {
		probes.Add(1)
		return probeSample{}, nil
	}

	got := r.Rate(context.Background(), nil)
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil map, got %v", got)
	}
	if probes.Load() != 0 {
		t.Errorf("expected no probes, got %d", probes.Load())
	}
}

func TestRateIsolatesFailures(t *testing.T) {
	const timeout = 500 * time.Millisecond

	good1 := dbServer(t, 64*1024, 0)
	good2 := dbServer(t, 32*1024, 0)
	slow := dbServer(t, 1024, 5*time.Second)
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer broken.Close()
	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	mirrors := []Mirror{
		httpMirror(good1.URL),
		httpMirror(slow.URL),
		httpMirror(broken.URL),
		httpMirror(closedURL),
		httpMirror(good2.URL),
	}

	r := NewRater(RaterOptions{Workers: len(mirrors), ConnectionTimeout: timeout}, quietLogger())

	start := time.Now()
	got := r.Rate(context.Background(), mirrors)
	elapsed := time.Since(start)

	if len(got) != len(mirrors) {
		t.Fatalf("expected %d results, got %d", len(mirrors), len(got))
	}
	for _, m := range mirrors[1:4] {
		rm := got[m.URL]
		if rm.Rate != 0 {
			t.Errorf("%s: expected rate 0, got %f", m.URL, rm.Rate)
		}
		if rm.Error == "" {
			t.Errorf("%s: expected probe error to be recorded", m.URL)
		}
	}
	for _, m := range []Mirror{mirrors[0], mirrors[4]} {
		if rm := got[m.URL]; rm.Rate <= 0 {
			t.Errorf("%s: expected positive rate, got %f (%s)", m.URL, rm.Rate, rm.Error)
		}
	}

	if elapsed > timeout+time.Second {
		t.Errorf("rating took %v, expected about the connection timeout (%v)", elapsed, timeout)
	}
}

func TestRateProbesEachMirrorOnce(t *testing.T) {
	r := NewRater(RaterOptions{Workers: 3}, quietLogger())

	var mu sync.Mutex
	seen := make(map[string]int)
	r.probe = func(ctx context.Context, m Mirror) (probeSample, error) {
		mu.Lock()
		seen[m.URL]++
		mu.Unlock()
		return probeSample{bytes: 1000, elapsed: time.Second}, nil
	}

	var mirrors []Mirror
	for _, u := range []string{"https://a/", "https://b/", "https://a/", "https://c/", "https://d/", "https://e/", "https://b/"} {
		mirrors = append(mirrors, Mirror{URL: u, Protocol: "https"})
	}

	got := r.Rate(context.Background(), mirrors)
	if len(got) != 5 {
		t.Fatalf("expected 5 distinct results, got %d", len(got))
	}
	for u, n := range seen {
		if n != 1 {
			t.Errorf("%s probed %d times", u, n)
		}
	}
	if got["https://c/"].Rate != 1000 {
		t.Errorf("expected rate 1000 B/s, got %f", got["https://c/"].Rate)
	}
}

func TestRateRecoversFromProbePanic(t *testing.T) {
	r := NewRater(RaterOptions{Workers: 1}, quietLogger())
	r.probe = func(ctx context.Context, m Mirror) (probeSample, error) {
		if m.URL == "https://boom/" {
			panic("unexpected")
		}
		return probeSample{bytes: 10, elapsed: time.Second}, nil
	}

	mirrors := []Mirror{{URL: "https://boom/"}, {URL: "https://fine/"}, {URL: "https://also-fine/"}}
	got := r.Rate(context.Background(), mirrors)

	if len(got) != 3 {
		t.Fatalf("expected 3 results after a panicking probe, got %d", len(got))
	}
	if got["https://boom/"].Rate != 0 || !strings.Contains(got["https://boom/"].Error, "panicked") {
		t.Errorf("unexpected result for panicking probe: %+v", got["https://boom/"])
	}
	if got["https://also-fine/"].Rate != 10 {
		t.Errorf("later mirrors should still be rated, got %+v", got["https://also-fine/"])
	}
}

func TestRateWrapsProbeErrors(t *testing.T) {
	r := NewRater(RaterOptions{}, quietLogger())
	r.probe = func(ctx context.Context, m Mirror) (probeSample, error) {
		return probeSample{}, errors.New("connection reset")
	}

	got := r.Rate(context.Background(), []Mirror{{URL: "https://a/"}})
	if !strings.Contains(got["https://a/"].Error, "probing https://a/") {
		t.Errorf("expected ProbeError text, got %q", got["https://a/"].Error)
	}
}

func TestProbeUnsupportedProtocol(t *testing.T) {
	r := NewRater(RaterOptions{}, quietLogger())
	got := r.Rate(context.Background(), []Mirror{{URL: "ftp://mirror.example/archlinux/", Protocol: "ftp"}})
	if rm := got["ftp://mirror.example/archlinux/"]; rm.Rate != 0 || !strings.Contains(rm.Error, "unsupported protocol") {
		t.Errorf("unexpected ftp result: %+v", rm)
	}
}

func TestProbeRsync(t *testing.T) {
	r := NewRater(RaterOptions{ConnectionTimeout: 7 * time.Second}, quietLogger())

	var gotArgs []string
	r.runRsync = func(ctx context.Context, name string, args ...string) error {
		gotArgs = args
		dest := args[len(args)-1]
		return os.WriteFile(filepath.Join(dest, "core.db"), bytes.Repeat([]byte("y"), 2048), 0o644)
	}

	got := r.Rate(context.Background(), []Mirror{{URL: "rsync://mirror.example/archlinux/", Protocol: "rsync"}})
	rm := got["rsync://mirror.example/archlinux/"]
	if rm.Rate <= 0 {
		t.Fatalf("expected positive rsync rate, got %+v", rm)
	}

	joined := strings.Join(gotArgs, " ")
	if !strings.Contains(joined, "--contimeout=7") {
		t.Errorf("expected contimeout flag, got %q", joined)
	}
	if !strings.Contains(joined, "rsync://mirror.example/archlinux/core/os/x86_64/core.db") {
		t.Errorf("expected database URL in args, got %q", joined)
	}
}

func TestProbeRsyncFailure(t *testing.T) {
	r := NewRater(RaterOptions{}, quietLogger())
	r.runRsync = func(ctx context.Context, name string, args ...string) error {
		return errors.New("exit status 10")
	}

	got := r.Rate(context.Background(), []Mirror{{URL: "rsync://mirror.example/archlinux/"}})
	if rm := got["rsync://mirror.example/archlinux/"]; rm.Rate != 0 {
		t.Errorf("expected rate 0 on rsync failure, got %f", rm.Rate)
	}
}

func TestRankRated(t *testing.T) {
	mirrors := []Mirror{{URL: "a"}, {URL: "b"}, {URL: "c"}, {URL: "d"}, {URL: "e"}}
	rates := map[string]RatedMirror{
		"a": {Mirror: mirrors[0], Rate: 0},
		"b": {Mirror: mirrors[1], Rate: 100},
		"c": {Mirror: mirrors[2], Rate: 300},
		"d": {Mirror: mirrors[3], Rate: 0},
		"e": {Mirror: mirrors[4], Rate: 100},
	}

	ranked := RankRated(mirrors, rates)
	want := []string{"c", "b", "e", "a", "d"}
	for i, w := range want {
		if ranked[i].URL != w {
			t.Errorf("ranked[%d] = %s, want %s", i, ranked[i].URL, w)
		}
	}
}

func TestRaterSortEndToEnd(t *testing.T) {
	fast := dbServer(t, 256*1024, 0)
	slow := dbServer(t, 256*1024, 300*time.Millisecond)

	r := NewRater(RaterOptions{Workers: 2, ConnectionTimeout: 3 * time.Second}, quietLogger())
	ranked := r.Sort(context.Background(), []Mirror{httpMirror(slow.URL), httpMirror(fast.URL)})

	if len(ranked) != 2 {
		t.Fatalf("expected 2 results, got %d", len(ranked))
	}
	if ranked[0].URL != fast.URL+"/" {
		t.Errorf("expected fast mirror first, got %s", ranked[0].URL)
	}
	if ranked[0].Rate <= ranked[1].Rate {
		t.Errorf("fast rate (%f) should exceed slow rate (%f)", ranked[0].Rate, ranked[1].Rate)
	}
}
