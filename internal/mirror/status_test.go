package mirror

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCachePath = "/cache/mirrorstatus.json"

func newTestStatusClient(t *testing.T, fsys afero.Fs, url string, cacheTimeout time.Duration) *StatusClient {
	t.Helper()
	return NewStatusClientWithFs(fsys, StatusOptions{
		URL:               url,
		CachePath:         testCachePath,
		CacheTimeout:      cacheTimeout,
		ConnectionTimeout: 2 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func statusServer(t *testing.T, body string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchDecodesStatus(t *testing.T) {
	synced := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	body := statusJSONFor(
		testMirror("https://mirror.example.de/archlinux/", "https", "Germany", "DE", synced),
		testMirror("rsync://mirror.example.fr/archlinux/", "rsync", "France", "FR", time.Time{}),
	)

	var calls atomic.Int32
	srv := statusServer(t, body, &calls)
	c := newTestStatusClient(t, afero.NewMemMapFs(), srv.URL, DefaultCacheTimeout)

	st, err := c.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, st.URLs, 2)

	assert.Equal(t, "https://mirror.example.de/archlinux/", st.URLs[0].URL)
	assert.True(t, st.URLs[0].LastSync.Equal(synced))
	assert.False(t, st.URLs[1].Synced())
	assert.Equal(t, 2024, st.LastCheck.Year())
	assert.Equal(t, 86400, st.Cutoff)
	assert.False(t, st.FromCache)
}

func TestFetchUsesFreshCache(t *testing.T) {
	var calls atomic.Int32
	srv := statusServer(t, statusJSONFor(testMirror("https://a.example/", "https", "Germany", "DE", time.Now())), &calls)
	fsys := afero.NewMemMapFs()
	c := newTestStatusClient(t, fsys, srv.URL, time.Minute)

	_, err := c.Fetch(context.Background())
	require.NoError(t, err)

	st, err := c.Fetch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load(), "second fetch should be served from cache")
	assert.True(t, st.FromCache)
	require.Len(t, st.URLs, 1)

	cached, err := afero.ReadFile(fsys, testCachePath)
	require.NoError(t, err)
	assert.Contains(t, string(cached), "https://a.example/")
}

func TestFetchRefreshesExpiredCache(t *testing.T) {
	var calls atomic.Int32
	srv := statusServer(t, statusJSONFor(testMirror("https://a.example/", "https", "Germany", "DE", time.Now())), &calls)
	c := newTestStatusClient(t, afero.NewMemMapFs(), srv.URL, time.Minute)

	_, err := c.Fetch(context.Background())
	require.NoError(t, err)

	c.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	st, err := c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "expired cache should trigger exactly one new request")
	assert.False(t, st.FromCache)
}

func TestFetchCacheDisabled(t *testing.T) {
	var calls atomic.Int32
	srv := statusServer(t, statusJSONFor(), &calls)
	fsys := afero.NewMemMapFs()
	c := newTestStatusClient(t, fsys, srv.URL, 0)

	for i := 0; i < 2; i++ {
		_, err := c.Fetch(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), calls.Load())

	exists, err := afero.Exists(fsys, testCachePath)
	require.NoError(t, err)
	assert.False(t, exists, "cache file should not be written when caching is disabled")
}

func TestFetchCorruptCacheRefetches(t *testing.T) {
	var calls atomic.Int32
	srv := statusServer(t, statusJSONFor(testMirror("https://a.example/", "https", "Germany", "DE", time.Now())), &calls)
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, testCachePath, []byte("{not json"), 0o644))

	c := newTestStatusClient(t, fsys, srv.URL, time.Hour)
	st, err := c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, st.URLs, 1)
}

func TestFetchCacheWriteFailureIsNotFatal(t *testing.T) {
	var calls atomic.Int32
	srv := statusServer(t, statusJSONFor(), &calls)
	c := newTestStatusClient(t, afero.NewReadOnlyFs(afero.NewMemMapFs()), srv.URL, time.Hour)

	_, err := c.Fetch(context.Background())
	require.NoError(t, err)
}

func TestFetchDataFormatErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "<html>maintenance</html>"},
		{"missing urls", `{"last_check": "2024-03-01T10:15:30Z"}`},
		{"entry missing url", `{"urls": [{"protocol": "https", "country_code": "DE"}]}`},
		{"entry missing protocol", `{"urls": [{"url": "https://a.example/", "country_code": "DE"}]}`},
		{"bad last_sync", `{"urls": [{"url": "https://a.example/", "protocol": "https", "country_code": "DE", "last_sync": "yesterday"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := statusServer(t, tt.body, &calls)
			c := newTestStatusClient(t, afero.NewMemMapFs(), srv.URL, time.Hour)

			_, err := c.Fetch(context.Background())
			var dfe *DataFormatError
			require.ErrorAs(t, err, &dfe)

			var re *RetrievalError
			assert.False(t, errors.As(err, &re), "format errors must not look like retrieval errors")
		})
	}
}

func TestFetchRetrievalErrors(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "down", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		c := newTestStatusClient(t, afero.NewMemMapFs(), srv.URL, time.Hour)
		_, err := c.Fetch(context.Background())
		var re *RetrievalError
		require.ErrorAs(t, err, &re)
	})

	t.Run("connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		c := newTestStatusClient(t, afero.NewMemMapFs(), url, time.Hour)
		_, err := c.Fetch(context.Background())
		var re *RetrievalError
		require.ErrorAs(t, err, &re)
	})

	t.Run("timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		defer srv.Close()

		c := newTestStatusClient(t, afero.NewMemMapFs(), srv.URL, time.Hour)
		c.connectionTimeout = 100 * time.Millisecond
		_, err := c.Fetch(context.Background())
		var re *RetrievalError
		require.ErrorAs(t, err, &re)
	})
}

func TestStatusCachePath(t *testing.T) {
	assert.Equal(t, "/home/u/.cache/mirrorstatus.json", StatusCachePath("/home/u/.cache", "/tmp", "u"))
	assert.Equal(t, "/tmp/.alice.mirrorstatus.json", StatusCachePath("", "/tmp", "alice"))
}

func TestCountries(t *testing.T) {
	st := &Status{URLs: []Mirror{
		{URL: "https://a/", Country: "Germany", CountryCode: "DE"},
		{URL: "https://b/", Country: "France", CountryCode: "FR"},
		{URL: "https://c/", Country: "Germany", CountryCode: "DE"},
	}}

	got := Countries(st)
	want := []CountryCount{
		{Country: "France", CountryCode: "FR", Count: 1},
		{Country: "Germany", CountryCode: "DE", Count: 2},
	}
	assert.Equal(t, want, got)
}
