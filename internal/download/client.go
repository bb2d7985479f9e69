package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/BadgerOps/reposync/internal/safety"
)

// DefaultMaxBytes caps a fetched body when FetchOptions leaves MaxBytes unset.
const DefaultMaxBytes int64 = 64 * 1024 * 1024

// FetchOptions contains configuration for a single fetch.
type FetchOptions struct {
	URL        string
	MaxBytes   int64 // 0 defaults to DefaultMaxBytes
	RetryCount int   // 0 defaults to 3
}

// FetchResult contains the body of a successful fetch.
type FetchResult struct {
	Data     []byte
	SHA256   string        // SHA256 checksum in hex
	Attempts int           // Number of attempts made
	Duration time.Duration // Total fetch duration
}

// Client fetches upstream files into memory with retry logic and a body
// size limit.
type Client struct {
	httpClient  *http.Client
	logger      *slog.Logger
	userAgent   string
	backoffFunc func(attempt int) time.Duration
}

// NewClient creates a new fetch client. A nil httpClient gets the hardened
// default with a two minute timeout.
func NewClient(httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = safety.NewHTTPClient(2 * time.Minute)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient:  httpClient,
		logger:      logger,
		userAgent:   safety.UserAgent,
		backoffFunc: calculateBackoffDelay,
	}
}

// Fetch downloads opts.URL into memory, retrying transient failures with
// exponential backoff. Client errors other than 429 and oversized bodies are
// not retried.
func (c *Client) Fetch(ctx context.Context, opts FetchOptions) (*FetchResult, error) {
	if opts.RetryCount <= 0 {
		opts.RetryCount = 3
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if _, err := safety.ValidateHTTPURL(opts.URL); err != nil {
		return nil, err
	}

	startTime := time.Now()
	var lastErr error

	for attempt := 1; attempt <= opts.RetryCount; attempt++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("fetch cancelled: %w", ctx.Err())
		default:
		}

		data, err := c.fetchAttempt(ctx, opts)
		if err == nil {
			sum := sha256.Sum256(data)
			return &FetchResult{
				Data:     data,
				SHA256:   hex.EncodeToString(sum[:]),
				Attempts: attempt,
				Duration: time.Since(startTime),
			}, nil
		}

		lastErr = err
		c.logger.Warn("fetch attempt failed", "url", opts.URL, "attempt", attempt, "error", err)

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if shouldNotRetry(err) {
			return nil, err
		}

		// Wait before retrying with exponential backoff + jitter
		if attempt < opts.RetryCount {
			delay := c.backoffFunc(attempt)
			c.logger.Debug("retrying fetch", "url", opts.URL, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("fetch cancelled during retry: %w", ctx.Err())
			}
		}
	}

	return nil, fmt.Errorf("fetch failed after %d attempts: %w", opts.RetryCount, lastErr)
}

// fetchAttempt performs a single GET.
func (c *Client) fetchAttempt(ctx context.Context, opts FetchOptions) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := safety.ReadAllWithLimit(resp.Body, 4096)
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(body),
		}
	}

	if resp.ContentLength > opts.MaxBytes {
		return nil, fmt.Errorf("content length %d exceeds %d bytes: %w", resp.ContentLength, opts.MaxBytes, safety.ErrBodyTooLarge)
	}

	data, err := safety.ReadAllWithLimit(resp.Body, opts.MaxBytes)
	if err != nil {
		if errors.Is(err, safety.ErrBodyTooLarge) {
			return nil, fmt.Errorf("body exceeded %d bytes: %w", opts.MaxBytes, err)
		}
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		c.logger.Debug("draining response body", "url", opts.URL, "error", err)
	}
	return data, nil
}

// calculateBackoffDelay calculates exponential backoff with jitter.
// Base delay is 1s, doubles each attempt, plus random jitter up to half the delay.
func calculateBackoffDelay(attempt int) time.Duration {
	baseDelay := time.Second
	exponentialDelay := time.Duration(math.Pow(2, float64(attempt-1))) * baseDelay
	maxJitter := exponentialDelay / 2
	jitter := time.Duration(rand.Int63n(int64(maxJitter)))
	return exponentialDelay + jitter
}

// shouldNotRetry returns true if the error should not trigger a retry.
func shouldNotRetry(err error) bool {
	if errors.Is(err, safety.ErrBodyTooLarge) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		// Don't retry on 4xx errors except 429 (Too Many Requests)
		if httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 && httpErr.StatusCode != 429 {
			return true
		}
	}
	return false
}

// HTTPError represents an HTTP error response.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error %d: %s", e.StatusCode, e.Status)
}
