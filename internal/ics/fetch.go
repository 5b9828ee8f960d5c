package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	appLog "rostersync/internal/log"
)

const (
	defaultFetchTimeout = 15 * time.Second
	defaultMaxBodyBytes = 16 << 20
	defaultUserAgent    = "rostersync/1.0 (+ics-feed-sync)"
)

// Source represents a single ICS feed to fetch.
type Source struct {
	// ID is an internal identifier (e.g., the feed subscription ID).
	ID string
	// URL is the ICS endpoint.
	URL string
}

// FetchResult contains the outcome of fetching a single ICS source.
type FetchResult struct {
	Source    Source
	Body      []byte // ICS payload (either freshly fetched or from cache)
	FromCache bool   // true if we reused cached body (304 or stale fallback)
	Status    int
}

// FetchError reports a transport failure or a non-success HTTP status.
// Status is 0 when no response was received (DNS, timeout, reset).
type FetchError struct {
	URL    string // redacted
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Timeout reports whether the fetch failed because its deadline passed.
func (e *FetchError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// cacheEntry holds HTTP cache metadata for a single ICS URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher fetches ICS feeds. Each fetch carries its own timeout. When a
// cache directory is configured, ETag / Last-Modified are honored and bodies
// are kept on disk keyed by a hash of the URL.
type Fetcher struct {
	client       *http.Client
	timeout      time.Duration
	cacheDir     string
	staleOnError bool
	maxBodyBytes int64
	userAgent    string
}

// FetcherOption customises a Fetcher.
type FetcherOption func(*Fetcher)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) {
		if c != nil {
			f.client = c
		}
	}
}

// WithTimeout sets the per-fetch timeout.
func WithTimeout(d time.Duration) FetcherOption {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithCacheDir enables the conditional-request disk cache under dir.
func WithCacheDir(dir string) FetcherOption {
	return func(f *Fetcher) { f.cacheDir = dir }
}

// WithStaleOnError serves the cached body when the origin fails. Off by
// default so that outages surface as FetchError.
func WithStaleOnError(enabled bool) FetcherOption {
	return func(f *Fetcher) { f.staleOnError = enabled }
}

// WithMaxBodyBytes caps the size of a feed body.
func WithMaxBodyBytes(n int64) FetcherOption {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxBodyBytes = n
		}
	}
}

// NewFetcher creates a new ICS Fetcher.
func NewFetcher(opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		client:       &http.Client{},
		timeout:      defaultFetchTimeout,
		maxBodyBytes: defaultMaxBodyBytes,
		userAgent:    defaultUserAgent,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch fetches a single ICS source under its own timeout.
func (f *Fetcher) Fetch(ctx context.Context, src Source) (FetchResult, error) {
	redacted := RedactURL(src.URL)
	if src.URL == "" {
		return FetchResult{}, &FetchError{URL: redacted, Err: errors.New("source URL is empty")}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var (
		cachePath  string
		meta       cacheEntry
		cachedBody []byte
	)
	if f.cacheDir != "" {
		cachePath = f.cachePathForURL(src.URL)
		if err := os.MkdirAll(cachePath, 0o700); err != nil {
			appLog.Error("ics cache dir unavailable", err, "id", src.ID, "url", redacted)
			cachePath = ""
		} else {
			meta, _ = f.loadCacheMeta(cachePath)
			cachedBody, _ = f.loadCacheBody(cachePath)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return FetchResult{}, &FetchError{URL: redacted, Err: err}
	}
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")
	req.Header.Set("User-Agent", f.userAgent)

	// Conditional headers only make sense if we still have the body.
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Debug("ics fetch start", "id", src.ID, "url", redacted)

	resp, err := f.client.Do(req)
	if err != nil {
		return f.staleOr(src, cachedBody, 0, &FetchError{URL: redacted, Err: deadlineErr(ctx, err)})
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes+1))
		if readErr != nil {
			return f.staleOr(src, cachedBody, 0, &FetchError{URL: redacted, Err: deadlineErr(ctx, readErr)})
		}
		if int64(len(body)) > f.maxBodyBytes {
			return FetchResult{}, &FetchError{URL: redacted, Err: fmt.Errorf("feed body exceeds %d bytes", f.maxBodyBytes)}
		}

		if cachePath != "" {
			newMeta := cacheEntry{
				URL:          src.URL,
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
			}
			if err := f.saveCache(cachePath, newMeta, body); err != nil {
				// Log but still return the freshly fetched body.
				appLog.Error("ics cache save failed", err, "id", src.ID, "url", redacted)
			}
		}

		appLog.Info("ics fetch success", "id", src.ID, "url", redacted, "status", resp.StatusCode, "bytes", len(body))
		return FetchResult{Source: src, Body: body, Status: resp.StatusCode}, nil

	case http.StatusNotModified:
		if len(cachedBody) == 0 {
			// 304 but no cached body: treat as error.
			return FetchResult{}, &FetchError{URL: redacted, Status: resp.StatusCode, Err: errors.New("not modified but no cached body available")}
		}
		appLog.Info("ics fetch not modified; using cache", "id", src.ID, "url", redacted)
		return FetchResult{Source: src, Body: cachedBody, FromCache: true, Status: resp.StatusCode}, nil

	default:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return f.staleOr(src, cachedBody, resp.StatusCode, &FetchError{URL: redacted, Status: resp.StatusCode, Err: errors.New(resp.Status)})
	}
}

// deadlineErr marks err as a timeout when ctx expired while it happened.
func deadlineErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}

// staleOr returns the cached body if stale fallback is enabled, else err.
func (f *Fetcher) staleOr(src Source, cachedBody []byte, status int, err *FetchError) (FetchResult, error) {
	if f.staleOnError && len(cachedBody) > 0 {
		appLog.Error("ics fetch failed, using cached body", err, "id", src.ID, "url", err.URL, "status", status)
		return FetchResult{Source: src, Body: cachedBody, FromCache: true, Status: status}, nil
	}
	return FetchResult{}, err
}

func (f *Fetcher) cachePathForURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	// Use first 16 hex chars as directory name.
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func (f *Fetcher) loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func (f *Fetcher) loadCacheBody(cachePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(cachePath, "body.ics"))
}

func (f *Fetcher) saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Write body first so meta never points at missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body.ics"), body, 0o600); err != nil {
		return err
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}

// RedactURL hides the path and query of a feed URL; roster links embed the
// user's private token there.
//
//	https://my.deputy.com/ical/abc123?token=x -> https://my.deputy.com/...(redacted)
func RedactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := strings.Index(u, "://")
	if i == -1 {
		return "ics://...(redacted)"
	}
	rest := u[i+3:]
	if j := strings.IndexAny(rest, "/?#"); j != -1 {
		rest = rest[:j]
	}
	// Drop userinfo.
	if at := strings.LastIndex(rest, "@"); at != -1 {
		rest = rest[at+1:]
	}
	return u[:i+3] + rest + redactedSuffix
}
