package ics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = w.Write([]byte("BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n"))
	}))
	defer srv.Close()

	res, err := NewFetcher().Fetch(context.Background(), Source{ID: "f1", URL: srv.URL + "/ical/abc"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.Status)
	require.False(t, res.FromCache)
	require.Contains(t, string(res.Body), "BEGIN:VCALENDAR")
}

func TestFetchNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewFetcher().Fetch(context.Background(), Source{URL: srv.URL + "/ical/private-token"})
	var fetchErr *FetchError
	require.True(t, errors.As(err, &fetchErr))
	require.Equal(t, http.StatusNotFound, fetchErr.Status)
	require.NotContains(t, fetchErr.URL, "private-token")
	require.False(t, fetchErr.Timeout())
}

func TestFetchTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewFetcher(WithTimeout(50*time.Millisecond)).Fetch(context.Background(), Source{URL: srv.URL})
	var fetchErr *FetchError
	require.True(t, errors.As(err, &fetchErr))
	require.Equal(t, 0, fetchErr.Status)
	require.True(t, fetchErr.Timeout())
}

func TestFetchTimeoutWhileReadingBody(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/calendar")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("BEGIN:VCALENDAR\r\n"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewFetcher(WithTimeout(100*time.Millisecond)).Fetch(context.Background(), Source{URL: srv.URL})
	var fetchErr *FetchError
	require.True(t, errors.As(err, &fetchErr))
	require.Equal(t, 0, fetchErr.Status)
	require.True(t, fetchErr.Timeout())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetchConditionalCache(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte("BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n"))
	}))
	defer srv.Close()

	f := NewFetcher(WithCacheDir(t.TempDir()))
	src := Source{URL: srv.URL + "/feed.ics"}

	first, err := f.Fetch(context.Background(), src)
	require.NoError(t, err)
	require.False(t, first.FromCache)

	second, err := f.Fetch(context.Background(), src)
	require.NoError(t, err)
	require.True(t, second.FromCache)
	require.Equal(t, http.StatusNotModified, second.Status)
	require.Equal(t, first.Body, second.Body)
	require.EqualValues(t, 2, calls.Load())
}

func TestFetchStaleOnError(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	src := Source{URL: srv.URL + "/feed.ics"}

	_, err := NewFetcher(WithCacheDir(dir)).Fetch(context.Background(), src)
	require.NoError(t, err)
	fail.Store(true)

	// Default: outage surfaces as an error even with a cached body.
	_, err = NewFetcher(WithCacheDir(dir)).Fetch(context.Background(), src)
	require.Error(t, err)

	res, err := NewFetcher(WithCacheDir(dir), WithStaleOnError(true)).Fetch(context.Background(), src)
	require.NoError(t, err)
	require.True(t, res.FromCache)
	require.Equal(t, http.StatusBadGateway, res.Status)
}

func TestFetchBodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	_, err := NewFetcher(WithMaxBodyBytes(1024)).Fetch(context.Background(), Source{URL: srv.URL})
	var fetchErr *FetchError
	require.True(t, errors.As(err, &fetchErr))
}

func TestRedactURL(t *testing.T) {
	cases := map[string]string{
		"https://my.deputy.com/ical/abc123?token=x": "https://my.deputy.com/...(redacted)",
		"https://user:pw@keypay.com/feed":           "https://keypay.com/...(redacted)",
		"http://foundu.com.au":                      "http://foundu.com.au/...(redacted)",
		"not a url":                                 "ics://...(redacted)",
	}
	for in, want := range cases {
		require.Equal(t, want, RedactURL(in), in)
	}
}
