package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rostersync/internal/model"
	"rostersync/internal/store"
	"rostersync/internal/store/storetest"
)

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "rostersync.db")

	s, err := Open(path)
	require.NoError(t, err)
	feed, err := s.UpsertFeed(ctx, model.FeedSubscription{UserID: "u1", Provider: model.ProviderDeputy, FeedURL: "https://my.deputy.com/ical/abc"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	feeds, err := s.ListFeeds(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, feeds, 1)
	require.Equal(t, feed.ID, feeds[0].ID)
}

func TestConcurrentUpsertsConverge(t *testing.T) {
	ctx := context.Background()
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpsertShift(ctx, model.Shift{
				UserID:     "u1",
				Provider:   model.ProviderDeputy,
				ExternalID: "uid-1",
				StartTime:  time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC),
				EndTime:    time.Date(2025, 3, 3, 17, 0, 0, 0, time.UTC),
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	rows, err := s.ListShifts(ctx, "u1", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestClosedDatabaseIsUnavailable(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.ListFeeds(context.Background(), "u1")
	require.ErrorIs(t, err, store.ErrUnavailable)
}
