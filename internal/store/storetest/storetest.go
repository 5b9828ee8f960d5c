// Package storetest holds the behavioral contract every store.Store
// implementation must satisfy.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rostersync/internal/model"
	"rostersync/internal/store"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run exercises the full contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("UpsertInsertsThenUpdatesInPlace", func(t *testing.T) { testUpsertInPlace(t, newStore(t)) })
	t.Run("IdentityKeyIsolation", func(t *testing.T) { testIdentityIsolation(t, newStore(t)) })
	t.Run("ListShiftsRange", func(t *testing.T) { testListShiftsRange(t, newStore(t)) })
	t.Run("RejectsInvalidShift", func(t *testing.T) { testInvalidShift(t, newStore(t)) })
	t.Run("FeedUpsertIsNoOpForSameURL", func(t *testing.T) { testFeedUpsert(t, newStore(t)) })
	t.Run("ListFeedsAndUsers", func(t *testing.T) { testListFeeds(t, newStore(t)) })
}

func at(day, hour int) time.Time {
	return time.Date(2025, 3, day, hour, 0, 0, 0, time.UTC)
}

func shift(user string, p model.Provider, ext string, day int) model.Shift {
	return model.Shift{
		UserID:     user,
		Provider:   p,
		ExternalID: ext,
		StartTime:  at(day, 9),
		EndTime:    at(day, 17),
		Title:      "Shift " + ext,
		Location:   "Store 1",
	}
}

func testUpsertInPlace(t *testing.T, s store.Store) {
	ctx := context.Background()

	first, err := s.UpsertShift(ctx, shift("u1", model.ProviderDeputy, "uid-1", 3))
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)
	require.Equal(t, model.StatusConfirmed, first.Status)
	require.False(t, first.CreatedAt.IsZero())

	changed := shift("u1", model.ProviderDeputy, "uid-1", 3)
	sydney, err := time.LoadLocation("Australia/Sydney")
	require.NoError(t, err)
	changed.StartTime = time.Date(2025, 3, 3, 21, 0, 0, 0, sydney)
	changed.EndTime = changed.StartTime.Add(6 * time.Hour)
	changed.Title = "Close"
	changed.Location = "Store 2"
	changed.Description = "Lock up"

	second, err := s.UpsertShift(ctx, changed)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.True(t, first.CreatedAt.Equal(second.CreatedAt))

	rows, err := s.ListShifts(ctx, "u1", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	got := rows[0]
	require.Equal(t, first.ID, got.ID)
	require.Equal(t, "Close", got.Title)
	require.Equal(t, "Store 2", got.Location)
	require.Equal(t, "Lock up", got.Description)
	require.True(t, got.StartTime.Equal(at(3, 10)))
	require.Equal(t, time.UTC, got.StartTime.Location())
	require.True(t, got.EndTime.Equal(at(3, 16)))
	require.Equal(t, model.StatusConfirmed, got.Status)
}

func testIdentityIsolation(t *testing.T, s store.Store) {
	ctx := context.Background()

	for _, sh := range []model.Shift{
		shift("u1", model.ProviderDeputy, "same", 3),
		shift("u1", model.ProviderHumanforce, "same", 3),
		shift("u2", model.ProviderDeputy, "same", 3),
	} {
		_, err := s.UpsertShift(ctx, sh)
		require.NoError(t, err)
	}
	// Re-assert all three.
	for _, sh := range []model.Shift{
		shift("u1", model.ProviderDeputy, "same", 4),
		shift("u1", model.ProviderHumanforce, "same", 4),
		shift("u2", model.ProviderDeputy, "same", 4),
	} {
		_, err := s.UpsertShift(ctx, sh)
		require.NoError(t, err)
	}

	u1, err := s.ListShifts(ctx, "u1", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, u1, 2)
	u2, err := s.ListShifts(ctx, "u2", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, u2, 1)
	require.True(t, u2[0].StartTime.Equal(at(4, 9)))
}

func testListShiftsRange(t *testing.T, s store.Store) {
	ctx := context.Background()

	for _, day := range []int{7, 3, 5, 10} {
		_, err := s.UpsertShift(ctx, shift("u1", model.ProviderFoundU, time.Date(2025, 3, day, 0, 0, 0, 0, time.UTC).Format("0102"), day))
		require.NoError(t, err)
	}

	all, err := s.ListShifts(ctx, "u1", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		require.True(t, all[i-1].StartTime.Before(all[i].StartTime))
	}

	// [from, to): the shift starting exactly at `to` is excluded.
	window, err := s.ListShifts(ctx, "u1", at(5, 9), at(10, 9))
	require.NoError(t, err)
	require.Len(t, window, 2)
	require.Equal(t, "0305", window[0].ExternalID)
	require.Equal(t, "0307", window[1].ExternalID)

	none, err := s.ListShifts(ctx, "nobody", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Empty(t, none)
}

func testInvalidShift(t *testing.T, s store.Store) {
	ctx := context.Background()

	bad := shift("u1", model.ProviderDeputy, "", 3)
	_, err := s.UpsertShift(ctx, bad)
	require.ErrorIs(t, err, store.ErrInvalid)

	backwards := shift("u1", model.ProviderDeputy, "x", 3)
	backwards.EndTime = backwards.StartTime.Add(-time.Hour)
	_, err = s.UpsertShift(ctx, backwards)
	require.ErrorIs(t, err, store.ErrInvalid)
}

func testFeedUpsert(t *testing.T, s store.Store) {
	ctx := context.Background()

	feed := model.FeedSubscription{UserID: "u1", Provider: model.ProviderDeputy, FeedURL: "https://my.deputy.com/ical/abc123"}
	first, err := s.UpsertFeed(ctx, feed)
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	again, err := s.UpsertFeed(ctx, feed)
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)

	feeds, err := s.ListFeeds(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, feeds, 1)

	_, err = s.UpsertFeed(ctx, model.FeedSubscription{UserID: "u1"})
	require.ErrorIs(t, err, store.ErrInvalid)
}

func testListFeeds(t *testing.T, s store.Store) {
	ctx := context.Background()

	empty, err := s.ListFeeds(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, empty)
	require.Empty(t, empty)

	users, err := s.ListUserIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, users)

	urls := []string{
		"https://my.deputy.com/ical/first",
		"https://my.deputy.com/ical/second",
		"https://api.keypay.com.au/ical/third",
	}
	for _, u := range urls {
		p := model.ProviderDeputy
		if u == urls[2] {
			p = model.ProviderHumanforce
		}
		_, err := s.UpsertFeed(ctx, model.FeedSubscription{UserID: "u1", Provider: p, FeedURL: u})
		require.NoError(t, err)
	}
	_, err = s.UpsertFeed(ctx, model.FeedSubscription{UserID: "u2", Provider: model.ProviderFoundU, FeedURL: "https://foundu.com.au/cal/1"})
	require.NoError(t, err)

	feeds, err := s.ListFeeds(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, feeds, 3)
	for i, f := range feeds {
		require.Equal(t, urls[i], f.FeedURL)
		require.Equal(t, "u1", f.UserID)
	}

	users, err = s.ListUserIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"u1", "u2"}, users)
}
