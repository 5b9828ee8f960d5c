package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rostersync/internal/model"
)

type countingSyncer struct {
	calls atomic.Int32
	err   error
}

func (c *countingSyncer) SyncAll(context.Context) ([]model.SyncReport, error) {
	c.calls.Add(1)
	return []model.SyncReport{{UserID: "u1", TotalUpserted: 2}}, c.err
}

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New("every now and then", time.UTC, &countingSyncer{})
	require.Error(t, err)
}

func TestNextUsesLocation(t *testing.T) {
	sydney, err := time.LoadLocation("Australia/Sydney")
	require.NoError(t, err)

	s, err := New("0 6 * * *", sydney, &countingSyncer{})
	require.NoError(t, err)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	next := s.Next().In(sydney)
	require.Equal(t, 6, next.Hour())
	require.Equal(t, 0, next.Minute())
}

func TestSchedulerRunsSyncAll(t *testing.T) {
	syncer := &countingSyncer{err: errors.New("one user failed")}
	s, err := New("@every 1s", time.UTC, syncer)
	require.NoError(t, err)

	s.Start(context.Background())
	require.Eventually(t, func() bool { return syncer.calls.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestRunSkipsAfterCancel(t *testing.T) {
	syncer := &countingSyncer{}
	s, err := New("@hourly", time.UTC, syncer)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	s.run()
	require.Equal(t, int32(0), syncer.calls.Load())
}
