// Package memory is an in-process store used by tests and by
// `-store memory` runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"rostersync/internal/model"
	"rostersync/internal/store"
)

type feedKey struct {
	userID  string
	feedURL string
}

// Store keeps shifts and subscriptions in maps guarded by one mutex.
type Store struct {
	mu     sync.RWMutex
	shifts map[model.ShiftKey]model.Shift
	feeds  map[feedKey]model.FeedSubscription
	now    func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		shifts: make(map[model.ShiftKey]model.Shift),
		feeds:  make(map[feedKey]model.FeedSubscription),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

var _ store.Store = (*Store)(nil)

func (s *Store) UpsertShift(ctx context.Context, shift model.Shift) (model.Shift, error) {
	if err := ctx.Err(); err != nil {
		return model.Shift{}, err
	}
	shift, err := store.ValidateShift(shift)
	if err != nil {
		return model.Shift{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := shift.Key()
	if existing, ok := s.shifts[key]; ok {
		existing.StartTime = shift.StartTime
		existing.EndTime = shift.EndTime
		existing.Title = shift.Title
		existing.Description = shift.Description
		existing.Location = shift.Location
		existing.UpdatedAt = now
		s.shifts[key] = existing
		return existing, nil
	}

	shift.ID = uuid.NewString()
	shift.CreatedAt = now
	shift.UpdatedAt = now
	s.shifts[key] = shift
	return shift, nil
}

func (s *Store) ListShifts(ctx context.Context, userID string, from, to time.Time) ([]model.Shift, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Shift, 0)
	for key, sh := range s.shifts {
		if key.UserID != userID {
			continue
		}
		if !from.IsZero() && sh.StartTime.Before(from) {
			continue
		}
		if !to.IsZero() && !sh.StartTime.Before(to) {
			continue
		}
		out = append(out, sh)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ExternalID < out[j].ExternalID
	})
	return out, nil
}

// SetStatus changes the status of a stored shift, as an edit made outside
// the sync path would.
func (s *Store) SetStatus(key model.ShiftKey, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shifts[key]
	if !ok {
		return store.ErrNotFound
	}
	sh.Status = status
	s.shifts[key] = sh
	return nil
}

func (s *Store) UpsertFeed(ctx context.Context, feed model.FeedSubscription) (model.FeedSubscription, error) {
	if err := ctx.Err(); err != nil {
		return model.FeedSubscription{}, err
	}
	if err := store.ValidateFeed(feed); err != nil {
		return model.FeedSubscription{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := feedKey{userID: feed.UserID, feedURL: feed.FeedURL}
	if existing, ok := s.feeds[key]; ok {
		return existing, nil
	}
	feed.ID = uuid.NewString()
	// Strictly increasing so registration order survives equal clocks.
	feed.CreatedAt = s.now()
	for _, f := range s.feeds {
		if f.UserID == feed.UserID && !feed.CreatedAt.After(f.CreatedAt) {
			feed.CreatedAt = f.CreatedAt.Add(time.Microsecond)
		}
	}
	s.feeds[key] = feed
	return feed, nil
}

func (s *Store) ListFeeds(ctx context.Context, userID string) ([]model.FeedSubscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.FeedSubscription, 0)
	for _, f := range s.feeds {
		if f.UserID == userID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListUserIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, f := range s.feeds {
		if _, ok := seen[f.UserID]; ok {
			continue
		}
		seen[f.UserID] = struct{}{}
		out = append(out, f.UserID)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) Close() error { return nil }
