// Package store defines the persistence contracts used by the registry and
// the reconcile engine. Implementations live in subpackages.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rostersync/internal/model"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable wraps failures to reach the backing database at all.
	ErrUnavailable = errors.New("store unavailable")
	// ErrInvalid is returned for records missing identity fields.
	ErrInvalid = errors.New("invalid record")
)

// ShiftStore persists shifts keyed on (user_id, provider, external_id).
type ShiftStore interface {
	// UpsertShift inserts the shift or, when its key already exists,
	// overwrites times, title, description and location in place. The
	// existing ID, CreatedAt and Status are kept. It returns the stored row.
	UpsertShift(ctx context.Context, shift model.Shift) (model.Shift, error)

	// ListShifts returns the user's shifts starting in [from, to), ordered by
	// start time. A zero bound is unbounded.
	ListShifts(ctx context.Context, userID string, from, to time.Time) ([]model.Shift, error)
}

// FeedStore persists feed subscriptions keyed on (user_id, feed_url).
type FeedStore interface {
	// UpsertFeed stores the subscription. Registering an existing
	// (user_id, feed_url) returns the stored subscription unchanged.
	UpsertFeed(ctx context.Context, feed model.FeedSubscription) (model.FeedSubscription, error)

	// ListFeeds returns the user's subscriptions in registration order.
	ListFeeds(ctx context.Context, userID string) ([]model.FeedSubscription, error)

	// ListUserIDs returns every user with at least one subscription.
	ListUserIDs(ctx context.Context) ([]string, error)
}

// Store is the full persistence surface.
type Store interface {
	ShiftStore
	FeedStore
	Close() error
}

// ValidateShift checks the identity fields and normalizes times to UTC.
func ValidateShift(s model.Shift) (model.Shift, error) {
	if s.UserID == "" || s.Provider == "" || s.ExternalID == "" {
		return s, fmt.Errorf("%w: shift requires user_id, provider and external_id", ErrInvalid)
	}
	if s.StartTime.IsZero() {
		return s, fmt.Errorf("%w: shift requires start_time", ErrInvalid)
	}
	if s.EndTime.IsZero() {
		s.EndTime = s.StartTime
	}
	if s.EndTime.Before(s.StartTime) {
		return s, fmt.Errorf("%w: shift ends before it starts", ErrInvalid)
	}
	s.StartTime = s.StartTime.UTC()
	s.EndTime = s.EndTime.UTC()
	if s.Status == "" {
		s.Status = model.StatusConfirmed
	}
	return s, nil
}

// ValidateFeed checks the identity fields of a subscription.
func ValidateFeed(f model.FeedSubscription) error {
	if f.UserID == "" || f.FeedURL == "" || f.Provider == "" {
		return fmt.Errorf("%w: feed requires user_id, provider and feed_url", ErrInvalid)
	}
	return nil
}
