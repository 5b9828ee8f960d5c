package model

import "time"

// Provider identifies the roster platform that published a feed.
type Provider string

const (
	ProviderDeputy     Provider = "deputy"
	ProviderHumanforce Provider = "humanforce"
	ProviderFoundU     Provider = "foundu"
)

// StatusConfirmed is the status given to every newly imported shift.
const StatusConfirmed = "Confirmed"

// FeedSubscription is one calendar feed a user has connected.
// Subscriptions are unique per (UserID, FeedURL).
type FeedSubscription struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Provider  Provider  `json:"provider"`
	FeedURL   string    `json:"feed_url"`
	CreatedAt time.Time `json:"created_at"`
}

// Shift is the canonical persisted record of one rostered shift.
//
// (UserID, Provider, ExternalID) is the identity key. Re-importing the same
// source event updates the row in place.
type Shift struct {
	ID         string   `json:"id"`
	UserID     string   `json:"user_id"`
	Provider   Provider `json:"provider"`
	ExternalID string   `json:"external_id"`

	// StartTime / EndTime are always UTC.
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	Title       string `json:"title"`
	Description string `json:"description"`
	Location    string `json:"location"`
	Status      string `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the identity key of the shift.
func (s Shift) Key() ShiftKey {
	return ShiftKey{UserID: s.UserID, Provider: s.Provider, ExternalID: s.ExternalID}
}

// ShiftKey is the deduplication key shared with every store schema.
type ShiftKey struct {
	UserID     string
	Provider   Provider
	ExternalID string
}

// FeedStage is the point a feed reached during one sync run.
type FeedStage string

const (
	StagePending   FeedStage = "pending"
	StageFetching  FeedStage = "fetching"
	StageDecoding  FeedStage = "decoding"
	StageUpserting FeedStage = "upserting"
	StageSucceeded FeedStage = "succeeded"
)

// EventFailure records a single event that could not be stored.
type EventFailure struct {
	ExternalID string
	Err        error
}

// FeedResult is the outcome of syncing one feed.
type FeedResult struct {
	FeedID   string
	Provider Provider
	// FeedURL is redacted; it is safe to log or return to clients.
	FeedURL string

	// Stage is StageSucceeded on success, otherwise the stage that failed.
	Stage     FeedStage
	Attempted int
	Succeeded int
	// Skipped counts VEVENTs the decoder dropped (no UID or DTSTART).
	Skipped  int
	Failures []EventFailure
	Err      error
}

// Failed reports whether the feed as a whole failed.
func (r FeedResult) Failed() bool {
	return r.Err != nil
}

// SyncReport aggregates the results of syncing all feeds of one user.
type SyncReport struct {
	UserID        string
	TotalUpserted int
	PerFeed       []FeedResult
	StartedAt     time.Time
	FinishedAt    time.Time
}

// FailedFeeds returns the number of feeds that failed entirely.
func (r SyncReport) FailedFeeds() int {
	n := 0
	for _, f := range r.PerFeed {
		if f.Failed() {
			n++
		}
	}
	return n
}
