// Package reconcile pulls every feed a user subscribes to and upserts the
// events into the shift store.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"rostersync/internal/auth"
	"rostersync/internal/ics"
	appLog "rostersync/internal/log"
	"rostersync/internal/model"
	"rostersync/internal/notify"
	"rostersync/internal/observability"
	"rostersync/internal/store"
)

const (
	defaultWorkers = 4
	publishTimeout = 5 * time.Second
)

// Fetcher downloads one feed. *ics.Fetcher satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, src ics.Source) (ics.FetchResult, error)
}

// Engine runs sync passes. It holds no per-user state, so concurrent
// SyncUser calls are independent.
type Engine struct {
	feeds     store.FeedStore
	shifts    store.ShiftStore
	fetcher   Fetcher
	publisher notify.Publisher

	workers     int
	expandDays  int
	location    *time.Location
	maxPerEvent int
	now         func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers bounds how many feeds of one user are synced at once.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithExpandHorizon enables recurrence expansion for occurrences within
// days of now in either direction. Zero disables expansion.
func WithExpandHorizon(days int) Option {
	return func(e *Engine) {
		if days >= 0 {
			e.expandDays = days
		}
	}
}

// WithMaxOccurrences caps how many occurrences one recurring event expands to.
func WithMaxOccurrences(n int) Option {
	return func(e *Engine) { e.maxPerEvent = n }
}

// WithDefaultLocation sets the zone for floating times in feeds that name none.
func WithDefaultLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.location = loc
		}
	}
}

// WithPublisher sets where SyncCompleted events go.
func WithPublisher(p notify.Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New returns an Engine reading subscriptions from feeds and writing to shifts.
func New(feeds store.FeedStore, shifts store.ShiftStore, fetcher Fetcher, opts ...Option) *Engine {
	e := &Engine{
		feeds:     feeds,
		shifts:    shifts,
		fetcher:   fetcher,
		publisher: notify.Nop{},
		workers:   defaultWorkers,
		location:  time.UTC,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SyncUser fetches, decodes and upserts every feed of the session's user.
//
// Feed-level failures are recorded in the report and never stop other feeds.
// The returned error is non-nil only when the session is invalid, the feed
// list cannot be read, the context is canceled, or every attempted upsert
// failed with store.ErrUnavailable. The report is meaningful in all but the
// first case.
func (e *Engine) SyncUser(ctx context.Context, sess *auth.Session) (model.SyncReport, error) {
	if err := auth.Require(sess); err != nil {
		return model.SyncReport{}, err
	}

	report := model.SyncReport{
		UserID:    sess.UserID,
		PerFeed:   []model.FeedResult{},
		StartedAt: e.now(),
	}

	feeds, err := e.feeds.ListFeeds(ctx, sess.UserID)
	if err != nil {
		err = fmt.Errorf("reconcile: listing feeds: %w", err)
		appLog.Error("reconcile: cannot load feeds", err, "user", sess.UserID)
		report.FinishedAt = e.now()
		observability.RecordSync(report, err)
		return report, err
	}
	if len(feeds) == 0 {
		appLog.Info("reconcile: no feeds to sync", "user", sess.UserID)
		report.FinishedAt = e.now()
		observability.RecordSync(report, nil)
		return report, nil
	}

	// Each worker owns one slot, so results stay in listing order.
	results := make([]model.FeedResult, len(feeds))
	var total atomic.Int64

	var g errgroup.Group
	g.SetLimit(e.workers)
	for i, feed := range feeds {
		i, feed := i, feed
		if err := ctx.Err(); err != nil {
			results[i] = pendingResult(feed, err)
			continue
		}
		// Go blocks while all workers are busy, so the context is checked
		// again once this feed gets a slot.
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = pendingResult(feed, err)
				return nil
			}
			results[i] = e.syncFeed(ctx, sess.UserID, feed, &total)
			return nil
		})
	}
	_ = g.Wait()

	report.TotalUpserted = int(total.Load())
	report.PerFeed = results
	report.FinishedAt = e.now()

	err = e.runError(ctx, report)
	if err != nil {
		appLog.Error("reconcile: sync finished with error", err,
			"user", sess.UserID,
			"feeds", len(feeds),
			"total_upserted", report.TotalUpserted,
		)
	} else {
		appLog.Info("reconcile: sync finished",
			"user", sess.UserID,
			"feeds", len(feeds),
			"failed_feeds", report.FailedFeeds(),
			"total_upserted", report.TotalUpserted,
			"elapsed", report.FinishedAt.Sub(report.StartedAt).String(),
		)
	}

	observability.RecordSync(report, err)
	e.publish(ctx, report)
	return report, err
}

// SyncAll runs SyncUser for every user with at least one subscription.
// Per-user errors are joined; a canceled context stops the loop.
func (e *Engine) SyncAll(ctx context.Context) ([]model.SyncReport, error) {
	users, err := e.feeds.ListUserIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: listing users: %w", err)
	}

	reports := make([]model.SyncReport, 0, len(users))
	var errs []error
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		report, err := e.SyncUser(ctx, auth.SystemSession(userID))
		reports = append(reports, report)
		if err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", userID, err))
		}
	}
	return reports, errors.Join(errs...)
}

func newFeedResult(feed model.FeedSubscription) model.FeedResult {
	return model.FeedResult{
		FeedID:   feed.ID,
		Provider: feed.Provider,
		FeedURL:  ics.RedactURL(feed.FeedURL),
		Stage:    model.StagePending,
	}
}

// pendingResult reports a feed that never started because ctx ended first.
func pendingResult(feed model.FeedSubscription, err error) model.FeedResult {
	res := newFeedResult(feed)
	res.Err = err
	return res
}

func (e *Engine) syncFeed(ctx context.Context, userID string, feed model.FeedSubscription, total *atomic.Int64) model.FeedResult {
	res := newFeedResult(feed)
	defer func() { observability.RecordFeed(res) }()

	fail := func(err error) model.FeedResult {
		res.Err = err
		appLog.Error("reconcile: feed failed", err,
			"user", userID,
			"feed_id", feed.ID,
			"provider", string(feed.Provider),
			"url", res.FeedURL,
			"stage", string(res.Stage),
		)
		return res
	}

	src := ics.Source{ID: feed.ID, URL: feed.FeedURL}

	res.Stage = model.StageFetching
	started := time.Now()
	fetched, err := e.fetcher.Fetch(ctx, src)
	observability.ObserveFetch(feed.Provider, time.Since(started))
	if err != nil {
		return fail(err)
	}

	res.Stage = model.StageDecoding
	doc, err := ics.DecodeDocument(src, fetched.Body, ics.DecodeOptions{DefaultLocation: e.location})
	if err != nil {
		return fail(err)
	}
	res.Skipped = len(doc.Skipped)

	events := doc.Events
	if e.expandDays > 0 {
		now := e.now()
		expanded, err := ics.Expand(events, ics.ExpandConfig{
			RangeStart:             now.AddDate(0, 0, -e.expandDays),
			RangeEnd:               now.AddDate(0, 0, e.expandDays),
			MaxOccurrencesPerEvent: e.maxPerEvent,
		})
		if err != nil {
			return fail(err)
		}
		events = expanded.Events
	}

	res.Stage = model.StageUpserting
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		res.Attempted++
		if _, err := e.shifts.UpsertShift(ctx, toShift(userID, feed.Provider, ev)); err != nil {
			res.Failures = append(res.Failures, model.EventFailure{ExternalID: ev.UID, Err: err})
			appLog.Warn("reconcile: shift upsert failed",
				"err", err,
				"user", userID,
				"feed_id", feed.ID,
				"external_id", ev.UID,
			)
			continue
		}
		res.Succeeded++
		total.Add(1)
	}

	res.Stage = model.StageSucceeded
	appLog.Info("reconcile: feed synced",
		"user", userID,
		"feed_id", feed.ID,
		"provider", string(feed.Provider),
		"succeeded", res.Succeeded,
		"attempted", res.Attempted,
		"skipped", res.Skipped,
		"from_cache", fetched.FromCache,
	)
	return res
}

// runError decides whether a finished run is an error as a whole.
func (e *Engine) runError(ctx context.Context, report model.SyncReport) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if report.TotalUpserted > 0 {
		return nil
	}
	failures := 0
	for _, f := range report.PerFeed {
		for _, ef := range f.Failures {
			if !errors.Is(ef.Err, store.ErrUnavailable) {
				return nil
			}
			failures++
		}
	}
	if failures == 0 {
		return nil
	}
	return fmt.Errorf("reconcile: every upsert failed: %w", store.ErrUnavailable)
}

func (e *Engine) publish(ctx context.Context, report model.SyncReport) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := e.publisher.PublishSyncCompleted(pctx, notify.NewSyncCompleted(report)); err != nil {
		appLog.Error("reconcile: publishing sync event failed", err, "user", report.UserID)
	}
}

func toShift(userID string, p model.Provider, ev ics.RawEvent) model.Shift {
	return model.Shift{
		UserID:      userID,
		Provider:    p,
		ExternalID:  ev.UID,
		StartTime:   ev.Start,
		EndTime:     ev.End,
		Title:       ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
	}
}
