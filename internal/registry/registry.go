// Package registry records which roster feeds each user has connected.
package registry

import (
	"context"
	"strings"

	"rostersync/internal/auth"
	"rostersync/internal/ics"
	appLog "rostersync/internal/log"
	"rostersync/internal/model"
	"rostersync/internal/provider"
	"rostersync/internal/store"
)

// Registry validates and stores feed subscriptions.
type Registry struct {
	feeds store.FeedStore
}

// New returns a Registry backed by feeds.
func New(feeds store.FeedStore) *Registry {
	return &Registry{feeds: feeds}
}

// Register classifies url and stores it for the session's user. Registering
// the same URL twice returns the existing subscription. Nothing is persisted
// when validation or classification fails.
func (r *Registry) Register(ctx context.Context, sess *auth.Session, url string) (model.FeedSubscription, error) {
	if err := auth.Require(sess); err != nil {
		return model.FeedSubscription{}, err
	}

	url = strings.TrimSpace(url)
	if err := provider.ValidateURL(url); err != nil {
		return model.FeedSubscription{}, err
	}
	p, err := provider.Classify(url)
	if err != nil {
		return model.FeedSubscription{}, err
	}

	sub, err := r.feeds.UpsertFeed(ctx, model.FeedSubscription{
		UserID:   sess.UserID,
		Provider: p,
		FeedURL:  url,
	})
	if err != nil {
		appLog.Error("registry: storing feed failed", err, "user", sess.UserID, "url", ics.RedactURL(url))
		return model.FeedSubscription{}, err
	}

	appLog.Info("registry: feed registered", "user", sess.UserID, "provider", string(p), "feed_id", sub.ID)
	return sub, nil
}

// ListFeeds returns the session user's subscriptions, never nil.
func (r *Registry) ListFeeds(ctx context.Context, sess *auth.Session) ([]model.FeedSubscription, error) {
	if err := auth.Require(sess); err != nil {
		return nil, err
	}
	feeds, err := r.feeds.ListFeeds(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	if feeds == nil {
		feeds = []model.FeedSubscription{}
	}
	return feeds, nil
}
