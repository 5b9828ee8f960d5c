// Package notify publishes sync-completed events for downstream consumers.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"rostersync/internal/model"
)

// EventTypeSyncCompleted is the value of the "event_type" message header.
const EventTypeSyncCompleted = "rostersync.sync.completed"

// FeedSummary is the per-feed part of SyncCompleted.
type FeedSummary struct {
	FeedID    string `json:"feed_id"`
	Provider  string `json:"provider"`
	Stage     string `json:"stage"`
	Attempted int    `json:"attempted"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed_events"`
	Error     string `json:"error,omitempty"`
}

// SyncCompleted is emitted after every SyncUser run.
type SyncCompleted struct {
	UserID        string        `json:"user_id"`
	TotalUpserted int           `json:"total_upserted"`
	FailedFeeds   int           `json:"failed_feeds"`
	Feeds         []FeedSummary `json:"feeds"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
}

// NewSyncCompleted builds the event for report. Feed URLs are never included.
func NewSyncCompleted(report model.SyncReport) SyncCompleted {
	evt := SyncCompleted{
		UserID:        report.UserID,
		TotalUpserted: report.TotalUpserted,
		FailedFeeds:   report.FailedFeeds(),
		Feeds:         make([]FeedSummary, 0, len(report.PerFeed)),
		StartedAt:     report.StartedAt,
		FinishedAt:    report.FinishedAt,
	}
	for _, f := range report.PerFeed {
		s := FeedSummary{
			FeedID:    f.FeedID,
			Provider:  string(f.Provider),
			Stage:     string(f.Stage),
			Attempted: f.Attempted,
			Succeeded: f.Succeeded,
			Failed:    len(f.Failures),
		}
		if f.Err != nil {
			s.Error = f.Err.Error()
		}
		evt.Feeds = append(evt.Feeds, s)
	}
	return evt
}

// Publisher delivers sync events.
type Publisher interface {
	PublishSyncCompleted(ctx context.Context, evt SyncCompleted) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) PublishSyncCompleted(context.Context, SyncCompleted) error { return nil }
func (Nop) Close() error                                              { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes JSON events keyed by user ID so one user's events
// stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher returns a publisher writing to topic on brokers.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("notify: no kafka brokers configured")
	}
	if topic == "" {
		return nil, errors.New("notify: empty kafka topic")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: w}, nil
}

func (p *KafkaPublisher) PublishSyncCompleted(ctx context.Context, evt SyncCompleted) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("notify: encode sync event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(evt.UserID),
		Value: payload,
		Time:  evt.FinishedAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(EventTypeSyncCompleted)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("notify: publish sync event: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
