package sinks

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/searchcrawler/internal/crawler"
	"github.com/JakeFAU/searchcrawler/internal/progress"
)

// Event names used as the publish topic.
const (
	EventSessionDone = "session.done"
	EventIndexFailed = "index.failed"
)

// PublishedEvent is the JSON payload sent for forwarded events.
type PublishedEvent struct {
	Event       string    `json:"event"`
	SessionID   string    `json:"sessionId,omitempty"`
	URL         string    `json:"url,omitempty"`
	State       string    `json:"state,omitempty"`
	FailureKind string    `json:"failureKind,omitempty"`
	Note        string    `json:"note,omitempty"`
	At          time.Time `json:"at"`
}

// PublishSink forwards SESSION_DONE and INDEX_FAILED events to a publisher.
// Publish failures are logged and dropped.
type PublishSink struct {
	publisher crawler.Publisher
	logger    *zap.Logger
}

// NewPublishSink builds a sink over publisher.
func NewPublishSink(publisher crawler.Publisher, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{publisher: publisher, logger: logger}
}

// Consume publishes the forwarded events of the batch in order.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		var name string
		switch evt.Stage {
		case progress.StageSessionDone:
			name = EventSessionDone
		case progress.StageIndexFailed:
			name = EventIndexFailed
		default:
			continue
		}
		payload := PublishedEvent{
			Event:       name,
			SessionID:   evt.SessionID,
			URL:         evt.URL,
			State:       evt.Outcome,
			FailureKind: evt.FailureKind,
			Note:        evt.Note,
			At:          evt.TS.UTC(),
		}
		id, err := s.publisher.Publish(ctx, name, payload)
		if err != nil {
			s.logger.Warn("event publish failed", zap.String("event", name), zap.String("session_id", evt.SessionID), zap.Error(err))
			continue
		}
		s.logger.Debug("event published", zap.String("event", name), zap.String("message_id", id))
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
