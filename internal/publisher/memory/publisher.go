// Package memory holds the in-process event publisher used when no Pub/Sub
// topic is configured. Published events are logged and kept for inspection.
package memory

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

const defaultCapacity = 1024

// Publisher keeps the most recent published payloads.
type Publisher struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	capacity int
	seq      int
	messages []PublishedMessage
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
}

// New returns a Publisher that retains up to capacity messages (1024 when
// capacity <= 0).
func New(logger *zap.Logger, capacity int) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Publisher{logger: logger, capacity: capacity}
}

// Publish records the message and returns a sequential ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	p.seq++
	id := fmt.Sprintf("memory-%d", p.seq)
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Payload: payload})
	if over := len(p.messages) - p.capacity; over > 0 {
		p.messages = append(p.messages[:0:0], p.messages[over:]...)
	}
	p.mu.Unlock()
	p.logger.Info("event published", zap.String("topic", topic), zap.String("message_id", id), zap.Any("payload", payload))
	return id, nil
}

// Messages returns the retained publishes, oldest first.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}
