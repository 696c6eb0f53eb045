// Package queue provides the in-process pub/sub bus used to decouple
// state transitions from notification delivery.
package queue

import (
	"context"
	"sync"

	"github.com/mailganti/opsconductor/common/logger"
)

const subscriberBuffer = 1000

// Queue is a topic-based publish/subscribe bus
type Queue interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string) <-chan []byte
	Close()
}

// MemoryQueue is the in-process implementation. Publish never blocks:
// a subscriber whose buffer is full loses the message, which matches
// the best-effort contract of the notification path.
type MemoryQueue struct {
	mu     sync.RWMutex
	topics map[string][]chan []byte
	closed bool
	log    *logger.Logger
}

// NewMemoryQueue creates an in-process queue
func NewMemoryQueue(log *logger.Logger) *MemoryQueue {
	return &MemoryQueue{
		topics: make(map[string][]chan []byte),
		log:    log,
	}
}

// Publish delivers payload to every subscriber of topic
func (q *MemoryQueue) Publish(_ context.Context, topic string, payload []byte) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return nil
	}
	for _, ch := range q.topics[topic] {
		select {
		case ch <- payload:
		default:
			q.log.Warn("dropping message, subscriber buffer full", "topic", topic)
		}
	}
	return nil
}

// Subscribe registers a new subscriber channel for topic
func (q *MemoryQueue) Subscribe(topic string) <-chan []byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan []byte, subscriberBuffer)
	q.topics[topic] = append(q.topics[topic], ch)
	return ch
}

// Close closes all subscriber channels
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	for _, subs := range q.topics {
		for _, ch := range subs {
			close(ch)
		}
	}
	q.topics = make(map[string][]chan []byte)
}
