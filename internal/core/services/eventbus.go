package services

import (
	"log/slog"
	"sync"

	"github.com/manthysbr/aulerun/internal/core/domain"
)

// subscriberBuffer bounds each subscriber queue. A slow subscriber loses
// events rather than stalling the publisher; it recovers from the job
// snapshot and the persisted event log.
const subscriberBuffer = 100

type EventBus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[domain.JobID][]chan domain.JobEvent
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[domain.JobID][]chan domain.JobEvent),
	}
}

// Subscribe returns a channel that receives events for a specific job
func (b *EventBus) Subscribe(jobID domain.JobID) (<-chan domain.JobEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan domain.JobEvent, subscriberBuffer)
	b.subs[jobID] = append(b.subs[jobID], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			subscribers := b.subs[jobID]
			for i, sub := range subscribers {
				if sub == ch {
					close(ch)
					b.subs[jobID] = append(subscribers[:i], subscribers[i+1:]...)
					break
				}
			}
			if len(b.subs[jobID]) == 0 {
				delete(b.subs, jobID)
			}
		})
	}

	return ch, unsub
}

// Publish sends an event to all subscribers of the job. It never blocks.
func (b *EventBus) Publish(e domain.JobEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[e.JobID] {
		select {
		case ch <- e:
		default:
			b.logger.Warn("event bus channel full, dropping event", "job_id", e.JobID, "seq", e.Seq)
		}
	}
}

// Close ends every subscription of a job once it is terminal. Events
// already buffered are still delivered before the channel reports closed.
func (b *EventBus) Close(jobID domain.JobID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs[jobID] {
		close(ch)
	}
	delete(b.subs, jobID)
}

func (b *EventBus) SubscriberCount(jobID domain.JobID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[jobID])
}
