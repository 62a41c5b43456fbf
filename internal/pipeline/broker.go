package pipeline

import (
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/mixsignal/internal/model"
)

// DefaultSubscriberBuffer is the per-subscriber event buffer.
const DefaultSubscriberBuffer = 16

// Broker fans run events out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses that event.
type Broker struct {
	mu      sync.RWMutex
	subs    map[int]chan model.RunEvent
	nextID  int
	buffer  int
	dropped func()
}

// NewBroker creates a broker with the given per-subscriber buffer.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Broker{subs: map[int]chan model.RunEvent{}, buffer: buffer}
}

// Subscribe returns an event channel and a function that unsubscribes and
// closes it. The function is safe to call more than once.
func (b *Broker) Subscribe() (<-chan model.RunEvent, func()) {
	ch := make(chan model.RunEvent, b.buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every subscriber with room in its buffer.
func (b *Broker) Publish(ev model.RunEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			zap.L().Warn("pipeline: subscriber buffer full, dropping event",
				zap.Int("subscriber", id),
				zap.String("run_id", ev.RunID),
			)
			if b.dropped != nil {
				b.dropped()
			}
		}
	}
}

// Subscribers returns the number of active subscribers.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
