package event

import (
	"log"
	"sync"
	"time"
)

// MemoryBus is an in-process bus used in dev mode and in tests. Handlers for
// one event run on their own goroutines; per-conversation ordering is the
// concurrency limiter's job, not the bus's.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	wg       sync.WaitGroup
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[string][]Handler)}
}

func (b *MemoryBus) Publish(evt Event) error {
	b.mu.RLock()
	subs := append([]Handler(nil), b.handlers[evt.Type]...)
	b.mu.RUnlock()

	for _, h := range subs {
		h := h
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			if err := h(evt); err != nil {
				log.Printf("Event handler error for %s (%s): %v", evt.Type, evt.ID, err)
			}
		}()
	}
	return nil
}

func (b *MemoryBus) PublishAfter(evt Event, delay time.Duration) error {
	if delay <= 0 {
		return b.Publish(evt)
	}
	time.AfterFunc(delay, func() {
		if err := b.Publish(evt); err != nil {
			log.Printf("Delayed publish error for %s: %v", evt.Type, err)
		}
	})
	return nil
}

func (b *MemoryBus) Subscribe(eventType string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
	return nil
}

// Drain waits for all in-flight handlers to finish. Test helper.
func (b *MemoryBus) Drain() {
	b.wg.Wait()
}
