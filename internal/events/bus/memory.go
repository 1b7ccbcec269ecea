package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/sessionhub/internal/common/logger"
)

// closeWait bounds how long Close waits for in-flight handlers.
const closeWait = 2 * time.Second

// MemoryEventBus is an in-process EventBus. Each delivery runs on its own
// goroutine, so a slow subscriber never delays the publisher.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   []*memorySubscription
	closed bool

	inflight sync.WaitGroup
	logger   *logger.Logger
}

type memorySubscription struct {
	bus     *MemoryEventBus
	pattern string
	handler EventHandler
	active  atomic.Bool
}

func (s *memorySubscription) Subject() string { return s.pattern }
func (s *memorySubscription) IsValid() bool   { return s.active.Load() }

func (s *memorySubscription) Unsubscribe() error {
	if !s.active.CompareAndSwap(true, false) {
		return nil
	}
	s.bus.remove(s)
	return nil
}

// NewMemoryEventBus creates an empty in-process bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{logger: log.WithComponent("memory-event-bus")}
}

// Publish delivers event to every active subscription whose pattern matches subject.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	if err := validateSubject(subject, false); err != nil {
		return err
	}
	if event == nil {
		return fmt.Errorf("event must not be nil")
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	var targets []*memorySubscription
	for _, sub := range b.subs {
		if sub.active.Load() && Match(sub.pattern, subject) {
			targets = append(targets, sub)
		}
	}
	b.inflight.Add(len(targets))
	b.mu.RUnlock()

	for _, sub := range targets {
		go b.deliver(ctx, subject, sub, event)
	}

	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_type", event.Type),
		zap.Int("subscribers", len(targets)))
	return nil
}

func (b *MemoryEventBus) deliver(ctx context.Context, subject string, sub *memorySubscription, event *Event) {
	defer b.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("subject", subject),
				zap.Any("panic", r))
		}
	}()

	if err := sub.handler(ctx, event); err != nil {
		b.logger.Warn("event handler failed",
			zap.String("subject", subject),
			zap.String("event_type", event.Type),
			zap.Error(err))
	}
}

// Subscribe registers handler for pattern.
func (b *MemoryEventBus) Subscribe(pattern string, handler EventHandler) (Subscription, error) {
	if err := validateSubject(pattern, true); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("handler must not be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub := &memorySubscription{bus: b, pattern: pattern, handler: handler}
	sub.active.Store(true)
	b.subs = append(b.subs, sub)
	return sub, nil
}

func (b *MemoryEventBus) remove(target *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.subs[:0]
	for _, sub := range b.subs {
		if sub != target {
			kept = append(kept, sub)
		}
	}
	b.subs = kept
}

// Close rejects further use, deactivates every subscription and waits a
// bounded time for in-flight deliveries.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.active.Store(false)
	}
	b.subs = nil
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(closeWait):
		b.logger.Warn("event handlers still running after close")
	}
}

// IsConnected reports whether the bus is still open.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}
