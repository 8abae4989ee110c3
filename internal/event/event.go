package event

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

const (
	defaultPoolSize = 1000
	defaultTimeout  = 30 * time.Second
)

type Event interface {
	Name() string
}

type Handler func(ctx context.Context, e Event) error

// Publisher is the fire-and-forget side of the bus, the only part mutating services depend on.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

type subscription struct {
	name string
	h    Handler
	pool chan struct{}
}

// Bus is an in-memory event bus. Every subscription has its own worker pool,
// so a slow handler only delays its own events.
type Bus struct {
	poolSize int
	timeout  time.Duration
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	subs     map[string][]*subscription
}

type Option func(*Bus)

// WithPoolSize bounds the number of in-flight deliveries per subscription.
func WithPoolSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.poolSize = n
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// NewBus create a new event bus. Caller should call Stop for graceful shutdown the bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		poolSize: defaultPoolSize,
		timeout:  defaultTimeout,
		wg:       new(sync.WaitGroup),
		subs:     make(map[string][]*subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type SubscribeOption func(*subscription)

// Sequential delivers events to the subscriber one at a time, in the order they were published.
// Publish blocks until the previous delivery to this subscriber has returned.
func Sequential() SubscribeOption {
	return func(s *subscription) {
		s.pool = make(chan struct{}, 1)
	}
}

// Subscribe registers h for the named event. name identifies the subscriber in logs.
func (b *Bus) Subscribe(event, name string, h Handler, opts ...SubscribeOption) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &subscription{
		name: name,
		h:    h,
		pool: make(chan struct{}, b.poolSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	b.subs[event] = append(b.subs[event], s)
}

// Publish an event. Handlers run asynchronously; errors are logged, never returned.
func (b *Bus) Publish(ctx context.Context, e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs[e.Name()] {
		b.dispatch(ctx, s, e)
	}
}

func (b *Bus) dispatch(ctx context.Context, s *subscription, e Event) {
	b.wg.Add(1)

	s.pool <- struct{}{}

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
		defer func() {
			if r := recover(); r != nil {
				slog.ErrorContext(ctx, "event: handler panic",
					"event", e.Name(),
					"subscriber", s.name,
					"error", fmt.Errorf("%v, stack: %s", r, debug.Stack()),
				)
			}

			cancel()
			<-s.pool
			b.wg.Done()
		}()

		if err := s.h(ctx, e); err != nil {
			slog.ErrorContext(ctx, "event: handle event failed",
				"event", e.Name(),
				"subscriber", s.name,
				"error", err,
			)
		}
	}()
}

// Stop waits for all handlers to finish
func (b *Bus) Stop() {
	b.wg.Wait()
}
