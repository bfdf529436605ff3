package event

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

const (
	defaultShards    = 16
	defaultQueueSize = 1024
	defaultTimeout   = 30 * time.Second
)

type Event interface {
	Name() string
}

// Keyed events sharing a key are handled in the order they were published.
// Unkeyed events are spread over shards by name.
type Keyed interface {
	Key() string
}

type Handler func(ctx context.Context, e Event) error

type task struct {
	ctx context.Context
	h   Handler
	e   Event
}

// Bus is an in-memory event bus backed by a fixed set of ordered worker queues.
type Bus struct {
	shards   []chan task
	workers  sync.WaitGroup
	pending  sync.WaitGroup
	mu       sync.RWMutex
	handlers map[string][]Handler
	closed   bool
}

// NewBus create a new event bus. Caller should call Stop for graceful shutdown the bus.
func NewBus() *Bus {
	b := &Bus{
		shards:   make([]chan task, defaultShards),
		handlers: make(map[string][]Handler),
	}

	for i := range b.shards {
		b.shards[i] = make(chan task, defaultQueueSize)
		b.workers.Add(1)
		go b.work(b.shards[i])
	}

	return b
}

// Subscribe to an event
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[name] = append(b.handlers[name], h)
}

// Publish an event. Handlers must not publish to the bus themselves.
func (b *Bus) Publish(ctx context.Context, e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		slog.WarnContext(ctx, "event: publish on stopped bus", "event", e.Name())
		return
	}

	shard := b.shards[b.shardOf(e)]
	for _, h := range b.handlers[e.Name()] {
		b.pending.Add(1)
		shard <- task{ctx: context.WithoutCancel(ctx), h: h, e: e}
	}
}

func (b *Bus) shardOf(e Event) int {
	key := e.Name()
	if k, ok := e.(Keyed); ok {
		key = k.Key()
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(b.shards)))
}

func (b *Bus) work(tasks <-chan task) {
	defer b.workers.Done()

	for t := range tasks {
		b.dispatch(t)
	}
}

func (b *Bus) dispatch(t task) {
	ctx, cancel := context.WithTimeout(t.ctx, defaultTimeout)
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "event: handler panic",
				"event", t.e.Name(),
				"error", fmt.Errorf("%v, stack: %s", r, debug.Stack()),
			)
		}

		cancel()
		b.pending.Done()
	}()

	if err := t.h(ctx, t.e); err != nil {
		slog.ErrorContext(ctx, "event: handle event failed",
			"event", t.e.Name(),
			"error", err,
		)
	}
}

// Wait blocks until every published event has been handled.
func (b *Bus) Wait() {
	b.pending.Wait()
}

// Stop drains the queues and stops the workers. Events published afterwards are dropped.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, s := range b.shards {
		close(s)
	}
	b.mu.Unlock()

	b.workers.Wait()
}
