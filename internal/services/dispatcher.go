package services

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-crm-bridge/internal/domain"
)

// Subscriber consumes one domain event. Handlers run on the caller's
// goroutine unless the dispatcher was built with a pool, so they must
// be quick or hand off themselves.
type Subscriber func(ctx context.Context, ev domain.Event)

// Dispatcher fans domain events out to registered subscribers. The
// subscriber list is fixed at startup; Subscribe is not safe to call
// concurrently with Dispatch.
type Dispatcher struct {
	mu   sync.RWMutex
	subs map[string][]Subscriber
	all  []Subscriber
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{subs: make(map[string][]Subscriber)}
}

// Subscribe registers a handler for one event name.
func (d *Dispatcher) Subscribe(name string, fn Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs[name] = append(d.subs[name], fn)
}

// SubscribeAll registers a handler for every event, used for the AMQP
// mirror and metrics.
func (d *Dispatcher) SubscribeAll(fn Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.all = append(d.all, fn)
}

// Dispatch delivers ev to every matching subscriber. Panics in a
// subscriber are contained so one bad handler cannot take down the
// request that raised the event.
func (d *Dispatcher) Dispatch(ctx context.Context, ev domain.Event) {
	d.mu.RLock()
	matched := d.subs[ev.Name()]
	all := d.all
	d.mu.RUnlock()

	for _, fn := range matched {
		d.safeCall(ctx, fn, ev)
	}
	for _, fn := range all {
		d.safeCall(ctx, fn, ev)
	}
}

func (d *Dispatcher) safeCall(ctx context.Context, fn Subscriber, ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("event", ev.Name()).Msg("event subscriber panicked")
		}
	}()
	fn(ctx, ev)
}
