// Package eventbus fans node event streams out to telemetry consumers.
// Delivery is best effort: a full queue drops rather than stalling the
// cluster the events describe.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Event is anything published to the bus. Runtime events satisfy this
// through their type name.
type Event interface{ GetType() string }

// Subscriber consumes events on its own channel. The bus runs a goroutine
// that reads GetChannel() and calls OnEvent per event; subscribers must
// not close the channel themselves.
type Subscriber interface {
	OnEvent(Event)
	GetChannel() chan Event
}

// FuncSubscriber adapts a plain function to the Subscriber interface.
type FuncSubscriber struct {
	ch chan Event
	fn func(Event)
}

func NewFuncSubscriber(buf int, fn func(Event)) *FuncSubscriber {
	if buf < 1 {
		buf = 1
	}
	return &FuncSubscriber{ch: make(chan Event, buf), fn: fn}
}

func (s *FuncSubscriber) OnEvent(ev Event)       { s.fn(ev) }
func (s *FuncSubscriber) GetChannel() chan Event { return s.ch }

// Option configures the Bus.
type Option func(*Bus)

// WithPublishBuffer sets the internal publish queue capacity. Publishing
// into a full queue drops the event.
func WithPublishBuffer(n int) Option {
	return func(b *Bus) {
		if n < 1 {
			n = 1
		}
		b.pubCh = make(chan delivery, n)
	}
}

// Bus fans published events out to every subscriber registered at publish
// time.
type Bus struct {
	subsMu sync.RWMutex
	subs   map[Subscriber]struct{}

	pubCh chan delivery

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	fanoutWG sync.WaitGroup // fanout loop
	subsWG   sync.WaitGroup // per-subscriber workers

	// one count per (event, subscriber) delivery still in flight
	procWG  sync.WaitGroup
	dropped atomic.Int64
}

type delivery struct {
	ev      Event
	targets []Subscriber
}

func New(opts ...Option) *Bus {
	b := &Bus{
		subs:  make(map[Subscriber]struct{}),
		pubCh: make(chan delivery, 1024),
	}
	for _, o := range opts {
		if o != nil {
			o(b)
		}
	}
	return b
}

// Subscribe registers s. On a started bus its worker begins immediately.
func (b *Bus) Subscribe(s Subscriber) {
	b.subsMu.Lock()
	if _, exists := b.subs[s]; exists {
		b.subsMu.Unlock()
		return
	}
	b.subs[s] = struct{}{}
	b.subsMu.Unlock()

	if b.started.Load() {
		b.startSubscriberWorker(s)
	}
}

// Publish enqueues ev for the current snapshot of subscribers. A stopped
// bus ignores it; a full queue drops it and counts the drop.
func (b *Bus) Publish(ev Event) {
	if !b.started.Load() {
		return
	}

	b.subsMu.RLock()
	targets := make([]Subscriber, 0, len(b.subs))
	for s := range b.subs {
		targets = append(targets, s)
	}
	b.subsMu.RUnlock()

	if len(targets) == 0 {
		return
	}

	// Account before enqueueing so WaitForProcessing cannot miss work
	// already on the queue; undo on the drop path.
	b.procWG.Add(len(targets))
	select {
	case b.pubCh <- delivery{ev: ev, targets: targets}:
	default:
		b.procWG.Add(-len(targets))
		b.dropped.Add(1)
	}
}

// Dropped reports how many published events a full queue discarded.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Start launches the fanout loop and subscriber workers. Idempotent.
func (b *Bus) Start() {
	b.startOnce.Do(func() {
		b.ctx, b.cancel = context.WithCancel(context.Background())
		b.started.Store(true)

		b.subsMu.RLock()
		for s := range b.subs {
			b.startSubscriberWorker(s)
		}
		b.subsMu.RUnlock()

		b.fanoutWG.Add(1)
		go func() {
			defer b.fanoutWG.Done()
			for d := range b.pubCh {
				for _, s := range d.targets {
					select {
					case s.GetChannel() <- d.ev:
						// the worker calls procWG.Done after OnEvent
					case <-b.ctx.Done():
						b.procWG.Done()
					}
				}
			}
		}()
	})
}

// Stop drains the queue, waits until every delivered event has been
// handled, then shuts the workers down. Publishers must be quiet by the
// time Stop is called. Idempotent.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		b.started.Store(false)
		close(b.pubCh)
		b.fanoutWG.Wait()

		b.procWG.Wait()

		if b.cancel != nil {
			b.cancel()
		}
		b.subsWG.Wait()
	})
}

// WaitForProcessing blocks until everything published so far has been
// through every target's OnEvent.
func (b *Bus) WaitForProcessing() {
	b.procWG.Wait()
}

func (b *Bus) startSubscriberWorker(s Subscriber) {
	ch := s.GetChannel()
	b.subsWG.Add(1)
	go func() {
		defer b.subsWG.Done()
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				b.handleEvent(s, ev)
			case <-b.ctx.Done():
				return
			}
		}
	}()
}

func (b *Bus) handleEvent(s Subscriber, ev Event) {
	defer b.procWG.Done()
	defer func() {
		// A panicking consumer must not wedge the bus.
		_ = recover()
	}()
	s.OnEvent(ev)
}
