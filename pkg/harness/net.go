// Package harness provides an in-process cluster network for tests and the
// simulator: endpoints join under a node id, envelopes route by dest, and
// every directed link can be partitioned, lossy, duplicating, or slow.
package harness

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frankPairs/maelstrom/pkg/wire"
)

// LinkConfig models one directed link. The zero value is a severed link;
// CleanLink is a perfect one.
type LinkConfig struct {
	Up     bool
	Loss   float64 // probability a message vanishes
	Dup    float64 // probability a message is delivered twice
	Delay  time.Duration
	Jitter time.Duration // uniform in [-Jitter, +Jitter] on top of Delay
}

func CleanLink() LinkConfig { return LinkConfig{Up: true} }

type route struct{ from, to string }

// Net routes envelopes between joined endpoints. Per-route overrides take
// precedence over the default link; messages into a down link or an
// unknown destination vanish without an error, the way a real network
// loses them.
type Net struct {
	mu      sync.RWMutex
	inbox   map[string]chan wire.Envelope
	defLink LinkConfig
	links   map[route]LinkConfig

	rngMu sync.Mutex
	rng   *rand.Rand

	queue int

	delivered atomic.Int64
	dropped   atomic.Int64
}

type NetOption func(*Net)

// WithSeed pins the chaos rng so a lossy run can be replayed.
func WithSeed(seed int64) NetOption {
	return func(n *Net) { n.rng = rand.New(rand.NewSource(seed)) }
}

// WithQueue sets the per-endpoint inbox capacity. A full inbox drops.
func WithQueue(size int) NetOption {
	return func(n *Net) {
		if size > 0 {
			n.queue = size
		}
	}
}

// WithDefaultLink sets the behavior of every link without an override.
func WithDefaultLink(cfg LinkConfig) NetOption {
	return func(n *Net) { n.defLink = cfg }
}

func NewNet(opts ...NetOption) *Net {
	n := &Net{
		inbox:   make(map[string]chan wire.Envelope),
		defLink: CleanLink(),
		links:   make(map[route]LinkConfig),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		queue:   256,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	return n
}

// Join registers id and returns its endpoint. Ids are unique.
func (n *Net) Join(id string) (*Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.inbox[id]; exists {
		return nil, fmt.Errorf("id already joined: %s", id)
	}
	ch := make(chan wire.Envelope, n.queue)
	n.inbox[id] = ch
	return &Endpoint{net: n, id: id, in: ch, closed: make(chan struct{})}, nil
}

// SetDefault swaps the behavior of all links without an override.
func (n *Net) SetDefault(cfg LinkConfig) {
	n.mu.Lock()
	n.defLink = cfg
	n.mu.Unlock()
}

// SetLink overrides one directed link.
func (n *Net) SetLink(from, to string, cfg LinkConfig) {
	n.mu.Lock()
	n.links[route{from, to}] = cfg
	n.mu.Unlock()
}

// Partition severs every link between ids of different groups, both
// directions. Links inside a group, and links touching ids not listed in
// any group, keep their current behavior.
func (n *Net) Partition(groups ...[]string) {
	idx := make(map[string]int)
	for gi, g := range groups {
		for _, id := range g {
			idx[id] = gi
		}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for a, ga := range idx {
		for b, gb := range idx {
			if a == b || ga == gb {
				continue
			}
			n.links[route{a, b}] = LinkConfig{}
		}
	}
}

// Heal removes every per-link override, partition cuts included.
func (n *Net) Heal() {
	n.mu.Lock()
	n.links = make(map[route]LinkConfig)
	n.mu.Unlock()
}

// Delivered and Dropped report totals since the net was built.
func (n *Net) Delivered() int64 { return n.delivered.Load() }
func (n *Net) Dropped() int64   { return n.dropped.Load() }

func (n *Net) linkFor(from, to string) LinkConfig {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if cfg, ok := n.links[route{from, to}]; ok {
		return cfg
	}
	return n.defLink
}

func (n *Net) send(from string, env wire.Envelope) {
	cfg := n.linkFor(from, env.Dest)
	if !cfg.Up || n.roll() < cfg.Loss {
		n.dropped.Add(1)
		return
	}
	n.deliver(env, n.delay(cfg))
	if cfg.Dup > 0 && n.roll() < cfg.Dup {
		n.deliver(env, n.delay(cfg))
	}
}

func (n *Net) deliver(env wire.Envelope, after time.Duration) {
	if after <= 0 {
		n.post(env)
		return
	}
	time.AfterFunc(after, func() { n.post(env) })
}

func (n *Net) post(env wire.Envelope) {
	n.mu.RLock()
	dst, ok := n.inbox[env.Dest]
	n.mu.RUnlock()
	if !ok {
		n.dropped.Add(1)
		return
	}
	select {
	case dst <- env:
		n.delivered.Add(1)
	default:
		n.dropped.Add(1)
	}
}

func (n *Net) delay(cfg LinkConfig) time.Duration {
	if cfg.Jitter <= 0 {
		return cfg.Delay
	}
	n.rngMu.Lock()
	defer n.rngMu.Unlock()
	j := time.Duration(n.rng.Int63n(int64(cfg.Jitter)*2)) - cfg.Jitter
	return cfg.Delay + j
}

func (n *Net) roll() float64 {
	n.rngMu.Lock()
	x := n.rng.Float64()
	n.rngMu.Unlock()
	return x
}

func (n *Net) unlisten(id string) {
	n.mu.Lock()
	delete(n.inbox, id)
	n.mu.Unlock()
}

// Endpoint is one joined id's handle. It satisfies wire.Transport, so a
// node runs over it unchanged.
type Endpoint struct {
	net    *Net
	id     string
	in     chan wire.Envelope
	closed chan struct{}
}

func (e *Endpoint) ID() string { return e.id }

// Recv blocks until an envelope arrives or ctx/endpoint closes.
func (e *Endpoint) Recv(ctx context.Context) (wire.Envelope, bool) {
	select {
	case <-e.closed:
		return wire.Envelope{}, false
	case <-ctx.Done():
		return wire.Envelope{}, false
	case env := <-e.in:
		return env, true
	}
}

// Send routes env through the net. Loss and partitions are silent; only a
// closed endpoint reports an error.
func (e *Endpoint) Send(env wire.Envelope) error {
	select {
	case <-e.closed:
		return errors.New("endpoint closed")
	default:
	}
	if env.Src == "" {
		env.Src = e.id
	}
	e.net.send(e.id, env)
	return nil
}

func (e *Endpoint) Close() error {
	select {
	case <-e.closed:
		return nil
	default:
		close(e.closed)
		e.net.unlisten(e.id)
		return nil
	}
}
