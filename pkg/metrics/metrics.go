// Package metrics turns runtime events into prometheus series. The
// collector subscribes to the event bus; the simulator serves its
// registry over /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/frankPairs/maelstrom/pkg/eventbus"
	"github.com/frankPairs/maelstrom/pkg/node"
)

const namespace = "maelstrom"

// Collector owns a private registry so two collectors in one process
// never collide. It satisfies eventbus.Subscriber.
type Collector struct {
	reg *prometheus.Registry
	ch  chan eventbus.Event

	messagesIn    *prometheus.CounterVec
	messagesOut   *prometheus.CounterVec
	rpcRetries    *prometheus.CounterVec
	rpcTimeouts   *prometheus.CounterVec
	strayReplies  *prometheus.CounterVec
	unsupported   *prometheus.CounterVec
	handlerErrs   *prometheus.CounterVec
	gossipBatches *prometheus.CounterVec
	gossipAcks    *prometheus.CounterVec
	valuesLearned *prometheus.CounterVec
	batchSize     *prometheus.HistogramVec
	knownValues   *prometheus.GaugeVec
}

func NewCollector() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		ch:  make(chan eventbus.Event, 256),
		messagesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_in_total",
			Help:      "Inbound envelopes by node and body type.",
		}, []string{"node", "type"}),
		messagesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_out_total",
			Help:      "Outbound envelopes by node and body type.",
		}, []string{"node", "type"}),
		rpcRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_retries_total",
			Help:      "Request attempts resent after a timeout.",
		}, []string{"node"}),
		rpcTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_timeouts_total",
			Help:      "Requests that exhausted their retries.",
		}, []string{"node"}),
		strayReplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stray_replies_total",
			Help:      "Replies whose request had already expired.",
		}, []string{"node"}),
		unsupported: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unsupported_messages_total",
			Help:      "Inbound messages with no registered handler.",
		}, []string{"node"}),
		handlerErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_errors_total",
			Help:      "Handlers that returned an error.",
		}, []string{"node"}),
		gossipBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gossip_batches_total",
			Help:      "Gossip flights launched.",
		}, []string{"node"}),
		gossipAcks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gossip_acks_total",
			Help:      "Gossip flights acknowledged by a neighbor.",
		}, []string{"node"}),
		valuesLearned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "values_learned_total",
			Help:      "Values first seen, by the node that learned them.",
		}, []string{"node"}),
		batchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gossip_batch_size",
			Help:      "Values per gossip flight.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"node"}),
		knownValues: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "known_values",
			Help:      "Size of each node's value set, sampled by the simulator.",
		}, []string{"node"}),
	}
	c.reg.MustRegister(
		c.messagesIn, c.messagesOut,
		c.rpcRetries, c.rpcTimeouts, c.strayReplies,
		c.unsupported, c.handlerErrs,
		c.gossipBatches, c.gossipAcks, c.valuesLearned, c.batchSize,
		c.knownValues,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the collector was built.",
		}, uptimeSince(time.Now())),
	)
	return c
}

func uptimeSince(start time.Time) func() float64 {
	return func() float64 { return time.Since(start).Seconds() }
}

// Handler exposes the registry, for mounting on /metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// SetKnownValues records the sampled size of one node's value set.
func (c *Collector) SetKnownValues(nodeID string, n int) {
	c.knownValues.WithLabelValues(nodeID).Set(float64(n))
}

// GetChannel hands the bus the collector's intake queue.
func (c *Collector) GetChannel() chan eventbus.Event { return c.ch }

// OnEvent folds one runtime event into the series.
func (c *Collector) OnEvent(ev eventbus.Event) {
	e, ok := ev.(node.Event)
	if !ok {
		return
	}
	switch e.Type {
	case node.EventMsgIn:
		c.messagesIn.WithLabelValues(e.Node, fieldString(e.Fields, "type")).Inc()
	case node.EventMsgOut:
		c.messagesOut.WithLabelValues(e.Node, fieldString(e.Fields, "type")).Inc()
	case node.EventRPCRetry:
		c.rpcRetries.WithLabelValues(e.Node).Inc()
	case node.EventRPCTimeout:
		c.rpcTimeouts.WithLabelValues(e.Node).Inc()
	case node.EventStrayReply:
		c.strayReplies.WithLabelValues(e.Node).Inc()
	case node.EventUnsupported:
		c.unsupported.WithLabelValues(e.Node).Inc()
	case node.EventHandlerErr:
		c.handlerErrs.WithLabelValues(e.Node).Inc()
	case node.EventGossipBatch:
		c.gossipBatches.WithLabelValues(e.Node).Inc()
		c.batchSize.WithLabelValues(e.Node).Observe(fieldFloat(e.Fields, "count"))
	case node.EventGossipAck:
		c.gossipAcks.WithLabelValues(e.Node).Inc()
	case node.EventValueLearned:
		c.valuesLearned.WithLabelValues(e.Node).Add(fieldFloat(e.Fields, "count"))
	}
}

func fieldString(fields map[string]any, key string) string {
	if s, ok := fields[key].(string); ok {
		return s
	}
	return "unknown"
}

func fieldFloat(fields map[string]any, key string) float64 {
	switch v := fields[key].(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	}
	return 0
}
