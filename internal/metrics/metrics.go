package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records realtime connection and journal metrics. It
// implements connection.Observer and journal.Observer.
type Collector struct {
	gatherer prometheus.Gatherer

	connectAttempts  *prometheus.CounterVec
	connections      *prometheus.CounterVec
	connectDuration  *prometheus.HistogramVec
	connected        *prometheus.GaugeVec
	disconnects      *prometheus.CounterVec
	reconnects       *prometheus.CounterVec
	reconnectDelay   *prometheus.HistogramVec
	gaveUp           *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	messagesSent     *prometheus.CounterVec
	sendDropped      *prometheus.CounterVec
	latency          *prometheus.HistogramVec
	consumers        *prometheus.GaugeVec

	journalEvents  prometheus.Counter
	journalBatches prometheus.Counter
	journalFlush   prometheus.Histogram
	journalDropped prometheus.Counter
	journalErrors  prometheus.Counter
}

// NewCollector creates a collector registered on a private registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewCollectorWith(reg, reg)
}

// NewCollectorWith registers the collector's metrics on reg and serves
// them from g.
func NewCollectorWith(reg prometheus.Registerer, g prometheus.Gatherer) *Collector {
	c := &Collector{
		gatherer: g,

		connectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_connect_attempts_total",
				Help: "WebSocket dial attempts by endpoint",
			},
			[]string{"endpoint"},
		),
		connections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_connections_total",
				Help: "Completed WebSocket dials by endpoint and result",
			},
			[]string{"endpoint", "result"},
		),
		connectDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "realtime_connect_duration_seconds",
				Help:    "Time to open a WebSocket connection",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"endpoint"},
		),
		connected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "realtime_connected",
				Help: "Whether the endpoint's shared connection is open (1) or not (0)",
			},
			[]string{"endpoint"},
		),
		disconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_disconnects_total",
				Help: "Closed WebSocket connections by endpoint and close code",
			},
			[]string{"endpoint", "code"},
		),
		reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_reconnects_scheduled_total",
				Help: "Reconnect attempts scheduled after a failure",
			},
			[]string{"endpoint"},
		),
		reconnectDelay: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "realtime_reconnect_delay_seconds",
				Help:    "Backoff delay before each reconnect attempt",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 8),
			},
			[]string{"endpoint"},
		),
		gaveUp: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_gave_up_total",
				Help: "Times an endpoint stopped reconnecting after the attempt limit",
			},
			[]string{"endpoint"},
		),
		messagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_messages_received_total",
				Help: "Application messages fanned out to consumers",
			},
			[]string{"endpoint"},
		),
		messagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_messages_sent_total",
				Help: "Messages written by consumers",
			},
			[]string{"endpoint"},
		),
		sendDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_send_dropped_total",
				Help: "Outbound messages dropped because the connection was not open",
			},
			[]string{"endpoint"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "realtime_heartbeat_latency_seconds",
				Help:    "Heartbeat ping to pong round trip",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"endpoint"},
		),
		consumers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "realtime_consumers",
				Help: "Consumers attached to the endpoint's shared connection",
			},
			[]string{"endpoint"},
		),

		journalEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "journal_events_written_total",
			Help: "Update events written to the journal table",
		}),
		journalBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "journal_batches_total",
			Help: "Journal batches flushed",
		}),
		journalFlush: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "journal_flush_duration_seconds",
			Help:    "Time to flush one journal batch",
			Buckets: prometheus.DefBuckets,
		}),
		journalDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "journal_events_dropped_total",
			Help: "Update events dropped because the journal buffer was full",
		}),
		journalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "journal_write_errors_total",
			Help: "Journal batches that failed to write",
		}),
	}

	reg.MustRegister(
		c.connectAttempts,
		c.connections,
		c.connectDuration,
		c.connected,
		c.disconnects,
		c.reconnects,
		c.reconnectDelay,
		c.gaveUp,
		c.messagesReceived,
		c.messagesSent,
		c.sendDropped,
		c.latency,
		c.consumers,
		c.journalEvents,
		c.journalBatches,
		c.journalFlush,
		c.journalDropped,
		c.journalErrors,
	)

	return c
}

// Handler serves the registered metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) ConnectAttempt(endpoint string) {
	c.connectAttempts.WithLabelValues(endpoint).Inc()
}

func (c *Collector) Connected(endpoint string, took time.Duration) {
	c.connections.WithLabelValues(endpoint, "success").Inc()
	c.connectDuration.WithLabelValues(endpoint).Observe(took.Seconds())
	c.connected.WithLabelValues(endpoint).Set(1)
}

func (c *Collector) ConnectFailed(endpoint string) {
	c.connections.WithLabelValues(endpoint, "failure").Inc()
}

func (c *Collector) Disconnected(endpoint string, code int) {
	c.disconnects.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
	c.connected.WithLabelValues(endpoint).Set(0)
}

func (c *Collector) ReconnectScheduled(endpoint string, attempt int, delay time.Duration) {
	c.reconnects.WithLabelValues(endpoint).Inc()
	c.reconnectDelay.WithLabelValues(endpoint).Observe(delay.Seconds())
}

func (c *Collector) GaveUp(endpoint string) {
	c.gaveUp.WithLabelValues(endpoint).Inc()
	c.connected.WithLabelValues(endpoint).Set(0)
}

func (c *Collector) MessageReceived(endpoint string) {
	c.messagesReceived.WithLabelValues(endpoint).Inc()
}

func (c *Collector) MessageSent(endpoint string) {
	c.messagesSent.WithLabelValues(endpoint).Inc()
}

func (c *Collector) SendDropped(endpoint string) {
	c.sendDropped.WithLabelValues(endpoint).Inc()
}

func (c *Collector) Latency(endpoint string, d time.Duration) {
	c.latency.WithLabelValues(endpoint).Observe(d.Seconds())
}

func (c *Collector) Consumers(endpoint string, n int) {
	c.consumers.WithLabelValues(endpoint).Set(float64(n))
}

// BatchWritten records a flushed journal batch.
func (c *Collector) BatchWritten(events int, took time.Duration) {
	c.journalBatches.Inc()
	c.journalEvents.Add(float64(events))
	c.journalFlush.Observe(took.Seconds())
}

// BatchFailed records a journal batch that could not be written.
func (c *Collector) BatchFailed(events int) {
	c.journalErrors.Inc()
}

// EventDropped records an event the journal could not buffer.
func (c *Collector) EventDropped() {
	c.journalDropped.Inc()
}
