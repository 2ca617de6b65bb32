// Package metrics exposes Prometheus instruments for the dispatcher. A nil
// *Collector is valid and records nothing, which keeps tests free of setup.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "roadwatch"

type Collector struct {
	registry *prometheus.Registry

	activeSessions    prometheus.Gauge
	cachedLocations   prometheus.Gauge
	persisted         *prometheus.CounterVec
	pushed            prometheus.Counter
	failed            prometheus.Counter
	deliveryMisses    prometheus.Counter
	bridgeMessages    *prometheus.CounterVec
	bridgeReconnects  prometheus.Counter
	jobRuns           *prometheus.CounterVec
	jobFailures       *prometheus.CounterVec
	handshakeRejected *prometheus.CounterVec
}

// NewCollector registers all instruments on registry. A fresh registry with
// Go and process collectors is created when registry is nil.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	c := &Collector{
		registry: registry,
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sessions", Name: "active",
			Help: "Live sessions currently registered.",
		}),
		cachedLocations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "locations", Name: "cached",
			Help: "Users with a cached location sample.",
		}),
		persisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notifications", Name: "persisted_total",
			Help: "Notification records stored, by type.",
		}, []string{"type"}),
		pushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notifications", Name: "pushed_total",
			Help: "Notifications queued on a live session.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notifications", Name: "persist_failures_total",
			Help: "Notification records that could not be stored.",
		}),
		deliveryMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notifications", Name: "delivery_misses_total",
			Help: "Stored notifications whose recipient had no usable session.",
		}),
		bridgeMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bridge", Name: "messages_total",
			Help: "Messages received from the ingestion channel, by outcome.",
		}, []string{"outcome"}),
		bridgeReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bridge", Name: "resubscribes_total",
			Help: "Times the ingestion subscription was lost and re-established.",
		}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "runs_total",
			Help: "Scheduled task runs.",
		}, []string{"task"}),
		jobFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "failures_total",
			Help: "Scheduled task runs that returned an error.",
		}, []string{"task"}),
		handshakeRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sessions", Name: "rejected_total",
			Help: "Rejected connection handshakes, by reason.",
		}, []string{"reason"}),
	}

	registry.MustRegister(
		c.activeSessions, c.cachedLocations, c.persisted, c.pushed, c.failed,
		c.deliveryMisses, c.bridgeMessages, c.bridgeReconnects, c.jobRuns,
		c.jobFailures, c.handshakeRejected,
	)
	return c
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

func (c *Collector) SetActiveSessions(n int) {
	if c == nil {
		return
	}
	c.activeSessions.Set(float64(n))
}

func (c *Collector) SetCachedLocations(n int) {
	if c == nil {
		return
	}
	c.cachedLocations.Set(float64(n))
}

func (c *Collector) NotificationPersisted(notificationType string) {
	if c == nil {
		return
	}
	c.persisted.WithLabelValues(notificationType).Inc()
}

func (c *Collector) NotificationPushed() {
	if c == nil {
		return
	}
	c.pushed.Inc()
}

func (c *Collector) NotificationFailed() {
	if c == nil {
		return
	}
	c.failed.Inc()
}

func (c *Collector) DeliveryMiss() {
	if c == nil {
		return
	}
	c.deliveryMisses.Inc()
}

func (c *Collector) BridgeMessage(outcome string) {
	if c == nil {
		return
	}
	c.bridgeMessages.WithLabelValues(outcome).Inc()
}

func (c *Collector) BridgeResubscribe() {
	if c == nil {
		return
	}
	c.bridgeReconnects.Inc()
}

func (c *Collector) JobRun(task string, err error) {
	if c == nil {
		return
	}
	c.jobRuns.WithLabelValues(task).Inc()
	if err != nil {
		c.jobFailures.WithLabelValues(task).Inc()
	}
}

func (c *Collector) HandshakeRejected(reason string) {
	if c == nil {
		return
	}
	c.handshakeRejected.WithLabelValues(reason).Inc()
}
