package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/valter-silva-au/agent-registry/pkg/models"
)

const namespace = "areg"

// Collectors holds the Prometheus collectors for the registry. All methods
// are safe to call on a nil *Collectors, which records nothing.
type Collectors struct {
	registry *prometheus.Registry

	heartbeats       *prometheus.CounterVec
	statusChanges    *prometheus.CounterVec
	eventsEmitted    *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	deadLetters      *prometheus.CounterVec
	queueDepth       prometheus.Gauge
	cacheLookups     *prometheus.CounterVec
	cacheEvictions   prometheus.Counter
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec

	entities          *prometheus.GaugeVec
	averageHealth     *prometheus.GaugeVec
	tiers             *prometheus.GaugeVec
	staleEntities     prometheus.Gauge
	unprocessedEvents prometheus.Gauge
	lastSnapshot      prometheus.Gauge
}

// NewCollectors creates and registers every collector on a private registry.
func NewCollectors() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "heartbeats_total",
			Help: "Heartbeats ingested, by entity kind.",
		}, []string{"kind"}),
		statusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "status_changes_total",
			Help: "Entity status transitions, by kind and new status.",
		}, []string{"kind", "status"}),
		eventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_emitted_total",
			Help: "Events appended to the event log, by type.",
		}, []string{"event_type"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "delivery_attempts_total",
			Help: "Delivery attempts, by delivery method and result.",
		}, []string{"method", "result"}),
		deliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "delivery_duration_seconds",
			Help:    "Duration of single delivery attempts.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dead_letters_total",
			Help: "Deliveries abandoned after the retry budget, by delivery method.",
		}, []string{"method"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "dispatch_queue_depth",
			Help: "Events waiting in the fan-out queue.",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_lookups_total",
			Help: "Query cache lookups, by result (hit or miss).",
		}, []string{"result"}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_evictions_total",
			Help: "Cache entries removed by expiry sweep.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP API requests, by method, route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP API request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		entities: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "entities",
			Help: "Live entities at the last snapshot, by kind.",
		}, []string{"kind"}),
		averageHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "average_health_score",
			Help: "Average health score at the last snapshot, by kind.",
		}, []string{"kind"}),
		tiers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "health_tier_entities",
			Help: "Entities per health tier at the last snapshot.",
		}, []string{"tier"}),
		staleEntities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "stale_entities",
			Help: "Entities without a heartbeat inside the staleness window at the last snapshot.",
		}),
		unprocessedEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "unprocessed_events",
			Help: "Events not yet fanned out at the last snapshot.",
		}),
		lastSnapshot: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_snapshot_timestamp_seconds",
			Help: "Unix time of the last metrics snapshot.",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.heartbeats, c.statusChanges, c.eventsEmitted, c.deliveries, c.deliveryDuration,
		c.deadLetters, c.queueDepth, c.cacheLookups, c.cacheEvictions, c.httpRequests,
		c.httpDuration, c.entities, c.averageHealth, c.tiers, c.staleEntities,
		c.unprocessedEvents, c.lastSnapshot,
	)
	return c
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collectors) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collectors) HeartbeatReceived(kind models.EntityKind) {
	if c == nil {
		return
	}
	c.heartbeats.WithLabelValues(string(kind)).Inc()
}

func (c *Collectors) StatusChanged(kind models.EntityKind, status models.EntityStatus) {
	if c == nil {
		return
	}
	c.statusChanges.WithLabelValues(string(kind), string(status)).Inc()
}

func (c *Collectors) EventEmitted(t models.EventType) {
	if c == nil {
		return
	}
	c.eventsEmitted.WithLabelValues(string(t)).Inc()
}

// DeliveryAttempted records one attempt and how long it took.
func (c *Collectors) DeliveryAttempted(method models.DeliveryMethod, err error, took time.Duration) {
	if c == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.deliveries.WithLabelValues(string(method), result).Inc()
	c.deliveryDuration.WithLabelValues(string(method)).Observe(took.Seconds())
}

func (c *Collectors) DeadLettered(method models.DeliveryMethod) {
	if c == nil {
		return
	}
	c.deadLetters.WithLabelValues(string(method)).Inc()
}

func (c *Collectors) SetQueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

func (c *Collectors) CacheLookup(hit bool) {
	if c == nil {
		return
	}
	if hit {
		c.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	c.cacheLookups.WithLabelValues("miss").Inc()
}

func (c *Collectors) CacheEvicted(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.cacheEvictions.Add(float64(n))
}

func (c *Collectors) HTTPRequest(method, route string, code int, took time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(took.Seconds())
}

// ObserveSnapshot mirrors an aggregate snapshot into gauges. Unavailable
// fields leave their gauges untouched.
func (c *Collectors) ObserveSnapshot(s *models.MetricsSnapshot) {
	if c == nil || s == nil {
		return
	}
	for kind, n := range s.EntityCounts {
		c.entities.WithLabelValues(string(kind)).Set(float64(n))
	}
	for kind, avg := range s.AverageHealth {
		c.averageHealth.WithLabelValues(string(kind)).Set(avg)
	}
	for tier, n := range s.TierCounts {
		c.tiers.WithLabelValues(string(tier)).Set(float64(n))
	}
	if s.StaleEntities != nil {
		c.staleEntities.Set(float64(*s.StaleEntities))
	}
	if s.UnprocessedEvents != nil {
		c.unprocessedEvents.Set(float64(*s.UnprocessedEvents))
	}
	c.lastSnapshot.Set(float64(s.TakenAt.Unix()))
}
