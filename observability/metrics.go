package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the prometheus collectors of the chat core.
// A nil *Metrics is valid and records nothing, which keeps tests free of registries.
type Metrics struct {
	registry *prometheus.Registry

	messagesSent       prometheus.Counter
	sendFailures       prometheus.Counter
	persistRetries     prometheus.Counter
	framesDelivered    prometheus.Counter
	sessionsPruned     prometheus.Counter
	activeSessions     prometheus.Gauge
	rateLimited        prometheus.Counter
	busErrors          prometheus.Counter
	notifications      *prometheus.CounterVec
	processCPU         prometheus.Gauge
	processRSS         prometheus.Gauge
	workerRestarts     *prometheus.CounterVec
	messagesExpired    prometheus.Counter
	presenceSweepFreed prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "Messages durably stored and broadcast.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_send_failures_total",
			Help: "Sends that exhausted the persistence retries.",
		}),
		persistRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_persist_retries_total",
			Help: "Transient persistence failures that were retried.",
		}),
		framesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_frames_delivered_total",
			Help: "Frames handed to local sessions.",
		}),
		sessionsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_sessions_pruned_total",
			Help: "Sessions dropped because their outbound buffer was closed or full.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_active_sessions",
			Help: "Sessions currently connected to this node.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_rate_limited_total",
			Help: "Inbound frames rejected by the per-session limiter.",
		}),
		busErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_bus_publish_errors_total",
			Help: "Envelopes that could not be published to the bus.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_notifications_total",
			Help: "Offline notifications by outcome.",
		}, []string{"outcome"}),
		processCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_process_cpu_percent",
			Help: "CPU usage of the gateway process.",
		}),
		processRSS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_process_rss_bytes",
			Help: "Resident memory of the gateway process.",
		}),
		workerRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_worker_restarts_total",
			Help: "Workers restarted by the supervisor.",
		}, []string{"worker"}),
		messagesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_expired_total",
			Help: "Disappearing messages removed by the expiry job.",
		}),
		presenceSweepFreed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_presence_swept_total",
			Help: "Users marked offline by the heartbeat sweep.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.messagesSent, m.sendFailures, m.persistRetries,
		m.framesDelivered, m.sessionsPruned, m.activeSessions,
		m.rateLimited, m.busErrors, m.notifications,
		m.processCPU, m.processRSS, m.workerRestarts,
		m.messagesExpired, m.presenceSweepFreed,
	)
	return m
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) MessageSent() {
	if m != nil {
		m.messagesSent.Inc()
	}
}

func (m *Metrics) SendFailed() {
	if m != nil {
		m.sendFailures.Inc()
	}
}

func (m *Metrics) PersistRetried() {
	if m != nil {
		m.persistRetries.Inc()
	}
}

func (m *Metrics) FramesDelivered(n int) {
	if m != nil && n > 0 {
		m.framesDelivered.Add(float64(n))
	}
}

func (m *Metrics) SessionPruned() {
	if m != nil {
		m.sessionsPruned.Inc()
	}
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.activeSessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.activeSessions.Dec()
	}
}

func (m *Metrics) RateLimited() {
	if m != nil {
		m.rateLimited.Inc()
	}
}

func (m *Metrics) BusPublishFailed() {
	if m != nil {
		m.busErrors.Inc()
	}
}

// Notification counts an offline notification outcome: enqueued, sent, retried, dead or dropped.
func (m *Metrics) Notification(outcome string) {
	if m != nil {
		m.notifications.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ProcessUsage(cpuPercent float64, rssBytes uint64) {
	if m != nil {
		m.processCPU.Set(cpuPercent)
		m.processRSS.Set(float64(rssBytes))
	}
}

func (m *Metrics) WorkerRestarted(name string) {
	if m != nil {
		m.workerRestarts.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) MessagesExpired(n int) {
	if m != nil && n > 0 {
		m.messagesExpired.Add(float64(n))
	}
}

func (m *Metrics) PresenceSwept(n int) {
	if m != nil && n > 0 {
		m.presenceSweepFreed.Add(float64(n))
	}
}
