package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transcriber_active_sessions",
		Help: "Number of live transcription sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcriber_sessions_total",
		Help: "Total number of sessions started",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcriber_session_duration_seconds",
		Help:    "Duration of transcription sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	connectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriber_connect_attempts_total",
		Help: "Connection attempts by result",
	}, []string{"result"}) // result: "success", "error", "aborted"

	reconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcriber_reconnects_total",
		Help: "Total number of reconnect attempts after an unexpected close",
	})

	// Credential metrics
	credentialRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriber_credential_requests_total",
		Help: "Total number of credential requests",
	}, []string{"status"})

	credentialLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcriber_credential_latency_seconds",
		Help:    "Credential fetch latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// Transport metrics
	transportOpens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriber_transport_opens_total",
		Help: "Total number of transport opens",
	}, []string{"mode", "status"})

	transportOpenLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "transcriber_transport_open_latency_seconds",
		Help:    "Transport open and negotiation latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"mode"})

	// Audio metrics
	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriber_audio_frames_total",
		Help: "Audio frames by outcome",
	}, []string{"outcome"}) // outcome: "sent" or "dropped"

	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriber_audio_bytes_total",
		Help: "Total PCM16 audio bytes framed",
	}, []string{"outcome"})

	// Protocol metrics
	protocolEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriber_protocol_events_total",
		Help: "Inbound protocol events by type",
	}, []string{"type"})

	transcriptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriber_transcripts_total",
		Help: "Transcript updates by kind",
	}, []string{"kind"}) // kind: "final", "interim", "failed"

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriber_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "transcriber_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})
)

// Metrics tracks metrics for a single session
type Metrics struct {
	sessionID       string
	startTime       time.Time
	credentialStart time.Time
	openStart       time.Time
	started         bool
	ended           bool
	mu              sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// SessionID returns the session this tracker belongs to
func (m *Metrics) SessionID() string {
	return m.sessionID
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session. Only the first call counts.
func (m *Metrics) RecordSessionEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started || m.ended {
		return
	}
	m.ended = true
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordConnectAttempt records the outcome of one connect or reconnect attempt
func (m *Metrics) RecordConnectAttempt(result string) {
	connectAttempts.WithLabelValues(result).Inc()
}

// RecordReconnect records a reconnect attempt
func (m *Metrics) RecordReconnect() {
	reconnectsTotal.Inc()
}

// RecordCredentialStart records the start of a credential fetch
func (m *Metrics) RecordCredentialStart() {
	m.mu.Lock()
	m.credentialStart = time.Now()
	m.mu.Unlock()
}

// RecordCredentialEnd records the end of a credential fetch
func (m *Metrics) RecordCredentialEnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.credentialStart.IsZero() {
		credentialLatency.Observe(time.Since(m.credentialStart).Seconds())
	}
	credentialRequests.WithLabelValues(statusLabel(success)).Inc()
}

// RecordTransportOpenStart records the start of a transport open
func (m *Metrics) RecordTransportOpenStart() {
	m.mu.Lock()
	m.openStart = time.Now()
	m.mu.Unlock()
}

// RecordTransportOpenEnd records the end of a transport open
func (m *Metrics) RecordTransportOpenEnd(mode string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.openStart.IsZero() {
		transportOpenLatency.WithLabelValues(mode).Observe(time.Since(m.openStart).Seconds())
	}
	transportOpens.WithLabelValues(mode, statusLabel(success)).Inc()
}

// RecordFrame records one framer outcome and its PCM16 size
func (m *Metrics) RecordFrame(outcome string, bytes int) {
	framesTotal.WithLabelValues(outcome).Inc()
	audioBytesProcessed.WithLabelValues(outcome).Add(float64(bytes))
}

// RecordProtocolEvent records an inbound event type
func (m *Metrics) RecordProtocolEvent(eventType string) {
	protocolEvents.WithLabelValues(eventType).Inc()
}

// RecordTranscript records a transcript update
func (m *Metrics) RecordTranscript(kind string) {
	transcriptsTotal.WithLabelValues(kind).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
