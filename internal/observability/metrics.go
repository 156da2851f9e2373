package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Call metrics
	activeCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_bridge_active_calls",
		Help: "Number of active bridged calls",
	})

	totalCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_calls_total",
		Help: "Total number of calls processed",
	}, []string{"direction"}) // direction: "outbound" or "inbound_receptionist"

	callDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_bridge_call_duration_seconds",
		Help:    "Duration of bridged calls in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// Agent session metrics
	agentConnectLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_bridge_agent_connect_seconds",
		Help:    "Latency of establishing the agent WebSocket",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 3.0},
	})

	initToFirstAudio = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_bridge_init_to_first_audio_seconds",
		Help:    "Time from init frame to first agent audio",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// Signed URL cache metrics
	signedURLCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_bridge_signed_url_cache_hits_total",
		Help: "Signed URLs served from the prewarm cache",
	})

	signedURLCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_bridge_signed_url_cache_misses_total",
		Help: "Signed URLs acquired synchronously on cache miss",
	})

	signedURLStaleEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_bridge_signed_url_stale_evictions_total",
		Help: "Signed URLs evicted after exceeding their TTL",
	})

	// AMD metrics
	amdClassifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_amd_classifications_total",
		Help: "AMD classifications received from Twilio",
	}, []string{"answered_by"})

	// Tool call metrics
	toolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_tool_calls_total",
		Help: "Tool calls dispatched on behalf of the agent",
	}, []string{"tool", "status"})

	toolCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_bridge_tool_call_latency_seconds",
		Help:    "Tool call dispatch latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"tool"})

	// Buffer metrics
	bufferedFrameDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_buffered_frame_drops_total",
		Help: "Audio frames dropped on buffer overflow",
	}, []string{"direction"}) // direction: "inbound" or "outbound"

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_bridge_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})
)

// CallMetrics tracks metrics for a single bridged call
type CallMetrics struct {
	callID        string
	startTime     time.Time
	initSentTime  time.Time
	mu            sync.Mutex
	firstAudioSeen bool
}

// NewCallMetrics creates a new metrics tracker for a call
func NewCallMetrics(callID string) *CallMetrics {
	return &CallMetrics{
		callID:    callID,
		startTime: time.Now(),
	}
}

// RecordCallStart records the start of a call
func (m *CallMetrics) RecordCallStart(direction string) {
	activeCalls.Inc()
	totalCalls.WithLabelValues(direction).Inc()
}

// RecordCallEnd records the end of a call
func (m *CallMetrics) RecordCallEnd() {
	activeCalls.Dec()
	callDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordInitSent records when the initialization frame was sent
func (m *CallMetrics) RecordInitSent() {
	m.mu.Lock()
	m.initSentTime = time.Now()
	m.mu.Unlock()
}

// RecordFirstAgentAudio records the first audio frame received from the agent.
// Only the first observation per call is counted.
func (m *CallMetrics) RecordFirstAgentAudio() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.firstAudioSeen || m.initSentTime.IsZero() {
		return
	}
	m.firstAudioSeen = true
	initToFirstAudio.Observe(time.Since(m.initSentTime).Seconds())
}

// RecordError records an error
func (m *CallMetrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAgentConnect records the latency of an agent WebSocket dial
func RecordAgentConnect(d time.Duration) {
	agentConnectLatency.Observe(d.Seconds())
}

// RecordSignedURLCacheHit records a signed URL served from cache
func RecordSignedURLCacheHit() {
	signedURLCacheHits.Inc()
}

// RecordSignedURLCacheMiss records a synchronous signed URL acquisition
func RecordSignedURLCacheMiss() {
	signedURLCacheMisses.Inc()
}

// RecordSignedURLStaleEviction records an expired cache entry eviction
func RecordSignedURLStaleEviction() {
	signedURLStaleEvictions.Inc()
}

// RecordAMDClassification records an AMD classification from Twilio
func RecordAMDClassification(answeredBy string) {
	amdClassifications.WithLabelValues(answeredBy).Inc()
}

// RecordToolCall records a completed tool call dispatch
func RecordToolCall(tool string, d time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	toolCalls.WithLabelValues(tool, status).Inc()
	toolCallLatency.WithLabelValues(tool).Observe(d.Seconds())
}

// RecordBufferedFrameDrop records an audio frame dropped on overflow
func RecordBufferedFrameDrop(direction string) {
	bufferedFrameDrops.WithLabelValues(direction).Inc()
}

// RecordError records a component error outside a call context
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}
