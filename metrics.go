package processional

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// MetricsSnapshot represents a point-in-time snapshot of all metrics
type MetricsSnapshot struct {
	// Counters
	RequestsTotal     int `json:"requests_total" yaml:"requests_total"`
	RequestsSuccess   int `json:"requests_success" yaml:"requests_success"`
	RequestsFailed    int `json:"requests_failed" yaml:"requests_failed"`
	RequestsCancelled int `json:"requests_cancelled" yaml:"requests_cancelled"`

	// Latency (milliseconds)
	LatencyAvgMs float64 `json:"latency_avg_ms" yaml:"latency_avg_ms"`
	LatencyP50Ms float64 `json:"latency_p50_ms" yaml:"latency_p50_ms"`
	LatencyP95Ms float64 `json:"latency_p95_ms" yaml:"latency_p95_ms"`
	LatencyP99Ms float64 `json:"latency_p99_ms" yaml:"latency_p99_ms"`
	LatencyMinMs float64 `json:"latency_min_ms" yaml:"latency_min_ms"`
	LatencyMaxMs float64 `json:"latency_max_ms" yaml:"latency_max_ms"`

	// Requests awaiting an outcome
	InFlight    int `json:"in_flight" yaml:"in_flight"`
	InFlightMax int `json:"in_flight_max" yaml:"in_flight_max"`

	// Heartbeat
	HeartbeatRttAvgMs  float64 `json:"heartbeat_rtt_avg_ms" yaml:"heartbeat_rtt_avg_ms"`
	HeartbeatRttLastMs float64 `json:"heartbeat_rtt_last_ms" yaml:"heartbeat_rtt_last_ms"`
	HeartbeatMisses    int     `json:"heartbeat_misses" yaml:"heartbeat_misses"`

	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

const (
	maxHeartbeatSamples = 100
	maxLatencyMicros    = int64(time.Hour / time.Microsecond)
)

// Metrics is a thread-safe metrics collector for a SlaveHandle
type Metrics struct {
	mu sync.RWMutex

	requestsTotal     int
	requestsSuccess   int
	requestsFailed    int
	requestsCancelled int

	inFlight    int
	inFlightMax int

	// microseconds
	latency *hdrhistogram.Histogram

	heartbeatRtts   []float64
	heartbeatMisses int
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		latency:       hdrhistogram.New(1, maxLatencyMicros, 3),
		heartbeatRtts: make([]float64, 0, maxHeartbeatSamples),
	}
}

// StartRequest starts tracking a request and returns its start time.
func (m *Metrics) StartRequest() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requestsTotal++
	m.inFlight++
	if m.inFlight > m.inFlightMax {
		m.inFlightMax = m.inFlight
	}
	return time.Now()
}

// EndRequest records the outcome of a request and returns its latency in
// milliseconds.
func (m *Metrics) EndRequest(start time.Time, outcome FutureState) float64 {
	elapsed := time.Since(start)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.inFlight--
	switch outcome {
	case StateCompleted:
		m.requestsSuccess++
	case StateCancelled:
		m.requestsCancelled++
	default:
		m.requestsFailed++
	}

	micros := elapsed.Microseconds()
	if micros < 1 {
		micros = 1
	}
	if micros > maxLatencyMicros {
		micros = maxLatencyMicros
	}
	_ = m.latency.RecordValue(micros)

	return float64(elapsed) / float64(time.Millisecond)
}

// RecordHeartbeatRtt records a heartbeat round-trip time
func (m *Metrics) RecordHeartbeatRtt(rtt time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.heartbeatRtts) >= maxHeartbeatSamples {
		m.heartbeatRtts = m.heartbeatRtts[1:]
	}
	m.heartbeatRtts = append(m.heartbeatRtts, float64(rtt)/float64(time.Millisecond))
}

// RecordHeartbeatMiss records a missed heartbeat (timeout)
func (m *Metrics) RecordHeartbeatMiss() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.heartbeatMisses++
}

// Snapshot returns a point-in-time snapshot of all metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := MetricsSnapshot{
		RequestsTotal:     m.requestsTotal,
		RequestsSuccess:   m.requestsSuccess,
		RequestsFailed:    m.requestsFailed,
		RequestsCancelled: m.requestsCancelled,
		InFlight:          m.inFlight,
		InFlightMax:       m.inFlightMax,
		HeartbeatMisses:   m.heartbeatMisses,
		Timestamp:         time.Now(),
	}

	if m.latency.TotalCount() > 0 {
		snapshot.LatencyAvgMs = m.latency.Mean() / 1000
		snapshot.LatencyMinMs = float64(m.latency.Min()) / 1000
		snapshot.LatencyMaxMs = float64(m.latency.Max()) / 1000
		snapshot.LatencyP50Ms = float64(m.latency.ValueAtQuantile(50)) / 1000
		snapshot.LatencyP95Ms = float64(m.latency.ValueAtQuantile(95)) / 1000
		snapshot.LatencyP99Ms = float64(m.latency.ValueAtQuantile(99)) / 1000
	}

	if len(m.heartbeatRtts) > 0 {
		sum := 0.0
		for _, v := range m.heartbeatRtts {
			sum += v
		}
		snapshot.HeartbeatRttAvgMs = sum / float64(len(m.heartbeatRtts))
		snapshot.HeartbeatRttLastMs = m.heartbeatRtts[len(m.heartbeatRtts)-1]
	}

	return snapshot
}

// Reset resets all metrics
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requestsTotal = 0
	m.requestsSuccess = 0
	m.requestsFailed = 0
	m.requestsCancelled = 0
	m.inFlight = 0
	m.inFlightMax = 0
	m.latency.Reset()
	m.heartbeatRtts = make([]float64, 0, maxHeartbeatSamples)
	m.heartbeatMisses = 0
}
