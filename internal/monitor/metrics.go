package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xdusongwei/httptrading/internal/gateway"
	"github.com/xdusongwei/httptrading/internal/persistence"
)

// SystemMetrics tracks API traffic and broker health for /metrics.
type SystemMetrics struct {
	mu sync.RWMutex

	APILatency *LatencyHistogram

	// Counters
	requests     uint64
	errorsCount  uint64
	authFailures uint64
	rateLimited  uint64
	panics       uint64

	// Keyed by broker name, never by instance id.
	brokerErrors map[string]uint64
	stateChanges map[string]uint64

	// Updated periodically from main.
	gatewayStats gateway.Stats
	dumpStats    *persistence.BatchWriterMetrics
}

// LatencyHistogram tracks latency samples with sliding window.
// Stats are computed lazily and cached until the next sample.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		APILatency:   NewLatencyHistogram(1000),
		brokerErrors: make(map[string]uint64),
		stateChanges: make(map[string]uint64),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

func (m *SystemMetrics) IncrementRequests() {
	atomic.AddUint64(&m.requests, 1)
}

// IncrementErrors counts requests answered with an error envelope.
func (m *SystemMetrics) IncrementErrors() {
	atomic.AddUint64(&m.errorsCount, 1)
}

func (m *SystemMetrics) IncrementAuthFailures() {
	atomic.AddUint64(&m.authFailures, 1)
}

func (m *SystemMetrics) IncrementRateLimited() {
	atomic.AddUint64(&m.rateLimited, 1)
}

func (m *SystemMetrics) IncrementPanics() {
	atomic.AddUint64(&m.panics, 1)
}

// RecordBrokerError counts a failed operation for a broker kind.
func (m *SystemMetrics) RecordBrokerError(brokerName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.brokerErrors[brokerName]++
}

// RecordStateChange counts a published broker state such as "unhealthy".
func (m *SystemMetrics) RecordStateChange(state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateChanges[state]++
}

// SetGatewayStats updates instance statistics.
func (m *SystemMetrics) SetGatewayStats(stats gateway.Stats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gatewayStats = stats
}

// SetDumpStats updates order dump store statistics.
func (m *SystemMetrics) SetDumpStats(stats persistence.BatchWriterMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dumpStats = &stats
}

// MetricsSnapshot is the /metrics document.
type MetricsSnapshot struct {
	APILatency     LatencyStats                    `json:"api_latency"`
	Requests       uint64                          `json:"requests"`
	ErrorsCount    uint64                          `json:"errors_count"`
	AuthFailures   uint64                          `json:"auth_failures"`
	RateLimited    uint64                          `json:"rate_limited"`
	Panics         uint64                          `json:"panics"`
	BrokerErrors   map[string]uint64               `json:"broker_errors"`
	StateChanges   map[string]uint64               `json:"state_changes"`
	Instances      gateway.Stats                   `json:"instances"`
	DumpStore      *persistence.BatchWriterMetrics `json:"dump_store,omitempty"`
	GoroutineCount int                             `json:"goroutine_count"`
	HeapAlloc      uint64                          `json:"heap_alloc_bytes"`
	HeapSys        uint64                          `json:"heap_sys_bytes"`
	Timestamp      time.Time                       `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	brokerErrors := make(map[string]uint64, len(m.brokerErrors))
	for k, v := range m.brokerErrors {
		brokerErrors[k] = v
	}
	stateChanges := make(map[string]uint64, len(m.stateChanges))
	for k, v := range m.stateChanges {
		stateChanges[k] = v
	}
	gwStats := m.gatewayStats
	dumpStats := m.dumpStats
	m.mu.RUnlock()

	return MetricsSnapshot{
		APILatency:     m.APILatency.Stats(),
		Requests:       atomic.LoadUint64(&m.requests),
		ErrorsCount:    atomic.LoadUint64(&m.errorsCount),
		AuthFailures:   atomic.LoadUint64(&m.authFailures),
		RateLimited:    atomic.LoadUint64(&m.rateLimited),
		Panics:         atomic.LoadUint64(&m.panics),
		BrokerErrors:   brokerErrors,
		StateChanges:   stateChanges,
		Instances:      gwStats,
		DumpStore:      dumpStats,
		GoroutineCount: runtime.NumGoroutine(),
		HeapAlloc:      memStats.HeapAlloc,
		HeapSys:        memStats.HeapSys,
		Timestamp:      time.Now(),
	}
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
