// Package metrics tracks in-process connection counters for the
// operator API's /metrics endpoint, and optionally exports long-term
// history to InfluxDB/MongoDB (see store.go, §11).
package metrics

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Metrics is the in-process counter set scraped by the operator API's
// Prometheus endpoint.
type Metrics struct {
	// Connection metrics
	TotalConnections   int64 `json:"total_connections"`
	RunningConnections int64 `json:"running_connections"`
	DoneConnections    int64 `json:"done_connections"`

	// Exchange metrics
	TotalExchanges int64 `json:"total_exchanges"`
	ConnTimeouts   int64 `json:"conn_timeouts"`
	RecvTimeouts   int64 `json:"recv_timeouts"`
	ProtocolErrors int64 `json:"protocol_errors"`

	// System metrics
	Uptime         int64   `json:"uptime_seconds"`
	MemoryUsed     uint64  `json:"memory_used_bytes"`
	MemoryTotal    uint64  `json:"memory_total_bytes"`
	GoroutineCount int     `json:"goroutine_count"`

	// API metrics
	TotalRequests   int64   `json:"total_requests"`
	TotalErrors     int64   `json:"total_errors"`
	AvgResponseTime float64 `json:"avg_response_time_ms"`

	mu        sync.RWMutex
	startTime time.Time
}

// NewMetrics builds a Metrics with its clock started.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// IncrementConnections counts a newly started connection.
func (m *Metrics) IncrementConnections() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalConnections++
}

// IncrementRunning counts a connection entering RUNNING.
func (m *Metrics) IncrementRunning() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RunningConnections++
}

// DecrementRunning counts a connection leaving RUNNING for a terminal
// status.
func (m *Metrics) DecrementRunning() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RunningConnections > 0 {
		m.RunningConnections--
	}
	m.DoneConnections++
}

// IncrementExchanges counts one completed request/response exchange.
func (m *Metrics) IncrementExchanges() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalExchanges++
}

// IncrementConnTimeouts counts one ConnTimeoutError transition.
func (m *Metrics) IncrementConnTimeouts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConnTimeouts++
}

// IncrementRecvTimeouts counts one RecvTimeoutError transition.
func (m *Metrics) IncrementRecvTimeouts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RecvTimeouts++
}

// IncrementProtocolErrors counts one non-NoError STATUS_MODBUS result.
func (m *Metrics) IncrementProtocolErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ProtocolErrors++
}

// IncrementRequests counts one API request.
func (m *Metrics) IncrementRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalRequests++
}

// IncrementErrors counts one API error response.
func (m *Metrics) IncrementErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalErrors++
}

// RecordResponseTime folds duration into an exponential moving average.
func (m *Metrics) RecordResponseTime(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms := float64(duration.Milliseconds())
	if m.AvgResponseTime == 0 {
		m.AvgResponseTime = ms
	} else {
		m.AvgResponseTime = (m.AvgResponseTime * 0.9) + (ms * 0.1)
	}
}

// UpdateSystemMetrics refreshes the uptime/memory/goroutine gauges.
func (m *Metrics) UpdateSystemMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Uptime = int64(time.Since(m.startTime).Seconds())

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	m.MemoryUsed = memStats.Alloc
	m.MemoryTotal = memStats.Sys

	m.GoroutineCount = runtime.NumGoroutine()
}

// GetMetrics returns a JSON-friendly snapshot of every counter.
func (m *Metrics) GetMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"connections": map[string]interface{}{
			"total":   m.TotalConnections,
			"running": m.RunningConnections,
			"done":    m.DoneConnections,
		},
		"exchanges": map[string]interface{}{
			"total":           m.TotalExchanges,
			"conn_timeouts":   m.ConnTimeouts,
			"recv_timeouts":   m.RecvTimeouts,
			"protocol_errors": m.ProtocolErrors,
		},
		"system": map[string]interface{}{
			"uptime_seconds":     m.Uptime,
			"memory_used_bytes":  m.MemoryUsed,
			"memory_total_bytes": m.MemoryTotal,
			"memory_used_mb":     m.MemoryUsed / 1024 / 1024,
			"goroutines":         m.GoroutineCount,
		},
		"api": map[string]interface{}{
			"total_requests":       m.TotalRequests,
			"total_errors":         m.TotalErrors,
			"avg_response_time_ms": m.AvgResponseTime,
			"error_rate": func() float64 {
				if m.TotalRequests == 0 {
					return 0.0
				}
				return float64(m.TotalErrors) / float64(m.TotalRequests) * 100
			}(),
		},
	}
}

// PrometheusFormat renders the metrics as Prometheus exposition text.
// DoneConnections and MemoryTotal are not included.
func (m *Metrics) PrometheusFormat() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return `# HELP plcnode_connections_total Total number of connections started
# TYPE plcnode_connections_total counter
plcnode_connections_total ` + formatInt64(m.TotalConnections) + `

# HELP plcnode_connections_running Number of connections currently RUNNING
# TYPE plcnode_connections_running gauge
plcnode_connections_running ` + formatInt64(m.RunningConnections) + `

# HELP plcnode_exchanges_total Total number of completed request/response exchanges
# TYPE plcnode_exchanges_total counter
plcnode_exchanges_total ` + formatInt64(m.TotalExchanges) + `

# HELP plcnode_conn_timeouts_total Total number of CONN_TIMEOUT_ERROR transitions
# TYPE plcnode_conn_timeouts_total counter
plcnode_conn_timeouts_total ` + formatInt64(m.ConnTimeouts) + `

# HELP plcnode_recv_timeouts_total Total number of RECV_TIMEOUT_ERROR transitions
# TYPE plcnode_recv_timeouts_total counter
plcnode_recv_timeouts_total ` + formatInt64(m.RecvTimeouts) + `

# HELP plcnode_protocol_errors_total Total number of non-zero STATUS_MODBUS results
# TYPE plcnode_protocol_errors_total counter
plcnode_protocol_errors_total ` + formatInt64(m.ProtocolErrors) + `

# HELP plcnode_uptime_seconds Uptime in seconds
# TYPE plcnode_uptime_seconds gauge
plcnode_uptime_seconds ` + formatInt64(m.Uptime) + `

# HELP plcnode_memory_used_bytes Memory used in bytes
# TYPE plcnode_memory_used_bytes gauge
plcnode_memory_used_bytes ` + formatUint64(m.MemoryUsed) + `

# HELP plcnode_goroutines Number of goroutines
# TYPE plcnode_goroutines gauge
plcnode_goroutines ` + formatInt(m.GoroutineCount) + `

# HELP plcnode_api_requests_total Total number of API requests
# TYPE plcnode_api_requests_total counter
plcnode_api_requests_total ` + formatInt64(m.TotalRequests) + `

# HELP plcnode_api_errors_total Total number of API errors
# TYPE plcnode_api_errors_total counter
plcnode_api_errors_total ` + formatInt64(m.TotalErrors) + `

# HELP plcnode_api_response_time_ms Average API response time in milliseconds
# TYPE plcnode_api_response_time_ms gauge
plcnode_api_response_time_ms ` + formatFloat64(m.AvgResponseTime) + `
`
}

// MetricsMiddleware times every request and folds it into m.
func MetricsMiddleware(m *Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		m.IncrementRequests()

		err := c.Next()

		duration := time.Since(start)
		m.RecordResponseTime(duration)

		if c.Response().StatusCode() >= 400 {
			m.IncrementErrors()
		}

		return err
	}
}

func formatInt64(n int64) string   { return fmt.Sprintf("%d", n) }
func formatUint64(n uint64) string { return fmt.Sprintf("%d", n) }
func formatInt(n int) string       { return fmt.Sprintf("%d", n) }
func formatFloat64(n float64) string { return fmt.Sprintf("%.2f", n) }
