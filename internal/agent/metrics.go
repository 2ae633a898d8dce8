// ABOUTME: Self-reported agent metrics and last-write-wins merging
// ABOUTME: Updates use pointer fields so absent values keep the previous reading

package agent

import "time"

// Metrics is the latest self-reported resource and performance snapshot.
type Metrics struct {
	CPUUsage            float64   `json:"cpu_usage"`
	MemoryUsage         float64   `json:"memory_usage"`
	RequestCount        int64     `json:"request_count"`
	ErrorCount          int64     `json:"error_count"`
	AverageResponseTime float64   `json:"average_response_time"` // milliseconds
	LastUpdated         time.Time `json:"last_updated"`
}

// MetricsUpdate carries the fields an agent chose to report. Nil fields are
// left unchanged.
type MetricsUpdate struct {
	CPUUsage            *float64 `mapstructure:"cpu_usage"`
	MemoryUsage         *float64 `mapstructure:"memory_usage"`
	RequestCount        *int64   `mapstructure:"request_count"`
	ErrorCount          *int64   `mapstructure:"error_count"`
	AverageResponseTime *float64 `mapstructure:"average_response_time"`
}

// Apply merges u into m.
func (m *Metrics) Apply(u MetricsUpdate, now time.Time) {
	if u.CPUUsage != nil {
		m.CPUUsage = *u.CPUUsage
	}
	if u.MemoryUsage != nil {
		m.MemoryUsage = *u.MemoryUsage
	}
	if u.RequestCount != nil {
		m.RequestCount = *u.RequestCount
	}
	if u.ErrorCount != nil {
		m.ErrorCount = *u.ErrorCount
	}
	if u.AverageResponseTime != nil {
		m.AverageResponseTime = *u.AverageResponseTime
	}
	m.LastUpdated = now
}
