package models

import "time"

// ConnState is the reconnection supervisor lifecycle state.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnReconnecting ConnState = "reconnecting"
	ConnStopped      ConnState = "stopped"
)

// Health is the derived operator-facing classification of a collector.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// CollectorStatus is a point-in-time view of one collector, read by the
// coordinator and the status server.
type CollectorStatus struct {
	ID                string    `json:"id"`
	Exchange          string    `json:"exchange"`
	Symbols           []string  `json:"symbols"`
	ConnState         ConnState `json:"conn_state"`
	LastMessageAt     time.Time `json:"last_message_at"`
	MessageCount      int64     `json:"message_count"`
	ErrorCount        int64     `json:"error_count"`
	ConsecutiveErrors int64     `json:"consecutive_errors"`
	DroppedCount      int64     `json:"dropped_count"`
	Health            Health    `json:"health"`
}

// PerformanceSample is one aggregated observation window.
type PerformanceSample struct {
	Timestamp    time.Time     `json:"timestamp"`
	Collector    string        `json:"collector"`
	Throughput   float64       `json:"throughput"` // events per second
	AvgLatency   time.Duration `json:"avg_latency"`
	MaxLatency   time.Duration `json:"max_latency"`
	P95Latency   time.Duration `json:"p95_latency"`
	EventCount   int64         `json:"event_count"`
	ErrorCount   int64         `json:"error_count"`
	DroppedCount int64         `json:"dropped_count"`
}
