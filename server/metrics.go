package server

import "time"

// MetricsCollector is an optional interface for collecting server metrics.
// internal/metrics provides a Prometheus implementation.
//
// All methods are called from session goroutines and should be non-blocking.
// The server checks for a nil collector before calling, so implementations
// don't need to handle nil receivers.
type MetricsCollector interface {
	// RecordCommand records a handled control command.
	// cmd is the keyword (e.g., "STOR", "LIST"); success reports whether a
	// 2xx/3xx reply (or PONG) was produced.
	RecordCommand(cmd string, success bool, duration time.Duration)

	// RecordTransfer records a completed data transfer.
	// operation is "STOR" (upload) or "RETR" (download).
	RecordTransfer(operation string, bytes int64, duration time.Duration)

	// RecordConnection records a control connection attempt.
	// reason is "accepted" or "global_limit_reached".
	RecordConnection(accepted bool, reason string)

	// RecordAuthentication records a PASS outcome for identity.
	RecordAuthentication(success bool, identity string)

	// RecordPush records one broadcast: its kind ("SYNC", "MSG", ...) and how
	// many sessions did and did not receive it.
	RecordPush(kind string, delivered, failed int)
}
