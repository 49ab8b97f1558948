// Package metrics exports exam server activity to Prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all examftp Prometheus metrics. It satisfies
// server.MetricsCollector.
type Collector struct {
	Commands        *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	TransferBytes   *prometheus.CounterVec
	TransferSeconds *prometheus.HistogramVec
	Connections     *prometheus.CounterVec
	Logins          *prometheus.CounterVec
	Pushes          *prometheus.CounterVec
}

// NewCollector creates the metrics and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "examftp_commands_total",
			Help: "Control commands handled, by command and outcome.",
		}, []string{"command", "success"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "examftp_command_duration_seconds",
			Help:    "Time spent handling a control command, transfers included.",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
		TransferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "examftp_transfer_bytes_total",
			Help: "Bytes moved over data channels, by operation.",
		}, []string{"operation"}),
		TransferSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "examftp_transfer_duration_seconds",
			Help:    "Duration of completed data-channel transfers.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"operation"}),
		Connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "examftp_connections_total",
			Help: "Control connections, by whether they were accepted and why.",
		}, []string{"accepted", "reason"}),
		Logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "examftp_logins_total",
			Help: "Completed login attempts, by outcome.",
		}, []string{"result"}),
		Pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "examftp_pushes_total",
			Help: "Out-of-band pushes, by kind and delivery outcome.",
		}, []string{"kind", "outcome"}),
	}

	reg.MustRegister(
		c.Commands,
		c.CommandDuration,
		c.TransferBytes,
		c.TransferSeconds,
		c.Connections,
		c.Logins,
		c.Pushes,
	)
	return c
}

func (c *Collector) RecordCommand(cmd string, success bool, duration time.Duration) {
	c.Commands.WithLabelValues(cmd, strconv.FormatBool(success)).Inc()
	c.CommandDuration.WithLabelValues(cmd).Observe(duration.Seconds())
}

func (c *Collector) RecordTransfer(operation string, bytes int64, duration time.Duration) {
	c.TransferBytes.WithLabelValues(operation).Add(float64(bytes))
	c.TransferSeconds.WithLabelValues(operation).Observe(duration.Seconds())
}

func (c *Collector) RecordConnection(accepted bool, reason string) {
	c.Connections.WithLabelValues(strconv.FormatBool(accepted), reason).Inc()
}

// RecordAuthentication counts a login outcome. The identity is not used as a
// label to keep cardinality bounded by the outcome set.
func (c *Collector) RecordAuthentication(success bool, _ string) {
	result := "failure"
	if success {
		result = "success"
	}
	c.Logins.WithLabelValues(result).Inc()
}

func (c *Collector) RecordPush(kind string, delivered, failed int) {
	c.Pushes.WithLabelValues(kind, "delivered").Add(float64(delivered))
	c.Pushes.WithLabelValues(kind, "failed").Add(float64(failed))
}
