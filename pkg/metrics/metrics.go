package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_connections_total",
			Help: "Total number of connections established",
		},
		[]string{"protocol"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tern_connections_current",
			Help: "Current number of active connections",
		},
		[]string{"protocol"},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_connections_rejected_total",
			Help: "Connections refused by the connection limiter",
		},
		[]string{"protocol"},
	)

	ConnectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tern_connection_duration_seconds",
			Help:    "Duration of connections in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol"},
	)

	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_authentication_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"protocol", "result"},
	)
)

// Protocol metrics
var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_commands_total",
			Help: "Commands received, by protocol and command keyword",
		},
		[]string{"protocol", "command"},
	)

	CommandErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_command_errors_total",
			Help: "Commands answered with a negative response",
		},
		[]string{"protocol", "command"},
	)
)

// Mailbox metrics
var (
	MessagesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_messages_delivered_total",
			Help: "Per-recipient delivery outcomes",
		},
		[]string{"result"},
	)

	DeliveredBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tern_delivered_bytes_total",
			Help: "Message bytes accepted for delivery, counted once per message",
		},
	)

	RecipientsPerMessage = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tern_recipients_per_message",
			Help:    "Number of recipients of each accepted message",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		},
	)

	MessagesRetrieved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tern_messages_retrieved_total",
			Help: "Messages sent to clients by RETR",
		},
	)

	MessagesPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tern_messages_purged_total",
			Help: "Messages removed from storage at the end of a POP3 session",
		},
	)
)
