package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// POP3 protocol metrics
var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popsync_pop3_commands_total",
			Help: "Total number of POP3 commands sent",
		},
		[]string{"command"},
	)

	BytesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "popsync_pop3_received_bytes_total",
			Help: "Total number of message bytes received from POP3 servers",
		},
	)

	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popsync_pop3_connections_total",
			Help: "Total number of POP3 connections attempted",
		},
		[]string{"result"}, // result: "success", "failure"
	)
)

// Synchronization metrics
var (
	MessagesDownloaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popsync_messages_downloaded_total",
			Help: "Total number of messages stored locally",
		},
		[]string{"account", "mode"}, // mode: "full", "partial", "reserved"
	)

	MessagesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popsync_messages_skipped_total",
			Help: "Total number of server messages not stored locally",
		},
		[]string{"account", "reason"}, // reason: "ignored", "duplicate"
	)

	MessagesDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popsync_messages_deleted_total",
			Help: "Total number of messages deleted during synchronization",
		},
		[]string{"account", "side"}, // side: "server", "local"
	)

	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popsync_sync_runs_total",
			Help: "Total number of synchronization passes",
		},
		[]string{"account", "mode", "result"}, // mode: "incremental", "full"
	)

	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "popsync_sync_duration_seconds",
			Help:    "Duration of synchronization passes in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"account"},
	)

	SyncRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popsync_sync_retries_total",
			Help: "Total number of synchronization passes retried after a transient failure",
		},
		[]string{"account"},
	)

	SyncErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popsync_sync_errors_total",
			Help: "Total number of errors reported by synchronization passes",
		},
		[]string{"account", "kind"},
	)

	RuleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popsync_rule_errors_total",
			Help: "Total number of non-fatal rule and junk filter failures",
		},
		[]string{"account"},
	)

	RelayMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popsync_relay_messages_total",
			Help: "Total number of messages redirected through the SMTP relay",
		},
		[]string{"result"}, // result: "success", "failure"
	)
)

// Local store metrics
var (
	StoreMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "popsync_store_messages",
			Help: "Number of messages in the local store",
		},
		[]string{"account", "folder"},
	)

	StoreSizeBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "popsync_store_size_bytes",
			Help: "Total size of message content in the local store",
		},
		[]string{"account"},
	)

	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "popsync_store_operation_duration_seconds",
			Help:    "Duration of local store mutations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)
)
