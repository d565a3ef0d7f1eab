package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// TxnMetrics holds all the metric instruments for the transaction coordinator.
type TxnMetrics struct {
	TransactionsBegunCounter    metric.Int64Counter
	TransactionsFinishedCounter metric.Int64Counter // attribute "outcome": commit, rollback, commit_failed
	TransactionDuration         metric.Int64Histogram
	InFlightUpDownCounter       metric.Int64UpDownCounter
	QueueDepthUpDownCounter     metric.Int64UpDownCounter
	QueuedCounter               metric.Int64Counter // attribute "kind": simple, locking, transaction
}

// NewTxnMetrics creates and registers all the metrics for the coordinator.
func NewTxnMetrics(meter metric.Meter) (*TxnMetrics, error) {
	begun, err := meter.Int64Counter(
		"gojotx.txn.begun_total",
		metric.WithDescription("Total number of transactions whose BEGIN succeeded."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	finished, err := meter.Int64Counter(
		"gojotx.txn.finished_total",
		metric.WithDescription("Total number of transactions closed, by outcome."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Int64Histogram(
		"gojotx.txn.duration",
		metric.WithDescription("Time a transaction held the connection, from BEGIN to its terminal statement."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	inFlight, err := meter.Int64UpDownCounter(
		"gojotx.conn.inflight_ops",
		metric.WithDescription("Locking operations currently in flight on the shared connection."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	depth, err := meter.Int64UpDownCounter(
		"gojotx.queue.depth",
		metric.WithDescription("Operations waiting for the active transaction to finish."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	queued, err := meter.Int64Counter(
		"gojotx.queue.enqueued_total",
		metric.WithDescription("Total number of operations deferred, by kind."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &TxnMetrics{
		TransactionsBegunCounter:    begun,
		TransactionsFinishedCounter: finished,
		TransactionDuration:         duration,
		InFlightUpDownCounter:       inFlight,
		QueueDepthUpDownCounter:     depth,
		QueuedCounter:               queued,
	}, nil
}

// NopTxnMetrics returns instruments that record nothing.
func NopTxnMetrics() *TxnMetrics {
	m, _ := NewTxnMetrics(noop.NewMeterProvider().Meter(""))
	return m
}
