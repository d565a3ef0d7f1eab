package transaction

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// TransactionState is the coordinator's view of the shared connection.
type TransactionState int

const (
	StateIdle      TransactionState = iota // No transaction; operations run immediately
	StateBeginning                         // BEGIN is waiting for in-flight operations or running
	StateActive                            // A transaction holds the connection
	StateFinishing                         // COMMIT or ROLLBACK is waiting or running
)

func (s TransactionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBeginning:
		return "beginning"
	case StateActive:
		return "active"
	case StateFinishing:
		return "finishing"
	default:
		return "unknown"
	}
}

const (
	outcomeCommit       = "commit"
	outcomeRollback     = "rollback"
	outcomeCommitFailed = "commit_failed"
)

// Tx is the handle of the transaction holding the connection. Its statements
// go straight to the connection. Once Commit or Rollback has been called they
// are deferred like any other caller's.
type Tx struct {
	surface

	id      string
	db      *Database
	started time.Time
	span    trace.Span
	closed  bool // guarded by db.mu
}

func (db *Database) begin(cb func(*Tx, error)) {
	db.waitForZero(func() {
		db.execute(db.conn, db.beginStatement, func(err error) {
			if err != nil {
				db.logger.Warn("BEGIN failed", zap.Error(err))
				db.mu.Lock()
				db.state = StateIdle
				db.mu.Unlock()
				db.drain()
				cb(nil, err)
				return
			}

			tx := &Tx{id: uuid.NewString(), db: db, started: time.Now()}
			tx.surface = surface{db: db, route: tx.route}
			_, tx.span = db.tracer.Start(context.Background(), "transaction",
				trace.WithAttributes(attribute.String("gojotx.txn.id", tx.id)))

			db.mu.Lock()
			db.state = StateActive
			db.current = tx
			db.mu.Unlock()

			db.metrics.TransactionsBegunCounter.Add(context.Background(), 1)
			db.logger.Info("Transaction started", zap.String("txn_id", tx.id))
			cb(tx, nil)
		})
	})
}

// ID returns the transaction's unique identifier.
func (tx *Tx) ID() string { return tx.id }

func (tx *Tx) route(target string, op Op, call func()) {
	db := tx.db
	db.mu.Lock()
	if tx.closed {
		db.mu.Unlock()
		db.dispatch(target, op, call)
		return
	}
	if op.kind() == kindLocking {
		db.acquireLocked()
	}
	db.mu.Unlock()

	call()
}

// Commit issues COMMIT once the transaction's statements have completed. If
// COMMIT fails a ROLLBACK is issued and cb receives the COMMIT error; either
// way the transaction is closed when cb runs.
func (tx *Tx) Commit(cb func(error)) {
	if cb == nil {
		cb = func(error) {}
	}
	if !tx.markClosed() {
		cb(ErrTransactionFinished)
		return
	}
	db := tx.db
	db.waitForZero(func() {
		db.execute(db.conn, commitStatement, func(err error) {
			if err == nil {
				tx.finish(outcomeCommit, nil)
				cb(nil)
				return
			}
			db.logger.Warn("COMMIT failed, rolling back", zap.String("txn_id", tx.id), zap.Error(err))
			db.execute(db.conn, rollbackStatement, func(rbErr error) {
				if rbErr != nil {
					db.logger.Warn("ROLLBACK after failed COMMIT failed", zap.String("txn_id", tx.id), zap.Error(rbErr))
				}
				tx.finish(outcomeCommitFailed, err)
				cb(err)
			})
		})
	})
}

// Rollback issues ROLLBACK once the transaction's statements have completed.
func (tx *Tx) Rollback(cb func(error)) {
	if cb == nil {
		cb = func(error) {}
	}
	if !tx.markClosed() {
		cb(ErrTransactionFinished)
		return
	}
	db := tx.db
	db.waitForZero(func() {
		db.execute(db.conn, rollbackStatement, func(err error) {
			tx.finish(outcomeRollback, err)
			cb(err)
		})
	})
}

// markClosed sets the terminal flag. It reports false if it was already set.
func (tx *Tx) markClosed() bool {
	db := tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if tx.closed {
		return false
	}
	tx.closed = true
	db.state = StateFinishing
	return true
}

// finish releases the connection and starts the operations deferred meanwhile.
func (tx *Tx) finish(outcome string, err error) {
	db := tx.db
	db.mu.Lock()
	db.current = nil
	db.state = StateIdle
	db.mu.Unlock()

	elapsed := time.Since(tx.started)
	ctx := context.Background()
	db.metrics.TransactionsFinishedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	db.metrics.TransactionDuration.Record(ctx, elapsed.Milliseconds())

	tx.span.SetAttributes(attribute.String("gojotx.txn.outcome", outcome))
	if err != nil {
		tx.span.RecordError(err)
		tx.span.SetStatus(codes.Error, err.Error())
	}
	tx.span.End()

	db.logger.Info("Transaction finished",
		zap.String("txn_id", tx.id),
		zap.String("outcome", outcome),
		zap.Duration("elapsed", elapsed),
		zap.Error(err))

	db.drain()
}
