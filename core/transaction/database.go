// Package transaction gives transactional semantics to callers sharing one
// asynchronous database connection.
//
// While a transaction holds the connection, every operation issued through
// the Database is deferred. When the transaction commits or rolls back the
// deferred operations are started in the order they were issued, before the
// committing caller is notified. BEGIN, COMMIT and ROLLBACK are only issued
// once no counted operation is in flight on the connection.
//
// A transaction left open holds the connection forever; callers must always
// finish it with Commit or Rollback.
package transaction

import (
	"errors"
	"sync"

	internaltelemetry "github.com/sushant-115/gojotx/internal/telemetry"
	"github.com/sushant-115/gojotx/pkg/sqlconn"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

const (
	DefaultBeginStatement = "BEGIN"
	commitStatement       = "COMMIT"
	rollbackStatement     = "ROLLBACK"
)

// ExecuteFunc issues a raw statement on conn.
type ExecuteFunc func(conn sqlconn.Database, statement string, cb func(error))

// Options configures Open. The zero value is usable.
type Options struct {
	// Execute issues BEGIN, COMMIT and ROLLBACK. Defaults to conn.Exec.
	Execute ExecuteFunc
	// BeginStatement opens a transaction, e.g. "BEGIN IMMEDIATE".
	BeginStatement string
	Logger         *zap.Logger
	Metrics        *internaltelemetry.TxnMetrics
	Tracer         trace.Tracer
}

// Database coordinates access to a shared connection. It mirrors the
// connection's operations and adds BeginTransaction.
type Database struct {
	surface

	conn           sqlconn.Database
	execute        ExecuteFunc
	beginStatement string
	logger         *zap.Logger
	metrics        *internaltelemetry.TxnMetrics
	tracer         trace.Tracer
	unsubscribe    func()

	mu       sync.Mutex
	inflight int
	waiters  []func()
	queue    []pendingItem
	draining bool
	state    TransactionState
	current  *Tx
	closed   bool
}

// Open wraps conn. The Database must be the only user of conn from now on.
func Open(conn sqlconn.Database, opts Options) *Database {
	db := &Database{
		conn:           conn,
		execute:        opts.Execute,
		beginStatement: opts.BeginStatement,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
	}
	if db.execute == nil {
		db.execute = func(conn sqlconn.Database, statement string, cb func(error)) {
			conn.Exec(statement, cb)
		}
	}
	if db.beginStatement == "" {
		db.beginStatement = DefaultBeginStatement
	}
	if db.logger == nil {
		db.logger = zap.NewNop()
	}
	if db.metrics == nil {
		db.metrics = internaltelemetry.NopTxnMetrics()
	}
	if db.tracer == nil {
		db.tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	db.surface = surface{db: db, route: db.dispatch}
	db.unsubscribe = conn.OnError(db.onConnError)
	return db
}

// BeginTransaction calls cb with a new transaction once the connection is
// free. If another transaction holds the connection the request waits in
// line behind the operations issued before it; the call itself never blocks.
func (db *Database) BeginTransaction(cb func(*Tx, error)) {
	if cb == nil {
		// Nobody could finish the transaction, so give the connection back.
		cb = func(tx *Tx, err error) {
			if tx != nil {
				tx.Rollback(nil)
			}
		}
	}
	db.mu.Lock()
	closed := db.closed
	db.mu.Unlock()
	if closed {
		cb(nil, ErrDatabaseClosed)
		return
	}
	db.dispatch(connectionTarget, OpBegin, func() { db.begin(cb) })
}

// Close closes the connection after every operation issued before it.
func (db *Database) Close(cb func(error)) {
	db.mu.Lock()
	db.closed = true
	db.mu.Unlock()

	done := simple(db, cb)
	db.dispatch(connectionTarget, OpClose, func() {
		db.unsubscribe()
		db.conn.Close(done)
	})
}

// Configure passes straight through to the connection.
func (db *Database) Configure(option string, value any) error {
	return db.conn.Configure(option, value)
}

// OnError subscribes fn to the connection's asynchronous errors.
func (db *Database) OnError(fn func(error)) (unsubscribe func()) {
	return db.conn.OnError(fn)
}

// InFlight returns the number of counted operations running on the connection.
func (db *Database) InFlight() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.inflight
}

// Pending returns the number of deferred operations.
func (db *Database) Pending() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.queue)
}

func (db *Database) State() TransactionState {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.state
}

// Current returns the transaction holding the connection, or nil.
func (db *Database) Current() *Tx {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.current
}

// onConnError rolls back the active transaction, best effort.
func (db *Database) onConnError(err error) {
	tx := db.Current()
	if tx == nil {
		return
	}
	db.logger.Warn("Connection error during transaction, rolling back",
		zap.String("txn_id", tx.id), zap.Error(err))
	tx.Rollback(func(rbErr error) {
		// Finished means Commit or Rollback got there first.
		if rbErr != nil && !errors.Is(rbErr, ErrTransactionFinished) {
			db.logger.Warn("Automatic rollback failed", zap.String("txn_id", tx.id), zap.Error(rbErr))
		}
	})
}
