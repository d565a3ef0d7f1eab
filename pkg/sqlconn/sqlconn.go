// Package sqlconn exposes a single SQL connection through an asynchronous,
// callback based API. Statements execute one at a time on a dedicated worker
// goroutine in the order they were submitted; completion callbacks are
// delivered one at a time, in completion order, on a separate event
// goroutine. Errors with no callback to receive them are published on the
// connection's error channel (see Database.OnError).
package sqlconn

import "errors"

var (
	ErrClosed             = errors.New("sqlconn: connection is closed")
	ErrStatementFinalized = errors.New("sqlconn: statement is finalized")
	ErrUnknownOption      = errors.New("sqlconn: unknown configuration option")
)

// Result describes the outcome of a statement run for its side effects.
type Result struct {
	LastInsertID int64
	RowsAffected int64
}

// Row maps column names to values for one result row.
type Row map[string]any

// Database is the operation surface of an asynchronous connection. Every
// statement-level method takes a trailing completion callback, which may be nil.
type Database interface {
	// Exec runs one or more statements without parameters.
	Exec(query string, cb func(error))
	Run(query string, args []any, cb func(Result, error))
	// Get yields the first row, or a nil Row when nothing matched.
	Get(query string, args []any, cb func(Row, error))
	All(query string, args []any, cb func([]Row, error))
	// Each invokes row for every result row and then done with the row count.
	Each(query string, args []any, row func(Row), done func(int, error))
	// Map keys rows by their first column. With exactly two columns the value
	// is the second column, otherwise the whole row.
	Map(query string, args []any, cb func(map[string]any, error))
	Prepare(query string, cb func(error)) Statement
	Configure(option string, value any) error
	Close(cb func(error))

	// OnError subscribes fn to asynchronous connection errors.
	OnError(fn func(error)) (unsubscribe func())
	// EmitError publishes err to every OnError subscriber.
	EmitError(err error)
}

// Statement is a prepared statement bound to the connection that prepared it.
type Statement interface {
	// Bind sets default parameters used by later calls made with no args.
	Bind(args []any, cb func(error))
	Run(args []any, cb func(Result, error))
	Get(args []any, cb func(Row, error))
	All(args []any, cb func([]Row, error))
	Each(args []any, row func(Row), done func(int, error))
	Map(args []any, cb func(map[string]any, error))
	Reset(cb func(error))
	Finalize(cb func(error))
}
