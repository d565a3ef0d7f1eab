package sqlconn

import (
	"context"
	"database/sql"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// DefaultDriver is the database/sql driver used when Options.Driver is empty.
const DefaultDriver = "sqlite"

// Options configures Open.
type Options struct {
	Driver string
	DSN    string
	// BusyTimeout is applied with PRAGMA busy_timeout when positive.
	BusyTimeout time.Duration
	// OpenRetries is the number of extra connect attempts, with Fibonacci backoff.
	OpenRetries uint64
	Logger      *zap.Logger
}

// Conn is a Database backed by exactly one database/sql connection.
type Conn struct {
	db     *sql.DB
	conn   *sql.Conn
	logger *zap.Logger
	worker *loop // runs statements
	events *loop // runs callbacks

	mu        sync.Mutex
	closed    bool
	trace     func(string)
	listeners map[uint64]func(error)
	nextID    uint64
}

var _ Database = (*Conn)(nil)

// Open connects to opts.DSN and pins a single connection for the lifetime of
// the returned Conn.
func Open(ctx context.Context, opts Options) (*Conn, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	driver := opts.Driver
	if driver == "" {
		driver = DefaultDriver
	}

	db, err := sql.Open(driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlconn: open %q: %w", opts.DSN, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	var conn *sql.Conn
	backoff := retry.WithMaxRetries(opts.OpenRetries, retry.NewFibonacci(50*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		c, err := db.Conn(ctx)
		if err == nil {
			err = c.PingContext(ctx)
			if err != nil {
				c.Close()
			}
		}
		if err != nil {
			logger.Warn("Connect attempt failed", zap.String("dsn", opts.DSN), zap.Error(err))
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlconn: connect %q: %w", opts.DSN, err)
	}

	if opts.BusyTimeout > 0 {
		if _, err := conn.ExecContext(ctx, busyTimeoutPragma(opts.BusyTimeout)); err != nil {
			conn.Close()
			db.Close()
			return nil, fmt.Errorf("sqlconn: set busy timeout: %w", err)
		}
	}

	logger.Info("Connection opened", zap.String("driver", driver), zap.String("dsn", opts.DSN))
	return &Conn{
		db:        db,
		conn:      conn,
		logger:    logger,
		worker:    newLoop(),
		events:    newLoop(),
		listeners: make(map[uint64]func(error)),
	}, nil
}

func busyTimeoutPragma(d time.Duration) string {
	return fmt.Sprintf("PRAGMA busy_timeout = %d", d.Milliseconds())
}

// schedule runs job on the worker. The func job returns is delivered on the
// event loop. If the connection is closed, fail receives ErrClosed instead.
func (c *Conn) schedule(query string, job func(ctx context.Context) func(), fail func(error)) {
	if c.isClosed() || !c.worker.post(func() {
		c.traceStatement(query)
		c.deliver(job(context.Background()))
	}) {
		c.deliver(func() { fail(ErrClosed) })
	}
}

func (c *Conn) deliver(fn func()) {
	if !c.events.post(fn) {
		go fn()
	}
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) traceStatement(query string) {
	c.mu.Lock()
	trace := c.trace
	c.mu.Unlock()
	if trace != nil && query != "" {
		trace(query)
	}
}

// complete builds the event-loop side of an operation: the callback gets the
// outcome, or the error channel gets the error when there is no callback.
func complete[T any](c *Conn, cb func(T, error), v T, err error) func() {
	return func() {
		if cb != nil {
			cb(v, err)
			return
		}
		if err != nil {
			c.emit(err)
		}
	}
}

func completeErr(c *Conn, cb func(error), err error) func() {
	return func() {
		if cb != nil {
			cb(err)
			return
		}
		if err != nil {
			c.emit(err)
		}
	}
}

func failWith[T any](c *Conn, cb func(T, error)) func(error) {
	return func(err error) {
		var zero T
		complete(c, cb, zero, err)()
	}
}

func failErr(c *Conn, cb func(error)) func(error) {
	return func(err error) { completeErr(c, cb, err)() }
}

func (c *Conn) Exec(query string, cb func(error)) {
	c.schedule(query, func(ctx context.Context) func() {
		_, err := c.conn.ExecContext(ctx, query)
		return completeErr(c, cb, err)
	}, failErr(c, cb))
}

func (c *Conn) Run(query string, args []any, cb func(Result, error)) {
	c.schedule(query, func(ctx context.Context) func() {
		res, err := runResult(c.conn.ExecContext(ctx, query, args...))
		return complete(c, cb, res, err)
	}, failWith(c, cb))
}

func (c *Conn) Get(query string, args []any, cb func(Row, error)) {
	c.schedule(query, func(ctx context.Context) func() {
		row, err := firstRow(c.conn.QueryContext(ctx, query, args...))
		return complete(c, cb, row, err)
	}, failWith(c, cb))
}

func (c *Conn) All(query string, args []any, cb func([]Row, error)) {
	c.schedule(query, func(ctx context.Context) func() {
		rows, err := allRows(c.conn.QueryContext(ctx, query, args...))
		return complete(c, cb, rows, err)
	}, failWith(c, cb))
}

func (c *Conn) Each(query string, args []any, row func(Row), done func(int, error)) {
	c.schedule(query, func(ctx context.Context) func() {
		n, err := eachRow(c, row)(c.conn.QueryContext(ctx, query, args...))
		return complete(c, done, n, err)
	}, failWith(c, done))
}

func (c *Conn) Map(query string, args []any, cb func(map[string]any, error)) {
	c.schedule(query, func(ctx context.Context) func() {
		m, err := mapRows(c.conn.QueryContext(ctx, query, args...))
		return complete(c, cb, m, err)
	}, failWith(c, cb))
}

// Prepare queues preparation of query. The returned statement may be used
// immediately; its operations run after the preparation.
func (c *Conn) Prepare(query string, cb func(error)) Statement {
	s := &Stmt{c: c, query: query}
	c.schedule("", func(ctx context.Context) func() {
		s.stmt, s.err = c.conn.PrepareContext(ctx, query)
		return completeErr(c, cb, s.err)
	}, failErr(c, cb))
	return s
}

// Configure applies a connection option. Supported options are "trace"
// (func(string), or nil to disable) and "busyTimeout" (time.Duration or
// milliseconds as int).
func (c *Conn) Configure(option string, value any) error {
	switch option {
	case "trace":
		var fn func(string)
		if value != nil {
			f, ok := value.(func(string))
			if !ok {
				return fmt.Errorf("sqlconn: trace expects func(string), got %T", value)
			}
			fn = f
		}
		c.mu.Lock()
		c.trace = fn
		c.mu.Unlock()
		return nil
	case "busyTimeout":
		var d time.Duration
		switch v := value.(type) {
		case time.Duration:
			d = v
		case int:
			d = time.Duration(v) * time.Millisecond
		default:
			return fmt.Errorf("sqlconn: busyTimeout expects time.Duration or int, got %T", value)
		}
		c.Exec(busyTimeoutPragma(d), nil)
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOption, option)
	}
}

// Close runs after every statement submitted before it, then releases the
// connection. Later operations fail with ErrClosed.
func (c *Conn) Close(cb func(error)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.deliver(completeErr(c, cb, ErrClosed))
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.worker.post(func() {
		err := c.conn.Close()
		if dbErr := c.db.Close(); err == nil {
			err = dbErr
		}
		c.logger.Info("Connection closed", zap.Error(err))
		c.events.post(completeErr(c, cb, err))
		c.worker.stop()
		c.events.stop()
	})
}

func (c *Conn) OnError(fn func(error)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Conn) EmitError(err error) {
	if err == nil {
		return
	}
	c.deliver(func() { c.emit(err) })
}

// emit runs on the event loop.
func (c *Conn) emit(err error) {
	c.mu.Lock()
	fns := make([]func(error), 0, len(c.listeners))
	for _, id := range slices.Sorted(maps.Keys(c.listeners)) {
		fns = append(fns, c.listeners[id])
	}
	c.mu.Unlock()

	if len(fns) == 0 {
		c.logger.Error("Unhandled connection error", zap.Error(err))
		return
	}
	for _, fn := range fns {
		fn(err)
	}
}
