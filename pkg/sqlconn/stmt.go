package sqlconn

import (
	"context"
	"database/sql"
)

// Stmt is a Statement prepared on a Conn. Its fields are touched only by
// jobs running on the connection's worker.
type Stmt struct {
	c         *Conn
	query     string
	stmt      *sql.Stmt
	err       error // preparation error
	bound     []any
	finalized bool
}

var _ Statement = (*Stmt)(nil)

func (s *Stmt) usable() error {
	if s.finalized {
		return ErrStatementFinalized
	}
	return s.err
}

func (s *Stmt) params(args []any) []any {
	if len(args) > 0 {
		return args
	}
	return s.bound
}

func (s *Stmt) Bind(args []any, cb func(error)) {
	s.c.schedule("", func(context.Context) func() {
		err := s.usable()
		if err == nil {
			s.bound = args
		}
		return completeErr(s.c, cb, err)
	}, failErr(s.c, cb))
}

func (s *Stmt) Run(args []any, cb func(Result, error)) {
	s.c.schedule(s.query, func(ctx context.Context) func() {
		if err := s.usable(); err != nil {
			return complete(s.c, cb, Result{}, err)
		}
		res, err := runResult(s.stmt.ExecContext(ctx, s.params(args)...))
		return complete(s.c, cb, res, err)
	}, failWith(s.c, cb))
}

func (s *Stmt) Get(args []any, cb func(Row, error)) {
	s.c.schedule(s.query, func(ctx context.Context) func() {
		if err := s.usable(); err != nil {
			return complete[Row](s.c, cb, nil, err)
		}
		row, err := firstRow(s.stmt.QueryContext(ctx, s.params(args)...))
		return complete(s.c, cb, row, err)
	}, failWith(s.c, cb))
}

func (s *Stmt) All(args []any, cb func([]Row, error)) {
	s.c.schedule(s.query, func(ctx context.Context) func() {
		if err := s.usable(); err != nil {
			return complete[[]Row](s.c, cb, nil, err)
		}
		rows, err := allRows(s.stmt.QueryContext(ctx, s.params(args)...))
		return complete(s.c, cb, rows, err)
	}, failWith(s.c, cb))
}

func (s *Stmt) Each(args []any, row func(Row), done func(int, error)) {
	s.c.schedule(s.query, func(ctx context.Context) func() {
		if err := s.usable(); err != nil {
			return complete(s.c, done, 0, err)
		}
		n, err := eachRow(s.c, row)(s.stmt.QueryContext(ctx, s.params(args)...))
		return complete(s.c, done, n, err)
	}, failWith(s.c, done))
}

func (s *Stmt) Map(args []any, cb func(map[string]any, error)) {
	s.c.schedule(s.query, func(ctx context.Context) func() {
		if err := s.usable(); err != nil {
			return complete[map[string]any](s.c, cb, nil, err)
		}
		m, err := mapRows(s.stmt.QueryContext(ctx, s.params(args)...))
		return complete(s.c, cb, m, err)
	}, failWith(s.c, cb))
}

// Reset has no cursor to rewind: each operation reads its rows to the end.
// It completes once every earlier operation on the connection has run.
func (s *Stmt) Reset(cb func(error)) {
	s.c.schedule("", func(context.Context) func() {
		return completeErr(s.c, cb, s.usable())
	}, failErr(s.c, cb))
}

// Finalize closes the statement. Finalizing twice is not an error.
func (s *Stmt) Finalize(cb func(error)) {
	s.c.schedule("", func(context.Context) func() {
		var err error
		if !s.finalized && s.stmt != nil {
			err = s.stmt.Close()
		}
		s.finalized = true
		return completeErr(s.c, cb, err)
	}, failErr(s.c, cb))
}
