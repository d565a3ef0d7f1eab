package transaction

import "github.com/sushant-115/gojotx/pkg/sqlconn"

// surface is the statement API shared by Database and Tx. route decides how
// an operation reaches the connection: through the dispatcher for the
// Database, directly for a live transaction.
type surface struct {
	db    *Database
	route func(target string, op Op, call func())
}

func (s surface) Exec(query string, cb func(error)) {
	done := lockedErr(s.db, cb)
	s.route(connectionTarget, OpExec, func() { s.db.conn.Exec(query, done) })
}

func (s surface) Run(query string, args []any, cb func(sqlconn.Result, error)) {
	done := locked(s.db, cb)
	s.route(connectionTarget, OpRun, func() { s.db.conn.Run(query, args, done) })
}

func (s surface) Get(query string, args []any, cb func(sqlconn.Row, error)) {
	done := locked(s.db, cb)
	s.route(connectionTarget, OpGet, func() { s.db.conn.Get(query, args, done) })
}

func (s surface) All(query string, args []any, cb func([]sqlconn.Row, error)) {
	done := locked(s.db, cb)
	s.route(connectionTarget, OpAll, func() { s.db.conn.All(query, args, done) })
}

func (s surface) Each(query string, args []any, row func(sqlconn.Row), cb func(int, error)) {
	done := locked(s.db, cb)
	s.route(connectionTarget, OpEach, func() { s.db.conn.Each(query, args, row, done) })
}

func (s surface) Map(query string, args []any, cb func(map[string]any, error)) {
	done := locked(s.db, cb)
	s.route(connectionTarget, OpMap, func() { s.db.conn.Map(query, args, done) })
}

// Prepare is not deferred; the statement's own operations are.
func (s surface) Prepare(query string, cb func(error)) *Statement {
	return &Statement{
		stmt:   s.db.conn.Prepare(query, cb),
		db:     s.db,
		target: "statement: " + query,
		route:  s.route,
	}
}

// Statement is a prepared statement whose operations follow the same
// deferral rules as the Database or Tx that prepared it.
type Statement struct {
	stmt   sqlconn.Statement
	db     *Database
	target string
	route  func(target string, op Op, call func())
}

func (s *Statement) Bind(args []any, cb func(error)) {
	done := simple(s.db, cb)
	s.route(s.target, OpBind, func() { s.stmt.Bind(args, done) })
}

func (s *Statement) Run(args []any, cb func(sqlconn.Result, error)) {
	done := locked(s.db, cb)
	s.route(s.target, OpRun, func() { s.stmt.Run(args, done) })
}

func (s *Statement) Get(args []any, cb func(sqlconn.Row, error)) {
	done := locked(s.db, cb)
	s.route(s.target, OpGet, func() { s.stmt.Get(args, done) })
}

func (s *Statement) All(args []any, cb func([]sqlconn.Row, error)) {
	done := locked(s.db, cb)
	s.route(s.target, OpAll, func() { s.stmt.All(args, done) })
}

func (s *Statement) Each(args []any, row func(sqlconn.Row), cb func(int, error)) {
	done := locked(s.db, cb)
	s.route(s.target, OpEach, func() { s.stmt.Each(args, row, done) })
}

func (s *Statement) Map(args []any, cb func(map[string]any, error)) {
	done := locked(s.db, cb)
	s.route(s.target, OpMap, func() { s.stmt.Map(args, done) })
}

func (s *Statement) Reset(cb func(error)) {
	done := lockedErr(s.db, cb)
	s.route(s.target, OpReset, func() { s.stmt.Reset(done) })
}

func (s *Statement) Finalize(cb func(error)) {
	done := lockedErr(s.db, cb)
	s.route(s.target, OpFinalize, func() { s.stmt.Finalize(done) })
}
