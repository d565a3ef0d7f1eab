package transaction

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sushant-115/gojotx/pkg/sqlconn"
)

// fakeConn is a scripted sqlconn.Database. It records every statement in
// submission order and, when hold is set, keeps non-boundary completions
// until the test releases them.
type fakeConn struct {
	mu         sync.Mutex
	log        []string
	failOn     map[string]error
	hold       bool
	held       []func()
	listeners  map[int]func(error)
	nextID     int
	db         *Database
	violations []string
	closed     bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{failOn: map[string]error{}, listeners: map[int]func(error){}}
}

func isBoundary(query string) bool {
	q := strings.ToUpper(query)
	return strings.HasPrefix(q, "BEGIN") || q == "COMMIT" || q == "ROLLBACK"
}

func (f *fakeConn) record(entry, query string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, entry)
	if isBoundary(query) && f.db != nil {
		if n := f.db.InFlight(); n != 0 {
			f.violations = append(f.violations, fmt.Sprintf("%s issued with %d in flight", query, n))
		}
	}
	return f.failOn[query]
}

func (f *fakeConn) finish(query string, fn func()) {
	f.mu.Lock()
	if f.hold && !isBoundary(query) {
		f.held = append(f.held, fn)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	fn()
}

// completeNext runs the oldest held completion.
func (f *fakeConn) completeNext() bool {
	f.mu.Lock()
	if len(f.held) == 0 {
		f.mu.Unlock()
		return false
	}
	fn := f.held[0]
	f.held = f.held[1:]
	f.mu.Unlock()
	fn()
	return true
}

// completeAll runs held completions, including ones they cause, until none remain.
func (f *fakeConn) completeAll() {
	for f.completeNext() {
	}
}

func (f *fakeConn) statements() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

func (f *fakeConn) boundaryViolations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.violations...)
}

func (f *fakeConn) Exec(query string, cb func(error)) {
	err := f.record(query, query)
	f.finish(query, func() {
		if cb != nil {
			cb(err)
		}
	})
}

func (f *fakeConn) Run(query string, args []any, cb func(sqlconn.Result, error)) {
	err := f.record(query, query)
	f.finish(query, func() {
		if cb != nil {
			cb(sqlconn.Result{RowsAffected: 1}, err)
		}
	})
}

func (f *fakeConn) Get(query string, args []any, cb func(sqlconn.Row, error)) {
	err := f.record(query, query)
	f.finish(query, func() {
		if cb != nil {
			cb(sqlconn.Row{"query": query}, err)
		}
	})
}

func (f *fakeConn) All(query string, args []any, cb func([]sqlconn.Row, error)) {
	err := f.record(query, query)
	f.finish(query, func() {
		if cb != nil {
			cb([]sqlconn.Row{{"query": query}}, err)
		}
	})
}

func (f *fakeConn) Each(query string, args []any, row func(sqlconn.Row), done func(int, error)) {
	err := f.record(query, query)
	f.finish(query, func() {
		if row != nil {
			row(sqlconn.Row{"query": query})
		}
		if done != nil {
			done(1, err)
		}
	})
}

func (f *fakeConn) Map(query string, args []any, cb func(map[string]any, error)) {
	err := f.record(query, query)
	f.finish(query, func() {
		if cb != nil {
			cb(map[string]any{"query": query}, err)
		}
	})
}

func (f *fakeConn) Prepare(query string, cb func(error)) sqlconn.Statement {
	f.record("prepare "+query, query)
	if cb != nil {
		cb(nil)
	}
	return &fakeStmt{f: f, query: query}
}

func (f *fakeConn) Configure(option string, value any) error {
	if option != "trace" {
		return sqlconn.ErrUnknownOption
	}
	return nil
}

func (f *fakeConn) Close(cb func(error)) {
	f.record("close", "close")
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	if cb != nil {
		cb(nil)
	}
}

func (f *fakeConn) OnError(fn func(error)) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func (f *fakeConn) EmitError(err error) {
	f.mu.Lock()
	fns := make([]func(error), 0, len(f.listeners))
	for i := 0; i < f.nextID; i++ {
		if fn, ok := f.listeners[i]; ok {
			fns = append(fns, fn)
		}
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

type fakeStmt struct {
	f     *fakeConn
	query string
}

func (s *fakeStmt) op(name string, cb func(error)) {
	err := s.f.record(name+" "+s.query, s.query)
	s.f.finish(s.query, func() {
		if cb != nil {
			cb(err)
		}
	})
}

func (s *fakeStmt) Bind(args []any, cb func(error)) { s.op("bind", cb) }

func (s *fakeStmt) Run(args []any, cb func(sqlconn.Result, error)) {
	s.op("run", func(err error) {
		if cb != nil {
			cb(sqlconn.Result{RowsAffected: 1}, err)
		}
	})
}

func (s *fakeStmt) Get(args []any, cb func(sqlconn.Row, error)) {
	s.op("get", func(err error) {
		if cb != nil {
			cb(nil, err)
		}
	})
}

func (s *fakeStmt) All(args []any, cb func([]sqlconn.Row, error)) {
	s.op("all", func(err error) {
		if cb != nil {
			cb(nil, err)
		}
	})
}

func (s *fakeStmt) Each(args []any, row func(sqlconn.Row), done func(int, error)) {
	s.op("each", func(err error) {
		if done != nil {
			done(0, err)
		}
	})
}

func (s *fakeStmt) Map(args []any, cb func(map[string]any, error)) {
	s.op("map", func(err error) {
		if cb != nil {
			cb(nil, err)
		}
	})
}

func (s *fakeStmt) Reset(cb func(error))    { s.op("reset", cb) }
func (s *fakeStmt) Finalize(cb func(error)) { s.op("finalize", cb) }
