package transaction

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/gojotx/pkg/sqlconn"
)

// --- Test Helpers ---

func openTestDatabase(t *testing.T, opts Options) (*Database, *fakeConn) {
	t.Helper()
	fc := newFakeConn()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	db := Open(fc, opts)
	fc.db = db
	t.Cleanup(func() {
		require.Empty(t, fc.boundaryViolations(), "boundary statement issued while operations were in flight")
	})
	return db, fc
}

// beginNow begins a transaction on an idle database and returns its handle.
func beginNow(t *testing.T, db *Database) *Tx {
	t.Helper()
	var got *Tx
	db.BeginTransaction(func(tx *Tx, err error) {
		require.NoError(t, err)
		got = tx
	})
	require.NotNil(t, got, "transaction should have begun synchronously on an idle connection")
	return got
}

// --- Test Cases ---

func TestOps_Classification(t *testing.T) {
	for _, op := range []Op{OpExec, OpRun, OpGet, OpAll, OpEach, OpMap, OpReset, OpFinalize} {
		require.True(t, op.Locking(), op.String())
	}
	for _, op := range []Op{OpBind, OpClose, OpBegin} {
		require.False(t, op.Locking(), op.String())
	}
	require.Equal(t, "beginTransaction", OpBegin.String())
	require.Equal(t, "unknown", Op(200).String())
}

func TestLockCounter_ReturnsToZeroAfterCallbacks(t *testing.T) {
	db, fc := openTestDatabase(t, Options{})
	fc.hold = true

	calls := 0
	db.Run("INSERT INTO t VALUES (1)", nil, func(sqlconn.Result, error) { calls++ })
	db.Get("SELECT 1", nil, func(sqlconn.Row, error) { calls++ })
	db.Each("SELECT 2", nil, nil, func(int, error) { calls++ })
	db.Exec("DELETE FROM t", func(error) { calls++ })
	db.All("SELECT 3", nil, func([]sqlconn.Row, error) { calls++ })
	db.Map("SELECT 4", nil, func(map[string]any, error) { calls++ })
	require.Equal(t, 6, db.InFlight())

	require.True(t, fc.completeNext())
	require.Equal(t, 5, db.InFlight())

	fc.completeAll()
	require.Equal(t, 0, db.InFlight())
	require.Equal(t, 6, calls)
}

func TestLockCounter_DecrementsBeforeCallback(t *testing.T) {
	db, fc := openTestDatabase(t, Options{})
	fc.hold = true

	inFlightSeen := -1
	db.Run("INSERT INTO t VALUES (1)", nil, func(sqlconn.Result, error) { inFlightSeen = db.InFlight() })
	fc.completeAll()
	require.Equal(t, 0, inFlightSeen)
}

func TestLockCounter_ImbalancePanics(t *testing.T) {
	db, _ := openTestDatabase(t, Options{})
	require.PanicsWithError(t, ErrLockImbalance.Error(), func() { db.release() })
}

func TestWaitForZero_RunsImmediatelyOrAfterLastRelease(t *testing.T) {
	db, fc := openTestDatabase(t, Options{})

	ran := false
	db.waitForZero(func() { ran = true })
	require.True(t, ran)

	fc.hold = true
	db.Run("A", nil, nil)
	db.Run("B", nil, nil)

	ran = false
	counterAtRun := -1
	db.waitForZero(func() {
		ran = true
		counterAtRun = db.InFlight()
	})
	require.False(t, ran)

	fc.completeNext()
	require.False(t, ran)
	fc.completeNext()
	require.True(t, ran)
	require.Equal(t, 0, counterAtRun)
}

func TestDispatch_RunsImmediatelyWhenIdle(t *testing.T) {
	db, fc := openTestDatabase(t, Options{})

	var got sqlconn.Row
	db.Get("SELECT 1", nil, func(r sqlconn.Row, err error) {
		require.NoError(t, err)
		got = r
	})
	require.Equal(t, "SELECT 1", got["query"])
	require.Equal(t, []string{"SELECT 1"}, fc.statements())
	require.Equal(t, 0, db.Pending())
	require.Equal(t, StateIdle, db.State())
}

func TestDispatch_MissingCallbackForwardsErrorToConnection(t *testing.T) {
	db, fc := openTestDatabase(t, Options{})
	boom := errors.New("no such table")
	fc.failOn["SELECT * FROM missing"] = boom

	var seen error
	db.OnError(func(err error) { seen = err })

	db.Exec("SELECT * FROM missing", nil)
	require.ErrorIs(t, seen, boom)
	require.Equal(t, 0, db.InFlight())
}

func TestStatement_DeferredDuringTransaction(t *testing.T) {
	db, fc := openTestDatabase(t, Options{})

	stmt := db.Prepare("INSERT INTO t VALUES (?)", nil)
	tx := beginNow(t, db)

	var order []string
	stmt.Bind([]any{1}, func(err error) { order = append(order, "bind") })
	stmt.Run(nil, func(sqlconn.Result, error) { order = append(order, "run") })
	stmt.Finalize(func(error) { order = append(order, "finalize") })
	require.Equal(t, 3, db.Pending())
	require.Empty(t, order)

	committed := false
	tx.Commit(func(err error) {
		require.NoError(t, err)
		committed = true
	})
	require.True(t, committed)
	require.Equal(t, []string{"bind", "run", "finalize"}, order)
	require.Equal(t, []string{
		"prepare INSERT INTO t VALUES (?)",
		"BEGIN",
		"COMMIT",
		"bind INSERT INTO t VALUES (?)",
		"run INSERT INTO t VALUES (?)",
		"finalize INSERT INTO t VALUES (?)",
	}, fc.statements())
}

func TestStatement_SimpleOpsAreNotCounted(t *testing.T) {
	db, fc := openTestDatabase(t, Options{})
	fc.hold = true

	stmt := db.Prepare("SELECT ?", nil)
	stmt.Bind([]any{1}, nil)
	require.Equal(t, 0, db.InFlight())
	stmt.Get(nil, nil)
	stmt.Reset(nil)
	require.Equal(t, 2, db.InFlight())
	fc.completeAll()
	require.Equal(t, 0, db.InFlight())
}

func TestConfigure_PassesThrough(t *testing.T) {
	db, _ := openTestDatabase(t, Options{})
	tx := beginNow(t, db)

	require.NoError(t, db.Configure("trace", nil))
	require.ErrorIs(t, db.Configure("other", 1), sqlconn.ErrUnknownOption)
	require.Equal(t, 0, db.Pending())
	tx.Rollback(nil)
}

func TestClose_DeferredUntilTransactionEnds(t *testing.T) {
	db, fc := openTestDatabase(t, Options{})
	tx := beginNow(t, db)

	closed := false
	db.Close(func(err error) {
		require.NoError(t, err)
		closed = true
	})
	require.False(t, closed)
	require.Equal(t, 1, db.Pending())

	var beginErr error
	db.BeginTransaction(func(_ *Tx, err error) { beginErr = err })
	require.ErrorIs(t, beginErr, ErrDatabaseClosed)

	tx.Commit(nil)
	require.True(t, closed)
	require.Equal(t, []string{"BEGIN", "COMMIT", "close"}, fc.statements())
}
