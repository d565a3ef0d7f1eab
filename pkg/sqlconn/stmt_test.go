package sqlconn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStmt_BindRunAndQuery(t *testing.T) {
	c := openTestConn(t)
	execSync(t, c, "CREATE TABLE kv (k TEXT, v INTEGER)")

	prepared := make(chan error, 1)
	ins := c.Prepare("INSERT INTO kv (k, v) VALUES (?, ?)", func(err error) { prepared <- err })
	require.NoError(t, wait(t, prepared))

	bound := make(chan error, 1)
	ins.Bind([]any{"bound", 10}, func(err error) { bound <- err })
	require.NoError(t, wait(t, bound))

	runCh, runCb := capture[Result]()
	ins.Run(nil, runCb)
	require.NoError(t, wait(t, runCh).err)

	ins.Run([]any{"explicit", 20}, runCb)
	require.NoError(t, wait(t, runCh).err)

	sel := c.Prepare("SELECT k, v FROM kv WHERE v >= ? ORDER BY v", nil)

	allCh, allCb := capture[[]Row]()
	sel.All([]any{0}, allCb)
	all := wait(t, allCh)
	require.NoError(t, all.err)
	require.Len(t, all.v, 2)
	require.Equal(t, "bound", all.v[0]["k"])

	getCh, getCb := capture[Row]()
	sel.Get([]any{15}, getCb)
	require.Equal(t, "explicit", wait(t, getCh).v["k"])

	mapCh, mapCb := capture[map[string]any]()
	sel.Map([]any{0}, mapCb)
	require.Equal(t, map[string]any{"bound": int64(10), "explicit": int64(20)}, wait(t, mapCh).v)

	count := 0
	eachCh, eachCb := capture[int]()
	sel.Each([]any{0}, func(Row) { count++ }, eachCb)
	require.Equal(t, 2, wait(t, eachCh).v)
	require.Equal(t, 2, count)

	reset := make(chan error, 1)
	sel.Reset(func(err error) { reset <- err })
	require.NoError(t, wait(t, reset))
}

func TestStmt_FinalizeThenUse(t *testing.T) {
	c := openTestConn(t)

	s := c.Prepare("SELECT 1 AS one", nil)
	finalized := make(chan error, 2)
	s.Finalize(func(err error) { finalized <- err })
	require.NoError(t, wait(t, finalized))
	s.Finalize(func(err error) { finalized <- err })
	require.NoError(t, wait(t, finalized))

	getCh, getCb := capture[Row]()
	s.Get(nil, getCb)
	require.ErrorIs(t, wait(t, getCh).err, ErrStatementFinalized)
}

func TestStmt_PrepareErrorSticks(t *testing.T) {
	c := openTestConn(t)

	prepared := make(chan error, 1)
	s := c.Prepare("SELECT FROM nowhere WHERE", func(err error) { prepared <- err })
	prepErr := wait(t, prepared)
	require.Error(t, prepErr)

	runCh, runCb := capture[Result]()
	s.Run(nil, runCb)
	require.Equal(t, prepErr, wait(t, runCh).err)
}
