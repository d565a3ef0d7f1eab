package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/gojotx/config/certs"
	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/pkg/connection"
	"github.com/sushant-115/gojotx/pkg/sqlconn"
)

// --- Test Helpers ---

type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func startServer(t *testing.T, opts Options) (*Server, string) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	conn, err := sqlconn.Open(context.Background(), sqlconn.Options{
		DSN:    filepath.Join(t.TempDir(), "server.db"),
		Logger: logger,
	})
	require.NoError(t, err)
	db := transaction.Open(conn, transaction.Options{Logger: logger})

	opts.Logger = logger
	srv := New(db, opts)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, srv.Shutdown(ctx))
		require.ErrorIs(t, <-served, ErrServerClosed)

		closed := make(chan error, 1)
		db.Close(func(err error) { closed <- err })
		require.NoError(t, <-closed)
	})
	return srv, ln.Addr().String()
}

func dial(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *testClient) send(line string) {
	c.t.Helper()
	_, err := fmt.Fprintf(c.conn, "%s\n", line)
	require.NoError(c.t, err)
}

func (c *testClient) do(line string) Response {
	c.t.Helper()
	c.send(line)
	resp, err := ReadResponse(c.reader)
	require.NoError(c.t, err)
	return resp
}

func (c *testClient) ok(line string) Response {
	c.t.Helper()
	resp := c.do(line)
	require.Equal(c.t, StatusOK, resp.Status, resp.Message)
	return resp
}

func countItems(c *testClient) float64 {
	c.t.Helper()
	resp := c.ok("GET SELECT COUNT(*) AS n FROM items")
	return resp.Data.(map[string]any)["n"].(float64)
}

// --- Test Cases ---

func TestParseRequest(t *testing.T) {
	req, err := ParseRequest("  run   INSERT INTO t VALUES ('a b')  ")
	require.NoError(t, err)
	require.Equal(t, Request{Command: "RUN", SQL: "INSERT INTO t VALUES ('a b')"}, req)

	req, err = ParseRequest("begin")
	require.NoError(t, err)
	require.Equal(t, "BEGIN", req.Command)

	for _, bad := range []string{"", "RUN", "COMMIT now", "DROP TABLE t"} {
		_, err := ParseRequest(bad)
		require.Error(t, err, bad)
	}
}

func TestSession_BasicCommands(t *testing.T) {
	_, addr := startServer(t, Options{})
	c := dial(t, addr)

	c.ok("EXEC CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)")
	resp := c.ok("RUN INSERT INTO items (name) VALUES ('one')")
	require.Equal(t, float64(1), resp.Data.(map[string]any)["rows_affected"])

	resp = c.ok("ALL SELECT name FROM items")
	require.Equal(t, "1 row(s)", resp.Message)

	require.Equal(t, StatusNotFound, c.do("GET SELECT name FROM items WHERE id = 42").Status)
	require.Equal(t, StatusError, c.do("RUN INSERT INTO nowhere VALUES (1)").Status)
	require.Equal(t, StatusError, c.do("FROB").Status)
	require.Equal(t, StatusError, c.do("COMMIT").Status)
	require.Contains(t, c.ok("HELP").Message, "BEGIN")

	status := c.ok("STATUS").Data.(map[string]any)
	require.Equal(t, "idle", status["state"])
	require.Equal(t, float64(1), status["sessions"])

	require.Equal(t, "Bye.", c.ok("QUIT").Message)
}

func TestSession_TransactionDefersOtherSessions(t *testing.T) {
	_, addr := startServer(t, Options{})
	a := dial(t, addr)
	b := dial(t, addr)

	a.ok("EXEC CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)")
	txnID := a.ok("BEGIN").Data.(map[string]any)["txn_id"]
	require.NotEmpty(t, txnID)
	require.Equal(t, StatusError, a.do("BEGIN").Status)
	a.ok("RUN INSERT INTO items (name) VALUES ('from-a')")

	b.send("RUN INSERT INTO items (name) VALUES ('from-b')")
	replied := make(chan Response, 1)
	go func() {
		resp, err := ReadResponse(b.reader)
		if err == nil {
			replied <- resp
		}
	}()

	select {
	case <-replied:
		t.Fatal("statement of another session ran inside the open transaction")
	case <-time.After(100 * time.Millisecond):
	}

	status := a.ok("STATUS").Data.(map[string]any)
	require.Equal(t, "active", status["state"])
	require.Equal(t, txnID, status["txn_id"])
	require.Equal(t, float64(1), status["pending"])

	a.ok("COMMIT")
	select {
	case resp := <-replied:
		require.Equal(t, StatusOK, resp.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("deferred statement never ran")
	}
	require.Equal(t, float64(2), countItems(a))
}

func TestSession_DisconnectRollsBack(t *testing.T) {
	srv, addr := startServer(t, Options{})
	a := dial(t, addr)
	b := dial(t, addr)

	b.ok("EXEC CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)")
	a.ok("BEGIN")
	a.ok("RUN INSERT INTO items (name) VALUES ('abandoned')")
	require.NoError(t, a.conn.Close())

	require.Equal(t, float64(0), countItems(b))
	require.Eventually(t, func() bool { return srv.Sessions() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestSession_ForceClosedPoolConnRollsBack(t *testing.T) {
	srv, addr := startServer(t, Options{})
	pool := connection.New(addr, connection.Options{MaxSize: 1})
	t.Cleanup(pool.Close)

	pooled := func() (*connection.PooledConn, *testClient) {
		conn, err := pool.Get(context.Background())
		require.NoError(t, err)
		return conn, &testClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
	}

	conn, c := pooled()
	c.ok("EXEC CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)")
	c.ok("BEGIN")
	c.ok("RUN INSERT INTO items (name) VALUES ('abandoned')")
	require.NoError(t, conn.ForceClose())
	require.Eventually(t, func() bool { return srv.Sessions() == 0 }, 5*time.Second, 10*time.Millisecond)

	conn, c = pooled()
	defer conn.Close()
	status := c.ok("STATUS").Data.(map[string]any)
	require.NotContains(t, status, "txn_id")
	require.Equal(t, "idle", status["state"])
	require.Equal(t, float64(0), countItems(c))
}

func TestSession_RollbackDiscardsWrites(t *testing.T) {
	_, addr := startServer(t, Options{})
	c := dial(t, addr)

	c.ok("EXEC CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)")
	c.ok("BEGIN")
	c.ok("RUN INSERT INTO items (name) VALUES ('discarded')")
	c.ok("ROLLBACK")
	require.Equal(t, float64(0), countItems(c))
}

func TestSession_IdleTimeout(t *testing.T) {
	srv, addr := startServer(t, Options{IdleTimeout: 50 * time.Millisecond})
	c := dial(t, addr)
	c.ok("HELP")

	_, err := ReadResponse(c.reader)
	require.Error(t, err)
	require.Eventually(t, func() bool { return srv.Sessions() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestServer_MutualTLS(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, certs.GenerateDevCerts(dir))
	serverTLS, err := certs.LoadServerTLSConfig(
		filepath.Join(dir, certs.CAFile), filepath.Join(dir, certs.ServerCertFile), filepath.Join(dir, certs.ServerKeyFile))
	require.NoError(t, err)
	clientTLS, err := certs.LoadClientTLSConfig(
		filepath.Join(dir, certs.CAFile), filepath.Join(dir, certs.ClientCertFile), filepath.Join(dir, certs.ClientKeyFile), "localhost")
	require.NoError(t, err)

	_, addr := startServer(t, Options{TLS: serverTLS})
	conn, err := tls.Dial("tcp", addr, clientTLS)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &testClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
	require.Contains(t, c.ok("HELP").Message, "STATUS")
}

func TestServer_ServeAfterShutdown(t *testing.T) {
	srv, _ := startServer(t, Options{})
	require.NoError(t, srv.Shutdown(context.Background()))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.ErrorIs(t, srv.Serve(ln), ErrServerClosed)
}
