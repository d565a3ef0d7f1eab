// Command txn drives a running gojotx server with a mix of transactions and
// plain writes from many sessions, then checks that every committed row landed.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sushant-115/gojotx/internal/server"
	"github.com/sushant-115/gojotx/pkg/connection"
	"github.com/sushant-115/gojotx/pkg/logger"
)

var (
	addr       = flag.String("addr", "127.0.0.1:7070", "Server address")
	workers    = flag.Int("workers", 16, "Concurrent sessions")
	duration   = flag.Duration("duration", 10*time.Second, "How long to run")
	opsPerSec  = flag.Float64("rate", 500, "Units of work per second across all workers (0 = unlimited)")
	txnRatio   = flag.Float64("txn_ratio", 0.3, "Fraction of units that are transactions")
	rowsPerTxn = flag.Int("rows_per_txn", 5, "Inserts per transaction")
)

type stats struct {
	txns        atomic.Int64
	plainWrites atomic.Int64
	rows        atomic.Int64
	failures    atomic.Int64
}

type session struct {
	conn   *connection.PooledConn
	reader *bufio.Reader
	// dirty marks a session that may still hold a transaction or has lost
	// its place in the reply stream. It must not go back to the pool.
	dirty bool
}

func (s *session) do(line string) (server.Response, error) {
	if _, err := fmt.Fprintf(s.conn, "%s\n", line); err != nil {
		s.dirty = true
		return server.Response{}, err
	}
	resp, err := server.ReadResponse(s.reader)
	if err != nil {
		s.dirty = true
		return resp, err
	}
	if resp.Status != server.StatusOK {
		return resp, fmt.Errorf("%s: %s", line, resp.Message)
	}
	return resp, nil
}

func (s *session) release() {
	if s.dirty {
		_ = s.conn.ForceClose()
		return
	}
	_ = s.conn.Close()
}

func main() {
	flag.Parse()
	zlogger, err := logger.New(logger.Config{Level: "info", Format: "console", Service: "gojotx-bench"})
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}

	pool := connection.New(*addr, connection.Options{MaxSize: *workers, DialRetries: 3})
	defer pool.Close()

	setup, err := open(context.Background(), pool)
	if err != nil {
		zlogger.Fatal("Failed to connect", zap.Error(err))
	}
	runID := time.Now().UnixNano()
	if _, err := setup.do("EXEC CREATE TABLE IF NOT EXISTS bench (id INTEGER PRIMARY KEY, run INTEGER NOT NULL, kind TEXT NOT NULL)"); err != nil {
		zlogger.Fatal("Failed to create table", zap.Error(err))
	}
	setup.release()

	limit := rate.Inf
	if *opsPerSec > 0 {
		limit = rate.Limit(*opsPerSec)
	}
	limiter := rate.NewLimiter(limit, *workers)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	var st stats
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < *workers; w++ {
		g.Go(func() error { return worker(gctx, pool, limiter, runID, &st, zlogger) })
	}
	if err := g.Wait(); err != nil {
		zlogger.Error("Worker failed", zap.Error(err))
	}
	elapsed := time.Since(start)

	check, err := open(context.Background(), pool)
	if err != nil {
		zlogger.Fatal("Failed to reconnect", zap.Error(err))
	}
	defer check.release()
	resp, err := check.do(fmt.Sprintf("GET SELECT COUNT(*) AS n FROM bench WHERE run = %d", runID))
	if err != nil {
		zlogger.Fatal("Failed to count rows", zap.Error(err))
	}
	stored := int64(resp.Data.(map[string]any)["n"].(float64))

	zlogger.Info("Benchmark finished",
		zap.Duration("elapsed", elapsed),
		zap.Int64("transactions", st.txns.Load()),
		zap.Int64("plain_writes", st.plainWrites.Load()),
		zap.Int64("failures", st.failures.Load()),
		zap.Float64("units_per_sec", float64(st.txns.Load()+st.plainWrites.Load())/elapsed.Seconds()),
		zap.Int64("rows_expected", st.rows.Load()),
		zap.Int64("rows_stored", stored))
	if stored != st.rows.Load() {
		zlogger.Fatal("Row count mismatch")
	}
}

func open(ctx context.Context, pool *connection.Pool) (*session, error) {
	conn, err := pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	return &session{conn: conn, reader: bufio.NewReader(conn)}, nil
}

func worker(ctx context.Context, pool *connection.Pool, limiter *rate.Limiter, runID int64, st *stats, zlogger *zap.Logger) error {
	s, err := open(ctx, pool)
	if err != nil {
		return err
	}
	defer func() {
		if s != nil {
			s.release()
		}
	}()

	for {
		// Wait fails once the run's deadline is near or past.
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		if s.dirty {
			s.release()
			if s, err = open(ctx, pool); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}

		if rand.Float64() < *txnRatio {
			n, err := transaction(s, runID)
			if err != nil {
				st.failures.Add(1)
				zlogger.Warn("Transaction failed", zap.Error(err))
				continue
			}
			st.txns.Add(1)
			st.rows.Add(int64(n))
			continue
		}

		if _, err := s.do(fmt.Sprintf("RUN INSERT INTO bench (run, kind) VALUES (%d, 'plain')", runID)); err != nil {
			st.failures.Add(1)
			zlogger.Warn("Plain write failed", zap.Error(err))
			continue
		}
		st.plainWrites.Add(1)
		st.rows.Add(1)
	}
}

// transaction returns the number of rows it committed.
func transaction(s *session, runID int64) (int, error) {
	if _, err := s.do("BEGIN"); err != nil {
		return 0, err
	}
	for i := 0; i < *rowsPerTxn; i++ {
		if _, err := s.do(fmt.Sprintf("RUN INSERT INTO bench (run, kind) VALUES (%d, 'txn')", runID)); err != nil {
			if _, rbErr := s.do("ROLLBACK"); rbErr != nil {
				s.dirty = true
			}
			return 0, err
		}
	}
	if _, err := s.do("COMMIT"); err != nil {
		return 0, err
	}
	return *rowsPerTxn, nil
}
