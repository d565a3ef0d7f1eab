package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/pkg/sqlconn"
)

const helpText = "Commands: BEGIN, COMMIT, ROLLBACK, EXEC <sql>, RUN <sql>, GET <sql>, ALL <sql>, STATUS, HELP, QUIT"

// executor is the statement API shared by *transaction.Database and *transaction.Tx.
type executor interface {
	Exec(query string, cb func(error))
	Run(query string, args []any, cb func(sqlconn.Result, error))
	Get(query string, args []any, cb func(sqlconn.Row, error))
	All(query string, args []any, cb func([]sqlconn.Row, error))
}

type session struct {
	id     string
	server *Server
	conn   net.Conn
	logger *zap.Logger

	// tx is only touched by the session goroutine.
	tx *transaction.Tx
}

// await turns a callback-style call into a blocking one. The callback runs on
// the connection's event goroutine and must never block, so the channel is
// buffered.
func await[T any](call func(cb func(T, error))) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	call(func(v T, err error) { ch <- result{v, err} })
	r := <-ch
	return r.v, r.err
}

func awaitErr(call func(cb func(error))) error {
	_, err := await(func(cb func(struct{}, error)) {
		call(func(err error) { cb(struct{}{}, err) })
	})
	return err
}

func (s *session) executor() executor {
	if s.tx != nil {
		return s.tx
	}
	return s.server.db
}

func (s *session) serve() {
	defer s.conn.Close()
	defer s.rollbackOnExit()
	s.logger.Info("Session opened")

	reader := bufio.NewReaderSize(s.conn, 4096)
	for {
		if s.server.idleTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.server.idleTimeout))
		}
		line, err := readLine(reader)
		if err != nil {
			var ne net.Error
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				s.logger.Info("Session closed")
			case errors.As(err, &ne) && ne.Timeout():
				s.logger.Info("Session idle timeout")
			default:
				s.logger.Warn("Error reading from session", zap.Error(err))
			}
			return
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		s.logger.Debug("Received command", zap.String("line", line))

		req, err := ParseRequest(line)
		var resp Response
		if err != nil {
			resp = Response{Status: StatusError, Message: fmt.Sprintf("Invalid request: %v", err)}
		} else {
			resp = s.handle(req)
		}
		if err := writeResponse(s.conn, resp); err != nil {
			s.logger.Warn("Error writing response", zap.Error(err))
			return
		}
		if err == nil && req.Command == "QUIT" {
			return
		}
	}
}

func readLine(r *bufio.Reader) (string, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return "", err
		}
		buf = append(buf, chunk...)
		if len(buf) > maxLineBytes {
			return "", fmt.Errorf("request line longer than %d bytes", maxLineBytes)
		}
		if !isPrefix {
			return string(buf), nil
		}
	}
}

func (s *session) handle(req Request) Response {
	switch req.Command {
	case "BEGIN":
		return s.begin()
	case "COMMIT":
		return s.finish("COMMIT", (*transaction.Tx).Commit)
	case "ROLLBACK":
		return s.finish("ROLLBACK", (*transaction.Tx).Rollback)
	case "EXEC":
		ex := s.executor()
		if err := awaitErr(func(cb func(error)) { ex.Exec(req.SQL, cb) }); err != nil {
			return errorResponse("EXEC", err)
		}
		return Response{Status: StatusOK, Message: "Statement executed."}
	case "RUN":
		ex := s.executor()
		res, err := await(func(cb func(sqlconn.Result, error)) { ex.Run(req.SQL, nil, cb) })
		if err != nil {
			return errorResponse("RUN", err)
		}
		return Response{Status: StatusOK, Data: map[string]int64{
			"last_insert_id": res.LastInsertID,
			"rows_affected":  res.RowsAffected,
		}}
	case "GET":
		ex := s.executor()
		row, err := await(func(cb func(sqlconn.Row, error)) { ex.Get(req.SQL, nil, cb) })
		if err != nil {
			return errorResponse("GET", err)
		}
		if row == nil {
			return Response{Status: StatusNotFound, Message: "No rows."}
		}
		return Response{Status: StatusOK, Data: row}
	case "ALL":
		ex := s.executor()
		rows, err := await(func(cb func([]sqlconn.Row, error)) { ex.All(req.SQL, nil, cb) })
		if err != nil {
			return errorResponse("ALL", err)
		}
		if rows == nil {
			rows = []sqlconn.Row{}
		}
		return Response{Status: StatusOK, Message: fmt.Sprintf("%d row(s)", len(rows)), Data: rows}
	case "STATUS":
		db := s.server.db
		status := map[string]any{
			"session_id": s.id,
			"state":      db.State().String(),
			"in_flight":  db.InFlight(),
			"pending":    db.Pending(),
			"sessions":   s.server.Sessions(),
		}
		if s.tx != nil {
			status["txn_id"] = s.tx.ID()
		}
		return Response{Status: StatusOK, Data: status}
	case "HELP":
		return Response{Status: StatusOK, Message: helpText}
	case "QUIT":
		return Response{Status: StatusOK, Message: "Bye."}
	}
	return Response{Status: StatusError, Message: fmt.Sprintf("Unsupported command: %s", req.Command)}
}

func (s *session) begin() Response {
	if s.tx != nil {
		return Response{Status: StatusError, Message: fmt.Sprintf("Transaction %s already open.", s.tx.ID())}
	}
	tx, err := await(s.server.db.BeginTransaction)
	if err != nil {
		return errorResponse("BEGIN", err)
	}
	s.tx = tx
	s.logger.Info("Transaction opened", zap.String("txn_id", tx.ID()))
	return Response{Status: StatusOK, Message: "Transaction started.", Data: map[string]string{"txn_id": tx.ID()}}
}

// finish commits or rolls back. The session's transaction is gone afterwards
// whatever the outcome.
func (s *session) finish(command string, end func(*transaction.Tx, func(error))) Response {
	if s.tx == nil {
		return Response{Status: StatusError, Message: "No open transaction."}
	}
	tx := s.tx
	s.tx = nil
	if err := awaitErr(func(cb func(error)) { end(tx, cb) }); err != nil {
		return errorResponse(command, err)
	}
	return Response{Status: StatusOK, Message: fmt.Sprintf("%s complete.", command), Data: map[string]string{"txn_id": tx.ID()}}
}

func (s *session) rollbackOnExit() {
	if s.tx == nil {
		return
	}
	tx := s.tx
	s.tx = nil
	s.logger.Warn("Rolling back transaction of closed session", zap.String("txn_id", tx.ID()))
	if err := awaitErr(tx.Rollback); err != nil && !errors.Is(err, transaction.ErrTransactionFinished) {
		s.logger.Error("Rollback of closed session failed", zap.String("txn_id", tx.ID()), zap.Error(err))
	}
}

func errorResponse(command string, err error) Response {
	return Response{Status: StatusError, Message: fmt.Sprintf("%s failed: %v", command, err)}
}
