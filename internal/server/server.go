// Package server exposes a transaction.Database over a line-oriented TCP
// protocol. Every client connection is a session; sessions share the one
// database connection and see each other only through its transaction
// ordering.
//
// Requests are single lines: a command followed by optional SQL text.
// Replies are single JSON lines.
package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/transaction"
)

const (
	StatusOK       = "OK"
	StatusError    = "ERROR"
	StatusNotFound = "NOT_FOUND"

	maxLineBytes = 1 << 20
)

var ErrServerClosed = errors.New("server closed")

// Request is a parsed client line.
type Request struct {
	Command string
	SQL     string
}

// Response is written back to the client as one JSON line.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type Options struct {
	// TLS, when set, wraps accepted connections.
	TLS *tls.Config
	// IdleTimeout closes sessions that send nothing for this long. Zero disables it.
	IdleTimeout time.Duration
	Logger      *zap.Logger
}

// Server accepts sessions for one Database.
type Server struct {
	db          *transaction.Database
	tlsConfig   *tls.Config
	idleTimeout time.Duration
	logger      *zap.Logger

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	sessions  map[string]*session
	closed    bool
	wg        sync.WaitGroup
}

func New(db *transaction.Database, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		db:          db,
		tlsConfig:   opts.TLS,
		idleTimeout: opts.IdleTimeout,
		logger:      logger.Named("server"),
		listeners:   make(map[net.Listener]struct{}),
		sessions:    make(map[string]*session),
	}
}

// ListenAndServe listens on addr and serves until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts sessions on ln until Shutdown. It always returns a non-nil
// error; after Shutdown that error is ErrServerClosed.
func (s *Server) Serve(ln net.Listener) error {
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()

	s.logger.Info("Accepting sessions", zap.String("addr", ln.Addr().String()), zap.Bool("tls", s.tlsConfig != nil))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("Temporary accept error", zap.Error(err))
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		sess := &session{
			id:     uuid.NewString(),
			server: s,
			conn:   conn,
		}
		sess.logger = s.logger.With(zap.String("session_id", sess.id), zap.String("remote", conn.RemoteAddr().String()))

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return ErrServerClosed
		}
		s.sessions[sess.id] = sess
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			sess.serve()
			s.mu.Lock()
			delete(s.sessions, sess.id)
			s.mu.Unlock()
		}()
	}
}

// Sessions returns the number of connected sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Shutdown stops accepting, disconnects every session and waits for their
// open transactions to be rolled back.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for ln := range s.listeners {
		ln.Close()
	}
	for _, sess := range s.sessions {
		sess.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("All sessions closed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ParseRequest splits a raw line into its command and SQL text.
func ParseRequest(raw string) (Request, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Request{}, errors.New("empty command")
	}
	command, rest, _ := strings.Cut(raw, " ")
	req := Request{Command: strings.ToUpper(command), SQL: strings.TrimSpace(rest)}

	switch req.Command {
	case "EXEC", "RUN", "GET", "ALL":
		if req.SQL == "" {
			return Request{}, fmt.Errorf("%s requires a statement", req.Command)
		}
	case "BEGIN", "COMMIT", "ROLLBACK", "STATUS", "HELP", "QUIT":
		if req.SQL != "" {
			return Request{}, fmt.Errorf("%s takes no arguments", req.Command)
		}
	default:
		return Request{}, fmt.Errorf("unknown command: %s", req.Command)
	}
	return req, nil
}

func writeResponse(w io.Writer, resp Response) error {
	return json.NewEncoder(w).Encode(resp)
}

// ReadResponse reads one reply line written by the server.
func ReadResponse(r *bufio.Reader) (Response, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return Response{}, err
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Response{}, fmt.Errorf("decode response %q: %w", strings.TrimSpace(string(line)), err)
	}
	return resp, nil
}
