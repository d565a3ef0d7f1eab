// Package connection provides a thread-safe pool of client connections to a
// gojotx server. Each pooled connection carries its own session, so a client
// that needs a transaction takes one connection for the whole of it.
package connection

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

var (
	ErrPoolClosed   = errors.New("connection pool is closed")
	ErrDetachedConn = errors.New("connection is already closed or detached from pool")
)

const (
	defaultMaxSize     = 8
	defaultDialTimeout = 5 * time.Second
)

// Dialer opens raw connections. *net.Dialer and *tls.Dialer satisfy it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Options configures a Pool. Zero values select the defaults.
type Options struct {
	MaxSize     int
	DialTimeout time.Duration
	// DialRetries is the number of extra attempts after a failed dial.
	DialRetries uint64
	// TLS enables TLS on the default dialer.
	TLS *tls.Config
	// Dialer replaces the default TCP (or TLS) dialer.
	Dialer Dialer
}

// PooledConn is a wrapper around net.Conn that includes a reference to the pool
// it belongs to. This allows for easy connection releasing.
type PooledConn struct {
	net.Conn
	pool *Pool
}

// Close returns the connection to the pool. It doesn't actually close the
// underlying connection. To discard it, use ForceClose().
//
// The server session travels with the connection, including any transaction
// it has open. After a failed or abandoned transaction, call ForceClose so
// the server rolls it back instead of handing it to the next Get.
func (c *PooledConn) Close() error {
	if c.pool == nil {
		return ErrDetachedConn
	}
	c.pool.put(c.Conn)
	c.pool = nil
	return nil
}

// ForceClose closes the underlying connection permanently and frees its slot.
func (c *PooledConn) ForceClose() error {
	if c.pool != nil {
		c.pool.release()
		c.pool = nil
	}
	return c.Conn.Close()
}

// Pool manages up to MaxSize connections to a single address.
type Pool struct {
	address string
	dialer  Dialer
	retries uint64

	idle  chan net.Conn
	slots chan struct{} // one token per open connection

	mu     sync.Mutex
	closed bool
}

// New creates a pool for address. No connection is opened until Get.
func New(address string, opts Options) *Pool {
	if opts.MaxSize <= 0 {
		opts.MaxSize = defaultMaxSize
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	dialer := opts.Dialer
	if dialer == nil {
		netDialer := &net.Dialer{Timeout: opts.DialTimeout}
		if opts.TLS != nil {
			dialer = &tls.Dialer{NetDialer: netDialer, Config: opts.TLS}
		} else {
			dialer = netDialer
		}
	}
	return &Pool{
		address: address,
		dialer:  dialer,
		retries: opts.DialRetries,
		idle:    make(chan net.Conn, opts.MaxSize),
		slots:   make(chan struct{}, opts.MaxSize),
	}
}

func (p *Pool) Address() string { return p.address }

// Get returns an idle connection, dials a new one while under MaxSize, or
// waits for one to be returned.
func (p *Pool) Get(ctx context.Context) (*PooledConn, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}
	select {
	case conn, ok := <-p.idle:
		if !ok {
			return nil, ErrPoolClosed
		}
		return &PooledConn{Conn: conn, pool: p}, nil
	default:
	}

	select {
	case conn, ok := <-p.idle:
		if !ok {
			return nil, ErrPoolClosed
		}
		return &PooledConn{Conn: conn, pool: p}, nil
	case p.slots <- struct{}{}:
		conn, err := p.dial(ctx)
		if err != nil {
			p.release()
			return nil, err
		}
		if p.isClosed() {
			p.release()
			conn.Close()
			return nil, ErrPoolClosed
		}
		return &PooledConn{Conn: conn, pool: p}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) dial(ctx context.Context) (net.Conn, error) {
	var conn net.Conn
	backoff := retry.WithMaxRetries(p.retries, retry.NewExponential(50*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		c, err := p.dialer.DialContext(ctx, "tcp", p.address)
		if err != nil {
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	return conn, err
}

// put returns a connection to the pool.
func (p *Pool) put(conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		conn.Close()
		p.releaseLocked()
		return
	}
	select {
	case p.idle <- conn:
	default:
		conn.Close()
		p.releaseLocked()
	}
}

func (p *Pool) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseLocked()
}

func (p *Pool) releaseLocked() {
	select {
	case <-p.slots:
	default:
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close closes every idle connection. Connections still checked out are
// closed when they are returned.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.idle)
	for conn := range p.idle {
		conn.Close()
		p.releaseLocked()
	}
}
