package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
)

// Conn is the slice of a pgx connection the persister needs. Both
// *pgx.Conn and test doubles satisfy it.
type Conn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// DialFunc opens one fresh store connection.
type DialFunc func(ctx context.Context) (Conn, error)

// PgxDialer returns a DialFunc that opens single pgx connections
// against the given DSN.
func PgxDialer(dsn string) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		return pgx.Connect(ctx, dsn)
	}
}

// pollInterval is how often Acquire re-checks the idle list while
// waiting for a connection to come back.
const pollInterval = 50 * time.Millisecond

// Pool holds a fixed-capacity set of reusable store connections. When
// the pool runs dry, Acquire polls until its timeout and then dials an
// ad hoc connection rather than failing the caller; Release health-checks
// every connection before letting it back in, so a broken connection is
// discarded instead of poisoning later acquires. The pool itself never
// holds more than capacity connections.
type Pool struct {
	mu       chan struct{} // guards idle; channel so Acquire can respect ctx
	idle     []Conn
	capacity int
	dial     DialFunc
	timeout  time.Duration
	logger   *logrus.Logger
	closed   bool
}

// NewPool pre-dials up to capacity connections. Dial failures during
// warm-up are logged and tolerated; Acquire will dial replacements on
// demand.
func NewPool(ctx context.Context, capacity int, timeout time.Duration, dial DialFunc, logger *logrus.Logger) *Pool {
	if capacity <= 0 {
		capacity = 1
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	p := &Pool{
		mu:       make(chan struct{}, 1),
		idle:     make([]Conn, 0, capacity),
		capacity: capacity,
		dial:     dial,
		timeout:  timeout,
		logger:   logger,
	}
	p.mu <- struct{}{}

	for i := 0; i < capacity; i++ {
		conn, err := dial(ctx)
		if err != nil {
			logger.WithError(err).Warn("Failed to pre-dial pool connection")
			continue
		}
		p.idle = append(p.idle, conn)
	}

	logger.WithFields(logrus.Fields{
		"capacity": capacity,
		"warm":     len(p.idle),
	}).Info("Connection pool initialized")

	return p
}

// Acquire returns an idle connection, polling until the pool's timeout
// elapses. An exhausted pool is not an error: after the timeout a fresh
// ad hoc connection is dialed so no caller blocks forever.
func (p *Pool) Acquire(ctx context.Context) (Conn, error) {
	deadline := time.Now().Add(p.timeout)

	for {
		select {
		case <-p.mu:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		var conn Conn
		if n := len(p.idle); n > 0 {
			conn = p.idle[n-1]
			p.idle = p.idle[:n-1]
		}
		p.mu <- struct{}{}

		if conn != nil {
			return conn, nil
		}
		if time.Now().After(deadline) {
			break
		}

		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.logger.Debug("Connection pool exhausted, dialing ad hoc connection")
	return p.dial(ctx)
}

// Release returns a connection after probing it. A failed probe closes
// the connection instead of re-pooling it; a healthy connection goes
// back only while capacity remains, otherwise it is closed.
func (p *Pool) Release(ctx context.Context, conn Conn) {
	if conn == nil {
		return
	}

	if err := conn.Ping(ctx); err != nil {
		p.logger.WithError(err).Warn("Discarding unhealthy pool connection")
		p.closeConn(ctx, conn)
		return
	}

	select {
	case <-p.mu:
	case <-ctx.Done():
		p.closeConn(context.Background(), conn)
		return
	}
	if p.closed || len(p.idle) >= p.capacity {
		p.mu <- struct{}{}
		p.closeConn(ctx, conn)
		return
	}
	p.idle = append(p.idle, conn)
	p.mu <- struct{}{}
}

// IdleCount reports how many connections currently sit in the pool.
func (p *Pool) IdleCount() int {
	<-p.mu
	n := len(p.idle)
	p.mu <- struct{}{}
	return n
}

// Close drains and closes every idle connection. Connections still in
// flight are closed by their holders via Release.
func (p *Pool) Close(ctx context.Context) {
	<-p.mu
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu <- struct{}{}

	for _, conn := range idle {
		p.closeConn(ctx, conn)
	}
	p.logger.Info("Connection pool closed")
}

func (p *Pool) closeConn(ctx context.Context, conn Conn) {
	if err := conn.Close(ctx); err != nil {
		p.logger.WithError(err).Warn("Error closing pool connection")
	}
}
