package daemon

import (
	"context"
	"sync"
	"time"
)

// PoolConfig bounds the daemon connection pool.
type PoolConfig struct {
	// MaxSize is the maximum number of live connections, idle and in-use.
	MaxSize int
	// MaxIdleTime evicts idle connections that have not been used for this long.
	MaxIdleTime time.Duration
	// ConnTimeout bounds both connection establishment and waiting for a
	// free slot.
	ConnTimeout time.Duration
}

// DefaultPoolConfig returns the default pool sizing.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxSize:     5,
		MaxIdleTime: 5 * time.Minute,
		ConnTimeout: 5 * time.Second,
	}
}

type pooledConn struct {
	conn     *conn
	lastUsed time.Time
}

// Pool hands out exclusive daemon connections up to MaxSize, reusing idle
// ones in FIFO order. The mutex is held only across local state mutation,
// never across I/O.
type Pool struct {
	socketPath string
	config     PoolConfig

	mu     sync.Mutex
	idle   []*pooledConn
	active int
	closed bool

	// notify wakes one waiter when a slot or connection frees up. The
	// buffered channel makes notifications edge-triggered; waiters tolerate
	// spurious wakeups by retrying the acquire loop.
	notify chan struct{}
}

// NewPool creates a pool for the daemon at socketPath.
func NewPool(socketPath string, config PoolConfig) *Pool {
	if config.MaxSize <= 0 {
		config.MaxSize = DefaultPoolConfig().MaxSize
	}
	if config.MaxIdleTime <= 0 {
		config.MaxIdleTime = DefaultPoolConfig().MaxIdleTime
	}
	if config.ConnTimeout <= 0 {
		config.ConnTimeout = DefaultPoolConfig().ConnTimeout
	}
	return &Pool{
		socketPath: socketPath,
		config:     config,
		notify:     make(chan struct{}, 1),
	}
}

// Acquire returns an exclusive connection guard. It reuses an idle
// connection, creates a new one while under MaxSize, or waits for a release.
// Waiting is bounded by ConnTimeout; expiry returns ErrPoolTimeout.
func (p *Pool) Acquire(ctx context.Context) (*Guard, error) {
	timeout := time.NewTimer(p.config.ConnTimeout)
	defer timeout.Stop()

	for {
		p.mu.Lock()
		p.evictExpiredLocked()

		if n := len(p.idle); n > 0 {
			pc := p.idle[0]
			p.idle = p.idle[1:]
			p.mu.Unlock()
			return &Guard{pool: p, conn: pc.conn}, nil
		}

		if p.active < p.config.MaxSize {
			p.active++
			p.mu.Unlock()

			connCtx, cancel := context.WithTimeoutCause(ctx, p.config.ConnTimeout, ErrConnectionTimeout)
			c, err := dial(connCtx, p.socketPath)
			cancel()
			if err != nil {
				p.mu.Lock()
				p.active--
				p.mu.Unlock()
				p.notifyOne()
				if context.Cause(connCtx) == ErrConnectionTimeout {
					return nil, ErrConnectionTimeout
				}
				return nil, err
			}
			return &Guard{pool: p, conn: c}, nil
		}
		p.mu.Unlock()

		select {
		case <-p.notify:
			// Retry; another waiter may have taken the freed slot.
		case <-timeout.C:
			return nil, ErrPoolTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// evictExpiredLocked drops idle connections past MaxIdleTime. Callers hold
// p.mu; closing the sockets is deferred to a goroutine to keep I/O outside
// the lock.
func (p *Pool) evictExpiredLocked() {
	kept := p.idle[:0]
	for _, pc := range p.idle {
		if time.Since(pc.lastUsed) > p.config.MaxIdleTime {
			p.active--
			go pc.conn.Close()
			continue
		}
		kept = append(kept, pc)
	}
	p.idle = kept
}

func (p *Pool) notifyOne() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Close drops all idle connections. Connections currently held by guards are
// closed on release.
func (p *Pool) Close() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.active -= len(idle)
	p.closed = true
	p.mu.Unlock()
	for _, pc := range idle {
		pc.conn.Close()
	}
}

// Guard is an exclusively held pooled connection. Release must be called
// exactly once; MarkBroken prevents the connection from returning to the
// pool.
type Guard struct {
	pool   *Pool
	conn   *conn
	broken bool
}

// MarkBroken flags the connection so Release closes it instead of pooling it.
func (g *Guard) MarkBroken() {
	g.broken = true
}

// Release returns the connection to the idle list (or closes it when broken
// or the pool is closed) and wakes one waiter.
func (g *Guard) Release() {
	p := g.pool
	p.mu.Lock()
	if g.broken || p.closed {
		p.active--
		p.mu.Unlock()
		g.conn.Close()
	} else {
		p.idle = append(p.idle, &pooledConn{conn: g.conn, lastUsed: time.Now()})
		p.mu.Unlock()
	}
	p.notifyOne()
}
