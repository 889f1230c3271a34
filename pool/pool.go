// Package pool caches live tool-server sessions. Sessions are created lazily
// per server key, checked out by one call at a time, returned afterwards and
// closed by a periodic sweep once idle for too long. A process-wide ceiling
// bounds the number of open sessions; Acquire on a full pool waits for a
// release instead of failing.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/logging"
	"github.com/hupe1980/agentflow/session"
)

// Options configures a Pool.
type Options struct {
	// MaxSize caps open sessions across all servers. Zero means 16.
	MaxSize int
	// IdleTimeout is how long a released session may stay unused.
	IdleTimeout time.Duration
	// SweepInterval controls the background sweep. Zero disables it.
	SweepInterval time.Duration
	Logger        logging.Logger
	Now           func() time.Time
}

// DefaultOptions is used by New before applying option functions.
var DefaultOptions = Options{
	MaxSize:       16,
	IdleTimeout:   5 * time.Minute,
	SweepInterval: time.Minute,
	Now:           time.Now,
}

// PooledSession is a session checked out of the pool.
type PooledSession struct {
	session.Session
	key      string
	lastUsed time.Time
	inUse    bool
}

// Key is the server key the session belongs to.
func (s *PooledSession) Key() string { return s.key }

// Stats is a snapshot of the pool's occupancy.
type Stats struct {
	Open  int
	Idle  int
	InUse int
}

// Pool hands out sessions per server handle.
type Pool struct {
	dialer session.Dialer
	opts   Options

	mu     sync.Mutex
	idle   map[string][]*PooledSession
	open   int
	inUse  int
	notify chan struct{}
	closed bool

	stop chan struct{}
	done chan struct{}
}

// New creates a pool dialing through d.
func New(d session.Dialer, optFns ...func(o *Options)) *Pool {
	opts := DefaultOptions
	opts.Logger = logging.NoOpLogger{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultOptions.MaxSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	p := &Pool{
		dialer: d,
		opts:   opts,
		idle:   map[string][]*PooledSession{},
		notify: make(chan struct{}),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	if opts.SweepInterval > 0 && opts.IdleTimeout > 0 {
		go p.sweepLoop()
	} else {
		close(p.done)
	}

	return p
}

// Acquire checks out a session for h, dialing a new one if none is idle.
func (p *Pool) Acquire(ctx context.Context, h core.ServerHandle) (*PooledSession, error) {
	key := h.Key()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, core.ErrPoolClosed
		}

		if ps := p.popIdleLocked(key); ps != nil {
			ps.inUse = true
			p.inUse++
			p.mu.Unlock()
			return ps, nil
		}

		if p.open < p.opts.MaxSize {
			p.open++
			p.mu.Unlock()
			return p.dial(ctx, h, key)
		}

		if p.evictOtherLocked(key) {
			p.mu.Unlock()
			continue
		}

		wait := p.notify
		p.mu.Unlock()

		p.opts.Logger.Debug("pool.acquire.waiting", "server", h.String(), "open", p.opts.MaxSize)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

func (p *Pool) dial(ctx context.Context, h core.ServerHandle, key string) (*PooledSession, error) {
	s, err := p.dialer.Dial(ctx, h)
	if err != nil {
		p.mu.Lock()
		p.open--
		p.signalLocked()
		p.mu.Unlock()
		return nil, err
	}

	p.opts.Logger.Debug("pool.session.created", "server", h.String())

	p.mu.Lock()
	defer p.mu.Unlock()
	p.inUse++
	return &PooledSession{Session: s, key: key, inUse: true, lastUsed: p.opts.Now()}, nil
}

// Release returns a healthy session to the pool.
func (p *Pool) Release(ps *PooledSession) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !ps.inUse {
		return fmt.Errorf("session for %s released twice", ps.key)
	}
	ps.inUse = false
	p.inUse--
	ps.lastUsed = p.opts.Now()

	if p.closed {
		p.open--
		p.closeAsync(ps)
		return nil
	}

	p.idle[ps.key] = append(p.idle[ps.key], ps)
	p.signalLocked()
	return nil
}

// Discard closes a checked-out session instead of returning it, e.g. after a
// transport failure.
func (p *Pool) Discard(ps *PooledSession) error {
	p.mu.Lock()
	if !ps.inUse {
		p.mu.Unlock()
		return fmt.Errorf("session for %s is not checked out", ps.key)
	}
	ps.inUse = false
	p.inUse--
	p.open--
	p.signalLocked()
	p.mu.Unlock()

	p.opts.Logger.Debug("pool.session.discarded", "server", ps.key)
	return ps.Session.Close()
}

// Sweep closes sessions idle for longer than IdleTimeout and returns how many
// were closed.
func (p *Pool) Sweep() int {
	if p.opts.IdleTimeout <= 0 {
		return 0
	}

	p.mu.Lock()
	now := p.opts.Now()
	var stale []*PooledSession
	for key, list := range p.idle {
		kept := list[:0]
		for _, ps := range list {
			if now.Sub(ps.lastUsed) > p.opts.IdleTimeout {
				stale = append(stale, ps)
				continue
			}
			kept = append(kept, ps)
		}
		if len(kept) == 0 {
			delete(p.idle, key)
		} else {
			p.idle[key] = kept
		}
	}
	p.open -= len(stale)
	if len(stale) > 0 {
		p.signalLocked()
	}
	p.mu.Unlock()

	for _, ps := range stale {
		if err := ps.Session.Close(); err != nil {
			p.opts.Logger.Warn("pool.session.close_failed", "server", ps.key, "error", err)
		}
		p.opts.Logger.Debug("pool.session.closed", "server", ps.key, "reason", "idle")
	}
	return len(stale)
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	idle := 0
	for _, list := range p.idle {
		idle += len(list)
	}
	return Stats{Open: p.open, Idle: idle, InUse: p.inUse}
}

// Close stops the sweeper and closes idle sessions. Sessions still checked out
// are closed when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var all []*PooledSession
	for _, list := range p.idle {
		all = append(all, list...)
	}
	p.idle = map[string][]*PooledSession{}
	p.open -= len(all)
	p.signalLocked()
	p.mu.Unlock()

	close(p.stop)
	<-p.done

	var errs []error
	for _, ps := range all {
		if err := ps.Session.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) sweepLoop() {
	defer close(p.done)
	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.Sweep()
		}
	}
}

// popIdleLocked returns the most recently used idle session for key, closing
// any whose credentials expired.
func (p *Pool) popIdleLocked(key string) *PooledSession {
	list := p.idle[key]
	for len(list) > 0 {
		ps := list[len(list)-1]
		list = list[:len(list)-1]
		if exp, ok := ps.Session.(session.Expirer); ok && !exp.ExpiresAt().IsZero() && !p.opts.Now().Before(exp.ExpiresAt()) {
			p.open--
			p.closeAsync(ps)
			continue
		}
		p.setIdleLocked(key, list)
		return ps
	}
	p.setIdleLocked(key, list)
	return nil
}

// evictOtherLocked closes the least recently used idle session of another
// server so a full pool of idle sessions cannot starve a new server.
func (p *Pool) evictOtherLocked(key string) bool {
	var (
		victimKey string
		victimIdx = -1
		oldest    time.Time
	)
	for k, list := range p.idle {
		if k == key {
			continue
		}
		for i, ps := range list {
			if victimIdx < 0 || ps.lastUsed.Before(oldest) {
				victimKey, victimIdx, oldest = k, i, ps.lastUsed
			}
		}
	}
	if victimIdx < 0 {
		return false
	}
	list := p.idle[victimKey]
	ps := list[victimIdx]
	p.setIdleLocked(victimKey, append(list[:victimIdx:victimIdx], list[victimIdx+1:]...))
	p.open--
	p.closeAsync(ps)
	return true
}

func (p *Pool) setIdleLocked(key string, list []*PooledSession) {
	if len(list) == 0 {
		delete(p.idle, key)
		return
	}
	p.idle[key] = list
}

func (p *Pool) signalLocked() {
	close(p.notify)
	p.notify = make(chan struct{})
}

func (p *Pool) closeAsync(ps *PooledSession) {
	go func() {
		if err := ps.Session.Close(); err != nil {
			p.opts.Logger.Warn("pool.session.close_failed", "server", ps.key, "error", err)
		}
	}()
}
