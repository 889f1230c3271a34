package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/session"
)

type fakeSession struct {
	handle    core.ServerHandle
	closed    atomic.Bool
	expiresAt time.Time
}

func (f *fakeSession) Server() core.ServerHandle { return f.handle }
func (f *fakeSession) ListTools(context.Context) ([]core.ToolDefinition, error) {
	return nil, nil
}
func (f *fakeSession) CallTool(context.Context, string, map[string]any) (session.Result, error) {
	return session.Result{}, nil
}
func (f *fakeSession) Close() error          { f.closed.Store(true); return nil }
func (f *fakeSession) ExpiresAt() time.Time { return f.expiresAt }

type fakeDialer struct {
	mu       sync.Mutex
	sessions []*fakeSession
	expiry   time.Time
	err      error
}

func (d *fakeDialer) Dial(_ context.Context, h core.ServerHandle) (session.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	s := &fakeSession{handle: h, expiresAt: d.expiry}
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func newTestPool(d session.Dialer, fns ...func(o *Options)) *Pool {
	fns = append([]func(o *Options){func(o *Options) { o.SweepInterval = 0 }}, fns...)
	return New(d, fns...)
}

var serverA = core.HTTPServer("a", "http://a.example/mcp")

func TestPool_ReusesReleasedSession(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(d)
	defer p.Close()
	ctx := context.Background()

	s1, err := p.Acquire(ctx, serverA)
	require.NoError(t, err)
	require.NoError(t, p.Release(s1))

	// same address under a different name is the same logical server
	s2, err := p.Acquire(ctx, core.HTTPServer("alias", "http://a.example/mcp"))
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, d.dials())
	assert.Equal(t, Stats{Open: 1, Idle: 0, InUse: 1}, p.Stats())
}

func TestPool_FullPoolWaitsForRelease(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(d, func(o *Options) { o.MaxSize = 1 })
	defer p.Close()
	ctx := context.Background()

	s1, err := p.Acquire(ctx, serverA)
	require.NoError(t, err)

	got := make(chan *PooledSession)
	go func() {
		s, err := p.Acquire(ctx, serverA)
		assert.NoError(t, err)
		got <- s
	}()

	select {
	case <-got:
		t.Fatal("acquire should block while the only session is checked out")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, p.Release(s1))
	s2 := <-got
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, d.dials())
}

func TestPool_WaitHonoursContext(t *testing.T) {
	p := newTestPool(&fakeDialer{}, func(o *Options) { o.MaxSize = 1 })
	defer p.Close()

	_, err := p.Acquire(context.Background(), serverA)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, serverA)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPool_EvictsIdleSessionOfOtherServer(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(d, func(o *Options) { o.MaxSize = 1 })
	defer p.Close()
	ctx := context.Background()

	sA, err := p.Acquire(ctx, serverA)
	require.NoError(t, err)
	require.NoError(t, p.Release(sA))

	sB, err := p.Acquire(ctx, core.HTTPServer("b", "http://b.example/mcp"))
	require.NoError(t, err)
	assert.NotSame(t, sA, sB)
	assert.Eventually(t, func() bool { return d.sessions[0].closed.Load() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, p.Stats().Open)
}

func TestPool_SweepClosesIdleSessions(t *testing.T) {
	now := time.Now()
	d := &fakeDialer{}
	p := newTestPool(d, func(o *Options) {
		o.IdleTimeout = time.Minute
		o.Now = func() time.Time { return now }
	})
	defer p.Close()

	s, err := p.Acquire(context.Background(), serverA)
	require.NoError(t, err)
	require.NoError(t, p.Release(s))

	assert.Zero(t, p.Sweep())
	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, p.Sweep())
	assert.True(t, d.sessions[0].closed.Load())
	assert.Equal(t, Stats{}, p.Stats())
}

func TestPool_DiscardFreesCapacity(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(d, func(o *Options) { o.MaxSize = 1 })
	defer p.Close()
	ctx := context.Background()

	s, err := p.Acquire(ctx, serverA)
	require.NoError(t, err)
	require.NoError(t, p.Discard(s))
	assert.True(t, d.sessions[0].closed.Load())

	_, err = p.Acquire(ctx, serverA)
	require.NoError(t, err)
	assert.Equal(t, 2, d.dials())
}

func TestPool_DialFailureReleasesSlot(t *testing.T) {
	d := &fakeDialer{err: errors.New("refused")}
	p := newTestPool(d, func(o *Options) { o.MaxSize = 1 })
	defer p.Close()

	_, err := p.Acquire(context.Background(), serverA)
	assert.EqualError(t, err, "refused")
	assert.Zero(t, p.Stats().Open)
}

func TestPool_ExpiredSessionIsReplaced(t *testing.T) {
	now := time.Now()
	d := &fakeDialer{expiry: now.Add(time.Minute)}
	p := newTestPool(d, func(o *Options) { o.Now = func() time.Time { return now } })
	defer p.Close()
	ctx := context.Background()

	s1, err := p.Acquire(ctx, serverA)
	require.NoError(t, err)
	require.NoError(t, p.Release(s1))

	now = now.Add(2 * time.Minute)
	d.expiry = now.Add(time.Hour)
	s2, err := p.Acquire(ctx, serverA)
	require.NoError(t, err)
	assert.NotSame(t, s1, s2)
	assert.Equal(t, 2, d.dials())
}

func TestPool_ReleaseTwiceFails(t *testing.T) {
	p := newTestPool(&fakeDialer{})
	defer p.Close()

	s, err := p.Acquire(context.Background(), serverA)
	require.NoError(t, err)
	require.NoError(t, p.Release(s))
	assert.Error(t, p.Release(s))
}

func TestPool_Close(t *testing.T) {
	d := &fakeDialer{}
	p := New(d, func(o *Options) { o.SweepInterval = 10 * time.Millisecond })
	ctx := context.Background()

	idle, err := p.Acquire(ctx, serverA)
	require.NoError(t, err)
	busy, err := p.Acquire(ctx, serverA)
	require.NoError(t, err)
	require.NoError(t, p.Release(idle))

	require.NoError(t, p.Close())
	assert.True(t, d.sessions[0].closed.Load())

	_, err = p.Acquire(ctx, serverA)
	assert.ErrorIs(t, err, core.ErrPoolClosed)

	require.NoError(t, p.Release(busy))
	assert.Eventually(t, func() bool { return d.sessions[1].closed.Load() }, time.Second, 5*time.Millisecond)
	assert.NoError(t, p.Close())
}
