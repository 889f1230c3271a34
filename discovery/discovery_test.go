package discovery

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/internal/testutil"
	"github.com/hupe1980/agentflow/pool"
	"github.com/hupe1980/agentflow/session"
)

func countingFetcher(count *atomic.Int32, names ...string) Fetcher {
	return FetcherFunc(func(_ context.Context, h core.ServerHandle) ([]core.ToolDefinition, error) {
		count.Add(1)
		defs := make([]core.ToolDefinition, len(names))
		for i, n := range names {
			defs[i] = core.ToolDefinition{Name: n, InputSchema: []byte(`{"type":"object"}`), Server: h}
		}
		return defs, nil
	})
}

func TestCache_RefetchesAfterTTL(t *testing.T) {
	var fetches atomic.Int32
	now := time.Now()
	c := New(countingFetcher(&fetches, "read"), func(o *Options) {
		o.TTL = time.Minute
		o.Now = func() time.Time { return now }
	})
	h := core.HTTPServer("files", "http://files/mcp")
	ctx := context.Background()

	_, err := c.Discover(ctx, h)
	require.NoError(t, err)
	_, err = c.Discover(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, int32(1), fetches.Load())

	now = now.Add(2 * time.Minute)
	defs, err := c.Discover(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, int32(2), fetches.Load())
	assert.Equal(t, "files__read", defs[0].QualifiedName())
}

func TestCache_PrimeAvoidsNetwork(t *testing.T) {
	c := New(FetcherFunc(func(context.Context, core.ServerHandle) ([]core.ToolDefinition, error) {
		return nil, errors.New("offline")
	}))
	h := core.HTTPServer("files", "http://files/mcp")
	c.Prime(h, []core.ToolDefinition{{Name: "read"}})

	defs, err := c.Discover(context.Background(), core.HTTPServer("renamed", "http://files/mcp"))
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "renamed__read", defs[0].QualifiedName())

	c.Invalidate(h)
	_, err = c.Discover(context.Background(), h)
	assert.EqualError(t, err, "offline")
}

func TestCache_ReturnedSliceIsACopy(t *testing.T) {
	c := New(nil)
	h := core.HTTPServer("files", "http://files/mcp")
	c.Prime(h, []core.ToolDefinition{{Name: "read"}})

	defs, err := c.Discover(context.Background(), h)
	require.NoError(t, err)
	defs[0].Name = "mutated"

	again, err := c.Discover(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, "read", again[0].Name)
}

func TestCache_DiscoverAllMergesCatalog(t *testing.T) {
	var fetches atomic.Int32
	c := New(countingFetcher(&fetches, "read", "write"))
	handles := []core.ServerHandle{
		core.HTTPServer("files", "http://files/mcp"),
		core.HTTPServer("backup", "http://backup/mcp"),
	}

	cat, err := c.DiscoverAll(context.Background(), handles)
	require.NoError(t, err)
	assert.Equal(t, 4, cat.Len())

	d, ok := cat.Lookup("backup__write")
	require.True(t, ok)
	assert.Equal(t, "backup", d.Server.Name)

	_, ok = cat.Lookup("read")
	assert.False(t, ok, "bare name shared by two servers is ambiguous")

	var names []string
	for _, d := range cat.Definitions() {
		names = append(names, d.QualifiedName())
	}
	assert.Equal(t, []string{"backup__read", "backup__write", "files__read", "files__write"}, names)
}

func TestCatalog_RejectsClashAcrossServers(t *testing.T) {
	cat := NewCatalog()
	a := core.ToolDefinition{Name: "read", Server: core.HTTPServer("files", "http://one/mcp")}
	b := core.ToolDefinition{Name: "read", Server: core.HTTPServer("files", "http://two/mcp")}

	require.NoError(t, cat.Add(a, a))
	err := cat.Add(b)

	var cfgErr *core.ConfigError
	assert.ErrorAs(t, err, &cfgErr)

	d, ok := cat.Lookup("read")
	require.True(t, ok)
	assert.Equal(t, "http://one/mcp", d.Server.Address)
}

func TestPoolFetcher_ListsOverInProcessSession(t *testing.T) {
	fs := testutil.NewToolServer("notes").Echo("list").Echo("get").Build()
	d := session.NewDialer()
	d.RegisterInProcess("notes", fs.Server)
	p := pool.New(d)
	defer p.Close()

	c := New(PoolFetcher(p))
	defs, err := c.Discover(context.Background(), core.InProcessServer("notes"))
	require.NoError(t, err)
	assert.Len(t, defs, 2)
	assert.Equal(t, pool.Stats{Open: 1, Idle: 1}, p.Stats())
}

func TestCache_SharedFailureKeepsCallerStepIDs(t *testing.T) {
	release := make(chan struct{})
	c := New(FetcherFunc(func(context.Context, core.ServerHandle) ([]core.ToolDefinition, error) {
		<-release
		return nil, &core.ToolInvocationError{Provider: "files", Tool: "tools/list", Message: "unreachable"}
	}))
	h := core.HTTPServer("files", "http://files/mcp")

	ids := []string{"3[0]", "3[1]"}
	errs := make([]error, len(ids))
	done := make(chan struct{})
	for i := range ids {
		go func() {
			_, err := c.Discover(context.Background(), h)
			errs[i] = core.AttachStep(err, ids[i])
			done <- struct{}{}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	<-done
	<-done

	for i, id := range ids {
		require.Error(t, errs[i])
		assert.Equal(t, id, core.StepIDOf(errs[i]))
	}
}
