package upstream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrbemt/mcpbundler-gateway/pkg/auth"
	"github.com/jrbemt/mcpbundler-gateway/pkg/bundle"
)

func TestPoolSharesConnectorAcrossAcquires(t *testing.T) {
	ts := newTestUpstreamServer(t)
	spec := bundle.UpstreamSpec{Namespace: "shared", URL: ts.URL, Auth: auth.None()}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool := NewPool()
	a, aListener, err := pool.Acquire(ctx, spec, nil, true)
	require.NoError(t, err)
	b, bListener, err := pool.Acquire(ctx, spec, nil, true)
	require.NoError(t, err)
	assert.Same(t, a, b)

	pool.Release(spec, aListener)
	pool.Release(spec, bListener)

	// Releasing the last reference must not close the connector: pooled
	// connectors only go away via CloseAll.
	assert.True(t, pool.IsPooled(a))
	result, err := a.ListTools(ctx, "")
	assert.NoError(t, err)
	assert.Len(t, result.Tools, 1)

	pool.CloseAll()
	assert.False(t, pool.IsPooled(a))
}

func TestPoolCloseAllClosesEveryConnector(t *testing.T) {
	ts := newTestUpstreamServer(t)
	spec := bundle.UpstreamSpec{Namespace: "shared", URL: ts.URL, Auth: auth.None()}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool := NewPool()
	_, _, err := pool.Acquire(ctx, spec, nil, true)
	require.NoError(t, err)
	pool.CloseAll()
}

// TestPoolAcquireRegistersIndependentListenerPerCaller guards against a
// pooled connector only notifying whichever session happened to dial it
// first: every Acquire, including cache hits, must get its own listener that
// keeps receiving notifications until its own Release, independent of any
// other session sharing the same connector.
func TestPoolAcquireRegistersIndependentListenerPerCaller(t *testing.T) {
	ts := newTestUpstreamServer(t)
	spec := bundle.UpstreamSpec{Namespace: "shared", URL: ts.URL, Auth: auth.None()}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool := NewPool()

	var firstNotified, secondNotified int
	first, firstListener, err := pool.Acquire(ctx, spec, func(string, ChangeKind) { firstNotified++ }, true)
	require.NoError(t, err)
	second, secondListener, err := pool.Acquire(ctx, spec, func(string, ChangeKind) { secondNotified++ }, true)
	require.NoError(t, err)
	require.Same(t, first, second)

	first.notify(ChangeTools)
	assert.Equal(t, 1, firstNotified)
	assert.Equal(t, 1, secondNotified)

	// The first session releasing its connector (and detaching its own
	// notification coordinator) must not silence the second session, which
	// is still sharing the same pooled connector.
	pool.Release(spec, firstListener)
	first.notify(ChangeTools)
	assert.Equal(t, 1, firstNotified)
	assert.Equal(t, 2, secondNotified)

	pool.Release(spec, secondListener)
	pool.CloseAll()
}
