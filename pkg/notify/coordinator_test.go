package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrbemt/mcpbundler-gateway/pkg/upstream"
)

func TestCoordinatorDebouncesRapidEvents(t *testing.T) {
	var mu sync.Mutex
	var calls int
	var lastNamespaces []string

	c := New(50*time.Millisecond, func(kind upstream.ChangeKind, namespaces []string) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		lastNamespaces = namespaces
	})

	handler := c.Handler()
	handler("github", upstream.ChangeTools)
	handler("github", upstream.ChangeTools)
	handler("notion", upstream.ChangeTools)

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
	assert.ElementsMatch(t, []string{"github", "notion"}, lastNamespaces)
}

func TestCoordinatorSeparatesKinds(t *testing.T) {
	var mu sync.Mutex
	seen := map[upstream.ChangeKind]int{}

	c := New(20*time.Millisecond, func(kind upstream.ChangeKind, namespaces []string) {
		mu.Lock()
		defer mu.Unlock()
		seen[kind]++
	})

	handler := c.Handler()
	handler("github", upstream.ChangeTools)
	handler("github", upstream.ChangeResources)

	time.Sleep(80 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, seen[upstream.ChangeTools])
	assert.Equal(t, 1, seen[upstream.ChangeResources])
}

func TestCoordinatorDetachAllStopsFurtherEvents(t *testing.T) {
	var mu sync.Mutex
	var calls int

	c := New(20*time.Millisecond, func(kind upstream.ChangeKind, namespaces []string) {
		mu.Lock()
		defer mu.Unlock()
		calls++
	})

	handler := c.Handler()
	handler("github", upstream.ChangeTools)
	c.DetachAll()

	time.Sleep(80 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, calls)
}

func TestCoordinatorDetachAllIsIdempotent(t *testing.T) {
	c := New(20*time.Millisecond, func(upstream.ChangeKind, []string) {})
	require.NotPanics(t, func() {
		c.DetachAll()
		c.DetachAll()
	})
}
