package asyncetcd

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestQueue_Empty(t *testing.T) {
	var q requestQueue
	assert.Nil(t, q.pop())
	assert.Zero(t, q.len())
}

func TestRequestQueue_FIFO(t *testing.T) {
	var q requestQueue

	// Enough to span several chunks.
	const n = queueChunkSize*3 + 7
	for i := 0; i < n; i++ {
		q.push(newRequest(fmt.Sprintf("http://example/%d", i), methodGet))
	}
	require.Equal(t, n, q.len())

	for i := 0; i < n; i++ {
		req := q.pop()
		require.NotNil(t, req)
		assert.Equal(t, fmt.Sprintf("http://example/%d", i), req.URL())
	}
	assert.Nil(t, q.pop())
	assert.Zero(t, q.len())
}

func TestRequestQueue_InterleavedPushPop(t *testing.T) {
	var q requestQueue
	next, expect := 0, 0
	push := func(n int) {
		for i := 0; i < n; i++ {
			q.push(newRequest(fmt.Sprintf("/%d", next), methodGet))
			next++
		}
	}
	pop := func(n int) {
		for i := 0; i < n; i++ {
			req := q.pop()
			require.NotNil(t, req)
			require.Equal(t, fmt.Sprintf("/%d", expect), req.URL())
			expect++
		}
	}
	push(3)
	pop(2)
	push(queueChunkSize)
	pop(queueChunkSize + 1)
	require.Nil(t, q.pop())
	push(1)
	pop(1)
	require.Zero(t, q.len())
}

// TestRequestQueue_ConcurrentProducers checks that every push is observed by
// exactly one pop: no request lost, none observed twice.
func TestRequestQueue_ConcurrentProducers(t *testing.T) {
	var q requestQueue

	const producers = 3
	const perProducer = 1000

	var wg sync.WaitGroup
	for g := 0; g < producers; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.push(newRequest(fmt.Sprintf("/p%d/%d", g, i), methodGet))
			}
		}(g)
	}
	wg.Wait()

	seen := make(map[string]int)
	for req := q.pop(); req != nil; req = q.pop() {
		seen[req.URL()]++
	}
	require.Len(t, seen, producers*perProducer)
	for u, n := range seen {
		assert.Equal(t, 1, n, "request %s observed %d times", u, n)
	}
}
