package relayid_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openhub-relay/relay/internal/relayid"
)

func TestNewConnectionIDUnique(t *testing.T) {
	t.Parallel()
	a := relayid.NewConnectionID()
	b := relayid.NewConnectionID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestRequestIDAllocatorMonotonic(t *testing.T) {
	t.Parallel()
	var alloc relayid.RequestIDAllocator
	first := alloc.Next()
	assert.NotZero(t, first, "Next must never hand out the zero sentinel")
	for i := 0; i < 100; i++ {
		next := alloc.Next()
		assert.Greater(t, next, first)
		first = next
	}
}

func TestRequestIDAllocatorConcurrent(t *testing.T) {
	t.Parallel()
	var alloc relayid.RequestIDAllocator
	const n = 200
	ids := make(chan relayid.RequestID, n)
	for i := 0; i < n; i++ {
		go func() { ids <- alloc.Next() }()
	}
	seen := make(map[relayid.RequestID]bool, n)
	for i := 0; i < n; i++ {
		id := <-ids
		assert.False(t, seen[id], "request id allocated twice: %d", id)
		seen[id] = true
	}
}
