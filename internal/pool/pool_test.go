package pool_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"pipelined.dev/flow/internal/pool"
)

func TestClass(t *testing.T) {
	tests := []struct {
		size     int
		expected int
	}{
		{size: 0, expected: pool.MinSize},
		{size: 1, expected: pool.MinSize},
		{size: 64, expected: 64},
		{size: 65, expected: 128},
		{size: 1000, expected: 1024},
		{size: 1024, expected: 1024},
		{size: 1025, expected: 2048},
	}
	for _, test := range tests {
		assert.Equal(t, test.expected, pool.Class(test.size), "size %d", test.size)
	}
}

func TestPool(t *testing.T) {
	tests := []struct {
		size   int
		allocs int
	}{
		{
			size:   512,
			allocs: 10,
		},
		{
			size:   3000,
			allocs: 1000,
		},
	}
	for _, test := range tests {
		for i := 0; i < test.allocs; i++ {
			b := pool.Alloc(test.size)
			assert.GreaterOrEqual(t, len(b), test.size)
			assert.Equal(t, pool.Class(test.size), cap(b))
			pool.Free(b)
		}
	}
	assert.Same(t, pool.Get(1024), pool.Get(1024))
}

func TestFreeForeign(t *testing.T) {
	// must not panic on buffers not allocated by pool.
	pool.Free(nil)
	pool.Free(make([]byte, 100))
	pool.Free(make([]byte, 10, 128))
}
