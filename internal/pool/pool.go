// Package pool provides cache for byte buffer pools.
//
// Buffers are grouped in power-of-two size classes, so payloads of
// similar sizes reuse the same pool.
package pool

import (
	"math/bits"
	"sync"

	"github.com/oxtoacart/bpool"
)

const (
	// MinSize is the smallest size class.
	MinSize = 64
	// Depth is the number of idle buffers kept per size class.
	Depth = 32
)

var m = struct {
	sync.Mutex
	pools map[int]*bpool.BytePool
}{
	pools: map[int]*bpool.BytePool{},
}

// Class returns the size class for n bytes.
func Class(n int) int {
	if n <= MinSize {
		return MinSize
	}
	return 1 << bits.Len(uint(n-1))
}

// Get returns pool for provided size class. Pools are cached internally,
// so multiple calls for same class will return the same pool instance.
func Get(class int) *bpool.BytePool {
	m.Lock()
	defer m.Unlock()
	if p, ok := m.pools[class]; ok {
		return p
	}

	p := bpool.NewBytePool(Depth, class)
	m.pools[class] = p
	return p
}

// Alloc returns a buffer with length and capacity of the size class of n.
func Alloc(n int) []byte {
	return Get(Class(n)).Get()
}

// Free returns buffer to the pool of its class. Buffers with capacity
// that doesn't match any class are dropped.
func Free(b []byte) {
	c := cap(b)
	if c < MinSize || c != Class(c) {
		return
	}
	Get(c).Put(b[:c])
}

// Wipe cleans up internal cache of pools.
func Wipe() {
	m.Lock()
	defer m.Unlock()
	m.pools = map[int]*bpool.BytePool{}
}
