package databus

import (
	"context"
	"fmt"
	"time"
	"unsafe"

	"pipelined.dev/flow/fault"
	"pipelined.dev/flow/payload"
)

type (
	// BlockPool is a bus of fixed size blocks. Writer gets a free block
	// attached to its payload and reader gets the filled block attached
	// to its payload, so data is not copied. At most items blocks are
	// outstanding.
	BlockPool struct {
		signal
		itemSize int
		blocks   [][]byte
		meta     []blockMeta
		// index of block by address of its first byte.
		index   map[*byte]int
		free    []int
		filled  []int
		writing map[*payload.Payload]int
		reading map[*payload.Payload]int
	}

	blockMeta struct {
		valid int
		done  bool
		pts   time.Duration
	}
)

// NewBlockPool returns pool of items blocks of itemSize bytes.
func NewBlockPool(items, itemSize int) (*BlockPool, error) {
	if items <= 0 || itemSize <= 0 {
		return nil, fmt.Errorf("block pool %d×%d: %w", items, itemSize, fault.ErrInvalidArgument)
	}
	if items*itemSize > payload.MaxSize {
		return nil, fmt.Errorf("block pool %d×%d: %w", items, itemSize, fault.ErrMemoryExhausted)
	}
	bp := BlockPool{
		signal:   newSignal(),
		itemSize: itemSize,
		blocks:   make([][]byte, items),
		meta:     make([]blockMeta, items),
		index:    make(map[*byte]int, items),
		writing:  make(map[*payload.Payload]int),
		reading:  make(map[*payload.Payload]int),
	}
	mem := make([]byte, items*itemSize)
	for i := range bp.blocks {
		bp.blocks[i] = mem[i*itemSize : (i+1)*itemSize : (i+1)*itemSize]
		bp.index[&bp.blocks[i][0]] = i
	}
	bp.reset()
	return &bp, nil
}

// AcquireWrite waits for a free block. If the payload carries no data of
// its own, the block is attached to it and the writer fills the block in
// place. Otherwise payload data is copied into the block on release.
func (bp *BlockPool) AcquireWrite(ctx context.Context, p *payload.Payload, wanted int, wait time.Duration) (int, error) {
	if wanted > bp.itemSize {
		return 0, fmt.Errorf("write %d bytes to %d block: %w", wanted, bp.itemSize, fault.ErrInvalidArgument)
	}
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if _, ok := bp.writing[p]; ok {
		return 0, fmt.Errorf("payload already holds a block: %w", fault.ErrInvalidState)
	}
	if err := bp.wait(ctx, wait, func() bool { return len(bp.free) > 0 }); err != nil {
		return 0, err
	}
	idx := bp.free[len(bp.free)-1]
	bp.free = bp.free[:len(bp.free)-1]
	bp.writing[p] = idx
	if _, ok := bp.blockOf(p); ok || p.Cap() == 0 {
		if err := p.Attach(bp.blocks[idx], 0); err != nil {
			return 0, err
		}
		p.ClearDone()
	}
	return bp.itemSize, nil
}

// ReleaseWrite commits the block to the reader.
func (bp *BlockPool) ReleaseWrite(ctx context.Context, p *payload.Payload, wait time.Duration) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	idx, ok := bp.writing[p]
	if !ok {
		return fmt.Errorf("release write without block: %w", fault.ErrInvalidState)
	}
	delete(bp.writing, p)
	if attached, ok := bp.blockOf(p); !ok || attached != idx {
		if p.ValidSize() > bp.itemSize {
			bp.free = append(bp.free, idx)
			bp.broadcast()
			return fmt.Errorf("write %d bytes to %d block: %w", p.ValidSize(), bp.itemSize, fault.ErrIOFail)
		}
		copy(bp.blocks[idx], p.Bytes())
	}
	bp.meta[idx] = blockMeta{valid: p.ValidSize(), done: p.Done(), pts: p.PTS()}
	bp.filled = append(bp.filled, idx)
	bp.detach(p, idx)
	bp.broadcast()
	return nil
}

// AcquireRead waits for a filled block and attaches it to the payload.
func (bp *BlockPool) AcquireRead(ctx context.Context, p *payload.Payload, _ int, wait time.Duration) (int, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if _, ok := bp.reading[p]; ok {
		return 0, fmt.Errorf("payload already holds a block: %w", fault.ErrInvalidState)
	}
	if err := bp.wait(ctx, wait, func() bool { return len(bp.filled) > 0 }); err != nil {
		return 0, err
	}
	idx := bp.filled[0]
	bp.filled = bp.filled[1:]
	m := bp.meta[idx]
	if err := p.Attach(bp.blocks[idx], m.valid); err != nil {
		return 0, err
	}
	if m.done {
		p.SetDone()
	} else {
		p.ClearDone()
	}
	p.SetPTS(m.pts)
	bp.reading[p] = idx
	return m.valid, nil
}

// ReleaseRead returns the block to the free list. The block is reused by
// the writer right away, so payloads forwarded by the reader must own
// their data before release. Port does it in ReleaseIn.
func (bp *BlockPool) ReleaseRead(_ context.Context, p *payload.Payload, _ time.Duration) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	idx, ok := bp.reading[p]
	if !ok {
		return nil
	}
	delete(bp.reading, p)
	bp.free = append(bp.free, idx)
	bp.broadcast()
	return nil
}

// detach removes committed block from the writer payload, so the writer
// doesn't see it reused.
func (bp *BlockPool) detach(p *payload.Payload, idx int) {
	if attached, ok := bp.blockOf(p); ok && attached == idx {
		_ = p.Attach(nil, 0)
	}
}

// Abort unblocks all pending calls with fault.ErrIOAbort.
func (bp *BlockPool) Abort() {
	bp.abort()
}

// Reset returns all blocks to the free list and clears abort.
func (bp *BlockPool) Reset() {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.reset()
	bp.broadcast()
}

func (bp *BlockPool) reset() {
	bp.free = bp.free[:0]
	for i := len(bp.blocks) - 1; i >= 0; i-- {
		bp.free = append(bp.free, i)
	}
	bp.filled = bp.filled[:0]
	clear(bp.writing)
	clear(bp.reading)
	bp.aborted = false
}

// Filled returns the number of blocks ready for read.
func (bp *BlockPool) Filled() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.filled)
}

// Size returns the number of blocks.
func (bp *BlockPool) Size() int {
	return len(bp.blocks)
}

// blockOf returns the index of block attached to the payload.
func (bp *BlockPool) blockOf(p *payload.Payload) (int, bool) {
	b := p.Buf()
	if len(b) == 0 {
		return 0, false
	}
	idx, ok := bp.index[unsafe.SliceData(b)]
	return idx, ok
}
