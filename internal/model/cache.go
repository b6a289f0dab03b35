package model

import (
	"github.com/samcharles93/sabi/internal/tensor"
	"github.com/x448/float16"
)

// AttentionCache stores the keys and values of one layer for every sequence
// slot of a session. Storage is [max_batch x heads x capacity x head_dim] and
// is allocated lazily on first use. Capacity grows through the mask tiers and
// never exceeds the block size.
type AttentionCache struct {
	dtype    tensor.DType
	batch    int
	heads    int
	headDim  int
	limit    int
	capacity int
	length   int

	k, v     []float32
	k16, v16 []float16.Float16
}

func newAttentionCache(cfg Config) *AttentionCache {
	return &AttentionCache{
		dtype:   cfg.CacheDType(),
		batch:   cfg.MaxBatchSize,
		heads:   cfg.NumHeads,
		headDim: cfg.HeadDim(),
		limit:   cfg.BlockSize,
	}
}

// Allocated reports whether backing storage exists.
func (c *AttentionCache) Allocated() bool { return c.capacity > 0 }

// Capacity returns the number of positions currently allocated.
func (c *AttentionCache) Capacity() int { return c.capacity }

// Len returns the number of positions written since the last clear.
func (c *AttentionCache) Len() int { return c.length }

// DType returns the storage element type.
func (c *AttentionCache) DType() tensor.DType { return c.dtype }

// reserve makes room for n positions, copying the live prefix when the
// storage has to grow.
func (c *AttentionCache) reserve(n int) {
	if n <= c.capacity {
		return
	}
	capacity := tierFor(n, c.limit)
	size := c.batch * c.heads * capacity * c.headDim
	switch c.dtype {
	case tensor.F16:
		k, v := make([]float16.Float16, size), make([]float16.Float16, size)
		c.relayout(capacity, func(dst, src int, n int) {
			copy(k[dst:dst+n], c.k16[src:src+n])
			copy(v[dst:dst+n], c.v16[src:src+n])
		})
		c.k16, c.v16 = k, v
	default:
		k, v := make([]float32, size), make([]float32, size)
		c.relayout(capacity, func(dst, src int, n int) {
			copy(k[dst:dst+n], c.k[src:src+n])
			copy(v[dst:dst+n], c.v[src:src+n])
		})
		c.k, c.v = k, v
	}
	c.capacity = capacity
}

func (c *AttentionCache) relayout(capacity int, move func(dst, src, n int)) {
	if c.length == 0 {
		return
	}
	n := c.length * c.headDim
	for s := range c.batch * c.heads {
		move(s*capacity*c.headDim, s*c.capacity*c.headDim, n)
	}
}

func (c *AttentionCache) offset(b, h, pos int) int {
	return ((b*c.heads+h)*c.capacity + pos) * c.headDim
}

// store writes the key and value of one head at pos. reserve must have been
// called for pos+1 positions.
func (c *AttentionCache) store(b, h, pos int, k, v []float32) {
	off := c.offset(b, h, pos)
	end := off + c.headDim
	if c.dtype == tensor.F16 {
		tensor.EncodeF16(c.k16[off:end], k)
		tensor.EncodeF16(c.v16[off:end], v)
		return
	}
	copy(c.k[off:end], k)
	copy(c.v[off:end], v)
}

// load copies positions [0, n) of one head into dstK and dstV, which are laid
// out as [n x head_dim].
func (c *AttentionCache) load(dstK, dstV []float32, b, h, n int) {
	off := c.offset(b, h, 0)
	end := off + n*c.headDim
	if c.dtype == tensor.F16 {
		tensor.DecodeF16(dstK[:n*c.headDim], c.k16[off:end])
		tensor.DecodeF16(dstV[:n*c.headDim], c.v16[off:end])
		return
	}
	copy(dstK, c.k[off:end])
	copy(dstV, c.v[off:end])
}

// advance records that positions up to end have been written.
func (c *AttentionCache) advance(end int) {
	c.length = max(c.length, end)
}

// Clear zeroes stored entries and keeps the allocation.
func (c *AttentionCache) Clear() {
	clear(c.k)
	clear(c.v)
	clear(c.k16)
	clear(c.v16)
	c.length = 0
}

// Free releases the storage. The next use reallocates it.
func (c *AttentionCache) Free() {
	c.k, c.v, c.k16, c.v16 = nil, nil, nil, nil
	c.capacity = 0
	c.length = 0
}
