package model

import (
	"fmt"
	"sync"
)

// minMaskTier is the smallest tier built for masks and cache allocations.
const minMaskTier = 64

// tierFor returns the smallest tier that holds n positions. Tiers are powers
// of two starting at minMaskTier; the last tier is limit itself.
func tierFor(n, limit int) int {
	t := minMaskTier
	for t < n {
		t *= 2
	}
	return min(t, limit)
}

// CausalMask is a square lower-triangular visibility matrix: query row i may
// attend to key column j iff j <= i.
type CausalMask struct {
	size int
	keep []bool
}

func newCausalMask(size int) *CausalMask {
	m := &CausalMask{size: size, keep: make([]bool, size*size)}
	for i := range size {
		row := m.keep[i*size : (i+1)*size]
		for j := 0; j <= i; j++ {
			row[j] = true
		}
	}
	return m
}

// Size returns the side length of the mask.
func (m *CausalMask) Size() int { return m.size }

// Allowed reports whether query position i may see key position j.
func (m *CausalMask) Allowed(i, j int) bool {
	return m.keep[i*m.size+j]
}

// MaskTable memoizes causal masks per tier. It is shared by every session of
// a model and is safe for concurrent use.
type MaskTable struct {
	mu    sync.Mutex
	limit int
	masks map[int]*CausalMask
}

// NewMaskTable returns an empty table whose largest tier is limit.
func NewMaskTable(limit int) *MaskTable {
	return &MaskTable{limit: limit, masks: make(map[int]*CausalMask)}
}

// Get returns the memoized mask of the smallest tier that covers n
// positions, building it on first use.
func (t *MaskTable) Get(n int) (*CausalMask, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n <= 0 || n > t.limit {
		return nil, fmt.Errorf("%w: mask for %d positions, limit %d", ErrSequenceTooLong, n, t.limit)
	}
	tier := tierFor(n, t.limit)
	m, ok := t.masks[tier]
	if !ok {
		m = newCausalMask(tier)
		t.masks[tier] = m
	}
	return m, nil
}

// Tiers returns the sizes of the masks built so far.
func (t *MaskTable) Tiers() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, 0, len(t.masks))
	for size := range t.masks {
		out = append(out, size)
	}
	return out
}

// reset drops every mask and changes the limit.
func (t *MaskTable) reset(limit int) {
	t.mu.Lock()
	t.limit = limit
	clear(t.masks)
	t.mu.Unlock()
}

// AttentionMask is a caller supplied visibility matrix of shape
// [batch x rows x cols] that replaces the causal mask for one forward pass.
// A batch dimension of one is broadcast over every sequence.
type AttentionMask struct {
	Batch, Rows, Cols int
	Keep              []bool
}

// NewAttentionMask returns a mask with every position visible.
func NewAttentionMask(batch, rows, cols int) *AttentionMask {
	keep := make([]bool, batch*rows*cols)
	for i := range keep {
		keep[i] = true
	}
	return &AttentionMask{Batch: batch, Rows: rows, Cols: cols, Keep: keep}
}

// MaskFromRows builds a mask from nested [batch][rows][cols] visibility
// flags. Every sequence must have the same rectangular shape.
func MaskFromRows(v [][][]bool) (*AttentionMask, error) {
	if len(v) == 0 || len(v[0]) == 0 || len(v[0][0]) == 0 {
		return nil, fmt.Errorf("%w: empty mask", ErrShapeMismatch)
	}
	rows, cols := len(v[0]), len(v[0][0])
	m := &AttentionMask{Batch: len(v), Rows: rows, Cols: cols, Keep: make([]bool, 0, len(v)*rows*cols)}
	for b, seq := range v {
		if len(seq) != rows {
			return nil, fmt.Errorf("%w: mask sequence %d has %d rows, want %d", ErrShapeMismatch, b, len(seq), rows)
		}
		for i, row := range seq {
			if len(row) != cols {
				return nil, fmt.Errorf("%w: mask row %d of sequence %d has %d columns, want %d", ErrShapeMismatch, i, b, len(row), cols)
			}
			m.Keep = append(m.Keep, row...)
		}
	}
	return m, nil
}

// Set changes the visibility of key j for query i in sequence b.
func (m *AttentionMask) Set(b, i, j int, keep bool) {
	m.Keep[(b*m.Rows+i)*m.Cols+j] = keep
}

// Allowed reports whether query i of sequence b may see key j.
func (m *AttentionMask) Allowed(b, i, j int) bool {
	if m.Batch == 1 {
		b = 0
	}
	return m.Keep[(b*m.Rows+i)*m.Cols+j]
}

func (m *AttentionMask) check(batch, rows, cols int) error {
	if m.Batch != 1 && m.Batch != batch {
		return fmt.Errorf("%w: mask batch %d, input batch %d", ErrShapeMismatch, m.Batch, batch)
	}
	if m.Rows != rows || m.Cols != cols {
		return fmt.Errorf("%w: mask is [%d x %d], attention is [%d x %d]", ErrShapeMismatch, m.Rows, m.Cols, rows, cols)
	}
	if len(m.Keep) != m.Batch*m.Rows*m.Cols {
		return fmt.Errorf("%w: mask holds %d entries", ErrShapeMismatch, len(m.Keep))
	}
	return nil
}
