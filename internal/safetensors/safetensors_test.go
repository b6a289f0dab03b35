package safetensors

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeRaw creates a safetensors file from a header map and a data region.
func writeRaw(t *testing.T, header map[string]any, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.safetensors")
	hb, err := json.Marshal(header)
	require.NoError(t, err)

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hb)))
	buf := append(lenBuf[:], hb...)
	buf = append(buf, data...)
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func entry(dtype string, shape []int, start, end int64) map[string]any {
	return map[string]any{"dtype": dtype, "shape": shape, "data_offsets": []int64{start, end}}
}

func TestOpenValidFile(t *testing.T) {
	t.Parallel()
	path := writeRaw(t, map[string]any{"weight": entry("F32", []int{2, 3}, 0, 24)}, make([]byte, 24))

	f, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	assert.Equal(t, path, f.Path)
	require.Len(t, f.Tensors, 1)
	info, ok := f.Tensor("weight")
	require.True(t, ok)
	assert.Equal(t, "F32", info.DType)
	assert.Equal(t, []int{2, 3}, info.Shape)
}

func TestOpenRejectsBrokenFiles(t *testing.T) {
	t.Parallel()

	_, err := Open("/nonexistent/file.safetensors")
	assert.Error(t, err)

	short := filepath.Join(t.TempDir(), "short.safetensors")
	require.NoError(t, os.WriteFile(short, []byte{0, 0, 0, 0}, 0o644))
	_, err = Open(short)
	assert.ErrorIs(t, err, ErrCorruptFile)

	badJSON := filepath.Join(t.TempDir(), "json.safetensors")
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], 12)
	require.NoError(t, os.WriteFile(badJSON, append(lenBuf[:], "not valid js"...), 0o644))
	_, err = Open(badJSON)
	assert.ErrorIs(t, err, ErrCorruptFile)

	oneOffset := writeRaw(t, map[string]any{
		"bad": map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int64{0}},
	}, nil)
	_, err = Open(oneOffset)
	assert.Error(t, err)

	pastEnd := writeRaw(t, map[string]any{"bad": entry("F32", []int{4}, 0, 16)}, make([]byte, 8))
	_, err = Open(pastEnd)
	assert.ErrorIs(t, err, ErrCorruptFile)
}

func TestMetadataIsSeparated(t *testing.T) {
	t.Parallel()
	path := writeRaw(t, map[string]any{
		"__metadata__": map[string]string{"format": "pt"},
		"tensor1":      entry("F32", []int{4}, 0, 16),
	}, make([]byte, 16))

	sf, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = sf.Close() }()
	assert.Len(t, sf.Tensors, 1)
	assert.Equal(t, "pt", sf.Metadata["format"])
}

func TestTensorNotFound(t *testing.T) {
	t.Parallel()
	path := writeRaw(t, map[string]any{"a": entry("F32", []int{1}, 0, 4)}, make([]byte, 4))
	f, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	_, ok := f.Tensor("nonexistent")
	assert.False(t, ok)
	_, _, err = f.ReadTensor("nonexistent")
	assert.ErrorIs(t, err, ErrTensorNotFound)
}

func TestReadTensorF32Decodes(t *testing.T) {
	t.Parallel()
	f32 := make([]byte, 16)
	for i, v := range []float32{1, 2, 3, 4} {
		binary.LittleEndian.PutUint32(f32[i*4:], math.Float32bits(v))
	}
	half := make([]byte, 4)
	binary.LittleEndian.PutUint16(half[0:], 0x3C00) // 1.0
	binary.LittleEndian.PutUint16(half[2:], 0xC000) // -2.0
	bf := make([]byte, 4)
	binary.LittleEndian.PutUint16(bf[0:], 0x3F80) // 1.0
	binary.LittleEndian.PutUint16(bf[2:], 0x4000) // 2.0

	data := append(append(append([]byte{}, f32...), half...), bf...)
	path := writeRaw(t, map[string]any{
		"f32":  entry("F32", []int{4}, 0, 16),
		"f16":  entry("F16", []int{2}, 16, 20),
		"bf16": entry("BF16", []int{2}, 20, 24),
		"i32":  entry("I32", []int{1}, 0, 4),
		"bad":  entry("F32", []int{4}, 0, 8),
	}, data)

	sf, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = sf.Close() }()

	got, info, err := sf.ReadTensorF32("f32")
	require.NoError(t, err)
	assert.Equal(t, "F32", info.DType)
	assert.Equal(t, []float32{1, 2, 3, 4}, got)

	got, _, err = sf.ReadTensorF32("f16")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, -2}, got)

	got, _, err = sf.ReadTensorF32("bf16")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, got)

	_, _, err = sf.ReadTensorF32("i32")
	assert.ErrorContains(t, err, "unsupported dtype")

	_, _, err = sf.ReadTensorF32("bad")
	assert.ErrorContains(t, err, "invalid f32 data size")
}

func TestWriteRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "model.safetensors")
	tensors := []Tensor{
		{Name: "wte.weight", Shape: []int{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}},
		{Name: "ln_f.weight", Shape: []int{3}, Data: []float32{-1, 0.5, 0}},
	}
	require.NoError(t, Write(path, tensors, map[string]string{"format": "pt"}))

	sf, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = sf.Close() }()

	assert.Equal(t, []string{"ln_f.weight", "wte.weight"}, sf.Names())
	assert.Equal(t, "pt", sf.Metadata["format"])
	for _, want := range tensors {
		got, info, err := sf.ReadTensorF32(want.Name)
		require.NoError(t, err)
		assert.Equal(t, want.Shape, info.Shape)
		assert.Equal(t, want.Data, got)
	}
}

func TestWriteRejectsBadShapes(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	err := Write(filepath.Join(dir, "a.safetensors"), []Tensor{{Name: "x", Shape: []int{3}, Data: []float32{1}}}, nil)
	assert.Error(t, err)

	err = Write(filepath.Join(dir, "b.safetensors"), []Tensor{
		{Name: "x", Shape: []int{1}, Data: []float32{1}},
		{Name: "x", Shape: []int{1}, Data: []float32{2}},
	}, nil)
	assert.ErrorContains(t, err, "duplicate")
}
