package tensor

import (
	"fmt"
	"strings"

	"github.com/x448/float16"
)

// DType identifies the element encoding of a buffer.
type DType uint8

const (
	F32 DType = iota
	F16
)

func (d DType) String() string {
	switch d {
	case F32:
		return "float32"
	case F16:
		return "float16"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(d))
	}
}

// Size returns the number of bytes a single element occupies.
func (d DType) Size() int {
	if d == F16 {
		return 2
	}
	return 4
}

// ParseDType accepts the names used by model configs ("float32", "float16",
// "f32", "f16", "fp16", "half"). An empty name means float32.
func ParseDType(name string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "float32", "f32", "fp32", "float":
		return F32, nil
	case "float16", "f16", "fp16", "half":
		return F16, nil
	default:
		return F32, fmt.Errorf("unsupported dtype %q", name)
	}
}

// EncodeF16 rounds src to half precision into dst.
func EncodeF16(dst []float16.Float16, src []float32) {
	for i, v := range src {
		dst[i] = float16.Fromfloat32(v)
	}
}

// DecodeF16 widens half precision values from src into dst.
func DecodeF16(dst []float32, src []float16.Float16) {
	for i, v := range src {
		dst[i] = v.Float32()
	}
}
