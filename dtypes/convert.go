package dtypes

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// ReadFloat32 decodes the element at index idx of raw (stored little-endian with the given dtype) as a float32.
// Only floating point dtypes are supported.
func ReadFloat32(raw []byte, dtype DType, idx int) float32 {
	switch dtype {
	case Float16:
		return float16.Frombits(binary.LittleEndian.Uint16(raw[idx*2:])).Float32()
	case Float32:
		return math.Float32frombits(binary.LittleEndian.Uint32(raw[idx*4:]))
	case Float64:
		return float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[idx*8:])))
	}
	panic(errors.Errorf("dtypes.ReadFloat32 does not support dtype %s", dtype))
}

// WriteFloat32 encodes value at index idx of raw with the given floating point dtype.
func WriteFloat32(raw []byte, dtype DType, idx int, value float32) {
	switch dtype {
	case Float16:
		binary.LittleEndian.PutUint16(raw[idx*2:], float16.Fromfloat32(value).Bits())
	case Float32:
		binary.LittleEndian.PutUint32(raw[idx*4:], math.Float32bits(value))
	case Float64:
		binary.LittleEndian.PutUint64(raw[idx*8:], math.Float64bits(float64(value)))
	default:
		panic(errors.Errorf("dtypes.WriteFloat32 does not support dtype %s", dtype))
	}
}

// EncodeFloat32s converts values to the raw little-endian representation of dtype.
func EncodeFloat32s(dtype DType, values []float32) []byte {
	raw := make([]byte, dtype.Size()*len(values))
	for ii, v := range values {
		WriteFloat32(raw, dtype, ii, v)
	}
	return raw
}

// DecodeFloat32s converts the raw little-endian representation of dtype values to float32.
func DecodeFloat32s(dtype DType, raw []byte) []float32 {
	n := len(raw) / dtype.Size()
	values := make([]float32, n)
	for ii := range values {
		values[ii] = ReadFloat32(raw, dtype, ii)
	}
	return values
}
